package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acp-systems/control-plane/pkg/acptypes"
)

// httpClient is shared by the HTTP adapter implementations below. The
// teacher's internal/router.go constructs one http.Client per router
// and reuses it across calls; we do the same.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// withRetry wraps an HTTP round-trip in exponential backoff, bounded to
// three attempts, matching the teacher's use of cenkalti/backoff for
// outbound provider calls (internal/router.go's TestProvider path).
func withRetry(ctx context.Context, fn func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	return backoff.Retry(fn, b)
}

func postJSON(ctx context.Context, client *http.Client, url string, bearer string, body interface{}, out interface{}) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	var status int
	err = withRetry(ctx, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if bearer != "" {
			httpReq.Header.Set("Authorization", "Bearer "+bearer)
		}
		resp, err := client.Do(httpReq)
		if err != nil {
			return err // transient: retry
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			return fmt.Errorf("server error %d: %s", resp.StatusCode, string(respBody))
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("request failed %d: %s", resp.StatusCode, string(respBody)))
		}
		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return backoff.Permanent(err)
			}
		}
		return nil
	})
	return status, err
}

// HTTPControlPlaneAdapter calls the Governance Hub's POST /authorize.
type HTTPControlPlaneAdapter struct {
	BaseURL   string
	KernelKey string
	client    *http.Client
}

func NewHTTPControlPlaneAdapter(baseURL, kernelKey string) *HTTPControlPlaneAdapter {
	return &HTTPControlPlaneAdapter{BaseURL: strings.TrimRight(baseURL, "/"), KernelKey: kernelKey, client: newHTTPClient(750 * time.Millisecond)}
}

func (h *HTTPControlPlaneAdapter) Authorize(ctx context.Context, req AuthorizeRequest) (*acptypes.DecisionToken, error) {
	body := map[string]interface{}{
		"kernel_id":      req.KernelID,
		"tenant_id":      req.TenantID,
		"actor":          req.Actor,
		"action":         req.Action,
		"request_hash":   req.RequestHash,
		"params_summary": req.ParamsSummary,
	}
	var token acptypes.DecisionToken
	_, err := postJSON(ctx, h.client, h.BaseURL+"/authorize", h.KernelKey, body, &token)
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// HTTPAuditAdapter posts to the Governance Hub's POST /audit/ingest.
type HTTPAuditAdapter struct {
	BaseURL   string
	KernelKey string
	client    *http.Client
}

func NewHTTPAuditAdapter(baseURL, kernelKey string) *HTTPAuditAdapter {
	return &HTTPAuditAdapter{BaseURL: strings.TrimRight(baseURL, "/"), KernelKey: kernelKey, client: newHTTPClient(200 * time.Millisecond)}
}

func (h *HTTPAuditAdapter) LogEvent(ctx context.Context, event acptypes.AuditEvent) error {
	_, err := postJSON(ctx, h.client, h.BaseURL+"/audit/ingest", h.KernelKey, event, nil)
	return err
}

func (h *HTTPAuditAdapter) Log(ctx context.Context, legacy LegacyAuditEntry) error {
	pack := legacy.Action
	for i, c := range legacy.Action {
		if c == '.' {
			pack = legacy.Action[:i]
			break
		}
	}
	return h.LogEvent(ctx, acptypes.AuditEvent{
		TenantID:    legacy.TenantID,
		Integration: legacy.Integration,
		Pack:        pack,
		Action:      legacy.Action,
		Status:      legacy.Status,
		Actor:       acptypes.Actor{Type: "system", ID: legacy.ActorID},
	})
}

// HTTPExecutorAdapter is the generic endpoint-style executor client.
type HTTPExecutorAdapter struct {
	BaseURL string
	client  *http.Client
}

func NewHTTPExecutorAdapter(baseURL string) *HTTPExecutorAdapter {
	return &HTTPExecutorAdapter{BaseURL: strings.TrimRight(baseURL, "/"), client: newHTTPClient(5 * time.Second)}
}

func (h *HTTPExecutorAdapter) Execute(ctx context.Context, endpoint string, params map[string]interface{}, tenantID string, trace map[string]interface{}) (*ExecutorResult, error) {
	body := map[string]interface{}{"tenant_id": tenantID, "params": params, "trace": trace}
	var out ExecutorResult
	_, err := postJSON(ctx, h.client, h.BaseURL+endpoint, "", body, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// KVEExecutorAdapter is the KVE-shaped client described in spec §4.3: it
// parses endpoints of the form
// /api/tenants/{tenantId}/{integration}/{resource}.{verb} into
// {integration, action} and posts to KVE's /execute.
type KVEExecutorAdapter struct {
	BaseURL    string
	ServiceKey string
	client     *http.Client
}

func NewKVEExecutorAdapter(baseURL, serviceKey string) *KVEExecutorAdapter {
	return &KVEExecutorAdapter{BaseURL: strings.TrimRight(baseURL, "/"), ServiceKey: serviceKey, client: newHTTPClient(5 * time.Second)}
}

// ParseKVEEndpoint splits /api/tenants/{tenantId}/{integration}/{resource}.{verb}
// into {integration, action}, where action is "resource.verb".
func ParseKVEEndpoint(endpoint string) (integration, action string, err error) {
	parts := strings.Split(strings.TrimPrefix(endpoint, "/"), "/")
	if len(parts) < 5 || parts[0] != "api" || parts[1] != "tenants" {
		return "", "", fmt.Errorf("kve: malformed endpoint %q", endpoint)
	}
	return parts[3], strings.Join(parts[4:], "."), nil
}

func (h *KVEExecutorAdapter) Execute(ctx context.Context, endpoint string, params map[string]interface{}, tenantID string, trace map[string]interface{}) (*ExecutorResult, error) {
	integration, action, err := ParseKVEEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	req := acptypes.ExecuteRequest{
		TenantID:    tenantID,
		Integration: integration,
		Action:      action,
		Params:      params,
		Trace:       trace,
	}
	var resp acptypes.ExecuteResponse
	_, err = postJSON(ctx, h.client, h.BaseURL+"/execute", h.ServiceKey, req, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("kve: %s: %s", resp.ErrorCode, resp.ErrorMessageRedact)
	}
	result := &ExecutorResult{Data: resp.Data}
	if resp.ResultMeta != nil {
		result.ResourceType = resp.ResultMeta.ResourceType
		result.Count = resp.ResultMeta.Count
		result.ResourceIDs = resp.ResultMeta.IDsCreated
	}
	return result, nil
}
