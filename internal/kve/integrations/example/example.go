// Package example is an illustrative third-party integration handler
// for the Key-Vault Executor: a minimal HTTP proxy to a webhook-shaped
// external API, using the resolved per-tenant token as a bearer
// credential. Real deployments register one handler per integration
// (Stripe, Slack, a CRM, ...); cmd/kve registers this one as its
// sample integration.
package example

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/acp-systems/control-plane/pkg/acptypes"
)

// Handler returns a kve.IntegrationHandler bound to baseURL, the
// upstream's HTTP origin (read from the tenant integration's metadata
// if present, falling back to baseURL).
func Handler(client *http.Client, defaultBaseURL string) func(ctx context.Context, action string, params map[string]interface{}, token string, metadata map[string]interface{}) (map[string]interface{}, acptypes.UpstreamInfo, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context, action string, params map[string]interface{}, token string, metadata map[string]interface{}) (map[string]interface{}, acptypes.UpstreamInfo, error) {
		baseURL := defaultBaseURL
		if v, ok := metadata["base_url"].(string); ok && v != "" {
			baseURL = v
		}

		body, err := json.Marshal(map[string]interface{}{"action": action, "params": params})
		if err != nil {
			return nil, acptypes.UpstreamInfo{}, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/"+action, bytes.NewReader(body))
		if err != nil {
			return nil, acptypes.UpstreamInfo{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := client.Do(req)
		if err != nil {
			return nil, acptypes.UpstreamInfo{}, err
		}
		defer resp.Body.Close()

		upstream := acptypes.UpstreamInfo{
			HTTPStatus: resp.StatusCode,
			RequestID:  resp.Header.Get("X-Request-Id"),
		}
		if resp.StatusCode >= 400 {
			return nil, upstream, fmt.Errorf("upstream returned status %d", resp.StatusCode)
		}

		var data map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
			return nil, upstream, err
		}
		return data, upstream, nil
	}
}
