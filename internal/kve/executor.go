package kve

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/acp-systems/control-plane/pkg/acptypes"
	"github.com/acp-systems/control-plane/pkg/canonicaljson"
)

var (
	ErrServiceKeyInvalid  = errors.New("kve: invalid service key")
	ErrActionNotAllowed   = errors.New("kve: action not allowlisted")
	ErrTenantNotAllowed   = errors.New("kve: tenant not allowed for this service key")
	ErrIntegrationMissing = errors.New("kve: tenant has no configured integration")
)

// IntegrationHandler is a per-integration function issuing the actual
// external call, given the resolved token and integration metadata.
// Handlers never see the service key or pepper — only the already
// resolved secret.
type IntegrationHandler func(ctx context.Context, action string, params map[string]interface{}, token string, metadata map[string]interface{}) (data map[string]interface{}, upstream acptypes.UpstreamInfo, err error)

// Executor runs the pipeline of spec §4.7.
type Executor struct {
	store    Store
	secrets  SecretResolver
	pepper   []byte
	handlers map[string]IntegrationHandler
}

func NewExecutor(store Store, secrets SecretResolver, pepper string) *Executor {
	return &Executor{store: store, secrets: secrets, pepper: []byte(pepper), handlers: map[string]IntegrationHandler{}}
}

// RegisterIntegration wires one integration's handler, e.g.
// executor.RegisterIntegration("stripe", stripeHandler).
func (e *Executor) RegisterIntegration(integration string, handler IntegrationHandler) {
	e.handlers[integration] = handler
}

// HMACKey computes HMAC-SHA-256(pepper, key), hex-encoded, matching
// the kve's own service-key authentication step.
func (e *Executor) HMACKey(key string) string {
	mac := hmac.New(sha256.New, e.pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticate resolves a presented service key to its record.
func (e *Executor) Authenticate(ctx context.Context, presentedKey string) (*acptypes.ServiceKey, error) {
	if presentedKey == "" {
		return nil, ErrServiceKeyInvalid
	}
	key, err := e.store.GetServiceKeyByHMAC(ctx, e.HMACKey(presentedKey))
	if err != nil {
		return nil, ErrServiceKeyInvalid
	}
	if key.Status != acptypes.ServiceKeyActive {
		return nil, ErrServiceKeyInvalid
	}
	return key, nil
}

// Execute runs steps 3-7 of spec §4.7 (authentication is step 1,
// handled by Authenticate before Execute is called; size gating,
// step 2, is handled at the HTTP layer).
func (e *Executor) Execute(ctx context.Context, key *acptypes.ServiceKey, req acptypes.ExecuteRequest) (*acptypes.ExecuteResponse, error) {
	entry, err := e.store.GetAllowlistEntry(ctx, req.Integration, req.Action)
	if err != nil || !entry.Enabled {
		return nil, ErrActionNotAllowed
	}

	if !key.AllowedForTenant(req.TenantID) {
		return nil, ErrTenantNotAllowed
	}

	ti, err := e.store.GetTenantIntegration(ctx, req.TenantID, req.Integration)
	if err != nil {
		return nil, ErrIntegrationMissing
	}

	token, err := e.secrets.ResolveSecret(ctx, ti.SecretName)
	if err != nil {
		return &acptypes.ExecuteResponse{
			OK:                 false,
			Status:             acptypes.StatusError,
			ErrorCode:          "CREDENTIAL_NOT_FOUND",
			ErrorMessageRedact: "no credential configured for this tenant/integration",
		}, nil
	}

	handler, ok := e.handlers[req.Integration]
	if !ok {
		return &acptypes.ExecuteResponse{
			OK:                 false,
			Status:             acptypes.StatusError,
			ErrorCode:          "INTEGRATION_NOT_IMPLEMENTED",
			ErrorMessageRedact: fmt.Sprintf("no handler registered for integration %q", req.Integration),
		}, nil
	}

	_ = e.store.TouchServiceKey(ctx, key.ID)

	data, upstream, err := handler(ctx, req.Action, req.Params, token, ti.Metadata)
	if err != nil {
		return &acptypes.ExecuteResponse{
			OK:                 false,
			Status:             acptypes.StatusError,
			ErrorCode:          "UPSTREAM_ERROR",
			ErrorMessageRedact: canonicaljson.RedactErrorMessage(err.Error()),
			Upstream:           upstream,
		}, nil
	}

	sanitisedData, _ := canonicaljson.Sanitize(data).(map[string]interface{})
	return &acptypes.ExecuteResponse{
		OK:       true,
		Status:   acptypes.StatusSuccess,
		Data:     sanitisedData,
		Upstream: upstream,
	}, nil
}
