package kernel

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/acp-systems/control-plane/pkg/acptypes"
	"github.com/acp-systems/control-plane/pkg/canonicaljson"
)

// EmitInput is everything the AuditEmitter needs to produce one event.
// RawParams is used for hashing only and is never itself persisted.
type EmitInput struct {
	TenantID         string
	Integration      string
	Actor            acptypes.Actor
	Pack             string
	Action           string
	RawParams        map[string]interface{}
	Status           acptypes.Status
	StartedAt        time.Time
	PolicyDecisionID string
	ResultMeta       *acptypes.ResultMeta
	RunID            string
	CorrelationID    string
	NodeID           string
	Err              error
	IdempotencyKey   string
	PolicyVersion    string
	IPAddress        string
	DryRun           bool
	DecisionSource   string
	DegradedReason   string
	Code             acptypes.Code
}

const auditQueueSize = 256
const auditAdapterTimeout = 200 * time.Millisecond

// AuditEmitter is the only sanctioned path for writing audit events
// (spec §4.2). Emission is best-effort and asynchronous: Emit enqueues
// onto a small bounded channel and returns immediately; a background
// worker drains it with a per-call timeout and swallows adapter
// failures after logging them to stderr, so the caller's response path
// is never broken by audit problems.
type AuditEmitter struct {
	adapter AuditAdapter
	queue   chan acptypes.AuditEvent
	done    chan struct{}
}

// NewAuditEmitter starts the background drain worker.
func NewAuditEmitter(adapter AuditAdapter) *AuditEmitter {
	e := &AuditEmitter{
		adapter: adapter,
		queue:   make(chan acptypes.AuditEvent, auditQueueSize),
		done:    make(chan struct{}),
	}
	go e.drain()
	return e
}

func (e *AuditEmitter) drain() {
	for {
		select {
		case event, ok := <-e.queue:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), auditAdapterTimeout)
			err := e.adapter.LogEvent(ctx, event)
			cancel()
			if err != nil {
				log.Error().Err(err).
					Str("event_id", event.EventID).
					Str("action", event.Action).
					Str("tenant_id", event.TenantID).
					Str("integration", event.Integration).
					Msg("audit adapter failed, event dropped")
			}
		case <-e.done:
			return
		}
	}
}

// Close stops the background worker. Callers should call this on
// graceful service shutdown only; it does not flush the queue.
func (e *AuditEmitter) Close() { close(e.done) }

// buildEvent constructs the full AuditEvent shape, including the
// deterministic request_hash (sanitise -> canonicalise -> SHA-256).
func (e *AuditEmitter) buildEvent(in EmitInput) acptypes.AuditEvent {
	hash, err := canonicaljson.Hash(in.RawParams)
	if err != nil {
		hash = ""
	}
	event := acptypes.AuditEvent{
		EventID:          uuid.NewString(),
		EventVersion:     1,
		SchemaVersion:    1,
		TS:               time.Now().UnixMilli(),
		TenantID:         in.TenantID,
		Integration:      in.Integration,
		Pack:             in.Pack,
		Action:           in.Action,
		Status:           in.Status,
		Actor:            in.Actor,
		RequestHash:      hash,
		PolicyDecisionID: in.PolicyDecisionID,
		ResultMeta:       in.ResultMeta,
		RunID:            in.RunID,
		CorrelationID:    in.CorrelationID,
		NodeID:           in.NodeID,
		IdempotencyKey:   in.IdempotencyKey,
		PolicyVersion:    in.PolicyVersion,
		IPAddress:        in.IPAddress,
		DryRun:           in.DryRun,
		DecisionSource:   in.DecisionSource,
		DegradedReason:   in.DegradedReason,
	}
	if !in.StartedAt.IsZero() {
		event.LatencyMS = time.Since(in.StartedAt).Milliseconds()
	}
	if in.Err != nil {
		code := in.Code
		if code == "" {
			code = acptypes.CodeInternalError
		}
		event.ErrorCode = string(code)
		event.ErrorMessageRedact = canonicaljson.RedactErrorMessage(in.Err.Error())
	}
	return event
}

// Emit never returns an error to the caller: failures are logged to
// stderr by the drain worker, and a full queue is itself logged and the
// event dropped rather than blocking the request path.
func (e *AuditEmitter) Emit(in EmitInput) {
	event := e.buildEvent(in)
	select {
	case e.queue <- event:
	default:
		os.Stderr.WriteString("kernel: audit queue full, dropping event " + event.EventID + "\n")
	}
}
