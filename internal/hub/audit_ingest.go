package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/acp-systems/control-plane/pkg/acptypes"
)

const coldBlobQueueSize = 512
const coldBlobTimeout = 2 * time.Second

// AuditIngest implements spec §4.5: accept kernel audit events without
// blocking the kernel's request path. The hot-row write is synchronous
// (it is the thing callers wait on); the cold blob write is enqueued
// onto a small bounded channel and drained in the background, the same
// shape as the kernel's own AuditEmitter.
type AuditIngest struct {
	store Store
	queue chan coldBlobJob
}

type coldBlobJob struct {
	organisationID string
	event          acptypes.AuditEvent
}

func NewAuditIngest(store Store) *AuditIngest {
	ai := &AuditIngest{store: store, queue: make(chan coldBlobJob, coldBlobQueueSize)}
	go ai.drain()
	return ai
}

func (ai *AuditIngest) drain() {
	for job := range ai.queue {
		raw, err := json.Marshal(job.event)
		if err != nil {
			log.Error().Err(err).Str("event_id", job.event.EventID).Msg("audit ingest: failed to marshal for cold storage")
			continue
		}
		gzipped, err := gzipBytes(raw)
		if err != nil {
			log.Error().Err(err).Str("event_id", job.event.EventID).Msg("audit ingest: failed to gzip cold blob")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), coldBlobTimeout)
		err = ai.store.PutColdBlob(ctx, job.event.EventID, gzipped)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("event_id", job.event.EventID).Msg("audit ingest: cold blob write failed")
		}
	}
}

// IngestResult is the response shape for POST /audit/ingest.
type IngestResult struct {
	OK       bool     `json:"ok"`
	Accepted int      `json:"accepted"`
	IDs      []string `json:"ids,omitempty"`
}

// Ingest writes each event's indexed fields to the hot table
// synchronously and enqueues the full event for background cold
// storage (if enabled). A failure on one event in a batch never fails
// the others; Accepted counts only what made it into the hot table.
func (ai *AuditIngest) Ingest(ctx context.Context, organisationID, kernelID string, coldEnabled bool, events []acptypes.AuditEvent) IngestResult {
	result := IngestResult{OK: true}
	for _, event := range events {
		row := projectHotRow(organisationID, kernelID, event)
		inserted, err := ai.store.PutHotRow(ctx, row)
		if err != nil {
			log.Error().Err(err).Str("event_id", event.EventID).Msg("audit ingest: hot row write failed")
			continue
		}
		if !inserted {
			continue // duplicate event_id: idempotent no-op, not counted twice but not an error
		}
		result.Accepted++
		result.IDs = append(result.IDs, event.EventID)

		if coldEnabled {
			select {
			case ai.queue <- coldBlobJob{organisationID: organisationID, event: event}:
			default:
				log.Warn().Str("event_id", event.EventID).Msg("audit ingest: cold blob queue full, dropping")
			}
		}
	}
	return result
}

// projectHotRow applies the projection rules of spec §4.5: only the
// named fields are indexed; request_payload is never projected.
func projectHotRow(organisationID, kernelID string, event acptypes.AuditEvent) acptypes.AuditHotRow {
	return acptypes.AuditHotRow{
		EventID:            event.EventID,
		TS:                 event.TS,
		OrganisationID:     organisationID,
		KernelID:           kernelID,
		TenantID:           event.TenantID,
		Integration:        event.Integration,
		Pack:               event.Pack,
		SchemaVersion:      event.SchemaVersion,
		ActorType:          event.Actor.Type,
		ActorID:            event.Actor.ID,
		Action:             event.Action,
		Status:             event.Status,
		RequestHash:        event.RequestHash,
		DecisionSource:     event.DecisionSource,
		PolicyDecisionID:   event.PolicyDecisionID,
		Allowed:            event.Status == acptypes.StatusSuccess,
		DegradedReason:     event.DegradedReason,
		ResultMeta:         event.ResultMeta,
		LatencyMS:          event.LatencyMS,
		ErrorCode:          event.ErrorCode,
		ErrorMessageRedact: event.ErrorMessageRedact,
		IdempotencyKey:     event.IdempotencyKey,
		IPAddress:          event.IPAddress,
		DryRun:             event.DryRun,
	}
}
