package hub

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/acp-systems/control-plane/pkg/acptypes"
)

const maxAuthorizeBody = 8 * 1024
const maxParamsSummary = 4 * 1024
const maxAuditIngestBody = 256 * 1024

var hubTracer = otel.Tracer("acp/hub")

type kernelContextKey struct{}

// Server wires every Governance Hub HTTP endpoint (spec §6) behind the
// teacher's chi middleware stack, mirroring internal/api/router.go.
type Server struct {
	store       Store
	engine      *DecisionEngine
	ingest      *AuditIngest
	revocations *Revocations
	registry    *Registry
}

func NewServer(store Store, pepper string) *Server {
	return &Server{
		store:       store,
		engine:      NewDecisionEngine(store),
		ingest:      NewAuditIngest(store),
		revocations: NewRevocations(store),
		registry:    NewRegistry(store, pepper),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(hubRequestLogger)
	r.Use(hubTracing)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Post("/authorize", s.handleAuthorize)
		r.Post("/audit/ingest", s.handleAuditIngest)
		r.Get("/audit/query", s.handleAuditQuery)
		r.Post("/revoke", s.handleRevoke)
		r.Get("/revocations/snapshot", s.handleSnapshot)
		r.Post("/heartbeat", s.handleHeartbeat)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

// bearerAuth resolves the Authorization: Bearer <kernel_api_key> header
// against the registry and stashes the kernel record in the request
// context, per spec §6 ("Bearer authentication on every endpoint; the
// bearer is the kernel API key").
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		kernel, err := s.registry.AuthenticateBearer(r.Context(), token)
		if err != nil {
			writeJSON(w, 401, map[string]interface{}{"ok": false, "error": "invalid or unregistered kernel bearer token"})
			return
		}
		ctx := context.WithValue(r.Context(), kernelContextKey{}, kernel)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func kernelFromContext(ctx context.Context) *acptypes.KernelInventoryRecord {
	k, _ := ctx.Value(kernelContextKey{}).(*acptypes.KernelInventoryRecord)
	return k
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	body, ok := readLimited(w, r, maxAuthorizeBody)
	if !ok {
		return
	}
	var req AuthorizeRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, 400, map[string]interface{}{"ok": false, "error": "malformed JSON body"})
			return
		}
	}
	if summary, err := json.Marshal(req.ParamsSummary); err == nil && len(summary) > maxParamsSummary {
		writeJSON(w, 413, map[string]interface{}{"ok": false, "error": "params_summary exceeds 4KB"})
		return
	}

	kernel := kernelFromContext(r.Context())
	req.OrganisationID = kernel.OrganisationID
	req.KernelID = kernel.ID

	token, err := s.engine.Authorize(r.Context(), req)
	if err != nil {
		log.Error().Err(err).Str("kernel_id", kernel.ID).Msg("hub authorize failed")
		writeJSON(w, 503, map[string]interface{}{"ok": false, "error": "decision engine unavailable"})
		return
	}
	writeJSON(w, 200, token)
}

func (s *Server) handleAuditIngest(w http.ResponseWriter, r *http.Request) {
	body, ok := readLimited(w, r, maxAuditIngestBody)
	if !ok {
		return
	}
	kernel := kernelFromContext(r.Context())

	var events []acptypes.AuditEvent
	if len(body) > 0 && body[0] == '[' {
		if err := json.Unmarshal(body, &events); err != nil {
			writeJSON(w, 400, map[string]interface{}{"ok": false, "error": "malformed JSON body"})
			return
		}
	} else {
		var single acptypes.AuditEvent
		if err := json.Unmarshal(body, &single); err != nil {
			writeJSON(w, 400, map[string]interface{}{"ok": false, "error": "malformed JSON body"})
			return
		}
		events = []acptypes.AuditEvent{single}
	}

	org, err := s.store.GetOrganisation(r.Context(), kernel.OrganisationID)
	coldEnabled := err == nil && org.ColdStorageEnabled

	result := s.ingest.Ingest(r.Context(), kernel.OrganisationID, kernel.ID, coldEnabled, events)
	writeJSON(w, 202, result)
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := AuditFilter{
		TenantID: q.Get("tenant"),
		Action:   q.Get("action"),
		Status:   acptypes.Status(q.Get("status")),
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil {
		filter.Page = page
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	rows, total, err := s.store.QueryHotRows(r.Context(), filter)
	if err != nil {
		writeJSON(w, 500, map[string]interface{}{"ok": false, "error": "query failed"})
		return
	}
	writeJSON(w, 200, map[string]interface{}{"entries": rows, "total": total, "page": maxInt(filter.Page, 1)})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	body, ok := readLimited(w, r, maxAuthorizeBody)
	if !ok {
		return
	}
	var req RevokeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, 400, map[string]interface{}{"ok": false, "error": "malformed JSON body"})
		return
	}
	version, err := s.revocations.Revoke(r.Context(), req)
	if err != nil {
		writeJSON(w, 400, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]interface{}{"ok": true, "revocations_version": version})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	kernelID := r.URL.Query().Get("kernelId")
	snapshot, err := s.revocations.Snapshot(r.Context(), kernelID)
	if err != nil {
		writeJSON(w, 500, map[string]interface{}{"ok": false, "error": "snapshot unavailable"})
		return
	}
	writeJSON(w, 200, snapshot)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	body, ok := readLimited(w, r, maxAuthorizeBody)
	if !ok {
		return
	}
	var req HeartbeatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, 400, map[string]interface{}{"ok": false, "error": "malformed JSON body"})
		return
	}
	kernel := kernelFromContext(r.Context())
	resp, err := s.registry.Heartbeat(r.Context(), kernel, req, s.engine, s.revocations)
	if err != nil {
		writeJSON(w, 500, map[string]interface{}{"ok": false, "error": "heartbeat failed"})
		return
	}
	writeJSON(w, 200, resp)
}

func readLimited(w http.ResponseWriter, r *http.Request, max int64) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, max+1))
	if err != nil {
		writeJSON(w, 400, map[string]interface{}{"ok": false, "error": "failed to read body"})
		return nil, false
	}
	if int64(len(body)) > max {
		writeJSON(w, 413, map[string]interface{}{"ok": false, "error": "request body too large"})
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// hubRequestLogger mirrors the kernel's own requestLogger (and, in
// turn, the teacher's internal/api/middleware/logger.go).
func hubRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		event := log.Info()
		if ww.Status() >= 500 {
			event = log.Error()
		} else if ww.Status() >= 400 {
			event = log.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("hub request")
	})
}

func hubTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := hubTracer.Start(r.Context(), "hub."+r.URL.Path,
			trace.WithAttributes(attribute.String("http.method", r.Method)))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
