package kve

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/acp-systems/control-plane/pkg/acptypes"
)

const maxExecuteBody = 64 * 1024

// Server wires POST /execute behind the same chi middleware idiom used
// by the kernel and hub servers.
type Server struct {
	executor *Executor
}

func NewServer(executor *Executor) *Server {
	return &Server{executor: executor}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(kveRequestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Post("/execute", s.handleExecute)
	return r
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	presentedKey := bearerToken(r)
	key, err := s.executor.Authenticate(r.Context(), presentedKey)
	if err != nil {
		writeJSON(w, 401, map[string]interface{}{"ok": false, "error": "invalid service key"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxExecuteBody+1))
	if err != nil {
		writeJSON(w, 400, map[string]interface{}{"ok": false, "error": "failed to read body"})
		return
	}
	if len(body) > maxExecuteBody {
		writeJSON(w, 413, map[string]interface{}{"ok": false, "error": "request body exceeds 64KB"})
		return
	}

	var req acptypes.ExecuteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, 400, map[string]interface{}{"ok": false, "error": "malformed JSON body"})
		return
	}

	resp, err := s.executor.Execute(r.Context(), key, req)
	if err != nil {
		status := 500
		switch {
		case errors.Is(err, ErrActionNotAllowed):
			status = 403
		case errors.Is(err, ErrTenantNotAllowed):
			status = 403
		case errors.Is(err, ErrIntegrationMissing):
			status = 404
		}
		log.Warn().Err(err).
			Str("tenant_id", req.TenantID).
			Str("integration", req.Integration).
			Str("action", req.Action).
			Str("request_hash", req.RequestHash).
			Msg("kve execute denied")
		writeJSON(w, status, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}

	log.Info().
		Str("tenant_id", req.TenantID).
		Str("integration", req.Integration).
		Str("action", req.Action).
		Str("request_hash", req.RequestHash).
		Str("service_key_id", key.ID).
		Str("status", string(resp.Status)).
		Msg("kve execute")
	writeJSON(w, 200, resp)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func kveRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("kve request")
	})
}
