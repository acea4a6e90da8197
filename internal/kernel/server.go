package kernel

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/acp-systems/control-plane/pkg/acptypes"
)

var tracer = otel.Tracer("acp/kernel")

// NewHTTPHandler builds the kernel's single HTTP surface: one route,
// default POST /api/manage (spec §6), wrapped in the teacher's
// middleware idiom (RequestID, RealIP, Recoverer, structured logging,
// a tracing span per request).
func NewHTTPHandler(router *Router, bindings acptypes.KernelBindings) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(tracingMiddleware)

	path := bindings.BasePath + bindings.EndpointPath
	if path == "" {
		path = "/api/manage"
	}
	r.Post(path, manageHandler(router))
	r.Get("/health", healthHandler)
	return r
}

func manageHandler(router *Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			writeResponse(w, &Response{OK: false, Error: "failed to read body", Code: acptypes.CodeValidationError}, 400)
			return
		}

		var req Request
		bodyLen := len(body)
		if bodyLen > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				writeResponse(w, &Response{OK: false, Error: "malformed JSON body", Code: acptypes.CodeValidationError}, 400)
				return
			}
		}

		auth := AuthInput{
			APIKeyHeader: extractAPIKey(r),
			IPAddress:    clientIP(r),
			BodyLen:      bodyLen,
		}
		resp, status := router.Handle(r.Context(), auth, req)
		writeResponse(w, resp, status)
	}
}

func extractAPIKey(r *http.Request) string {
	if v := r.Header.Get("X-API-Key"); v != "" {
		return v
	}
	return ""
}

func clientIP(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		return v
	}
	return r.RemoteAddr
}

func writeResponse(w http.ResponseWriter, resp *Response, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// requestLogger mirrors the teacher's internal/api/middleware/logger.go:
// status-based level escalation, structured fields.
func requestLogger(next http.Handler) http.Handler {
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
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("kernel request")
	})
}

// tracingMiddleware mirrors the teacher's internal/api/middleware/telemetry.go.
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "kernel.manage",
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
			))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
