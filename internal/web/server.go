package web

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courrier-mg/courrier/internal/archive"
	"github.com/courrier-mg/courrier/internal/config"
	"github.com/courrier-mg/courrier/internal/lifecycle"
	"github.com/courrier-mg/courrier/internal/logger"
)

// Deps are what the HTTP API operates on.
type Deps struct {
	Store      *archive.Store
	Controller *lifecycle.Controller
	Logger     *zap.Logger
}

// NewServer creates and configures the HTTP server for the courrier API.
// Pipeline calls started by the API are cancelled and awaited when the
// server shuts down.
func NewServer(deps Deps, cfg *config.Config, version, bind string, port int) *http.Server {
	base, cancel := context.WithCancel(context.Background())
	h := newHandlers(base, deps, cfg, version)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", bind, port),
		Handler:           h.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(func() { h.drain(cancel) })
	return srv
}

func (h *Handlers) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.HandleHealth)

	mux.HandleFunc("GET /api/letters", h.HandleList)
	mux.HandleFunc("GET /api/letters/{id}", h.HandleFetch)
	mux.HandleFunc("PATCH /api/letters/{id}", h.HandleUpdate)
	mux.HandleFunc("DELETE /api/letters/{id}", h.HandleDelete)
	mux.HandleFunc("GET /api/letters/{id}/pdf", h.HandleRecordPDF)
	mux.HandleFunc("GET /api/letters/{id}/image", h.HandleImage)

	mux.HandleFunc("GET /api/incoming", h.HandleDraft(lifecycle.Incoming))
	mux.HandleFunc("POST /api/incoming/upload", h.HandleUpload)
	mux.HandleFunc("POST /api/incoming/commit", h.HandleCommit(lifecycle.Incoming))
	mux.HandleFunc("POST /api/incoming/reset", h.HandleReset(lifecycle.Incoming))
	mux.HandleFunc("POST /api/incoming/pdf", h.HandleDraftPDF(lifecycle.Incoming))

	mux.HandleFunc("GET /api/outgoing", h.HandleDraft(lifecycle.Outgoing))
	mux.HandleFunc("POST /api/outgoing/generate", h.HandleGenerate)
	mux.HandleFunc("POST /api/outgoing/commit", h.HandleCommit(lifecycle.Outgoing))
	mux.HandleFunc("POST /api/outgoing/reset", h.HandleReset(lifecycle.Outgoing))
	mux.HandleFunc("POST /api/outgoing/pdf", h.HandleDraftPDF(lifecycle.Outgoing))

	mux.HandleFunc("GET /api/events", h.HandleEvents)

	return requestLog(h.log, securityHeaders(mux))
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// statusWriter records the response status for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// requestLog tags each request with an id (X-Request-ID, generated when
// absent) and logs it once served.
func requestLog(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)

		log.Info("web.request",
			zap.String("req_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
		)
	})
}

// Run starts the HTTP server and handles graceful shutdown on SIGINT/SIGTERM.
func Run(srv *http.Server, log *zap.Logger) error {
	log = logger.OrNop(log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	fmt.Fprintf(os.Stderr, "Courrier API running at http://%s\n", srv.Addr)
	log.Info("web.start", zap.String("addr", srv.Addr))

	if strings.Contains(srv.Addr, "0.0.0.0") || strings.Contains(srv.Addr, "::") {
		log.Warn("web.bind_all_interfaces", zap.String("addr", srv.Addr))
	}

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		log.Info("web.shutdown")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}
