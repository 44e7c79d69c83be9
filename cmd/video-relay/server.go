package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/Sternrassler/video-relay/pkg/client"
	"github.com/Sternrassler/video-relay/pkg/config"
	"github.com/Sternrassler/video-relay/pkg/logging"
	"github.com/Sternrassler/video-relay/pkg/metrics"
	"github.com/Sternrassler/video-relay/pkg/relay"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const readyTimeout = 2 * time.Second

// server exposes the relay over HTTP.
type server struct {
	relay  *relay.Service
	ping   func(ctx context.Context) error
	cors   []string
	logger zerolog.Logger
	now    func() time.Time
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// newServer builds the HTTP handler tree. ping reports backend readiness and
// may be nil.
func newServer(cfg *config.Config, svc *relay.Service, ping func(ctx context.Context) error) http.Handler {
	s := &server{
		relay:  svc,
		ping:   ping,
		cors:   cfg.Server.CORSOrigins,
		logger: logging.NewLogger("http"),
		now:    time.Now,
	}

	mux := http.NewServeMux()
	s.handle(mux, "GET /health", "health", s.handleHealth)
	s.handle(mux, "GET /ready", "ready", s.handleReady)
	s.handle(mux, "GET /collection-items", "collection-items", s.handleCollectionItems)
	s.handle(mux, "GET /item/{id}", "item", s.handleItem)
	s.handle(mux, "GET /item/{$}", "item", s.handleItem)
	s.handle(mux, "GET /api/vimeo/folder-videos", "collection-items", s.handleCollectionItems)
	s.handle(mux, "GET /api/vimeo/video/{id}", "item", s.handleItem)
	s.handle(mux, "GET /api/vimeo/video/{$}", "item", s.handleItem)
	mux.Handle("GET /metrics", metrics.Handler())

	return logging.Middleware(s.logger, s.withCORS(mux))
}

// handle registers h and counts its responses under route.
func (s *server) handle(mux *http.ServeMux, pattern, route string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *server) handleCollectionItems(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	items, err := s.relay.CollectionItems(r.Context(), r.URL.Query().Get("collectionId"))
	if err != nil {
		logger.Error().Err(err).Str("error_class", string(client.ClassOf(err))).Msg("Collection request failed")
		writeJSON(w, client.HTTPStatus(err), errorResponse{Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, items)
}

func (s *server) handleItem(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	item, err := s.relay.Item(r.Context(), r.PathValue("id"))
	if err != nil {
		status, resp := itemError(err)
		logger.Error().Err(err).Int("status", status).Msg("Item request failed")
		writeJSON(w, status, resp)
		return
	}

	writeJSON(w, http.StatusOK, item)
}

// itemError mirrors the upstream status for upstream errors and carries the
// upstream error body when one was read.
func itemError(err error) (int, errorResponse) {
	status := client.HTTPStatus(err)
	resp := errorResponse{Message: err.Error()}

	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		return status, resp
	}

	switch apiErr.Class {
	case client.ErrorClassUpstream:
		if apiErr.StatusCode >= 400 && apiErr.StatusCode <= 599 {
			status = apiErr.StatusCode
			resp.Message = fmt.Sprintf("upstream item request failed (status %d)", apiErr.StatusCode)
		}
		resp.Error = apiErr.Body
	case client.ErrorClassForbidden:
		resp.Message = "upstream denied access (403): the access token lacks permission for this item"
		resp.Error = apiErr.Body
	}
	return status, resp
}

// withCORS allows browser callers from the configured origins. "*" allows
// any origin. Preflight requests are answered with 204.
func (s *server) withCORS(next http.Handler) http.Handler {
	allowAll := len(s.cors) == 0 || slices.Contains(s.cors, "*")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(s.cors, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		logger := logging.NewLogger("http")
		logger.Warn().Err(err).Msg("Failed to write response")
	}
}

// run serves handler until ctx is cancelled, then shuts down gracefully.
func run(ctx context.Context, cfg config.ServerConfig, handler http.Handler, logger zerolog.Logger) error {
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen on port %s: %w", cfg.Port, err)
	}
	return serve(ctx, ln, cfg.GetShutdownTimeout(), handler, logger)
}

func serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", ln.Addr().String()).Msg("Relay server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down relay server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
