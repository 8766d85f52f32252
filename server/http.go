// Package server exposes the local sticker mirror over HTTP.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	stickercache "github.com/wolfeidau/sticker-cache"
	"github.com/wolfeidau/sticker-cache/catalog"
	"github.com/wolfeidau/sticker-cache/manager"
	"github.com/wolfeidau/sticker-cache/telemetry"
)

// Source is the cache the server reads from.
type Source interface {
	Sync(ctx context.Context) catalog.Result
	Lookup(ctx context.Context, id string) (stickercache.Asset, bool)
	CachedPath(ctx context.Context, a stickercache.Asset) (string, bool)
	FetchPath(ctx context.Context, a stickercache.Asset) (string, bool)
	TrackSent(ctx context.Context, a stickercache.Asset)
	Status(ctx context.Context) (manager.Status, error)
}

var _ Source = (*manager.Manager)(nil)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken enables bearer-token authentication when set.
	// /health and /metrics remain open.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server serves the catalog and cached sticker files.
type Server struct {
	config     Config
	source     Source
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// New creates a server reading from source.
func New(cfg Config, source Source) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config: cfg,
		source: source,
		logger: cfg.Logger,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(s.authMiddleware(gzhttp.GzipHandler(mux)))

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      h2c.NewHandler(s.handler, &http2.Server{}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the server's HTTP handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /groups", s.handleGroups)
	mux.HandleFunc("GET /stickers", s.handleStickers)
	mux.HandleFunc("GET /stickers/{id}", s.handleSticker)
	mux.HandleFunc("POST /stickers/{id}/sent", s.handleSent)
	mux.HandleFunc("GET /status", s.handleStatus)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleGroups syncs and returns the catalog in the service's wire format.
func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "groups")
	res := s.source.Sync(r.Context())
	if res.Groups == nil {
		writeError(w, http.StatusServiceUnavailable, "sync interrupted")
		return
	}
	data, err := stickercache.EncodeCatalog(&stickercache.Catalog{UpdatedAt: res.UpdatedAt, Groups: res.Groups})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Sync-Outcome", res.Outcome)
	_, _ = w.Write(data)
}

type stickerJSON struct {
	ID          string  `json:"id"`
	Group       string  `json:"group"`
	URL         string  `json:"url"`
	SortOrder   int     `json:"sortOrder"`
	Description *string `json:"description_en,omitempty"`
	Href        string  `json:"href"`
}

func (s *Server) handleStickers(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stickers")
	res := s.source.Sync(r.Context())
	if res.Groups == nil {
		writeError(w, http.StatusServiceUnavailable, "sync interrupted")
		return
	}
	out := make([]stickerJSON, 0, len(res.Assets()))
	for _, g := range res.Groups {
		for _, a := range g.Assets {
			out = append(out, stickerJSON{
				ID:          a.ID,
				Group:       g.Name,
				URL:         a.SourceURL,
				SortOrder:   a.SortOrder,
				Description: a.Description,
				Href:        "/stickers/" + a.ID,
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSticker serves the cached file of a sticker in the local snapshot,
// downloading it first on a miss.
func (s *Server) handleSticker(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "sticker")
	ctx := r.Context()

	a, ok := s.source.Lookup(ctx, r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "sticker not found")
		return
	}

	p, ok := s.source.CachedPath(ctx, a)
	if ok {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	} else {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		if p, ok = s.source.FetchPath(ctx, a); !ok {
			writeError(w, http.StatusBadGateway, "sticker unavailable")
			return
		}
	}

	if d := a.DescriptionOrEmpty(); d != "" {
		w.Header().Set("X-Sticker-Description", d)
	}
	http.ServeFile(w, r, p)
}

func (s *Server) handleSent(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "sent")
	a, ok := s.source.Lookup(r.Context(), r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "sticker not found")
		return
	}
	s.source.TrackSent(r.Context(), a)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "status")
	st, err := s.source.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start listens on the configured address and blocks until shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter captures the status code and bytes written. It preserves
// http.Flusher and http.Hijacker.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
