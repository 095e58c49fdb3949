package http

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shadesnap/internal/arbitrator"
	"shadesnap/internal/cache"
	"shadesnap/internal/config"
	"shadesnap/internal/coordinate"
	"shadesnap/internal/image_list"
	"shadesnap/internal/observe"
)

const (
	indexFile    = "index.html"
	fallbackFile = "og-image.png"
)

type Handlers struct {
	config   *config.Config
	logger   *zap.Logger
	cache    cache.Cache
	scanner  *image_list.Scanner
	renderer *arbitrator.Arbitrator
	metrics  observe.Metrics

	listTmpl *template.Template
	writes   sync.WaitGroup

	// Snapshots handed to a cache write that has not finished yet.
	pendingMu sync.Mutex
	pending   map[string][]byte
}

func New(config *config.Config, logger *zap.Logger, cache cache.Cache, scanner *image_list.Scanner, renderer *arbitrator.Arbitrator, metrics observe.Metrics) *Handlers {
	if metrics == nil {
		metrics = observe.NoopMetrics()
	}
	return &Handlers{
		config:   config,
		logger:   logger,
		cache:    cache,
		scanner:  scanner,
		renderer: renderer,
		metrics:  metrics,
		listTmpl: template.Must(template.New("list").Parse(listTemplate)),
		pending:  make(map[string][]byte),
	}
}

// Wait blocks until every pending cache write has finished.
func (h *Handlers) Wait() {
	h.writes.Wait()
}

func (h *Handlers) home() string {
	return strings.TrimSuffix(h.config.URL, "/")
}

// HandleRequest routes every request that is not a service endpoint. It
// always answers; failures end in the fallback image or a bare 500.
func (h *Handlers) HandleRequest(rw http.ResponseWriter, r *http.Request) {
	start := time.Now()
	w := &responseWriter{ResponseWriter: rw, statusCode: http.StatusOK}
	raw := r.RequestURI
	if raw == "" {
		raw = r.URL.RequestURI()
	}

	route, outcome := "snapshot", ""
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("Request panicked", zap.String("url", raw), zap.Any("panic", p))
			outcome = "panic"
			if !w.wroteHeader {
				h.serveFallback(w)
			}
		}
		h.metrics.RecordRequest(r.Context(), route, outcome, time.Since(start))
		h.logger.Debug("Request took", zap.String("url", raw), zap.Float64("seconds", time.Since(start).Seconds()))
	}()

	switch {
	case raw == h.config.URL:
		route = "home"
		outcome = h.serveIndex(w)
	case raw == "/favicon.ico":
		route, outcome = "favicon", "empty"
	case raw == h.home()+"/list":
		route = "list"
		outcome = h.serveList(w)
	case strings.HasPrefix(raw, h.home()+"/loc"):
		route = "point"
		outcome = h.servePoint(w, r, raw)
	default:
		outcome = h.serveSnapshot(w, r, raw)
	}
}

func (h *Handlers) serveSnapshot(w http.ResponseWriter, r *http.Request, raw string) string {
	h.logger.Info("Incoming request", zap.String("url", raw), zap.Stringer("gate", h.renderer.State()))

	key, err := coordinate.Parse(raw, h.config.Delimiter)
	if err != nil {
		h.logger.Info("Invalid url format", zap.String("url", raw), zap.Error(err))
		h.serveFallback(w)
		return "invalid"
	}
	filename := key.Filename()

	if data, ok := h.pendingSnapshot(filename); ok {
		h.metrics.RecordCache(r.Context(), true)
		writePNG(w, data)
		return "cache_hit"
	}

	if h.cache.Exists(filename) {
		data, err := h.cache.Read(filename)
		if err == nil {
			h.metrics.RecordCache(r.Context(), true)
			h.logger.Info("Serving cached snapshot", zap.String("filename", filename))
			writePNG(w, data)
			return "cache_hit"
		}
		h.logger.Error("Failed to read cached snapshot", zap.String("filename", filename), zap.Error(err))
		h.serveFallback(w)
		return "fallback"
	}
	h.metrics.RecordCache(r.Context(), false)

	h.logger.Info("Snapshot not cached, moving map to new coordinates", zap.String("filename", filename))

	// The render outlives a client disconnect so the result still reaches the cache.
	ctx := context.WithoutCancel(r.Context())
	data, cached, err := h.renderer.Snapshot(ctx, key, func() ([]byte, bool) {
		return h.lookup(filename)
	})
	if err != nil {
		h.logGateError("Snapshot failed", raw, err)
		h.serveFallback(w)
		return "fallback"
	}

	writePNG(w, data)
	if cached {
		return "cache_hit"
	}
	h.persist(filename, data)
	return "rendered"
}

type pointResult struct {
	Date    int64   `json:"date"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Zoom    float64 `json:"zoom"`
	InShade int     `json:"inShade"`
}

func (h *Handlers) servePoint(w http.ResponseWriter, r *http.Request, raw string) string {
	key, err := coordinate.Parse(raw, h.config.Delimiter)
	if err != nil {
		h.logger.Info("Invalid point query", zap.String("url", raw), zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return "invalid"
	}

	inShade, err := h.renderer.PointInShade(context.WithoutCancel(r.Context()), key)
	if err != nil {
		h.logGateError("Point query failed", raw, err)
		w.WriteHeader(http.StatusInternalServerError)
		return "fallback"
	}

	result := pointResult{Date: key.Date, Lat: key.Lat, Lng: key.Lng, Zoom: key.Zoom}
	if inShade {
		result.InShade = 1
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		h.logger.Error("Failed to write point result", zap.String("url", raw), zap.Error(err))
	}
	return "ok"
}

type listItem struct {
	Location string
	Created  time.Time
	ImageURL string
	MapURL   string
}

const listTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Recent snapshots</title>
</head>
<body>
<ul>
{{- range .}}
<li><time datetime="{{.Created.Format "2006-01-02T15:04:05Z07:00"}}">{{.Created.Format "2006-01-02 15:04:05"}}</time> <a href="{{.ImageURL}}">{{.Location}}</a> <a href="{{.MapURL}}">map</a></li>
{{- end}}
</ul>
</body>
</html>
`

func (h *Handlers) serveList(w http.ResponseWriter) string {
	entries, err := h.scanner.Recent(h.config.ListLimit)
	if errors.Is(err, fs.ErrNotExist) {
		return "empty"
	}
	if err != nil {
		h.logger.Error("Failed to list snapshots", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return "error"
	}

	items := make([]listItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, listItem{
			Location: e.Location,
			Created:  e.Created.UTC(),
			ImageURL: h.config.URL + h.config.Delimiter + e.Location,
			MapURL:   h.config.MapViewURL + e.Location,
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.listTmpl.Execute(w, items); err != nil {
		h.logger.Error("Failed to render list", zap.Error(err))
	}
	return "ok"
}

func (h *Handlers) serveIndex(w http.ResponseWriter) string {
	data, err := os.ReadFile(filepath.Join(h.config.PublicDir, indexFile))
	if err != nil {
		h.logger.Error("Failed to read index", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return "error"
	}

	content := strings.ReplaceAll(string(data), "__DELIMITER__", h.config.Delimiter)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(content))
	return "ok"
}

// serveFallback answers with the default image and a success status.
func (h *Handlers) serveFallback(w http.ResponseWriter) {
	data, err := os.ReadFile(filepath.Join(h.config.PublicDir, fallbackFile))
	if err != nil {
		h.logger.Error("Failed to read fallback image", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writePNG(w, data)
}

// lookup finds a snapshot that is either being written or already cached.
func (h *Handlers) lookup(filename string) ([]byte, bool) {
	if data, ok := h.pendingSnapshot(filename); ok {
		return data, true
	}
	if !h.cache.Exists(filename) {
		return nil, false
	}
	data, err := h.cache.Read(filename)
	return data, err == nil
}

func (h *Handlers) pendingSnapshot(filename string) ([]byte, bool) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	data, ok := h.pending[filename]
	return data, ok
}

// persist writes a freshly rendered snapshot after the response has been sent.
// Until the write lands the bytes are served from the pending set.
func (h *Handlers) persist(filename string, data []byte) {
	h.pendingMu.Lock()
	h.pending[filename] = data
	h.pendingMu.Unlock()

	h.writes.Add(1)
	go func() {
		defer h.writes.Done()
		defer func() {
			h.pendingMu.Lock()
			delete(h.pending, filename)
			h.pendingMu.Unlock()
		}()
		if err := h.cache.Write(filename, data); err != nil {
			h.logger.Error("Failed to save snapshot", zap.String("filename", filename), zap.Error(err))
			return
		}
		h.logger.Info("Saved snapshot", zap.String("filename", filename))
	}()
}

func (h *Handlers) logGateError(msg, raw string, err error) {
	switch {
	case errors.Is(err, arbitrator.ErrBusy), errors.Is(err, arbitrator.ErrNotReady):
		h.logger.Debug(msg, zap.String("url", raw), zap.Error(err))
	default:
		h.logger.Error(msg, zap.String("url", raw), zap.Error(err))
	}
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.renderer.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("starting"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowedOrigin := h.config.AllowedOrigin
		if allowedOrigin == "" {
			allowedOrigin = "*"
		}

		w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
