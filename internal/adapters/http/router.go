package httpadapter

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/wenhao-zhang/campus-rag/internal/core/domain"
	"github.com/wenhao-zhang/campus-rag/internal/core/ports"
)

// Router exposes the question-answering and document administration API.
type Router struct {
	query    ports.QueryService
	ingestor ports.DocumentIngestor
	registry ports.ContentProvider
	status   ports.StatusSink
	index    ports.VectorIndex
	metrics  http.Handler
	logger   *slog.Logger

	maxUploadBytes int64
	rateLimitRPS   float64
	rateLimitBurst int
	embeddingModel string
}

type RouterConfig struct {
	MaxUploadBytes int64
	RateLimitRPS   float64
	RateLimitBurst int
	EmbeddingModel string
}

func NewRouter(
	query ports.QueryService,
	ingestor ports.DocumentIngestor,
	registry ports.ContentProvider,
	status ports.StatusSink,
	index ports.VectorIndex,
	metrics http.Handler,
	logger *slog.Logger,
	cfg RouterConfig,
) *Router {
	return &Router{
		query:          query,
		ingestor:       ingestor,
		registry:       registry,
		status:         status,
		index:          index,
		metrics:        metrics,
		logger:         logger,
		maxUploadBytes: cfg.MaxUploadBytes,
		rateLimitRPS:   cfg.RateLimitRPS,
		rateLimitBurst: cfg.RateLimitBurst,
		embeddingModel: cfg.EmbeddingModel,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", rt.health)
	mux.HandleFunc("POST /api/query", rt.handleQuery)
	mux.HandleFunc("POST /api/query/stream", rt.handleQueryStream)
	mux.HandleFunc("POST /api/docs/upload", rt.uploadDocuments)
	mux.HandleFunc("GET /api/docs", rt.listDocuments)
	mux.HandleFunc("DELETE /api/docs/{name}", rt.deleteDocument)
	mux.HandleFunc("POST /api/docs/{name}/reindex", rt.reindexDocument)
	mux.HandleFunc("GET /api/docs/{name}/status", rt.documentStatus)
	mux.HandleFunc("GET /api/ingest/overview", rt.ingestOverview)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics)
	}

	var handler http.Handler = mux
	if rt.rateLimitRPS > 0 {
		burst := rt.rateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		handler = newRateLimiter(rate.Limit(rt.rateLimitRPS), burst).middleware(handler)
	}
	return requestIDMiddleware(accessLogMiddleware(handler))
}

func (rt *Router) health(w http.ResponseWriter, r *http.Request) {
	indexed, err := rt.index.Stats(r.Context())
	if err != nil {
		rt.logger.Warn("vector stats unavailable", "error", err)
		indexed = 0
	}
	body := map[string]any{
		"status":          "ok",
		"vectors_indexed": indexed,
	}
	if rt.embeddingModel != "" {
		body["embedding_model"] = rt.embeddingModel
	}
	writeJSON(w, http.StatusOK, body)
}

func (rt *Router) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req domain.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	resp, cached, err := rt.query.Handle(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("X-Cache", cacheHeader(cached))
	writeJSON(w, http.StatusOK, resp)
}

// handleQueryStream answers over a plain text stream: one metadata line
// prefixed with the meta marker, then raw answer deltas.
func (rt *Router) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	var req domain.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	started := false
	err := rt.query.HandleStream(r.Context(), req, func(event domain.StreamEvent) error {
		var payload string
		switch event.Kind {
		case domain.StreamMetadata:
			encoded, err := json.Marshal(event.Meta)
			if err != nil {
				return err
			}
			payload = domain.MetaMarker + string(encoded) + "\n"
		case domain.StreamTextDelta:
			payload = event.Delta
		}
		if payload == "" {
			return nil
		}
		started = true
		if _, err := io.WriteString(w, payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !started {
		writeError(w, err)
		return
	}
	if err != nil {
		rt.logger.Error("stream aborted", "request_id", requestIDFromContext(r.Context()), "error", err)
	}
}

func (rt *Router) uploadDocuments(w http.ResponseWriter, r *http.Request) {
	if rt.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, rt.maxUploadBytes*4)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart form"})
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		headers = r.MultipartForm.File["file"]
	}
	if len(headers) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'files' is required"})
		return
	}

	files := make([]domain.UploadFile, 0, len(headers))
	for _, header := range headers {
		part, err := header.Open()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable multipart part"})
			return
		}
		content, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable multipart part"})
			return
		}
		files = append(files, domain.UploadFile{Name: header.Filename, Content: content})
	}

	report := rt.ingestor.Upload(r.Context(), files, r.Header.Get("X-Uploaded-By"))
	writeJSON(w, http.StatusOK, report)
}

func (rt *Router) listDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := rt.registry.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	statuses := map[string]map[string]any{}
	if rt.status != nil {
		statuses = rt.status.Statuses(r.Context())
	}

	type docEntry struct {
		domain.StoredDocument
		Status     string         `json:"status"`
		StatusMeta map[string]any `json:"status_meta,omitempty"`
	}
	items := make([]docEntry, 0, len(docs))
	for _, doc := range docs {
		entry := docEntry{StoredDocument: doc, Status: "unknown"}
		if meta, ok := statuses[doc.Name]; ok {
			entry.StatusMeta = meta
			if status, ok := meta["status"].(string); ok {
				entry.Status = status
			}
		}
		items = append(items, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"docs": items})
}

func (rt *Router) deleteDocument(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "document name is required"})
		return
	}
	if err := rt.ingestor.Remove(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "name": name})
}

func (rt *Router) reindexDocument(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "document name is required"})
		return
	}
	job, err := rt.ingestor.Reindex(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "scheduled", "job": job})
}

func (rt *Router) documentStatus(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "document name is required"})
		return
	}
	status := map[string]any{"status": "unknown"}
	if rt.status != nil {
		if meta, ok := rt.status.Status(r.Context(), name); ok {
			status = meta
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"document": name, "status_meta": status})
}

func (rt *Router) ingestOverview(w http.ResponseWriter, r *http.Request) {
	indexed, err := rt.index.Stats(r.Context())
	if err != nil {
		rt.logger.Warn("vector stats unavailable", "error", err)
	}
	overview := map[string]any{
		"vectors_indexed": indexed,
		"statuses":        map[string]map[string]any{},
		"recent_events":   []map[string]any{},
	}
	if rt.status != nil {
		overview["statuses"] = rt.status.Statuses(r.Context())
		overview["recent_events"] = rt.status.RecentEvents(r.Context(), 50)
	}
	writeJSON(w, http.StatusOK, overview)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, mapErrorToHTTPStatus(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("write json response", "error", err)
	}
}

func cacheHeader(cached bool) string {
	if cached {
		return "HIT"
	}
	return "MISS"
}
