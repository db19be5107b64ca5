// Package handlers exposes the answer, ingestion and introspection endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/RoboMaroof/ragserver/agent"
	"github.com/RoboMaroof/ragserver/apperr"
	"github.com/RoboMaroof/ragserver/ingest"
	"github.com/RoboMaroof/ragserver/llm"
	"github.com/RoboMaroof/ragserver/metrics"
	"github.com/RoboMaroof/ragserver/rag"
	"github.com/RoboMaroof/ragserver/store"
	"github.com/RoboMaroof/ragserver/tracing"
)

// Config holds handler-level configuration.
type Config struct {
	DefaultModel   string
	K              int
	MaxRounds      int
	ToolTimeout    time.Duration
	SystemPrompt   string
	MaxTokens      int
	UploadFolder   string
	MaxUploadBytes int64
	AllowedOrigins []string
	KeepAlive      time.Duration
}

// ModelResolver turns a "provider:model" id into a generator client.
type ModelResolver interface {
	Client(modelID string) (llm.Client, llm.ModelID, error)
}

// IndexBuilder runs index builds. Implemented by *ingest.Builder.
type IndexBuilder interface {
	Build(ctx context.Context, src ingest.Source) (ingest.Result, error)
	BuildWith(ctx context.Context, prepare func(ctx context.Context) (ingest.Source, error)) (ingest.Result, error)
}

// IndexInfo reports the served index. Implemented by *store.Store.
type IndexInfo interface {
	Info() (store.IndexInfo, bool)
}

// Deps holds shared dependencies injected into handlers. Everything is
// constructed once at startup.
type Deps struct {
	Config   Config
	Models   ModelResolver
	Pipeline *rag.Pipeline
	Tools    *agent.ToolRegistry
	Builder  IndexBuilder
	Index    IndexInfo
	Traces   *tracing.Store
	Metrics  *metrics.Metrics
	Log      *zap.Logger
}

type handler struct {
	deps *Deps
	log  *zap.Logger
}

// RegisterRoutes registers all routes on r.
func RegisterRoutes(r *mux.Router, deps *Deps) {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Traces == nil {
		deps.Traces = tracing.NewStore(0)
	}
	if deps.Tools == nil {
		deps.Tools = agent.NewToolRegistry()
	}
	if deps.Config.KeepAlive <= 0 {
		deps.Config.KeepAlive = 15 * time.Second
	}
	h := &handler{deps: deps, log: deps.Log}

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)

	r.HandleFunc("/agent/invoke", h.invoke("")).Methods(http.MethodPost)
	r.HandleFunc("/rag/invoke", h.invoke(ModeRAG)).Methods(http.MethodPost)
	r.HandleFunc("/agent/stream", h.stream).Methods(http.MethodPost)
	r.HandleFunc("/agent/ws", h.streamWS).Methods(http.MethodGet)

	r.HandleFunc("/vectordb/create", h.createIndex).Methods(http.MethodPost)
	r.HandleFunc("/vectordb/upload", h.uploadIndex).Methods(http.MethodPost)
	r.HandleFunc("/vectordb/status", h.indexStatus).Methods(http.MethodGet)

	r.HandleFunc("/tools", h.listTools).Methods(http.MethodGet)
	r.HandleFunc("/traces", h.listTraces).Methods(http.MethodGet)
	r.HandleFunc("/traces/{id}", h.getTrace).Methods(http.MethodGet)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "index_ready": false, "chunks": 0}
	if h.deps.Index != nil {
		if info, ok := h.deps.Index.Info(); ok {
			resp["index_ready"] = true
			resp["chunks"] = info.Chunks
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type toolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func (h *handler) listTools(w http.ResponseWriter, r *http.Request) {
	all := h.deps.Tools.All()
	out := make([]toolInfo, 0, len(all))
	for _, t := range all {
		out = append(out, toolInfo{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

func (h *handler) listTraces(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": h.deps.Traces.List(limit)})
}

func (h *handler) getTrace(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t := h.deps.Traces.Get(id)
	if t == nil {
		writeJSONError(w, http.StatusNotFound, "trace not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError answers with the status of err's kind.
func writeError(w http.ResponseWriter, err error) {
	writeJSONError(w, apperr.HTTPStatus(err), err.Error())
}
