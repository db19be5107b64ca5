package ragserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *FileConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultFileConfig()
	cfg.Ingest.IndexPath = filepath.Join(dir, "index.db")
	cfg.Ingest.DefaultDocsFolder = filepath.Join(dir, "docs")
	cfg.Ingest.UploadedDocsFolder = filepath.Join(dir, "uploads")
	cfg.Models.Providers = nil
	return cfg
}

func buildServer(t *testing.T, cfg *FileConfig) http.Handler {
	t.Helper()
	s := New(WithConfig(cfg))
	ctx, cancel := context.WithCancel(context.Background())
	h, err := s.Build(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		s.close()
	})
	return h
}

func get(t *testing.T, h http.Handler, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func TestServer_Build(t *testing.T) {
	h := buildServer(t, testConfig(t))

	code, health := get(t, h, "/health")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, false, health["index_ready"])

	code, tools := get(t, h, "/tools")
	require.Equal(t, http.StatusOK, code)
	var names []string
	for _, tl := range tools["tools"].([]any) {
		names = append(names, tl.(map[string]any)["name"].(string))
	}
	assert.Equal(t, []string{"wikipedia", "arxiv", "vector_retriever"}, names)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rag_server_index_chunks")

	// No auth configured: login is not routed.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_MissingAPIKeyIsGeneratorUnavailable(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	h := buildServer(t, testConfig(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rag/invoke", strings.NewReader(`{"input":"hi"}`)))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "no api key")
}

func TestServer_RestoresIndexAtStartup(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Ingest.DefaultDocsFolder, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Ingest.DefaultDocsFolder, "go.md"),
		[]byte("Go channels are typed conduits between goroutines."), 0o644))

	h := buildServer(t, cfg)
	_, health := get(t, h, "/health")
	assert.Equal(t, true, health["index_ready"])
	assert.Equal(t, float64(1), health["chunks"])

	// A second server over the same index file loads it without the folder.
	require.NoError(t, os.RemoveAll(cfg.Ingest.DefaultDocsFolder))
	h2 := buildServer(t, cfg)
	_, status := get(t, h2, "/vectordb/status")
	assert.Equal(t, true, status["ready"])
	assert.Equal(t, "docs", status["index"].(map[string]any)["source_type"])
}

func TestServer_AuthEnabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "test-secret"
	h := buildServer(t, cfg)

	code, _ := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, code)
	code, body := get(t, h, "/tools")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.NotEmpty(t, body["error"])

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"username":"nobody","password":"x"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_LLMRerankerNeedsValidModel(t *testing.T) {
	cfg := testConfig(t)
	cfg.RAG.Reranker = "llm"
	cfg.RAG.RerankModel = "openai:gpt-4o-mini"
	t.Setenv("OPENAI_API_KEY", "")

	s := New(WithConfig(cfg))
	_, err := s.Build(context.Background())
	s.close()
	assert.Error(t, err)
}
