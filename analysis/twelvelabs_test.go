package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type apiCounters struct {
	tasks    atomic.Int32
	analyze  atomic.Int32
	metadata atomic.Int32
}

func newTwelveLabsAPI(t *testing.T) (*httptest.Server, *apiCounters) {
	t.Helper()
	counters := &apiCounters{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") == "" {
			http.Error(w, `{"message":"missing api key"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1.3/indexes":
			json.NewEncoder(w).Encode(map[string]any{"data": []any{map[string]any{"_id": "idx1"}}})
		case r.Method == http.MethodPost && r.URL.Path == "/v1.3/tasks":
			counters.tasks.Add(1)
			if err := r.ParseMultipartForm(8 << 20); err != nil {
				t.Errorf("Expected multipart upload: %v", err)
			}
			json.NewEncoder(w).Encode(map[string]any{"_id": "task1"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1.3/tasks/task1":
			json.NewEncoder(w).Encode(map[string]any{"status": "ready", "video_id": "vid1"})
		case r.Method == http.MethodPost && r.URL.Path == "/v1.3/gist":
			json.NewEncoder(w).Encode(map[string]any{"title": "garden clip"})
		case r.Method == http.MethodPost && r.URL.Path == "/v1.3/analyze":
			counters.analyze.Add(1)
			json.NewEncoder(w).Encode(map[string]any{"data": "a person walks through the garden"})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1.3/indexes/idx1/videos/"):
			counters.metadata.Add(1)
			json.NewEncoder(w).Encode(map[string]any{"embedding": map[string]any{"model_name": "marengo2.7"}})
		default:
			http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server, counters
}

func newTestService(t *testing.T, baseURL string) (Service, Config) {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "garden"), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "garden", "clip.mp4"), []byte("video"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	cfg := Config{
		APIKey:        "test-key",
		BaseURL:       baseURL,
		RecordingsDir: dir,
		CachePath:     filepath.Join(dir, "twelvelabs_analysis.json"),
		PollInterval:  10 * time.Millisecond,
	}
	service, err := NewTwelveLabsService(cfg)
	if err != nil {
		t.Fatalf("NewTwelveLabsService failed: %v", err)
	}
	return service, cfg
}

func TestTwelveLabsAnalysisUploadsOnceAndCaches(t *testing.T) {
	server, counters := newTwelveLabsAPI(t)
	service, cfg := newTestService(t, server.URL)

	req := AnalysisRequest{StreamID: "garden", FileName: "clip.mp4"}
	result, err := service.EnsureAnalysis(context.Background(), req)
	if err != nil {
		t.Fatalf("EnsureAnalysis failed: %v", err)
	}
	if result.Cached {
		t.Error("First analysis must not be served from the cache")
	}
	analysisBlock, _ := result.Record["analysis"].(map[string]any)
	if analysisBlock == nil || analysisBlock["text"] != "a person walks through the garden" {
		t.Errorf("Unexpected analysis block: %v", result.Record["analysis"])
	}

	result, err = service.EnsureAnalysis(context.Background(), req)
	if err != nil {
		t.Fatalf("Second EnsureAnalysis failed: %v", err)
	}
	if !result.Cached {
		t.Error("Second analysis must be served from the cache")
	}
	if counters.tasks.Load() != 1 || counters.analyze.Load() != 1 {
		t.Errorf("Expected one upload and one analyze call, got %d and %d",
			counters.tasks.Load(), counters.analyze.Load())
	}

	// The cache survives a restart of the service.
	restarted, err := NewTwelveLabsService(cfg)
	if err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if record, ok := restarted.GetCachedRecord("garden", "clip.mp4"); !ok || record["videoId"] != "vid1" {
		t.Errorf("Cache did not survive restart: %v", record)
	}
	if len(restarted.ListCachedRecords()) != 1 {
		t.Errorf("Expected one cached record after restart")
	}
}

func TestTwelveLabsEmbeddingsCachedByOptions(t *testing.T) {
	server, counters := newTwelveLabsAPI(t)
	service, _ := newTestService(t, server.URL)

	req := EmbeddingsRequest{StreamID: "garden", FileName: "clip.mp4", Options: []string{"visual-text"}}
	result, err := service.EnsureEmbeddings(context.Background(), req)
	if err != nil {
		t.Fatalf("EnsureEmbeddings failed: %v", err)
	}
	if result.Cached {
		t.Error("First embeddings request must hit the API")
	}

	result, err = service.EnsureEmbeddings(context.Background(), req)
	if err != nil {
		t.Fatalf("Second EnsureEmbeddings failed: %v", err)
	}
	if !result.Cached {
		t.Error("Same options must be served from the cache")
	}

	// Different options force a fresh retrieval.
	req.Options = []string{"audio"}
	result, err = service.EnsureEmbeddings(context.Background(), req)
	if err != nil {
		t.Fatalf("Third EnsureEmbeddings failed: %v", err)
	}
	if result.Cached {
		t.Error("New options must not be served from the cache")
	}
	if counters.metadata.Load() != 2 {
		t.Errorf("Expected 2 metadata calls, got %d", counters.metadata.Load())
	}
}

func TestTwelveLabsMissingRecording(t *testing.T) {
	server, _ := newTwelveLabsAPI(t)
	service, _ := newTestService(t, server.URL)

	_, err := service.EnsureAnalysis(context.Background(), AnalysisRequest{StreamID: "garden", FileName: "nope.mp4"})
	if !errors.Is(err, ErrRecordingNotFound) {
		t.Errorf("Expected ErrRecordingNotFound, got %v", err)
	}
}
