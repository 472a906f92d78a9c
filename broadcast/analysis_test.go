package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"strzcam.com/detection/analysis"
)

type stubAnalysisService struct {
	records      map[string]analysis.Record
	analysisErr  error
	lastAnalysis analysis.AnalysisRequest
}

func (s *stubAnalysisService) ListCachedRecords() []analysis.Record {
	var records []analysis.Record
	for _, record := range s.records {
		records = append(records, record)
	}
	return records
}

func (s *stubAnalysisService) GetCachedRecord(streamID, fileName string) (analysis.Record, bool) {
	record, ok := s.records[streamID+"/"+fileName]
	return record, ok
}

func (s *stubAnalysisService) EnsureAnalysis(ctx context.Context, req analysis.AnalysisRequest) (analysis.Result, error) {
	s.lastAnalysis = req
	if s.analysisErr != nil {
		return analysis.Result{}, s.analysisErr
	}
	return analysis.Result{Record: analysis.Record{"analysis": "people walking"}}, nil
}

func (s *stubAnalysisService) EnsureEmbeddings(ctx context.Context, req analysis.EmbeddingsRequest) (analysis.Result, error) {
	if s.analysisErr != nil {
		return analysis.Result{}, s.analysisErr
	}
	return analysis.Result{Record: analysis.Record{"embeddings": map[string]any{}}, Cached: true}, nil
}

func startAnalysisServer(t *testing.T, stub *stubAnalysisService) string {
	t.Helper()
	provider := analysis.NewProvider(analysis.Config{
		APIKey:        "test-key",
		RecordingsDir: t.TempDir(),
	}, func(analysis.Config) (analysis.Service, error) {
		return stub, nil
	})
	_, addr := startServer(t, Config{Analysis: provider})
	return addr
}

func getAnalysis(t *testing.T, addr, query string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://%s/analysis%s", addr, query))
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return resp.StatusCode, body
}

func TestAnalysisUnavailableWithoutProvider(t *testing.T) {
	_, addr := startServer(t, Config{})

	status, body := getAnalysis(t, addr, "")
	if status != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", status)
	}
	if body["error"] != "integration_unavailable" {
		t.Errorf("Unexpected error reason: %v", body["error"])
	}
}

func TestAnalysisUnavailableWithoutAPIKey(t *testing.T) {
	provider := analysis.NewProvider(analysis.Config{RecordingsDir: t.TempDir()}, nil)
	_, addr := startServer(t, Config{Analysis: provider})

	status, body := getAnalysis(t, addr, "")
	if status != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", status)
	}
	if body["error"] != "missing_api_key" {
		t.Errorf("Unexpected error reason: %v", body["error"])
	}
}

func TestAnalysisListAction(t *testing.T) {
	stub := &stubAnalysisService{records: map[string]analysis.Record{
		"garden/clip.mp4": {"analysis": "quiet street"},
	}}
	addr := startAnalysisServer(t, stub)

	status, body := getAnalysis(t, addr, "?action=list")
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	records, ok := body["records"].([]any)
	if !ok || len(records) != 1 {
		t.Errorf("Expected one cached record, got %v", body["records"])
	}
}

func TestAnalysisStartRequiresParameters(t *testing.T) {
	addr := startAnalysisServer(t, &stubAnalysisService{})

	status, body := getAnalysis(t, addr, "?action=start&streamId=garden")
	if status != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", status)
	}
	if body["error"] != "missing_parameters" {
		t.Errorf("Unexpected error: %v", body["error"])
	}
}

func TestAnalysisStartPassesRequest(t *testing.T) {
	stub := &stubAnalysisService{}
	addr := startAnalysisServer(t, stub)

	status, body := getAnalysis(t, addr, "?action=start&streamId=garden&fileName=clip.mp4&prompt=describe&temperature=0.4&maxTokens=128")
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", status, body)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body["status"])
	}
	req := stub.lastAnalysis
	if req.StreamID != "garden" || req.FileName != "clip.mp4" || req.Prompt != "describe" {
		t.Errorf("Unexpected request: %+v", req)
	}
	if req.Temperature == nil || *req.Temperature != 0.4 {
		t.Errorf("Temperature not forwarded: %v", req.Temperature)
	}
	if req.MaxTokens == nil || *req.MaxTokens != 128 {
		t.Errorf("MaxTokens not forwarded: %v", req.MaxTokens)
	}
}

func TestAnalysisErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("recording: %w", analysis.ErrRecordingNotFound), http.StatusNotFound},
		{fmt.Errorf("upstream: %w", analysis.ErrServiceFailure), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		addr := startAnalysisServer(t, &stubAnalysisService{analysisErr: tc.err})
		status, _ := getAnalysis(t, addr, "?action=start&streamId=garden&fileName=clip.mp4")
		if status != tc.status {
			t.Errorf("Error %v: expected %d, got %d", tc.err, tc.status, status)
		}
	}
}

func TestAnalysisCachedLookup(t *testing.T) {
	stub := &stubAnalysisService{records: map[string]analysis.Record{
		"garden/clip.mp4": {"analysis": "quiet street"},
	}}
	addr := startAnalysisServer(t, stub)

	status, body := getAnalysis(t, addr, "?streamId=garden&fileName=clip.mp4")
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	if body["status"] != "cached" || body["cached"] != true {
		t.Errorf("Expected cached response, got %v", body)
	}

	status, body = getAnalysis(t, addr, "?streamId=garden&fileName=other.mp4")
	if status != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", status)
	}
	if body["error"] != "analysis_missing" {
		t.Errorf("Unexpected error: %v", body["error"])
	}
}
