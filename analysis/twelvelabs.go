package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBaseURL targets the public Twelve Labs API.
	DefaultBaseURL = "https://api.twelvelabs.io"

	// DefaultPrompt is used for analysis requests that carry no prompt.
	DefaultPrompt = "Summarise what happens in this recording and call out anything unusual."

	defaultIndexName = "strzcam-recordings"
	apiVersion       = "v1.3"
)

var (
	defaultGistTypes        = []string{"title", "topic", "hashtag"}
	defaultEmbeddingOptions = []string{"visual-text", "audio"}
)

// TwelveLabsService uploads recordings to Twelve Labs, runs prompt analysis
// and embedding retrieval against them, and persists every response in a
// JSON cache next to the recordings.
type TwelveLabsService struct {
	cfg       Config
	baseURL   string
	indexName string
	gistTypes []string
	client    *http.Client

	mu      sync.Mutex
	indexID string
	records map[string]Record
}

// NewTwelveLabsService builds the concrete SaaS client. It loads the cache
// and resolves the index up front, so a bad API key fails here instead of
// on the first request.
func NewTwelveLabsService(cfg Config) (Service, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	gistTypes := cfg.GistTypes
	if len(gistTypes) == 0 {
		gistTypes = defaultGistTypes
	}

	s := &TwelveLabsService{
		cfg:       cfg,
		baseURL:   baseURL,
		indexName: defaultIndexName,
		gistTypes: gistTypes,
		client:    &http.Client{Timeout: 60 * time.Second},
		records:   map[string]Record{},
	}
	s.loadCache()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.ensureIndex(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *TwelveLabsService) ListCachedRecords() []Record {
	s.mu.Lock()
	records := make([]Record, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, cloneRecord(record))
	}
	s.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		left, _ := records[i]["updatedAt"].(string)
		right, _ := records[j]["updatedAt"].(string)
		return left > right
	})
	return records
}

func (s *TwelveLabsService) GetCachedRecord(streamID, fileName string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[recordKey(streamID, fileName)]
	if !ok {
		return nil, false
	}
	return cloneRecord(record), true
}

func (s *TwelveLabsService) EnsureAnalysis(ctx context.Context, req AnalysisRequest) (Result, error) {
	path, signature, err := s.resolveRecording(req.StreamID, req.FileName)
	if err != nil {
		return Result{}, err
	}
	key := recordKey(req.StreamID, req.FileName)

	s.mu.Lock()
	stored, ok := s.records[key]
	if ok && signaturesMatch(stored, signature) {
		if analysisBlock, ok := stored["analysis"].(map[string]any); ok {
			if text, ok := analysisBlock["text"].(string); ok && strings.TrimSpace(text) != "" {
				record := cloneRecord(stored)
				s.mu.Unlock()
				return Result{Record: record, Cached: true}, nil
			}
		}
	}
	s.mu.Unlock()

	record, err := s.ensureUpload(ctx, key, req.StreamID, req.FileName, path, signature)
	if err != nil {
		return Result{}, err
	}
	videoID, _ := record["videoId"].(string)
	if videoID == "" {
		return Result{}, fmt.Errorf("%w: stored upload is missing the video identifier", ErrServiceFailure)
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = strings.TrimSpace(s.cfg.DefaultPrompt)
	}
	if prompt == "" {
		prompt = DefaultPrompt
	}

	gist, err := s.gist(ctx, videoID)
	if err != nil {
		log.Printf("Twelve Labs gist request failed for %s: %v", videoID, err)
		gist = map[string]any{}
	}

	text, err := s.analyze(ctx, videoID, prompt, req.Temperature, req.MaxTokens)
	if err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	record = s.records[key]
	if record == nil {
		return Result{}, fmt.Errorf("%w: record removed while analysis was running", ErrServiceFailure)
	}
	record["prompt"] = prompt
	record["updatedAt"] = utcNow()
	record["gist"] = map[string]any{"types": s.gistTypes, "response": gist}
	record["analysis"] = map[string]any{"prompt": prompt, "text": text}
	if req.Temperature != nil {
		record["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		record["maxTokens"] = *req.MaxTokens
	}
	s.saveCacheLocked()
	return Result{Record: cloneRecord(record), Cached: false}, nil
}

func (s *TwelveLabsService) EnsureEmbeddings(ctx context.Context, req EmbeddingsRequest) (Result, error) {
	path, signature, err := s.resolveRecording(req.StreamID, req.FileName)
	if err != nil {
		return Result{}, err
	}
	key := recordKey(req.StreamID, req.FileName)

	options := dedupeOptions(req.Options)
	if len(options) == 0 {
		options = defaultEmbeddingOptions
	}

	record, err := s.ensureUpload(ctx, key, req.StreamID, req.FileName, path, signature)
	if err != nil {
		return Result{}, err
	}
	videoID, _ := record["videoId"].(string)
	if videoID == "" {
		return Result{}, fmt.Errorf("%w: stored upload is missing the video identifier", ErrServiceFailure)
	}

	if embeddings, ok := record["embeddings"].(map[string]any); ok {
		if sameOptions(embeddings["options"], options) {
			return Result{Record: record, Cached: true}, nil
		}
	}

	payload, err := s.videoMetadata(ctx, videoID, options, req.IncludeTranscription)
	if err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	record = s.records[key]
	if record == nil {
		return Result{}, fmt.Errorf("%w: record removed while embeddings were running", ErrServiceFailure)
	}
	record["updatedAt"] = utcNow()
	record["embeddings"] = map[string]any{
		"options":              options,
		"includeTranscription": req.IncludeTranscription,
		"retrievedAt":          utcNow(),
		"response":             payload,
	}
	s.saveCacheLocked()
	return Result{Record: cloneRecord(record), Cached: false}, nil
}

func (s *TwelveLabsService) resolveRecording(streamID, fileName string) (string, map[string]any, error) {
	streamID = strings.TrimSpace(streamID)
	fileName = strings.TrimSpace(fileName)
	if streamID == "" || fileName == "" {
		return "", nil, fmt.Errorf("%w: streamId and fileName are required", ErrServiceFailure)
	}
	path := filepath.Join(s.cfg.RecordingsDir, streamID, fileName)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", nil, fmt.Errorf("%w: %s/%s", ErrRecordingNotFound, streamID, fileName)
	}
	signature := map[string]any{
		"size":     info.Size(),
		"modified": info.ModTime().UTC().Format(time.RFC3339),
	}
	return path, signature, nil
}

// ensureUpload returns the cached upload record for the recording, creating
// a fresh indexing task when there is none or the file changed on disk.
func (s *TwelveLabsService) ensureUpload(ctx context.Context, key, streamID, fileName, path string, signature map[string]any) (Record, error) {
	s.mu.Lock()
	stored, ok := s.records[key]
	if ok && signaturesMatch(stored, signature) {
		record := cloneRecord(stored)
		s.mu.Unlock()
		return record, nil
	}
	s.mu.Unlock()

	if err := s.ensureIndex(ctx); err != nil {
		return nil, err
	}

	taskID, err := s.createIndexingTask(ctx, path)
	if err != nil {
		return nil, err
	}
	log.Printf("Uploading %s/%s to Twelve Labs (task %s)", streamID, fileName, taskID)

	videoID, err := s.waitForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	log.Printf("Twelve Labs indexed %s/%s as video %s", streamID, fileName, videoID)

	timestamp := utcNow()
	record := Record{
		"streamId":  streamID,
		"fileName":  fileName,
		"videoId":   videoID,
		"createdAt": timestamp,
		"updatedAt": timestamp,
		"source":    map[string]any{"path": path, "signature": signature},
		"index":     map[string]any{"id": s.currentIndexID(), "name": s.indexName},
		"task":      map[string]any{"id": taskID},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = record
	s.saveCacheLocked()
	return cloneRecord(record), nil
}

// ensureIndex resolves or creates the named index and remembers its id.
func (s *TwelveLabsService) ensureIndex(ctx context.Context) error {
	if s.currentIndexID() != "" {
		return nil
	}

	query := url.Values{"index_name": {s.indexName}, "page_limit": {"1"}}
	listing, err := s.doJSON(ctx, http.MethodGet, "/indexes?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	if data, ok := listing["data"].([]any); ok && len(data) > 0 {
		if item, ok := data[0].(map[string]any); ok {
			if id, ok := item["_id"].(string); ok && id != "" {
				s.setIndexID(id)
				return nil
			}
		}
	}

	created, err := s.doJSON(ctx, http.MethodPost, "/indexes", map[string]any{
		"index_name": s.indexName,
		"models": []map[string]any{
			{"model_name": "marengo2.7", "model_options": []string{"visual", "audio"}},
			{"model_name": "pegasus1.2", "model_options": []string{"visual", "audio"}},
		},
	})
	if err != nil {
		return err
	}
	id, _ := created["_id"].(string)
	if id == "" {
		return fmt.Errorf("%w: index creation returned no identifier", ErrServiceFailure)
	}
	log.Printf("Created Twelve Labs index %s (%s)", s.indexName, id)
	s.setIndexID(id)
	return nil
}

func (s *TwelveLabsService) createIndexingTask(ctx context.Context, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrServiceFailure, err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("index_id", s.currentIndexID()); err != nil {
		return "", fmt.Errorf("%w: %v", ErrServiceFailure, err)
	}
	part, err := writer.CreateFormFile("video_file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrServiceFailure, err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("%w: %v", ErrServiceFailure, err)
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/"+apiVersion+"/tasks", body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrServiceFailure, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	payload, err := s.send(req)
	if err != nil {
		return "", err
	}
	id, _ := payload["_id"].(string)
	if id == "" {
		id, _ = payload["id"].(string)
	}
	if id == "" {
		return "", fmt.Errorf("%w: task creation returned no identifier", ErrServiceFailure)
	}
	return id, nil
}

// waitForTask polls the indexing task until it is ready and returns the
// resulting video id.
func (s *TwelveLabsService) waitForTask(ctx context.Context, taskID string) (string, error) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		payload, err := s.doJSON(ctx, http.MethodGet, "/tasks/"+taskID, nil)
		if err != nil {
			return "", err
		}
		status, _ := payload["status"].(string)
		switch status {
		case "ready":
			videoID, _ := payload["video_id"].(string)
			if videoID == "" {
				return "", fmt.Errorf("%w: task %s finished without a video id", ErrServiceFailure, taskID)
			}
			return videoID, nil
		case "failed", "error":
			return "", fmt.Errorf("%w: indexing task %s ended with status %s", ErrServiceFailure, taskID, status)
		}
		log.Printf("Twelve Labs task %s status: %s", taskID, status)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *TwelveLabsService) gist(ctx context.Context, videoID string) (map[string]any, error) {
	return s.doJSON(ctx, http.MethodPost, "/gist", map[string]any{
		"video_id": videoID,
		"types":    s.gistTypes,
	})
}

func (s *TwelveLabsService) analyze(ctx context.Context, videoID, prompt string, temperature *float64, maxTokens *int) (string, error) {
	request := map[string]any{
		"video_id": videoID,
		"prompt":   prompt,
		"stream":   false,
	}
	if temperature != nil {
		request["temperature"] = *temperature
	}
	if maxTokens != nil {
		request["max_tokens"] = *maxTokens
	}
	payload, err := s.doJSON(ctx, http.MethodPost, "/analyze", request)
	if err != nil {
		return "", err
	}
	if text, ok := payload["data"].(string); ok && text != "" {
		return text, nil
	}
	if text, ok := payload["text"].(string); ok && text != "" {
		return text, nil
	}
	return "", fmt.Errorf("%w: analysis response carried no text", ErrServiceFailure)
}

func (s *TwelveLabsService) videoMetadata(ctx context.Context, videoID string, options []string, transcription bool) (map[string]any, error) {
	query := url.Values{}
	for _, option := range options {
		query.Add("embedding_option", option)
	}
	if transcription {
		query.Set("transcription", "true")
	}
	path := "/indexes/" + s.currentIndexID() + "/videos/" + videoID
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	return s.doJSON(ctx, http.MethodGet, path, nil)
}

func (s *TwelveLabsService) doJSON(ctx context.Context, method, path string, body any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrServiceFailure, err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+"/"+apiVersion+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceFailure, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.send(req)
}

func (s *TwelveLabsService) send(req *http.Request) (map[string]any, error) {
	req.Header.Set("x-api-key", s.cfg.APIKey)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceFailure, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceFailure, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s %s returned %d: %s",
			ErrServiceFailure, req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	payload := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("%w: invalid response body: %v", ErrServiceFailure, err)
		}
	}
	return payload, nil
}

func (s *TwelveLabsService) currentIndexID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexID
}

func (s *TwelveLabsService) setIndexID(id string) {
	s.mu.Lock()
	s.indexID = id
	s.saveCacheLocked()
	s.mu.Unlock()
}

type cacheFile struct {
	Index   cacheIndex        `json:"index"`
	Records map[string]Record `json:"records"`
}

type cacheIndex struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

func (s *TwelveLabsService) loadCache() {
	data, err := os.ReadFile(s.cfg.CachePath)
	if err != nil {
		return
	}
	var cache cacheFile
	if err := json.Unmarshal(data, &cache); err != nil {
		log.Printf("Ignoring unreadable analysis cache %s: %v", s.cfg.CachePath, err)
		return
	}
	if cache.Index.Name == s.indexName {
		s.indexID = cache.Index.ID
	}
	if cache.Records != nil {
		s.records = cache.Records
	}
}

func (s *TwelveLabsService) saveCacheLocked() {
	cache := cacheFile{
		Index:   cacheIndex{Name: s.indexName, ID: s.indexID},
		Records: s.records,
	}
	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		log.Printf("Failed to serialize analysis cache: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.CachePath), 0o755); err != nil {
		log.Printf("Failed to create analysis cache directory: %v", err)
		return
	}
	tmp := s.cfg.CachePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Printf("Failed to write analysis cache: %v", err)
		return
	}
	if err := os.Rename(tmp, s.cfg.CachePath); err != nil {
		log.Printf("Failed to replace analysis cache: %v", err)
	}
}

func recordKey(streamID, fileName string) string {
	return strings.TrimSpace(streamID) + "/" + strings.TrimSpace(fileName)
}

func cloneRecord(record Record) Record {
	data, err := json.Marshal(record)
	if err != nil {
		return Record{}
	}
	clone := Record{}
	if err := json.Unmarshal(data, &clone); err != nil {
		return Record{}
	}
	return clone
}

func signaturesMatch(record Record, signature map[string]any) bool {
	source, ok := record["source"].(map[string]any)
	if !ok {
		return false
	}
	stored, ok := source["signature"].(map[string]any)
	if !ok {
		return false
	}
	storedSize, err := json.Marshal(stored["size"])
	if err != nil {
		return false
	}
	currentSize, err := json.Marshal(signature["size"])
	if err != nil {
		return false
	}
	return bytes.Equal(storedSize, currentSize) && stored["modified"] == signature["modified"]
}

func sameOptions(cached any, requested []string) bool {
	items, ok := cached.([]any)
	if !ok {
		return false
	}
	have := map[string]bool{}
	for _, item := range items {
		if text, ok := item.(string); ok {
			have[text] = true
		}
	}
	if len(have) != len(requested) {
		return false
	}
	for _, option := range requested {
		if !have[option] {
			return false
		}
	}
	return true
}

func dedupeOptions(options []string) []string {
	var cleaned []string
	for _, option := range options {
		candidate := strings.TrimSpace(option)
		if candidate == "" {
			continue
		}
		duplicate := false
		for _, existing := range cleaned {
			if existing == candidate {
				duplicate = true
				break
			}
		}
		if !duplicate {
			cleaned = append(cleaned, candidate)
		}
	}
	return cleaned
}

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}
