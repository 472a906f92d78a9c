package analysis

import (
	"context"
	"errors"
)

// Record is one cached analysis document, as stored by the Twelve Labs
// integration. The shape is owned by the SaaS client.
type Record map[string]any

// Result pairs a record with whether it was served from the cache.
type Result struct {
	Record Record
	Cached bool
}

// ErrRecordingNotFound reports that the requested recording does not exist
// on disk.
var ErrRecordingNotFound = errors.New("recording not found")

// ErrServiceFailure reports a failure inside the Twelve Labs workflow
// (upload, indexing, analysis). Wrap it with context via fmt.Errorf.
var ErrServiceFailure = errors.New("analysis service failure")

// AnalysisRequest asks for a prompt-based analysis of one recording.
type AnalysisRequest struct {
	StreamID    string
	FileName    string
	Prompt      string
	Temperature *float64
	MaxTokens   *int
}

// EmbeddingsRequest asks for video embeddings of one recording.
type EmbeddingsRequest struct {
	StreamID             string
	FileName             string
	Options              []string
	IncludeTranscription bool
}

// Service is the video-analysis collaborator. Implementations upload
// recordings, poll indexing tasks and cache results; the pipeline only
// calls these entry points.
type Service interface {
	ListCachedRecords() []Record
	GetCachedRecord(streamID, fileName string) (Record, bool)
	EnsureAnalysis(ctx context.Context, req AnalysisRequest) (Result, error)
	EnsureEmbeddings(ctx context.Context, req EmbeddingsRequest) (Result, error)
}
