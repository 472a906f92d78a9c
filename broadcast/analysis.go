package broadcast

import (
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"strzcam.com/detection/analysis"
)

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	var service analysis.Service
	reason := "integration_unavailable"
	if s.analysis != nil {
		service, reason = s.analysis.Ensure()
	}
	if service == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":   reason,
			"message": "Twelve Labs analysis integration is not configured.",
		})
		return
	}

	params := r.URL.Query()
	action := strings.ToLower(strings.TrimSpace(params.Get("action")))
	if action == "" {
		action = "status"
	}

	switch action {
	case "list", "all":
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "records": service.ListCachedRecords()})
		return
	case "status", "get", "cached":
		if len(params) == 0 {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "records": service.ListCachedRecords()})
			return
		}
	}

	streamID := strings.TrimSpace(params.Get("streamId"))
	fileName := strings.TrimSpace(params.Get("fileName"))
	if streamID == "" || fileName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "missing_parameters",
			"message": "Both streamId and fileName must be provided.",
		})
		return
	}

	switch action {
	case "start", "run", "analyze", "analyse":
		req := analysis.AnalysisRequest{
			StreamID:    streamID,
			FileName:    fileName,
			Prompt:      strings.TrimSpace(params.Get("prompt")),
			Temperature: parseFloatParam(params, "temperature"),
			MaxTokens:   parseIntParam(params, "maxTokens"),
		}
		result, err := service.EnsureAnalysis(r.Context(), req)
		if err != nil {
			writeAnalysisError(w, err, "analysis_failed", "Unexpected error while running Twelve Labs analysis.")
			return
		}
		writeJSON(w, http.StatusOK, analysisPayload(result, formatAnalysisMessage(result.Record, result.Cached)))
		return

	case "embed", "embedding", "embeddings":
		req := analysis.EmbeddingsRequest{
			StreamID:             streamID,
			FileName:             fileName,
			Options:              parseListParam(params, "embeddingOption", "embeddingOptions"),
			IncludeTranscription: parseBoolParam(params, "transcription"),
		}
		result, err := service.EnsureEmbeddings(r.Context(), req)
		if err != nil {
			writeAnalysisError(w, err, "embedding_failed", "Unexpected error while retrieving Twelve Labs embeddings.")
			return
		}
		writeJSON(w, http.StatusOK, analysisPayload(result, formatEmbeddingsMessage(result.Record, result.Cached)))
		return
	}

	record, ok := service.GetCachedRecord(streamID, fileName)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"status":  "not_found",
			"error":   "analysis_missing",
			"message": "No stored Twelve Labs analysis for this recording.",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "cached",
		"cached":  true,
		"record":  record,
		"message": formatAnalysisMessage(record, true),
	})
}

func writeAnalysisError(w http.ResponseWriter, err error, kind, fallback string) {
	switch {
	case errors.Is(err, analysis.ErrRecordingNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "recording_not_found", "message": err.Error()})
	case errors.Is(err, analysis.ErrServiceFailure):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": kind, "message": err.Error()})
	default:
		log.Printf("Unexpected Twelve Labs failure: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": kind, "message": fallback})
	}
}

func analysisPayload(result analysis.Result, message string) map[string]any {
	status := "ok"
	if result.Cached {
		status = "cached"
	}
	return map[string]any{
		"status":  status,
		"cached":  result.Cached,
		"record":  result.Record,
		"message": message,
	}
}

func formatAnalysisMessage(record analysis.Record, cached bool) string {
	base := "Twelve Labs analysis completed"
	if cached {
		base = "Returning stored Twelve Labs analysis"
	}
	if human := recordTimestamp(record, "updatedAt"); human != "" {
		return base + " (generated " + human + ")."
	}
	return base + "."
}

func formatEmbeddingsMessage(record analysis.Record, cached bool) string {
	embeddings, ok := record["embeddings"].(map[string]any)
	if !ok {
		return "No stored Twelve Labs embeddings for this recording."
	}
	prefix := "Twelve Labs embeddings retrieved"
	if cached {
		prefix = "Returning stored Twelve Labs embeddings"
	}
	optionsText := "default settings"
	if options, ok := embeddings["options"].([]any); ok && len(options) > 0 {
		var parts []string
		for _, opt := range options {
			if text, ok := opt.(string); ok {
				parts = append(parts, text)
			}
		}
		if len(parts) > 0 {
			optionsText = strings.Join(parts, ", ")
		}
	}
	if human := embeddingsTimestamp(embeddings); human != "" {
		return prefix + " (" + optionsText + ") on " + human + "."
	}
	return prefix + " (" + optionsText + ")."
}

func recordTimestamp(record analysis.Record, key string) string {
	raw, ok := record[key].(string)
	if !ok || raw == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return raw
	}
	return parsed.Local().Format("2006-01-02 15:04:05 MST")
}

func embeddingsTimestamp(embeddings map[string]any) string {
	raw, ok := embeddings["retrievedAt"].(string)
	if !ok || raw == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return raw
	}
	return parsed.Local().Format("2006-01-02 15:04:05 MST")
}

func parseFloatParam(params url.Values, name string) *float64 {
	for _, raw := range params[name] {
		candidate := strings.TrimSpace(raw)
		if candidate == "" {
			continue
		}
		if value, err := strconv.ParseFloat(candidate, 64); err == nil {
			return &value
		}
	}
	return nil
}

func parseIntParam(params url.Values, name string) *int {
	for _, raw := range params[name] {
		candidate := strings.TrimSpace(raw)
		if candidate == "" {
			continue
		}
		if value, err := strconv.Atoi(candidate); err == nil {
			return &value
		}
	}
	return nil
}

func parseBoolParam(params url.Values, name string) bool {
	for _, raw := range params[name] {
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return false
}

func parseListParam(params url.Values, names ...string) []string {
	var collected []string
	for _, name := range names {
		for _, raw := range params[name] {
			for _, chunk := range strings.Split(raw, ",") {
				candidate := strings.TrimSpace(chunk)
				if candidate == "" {
					continue
				}
				duplicate := false
				for _, existing := range collected {
					if existing == candidate {
						duplicate = true
						break
					}
				}
				if !duplicate {
					collected = append(collected, candidate)
				}
			}
		}
	}
	return collected
}
