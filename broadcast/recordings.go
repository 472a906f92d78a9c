package broadcast

import (
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const recordingsMount = "/recordings"

// RecordingEntry describes one recorded media file. Entries are derived
// from the filesystem at request time and never cached.
type RecordingEntry struct {
	StreamID string `json:"streamId"`
	FileName string `json:"fileName"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
	URL      string `json:"URL"`
}

func (s *Server) handleRecordingsList(w http.ResponseWriter, r *http.Request) {
	streamID := strings.TrimSpace(r.URL.Query().Get("streamId"))
	entries, err := ListRecordings(s.recordingsDir, streamID)
	if err != nil {
		log.Printf("Failed to list recordings: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list recordings"})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ListRecordings walks <root>/<streamId>/<file> and returns the entries
// sorted by modification time, newest first. An empty streamID lists every
// stream directory.
func ListRecordings(root, streamID string) ([]RecordingEntry, error) {
	entries := []RecordingEntry{}
	if root == "" {
		return entries, nil
	}

	var streams []string
	if streamID != "" {
		streams = []string{streamID}
	} else {
		dirEntries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				return entries, nil
			}
			return nil, err
		}
		for _, entry := range dirEntries {
			if entry.IsDir() {
				streams = append(streams, entry.Name())
			}
		}
		sort.Strings(streams)
	}

	type stamped struct {
		modified time.Time
		entry    RecordingEntry
	}
	var collected []stamped

	for _, stream := range streams {
		files, err := os.ReadDir(filepath.Join(root, stream))
		if err != nil {
			continue
		}
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			info, err := file.Info()
			if err != nil {
				continue
			}
			modified := info.ModTime().UTC()
			collected = append(collected, stamped{
				modified: modified,
				entry: RecordingEntry{
					StreamID: stream,
					FileName: file.Name(),
					Size:     info.Size(),
					Modified: modified.Format(time.RFC3339),
					URL:      recordingsMount + "/" + url.PathEscape(stream) + "/" + url.PathEscape(file.Name()),
				},
			})
		}
	}

	sort.Slice(collected, func(i, j int) bool {
		return collected[i].modified.After(collected[j].modified)
	})
	for _, item := range collected {
		entries = append(entries, item.entry)
	}
	return entries, nil
}

func (s *Server) handleRecordingFile(w http.ResponseWriter, relative string) {
	path, ok := resolveRecordingPath(s.recordingsDir, relative)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	serveFile(w, path, "no-store")
}

// resolveRecordingPath maps a request-relative path onto the recordings
// root. Anything escaping the root, or not a regular file, is rejected.
func resolveRecordingPath(root, relative string) (string, bool) {
	if root == "" {
		return "", false
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	unescaped, err := url.PathUnescape(relative)
	if err != nil {
		unescaped = relative
	}
	candidate := filepath.Join(absRoot, filepath.FromSlash(strings.TrimPrefix(unescaped, "/")))
	candidate = filepath.Clean(candidate)
	if !strings.HasPrefix(candidate, absRoot+string(filepath.Separator)) {
		return "", false
	}
	info, err := os.Stat(candidate)
	if err != nil || info.IsDir() {
		return "", false
	}
	return candidate, true
}
