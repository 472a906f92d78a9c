package broadcast

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// RecordingsWatcher notifies subscribers when a new recording file shows up
// under the recordings root, so dashboards can refresh their listing
// without polling.
type RecordingsWatcher struct {
	root    string
	server  *Server
	watcher *fsnotify.Watcher
}

type recordingNotification struct {
	Type     string `json:"type"`
	StreamID string `json:"streamId"`
	FileName string `json:"fileName"`
}

func NewRecordingsWatcher(root string, server *Server) (*RecordingsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return nil, err
	}

	// Existing stream directories need their own watches.
	if entries, err := os.ReadDir(root); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				watcher.Add(filepath.Join(root, entry.Name()))
			}
		}
	}

	return &RecordingsWatcher{root: root, server: server, watcher: watcher}, nil
}

// Watch runs until the context is cancelled or the watcher closes.
func (w *RecordingsWatcher) Watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == 0 {
				continue
			}
			w.handleCreate(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Recordings watcher error: %v", err)
		}
	}
}

func (w *RecordingsWatcher) handleCreate(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.IsDir() {
		// New stream directory: watch it for recordings.
		w.watcher.Add(path)
		return
	}

	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 || strings.HasPrefix(parts[1], ".") {
		return
	}
	log.Printf("New recording %s/%s", parts[0], parts[1])
	w.server.Broadcast(recordingNotification{
		Type:     "recording",
		StreamID: parts[0],
		FileName: parts[1],
	}, nil)
}

func (w *RecordingsWatcher) Close() error {
	return w.watcher.Close()
}
