package authority

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/videowall-io/controlplane/pkg/canonical"
)

// Watcher polls the config file and republishes the snapshot when the file
// bytes change. A failed reload keeps the previous snapshot (last known
// good) and remembers the broken file's hash so the same bytes are not
// retried until they change again.
type Watcher struct {
	loader       *Loader
	path         string
	interval     time.Duration
	eventLogPath string
	log          *slog.Logger

	mu         sync.RWMutex
	snap       *Snapshot
	lastErr    string
	lastReload time.Time
	seenHash   string
	callbacks  []func(*Snapshot)
}

// NewWatcher builds a watcher for the config file at path.
func NewWatcher(loader *Loader, path string, interval time.Duration, eventLogPath string, log *slog.Logger) *Watcher {
	return &Watcher{
		loader:       loader,
		path:         path,
		interval:     interval,
		eventLogPath: eventLogPath,
		log:          log,
	}
}

// OnReload registers a callback invoked after each successful publish.
func (w *Watcher) OnReload(fn func(*Snapshot)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Snapshot returns the currently published snapshot, or nil before the
// first successful load. The snapshot itself is immutable; readers capture
// the pointer.
func (w *Watcher) Snapshot() *Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snap
}

// Health reports the watcher state for the health endpoint.
type Health struct {
	Status       string `json:"status"` // ok | no_config
	ActiveHash   string `json:"active_hash,omitempty"`
	LastReloadTS string `json:"last_reload_ts,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

// Health returns the current health view.
func (w *Watcher) Health() Health {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.snap == nil {
		return Health{Status: "no_config", LastError: w.lastErr}
	}
	h := Health{
		Status:       "ok",
		ActiveHash:   w.snap.Hash,
		LastReloadTS: w.lastReload.UTC().Format(time.RFC3339),
	}
	if w.lastErr != "" {
		h.LastError = w.lastErr
	}
	return h
}

func (w *Watcher) fileHash() string {
	b, err := os.ReadFile(w.path)
	if err != nil {
		return ""
	}
	return canonical.HashBytes(b)
}

// CheckAndReload loads the file if its bytes changed since the last
// attempt. Returns the new snapshot on publish, nil otherwise.
func (w *Watcher) CheckAndReload() *Snapshot {
	h := w.fileHash()
	w.mu.RLock()
	seen := w.seenHash
	w.mu.RUnlock()
	if h == "" || h == seen {
		return nil
	}
	return w.reload(h)
}

// ForceReload resets the seen hash so the current bytes are loaded again
// even if they were previously rejected.
func (w *Watcher) ForceReload() (*Snapshot, error) {
	h := w.fileHash()
	if h == "" {
		return nil, &ValidationError{Errors: []string{"read_error: " + w.path}}
	}
	if snap := w.reload(h); snap != nil {
		return snap, nil
	}
	w.mu.RLock()
	lastErr := w.lastErr
	w.mu.RUnlock()
	return nil, &ValidationError{Errors: []string{lastErr}}
}

// reload attempts a load and publishes atomically on success. The seen
// hash advances on both success and failure.
func (w *Watcher) reload(fileHash string) *Snapshot {
	snap, err := w.loader.LoadFile(w.path)

	w.mu.Lock()
	oldHash := ""
	if w.snap != nil {
		oldHash = w.snap.Hash
	}
	w.seenHash = fileHash
	if err != nil {
		w.lastErr = err.Error()
		w.mu.Unlock()

		w.log.Error("config reload failed, keeping previous snapshot", "path", w.path, "error", err)
		w.appendEvent("config_rejected", oldHash, "", err.Error())
		return nil
	}

	w.snap = snap
	w.lastErr = ""
	w.lastReload = time.Now()
	callbacks := make([]func(*Snapshot), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.log.Info("config applied",
		"hash", snap.Hash,
		"version", snap.Platform.Version,
		"walls", snap.Derived.TotalWalls,
		"sources", snap.Derived.TotalSources,
		"endpoints", snap.Derived.TotalDisplayEndpoints,
	)
	w.appendEvent("config_applied", oldHash, snap.Hash, "")
	for _, cb := range callbacks {
		cb(snap)
	}
	return snap
}

// Run polls until ctx is cancelled. The initial load happens immediately.
func (w *Watcher) Run(ctx context.Context) {
	w.CheckAndReload()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.CheckAndReload()
		}
	}
}

// reloadEvent is one line of the local JSONL reload log.
type reloadEvent struct {
	TS      string `json:"ts"`
	Event   string `json:"event"`
	OldHash string `json:"old_hash,omitempty"`
	NewHash string `json:"new_hash,omitempty"`
	Source  string `json:"source"`
	Error   string `json:"error,omitempty"`
}

func (w *Watcher) appendEvent(event, oldHash, newHash, errStr string) {
	if w.eventLogPath == "" {
		return
	}
	line, err := json.Marshal(reloadEvent{
		TS:      time.Now().UTC().Format(time.RFC3339),
		Event:   event,
		OldHash: oldHash,
		NewHash: newHash,
		Source:  w.path,
		Error:   errStr,
	})
	if err != nil {
		return
	}
	f, err := os.OpenFile(w.eventLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		w.log.Warn("cannot append reload event", "path", w.eventLogPath, "error", err)
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = f.Write(append(line, '\n'))
}
