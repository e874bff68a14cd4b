package authority

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestWatcher(t *testing.T) (*Watcher, string, string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "platform-config.yaml")
	eventLog := filepath.Join(dir, "events.jsonl")

	l := newTestLoader(t)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	w := NewWatcher(l, cfgPath, 0, eventLog, log)
	return w, cfgPath, eventLog
}

func TestWatcher_InitialLoad(t *testing.T) {
	w, cfgPath, _ := newTestWatcher(t)
	writeConfig(t, cfgPath, validConfig)

	snap := w.CheckAndReload()
	require.NotNil(t, snap)
	require.Same(t, snap, w.Snapshot())

	h := w.Health()
	require.Equal(t, "ok", h.Status)
	require.Equal(t, snap.Hash, h.ActiveHash)
}

func TestWatcher_NoConfigFile(t *testing.T) {
	w, _, _ := newTestWatcher(t)
	require.Nil(t, w.CheckAndReload())
	require.Nil(t, w.Snapshot())
	require.Equal(t, "no_config", w.Health().Status)
}

func TestWatcher_BrokenReloadKeepsPrevious(t *testing.T) {
	w, cfgPath, _ := newTestWatcher(t)
	writeConfig(t, cfgPath, validConfig)
	good := w.CheckAndReload()
	require.NotNil(t, good)

	writeConfig(t, cfgPath, "walls: [nonsense")
	require.Nil(t, w.CheckAndReload())

	// previous snapshot stays active, error is surfaced
	require.Same(t, good, w.Snapshot())
	h := w.Health()
	require.Equal(t, "ok", h.Status)
	require.Equal(t, good.Hash, h.ActiveHash)
	require.NotEmpty(t, h.LastError)
}

func TestWatcher_UnchangedFileNotReloaded(t *testing.T) {
	w, cfgPath, _ := newTestWatcher(t)
	writeConfig(t, cfgPath, validConfig)
	require.NotNil(t, w.CheckAndReload())
	// same bytes, no new publish
	require.Nil(t, w.CheckAndReload())
}

func TestWatcher_BrokenFileNotRetriedUntilChanged(t *testing.T) {
	w, cfgPath, _ := newTestWatcher(t)
	writeConfig(t, cfgPath, "platform: {}")
	require.Nil(t, w.CheckAndReload())
	firstErr := w.Health().LastError
	require.NotEmpty(t, firstErr)

	// same broken bytes are skipped on the next poll
	require.Nil(t, w.CheckAndReload())

	writeConfig(t, cfgPath, validConfig)
	require.NotNil(t, w.CheckAndReload())
	require.Empty(t, w.Health().LastError)
}

func TestWatcher_ForceReloadRetriesRejectedBytes(t *testing.T) {
	w, cfgPath, _ := newTestWatcher(t)
	writeConfig(t, cfgPath, "platform: {}")
	require.Nil(t, w.CheckAndReload())

	_, err := w.ForceReload()
	require.Error(t, err)

	writeConfig(t, cfgPath, validConfig)
	snap, err := w.ForceReload()
	require.NoError(t, err)
	require.NotNil(t, snap)
}

func TestWatcher_Callbacks(t *testing.T) {
	w, cfgPath, _ := newTestWatcher(t)
	var seen []string
	w.OnReload(func(s *Snapshot) { seen = append(seen, s.Hash) })

	writeConfig(t, cfgPath, validConfig)
	snap := w.CheckAndReload()
	require.NotNil(t, snap)
	require.Equal(t, []string{snap.Hash}, seen)
}

func TestWatcher_EventLog(t *testing.T) {
	w, cfgPath, eventLog := newTestWatcher(t)
	writeConfig(t, cfgPath, validConfig)
	good := w.CheckAndReload()
	require.NotNil(t, good)

	writeConfig(t, cfgPath, "platform: {}")
	require.Nil(t, w.CheckAndReload())

	f, err := os.Open(eventLog)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var events []reloadEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev reloadEvent
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		events = append(events, ev)
	}
	require.NoError(t, sc.Err())

	require.Len(t, events, 2)
	require.Equal(t, "config_applied", events[0].Event)
	require.Equal(t, good.Hash, events[0].NewHash)
	require.Equal(t, "config_rejected", events[1].Event)
	require.Equal(t, good.Hash, events[1].OldHash)
	require.NotEmpty(t, events[1].Error)
}
