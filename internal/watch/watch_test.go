package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testDebounce    = 20 * time.Millisecond
	testDirDebounce = 30 * time.Millisecond
	waitTimeout     = 2 * time.Second
)

func newTestWatcher(t *testing.T, root string) *Watcher {
	t.Helper()
	w, err := New(root, testDebounce, testDirDebounce, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func waitForEvent(t *testing.T, w *Watcher) Event {
	t.Helper()
	select {
	case ev, ok := <-w.Events():
		require.True(t, ok, "events channel closed while waiting")
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestNewWatchesExistingProjectDirs(t *testing.T) {
	root := t.TempDir()
	projectDir := filepath.Join(root, "proj1")
	require.NoError(t, os.Mkdir(projectDir, 0o755))

	w := newTestWatcher(t, root)
	require.True(t, w.watchedDirs[projectDir])
}

func TestProjectChangedOnNewDirectory(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)
	go drainRun(t, w)

	projectDir := filepath.Join(root, "newproj")
	require.NoError(t, os.Mkdir(projectDir, 0o755))

	ev := waitForEvent(t, w)
	require.Equal(t, KindProjectChanged, ev.Kind)
	require.Equal(t, projectDir, ev.Path)
	require.Equal(t, ChangeAdded, ev.Change)
}

func TestSessionChangedOnNewFile(t *testing.T) {
	root := t.TempDir()
	projectDir := filepath.Join(root, "proj1")
	require.NoError(t, os.Mkdir(projectDir, 0o755))

	w := newTestWatcher(t, root)
	go drainRun(t, w)

	sessPath := filepath.Join(projectDir, "sess-1.jsonl")
	require.NoError(t, os.WriteFile(sessPath, []byte(`{"type":"user"}`+"\n"), 0o644))

	ev := waitForEvent(t, w)
	require.Equal(t, KindSessionChanged, ev.Kind)
	require.Equal(t, sessPath, ev.Path)
	require.Equal(t, ChangeModified, ev.Change)
}

func TestSessionChangedIgnoresLegacyAgentFile(t *testing.T) {
	root := t.TempDir()
	projectDir := filepath.Join(root, "proj1")
	require.NoError(t, os.Mkdir(projectDir, 0o755))

	w := newTestWatcher(t, root)
	go drainRun(t, w)

	legacyPath := filepath.Join(projectDir, "agent-xyz.jsonl")
	require.NoError(t, os.WriteFile(legacyPath, []byte(`{}`+"\n"), 0o644))

	select {
	case ev := <-w.Events():
		t.Fatalf("expected no event for legacy agent file, got %+v", ev)
	case <-time.After(testDirDebounce * 3):
		// expected: nothing emitted
	}
}

func TestSessionChangedDebouncesRapidWrites(t *testing.T) {
	root := t.TempDir()
	projectDir := filepath.Join(root, "proj1")
	require.NoError(t, os.Mkdir(projectDir, 0o755))
	sessPath := filepath.Join(projectDir, "sess-1.jsonl")

	w := newTestWatcher(t, root)
	go drainRun(t, w)
	require.NoError(t, os.WriteFile(sessPath, []byte(`{"type":"user"}`+"\n"), 0o644))
	// drain the creation event first
	waitForEvent(t, w)

	for i := 0; i < 5; i++ {
		f, err := os.OpenFile(sessPath, os.O_APPEND|os.O_WRONLY, 0o644)
		require.NoError(t, err)
		_, err = f.WriteString(`{"type":"user"}` + "\n")
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	ev := waitForEvent(t, w)
	require.Equal(t, KindSessionChanged, ev.Kind)

	select {
	case ev := <-w.Events():
		t.Fatalf("expected writes to coalesce into one event, got extra %+v", ev)
	case <-time.After(testDebounce * 3):
		// expected: no second event
	}
}

func TestSubagentDirDiscoveredAndWatched(t *testing.T) {
	root := t.TempDir()
	projectDir := filepath.Join(root, "proj1")
	subagentsDir := filepath.Join(projectDir, "sess-1", "subagents")
	require.NoError(t, os.MkdirAll(subagentsDir, 0o755))

	w := newTestWatcher(t, root)
	require.True(t, w.knownSubDirs[subagentsDir])
}

func TestSubagentChangedOnNewFile(t *testing.T) {
	root := t.TempDir()
	projectDir := filepath.Join(root, "proj1")
	subagentsDir := filepath.Join(projectDir, "sess-1", "subagents")
	require.NoError(t, os.MkdirAll(subagentsDir, 0o755))

	w := newTestWatcher(t, root)
	go drainRun(t, w)

	agentPath := filepath.Join(subagentsDir, "agent-worker-1.jsonl")
	require.NoError(t, os.WriteFile(agentPath, []byte(`{}`+"\n"), 0o644))

	ev := waitForEvent(t, w)
	require.Equal(t, KindSubagentChanged, ev.Kind)
	require.Equal(t, agentPath, ev.Path)
}

func TestSessionRemovedEmitsImmediately(t *testing.T) {
	root := t.TempDir()
	projectDir := filepath.Join(root, "proj1")
	require.NoError(t, os.Mkdir(projectDir, 0o755))
	sessPath := filepath.Join(projectDir, "sess-1.jsonl")

	w := newTestWatcher(t, root)
	go drainRun(t, w)
	require.NoError(t, os.WriteFile(sessPath, []byte(`{}`+"\n"), 0o644))
	waitForEvent(t, w) // the creation event

	require.NoError(t, os.Remove(sessPath))

	ev := waitForEvent(t, w)
	require.Equal(t, KindSessionChanged, ev.Kind)
	require.Equal(t, ChangeRemoved, ev.Change)
}

func drainRun(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w.Run(ctx)
}
