package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentfleet/conductor/internal/config"
	"github.com/agentfleet/conductor/internal/store"
	"github.com/agentfleet/conductor/internal/watch"
)

func testConfig(t *testing.T, root string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.TranscriptsRoot = root
	cfg.Paths.DatabasePath = ":memory:"
	cfg.Paths.PricingFile = filepath.Join(root, "missing-pricing.yaml")
	cfg.Paths.PermissionsFile = filepath.Join(root, "missing-perms.json")
	return cfg
}

func newTestRuntime(t *testing.T, root string) *Runtime {
	t.Helper()
	rt, err := New(testConfig(t, root), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		rt.Watcher.Close()
		rt.Store.Close()
	})
	return rt
}

func TestHandleEventSyncsSessionAndProject(t *testing.T) {
	root := t.TempDir()
	rt := newTestRuntime(t, root)

	projectDir := filepath.Join(root, "proj1")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))
	sessionPath := filepath.Join(projectDir, "sess-1.jsonl")
	line := `{"type":"user","message":{"role":"user","content":[{"type":"text","text":"hi"}]}}` + "\n"
	require.NoError(t, os.WriteFile(sessionPath, []byte(line), 0o644))

	rt.handleEvent(watch.Event{Kind: watch.KindSessionChanged, Path: sessionPath, Change: watch.ChangeAdded})

	sess, err := rt.Store.GetSession("sess-1")
	require.NoError(t, err)
	require.Equal(t, 1, sess.LastLine)
	require.Equal(t, "proj1", sess.ProjectID)

	proj, err := rt.Store.GetProject("proj1")
	require.NoError(t, err)
	require.Equal(t, "proj1", proj.ID)
}

func TestHandleEventIgnoresLegacyAgentFile(t *testing.T) {
	root := t.TempDir()
	rt := newTestRuntime(t, root)

	projectDir := filepath.Join(root, "proj1")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))
	legacyPath := filepath.Join(projectDir, "agent-xyz.jsonl")
	require.NoError(t, os.WriteFile(legacyPath, []byte("{}\n"), 0o644))

	rt.handleEvent(watch.Event{Kind: watch.KindSessionChanged, Path: legacyPath, Change: watch.ChangeAdded})

	_, err := rt.Store.GetProject("proj1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandleEventSecondSyncReportsUpdateNotAdd(t *testing.T) {
	root := t.TempDir()
	rt := newTestRuntime(t, root)

	projectDir := filepath.Join(root, "proj1")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))
	sessionPath := filepath.Join(projectDir, "sess-1.jsonl")
	line := `{"type":"user","message":{"role":"user","content":[{"type":"text","text":"hi"}]}}` + "\n"
	require.NoError(t, os.WriteFile(sessionPath, []byte(line), 0o644))

	ev := watch.Event{Kind: watch.KindSessionChanged, Path: sessionPath, Change: watch.ChangeModified}
	rt.handleEvent(ev)

	f, err := os.OpenFile(sessionPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"user","message":{"role":"user","content":[{"type":"text","text":"again"}]}}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rt.handleEvent(ev)

	sess, err := rt.Store.GetSession("sess-1")
	require.NoError(t, err)
	require.Equal(t, 2, sess.LastLine)
}

func TestRunAndShutdownSequenceCleanly(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)
	cfg.Supervisor.SweepInterval = 10 * time.Millisecond

	rt, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		rt.Run(ctx)
	}()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	require.NoError(t, rt.Shutdown(shutdownCtx))
	cancel()

	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}
