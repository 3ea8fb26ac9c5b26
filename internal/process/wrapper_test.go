package process

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestMain lets this test binary re-exec itself as a fake subprocess,
// following the standard library's os/exec test convention: a test run
// with GO_WANT_HELPER_PROCESS=1 behaves as the "claude" binary instead of
// running the Go test suite.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_GRANDCHILD_PROCESS") == "1" {
		time.Sleep(time.Hour) // stands in for a long-running bash command
		os.Exit(0)
	}
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		runHelperProcess()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runHelperProcess echoes back a scripted sequence of wire messages read
// from GO_HELPER_SCRIPT (one JSON object per line), then blocks reading
// stdin so the test can drive further turns. If GO_HELPER_CHILD_PIDFILE is
// set, it first spawns a grandchild (standing in for a bash command a tool
// shelled out to) and records its pid, so the kill-escalation test can
// confirm the whole process group — not just the top-level binary — gets
// torn down.
func runHelperProcess() {
	if pidfile := os.Getenv("GO_HELPER_CHILD_PIDFILE"); pidfile != "" {
		child := exec.Command(os.Args[0])
		child.Env = append(os.Environ(), "GO_WANT_GRANDCHILD_PROCESS=1")
		if err := child.Start(); err == nil {
			os.WriteFile(pidfile, []byte(strconv.Itoa(child.Process.Pid)), 0o644)
			go child.Wait()
		}
	}

	script := os.Getenv("GO_HELPER_SCRIPT")
	var lines []string
	json.Unmarshal([]byte(script), &lines)
	for _, l := range lines {
		fmt.Fprintln(os.Stdout, l)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		// drain; the test only inspects what was written, not replies.
	}
}

// pidAlive reports whether pid still exists, via the null-signal probe.
func pidAlive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{Binary: os.Args[0], KillGrace: 200 * time.Millisecond}
}

func withHelperScript(t *testing.T, lines []string) func() {
	t.Helper()
	data, err := json.Marshal(lines)
	require.NoError(t, err)
	require.NoError(t, os.Setenv("GO_WANT_HELPER_PROCESS", "1"))
	require.NoError(t, os.Setenv("GO_HELPER_SCRIPT", string(data)))
	return func() {
		os.Unsetenv("GO_WANT_HELPER_PROCESS")
		os.Unsetenv("GO_HELPER_SCRIPT")
	}
}

func waitForState(t *testing.T, w *Wrapper, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Snapshot().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, got %s", want, w.Snapshot().State)
}

func TestStartTransitionsToAssistantTurn(t *testing.T) {
	cleanup := withHelperScript(t, nil)
	defer cleanup()

	var gotSnaps []Snapshot
	w := New("sess-1", "proj-1", t.TempDir(), testConfig(t), func(s Snapshot) { gotSnaps = append(gotSnaps, s) }, nil, nil, nil)
	w.Start(StartOpts{InitialPrompt: "hello"})
	t.Cleanup(func() { w.Kill("test cleanup") })

	require.Equal(t, AssistantTurn, w.Snapshot().State)
	require.NotEmpty(t, gotSnaps)
}

func TestResultMessageTransitionsToUserTurn(t *testing.T) {
	cleanup := withHelperScript(t, []string{`{"type":"result","is_error":false}`})
	defer cleanup()

	w := New("sess-1", "proj-1", t.TempDir(), testConfig(t), nil, nil, nil, nil)
	w.Start(StartOpts{InitialPrompt: "hello"})
	t.Cleanup(func() { w.Kill("test cleanup") })

	waitForState(t, w, UserTurn)
}

func TestResultErrorTransitionsToDead(t *testing.T) {
	cleanup := withHelperScript(t, []string{`{"type":"result","is_error":true,"error":"boom"}`})
	defer cleanup()

	w := New("sess-1", "proj-1", t.TempDir(), testConfig(t), nil, nil, nil, nil)
	w.Start(StartOpts{InitialPrompt: "hello"})

	waitForState(t, w, Dead)
	require.Contains(t, w.Snapshot().Err, "boom")
}

func TestStreamClosedWithoutResultTransitionsToDead(t *testing.T) {
	cleanup := withHelperScript(t, nil)
	defer cleanup()

	w := New("sess-1", "proj-1", t.TempDir(), testConfig(t), nil, nil, nil, nil)
	w.Start(StartOpts{InitialPrompt: "hello"})
	// The helper process exits immediately after emitting its script and
	// draining stdin; closing stdin below lets it exit and close stdout.
	w.mu.Lock()
	stdin := w.stdin
	w.mu.Unlock()
	stdin.Close()

	waitForState(t, w, Dead)
	require.Contains(t, w.Snapshot().Err, "stream closed")
}

func TestSendOutsideSendableStateIsNoop(t *testing.T) {
	cleanup := withHelperScript(t, nil)
	defer cleanup()

	w := New("sess-1", "proj-1", t.TempDir(), testConfig(t), nil, nil, nil, nil)
	// Never started: state is Starting, not sendable.
	w.Send("hi", nil)
	require.Equal(t, Starting, w.Snapshot().State)
}

func TestSetModelIgnoredOutsideUserTurn(t *testing.T) {
	cleanup := withHelperScript(t, nil)
	defer cleanup()

	w := New("sess-1", "proj-1", t.TempDir(), testConfig(t), nil, nil, nil, nil)
	w.Start(StartOpts{InitialPrompt: "hi", Model: "model-a"})
	t.Cleanup(func() { w.Kill("test cleanup") })
	require.Equal(t, AssistantTurn, w.Snapshot().State)

	w.SetModel("model-b")
	require.Equal(t, "model-a", w.Snapshot().Model, "model change must be ignored outside USER_TURN")
}

func TestSetModelAppliedInUserTurn(t *testing.T) {
	cleanup := withHelperScript(t, []string{`{"type":"result","is_error":false}`})
	defer cleanup()

	w := New("sess-1", "proj-1", t.TempDir(), testConfig(t), nil, nil, nil, nil)
	w.Start(StartOpts{InitialPrompt: "hi", Model: "model-a"})
	t.Cleanup(func() { w.Kill("test cleanup") })
	waitForState(t, w, UserTurn)

	w.SetModel("model-b")
	require.Equal(t, "model-b", w.Snapshot().Model)
}

func TestKillIsNoopWhenAlreadyDead(t *testing.T) {
	cleanup := withHelperScript(t, []string{`{"type":"result","is_error":true,"error":"boom"}`})
	defer cleanup()

	w := New("sess-1", "proj-1", t.TempDir(), testConfig(t), nil, nil, nil, nil)
	w.Start(StartOpts{InitialPrompt: "hi"})
	waitForState(t, w, Dead)

	before := w.Snapshot()
	w.Kill("second kill attempt")
	after := w.Snapshot()
	require.Equal(t, before.KillReason, after.KillReason, "second kill must not overwrite the original reason")
}

// TestKillTerminatesDescendantProcesses checks that Kill tears down not
// just the top-level subprocess but everything it spawned, confirming the
// process-group signal (not a single-PID signal) actually reaches a
// grandchild standing in for a bash command a tool shelled out to.
func TestKillTerminatesDescendantProcesses(t *testing.T) {
	cleanup := withHelperScript(t, nil)
	defer cleanup()

	pidfile := t.TempDir() + "/child.pid"
	require.NoError(t, os.Setenv("GO_HELPER_CHILD_PIDFILE", pidfile))
	defer os.Unsetenv("GO_HELPER_CHILD_PIDFILE")

	w := New("sess-1", "proj-1", t.TempDir(), testConfig(t), nil, nil, nil, nil)
	w.Start(StartOpts{InitialPrompt: "hi"})

	var childPid int
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(pidfile)
		if err == nil && len(data) > 0 {
			childPid, err = strconv.Atoi(string(data))
			require.NoError(t, err)
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NotZero(t, childPid, "grandchild never wrote its pid")
	require.True(t, pidAlive(childPid), "grandchild should be alive before kill")

	w.Kill("test teardown")
	waitForState(t, w, Dead)

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && pidAlive(childPid) {
		time.Sleep(5 * time.Millisecond)
	}
	require.False(t, pidAlive(childPid), "grandchild should be reaped along with the process group")
}

func TestPermissionCheckShortCircuitsPendingRequest(t *testing.T) {
	req := `{"type":"control_request","subtype":"can_use_tool","request_id":"req-1","tool_name":"Bash","input":{"command":"ls"}}`
	cleanup := withHelperScript(t, []string{req})
	defer cleanup()

	var snaps []Snapshot
	check := func(tool, action string, params map[string]any) (string, bool) {
		require.Equal(t, "Bash", tool)
		return "always-allow", true
	}
	w := New("sess-1", "proj-1", t.TempDir(), testConfig(t), func(s Snapshot) { snaps = append(snaps, s) }, nil, check, nil)
	w.Start(StartOpts{InitialPrompt: "hi"})
	t.Cleanup(func() { w.Kill("test cleanup") })

	// A short-circuited request never installs a pending slot.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.Nil(t, w.Snapshot().Pending)
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPendingPermissionRequestLifecycle(t *testing.T) {
	req := `{"type":"control_request","subtype":"can_use_tool","request_id":"req-1","tool_name":"Bash","input":{"command":"ls"}}`
	cleanup := withHelperScript(t, []string{req})
	defer cleanup()

	var snaps []Snapshot
	w := New("sess-1", "proj-1", t.TempDir(), testConfig(t), func(s Snapshot) { snaps = append(snaps, s) }, nil, nil, nil)
	w.Start(StartOpts{InitialPrompt: "hi"})
	t.Cleanup(func() { w.Kill("test cleanup") })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && w.Snapshot().Pending == nil {
		time.Sleep(5 * time.Millisecond)
	}
	pending := w.Snapshot().Pending
	require.NotNil(t, pending)
	require.Equal(t, "Bash", pending.ToolName)
	require.Equal(t, ToolApproval, pending.Kind)

	ok := w.ResolvePendingRequest(PermissionResponse{Approved: true})
	require.True(t, ok)

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && w.Snapshot().Pending != nil {
		time.Sleep(5 * time.Millisecond)
	}
	require.Nil(t, w.Snapshot().Pending)
}

func TestResolvePendingRequestIdempotentWhenNoneFilled(t *testing.T) {
	cleanup := withHelperScript(t, nil)
	defer cleanup()

	w := New("sess-1", "proj-1", t.TempDir(), testConfig(t), nil, nil, nil, nil)
	ok := w.ResolvePendingRequest(PermissionResponse{Approved: true})
	require.False(t, ok)
}

func TestKillCancelsPendingRequestAwait(t *testing.T) {
	req := `{"type":"control_request","subtype":"can_use_tool","request_id":"req-1","tool_name":"Bash","input":{"command":"ls"}}`
	cleanup := withHelperScript(t, []string{req})
	defer cleanup()

	w := New("sess-1", "proj-1", t.TempDir(), testConfig(t), nil, nil, nil, nil)
	w.Start(StartOpts{InitialPrompt: "hi"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && w.Snapshot().Pending == nil {
		time.Sleep(5 * time.Millisecond)
	}
	require.NotNil(t, w.Snapshot().Pending)

	w.Kill("shutdown")
	waitForState(t, w, Dead)
	require.Nil(t, w.Snapshot().Pending)
}

func TestNormalizeSuggestionsStripsProjectDirPrefix(t *testing.T) {
	rules := normalizeSuggestions([]wireSuggestion{
		{Tool: "Read", Action: "read", Params: map[string]any{"path": "/home/user/proj/src/main.go"}},
	}, "/home/user/proj")

	require.Len(t, rules, 1)
	require.Equal(t, "src/main.go", rules[0].Params["path"])
}

func TestNormalizeSuggestionsSynthesizesMCPWildcard(t *testing.T) {
	rules := normalizeSuggestions([]wireSuggestion{
		{MCPServer: "github"},
	}, "")

	require.Len(t, rules, 1)
	require.Equal(t, "mcp__github", rules[0].Tool)
	require.Equal(t, "*", rules[0].Action)
}
