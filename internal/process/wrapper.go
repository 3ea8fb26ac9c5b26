package process

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Wrapper is one Child-Process Wrapper instance, per §4.E.
type Wrapper struct {
	sessionID  string
	projectID  string
	workingDir string
	cfg        Config
	hook       Hook
	planLookup PlanLookup
	permCheck  PermissionCheck
	logger     *slog.Logger

	mu             sync.Mutex
	state          State
	previousState  State
	started        time.Time
	stateEntered   time.Time
	lastActivity   time.Time
	errMsg         string
	killReason     string
	model          string
	permissionMode string
	pending        *PendingPermissionRequest
	pendingDone    chan PermissionResponse // one-shot completion signal

	cmd          *exec.Cmd
	stdin        io.WriteCloser
	readerCancel context.CancelFunc
}

// New constructs a Wrapper for sessionID, not yet started.
func New(sessionID, projectID, workingDir string, cfg Config, hook Hook, planLookup PlanLookup, permCheck PermissionCheck, logger *slog.Logger) *Wrapper {
	if logger == nil {
		logger = slog.Default()
	}
	if hook == nil {
		hook = func(Snapshot) {}
	}
	now := time.Now()
	return &Wrapper{
		sessionID:    sessionID,
		projectID:    projectID,
		workingDir:   workingDir,
		cfg:          cfg,
		hook:         hook,
		planLookup:   planLookup,
		permCheck:    permCheck,
		logger:       logger,
		state:        Starting,
		started:      now,
		stateEntered: now,
		lastActivity: now,
	}
}

// Snapshot returns an immutable copy of the current process record.
func (w *Wrapper) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Wrapper) snapshotLocked() Snapshot {
	var pending *PendingPermissionRequest
	if w.pending != nil {
		cp := *w.pending
		pending = &cp
	}
	return Snapshot{
		SessionID:      w.sessionID,
		ProjectID:      w.projectID,
		WorkingDir:     w.workingDir,
		State:          w.state,
		PreviousState:  w.previousState,
		Started:        w.started,
		StateEntered:   w.stateEntered,
		LastActivity:   w.lastActivity,
		Err:            w.errMsg,
		KillReason:     w.killReason,
		Model:          w.model,
		PermissionMode: w.permissionMode,
		Pending:        pending,
	}
}

// transition moves to next state, records the timestamp, and notifies the
// hook. It takes w.mu itself, so the caller must not hold it; the hook is
// invoked after the lock is released to avoid deadlocking a hook that
// calls back in.
func (w *Wrapper) transition(next State) {
	w.mu.Lock()
	w.previousState = w.state
	w.state = next
	w.stateEntered = time.Now()
	snap := w.snapshotLocked()
	w.mu.Unlock()
	w.hook(snap)
}

func (w *Wrapper) touch() {
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()
}

// Touch updates last_activity directly, for the supervisor's touch(session)
// operation (§4.F) driven by UI "user is typing" signals rather than real
// subprocess I/O.
func (w *Wrapper) Touch() {
	w.touch()
}

func (w *Wrapper) notify() {
	w.mu.Lock()
	snap := w.snapshotLocked()
	w.mu.Unlock()
	w.hook(snap)
}

// Start spawns the subprocess, sends the initial turn, and begins the
// background reader loop. Per §4.E, a startup failure transitions DEAD and
// invokes the hook but is never propagated to the caller.
func (w *Wrapper) Start(opts StartOpts) {
	w.mu.Lock()
	w.model = opts.Model
	w.permissionMode = opts.PermissionMode
	w.mu.Unlock()

	args := []string{"--output-format", "stream-json", "--input-format", "stream-json"}
	if opts.Resume {
		args = append(args, "--resume")
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, w.cfg.Binary, args...)
	cmd.Dir = w.workingDir
	// New process group so killProcessTree can signal the subprocess and
	// every descendant it spawns (shell commands, MCP servers) in one
	// shot instead of losing track of orphans once the parent dies.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Cancelling ctx only stops the reader loop; the process itself is torn
	// down by killProcessTree's SIGTERM, grace, SIGKILL escalation.
	cmd.Cancel = func() error { return nil }

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		w.failStartup(fmt.Errorf("stdin pipe: %w", err))
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		w.failStartup(fmt.Errorf("stdout pipe: %w", err))
		return
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		cancel()
		w.failStartup(fmt.Errorf("start subprocess: %w", err))
		return
	}

	w.mu.Lock()
	w.cmd = cmd
	w.stdin = stdin
	w.readerCancel = cancel
	w.mu.Unlock()

	go w.readerLoop(ctx, stdout)

	if err := w.writeLine(newTurnMessage(opts.InitialPrompt, opts.Attachments)); err != nil {
		w.handleError(fmt.Errorf("send initial turn: %w", err))
		return
	}

	w.transition(AssistantTurn)
}

func (w *Wrapper) failStartup(err error) {
	w.mu.Lock()
	w.errMsg = err.Error()
	w.mu.Unlock()
	w.logger.Warn("process start failed", "session", w.sessionID, "error", err)
	w.transition(Dead)
}

// Send implements send(text, attachments), §4.E.
func (w *Wrapper) Send(text string, attachments []Attachment) {
	w.mu.Lock()
	state := w.state
	w.mu.Unlock()

	if state != UserTurn && state != AssistantTurn {
		w.logger.Warn("send on wrapper not in a sendable state", "session", w.sessionID, "state", state)
		return
	}

	if err := w.writeLine(newTurnMessage(text, attachments)); err != nil {
		w.handleError(fmt.Errorf("send: %w", err))
		return
	}

	if state == UserTurn {
		w.transition(AssistantTurn)
	}
}

// SetPermissionMode implements set_permission_mode(mode), §4.E: legal in
// any non-terminal state.
func (w *Wrapper) SetPermissionMode(mode string) {
	w.mu.Lock()
	if w.state == Dead {
		w.mu.Unlock()
		return
	}
	w.permissionMode = mode
	w.mu.Unlock()

	w.writeLine(wireControlCommand{Type: "control_command", Name: "set_permission_mode", Value: mode})
	w.notify()
}

// SetModel implements set_model(name), §4.E: ignored outside USER_TURN.
func (w *Wrapper) SetModel(name string) {
	w.mu.Lock()
	if w.state != UserTurn {
		w.mu.Unlock()
		return
	}
	w.model = name
	w.mu.Unlock()

	w.writeLine(wireControlCommand{Type: "control_command", Name: "set_model", Value: name})
	w.notify()
}

// ResolvePendingRequest implements resolve_pending_request(result), §4.E:
// completes the one-shot signal iff it is filled. Idempotent for an
// already-resolved (or never-filled) slot.
func (w *Wrapper) ResolvePendingRequest(result PermissionResponse) bool {
	w.mu.Lock()
	done := w.pendingDone
	w.mu.Unlock()
	if done == nil {
		return false
	}

	select {
	case done <- result:
		return true
	default:
		return false // already resolved
	}
}

// Kill implements kill(reason), §4.E: no-op if already DEAD.
func (w *Wrapper) Kill(reason string) {
	w.mu.Lock()
	if w.state == Dead {
		w.mu.Unlock()
		return
	}
	w.killReason = reason
	cmd := w.cmd
	cancelReader := w.readerCancel
	pendingDone := w.pendingDone
	w.pendingDone = nil
	w.pending = nil
	w.mu.Unlock()

	if cancelReader != nil {
		cancelReader()
	}
	if pendingDone != nil {
		close(pendingDone)
	}
	if cmd != nil && cmd.Process != nil {
		// Run teardown on its own goroutine (§4.E.1) so Kill never blocks
		// the caller on the grace-period wait.
		go killProcessTree(cmd, w.cfg.killGrace(), w.logger)
	}

	w.transition(Dead)
}

func (w *Wrapper) handleError(err error) {
	w.mu.Lock()
	w.errMsg = err.Error()
	w.mu.Unlock()
	w.logger.Warn("process error", "session", w.sessionID, "error", err)
	w.Kill("error: " + err.Error())
}

func (w *Wrapper) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	stdin := w.stdin
	w.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("subprocess stdin not open")
	}

	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// readerLoop is the background reader loop of §4.E: reads typed messages
// line by line, updates last_activity, and drives the turn state machine.
func (w *Wrapper) readerLoop(ctx context.Context, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	sawResult := false

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		w.touch()

		var env wireEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			w.logger.Warn("malformed subprocess message", "session", w.sessionID, "error", err)
			continue
		}

		switch env.Type {
		case "result":
			sawResult = true
			var res wireResult
			json.Unmarshal(line, &res)
			if res.IsError {
				w.handleError(fmt.Errorf("subprocess result error: %s", res.Error))
				return
			}
			w.transition(UserTurn)

		case "control_request":
			var req wireControlRequest
			if err := json.Unmarshal(line, &req); err != nil {
				w.logger.Warn("malformed control request", "session", w.sessionID, "error", err)
				continue
			}
			w.handleControlRequest(ctx, req)

		default:
			w.mu.Lock()
			notAssistant := w.state != AssistantTurn
			w.mu.Unlock()
			if notAssistant {
				w.transition(AssistantTurn)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return // cancelled by Kill; Kill already drove the DEAD transition
	}

	if !sawResult {
		w.handleError(fmt.Errorf("stream closed"))
	}
}

// handleControlRequest implements the permission-arbitration sequence of
// §4.E: normalize, install, notify, await, (plan rewrite), clear, notify.
func (w *Wrapper) handleControlRequest(ctx context.Context, req wireControlRequest) {
	kind := ToolApproval
	if req.Subtype == "ask_user_question" {
		kind = AskUserQuestion
	}

	var toolInput map[string]any
	json.Unmarshal(req.Input, &toolInput)

	rules := normalizeSuggestions(req.Suggestions, w.workingDir)

	id := req.RequestID
	if id == "" {
		id = uuid.NewString()
	}

	if kind == ToolApproval && w.permCheck != nil {
		if decision, ok := w.permCheck(req.ToolName, "use", toolInput); ok {
			approved := decision == "always-allow" || decision == "allow-once"
			w.writeLine(wireControlResponse{
				Type:      "control_response",
				RequestID: id,
				Approved:  approved,
			})
			return
		}
	}

	pending := &PendingPermissionRequest{
		ID:             id,
		Kind:           kind,
		ToolName:       req.ToolName,
		ToolInput:      toolInput,
		Timestamp:      time.Now(),
		SuggestedRules: rules,
	}
	done := make(chan PermissionResponse, 1)

	w.mu.Lock()
	w.pending = pending
	w.pendingDone = done
	w.mu.Unlock()
	w.notify()

	var result PermissionResponse
	select {
	case result = <-done:
	case <-ctx.Done():
		w.mu.Lock()
		w.pending = nil
		w.pendingDone = nil
		w.mu.Unlock()
		return
	}

	if result.PlanRewrite != "" && req.ToolName == "exit_plan_mode" && w.planLookup != nil && w.cfg.PlansDir != "" {
		w.rewritePlan(result.PlanRewrite)
	}

	w.mu.Lock()
	w.pending = nil
	w.pendingDone = nil
	w.mu.Unlock()
	w.notify()

	w.writeLine(wireControlResponse{
		Type:      "control_response",
		RequestID: id,
		Approved:  result.Approved,
		Input:     result.UpdatedInput,
	})
}

// rewritePlan implements §4.E step 5: locate the session's most recent
// plan slug and overwrite its file with the user's edited content. A
// lookup miss is logged and otherwise ignored — it must never fail the
// permission response.
func (w *Wrapper) rewritePlan(content string) {
	slug, err := w.planLookup(w.sessionID)
	if err != nil {
		w.logger.Warn("plan slug lookup failed, skipping plan rewrite", "session", w.sessionID, "error", err)
		return
	}
	path := w.cfg.PlansDir + "/" + slug + ".md"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		w.logger.Warn("plan rewrite failed", "session", w.sessionID, "path", path, "error", err)
	}
}

// normalizeSuggestions maps each wire suggestion to one SuggestedRule: a
// suggestion naming only an MCP server becomes a server-wide wildcard rule
// (tool "mcp__<server>", action "*"), and any string parameter starting
// with the project directory has that prefix stripped. Each suggestion
// yields exactly one rule; multi-rule suggestions are not split, and no
// wildcard rule is added for a request that arrives without suggestions.
func normalizeSuggestions(raw []wireSuggestion, projectDir string) []SuggestedRule {
	var out []SuggestedRule
	for _, s := range raw {
		if s.MCPServer != "" {
			out = append(out, SuggestedRule{
				Tool:   "mcp__" + s.MCPServer,
				Action: "*",
				Params: map[string]any{},
			})
			continue
		}

		params := make(map[string]any, len(s.Params))
		for k, v := range s.Params {
			if str, ok := v.(string); ok && projectDir != "" && strings.HasPrefix(str, projectDir) {
				v = strings.TrimPrefix(strings.TrimPrefix(str, projectDir), "/")
			}
			params[k] = v
		}

		out = append(out, SuggestedRule{
			Tool:   s.Tool,
			Action: s.Action,
			Params: params,
		})
	}
	return out
}

// killProcessTree implements §4.E.1's kill escalation: SIGTERM the whole
// process group (descendants first in practice, since the group leader's
// exit doesn't stop a signal from reaching children that are still
// running), bounded wait, liveness probe, SIGKILL on survivors. The
// subprocess is started in its own group (Setpgid, see Start) so signaling
// -pgid reaches every descendant — bash commands and MCP servers spawned
// by tools — rather than only the top-level binary, which would otherwise
// orphan them. Run on its own goroutine so the caller (Kill) never blocks
// the cooperative scheduler on teardown.
func killProcessTree(cmd *exec.Cmd, grace time.Duration, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	pgid := cmd.Process.Pid

	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		logger.Debug("SIGTERM failed, process group likely already gone", "error", err)
		return
	}

	select {
	case <-done:
		return
	case <-time.After(grace):
	}

	if err := syscall.Kill(-pgid, syscall.Signal(0)); err == nil {
		syscall.Kill(-pgid, syscall.SIGKILL)
	}
	<-done
}
