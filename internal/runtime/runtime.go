// Package runtime holds the core runtime value (SPEC_FULL.md §9): every
// subsystem's shared dependency, constructed once at startup, passed by
// reference into the Watcher/Indexer/Supervisor/Hub, and torn down by one
// Shutdown call that sequences §5's cancellation order.
package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentfleet/conductor/internal/config"
	"github.com/agentfleet/conductor/internal/hub"
	"github.com/agentfleet/conductor/internal/indexer"
	"github.com/agentfleet/conductor/internal/permissions"
	"github.com/agentfleet/conductor/internal/pricing"
	"github.com/agentfleet/conductor/internal/process"
	"github.com/agentfleet/conductor/internal/store"
	"github.com/agentfleet/conductor/internal/supervisor"
	"github.com/agentfleet/conductor/internal/titles"
	"github.com/agentfleet/conductor/internal/watch"
)

// Runtime is the single explicit value every subsystem shares, in place of
// module-level mutable state (§9's "global state" design note).
type Runtime struct {
	Config      *config.Config
	Logger      *slog.Logger
	Store       *store.Store
	Pricing     *pricing.Schedule
	Titles      *titles.Store
	Permissions *permissions.Engine
	Supervisor  *supervisor.Supervisor
	Hub         *hub.Hub
	Indexer     *indexer.Indexer
	Watcher     *watch.Watcher

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// broadcastProxy and routerProxy break the Supervisor/Hub construction
// cycle: the Supervisor needs a Broadcaster before the Hub exists, and the
// Hub needs a Router before the Supervisor exists. Each proxy is built
// empty and wired to its real collaborator immediately after both
// subsystems are constructed, before either can see any traffic.
type broadcastProxy struct {
	hub *hub.Hub
}

func (b *broadcastProxy) BroadcastSnapshot(snap process.Snapshot) {
	if b.hub != nil {
		b.hub.BroadcastSnapshot(snap)
	}
}

type routerProxy struct {
	sv *supervisor.Supervisor
}

func (r *routerProxy) CreateSession(sessionID, projectID, cwd, text string, permMode, model string, attachments []process.Attachment) error {
	return r.sv.CreateSession(sessionID, projectID, cwd, text, permMode, model, attachments)
}

func (r *routerProxy) SendToSession(sessionID, projectID, cwd, text string, permMode, model string, attachments []process.Attachment) error {
	return r.sv.SendToSession(sessionID, projectID, cwd, text, permMode, model, attachments)
}

func (r *routerProxy) KillProcess(sessionID, reason string) { r.sv.KillProcess(sessionID, reason) }

func (r *routerProxy) ResolvePendingRequest(sessionID string, result process.PermissionResponse) bool {
	return r.sv.ResolvePendingRequest(sessionID, result)
}

func (r *routerProxy) Touch(sessionID string) { r.sv.Touch(sessionID) }

func (r *routerProxy) ActiveSnapshots() []process.Snapshot { return r.sv.ActiveSnapshots() }

// New wires every subsystem: Store, Pricing, the Pending-Title Store, the
// persisted Permission Rule engine, the Supervisor and Hub (resolved
// through the proxies above), the Indexer, and the Watcher.
func New(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.Paths.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if applied := st.AppliedOnOpen(); len(applied) > 0 {
		logger.Info("applied schema migrations", "count", len(applied), "files", applied)
	}

	sched, err := pricing.LoadOrDefault(cfg.Paths.PricingFile)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load pricing schedule: %w", err)
	}

	titleStore := titles.New()

	permsEngine := permissions.New(logger)
	if err := permsEngine.Load(cfg.Paths.PermissionsFile); err != nil {
		st.Close()
		return nil, fmt.Errorf("load permission rules: %w", err)
	}

	bcProxy := &broadcastProxy{}
	sv := supervisor.New(supervisor.Config{
		SweepInterval:                cfg.Supervisor.SweepInterval,
		TimeoutStarting:              cfg.Supervisor.TimeoutStarting,
		TimeoutUserTurn:              cfg.Supervisor.TimeoutUserTurn,
		TimeoutAssistantTurn:         cfg.Supervisor.TimeoutAssistantTurn,
		TimeoutAssistantTurnAbsolute: cfg.Supervisor.TimeoutAssistantTurnAbsolute,
		ShutdownGrace:                cfg.Supervisor.ShutdownGrace,
		PendingTitleFlushDelay:       cfg.Supervisor.PendingTitleFlushDelay,
		TranscriptsRoot:              cfg.Paths.TranscriptsRoot,
		ProcessConfig: process.Config{
			Binary:    cfg.Process.Binary,
			KillGrace: cfg.Process.KillGrace,
			PlansDir:  cfg.Paths.PlansDir,
		},
	}, st, permsEngine, titleStore, bcProxy, logger)

	rtProxy := &routerProxy{sv: sv}
	h := hub.New(hub.Config{
		MaxConnections:    cfg.Hub.MaxConnections,
		BroadcastThrottle: cfg.Hub.BroadcastThrottle,
		InboundRatePerSec: cfg.Hub.InboundRatePerSec,
		InboundBurst:      cfg.Hub.InboundBurst,
	}, rtProxy, st, titleStore, logger)
	bcProxy.hub = h

	ix := indexer.New(st, sched, logger)

	w, err := watch.New(cfg.Paths.TranscriptsRoot, cfg.Watcher.Debounce, cfg.Watcher.DirDebounce, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("start watcher: %w", err)
	}

	return &Runtime{
		Config:      cfg,
		Logger:      logger,
		Store:       st,
		Pricing:     sched,
		Titles:      titleStore,
		Permissions: permsEngine,
		Supervisor:  sv,
		Hub:         h,
		Indexer:     ix,
		Watcher:     w,
	}, nil
}

// Run starts every background task — the Watcher's event loop, the
// sync-then-broadcast consumer draining its Events channel, and the
// Supervisor's timeout sweep — and blocks until ctx is cancelled.
func (rt *Runtime) Run(ctx context.Context) {
	watchCtx, cancel := context.WithCancel(ctx)
	rt.watchCancel = cancel
	rt.watchDone = make(chan struct{})

	go rt.Watcher.Run(watchCtx)
	go rt.drainWatcherErrors(watchCtx)
	go func() {
		defer close(rt.watchDone)
		rt.consumeEvents()
	}()

	rt.Supervisor.Run(ctx)
}

func (rt *Runtime) drainWatcherErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-rt.Watcher.Errors():
			if !ok {
				return
			}
			rt.Logger.Warn("watcher error", "error", err)
		}
	}
}

// consumeEvents drains the Watcher's Events channel, running one
// tail-and-persist Sync per event and broadcasting its result. Processing
// is strictly sequential, which satisfies §5's per-session ordering
// guarantee (a fortiori, since it also serializes across sessions).
func (rt *Runtime) consumeEvents() {
	for ev := range rt.Watcher.Events() {
		rt.handleEvent(ev)
	}
}

func (rt *Runtime) handleEvent(ev watch.Event) {
	tp := indexer.ParseTranscriptPath(rt.Config.Paths.TranscriptsRoot, ev.Path)
	if tp.Kind == indexer.KindUnknown {
		return
	}

	kind := store.KindPrimary
	if tp.Kind == indexer.KindSubagentFile {
		kind = store.KindSubagent
	}
	target := indexer.Target{
		Path:            ev.Path,
		ProjectDir:      tp.ProjectDir,
		SessionID:       tp.SessionID,
		Kind:            kind,
		ParentSessionID: tp.ParentSessionID,
	}

	_, projectErr := rt.Store.GetProject(target.ProjectDir)
	hadProject := projectErr == nil

	existing, sessionErr := rt.Store.GetSession(target.SessionID)
	hadSession := sessionErr == nil
	prevLastLine := 0
	if hadSession {
		prevLastLine = existing.LastLine
	}

	result, err := rt.Indexer.Sync(target)
	if err != nil {
		rt.Logger.Warn("sync failed", "path", ev.Path, "session_id", target.SessionID, "error", err)
		return
	}
	if !result.Changed {
		return
	}

	rt.broadcastSyncResult(target, hadProject, hadSession, prevLastLine, result.MetaUpdates)
}

// broadcastSyncResult reloads the rows Sync just wrote and fans the result
// out: a project/session added-or-updated event plus the newly durable
// items, after the batch is already committed (§5's ordering guarantee
// that session_items_added follows durability). The project/session
// events go through the Hub's throttled queue while the items event is
// sent at once, so clients can receive the items first.
// metaUpdates carries items from an earlier batch whose group head/tail
// moved when this batch extended their collapsible run.
func (rt *Runtime) broadcastSyncResult(target indexer.Target, hadProject, hadSession bool, prevLastLine int, metaUpdates []store.Item) {
	sess, err := rt.Store.GetSession(target.SessionID)
	if err != nil {
		rt.Logger.Warn("reload session after sync", "session_id", target.SessionID, "error", err)
		return
	}

	if proj, err := rt.Store.GetProject(target.ProjectDir); err != nil {
		rt.Logger.Warn("reload project after sync", "project_id", target.ProjectDir, "error", err)
	} else if hadProject {
		rt.Hub.BroadcastProjectUpdated(proj)
	} else {
		rt.Hub.BroadcastProjectAdded(proj)
	}

	if hadSession {
		rt.Hub.BroadcastSessionUpdated(sess)
	} else {
		rt.Hub.BroadcastSessionAdded(sess)
	}

	items, err := rt.Store.GetItems(target.SessionID, []store.Range{{From: prevLastLine + 1, To: sess.LastLine, Closed: true}})
	if err != nil {
		rt.Logger.Warn("load new items for broadcast", "session_id", target.SessionID, "error", err)
		return
	}
	anyItems := make([]any, len(items))
	for i, it := range items {
		anyItems[i] = it
	}
	anyMeta := make([]any, len(metaUpdates))
	for i, it := range metaUpdates {
		anyMeta[i] = it
	}
	rt.Hub.BroadcastSessionItemsAdded(target.SessionID, anyItems, anyMeta)
}

// Shutdown sequences §5's cancellation order: stop the Watcher iterator,
// stop the supervisor sweep and kill every wrapper (bounded then hard-kill
// survivors), drain the indexer queue, then close every Hub connection.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	if rt.watchCancel != nil {
		rt.watchCancel()
	}

	rt.Supervisor.Shutdown(ctx)

	if rt.watchDone != nil {
		select {
		case <-rt.watchDone:
		case <-ctx.Done():
		}
	}

	rt.Hub.Close()

	return rt.Store.Close()
}
