// Package hub is the Broadcast Hub (SPEC_FULL.md §4.G): the connected
// client set, fan-out of indexer and supervisor events, and the ingest
// path for client commands (send-message, resolve-permission, kill,
// touch). Transport is gorilla/websocket; throttled outbound batching and
// per-client inbound rate limiting follow the teacher's broadcaster shape.
package hub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/agentfleet/conductor/internal/process"
	"github.com/agentfleet/conductor/internal/store"
	"github.com/agentfleet/conductor/internal/titles"
)

// errTooManyConnections is returned by Join when the hub is at capacity.
var errTooManyConnections = errors.New("hub: too many connections")

// Router is the Hub's view of the Process Supervisor: the five commands a
// client's inbound traffic may trigger. Satisfied by *supervisor.Supervisor.
type Router interface {
	CreateSession(sessionID, projectID, cwd, text string, permMode, model string, attachments []process.Attachment) error
	SendToSession(sessionID, projectID, cwd, text string, permMode, model string, attachments []process.Attachment) error
	KillProcess(sessionID, reason string)
	ResolvePendingRequest(sessionID string, result process.PermissionResponse) bool
	Touch(sessionID string)
	ActiveSnapshots() []process.Snapshot
}

// client is one connected websocket peer.
type client struct {
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
}

func newClient(conn *websocket.Conn, ratePerSec float64, burst int) *client {
	return &client{
		conn:    conn,
		send:    make(chan []byte, 64),
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) closeSend() {
	close(c.send)
}

// Config holds the Hub's client-set tunables from §6.
type Config struct {
	MaxConnections    int
	BroadcastThrottle time.Duration
	InboundRatePerSec float64
	InboundBurst      int
}

// Hub owns the connected client set and the throttled broadcast queue.
type Hub struct {
	cfgMu  sync.RWMutex
	cfg    Config
	router Router
	store  *store.Store
	titles *titles.Store
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]bool

	flushMu sync.Mutex
	pending []Event
	timer   *time.Timer
}

// New constructs a Hub. router may be nil until the Supervisor is wired up.
func New(cfg Config, router Router, st *store.Store, titleStore *titles.Store, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:     cfg,
		router:  router,
		store:   st,
		titles:  titleStore,
		logger:  logger,
		clients: make(map[*client]bool),
	}
}

// SetConfig swaps the Hub's tunables, for a config hot-reload path: new
// connections pick up the new MaxConnections/rate limits immediately, and
// the next queued broadcast picks up the new throttle window.
func (h *Hub) SetConfig(cfg Config) {
	h.cfgMu.Lock()
	h.cfg = cfg
	h.cfgMu.Unlock()
}

func (h *Hub) getConfig() Config {
	h.cfgMu.RLock()
	defer h.cfgMu.RUnlock()
	return h.cfg
}

// Join adds conn to the client set, starts its pumps, and sends the initial
// active-processes and startup-progress sync, per §4.G.
func (h *Hub) Join(conn *websocket.Conn) error {
	cfg := h.getConfig()

	h.mu.Lock()
	if cfg.MaxConnections > 0 && len(h.clients) >= cfg.MaxConnections {
		h.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"))
		conn.Close()
		return errTooManyConnections
	}

	ratePerSec := cfg.InboundRatePerSec
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	burst := cfg.InboundBurst
	if burst <= 0 {
		burst = 40
	}
	c := newClient(conn, ratePerSec, burst)
	h.clients[c] = true
	h.mu.Unlock()

	go c.writePump()
	h.sendInitialSync(c)
	go h.readPump(c)
	return nil
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.closeSend()
	}
	h.mu.Unlock()
}

// readPump reads inbound frames from c and dispatches them into the ingest
// path, dropping (not queueing) traffic over the per-client rate limit.
func (h *Hub) readPump(c *client) {
	defer h.leave(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if !c.limiter.Allow() {
			continue
		}
		h.handleInbound(c, data)
	}
}

func (h *Hub) handleInbound(c *client, data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		h.logger.Warn("malformed inbound command", "error", err)
		return
	}

	switch cmd.Type {
	case CommandPing:
		h.sendTo(c, Event{Type: EventPong})
	case CommandSendMessage:
		h.handleSendMessage(cmd)
	case CommandKillProcess:
		h.router.KillProcess(cmd.Session, cmd.Reason)
	case CommandPendingRequestResponse:
		h.handlePendingResponse(cmd)
	case CommandTouch:
		h.router.Touch(cmd.Session)
	default:
		h.logger.Warn("unrecognized inbound command type", "type", cmd.Type)
	}
}

// handleSendMessage implements §4.G's routing rule: a supplied title for a
// session not yet in storage goes to the Pending-Title Store first (the
// transcript file does not exist yet); unknown session + known project
// routes to create_session, known session routes to send_to_session.
func (h *Hub) handleSendMessage(cmd Command) {
	if cmd.Session == "" {
		h.logger.Warn("send_message missing session id")
		return
	}

	if cmd.Title != "" {
		if _, err := h.store.GetSession(cmd.Session); err != nil {
			h.titles.Set(cmd.Session, cmd.Title)
		}
	}

	attachments := toProcessAttachments(cmd.Attachments)

	_, sessionErr := h.store.GetSession(cmd.Session)
	sessionKnown := sessionErr == nil

	var err error
	if sessionKnown {
		err = h.router.SendToSession(cmd.Session, cmd.Project, cmd.Cwd, cmd.Text, cmd.PermissionMode, cmd.Model, attachments)
	} else {
		err = h.router.CreateSession(cmd.Session, cmd.Project, cmd.Cwd, cmd.Text, cmd.PermissionMode, cmd.Model, attachments)
	}
	if err != nil {
		h.logger.Warn("send_message routing failed", "session_id", cmd.Session, "error", err)
	}
}

func (h *Hub) handlePendingResponse(cmd Command) {
	if cmd.Result == nil {
		h.logger.Warn("pending_request_response missing result", "session_id", cmd.Session)
		return
	}
	h.router.ResolvePendingRequest(cmd.Session, process.PermissionResponse{
		Approved:     cmd.Result.Approved,
		UpdatedInput: cmd.Result.UpdatedInput,
		PlanRewrite:  cmd.Result.PlanRewrite,
	})
}

func toProcessAttachments(raw []AttachmentWire) []process.Attachment {
	if len(raw) == 0 {
		return nil
	}
	out := make([]process.Attachment, 0, len(raw))
	for _, a := range raw {
		out = append(out, process.Attachment{Kind: a.Kind, MimeType: a.MimeType, Data: a.Data, Path: a.Path})
	}
	return out
}

func (h *Hub) sendInitialSync(c *client) {
	h.sendTo(c, Event{Type: EventActiveProcesses, Payload: h.router.ActiveSnapshots()})
	h.sendTo(c, Event{Type: EventStartupProgress})
}

func (h *Hub) sendTo(c *client, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("event marshal failed", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// broadcast fans ev out to every connected client, dropping any client that
// can't keep up with its send channel.
func (h *Hub) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("event marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("ws client too slow, disconnecting")
			h.leave(c)
		}
	}
}

// BroadcastSnapshot implements supervisor.Broadcaster: forwards a process
// state change immediately (process_state is not throttled — it's already
// debounced upstream by the wrapper's own state machine).
func (h *Hub) BroadcastSnapshot(snap process.Snapshot) {
	h.broadcast(Event{Type: EventProcessState, Payload: snap})
}

// BroadcastSessionItemsAdded implements the indexer's per-batch delivery:
// emitted only after the batch is durable (§5's ordering guarantee), so
// the indexer calls this after its store write returns.
func (h *Hub) BroadcastSessionItemsAdded(sessionID string, items, metaUpdates []any) {
	h.broadcast(Event{Type: EventSessionItemsAdded, Payload: SessionItemsAddedPayload{
		SessionID:   sessionID,
		Items:       items,
		MetaUpdates: metaUpdates,
	}})
}

// BroadcastProjectAdded/Updated and BroadcastSessionAdded/Updated are
// queued through the throttled flush path so a burst of indexer writes is
// delivered in one throttled flush; each queued event is still sent as its
// own frame.
func (h *Hub) BroadcastProjectAdded(p store.Project)   { h.queue(Event{Type: EventProjectAdded, Payload: p}) }
func (h *Hub) BroadcastProjectUpdated(p store.Project) { h.queue(Event{Type: EventProjectUpdated, Payload: p}) }
func (h *Hub) BroadcastSessionAdded(s store.Session)   { h.queue(Event{Type: EventSessionAdded, Payload: s}) }
func (h *Hub) BroadcastSessionUpdated(s store.Session) { h.queue(Event{Type: EventSessionUpdated, Payload: s}) }

func (h *Hub) queue(ev Event) {
	h.flushMu.Lock()
	defer h.flushMu.Unlock()

	h.pending = append(h.pending, ev)
	if h.timer == nil {
		throttle := h.getConfig().BroadcastThrottle
		if throttle <= 0 {
			throttle = 100 * time.Millisecond
		}
		h.timer = time.AfterFunc(throttle, h.flush)
	}
}

func (h *Hub) flush() {
	h.flushMu.Lock()
	events := h.pending
	h.pending = nil
	h.timer = nil
	h.flushMu.Unlock()

	for _, ev := range events {
		h.broadcast(ev)
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client, per §5 shutdown step 5.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]bool)
	h.mu.Unlock()

	for _, c := range clients {
		c.closeSend()
		c.conn.Close()
	}
}
