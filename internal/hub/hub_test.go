package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/conductor/internal/process"
	"github.com/agentfleet/conductor/internal/store"
	"github.com/agentfleet/conductor/internal/titles"
)

type fakeRouter struct {
	created     []string
	sent        []string
	killed      []string
	touched     []string
	resolved    []string
	createErr   error
	sendErr     error
}

func (f *fakeRouter) CreateSession(sessionID, projectID, cwd, text string, permMode, model string, attachments []process.Attachment) error {
	f.created = append(f.created, sessionID)
	return f.createErr
}

func (f *fakeRouter) SendToSession(sessionID, projectID, cwd, text string, permMode, model string, attachments []process.Attachment) error {
	f.sent = append(f.sent, sessionID)
	return f.sendErr
}

func (f *fakeRouter) KillProcess(sessionID, reason string) {
	f.killed = append(f.killed, sessionID)
}

func (f *fakeRouter) ResolvePendingRequest(sessionID string, result process.PermissionResponse) bool {
	f.resolved = append(f.resolved, sessionID)
	return true
}

func (f *fakeRouter) Touch(sessionID string) {
	f.touched = append(f.touched, sessionID)
}

func (f *fakeRouter) ActiveSnapshots() []process.Snapshot {
	return nil
}

func newTestHub(t *testing.T, router Router) (*Hub, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := New(Config{InboundRatePerSec: 1000, InboundBurst: 1000}, router, st, titles.New(), nil)
	return h, st
}

func startTestServer(t *testing.T, h *Hub) string {
	t.Helper()
	mux := http.NewServeMux()
	NewServer(h, nil, nil).SetupRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestJoinSendsActiveProcessesAndStartupProgress(t *testing.T) {
	h, _ := newTestHub(t, &fakeRouter{})
	url := startTestServer(t, h)
	conn := dial(t, url)

	first := readEvent(t, conn)
	second := readEvent(t, conn)
	require.ElementsMatch(t, []EventType{EventActiveProcesses, EventStartupProgress}, []EventType{first.Type, second.Type})
}

func TestPingReceivesPong(t *testing.T) {
	h, _ := newTestHub(t, &fakeRouter{})
	url := startTestServer(t, h)
	conn := dial(t, url)
	readEvent(t, conn)
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(Command{Type: CommandPing}))
	ev := readEvent(t, conn)
	require.Equal(t, EventPong, ev.Type)
}

func TestSendMessageUnknownSessionRoutesToCreateSession(t *testing.T) {
	router := &fakeRouter{}
	h, _ := newTestHub(t, router)
	url := startTestServer(t, h)
	conn := dial(t, url)
	readEvent(t, conn)
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(Command{Type: CommandSendMessage, Session: "sess-1", Project: "proj-1", Text: "hi"}))

	require.Eventually(t, func() bool { return len(router.created) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "sess-1", router.created[0])
}

func TestSendMessageKnownSessionRoutesToSendToSession(t *testing.T) {
	router := &fakeRouter{}
	h, st := newTestHub(t, router)
	require.NoError(t, st.CreateSession(store.Session{ID: "sess-1", ProjectID: "proj-1"}))

	url := startTestServer(t, h)
	conn := dial(t, url)
	readEvent(t, conn)
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(Command{Type: CommandSendMessage, Session: "sess-1", Text: "hi"}))

	require.Eventually(t, func() bool { return len(router.sent) == 1 }, time.Second, 5*time.Millisecond)
	require.Empty(t, router.created)
}

func TestSendMessageWithTitleOnUnknownSessionSetsPendingTitle(t *testing.T) {
	router := &fakeRouter{}
	h, _ := newTestHub(t, router)
	url := startTestServer(t, h)
	conn := dial(t, url)
	readEvent(t, conn)
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(Command{Type: CommandSendMessage, Session: "sess-1", Project: "proj-1", Text: "hi", Title: "My new task"}))

	require.Eventually(t, func() bool { return h.titles.Has("sess-1") }, time.Second, 5*time.Millisecond)
}

func TestKillProcessRoutesToRouter(t *testing.T) {
	router := &fakeRouter{}
	h, _ := newTestHub(t, router)
	url := startTestServer(t, h)
	conn := dial(t, url)
	readEvent(t, conn)
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(Command{Type: CommandKillProcess, Session: "sess-1", Reason: "user requested"}))

	require.Eventually(t, func() bool { return len(router.killed) == 1 }, time.Second, 5*time.Millisecond)
}

func TestTouchRoutesToRouter(t *testing.T) {
	router := &fakeRouter{}
	h, _ := newTestHub(t, router)
	url := startTestServer(t, h)
	conn := dial(t, url)
	readEvent(t, conn)
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(Command{Type: CommandTouch, Session: "sess-1"}))

	require.Eventually(t, func() bool { return len(router.touched) == 1 }, time.Second, 5*time.Millisecond)
}

func TestPendingRequestResponseRoutesToRouter(t *testing.T) {
	router := &fakeRouter{}
	h, _ := newTestHub(t, router)
	url := startTestServer(t, h)
	conn := dial(t, url)
	readEvent(t, conn)
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(Command{
		Type:    CommandPendingRequestResponse,
		Session: "sess-1",
		Result:  &PendingResultWire{Approved: true},
	}))

	require.Eventually(t, func() bool { return len(router.resolved) == 1 }, time.Second, 5*time.Millisecond)
}

func TestBroadcastSnapshotReachesConnectedClient(t *testing.T) {
	h, _ := newTestHub(t, &fakeRouter{})
	url := startTestServer(t, h)
	conn := dial(t, url)
	readEvent(t, conn)
	readEvent(t, conn)

	h.BroadcastSnapshot(process.Snapshot{SessionID: "sess-1", State: process.UserTurn})

	ev := readEvent(t, conn)
	require.Equal(t, EventProcessState, ev.Type)
}

func TestQueuedEventsCoalesceIntoOneThrottledFlush(t *testing.T) {
	h, _ := newTestHub(t, &fakeRouter{})
	h.cfg.BroadcastThrottle = 30 * time.Millisecond
	url := startTestServer(t, h)
	conn := dial(t, url)
	readEvent(t, conn)
	readEvent(t, conn)

	h.BroadcastSessionAdded(store.Session{ID: "sess-1"})
	h.BroadcastSessionAdded(store.Session{ID: "sess-2"})

	first := readEvent(t, conn)
	require.Equal(t, EventSessionAdded, first.Type)

	conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	second := readEvent(t, conn)
	require.Equal(t, EventSessionAdded, second.Type)
}

func TestJoinRejectsConnectionOverMaxCapacity(t *testing.T) {
	router := &fakeRouter{}
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := New(Config{MaxConnections: 1, InboundRatePerSec: 1000, InboundBurst: 1000}, router, st, titles.New(), nil)
	url := startTestServer(t, h)

	conn1 := dial(t, url)
	readEvent(t, conn1)
	readEvent(t, conn1)

	conn2, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn2.Close()
	}
	_ = resp
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
}
