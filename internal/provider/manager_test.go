package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voxwire/voxwire/internal/models"
	"github.com/voxwire/voxwire/internal/registry"
	"github.com/voxwire/voxwire/internal/relay"
	"github.com/voxwire/voxwire/internal/session"
	"github.com/voxwire/voxwire/internal/testutil"
	"github.com/voxwire/voxwire/internal/utils"
)

func newTestManager(st *testutil.FakeStore, processID string, cfg Config) (*Manager, session.Service, *relay.Relay) {
	sessions := session.NewService(st)
	leases := registry.NewLeaseRegistry(st, nil)
	rl := relay.New(st, sessions, processID, nil)
	m := NewManager(cfg, st, sessions, leases, rl, processID, nil)
	return m, sessions, rl
}

// newTrackedConn registers a bare connection as if StartConversation had run,
// without dialing anything.
func newTrackedConn(m *Manager, sessionID string, state State) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		sessionID: sessionID,
		m:         m,
		ctx:       ctx,
		cancel:    cancel,
		state:     state,
		log:       m.log.WithField("session_id", sessionID),
	}
	m.mu.Lock()
	m.conns[sessionID] = c
	m.mu.Unlock()
	return c
}

func TestEndConversation_RemoteWritesTerminationFlag(t *testing.T) {
	st := testutil.NewFakeStore()
	m, sessions, _ := newTestManager(st, "proc-a", Config{})
	ctx := context.Background()

	if _, err := sessions.Create(ctx, &models.Session{
		SessionID:      "s1",
		Status:         models.SessionActive,
		OwnerProcessID: "proc-b",
	}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := m.EndConversation(ctx, "s1", CloseReasonCallerGone); err != nil {
		t.Fatalf("end conversation: %v", err)
	}

	rec, err := sessions.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !rec.TerminationRequested {
		t.Fatal("termination flag not written to shared record")
	}
	if rec.TerminationReason != CloseReasonCallerGone {
		t.Fatalf("termination reason %q, want %q", rec.TerminationReason, CloseReasonCallerGone)
	}
	if rec.Status != models.SessionTerminating {
		t.Fatalf("status %q, want %q", rec.Status, models.SessionTerminating)
	}
}

func TestEndConversation_UnknownSessionIsNotFound(t *testing.T) {
	st := testutil.NewFakeStore()
	m, _, _ := newTestManager(st, "proc-a", Config{})

	err := m.EndConversation(context.Background(), "ghost", CloseReasonNormal)
	if !utils.IsCode(err, utils.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestEndConversation_LocalClosesAndCleansUp(t *testing.T) {
	st := testutil.NewFakeStore()
	m, sessions, _ := newTestManager(st, "proc-a", Config{})
	ctx := context.Background()

	if _, err := sessions.Create(ctx, &models.Session{
		SessionID:      "s1",
		Status:         models.SessionActive,
		OwnerProcessID: "proc-a",
	}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	var mu sync.Mutex
	var gotState State
	var gotReason string
	done := make(chan struct{})
	m.SetCloseFunc(func(sessionID string, terminal State, reason string) {
		mu.Lock()
		gotState, gotReason = terminal, reason
		mu.Unlock()
		close(done)
	})

	newTrackedConn(m, "s1", StateConnecting)

	if err := m.EndConversation(ctx, "s1", CloseReasonTermination); err != nil {
		t.Fatalf("end conversation: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotState != StateClosed {
		t.Fatalf("terminal state %v, want closed", gotState)
	}
	if gotReason != CloseReasonTermination {
		t.Fatalf("close reason %q, want %q", gotReason, CloseReasonTermination)
	}
	if m.Holds("s1") {
		t.Fatal("connection still tracked after close")
	}

	rec, err := sessions.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if rec.Status != models.SessionClosed || rec.OwnerProcessID != "" {
		t.Fatalf("record not marked terminal: status=%q owner=%q", rec.Status, rec.OwnerProcessID)
	}
}

func TestCoordinationTick_ObservesRemoteTerminationRequest(t *testing.T) {
	st := testutil.NewFakeStore()
	m, sessions, _ := newTestManager(st, "proc-a", Config{})
	ctx := context.Background()

	if _, err := sessions.Create(ctx, &models.Session{
		SessionID: "s1",
		Status:    models.SessionActive,
	}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	c := newTrackedConn(m, "s1", StateOpen)

	if terminate, _ := c.coordinationTick(ctx); terminate {
		t.Fatal("tick reported termination before any request")
	}

	if err := sessions.RequestTermination(ctx, "s1", "operator-hangup"); err != nil {
		t.Fatalf("request termination: %v", err)
	}

	terminate, reason := c.coordinationTick(ctx)
	if !terminate {
		t.Fatal("tick did not observe the termination request")
	}
	if reason != "operator-hangup" {
		t.Fatalf("reason %q, want operator-hangup", reason)
	}
}

func TestCoordinationTick_StoreOutageKeepsCallAlive(t *testing.T) {
	st := testutil.NewFakeStore()
	m, sessions, _ := newTestManager(st, "proc-a", Config{})
	ctx := context.Background()

	if _, err := sessions.Create(ctx, &models.Session{SessionID: "s1", Status: models.SessionActive}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	c := newTrackedConn(m, "s1", StateOpen)

	st.Fail = context.DeadlineExceeded
	if terminate, _ := c.coordinationTick(ctx); terminate {
		t.Fatal("store outage must not terminate the call")
	}
}

func TestSessionExistsAnywhere(t *testing.T) {
	st := testutil.NewFakeStore()
	m, sessions, _ := newTestManager(st, "proc-a", Config{})
	leases := registry.NewLeaseRegistry(st, nil)
	ctx := context.Background()

	if ex := m.SessionExistsAnywhere(ctx, "ghost"); ex.Exists {
		t.Fatal("unknown session reported as existing")
	}

	// Remotely owned, active.
	if _, err := sessions.Create(ctx, &models.Session{
		SessionID:      "remote",
		Status:         models.SessionActive,
		OwnerProcessID: "proc-b",
	}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	leases.Acquire(ctx, "remote", "proc-b", time.Minute)

	ex := m.SessionExistsAnywhere(ctx, "remote")
	if !ex.Exists || ex.Local || ex.Owner != "proc-b" {
		t.Fatalf("remote session: %+v", ex)
	}

	// Terminal record means the AI session is gone even if the record lingers.
	if _, err := sessions.Create(ctx, &models.Session{
		SessionID: "finished",
		Status:    models.SessionClosed,
	}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if ex := m.SessionExistsAnywhere(ctx, "finished"); ex.Exists {
		t.Fatalf("terminal session reported as existing: %+v", ex)
	}

	// Locally held socket wins without touching the store.
	newTrackedConn(m, "local", StateOpen)
	ex = m.SessionExistsAnywhere(ctx, "local")
	if !ex.Exists || !ex.Local || ex.Owner != "proc-a" || ex.Status != "open" {
		t.Fatalf("local session: %+v", ex)
	}
}

func TestReconnectExhaustion_EndsInFailedState(t *testing.T) {
	st := testutil.NewFakeStore()
	cfg := Config{
		// Nothing listens here; every dial fails immediately.
		URL:         "ws://127.0.0.1:1/provider",
		DialTimeout: 250 * time.Millisecond,
		Backoff: Backoff{
			Base:   time.Millisecond,
			Factor: 2,
			Cap:    5 * time.Millisecond,
		},
		MaxReconnectAttempts: 2,
	}
	m, sessions, _ := newTestManager(st, "proc-a", cfg)
	ctx := context.Background()

	done := make(chan string, 1)
	var mu sync.Mutex
	var terminal State
	m.SetCloseFunc(func(sessionID string, state State, reason string) {
		mu.Lock()
		terminal = state
		mu.Unlock()
		done <- reason
	})

	if _, err := sessions.Create(ctx, &models.Session{SessionID: "s1", Status: models.SessionInitializing}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := m.StartConversation(ctx, "s1", AgentConfig{AgentID: "agent-1"}); err != nil {
		t.Fatalf("start conversation: %v", err)
	}

	var reason string
	select {
	case reason = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connection never reached a terminal state")
	}

	if reason != CloseReasonRetriesExhausted {
		t.Fatalf("close reason %q, want %q", reason, CloseReasonRetriesExhausted)
	}
	mu.Lock()
	if terminal != StateFailed {
		t.Fatalf("terminal state %v, want failed", terminal)
	}
	mu.Unlock()
	if m.Holds("s1") {
		t.Fatal("failed connection still tracked")
	}

	rec, err := sessions.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if rec.Status != models.SessionFailed {
		t.Fatalf("record status %q, want %q", rec.Status, models.SessionFailed)
	}
	if st.TTLOf("session:s1:owner") != 0 {
		t.Fatal("ownership lease not released after failure")
	}
}

// flakyProviderServer accepts WebSocket connections and abruptly drops the
// first n of them without a close frame.
func flakyProviderServer(t *testing.T, dropFirst int32) (*httptest.Server, *int32) {
	t.Helper()
	var dials int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&dials, 1)
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if n <= dropFirst {
			_ = ws.Close()
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &dials
}

func waitForState(t *testing.T, m *Manager, sessionID string, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for m.StateOf(sessionID) != want {
		if time.Now().After(deadline) {
			t.Fatalf("connection never reached state %v (now %v)", want, m.StateOf(sessionID))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitForRecordStatus(t *testing.T, sessions session.Service, sessionID, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		rec, err := sessions.Get(context.Background(), sessionID)
		if err == nil && rec.Status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("record never reached status %q (rec=%+v err=%v)", want, rec, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEndConversation_DuringReconnectBackoffIsNotLost(t *testing.T) {
	// Every connection is dropped, so the conn keeps cycling into backoff.
	srv, dials := flakyProviderServer(t, 1<<30)

	st := testutil.NewFakeStore()
	cfg := Config{
		URL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Backoff: Backoff{
			Base:   600 * time.Millisecond,
			Factor: 2,
			Cap:    600 * time.Millisecond,
		},
		MaxReconnectAttempts: 100,
	}
	m, sessions, _ := newTestManager(st, "proc-a", cfg)
	ctx := context.Background()

	done := make(chan string, 1)
	m.SetCloseFunc(func(sessionID string, terminal State, reason string) {
		done <- reason
	})

	if _, err := sessions.Create(ctx, &models.Session{SessionID: "s1", Status: models.SessionActive}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := m.StartConversation(ctx, "s1", AgentConfig{AgentID: "agent-1"}); err != nil {
		t.Fatalf("start conversation: %v", err)
	}

	waitForState(t, m, "s1", StateReconnecting)
	waitForRecordStatus(t, sessions, "s1", models.SessionReconnecting)

	// Termination arriving mid-backoff must stop the retry loop for good.
	if err := m.EndConversation(ctx, "s1", CloseReasonTermination); err != nil {
		t.Fatalf("end conversation: %v", err)
	}

	var reason string
	select {
	case reason = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close callback never fired for a session closed mid-backoff")
	}
	if reason != CloseReasonTermination {
		t.Fatalf("close reason %q, want %q", reason, CloseReasonTermination)
	}
	if m.Holds("s1") {
		t.Fatal("connection still tracked after close")
	}

	waitForRecordStatus(t, sessions, "s1", models.SessionClosed)

	// The backoff sleep would have expired by now; a resurrected session
	// would show up as a fresh dial.
	settled := atomic.LoadInt32(dials)
	time.Sleep(900 * time.Millisecond)
	if got := atomic.LoadInt32(dials); got != settled {
		t.Fatalf("session redialed after termination: dials %d -> %d", settled, got)
	}
}

func TestReconnect_RestoresActiveStatusOnRecord(t *testing.T) {
	// First connection is dropped; the second one stays up.
	srv, _ := flakyProviderServer(t, 1)

	st := testutil.NewFakeStore()
	cfg := Config{
		URL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Backoff: Backoff{
			Base:   50 * time.Millisecond,
			Factor: 2,
			Cap:    50 * time.Millisecond,
		},
		MaxReconnectAttempts: 10,
	}
	m, sessions, _ := newTestManager(st, "proc-a", cfg)
	ctx := context.Background()

	if _, err := sessions.Create(ctx, &models.Session{SessionID: "s1", Status: models.SessionActive}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := m.StartConversation(ctx, "s1", AgentConfig{AgentID: "agent-1"}); err != nil {
		t.Fatalf("start conversation: %v", err)
	}

	// Drop puts the record into reconnecting; the successful redial must
	// bring it back to active.
	waitForRecordStatus(t, sessions, "s1", models.SessionReconnecting)
	waitForRecordStatus(t, sessions, "s1", models.SessionActive)
	waitForState(t, m, "s1", StateOpen)

	if err := m.EndConversation(ctx, "s1", CloseReasonNormal); err != nil {
		t.Fatalf("end conversation: %v", err)
	}
	waitForRecordStatus(t, sessions, "s1", models.SessionClosed)
}

type recordingSink struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSink) SendMedia(streamID, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, payload)
	return nil
}

func TestHandleServerMessage_AudioOutputReachesCaller(t *testing.T) {
	st := testutil.NewFakeStore()
	m, _, rl := newTestManager(st, "proc-a", Config{})
	ctx := context.Background()

	sink := &recordingSink{}
	rl.RegisterCaller("s1", sink)
	rl.OnMediaStreamReady("s1", "MS123")

	m.handleServerMessage(ctx, "s1", ServerMessage{Type: TypeAudioOutput, Payload: "first"})
	m.handleServerMessage(ctx, "s1", ServerMessage{Type: TypeAudioOutput, Payload: "second"})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.sent) != 2 || sink.sent[0] != "first" || sink.sent[1] != "second" {
		t.Fatalf("caller received %v, want [first second]", sink.sent)
	}
}

type recordingArchiver struct {
	mu      sync.Mutex
	entries []string
	seqs    []int64
	roles   []string
}

func (a *recordingArchiver) Append(_ context.Context, sessionID string, seq int64, role, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, text)
	a.seqs = append(a.seqs, seq)
	a.roles = append(a.roles, role)
	return nil
}

func TestHandleServerMessage_TextOutputArchivedWithSequence(t *testing.T) {
	st := testutil.NewFakeStore()
	m, _, _ := newTestManager(st, "proc-a", Config{})
	ctx := context.Background()

	arch := &recordingArchiver{}
	m.SetTranscriptArchiver(arch)

	m.handleServerMessage(ctx, "s1", ServerMessage{Type: TypeTextOutput, Text: "hello", Role: "agent"})
	m.handleServerMessage(ctx, "s1", ServerMessage{Type: TypeTextOutput, Text: "world"})

	arch.mu.Lock()
	defer arch.mu.Unlock()
	if len(arch.entries) != 2 {
		t.Fatalf("archived %d entries, want 2", len(arch.entries))
	}
	if arch.seqs[0] != 1 || arch.seqs[1] != 2 {
		t.Fatalf("transcript seqs %v, want [1 2]", arch.seqs)
	}
	if arch.roles[1] != "agent" {
		t.Fatalf("missing role should default to agent, got %q", arch.roles[1])
	}
}
