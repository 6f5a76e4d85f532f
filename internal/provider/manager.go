// Package provider owns the live socket connections to the conversational-AI
// backend, one per active session, including heartbeat liveness,
// reconnect-with-backoff, and distributed-ownership bookkeeping.
package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/voxwire/voxwire/internal/models"
	"github.com/voxwire/voxwire/internal/registry"
	"github.com/voxwire/voxwire/internal/relay"
	"github.com/voxwire/voxwire/internal/session"
	"github.com/voxwire/voxwire/internal/store"
	"github.com/voxwire/voxwire/internal/utils"
)

var errSocketNotOpen = errors.New("provider socket not open")

// Close reasons surfaced through the close callback.
const (
	CloseReasonNormal           = "normal-closure"
	CloseReasonTermination      = "termination-requested"
	CloseReasonRetriesExhausted = "reconnect-attempts-exhausted"
	CloseReasonCallerGone       = "caller-disconnected"
)

type Config struct {
	URL                  string
	Dialer               *websocket.Dialer
	DialTimeout          time.Duration
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration
	LeaseTTL             time.Duration
	Backoff              Backoff
	MaxReconnectAttempts int // 0 = unbounded
}

func (c *Config) defaults() {
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 5 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = registry.DefaultLeaseTTL
	}
	if c.Backoff == (Backoff{}) {
		c.Backoff = DefaultBackoff()
	}
}

// Existence is the answer to "does this AI session live anywhere?".
type Existence struct {
	Exists bool
	Local  bool
	Owner  string
	Status string
}

// TranscriptArchiver persists text output as a side channel. Failures must
// never abort the relay.
type TranscriptArchiver interface {
	Append(ctx context.Context, sessionID string, seq int64, role, text string) error
}

// CloseFunc is notified once per session when its connection reaches a
// terminal state.
type CloseFunc func(sessionID string, terminal State, reason string)

// Manager is the explicit per-process registry of live AI connections,
// constructed at startup and injected wherever it is needed.
type Manager struct {
	cfg       Config
	store     store.Store
	sessions  session.Service
	leases    *registry.LeaseRegistry
	relay     *relay.Relay
	processID string
	log       *logrus.Logger

	transcripts TranscriptArchiver
	onClose     CloseFunc

	mu    sync.Mutex
	conns map[string]*Conn
	subs  map[string]store.Subscription
	tseq  map[string]int64 // transcript sequence per session
}

func NewManager(cfg Config, st store.Store, sessions session.Service, leases *registry.LeaseRegistry, rl *relay.Relay, processID string, log *logrus.Logger) *Manager {
	cfg.defaults()
	if log == nil {
		log = logrus.New()
	}
	m := &Manager{
		cfg:       cfg,
		store:     st,
		sessions:  sessions,
		leases:    leases,
		relay:     rl,
		processID: processID,
		log:       log,
		conns:     make(map[string]*Conn),
		subs:      make(map[string]store.Subscription),
		tseq:      make(map[string]int64),
	}
	rl.SetProvider(m)
	return m
}

// SetTranscriptArchiver wires the optional transcript side channel.
func (m *Manager) SetTranscriptArchiver(a TranscriptArchiver) { m.transcripts = a }

// SetCloseFunc registers the terminal-state callback.
func (m *Manager) SetCloseFunc(f CloseFunc) { m.onClose = f }

// StartConversation registers the session and kicks off the asynchronous
// connect. A failed lease acquisition is logged but does not block: the
// connection is still tracked locally in degraded mode.
func (m *Manager) StartConversation(ctx context.Context, sessionID string, agent AgentConfig) (string, error) {
	const op = "provider.Manager.StartConversation"

	if sessionID == "" {
		return "", utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}

	m.mu.Lock()
	if _, exists := m.conns[sessionID]; exists {
		m.mu.Unlock()
		return sessionID, nil
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		sessionID: sessionID,
		agent:     agent,
		m:         m,
		ctx:       connCtx,
		cancel:    cancel,
		state:     StateConnecting,
		log:       m.log.WithField("session_id", sessionID),
	}
	m.conns[sessionID] = c
	m.mu.Unlock()

	if !m.leases.Acquire(ctx, sessionID, m.processID, m.cfg.LeaseTTL) {
		m.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"owner":      m.leases.OwnerOf(ctx, sessionID),
		}).Warn("could not claim ownership lease, tracking connection locally anyway")
	}

	if _, err := m.sessions.Update(ctx, sessionID, func(rec *models.Session) {
		rec.OwnerProcessID = m.processID
		rec.Status = models.SessionActive
	}); err != nil {
		m.log.WithError(err).WithField("session_id", sessionID).Warn("could not record ownership on session")
	}

	m.subscribeProviderChannel(connCtx, sessionID)

	go c.run()
	return sessionID, nil
}

// subscribeProviderChannel listens for caller audio published by a remote
// media-handling process and feeds it into the local socket.
func (m *Manager) subscribeProviderChannel(ctx context.Context, sessionID string) {
	sub := m.store.Subscribe(ctx, relay.ProviderChannel(sessionID))
	m.mu.Lock()
	m.subs[sessionID] = sub
	m.mu.Unlock()

	go func() {
		for msg := range sub.Messages() {
			env, err := relay.DecodeEnvelope(msg.Payload)
			if err != nil {
				m.log.WithError(err).WithField("session_id", sessionID).Warn("undecodable envelope on provider channel")
				continue
			}
			if env.ProcessID == m.processID {
				continue // our own publish echoed back
			}
			if err := m.SendAudio(sessionID, env.Payload); err != nil {
				m.log.WithError(err).WithFields(logrus.Fields{
					"session_id": sessionID,
					"seq":        env.Seq,
				}).Warn("audio discarded: provider socket not writable")
			}
		}
	}()
}

// Holds reports whether this process currently tracks the session's socket.
func (m *Manager) Holds(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[sessionID]
	return ok
}

// SendAudio forwards caller audio into the locally held socket.
func (m *Manager) SendAudio(sessionID, payloadB64 string) error {
	m.mu.Lock()
	c, ok := m.conns[sessionID]
	m.mu.Unlock()
	if !ok {
		return errSocketNotOpen
	}
	return c.SendAudio(payloadB64)
}

// StateOf returns the local connection state, or StateClosed when untracked.
func (m *Manager) StateOf(sessionID string) State {
	m.mu.Lock()
	c, ok := m.conns[sessionID]
	m.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return c.State()
}

// ActiveSessions lists the session ids this process holds sockets for.
func (m *Manager) ActiveSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for id := range m.conns {
		out = append(out, id)
	}
	return out
}

// EndConversation terminates the session's AI socket. If the socket lives in
// another process, the termination request is written onto the shared record
// for the owner's heartbeat loop to observe; that is the only cross-process
// control signal.
func (m *Manager) EndConversation(ctx context.Context, sessionID, reason string) error {
	const op = "provider.Manager.EndConversation"

	if reason == "" {
		reason = CloseReasonNormal
	}

	m.mu.Lock()
	c, local := m.conns[sessionID]
	m.mu.Unlock()

	if local {
		c.Close(reason)
		return nil
	}

	rec, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		if utils.IsCode(err, utils.CodeNotFound) {
			return utils.E(utils.CodeNotFound, op, "session not found anywhere", err)
		}
		return utils.E(utils.CodeUnavailable, op, "could not reach session store", err)
	}
	if rec.Terminal() {
		return nil
	}

	if err := m.sessions.RequestTermination(ctx, sessionID, reason); err != nil {
		return utils.E(utils.CodeUnavailable, op, "could not write termination request", err)
	}
	m.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"owner":      rec.OwnerProcessID,
		"reason":     reason,
	}).Info("termination requested on remotely owned session")
	return nil
}

// SessionExistsAnywhere checks local state first, then the shared record and
// the ownership lease.
func (m *Manager) SessionExistsAnywhere(ctx context.Context, sessionID string) Existence {
	m.mu.Lock()
	c, local := m.conns[sessionID]
	m.mu.Unlock()

	if local {
		return Existence{Exists: true, Local: true, Owner: m.processID, Status: c.State().String()}
	}

	rec, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return Existence{}
	}
	owner := m.leases.OwnerOf(ctx, sessionID)
	if owner == "" {
		owner = rec.OwnerProcessID
	}
	exists := !rec.Terminal() && owner != ""
	return Existence{Exists: exists, Owner: owner, Status: rec.Status}
}

// handleServerMessage dispatches one decoded provider message.
func (m *Manager) handleServerMessage(ctx context.Context, sessionID string, msg ServerMessage) {
	switch msg.Type {
	case TypeAudioOutput:
		seq := m.relay.NextSeq(sessionID, relay.SourceProvider)
		env := relay.NewEnvelope(sessionID, seq, msg.Payload, relay.SourceProvider, m.processID)
		m.relay.RelayToCaller(ctx, env)

	case TypeTextOutput:
		if m.transcripts == nil {
			return
		}
		m.mu.Lock()
		m.tseq[sessionID]++
		seq := m.tseq[sessionID]
		m.mu.Unlock()
		role := msg.Role
		if role == "" {
			role = "agent"
		}
		if err := m.transcripts.Append(ctx, sessionID, seq, role, msg.Text); err != nil {
			m.log.WithError(err).WithField("session_id", sessionID).Warn("transcript archive failed")
		}

	case TypeSessionReady:
		m.log.WithField("session_id", sessionID).Info("provider session ready")

	case TypeError:
		m.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"code":       msg.Code,
			"message":    msg.Message,
		}).Warn("provider reported error")
	}
}

// onConnFinished is the terminal cleanup: release the lease, drop local
// state, mark the shared record, fire the callback.
func (m *Manager) onConnFinished(sessionID string, terminal State, reason string) {
	m.mu.Lock()
	delete(m.conns, sessionID)
	sub := m.subs[sessionID]
	delete(m.subs, sessionID)
	delete(m.tseq, sessionID)
	m.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m.leases.Release(ctx, sessionID, m.processID)

	status := models.SessionClosed
	if terminal == StateFailed {
		status = models.SessionFailed
	}
	if _, err := m.sessions.Update(ctx, sessionID, func(rec *models.Session) {
		rec.Status = status
		rec.OwnerProcessID = ""
	}); err != nil && !utils.IsCode(err, utils.CodeNotFound) {
		m.log.WithError(err).WithField("session_id", sessionID).Warn("could not mark session terminal")
	}

	m.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"state":      terminal.String(),
		"reason":     reason,
	}).Info("provider conversation finished")

	if m.onClose != nil {
		m.onClose(sessionID, terminal, reason)
	}
}
