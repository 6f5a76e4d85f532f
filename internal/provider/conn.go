package provider

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/voxwire/voxwire/internal/models"
	"github.com/voxwire/voxwire/internal/utils"
)

// State is the per-session connection lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Conn is one session's AI-provider socket and its reconnection state
// machine. All transitions happen on the conn's own goroutines; external
// callers interact through the Manager.
type Conn struct {
	sessionID string
	agent     AgentConfig
	m         *Manager
	log       *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	ws          *websocket.Conn
	state       State
	attempts    int
	closeReason string
	pongTimer   *time.Timer
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.log.WithField("state", s.String()).Debug("provider connection state")
}

// run drives connect -> read -> reconnect until the session closes.
func (c *Conn) run() {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		ws, err := c.dial()
		if err != nil {
			c.log.WithError(err).Warn("provider dial failed")
			if !c.scheduleReconnect() {
				return
			}
			continue
		}

		if c.State() == StateClosing {
			// Closed while the dial was in flight; Close already ran finish.
			_ = ws.Close()
			return
		}

		c.onOpen(ws)

		hbCtx, stopHeartbeat := context.WithCancel(c.ctx)
		go c.heartbeatLoop(hbCtx)

		readErr := c.readLoop(ws)
		stopHeartbeat()
		c.disarmPongTimer()

		if c.isClean(readErr) {
			c.finish(StateClosed)
			return
		}

		c.log.WithError(readErr).Warn("provider socket dropped")
		if !c.scheduleReconnect() {
			return
		}
	}
}

func (c *Conn) dial() (*websocket.Conn, error) {
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(c.ctx, c.m.cfg.DialTimeout)
	defer cancel()

	ws, _, err := c.m.cfg.Dialer.DialContext(dialCtx, c.m.cfg.URL, nil)
	return ws, err
}

// onOpen runs the full open sequence: reset the retry counter, re-send the
// init handshake (required after every reconnect), renew the lease.
func (c *Conn) onOpen(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.attempts = 0
	c.state = StateOpen
	c.mu.Unlock()

	ws.SetPongHandler(func(string) error {
		c.disarmPongTimer()
		return nil
	})

	if err := c.writeJSON(NewInitMessage(c.sessionID, c.agent)); err != nil {
		c.log.WithError(err).Warn("provider init handshake failed")
	}

	c.m.leases.Renew(c.ctx, c.sessionID, c.m.processID, c.m.cfg.LeaseTTL)

	if _, err := c.m.sessions.Update(c.ctx, c.sessionID, func(rec *models.Session) {
		if rec.Status == models.SessionReconnecting {
			rec.Status = models.SessionActive
		}
	}); err != nil && !utils.IsCode(err, utils.CodeNotFound) {
		c.log.WithError(err).Debug("could not mark session active on record")
	}

	c.log.Info("provider socket open")
}

func (c *Conn) readLoop(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		msg, derr := decodeServerMessage(data)
		if derr != nil {
			c.log.WithError(derr).Warn("undecodable provider message")
			continue
		}
		c.m.handleServerMessage(c.ctx, c.sessionID, msg)
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if terminate, reason := c.coordinationTick(ctx); terminate {
				c.log.WithField("reason", reason).Info("termination requested remotely, closing provider socket")
				c.Close(reason)
				return
			}
			c.sendPing()
		}
	}
}

// coordinationTick is the non-transport half of a heartbeat: renew the
// ownership lease and poll the shared record for an out-of-band termination
// request. Returns true when the owner must self-terminate.
func (c *Conn) coordinationTick(ctx context.Context) (bool, string) {
	c.m.leases.Renew(ctx, c.sessionID, c.m.processID, c.m.cfg.LeaseTTL)

	rec, err := c.m.sessions.Get(ctx, c.sessionID)
	if err != nil {
		// Store blip: keep the call alive, skip the check this tick.
		return false, ""
	}
	if rec.TerminationRequested {
		reason := rec.TerminationReason
		if reason == "" {
			reason = "termination-requested"
		}
		return true, reason
	}
	return false, ""
}

// sendPing arms the pong timeout before writing: a missing pong force-closes
// the socket, which surfaces in readLoop and triggers reconnection. The
// provider's app-level protocol cannot be trusted alone for liveness.
func (c *Conn) sendPing() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}

	c.armPongTimer(ws)
	deadline := time.Now().Add(c.m.cfg.PongTimeout)
	if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		c.log.WithError(err).Warn("heartbeat ping failed")
	}
}

func (c *Conn) armPongTimer(ws *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pongTimer != nil {
		c.pongTimer.Stop()
	}
	c.pongTimer = time.AfterFunc(c.m.cfg.PongTimeout, func() {
		c.log.Warn("pong timeout, force-closing provider socket")
		_ = ws.Close()
	})
}

func (c *Conn) disarmPongTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
}

// scheduleReconnect sleeps out the backoff for the next attempt. Returns
// false when the attempt budget is exhausted (after transitioning to failed)
// or when the connection was closed meanwhile.
func (c *Conn) scheduleReconnect() bool {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed || c.state == StateFailed {
		c.mu.Unlock()
		return false
	}
	c.attempts++
	attempt := c.attempts
	c.state = StateReconnecting
	c.mu.Unlock()

	if c.m.cfg.MaxReconnectAttempts > 0 && attempt > c.m.cfg.MaxReconnectAttempts {
		c.log.WithField("attempts", attempt-1).Error("reconnect attempts exhausted")
		c.mu.Lock()
		c.closeReason = CloseReasonRetriesExhausted
		c.mu.Unlock()
		c.finish(StateFailed)
		return false
	}

	// Let remote coordinators tell a session mid-reconnect apart from a
	// healthy one. Best effort.
	if _, err := c.m.sessions.Update(c.ctx, c.sessionID, func(rec *models.Session) {
		if rec.Status == models.SessionActive {
			rec.Status = models.SessionReconnecting
		}
	}); err != nil && !utils.IsCode(err, utils.CodeNotFound) {
		c.log.WithError(err).Debug("could not mark session reconnecting on record")
	}

	delay := c.m.cfg.Backoff.Next(attempt)
	c.log.WithFields(logrus.Fields{
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
	}).Info("scheduling provider reconnect")

	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (c *Conn) isClean(err error) bool {
	if c.State() == StateClosing {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived)
}

// SendAudio forwards one caller audio chunk to the provider.
func (c *Conn) SendAudio(payloadB64 string) error {
	return c.writeJSON(AudioInput{Type: TypeAudioInput, Payload: payloadB64})
}

func (c *Conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return errSocketNotOpen
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(v)
}

// Close is the explicit-termination path: no reconnect, normal close code.
func (c *Conn) Close(reason string) {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	hasReadLoop := c.state == StateOpen
	c.state = StateClosing
	c.closeReason = reason
	ws := c.ws
	c.mu.Unlock()

	if hasReadLoop && ws != nil {
		// The read loop observes the closed socket and unwinds via finish.
		_ = c.writeJSON(EndMessage{Type: TypeSessionEnd, SessionID: c.sessionID, Reason: reason})
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
		_ = ws.Close()
		return
	}

	// Connecting or sleeping out a reconnect backoff: no read loop will ever
	// observe the close, so tear down here. finish cancels the context, which
	// aborts the in-flight dial or the backoff sleep.
	c.finish(StateClosed)
}

// finish performs terminal cleanup: release the lease, drop local state,
// notify the close callback.
func (c *Conn) finish(terminal State) {
	c.disarmPongTimer()
	c.cancel()

	c.mu.Lock()
	if c.state == StateClosed || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	c.state = terminal
	reason := c.closeReason
	if reason == "" {
		reason = CloseReasonNormal
	}
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		_ = ws.Close()
	}

	c.m.onConnFinished(c.sessionID, terminal, reason)
}
