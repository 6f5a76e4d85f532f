// Package coordinator accepts inbound telephony media-stream connections and
// decides, per session, whether the AI socket is local, remote, or gone,
// acquiring or handing off ownership accordingly before relaying audio.
package coordinator

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/voxwire/voxwire/internal/models"
	"github.com/voxwire/voxwire/internal/provider"
	"github.com/voxwire/voxwire/internal/relay"
	"github.com/voxwire/voxwire/internal/session"
	"github.com/voxwire/voxwire/internal/store"
	"github.com/voxwire/voxwire/internal/telephony"
	"github.com/voxwire/voxwire/internal/utils"
)

// Close codes at the media-stream boundary. Each rejection path gets its own
// code so the provider logs stay diagnosable.
const (
	CloseMissingSessionID     = 4001
	CloseAISessionInactive    = 4002
	CloseSessionNotFound      = 4004
	CloseSessionLost          = 4005
	CloseTerminationRequested = 4006
)

const DefaultGracePeriod = 500 * time.Millisecond

type Config struct {
	ProcessID string
	// GracePeriod is how long to wait after announcing a cross-process
	// handoff before re-reading the session record.
	GracePeriod time.Duration
}

type Coordinator struct {
	cfg      Config
	sessions session.Service
	provider *provider.Manager
	relay    *relay.Relay
	store    store.Store
	log      *logrus.Logger
	upgrader websocket.Upgrader
}

func New(cfg Config, sessions session.Service, pm *provider.Manager, rl *relay.Relay, st store.Store, log *logrus.Logger) *Coordinator {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if log == nil {
		log = logrus.New()
	}
	return &Coordinator{
		cfg:      cfg,
		sessions: sessions,
		provider: pm,
		relay:    rl,
		store:    st,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // telephony infra has no stable origin
		},
	}
}

// mediaConn serializes writes to the media-stream socket.
type mediaConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (w *mediaConn) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.c.WriteJSON(v)
}

// SendMedia implements relay.CallerSink with the minimal payload the media
// protocol accepts.
func (w *mediaConn) SendMedia(streamID, payloadB64 string) error {
	return w.writeJSON(telephony.NewOutboundMedia(streamID, payloadB64))
}

func (w *mediaConn) closeWith(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = w.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = w.c.Close()
}

// MediaStream is the gin endpoint the telephony provider connects to:
// GET /media-stream/:session_id.
func (co *Coordinator) MediaStream(c *gin.Context) {
	sessionID := c.Param("session_id")

	conn, err := co.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	wc := &mediaConn{c: conn}

	if sessionID == "" {
		wc.closeWith(CloseMissingSessionID, "missing session id")
		return
	}

	log := co.log.WithField("session_id", sessionID)
	ctx := c.Request.Context()

	rec, err := co.sessions.Get(ctx, sessionID)
	if err != nil {
		if utils.IsCode(err, utils.CodeNotFound) {
			log.Warn("media stream for unknown session")
			wc.closeWith(CloseSessionNotFound, "session not found")
			return
		}
		log.WithError(err).Error("session store unavailable at coordination time")
		wc.closeWith(CloseSessionNotFound, "session lookup failed")
		return
	}
	if rec.TerminationRequested || rec.Terminal() {
		log.Warn("media stream for session already being torn down")
		wc.closeWith(CloseTerminationRequested, "termination requested")
		return
	}

	exist := co.provider.SessionExistsAnywhere(ctx, sessionID)
	if !exist.Exists {
		log.Warn("media stream for session with no live AI connection")
		// The record is stale; nothing will ever consume this stream.
		_ = co.sessions.Delete(ctx, sessionID)
		wc.closeWith(CloseAISessionInactive, "ai session inactive")
		return
	}

	if err := co.sessions.SetServerHandling(ctx, sessionID, co.cfg.ProcessID); err != nil {
		log.WithError(err).Warn("could not record media-handling process")
	}

	if !exist.Local {
		// Give the owning process one beat to observe the handoff before we
		// commit to this connection.
		time.Sleep(co.cfg.GracePeriod)
		if _, err := co.sessions.Get(ctx, sessionID); err != nil {
			log.Warn("session vanished during ownership coordination")
			wc.closeWith(CloseSessionLost, "session lost during coordination")
			return
		}
	}

	log.WithFields(logrus.Fields{
		"owner": exist.Owner,
		"local": exist.Local,
	}).Info("media stream accepted")

	co.relay.RegisterCaller(sessionID, wc)
	sub := co.store.Subscribe(ctx, relay.CallerChannel(sessionID))
	go co.pumpRelayChannel(sessionID, sub)

	co.readLoop(wc, sessionID, log)

	// Caller leg gone: authoritative end of call.
	co.teardown(sessionID, sub, log)
}

// pumpRelayChannel forwards envelopes published by a remote AI-socket owner
// to the local media stream.
func (co *Coordinator) pumpRelayChannel(sessionID string, sub store.Subscription) {
	for msg := range sub.Messages() {
		env, err := relay.DecodeEnvelope(msg.Payload)
		if err != nil {
			co.log.WithError(err).WithField("session_id", sessionID).Warn("undecodable envelope on caller channel")
			continue
		}
		co.relay.DeliverToCaller(env)
	}
}

func (co *Coordinator) readLoop(wc *mediaConn, sessionID string, log *logrus.Entry) {
	ctx := context.Background()
	for {
		_, data, err := wc.c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.WithError(err).Warn("media stream read error")
			}
			return
		}

		ev, derr := telephony.DecodeStreamEvent(data)
		if derr != nil {
			log.WithError(derr).Warn("undecodable media-stream event")
			continue
		}

		switch ev.Event {
		case telephony.EventConnected:
			// informational only

		case telephony.EventStart:
			if ev.Start == nil {
				continue
			}
			streamSID := ev.Start.StreamSID
			if streamSID == "" {
				streamSID = ev.StreamSID
			}
			if err := co.sessions.SetMediaStreamID(ctx, sessionID, streamSID); err != nil {
				log.WithError(err).Warn("could not record media stream id")
			}
			co.relay.OnMediaStreamReady(sessionID, streamSID)
			log.WithField("stream_sid", streamSID).Info("media stream started")

		case telephony.EventMedia:
			if ev.Media == nil || ev.Media.Payload == "" {
				continue
			}
			seq := co.relay.NextSeq(sessionID, relay.SourceCaller)
			env := relay.NewEnvelope(sessionID, seq, ev.Media.Payload, relay.SourceCaller, co.cfg.ProcessID)
			co.relay.RelayToProvider(ctx, env)

		case telephony.EventStop:
			log.Info("media stream stopped by provider")
			return

		case telephony.EventMark:
			// playback checkpoint, nothing to do

		default:
			log.WithField("event", ev.Event).Debug("unhandled media-stream event")
		}
	}
}

// teardown runs on any media-stream close: disconnection of the caller leg is
// the authoritative end of the call.
func (co *Coordinator) teardown(sessionID string, sub store.Subscription, log *logrus.Entry) {
	co.relay.UnregisterCaller(sessionID)
	_ = sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := co.provider.EndConversation(ctx, sessionID, provider.CloseReasonCallerGone); err != nil && !utils.IsCode(err, utils.CodeNotFound) {
		log.WithError(err).Warn("could not end AI conversation on media-stream close")
	}

	if _, err := co.sessions.Update(ctx, sessionID, func(rec *models.Session) {
		if !rec.Terminal() {
			rec.Status = models.SessionTerminating
		}
		rec.ServerHandlingProcessID = ""
	}); err != nil && !utils.IsCode(err, utils.CodeNotFound) {
		log.WithError(err).Warn("could not update session on media-stream close")
	}

	log.Info("media stream torn down")
}
