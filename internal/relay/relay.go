// Package relay routes audio chunks between the telephony media-stream socket
// and the AI-provider socket, across processes when the two sockets live in
// different ones. Every chunk's fate is logged as delivered, buffered,
// published, or discarded; nothing is dropped silently.
package relay

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/voxwire/voxwire/internal/session"
	"github.com/voxwire/voxwire/internal/store"
)

// CallerSink delivers media to a caller-facing transport. Implementations
// must send the minimal payload the telephony media protocol recognizes;
// extra metadata fields get packets silently discarded by the provider.
type CallerSink interface {
	SendMedia(streamID, payloadB64 string) error
}

// ProviderLocal is the view of locally held AI-provider connections.
type ProviderLocal interface {
	Holds(sessionID string) bool
	SendAudio(sessionID, payloadB64 string) error
}

type callerEntry struct {
	sink     CallerSink
	streamID string
	lastSeq  int64
}

type Relay struct {
	store     store.Store
	sessions  session.Service
	processID string
	log       *logrus.Logger
	bufferCap int

	mu       sync.Mutex
	provider ProviderLocal
	callers  map[string]*callerEntry
	buffers  map[string]*PendingBuffer
	seqs     map[string]int64
}

func New(st store.Store, sessions session.Service, processID string, log *logrus.Logger) *Relay {
	if log == nil {
		log = logrus.New()
	}
	return &Relay{
		store:     st,
		sessions:  sessions,
		processID: processID,
		log:       log,
		bufferCap: DefaultBufferCap,
		callers:   make(map[string]*callerEntry),
		buffers:   make(map[string]*PendingBuffer),
		seqs:      make(map[string]int64),
	}
}

// SetProvider wires the local AI-connection registry. Set once at startup;
// processes without a provider leg (pure API servers) leave it nil.
func (r *Relay) SetProvider(p ProviderLocal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provider = p
}

// NextSeq allocates the next per-session, per-direction sequence number.
func (r *Relay) NextSeq(sessionID, source string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sessionID + ":" + source
	r.seqs[key]++
	return r.seqs[key]
}

// RegisterCaller announces that this process holds the media-stream socket
// for the session. The stream handle is usually not known yet; chunks arriving
// before OnMediaStreamReady are held in the pending buffer.
func (r *Relay) RegisterCaller(sessionID string, sink CallerSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callers[sessionID] = &callerEntry{sink: sink}
}

// UnregisterCaller drops the local media-stream registration and any pending
// audio for the session.
func (r *Relay) UnregisterCaller(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if buf, ok := r.buffers[sessionID]; ok && buf.Len() > 0 {
		r.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"discarded":  buf.Len(),
		}).Warn("audio discarded: caller gone with chunks still pending")
	}
	delete(r.callers, sessionID)
	delete(r.buffers, sessionID)
	delete(r.seqs, sessionID+":"+SourceProvider)
	delete(r.seqs, sessionID+":"+SourceCaller)
}

// OnMediaStreamReady records the transport stream handle and flushes the
// pending buffer in sequence order.
func (r *Relay) OnMediaStreamReady(sessionID, streamID string) {
	r.mu.Lock()
	entry, ok := r.callers[sessionID]
	if !ok {
		r.mu.Unlock()
		r.log.WithField("session_id", sessionID).Warn("media stream ready for unregistered session")
		return
	}
	entry.streamID = streamID
	buf := r.buffers[sessionID]
	delete(r.buffers, sessionID)
	r.mu.Unlock()

	if buf == nil {
		return
	}
	pending := buf.Drain()
	for _, env := range pending {
		r.deliver(entry, env)
	}
	if len(pending) > 0 {
		r.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"flushed":    len(pending),
			"stream_id":  streamID,
		}).Info("flushed pending audio to media stream")
	}
}

// RelayToCaller routes AI-produced audio toward the caller. Local delivery
// when this process holds the media socket, pub/sub otherwise. Ambiguous
// ownership buffers the chunk rather than publishing defensively.
func (r *Relay) RelayToCaller(ctx context.Context, env Envelope) {
	r.mu.Lock()
	entry, local := r.callers[env.SessionID]
	r.mu.Unlock()

	if local {
		r.deliverOrBuffer(entry, env)
		return
	}

	rec, err := r.sessions.Get(ctx, env.SessionID)
	if err == nil && rec.ServerHandlingProcessID != "" && rec.ServerHandlingProcessID != r.processID {
		if perr := r.store.Publish(ctx, CallerChannel(env.SessionID), env.Encode()); perr != nil {
			r.log.WithError(perr).WithField("session_id", env.SessionID).Warn("audio discarded: publish to caller channel failed")
			return
		}
		r.log.WithFields(logrus.Fields{
			"session_id": env.SessionID,
			"seq":        env.Seq,
			"target":     rec.ServerHandlingProcessID,
		}).Debug("audio published to caller channel")
		return
	}

	// No media socket anywhere we can see. Hold the chunk until a media
	// stream registers here or the session is torn down.
	r.bufferLocked(env)
}

// DeliverToCaller handles envelopes arriving over the session's relay
// channel. Local delivery only: never re-publishes, so a routing race cannot
// bounce a chunk between processes.
func (r *Relay) DeliverToCaller(env Envelope) {
	r.mu.Lock()
	entry, ok := r.callers[env.SessionID]
	r.mu.Unlock()
	if !ok {
		r.bufferLocked(env)
		return
	}
	r.deliverOrBuffer(entry, env)
}

// RelayToProvider routes caller audio toward the AI socket: direct when this
// process owns it, pub/sub toward the owner otherwise.
func (r *Relay) RelayToProvider(ctx context.Context, env Envelope) {
	r.mu.Lock()
	p := r.provider
	r.mu.Unlock()

	if p != nil && p.Holds(env.SessionID) {
		if err := p.SendAudio(env.SessionID, env.Payload); err != nil {
			r.log.WithError(err).WithField("session_id", env.SessionID).Warn("audio discarded: local provider send failed")
		}
		return
	}

	if err := r.store.Publish(ctx, ProviderChannel(env.SessionID), env.Encode()); err != nil {
		r.log.WithError(err).WithField("session_id", env.SessionID).Warn("audio discarded: publish to provider channel failed")
	}
}

func (r *Relay) deliverOrBuffer(entry *callerEntry, env Envelope) {
	r.mu.Lock()
	streamID := entry.streamID
	r.mu.Unlock()

	if streamID == "" {
		r.bufferLocked(env)
		return
	}
	r.deliver(entry, env)
}

func (r *Relay) deliver(entry *callerEntry, env Envelope) {
	r.mu.Lock()
	streamID := entry.streamID
	if env.Seq > 0 && env.Seq < entry.lastSeq {
		r.mu.Unlock()
		// Replayed or out-of-order duplicate; delivering it would break the
		// non-decreasing order contract at the telephony leg.
		r.log.WithFields(logrus.Fields{
			"session_id": env.SessionID,
			"seq":        env.Seq,
		}).Warn("audio discarded: stale sequence number")
		return
	}
	if env.Seq > entry.lastSeq {
		entry.lastSeq = env.Seq
	}
	r.mu.Unlock()

	if err := entry.sink.SendMedia(streamID, env.Payload); err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"session_id": env.SessionID,
			"seq":        env.Seq,
		}).Warn("audio discarded: media stream write failed")
		return
	}
	r.log.WithFields(logrus.Fields{
		"session_id": env.SessionID,
		"seq":        env.Seq,
	}).Debug("audio delivered to media stream")
}

func (r *Relay) bufferLocked(env Envelope) {
	r.mu.Lock()
	buf, ok := r.buffers[env.SessionID]
	if !ok {
		buf = NewPendingBuffer(r.bufferCap)
		r.buffers[env.SessionID] = buf
	}
	r.mu.Unlock()

	if evicted, dropped := buf.Push(env); dropped {
		r.log.WithFields(logrus.Fields{
			"session_id": env.SessionID,
			"seq":        evicted.Seq,
		}).Warn("audio discarded: pending buffer full, evicted oldest")
	}
	r.log.WithFields(logrus.Fields{
		"session_id": env.SessionID,
		"seq":        env.Seq,
	}).Debug("audio buffered: media stream handle not known yet")
}
