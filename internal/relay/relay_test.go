package relay

import (
	"context"
	"sync"
	"testing"

	"github.com/voxwire/voxwire/internal/models"
	"github.com/voxwire/voxwire/internal/session"
	"github.com/voxwire/voxwire/internal/testutil"
)

type fakeSink struct {
	mu   sync.Mutex
	sent []string // payloads, in delivery order
	err  error
}

func (s *fakeSink) SendMedia(streamID, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, payload)
	return nil
}

func (s *fakeSink) payloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type fakeProvider struct {
	mu    sync.Mutex
	held  map[string]bool
	audio []string
}

func (p *fakeProvider) Holds(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held[sessionID]
}

func (p *fakeProvider) SendAudio(sessionID, payload string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audio = append(p.audio, payload)
	return nil
}

func newTestRelay(st *testutil.FakeStore, processID string) (*Relay, session.Service) {
	sessions := session.NewService(st)
	return New(st, sessions, processID, nil), sessions
}

func TestRelayToCaller_BuffersUntilStreamReadyThenFlushesInOrder(t *testing.T) {
	st := testutil.NewFakeStore()
	r, _ := newTestRelay(st, "proc-a")
	ctx := context.Background()

	sink := &fakeSink{}
	r.RegisterCaller("s1", sink)

	// Chunks arrive before the telephony start event, out of order.
	for _, seq := range []int64{2, 1, 3} {
		r.RelayToCaller(ctx, NewEnvelope("s1", seq, "chunk-"+string(rune('0'+seq)), SourceProvider, "proc-a"))
	}
	if got := sink.payloads(); len(got) != 0 {
		t.Fatalf("delivered %d chunks before stream was ready", len(got))
	}

	r.OnMediaStreamReady("s1", "MS123")

	want := []string{"chunk-1", "chunk-2", "chunk-3"}
	got := sink.payloads()
	if len(got) != len(want) {
		t.Fatalf("flushed %d chunks, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("flush position %d: %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRelayToCaller_PublishesWhenAnotherProcessHandlesMedia(t *testing.T) {
	st := testutil.NewFakeStore()
	r, sessions := newTestRelay(st, "proc-a")
	ctx := context.Background()

	rec, err := sessions.Create(ctx, &models.Session{SessionID: "s1", Status: models.SessionActive})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := sessions.SetServerHandling(ctx, rec.SessionID, "proc-b"); err != nil {
		t.Fatalf("set handling process: %v", err)
	}

	env := NewEnvelope("s1", 7, "remote-audio", SourceProvider, "proc-a")
	r.RelayToCaller(ctx, env)

	published := st.Published(CallerChannel("s1"))
	if len(published) != 1 {
		t.Fatalf("published %d envelopes, want 1", len(published))
	}
	decoded, err := DecodeEnvelope(published[0])
	if err != nil {
		t.Fatalf("decode published envelope: %v", err)
	}
	if decoded.Seq != 7 || decoded.Payload != "remote-audio" || decoded.ProcessID != "proc-a" {
		t.Fatalf("envelope mangled in transit: %+v", decoded)
	}
}

func TestRelayToCaller_AmbiguousOwnershipBuffersInsteadOfPublishing(t *testing.T) {
	st := testutil.NewFakeStore()
	r, _ := newTestRelay(st, "proc-a")
	ctx := context.Background()

	// No local caller, no session record: ownership is unknowable.
	r.RelayToCaller(ctx, NewEnvelope("s1", 1, "held", SourceProvider, "proc-a"))

	if n := len(st.Published(CallerChannel("s1"))); n != 0 {
		t.Fatalf("published %d envelopes under ambiguous ownership, want 0", n)
	}

	// When the media stream does land here, the held chunk is recovered.
	sink := &fakeSink{}
	r.RegisterCaller("s1", sink)
	r.OnMediaStreamReady("s1", "MS123")

	got := sink.payloads()
	if len(got) != 1 || got[0] != "held" {
		t.Fatalf("buffered chunk not recovered: %v", got)
	}
}

func TestDeliverToCaller_NeverRepublishes(t *testing.T) {
	st := testutil.NewFakeStore()
	r, _ := newTestRelay(st, "proc-a")

	// Envelope arrives over pub/sub but no caller is registered here. A
	// republish would let two confused processes bounce the chunk forever.
	r.DeliverToCaller(NewEnvelope("s1", 1, "stray", SourceProvider, "proc-b"))

	if n := len(st.Published(CallerChannel("s1"))); n != 0 {
		t.Fatalf("pub/sub delivery republished %d envelopes", n)
	}
}

func TestDeliverToCaller_DiscardsStaleSequence(t *testing.T) {
	st := testutil.NewFakeStore()
	r, _ := newTestRelay(st, "proc-a")

	sink := &fakeSink{}
	r.RegisterCaller("s1", sink)
	r.OnMediaStreamReady("s1", "MS123")

	r.DeliverToCaller(NewEnvelope("s1", 5, "fresh", SourceProvider, "proc-b"))
	r.DeliverToCaller(NewEnvelope("s1", 3, "stale", SourceProvider, "proc-b"))
	r.DeliverToCaller(NewEnvelope("s1", 6, "next", SourceProvider, "proc-b"))

	want := []string{"fresh", "next"}
	got := sink.payloads()
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered %v, want %v", got, want)
		}
	}
}

func TestRelayToProvider_LocalAndRemote(t *testing.T) {
	st := testutil.NewFakeStore()
	r, _ := newTestRelay(st, "proc-a")
	ctx := context.Background()

	p := &fakeProvider{held: map[string]bool{"s1": true}}
	r.SetProvider(p)

	r.RelayToProvider(ctx, NewEnvelope("s1", 1, "local-audio", SourceCaller, "proc-a"))
	if len(p.audio) != 1 || p.audio[0] != "local-audio" {
		t.Fatalf("local provider did not receive audio: %v", p.audio)
	}
	if n := len(st.Published(ProviderChannel("s1"))); n != 0 {
		t.Fatalf("locally held session still published %d envelopes", n)
	}

	// Not held here: goes out on the provider channel toward the owner.
	r.RelayToProvider(ctx, NewEnvelope("s2", 1, "remote-audio", SourceCaller, "proc-a"))
	published := st.Published(ProviderChannel("s2"))
	if len(published) != 1 {
		t.Fatalf("published %d envelopes for remote session, want 1", len(published))
	}
	decoded, err := DecodeEnvelope(published[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Payload != "remote-audio" {
		t.Fatalf("payload mangled: %q", decoded.Payload)
	}
}

func TestCrossProcessRoundTrip_PreservesPayloadAndSeq(t *testing.T) {
	// One shared store, two relays: process A owns the AI socket, process B
	// holds the media stream.
	st := testutil.NewFakeStore()
	relayA, sessions := newTestRelay(st, "proc-a")
	relayB, _ := newTestRelay(st, "proc-b")
	ctx := context.Background()

	if _, err := sessions.Create(ctx, &models.Session{SessionID: "s1", Status: models.SessionActive}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := sessions.SetServerHandling(ctx, "s1", "proc-b"); err != nil {
		t.Fatalf("set handling process: %v", err)
	}

	sink := &fakeSink{}
	relayB.RegisterCaller("s1", sink)
	relayB.OnMediaStreamReady("s1", "MS123")

	sub := st.Subscribe(ctx, CallerChannel("s1"))
	defer sub.Close()

	seq := relayA.NextSeq("s1", SourceProvider)
	relayA.RelayToCaller(ctx, NewEnvelope("s1", seq, "YWJj", SourceProvider, "proc-a"))

	msg := <-sub.Messages()
	env, err := DecodeEnvelope(msg.Payload)
	if err != nil {
		t.Fatalf("decode relayed envelope: %v", err)
	}
	relayB.DeliverToCaller(env)

	got := sink.payloads()
	if len(got) != 1 || got[0] != "YWJj" {
		t.Fatalf("payload altered crossing processes: %v", got)
	}
	if env.Seq != seq {
		t.Fatalf("seq altered crossing processes: got %d, want %d", env.Seq, seq)
	}
}
