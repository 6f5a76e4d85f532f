// Package testutil provides in-memory fakes for the shared store so
// cross-process coordination can be exercised in unit tests: two components
// sharing one FakeStore behave like two processes sharing one Redis.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/voxwire/voxwire/internal/store"
)

type entry struct {
	val       string
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// FakeStore is a goroutine-safe in-memory store.Store with expiring keys and
// pub/sub channels.
type FakeStore struct {
	mu   sync.Mutex
	data map[string]entry
	subs map[string][]*fakeSubscription

	// Fail, when set, makes every operation return it. Simulates a store
	// outage.
	Fail error

	published map[string][]string // channel -> payloads, for assertions
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		data:      make(map[string]entry),
		subs:      make(map[string][]*fakeSubscription),
		published: make(map[string][]string),
	}
}

func (f *FakeStore) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail != nil {
		return "", false, f.Fail
	}
	e, ok := f.data[key]
	if !ok || e.expired(time.Now()) {
		delete(f.data, key)
		return "", false, nil
	}
	return e.val, true, nil
}

func (f *FakeStore) Set(_ context.Context, key, val string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail != nil {
		return f.Fail
	}
	f.data[key] = newEntry(val, ttl)
	return nil
}

func (f *FakeStore) SetNX(_ context.Context, key, val string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail != nil {
		return false, f.Fail
	}
	if e, ok := f.data[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	f.data[key] = newEntry(val, ttl)
	return true, nil
}

func (f *FakeStore) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail != nil {
		return f.Fail
	}
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *FakeStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail != nil {
		return false, f.Fail
	}
	e, ok := f.data[key]
	if !ok || e.expired(time.Now()) {
		return false, nil
	}
	e.expiresAt = time.Now().Add(ttl)
	f.data[key] = e
	return true, nil
}

func (f *FakeStore) CompareAndSwap(_ context.Context, key, expect, next string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail != nil {
		return false, f.Fail
	}
	e, ok := f.data[key]
	if !ok || e.expired(time.Now()) || e.val != expect {
		return false, nil
	}
	f.data[key] = newEntry(next, ttl)
	return true, nil
}

func (f *FakeStore) CompareAndDelete(_ context.Context, key, expect string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail != nil {
		return false, f.Fail
	}
	e, ok := f.data[key]
	if !ok || e.expired(time.Now()) {
		delete(f.data, key)
		return true, nil
	}
	if e.val != expect {
		return false, nil
	}
	delete(f.data, key)
	return true, nil
}

func (f *FakeStore) Publish(_ context.Context, channel, payload string) error {
	f.mu.Lock()
	if f.Fail != nil {
		f.mu.Unlock()
		return f.Fail
	}
	f.published[channel] = append(f.published[channel], payload)
	subs := append([]*fakeSubscription(nil), f.subs[channel]...)
	f.mu.Unlock()

	for _, s := range subs {
		s.deliver(store.Message{Channel: channel, Payload: payload})
	}
	return nil
}

func (f *FakeStore) Subscribe(_ context.Context, channels ...string) store.Subscription {
	sub := &fakeSubscription{
		store:    f,
		channels: channels,
		out:      make(chan store.Message, 64),
	}
	f.mu.Lock()
	for _, ch := range channels {
		f.subs[ch] = append(f.subs[ch], sub)
	}
	f.mu.Unlock()
	return sub
}

// Published returns payloads published to a channel, for assertions.
func (f *FakeStore) Published(channel string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published[channel]...)
}

// TTLOf returns the remaining TTL for a key, or zero when the key is absent
// or has no expiry.
func (f *FakeStore) TTLOf(key string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.data[key]
	if !ok || e.expiresAt.IsZero() {
		return 0
	}
	return time.Until(e.expiresAt)
}

// ExpireNow force-expires a key, simulating TTL passage.
func (f *FakeStore) ExpireNow(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
}

func newEntry(val string, ttl time.Duration) entry {
	e := entry{val: val}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	return e
}

type fakeSubscription struct {
	store    *FakeStore
	channels []string

	mu     sync.Mutex
	closed bool
	out    chan store.Message
}

func (s *fakeSubscription) deliver(m store.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- m:
	default: // drop when the consumer is slow, like real pub/sub
	}
}

func (s *fakeSubscription) Messages() <-chan store.Message { return s.out }

func (s *fakeSubscription) Close() error {
	s.store.mu.Lock()
	for _, ch := range s.channels {
		list := s.store.subs[ch]
		for i, sub := range list {
			if sub == s {
				s.store.subs[ch] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	s.store.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}
