// Package registry implements the distributed ownership lease over the shared
// store. A lease names the process currently holding a session's AI-provider
// socket; it expires unless renewed, which is the self-healing path after a
// process crash.
package registry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/voxwire/voxwire/internal/store"
)

const DefaultLeaseTTL = 30 * time.Second

type LeaseRegistry struct {
	store store.Store
	log   *logrus.Logger
}

func NewLeaseRegistry(s store.Store, log *logrus.Logger) *LeaseRegistry {
	if log == nil {
		log = logrus.New()
	}
	return &LeaseRegistry{store: s, log: log}
}

func leaseKey(sessionID string) string { return "session:" + sessionID + ":owner" }

// Acquire takes the lease via set-if-absent. It never displaces an unexpired
// lease held by another process. Store failures are non-fatal: the caller
// proceeds without the distributed guarantee.
func (r *LeaseRegistry) Acquire(ctx context.Context, sessionID, processID string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	ok, err := r.store.SetNX(ctx, leaseKey(sessionID), processID, ttl)
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"session_id": sessionID,
			"process_id": processID,
		}).Warn("lease acquire failed, proceeding without ownership guarantee")
		return false
	}
	return ok
}

// Renew extends the lease iff it is still held by processID. When the lease
// has expired (missed heartbeats), it falls back to Acquire. A lease held by a
// different process is never displaced.
func (r *LeaseRegistry) Renew(ctx context.Context, sessionID, processID string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	key := leaseKey(sessionID)

	ok, err := r.store.CompareAndSwap(ctx, key, processID, processID, ttl)
	if err != nil {
		r.log.WithError(err).WithField("session_id", sessionID).Warn("lease renew failed")
		return false
	}
	if ok {
		return true
	}

	// Either expired or held elsewhere. Re-acquire only handles the former:
	// SetNX cannot displace a live lease.
	owner, found, err := r.store.Get(ctx, key)
	if err != nil {
		r.log.WithError(err).WithField("session_id", sessionID).Warn("lease lookup failed during renew")
		return false
	}
	if found && owner != processID {
		return false
	}
	return r.Acquire(ctx, sessionID, processID, ttl)
}

// Release deletes the lease iff held by processID. Absence counts as success.
func (r *LeaseRegistry) Release(ctx context.Context, sessionID, processID string) bool {
	ok, err := r.store.CompareAndDelete(ctx, leaseKey(sessionID), processID)
	if err != nil {
		r.log.WithError(err).WithField("session_id", sessionID).Warn("lease release failed")
		return false
	}
	return ok
}

// OwnerOf returns the process currently holding the lease, or "" if none.
func (r *LeaseRegistry) OwnerOf(ctx context.Context, sessionID string) string {
	owner, found, err := r.store.Get(ctx, leaseKey(sessionID))
	if err != nil {
		r.log.WithError(err).WithField("session_id", sessionID).Warn("lease lookup failed")
		return ""
	}
	if !found {
		return ""
	}
	return owner
}
