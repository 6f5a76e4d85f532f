// Package session manages the shared Session record: one JSON document per
// call in the shared store, written by both the AI-socket owner and the
// media-handling process. The record is eventually consistent; every mutation
// re-fetches before writing and callers must not cache decisions across
// suspension points.
package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/voxwire/voxwire/internal/models"
	"github.com/voxwire/voxwire/internal/store"
	"github.com/voxwire/voxwire/internal/utils"
)

const (
	// RecordTTL bounds how long an abandoned record lingers.
	RecordTTL = time.Hour
	// TerminalRecordTTL keeps finished sessions around for diagnostics.
	TerminalRecordTTL = 24 * time.Hour
)

func recordKey(sessionID string) string { return "session:" + sessionID + ":record" }

type Service interface {
	Create(ctx context.Context, s *models.Session) (*models.Session, error)
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	// Update re-fetches the record, applies mutate, and writes it back.
	Update(ctx context.Context, sessionID string, mutate func(*models.Session)) (*models.Session, error)
	Delete(ctx context.Context, sessionID string) error

	SetMediaStreamID(ctx context.Context, sessionID, streamID string) error
	SetServerHandling(ctx context.Context, sessionID, processID string) error
	SetStatus(ctx context.Context, sessionID, status string) error
	RequestTermination(ctx context.Context, sessionID, reason string) error
}

type service struct {
	store store.Store
}

func NewService(s store.Store) Service {
	return &service{store: s}
}

func (s *service) Create(ctx context.Context, rec *models.Session) (*models.Session, error) {
	const op = "session.Service.Create"

	if rec == nil {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session is required", nil)
	}
	if rec.SessionID == "" {
		rec.SessionID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = models.SessionInitializing
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	if err := s.write(ctx, rec); err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "failed to persist session record", err)
	}
	return rec, nil
}

func (s *service) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	const op = "session.Service.Get"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}

	raw, found, err := s.store.Get(ctx, recordKey(sessionID))
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "failed to read session record", err)
	}
	if !found {
		return nil, utils.E(utils.CodeNotFound, op, "session not found", utils.ErrNotFound)
	}

	var rec models.Session
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, utils.E(utils.CodeInternal, op, "corrupt session record", err)
	}
	return &rec, nil
}

func (s *service) Update(ctx context.Context, sessionID string, mutate func(*models.Session)) (*models.Session, error) {
	const op = "session.Service.Update"

	rec, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	mutate(rec)
	rec.UpdatedAt = time.Now().UTC()

	if err := s.write(ctx, rec); err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "failed to write session record", err)
	}
	return rec, nil
}

func (s *service) Delete(ctx context.Context, sessionID string) error {
	const op = "session.Service.Delete"

	if err := s.store.Del(ctx, recordKey(sessionID)); err != nil {
		return utils.E(utils.CodeUnavailable, op, "failed to delete session record", err)
	}
	return nil
}

func (s *service) SetMediaStreamID(ctx context.Context, sessionID, streamID string) error {
	_, err := s.Update(ctx, sessionID, func(rec *models.Session) {
		rec.MediaStreamID = streamID
	})
	return err
}

func (s *service) SetServerHandling(ctx context.Context, sessionID, processID string) error {
	_, err := s.Update(ctx, sessionID, func(rec *models.Session) {
		rec.ServerHandlingProcessID = processID
	})
	return err
}

func (s *service) SetStatus(ctx context.Context, sessionID, status string) error {
	_, err := s.Update(ctx, sessionID, func(rec *models.Session) {
		rec.Status = status
	})
	return err
}

func (s *service) RequestTermination(ctx context.Context, sessionID, reason string) error {
	_, err := s.Update(ctx, sessionID, func(rec *models.Session) {
		rec.TerminationRequested = true
		rec.TerminationReason = reason
		rec.Status = models.SessionTerminating
	})
	return err
}

func (s *service) write(ctx context.Context, rec *models.Session) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := RecordTTL
	if rec.Terminal() {
		ttl = TerminalRecordTTL
	}
	return s.store.Set(ctx, recordKey(rec.SessionID), string(b), ttl)
}
