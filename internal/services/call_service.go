package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/voxwire/voxwire/internal/models"
	pgrepo "github.com/voxwire/voxwire/internal/repositories/postgres"
	"github.com/voxwire/voxwire/internal/utils"
	"gorm.io/datatypes"
)

// CallService is the side-channel call history. It must never be on the
// relay's critical path: callers log failures and move on.
type CallService interface {
	Record(ctx context.Context, sessionID, callSID, from, to, direction, agentID string, metadataJSON []byte) (*models.CallLog, error)
	GetBySession(ctx context.Context, sessionID string) (*models.CallLog, error)
	UpdateStatus(ctx context.Context, sessionID, status string) error
	ListRecent(ctx context.Context, limit int) ([]models.CallLog, error)
}

type callService struct {
	calls pgrepo.CallRepo
}

func NewCallService(calls pgrepo.CallRepo) CallService {
	return &callService{calls: calls}
}

func (s *callService) Record(ctx context.Context, sessionID, callSID, from, to, direction, agentID string, metadataJSON []byte) (*models.CallLog, error) {
	const op = "CallService.Record"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	if direction == "" {
		direction = "outbound"
	}

	row := &models.CallLog{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		CallSID:    callSID,
		FromNumber: from,
		ToNumber:   to,
		Direction:  direction,
		Status:     models.CallQueued,
		AgentID:    agentID,
		Metadata:   datatypes.JSON(metadataJSON),
		StartedAt:  time.Now().UTC(),
	}

	if err := s.calls.Insert(ctx, row); err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to insert call log", err)
	}
	return row, nil
}

func (s *callService) GetBySession(ctx context.Context, sessionID string) (*models.CallLog, error) {
	const op = "CallService.GetBySession"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	row, err := s.calls.GetBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "call not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to get call log", err)
	}
	return row, nil
}

func (s *callService) UpdateStatus(ctx context.Context, sessionID, status string) error {
	const op = "CallService.UpdateStatus"

	if sessionID == "" || status == "" {
		return utils.E(utils.CodeInvalidArgument, op, "session_id and status are required", nil)
	}

	if models.TerminalCallStatus(status) {
		if err := s.calls.MarkEnded(ctx, sessionID, status, time.Now().UTC()); err != nil {
			return utils.E(utils.CodeInternal, op, "failed to mark call ended", err)
		}
		return nil
	}
	if err := s.calls.UpdateStatus(ctx, sessionID, status); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to update call status", err)
	}
	return nil
}

func (s *callService) ListRecent(ctx context.Context, limit int) ([]models.CallLog, error) {
	const op = "CallService.ListRecent"

	rows, err := s.calls.ListRecent(ctx, limit)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list calls", err)
	}
	return rows, nil
}
