package services

import (
	"context"

	"github.com/voxwire/voxwire/internal/models"
	mongorepo "github.com/voxwire/voxwire/internal/repositories/mongo"
	"github.com/voxwire/voxwire/internal/utils"
)

// TranscriptService archives conversation text. Satisfies the provider
// manager's TranscriptArchiver.
type TranscriptService interface {
	Append(ctx context.Context, sessionID string, seq int64, role, text string) error
	ListBySession(ctx context.Context, sessionID string, limit int64) ([]models.TranscriptEntry, error)
}

type transcriptService struct {
	transcripts mongorepo.TranscriptRepository
}

func NewTranscriptService(transcripts mongorepo.TranscriptRepository) TranscriptService {
	return &transcriptService{transcripts: transcripts}
}

func (s *transcriptService) Append(ctx context.Context, sessionID string, seq int64, role, text string) error {
	const op = "TranscriptService.Append"

	if sessionID == "" || text == "" {
		return utils.E(utils.CodeInvalidArgument, op, "session_id and text are required", nil)
	}
	entry := &models.TranscriptEntry{
		SessionID: sessionID,
		Seq:       seq,
		Role:      role,
		Text:      text,
	}
	if err := s.transcripts.Append(ctx, entry); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to append transcript entry", err)
	}
	return nil
}

func (s *transcriptService) ListBySession(ctx context.Context, sessionID string, limit int64) ([]models.TranscriptEntry, error) {
	const op = "TranscriptService.ListBySession"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	out, err := s.transcripts.ListBySession(ctx, sessionID, limit)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list transcript", err)
	}
	return out, nil
}
