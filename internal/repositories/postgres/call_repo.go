package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/voxwire/voxwire/internal/models"
	"github.com/voxwire/voxwire/internal/utils"
	"gorm.io/gorm"
)

type CallRepo interface {
	Insert(ctx context.Context, call *models.CallLog) error
	GetBySessionID(ctx context.Context, sessionID string) (*models.CallLog, error)
	UpdateStatus(ctx context.Context, sessionID, status string) error
	MarkEnded(ctx context.Context, sessionID, status string, endedAt time.Time) error
	ListRecent(ctx context.Context, limit int) ([]models.CallLog, error)
}

type callRepo struct {
	db *gorm.DB
}

func NewCallRepo(db *gorm.DB) CallRepo {
	return &callRepo{db: db}
}

func (r *callRepo) Insert(ctx context.Context, call *models.CallLog) error {
	return r.db.WithContext(ctx).Create(call).Error
}

func (r *callRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.CallLog, error) {
	var row models.CallLog
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	return &row, err
}

func (r *callRepo) UpdateStatus(ctx context.Context, sessionID, status string) error {
	return r.db.WithContext(ctx).
		Model(&models.CallLog{}).
		Where("session_id = ?", sessionID).
		Update("status", status).Error
}

func (r *callRepo) MarkEnded(ctx context.Context, sessionID, status string, endedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.CallLog{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{
			"status":           status,
			"ended_at":         endedAt.UTC(),
			"duration_seconds": gorm.Expr("EXTRACT(EPOCH FROM (? - started_at))::bigint", endedAt.UTC()),
		}).Error
}

func (r *callRepo) ListRecent(ctx context.Context, limit int) ([]models.CallLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.CallLog
	err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
