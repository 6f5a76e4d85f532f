package mongo

import (
	"context"
	"time"

	"github.com/voxwire/voxwire/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type TranscriptRepository interface {
	Append(ctx context.Context, entry *models.TranscriptEntry) error
	ListBySession(ctx context.Context, sessionID string, limit int64) ([]models.TranscriptEntry, error)
}

type transcriptRepo struct {
	col *mongo.Collection
	ttl time.Duration
}

func NewTranscriptRepo(db *mongo.Database, ttl time.Duration) TranscriptRepository {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &transcriptRepo{col: db.Collection("transcripts"), ttl: ttl}
}

func (r *transcriptRepo) Append(ctx context.Context, entry *models.TranscriptEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.ExpiresAt.IsZero() {
		entry.ExpiresAt = entry.Timestamp.Add(r.ttl)
	}
	_, err := r.col.InsertOne(ctx, entry)
	return err
}

func (r *transcriptRepo) ListBySession(ctx context.Context, sessionID string, limit int64) ([]models.TranscriptEntry, error) {
	if limit <= 0 {
		limit = 500
	}

	cur, err := r.col.Find(ctx,
		bson.M{"session_id": sessionID},
		options.Find().
			SetSort(bson.D{{Key: "seq", Value: 1}}).
			SetLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.TranscriptEntry
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
