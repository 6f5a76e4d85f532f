package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TranscriptEntry is one text utterance archived from an AI conversation.
// Stored in the transcripts collection with a TTL index on expires_at.
type TranscriptEntry struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SessionID string             `bson:"session_id" json:"session_id"`
	Seq       int64              `bson:"seq" json:"seq"`
	Role      string             `bson:"role" json:"role"` // agent|caller
	Text      string             `bson:"text" json:"text"`

	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
	ExpiresAt time.Time `bson:"expires_at" json:"expires_at"`
}
