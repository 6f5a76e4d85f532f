package postgres

import (
	"context"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// KnowledgeSnippet is one knowledge-base entry with its embedding.
type KnowledgeSnippet struct {
	ID        string          `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	AgentID   string          `gorm:"column:agent_id;type:text;index" json:"agent_id"`
	Content   string          `gorm:"column:content;type:text" json:"content"`
	Embedding pgvector.Vector `gorm:"column:embedding;type:vector(768)" json:"-"`
}

func (KnowledgeSnippet) TableName() string { return "knowledge_snippets" }

type KnowledgeRepo interface {
	// Nearest returns the k snippets closest to the query embedding for an
	// agent, most similar first.
	Nearest(ctx context.Context, agentID string, query []float32, k int) ([]KnowledgeSnippet, error)
	// LatestForAgent is the non-vector fallback used when no query embedding
	// is available (e.g. at call setup, before any caller utterance).
	LatestForAgent(ctx context.Context, agentID string, k int) ([]KnowledgeSnippet, error)
}

type knowledgeRepo struct {
	db *gorm.DB
}

func NewKnowledgeRepo(db *gorm.DB) KnowledgeRepo {
	return &knowledgeRepo{db: db}
}

func (r *knowledgeRepo) Nearest(ctx context.Context, agentID string, query []float32, k int) ([]KnowledgeSnippet, error) {
	if k <= 0 {
		k = 5
	}
	var rows []KnowledgeSnippet
	err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Clauses(clause.OrderBy{Expression: clause.Expr{
			SQL:                "embedding <-> ?",
			Vars:               []any{pgvector.NewVector(query)},
			WithoutParentheses: true,
		}}).
		Limit(k).
		Find(&rows).Error
	return rows, err
}

func (r *knowledgeRepo) LatestForAgent(ctx context.Context, agentID string, k int) ([]KnowledgeSnippet, error) {
	if k <= 0 {
		k = 5
	}
	var rows []KnowledgeSnippet
	err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Limit(k).
		Find(&rows).Error
	return rows, err
}
