package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	pgrepo "github.com/voxwire/voxwire/internal/repositories/postgres"
	"github.com/voxwire/voxwire/internal/utils"
)

type KnowledgeHandler struct {
	knowledge pgrepo.KnowledgeRepo
}

func NewKnowledgeHandler(knowledge pgrepo.KnowledgeRepo) *KnowledgeHandler {
	return &KnowledgeHandler{knowledge: knowledge}
}

// KnowledgeSearchRequest carries a pre-computed query embedding: embedding
// generation lives with the caller, this endpoint only does the vector lookup.
type KnowledgeSearchRequest struct {
	AgentID   string    `json:"agent_id" binding:"required"`
	Embedding []float32 `json:"embedding" binding:"required"`
	K         int       `json:"k"`
}

func (h *KnowledgeHandler) Search(c *gin.Context) {
	var req KnowledgeSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "KnowledgeHandler.Search", "invalid request body", err))
		return
	}

	rows, err := h.knowledge.Nearest(c.Request.Context(), req.AgentID, req.Embedding, req.K)
	if err != nil {
		writeError(c, utils.E(utils.CodeInternal, "KnowledgeHandler.Search", "knowledge lookup failed", err))
		return
	}
	c.JSON(http.StatusOK, rows)
}
