package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/voxwire/voxwire/internal/provider"
	"github.com/voxwire/voxwire/internal/session"
	"github.com/voxwire/voxwire/internal/utils"
)

// AdminHandler exposes the JWT-protected operational surface: inspect live
// sessions and force-terminate one regardless of which process owns it.
type AdminHandler struct {
	sessions session.Service
	provider *provider.Manager
}

func NewAdminHandler(sessions session.Service, pm *provider.Manager) *AdminHandler {
	return &AdminHandler{sessions: sessions, provider: pm}
}

type activeSession struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

func (h *AdminHandler) ListActive(c *gin.Context) {
	ids := h.provider.ActiveSessions()
	out := make([]activeSession, 0, len(ids))
	for _, id := range ids {
		out = append(out, activeSession{
			SessionID: id,
			State:     h.provider.StateOf(id).String(),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (h *AdminHandler) GetSession(c *gin.Context) {
	rec, err := h.sessions.Get(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// EndSession works whether the AI socket is local or remote: the remote case
// writes a termination request the owner observes on its next heartbeat.
func (h *AdminHandler) EndSession(c *gin.Context) {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		writeError(c, utils.E(utils.CodeInvalidArgument, "AdminHandler.EndSession", "missing session_id", nil))
		return
	}

	if err := h.provider.EndConversation(c.Request.Context(), sessionID, provider.CloseReasonTermination); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "status": "termination requested"})
}
