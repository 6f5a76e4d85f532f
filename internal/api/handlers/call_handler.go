package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/voxwire/voxwire/internal/cache"
	"github.com/voxwire/voxwire/internal/models"
	"github.com/voxwire/voxwire/internal/queue"
	"github.com/voxwire/voxwire/internal/services"
	"github.com/voxwire/voxwire/internal/session"
	"github.com/voxwire/voxwire/internal/utils"
)

// recentCallsTTL bounds staleness of the cached call listing.
const recentCallsTTL = 10 * time.Second

type CallHandler struct {
	redis       *redis.Client
	jobStream   string
	sessions    session.Service
	calls       services.CallService
	transcripts services.TranscriptService
	cache       cache.Cache
	log         *logrus.Logger
}

func NewCallHandler(rdb *redis.Client, jobStream string, sessions session.Service, calls services.CallService, transcripts services.TranscriptService, log *logrus.Logger) *CallHandler {
	return &CallHandler{
		redis:       rdb,
		jobStream:   jobStream,
		sessions:    sessions,
		calls:       calls,
		transcripts: transcripts,
		cache:       cache.New(rdb),
		log:         log,
	}
}

type StartCallRequest struct {
	To       string `json:"to" binding:"required"`
	AgentID  string `json:"agent_id" binding:"required"`
	Greeting string `json:"greeting"`
	Metadata string `json:"metadata"`
}

type StartCallResponse struct {
	JobID string `json:"job_id"`
}

// Start enqueues an "initiate call" job; a worker picks it up and owns the
// resulting AI session.
func (h *CallHandler) Start(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "CallHandler.Start", "invalid request body", err))
		return
	}

	job := queue.CallJob{
		JobID:    uuid.NewString(),
		To:       req.To,
		AgentID:  req.AgentID,
		Greeting: req.Greeting,
		Metadata: req.Metadata,
	}
	if err := queue.Enqueue(c.Request.Context(), h.redis, h.jobStream, job); err != nil {
		writeError(c, utils.E(utils.CodeUnavailable, "CallHandler.Start", "failed to enqueue call job", err))
		return
	}

	c.JSON(http.StatusAccepted, StartCallResponse{JobID: job.JobID})
}

// StatusCallback receives async call status updates from the telephony
// provider: POST /calls/status/:session_id with form-encoded CallStatus.
func (h *CallHandler) StatusCallback(c *gin.Context) {
	sessionID := c.Param("session_id")
	status := c.PostForm("CallStatus")
	if sessionID == "" || status == "" {
		c.Status(http.StatusBadRequest)
		return
	}

	log := h.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"status":     status,
	})

	if h.calls != nil {
		if err := h.calls.UpdateStatus(c.Request.Context(), sessionID, status); err != nil {
			log.WithError(err).Warn("could not update call history status")
		}
	}

	if models.TerminalCallStatus(status) {
		// Keep the session record visible for diagnostics; the 24h TTL is
		// applied by the record writer once the status is terminal.
		if _, err := h.sessions.Update(c.Request.Context(), sessionID, func(rec *models.Session) {
			if !rec.Terminal() {
				rec.Status = models.SessionTerminating
			}
		}); err != nil && !utils.IsCode(err, utils.CodeNotFound) {
			log.WithError(err).Warn("could not update session on terminal call status")
		}
	}

	log.Info("call status callback")
	c.Status(http.StatusNoContent)
}

func (h *CallHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	ctx := c.Request.Context()

	cacheKey := "calls:recent:" + strconv.Itoa(limit)
	var cached []models.CallLog
	if hit, err := h.cache.GetJSON(ctx, cacheKey, &cached); err == nil && hit {
		c.JSON(http.StatusOK, cached)
		return
	}

	rows, err := h.calls.ListRecent(ctx, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.cache.SetJSON(ctx, cacheKey, rows, recentCallsTTL); err != nil {
		h.log.WithError(err).Debug("could not cache recent calls")
	}
	c.JSON(http.StatusOK, rows)
}

func (h *CallHandler) Get(c *gin.Context) {
	row, err := h.calls.GetBySession(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (h *CallHandler) Transcript(c *gin.Context) {
	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "500"), 10, 64)
	rows, err := h.transcripts.ListBySession(c.Request.Context(), c.Param("session_id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}
