package workflow

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ksred/nextrade-api/pkg/response"
)

type ChatRequest struct {
	Message  string `json:"message" binding:"required"`
	ThreadID string `json:"thread_id"`
}

// GinHandlers exposes the runner over HTTP. The user always comes from the
// authenticated token, never from the request body.
type GinHandlers struct {
	runner *Runner
}

func NewGinHandlers(runner *Runner) *GinHandlers {
	return &GinHandlers{runner: runner}
}

// ChatHandler handles POST /chat. A new thread id is generated when none is
// given.
func (h *GinHandlers) ChatHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		if strings.TrimSpace(req.ThreadID) == "" {
			req.ThreadID = uuid.New().String()
		}

		res, err := h.runner.Chat(c.Request.Context(), req.ThreadID, c.GetString("userID"), req.Message)
		response.Handle(c, res, err)
	}
}

// ApproveHandler handles POST /approve with a body like
// {"thread_id": "...", "approved": true}. The raw body is handed to the gate
// so only a JSON boolean true approves.
func (h *GinHandlers) ApproveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		var req struct {
			ThreadID string `json:"thread_id"`
		}
		if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.ThreadID) == "" {
			response.BadRequest(c, "thread_id is required")
			return
		}

		res, err := h.runner.Resume(c.Request.Context(), req.ThreadID, c.GetString("userID"), json.RawMessage(body))
		response.Handle(c, res, err)
	}
}

// GetApprovalHandler handles GET /threads/:thread_id/approval
func (h *GinHandlers) GetApprovalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cp, err := h.runner.PendingApproval(c.Request.Context(), c.Param("thread_id"), c.GetString("userID"))
		response.Handle(c, cp, err)
	}
}

// GetThreadHandler handles GET /threads/:thread_id
func (h *GinHandlers) GetThreadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := h.runner.Thread(c.Request.Context(), c.Param("thread_id"), c.GetString("userID"))
		response.Handle(c, t, err)
	}
}
