package handlers

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/subculture-collective/agentrun/internal/metrics"
	"github.com/subculture-collective/agentrun/internal/middleware"
	"github.com/subculture-collective/agentrun/internal/models"
	"github.com/subculture-collective/agentrun/internal/services"
)

// maxUploadFileBytes caps a single file in the initiate multipart form.
const maxUploadFileBytes = 10 << 20

// AgentRunHandler serves the run lifecycle and streaming endpoints.
type AgentRunHandler struct {
	runs   *services.RunService
	stream *services.StreamService
	log    *zap.Logger
}

func NewAgentRunHandler(runs *services.RunService, stream *services.StreamService, log *zap.Logger) *AgentRunHandler {
	return &AgentRunHandler{runs: runs, stream: stream, log: log.Named("handlers.runs")}
}

// Initiate handles POST /agent/initiate. The multipart form carries prompt,
// model_name, an optional agent_id and zero or more files destined for the
// project sandbox.
func (h *AgentRunHandler) Initiate(c *gin.Context) {
	prompt := c.PostForm("prompt")
	modelName := c.PostForm("model_name")
	if strings.TrimSpace(modelName) == "" {
		respondError(c, h.log, &models.ValidationError{Field: "model_name", Reason: "must not be empty"})
		return
	}

	var agentID *uuid.UUID
	if raw := c.PostForm("agent_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(c, h.log, &models.ValidationError{Field: "agent_id", Reason: "must be a valid uuid"})
			return
		}
		agentID = &id
	}

	files, err := h.readUploads(c)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	resp, err := h.runs.InitiateSession(c.Request.Context(), middleware.UserID(c), prompt, modelName, files, agentID, requestid.Get(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *AgentRunHandler) readUploads(c *gin.Context) ([]services.UploadFile, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, &models.ValidationError{Field: "form", Reason: "malformed multipart body"}
	}
	var files []services.UploadFile
	for _, header := range form.File["files"] {
		if header.Size > maxUploadFileBytes {
			return nil, &models.ValidationError{
				Field:  "files",
				Reason: fmt.Sprintf("%s exceeds the %d byte limit", header.Filename, maxUploadFileBytes),
			}
		}
		f, err := header.Open()
		if err != nil {
			return nil, fmt.Errorf("open upload %s: %w", header.Filename, err)
		}
		content, err := io.ReadAll(io.LimitReader(f, maxUploadFileBytes))
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read upload %s: %w", header.Filename, err)
		}
		// Base name only; client paths never steer sandbox placement.
		files = append(files, services.UploadFile{Path: filepath.Base(header.Filename), Content: content})
	}
	return files, nil
}

// Start handles POST /thread/:thread_id/agent/start.
func (h *AgentRunHandler) Start(c *gin.Context) {
	threadID, ok := pathUUID(c, h.log, "thread_id")
	if !ok {
		return
	}
	var req models.StartAgentRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, &models.ValidationError{Field: "body", Reason: "malformed json"})
		return
	}
	if strings.TrimSpace(req.ModelName) == "" {
		respondError(c, h.log, &models.ValidationError{Field: "model_name", Reason: "must not be empty"})
		return
	}

	run, err := h.runs.StartRun(c.Request.Context(), middleware.UserID(c), threadID, req, requestid.Get(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, models.StartAgentRunResponse{AgentRunID: run.ID, Status: run.Status})
}

// Stop handles POST /agent-run/:run_id/stop. The body is optional.
func (h *AgentRunHandler) Stop(c *gin.Context) {
	runID, ok := pathUUID(c, h.log, "run_id")
	if !ok {
		return
	}
	var req models.StopAgentRunRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.runs.StopRun(c.Request.Context(), middleware.UserID(c), runID, req.Error); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// Get handles GET /agent-run/:run_id.
func (h *AgentRunHandler) Get(c *gin.Context) {
	runID, ok := pathUUID(c, h.log, "run_id")
	if !ok {
		return
	}
	run, err := h.runs.GetRun(c.Request.Context(), middleware.UserID(c), runID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListByThread handles GET /thread/:thread_id/agent-runs.
func (h *AgentRunHandler) ListByThread(c *gin.Context) {
	threadID, ok := pathUUID(c, h.log, "thread_id")
	if !ok {
		return
	}
	runs, err := h.runs.ListThreadRuns(c.Request.Context(), middleware.UserID(c), threadID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_runs": runs})
}

// Messages handles GET /thread/:thread_id/messages.
func (h *AgentRunHandler) Messages(c *gin.Context) {
	threadID, ok := pathUUID(c, h.log, "thread_id")
	if !ok {
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			respondError(c, h.log, &models.ValidationError{Field: "limit", Reason: "must be between 1 and 1000"})
			return
		}
		limit = n
	}
	msgs, err := h.runs.ListThreadMessages(c.Request.Context(), middleware.UserID(c), threadID, limit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// Project handles GET /project/:project_id.
func (h *AgentRunHandler) Project(c *gin.Context) {
	projectID, ok := pathUUID(c, h.log, "project_id")
	if !ok {
		return
	}
	project, err := h.runs.GetProject(c.Request.Context(), middleware.UserID(c), projectID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// Stream handles GET /agent-run/:run_id/stream. Events go out as SSE data
// frames in list order; the connection closes after a terminal status.
func (h *AgentRunHandler) Stream(c *gin.Context) {
	runID, ok := pathUUID(c, h.log, "run_id")
	if !ok {
		return
	}
	// Ownership check before any stream bytes go out.
	if _, err := h.runs.GetRun(c.Request.Context(), middleware.UserID(c), runID); err != nil {
		respondError(c, h.log, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	metrics.StreamSubscribers.Inc()
	defer metrics.StreamSubscribers.Dec()

	err := h.stream.Subscribe(c.Request.Context(), runID, func(data []byte) error {
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
	if err != nil {
		// Headers are already out; the best we can do is a final error frame.
		h.log.Warn("stream subscribe", zap.String("agent_run_id", runID.String()), zap.Error(err))
		fmt.Fprintf(c.Writer, "data: %s\n\n", `{"type":"status","status":"error"}`)
		c.Writer.Flush()
	}
}
