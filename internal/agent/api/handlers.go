// Package api exposes the agent orchestration service over HTTP.
package api

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/caspianhq/caspian/internal/agent/adapter"
	"github.com/caspianhq/caspian/internal/agent/claudecode"
	"github.com/caspianhq/caspian/internal/agent/service"
	"github.com/caspianhq/caspian/internal/chat"
	"github.com/caspianhq/caspian/internal/common/errors"
	"github.com/caspianhq/caspian/internal/common/logger"
	"github.com/caspianhq/caspian/internal/manifest"
)

// DiagnosticsRunner probes the agent environment.
type DiagnosticsRunner interface {
	RunDiagnostics(ctx context.Context) *claudecode.Diagnostics
}

// Handler contains HTTP handlers for the agent API.
type Handler struct {
	service     *service.Service
	messages    *chat.Store
	diagnostics DiagnosticsRunner

	// manifestRoot is the repository root used for manifest lookups when a
	// request omits repo_path. Empty means repo_path is required.
	manifestRoot string

	logger *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(svc *service.Service, messages *chat.Store, diag DiagnosticsRunner, manifestRoot string, log *logger.Logger) *Handler {
	return &Handler{
		service:      svc,
		messages:     messages,
		diagnostics:  diag,
		manifestRoot: manifestRoot,
		logger:       log.WithFields(zap.String("component", "agent-api")),
	}
}

// RegisterRoutes mounts the agent API under /api/v1.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		agents := v1.Group("/agents")
		{
			agents.POST("/spawn", h.SpawnAgent)
			agents.POST("/resume", h.ResumeAgent)
			agents.GET("", h.ListAgents)
			agents.POST("/status/batch", h.AgentStatusBatch)
			agents.GET("/adapters", h.AvailableAdapters)
			agents.GET("/adapters/:adapterType/available", h.AdapterAvailable)
			agents.GET("/diagnostics", h.Diagnostics)
			agents.DELETE("/:sessionId", h.TerminateAgent)
		}
		nodes := v1.Group("/nodes")
		{
			nodes.GET("/:nodeId/agent", h.AgentStatus)
			nodes.DELETE("/:nodeId/agent", h.TerminateAgentForNode)
			nodes.GET("/:nodeId/agent/pending-input", h.PendingUserInput)
			nodes.GET("/:nodeId/messages", h.NodeMessages)
			nodes.GET("/:nodeId/manifest", h.NodeManifest)
			nodes.GET("/:nodeId/manifest/validate", h.ValidateNodeManifest)
		}
	}
}

// SpawnAgent starts an agent for a node.
// POST /api/v1/agents/spawn
func (h *Handler) SpawnAgent(c *gin.Context) {
	var req service.SpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.NodeID == "" || req.WorkingDir == "" || req.Goal == "" {
		appErr := errors.BadRequest("node_id, working_dir and goal are required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	sess, err := h.service.Spawn(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("failed to spawn agent", zap.String("node_id", req.NodeID), zap.Error(err))
		c.JSON(spawnErrorStatus(err))
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// ResumeAgent resumes a paused agent with the user's answer.
// POST /api/v1/agents/resume
func (h *Handler) ResumeAgent(c *gin.Context) {
	var req service.ResumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.NodeID == "" || req.UserInput == "" {
		appErr := errors.BadRequest("node_id and user_input are required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	sess, err := h.service.ResumeWithInput(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("failed to resume agent", zap.String("node_id", req.NodeID), zap.Error(err))
		c.JSON(spawnErrorStatus(err))
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// TerminateAgent kills the process behind a session.
// DELETE /api/v1/agents/:sessionId
func (h *Handler) TerminateAgent(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if err := h.service.Terminate(c.Request.Context(), sessionID); err != nil {
		if adapter.IsNotFound(err) {
			appErr := errors.NotFound("agent session", sessionID)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		appErr := errors.InternalError("failed to terminate agent", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "agent terminated"})
}

// TerminateAgentForNode kills the node's live agent.
// DELETE /api/v1/nodes/:nodeId/agent
func (h *Handler) TerminateAgentForNode(c *gin.Context) {
	nodeID := c.Param("nodeId")
	if err := h.service.TerminateForNode(c.Request.Context(), nodeID); err != nil {
		if adapter.IsNotFound(err) {
			appErr := errors.NotFound("agent for node", nodeID)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		appErr := errors.InternalError("failed to terminate agent", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "agent terminated"})
}

// AgentStatus returns the node's session, or null when none exists.
// GET /api/v1/nodes/:nodeId/agent
func (h *Handler) AgentStatus(c *gin.Context) {
	nodeID := c.Param("nodeId")
	sess, err := h.service.Status(c.Request.Context(), nodeID)
	if err != nil {
		appErr := errors.InternalError("failed to read agent status", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// ListAgents returns all sessions, newest first.
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	sessions, err := h.service.List(c.Request.Context())
	if err != nil {
		appErr := errors.InternalError("failed to list agents", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// AgentStatusBatch returns sessions for several nodes in one request.
// POST /api/v1/agents/status/batch
func (h *Handler) AgentStatusBatch(c *gin.Context) {
	var req struct {
		NodeIDs []string `json:"node_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	sessions, err := h.service.StatusBatch(c.Request.Context(), req.NodeIDs)
	if err != nil {
		appErr := errors.InternalError("failed to read agent statuses", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// PendingUserInput restores an unanswered agent question for a node.
// GET /api/v1/nodes/:nodeId/agent/pending-input
func (h *Handler) PendingUserInput(c *gin.Context) {
	nodeID := c.Param("nodeId")
	pending, err := h.service.PendingUserInput(c.Request.Context(), nodeID)
	if err != nil {
		appErr := errors.InternalError("failed to read pending input", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, pending)
}

// NodeMessages returns a node's chat history, oldest first.
// GET /api/v1/nodes/:nodeId/messages
func (h *Handler) NodeMessages(c *gin.Context) {
	nodeID := c.Param("nodeId")
	msgs, err := h.messages.ListForNode(c.Request.Context(), nodeID)
	if err != nil {
		appErr := errors.InternalError("failed to list messages", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// repoPath resolves the repository root for a manifest request: the
// repo_path query parameter when present, the configured root otherwise.
func (h *Handler) repoPath(c *gin.Context) (string, bool) {
	if repoPath := c.Query("repo_path"); repoPath != "" {
		return repoPath, true
	}
	if h.manifestRoot != "" {
		return h.manifestRoot, true
	}
	return "", false
}

// NodeManifest returns a node's YAML manifest from its repository.
// GET /api/v1/nodes/:nodeId/manifest?repo_path=...
func (h *Handler) NodeManifest(c *gin.Context) {
	nodeID := c.Param("nodeId")
	repoPath, ok := h.repoPath(c)
	if !ok {
		appErr := errors.BadRequest("repo_path query parameter is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	m, err := manifest.Load(repoPath, nodeID)
	if err != nil {
		if stderrors.Is(err, manifest.ErrNotFound) {
			appErr := errors.NotFound("manifest for node", nodeID)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		appErr := errors.InternalError("failed to load manifest", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, m)
}

// ValidateNodeManifest checks a node's manifest for missing fields.
// GET /api/v1/nodes/:nodeId/manifest/validate?repo_path=...
func (h *Handler) ValidateNodeManifest(c *gin.Context) {
	nodeID := c.Param("nodeId")
	repoPath, ok := h.repoPath(c)
	if !ok {
		appErr := errors.BadRequest("repo_path query parameter is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	m, err := manifest.Load(repoPath, nodeID)
	if err != nil {
		if stderrors.Is(err, manifest.ErrNotFound) {
			appErr := errors.NotFound("manifest for node", nodeID)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		appErr := errors.InternalError("failed to load manifest", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, manifest.Validate(m))
}

// AvailableAdapters lists adapter types whose CLI is usable.
// GET /api/v1/agents/adapters
func (h *Handler) AvailableAdapters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"adapters": h.service.AvailableAdapters(c.Request.Context())})
}

// AdapterAvailable probes one adapter type.
// GET /api/v1/agents/adapters/:adapterType/available
func (h *Handler) AdapterAvailable(c *gin.Context) {
	adapterType := c.Param("adapterType")
	c.JSON(http.StatusOK, gin.H{
		"adapter_type": adapterType,
		"available":    h.service.IsAdapterAvailable(c.Request.Context(), adapterType),
	})
}

// Diagnostics reports the state of the agent environment.
// GET /api/v1/agents/diagnostics
func (h *Handler) Diagnostics(c *gin.Context) {
	c.JSON(http.StatusOK, h.diagnostics.RunDiagnostics(c.Request.Context()))
}

// spawnErrorStatus maps spawn and resume failures onto HTTP responses.
func spawnErrorStatus(err error) (int, *errors.AppError) {
	switch {
	case adapter.IsAlreadyRunning(err):
		appErr := errors.Conflict(err.Error())
		return appErr.HTTPStatus, appErr
	case adapter.IsConfig(err):
		appErr := errors.BadRequest(err.Error())
		return appErr.HTTPStatus, appErr
	case adapter.IsNotFound(err):
		appErr := errors.NotFound("agent", "")
		return appErr.HTTPStatus, appErr
	default:
		appErr := errors.InternalError("failed to start agent", err)
		return appErr.HTTPStatus, appErr
	}
}
