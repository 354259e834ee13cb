package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/waveflow-go/internal/archive"
	"github.com/waveflow-go/internal/cluster"
	"github.com/waveflow-go/internal/domain/schedule"
	"github.com/waveflow-go/internal/domain/webhook"
	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/internal/engine/driver"
	"github.com/waveflow-go/internal/engine/enginerr"
	"github.com/waveflow-go/internal/scheduler"
	"github.com/waveflow-go/internal/search"
	"github.com/waveflow-go/internal/store"
	"github.com/waveflow-go/internal/usage"
	"github.com/waveflow-go/internal/ws"
	"github.com/waveflow-go/pkg/database"
	"github.com/waveflow-go/pkg/logger"
	"github.com/waveflow-go/pkg/middleware"
)

// WorkflowStore is the definition repository the API needs; both the
// plain and the cached store satisfy it.
type WorkflowStore interface {
	Create(ctx context.Context, wf *workflow.Workflow) error
	Update(ctx context.Context, wf *workflow.Workflow) error
	Delete(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (*workflow.Workflow, error)
	List(ctx context.Context, userID string, pagination *database.Pagination) ([]*workflow.Workflow, error)
}

// Handlers binds the HTTP surface to the engine and its platform
// components. Optional components are nil when disabled by config; their
// endpoints answer 503.
type Handlers struct {
	engine     *driver.Engine
	executions *store.ExecutionStore
	workflows  WorkflowStore
	schedules  *store.ScheduleStore
	webhooks   *store.WebhookStore
	scheduler  *scheduler.Scheduler
	search     *search.Indexer
	archiver   *archive.Archiver
	cluster    *cluster.Registry
	usage      *usage.Monitor
	hub        *ws.Hub
	db         *database.DB
	redis      *redis.Client
	logger     logger.Logger
}

// currentUser resolves the caller: the authenticated identity when the
// auth middleware ran, the X-User-ID header otherwise (internal
// deployments with auth disabled).
func currentUser(c *gin.Context) string {
	if userID, ok := middleware.UserID(c); ok && userID != "" {
		return userID
	}
	return c.GetHeader("X-User-ID")
}

func pagination(c *gin.Context) *database.Pagination {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 20
	}
	return &database.Pagination{Page: page, Limit: limit, Sort: "created_at DESC"}
}

func (h *Handlers) Health(c *gin.Context) {
	checks := gin.H{}
	healthy := true

	if sqlDB, err := h.db.DB.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		checks["database"] = "down"
		healthy = false
	} else {
		checks["database"] = "up"
	}

	if h.redis != nil {
		if err := h.redis.Ping(c.Request.Context()).Err(); err != nil {
			checks["redis"] = "down"
			healthy = false
		} else {
			checks["redis"] = "up"
		}
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

func (h *Handlers) HealthStats(c *gin.Context) {
	stats := gin.H{
		"resources":   h.usage.Snapshot(c.Request.Context()),
		"connections": h.hub.ConnectionCount(),
	}
	if counts, err := h.executions.CountByStatus(c.Request.Context()); err == nil {
		stats["executions"] = counts
	} else {
		h.logger.Warn("Failed to count executions for stats", "error", err)
	}
	if h.scheduler != nil {
		stats["schedulerLeading"] = h.scheduler.Leading()
	}
	c.JSON(http.StatusOK, stats)
}

type startExecutionRequest struct {
	WorkflowID string                 `json:"workflowId"`
	Definition *workflow.Workflow     `json:"definition"`
	Input      map[string]interface{} `json:"input"`
}

// StartExecution triggers a run from a stored workflow id or an inline
// definition. The run is accepted as soon as the record exists; progress
// arrives over events, the WebSocket channel and the execution resource.
func (h *Handlers) StartExecution(c *gin.Context) {
	userID := currentUser(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user ID required"})
		return
	}

	var req startExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	definition := req.Definition
	if definition == nil {
		if req.WorkflowID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "workflowId or definition required"})
			return
		}
		wf, err := h.workflows.GetByID(c.Request.Context(), req.WorkflowID)
		if err != nil {
			if errors.Is(err, store.ErrWorkflowNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
				return
			}
			h.logger.Error("Failed to load workflow", "workflowId", req.WorkflowID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load workflow"})
			return
		}
		if !wf.IsActive {
			c.JSON(http.StatusConflict, gin.H{"error": "workflow is not active"})
			return
		}
		definition = wf
	}

	execution, err := h.engine.StartRun(c.Request.Context(), definition, userID, req.Input)
	if err != nil {
		if enginerr.IsValidation(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to start execution", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start execution"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"executionId": execution.ID,
		"workflowId":  execution.WorkflowID,
		"status":      execution.Status,
	})
}

func (h *Handlers) GetExecution(c *gin.Context) {
	execution, err := h.executions.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrExecutionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
			return
		}
		h.logger.Error("Failed to get execution", "id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get execution"})
		return
	}
	c.JSON(http.StatusOK, execution)
}

func (h *Handlers) ListExecutions(c *gin.Context) {
	filter := store.ExecutionFilter{
		WorkflowID: c.Query("workflowId"),
		UserID:     c.Query("userId"),
		Status:     workflow.Status(c.Query("status")),
	}
	if after := c.Query("startedAfter"); after != "" {
		if t, err := time.Parse(time.RFC3339, after); err == nil {
			filter.StartedAfter = t
		}
	}
	if before := c.Query("startedBefore"); before != "" {
		if t, err := time.Parse(time.RFC3339, before); err == nil {
			filter.StartedBefore = t
		}
	}

	p := pagination(c)
	executions, err := h.executions.List(c.Request.Context(), filter, p)
	if err != nil {
		h.logger.Error("Failed to list executions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list executions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"executions": executions,
		"total":      p.Total,
		"page":       p.Page,
		"limit":      p.Limit,
	})
}

func (h *Handlers) CancelExecution(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.Cancel(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrExecutionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executionId": id, "status": "cancelling"})
}

type resumeExecutionRequest struct {
	// Pointer so an explicit false (reject) binds; an absent field is an
	// error rather than a silent rejection.
	Approved *bool  `json:"approved" binding:"required"`
	Comment  string `json:"comment"`
}

func (h *Handlers) ResumeExecution(c *gin.Context) {
	var req resumeExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	execution, err := h.engine.Resume(c.Request.Context(), c.Param("id"), *req.Approved, req.Comment)
	if err != nil {
		if errors.Is(err, store.ErrExecutionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"executionId": execution.ID, "status": execution.Status})
}

func (h *Handlers) GetNodeExecutions(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.executions.GetByID(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrExecutionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
			return
		}
		h.logger.Error("Failed to get execution", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get execution"})
		return
	}

	records, err := h.executions.GetNodeExecutions(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("Failed to list node executions", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list node executions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executionId": id, "nodes": records})
}

// ListApprovals returns runs parked in PENDING_APPROVAL, optionally
// scoped to one owner.
func (h *Handlers) ListApprovals(c *gin.Context) {
	executions, err := h.executions.PendingApprovals(c.Request.Context(), c.Query("userId"))
	if err != nil {
		h.logger.Error("Failed to list pending approvals", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list approvals"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": executions, "total": len(executions)})
}

func (h *Handlers) SearchExecutions(c *gin.Context) {
	if h.search == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "search is not enabled"})
		return
	}

	from, _ := strconv.Atoi(c.DefaultQuery("from", "0"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))
	query := search.ExecutionQuery{
		Text:       c.Query("q"),
		Status:     c.Query("status"),
		WorkflowID: c.Query("workflowId"),
		UserID:     c.Query("userId"),
		From:       from,
		Size:       size,
	}

	docs, total, err := h.search.Search(c.Request.Context(), query)
	if err != nil {
		h.logger.Error("Search failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": docs, "total": total})
}

type workflowRequest struct {
	Name        string                 `json:"name" binding:"required"`
	Description string                 `json:"description"`
	Nodes       []workflow.Node        `json:"nodes"`
	Connections []workflow.Connection  `json:"connections"`
	Variables   map[string]interface{} `json:"variables"`
	IsActive    *bool                  `json:"isActive"`
}

func (h *Handlers) CreateWorkflow(c *gin.Context) {
	userID := currentUser(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user ID required"})
		return
	}

	var req workflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	wf := workflow.NewWorkflow(req.Name, req.Description, userID)
	wf.Nodes = req.Nodes
	wf.Connections = req.Connections
	if req.Variables != nil {
		wf.Variables = req.Variables
	}
	if req.IsActive != nil {
		wf.IsActive = *req.IsActive
	}

	if err := h.workflows.Create(c.Request.Context(), wf); err != nil {
		h.logger.Error("Failed to create workflow", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create workflow"})
		return
	}
	c.JSON(http.StatusCreated, wf)
}

func (h *Handlers) GetWorkflow(c *gin.Context) {
	wf, err := h.workflows.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrWorkflowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
			return
		}
		h.logger.Error("Failed to get workflow", "id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get workflow"})
		return
	}
	c.JSON(http.StatusOK, wf)
}

func (h *Handlers) ListWorkflows(c *gin.Context) {
	p := pagination(c)
	workflows, err := h.workflows.List(c.Request.Context(), currentUser(c), p)
	if err != nil {
		h.logger.Error("Failed to list workflows", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list workflows"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"workflows": workflows,
		"total":     p.Total,
		"page":      p.Page,
		"limit":     p.Limit,
	})
}

func (h *Handlers) UpdateWorkflow(c *gin.Context) {
	wf, err := h.workflows.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrWorkflowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
			return
		}
		h.logger.Error("Failed to get workflow", "id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get workflow"})
		return
	}
	if userID := currentUser(c); userID != "" && wf.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not the workflow owner"})
		return
	}

	var req workflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Running executions keep their snapshot; edits only affect new runs.
	wf.Name = req.Name
	wf.Description = req.Description
	wf.Nodes = req.Nodes
	wf.Connections = req.Connections
	if req.Variables != nil {
		wf.Variables = req.Variables
	}
	if req.IsActive != nil {
		wf.IsActive = *req.IsActive
	}
	wf.Version++
	wf.UpdatedAt = time.Now().UTC()

	if err := h.workflows.Update(c.Request.Context(), wf); err != nil {
		h.logger.Error("Failed to update workflow", "id", wf.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update workflow"})
		return
	}
	c.JSON(http.StatusOK, wf)
}

func (h *Handlers) DeleteWorkflow(c *gin.Context) {
	id := c.Param("id")
	wf, err := h.workflows.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrWorkflowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
			return
		}
		h.logger.Error("Failed to get workflow", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get workflow"})
		return
	}
	if userID := currentUser(c); userID != "" && wf.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not the workflow owner"})
		return
	}

	if err := h.workflows.Delete(c.Request.Context(), id); err != nil {
		h.logger.Error("Failed to delete workflow", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete workflow"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "workflow deleted", "id": id})
}

type scheduleRequest struct {
	Name           string                 `json:"name" binding:"required"`
	WorkflowID     string                 `json:"workflowId" binding:"required"`
	CronExpression string                 `json:"cronExpression" binding:"required"`
	Timezone       string                 `json:"timezone"`
	Input          map[string]interface{} `json:"input"`
	MisfirePolicy  string                 `json:"misfirePolicy"`
}

func (h *Handlers) CreateSchedule(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler is not enabled"})
		return
	}
	userID := currentUser(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user ID required"})
		return
	}

	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := h.workflows.GetByID(c.Request.Context(), req.WorkflowID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workflowId does not reference a stored workflow"})
		return
	}

	sched := schedule.NewSchedule(req.Name, req.WorkflowID, userID, req.CronExpression)
	if req.Timezone != "" {
		sched.Timezone = req.Timezone
	}
	if req.Input != nil {
		sched.Input = req.Input
	}
	if req.MisfirePolicy != "" {
		sched.MisfirePolicy = req.MisfirePolicy
	}

	if err := h.scheduler.Add(c.Request.Context(), sched); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sched)
}

func (h *Handlers) GetSchedule(c *gin.Context) {
	sched, err := h.schedules.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrScheduleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
			return
		}
		h.logger.Error("Failed to get schedule", "id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get schedule"})
		return
	}
	c.JSON(http.StatusOK, sched)
}

func (h *Handlers) ListSchedules(c *gin.Context) {
	p := pagination(c)
	schedules, err := h.schedules.List(c.Request.Context(), currentUser(c), p)
	if err != nil {
		h.logger.Error("Failed to list schedules", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list schedules"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"schedules": schedules,
		"total":     p.Total,
		"page":      p.Page,
		"limit":     p.Limit,
	})
}

func (h *Handlers) UpdateSchedule(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler is not enabled"})
		return
	}

	sched, err := h.schedules.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrScheduleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
			return
		}
		h.logger.Error("Failed to get schedule", "id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get schedule"})
		return
	}

	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sched.Name = req.Name
	sched.WorkflowID = req.WorkflowID
	sched.CronExpression = req.CronExpression
	if req.Timezone != "" {
		sched.Timezone = req.Timezone
	}
	if req.Input != nil {
		sched.Input = req.Input
	}
	if req.MisfirePolicy != "" {
		sched.MisfirePolicy = req.MisfirePolicy
	}
	sched.UpdatedAt = time.Now().UTC()

	if err := h.scheduler.Update(c.Request.Context(), sched); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sched)
}

func (h *Handlers) DeleteSchedule(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler is not enabled"})
		return
	}
	id := c.Param("id")
	if err := h.scheduler.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrScheduleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
			return
		}
		h.logger.Error("Failed to delete schedule", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete schedule"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "schedule deleted", "id": id})
}

func (h *Handlers) PauseSchedule(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler is not enabled"})
		return
	}
	id := c.Param("id")
	if err := h.scheduler.Pause(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrScheduleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to pause schedule"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "isActive": false})
}

func (h *Handlers) ResumeSchedule(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler is not enabled"})
		return
	}
	id := c.Param("id")
	if err := h.scheduler.Resume(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrScheduleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resume schedule"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "isActive": true})
}

type webhookRequest struct {
	Name       string            `json:"name"`
	URL        string            `json:"url" binding:"required"`
	Secret     string            `json:"secret"`
	EventTypes []string          `json:"eventTypes" binding:"required"`
	Headers    map[string]string `json:"headers"`
	IsActive   *bool             `json:"isActive"`
}

func (h *Handlers) CreateWebhook(c *gin.Context) {
	userID := currentUser(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user ID required"})
		return
	}

	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub := webhook.NewSubscription(userID, req.Name, req.URL, req.EventTypes)
	sub.Secret = req.Secret
	if req.Headers != nil {
		sub.Headers = req.Headers
	}
	if err := sub.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.webhooks.Create(c.Request.Context(), sub); err != nil {
		h.logger.Error("Failed to create webhook subscription", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create webhook"})
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (h *Handlers) GetWebhook(c *gin.Context) {
	sub, err := h.webhooks.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, webhook.ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
			return
		}
		h.logger.Error("Failed to get webhook", "id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get webhook"})
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *Handlers) ListWebhooks(c *gin.Context) {
	p := pagination(c)
	subs, err := h.webhooks.List(c.Request.Context(), currentUser(c), p)
	if err != nil {
		h.logger.Error("Failed to list webhooks", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list webhooks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"webhooks": subs,
		"total":    p.Total,
		"page":     p.Page,
		"limit":    p.Limit,
	})
}

func (h *Handlers) UpdateWebhook(c *gin.Context) {
	sub, err := h.webhooks.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, webhook.ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
			return
		}
		h.logger.Error("Failed to get webhook", "id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get webhook"})
		return
	}

	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub.Name = req.Name
	sub.URL = req.URL
	sub.EventTypes = req.EventTypes
	if req.Secret != "" {
		sub.Secret = req.Secret
	}
	if req.Headers != nil {
		sub.Headers = req.Headers
	}
	if req.IsActive != nil {
		sub.IsActive = *req.IsActive
		if sub.IsActive {
			// Re-enabling restarts the failure budget.
			sub.FailureCount = 0
		}
	}
	sub.UpdatedAt = time.Now().UTC()
	if err := sub.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.webhooks.Update(c.Request.Context(), sub); err != nil {
		h.logger.Error("Failed to update webhook", "id", sub.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update webhook"})
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *Handlers) DeleteWebhook(c *gin.Context) {
	id := c.Param("id")
	if err := h.webhooks.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, webhook.ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
			return
		}
		h.logger.Error("Failed to delete webhook", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete webhook"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "webhook deleted", "id": id})
}

func (h *Handlers) ListWebhookDeliveries(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	deliveries, err := h.webhooks.Deliveries(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.logger.Error("Failed to list deliveries", "id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list deliveries"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries})
}

func (h *Handlers) ListInstances(c *gin.Context) {
	if h.cluster == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cluster registry is not enabled"})
		return
	}
	instances, err := h.cluster.Instances(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list instances", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list instances"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": instances, "self": h.cluster.Self().ID})
}

func (h *Handlers) ArchiveStats(c *gin.Context) {
	if h.archiver == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archiving is not enabled"})
		return
	}
	stats, err := h.archiver.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to read archive stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read archive stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handlers) RunArchive(c *gin.Context) {
	if h.archiver == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archiving is not enabled"})
		return
	}
	archived, err := h.archiver.Run(c.Request.Context())
	if err != nil {
		h.logger.Error("Archive run failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": archived})
}

func (h *Handlers) RestoreExecution(c *gin.Context) {
	if h.archiver == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archiving is not enabled"})
		return
	}
	execution, err := h.archiver.Restore(c.Request.Context(), c.Param("id"), c.Query("date"))
	if err != nil {
		if errors.Is(err, archive.ErrNotArchived) {
			c.JSON(http.StatusNotFound, gin.H{"error": "execution not found in archive"})
			return
		}
		h.logger.Error("Restore failed", "id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "restore failed"})
		return
	}
	c.JSON(http.StatusOK, execution)
}

// ServeWS upgrades the connection and attaches it to the hub. The client
// subscribes to execution and workflow rooms over the socket.
func (h *Handlers) ServeWS(c *gin.Context) {
	userID := currentUser(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user ID required"})
		return
	}
	if err := ws.Serve(h.hub, c.Writer, c.Request, userID); err != nil {
		h.logger.Error("WebSocket upgrade failed", "error", err)
	}
}
