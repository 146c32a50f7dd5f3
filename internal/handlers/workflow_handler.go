package handlers

import (
	"io"
	"net/http"
	"strconv"

	"admitflow/internal/models"
	"admitflow/internal/services"
	"admitflow/internal/store"
	"admitflow/internal/workflow"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// WorkflowHandler 工作流规则管理接口
type WorkflowHandler struct {
	service *services.WorkflowService
	feed    *services.ExecutionFeed
	logger  *logrus.Logger
}

func NewWorkflowHandler(service *services.WorkflowService, feed *services.ExecutionFeed, logger *logrus.Logger) *WorkflowHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &WorkflowHandler{service: service, feed: feed, logger: logger}
}

// RunRequest is the body of execute, test and bulk-execute.
type RunRequest struct {
	RuleIDs   []uint                 `json:"rule_ids"`
	SubjectID uint                   `json:"subject_id"`
	Context   map[string]interface{} `json:"context"`
}

type toggleRequest struct {
	IsActive  *bool `json:"is_active"`
	IsEnabled *bool `json:"is_enabled"`
}

func (r toggleRequest) value() *bool {
	if r.IsActive != nil {
		return r.IsActive
	}
	return r.IsEnabled
}

type bulkToggleRequest struct {
	RuleIDs []uint `json:"rule_ids" binding:"required"`
	toggleRequest
}

type bulkRequest struct {
	RuleIDs []uint `json:"rule_ids" binding:"required"`
}

type reorderRequest struct {
	Order []int `json:"order" binding:"required"`
}

func actor(c *gin.Context) string {
	if a := c.GetHeader("X-Actor"); a != "" {
		return a
	}
	return "api"
}

// ListRules GET /rules
func (h *WorkflowHandler) ListRules(c *gin.Context) {
	f := store.RuleFilter{
		TriggerType: models.TriggerType(c.Query("trigger_type")),
		Search:      c.Query("search"),
		Page:        store.Page{Page: intQuery(c, "page", 1), PageSize: intQuery(c, "page_size", 20)},
	}
	if raw := c.Query("is_active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, "Invalid is_active", err)
			return
		}
		f.IsActive = &v
	}
	rules, total, err := h.service.ListRules(c.Request.Context(), f)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, paginated(rules, total, f.Page.Page, f.Page.PageSize))
}

// CreateRule POST /rules
func (h *WorkflowHandler) CreateRule(c *gin.Context) {
	var req services.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	rule, err := h.service.CreateRule(c.Request.Context(), &req, actor(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *WorkflowHandler) GetRule(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	rule, err := h.service.GetRule(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// UpdateRule PUT /rules/:id
func (h *WorkflowHandler) UpdateRule(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req services.RuleUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	rule, err := h.service.UpdateRule(c.Request.Context(), id, &req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *WorkflowHandler) DeleteRule(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteRule(c.Request.Context(), id); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Rule deleted"})
}

// ToggleRule POST /rules/:id/toggle；无请求体时取反
func (h *WorkflowHandler) ToggleRule(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req toggleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}
	rule, err := h.service.ToggleRule(c.Request.Context(), id, req.value())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *WorkflowHandler) DuplicateRule(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	rule, err := h.service.DuplicateRule(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// ExecuteRule POST /rules/:id/execute
func (h *WorkflowHandler) ExecuteRule(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req RunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}
	res, err := h.service.ExecuteRule(c.Request.Context(), id, req.SubjectID, req.Context)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// TestRule POST /rules/:id/test
func (h *WorkflowHandler) TestRule(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req RunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}
	report, err := h.service.TestRule(c.Request.Context(), id, req.SubjectID, req.Context)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ReorderActions PUT /rules/:id/actions/order
func (h *WorkflowHandler) ReorderActions(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req reorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	rule, err := h.service.ReorderActions(c.Request.Context(), id, req.Order)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *WorkflowHandler) BulkToggle(c *gin.Context) {
	var req bulkToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	active := req.value()
	if active == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: "is_active is required"})
		return
	}
	n, err := h.service.BulkToggle(c.Request.Context(), req.RuleIDs, *active)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

func (h *WorkflowHandler) BulkDelete(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	n, err := h.service.BulkDelete(c.Request.Context(), req.RuleIDs)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (h *WorkflowHandler) BulkExecute(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	if len(req.RuleIDs) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: "rule_ids is required"})
		return
	}
	results := h.service.BulkExecute(c.Request.Context(), req.RuleIDs, req.SubjectID, req.Context)
	c.JSON(http.StatusOK, gin.H{"executions": results})
}

// ExportRules GET /rules/export
func (h *WorkflowHandler) ExportRules(c *gin.Context) {
	data, err := h.service.ExportRules(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="workflow-rules.yml"`)
	c.Data(http.StatusOK, "application/yaml", data)
}

// ImportRules POST /rules/import，请求体为 YAML
func (h *WorkflowHandler) ImportRules(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, 4<<20))
	if err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	res, err := h.service.ImportRules(c.Request.Context(), data, actor(c))
	if err != nil {
		if workflow.IsValidation(err) || res == nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Import failed", Message: err.Error()})
			return
		}
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListExecutions GET /executions
func (h *WorkflowHandler) ListExecutions(c *gin.Context) {
	f := store.ExecutionFilter{
		Status: models.ExecutionStatus(c.Query("status")),
		Source: models.ExecutionSource(c.Query("source")),
		Page:   store.Page{Page: intQuery(c, "page", 1), PageSize: intQuery(c, "page_size", 20)},
	}
	var err error
	if f.RuleID, err = uintQuery(c, "rule_id"); err != nil {
		badRequest(c, "Invalid rule_id", err)
		return
	}
	if f.SubjectID, err = uintQuery(c, "subject_id"); err != nil {
		badRequest(c, "Invalid subject_id", err)
		return
	}
	if f.DateFrom, err = timeQuery(c, "date_from", false); err != nil {
		badRequest(c, "Invalid date_from", err)
		return
	}
	if f.DateTo, err = timeQuery(c, "date_to", true); err != nil {
		badRequest(c, "Invalid date_to", err)
		return
	}
	execs, total, err := h.service.ListExecutions(c.Request.Context(), f)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, paginated(execs, total, f.Page.Page, f.Page.PageSize))
}

func (h *WorkflowHandler) GetExecution(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	exec, err := h.service.GetExecution(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (h *WorkflowHandler) ExecutionLog(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	lines, err := h.service.ExecutionLog(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"log": lines})
}

// RetryExecution POST /executions/:id/retry
func (h *WorkflowHandler) RetryExecution(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	exec, err := h.service.RetryExecution(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, exec)
}

func (h *WorkflowHandler) statsFilter(c *gin.Context) (store.StatsFilter, bool) {
	var (
		f   store.StatsFilter
		err error
	)
	if f.RuleID, err = uintQuery(c, "rule_id"); err != nil {
		badRequest(c, "Invalid rule_id", err)
		return f, false
	}
	if f.DateFrom, err = timeQuery(c, "date_from", false); err != nil {
		badRequest(c, "Invalid date_from", err)
		return f, false
	}
	if f.DateTo, err = timeQuery(c, "date_to", true); err != nil {
		badRequest(c, "Invalid date_to", err)
		return f, false
	}
	return f, true
}

// Stats GET /stats
func (h *WorkflowHandler) Stats(c *gin.Context) {
	f, ok := h.statsFilter(c)
	if !ok {
		return
	}
	stats, err := h.service.Stats(c.Request.Context(), f)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Performance GET /performance
func (h *WorkflowHandler) Performance(c *gin.Context) {
	f, ok := h.statsFilter(c)
	if !ok {
		return
	}
	perf, err := h.service.Performance(c.Request.Context(), f, intQuery(c, "limit", 10))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": perf})
}

// HandleEvent POST /events：没有 AMQP 的生产者通过 HTTP 投递事件
func (h *WorkflowHandler) HandleEvent(c *gin.Context) {
	var evt workflow.Event
	if err := c.ShouldBindJSON(&evt); err != nil {
		badRequest(c, "Invalid event", err)
		return
	}
	execs, err := h.service.HandleEvent(c.Request.Context(), evt)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if execs == nil {
		execs = []*models.Execution{}
	}
	c.JSON(http.StatusAccepted, gin.H{"executions": execs})
}

// ListTasks GET /tasks
func (h *WorkflowHandler) ListTasks(c *gin.Context) {
	p := store.Page{Page: intQuery(c, "page", 1), PageSize: intQuery(c, "page_size", 20)}
	tasks, total, err := h.service.ListTasks(c.Request.Context(), models.DeferredTaskStatus(c.Query("status")), p)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, paginated(tasks, total, p.Page, p.PageSize))
}

func (h *WorkflowHandler) Settings(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Settings())
}

// RegisterWorkflowRoutes 注册工作流路由
// UpdateSettings PATCH /settings
func (h *WorkflowHandler) UpdateSettings(c *gin.Context) {
	var req services.SettingsUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid settings", err)
		return
	}
	settings, err := h.service.UpdateSettings(req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func RegisterWorkflowRoutes(r *gin.RouterGroup, handler *WorkflowHandler) {
	wf := r.Group("/workflows")
	{
		wf.GET("/rules", handler.ListRules)
		wf.POST("/rules", handler.CreateRule)
		wf.GET("/rules/export", handler.ExportRules)
		wf.POST("/rules/import", handler.ImportRules)
		wf.POST("/rules/bulk-toggle", handler.BulkToggle)
		wf.POST("/rules/bulk-delete", handler.BulkDelete)
		wf.POST("/rules/bulk-execute", handler.BulkExecute)
		wf.GET("/rules/:id", handler.GetRule)
		wf.PUT("/rules/:id", handler.UpdateRule)
		wf.DELETE("/rules/:id", handler.DeleteRule)
		wf.POST("/rules/:id/toggle", handler.ToggleRule)
		wf.POST("/rules/:id/duplicate", handler.DuplicateRule)
		wf.POST("/rules/:id/execute", handler.ExecuteRule)
		wf.POST("/rules/:id/test", handler.TestRule)
		wf.PUT("/rules/:id/actions/order", handler.ReorderActions)

		wf.GET("/executions", handler.ListExecutions)
		if handler.feed != nil {
			wf.GET("/executions/stream", handler.feed.HandleWebSocket)
		}
		wf.GET("/executions/:id", handler.GetExecution)
		wf.GET("/executions/:id/log", handler.ExecutionLog)
		wf.POST("/executions/:id/retry", handler.RetryExecution)

		wf.GET("/stats", handler.Stats)
		wf.GET("/performance", handler.Performance)
		wf.POST("/events", handler.HandleEvent)
		wf.GET("/tasks", handler.ListTasks)
		wf.GET("/settings", handler.Settings)
		wf.PATCH("/settings", handler.UpdateSettings)
	}
}
