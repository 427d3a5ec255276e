package handler

import (
	"github.com/bitfantasy/nimo-pdm/internal/service"
	"github.com/gin-gonic/gin"
)

// TaskHandler 任务处理器
type TaskHandler struct {
	svc *service.TaskService
}

// NewTaskHandler 创建任务处理器
func NewTaskHandler(svc *service.TaskService) *TaskHandler {
	return &TaskHandler{svc: svc}
}

// List GET /tasks
func (h *TaskHandler) List(c *gin.Context) {
	page, pageSize := GetPagination(c)
	filters := queryFilters(c, "task_status", "assignee_id", "workflow_id")
	if c.Query("mine") == "true" {
		filters["assignee_id"] = GetUserID(c)
	}
	if c.Query("overdue_only") == "true" {
		filters["overdue_only"] = true
	}

	result, err := h.svc.List(c.Request.Context(), page, pageSize, filters)
	if err != nil {
		Fail(c, err)
		return
	}
	List(c, result)
}

// Get GET /tasks/:id
func (h *TaskHandler) Get(c *gin.Context) {
	task, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, task)
}

// Create POST /tasks
func (h *TaskHandler) Create(c *gin.Context) {
	var req service.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	task, err := h.svc.Create(c.Request.Context(), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, task)
}

// Start POST /tasks/:id/start
func (h *TaskHandler) Start(c *gin.Context) {
	task, err := h.svc.Start(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, task)
}

// Complete POST /tasks/:id/complete
func (h *TaskHandler) Complete(c *gin.Context) {
	res, err := h.svc.Complete(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, res)
}

// Cancel POST /tasks/:id/cancel
func (h *TaskHandler) Cancel(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	task, err := h.svc.Cancel(c.Request.Context(), c.Param("id"), GetUserID(c), req.Reason)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, task)
}

// AddDependency POST /tasks/:id/dependencies
func (h *TaskHandler) AddDependency(c *gin.Context) {
	var req struct {
		DependsOnTaskID string `json:"depends_on_task_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	dep, err := h.svc.AddDependency(c.Request.Context(), c.Param("id"), req.DependsOnTaskID)
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, dep)
}

// AddSignoff POST /tasks/:id/signoffs
func (h *TaskHandler) AddSignoff(c *gin.Context) {
	var req struct {
		UserID   string `json:"user_id" binding:"required"`
		Required *bool  `json:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return
	}
	required := req.Required == nil || *req.Required

	signoff, err := h.svc.AddSignoff(c.Request.Context(), c.Param("id"), req.UserID, required)
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, signoff)
}

// RecordSignoff POST /tasks/:id/signoffs/:userId
// 只能由签核人本人提交
func (h *TaskHandler) RecordSignoff(c *gin.Context) {
	userID := c.Param("userId")
	if userID != GetUserID(c) {
		Forbidden(c, "只能提交本人的签核")
		return
	}
	var req struct {
		Decision string `json:"decision" binding:"required"`
		Comment  string `json:"comment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	res, err := h.svc.RecordSignoff(c.Request.Context(), c.Param("id"), userID, req.Decision, req.Comment)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, res)
}
