package handler

import (
	"github.com/bitfantasy/nimo-pdm/internal/service"
	"github.com/gin-gonic/gin"
)

// ChangeHandler 工程变更处理器
type ChangeHandler struct {
	svc *service.ChangeService
}

// NewChangeHandler 创建工程变更处理器
func NewChangeHandler(svc *service.ChangeService) *ChangeHandler {
	return &ChangeHandler{svc: svc}
}

// List GET /changes
func (h *ChangeHandler) List(c *gin.Context) {
	page, pageSize := GetPagination(c)
	result, err := h.svc.List(c.Request.Context(), page, pageSize, queryFilters(c, "keyword", "status", "created_by"))
	if err != nil {
		Fail(c, err)
		return
	}
	List(c, result)
}

// Get GET /changes/:id
func (h *ChangeHandler) Get(c *gin.Context) {
	change, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, change)
}

// Create POST /changes
func (h *ChangeHandler) Create(c *gin.Context) {
	var req service.CreateChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	change, err := h.svc.Create(c.Request.Context(), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, change)
}

// StartWork POST /changes/:id/start-work
func (h *ChangeHandler) StartWork(c *gin.Context) {
	change, err := h.svc.StartWork(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, change)
}

// SubmitForReview POST /changes/:id/submit-for-review
func (h *ChangeHandler) SubmitForReview(c *gin.Context) {
	var req struct {
		ReviewerIDs []string `json:"reviewer_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "请指定评审人")
		return
	}

	change, err := h.svc.SubmitForReview(c.Request.Context(), c.Param("id"), req.ReviewerIDs, GetUserID(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, change)
}

// CompleteReview POST /changes/:id/complete-review
func (h *ChangeHandler) CompleteReview(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	change, err := h.svc.CompleteReview(c.Request.Context(), c.Param("id"), req.decision(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, change)
}

// Release POST /changes/:id/release
func (h *ChangeHandler) Release(c *gin.Context) {
	change, err := h.svc.Release(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, change)
}

// Obsolete POST /changes/:id/obsolete
func (h *ChangeHandler) Obsolete(c *gin.Context) {
	var req commentRequest
	_ = c.ShouldBindJSON(&req)

	change, err := h.svc.Obsolete(c.Request.Context(), c.Param("id"), GetUserID(c), req.Comment)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, change)
}

// Retire POST /changes/:id/retire
func (h *ChangeHandler) Retire(c *gin.Context) {
	var req commentRequest
	_ = c.ShouldBindJSON(&req)

	change, err := h.svc.Retire(c.Request.Context(), c.Param("id"), GetUserID(c), req.Comment)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, change)
}

// History GET /changes/:id/history
func (h *ChangeHandler) History(c *gin.Context) {
	history, err := h.svc.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, history)
}
