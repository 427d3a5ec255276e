package handler

import (
	"github.com/bitfantasy/nimo-pdm/internal/service"
	"github.com/gin-gonic/gin"
)

// PartHandler 零部件处理器
type PartHandler struct {
	svc *service.PartService
}

// NewPartHandler 创建零部件处理器
func NewPartHandler(svc *service.PartService) *PartHandler {
	return &PartHandler{svc: svc}
}

// List GET /parts
func (h *PartHandler) List(c *gin.Context) {
	page, pageSize := GetPagination(c)
	result, err := h.svc.List(c.Request.Context(), page, pageSize, queryFilters(c, "keyword", "stage", "status"))
	if err != nil {
		Fail(c, err)
		return
	}
	List(c, result)
}

// Get GET /parts/:id
func (h *PartHandler) Get(c *gin.Context) {
	part, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, part)
}

// Create POST /parts
func (h *PartHandler) Create(c *gin.Context) {
	var req service.CreatePartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	part, err := h.svc.Create(c.Request.Context(), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, part)
}

// Update PUT /parts/:id
func (h *PartHandler) Update(c *gin.Context) {
	var req service.UpdatePartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	part, err := h.svc.Update(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, part)
}

// Delete DELETE /parts/:id
func (h *PartHandler) Delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		Fail(c, err)
		return
	}
	Success(c, gin.H{"deleted": true})
}
