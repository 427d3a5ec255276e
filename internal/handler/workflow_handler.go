package handler

import (
	"github.com/bitfantasy/nimo-pdm/internal/service"
	"github.com/gin-gonic/gin"
)

// WorkflowHandler 工作流引擎回调处理器
type WorkflowHandler struct {
	svc *service.WorkflowService
}

// NewWorkflowHandler 创建工作流回调处理器
func NewWorkflowHandler(svc *service.WorkflowService) *WorkflowHandler {
	return &WorkflowHandler{svc: svc}
}

// CompleteJob POST /workflow/tasks/:jobKey/complete
// 重复投递返回200 {already_resolved:true}
func (h *WorkflowHandler) CompleteJob(c *gin.Context) {
	var req struct {
		Variables map[string]any `json:"variables" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	res, err := h.svc.OnJobComplete(c.Request.Context(), c.Param("jobKey"), req.Variables)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, res)
}
