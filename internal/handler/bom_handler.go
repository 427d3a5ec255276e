package handler

import (
	"path/filepath"
	"strings"

	"github.com/bitfantasy/nimo-pdm/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"
)

// BOMHandler 物料清单处理器
type BOMHandler struct {
	svc *service.BOMService
}

// NewBOMHandler 创建物料清单处理器
func NewBOMHandler(svc *service.BOMService) *BOMHandler {
	return &BOMHandler{svc: svc}
}

// AddUsage POST /parts/usage
func (h *BOMHandler) AddUsage(c *gin.Context) {
	var req service.AddUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	usage, err := h.svc.AddUsage(c.Request.Context(), req.ParentPartID, req.ChildPartID, req.Quantity, GetUserID(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, usage)
}

// UpdateQuantity PUT /parts/usage/:parentId/:childId
func (h *BOMHandler) UpdateQuantity(c *gin.Context) {
	var req struct {
		Quantity int `json:"quantity" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	usage, err := h.svc.UpdateQuantity(c.Request.Context(), c.Param("parentId"), c.Param("childId"), req.Quantity)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, usage)
}

// RemoveUsage DELETE /parts/usage/:parentId/:childId
func (h *BOMHandler) RemoveUsage(c *gin.Context) {
	if err := h.svc.RemoveUsage(c.Request.Context(), c.Param("parentId"), c.Param("childId")); err != nil {
		Fail(c, err)
		return
	}
	Success(c, gin.H{"deleted": true})
}

// Hierarchy GET /parts/:id/hierarchy
func (h *BOMHandler) Hierarchy(c *gin.Context) {
	tree, err := h.svc.HierarchyOf(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, tree)
}

// Ancestors GET /parts/:id/ancestors
func (h *BOMHandler) Ancestors(c *gin.Context) {
	parts, err := h.svc.AncestorsOf(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, gin.H{"items": parts})
}

// Descendants GET /parts/:id/descendants
func (h *BOMHandler) Descendants(c *gin.Context) {
	parts, err := h.svc.DescendantsOf(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, gin.H{"items": parts})
}

// ==================== Excel 导入/导出 ====================

// ExportHierarchy GET /parts/:id/hierarchy/export
func (h *BOMHandler) ExportHierarchy(c *gin.Context) {
	f, filename, err := h.svc.ExportHierarchy(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	defer f.Close()

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename=\""+filename+"\"")
	c.Header("Content-Transfer-Encoding", "binary")

	if err := f.Write(c.Writer); err != nil {
		InternalError(c, "write excel: "+err.Error())
	}
}

// ImportUsages POST /parts/usage/import
// .xlsx 走Excel解析，.txt/.csv/.rep 按文本解析，encoding=gbk 时先转码
func (h *BOMHandler) ImportUsages(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		BadRequest(c, "请上传BOM文件")
		return
	}
	defer file.Close()

	var result *service.ImportResult
	switch strings.ToLower(filepath.Ext(header.Filename)) {
	case ".txt", ".csv", ".rep":
		gbk := strings.EqualFold(c.Query("encoding"), "gbk")
		result, err = h.svc.ImportUsagesText(c.Request.Context(), file, gbk, GetUserID(c))
	default:
		f, openErr := excelize.OpenReader(file)
		if openErr != nil {
			BadRequest(c, "无法解析Excel文件: "+openErr.Error())
			return
		}
		defer f.Close()
		result, err = h.svc.ImportUsages(c.Request.Context(), f, GetUserID(c))
	}
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, result)
}
