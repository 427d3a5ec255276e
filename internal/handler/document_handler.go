package handler

import (
	"net/http"

	"github.com/bitfantasy/nimo-pdm/internal/service"
	"github.com/gin-gonic/gin"
)

// DocumentHandler 文档处理器
type DocumentHandler struct {
	svc *service.DocumentService
}

// NewDocumentHandler 创建文档处理器
func NewDocumentHandler(svc *service.DocumentService) *DocumentHandler {
	return &DocumentHandler{svc: svc}
}

// List GET /documents
func (h *DocumentHandler) List(c *gin.Context) {
	page, pageSize := GetPagination(c)
	filters := queryFilters(c, "keyword", "status", "stage", "created_by")
	if c.Query("all_revisions") == "true" {
		filters["all_revisions"] = true
	}

	result, err := h.svc.List(c.Request.Context(), page, pageSize, filters)
	if err != nil {
		Fail(c, err)
		return
	}
	List(c, result)
}

// Get GET /documents/:id
func (h *DocumentHandler) Get(c *gin.Context) {
	doc, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, doc)
}

// Create POST /documents
func (h *DocumentHandler) Create(c *gin.Context) {
	var req service.CreateDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	doc, err := h.svc.Create(c.Request.Context(), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, doc)
}

// StartWork POST /documents/:id/start-work
func (h *DocumentHandler) StartWork(c *gin.Context) {
	doc, err := h.svc.StartWork(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, doc)
}

// SubmitForReview POST /documents/:id/submit-for-review
func (h *DocumentHandler) SubmitForReview(c *gin.Context) {
	var req struct {
		ReviewerIDs []string `json:"reviewer_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "请指定评审人")
		return
	}

	doc, err := h.svc.SubmitForReview(c.Request.Context(), c.Param("id"), req.ReviewerIDs, GetUserID(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, doc)
}

// reviewRequest 评审结论请求
type reviewRequest struct {
	Approved *bool  `json:"approved" binding:"required"`
	Approver string `json:"approver"`
	Comment  string `json:"comment"`
}

func (r reviewRequest) decision(c *gin.Context) service.ReviewDecision {
	return service.ReviewDecision{
		Approved: *r.Approved,
		Approver: actor(c, r.Approver),
		Comment:  r.Comment,
	}
}

// CompleteReview POST /documents/:id/complete-review
func (h *DocumentHandler) CompleteReview(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	doc, err := h.svc.CompleteReview(c.Request.Context(), c.Param("id"), req.decision(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, doc)
}

// Revise POST /documents/:id/revise
func (h *DocumentHandler) Revise(c *gin.Context) {
	var req struct {
		User string `json:"user"`
	}
	_ = c.ShouldBindJSON(&req)

	doc, err := h.svc.Revise(c.Request.Context(), c.Param("id"), actor(c, req.User))
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, doc)
}

// UpdateStage PUT /documents/:id
func (h *DocumentHandler) UpdateStage(c *gin.Context) {
	var req struct {
		Stage   string `json:"stage" binding:"required"`
		User    string `json:"user"`
		Comment string `json:"comment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	doc, err := h.svc.UpdateStage(c.Request.Context(), c.Param("id"), req.Stage, actor(c, req.User), req.Comment)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, doc)
}

// Release POST /documents/:id/release
func (h *DocumentHandler) Release(c *gin.Context) {
	doc, err := h.svc.Release(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, doc)
}

type commentRequest struct {
	Comment string `json:"comment"`
}

// Obsolete POST /documents/:id/obsolete
func (h *DocumentHandler) Obsolete(c *gin.Context) {
	var req commentRequest
	_ = c.ShouldBindJSON(&req)

	doc, err := h.svc.Obsolete(c.Request.Context(), c.Param("id"), GetUserID(c), req.Comment)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, doc)
}

// Retire POST /documents/:id/retire
func (h *DocumentHandler) Retire(c *gin.Context) {
	var req commentRequest
	_ = c.ShouldBindJSON(&req)

	doc, err := h.svc.Retire(c.Request.Context(), c.Param("id"), GetUserID(c), req.Comment)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, doc)
}

// History GET /documents/:id/history
func (h *DocumentHandler) History(c *gin.Context) {
	history, err := h.svc.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, history)
}

// Revisions GET /documents/:id/revisions
func (h *DocumentHandler) Revisions(c *gin.Context) {
	revs, err := h.svc.Revisions(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, revs)
}

// UploadFile POST /documents/:id/file
func (h *DocumentHandler) UploadFile(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		BadRequest(c, "请上传文件")
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		BadRequest(c, "无法读取文件: "+err.Error())
		return
	}
	defer file.Close()

	contentType := fileHeader.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	doc, err := h.svc.AttachFile(c.Request.Context(), c.Param("id"), GetUserID(c),
		file, fileHeader.Filename, fileHeader.Size, contentType)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, doc)
}

// DownloadFile GET /documents/:id/file
func (h *DocumentHandler) DownloadFile(c *gin.Context) {
	rc, doc, err := h.svc.DownloadFile(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, doc.FileSize, doc.MimeType, rc, map[string]string{
		"Content-Disposition": "attachment; filename=\"" + doc.FileName + "\"",
	})
}
