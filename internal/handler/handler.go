package handler

import (
	"errors"
	"strconv"

	"github.com/bitfantasy/nimo-pdm/internal/apperr"
	"github.com/bitfantasy/nimo-pdm/internal/events"
	"github.com/bitfantasy/nimo-pdm/internal/fanout"
	"github.com/bitfantasy/nimo-pdm/internal/service"
	"github.com/gin-gonic/gin"
)

// Handlers 处理器集合
type Handlers struct {
	Part     *PartHandler
	BOM      *BOMHandler
	Document *DocumentHandler
	Change   *ChangeHandler
	Task     *TaskHandler
	Workflow *WorkflowHandler
	SSE      *SSEHandler
}

// NewHandlers 创建处理器集合
func NewHandlers(svc *service.Services, hub *events.Hub) *Handlers {
	return &Handlers{
		Part:     NewPartHandler(svc.Part),
		BOM:      NewBOMHandler(svc.BOM),
		Document: NewDocumentHandler(svc.Document),
		Change:   NewChangeHandler(svc.Change),
		Task:     NewTaskHandler(svc.Task),
		Workflow: NewWorkflowHandler(svc.Workflow),
		SSE:      NewSSEHandler(hub),
	}
}

// Response 通用响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	// Warnings lists secondary stores that missed this request's writes.
	Warnings []string `json:"warnings,omitempty"`
}

// ListResponse 列表响应结构
type ListResponse struct {
	Items      interface{} `json:"items"`
	Pagination *Pagination `json:"pagination"`
}

// Pagination 分页信息
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

const collectorKey = "fanout_collector"

// CollectOutcomes 为每个请求挂载fan-out结果收集器，响应时带出降级告警
func CollectOutcomes() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, col := fanout.Collect(c.Request.Context())
		c.Request = c.Request.WithContext(ctx)
		c.Set(collectorKey, col)
		c.Next()
	}
}

func warnings(c *gin.Context) []string {
	col, _ := c.Get(collectorKey)
	if v, ok := col.(*fanout.Collector); ok {
		return v.Warnings()
	}
	return nil
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(200, Response{
		Code:     0,
		Message:  "success",
		Data:     data,
		Warnings: warnings(c),
	})
}

// Created 创建成功响应
func Created(c *gin.Context, data interface{}) {
	c.JSON(201, Response{
		Code:     0,
		Message:  "success",
		Data:     data,
		Warnings: warnings(c),
	})
}

// List 分页列表响应
func List[T any](c *gin.Context, r *service.ListResult[T]) {
	Success(c, ListResponse{
		Items: r.Items,
		Pagination: &Pagination{
			Page:       r.Page,
			PageSize:   r.PageSize,
			Total:      int(r.Total),
			TotalPages: r.TotalPages,
		},
	})
}

// Error 错误响应
func Error(c *gin.Context, code int, message string) {
	statusCode := code / 100
	if statusCode < 100 || statusCode > 599 {
		statusCode = 500
	}
	c.JSON(statusCode, Response{
		Code:    code,
		Message: message,
	})
}

// BadRequest 参数错误响应
func BadRequest(c *gin.Context, message string) {
	Error(c, 40000, message)
}

// Forbidden 禁止访问响应
func Forbidden(c *gin.Context, message string) {
	Error(c, 40300, message)
}

// NotFound 资源不存在响应
func NotFound(c *gin.Context, message string) {
	Error(c, 40400, message)
}

// InternalError 服务器错误响应
func InternalError(c *gin.Context, message string) {
	Error(c, 50000, message)
}

// Fail 按错误类型映射响应码
func Fail(c *gin.Context, err error) {
	var (
		cycle    *apperr.CycleError
		invalid  *apperr.ValidationError
		missing  *apperr.NotFoundError
		conflict *apperr.ConflictError
		engine   *apperr.WorkflowEngineError
	)
	switch {
	case errors.As(err, &cycle):
		Error(c, 40001, err.Error())
	case errors.As(err, &invalid):
		Error(c, 40000, err.Error())
	case errors.As(err, &missing):
		Error(c, 40400, err.Error())
	case errors.As(err, &conflict):
		Error(c, 40900, err.Error())
	case errors.As(err, &engine):
		Error(c, 50200, err.Error())
	default:
		_ = c.Error(err)
		InternalError(c, "internal error")
	}
}

// GetUserID 从上下文获取用户ID
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

// actor 请求体里显式给出的操作人优先，否则取登录用户
func actor(c *gin.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return GetUserID(c)
}

// GetPagination 从请求获取分页参数
func GetPagination(c *gin.Context) (page, pageSize int) {
	page = 1
	pageSize = 20

	if p := c.Query("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			page = v
		}
	}

	if ps := c.Query("page_size"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 && v <= 100 {
			pageSize = v
		}
	}

	return page, pageSize
}

// queryFilters 收集非空查询参数
func queryFilters(c *gin.Context, keys ...string) map[string]interface{} {
	filters := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		if v := c.Query(k); v != "" {
			filters[k] = v
		}
	}
	return filters
}
