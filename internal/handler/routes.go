package handler

import (
	"github.com/bitfantasy/nimo-pdm/internal/middleware"
	"github.com/gin-gonic/gin"
)

// RegisterAPI 注册 /api/v1 下的业务路由与引擎回调
func RegisterAPI(r *gin.Engine, h *Handlers, jwtSecret, engineToken string) {
	v1 := r.Group("/api/v1")
	v1.Use(CollectOutcomes())

	// 引擎回调使用共享令牌，不走用户JWT
	callbacks := v1.Group("/workflow", middleware.EngineAuth(engineToken))
	{
		callbacks.POST("/tasks/:jobKey/complete", h.Workflow.CompleteJob)
	}

	authorized := v1.Group("", middleware.JWTAuth(jwtSecret))

	// SSE 实时推送（支持 query param token）
	authorized.GET("/events", h.SSE.Stream)

	documents := authorized.Group("/documents")
	{
		documents.GET("", h.Document.List)
		documents.POST("", h.Document.Create)
		documents.GET("/:id", h.Document.Get)
		documents.PUT("/:id", h.Document.UpdateStage)
		documents.POST("/:id/start-work", h.Document.StartWork)
		documents.POST("/:id/submit-for-review", h.Document.SubmitForReview)
		documents.POST("/:id/complete-review", h.Document.CompleteReview)
		documents.POST("/:id/revise", h.Document.Revise)
		documents.POST("/:id/release", h.Document.Release)
		documents.POST("/:id/obsolete", h.Document.Obsolete)
		documents.POST("/:id/retire", h.Document.Retire)
		documents.GET("/:id/history", h.Document.History)
		documents.GET("/:id/revisions", h.Document.Revisions)
		documents.POST("/:id/file", h.Document.UploadFile)
		documents.GET("/:id/file", h.Document.DownloadFile)
	}

	parts := authorized.Group("/parts")
	{
		parts.GET("", h.Part.List)
		parts.POST("", h.Part.Create)
		parts.POST("/usage", h.BOM.AddUsage)
		parts.POST("/usage/import", h.BOM.ImportUsages)
		parts.PUT("/usage/:parentId/:childId", h.BOM.UpdateQuantity)
		parts.DELETE("/usage/:parentId/:childId", h.BOM.RemoveUsage)
		parts.GET("/:id", h.Part.Get)
		parts.PUT("/:id", h.Part.Update)
		parts.DELETE("/:id", h.Part.Delete)
		parts.GET("/:id/hierarchy", h.BOM.Hierarchy)
		parts.GET("/:id/hierarchy/export", h.BOM.ExportHierarchy)
		parts.GET("/:id/ancestors", h.BOM.Ancestors)
		parts.GET("/:id/descendants", h.BOM.Descendants)
	}

	changes := authorized.Group("/changes")
	{
		changes.GET("", h.Change.List)
		changes.POST("", h.Change.Create)
		changes.GET("/:id", h.Change.Get)
		changes.POST("/:id/start-work", h.Change.StartWork)
		changes.POST("/:id/submit-for-review", h.Change.SubmitForReview)
		changes.POST("/:id/complete-review", h.Change.CompleteReview)
		changes.POST("/:id/release", h.Change.Release)
		changes.POST("/:id/obsolete", h.Change.Obsolete)
		changes.POST("/:id/retire", h.Change.Retire)
		changes.GET("/:id/history", h.Change.History)
	}

	tasks := authorized.Group("/tasks")
	{
		tasks.GET("", h.Task.List)
		tasks.POST("", h.Task.Create)
		tasks.GET("/:id", h.Task.Get)
		tasks.POST("/:id/start", h.Task.Start)
		tasks.POST("/:id/complete", h.Task.Complete)
		tasks.POST("/:id/cancel", h.Task.Cancel)
		tasks.POST("/:id/dependencies", h.Task.AddDependency)
		tasks.POST("/:id/signoffs", h.Task.AddSignoff)
		tasks.POST("/:id/signoffs/:userId", h.Task.RecordSignoff)
	}
}
