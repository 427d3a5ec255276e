package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-pdm/internal/apperr"
	"github.com/bitfantasy/nimo-pdm/internal/blob"
	"github.com/bitfantasy/nimo-pdm/internal/cache"
	"github.com/bitfantasy/nimo-pdm/internal/events"
	"github.com/bitfantasy/nimo-pdm/internal/fanout"
	"github.com/bitfantasy/nimo-pdm/internal/repository"
	"github.com/bitfantasy/nimo-pdm/internal/shared/engine"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

// Services 服务集合
type Services struct {
	Part     *PartService
	BOM      *BOMService
	Document *DocumentService
	Change   *ChangeService
	Task     *TaskService
	Workflow *WorkflowService
}

// Processes 各实体类型对应的审批流程定义
type Processes struct {
	Document string
	Change   string
}

// Deps 服务依赖。Writer/Events/Cache/Blob 可为空
type Deps struct {
	Repos     *repository.Repositories
	Writer    *fanout.Writer
	Events    events.Publisher
	Cache     cache.Cache
	CacheTTL  time.Duration
	Blob      blob.Store
	Engine    engine.ProcessEngine
	Processes Processes
	Language  language.Tag
	Logger    *zap.Logger
}

// NewServices 创建服务集合
func NewServices(d Deps) *Services {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Engine == nil {
		d.Engine = engine.Unconfigured{}
	}
	if d.Language == language.Und {
		d.Language = language.English
	}
	// hierarchy reads must never fail because redis is down
	d.Cache = cache.NewSafe(d.Cache, d.Logger)

	b := base{writer: d.Writer, events: d.Events, logger: d.Logger}

	workflow := NewWorkflowService(d.Engine, d.Processes, d.Logger)
	parts := NewPartService(d.Repos, b)
	bom := NewBOMService(d.Repos, d.Cache, d.CacheTTL, d.Language, b)
	docs := NewDocumentService(d.Repos, d.Blob, workflow, b)
	changes := NewChangeService(d.Repos, workflow, b)
	tasks := NewTaskService(d.Repos, d.Engine, b)

	parts.bom = bom
	workflow.Register(EntityDocument, func(ctx context.Context, id string, d ReviewDecision) (string, error) {
		doc, err := docs.CompleteReview(ctx, id, d)
		if err != nil {
			return "", err
		}
		return doc.Status, nil
	})
	workflow.Register(EntityChange, func(ctx context.Context, id string, d ReviewDecision) (string, error) {
		change, err := changes.CompleteReview(ctx, id, d)
		if err != nil {
			return "", err
		}
		return change.Status, nil
	})
	workflow.tasks = tasks

	return &Services{
		Part:     parts,
		BOM:      bom,
		Document: docs,
		Change:   changes,
		Task:     tasks,
		Workflow: workflow,
	}
}

// base 提交后的副作用：副本同步与事件通知
type base struct {
	writer *fanout.Writer
	events events.Publisher
	logger *zap.Logger
}

func (b base) publish(ctx context.Context, m fanout.Mutation) {
	b.writer.Publish(ctx, m)
}

func (b base) notify(ctx context.Context, e events.Event) {
	if b.events == nil {
		return
	}
	b.events.Publish(ctx, e)
}

// ListResult 分页结果
type ListResult[T any] struct {
	Items      []T   `json:"items"`
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalPages int   `json:"total_pages"`
}

func newListResult[T any](items []T, total int64, page, pageSize int) *ListResult[T] {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	totalPages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		totalPages++
	}
	if items == nil {
		items = []T{}
	}
	return &ListResult[T]{
		Items:      items,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}
}

// lookup maps repository.ErrNotFound to an apperr.NotFoundError.
func lookup(entityName, id string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound(entityName, id)
	}
	return err
}

// txError keeps typed errors intact and turns database conflicts into
// ConflictError; anything else is wrapped with the operation name.
func txError(op, entityName, id string, err error) error {
	if err == nil {
		return nil
	}
	var (
		v  *apperr.ValidationError
		nf *apperr.NotFoundError
		c  *apperr.CycleError
		cf *apperr.ConflictError
		w  *apperr.WorkflowEngineError
	)
	if errors.As(err, &v) || errors.As(err, &nf) || errors.As(err, &c) ||
		errors.As(err, &cf) || errors.As(err, &w) || errors.Is(err, apperr.ErrAlreadyResolved) {
		return err
	}
	if mapped := repository.Conflict(entityName, id, err); apperr.IsConflict(mapped) {
		return mapped
	}
	return fmt.Errorf("%s: %w", op, err)
}
