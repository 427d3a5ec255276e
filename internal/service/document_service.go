package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-pdm/internal/apperr"
	"github.com/bitfantasy/nimo-pdm/internal/blob"
	"github.com/bitfantasy/nimo-pdm/internal/events"
	"github.com/bitfantasy/nimo-pdm/internal/lifecycle"
	"github.com/bitfantasy/nimo-pdm/internal/model/entity"
	"github.com/bitfantasy/nimo-pdm/internal/repository"
	"go.uber.org/zap"
)

// DocumentService 文档服务
type DocumentService struct {
	repos    *repository.Repositories
	blob     blob.Store
	workflow *WorkflowService
	machine  *lifecycle.Machine
	base
}

// NewDocumentService 创建文档服务
func NewDocumentService(repos *repository.Repositories, store blob.Store, workflow *WorkflowService, b base) *DocumentService {
	return &DocumentService{
		repos:    repos,
		blob:     store,
		workflow: workflow,
		machine:  lifecycle.New(EntityDocument),
		base:     b,
	}
}

// CreateDocumentRequest 创建文档请求
type CreateDocumentRequest struct {
	Code                    string `json:"code" binding:"required"`
	Title                   string `json:"title" binding:"required"`
	Description             string `json:"description"`
	Content                 string `json:"content"`
	Stage                   string `json:"stage"`
	RequiresTechnicalReview bool   `json:"requires_technical_review"`
}

// List 获取文档列表（默认只含激活修订版）
func (s *DocumentService) List(ctx context.Context, page, pageSize int, filters map[string]interface{}) (*ListResult[entity.Document], error) {
	docs, total, err := s.repos.Document.List(ctx, page, pageSize, filters)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return newListResult(docs, total, page, pageSize), nil
}

// Get 获取文档详情
func (s *DocumentService) Get(ctx context.Context, id string) (*entity.Document, error) {
	doc, err := s.repos.Document.FindByID(ctx, id)
	if err != nil {
		return nil, lookup(EntityDocument, id, err)
	}
	return doc, nil
}

// Create 创建文档：新主记录 + 激活的A版草稿
func (s *DocumentService) Create(ctx context.Context, userID string, req *CreateDocumentRequest) (*entity.Document, error) {
	if strings.TrimSpace(req.Code) == "" || strings.TrimSpace(req.Title) == "" {
		return nil, apperr.Invalid(EntityDocument, "code and title are required")
	}
	stage := req.Stage
	if stage == "" {
		stage = entity.StageConcept
	}
	if !entity.ValidStage(stage) {
		return nil, apperr.Invalid(EntityDocument, fmt.Sprintf("unknown stage %q", stage))
	}

	now := time.Now()
	master := &entity.DocumentMaster{
		ID:        entity.NewID(),
		Code:      req.Code,
		Title:     req.Title,
		CreatedBy: userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	doc := &entity.Document{
		ID:                      entity.NewID(),
		MasterID:                master.ID,
		Title:                   req.Title,
		Description:             req.Description,
		Content:                 req.Content,
		Version:                 1,
		Revision:                lifecycle.NextRevision(""),
		Stage:                   stage,
		Status:                  entity.StatusDraft,
		IsActive:                true,
		RequiresTechnicalReview: req.RequiresTechnicalReview,
		CreatedBy:               userID,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	err := s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		if err := tx.Document.CreateMaster(ctx, master); err != nil {
			if repository.IsUniqueViolation(err) {
				return apperr.Invalid(EntityDocument, fmt.Sprintf("code %q already exists", req.Code))
			}
			return err
		}
		if err := tx.Document.Create(ctx, doc); err != nil {
			return err
		}
		return tx.Document.AddHistory(ctx, documentHistory(doc.ID, entity.ActionCreate, userID, "", doc.Status, ""))
	})
	if err != nil {
		return nil, txError("create document", EntityDocument, doc.ID, err)
	}
	doc.Master = master

	s.afterWrite(ctx, doc)
	return doc, nil
}

// StartWork 开始编辑
func (s *DocumentService) StartWork(ctx context.Context, id, userID string) (*entity.Document, error) {
	return s.transition(ctx, id, userID, lifecycle.EventStartWork, entity.ActionStartWork, "", lifecycle.Options{}, nil)
}

// SubmitForReview 提交评审。流程实例在同一事务内发起，引擎失败则整体回滚
func (s *DocumentService) SubmitForReview(ctx context.Context, id string, reviewers []string, userID string) (*entity.Document, error) {
	opts := lifecycle.Options{Reviewers: reviewers}
	return s.transition(ctx, id, userID, lifecycle.EventSubmitForReview, entity.ActionSubmitForReview,
		"reviewers: "+strings.Join(reviewers, ","), opts,
		func(doc *entity.Document) error {
			key, err := s.workflow.StartApproval(ctx, EntityDocument, doc.ID, reviewers, map[string]any{
				"title":    doc.Title,
				"revision": doc.Revision,
			})
			if err != nil {
				return err
			}
			doc.WorkflowInstanceKey = key
			return nil
		})
}

// CompleteReview 评审结论。实体已不在评审态时返回同时满足
// apperr.ErrAlreadyResolved 与 ValidationError 的错误
func (s *DocumentService) CompleteReview(ctx context.Context, id string, d ReviewDecision) (*entity.Document, error) {
	event := lifecycle.ReviewEvent(d.Approved)
	comment := d.Comment
	if !d.Approved && comment == "" {
		comment = "rejected"
	}
	doc, err := s.transition(ctx, id, d.Approver, event, entity.ActionCompleteReview, comment, lifecycle.Options{},
		func(doc *entity.Document) error {
			return supersededInstance(EntityDocument, doc.WorkflowInstanceKey, d)
		})
	var v *apperr.ValidationError
	if errors.As(err, &v) && !errors.Is(err, apperr.ErrAlreadyResolved) && !lifecycle.IsReviewState(v.State) {
		return nil, fmt.Errorf("%w: %w", apperr.ErrAlreadyResolved, err)
	}
	return doc, err
}

// Release 发布
func (s *DocumentService) Release(ctx context.Context, id, userID string) (*entity.Document, error) {
	return s.transition(ctx, id, userID, lifecycle.EventRelease, entity.ActionRelease, "", lifecycle.Options{},
		func(doc *entity.Document) error {
			now := time.Now()
			doc.ReleasedAt = &now
			return nil
		})
}

// Obsolete 作废已发布文档
func (s *DocumentService) Obsolete(ctx context.Context, id, userID, comment string) (*entity.Document, error) {
	return s.transition(ctx, id, userID, lifecycle.EventObsolete, entity.ActionObsolete, comment, lifecycle.Options{}, nil)
}

// Retire 显式退役：任意非作废状态直接作废，阶段置为RETIRED
func (s *DocumentService) Retire(ctx context.Context, id, userID, comment string) (*entity.Document, error) {
	return s.transition(ctx, id, userID, lifecycle.EventRetire, entity.ActionRetire, comment, lifecycle.Options{},
		func(doc *entity.Document) error {
			doc.Stage = entity.StageRetired
			return nil
		})
}

// transition 锁行、校验迁移、写状态与历史，全部在一个事务内
func (s *DocumentService) transition(
	ctx context.Context,
	id, actor string,
	event lifecycle.Event,
	action, comment string,
	opts lifecycle.Options,
	mutate func(doc *entity.Document) error,
) (*entity.Document, error) {
	var doc *entity.Document
	err := s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		var err error
		doc, err = tx.Document.FindForUpdate(ctx, id)
		if err != nil {
			return lookup(EntityDocument, id, err)
		}

		opts.TechnicalReview = doc.RequiresTechnicalReview
		from := doc.Status
		next, err := s.machine.Next(from, event, opts)
		if err != nil {
			return err
		}
		doc.Status = next
		doc.UpdatedAt = time.Now()
		if mutate != nil {
			if err := mutate(doc); err != nil {
				return err
			}
		}
		if err := tx.Document.Update(ctx, doc); err != nil {
			return err
		}
		return tx.Document.AddHistory(ctx, documentHistory(doc.ID, action, actor, from, next, comment))
	})
	if err != nil {
		return nil, txError(string(event), EntityDocument, id, err)
	}

	s.logger.Info("Document transition",
		zap.String("document_id", doc.ID),
		zap.String("event", string(event)),
		zap.String("status", doc.Status),
		zap.String("actor", actor))
	s.afterWrite(ctx, doc)
	return doc, nil
}

// Revise 基于已发布/已作废的激活版创建新修订版。主记录行锁串行化并发修订
func (s *DocumentService) Revise(ctx context.Context, id, userID string) (*entity.Document, error) {
	current, err := s.repos.Document.FindByID(ctx, id)
	if err != nil {
		return nil, lookup(EntityDocument, id, err)
	}

	var prior, next *entity.Document
	err = s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		if _, err := tx.Document.FindMasterForUpdate(ctx, current.MasterID); err != nil {
			return lookup("document master", current.MasterID, err)
		}
		// 持锁后重读，拿到已提交的最新状态
		src, err := tx.Document.FindForUpdate(ctx, id)
		if err != nil {
			return lookup(EntityDocument, id, err)
		}
		if !src.IsActive {
			return &apperr.ValidationError{
				Entity: EntityDocument, State: src.Status, Transition: string(lifecycle.EventRevise),
				Rule: "only the active revision can be revised",
			}
		}
		status, err := s.machine.Next(src.Status, lifecycle.EventRevise, lifecycle.Options{})
		if err != nil {
			return err
		}
		maxVersion, err := tx.Document.MaxVersion(ctx, src.MasterID)
		if err != nil {
			return err
		}

		if err := tx.Document.Deactivate(ctx, src.ID); err != nil {
			return err
		}
		src.IsActive = false

		now := time.Now()
		rev := &entity.Document{
			ID:                      entity.NewID(),
			MasterID:                src.MasterID,
			Title:                   src.Title,
			Description:             src.Description,
			Content:                 src.Content,
			Version:                 maxVersion + 1,
			Revision:                lifecycle.NextRevision(src.Revision),
			Stage:                   src.Stage,
			Status:                  status,
			IsActive:                true,
			RequiresTechnicalReview: src.RequiresTechnicalReview,
			FileName:                src.FileName,
			FilePath:                src.FilePath,
			FileSize:                src.FileSize,
			MimeType:                src.MimeType,
			CreatedBy:               userID,
			CreatedAt:               now,
			UpdatedAt:               now,
		}
		if err := tx.Document.Create(ctx, rev); err != nil {
			return err
		}

		if err := tx.Document.AddHistory(ctx, documentHistory(src.ID, entity.ActionRevise, userID,
			src.Revision, rev.Revision, "superseded by "+rev.ID)); err != nil {
			return err
		}
		if err := tx.Document.AddHistory(ctx, documentHistory(rev.ID, entity.ActionRevise, userID,
			src.Revision, rev.Revision, "revised from "+src.ID)); err != nil {
			return err
		}
		prior, next = src, rev
		return nil
	})
	if err != nil {
		return nil, txError("revise document", EntityDocument, id, err)
	}

	s.logger.Info("Document revised",
		zap.String("master_id", next.MasterID),
		zap.String("from", prior.Revision),
		zap.String("to", next.Revision),
		zap.String("actor", userID))
	next.Master = current.Master
	prior.Master = current.Master
	s.afterWrite(ctx, prior)
	s.afterWrite(ctx, next)
	return next, nil
}

// UpdateStage 管理性调整阶段，任何状态下都允许，均记审计
func (s *DocumentService) UpdateStage(ctx context.Context, id, stage, userID, comment string) (*entity.Document, error) {
	if !entity.ValidStage(stage) {
		return nil, apperr.Invalid(EntityDocument, fmt.Sprintf("unknown stage %q", stage))
	}
	var doc *entity.Document
	err := s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		var err error
		doc, err = tx.Document.FindForUpdate(ctx, id)
		if err != nil {
			return lookup(EntityDocument, id, err)
		}
		old := doc.Stage
		doc.Stage = stage
		doc.UpdatedAt = time.Now()
		if err := tx.Document.Update(ctx, doc); err != nil {
			return err
		}
		return tx.Document.AddHistory(ctx, documentHistory(doc.ID, entity.ActionUpdateStage, userID, old, stage, comment))
	})
	if err != nil {
		return nil, txError("update stage", EntityDocument, id, err)
	}
	s.afterWrite(ctx, doc)
	return doc, nil
}

// History 审计记录
func (s *DocumentService) History(ctx context.Context, id string) ([]entity.DocumentHistory, error) {
	if _, err := s.repos.Document.FindByID(ctx, id); err != nil {
		return nil, lookup(EntityDocument, id, err)
	}
	return s.repos.Document.ListHistory(ctx, id)
}

// ListRevisions 主记录下全部修订版
func (s *DocumentService) ListRevisions(ctx context.Context, masterID string) ([]entity.Document, error) {
	docs, err := s.repos.Document.ListByMaster(ctx, masterID)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	if len(docs) == 0 {
		return nil, apperr.NotFound("document master", masterID)
	}
	return docs, nil
}

// Revisions 按任一修订版ID列出同主记录的全部修订版
func (s *DocumentService) Revisions(ctx context.Context, id string) ([]entity.Document, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.ListRevisions(ctx, doc.MasterID)
}

// AttachFile 上传附件，仅草稿或编辑中可用
func (s *DocumentService) AttachFile(ctx context.Context, id, userID string, reader io.Reader, fileName string, fileSize int64, contentType string) (*entity.Document, error) {
	if s.blob == nil {
		return nil, apperr.Invalid(EntityDocument, "file storage is not configured")
	}
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Status != entity.StatusDraft && doc.Status != entity.StatusInWork {
		return nil, &apperr.ValidationError{
			Entity: EntityDocument, State: doc.Status, Transition: entity.ActionAttachFile,
			Rule: "files can only be attached to DRAFT or IN_WORK revisions",
		}
	}

	key := blob.ObjectKey(id, fileName)
	if err := s.blob.Put(ctx, key, reader, fileSize, contentType); err != nil {
		return nil, fmt.Errorf("upload file: %w", err)
	}

	err = s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		locked, err := tx.Document.FindForUpdate(ctx, id)
		if err != nil {
			return lookup(EntityDocument, id, err)
		}
		if locked.Status != entity.StatusDraft && locked.Status != entity.StatusInWork {
			return &apperr.ValidationError{
				Entity: EntityDocument, State: locked.Status, Transition: entity.ActionAttachFile,
				Rule: "files can only be attached to DRAFT or IN_WORK revisions",
			}
		}
		old := locked.FileName
		locked.FileName = fileName
		locked.FilePath = key
		locked.FileSize = fileSize
		locked.MimeType = contentType
		locked.UpdatedAt = time.Now()
		if err := tx.Document.Update(ctx, locked); err != nil {
			return err
		}
		doc = locked
		return tx.Document.AddHistory(ctx, documentHistory(id, entity.ActionAttachFile, userID, old, fileName, ""))
	})
	if err != nil {
		// 元数据未落库，上传的对象不再被引用
		if delErr := s.blob.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			s.logger.Warn("Failed to remove orphaned file",
				zap.String("document_id", id), zap.String("key", key), zap.Error(delErr))
		}
		return nil, txError("attach file", EntityDocument, id, err)
	}
	s.afterWrite(ctx, doc)
	return doc, nil
}

// DownloadFile 读取附件
func (s *DocumentService) DownloadFile(ctx context.Context, id string) (io.ReadCloser, *entity.Document, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if doc.FilePath == "" {
		return nil, nil, apperr.NotFound("document file", id)
	}
	if s.blob == nil {
		return nil, nil, apperr.Invalid(EntityDocument, "file storage is not configured")
	}
	rc, err := s.blob.Get(ctx, doc.FilePath)
	if err != nil {
		return nil, nil, fmt.Errorf("download file: %w", err)
	}
	return rc, doc, nil
}

func (s *DocumentService) afterWrite(ctx context.Context, doc *entity.Document) {
	s.publish(ctx, documentMutation(doc))
	s.notify(ctx, events.NewEvent(events.TypeDocument, map[string]any{
		"id":        doc.ID,
		"master_id": doc.MasterID,
		"status":    doc.Status,
		"stage":     doc.Stage,
		"revision":  doc.Revision,
	}))
}

func documentHistory(documentID, action, actor, oldValue, newValue, comment string) *entity.DocumentHistory {
	return &entity.DocumentHistory{
		HistoryEntry: entity.HistoryEntry{
			ID:        entity.NewID(),
			Action:    action,
			Actor:     actor,
			OldValue:  oldValue,
			NewValue:  newValue,
			Comment:   comment,
			CreatedAt: time.Now(),
		},
		DocumentID: documentID,
	}
}
