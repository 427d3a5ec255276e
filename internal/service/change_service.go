package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-pdm/internal/apperr"
	"github.com/bitfantasy/nimo-pdm/internal/events"
	"github.com/bitfantasy/nimo-pdm/internal/lifecycle"
	"github.com/bitfantasy/nimo-pdm/internal/model/entity"
	"github.com/bitfantasy/nimo-pdm/internal/repository"
	"go.uber.org/zap"
)

// ChangeService 工程变更服务
type ChangeService struct {
	repos    *repository.Repositories
	workflow *WorkflowService
	machine  *lifecycle.Machine
	base
}

// NewChangeService 创建工程变更服务
func NewChangeService(repos *repository.Repositories, workflow *WorkflowService, b base) *ChangeService {
	return &ChangeService{
		repos:    repos,
		workflow: workflow,
		machine:  lifecycle.New(EntityChange),
		base:     b,
	}
}

// CreateChangeRequest 创建变更请求
type CreateChangeRequest struct {
	Title                   string              `json:"title" binding:"required"`
	Reason                  string              `json:"reason" binding:"required"`
	Description             string              `json:"description"`
	Stage                   string              `json:"stage"`
	RequiresTechnicalReview bool                `json:"requires_technical_review"`
	AffectedItems           []AffectedItemInput `json:"affected_items"`
}

// AffectedItemInput 受影响对象输入
type AffectedItemInput struct {
	ItemType string `json:"item_type" binding:"required"`
	ItemID   string `json:"item_id" binding:"required"`
}

// List 获取变更列表
func (s *ChangeService) List(ctx context.Context, page, pageSize int, filters map[string]interface{}) (*ListResult[entity.Change], error) {
	changes, total, err := s.repos.Change.List(ctx, page, pageSize, filters)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	return newListResult(changes, total, page, pageSize), nil
}

// Get 获取变更详情
func (s *ChangeService) Get(ctx context.Context, id string) (*entity.Change, error) {
	change, err := s.repos.Change.FindByID(ctx, id)
	if err != nil {
		return nil, lookup(EntityChange, id, err)
	}
	return change, nil
}

// Create 创建变更。受影响对象只做引用，必须存在
func (s *ChangeService) Create(ctx context.Context, userID string, req *CreateChangeRequest) (*entity.Change, error) {
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Reason) == "" {
		return nil, apperr.Invalid(EntityChange, "title and reason are required")
	}
	stage := req.Stage
	if stage == "" {
		stage = entity.StageDesign
	}
	if !entity.ValidStage(stage) {
		return nil, apperr.Invalid(EntityChange, fmt.Sprintf("unknown stage %q", stage))
	}

	now := time.Now()
	change := &entity.Change{
		ID:                      entity.NewID(),
		Title:                   req.Title,
		Reason:                  req.Reason,
		Description:             req.Description,
		Stage:                   stage,
		Status:                  entity.StatusDraft,
		RequiresTechnicalReview: req.RequiresTechnicalReview,
		CreatedBy:               userID,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	seen := make(map[string]bool, len(req.AffectedItems))
	for _, item := range req.AffectedItems {
		key := item.ItemType + ":" + item.ItemID
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := s.checkAffected(ctx, item); err != nil {
			return nil, err
		}
		change.AffectedItems = append(change.AffectedItems, entity.ChangeAffectedItem{
			ID:        entity.NewID(),
			ChangeID:  change.ID,
			ItemType:  item.ItemType,
			ItemID:    item.ItemID,
			CreatedAt: now,
		})
	}

	err := s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		code, err := tx.Change.GenerateCode(ctx)
		if err != nil {
			return fmt.Errorf("generate code: %w", err)
		}
		change.Code = code
		if err := tx.Change.Create(ctx, change); err != nil {
			return err
		}
		return tx.Change.AddHistory(ctx, changeHistory(change.ID, entity.ActionCreate, userID, "", change.Status, ""))
	})
	if err != nil {
		return nil, txError("create change", EntityChange, change.ID, err)
	}

	s.afterWrite(ctx, change)
	return change, nil
}

func (s *ChangeService) checkAffected(ctx context.Context, item AffectedItemInput) error {
	var err error
	switch item.ItemType {
	case entity.ChangeAffectedPart:
		_, err = s.repos.Part.FindByID(ctx, item.ItemID)
	case entity.ChangeAffectedDocument:
		_, err = s.repos.Document.FindByID(ctx, item.ItemID)
	default:
		return apperr.Invalid(EntityChange, fmt.Sprintf("unknown affected item type %q", item.ItemType))
	}
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.Invalid(EntityChange, fmt.Sprintf("affected %s %s does not exist", item.ItemType, item.ItemID))
	}
	return err
}

// StartWork 开始编辑
func (s *ChangeService) StartWork(ctx context.Context, id, userID string) (*entity.Change, error) {
	return s.transition(ctx, id, userID, lifecycle.EventStartWork, entity.ActionStartWork, "", lifecycle.Options{}, nil)
}

// SubmitForReview 提交评审
func (s *ChangeService) SubmitForReview(ctx context.Context, id string, reviewers []string, userID string) (*entity.Change, error) {
	return s.transition(ctx, id, userID, lifecycle.EventSubmitForReview, entity.ActionSubmitForReview,
		"reviewers: "+strings.Join(reviewers, ","), lifecycle.Options{Reviewers: reviewers},
		func(change *entity.Change) error {
			key, err := s.workflow.StartApproval(ctx, EntityChange, change.ID, reviewers, map[string]any{
				"title":              change.Title,
				"code":               change.Code,
				"affected_parts":     change.AffectedPartIDs(),
				"affected_documents": change.AffectedDocumentIDs(),
			})
			if err != nil {
				return err
			}
			change.WorkflowInstanceKey = key
			return nil
		})
}

// CompleteReview 评审结论
func (s *ChangeService) CompleteReview(ctx context.Context, id string, d ReviewDecision) (*entity.Change, error) {
	comment := d.Comment
	if !d.Approved && comment == "" {
		comment = "rejected"
	}
	change, err := s.transition(ctx, id, d.Approver, lifecycle.ReviewEvent(d.Approved), entity.ActionCompleteReview, comment, lifecycle.Options{},
		func(change *entity.Change) error {
			return supersededInstance(EntityChange, change.WorkflowInstanceKey, d)
		})
	var v *apperr.ValidationError
	if errors.As(err, &v) && !errors.Is(err, apperr.ErrAlreadyResolved) && !lifecycle.IsReviewState(v.State) {
		return nil, fmt.Errorf("%w: %w", apperr.ErrAlreadyResolved, err)
	}
	return change, err
}

// Release 发布。受影响对象不随之发布
func (s *ChangeService) Release(ctx context.Context, id, userID string) (*entity.Change, error) {
	return s.transition(ctx, id, userID, lifecycle.EventRelease, entity.ActionRelease, "", lifecycle.Options{},
		func(change *entity.Change) error {
			now := time.Now()
			change.ReleasedAt = &now
			return nil
		})
}

// Obsolete 作废
func (s *ChangeService) Obsolete(ctx context.Context, id, userID, comment string) (*entity.Change, error) {
	return s.transition(ctx, id, userID, lifecycle.EventObsolete, entity.ActionObsolete, comment, lifecycle.Options{}, nil)
}

// Retire 显式退役
func (s *ChangeService) Retire(ctx context.Context, id, userID, comment string) (*entity.Change, error) {
	return s.transition(ctx, id, userID, lifecycle.EventRetire, entity.ActionRetire, comment, lifecycle.Options{},
		func(change *entity.Change) error {
			change.Stage = entity.StageRetired
			return nil
		})
}

func (s *ChangeService) transition(
	ctx context.Context,
	id, actor string,
	event lifecycle.Event,
	action, comment string,
	opts lifecycle.Options,
	mutate func(change *entity.Change) error,
) (*entity.Change, error) {
	var change *entity.Change
	err := s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		var err error
		change, err = tx.Change.FindForUpdate(ctx, id)
		if err != nil {
			return lookup(EntityChange, id, err)
		}

		opts.TechnicalReview = change.RequiresTechnicalReview
		from := change.Status
		next, err := s.machine.Next(from, event, opts)
		if err != nil {
			return err
		}
		change.Status = next
		change.UpdatedAt = time.Now()
		if mutate != nil {
			if err := mutate(change); err != nil {
				return err
			}
		}
		if err := tx.Change.Update(ctx, change); err != nil {
			return err
		}
		return tx.Change.AddHistory(ctx, changeHistory(change.ID, action, actor, from, next, comment))
	})
	if err != nil {
		return nil, txError(string(event), EntityChange, id, err)
	}

	s.logger.Info("Change transition",
		zap.String("change_id", change.ID),
		zap.String("event", string(event)),
		zap.String("status", change.Status),
		zap.String("actor", actor))
	s.afterWrite(ctx, change)
	return change, nil
}

// History 审计记录
func (s *ChangeService) History(ctx context.Context, id string) ([]entity.ChangeHistory, error) {
	if _, err := s.repos.Change.FindByID(ctx, id); err != nil {
		return nil, lookup(EntityChange, id, err)
	}
	return s.repos.Change.ListHistory(ctx, id)
}

func (s *ChangeService) afterWrite(ctx context.Context, change *entity.Change) {
	s.publish(ctx, changeMutation(change))
	s.notify(ctx, events.NewEvent(events.TypeChange, map[string]any{
		"id":     change.ID,
		"code":   change.Code,
		"status": change.Status,
	}))
}

func changeHistory(changeID, action, actor, oldValue, newValue, comment string) *entity.ChangeHistory {
	return &entity.ChangeHistory{
		HistoryEntry: entity.HistoryEntry{
			ID:        entity.NewID(),
			Action:    action,
			Actor:     actor,
			OldValue:  oldValue,
			NewValue:  newValue,
			Comment:   comment,
			CreatedAt: time.Now(),
		},
		ChangeID: changeID,
	}
}
