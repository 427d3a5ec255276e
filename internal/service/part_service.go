package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-pdm/internal/apperr"
	"github.com/bitfantasy/nimo-pdm/internal/events"
	"github.com/bitfantasy/nimo-pdm/internal/fanout"
	"github.com/bitfantasy/nimo-pdm/internal/model/entity"
	"github.com/bitfantasy/nimo-pdm/internal/repository"
)

// PartService 零部件服务
type PartService struct {
	repos *repository.Repositories
	bom   *BOMService
	base
}

// NewPartService 创建零部件服务
func NewPartService(repos *repository.Repositories, b base) *PartService {
	return &PartService{repos: repos, base: b}
}

// CreatePartRequest 创建零部件请求
type CreatePartRequest struct {
	Code        string `json:"code" binding:"required"`
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Level       int    `json:"level"`
	Stage       string `json:"stage"`
}

// UpdatePartRequest 更新零部件请求
type UpdatePartRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Level       *int   `json:"level"`
	Stage       string `json:"stage"`
}

// List 获取零部件列表
func (s *PartService) List(ctx context.Context, page, pageSize int, filters map[string]interface{}) (*ListResult[entity.Part], error) {
	parts, total, err := s.repos.Part.List(ctx, page, pageSize, filters)
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	return newListResult(parts, total, page, pageSize), nil
}

// Get 获取零部件详情
func (s *PartService) Get(ctx context.Context, id string) (*entity.Part, error) {
	part, err := s.repos.Part.FindByID(ctx, id)
	if err != nil {
		return nil, lookup("part", id, err)
	}
	return part, nil
}

// Create 创建零部件
func (s *PartService) Create(ctx context.Context, userID string, req *CreatePartRequest) (*entity.Part, error) {
	if strings.TrimSpace(req.Code) == "" || strings.TrimSpace(req.Title) == "" {
		return nil, apperr.Invalid("part", "code and title are required")
	}
	stage := req.Stage
	if stage == "" {
		stage = entity.StageConcept
	}
	if !entity.ValidStage(stage) {
		return nil, apperr.Invalid("part", fmt.Sprintf("unknown stage %q", stage))
	}
	if req.Level < 0 {
		return nil, apperr.Invalid("part", "level must not be negative")
	}

	now := time.Now()
	part := &entity.Part{
		ID:          entity.NewID(),
		Code:        req.Code,
		Title:       req.Title,
		Description: req.Description,
		Level:       req.Level,
		Stage:       stage,
		Status:      entity.StatusDraft,
		CreatedBy:   userID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repos.Part.Create(ctx, part); err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, apperr.Invalid("part", fmt.Sprintf("code %q already exists", req.Code))
		}
		return nil, fmt.Errorf("create part: %w", err)
	}

	s.afterWrite(ctx, part, "create")
	return part, nil
}

// Update 更新零部件
func (s *PartService) Update(ctx context.Context, id string, req *UpdatePartRequest) (*entity.Part, error) {
	part, err := s.repos.Part.FindByID(ctx, id)
	if err != nil {
		return nil, lookup("part", id, err)
	}

	titleChanged := req.Title != "" && req.Title != part.Title
	if req.Title != "" {
		part.Title = req.Title
	}
	if req.Description != "" {
		part.Description = req.Description
	}
	if req.Level != nil {
		if *req.Level < 0 {
			return nil, apperr.Invalid("part", "level must not be negative")
		}
		part.Level = *req.Level
	}
	if req.Stage != "" {
		if !entity.ValidStage(req.Stage) {
			return nil, apperr.Invalid("part", fmt.Sprintf("unknown stage %q", req.Stage))
		}
		part.Stage = req.Stage
	}
	part.UpdatedAt = time.Now()

	if err := s.repos.Part.Update(ctx, part); err != nil {
		return nil, fmt.Errorf("update part: %w", err)
	}
	// 标题参与层级排序，祖先的缓存需要失效
	if titleChanged && s.bom != nil {
		s.bom.InvalidateHierarchy(ctx, part.ID)
	}

	s.afterWrite(ctx, part, "update")
	return part, nil
}

// Delete 软删除零部件。仍被装配件引用时拒绝；自身的出边随之删除
func (s *PartService) Delete(ctx context.Context, id string) error {
	var removed []entity.PartUsage
	err := s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		if _, err := tx.Part.FindByID(ctx, id); err != nil {
			return lookup("part", id, err)
		}
		parents, err := tx.Usage.ParentIDs(ctx, id)
		if err != nil {
			return err
		}
		if len(parents) > 0 {
			return apperr.Invalid("part", fmt.Sprintf("part is used by %d assemblies", len(parents)))
		}
		removed, err = tx.Usage.DeleteByParent(ctx, id)
		if err != nil {
			return err
		}
		return tx.Part.SoftDelete(ctx, id, time.Now())
	})
	if err != nil {
		return txError("delete part", "part", id, err)
	}

	if s.bom != nil {
		s.bom.InvalidateHierarchy(ctx, id)
	}
	for i := range removed {
		s.publish(ctx, fanout.Delete(fanout.KindUsage, removed[i].ID, usageFields(&removed[i])))
	}
	s.publish(ctx, fanout.Delete(fanout.KindPart, id, nil))
	s.notify(ctx, events.NewEvent(events.TypePart, map[string]any{"id": id, "op": "delete"}))
	return nil
}

func (s *PartService) afterWrite(ctx context.Context, part *entity.Part, op string) {
	s.publish(ctx, partMutation(part))
	s.notify(ctx, events.NewEvent(events.TypePart, map[string]any{
		"id":     part.ID,
		"code":   part.Code,
		"stage":  part.Stage,
		"status": part.Status,
		"op":     op,
	}))
}
