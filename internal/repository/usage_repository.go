package repository

import (
	"context"
	"time"

	"github.com/bitfantasy/nimo-pdm/internal/model/entity"
	"gorm.io/gorm"
)

// UsageRepository BOM用量边仓库
type UsageRepository struct {
	db *gorm.DB
}

// NewUsageRepository 创建用量边仓库
func NewUsageRepository(db *gorm.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Create 写入一条边
func (r *UsageRepository) Create(ctx context.Context, usage *entity.PartUsage) error {
	return r.db.WithContext(ctx).Create(usage).Error
}

// Find 按父子查找边
func (r *UsageRepository) Find(ctx context.Context, parentID, childID string) (*entity.PartUsage, error) {
	var usage entity.PartUsage
	err := r.db.WithContext(ctx).
		Where("parent_part_id = ? AND child_part_id = ?", parentID, childID).
		First(&usage).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &usage, nil
}

// UpdateQuantity 修改用量
func (r *UsageRepository) UpdateQuantity(ctx context.Context, parentID, childID string, quantity int) error {
	res := r.db.WithContext(ctx).Model(&entity.PartUsage{}).
		Where("parent_part_id = ? AND child_part_id = ?", parentID, childID).
		Updates(map[string]interface{}{"quantity": quantity, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete 物理删除边
func (r *UsageRepository) Delete(ctx context.Context, parentID, childID string) error {
	res := r.db.WithContext(ctx).
		Where("parent_part_id = ? AND child_part_id = ?", parentID, childID).
		Delete(&entity.PartUsage{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ChildIDs 直接子件
func (r *UsageRepository) ChildIDs(ctx context.Context, parentID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&entity.PartUsage{}).
		Where("parent_part_id = ?", parentID).
		Order("child_part_id").
		Pluck("child_part_id", &ids).Error
	return ids, err
}

// ParentIDs 直接父件（where-used）
func (r *UsageRepository) ParentIDs(ctx context.Context, childID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&entity.PartUsage{}).
		Where("child_part_id = ?", childID).
		Order("parent_part_id").
		Pluck("parent_part_id", &ids).Error
	return ids, err
}

// ListChildren 父件的全部出边
func (r *UsageRepository) ListChildren(ctx context.Context, parentID string) ([]entity.PartUsage, error) {
	var usages []entity.PartUsage
	err := r.db.WithContext(ctx).
		Where("parent_part_id = ?", parentID).
		Find(&usages).Error
	return usages, err
}

// Subtree 从root出发可达的全部边。UNION去重，脏数据成环时也能终止
func (r *UsageRepository) Subtree(ctx context.Context, rootID string) ([]entity.PartUsage, error) {
	var usages []entity.PartUsage
	err := r.db.WithContext(ctx).Raw(`
		WITH RECURSIVE sub AS (
			SELECT id, parent_part_id, child_part_id, quantity
			FROM part_usages WHERE parent_part_id = ?
			UNION
			SELECT u.id, u.parent_part_id, u.child_part_id, u.quantity
			FROM part_usages u JOIN sub s ON u.parent_part_id = s.child_part_id
		)
		SELECT id, parent_part_id, child_part_id, quantity FROM sub`, rootID).
		Scan(&usages).Error
	return usages, err
}

// DeleteByParent 删除父件全部出边，返回被删的边
func (r *UsageRepository) DeleteByParent(ctx context.Context, parentID string) ([]entity.PartUsage, error) {
	usages, err := r.ListChildren(ctx, parentID)
	if err != nil || len(usages) == 0 {
		return nil, err
	}
	err = r.db.WithContext(ctx).
		Where("parent_part_id = ?", parentID).
		Delete(&entity.PartUsage{}).Error
	return usages, err
}
