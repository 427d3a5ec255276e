package repository

import (
	"context"
	"time"

	"github.com/bitfantasy/nimo-pdm/internal/model/entity"
	"gorm.io/gorm"
)

// PartRepository 零部件仓库
type PartRepository struct {
	db *gorm.DB
}

// NewPartRepository 创建零部件仓库
func NewPartRepository(db *gorm.DB) *PartRepository {
	return &PartRepository{db: db}
}

// Create 创建零部件
func (r *PartRepository) Create(ctx context.Context, part *entity.Part) error {
	return r.db.WithContext(ctx).Create(part).Error
}

// FindByID 根据ID查找未删除的零部件
func (r *PartRepository) FindByID(ctx context.Context, id string) (*entity.Part, error) {
	var part entity.Part
	err := r.db.WithContext(ctx).
		Where("id = ? AND deleted_at IS NULL", id).
		First(&part).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &part, nil
}

// FindByCode 根据编码查找未删除的零部件
func (r *PartRepository) FindByCode(ctx context.Context, code string) (*entity.Part, error) {
	var part entity.Part
	err := r.db.WithContext(ctx).
		Where("code = ? AND deleted_at IS NULL", code).
		First(&part).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &part, nil
}

// FindByIDs 批量查找，返回 id -> part
func (r *PartRepository) FindByIDs(ctx context.Context, ids []string) (map[string]entity.Part, error) {
	out := make(map[string]entity.Part, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var parts []entity.Part
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&parts).Error; err != nil {
		return nil, err
	}
	for _, p := range parts {
		out[p.ID] = p
	}
	return out, nil
}

// List 分页查询零部件
func (r *PartRepository) List(ctx context.Context, page, pageSize int, filters map[string]interface{}) ([]entity.Part, int64, error) {
	var parts []entity.Part
	var total int64

	query := r.db.WithContext(ctx).Model(&entity.Part{}).Where("deleted_at IS NULL")

	if keyword, ok := filters["keyword"].(string); ok && keyword != "" {
		query = query.Where("title ILIKE ? OR code ILIKE ?", "%"+keyword+"%", "%"+keyword+"%")
	}
	if stage, ok := filters["stage"].(string); ok && stage != "" {
		query = query.Where("stage = ?", stage)
	}
	if status, ok := filters["status"].(string); ok && status != "" {
		query = query.Where("status = ?", status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset, limit := paginate(page, pageSize)
	err := query.Order("code ASC").Offset(offset).Limit(limit).Find(&parts).Error
	return parts, total, err
}

// Update 更新零部件
func (r *PartRepository) Update(ctx context.Context, part *entity.Part) error {
	return r.db.WithContext(ctx).Save(part).Error
}

// SoftDelete 软删除
func (r *PartRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&entity.Part{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Updates(map[string]interface{}{"deleted_at": at, "updated_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
