package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-pdm/internal/model/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChangeRepository 工程变更仓库
type ChangeRepository struct {
	db *gorm.DB
}

// NewChangeRepository 创建工程变更仓库
func NewChangeRepository(db *gorm.DB) *ChangeRepository {
	return &ChangeRepository{db: db}
}

// Create 创建变更及其受影响对象
func (r *ChangeRepository) Create(ctx context.Context, change *entity.Change) error {
	return r.db.WithContext(ctx).Create(change).Error
}

// FindByID 根据ID查找变更
func (r *ChangeRepository) FindByID(ctx context.Context, id string) (*entity.Change, error) {
	var change entity.Change
	err := r.db.WithContext(ctx).
		Preload("AffectedItems").
		First(&change, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &change, nil
}

// FindForUpdate 行锁读取
func (r *ChangeRepository) FindForUpdate(ctx context.Context, id string) (*entity.Change, error) {
	var change entity.Change
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&change, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	// 受影响对象单独加载，FOR UPDATE 不能与预加载共用
	if err := r.db.WithContext(ctx).
		Where("change_id = ?", id).
		Find(&change.AffectedItems).Error; err != nil {
		return nil, err
	}
	return &change, nil
}

// Update 保存变更（不级联受影响对象）
func (r *ChangeRepository) Update(ctx context.Context, change *entity.Change) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Save(change).Error
}

// List 分页查询变更
func (r *ChangeRepository) List(ctx context.Context, page, pageSize int, filters map[string]interface{}) ([]entity.Change, int64, error) {
	var changes []entity.Change
	var total int64

	query := r.db.WithContext(ctx).Model(&entity.Change{})

	if keyword, ok := filters["keyword"].(string); ok && keyword != "" {
		query = query.Where("title ILIKE ? OR code ILIKE ?", "%"+keyword+"%", "%"+keyword+"%")
	}
	if status, ok := filters["status"].(string); ok && status != "" {
		query = query.Where("status = ?", status)
	}
	if createdBy, ok := filters["created_by"].(string); ok && createdBy != "" {
		query = query.Where("created_by = ?", createdBy)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset, limit := paginate(page, pageSize)
	err := query.
		Preload("AffectedItems").
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&changes).Error
	return changes, total, err
}

// GenerateCode 生成变更编码
func (r *ChangeRepository) GenerateCode(ctx context.Context) (string, error) {
	var seq int
	err := r.db.WithContext(ctx).Raw("SELECT nextval('change_code_seq')").Scan(&seq).Error
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ECO-%d-%04d", time.Now().Year(), seq), nil
}

// AddHistory 追加审计记录
func (r *ChangeRepository) AddHistory(ctx context.Context, h *entity.ChangeHistory) error {
	return r.db.WithContext(ctx).Create(h).Error
}

// ListHistory 审计记录，按时间正序
func (r *ChangeRepository) ListHistory(ctx context.Context, changeID string) ([]entity.ChangeHistory, error) {
	var list []entity.ChangeHistory
	err := r.db.WithContext(ctx).
		Where("change_id = ?", changeID).
		Order("created_at ASC").
		Find(&list).Error
	return list, err
}
