package repository

import (
	"context"

	"github.com/bitfantasy/nimo-pdm/internal/model/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DocumentRepository 文档仓库
type DocumentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建文档仓库
func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// CreateMaster 创建文档主记录
func (r *DocumentRepository) CreateMaster(ctx context.Context, master *entity.DocumentMaster) error {
	return r.db.WithContext(ctx).Create(master).Error
}

// FindMasterForUpdate 锁定主记录，串行化同一文档的修订
func (r *DocumentRepository) FindMasterForUpdate(ctx context.Context, id string) (*entity.DocumentMaster, error) {
	var master entity.DocumentMaster
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&master, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &master, nil
}

// Create 创建修订版
func (r *DocumentRepository) Create(ctx context.Context, doc *entity.Document) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Create(doc).Error
}

// FindByID 根据ID查找修订版
func (r *DocumentRepository) FindByID(ctx context.Context, id string) (*entity.Document, error) {
	var doc entity.Document
	err := r.db.WithContext(ctx).
		Preload("Master").
		First(&doc, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &doc, nil
}

// FindForUpdate 行锁读取，状态迁移前调用
func (r *DocumentRepository) FindForUpdate(ctx context.Context, id string) (*entity.Document, error) {
	var doc entity.Document
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&doc, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	// 主记录单独加载，不加锁
	var master entity.DocumentMaster
	if err := r.db.WithContext(ctx).First(&master, "id = ?", doc.MasterID).Error; err == nil {
		doc.Master = &master
	}
	return &doc, nil
}

// Update 保存修订版（不级联主记录）
func (r *DocumentRepository) Update(ctx context.Context, doc *entity.Document) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Save(doc).Error
}

// Deactivate 取消激活
func (r *DocumentRepository) Deactivate(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&entity.Document{}).
		Where("id = ?", id).
		Update("is_active", false).Error
}

// MaxVersion 主记录下最大版本号
func (r *DocumentRepository) MaxVersion(ctx context.Context, masterID string) (int, error) {
	var v int
	err := r.db.WithContext(ctx).Model(&entity.Document{}).
		Where("master_id = ?", masterID).
		Select("COALESCE(MAX(version), 0)").
		Scan(&v).Error
	return v, err
}

// List 分页查询激活的修订版
func (r *DocumentRepository) List(ctx context.Context, page, pageSize int, filters map[string]interface{}) ([]entity.Document, int64, error) {
	var docs []entity.Document
	var total int64

	query := r.db.WithContext(ctx).Model(&entity.Document{})

	if all, ok := filters["all_revisions"].(bool); !ok || !all {
		query = query.Where("is_active = ?", true)
	}
	if keyword, ok := filters["keyword"].(string); ok && keyword != "" {
		query = query.Where("title ILIKE ?", "%"+keyword+"%")
	}
	if status, ok := filters["status"].(string); ok && status != "" {
		query = query.Where("status = ?", status)
	}
	if stage, ok := filters["stage"].(string); ok && stage != "" {
		query = query.Where("stage = ?", stage)
	}
	if createdBy, ok := filters["created_by"].(string); ok && createdBy != "" {
		query = query.Where("created_by = ?", createdBy)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset, limit := paginate(page, pageSize)
	err := query.
		Preload("Master").
		Order("updated_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&docs).Error
	return docs, total, err
}

// ListByMaster 主记录下全部修订版，新版本在前
func (r *DocumentRepository) ListByMaster(ctx context.Context, masterID string) ([]entity.Document, error) {
	var docs []entity.Document
	err := r.db.WithContext(ctx).
		Where("master_id = ?", masterID).
		Order("version DESC").
		Find(&docs).Error
	return docs, err
}

// AddHistory 追加审计记录
func (r *DocumentRepository) AddHistory(ctx context.Context, h *entity.DocumentHistory) error {
	return r.db.WithContext(ctx).Create(h).Error
}

// ListHistory 审计记录，按时间正序
func (r *DocumentRepository) ListHistory(ctx context.Context, documentID string) ([]entity.DocumentHistory, error) {
	var list []entity.DocumentHistory
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at ASC").
		Find(&list).Error
	return list, err
}

// CountHistory 指定动作的审计条数
func (r *DocumentRepository) CountHistory(ctx context.Context, documentID, action string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&entity.DocumentHistory{}).
		Where("document_id = ? AND action = ?", documentID, action).
		Count(&n).Error
	return n, err
}
