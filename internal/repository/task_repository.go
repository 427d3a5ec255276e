package repository

import (
	"context"
	"time"

	"github.com/bitfantasy/nimo-pdm/internal/model/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TaskRepository 任务仓库
type TaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository 创建任务仓库
func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create 创建任务（含签核）
func (r *TaskRepository) Create(ctx context.Context, task *entity.Task) error {
	return r.db.WithContext(ctx).Create(task).Error
}

// FindByID 根据ID查找任务
func (r *TaskRepository) FindByID(ctx context.Context, id string) (*entity.Task, error) {
	var task entity.Task
	err := r.db.WithContext(ctx).
		Preload("Signoffs", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		Where("id = ?", id).
		First(&task).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &task, nil
}

// FindForUpdate 行锁读取，签核与完成互斥
func (r *TaskRepository) FindForUpdate(ctx context.Context, id string) (*entity.Task, error) {
	var task entity.Task
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&task).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &task, nil
}

// FindByJobKey 根据引擎作业键查找
func (r *TaskRepository) FindByJobKey(ctx context.Context, jobKey string) (*entity.Task, error) {
	var task entity.Task
	err := r.db.WithContext(ctx).
		Preload("Signoffs").
		Where("job_key = ?", jobKey).
		First(&task).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &task, nil
}

// Update 更新任务（不级联签核）
func (r *TaskRepository) Update(ctx context.Context, task *entity.Task) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Save(task).Error
}

// List 分页查询任务
func (r *TaskRepository) List(ctx context.Context, page, pageSize int, filters map[string]interface{}) ([]entity.Task, int64, error) {
	var tasks []entity.Task
	var total int64

	query := r.db.WithContext(ctx).Model(&entity.Task{})

	if status, ok := filters["task_status"].(string); ok && status != "" {
		query = query.Where("task_status = ?", status)
	}
	if assigneeID, ok := filters["assignee_id"].(string); ok && assigneeID != "" {
		query = query.Where("assignee_id = ?", assigneeID)
	}
	if workflowID, ok := filters["workflow_id"].(string); ok && workflowID != "" {
		query = query.Where("workflow_id = ?", workflowID)
	}
	if overdueOnly, ok := filters["overdue_only"].(bool); ok && overdueOnly {
		query = query.Where("task_status = ?", entity.TaskStatusOverdue)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset, limit := paginate(page, pageSize)
	err := query.
		Order("due_date ASC NULLS LAST, created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&tasks).Error
	return tasks, total, err
}

// MarkOverdue 把过期未完成任务置为OVERDUE，返回被标记的任务
func (r *TaskRepository) MarkOverdue(ctx context.Context, now time.Time) ([]entity.Task, error) {
	var tasks []entity.Task
	err := r.db.WithContext(ctx).Model(&tasks).
		Clauses(clause.Returning{}).
		Where("task_status IN ? AND due_date IS NOT NULL AND due_date < ?",
			[]string{entity.TaskStatusPending, entity.TaskStatusInProgress}, now).
		Updates(map[string]interface{}{"task_status": entity.TaskStatusOverdue, "updated_at": now}).Error
	return tasks, err
}

// AddDependency 添加依赖
func (r *TaskRepository) AddDependency(ctx context.Context, dep *entity.TaskDependency) error {
	return r.db.WithContext(ctx).Create(dep).Error
}

// DependencyIDs 任务直接依赖的任务
func (r *TaskRepository) DependencyIDs(ctx context.Context, taskID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&entity.TaskDependency{}).
		Where("task_id = ?", taskID).
		Pluck("depends_on_task_id", &ids).Error
	return ids, err
}

// CountUnfinishedDependencies 尚未完成的依赖数
func (r *TaskRepository) CountUnfinishedDependencies(ctx context.Context, taskID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&entity.TaskDependency{}).
		Joins("JOIN tasks ON tasks.id = task_dependencies.depends_on_task_id").
		Where("task_dependencies.task_id = ? AND tasks.task_status <> ?", taskID, entity.TaskStatusCompleted).
		Count(&n).Error
	return n, err
}

// CreateSignoff 添加签核人
func (r *TaskRepository) CreateSignoff(ctx context.Context, s *entity.TaskSignoff) error {
	return r.db.WithContext(ctx).Create(s).Error
}

// FindSignoff 查找签核
func (r *TaskRepository) FindSignoff(ctx context.Context, taskID, userID string) (*entity.TaskSignoff, error) {
	var s entity.TaskSignoff
	err := r.db.WithContext(ctx).
		Where("task_id = ? AND user_id = ?", taskID, userID).
		First(&s).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// UpdateSignoff 保存签核结论
func (r *TaskRepository) UpdateSignoff(ctx context.Context, s *entity.TaskSignoff) error {
	return r.db.WithContext(ctx).Save(s).Error
}

// ListSignoffs 任务的全部签核
func (r *TaskRepository) ListSignoffs(ctx context.Context, taskID string) ([]entity.TaskSignoff, error) {
	var list []entity.TaskSignoff
	err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at ASC").
		Find(&list).Error
	return list, err
}
