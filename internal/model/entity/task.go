package entity

import (
	"time"
)

// Task 任务
type Task struct {
	ID           string     `json:"id" gorm:"primaryKey;size:32"`
	Title        string     `json:"title" gorm:"size:256;not null"`
	Description  string     `json:"description" gorm:"type:text"`
	TaskStatus   string     `json:"task_status" gorm:"size:16;not null;default:PENDING;index"`
	AssigneeID   string     `json:"assignee_id" gorm:"size:64"`
	AssignerID   string     `json:"assigner_id" gorm:"size:64"`
	WorkflowID   string     `json:"workflow_id" gorm:"size:64;index"`
	JobKey       string     `json:"job_key" gorm:"size:64;uniqueIndex:idx_tasks_job_key,where:job_key <> ''"`
	ParentTaskID string     `json:"parent_task_id" gorm:"size:32"`
	Priority     string     `json:"priority" gorm:"size:16;not null;default:medium"`
	DueDate      *time.Time `json:"due_date"`
	CompletedAt  *time.Time `json:"completed_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	// 关联
	Signoffs []TaskSignoff `json:"signoffs,omitempty" gorm:"foreignKey:TaskID"`
}

func (Task) TableName() string {
	return "tasks"
}

// TaskDependency 任务依赖：TaskID依赖DependsOnTaskID完成
type TaskDependency struct {
	ID              string    `json:"id" gorm:"primaryKey;size:32"`
	TaskID          string    `json:"task_id" gorm:"size:32;not null;uniqueIndex:idx_task_dep,priority:1"`
	DependsOnTaskID string    `json:"depends_on_task_id" gorm:"size:32;not null;uniqueIndex:idx_task_dep,priority:2;index"`
	CreatedAt       time.Time `json:"created_at"`
}

func (TaskDependency) TableName() string {
	return "task_dependencies"
}

// TaskSignoff 签核，每个(task, user)一条
type TaskSignoff struct {
	ID        string     `json:"id" gorm:"primaryKey;size:32"`
	TaskID    string     `json:"task_id" gorm:"size:32;not null;uniqueIndex:idx_task_signoff,priority:1"`
	UserID    string     `json:"user_id" gorm:"size:64;not null;uniqueIndex:idx_task_signoff,priority:2"`
	Required  bool       `json:"required" gorm:"not null;default:true"`
	Decision  string     `json:"decision" gorm:"size:16;not null;default:pending"`
	Comment   string     `json:"comment" gorm:"type:text"`
	DecidedAt *time.Time `json:"decided_at"`
	CreatedAt time.Time  `json:"created_at"`
}

func (TaskSignoff) TableName() string {
	return "task_signoffs"
}

// TaskStatus 任务状态
const (
	TaskStatusPending    = "PENDING"
	TaskStatusInProgress = "IN_PROGRESS"
	TaskStatusCompleted  = "COMPLETED"
	TaskStatusCancelled  = "CANCELLED"
	TaskStatusOverdue    = "OVERDUE"
)

// 签核决定
const (
	SignoffPending  = "pending"
	SignoffApproved = "approved"
	SignoffRejected = "rejected"
)

// TaskPriority 任务优先级
const (
	TaskPriorityLow      = "low"
	TaskPriorityMedium   = "medium"
	TaskPriorityHigh     = "high"
	TaskPriorityCritical = "critical"
)

// SignoffsSatisfied 所有必签项均已通过
func SignoffsSatisfied(signoffs []TaskSignoff) bool {
	for _, s := range signoffs {
		if s.Required && s.Decision != SignoffApproved {
			return false
		}
	}
	return true
}
