package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-pdm/internal/apperr"
	"github.com/bitfantasy/nimo-pdm/internal/bomgraph"
	"github.com/bitfantasy/nimo-pdm/internal/events"
	"github.com/bitfantasy/nimo-pdm/internal/lifecycle"
	"github.com/bitfantasy/nimo-pdm/internal/model/entity"
	"github.com/bitfantasy/nimo-pdm/internal/repository"
	"github.com/bitfantasy/nimo-pdm/internal/shared/engine"
	"go.uber.org/zap"
)

// TaskService 任务服务，含签核与工作流作业闭环
type TaskService struct {
	repos  *repository.Repositories
	engine engine.ProcessEngine
	base
}

// NewTaskService 创建任务服务
func NewTaskService(repos *repository.Repositories, eng engine.ProcessEngine, b base) *TaskService {
	return &TaskService{repos: repos, engine: eng, base: b}
}

// CreateTaskRequest 创建任务请求
type CreateTaskRequest struct {
	Title          string     `json:"title" binding:"required"`
	Description    string     `json:"description"`
	AssigneeID     string     `json:"assignee_id"`
	ParentTaskID   string     `json:"parent_task_id"`
	Priority       string     `json:"priority"`
	DueDate        *time.Time `json:"due_date"`
	SignoffUserIDs []string   `json:"signoff_user_ids"`
}

// TaskResult 任务操作结果；完成工作流任务时带回作业确认结果
type TaskResult struct {
	Task         *entity.Task `json:"task"`
	JobKey       string       `json:"job_key,omitempty"`
	Acknowledged bool         `json:"acknowledged"`
}

// List 获取任务列表
func (s *TaskService) List(ctx context.Context, page, pageSize int, filters map[string]interface{}) (*ListResult[entity.Task], error) {
	tasks, total, err := s.repos.Task.List(ctx, page, pageSize, filters)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return newListResult(tasks, total, page, pageSize), nil
}

// Get 获取任务详情
func (s *TaskService) Get(ctx context.Context, id string) (*entity.Task, error) {
	task, err := s.repos.Task.FindByID(ctx, id)
	if err != nil {
		return nil, lookup("task", id, err)
	}
	return task, nil
}

// Create 创建任务
func (s *TaskService) Create(ctx context.Context, userID string, req *CreateTaskRequest) (*entity.Task, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, apperr.Invalid("task", "title is required")
	}
	priority, err := normalizePriority(req.Priority)
	if err != nil {
		return nil, err
	}
	if req.ParentTaskID != "" {
		if _, err := s.repos.Task.FindByID(ctx, req.ParentTaskID); err != nil {
			return nil, lookup("task", req.ParentTaskID, err)
		}
	}

	task := newTask(req.Title, req.Description, req.AssigneeID, userID, priority, req.DueDate, req.SignoffUserIDs)
	task.ParentTaskID = req.ParentTaskID
	if err := s.repos.Task.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.afterWrite(ctx, task)
	return task, nil
}

// CreateFromJob 引擎作业要求创建子任务。按job_key幂等，重复投递返回已有任务
func (s *TaskService) CreateFromJob(ctx context.Context, jobKey string, vars map[string]any) (*entity.Task, error) {
	if existing, err := s.repos.Task.FindByJobKey(ctx, jobKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("find task by job: %w", err)
	}

	priority, err := normalizePriority(stringVar(vars, "priority"))
	if err != nil {
		return nil, err
	}
	var due *time.Time
	if raw := stringVar(vars, "due_date"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, apperr.Invalid("task", fmt.Sprintf("due_date %q is not RFC3339", raw))
		}
		due = &t
	}
	title := stringVar(vars, "title")
	if title == "" {
		title = "Workflow task " + jobKey
	}

	task := newTask(title, stringVar(vars, "description"), stringVar(vars, "assignee_id"),
		"workflow-engine", priority, due, stringsVar(vars, "signoff_user_ids"))
	task.WorkflowID = stringVar(vars, "process_instance_key")
	task.JobKey = jobKey

	if err := s.repos.Task.Create(ctx, task); err != nil {
		if repository.IsUniqueViolation(err) {
			// 并发的重复投递先写入了
			return s.repos.Task.FindByJobKey(ctx, jobKey)
		}
		return nil, fmt.Errorf("create task: %w", err)
	}

	s.logger.Info("Workflow task created",
		zap.String("task_id", task.ID),
		zap.String("job_key", jobKey),
		zap.String("workflow_id", task.WorkflowID))
	s.afterWrite(ctx, task)
	return task, nil
}

// Start 开始任务，依赖须全部完成
func (s *TaskService) Start(ctx context.Context, id, userID string) (*entity.Task, error) {
	var task *entity.Task
	err := s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		var err error
		task, err = tx.Task.FindForUpdate(ctx, id)
		if err != nil {
			return lookup("task", id, err)
		}
		pending, err := tx.Task.CountUnfinishedDependencies(ctx, id)
		if err != nil {
			return err
		}
		if pending > 0 {
			return &apperr.ValidationError{
				Entity: "task", State: task.TaskStatus, Transition: string(lifecycle.TaskEventStart),
				Rule: fmt.Sprintf("%d dependencies are not completed", pending),
			}
		}
		next, err := lifecycle.NextTaskStatus(task.TaskStatus, lifecycle.TaskEventStart)
		if err != nil {
			return err
		}
		task.TaskStatus = next
		task.UpdatedAt = time.Now()
		return tx.Task.Update(ctx, task)
	})
	if err != nil {
		return nil, txError("start task", "task", id, err)
	}
	s.logger.Info("Task started", zap.String("task_id", id), zap.String("user_id", userID))
	s.afterWrite(ctx, task)
	return task, nil
}

// AddDependency 添加依赖：id 依赖 dependsOnID 完成。依赖图保持无环
func (s *TaskService) AddDependency(ctx context.Context, id, dependsOnID string) (*entity.TaskDependency, error) {
	if id == dependsOnID {
		return nil, apperr.Invalid("task", "a task cannot depend on itself")
	}
	var dep *entity.TaskDependency
	err := s.repos.SerializableTransaction(ctx, func(tx *repository.Repositories) error {
		if _, err := tx.Task.FindByID(ctx, id); err != nil {
			return lookup("task", id, err)
		}
		if _, err := tx.Task.FindByID(ctx, dependsOnID); err != nil {
			return lookup("task", dependsOnID, err)
		}
		cyclic, path, err := bomgraph.Reachable(ctx, dependsOnID, id, tx.Task.DependencyIDs)
		if err != nil {
			return err
		}
		if cyclic {
			return apperr.Invalid("task", "dependency would create a cycle: "+strings.Join(path, " -> "))
		}
		dep = &entity.TaskDependency{
			ID:              entity.NewID(),
			TaskID:          id,
			DependsOnTaskID: dependsOnID,
			CreatedAt:       time.Now(),
		}
		if err := tx.Task.AddDependency(ctx, dep); err != nil {
			if repository.IsUniqueViolation(err) {
				return apperr.Invalid("task", "dependency already exists")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, txError("add dependency", "task", id, err)
	}
	return dep, nil
}

// AddSignoff 添加签核人
func (s *TaskService) AddSignoff(ctx context.Context, id, userID string, required bool) (*entity.TaskSignoff, error) {
	if userID == "" {
		return nil, apperr.Invalid("task", "signoff user is required")
	}
	task, err := s.repos.Task.FindByID(ctx, id)
	if err != nil {
		return nil, lookup("task", id, err)
	}
	if finished(task.TaskStatus) {
		return nil, &apperr.ValidationError{Entity: "task", State: task.TaskStatus, Transition: "add_signoff", Rule: "task already finished"}
	}
	signoff := &entity.TaskSignoff{
		ID:        entity.NewID(),
		TaskID:    id,
		UserID:    userID,
		Required:  required,
		Decision:  entity.SignoffPending,
		CreatedAt: time.Now(),
	}
	if err := s.repos.Task.CreateSignoff(ctx, signoff); err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, apperr.Invalid("task", fmt.Sprintf("user %s already signs off this task", userID))
		}
		return nil, fmt.Errorf("create signoff: %w", err)
	}
	s.notify(ctx, events.NewEvent(events.TypeMyTask, map[string]any{"task_id": id, "signoff": true}).ForUser(userID))
	return signoff, nil
}

// RecordSignoff 记录签核结论。工作流任务在所有必签项都有结论后自动完成并确认作业
func (s *TaskService) RecordSignoff(ctx context.Context, id, userID, decision, comment string) (*TaskResult, error) {
	if decision != entity.SignoffApproved && decision != entity.SignoffRejected {
		return nil, apperr.Invalid("task", fmt.Sprintf("decision must be %s or %s", entity.SignoffApproved, entity.SignoffRejected))
	}

	var (
		task      *entity.Task
		signoffs  []entity.TaskSignoff
		completed bool
	)
	err := s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		var err error
		task, err = tx.Task.FindForUpdate(ctx, id)
		if err != nil {
			return lookup("task", id, err)
		}
		if finished(task.TaskStatus) {
			return &apperr.ValidationError{Entity: "task", State: task.TaskStatus, Transition: "signoff", Rule: "task already finished"}
		}
		signoff, err := tx.Task.FindSignoff(ctx, id, userID)
		if err != nil {
			return lookup("task signoff", id+"/"+userID, err)
		}
		now := time.Now()
		signoff.Decision = decision
		signoff.Comment = comment
		signoff.DecidedAt = &now
		if err := tx.Task.UpdateSignoff(ctx, signoff); err != nil {
			return err
		}

		signoffs, err = tx.Task.ListSignoffs(ctx, id)
		if err != nil {
			return err
		}
		if task.JobKey == "" || !requiredDecided(signoffs) {
			return nil
		}
		if task.TaskStatus == entity.TaskStatusPending {
			task.TaskStatus = entity.TaskStatusInProgress
		}
		next, err := lifecycle.NextTaskStatus(task.TaskStatus, lifecycle.TaskEventComplete)
		if err != nil {
			return err
		}
		task.TaskStatus = next
		task.CompletedAt = &now
		task.UpdatedAt = now
		completed = true
		return tx.Task.Update(ctx, task)
	})
	if err != nil {
		return nil, txError("record signoff", "task", id, err)
	}
	task.Signoffs = signoffs

	res := &TaskResult{Task: task}
	if completed {
		res.JobKey = task.JobKey
		res.Acknowledged = s.completeWorkflowJob(ctx, task, entity.SignoffsSatisfied(signoffs))
	}
	s.afterWrite(ctx, task)
	return res, nil
}

// Complete 完成任务，所有必签项须已通过
func (s *TaskService) Complete(ctx context.Context, id, userID string) (*TaskResult, error) {
	var task *entity.Task
	err := s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		var err error
		task, err = tx.Task.FindForUpdate(ctx, id)
		if err != nil {
			return lookup("task", id, err)
		}
		signoffs, err := tx.Task.ListSignoffs(ctx, id)
		if err != nil {
			return err
		}
		if !entity.SignoffsSatisfied(signoffs) {
			return &apperr.ValidationError{
				Entity: "task", State: task.TaskStatus, Transition: string(lifecycle.TaskEventComplete),
				Rule: "required signoffs are not all approved",
			}
		}
		next, err := lifecycle.NextTaskStatus(task.TaskStatus, lifecycle.TaskEventComplete)
		if err != nil {
			return err
		}
		now := time.Now()
		task.TaskStatus = next
		task.CompletedAt = &now
		task.UpdatedAt = now
		task.Signoffs = signoffs
		return tx.Task.Update(ctx, task)
	})
	if err != nil {
		return nil, txError("complete task", "task", id, err)
	}

	s.logger.Info("Task completed", zap.String("task_id", id), zap.String("user_id", userID))
	res := &TaskResult{Task: task}
	if task.JobKey != "" {
		res.JobKey = task.JobKey
		res.Acknowledged = s.completeWorkflowJob(ctx, task, true)
	}
	s.afterWrite(ctx, task)
	return res, nil
}

// Cancel 取消任务
func (s *TaskService) Cancel(ctx context.Context, id, userID, reason string) (*entity.Task, error) {
	var task *entity.Task
	err := s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		var err error
		task, err = tx.Task.FindForUpdate(ctx, id)
		if err != nil {
			return lookup("task", id, err)
		}
		next, err := lifecycle.NextTaskStatus(task.TaskStatus, lifecycle.TaskEventCancel)
		if err != nil {
			return err
		}
		task.TaskStatus = next
		task.UpdatedAt = time.Now()
		return tx.Task.Update(ctx, task)
	})
	if err != nil {
		return nil, txError("cancel task", "task", id, err)
	}
	s.logger.Info("Task cancelled", zap.String("task_id", id), zap.String("user_id", userID), zap.String("reason", reason))
	if task.JobKey != "" {
		s.completeWorkflowJob(ctx, task, false)
	}
	s.afterWrite(ctx, task)
	return task, nil
}

// MarkOverdue 把过期未完成任务置为OVERDUE
func (s *TaskService) MarkOverdue(ctx context.Context) (int, error) {
	tasks, err := s.repos.Task.MarkOverdue(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("mark overdue: %w", err)
	}
	for i := range tasks {
		s.afterWrite(ctx, &tasks[i])
	}
	return len(tasks), nil
}

// RunOverdueSweeper 周期执行MarkOverdue，直到ctx取消
func (s *TaskService) RunOverdueSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.MarkOverdue(ctx)
			if err != nil {
				s.logger.Warn("Overdue sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("Tasks marked overdue", zap.Int("count", n))
			}
		}
	}
}

// completeWorkflowJob 本地提交后向引擎确认作业；失败只记录，依赖引擎重投
func (s *TaskService) completeWorkflowJob(ctx context.Context, task *entity.Task, approved bool) bool {
	err := s.engine.CompleteJob(ctx, task.JobKey, map[string]any{
		"task_id":  task.ID,
		"approved": approved,
	})
	if err != nil {
		s.logger.Warn("Workflow job acknowledgement failed",
			zap.String("task_id", task.ID),
			zap.String("job_key", task.JobKey),
			zap.Error(err))
		return false
	}
	return true
}

func (s *TaskService) afterWrite(ctx context.Context, task *entity.Task) {
	s.publish(ctx, taskMutation(task))
	payload := map[string]any{
		"id":          task.ID,
		"task_status": task.TaskStatus,
		"workflow_id": task.WorkflowID,
	}
	s.notify(ctx, events.NewEvent(events.TypeTask, payload))
	if task.AssigneeID != "" {
		s.notify(ctx, events.NewEvent(events.TypeMyTask, payload).ForUser(task.AssigneeID))
	}
}

func newTask(title, description, assigneeID, assignerID, priority string, due *time.Time, signoffUsers []string) *entity.Task {
	now := time.Now()
	task := &entity.Task{
		ID:          entity.NewID(),
		Title:       title,
		Description: description,
		TaskStatus:  entity.TaskStatusPending,
		AssigneeID:  assigneeID,
		AssignerID:  assignerID,
		Priority:    priority,
		DueDate:     due,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	seen := make(map[string]bool, len(signoffUsers))
	for _, u := range signoffUsers {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		task.Signoffs = append(task.Signoffs, entity.TaskSignoff{
			ID:        entity.NewID(),
			TaskID:    task.ID,
			UserID:    u,
			Required:  true,
			Decision:  entity.SignoffPending,
			CreatedAt: now,
		})
	}
	return task
}

func normalizePriority(p string) (string, error) {
	switch p {
	case "":
		return entity.TaskPriorityMedium, nil
	case entity.TaskPriorityLow, entity.TaskPriorityMedium, entity.TaskPriorityHigh, entity.TaskPriorityCritical:
		return p, nil
	}
	return "", apperr.Invalid("task", fmt.Sprintf("unknown priority %q", p))
}

// taskApproved 已结束工作流任务回报给引擎的结论：取消视为未通过
func taskApproved(task *entity.Task) bool {
	return task.TaskStatus == entity.TaskStatusCompleted && entity.SignoffsSatisfied(task.Signoffs)
}

func finished(status string) bool {
	return status == entity.TaskStatusCompleted || status == entity.TaskStatusCancelled
}

// requiredDecided reports whether there is at least one required signoff
// and none of them is still pending.
func requiredDecided(signoffs []entity.TaskSignoff) bool {
	n := 0
	for _, so := range signoffs {
		if !so.Required {
			continue
		}
		if so.Decision == entity.SignoffPending {
			return false
		}
		n++
	}
	return n > 0
}
