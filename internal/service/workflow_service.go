package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/bitfantasy/nimo-pdm/internal/apperr"
	"github.com/bitfantasy/nimo-pdm/internal/shared/engine"
	"go.uber.org/zap"
)

// 可审批的实体类型
const (
	EntityDocument = "document"
	EntityChange   = "change"
)

// 引擎作业类型
const (
	JobTypeReview = "review"
	JobTypeTask   = "task"
)

// ReviewDecision 评审结论
type ReviewDecision struct {
	Approved bool   `json:"approved"`
	Approver string `json:"approver"`
	Comment  string `json:"comment"`
	// InstanceKey 回调所属的流程实例；为空时不做实例校验
	InstanceKey string `json:"process_instance_key,omitempty"`
}

// supersededInstance 回调所属实例不是实体当前的审批实例时，按已处理的重复投递处理
func supersededInstance(entityType, current string, d ReviewDecision) error {
	if d.InstanceKey == "" || current == "" || d.InstanceKey == current {
		return nil
	}
	return fmt.Errorf("%w: %w", apperr.ErrAlreadyResolved, &apperr.ValidationError{
		Entity:     entityType,
		State:      "instance " + current,
		Transition: "complete_review",
		Rule:       "callback belongs to superseded process instance " + d.InstanceKey,
	})
}

// ReviewFunc applies a review decision and returns the resulting status.
type ReviewFunc func(ctx context.Context, id string, d ReviewDecision) (string, error)

// CallbackResult 作业回调处理结果
type CallbackResult struct {
	JobKey          string `json:"job_key"`
	JobType         string `json:"job_type"`
	EntityType      string `json:"entity_type,omitempty"`
	EntityID        string `json:"entity_id,omitempty"`
	Status          string `json:"status,omitempty"`
	TaskID          string `json:"task_id,omitempty"`
	AlreadyResolved bool   `json:"already_resolved"`
	Acknowledged    bool   `json:"acknowledged"`
	AckDeferred     bool   `json:"ack_deferred,omitempty"`
}

// WorkflowService 工作流回调协议：发起审批流程，并把引擎作业完成回调落到状态机
type WorkflowService struct {
	engine    engine.ProcessEngine
	processes Processes
	reviewers map[string]ReviewFunc
	tasks     *TaskService
	logger    *zap.Logger
}

// NewWorkflowService 创建工作流服务
func NewWorkflowService(eng engine.ProcessEngine, processes Processes, logger *zap.Logger) *WorkflowService {
	return &WorkflowService{
		engine:    eng,
		processes: processes,
		reviewers: make(map[string]ReviewFunc),
		logger:    logger.Named("workflow"),
	}
}

// Register 注册实体类型的评审处理
func (s *WorkflowService) Register(entityType string, fn ReviewFunc) {
	s.reviewers[entityType] = fn
}

func (s *WorkflowService) processFor(entityType string) string {
	switch entityType {
	case EntityDocument:
		return s.processes.Document
	case EntityChange:
		return s.processes.Change
	}
	return ""
}

// StartApproval 发起审批流程实例，返回实例key；不等待流程结束
func (s *WorkflowService) StartApproval(ctx context.Context, entityType, entityID string, reviewers []string, variables map[string]any) (string, error) {
	process := s.processFor(entityType)
	if process == "" {
		return "", apperr.Invalid(entityType, "no approval process configured")
	}

	vars := make(map[string]any, len(variables)+4)
	for k, v := range variables {
		vars[k] = v
	}
	vars["entity_type"] = entityType
	vars["entity_id"] = entityID
	vars["reviewers"] = reviewers
	vars["job_type"] = JobTypeReview

	key, err := s.engine.StartProcess(ctx, process, vars)
	if err != nil {
		if !apperr.IsWorkflowEngine(err) {
			err = &apperr.WorkflowEngineError{Op: "startProcess", Err: err}
		}
		s.logger.Warn("Failed to start approval process",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.String("process", process),
			zap.Error(err))
		return "", err
	}

	s.logger.Info("Approval process started",
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("instance_key", key))
	return key, nil
}

// OnJobComplete 处理引擎作业完成回调。只有本地事务提交后才向引擎确认作业
func (s *WorkflowService) OnJobComplete(ctx context.Context, jobKey string, variables map[string]any) (*CallbackResult, error) {
	if jobKey == "" {
		return nil, apperr.Invalid("workflow callback", "job key is required")
	}
	jobType := stringVar(variables, "job_type")
	if jobType == "" {
		jobType = JobTypeReview
	}

	switch jobType {
	case JobTypeReview:
		return s.onReview(ctx, jobKey, variables)
	case JobTypeTask:
		return s.onTask(ctx, jobKey, variables)
	}
	return nil, apperr.Invalid("workflow callback", fmt.Sprintf("unknown job_type %q", jobType))
}

func (s *WorkflowService) onReview(ctx context.Context, jobKey string, variables map[string]any) (*CallbackResult, error) {
	entityType := stringVar(variables, "entity_type")
	entityID := stringVar(variables, "entity_id")
	approver := stringVar(variables, "approver")
	approved, hasDecision := boolVar(variables, "approved")
	if entityType == "" || entityID == "" || approver == "" || !hasDecision {
		return nil, apperr.Invalid("workflow callback", "variables must include entity_type, entity_id, approved and approver")
	}
	review, ok := s.reviewers[entityType]
	if !ok {
		return nil, apperr.Invalid("workflow callback", fmt.Sprintf("entity_type %q is not reviewable", entityType))
	}

	res := &CallbackResult{
		JobKey:     jobKey,
		JobType:    JobTypeReview,
		EntityType: entityType,
		EntityID:   entityID,
	}

	status, err := review(ctx, entityID, ReviewDecision{
		Approved:    approved,
		Approver:    approver,
		Comment:     stringVar(variables, "comment"),
		InstanceKey: stringVar(variables, "process_instance_key"),
	})
	switch {
	case errors.Is(err, apperr.ErrAlreadyResolved):
		// 重复投递：不改状态、不写历史，但仍确认作业以免引擎无限重投
		s.logger.Info("Duplicate job completion ignored",
			zap.String("job_key", jobKey),
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID))
		res.AlreadyResolved = true
	case err != nil:
		return nil, err
	default:
		res.Status = status
	}

	res.Acknowledged = s.ack(ctx, jobKey, map[string]any{"approved": approved})
	return res, nil
}

func (s *WorkflowService) onTask(ctx context.Context, jobKey string, variables map[string]any) (*CallbackResult, error) {
	if s.tasks == nil {
		return nil, apperr.Invalid("workflow callback", "task jobs are not supported")
	}
	task, err := s.tasks.CreateFromJob(ctx, jobKey, variables)
	if err != nil {
		return nil, err
	}
	res := &CallbackResult{
		JobKey:  jobKey,
		JobType: JobTypeTask,
		TaskID:  task.ID,
		Status:  task.TaskStatus,
	}
	if finished(task.TaskStatus) {
		// 任务已结束但之前的确认失败，引擎重投时再次确认
		s.logger.Info("Redelivered job for finished task, acknowledging again",
			zap.String("job_key", jobKey),
			zap.String("task_id", task.ID),
			zap.String("task_status", task.TaskStatus))
		res.AlreadyResolved = true
		res.Acknowledged = s.tasks.completeWorkflowJob(ctx, task, taskApproved(task))
		return res, nil
	}
	res.AckDeferred = true
	return res, nil
}

// ack completes the job at the engine. Failures are logged and left to the
// engine's redelivery.
func (s *WorkflowService) ack(ctx context.Context, jobKey string, variables map[string]any) bool {
	if err := s.engine.CompleteJob(ctx, jobKey, variables); err != nil {
		s.logger.Warn("Job acknowledgement failed, relying on engine redelivery",
			zap.String("job_key", jobKey), zap.Error(err))
		return false
	}
	return true
}

func stringVar(vars map[string]any, key string) string {
	switch v := vars[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func boolVar(vars map[string]any, key string) (bool, bool) {
	switch v := vars[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	}
	return false, false
}

func stringsVar(vars map[string]any, key string) []string {
	switch v := vars[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}
