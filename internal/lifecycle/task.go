package lifecycle

import (
	"github.com/bitfantasy/nimo-pdm/internal/apperr"
	"github.com/bitfantasy/nimo-pdm/internal/model/entity"
)

// TaskEvent 任务事件
type TaskEvent string

const (
	TaskEventStart    TaskEvent = "start"
	TaskEventComplete TaskEvent = "complete"
	TaskEventCancel   TaskEvent = "cancel"
	TaskEventOverdue  TaskEvent = "overdue"
)

var taskTable = map[TaskEvent]struct {
	from []string
	to   string
	rule string
}{
	TaskEventStart: {
		from: []string{entity.TaskStatusPending, entity.TaskStatusOverdue},
		to:   entity.TaskStatusInProgress,
		rule: "only PENDING or OVERDUE tasks can start",
	},
	TaskEventComplete: {
		from: []string{entity.TaskStatusInProgress, entity.TaskStatusOverdue},
		to:   entity.TaskStatusCompleted,
		rule: "only IN_PROGRESS or OVERDUE tasks can complete",
	},
	TaskEventCancel: {
		from: []string{entity.TaskStatusPending, entity.TaskStatusInProgress, entity.TaskStatusOverdue},
		to:   entity.TaskStatusCancelled,
		rule: "task already finished",
	},
	TaskEventOverdue: {
		from: []string{entity.TaskStatusPending, entity.TaskStatusInProgress},
		to:   entity.TaskStatusOverdue,
		rule: "only open tasks can become overdue",
	},
}

// NextTaskStatus 任务状态迁移
func NextTaskStatus(from string, event TaskEvent) (string, error) {
	t, ok := taskTable[event]
	if !ok {
		return "", &apperr.ValidationError{Entity: "task", State: from, Transition: string(event), Rule: "unknown transition"}
	}
	if !contains(t.from, from) {
		return "", &apperr.ValidationError{Entity: "task", State: from, Transition: string(event), Rule: t.rule}
	}
	return t.to, nil
}
