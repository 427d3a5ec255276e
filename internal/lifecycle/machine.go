// Package lifecycle owns the approval transition table shared by documents and
// engineering changes.
//
// The table is the single source of truth for which status an entity moves to
// on an event. Workflow engine callbacks are resolved into events and run
// through the same table, so a stale callback is rejected by the same guard
// that rejects a stale user request.
package lifecycle

import (
	"github.com/bitfantasy/nimo-pdm/internal/apperr"
	"github.com/bitfantasy/nimo-pdm/internal/model/entity"
)

// Event 状态机事件
type Event string

const (
	EventStartWork       Event = "start_work"
	EventSubmitForReview Event = "submit_for_review"
	EventApprove         Event = "approve"
	EventReject          Event = "reject"
	EventRelease         Event = "release"
	EventObsolete        Event = "obsolete"
	EventRetire          Event = "retire"
	EventRevise          Event = "revise"
)

// Options 迁移参数
type Options struct {
	// TechnicalReview inserts IN_TECHNICAL_REVIEW between IN_REVIEW and APPROVED.
	TechnicalReview bool
	Reviewers       []string
}

type transition struct {
	from  []string
	to    func(opts Options) string
	guard func(opts Options) string
	rule  string
}

func to(status string) func(Options) string {
	return func(Options) string { return status }
}

// Machine 状态机，无状态、并发安全
type Machine struct {
	entity string
	table  map[Event]transition
}

// New 创建指定实体类型的状态机
func New(entityName string) *Machine {
	return &Machine{
		entity: entityName,
		table: map[Event]transition{
			EventStartWork: {
				from: []string{entity.StatusDraft},
				to:   to(entity.StatusInWork),
				rule: "work can only start on a draft",
			},
			EventSubmitForReview: {
				from: []string{entity.StatusDraft, entity.StatusInWork},
				to:   to(entity.StatusInReview),
				guard: func(opts Options) string {
					if len(opts.Reviewers) == 0 {
						return "at least one reviewer is required"
					}
					return ""
				},
				rule: "only DRAFT or IN_WORK can be submitted for review",
			},
			EventApprove: {
				from: []string{entity.StatusInReview, entity.StatusInTechnicalReview},
				rule: "not in a review state",
			},
			EventReject: {
				from: []string{entity.StatusInReview, entity.StatusInTechnicalReview},
				to:   to(entity.StatusInWork),
				rule: "not in a review state",
			},
			EventRelease: {
				from: []string{entity.StatusApproved},
				to:   to(entity.StatusReleased),
				rule: "only APPROVED can be released",
			},
			EventObsolete: {
				from: []string{entity.StatusReleased},
				to:   to(entity.StatusObsolete),
				rule: "only RELEASED can be made obsolete",
			},
			EventRetire: {
				from: []string{
					entity.StatusDraft, entity.StatusInWork, entity.StatusInReview,
					entity.StatusInTechnicalReview, entity.StatusApproved, entity.StatusReleased,
				},
				to:   to(entity.StatusObsolete),
				rule: "already obsolete",
			},
			EventRevise: {
				from: []string{entity.StatusReleased, entity.StatusObsolete},
				to:   to(entity.StatusDraft),
				rule: "only RELEASED or OBSOLETE can be revised",
			},
		},
	}
}

// Next 返回from状态在event下的目标状态；非法时返回*apperr.ValidationError
func (m *Machine) Next(from string, event Event, opts Options) (string, error) {
	t, ok := m.table[event]
	if !ok {
		return "", &apperr.ValidationError{Entity: m.entity, State: from, Transition: string(event), Rule: "unknown transition"}
	}
	if !contains(t.from, from) {
		return "", &apperr.ValidationError{Entity: m.entity, State: from, Transition: string(event), Rule: t.rule}
	}
	if t.guard != nil {
		if reason := t.guard(opts); reason != "" {
			return "", &apperr.ValidationError{Entity: m.entity, State: from, Transition: string(event), Rule: reason}
		}
	}
	if event == EventApprove {
		return approveTarget(from, opts), nil
	}
	return t.to(opts), nil
}

// Can reports whether event is legal from the given status, ignoring guards.
func (m *Machine) Can(from string, event Event) bool {
	t, ok := m.table[event]
	return ok && contains(t.from, from)
}

func approveTarget(from string, opts Options) string {
	if from == entity.StatusInReview && opts.TechnicalReview {
		return entity.StatusInTechnicalReview
	}
	return entity.StatusApproved
}

// IsReviewState 是否处于评审中
func IsReviewState(status string) bool {
	return status == entity.StatusInReview || status == entity.StatusInTechnicalReview
}

// ReviewEvent 把评审结论映射为事件
func ReviewEvent(approved bool) Event {
	if approved {
		return EventApprove
	}
	return EventReject
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
