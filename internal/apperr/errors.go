// Package apperr holds the error taxonomy shared by services and handlers.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAlreadyResolved 实体已离开评审状态，重复投递的回调
var ErrAlreadyResolved = errors.New("already resolved")

// ValidationError 非法状态迁移或缺少必填字段
type ValidationError struct {
	Entity     string
	State      string
	Transition string
	Rule       string
}

func (e *ValidationError) Error() string {
	if e.Transition == "" {
		return fmt.Sprintf("%s: %s", e.Entity, e.Rule)
	}
	return fmt.Sprintf("%s: cannot %s from %s: %s", e.Entity, e.Transition, e.State, e.Rule)
}

// Invalid 构造字段校验错误
func Invalid(entity, rule string) *ValidationError {
	return &ValidationError{Entity: entity, Rule: rule}
}

// CycleError BOM边会形成环
type CycleError struct {
	ParentID string
	ChildID  string
	Path     []string
}

func (e *CycleError) Error() string {
	msg := fmt.Sprintf("usage %s -> %s would create a cycle", e.ParentID, e.ChildID)
	if len(e.Path) > 0 {
		msg += " (" + strings.Join(e.Path, " -> ") + ")"
	}
	return msg
}

// NotFoundError 实体不存在
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// NotFound 构造NotFoundError
func NotFound(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// ConflictError 并发写冲突，调用方应重试
type ConflictError struct {
	Entity string
	ID     string
	Err    error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: concurrent modification, retry: %v", e.Entity, e.ID, e.Err)
	}
	return fmt.Sprintf("%s %s: concurrent modification, retry", e.Entity, e.ID)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// SecondaryStoreError 图/检索副本写入失败，只记录不向上抛
type SecondaryStoreError struct {
	Target string
	Op     string
	ID     string
	Err    error
}

func (e *SecondaryStoreError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Target, e.Op, e.ID, e.Err)
}

func (e *SecondaryStoreError) Unwrap() error { return e.Err }

// WorkflowEngineError 工作流引擎调用失败
type WorkflowEngineError struct {
	Op  string
	Err error
}

func (e *WorkflowEngineError) Error() string {
	return fmt.Sprintf("workflow engine %s: %v", e.Op, e.Err)
}

func (e *WorkflowEngineError) Unwrap() error { return e.Err }

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

// IsCycle reports whether err carries a CycleError.
func IsCycle(err error) bool {
	var c *CycleError
	return errors.As(err, &c)
}

// IsConflict reports whether err carries a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsWorkflowEngine reports whether err carries a WorkflowEngineError.
func IsWorkflowEngine(err error) bool {
	var w *WorkflowEngineError
	return errors.As(err, &w)
}
