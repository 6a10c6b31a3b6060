package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State of one transaction run
type State string

const (
	StatePending      State = "pending"
	StateValidating   State = "validating"
	StateExecuting    State = "executing"
	StateCommitted    State = "committed"
	StateCompensating State = "compensating"
	StateRolledBack   State = "rolled_back"
	// StateFailed is a run rejected during validation, nothing was executed.
	StateFailed State = "failed"
)

// Error codes reported in OperationResult.ErrorCode and Result.ErrorCode
const (
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeExecutionFailed     = "EXECUTION_FAILED"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeInsufficientItems   = "INSUFFICIENT_ITEMS"
	CodeTimeout             = "TIMEOUT"
	CodePanic               = "PANIC"
	CodeBuildFailed         = "BUILD_FAILED"
	CodeNoStorage           = "NO_STORAGE"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNoStorage           = errors.New("no balance provider or storage configured")
)

// Operation is one step of a saga. Execute must leave enough state (in the
// operation or in the Context) for Compensate to undo it.
type Operation interface {
	Name() string
	// Validate rejects the whole run before anything executes.
	Validate(ctx context.Context, tx *Context) error
	Execute(ctx context.Context, tx *Context) OperationResult
	Compensate(ctx context.Context, tx *Context) error
}

// OperationResult is the structured outcome of Execute
type OperationResult struct {
	Success   bool
	Data      any
	Error     string
	ErrorCode string
}

// Ok builds a successful OperationResult
func Ok(data any) OperationResult {
	return OperationResult{Success: true, Data: data}
}

// Fail builds a failed OperationResult
func Fail(code string, format string, args ...any) OperationResult {
	return OperationResult{Error: fmt.Sprintf(format, args...), ErrorCode: code}
}

// OperationError is a declined precondition, returned from Validate.
type OperationError struct {
	Code    string
	Message string
}

func (e *OperationError) Error() string {
	return e.Code + ": " + e.Message
}

// Unwrap lets errors.Is match the sentinel behind a known code.
func (e *OperationError) Unwrap() error {
	switch e.Code {
	case CodeInsufficientBalance:
		return ErrInsufficientBalance
	case CodeNoStorage:
		return ErrNoStorage
	}
	return nil
}

// Reject builds an *OperationError
func Reject(code string, format string, args ...any) error {
	return &OperationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Result is what a caller of Run sees
type Result struct {
	TransactionID string
	Success       bool
	State         State
	// Results holds one entry per attempted operation, in execution order.
	Results   []OperationResult
	Data      map[string]any
	Error     string
	ErrorCode string
	Duration  time.Duration
}
