package types

import "fmt"

// ErrorCode represents a unified error code across the framework.
type ErrorCode string

// Message admission error codes
const (
	ErrBadMessage   ErrorCode = "BAD_MESSAGE"
	ErrWrongCluster ErrorCode = "WRONG_CLUSTER"
	ErrNotNeighbor  ErrorCode = "NOT_NEIGHBOR"
	ErrStaleMessage ErrorCode = "STALE_MESSAGE"
	ErrUnknownEdge  ErrorCode = "UNKNOWN_EDGE"
)

// Coordination error codes
const (
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrNotLeader         ErrorCode = "NOT_LEADER"
	ErrRobotInactive     ErrorCode = "ROBOT_INACTIVE"
	ErrGraphUnavailable  ErrorCode = "GRAPH_UNAVAILABLE"
	ErrSolverFailure     ErrorCode = "SOLVER_FAILURE"
	ErrTimeout           ErrorCode = "TIMEOUT"
)

// Infrastructure error codes
const (
	ErrBusClosed     ErrorCode = "BUS_CLOSED"
	ErrBusPublish    ErrorCode = "BUS_PUBLISH"
	ErrStoreFailure  ErrorCode = "STORE_FAILURE"
	ErrInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrInternalError ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Robot     *uint32   `json:"robot,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRobot attaches the robot the error refers to.
func (e *Error) WithRobot(robot uint32) *Error {
	e.Robot = &robot
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
