// Package errors provides a structured error system for dbfs with error codes, categories, and context.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"
)

// ErrorCode represents a structured error code for dbfs operations.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeParse            ErrorCode = "PARSE_ERROR"
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig    ErrorCode = "MISSING_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"

	// Routing errors
	ErrCodeRouteUnknownServer ErrorCode = "ROUTE_UNKNOWN_SERVER"
	ErrCodeRouteMalformed     ErrorCode = "ROUTE_MALFORMED_PATH"

	// Remote query errors
	ErrCodeRemoteQuery      ErrorCode = "REMOTE_QUERY"
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	ErrCodeQueryTimeout     ErrorCode = "QUERY_TIMEOUT"
	ErrCodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	ErrCodeRetryExhausted   ErrorCode = "RETRY_EXHAUSTED"

	// Filesystem errors
	ErrCodeShadowIO         ErrorCode = "SHADOW_IO"
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrCodeBadHandle        ErrorCode = "BAD_HANDLE"
	ErrCodeMountFailed      ErrorCode = "MOUNT_FAILED"
	ErrCodeUnmountFailed    ErrorCode = "UNMOUNT_FAILED"

	// State errors
	ErrCodeAlreadyStarted ErrorCode = "ALREADY_STARTED"
	ErrCodeNotInitialized ErrorCode = "NOT_INITIALIZED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryRouting       ErrorCategory = "routing"
	CategoryRemote        ErrorCategory = "remote"
	CategoryFilesystem    ErrorCategory = "filesystem"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// DBFSError represents a structured error with context and metadata.
type DBFSError struct {
	// Core error information
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	// Contextual information
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	// Operational metadata
	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`
	Path      string `json:"path,omitempty"`
	Line      int    `json:"line,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *DBFSError) Error() string {
	msg := e.Message
	if e.Line > 0 {
		msg = fmt.Sprintf("line %d: %s", e.Line, msg)
	}
	if e.Path != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Path)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *DBFSError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *DBFSError) Is(target error) bool {
	if dbfsErr, ok := target.(*DBFSError); ok {
		return e.Code == dbfsErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *DBFSError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("Path=%s", e.Path))
	}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("Line=%d", e.Line))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("DBFSError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new dbfs error with default values.
func NewError(code ErrorCode, message string) *DBFSError {
	return &DBFSError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf is NewError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *DBFSError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case code == ErrCodeParse || strings.HasPrefix(codeStr, "INVALID_CONFIG") ||
		strings.HasPrefix(codeStr, "MISSING_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "ROUTE_"):
		return CategoryRouting
	case strings.HasPrefix(codeStr, "REMOTE_") || strings.HasPrefix(codeStr, "CONNECTION_") ||
		strings.HasPrefix(codeStr, "QUERY_") || strings.HasPrefix(codeStr, "CIRCUIT_") ||
		strings.HasPrefix(codeStr, "RETRY_"):
		return CategoryRemote
	case strings.HasPrefix(codeStr, "SHADOW_") || strings.HasPrefix(codeStr, "PERMISSION_") ||
		strings.HasPrefix(codeStr, "BAD_") || strings.HasPrefix(codeStr, "MOUNT_") ||
		strings.HasPrefix(codeStr, "UNMOUNT_"):
		return CategoryFilesystem
	case strings.HasPrefix(codeStr, "ALREADY_") || strings.HasPrefix(codeStr, "NOT_INITIALIZED"):
		return CategoryState
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeConnectionFailed: true,
		ErrCodeQueryTimeout:     true,
	}
	return retryableCodes[code]
}

// WithContext adds contextual information to an error
func (e *DBFSError) WithContext(key, value string) *DBFSError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *DBFSError) WithDetail(key string, value interface{}) *DBFSError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *DBFSError) WithComponent(component string) *DBFSError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *DBFSError) WithOperation(operation string) *DBFSError {
	e.Operation = operation
	return e
}

// WithPath records the path the error refers to.
func (e *DBFSError) WithPath(path string) *DBFSError {
	e.Path = path
	return e
}

// WithLine records the source line (configuration errors).
func (e *DBFSError) WithLine(line int) *DBFSError {
	e.Line = line
	return e
}

// WithCause sets the underlying cause
func (e *DBFSError) WithCause(cause error) *DBFSError {
	e.Cause = cause
	return e
}

// ShadowIO wraps an I/O failure on the shadow tree.
func ShadowIO(op, path string, cause error) *DBFSError {
	return NewError(ErrCodeShadowIO, "shadow operation failed").
		WithOperation(op).
		WithPath(path).
		WithCause(cause)
}

// HasCode reports whether err is a DBFSError with the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	var dbfsErr *DBFSError
	if errors.As(err, &dbfsErr) {
		return dbfsErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first DBFSError in the chain, or "" if there is none.
func CodeOf(err error) ErrorCode {
	var dbfsErr *DBFSError
	if errors.As(err, &dbfsErr) {
		return dbfsErr.Code
	}
	return ""
}

// IsRetryable reports whether the first DBFSError in the chain is marked retryable.
func IsRetryable(err error) bool {
	var dbfsErr *DBFSError
	if errors.As(err, &dbfsErr) {
		return dbfsErr.Retryable
	}
	return false
}

// Errno projects an error onto the errno reported to the kernel.
// A nil error maps to 0.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var dbfsErr *DBFSError
	if errors.As(err, &dbfsErr) {
		switch dbfsErr.Category {
		case CategoryRouting:
			return syscall.ENOENT
		case CategoryRemote:
			return syscall.EIO
		}
		switch dbfsErr.Code {
		case ErrCodePermissionDenied:
			return syscall.EPERM
		case ErrCodeBadHandle:
			return syscall.EBADF
		case ErrCodeShadowIO:
			if errno, ok := underlyingErrno(dbfsErr.Cause); ok {
				return errno
			}
			return syscall.EIO
		}
		return syscall.EIO
	}

	if errno, ok := underlyingErrno(err); ok {
		return errno
	}
	return syscall.EIO
}

// Negative returns the negated errno, the convention of path-based FUSE bindings.
func Negative(err error) int {
	return -int(Errno(err))
}

func underlyingErrno(err error) (syscall.Errno, bool) {
	if err == nil {
		return 0, false
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return syscall.ENOENT, true
	case errors.Is(err, os.ErrExist):
		return syscall.EEXIST, true
	case errors.Is(err, os.ErrPermission):
		return syscall.EACCES, true
	}
	return 0, false
}
