// Package errors defines the structured error types shared by the build
// pipeline, the watcher and the dev server.
//
// Every failure that can end a build is a *PipelineError carrying a Kind, so
// callers can tell a transform failure from an unresolved inline reference or
// an unavailable dev-server port without string matching.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind represents a category of pipeline failure.
type Kind string

const (
	// KindTransform is a task whose transform could not produce output.
	KindTransform Kind = "transform"
	// KindReference is a markup reference that could not be resolved to an artifact.
	KindReference Kind = "reference"
	// KindWatchBindingMiss is a filesystem event outside every watched subtree.
	KindWatchBindingMiss Kind = "watch_binding_miss"
	// KindServerUnavailable is a dev-server address that cannot be bound.
	KindServerUnavailable Kind = "server_unavailable"
	KindConfig            Kind = "config"
	KindIO                Kind = "io"
	KindInternal          Kind = "internal"
)

// Common error codes.
const (
	ErrCodeTaskFailed        = "ERR_TASK_FAILED"
	ErrCodeTaskPanicked      = "ERR_TASK_PANICKED"
	ErrCodeIncludeMissing    = "ERR_INCLUDE_MISSING"
	ErrCodeIncludeCycle      = "ERR_INCLUDE_CYCLE"
	ErrCodeEntryMissing      = "ERR_ENTRY_MISSING"
	ErrCodeInlineUnresolved  = "ERR_INLINE_UNRESOLVED"
	ErrCodeAddrInUse         = "ERR_ADDR_IN_USE"
	ErrCodeConfigInvalid     = "ERR_CONFIG_INVALID"
	ErrCodeGraphInvalid      = "ERR_GRAPH_INVALID"
	ErrCodeUnknownTask       = "ERR_UNKNOWN_TASK"
	ErrCodeArtifactIO        = "ERR_ARTIFACT_IO"
	ErrCodeNoBindingForEvent = "ERR_NO_BINDING"
	ErrCodeHealthCheckFailed = "ERR_HEALTH_CHECK_FAILED"
)

// PipelineError is a structured error type with task and location context.
type PipelineError struct {
	Kind    Kind
	Code    string
	Task    string
	Path    string
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Task != "" {
		parts = append(parts, "task:"+e.Task)
	}

	if e.Path != "" {
		parts = append(parts, e.Path)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a PipelineError with the same kind and code.
func (e *PipelineError) Is(target error) bool {
	var t *PipelineError
	if errors.As(target, &t) {
		return e.Kind == t.Kind && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *PipelineError) WithContext(key string, value interface{}) *PipelineError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithTask attributes the error to a task.
func (e *PipelineError) WithTask(task string) *PipelineError {
	e.Task = task

	return e
}

// WithPath adds the file the error refers to.
func (e *PipelineError) WithPath(path string) *PipelineError {
	e.Path = path

	return e
}

// NewTransformError creates a transform failure for the named task.
func NewTransformError(task, message string, cause error) *PipelineError {
	return &PipelineError{
		Kind:    KindTransform,
		Code:    ErrCodeTaskFailed,
		Task:    task,
		Message: message,
		Cause:   cause,
	}
}

// NewSourceError creates a transform failure raised inside a transform for a
// specific source file. The executor fills in the task name.
func NewSourceError(code, path, message string) *PipelineError {
	return &PipelineError{
		Kind:    KindTransform,
		Code:    code,
		Path:    path,
		Message: message,
	}
}

// NewReferenceError creates a reference resolution failure.
func NewReferenceError(code, path, message string, cause error) *PipelineError {
	return &PipelineError{
		Kind:    KindReference,
		Code:    code,
		Path:    path,
		Message: message,
		Cause:   cause,
	}
}

// NewServerUnavailableError creates an error for an address that cannot be bound.
func NewServerUnavailableError(addr string, cause error) *PipelineError {
	return &PipelineError{
		Kind:    KindServerUnavailable,
		Code:    ErrCodeAddrInUse,
		Message: "cannot listen on " + addr,
		Cause:   cause,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *PipelineError {
	return &PipelineError{
		Kind:    KindConfig,
		Code:    code,
		Message: message,
	}
}

// NewIOError creates an artifact store I/O error.
func NewIOError(path, message string, cause error) *PipelineError {
	return &PipelineError{
		Kind:    KindIO,
		Code:    ErrCodeArtifactIO,
		Path:    path,
		Message: message,
		Cause:   cause,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *PipelineError {
	return &PipelineError{
		Kind:    KindInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsKind reports whether any PipelineError in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *PipelineError
	for err != nil {
		if !errors.As(err, &pe) {
			return false
		}
		if pe.Kind == kind {
			return true
		}
		err = pe.Cause
	}

	return false
}

// TaskOf returns the first task name recorded in err's chain.
func TaskOf(err error) string {
	var pe *PipelineError
	for err != nil {
		if !errors.As(err, &pe) {
			return ""
		}
		if pe.Task != "" {
			return pe.Task
		}
		err = pe.Cause
	}

	return ""
}

// Fatal reports whether err must end a build invocation. Binding misses are
// the only pipeline errors that never propagate.
func Fatal(err error) bool {
	if err == nil {
		return false
	}
	var pe *PipelineError
	if errors.As(err, &pe) && pe.Kind == KindWatchBindingMiss {
		return false
	}

	return true
}
