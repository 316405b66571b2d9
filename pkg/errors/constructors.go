package errors

import (
	"errors"
	"fmt"
)

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a code and message. Wrap returns nil when err is nil.
//
//	if err := recorder.Record(ctx, o); err != nil {
//	    return errors.Wrap(err, errors.CodeInternalRecordFailed, "failed to record outcome")
//	}
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// Wrapf wraps err with a code and formatted message. Wrapf returns nil when
// err is nil.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// Validation creates a general validation error.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// Validationf creates a general validation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// NotFound creates a general not found error.
func NotFound(message string) *Error {
	return New(CodeNotFound, message)
}

// NotFoundf creates a general not found error with a formatted message.
func NotFoundf(format string, args ...any) *Error {
	return Newf(CodeNotFound, format, args...)
}

// Conflict creates a general conflict error.
func Conflict(message string) *Error {
	return New(CodeConflict, message)
}

// Internal creates a general internal error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// Internalf creates a general internal error with a formatted message.
func Internalf(format string, args ...any) *Error {
	return Newf(CodeInternal, format, args...)
}

// Unavailable creates a general unavailable error.
func Unavailable(message string) *Error {
	return New(CodeUnavailable, message)
}

// Timeout creates a general timeout error.
func Timeout(message string) *Error {
	return New(CodeTimeout, message)
}

// DuplicateTask reports that idempotencyKey was already submitted to queue.
func DuplicateTask(queue, idempotencyKey string) *Error {
	return Newf(CodeConflictDuplicateTask, "task with idempotency key %q already submitted to queue %q", idempotencyKey, queue).
		WithDetails(map[string]any{"queue": queue, "idempotency_key": idempotencyKey})
}

// InvalidTransition reports a rejected job status change.
func InvalidTransition(jobID, from, to string) *Error {
	return Newf(CodeConflictInvalidTransition, "job %q cannot move from %s to %s", jobID, from, to).
		WithDetails(map[string]any{"job_id": jobID, "from": from, "to": to})
}

// QueueClosed reports an operation on a closed queue.
func QueueClosed(queue string) *Error {
	return Newf(CodeUnavailableQueueClosed, "queue %q is closed", queue).WithDetail("queue", queue)
}

// JobNotFound reports an unknown job id.
func JobNotFound(jobID string) *Error {
	return Newf(CodeNotFoundJob, "job %q not found", jobID).WithDetail("job_id", jobID)
}

// AlertNotFound reports an alert id that is not active, either because it
// never existed or because it was already resolved.
func AlertNotFound(alertID string) *Error {
	return Newf(CodeNotFoundAlert, "alert %q not found", alertID).WithDetail("alert_id", alertID)
}

// QueueNotFound reports a queue name with no registration.
func QueueNotFound(name string) *Error {
	return Newf(CodeNotFoundQueue, "queue %q is not registered", name).WithDetail("queue", name)
}

// RecordFailed wraps a store failure raised while persisting an outcome.
// The store's message is kept in the error text.
func RecordFailed(err error, taskID string) *Error {
	return Wrapf(err, CodeInternalRecordFailed, "failed to record outcome for task %q", taskID)
}

// FromError converts err to an *Error. Errors that are already *Error are
// returned as-is; anything else is wrapped as an internal error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, CodeInternal, "an unexpected error occurred")
}
