package errors

// Code is a machine-readable error code of the form CATEGORY_NNN. Codes are
// stable once assigned.
type Code string

const (
	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required field is missing.
	CodeValidationRequired Code = "VAL_002"

	// CodeValidationRange indicates a value is outside its acceptable range.
	CodeValidationRange Code = "VAL_003"

	// CodeNotFound indicates a general not found error.
	CodeNotFound Code = "NF_001"

	// CodeNotFoundJob indicates the requested job does not exist in the queue.
	CodeNotFoundJob Code = "NF_002"

	// CodeNotFoundAlert indicates the alert is unknown or already resolved.
	CodeNotFoundAlert Code = "NF_003"

	// CodeNotFoundQueue indicates no queue is registered under the name.
	CodeNotFoundQueue Code = "NF_004"

	// CodeConflict indicates a general conflict error.
	CodeConflict Code = "CONF_001"

	// CodeConflictDuplicateTask indicates the idempotency key was already
	// submitted to the queue.
	CodeConflictDuplicateTask Code = "CONF_002"

	// CodeConflictInvalidTransition indicates a job status change that the
	// job state machine does not allow, including any change out of a
	// terminal status.
	CodeConflictInvalidTransition Code = "CONF_003"

	// CodeInternal indicates a general internal error.
	CodeInternal Code = "INT_001"

	// CodeInternalDatabase indicates a storage operation failed.
	CodeInternalDatabase Code = "INT_002"

	// CodeInternalConfiguration indicates a configuration error.
	CodeInternalConfiguration Code = "INT_003"

	// CodeInternalRecordFailed indicates the outcome recorder could not
	// persist a run outcome.
	CodeInternalRecordFailed Code = "INT_004"

	// CodeUnavailable indicates a general unavailable error.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeUnavailableDependency indicates a backing service is unreachable.
	CodeUnavailableDependency Code = "UNAVAIL_002"

	// CodeUnavailableQueueClosed indicates the queue was closed.
	CodeUnavailableQueueClosed Code = "UNAVAIL_003"

	// CodeTimeout indicates a general timeout error.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeTimeoutDatabase indicates a storage operation timed out.
	CodeTimeoutDatabase Code = "TIMEOUT_002"
)

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// Category returns the category prefix of the error code (e.g., "VAL", "NF").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
