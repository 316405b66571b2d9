// Package errors provides the structured error type shared by every
// governance package. Errors carry a machine-readable code, a human-readable
// message, an optional cause, and optional structured details.
//
// # Error Codes
//
// Codes follow the pattern CATEGORY_NNN. The category drives the HTTP status
// mapping and the retryable/client/server classification:
//
//	VAL_xxx     - invalid task or alert configuration
//	NF_xxx      - unknown job, alert, or queue
//	CONF_xxx    - duplicate task, invalid job state transition
//	INT_xxx     - storage, configuration, and outcome recording failures
//	UNAVAIL_xxx - closed queues and unreachable dependencies
//	TIMEOUT_xxx - operations that exceeded their deadline
//
// # Usage
//
//	jobID, err := q.Add(ctx, t)
//	if errors.IsDuplicateTask(err) {
//	    // the idempotency key was already submitted
//	}
//
//	if e, ok := errors.AsError(err); ok {
//	    logger.Error("enqueue failed", "code", e.Code, "message", e.Message)
//	}
package errors
