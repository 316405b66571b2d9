package task

import (
	"time"

	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
)

// OutcomeError describes why an attempt failed.
type OutcomeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Outcome is the result a worker reports after executing a task.
type Outcome struct {
	TaskID      string        `json:"taskId"`
	RunID       string        `json:"runId,omitempty"`
	Success     bool          `json:"success"`
	Error       *OutcomeError `json:"error,omitempty"`
	Retried     bool          `json:"retried"`
	CompletedAt time.Time     `json:"completedAt"`
}

// Succeeded builds a successful outcome.
func Succeeded(taskID, runID string, at time.Time) Outcome {
	return Outcome{TaskID: taskID, RunID: runID, Success: true, CompletedAt: at.UTC()}
}

// Failed builds a failed outcome from err. Platform errors keep their code;
// anything else is reported as an internal error.
func Failed(taskID, runID string, err error, at time.Time) Outcome {
	o := Outcome{TaskID: taskID, RunID: runID, CompletedAt: at.UTC()}
	if err == nil {
		o.Error = &OutcomeError{Code: string(sserr.CodeInternal), Message: "unknown failure"}
		return o
	}
	code := sserr.GetCode(err)
	if code == "" {
		code = sserr.CodeInternal
	}
	msg := err.Error()
	if e, ok := sserr.AsError(err); ok {
		msg = e.Message
	}
	o.Error = &OutcomeError{Code: string(code), Message: msg}
	return o
}

// Clone returns a copy of o that shares nothing with it.
func (o Outcome) Clone() Outcome {
	if o.Error != nil {
		e := *o.Error
		o.Error = &e
	}
	return o
}
