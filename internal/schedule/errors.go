package schedule

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRequest marks a request rejected before anything was touched.
var ErrInvalidRequest = errors.New("invalid schedule request")

// MissingCronError is returned when none of the accepted property keys holds
// a cron expression. Nothing is persisted.
type MissingCronError struct {
	Keys []string
}

func (e *MissingCronError) Error() string {
	return "no cron expression in properties (tried " + strings.Join(e.Keys, ", ") + ")"
}

// SchedulingFailure wraps any failure while creating, replacing or deleting
// the job of one schedule.
type SchedulingFailure struct {
	Op   string // "schedule" | "unschedule"
	Name string
	Err  error
}

func (e *SchedulingFailure) Error() string {
	op := e.Op
	if op == "" {
		op = "schedule"
	}
	return fmt.Sprintf("%s %q: %v", op, e.Name, e.Err)
}

func (e *SchedulingFailure) Unwrap() error { return e.Err }

// DecodeError reports a malformed or incomplete metadata blob.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return "decode metadata: " + e.Reason + ": " + e.Err.Error()
	}
	return "decode metadata: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodingError reports a metadata blob that could not be rendered.
type EncodingError struct {
	Err error
}

func (e *EncodingError) Error() string { return "encode metadata: " + e.Err.Error() }
func (e *EncodingError) Unwrap() error { return e.Err }

// JobExecutionError fails a single fire.
type JobExecutionError struct {
	Name string
	Err  error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("execute schedule %q: %v", e.Name, e.Err)
}

func (e *JobExecutionError) Unwrap() error { return e.Err }
