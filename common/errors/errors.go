// Package errors holds the failure taxonomy shared by every offload package.
//
// Each kind has a sentinel and a typed error that reports itself as that
// sentinel, so call sites branch with errors.Is / errors.As rather than by
// inspecting messages:
//
//	if errors.Is(err, oerrors.ErrTimeout) { /* still running, poll again later */ }
package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrValidation: the request was malformed. Never retried.
	ErrValidation = errors.New("invalid request")
	// ErrResourceUnsatisfiable: no node class can run the request.
	ErrResourceUnsatisfiable = errors.New("resources unsatisfiable")
	// ErrRemote: a remote shell or copy failed after all retries.
	ErrRemote = errors.New("remote command failed")
	// ErrSubmission: the scheduler refused the job or its answer could not be parsed.
	ErrSubmission = errors.New("submission failed")
	// ErrJobFailed: the job ran and failed.
	ErrJobFailed = errors.New("job failed")
	// ErrJobDied: the scheduler lost the job without it producing output.
	ErrJobDied = errors.New("job died")
	// ErrTimeout: a wait ended while the job was still active. Recoverable.
	ErrTimeout = errors.New("timed out")
	// ErrStateConflict: an operation is illegal in the record's current state.
	ErrStateConflict = errors.New("state conflict")
	// ErrConflict: a record with the same identity already exists.
	ErrConflict = errors.New("conflict")
	// ErrNotFound: no such record.
	ErrNotFound = errors.New("not found")
	// ErrLockTimeout: the job database lock could not be acquired in time.
	ErrLockTimeout = errors.New("lock timeout")
)

type ValidationError struct {
	msg string
}

func NewValidationError(format string, args ...interface{}) error {
	return &ValidationError{fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string        { return "invalid request: " + e.msg }
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Resource dimensions reported by ResourceError.
const (
	DimensionPartition = "partition"
	DimensionTime      = "time"
	DimensionCores     = "cores"
	DimensionMemory    = "memory"
)

// ResourceError names the request dimension that no node class could satisfy.
type ResourceError struct {
	Dimension string
	msg       string
}

func NewResourceError(dimension string, format string, args ...interface{}) error {
	return &ResourceError{Dimension: dimension, msg: fmt.Sprintf(format, args...)}
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("no node class satisfies %s: %s", e.Dimension, e.msg)
}
func (e *ResourceError) Is(target error) bool { return target == ErrResourceUnsatisfiable }

// RemoteError describes the last failed attempt of a remote command.
type RemoteError struct {
	Cmd      string
	ExitCode int
	Stderr   string
	Attempts int
	Err      error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote command %q failed after %d attempt(s), exit code %d: %v, stderr: %s",
		e.Cmd, e.Attempts, e.ExitCode, e.Err, e.Stderr)
}
func (e *RemoteError) Is(target error) bool { return target == ErrRemote }
func (e *RemoteError) Unwrap() error        { return e.Err }

type SubmissionError struct {
	JobID string
	Err   error
}

func NewSubmissionError(jobID string, err error) error {
	return &SubmissionError{JobID: jobID, Err: err}
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submitting job %s: %v", e.JobID, e.Err)
}
func (e *SubmissionError) Is(target error) bool { return target == ErrSubmission }
func (e *SubmissionError) Unwrap() error        { return e.Err }

// JobFailedError carries whatever error text the job left behind.
type JobFailedError struct {
	JobID  string
	Status string
	Detail string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s ended with status %s: %s", e.JobID, e.Status, e.Detail)
}
func (e *JobFailedError) Is(target error) bool { return target == ErrJobFailed }

type JobDiedError struct {
	JobID    string
	RemoteID string
}

func (e *JobDiedError) Error() string {
	return fmt.Sprintf("job %s (remote id %s) is gone without producing output", e.JobID, e.RemoteID)
}
func (e *JobDiedError) Is(target error) bool { return target == ErrJobDied }

type TimeoutError struct {
	JobID  string
	Status string
	After  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s still %s after %s", e.JobID, e.Status, e.After)
}
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

type StateConflictError struct {
	msg string
}

func NewStateConflictError(format string, args ...interface{}) error {
	return &StateConflictError{fmt.Sprintf(format, args...)}
}

func (e *StateConflictError) Error() string        { return "state conflict: " + e.msg }
func (e *StateConflictError) Is(target error) bool { return target == ErrStateConflict }

type ConflictError struct {
	msg string
}

func NewConflictError(format string, args ...interface{}) error {
	return &ConflictError{fmt.Sprintf(format, args...)}
}

func (e *ConflictError) Error() string        { return "conflict: " + e.msg }
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string        { return fmt.Sprintf("job %s not found", e.ID) }
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// LockTimeoutError reports who held the lock when acquisition gave up.
type LockTimeoutError struct {
	Holder string
	Waited string
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("job database lock held by %s, gave up after %s (use db_unlock if the holder is dead)",
		e.Holder, e.Waited)
}
func (e *LockTimeoutError) Is(target error) bool { return target == ErrLockTimeout }
