package errors

import "github.com/pkg/errors"

type ExitCode int

const (
	GenericFailureExitCode ExitCode = 1

	ValidationExitCode    = 64
	ResourceExitCode      = 65
	NotFoundExitCode      = 66
	StateConflictExitCode = 67
	ConflictExitCode      = 68

	RemoteFailureExitCode = 70
	SubmissionExitCode    = 71

	JobFailedExitCode = 80
	JobDiedExitCode   = 81
	TimeoutExitCode   = 82

	LockTimeoutExitCode = 90
)

var exitCodes = []struct {
	kind error
	code ExitCode
}{
	{ErrValidation, ValidationExitCode},
	{ErrResourceUnsatisfiable, ResourceExitCode},
	{ErrNotFound, NotFoundExitCode},
	{ErrStateConflict, StateConflictExitCode},
	{ErrConflict, ConflictExitCode},
	{ErrSubmission, SubmissionExitCode},
	{ErrRemote, RemoteFailureExitCode},
	{ErrJobFailed, JobFailedExitCode},
	{ErrJobDied, JobDiedExitCode},
	{ErrTimeout, TimeoutExitCode},
	{ErrLockTimeout, LockTimeoutExitCode},
}

// ExitCodeFor maps an error onto the exit code of the first kind it matches.
// Submission is checked before remote since a failed submission usually wraps a remote error.
func ExitCodeFor(err error) ExitCode {
	if err == nil {
		return 0
	}
	var ece *ExitCodeError
	if errors.As(err, &ece) {
		return ece.GetExitCode()
	}
	for _, ec := range exitCodes {
		if errors.Is(err, ec.kind) {
			return ec.code
		}
	}
	return GenericFailureExitCode
}
