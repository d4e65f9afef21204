package job

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	oerrors "github.com/twitter/offload/common/errors"
	"github.com/twitter/offload/jobsdb"
	"github.com/twitter/offload/system"
)

const (
	DefaultResultTimeout = time.Hour
	DefaultCheckInterval = 30 * time.Second
)

// Job follows one record of the job database. A Job is not safe for use by
// several goroutines; other processes may work on the same record through the
// database.
type Job struct {
	m   *Manager
	sys system.System
	rec jobsdb.Record
}

func (j *Job) ID() string { return j.rec.ID }

// Record is the job's record as last read.
func (j *Job) Record() jobsdb.Record { return j.rec }

func (j *Job) Status() jobsdb.Status { return j.rec.Status }

func (j *Job) String() string {
	return fmt.Sprintf("%s system=%s remote_id=%s status=%s stage_dir=%s",
		j.rec.ID, j.rec.System, j.rec.RemoteID, j.rec.Status, j.rec.StageDir)
}

func (j *Job) system() (system.System, error) {
	if j.sys == nil {
		return nil, oerrors.NewValidationError("job %s runs on unknown system %q", j.rec.ID, j.rec.System)
	}
	return j.sys, nil
}

type ResultOptions struct {
	// Timeout bounds the wait. Zero or less waits until the job ends.
	Timeout       time.Duration
	CheckInterval time.Duration
}

func DefaultResultOptions() ResultOptions {
	return ResultOptions{Timeout: DefaultResultTimeout, CheckInterval: DefaultCheckInterval}
}

// GetResults waits for the job to end and decodes its result into out, which may
// be nil when only the output files matter. It returns a TimeoutError if the
// job is still active when the wait ends; calling again resumes waiting. A job
// that failed gives a JobFailedError carrying its error output, and one that
// vanished without output a JobDiedError.
func (j *Job) GetResults(ctx context.Context, opts ResultOptions, out interface{}) error {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	start := time.Now()
	for {
		if j.rec.Status.IsActive() {
			if err := j.poll(ctx); err != nil {
				return err
			}
		}

		switch j.rec.Status {
		case jobsdb.Done:
			return j.results(out)
		case jobsdb.Failed, jobsdb.Timeout, jobsdb.Cancelled:
			return &oerrors.JobFailedError{
				JobID:  j.rec.ID,
				Status: j.rec.Status.String(),
				Detail: readDetail(j.rec.StageDir, j.rec.ID),
			}
		case jobsdb.Died:
			return &oerrors.JobDiedError{JobID: j.rec.ID, RemoteID: j.rec.RemoteID}
		}

		// A suspected job always gets its confirmation poll.
		if opts.Timeout > 0 && time.Since(start) >= opts.Timeout && !j.m.isSuspect(j.rec.ID) {
			return &oerrors.TimeoutError{JobID: j.rec.ID, Status: j.rec.Status.String(), After: opts.Timeout.String()}
		}

		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for job %s", j.rec.ID)
		case <-time.After(opts.CheckInterval):
		}
	}
}

// poll syncs the status of the job, and of the other active jobs of its system
// with it, then rereads the record.
func (j *Job) poll(ctx context.Context) error {
	sys, err := j.system()
	if err != nil {
		return err
	}
	if j.rec.RemoteID != "" {
		statuses, err := j.m.snapshot(ctx, sys, j.rec.RemoteID)
		if err != nil {
			return err
		}
		if err := j.m.SyncRemoteResultsStatus(ctx, sys.ID(), statuses); err != nil {
			return err
		}
	}
	return j.refresh(ctx)
}

func (j *Job) refresh(ctx context.Context) error {
	rec, err := j.m.db.Get(ctx, j.rec.ID)
	if err != nil {
		return err
	}
	j.rec = rec
	return nil
}

func (j *Job) results(out interface{}) error {
	data, err := os.ReadFile(filepath.Join(j.rec.StageDir, SucceededFile))
	if err != nil {
		return errors.Wrapf(err, "job %s is done but its result is missing", j.rec.ID)
	}
	if string(data) == cleanedContent {
		return oerrors.NewStateConflictError("job %s has been cleaned, its result is gone", j.rec.ID)
	}
	if out != nil {
		if err := j.m.codec.Decode(data, out); err != nil {
			return errors.Wrapf(err, "decoding result of job %s", j.rec.ID)
		}
	}
	return copyOutputs(j.rec.StageDir, j.m.workDir)
}

// Stdout returns what the job's function printed, if it has been fetched.
func (j *Job) Stdout() (string, error) {
	data, err := os.ReadFile(filepath.Join(j.rec.StageDir, StdoutFile))
	return string(data), err
}

// MarkProcessed records that the caller has consumed the result of a done job.
// A processed job is never reattached to.
func (j *Job) MarkProcessed(ctx context.Context) error {
	return j.m.db.WithLock(ctx, func(ctx context.Context, tx *jobsdb.Tx) error {
		rec, err := tx.Get(ctx, j.rec.ID)
		if err != nil {
			return err
		}
		if rec.Status != jobsdb.Done {
			return oerrors.NewStateConflictError("job %s is %s, only done jobs can be marked processed", rec.ID, rec.Status)
		}
		j.rec, err = tx.Update(ctx, rec.ID, jobsdb.Done, jobsdb.Processed())
		return err
	})
}

// Cancel stops the job on its scheduler and records it cancelled. Ended jobs are
// left as they are.
func (j *Job) Cancel(ctx context.Context) error {
	return j.m.db.WithLock(ctx, func(ctx context.Context, tx *jobsdb.Tx) error {
		rec, err := tx.Get(ctx, j.rec.ID)
		if err != nil {
			return err
		}
		if rec.Status.IsTerminal() {
			log.Infof("job %s is already %s, not cancelling", rec.ID, rec.Status)
		}
		j.rec, err = j.m.cancel(ctx, tx, j.sys, rec)
		return err
	})
}

type CleanOptions struct {
	// Wipe removes the job dirs instead of overwriting the payload files.
	Wipe bool
	// Force cancels an active job first.
	Force bool
}

// Clean frees the space used by the job, locally and on its system, and removes
// its record. Active jobs are a StateConflictError unless Force is set.
func (j *Job) Clean(ctx context.Context, opts CleanOptions) error {
	if err := j.refresh(ctx); err != nil {
		return err
	}
	if j.rec.Status.IsActive() {
		if !opts.Force {
			return oerrors.NewStateConflictError("job %s is %s, cancel it or force the clean", j.rec.ID, j.rec.Status)
		}
		if err := j.Cancel(ctx); err != nil {
			return err
		}
	}

	if j.rec.RemoteID != "" {
		if j.sys == nil {
			log.Warnf("job %s ran on unknown system %s, leaving its run dir", j.rec.ID, j.rec.System)
		} else if err := j.sys.CleanRundir(ctx, j.rec.StageDir, opts.Wipe, TaskFile, SucceededFile); err != nil {
			return err
		}
	}
	if err := cleanStage(j.rec.StageDir, opts.Wipe); err != nil {
		return errors.Wrapf(err, "cleaning stage dir of %s", j.rec.ID)
	}
	j.m.forget(j.rec.ID)
	return j.m.db.Remove(ctx, j.rec.ID)
}
