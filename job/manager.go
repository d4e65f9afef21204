// Package job is the orchestration core: it turns a Call into a submitted job,
// reattaches to an earlier identical job instead of running it twice, follows
// jobs to completion through the job database and brings their results back.
//
// All jobs of a Manager share one job database with every other process using
// the same stage root. Start checks for an earlier job, stages, records and
// submits while holding the database lock, so two processes starting the same
// call end up with one job.
package job

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nu7hatch/gouuid"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	oerrors "github.com/twitter/offload/common/errors"
	"github.com/twitter/offload/common/stats"
	"github.com/twitter/offload/config"
	"github.com/twitter/offload/jobsdb"
	"github.com/twitter/offload/os/temp"
	"github.com/twitter/offload/resources"
	"github.com/twitter/offload/system"
)

const (
	hashPrefixLen = 12
	suffixLen     = 8
	// syncGroupSize bounds the number of job dirs fetched by one copy.
	syncGroupSize = 250
)

type Manager struct {
	db        *jobsdb.Store
	systems   map[string]system.System
	stageRoot *temp.TempDir
	workDir   string
	codec     Codec
	stat      stats.StatsReceiver
	lookupEnv func(string) (string, bool)

	// snapshots holds the last scheduler answer per system, so that many jobs
	// polling the same system share one query. Nil when disabled.
	snapshots *cache.Cache

	mu sync.Mutex
	// suspects are jobs seen gone from their scheduler without output once.
	// A second sighting marks them died.
	suspects map[string]bool
}

type Option func(*Manager)

func WithCodec(c Codec) Option {
	return func(m *Manager) { m.codec = c }
}

func WithStats(stat stats.StatsReceiver) Option {
	return func(m *Manager) { m.stat = stat }
}

// WithWorkDir sets where relative input files are read from and output files
// are copied to. It defaults to the current directory.
func WithWorkDir(dir string) Option {
	return func(m *Manager) { m.workDir = dir }
}

// WithStatusCacheTTL overrides how long a scheduler answer is reused. Zero
// queries the scheduler on every poll.
func WithStatusCacheTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.snapshots = newSnapshotCache(ttl) }
}

func WithLookupEnv(f func(string) (string, bool)) Option {
	return func(m *Manager) { m.lookupEnv = f }
}

func newSnapshotCache(ttl time.Duration) *cache.Cache {
	if ttl <= 0 {
		return nil
	}
	return cache.New(ttl, 10*ttl)
}

// NewManager manages the jobs of db, staging them below stageRoot and running
// them on systems.
func NewManager(db *jobsdb.Store, systems map[string]system.System, stageRoot string, settings config.Settings, opts ...Option) *Manager {
	m := &Manager{
		db:        db,
		systems:   systems,
		stageRoot: &temp.TempDir{Dir: stageRoot},
		codec:     JSONCodec{},
		stat:      stats.NilStatsReceiver(),
		lookupEnv: os.LookupEnv,
		snapshots: newSnapshotCache(settings.StatusCacheTTL),
		suspects:  map[string]bool{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.workDir == "" {
		if wd, err := os.Getwd(); err == nil {
			m.workDir = wd
		}
	}
	m.stat = m.stat.Scope("job")
	return m
}

func (m *Manager) DB() *jobsdb.Store { return m.db }

func (m *Manager) system(name string) (system.System, error) {
	s, ok := m.systems[name]
	if !ok {
		return nil, oerrors.NewValidationError("unknown system %q", name)
	}
	return s, nil
}

type StartOptions struct {
	// RestartFromPrevious reattaches to an earlier job of the same name and hash
	// that is still active, or done and not yet processed.
	RestartFromPrevious bool
	// ForceRerun always submits a new job, cancelling an active earlier one.
	ForceRerun  bool
	Match       resources.MatchOptions
	HeaderExtra []string
}

func DefaultStartOptions() StartOptions {
	return StartOptions{RestartFromPrevious: true, Match: resources.DefaultMatchOptions()}
}

// Start runs call on the named system, or reattaches to an earlier run of it.
// Resources are resolved before the database is locked. A failed submission
// leaves a failed record behind and returns a SubmissionError.
func (m *Manager) Start(ctx context.Context, call Call, req resources.Request, systemName string, opts StartOptions) (*Job, error) {
	if err := call.validate(); err != nil {
		return nil, err
	}
	sys, err := m.system(systemName)
	if err != nil {
		return nil, err
	}
	exports, err := call.envExports(m.lookupEnv)
	if err != nil {
		return nil, err
	}
	inputs, err := expandInputs(m.workDir, call.InputFiles)
	if err != nil {
		return nil, err
	}
	hash, err := call.hash(req, inputs)
	if err != nil {
		return nil, err
	}
	alloc, err := sys.FindNodes(req, opts.Match)
	if err != nil {
		return nil, err
	}

	var job *Job
	err = m.db.WithLock(ctx, func(ctx context.Context, tx *jobsdb.Tx) error {
		prev, err := m.previous(ctx, tx, sys, call.Name, hash)
		if err != nil {
			return err
		}
		if prev != nil && opts.RestartFromPrevious && !opts.ForceRerun {
			log.Infof("job %s matches earlier job %s (%s, remote id %s), reattaching", call.Name, prev.ID, prev.Status, prev.RemoteID)
			m.stat.Counter(stats.JobReattachedCounter).Inc(1)
			job = m.newJob(*prev, sys)
			return nil
		}
		if prev != nil && opts.ForceRerun && prev.Status.IsActive() {
			log.Infof("forcing rerun of %s, cancelling earlier job %s", call.Name, prev.ID)
			if _, err := m.cancel(ctx, tx, sys, *prev); err != nil {
				return err
			}
		}

		rec, err := m.submit(ctx, tx, sys, call, hash, alloc, inputs, exports, opts.HeaderExtra)
		if err != nil {
			return err
		}
		job = m.newJob(rec, sys)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// previous finds the newest earlier job to reattach to. A created record with no
// remote id was left by a process that died while submitting. If the scheduler
// has a job under its id the submit went through and the record is completed,
// otherwise it can never run and is marked failed.
func (m *Manager) previous(ctx context.Context, tx *jobsdb.Tx, sys system.System, name, hash string) (*jobsdb.Record, error) {
	notProcessed := false
	recs, err := tx.Jobs(ctx, jobsdb.Filter{
		Names:     []string{regexp.QuoteMeta(name)},
		System:    sys.ID(),
		Hash:      hash,
		Status:    jobsdb.ActiveMask | jobsdb.MaskOf(jobsdb.Done),
		Processed: &notProcessed,
	})
	if err != nil {
		return nil, err
	}
	var stale []jobsdb.Record
	var found *jobsdb.Record
	for rec := range recs {
		if rec.Status == jobsdb.Created && rec.RemoteID == "" {
			stale = append(stale, rec)
			continue
		}
		rec := rec
		found = &rec
	}
	for _, rec := range stale {
		remoteID, err := sys.Lookup(ctx, rec.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "looking up unsubmitted job %s", rec.ID)
		}
		if remoteID == "" {
			log.Warnf("job %s was never submitted, marking it failed", rec.ID)
			if _, err := tx.Update(ctx, rec.ID, jobsdb.Failed); err != nil {
				return nil, err
			}
			continue
		}
		log.Warnf("job %s was submitted as %s but not recorded, recovering it", rec.ID, remoteID)
		recovered, err := tx.Update(ctx, rec.ID, jobsdb.Submitted, jobsdb.WithRemoteID(remoteID))
		if err != nil {
			return nil, err
		}
		found = &recovered
	}
	return found, nil
}

func newJobID(name, hash string) (string, error) {
	u, err := uuid.NewV4()
	if err != nil {
		return "", errors.Wrap(err, "generating job id")
	}
	suffix := strings.Replace(u.String(), "-", "", -1)[:suffixLen]
	prefix := hash
	if len(prefix) > hashPrefixLen {
		prefix = prefix[:hashPrefixLen]
	}
	return name + "_" + prefix + "_" + suffix, nil
}

func (m *Manager) submit(ctx context.Context, tx *jobsdb.Tx, sys system.System, call Call, hash string,
	alloc resources.Allocation, inputs []input, exports []string, headerExtra []string) (jobsdb.Record, error) {
	id, err := newJobID(call.Name, hash)
	if err != nil {
		return jobsdb.Record{}, err
	}
	dir, err := stage(m.stageRoot, id, m.codec, call, inputs)
	if err != nil {
		return jobsdb.Record{}, err
	}

	rec := jobsdb.Record{
		ID:           id,
		Name:         call.Name,
		System:       sys.ID(),
		Hash:         hash,
		Status:       jobsdb.Created,
		Resources:    alloc,
		StageDir:     dir.Dir,
		RemoteRundir: sys.JobRundir(dir.Dir),
	}
	if err := tx.Add(ctx, rec); err != nil {
		dir.RemoveAll()
		return rec, err
	}

	lat := m.stat.Latency(stats.JobSubmitLatency_ms).Time()
	remoteID, err := sys.Submit(ctx, system.SubmitRequest{
		ID:          id,
		StageDir:    dir.Dir,
		Allocation:  alloc,
		Commands:    bodyCommands(sys.Runner(), exports, call),
		HeaderExtra: headerExtra,
	})
	lat.Stop()
	if err != nil {
		m.stat.Counter(stats.JobSubmitFailedCounter).Inc(1)
		if _, uerr := tx.Update(ctx, id, jobsdb.Failed); uerr != nil {
			log.Errorf("marking %s failed: %v", id, uerr)
		}
		if !errors.Is(err, oerrors.ErrSubmission) {
			err = oerrors.NewSubmissionError(id, err)
		}
		return rec, err
	}
	m.stat.Counter(stats.JobSubmittedCounter).Inc(1)
	log.WithFields(log.Fields{"job": id, "system": sys.ID(), "remoteID": remoteID}).Info("submitted")
	return tx.Update(ctx, id, jobsdb.Submitted, jobsdb.WithRemoteID(remoteID))
}

// cancel stops an active job and records it cancelled. Terminal jobs are left alone.
func (m *Manager) cancel(ctx context.Context, tx *jobsdb.Tx, sys system.System, rec jobsdb.Record) (jobsdb.Record, error) {
	if rec.Status.IsTerminal() {
		return rec, nil
	}
	if rec.RemoteID != "" {
		if sys == nil {
			return rec, oerrors.NewValidationError("job %s runs on unknown system %q", rec.ID, rec.System)
		}
		if err := sys.Cancel(ctx, rec.RemoteID); err != nil {
			return rec, err
		}
	}
	m.forget(rec.ID)
	return tx.Update(ctx, rec.ID, jobsdb.Cancelled)
}

func (m *Manager) newJob(rec jobsdb.Record, sys system.System) *Job {
	return &Job{m: m, sys: sys, rec: rec}
}

// Job loads the job with this id. Its system may be gone from the configuration,
// in which case only local operations work.
func (m *Manager) Job(ctx context.Context, id string) (*Job, error) {
	rec, err := m.db.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.newJob(rec, m.systems[rec.System]), nil
}

func (m *Manager) Jobs(ctx context.Context, f jobsdb.Filter) ([]*Job, error) {
	recs, err := m.db.Jobs(ctx, f)
	if err != nil {
		return nil, err
	}
	var jobs []*Job
	for rec := range recs {
		jobs = append(jobs, m.newJob(rec, m.systems[rec.System]))
	}
	return jobs, nil
}

/************************* status sync **************************/

// Sync updates the active jobs matching f, with one scheduler query per system.
// It returns the first error after trying every system.
func (m *Manager) Sync(ctx context.Context, f jobsdb.Filter) error {
	if f.Status == 0 {
		f.Status = jobsdb.ActiveMask
	} else {
		f.Status &= jobsdb.ActiveMask
	}
	recs, err := m.db.Jobs(ctx, f)
	if err != nil {
		return err
	}
	ids := map[string][]string{}
	var order []string
	for rec := range recs {
		if rec.RemoteID == "" {
			continue
		}
		if _, ok := ids[rec.System]; !ok {
			order = append(order, rec.System)
		}
		ids[rec.System] = append(ids[rec.System], rec.RemoteID)
	}

	var first error
	for _, name := range order {
		sys, ok := m.systems[name]
		if !ok {
			log.Warnf("skipping %d job(s) of unknown system %s", len(ids[name]), name)
			continue
		}
		statuses, err := m.query(ctx, sys, ids[name])
		if err == nil {
			err = m.SyncRemoteResultsStatus(ctx, name, statuses)
		}
		if err != nil {
			log.Errorf("syncing system %s: %v", name, err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Suspects returns the jobs seen gone from their scheduler without output once.
// Syncing them again after a while either finds their output or marks them died.
func (m *Manager) Suspects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id := range m.suspects {
		out = append(out, id)
	}
	return out
}

// SyncRemoteResultsStatus reconciles the active jobs of a system with the
// scheduler statuses given by remote id. Job dirs of finished jobs are fetched
// first, in as few copies as possible, so that the status recorded always
// agrees with the files in the stage dir.
func (m *Manager) SyncRemoteResultsStatus(ctx context.Context, systemName string, statuses map[string]jobsdb.Status) error {
	sys, err := m.system(systemName)
	if err != nil {
		return err
	}
	recs, err := m.db.Jobs(ctx, jobsdb.Filter{System: systemName, Status: jobsdb.ActiveMask})
	if err != nil {
		return err
	}

	var toSync []jobsdb.Record
	finished := map[string][]string{}
	for rec := range recs {
		st, ok := statuses[rec.RemoteID]
		if rec.RemoteID == "" || !ok {
			continue
		}
		toSync = append(toSync, rec)
		if st.IsTerminal() {
			parent := filepath.Dir(rec.StageDir)
			finished[parent] = append(finished[parent], filepath.Base(rec.StageDir))
		}
	}
	if len(toSync) == 0 {
		return nil
	}

	for parent, dirs := range finished {
		for len(dirs) > 0 {
			n := min(len(dirs), syncGroupSize)
			if err := sys.GetRemotes(ctx, parent, dirs[:n], false); err != nil {
				return err
			}
			dirs = dirs[n:]
		}
	}

	now := time.Now()
	return m.db.WithLock(ctx, func(ctx context.Context, tx *jobsdb.Tx) error {
		for _, rec := range toSync {
			// Another process may have moved it on since it was read.
			cur, err := tx.Get(ctx, rec.ID)
			if errors.Is(err, oerrors.ErrNotFound) {
				continue
			} else if err != nil {
				return err
			}
			if cur.Status.IsTerminal() {
				continue
			}
			next := m.reconcile(cur, statuses[cur.RemoteID])
			if _, err := tx.Update(ctx, cur.ID, next, jobsdb.Checked(now)); err != nil {
				return err
			}
			if next != cur.Status {
				log.Infof("job %s: %s -> %s", cur.ID, cur.Status, next)
				m.countOutcome(next)
			}
		}
		return nil
	})
}

// reconcile decides a job's status from the files in its stage dir and what its
// scheduler says. The files win: a job that wrote its result is done whatever
// the scheduler reports.
func (m *Manager) reconcile(rec jobsdb.Record, remote jobsdb.Status) jobsdb.Status {
	switch {
	case exists(filepath.Join(rec.StageDir, SucceededFile)):
		m.forget(rec.ID)
		return jobsdb.Done
	case exists(filepath.Join(rec.StageDir, ErrorFile)):
		m.forget(rec.ID)
		return jobsdb.Failed
	case remote.IsActive():
		m.forget(rec.ID)
		if rec.Status.CanTransitionTo(remote) {
			return remote
		}
		return rec.Status
	case remote == jobsdb.Timeout || remote == jobsdb.Cancelled:
		m.forget(rec.ID)
		return remote
	}

	// Gone without output. Queue state and files can take a while to show up on
	// the head node, so only the second sighting counts.
	if m.suspect(rec.ID) {
		m.forget(rec.ID)
		return jobsdb.Died
	}
	log.Warnf("job %s is %s on %s but left no output, checking again", rec.ID, remote, rec.System)
	if m.snapshots != nil {
		m.snapshots.Delete(rec.System)
	}
	return rec.Status
}

// suspect marks id and reports whether it was already marked.
func (m *Manager) suspect(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := m.suspects[id]
	m.suspects[id] = true
	return seen
}

func (m *Manager) isSuspect(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspects[id]
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.suspects, id)
}

func (m *Manager) countOutcome(s jobsdb.Status) {
	switch s {
	case jobsdb.Done:
		m.stat.Counter(stats.JobDoneCounter).Inc(1)
	case jobsdb.Failed, jobsdb.Timeout:
		m.stat.Counter(stats.JobFailedCounter).Inc(1)
	case jobsdb.Died:
		m.stat.Counter(stats.JobDiedCounter).Inc(1)
	}
}

func (m *Manager) query(ctx context.Context, sys system.System, remoteIDs []string) (map[string]jobsdb.Status, error) {
	m.stat.Counter(stats.JobStatusQueryCounter).Inc(1)
	statuses, err := sys.Status(ctx, remoteIDs...)
	if err != nil {
		return nil, err
	}
	if m.snapshots != nil {
		m.snapshots.SetDefault(sys.ID(), statuses)
	}
	return statuses, nil
}

// snapshot returns scheduler statuses for the active jobs of sys, reusing a
// recent answer when it covers remoteID.
func (m *Manager) snapshot(ctx context.Context, sys system.System, remoteID string) (map[string]jobsdb.Status, error) {
	if m.snapshots != nil {
		if v, ok := m.snapshots.Get(sys.ID()); ok {
			statuses := v.(map[string]jobsdb.Status)
			if _, ok := statuses[remoteID]; ok {
				m.stat.Counter(stats.JobStatusCacheHitCounter).Inc(1)
				return statuses, nil
			}
		}
	}
	recs, err := m.db.Jobs(ctx, jobsdb.Filter{System: sys.ID(), Status: jobsdb.ActiveMask})
	if err != nil {
		return nil, err
	}
	ids := []string{remoteID}
	for rec := range recs {
		if rec.RemoteID != "" && rec.RemoteID != remoteID {
			ids = append(ids, rec.RemoteID)
		}
	}
	return m.query(ctx, sys, ids)
}
