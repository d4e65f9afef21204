// Package jobsdb is the persistent record of every job: a SQLite database shared by
// all processes working in one stage dir, serialized by a cross-process lock.
//
// Each mutating Store call takes the lock for its own duration. Callers that need
// several calls to be atomic (check for a duplicate, then add) use WithLock and make
// the calls on the Tx it hands out. Reads wait for the lock to be free but don't
// take it.
package jobsdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	oerrors "github.com/twitter/offload/common/errors"
	"github.com/twitter/offload/common/stats"
)

const DefaultLockTimeout = 5 * time.Minute

const columns = "id, name, system, remote_id, hash, status, processed, resources, stage_dir, remote_rundir, created_at, checked_at"

func schema() string {
	quoted := make([]string, len(AllStatuses))
	for i, s := range AllStatuses {
		quoted[i] = "'" + string(s) + "'"
	}
	var active []string
	for _, s := range ActiveMask.Statuses() {
		active = append(active, "'"+string(s)+"'")
	}
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	system        TEXT NOT NULL,
	remote_id     TEXT NOT NULL DEFAULT '',
	hash          TEXT NOT NULL,
	status        TEXT NOT NULL CHECK (status IN (%s)),
	processed     INTEGER NOT NULL DEFAULT 0,
	resources     TEXT NOT NULL DEFAULT '{}',
	stage_dir     TEXT NOT NULL DEFAULT '',
	remote_rundir TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	checked_at    INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS jobs_active_hash ON jobs (system, hash) WHERE status IN (%s);
CREATE INDEX IF NOT EXISTS jobs_status ON jobs (status);
`, strings.Join(quoted, ", "), strings.Join(active, ", "))
}

type Store struct {
	db          *sql.DB
	path        string
	locker      Locker
	lockTimeout time.Duration
	stat        stats.StatsReceiver
	// held by whichever goroutine of this process owns the lock
	sem chan struct{}
}

type Option func(*Store)

func WithLocker(l Locker) Option {
	return func(s *Store) { s.locker = l }
}

func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

func WithStats(stat stats.StatsReceiver) Option {
	return func(s *Store) { s.stat = stat }
}

// Open opens or creates the database at path. Unless another Locker is given,
// the lock is the file path + ".lock".
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:        path,
		lockTimeout: DefaultLockTimeout,
		stat:        stats.NilStatsReceiver(),
		sem:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locker == nil {
		s.locker = NewFileLocker(path + ".lock")
	}
	s.stat = s.stat.Scope("jobsdb")

	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL&_txlock=immediate", path, s.lockTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening job database %s", path)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema()); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "creating job database schema in %s", path)
	}
	s.db = db
	log.Debugf("opened job database %s", path)
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Path() string { return s.path }

type lockKey struct{}

// holds reports whether ctx was handed out by WithLock on this Store.
func (s *Store) holds(ctx context.Context) bool {
	return ctx.Value(lockKey{}) == s
}

// WithLock runs fn holding the lock. fn gets a context marking the lock as held;
// Store calls made with it run directly, and calling WithLock again with it is a
// StateConflictError rather than a deadlock.
func (s *Store) WithLock(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	if s.holds(ctx) {
		s.stat.Counter(stats.DBStateConflictCounter).Inc(1)
		return oerrors.NewStateConflictError("job database lock is already held by this caller")
	}

	wait := s.stat.Latency(stats.DBLockWaitLatency_ms).Time()
	timer := time.NewTimer(s.lockTimeout)
	select {
	case s.sem <- struct{}{}:
		timer.Stop()
	case <-timer.C:
		wait.Stop()
		s.stat.Counter(stats.DBLockTimeoutCounter).Inc(1)
		return &oerrors.LockTimeoutError{Holder: "another goroutine of this process", Waited: s.lockTimeout.String()}
	case <-ctx.Done():
		timer.Stop()
		wait.Stop()
		return errors.Wrap(ctx.Err(), "waiting for job database lock")
	}
	release, err := s.locker.Acquire(ctx, s.lockTimeout)
	wait.Stop()
	if err != nil {
		<-s.sem
		if errors.Is(err, oerrors.ErrLockTimeout) {
			s.stat.Counter(stats.DBLockTimeoutCounter).Inc(1)
		}
		return err
	}
	s.stat.Counter(stats.DBLockAcquiredCounter).Inc(1)

	hold := s.stat.Latency(stats.DBLockHoldLatency_ms).Time()
	tx := &Tx{s: s}
	defer func() {
		tx.closed = true
		hold.Stop()
		if err := release(); err != nil {
			log.Errorf("releasing job database lock: %v", err)
		}
		<-s.sem
	}()
	return fn(context.WithValue(ctx, lockKey{}, s), tx)
}

func (s *Store) write(ctx context.Context, f func(ctx context.Context) error) error {
	if s.holds(ctx) {
		return f(ctx)
	}
	return s.WithLock(ctx, func(ctx context.Context, _ *Tx) error { return f(ctx) })
}

func (s *Store) waitForReaders(ctx context.Context) error {
	if s.holds(ctx) {
		return nil
	}
	return s.locker.Wait(ctx, s.lockTimeout)
}

// Add inserts rec. An empty Status means Created and a zero CreatedAt means now.
// It is a ConflictError if the id exists or an active record of the same system
// has the same hash.
func (s *Store) Add(ctx context.Context, rec Record) error {
	return s.write(ctx, func(ctx context.Context) error { return s.add(ctx, rec) })
}

// Update moves the record to status and applies fields, atomically, and returns
// the updated record.
func (s *Store) Update(ctx context.Context, id string, status Status, fields ...Field) (Record, error) {
	var rec Record
	err := s.write(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.update(ctx, id, status, fields)
		return err
	})
	return rec, err
}

// Remove deletes a terminal record.
func (s *Store) Remove(ctx context.Context, id string) error {
	return s.write(ctx, func(ctx context.Context) error { return s.remove(ctx, id) })
}

func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	if err := s.waitForReaders(ctx); err != nil {
		return Record{}, err
	}
	return s.get(ctx, id)
}

// Jobs returns the records matching f, oldest first. The records are read when
// Jobs is called; ranging over the result does not touch the database and can be
// repeated.
func (s *Store) Jobs(ctx context.Context, f Filter) (iter.Seq[Record], error) {
	if err := s.waitForReaders(ctx); err != nil {
		return nil, err
	}
	return s.jobs(ctx, f)
}

// Unlock breaks the cross-process lock, for when its holder died. Records are
// not touched. It returns who held the lock, nil if nobody did.
func (s *Store) Unlock(ctx context.Context) (*LockInfo, error) {
	info, err := s.locker.Break(ctx)
	if err != nil {
		return info, errors.Wrap(err, "breaking job database lock")
	}
	switch {
	case info == nil:
		log.Infof("job database %s was not locked", s.path)
	case info.Alive():
		log.Warnf("broke job database lock held by %s, which is still running", info)
	default:
		log.Infof("broke job database lock held by %s", info)
	}
	return info, nil
}

// Tx makes Store calls under a lock already held by WithLock. It is only valid
// inside the WithLock callback.
type Tx struct {
	s      *Store
	closed bool
}

func (t *Tx) check() error {
	if t.closed {
		return oerrors.NewStateConflictError("job database transaction used after its lock was released")
	}
	return nil
}

func (t *Tx) Add(ctx context.Context, rec Record) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.s.add(ctx, rec)
}

func (t *Tx) Update(ctx context.Context, id string, status Status, fields ...Field) (Record, error) {
	if err := t.check(); err != nil {
		return Record{}, err
	}
	return t.s.update(ctx, id, status, fields)
}

func (t *Tx) Remove(ctx context.Context, id string) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.s.remove(ctx, id)
}

func (t *Tx) Get(ctx context.Context, id string) (Record, error) {
	if err := t.check(); err != nil {
		return Record{}, err
	}
	return t.s.get(ctx, id)
}

func (t *Tx) Jobs(ctx context.Context, f Filter) (iter.Seq[Record], error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.s.jobs(ctx, f)
}

/************************* unlocked implementations **************************/

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc scanner) (Record, error) {
	var rec Record
	var status, resources string
	var processed int
	var created, checked int64
	if err := sc.Scan(&rec.ID, &rec.Name, &rec.System, &rec.RemoteID, &rec.Hash, &status, &processed,
		&resources, &rec.StageDir, &rec.RemoteRundir, &created, &checked); err != nil {
		return rec, err
	}
	rec.Status = Status(status)
	rec.Processed = processed != 0
	if err := json.Unmarshal([]byte(resources), &rec.Resources); err != nil {
		return rec, errors.Wrapf(err, "decoding resources of job %s", rec.ID)
	}
	rec.CreatedAt = time.Unix(0, created)
	if checked != 0 {
		rec.CheckedAt = time.Unix(0, checked)
	}
	return rec, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func getRecord(ctx context.Context, q queryer, id string) (Record, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx, "SELECT "+columns+" FROM jobs WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return rec, &oerrors.NotFoundError{ID: id}
	}
	return rec, err
}

func (s *Store) get(ctx context.Context, id string) (Record, error) {
	return getRecord(ctx, s.db, id)
}

func (s *Store) add(ctx context.Context, rec Record) error {
	if rec.ID == "" || rec.System == "" || rec.Hash == "" {
		return oerrors.NewValidationError("job record needs id, system and hash: %+v", rec)
	}
	if rec.Status == "" {
		rec.Status = Created
	}
	if !rec.Status.Valid() {
		return oerrors.NewValidationError("job %s has invalid status %q", rec.ID, rec.Status)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	res, err := json.Marshal(rec.Resources)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if rec.Status.IsActive() {
		var other string
		err := tx.QueryRowContext(ctx, "SELECT id FROM jobs WHERE system = ? AND hash = ? AND status IN ("+
			placeholders(ActiveMask)+")", append([]interface{}{rec.System, rec.Hash}, statusArgs(ActiveMask)...)...).Scan(&other)
		if err == nil {
			return oerrors.NewConflictError("job %s on %s has the same hash as active job %s", rec.ID, rec.System, other)
		} else if err != sql.ErrNoRows {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, "INSERT INTO jobs ("+columns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		rec.ID, rec.Name, rec.System, rec.RemoteID, rec.Hash, string(rec.Status), boolInt(rec.Processed),
		string(res), rec.StageDir, rec.RemoteRundir, unixNano(rec.CreatedAt), unixNano(rec.CheckedAt))
	if isConstraint(err) {
		return oerrors.NewConflictError("job %s: %v", rec.ID, err)
	} else if err != nil {
		return errors.Wrapf(err, "adding job %s", rec.ID)
	}
	log.Debugf("added job %s (%s on %s)", rec.ID, rec.Status, rec.System)
	return tx.Commit()
}

func (s *Store) update(ctx context.Context, id string, status Status, fields []Field) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback()

	rec, err := getRecord(ctx, tx, id)
	if err != nil {
		return rec, err
	}
	if !rec.Status.CanTransitionTo(status) {
		s.stat.Counter(stats.DBStateConflictCounter).Inc(1)
		return rec, oerrors.NewStateConflictError("job %s can't go from %s to %s", id, rec.Status, status)
	}
	for _, f := range fields {
		if err := f(&rec, status); err != nil {
			s.stat.Counter(stats.DBStateConflictCounter).Inc(1)
			return rec, err
		}
	}
	prev := rec.Status
	rec.Status = status
	res, err := json.Marshal(rec.Resources)
	if err != nil {
		return rec, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE jobs SET remote_id = ?, status = ?, processed = ?, resources = ?,
		remote_rundir = ?, checked_at = ? WHERE id = ?`,
		rec.RemoteID, string(rec.Status), boolInt(rec.Processed), string(res), rec.RemoteRundir,
		unixNano(rec.CheckedAt), id)
	if err != nil {
		return rec, errors.Wrapf(err, "updating job %s", id)
	}
	if err := tx.Commit(); err != nil {
		return rec, err
	}
	if prev != status {
		log.Debugf("job %s: %s -> %s", id, prev, status)
	}
	return rec, nil
}

func (s *Store) remove(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rec, err := getRecord(ctx, tx, id)
	if err != nil {
		return err
	}
	if !rec.Status.IsTerminal() {
		s.stat.Counter(stats.DBStateConflictCounter).Inc(1)
		return oerrors.NewStateConflictError("job %s is %s, only finished jobs can be removed", id, rec.Status)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id); err != nil {
		return errors.Wrapf(err, "removing job %s", id)
	}
	log.Debugf("removed job %s", id)
	return tx.Commit()
}

func (s *Store) jobs(ctx context.Context, f Filter) (iter.Seq[Record], error) {
	cf, err := f.compile()
	if err != nil {
		return nil, err
	}
	var where []string
	var args []interface{}
	if f.System != "" {
		where = append(where, "system = ?")
		args = append(args, f.System)
	}
	if f.Hash != "" {
		where = append(where, "hash = ?")
		args = append(args, f.Hash)
	}
	if f.Status != 0 {
		where = append(where, "status IN ("+placeholders(f.Status)+")")
		args = append(args, statusArgs(f.Status)...)
	}
	if f.Processed != nil {
		where = append(where, "processed = ?")
		args = append(args, boolInt(*f.Processed))
	}
	q := "SELECT " + columns + " FROM jobs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing jobs")
	}
	defer rows.Close()
	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if cf.match(rec) {
			recs = append(recs, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return func(yield func(Record) bool) {
		for _, rec := range recs {
			if !yield(rec) {
				return
			}
		}
	}, nil
}

func placeholders(m StatusMask) string {
	n := len(m.Statuses())
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func statusArgs(m StatusMask) []interface{} {
	var out []interface{}
	for _, s := range m.Statuses() {
		out = append(out, string(s))
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}
