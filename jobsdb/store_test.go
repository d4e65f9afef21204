package jobsdb

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oerrors "github.com/twitter/offload/common/errors"
	"github.com/twitter/offload/common/stats"
	"github.com/twitter/offload/resources"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	path := filepath.Join(t.TempDir(), "jobs.db")
	s, err := Open(path, append([]Option{WithLockTimeout(5 * time.Second)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(id, hash string) Record {
	return Record{ID: id, Name: "calc", System: "cluster", Hash: hash, StageDir: "/stage/run_" + id}
}

func collect(t *testing.T, s *Store, f Filter) []string {
	seq, err := s.Jobs(context.Background(), f)
	require.NoError(t, err)
	var ids []string
	for rec := range seq {
		ids = append(ids, rec.ID)
	}
	return ids
}

func TestAddGetUpdate(t *testing.T) {
	ctx := context.Background()
	stat := stats.DefaultStatsReceiver()
	s := openTestStore(t, WithStats(stat))

	require.NoError(t, s.Add(ctx, testRecord("j1", "h1")))
	rec, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, Created, rec.Status)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.True(t, rec.CheckedAt.IsZero())

	alloc := resources.Allocation{Class: "small", Partition: "small", NumNodes: 1, NumCores: 16, NumCoresPerNode: 16, MaxTime: 3600}
	rec, err = s.Update(ctx, "j1", Submitted, WithRemoteID("1234"), WithResources(alloc), WithRemoteRundir("run_offload/run_j1"))
	require.NoError(t, err)
	assert.Equal(t, Submitted, rec.Status)

	checked := time.Unix(1700000000, 0)
	_, err = s.Update(ctx, "j1", Running, Checked(checked))
	require.NoError(t, err)

	rec, err = s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "1234", rec.RemoteID)
	assert.Equal(t, alloc, rec.Resources)
	assert.Equal(t, "run_offload/run_j1", rec.RemoteRundir)
	assert.True(t, checked.Equal(rec.CheckedAt))

	// Backward moves and a second remote id are refused.
	_, err = s.Update(ctx, "j1", Queued)
	assert.True(t, errors.Is(err, oerrors.ErrStateConflict))
	_, err = s.Update(ctx, "j1", Running, WithRemoteID("999"))
	assert.True(t, errors.Is(err, oerrors.ErrStateConflict))
	assert.Equal(t, int64(2), stat.Scope("jobsdb").Counter(stats.DBStateConflictCounter).Count())

	// Processed only on done records.
	_, err = s.Update(ctx, "j1", Running, Processed())
	assert.True(t, errors.Is(err, oerrors.ErrStateConflict))
	_, err = s.Update(ctx, "j1", Done)
	require.NoError(t, err)
	rec, err = s.Update(ctx, "j1", Done, Processed())
	require.NoError(t, err)
	assert.True(t, rec.Processed)

	_, err = s.Get(ctx, "nope")
	assert.True(t, errors.Is(err, oerrors.ErrNotFound))
	_, err = s.Update(ctx, "nope", Done)
	assert.True(t, errors.Is(err, oerrors.ErrNotFound))
}

func TestAddConflicts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Add(ctx, testRecord("j1", "h1")))
	assert.True(t, errors.Is(s.Add(ctx, testRecord("j1", "h2")), oerrors.ErrConflict))
	assert.True(t, errors.Is(s.Add(ctx, testRecord("j2", "h1")), oerrors.ErrConflict))

	// Same hash on another system is fine.
	other := testRecord("j3", "h1")
	other.System = "laptop"
	require.NoError(t, s.Add(ctx, other))

	// Once the first is finished its hash is free again.
	_, err := s.Update(ctx, "j1", Failed)
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, testRecord("j2", "h1")))

	assert.True(t, errors.Is(s.Add(ctx, Record{ID: "x"}), oerrors.ErrValidation))
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Add(ctx, testRecord("j1", "h1")))
	_, err := s.Update(ctx, "j1", Running)
	require.NoError(t, err)

	err = s.Remove(ctx, "j1")
	assert.True(t, errors.Is(err, oerrors.ErrStateConflict))
	_, err = s.Get(ctx, "j1")
	require.NoError(t, err)

	_, err = s.Update(ctx, "j1", Done)
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, "j1"))
	_, err = s.Get(ctx, "j1")
	assert.True(t, errors.Is(err, oerrors.ErrNotFound))

	assert.True(t, errors.Is(s.Remove(ctx, "j1"), oerrors.ErrNotFound))
}

func TestJobsFilter(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Unix(1700000000, 0)
	for i, st := range []Status{Running, Done, Failed, Queued} {
		rec := testRecord(fmt.Sprintf("calc_%d", i), fmt.Sprintf("h%d", i))
		rec.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if i == 3 {
			rec.Name, rec.ID, rec.System = "other", "other_3", "laptop"
		}
		require.NoError(t, s.Add(ctx, rec))
		_, err := s.Update(ctx, rec.ID, st)
		require.NoError(t, err)
	}
	_, err := s.Update(ctx, "calc_1", Done, Processed())
	require.NoError(t, err)

	assert.Equal(t, []string{"calc_0", "calc_1", "calc_2", "other_3"}, collect(t, s, Filter{}))
	assert.Equal(t, []string{"calc_0", "other_3"}, collect(t, s, Filter{Status: ActiveMask}))
	assert.Equal(t, []string{"calc_0", "calc_1", "other_3"}, collect(t, s, Filter{Status: ActiveMask | MaskOf(Done)}))
	assert.Equal(t, []string{"other_3"}, collect(t, s, Filter{System: "laptop"}))
	assert.Equal(t, []string{"calc_1", "calc_2"}, collect(t, s, Filter{IDs: []string{"calc_[12]"}}))
	assert.Equal(t, []string{"other_3"}, collect(t, s, Filter{Names: []string{"oth.*"}}))
	assert.Equal(t, []string{"calc_2"}, collect(t, s, Filter{Hash: "h2"}))
	no := false
	assert.Equal(t, []string{"calc_0", "calc_2", "other_3"}, collect(t, s, Filter{Processed: &no}))

	// Anchored: a prefix alone does not match.
	assert.Empty(t, collect(t, s, Filter{IDs: []string{"calc"}}))

	_, err = s.Jobs(ctx, Filter{IDs: []string{"("}})
	assert.True(t, errors.Is(err, oerrors.ErrValidation))
}

func TestJobsSnapshot(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Add(ctx, testRecord(fmt.Sprintf("j%d", i), fmt.Sprintf("h%d", i))))
	}
	seq, err := s.Jobs(ctx, Filter{})
	require.NoError(t, err)

	// Changes after the call are not seen.
	require.NoError(t, s.Add(ctx, testRecord("late", "hlate")))

	n := 0
	for range seq {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)

	var again []string
	for rec := range seq {
		again = append(again, rec.ID)
	}
	assert.Equal(t, []string{"j0", "j1", "j2", "j3", "j4"}, again)
}

func TestWithLock(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var kept *Tx
	err := s.WithLock(ctx, func(ctx context.Context, tx *Tx) error {
		kept = tx
		require.NoError(t, tx.Add(ctx, testRecord("j1", "h1")))
		_, err := tx.Update(ctx, "j1", Submitted, WithRemoteID("77"))
		require.NoError(t, err)

		// Store calls with the locked context run inside the same acquisition.
		rec, err := s.Get(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, "77", rec.RemoteID)

		nested := s.WithLock(ctx, func(context.Context, *Tx) error { return nil })
		assert.True(t, errors.Is(nested, oerrors.ErrStateConflict))
		return nil
	})
	require.NoError(t, err)

	_, err = kept.Get(ctx, "j1")
	assert.True(t, errors.Is(err, oerrors.ErrStateConflict))

	boom := errors.New("boom")
	assert.Equal(t, boom, s.WithLock(ctx, func(context.Context, *Tx) error { return boom }))
	// The lock is released on error paths.
	require.NoError(t, s.Add(ctx, testRecord("j2", "h2")))
}

func TestLockTimeout(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")
	holder := NewFileLocker(path + ".lock")
	release, err := holder.Acquire(ctx, time.Second)
	require.NoError(t, err)

	s, err := Open(path, WithLockTimeout(200*time.Millisecond))
	require.NoError(t, err)
	defer s.Close()

	err = s.Add(ctx, testRecord("j1", "h1"))
	var lte *oerrors.LockTimeoutError
	require.True(t, errors.As(err, &lte))
	assert.Contains(t, lte.Holder, "pid")

	// Readers wait too.
	_, err = s.Jobs(ctx, Filter{})
	assert.True(t, errors.Is(err, oerrors.ErrLockTimeout))

	require.NoError(t, release())
	require.NoError(t, s.Add(ctx, testRecord("j1", "h1")))
}

func TestUnlock(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")
	s, err := Open(path, WithLockTimeout(200*time.Millisecond))
	require.NoError(t, err)
	defer s.Close()

	info, err := s.Unlock(ctx)
	require.NoError(t, err)
	assert.Nil(t, info)

	// A holder that went away without releasing.
	_, err = NewFileLocker(path+".lock").Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, errors.Is(s.Add(ctx, testRecord("j1", "h1")), oerrors.ErrLockTimeout))

	info, err = s.Unlock(ctx)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.True(t, info.Alive())
	require.NoError(t, s.Add(ctx, testRecord("j1", "h1")))
}

// Several Stores on one file, as separate processes would have, keep the
// one-active-record-per-hash rule under contention.
func TestConcurrentStores(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")
	const workers = 6
	const perWorker = 10

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		s, err := Open(path, WithLockTimeout(30*time.Second))
		require.NoError(t, err)
		defer s.Close()
		wg.Add(1)
		go func(w int, s *Store) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				hash := fmt.Sprintf("h%d", i)
				id := fmt.Sprintf("w%d_%d", w, i)
				err := s.WithLock(ctx, func(ctx context.Context, tx *Tx) error {
					seq, err := tx.Jobs(ctx, Filter{Hash: hash, Status: ActiveMask})
					if err != nil {
						return err
					}
					for range seq {
						return nil
					}
					if err := tx.Add(ctx, testRecord(id, hash)); err != nil {
						return err
					}
					_, err = tx.Update(ctx, id, Running)
					return err
				})
				if err != nil {
					errs <- err
				}
			}
		}(w, s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()
	for i := 0; i < perWorker; i++ {
		ids := collect(t, s, Filter{Hash: fmt.Sprintf("h%d", i)})
		assert.Len(t, ids, 1, "hash h%d", i)
	}
}
