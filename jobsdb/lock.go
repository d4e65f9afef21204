package jobsdb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	oerrors "github.com/twitter/offload/common/errors"
)

// Locker is the cross-process exclusive lock guarding the job database.
type Locker interface {
	// Acquire blocks until the lock is held or timeout passes, in which case it
	// returns a *errors.LockTimeoutError. The returned func releases the lock.
	Acquire(ctx context.Context, timeout time.Duration) (release func() error, err error)
	// Wait blocks until nobody holds the lock, without taking it.
	Wait(ctx context.Context, timeout time.Duration) error
	// Break removes the lock regardless of who holds it and reports the holder,
	// or nil if it was not held.
	Break(ctx context.Context) (*LockInfo, error)
}

// LockInfo identifies a lock holder.
type LockInfo struct {
	PID   int       `json:"pid"`
	Host  string    `json:"host"`
	Time  time.Time `json:"time"`
	Token string    `json:"token"`
}

func newLockInfo() (LockInfo, error) {
	tok, err := uuid.NewV4()
	if err != nil {
		return LockInfo{}, err
	}
	return LockInfo{PID: os.Getpid(), Host: hostname(), Time: time.Now(), Token: tok.String()}, nil
}

func (i *LockInfo) String() string {
	if i == nil {
		return "nobody"
	}
	return fmt.Sprintf("pid %d on %s since %s", i.PID, i.Host, i.Time.Format(time.RFC3339))
}

// Alive reports whether the holder is a running process on this host. Holders
// on other hosts can't be checked and are reported alive.
func (i *LockInfo) Alive() bool {
	if i == nil {
		return false
	}
	if i.Host != hostname() {
		return true
	}
	err := unix.Kill(i.PID, 0)
	return err == nil || err == unix.EPERM
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknownhost"
	}
	return h
}

// errLockBusy makes poll try again.
var errLockBusy = errors.New("lock busy")

// poll calls try with exponential backoff until it succeeds, fails with
// anything other than errLockBusy, or timeout passes.
func poll(ctx context.Context, timeout time.Duration, try func() error, holder func() string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = timeout

	err := backoff.Retry(func() error {
		err := try()
		if err == nil || err == errLockBusy {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return errors.Wrap(ctx.Err(), "waiting for job database lock")
	case err == errLockBusy:
		return &oerrors.LockTimeoutError{Holder: holder(), Waited: timeout.String()}
	}
	return err
}

// FileLocker holds the lock by owning a file created with O_EXCL. The file
// holds the owner's LockInfo as JSON.
type FileLocker struct {
	Path string
}

func NewFileLocker(path string) *FileLocker {
	return &FileLocker{Path: path}
}

var _ Locker = &FileLocker{}

func (l *FileLocker) Acquire(ctx context.Context, timeout time.Duration) (func() error, error) {
	info, err := newLockInfo()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	try := func() error {
		f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if os.IsExist(err) {
			return errLockBusy
		} else if err != nil {
			return err
		}
		_, werr := f.Write(data)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			os.Remove(l.Path)
			return werr
		}
		return nil
	}
	if err := poll(ctx, timeout, try, l.holderString); err != nil {
		return nil, err
	}
	return func() error { return l.release(info.Token) }, nil
}

// release removes the lock file if it is still ours. It may have been broken
// and retaken by someone else in the meantime.
func (l *FileLocker) release(token string) error {
	cur, err := l.holder()
	if err != nil {
		return err
	}
	if cur == nil || cur.Token != token {
		log.Warnf("job database lock %s was broken while held, now held by %s", l.Path, cur)
		return nil
	}
	return os.Remove(l.Path)
}

func (l *FileLocker) Wait(ctx context.Context, timeout time.Duration) error {
	return poll(ctx, timeout, func() error {
		if _, err := os.Stat(l.Path); err == nil {
			return errLockBusy
		} else if !os.IsNotExist(err) {
			return err
		}
		return nil
	}, l.holderString)
}

func (l *FileLocker) Break(ctx context.Context) (*LockInfo, error) {
	info, err := l.holder()
	if err != nil {
		return nil, err
	}
	if err := os.Remove(l.Path); err != nil && !os.IsNotExist(err) {
		return info, err
	}
	return info, nil
}

// holder reads the lock file. A missing file is a nil holder; an unreadable one
// is reported with what could be read.
func (l *FileLocker) holder() (*LockInfo, error) {
	data, err := os.ReadFile(l.Path)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return &LockInfo{Host: "?", Token: string(data)}, nil
	}
	return &info, nil
}

func (l *FileLocker) holderString() string {
	info, err := l.holder()
	if err != nil {
		return err.Error()
	}
	return info.String()
}
