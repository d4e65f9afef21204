package jobsdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// DefaultRedisLease bounds how long a crashed holder can keep the lock.
const DefaultRedisLease = 30 * time.Minute

// Deletes the key only if it still holds our value.
var redisRelease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds the lock as a Redis key set with NX and a lease. Use it when
// the job database sits on a network filesystem where O_EXCL can't be trusted.
type RedisLocker struct {
	client redis.UniversalClient
	key    string
	lease  time.Duration
}

var _ Locker = &RedisLocker{}

// NewRedisLocker connects to url (redis://[user:pass@]host:port/db). The key is
// derived from the database path so that databases don't share a lock.
func NewRedisLocker(url, dbPath string) (*RedisLocker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing redis url %s", url)
	}
	return NewRedisLockerWithClient(redis.NewClient(opt), "offload:lock:"+dbPath, DefaultRedisLease), nil
}

func NewRedisLockerWithClient(client redis.UniversalClient, key string, lease time.Duration) *RedisLocker {
	return &RedisLocker{client: client, key: key, lease: lease}
}

func (l *RedisLocker) Acquire(ctx context.Context, timeout time.Duration) (func() error, error) {
	info, err := newLockInfo()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	value := string(data)
	try := func() error {
		ok, err := l.client.SetNX(ctx, l.key, value, l.lease).Result()
		if err != nil {
			return err
		}
		if !ok {
			return errLockBusy
		}
		return nil
	}
	if err := poll(ctx, timeout, try, l.holderString); err != nil {
		return nil, err
	}
	return func() error {
		n, err := redisRelease.Run(context.Background(), l.client, []string{l.key}, value).Int64()
		if err != nil {
			return err
		}
		if n == 0 {
			log.Warnf("job database lock %s was broken or expired while held", l.key)
		}
		return nil
	}, nil
}

func (l *RedisLocker) Wait(ctx context.Context, timeout time.Duration) error {
	return poll(ctx, timeout, func() error {
		n, err := l.client.Exists(ctx, l.key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return errLockBusy
		}
		return nil
	}, l.holderString)
}

func (l *RedisLocker) Break(ctx context.Context) (*LockInfo, error) {
	info, err := l.holder(ctx)
	if err != nil {
		return nil, err
	}
	if err := l.client.Del(ctx, l.key).Err(); err != nil {
		return info, err
	}
	return info, nil
}

func (l *RedisLocker) holder(ctx context.Context) (*LockInfo, error) {
	v, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal([]byte(v), &info); err != nil {
		return &LockInfo{Host: "?", Token: v}, nil
	}
	return &info, nil
}

func (l *RedisLocker) holderString() string {
	info, err := l.holder(context.Background())
	if err != nil {
		return err.Error()
	}
	return info.String()
}
