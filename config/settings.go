package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	oerrors "github.com/twitter/offload/common/errors"
	"github.com/twitter/offload/remote"
)

// Environment variables read once at startup.
const (
	EnvRoot               = "OFFLOAD_ROOT"
	EnvRemoteShell        = "OFFLOAD_RSH"
	EnvRetry              = "OFFLOAD_RETRY"
	EnvTimingVerbose      = "OFFLOAD_TIMING_VERBOSE"
	EnvSchedulerIgnoreEnv = "OFFLOAD_SCHEDULER_IGNORE_ENV"
	EnvLockTimeout        = "OFFLOAD_LOCK_TIMEOUT"
	EnvStatusCacheTTL     = "OFFLOAD_STATUS_CACHE_TTL"
	EnvRedisURL           = "OFFLOAD_REDIS_URL"
	EnvLogLevel           = "OFFLOAD_LOG_LEVEL"
)

// SearchRoot as OFFLOAD_ROOT means: look for config dirs from the working directory up.
const SearchRoot = "@"

const (
	DefaultLockTimeout    = 5 * time.Minute
	DefaultStatusCacheTTL = 10 * time.Second
)

// Settings are the process-wide tunables. Built once by LoadSettings and passed by
// value to whatever needs them; nothing reads the environment after that.
type Settings struct {
	Root               string
	RemoteShell        string
	Retry              remote.RetryPolicy
	TimingVerbose      bool
	SchedulerIgnoreEnv bool
	LockTimeout        time.Duration
	StatusCacheTTL     time.Duration
	RedisURL           string
	LogLevel           string
}

func DefaultSettings() Settings {
	return Settings{
		Root:           SearchRoot,
		RemoteShell:    remote.DefaultRemoteShell,
		Retry:          remote.DefaultRetryPolicy(),
		LockTimeout:    DefaultLockTimeout,
		StatusCacheTTL: DefaultStatusCacheTTL,
	}
}

// LoadSettings loads dotenv files (".env" in the working directory when none are
// given; missing files are skipped, set variables win) and then reads the environment.
func LoadSettings(dotenvFiles ...string) (Settings, error) {
	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{".env"}
	}
	for _, f := range dotenvFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Settings{}, oerrors.NewValidationError("loading %s: %v", f, err)
		}
		log.Debugf("loaded environment from %s", f)
	}
	return SettingsFromEnv(os.LookupEnv)
}

// SettingsFromEnv builds Settings from a lookup function such as os.LookupEnv.
func SettingsFromEnv(lookup func(string) (string, bool)) (Settings, error) {
	s := DefaultSettings()
	if v, ok := lookup(EnvRoot); ok && v != "" {
		s.Root = v
	}
	if v, ok := lookup(EnvRemoteShell); ok && strings.TrimSpace(v) != "" {
		s.RemoteShell = v
	}
	if v, ok := lookup(EnvRetry); ok && strings.TrimSpace(v) != "" {
		r, err := ParseRetry(v)
		if err != nil {
			return s, err
		}
		s.Retry = r
	}
	_, s.TimingVerbose = lookup(EnvTimingVerbose)
	_, s.SchedulerIgnoreEnv = lookup(EnvSchedulerIgnoreEnv)
	if v, ok := lookup(EnvLockTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return s, oerrors.NewValidationError("%s=%q is not a positive duration", EnvLockTimeout, v)
		}
		s.LockTimeout = d
	}
	if v, ok := lookup(EnvStatusCacheTTL); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return s, oerrors.NewValidationError("%s=%q is not a duration", EnvStatusCacheTTL, v)
		}
		s.StatusCacheTTL = d
	}
	if v, ok := lookup(EnvRedisURL); ok {
		s.RedisURL = v
	}
	if v, ok := lookup(EnvLogLevel); ok {
		s.LogLevel = v
	}
	return s, nil
}

// ParseRetry parses "<attempts> <delay seconds>", e.g. "3 5" or "2 0.5".
func ParseRetry(v string) (remote.RetryPolicy, error) {
	f := strings.Fields(v)
	if len(f) != 2 {
		return remote.RetryPolicy{}, oerrors.NewValidationError("%s=%q: want \"<attempts> <delay seconds>\"", EnvRetry, v)
	}
	n, err := strconv.Atoi(f[0])
	if err != nil || n < 1 {
		return remote.RetryPolicy{}, oerrors.NewValidationError("%s=%q: attempts must be a positive integer", EnvRetry, v)
	}
	d, err := strconv.ParseFloat(f[1], 64)
	if err != nil || d < 0 {
		return remote.RetryPolicy{}, oerrors.NewValidationError("%s=%q: delay must be a non-negative number", EnvRetry, v)
	}
	return remote.RetryPolicy{Count: n, Delay: time.Duration(d * float64(time.Second))}, nil
}
