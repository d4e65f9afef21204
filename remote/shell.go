// Package remote runs shell commands and file copies on the host of a remote
// system through a configurable remote shell (ssh by default) and rsync.
//
// Every operation is retried up to RetryPolicy.Count attempts with a constant
// delay. Authentication failures are never retried: repeating them only risks
// locking the account.
package remote

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	oerrors "github.com/twitter/offload/common/errors"
	"github.com/twitter/offload/common/os/exec"
	"github.com/twitter/offload/common/stats"
)

const DefaultRemoteShell = "ssh"

// sshFailureExitCode is what ssh exits with when it fails itself, as opposed to
// passing on the remote command's status.
const sshFailureExitCode = 255

var authFailureRe = regexp.MustCompile(`Permission denied|Host key verification failed|Authentication failed|Too many authentication failures`)

// RetryPolicy bounds retries of transient failures. Count is the total number of attempts.
type RetryPolicy struct {
	Count int
	Delay time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Count: 3, Delay: 5 * time.Second}
}

// Command is one shell invocation. Args are quoted word by word; Line is used
// verbatim (pipes, redirections, globs) when Args is empty. Stdin, if set, is fed to
// the command, which is how scripts are shipped to the remote host. Dir is
// changed into first.
type Command struct {
	Args  []string
	Line  string
	Stdin string
	Dir   string
}

func (c Command) commandLine() string {
	line := c.Line
	if len(c.Args) > 0 {
		line = QuoteArgs(c.Args)
	}
	if c.Dir != "" {
		line = "cd " + Quote(c.Dir) + " && " + line
	}
	return line
}

type Result struct {
	Stdout string
	Stderr string
}

// CopyOptions for rsync. Delete removes destination files absent from the source.
type CopyOptions struct {
	Delete bool
}

// Runner is the interface the scheduler adapters and systems use to reach a host.
type Runner interface {
	// Host is the [user@]host commands run on, empty for the local machine.
	Host() string
	Run(ctx context.Context, cmd Command) (Result, error)
	// CopyTo copies a local path into remoteDir on the host.
	CopyTo(ctx context.Context, localSrc, remoteDir string, opts CopyOptions) error
	// CopyFrom copies remoteSrc, which may contain shell globs and braces, into localDir.
	CopyFrom(ctx context.Context, remoteSrc, localDir string, opts CopyOptions) error
}

type Shell struct {
	host        string
	remsh       []string
	retry       RetryPolicy
	execer      exec.OsExec
	limiter     *rate.Limiter
	stat        stats.StatsReceiver
	killTimeout time.Duration
}

var _ Runner = &Shell{}

type Option func(*Shell)

func WithExec(e exec.OsExec) Option {
	return func(s *Shell) { s.execer = e }
}

func WithStats(stat stats.StatsReceiver) Option {
	return func(s *Shell) { s.stat = stat }
}

// WithRateLimit caps how fast commands are issued against the host, so that a
// sync over many jobs does not trip the cluster's ssh connection throttling.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(s *Shell) { s.limiter = rate.NewLimiter(limit, burst) }
}

// NewShell returns a Shell for host. An empty host runs everything locally
// through bash; remsh is the remote shell command line, "ssh" if empty.
func NewShell(host, remsh string, retry RetryPolicy, opts ...Option) *Shell {
	if strings.TrimSpace(remsh) == "" {
		remsh = DefaultRemoteShell
	}
	if retry.Count < 1 {
		retry.Count = 1
	}
	s := &Shell{
		host:        host,
		remsh:       strings.Fields(remsh),
		retry:       retry,
		execer:      exec.NewOsExec(),
		limiter:     rate.NewLimiter(rate.Limit(10), 5),
		stat:        stats.NilStatsReceiver(),
		killTimeout: exec.DefaultKillTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.stat = s.stat.Scope("remote")
	return s
}

func (s *Shell) Host() string { return s.host }

// RemoteShell is the remote shell command line, e.g. for rsync -e.
func (s *Shell) RemoteShell() string { return strings.Join(s.remsh, " ") }

func (s *Shell) argv(cmd Command) []string {
	line := cmd.commandLine()
	if s.host == "" {
		return []string{"bash", "-c", line}
	}
	return append(append([]string(nil), s.remsh...), s.host, line)
}

func (s *Shell) Run(ctx context.Context, cmd Command) (Result, error) {
	return s.do(ctx, s.argv(cmd), cmd.Stdin)
}

func (s *Shell) CopyTo(ctx context.Context, localSrc, remoteDir string, opts CopyOptions) error {
	args := s.rsyncArgs(opts)
	args = append(args, localSrc, s.remotePath(remoteDir))
	_, err := s.do(ctx, args, "")
	return err
}

func (s *Shell) CopyFrom(ctx context.Context, remoteSrc, localDir string, opts CopyOptions) error {
	args := s.rsyncArgs(opts)
	args = append(args, s.remotePath(remoteSrc), localDir)
	_, err := s.do(ctx, args, "")
	return err
}

func (s *Shell) rsyncArgs(opts CopyOptions) []string {
	args := []string{"rsync", "-a"}
	if opts.Delete {
		args = append(args, "--delete")
	}
	if s.host != "" {
		args = append(args, "-e", s.RemoteShell())
	}
	return args
}

func (s *Shell) remotePath(p string) string {
	if s.host == "" {
		return p
	}
	return s.host + ":" + p
}

// do runs argv with retries. The returned error is a *errors.RemoteError
// describing the last attempt, or the context's error.
func (s *Shell) do(ctx context.Context, argv []string, stdin string) (Result, error) {
	var res Result
	var last *oerrors.RemoteError
	attempts := 0

	op := func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		if attempts > 1 {
			s.stat.Counter(stats.RemoteRetryCounter).Inc(1)
			log.Infof("retrying %s (attempt %d of %d)", exec.TruncateCmd(argv), attempts, s.retry.Count)
		}
		s.stat.Counter(stats.RemoteCommandCounter).Inc(1)

		var in io.Reader
		if stdin != "" {
			in = strings.NewReader(stdin)
		}
		cmd := s.execer.Command(argv[0], argv[1:]...)
		lat := s.stat.Latency(stats.RemoteCommandLatency_ms).Time()
		rr := exec.RunCommand(ctx, cmd, in, nil, s.killTimeout)
		lat.Stop()

		res = Result{Stdout: string(rr.Stdout), Stderr: string(rr.Stderr)}
		if rr.Error == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		last = &oerrors.RemoteError{
			Cmd:      exec.TruncateCmd(argv),
			ExitCode: rr.ExitCode,
			Stderr:   strings.TrimSpace(res.Stderr),
			Err:      rr.Error,
		}
		if s.isAuthFailure(rr) {
			log.Errorf("authentication to %s failed, not retrying: %s", s.host, last.Stderr)
			return backoff.Permanent(last)
		}
		log.Debugf("%s failed: %v", exec.TruncateCmd(argv), last)
		return last
	}

	var b backoff.BackOff = backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retry.Delay), uint64(s.retry.Count-1))
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err == nil {
		return res, nil
	}
	s.stat.Counter(stats.RemoteFailureCounter).Inc(1)
	if last != nil && err == error(last) {
		last.Attempts = attempts
		return res, last
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("%s: %w", exec.TruncateCmd(argv), ctx.Err())
	}
	return res, err
}

func (s *Shell) isAuthFailure(rr exec.RunResult) bool {
	return s.host != "" && rr.ExitCode == sshFailureExitCode && authFailureRe.Match(rr.Stderr)
}
