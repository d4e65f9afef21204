// Package system ties one configured remote system together: its node classes,
// its shell and its scheduler. It stages job dirs out to the system's run dir,
// submits them, and brings results back.
package system

//go:generate mockgen -source=system.go -package=system -destination=system_mock.go

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/offload/batch"
	"github.com/twitter/offload/common/stats"
	"github.com/twitter/offload/config"
	"github.com/twitter/offload/jobsdb"
	"github.com/twitter/offload/remote"
	"github.com/twitter/offload/resources"
)

const (
	// DefaultRundir is where jobs run, relative to the remote home, when the system
	// has a host and no rundir configured.
	DefaultRundir = "run_offload"
	// DefaultRunner executes a job's task file on the remote side.
	DefaultRunner = "offload-run"
)

type System interface {
	ID() string
	// Runner is the command that runs a task file on the system.
	Runner() string
	FindNodes(req resources.Request, opts resources.MatchOptions) (resources.Allocation, error)
	// Submit stages the job's stage dir out and submits it, returning the remote id.
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Status(ctx context.Context, remoteIDs ...string) (map[string]jobsdb.Status, error)
	// Lookup returns the remote id of an active job submitted under id, "" if none.
	Lookup(ctx context.Context, id string) (string, error)
	Cancel(ctx context.Context, remoteIDs ...string) error
	Hold(ctx context.Context, remoteIDs ...string) error
	Release(ctx context.Context, remoteIDs ...string) error
	// JobRundir is where the job with this stage dir runs.
	JobRundir(stageDir string) string
	// GetRemotes copies the job dirs matching the globs (all when none are given)
	// from the run dir into localDir.
	GetRemotes(ctx context.Context, localDir string, globs []string, delete bool) error
	// CleanRundir wipes the job's run dir, or overwrites the named files in it
	// with "CLEANED".
	CleanRundir(ctx context.Context, stageDir string, wipe bool, files ...string) error
}

type SubmitRequest struct {
	ID         string
	StageDir   string
	Allocation resources.Allocation
	// Commands run after the system's own commands.
	Commands    []string
	HeaderExtra []string
}

type RemoteSystem struct {
	name      string
	cfg       config.System
	catalog   resources.Catalog
	rundir    string
	shell     remote.Runner
	scheduler batch.Scheduler
	timing    bool

	mu          sync.Mutex
	initialized bool
}

var _ System = &RemoteSystem{}

type Option func(*options)

type options struct {
	shell remote.Runner
	stat  stats.StatsReceiver
}

// WithRunner replaces the shell built from the configuration.
func WithRunner(r remote.Runner) Option {
	return func(o *options) { o.shell = r }
}

func WithStats(stat stats.StatsReceiver) Option {
	return func(o *options) { o.stat = stat }
}

// New builds the system from its configuration. rundirExtra keeps the run dirs of
// different projects apart.
func New(cfg config.System, rundirExtra string, settings config.Settings, opts ...Option) (*RemoteSystem, error) {
	o := options{stat: stats.NilStatsReceiver()}
	for _, opt := range opts {
		opt(&o)
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	if o.shell == nil {
		remsh := cfg.RemoteShell
		if remsh == "" {
			remsh = settings.RemoteShell
		}
		o.shell = remote.NewShell(cfg.Host, remsh, settings.Retry, remote.WithStats(o.stat.Scope(cfg.Name)))
	}
	sched, err := batch.New(cfg.Scheduler, o.shell, batch.Options{IgnoreEnv: settings.SchedulerIgnoreEnv})
	if err != nil {
		return nil, errors.Wrapf(err, "system %s", cfg.Name)
	}
	rundir, err := resolveRundir(cfg.Host, cfg.Rundir, rundirExtra)
	if err != nil {
		return nil, err
	}
	return &RemoteSystem{
		name:      cfg.Name,
		cfg:       cfg,
		catalog:   catalog,
		rundir:    rundir,
		shell:     o.shell,
		scheduler: sched,
		timing:    settings.TimingVerbose,
	}, nil
}

// FromConfig builds every system named in cfg.
func FromConfig(cfg *config.Config, settings config.Settings, opts ...Option) (map[string]System, error) {
	systems := make(map[string]System, len(cfg.Systems))
	for _, name := range cfg.SystemNames() {
		s, err := New(cfg.Systems[name], cfg.RundirExtra, settings, opts...)
		if err != nil {
			return nil, err
		}
		systems[name] = s
	}
	return systems, nil
}

// resolveRundir: remote systems default to DefaultRundir under the remote home;
// local ones without a rundir run in the stage dir itself (""), and a relative
// local rundir is taken from the home dir, like rsync does remotely.
func resolveRundir(host, rundir, extra string) (string, error) {
	if rundir == "" && host != "" {
		rundir = DefaultRundir
	}
	if rundir == "" {
		return "", nil
	}
	if host == "" && !filepath.IsAbs(rundir) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		rundir = filepath.Join(home, rundir)
	}
	rundir = strings.TrimRight(rundir, "/")
	if extra != "" {
		rundir += "/" + extra
	}
	return rundir, nil
}

func (s *RemoteSystem) ID() string { return s.name }

func (s *RemoteSystem) Rundir() string { return s.rundir }

func (s *RemoteSystem) Runner() string {
	if s.cfg.Runner == "" {
		return DefaultRunner
	}
	return s.cfg.Runner
}

func (s *RemoteSystem) Catalog() resources.Catalog { return s.catalog }

func (s *RemoteSystem) Scheduler() batch.Scheduler { return s.scheduler }

func (s *RemoteSystem) String() string {
	names := make([]string, len(s.catalog))
	for i, c := range s.catalog {
		names[i] = c.Name
	}
	return "system " + s.name + ": host " + s.cfg.Host + " rundir " + s.rundir +
		" scheduler " + s.scheduler.Name() + " partitions " + strings.Join(names, " ")
}

func (s *RemoteSystem) FindNodes(req resources.Request, opts resources.MatchOptions) (resources.Allocation, error) {
	return resources.FindNodes(req, s.catalog, opts)
}

func (s *RemoteSystem) JobRundir(stageDir string) string {
	if s.rundir == "" {
		return stageDir
	}
	return s.rundir + "/" + filepath.Base(stageDir)
}

func (s *RemoteSystem) trace(format string, args ...interface{}) {
	if s.timing {
		args = append([]interface{}{s.name}, args...)
		args = append(args, time.Now().Format("15:04:05.000000"))
		log.Infof("system %s "+format+" %s", args...)
	}
}

func (s *RemoteSystem) initRundir(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized || s.rundir == "" {
		return nil
	}
	if _, err := s.shell.Run(ctx, remote.Command{Args: []string{"mkdir", "-p", s.rundir}}); err != nil {
		return err
	}
	s.initialized = true
	return nil
}

func (s *RemoteSystem) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	s.trace("submit %s start", req.ID)
	if err := s.initRundir(ctx); err != nil {
		return "", err
	}

	jobRundir := s.JobRundir(req.StageDir)
	if s.rundir != "" {
		// The job dir must not exist yet: it would belong to another job.
		check := "if [ ! -d " + remote.Quote(s.rundir) + " ]; then echo 'run dir " + s.rundir + " does not exist' 1>&2; exit 1; " +
			"elif [ -e " + remote.Quote(jobRundir) + " ]; then echo 'job run dir " + jobRundir + " already exists' 1>&2; exit 2; " +
			"else mkdir -p " + remote.Quote(jobRundir) + "; fi"
		if _, err := s.shell.Run(ctx, remote.Command{Line: check}); err != nil {
			return "", err
		}
		s.trace("submit %s stage out", req.ID)
		if err := s.shell.CopyTo(ctx, strings.TrimRight(req.StageDir, "/"), s.rundir, remote.CopyOptions{}); err != nil {
			return "", err
		}
	}

	s.trace("submit %s scheduler submit", req.ID)
	header := append(append(append([]string{}, s.cfg.Header...), req.Allocation.Header...), req.HeaderExtra...)
	id, err := s.scheduler.Submit(ctx, batch.Script{
		ID:              req.ID,
		RemoteDir:       jobRundir,
		Allocation:      req.Allocation,
		Header:          header,
		NoDefaultHeader: s.cfg.NoDefaultHeader,
		Commands:        append(append([]string{}, s.cfg.Commands...), req.Commands...),
		Exec:            s.cfg.ScriptExec,
		PreSubmitCmds:   s.cfg.PreSubmitCmds,
	})
	if err != nil {
		if s.rundir != "" {
			log.Warnf("submitting %s to %s failed, removing %s", req.ID, s.name, jobRundir)
			if _, rerr := s.shell.Run(ctx, remote.Command{Args: []string{"rm", "-r", jobRundir}}); rerr != nil {
				log.Errorf("removing %s: %v", jobRundir, rerr)
			}
		}
		return "", err
	}
	s.trace("submit %s end", req.ID)
	return id, nil
}

func (s *RemoteSystem) Status(ctx context.Context, ids ...string) (map[string]jobsdb.Status, error) {
	return s.scheduler.Status(ctx, ids...)
}

func (s *RemoteSystem) Lookup(ctx context.Context, id string) (string, error) {
	return s.scheduler.Lookup(ctx, id)
}

func (s *RemoteSystem) Cancel(ctx context.Context, ids ...string) error {
	return s.scheduler.Cancel(ctx, ids...)
}

func (s *RemoteSystem) Hold(ctx context.Context, ids ...string) error {
	return s.scheduler.Hold(ctx, ids...)
}

func (s *RemoteSystem) Release(ctx context.Context, ids ...string) error {
	return s.scheduler.Release(ctx, ids...)
}

// GetRemotes copies in one rsync through the remote shell, which expands the
// globs. Local run dirs have no shell in between, so globs are expanded here.
func (s *RemoteSystem) GetRemotes(ctx context.Context, localDir string, globs []string, delete bool) error {
	if s.rundir == "" {
		return nil
	}
	opts := remote.CopyOptions{Delete: delete}
	if len(globs) == 0 {
		globs = []string{"*"}
	}

	if s.shell.Host() == "" {
		for _, g := range globs {
			matches, err := filepath.Glob(filepath.Join(s.rundir, g))
			if err != nil {
				return errors.Wrapf(err, "bad glob %q", g)
			}
			for _, m := range matches {
				if err := s.shell.CopyFrom(ctx, m, localDir, opts); err != nil {
					return err
				}
			}
		}
		return nil
	}

	src := s.rundir + "/" + globs[0]
	if len(globs) > 1 {
		src = s.rundir + "/{" + strings.Join(globs, ",") + "}"
	}
	return s.shell.CopyFrom(ctx, src, localDir, opts)
}

func (s *RemoteSystem) CleanRundir(ctx context.Context, stageDir string, wipe bool, files ...string) error {
	if s.rundir == "" {
		// The run dir is the stage dir, which is not ours to remove here.
		return nil
	}
	dir := s.JobRundir(stageDir)
	if wipe {
		q := remote.Quote(dir)
		_, err := s.shell.Run(ctx, remote.Command{Line: "find " + q + ` -type d -exec chmod u+rwx {} \; ; rm -rf ` + q})
		return err
	}
	if len(files) == 0 {
		return nil
	}
	line := "for f in " + remote.QuoteArgs(files) + "; do ff=" + remote.Quote(dir) + `/"$f"; ` +
		`if [ -f "$ff" ]; then echo CLEANED > "$ff"; fi; done`
	_, err := s.shell.Run(ctx, remote.Command{Line: line})
	return err
}
