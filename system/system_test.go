package system

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oerrors "github.com/twitter/offload/common/errors"
	"github.com/twitter/offload/common/os/exec"
	"github.com/twitter/offload/config"
	"github.com/twitter/offload/remote"
	"github.com/twitter/offload/resources"
)

type fakeHost struct {
	mu     sync.Mutex
	calls  [][]string
	answer func(line string) exec.Response
}

func (f *fakeHost) handle(args []string, stdin string) exec.Response {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	f.mu.Unlock()
	if args[0] == "rsync" {
		return exec.Response{}
	}
	return f.answer(args[len(args)-1])
}

func (f *fakeHost) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c[0] == "rsync" {
			out = append(out, strings.Join(c, " "))
		} else {
			out = append(out, c[len(c)-1])
		}
	}
	return out
}

func slurmOK(line string) exec.Response {
	if strings.Contains(line, "sbatch") {
		return exec.Response{Stdout: "Submitted batch job 77\n"}
	}
	return exec.Response{}
}

func testConfig(host string) config.System {
	return config.System{
		Name:      "cluster",
		Host:      host,
		Scheduler: "slurm",
		Partitions: []config.Partition{
			{Name: "small", NumCores: 16, MaxTime: "4h", Header: []string{"#SBATCH --constraint=small"}},
		},
		Header:   []string{"#SBATCH --account=chem"},
		Commands: []string{"module load python"},
	}
}

func newTestSystem(t *testing.T, cfg config.System, host *fakeHost) *RemoteSystem {
	settings := config.DefaultSettings()
	settings.Retry = remote.RetryPolicy{Count: 1, Delay: time.Millisecond}
	shell := remote.NewShell(cfg.Host, "ssh", settings.Retry, remote.WithExec(exec.NewHandlerExecer(t, host.handle)))
	s, err := New(cfg, "box-_proj", settings, WithRunner(shell))
	require.NoError(t, err)
	return s
}

func TestResolveRundir(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	for _, c := range []struct{ host, rundir, extra, want string }{
		{"me@hpc", "", "", DefaultRundir},
		{"me@hpc", "", "x", DefaultRundir + "/x"},
		{"me@hpc", "/scratch/me/", "x", "/scratch/me/x"},
		{"", "", "x", ""},
		{"", "runs", "", filepath.Join(home, "runs")},
		{"", "/tmp/runs", "x", "/tmp/runs/x"},
	} {
		got, err := resolveRundir(c.host, c.rundir, c.extra)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "%+v", c)
	}
}

func TestSubmit(t *testing.T) {
	host := &fakeHost{answer: slurmOK}
	s := newTestSystem(t, testConfig("me@hpc"), host)
	assert.Equal(t, "cluster", s.ID())
	assert.Equal(t, "run_offload/box-_proj", s.Rundir())
	assert.Equal(t, DefaultRunner, s.Runner())

	alloc, err := s.FindNodes(resources.Request{MaxTime: "1h", NumNodes: 1}, resources.DefaultMatchOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{"#SBATCH --constraint=small"}, alloc.Header)

	id, err := s.Submit(context.Background(), SubmitRequest{
		ID:          "calc_1",
		StageDir:    "/proj/_offload/run_calc_1/",
		Allocation:  alloc,
		Commands:    []string{"runner _offload_task_in"},
		HeaderExtra: []string{"#SBATCH --qos=high"},
	})
	require.NoError(t, err)
	assert.Equal(t, "77", id)

	lines := host.lines()
	require.Len(t, lines, 5)
	assert.Equal(t, "mkdir -p run_offload/box-_proj", lines[0])
	assert.Contains(t, lines[1], "elif [ -e run_offload/box-_proj/run_calc_1 ]")
	assert.Equal(t, "rsync -a -e ssh /proj/_offload/run_calc_1 me@hpc:run_offload/box-_proj", lines[2])
	assert.Equal(t, "cd run_offload/box-_proj/run_calc_1 && cat > job.calc_1.sh", lines[3])
	assert.Equal(t, "cd run_offload/box-_proj/run_calc_1 && sbatch job.calc_1.sh", lines[4])

	// The run dir is created once.
	_, err = s.Submit(context.Background(), SubmitRequest{ID: "calc_2", StageDir: "/proj/_offload/run_calc_2", Allocation: alloc})
	require.NoError(t, err)
	assert.Len(t, host.lines(), 9)
}

func TestLookupFindsJobByID(t *testing.T) {
	host := &fakeHost{answer: func(line string) exec.Response {
		if strings.Contains(line, "squeue") {
			return exec.Response{Stdout: "76 calc_0\n77 calc_1\n"}
		}
		return exec.Response{}
	}}
	s := newTestSystem(t, testConfig("me@hpc"), host)

	id, err := s.Lookup(context.Background(), "calc_1")
	require.NoError(t, err)
	assert.Equal(t, "77", id)

	id, err = s.Lookup(context.Background(), "calc_2")
	require.NoError(t, err)
	assert.Equal(t, "", id)
}

func TestSubmitScriptHeaderOrder(t *testing.T) {
	var script string
	host := &fakeHost{answer: slurmOK}
	shellExec := exec.NewHandlerExecer(t, func(args []string, stdin string) exec.Response {
		if strings.Contains(args[len(args)-1], "cat > ") {
			script = stdin
		}
		return host.handle(args, stdin)
	})
	settings := config.DefaultSettings()
	settings.Retry = remote.RetryPolicy{Count: 1}
	s, err := New(testConfig("me@hpc"), "", settings,
		WithRunner(remote.NewShell("me@hpc", "ssh", settings.Retry, remote.WithExec(shellExec))))
	require.NoError(t, err)

	alloc, err := s.FindNodes(resources.Request{MaxTime: "1h", NumCores: 16}, resources.DefaultMatchOptions())
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), SubmitRequest{
		ID: "j", StageDir: "/stage/run_j", Allocation: alloc,
		Commands: []string{"runner in"}, HeaderExtra: []string{"#SBATCH --qos=high"},
	})
	require.NoError(t, err)

	account := strings.Index(script, "#SBATCH --account=chem")
	constraint := strings.Index(script, "#SBATCH --constraint=small")
	qos := strings.Index(script, "#SBATCH --qos=high")
	assert.True(t, account > 0 && account < constraint && constraint < qos, script)
	assert.True(t, strings.Index(script, "module load python") < strings.Index(script, "runner in"), script)
}

func TestSubmitFailureRemovesJobDir(t *testing.T) {
	host := &fakeHost{answer: func(line string) exec.Response {
		if strings.Contains(line, "sbatch") {
			return exec.Response{Stderr: "sbatch: error: Batch job submission failed", ExitCode: 1}
		}
		return exec.Response{}
	}}
	s := newTestSystem(t, testConfig("me@hpc"), host)

	_, err := s.Submit(context.Background(), SubmitRequest{ID: "calc_1", StageDir: "/stage/run_calc_1"})
	assert.True(t, errors.Is(err, oerrors.ErrSubmission))
	lines := host.lines()
	assert.Equal(t, "rm -r run_offload/box-_proj/run_calc_1", lines[len(lines)-1])
}

func TestSubmitExistingJobDir(t *testing.T) {
	host := &fakeHost{answer: func(line string) exec.Response {
		if strings.HasPrefix(line, "if [ ! -d") {
			return exec.Response{Stderr: "job run dir exists", ExitCode: 2}
		}
		return exec.Response{}
	}}
	s := newTestSystem(t, testConfig("me@hpc"), host)

	_, err := s.Submit(context.Background(), SubmitRequest{ID: "calc_1", StageDir: "/stage/run_calc_1"})
	assert.True(t, errors.Is(err, oerrors.ErrRemote))
	for _, l := range host.lines() {
		assert.NotContains(t, l, "sbatch")
		assert.NotContains(t, l, "rsync")
	}
}

func TestGetRemotes(t *testing.T) {
	host := &fakeHost{answer: slurmOK}
	s := newTestSystem(t, testConfig("me@hpc"), host)
	ctx := context.Background()

	require.NoError(t, s.GetRemotes(ctx, "/stage", nil, false))
	require.NoError(t, s.GetRemotes(ctx, "/stage", []string{"run_a"}, false))
	require.NoError(t, s.GetRemotes(ctx, "/stage", []string{"run_a", "run_b"}, true))
	assert.Equal(t, []string{
		"rsync -a -e ssh me@hpc:run_offload/box-_proj/* /stage",
		"rsync -a -e ssh me@hpc:run_offload/box-_proj/run_a /stage",
		"rsync -a --delete -e ssh me@hpc:run_offload/box-_proj/{run_a,run_b} /stage",
	}, host.lines())
}

func TestGetRemotesLocalRundir(t *testing.T) {
	rundir := t.TempDir()
	for _, d := range []string{"run_a", "run_b", "run_c"} {
		require.NoError(t, os.MkdirAll(filepath.Join(rundir, d), 0755))
	}
	cfg := testConfig("")
	cfg.Rundir = rundir
	host := &fakeHost{answer: slurmOK}
	settings := config.DefaultSettings()
	shell := remote.NewShell("", "", remote.RetryPolicy{Count: 1}, remote.WithExec(exec.NewHandlerExecer(t, host.handle)))
	s, err := New(cfg, "", settings, WithRunner(shell))
	require.NoError(t, err)

	require.NoError(t, s.GetRemotes(context.Background(), "/stage", []string{"run_a", "run_c", "run_z"}, false))
	assert.Equal(t, []string{
		"rsync -a " + filepath.Join(rundir, "run_a") + " /stage",
		"rsync -a " + filepath.Join(rundir, "run_c") + " /stage",
	}, host.lines())
}

func TestLocalWithoutRundirRunsInStageDir(t *testing.T) {
	host := &fakeHost{answer: slurmOK}
	s := newTestSystem(t, testConfig(""), host)
	assert.Equal(t, "", s.Rundir())
	assert.Equal(t, "/stage/run_j", s.JobRundir("/stage/run_j"))

	_, err := s.Submit(context.Background(), SubmitRequest{ID: "j", StageDir: "/stage/run_j"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cd /stage/run_j && cat > job.j.sh", "cd /stage/run_j && sbatch job.j.sh"}, host.lines())

	require.NoError(t, s.GetRemotes(context.Background(), "/stage", nil, false))
	require.NoError(t, s.CleanRundir(context.Background(), "/stage/run_j", true))
	assert.Len(t, host.lines(), 2)
}

func TestCleanRundir(t *testing.T) {
	host := &fakeHost{answer: slurmOK}
	s := newTestSystem(t, testConfig("me@hpc"), host)
	ctx := context.Background()

	require.NoError(t, s.CleanRundir(ctx, "/stage/run_j", false, "_offload_task_in", "_offload_succeeded"))
	require.NoError(t, s.CleanRundir(ctx, "/stage/run_j", true))
	require.NoError(t, s.CleanRundir(ctx, "/stage/run_j", false))
	assert.Equal(t, []string{
		`for f in _offload_task_in _offload_succeeded; do ff=run_offload/box-_proj/run_j/"$f"; if [ -f "$ff" ]; then echo CLEANED > "$ff"; fi; done`,
		`find run_offload/box-_proj/run_j -type d -exec chmod u+rwx {} \; ; rm -rf run_offload/box-_proj/run_j`,
	}, host.lines())
}

func TestNewValidates(t *testing.T) {
	cfg := testConfig("me@hpc")
	cfg.Scheduler = "lsf"
	_, err := New(cfg, "", config.DefaultSettings())
	assert.True(t, errors.Is(err, oerrors.ErrValidation))

	cfg = testConfig("me@hpc")
	cfg.Partitions[0].NumCores = 0
	_, err = New(cfg, "", config.DefaultSettings())
	assert.True(t, errors.Is(err, oerrors.ErrValidation))
}
