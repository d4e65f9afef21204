package batch

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oerrors "github.com/twitter/offload/common/errors"
	"github.com/twitter/offload/common/os/exec"
	"github.com/twitter/offload/jobsdb"
	"github.com/twitter/offload/remote"
	"github.com/twitter/offload/resources"
)

var fastRetry = remote.RetryPolicy{Count: 2, Delay: time.Millisecond}

// fakeCluster answers remote command lines by substring.
type fakeCluster struct {
	answers map[string]exec.Response
	lines   []string
	scripts map[string]string
}

func newFakeCluster(answers map[string]exec.Response) *fakeCluster {
	return &fakeCluster{answers: answers, scripts: map[string]string{}}
}

func (f *fakeCluster) handle(args []string, stdin string) exec.Response {
	line := args[len(args)-1]
	f.lines = append(f.lines, line)
	if i := strings.Index(line, "cat > "); i >= 0 {
		f.scripts[line[i+len("cat > "):]] = stdin
		return exec.Response{}
	}
	for substr, resp := range f.answers {
		if strings.Contains(line, substr) {
			return resp
		}
	}
	return exec.Response{Stderr: "command not found: " + line, ExitCode: 127}
}

func (f *fakeCluster) linesContaining(substr string) []string {
	var out []string
	for _, l := range f.lines {
		if strings.Contains(l, substr) {
			out = append(out, l)
		}
	}
	return out
}

func newTestScheduler(t *testing.T, kind string, cluster *fakeCluster, opts Options) Scheduler {
	shell := remote.NewShell("me@hpc", "ssh", fastRetry, remote.WithExec(exec.NewHandlerExecer(t, cluster.handle)))
	s, err := New(kind, shell, opts)
	require.NoError(t, err)
	return s
}

func twoNodeScript() Script {
	return Script{
		ID:        "calc_ab12_0001",
		RemoteDir: "run_offload/run_calc_ab12_0001",
		Allocation: resources.Allocation{
			Class: "small", Partition: "standard", NumNodes: 2, NumCores: 32, NumCoresPerNode: 16, MaxTime: 7200,
		},
		Header:   []string{"#SBATCH --account=chem", "#SBATCH --mem={max_mem}"},
		Commands: []string{"module load python", "python -m runner _offload_task_in"},
	}
}

func TestNewUnknownKind(t *testing.T) {
	_, err := New("lsf", remote.NewShell("", "", fastRetry), Options{})
	assert.True(t, errors.Is(err, oerrors.ErrValidation))
}

func TestSlurmSubmit(t *testing.T) {
	cluster := newFakeCluster(map[string]exec.Response{"sbatch": {Stdout: "Submitted batch job 4242\n"}})
	s := newTestScheduler(t, Slurm, cluster, Options{})

	id, err := s.Submit(context.Background(), twoNodeScript())
	require.NoError(t, err)
	assert.Equal(t, "4242", id)

	script := cluster.scripts["job.calc_ab12_0001.sh"]
	assert.Equal(t, strings.Join([]string{
		"#!/bin/bash",
		"#SBATCH --job-name=calc_ab12_0001",
		"#SBATCH --partition=standard",
		"#SBATCH --time=02:00:00",
		"#SBATCH --output=job.calc_ab12_0001.stdout",
		"#SBATCH --error=job.calc_ab12_0001.stderr",
		"#SBATCH --nodes=2",
		"#SBATCH --ntasks=32",
		"#SBATCH --ntasks-per-node=16",
		"#SBATCH --account=chem",
		"export OFFLOAD_NUM_NODES=${SLURM_JOB_NUM_NODES:-2}",
		"export OFFLOAD_NUM_CORES_PER_NODE=${SLURM_CPUS_ON_NODE:-16}",
		"export OFFLOAD_NUM_CORES=$(( OFFLOAD_NUM_NODES * OFFLOAD_NUM_CORES_PER_NODE ))",
		"module load python",
		"python -m runner _offload_task_in",
	}, "\n")+"\n", script)

	assert.Equal(t, []string{"cd run_offload/run_calc_ab12_0001 && sbatch job.calc_ab12_0001.sh"}, cluster.linesContaining("sbatch"))
}

func TestSubmitMemoryAndNoDefaultHeader(t *testing.T) {
	cluster := newFakeCluster(map[string]exec.Response{"sbatch": {Stdout: "Submitted batch job 7\n"}})
	s := newTestScheduler(t, Slurm, cluster, Options{})

	sc := twoNodeScript()
	sc.NoDefaultHeader = true
	sc.Allocation.MaxMemPerNode = 64 * 1024 * 1024
	sc.Exec = "/bin/sh"
	_, err := s.Submit(context.Background(), sc)
	require.NoError(t, err)

	lines := strings.Split(cluster.scripts["job.calc_ab12_0001.sh"], "\n")
	assert.Equal(t, []string{"#!/bin/sh", "#SBATCH --account=chem", "#SBATCH --mem=67108864K"}, lines[:3])
}

func TestSubmitIgnoreEnvAndPreSubmit(t *testing.T) {
	cluster := newFakeCluster(map[string]exec.Response{"sbatch": {Stdout: "Submitted batch job 9\n"}})
	s := newTestScheduler(t, Slurm, cluster, Options{IgnoreEnv: true})

	sc := twoNodeScript()
	sc.PreSubmitCmds = []string{"module load slurm"}
	_, err := s.Submit(context.Background(), sc)
	require.NoError(t, err)

	line := cluster.linesContaining("sbatch")[0]
	assert.Equal(t, "cd run_offload/run_calc_ab12_0001 && "+
		`unset $(env | sed -n 's/^\(SLURM_[A-Za-z0-9_]*\)=.*/\1/p')`+
		" && module load slurm && sbatch job.calc_ab12_0001.sh", line)
}

func TestSubmitFailures(t *testing.T) {
	cluster := newFakeCluster(map[string]exec.Response{
		"sbatch": {Stderr: "sbatch: error: invalid partition", ExitCode: 1},
	})
	s := newTestScheduler(t, Slurm, cluster, Options{})
	_, err := s.Submit(context.Background(), twoNodeScript())
	assert.True(t, errors.Is(err, oerrors.ErrSubmission))
	assert.True(t, errors.Is(err, oerrors.ErrRemote))
	assert.Len(t, cluster.linesContaining("sbatch"), 2)

	cluster = newFakeCluster(map[string]exec.Response{"sbatch": {Stdout: "maintenance window\n"}})
	s = newTestScheduler(t, Slurm, cluster, Options{})
	_, err = s.Submit(context.Background(), twoNodeScript())
	assert.True(t, errors.Is(err, oerrors.ErrSubmission))
	assert.False(t, errors.Is(err, oerrors.ErrRemote))

	_, err = s.Submit(context.Background(), Script{ID: "x"})
	assert.True(t, errors.Is(err, oerrors.ErrValidation))
}

func TestSlurmStatus(t *testing.T) {
	cluster := newFakeCluster(map[string]exec.Response{"squeue": {Stdout: strings.Join([]string{
		"100 PENDING",
		"101 RUNNING",
		"102 COMPLETING",
		"103 COMPLETED",
		"104 TIMEOUT",
		"105 OUT_OF_MEMORY",
		"106 CANCELLED",
		"999 RUNNING",
	}, "\n")}})
	s := newTestScheduler(t, Slurm, cluster, Options{})

	st, err := s.Status(context.Background(), "100", "101", "102", "103", "104", "105", "106", "107")
	require.NoError(t, err)
	assert.Equal(t, map[string]jobsdb.Status{
		"100": jobsdb.Queued,
		"101": jobsdb.Running,
		"102": jobsdb.Running,
		"103": jobsdb.Done,
		"104": jobsdb.Timeout,
		"105": jobsdb.Failed,
		"106": jobsdb.Cancelled,
		"107": jobsdb.Died,
	}, st)
	assert.Equal(t, []string{`squeue -h -o '%i %T' -u "$USER"`}, cluster.lines)

	empty, err := s.Status(context.Background())
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Len(t, cluster.lines, 1)
}

func TestCancelSkipsUnknownJobs(t *testing.T) {
	cluster := newFakeCluster(map[string]exec.Response{
		"squeue":  {Stdout: "200 RUNNING\n201 COMPLETED\n"},
		"scancel": {},
	})
	s := newTestScheduler(t, Slurm, cluster, Options{})

	require.NoError(t, s.Cancel(context.Background(), "200", "201", "202"))
	assert.Equal(t, []string{"scancel 200"}, cluster.linesContaining("scancel"))

	require.NoError(t, s.Cancel(context.Background(), "201", "202"))
	assert.Len(t, cluster.linesContaining("scancel"), 1)
}

func TestHoldRelease(t *testing.T) {
	cluster := newFakeCluster(map[string]exec.Response{"scontrol": {}, "qhold": {}, "qrls": {}})
	ctx := context.Background()
	slurm := newTestScheduler(t, Slurm, cluster, Options{})
	require.NoError(t, slurm.Hold(ctx, "1", "2"))
	require.NoError(t, slurm.Release(ctx, "1"))
	pbs := newTestScheduler(t, PBS, cluster, Options{})
	require.NoError(t, pbs.Hold(ctx, "3.server"))
	require.NoError(t, pbs.Release(ctx, "3.server"))
	assert.Equal(t, []string{"scontrol hold 1 2", "scontrol release 1", "qhold 3.server", "qrls 3.server"}, cluster.lines)
}

func TestSGE(t *testing.T) {
	qstat := `job-ID  prior   name       user         state submit/start at     queue                          slots ja-task-ID
-----------------------------------------------------------------------------------------------------------------
    301 0.55500 calc_1     me           r     05/10/2024 10:00:00 all.q@node1                       16
    302 0.55500 calc_2     me           qw    05/10/2024 10:00:00                                   16
    303 0.55500 calc_3     me           hqw   05/10/2024 10:00:00                                   16
    304 0.55500 calc_4     me           Eqw   05/10/2024 10:00:00                                   16
    305 0.55500 calc_5     me           dr    05/10/2024 10:00:00 all.q@node2                       16
`
	cluster := newFakeCluster(map[string]exec.Response{
		"qsub":  {Stdout: `Your job 310 ("calc_ab12_0001") has been submitted` + "\n"},
		"qstat": {Stdout: qstat},
	})
	s := newTestScheduler(t, SGE, cluster, Options{})

	sc := twoNodeScript()
	sc.Header = nil
	id, err := s.Submit(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, "310", id)
	script := cluster.scripts["job.calc_ab12_0001.sh"]
	assert.Contains(t, script, "#$ -pe smp 32\n")
	assert.Contains(t, script, "#$ -l h_rt=02:00:00\n")
	assert.Contains(t, script, "export OFFLOAD_NUM_CORES=${NSLOTS:-32}\n")

	st, err := s.Status(context.Background(), "301", "302", "303", "304", "305", "306")
	require.NoError(t, err)
	assert.Equal(t, map[string]jobsdb.Status{
		"301": jobsdb.Running,
		"302": jobsdb.Queued,
		"303": jobsdb.Queued,
		"304": jobsdb.Failed,
		"305": jobsdb.Cancelled,
		"306": jobsdb.Died,
	}, st)
}

func TestPBS(t *testing.T) {
	qstat := `Job id            Name             User              Time Use S Queue
----------------  ---------------- ----------------  -------- - -----
401.pbs-server    calc_1           me                00:10:00 R workq
402.pbs-serv*     calc_2           me                       0 Q workq
403.pbs-server    calc_3           me                00:20:00 F workq
`
	cluster := newFakeCluster(map[string]exec.Response{
		"qsub":     {Stdout: "410.pbs-server\n"},
		"qstat -x": {Stdout: qstat},
	})
	s := newTestScheduler(t, PBS, cluster, Options{})

	sc := twoNodeScript()
	sc.Header = nil
	id, err := s.Submit(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, "410.pbs-server", id)
	script := cluster.scripts["job.calc_ab12_0001.sh"]
	assert.Contains(t, script, "#PBS -l walltime=02:00:00\n")
	assert.Contains(t, script, "#PBS -l nodes=2:ppn=16\n")
	assert.Contains(t, script, "\ncd \"$PBS_O_WORKDIR\"\nexport OFFLOAD_NUM_NODES=${PBS_NUM_NODES:-2}\n")

	ids := []string{"401.pbs-server", "402.pbs-server", "403.pbs-server", "404.pbs-server"}
	st, err := s.Status(context.Background(), ids...)
	require.NoError(t, err)
	assert.Equal(t, map[string]jobsdb.Status{
		"401.pbs-server": jobsdb.Running,
		"402.pbs-server": jobsdb.Queued,
		"403.pbs-server": jobsdb.Done,
		"404.pbs-server": jobsdb.Died,
	}, st)
	assert.Equal(t, []string{"qstat -x " + strings.Join(ids, " ") + " 2> /dev/null || true"}, cluster.linesContaining("qstat"))
}

func TestLocal(t *testing.T) {
	cluster := newFakeCluster(map[string]exec.Response{
		"nohup": {Stdout: "5151\n"},
		"ps -o": {Stdout: " 5151 S\n 5152 T\n 5153 Z\n"},
		"kill":  {},
	})
	s := newTestScheduler(t, Local, cluster, Options{})

	sc := twoNodeScript()
	sc.Header = []string{"#SBATCH --ignored-by-local"}
	sc.NoDefaultHeader = true
	id, err := s.Submit(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, "5151", id)
	assert.Equal(t, []string{"cd run_offload/run_calc_ab12_0001 && { nohup /bin/bash job.calc_ab12_0001.sh " +
		"> job.calc_ab12_0001.stdout 2> job.calc_ab12_0001.stderr < /dev/null & } && echo $!"}, cluster.linesContaining("nohup"))
	assert.Contains(t, cluster.scripts["job.calc_ab12_0001.sh"], "export OFFLOAD_NUM_NODES=2\n")

	st, err := s.Status(context.Background(), "5151", "5152", "5153", "5154")
	require.NoError(t, err)
	assert.Equal(t, map[string]jobsdb.Status{
		"5151": jobsdb.Running,
		"5152": jobsdb.Queued,
		"5153": jobsdb.Died,
		"5154": jobsdb.Died,
	}, st)

	require.NoError(t, s.Cancel(context.Background(), "5151", "5154"))
	require.NoError(t, s.Hold(context.Background(), "5151"))
	require.NoError(t, s.Release(context.Background(), "5151"))
	assert.Equal(t, []string{"kill -TERM 5151", "kill -STOP 5151", "kill -CONT 5151"}, cluster.linesContaining("kill"))
}

func TestLookup(t *testing.T) {
	id := "calc_ab12_0001"
	for _, tc := range []struct {
		kind   string
		answer map[string]exec.Response
		line   string
		want   string
	}{
		{Slurm, map[string]exec.Response{"squeue": {Stdout: "500 calc_other\n501 calc_ab12_0001\n"}},
			`squeue -h -o '%i %j' -u "$USER"`, "501"},
		{SGE, map[string]exec.Response{
			"qstat -j calc_ab12_0001": {Stdout: "==============\njob_number:                 602\nexec_file:   job_scripts/602\n"},
			"qstat -j calc_none_0002": {},
		},
			"qstat -j calc_ab12_0001 2> /dev/null || true", "602"},
		{PBS, map[string]exec.Response{
			"-N calc_ab12_0001": {Stdout: "703.pbs-server\n"},
			"-N calc_none_0002": {},
		},
			`qselect -u "$USER" -N calc_ab12_0001 2> /dev/null || true`, "703.pbs-server"},
		{Local, map[string]exec.Response{"ps -e": {Stdout: "  1 /sbin/init\n 804 /bin/bash job.calc_ab12_0001.sh\n 805 sleep 10\n"}},
			"ps -e -o pid= -o args=", "804"},
	} {
		cluster := newFakeCluster(tc.answer)
		s := newTestScheduler(t, tc.kind, cluster, Options{})
		got, err := s.Lookup(context.Background(), id)
		require.NoError(t, err, tc.kind)
		assert.Equal(t, tc.want, got, tc.kind)
		assert.Equal(t, []string{tc.line}, cluster.lines, tc.kind)

		// a job the scheduler never saw
		got, err = s.Lookup(context.Background(), "calc_none_0002")
		require.NoError(t, err, tc.kind)
		assert.Equal(t, "", got, tc.kind)
	}
}

func TestSubstitutions(t *testing.T) {
	sc := twoNodeScript()
	r := Substitutions(sc, slurmMem)
	assert.Equal(t, "standard 7200 02:00:00 32/2/16 ", r.Replace("{partition} {max_time_sec} {max_time} {num_cores}/{num_nodes}/{num_cores_per_node} {max_mem}"))
}
