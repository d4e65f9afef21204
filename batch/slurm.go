package batch

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/twitter/offload/jobsdb"
	"github.com/twitter/offload/remote"
	"github.com/twitter/offload/resources"
)

var slurmHeader = []string{
	"#SBATCH --job-name={id}",
	"#SBATCH --partition={partition}",
	"#SBATCH --time={max_time}",
	"#SBATCH --output={stdout}",
	"#SBATCH --error={stderr}",
	"#SBATCH --nodes={num_nodes}",
	"#SBATCH --ntasks={num_cores}",
	"#SBATCH --ntasks-per-node={num_cores_per_node}",
}

var slurmIDRe = regexp.MustCompile(`Submitted batch job (\d+)`)

var slurmStates = map[string]jobsdb.Status{
	"PENDING":       jobsdb.Queued,
	"REQUEUED":      jobsdb.Queued,
	"REQUEUE_HOLD":  jobsdb.Queued,
	"REQUEUE_FED":   jobsdb.Queued,
	"RESV_DEL_HOLD": jobsdb.Queued,
	"CONFIGURING":   jobsdb.Queued,
	"RUNNING":       jobsdb.Running,
	"COMPLETING":    jobsdb.Running,
	"SUSPENDED":     jobsdb.Running,
	"STOPPED":       jobsdb.Running,
	"SIGNALING":     jobsdb.Running,
	"STAGE_OUT":     jobsdb.Running,
	"RESIZING":      jobsdb.Running,
	"COMPLETED":     jobsdb.Done,
	"FAILED":        jobsdb.Failed,
	"NODE_FAIL":     jobsdb.Failed,
	"OUT_OF_MEMORY": jobsdb.Failed,
	"BOOT_FAIL":     jobsdb.Failed,
	"DEADLINE":      jobsdb.Failed,
	"PREEMPTED":     jobsdb.Failed,
	"SPECIAL_EXIT":  jobsdb.Failed,
	"REVOKED":       jobsdb.Failed,
	"TIMEOUT":       jobsdb.Timeout,
	"CANCELLED":     jobsdb.Cancelled,
}

type SlurmScheduler struct{ common }

func (s *SlurmScheduler) Name() string { return Slurm }

func slurmMem(kb int64) string { return strconv.FormatInt(kb, 10) + "K" }

func (s *SlurmScheduler) Submit(ctx context.Context, sc Script) (string, error) {
	text := render(sc, slurmHeader, slurmMem, nil, s.NodeEnvCommands(sc.Allocation))
	return s.submit(ctx, sc, text, s.submitLine(sc, "SLURM", "sbatch"), slurmIDRe)
}

// Status lists all of the user's jobs rather than the ids, since squeue fails
// outright when any id has been purged.
func (s *SlurmScheduler) Status(ctx context.Context, ids ...string) (map[string]jobsdb.Status, error) {
	if len(ids) == 0 {
		return map[string]jobsdb.Status{}, nil
	}
	res, err := s.shell.Run(ctx, remote.Command{Line: `squeue -h -o '%i %T' -u "$USER"`})
	if err != nil {
		return nil, err
	}
	found := map[string]jobsdb.Status{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		f := strings.Fields(line)
		if len(f) < 2 {
			continue
		}
		if st, ok := slurmStates[f[1]]; ok {
			found[f[0]] = st
		}
	}
	return statusMap(ids, found), nil
}

func (s *SlurmScheduler) Lookup(ctx context.Context, id string) (string, error) {
	res, err := s.shell.Run(ctx, remote.Command{Line: `squeue -h -o '%i %j' -u "$USER"`})
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		f := strings.Fields(line)
		if len(f) == 2 && f[1] == id {
			return f[0], nil
		}
	}
	return "", nil
}

func (s *SlurmScheduler) Cancel(ctx context.Context, ids ...string) error {
	return cancelActive(ctx, s, func(live []string) error {
		return s.run(ctx, []string{"scancel"}, live)
	}, ids)
}

func (s *SlurmScheduler) Hold(ctx context.Context, ids ...string) error {
	return s.run(ctx, []string{"scontrol", "hold"}, ids)
}

func (s *SlurmScheduler) Release(ctx context.Context, ids ...string) error {
	return s.run(ctx, []string{"scontrol", "release"}, ids)
}

func (s *SlurmScheduler) NodeEnvCommands(a resources.Allocation) []string {
	return nodeEnv(a, "SLURM_JOB_NUM_NODES", "", "SLURM_CPUS_ON_NODE")
}
