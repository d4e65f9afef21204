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

var pbsHeader = []string{
	"#PBS -N {id}",
	"#PBS -q {partition}",
	"#PBS -l walltime={max_time}",
	"#PBS -o {stdout}",
	"#PBS -e {stderr}",
	"#PBS -l nodes={num_nodes}:ppn={num_cores_per_node}",
}

// PBS starts jobs in the home dir.
var pbsPreamble = []string{`cd "$PBS_O_WORKDIR"`}

var pbsIDRe = regexp.MustCompile(`(?m)^\s*(\d+(?:\.\S+)?)\s*$`)

var pbsStates = map[string]jobsdb.Status{
	"Q": jobsdb.Queued,
	"H": jobsdb.Queued,
	"W": jobsdb.Queued,
	"T": jobsdb.Queued,
	"M": jobsdb.Queued,
	"R": jobsdb.Running,
	"E": jobsdb.Running,
	"B": jobsdb.Running,
	"S": jobsdb.Running,
	"U": jobsdb.Running,
	"F": jobsdb.Done,
	"X": jobsdb.Done,
	"C": jobsdb.Done,
}

type PBSScheduler struct{ common }

func (s *PBSScheduler) Name() string { return PBS }

func pbsMem(kb int64) string { return strconv.FormatInt(kb, 10) + "kb" }

func (s *PBSScheduler) Submit(ctx context.Context, sc Script) (string, error) {
	text := render(sc, pbsHeader, pbsMem, pbsPreamble, s.NodeEnvCommands(sc.Allocation))
	return s.submit(ctx, sc, text, s.submitLine(sc, "PBS", "qsub"), pbsIDRe)
}

// pbsNumber is the numeric part of a job id; qstat may print the server part
// truncated.
func pbsNumber(id string) string {
	if i := strings.IndexByte(id, '.'); i >= 0 {
		return id[:i]
	}
	return id
}

// Status includes finished jobs (-x). qstat exits non-zero when any id is
// unknown but still reports the others.
func (s *PBSScheduler) Status(ctx context.Context, ids ...string) (map[string]jobsdb.Status, error) {
	if len(ids) == 0 {
		return map[string]jobsdb.Status{}, nil
	}
	res, err := s.shell.Run(ctx, remote.Command{Line: "qstat -x " + remote.QuoteArgs(ids) + " 2> /dev/null || true"})
	if err != nil {
		return nil, err
	}
	// Job id Name User Time-Use S Queue
	byNumber := map[string]jobsdb.Status{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		f := strings.Fields(line)
		if len(f) < 6 {
			continue
		}
		if st, ok := pbsStates[f[4]]; ok {
			byNumber[pbsNumber(f[0])] = st
		}
	}
	found := map[string]jobsdb.Status{}
	for _, id := range ids {
		if st, ok := byNumber[pbsNumber(id)]; ok {
			found[id] = st
		}
	}
	return statusMap(ids, found), nil
}

func (s *PBSScheduler) Lookup(ctx context.Context, id string) (string, error) {
	res, err := s.shell.Run(ctx, remote.Command{Line: `qselect -u "$USER" -N ` + remote.Quote(id) + " 2> /dev/null || true"})
	if err != nil {
		return "", err
	}
	return firstMatch(pbsIDRe, res.Stdout), nil
}

func (s *PBSScheduler) Cancel(ctx context.Context, ids ...string) error {
	return cancelActive(ctx, s, func(live []string) error {
		return s.run(ctx, []string{"qdel"}, live)
	}, ids)
}

func (s *PBSScheduler) Hold(ctx context.Context, ids ...string) error {
	return s.run(ctx, []string{"qhold"}, ids)
}

func (s *PBSScheduler) Release(ctx context.Context, ids ...string) error {
	return s.run(ctx, []string{"qrls"}, ids)
}

func (s *PBSScheduler) NodeEnvCommands(a resources.Allocation) []string {
	return nodeEnv(a, "PBS_NUM_NODES", "", "PBS_NUM_PPN")
}
