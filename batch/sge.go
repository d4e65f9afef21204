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

var sgeHeader = []string{
	"#$ -N {id}",
	"#$ -q {partition}",
	"#$ -l h_rt={max_time}",
	"#$ -o {stdout}",
	"#$ -e {stderr}",
	"#$ -pe smp {num_cores}",
	"#$ -cwd",
}

var sgeIDRe = regexp.MustCompile(`Your job (\d+)`)

var sgeJobNumberRe = regexp.MustCompile(`(?m)^job_number:\s+(\d+)`)

type SGEScheduler struct{ common }

func (s *SGEScheduler) Name() string { return SGE }

func sgeMem(kb int64) string { return strconv.FormatInt(kb, 10) + "K" }

func (s *SGEScheduler) Submit(ctx context.Context, sc Script) (string, error) {
	text := render(sc, sgeHeader, sgeMem, nil, s.NodeEnvCommands(sc.Allocation))
	return s.submit(ctx, sc, text, s.submitLine(sc, "SGE", "qsub"), sgeIDRe)
}

// sgeState maps the letter codes of qstat's state column: E error, d deletion,
// h or w waiting, r t s S T running (including suspended).
func sgeState(code string) (jobsdb.Status, bool) {
	switch {
	case strings.Contains(code, "E"):
		return jobsdb.Failed, true
	case strings.Contains(code, "d"):
		return jobsdb.Cancelled, true
	case strings.ContainsAny(code, "hw"):
		return jobsdb.Queued, true
	case strings.ContainsAny(code, "rtsST"):
		return jobsdb.Running, true
	}
	return "", false
}

func (s *SGEScheduler) Status(ctx context.Context, ids ...string) (map[string]jobsdb.Status, error) {
	if len(ids) == 0 {
		return map[string]jobsdb.Status{}, nil
	}
	res, err := s.shell.Run(ctx, remote.Command{Line: `qstat -u "$USER"`})
	if err != nil {
		return nil, err
	}
	// job-ID prior name user state submit/start-at queue slots ja-task-ID
	found := map[string]jobsdb.Status{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		f := strings.Fields(line)
		if len(f) < 5 {
			continue
		}
		if _, err := strconv.Atoi(f[0]); err != nil {
			continue
		}
		if st, ok := sgeState(f[4]); ok {
			found[f[0]] = st
		}
	}
	return statusMap(ids, found), nil
}

// Lookup uses qstat -j, which takes a job name as well as a number.
func (s *SGEScheduler) Lookup(ctx context.Context, id string) (string, error) {
	res, err := s.shell.Run(ctx, remote.Command{Line: "qstat -j " + remote.Quote(id) + " 2> /dev/null || true"})
	if err != nil {
		return "", err
	}
	return firstMatch(sgeJobNumberRe, res.Stdout), nil
}

func (s *SGEScheduler) Cancel(ctx context.Context, ids ...string) error {
	return cancelActive(ctx, s, func(live []string) error {
		return s.run(ctx, []string{"qdel"}, live)
	}, ids)
}

func (s *SGEScheduler) Hold(ctx context.Context, ids ...string) error {
	return s.run(ctx, []string{"qhold"}, ids)
}

func (s *SGEScheduler) Release(ctx context.Context, ids ...string) error {
	return s.run(ctx, []string{"qrls"}, ids)
}

func (s *SGEScheduler) NodeEnvCommands(a resources.Allocation) []string {
	return nodeEnv(a, "NHOSTS", "NSLOTS", "")
}
