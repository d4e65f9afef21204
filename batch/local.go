package batch

import (
	"context"
	"regexp"
	"strings"

	"github.com/twitter/offload/jobsdb"
	"github.com/twitter/offload/remote"
	"github.com/twitter/offload/resources"
)

var localIDRe = regexp.MustCompile(`(?m)^\s*(\d+)\s*$`)

// LocalScheduler runs jobs as background processes on the host, the pid being
// the job id.
type LocalScheduler struct{ common }

func (s *LocalScheduler) Name() string { return Local }

func (s *LocalScheduler) Submit(ctx context.Context, sc Script) (string, error) {
	text := render(sc, nil, func(int64) string { return "" }, nil, s.NodeEnvCommands(sc.Allocation))
	exec := sc.Exec
	if exec == "" {
		exec = DefaultScriptExec
	}
	launch := "{ nohup " + remote.Quote(exec) + " " + remote.Quote(ScriptFile(sc.ID)) +
		" > " + remote.Quote(StdoutFile(sc.ID)) + " 2> " + remote.Quote(StderrFile(sc.ID)) + " < /dev/null & } && echo $!"
	line := strings.Join(append(append([]string{}, sc.PreSubmitCmds...), launch), " && ")
	return s.submit(ctx, sc, text, line, localIDRe)
}

// Status from ps: T (stopped) is held, Z has exited, anything else runs.
func (s *LocalScheduler) Status(ctx context.Context, ids ...string) (map[string]jobsdb.Status, error) {
	if len(ids) == 0 {
		return map[string]jobsdb.Status{}, nil
	}
	res, err := s.shell.Run(ctx, remote.Command{Line: "ps -o pid= -o stat= -p " + strings.Join(ids, ",") + " || true"})
	if err != nil {
		return nil, err
	}
	found := map[string]jobsdb.Status{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		f := strings.Fields(line)
		if len(f) < 2 {
			continue
		}
		switch {
		case strings.HasPrefix(f[1], "Z"):
		case strings.HasPrefix(f[1], "T"):
			found[f[0]] = jobsdb.Queued
		default:
			found[f[0]] = jobsdb.Running
		}
	}
	return statusMap(ids, found), nil
}

// Lookup finds the process running the job's script.
func (s *LocalScheduler) Lookup(ctx context.Context, id string) (string, error) {
	res, err := s.shell.Run(ctx, remote.Command{Line: "ps -e -o pid= -o args="})
	if err != nil {
		return "", err
	}
	script := ScriptFile(id)
	for _, line := range strings.Split(res.Stdout, "\n") {
		f := strings.Fields(line)
		if len(f) < 2 {
			continue
		}
		for _, arg := range f[1:] {
			if arg == script {
				return f[0], nil
			}
		}
	}
	return "", nil
}

func (s *LocalScheduler) Cancel(ctx context.Context, ids ...string) error {
	return cancelActive(ctx, s, func(live []string) error {
		return s.run(ctx, []string{"kill", "-TERM"}, live)
	}, ids)
}

func (s *LocalScheduler) Hold(ctx context.Context, ids ...string) error {
	return s.run(ctx, []string{"kill", "-STOP"}, ids)
}

func (s *LocalScheduler) Release(ctx context.Context, ids ...string) error {
	return s.run(ctx, []string{"kill", "-CONT"}, ids)
}

func (s *LocalScheduler) NodeEnvCommands(a resources.Allocation) []string {
	return nodeEnv(a, "", "", "")
}
