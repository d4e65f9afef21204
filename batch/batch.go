// Package batch drives the batch systems jobs are submitted to. Each Scheduler
// renders a job script with the system's header conventions, submits it from the
// job's remote run dir, and maps the system's job states onto jobsdb statuses.
package batch

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	oerrors "github.com/twitter/offload/common/errors"
	"github.com/twitter/offload/common/units"
	"github.com/twitter/offload/jobsdb"
	"github.com/twitter/offload/remote"
	"github.com/twitter/offload/resources"
)

type Scheduler interface {
	Name() string
	// Submit writes the script into its RemoteDir, submits it, and returns the
	// scheduler's id for the job.
	Submit(ctx context.Context, s Script) (string, error)
	// Status queries all ids at once. Ids the scheduler does not report are Died.
	Status(ctx context.Context, remoteIDs ...string) (map[string]jobsdb.Status, error)
	// Lookup returns the scheduler's id for the queued or running job submitted
	// under the script id, or "" when there is none.
	Lookup(ctx context.Context, id string) (string, error)
	// Cancel is a no-op for ids the scheduler no longer has active.
	Cancel(ctx context.Context, remoteIDs ...string) error
	Hold(ctx context.Context, remoteIDs ...string) error
	Release(ctx context.Context, remoteIDs ...string) error
	// NodeEnvCommands export OFFLOAD_NUM_NODES, OFFLOAD_NUM_CORES and
	// OFFLOAD_NUM_CORES_PER_NODE inside the job.
	NodeEnvCommands(alloc resources.Allocation) []string
}

const (
	Local = "local"
	Slurm = "slurm"
	SGE   = "sge"
	PBS   = "pbs"
)

const DefaultScriptExec = "/bin/bash"

// Script is one job to submit.
type Script struct {
	ID         string
	RemoteDir  string
	Allocation resources.Allocation
	// Header lines appended to the defaults, in order: system, node class, job.
	Header          []string
	NoDefaultHeader bool
	Commands        []string
	// Exec is the interpreter for the #! line, DefaultScriptExec if empty.
	Exec          string
	PreSubmitCmds []string
}

func ScriptFile(id string) string { return "job." + id + ".sh" }
func StdoutFile(id string) string { return "job." + id + ".stdout" }
func StderrFile(id string) string { return "job." + id + ".stderr" }

type Options struct {
	// IgnoreEnv unsets the batch system's variables inherited by the submitting
	// shell, for submitting from inside another job.
	IgnoreEnv bool
}

// New returns the Scheduler of the given kind issuing its commands through shell.
func New(kind string, shell remote.Runner, opts Options) (Scheduler, error) {
	c := common{shell: shell, ignoreEnv: opts.IgnoreEnv}
	switch strings.ToLower(kind) {
	case Local:
		return &LocalScheduler{c}, nil
	case Slurm:
		return &SlurmScheduler{c}, nil
	case SGE:
		return &SGEScheduler{c}, nil
	case PBS:
		return &PBSScheduler{c}, nil
	}
	return nil, oerrors.NewValidationError("unknown scheduler %q, want one of %s, %s, %s, %s", kind, Local, Slurm, SGE, PBS)
}

// Substitutions fills the header placeholders for a job. {max_mem} is per node in
// the given format and empty when no memory was requested.
func Substitutions(s Script, memFormat func(kb int64) string) *strings.Replacer {
	a := s.Allocation
	mem := ""
	if a.MaxMemPerNode > 0 {
		mem = memFormat(a.MaxMemPerNode)
	}
	return strings.NewReplacer(
		"{id}", s.ID,
		"{partition}", a.Partition,
		"{num_nodes}", strconv.Itoa(a.NumNodes),
		"{num_cores}", strconv.Itoa(a.NumCores),
		"{num_cores_per_node}", strconv.Itoa(a.NumCoresPerNode),
		"{max_time}", units.SecToHMS(a.MaxTime),
		"{max_time_sec}", strconv.FormatInt(a.MaxTime, 10),
		"{max_mem}", mem,
		"{stdout}", StdoutFile(s.ID),
		"{stderr}", StderrFile(s.ID),
	)
}

// render builds the script text: #! line, header (defaults unless suppressed,
// then the script's own lines, placeholders filled), preamble, node environment
// and commands. Header lines using {max_mem} are dropped when no memory was
// requested.
func render(s Script, defaults []string, memFormat func(int64) string, preamble, nodeEnv []string) string {
	exec := s.Exec
	if exec == "" {
		exec = DefaultScriptExec
	}
	lines := []string{"#!" + exec}

	header := s.Header
	if !s.NoDefaultHeader {
		header = append(append([]string{}, defaults...), s.Header...)
	}
	subst := Substitutions(s, memFormat)
	for _, h := range header {
		if s.Allocation.MaxMemPerNode == 0 && strings.Contains(h, "{max_mem}") {
			continue
		}
		lines = append(lines, subst.Replace(h))
	}
	lines = append(lines, preamble...)
	lines = append(lines, nodeEnv...)
	lines = append(lines, s.Commands...)
	return strings.Join(lines, "\n") + "\n"
}

// common carries what every scheduler needs: the shell its commands go through.
type common struct {
	shell     remote.Runner
	ignoreEnv bool
}

// writeScript puts the rendered script into the job's remote dir.
func (c common) writeScript(ctx context.Context, s Script, text string) error {
	_, err := c.shell.Run(ctx, remote.Command{
		Line:  "cat > " + remote.Quote(ScriptFile(s.ID)),
		Stdin: text,
		Dir:   s.RemoteDir,
	})
	return err
}

// submitLine chains the environment cleanup, the pre-submit commands and submit.
func (c common) submitLine(s Script, envPrefix, submit string) string {
	var parts []string
	if c.ignoreEnv && envPrefix != "" {
		parts = append(parts, fmt.Sprintf(`unset $(env | sed -n 's/^\(%s_[A-Za-z0-9_]*\)=.*/\1/p')`, envPrefix))
	}
	parts = append(parts, s.PreSubmitCmds...)
	parts = append(parts, submit+" "+remote.Quote(ScriptFile(s.ID)))
	return strings.Join(parts, " && ")
}

// submit writes and submits the script and extracts the id with idRe's first group.
func (c common) submit(ctx context.Context, s Script, text, line string, idRe *regexp.Regexp) (string, error) {
	if s.ID == "" || s.RemoteDir == "" {
		return "", oerrors.NewValidationError("script needs an id and a remote dir")
	}
	if err := c.writeScript(ctx, s, text); err != nil {
		return "", oerrors.NewSubmissionError(s.ID, errors.Wrap(err, "writing job script"))
	}
	res, err := c.shell.Run(ctx, remote.Command{Line: line, Dir: s.RemoteDir})
	if err != nil {
		return "", oerrors.NewSubmissionError(s.ID, err)
	}
	m := idRe.FindStringSubmatch(res.Stdout)
	if m == nil {
		return "", oerrors.NewSubmissionError(s.ID, errors.Errorf("no job id in submit output %q (stderr %q)",
			strings.TrimSpace(res.Stdout), strings.TrimSpace(res.Stderr)))
	}
	log.Infof("submitted %s as %s", s.ID, m[1])
	return m[1], nil
}

// firstMatch returns group 1 of re's first match in out, "" if none.
func firstMatch(re *regexp.Regexp, out string) string {
	if m := re.FindStringSubmatch(out); m != nil {
		return m[1]
	}
	return ""
}

func (c common) run(ctx context.Context, args []string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.shell.Run(ctx, remote.Command{Args: append(append([]string{}, args...), ids...)})
	return err
}

// cancelActive issues cancel for the ids the scheduler still has active. If the
// command fails, ids that finished in the meantime are not an error.
func cancelActive(ctx context.Context, sch Scheduler, cancel func(ids []string) error, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	live, err := activeIDs(ctx, sch, ids)
	if err != nil {
		return err
	}
	if len(live) == 0 {
		log.Infof("%s: nothing to cancel among %v", sch.Name(), ids)
		return nil
	}
	if err := cancel(live); err != nil {
		still, serr := activeIDs(ctx, sch, live)
		if serr == nil && len(still) == 0 {
			return nil
		}
		return err
	}
	return nil
}

func activeIDs(ctx context.Context, sch Scheduler, ids []string) ([]string, error) {
	st, err := sch.Status(ctx, ids...)
	if err != nil {
		return nil, err
	}
	var live []string
	for _, id := range ids {
		if st[id].IsActive() {
			live = append(live, id)
		}
	}
	return live, nil
}

// statusMap fills Died for every id not in found.
func statusMap(ids []string, found map[string]jobsdb.Status) map[string]jobsdb.Status {
	out := make(map[string]jobsdb.Status, len(ids))
	for _, id := range ids {
		if st, ok := found[id]; ok {
			out[id] = st
		} else {
			out[id] = jobsdb.Died
		}
	}
	return out
}

// nodeEnv exports the counts from the batch system's variables where it sets
// them, the allocation otherwise. Exactly one of nodesVar/coresVar may be empty;
// the missing count is derived from the other two.
func nodeEnv(a resources.Allocation, nodesVar, coresVar, perNodeVar string) []string {
	val := func(v string, fallback int) string {
		if v == "" {
			return strconv.Itoa(fallback)
		}
		return fmt.Sprintf("${%s:-%d}", v, fallback)
	}
	if coresVar == "" {
		return []string{
			"export OFFLOAD_NUM_NODES=" + val(nodesVar, a.NumNodes),
			"export OFFLOAD_NUM_CORES_PER_NODE=" + val(perNodeVar, a.NumCoresPerNode),
			"export OFFLOAD_NUM_CORES=$(( OFFLOAD_NUM_NODES * OFFLOAD_NUM_CORES_PER_NODE ))",
		}
	}
	return []string{
		"export OFFLOAD_NUM_NODES=" + val(nodesVar, a.NumNodes),
		"export OFFLOAD_NUM_CORES=" + val(coresVar, a.NumCores),
		"export OFFLOAD_NUM_CORES_PER_NODE=$(( OFFLOAD_NUM_CORES / OFFLOAD_NUM_NODES ))",
	}
}
