package cli

import (
	"regexp"

	oerrors "github.com/twitter/offload/common/errors"
	"github.com/twitter/offload/job"
	"github.com/twitter/offload/jobsdb"
)

// selection holds the flags that pick jobs; positional args are name patterns.
type selection struct {
	ids    []string
	status string
	system string
}

func (s *selection) filter(names []string) (jobsdb.Filter, error) {
	f := jobsdb.Filter{IDs: s.ids, Names: names, System: s.system}
	if s.status != "" {
		m, err := jobsdb.ParseMask(s.status)
		if err != nil {
			return f, err
		}
		f.Status = m
	}
	return f, nil
}

// exactIDs makes literal ids usable as filter patterns.
func exactIDs(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = regexp.QuoteMeta(id)
	}
	return out
}

// jobsByID loads the jobs named by args, failing on the first unknown id.
func (c *Client) jobsByID(args []string) ([]*job.Job, error) {
	if len(args) == 0 {
		return nil, oerrors.NewValidationError("at least one job id is required")
	}
	var jobs []*job.Job
	for _, id := range args {
		j, err := c.Manager.Job(c.ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
