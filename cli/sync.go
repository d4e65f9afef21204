package cli

/**
implements the command line entry for the sync command
*/

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/twitter/offload/jobsdb"
)

const defaultConfirmDelay = 30 * time.Second

type syncCmd struct {
	sel          selection
	confirmDelay time.Duration
}

func (c *syncCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "sync [name pattern...]",
		Short: "Update active jobs from their schedulers",
	}
	r.Flags().StringSliceVar(&c.sel.ids, "id", nil, "Job id pattern, may repeat")
	r.Flags().StringVar(&c.sel.system, "system", "", "Only jobs of this system")
	r.Flags().DurationVar(&c.confirmDelay, "confirm_delay", defaultConfirmDelay,
		"Wait this long before checking again jobs that vanished without output, 0 skips the check")
	return r
}

func (c *syncCmd) Run(cl *Client, cmd *cobra.Command, args []string) error {
	f, err := c.sel.filter(args)
	if err != nil {
		return err
	}
	if err := cl.Manager.Sync(cl.ctx, f); err != nil {
		return err
	}

	// Output may still be on its way to the shared filesystem; a second look
	// decides between done and died.
	if suspects := cl.Manager.Suspects(); len(suspects) > 0 && c.confirmDelay > 0 {
		log.Infof("%d job(s) gone without output, checking again in %s", len(suspects), c.confirmDelay)
		select {
		case <-cl.ctx.Done():
			return errors.Wrap(cl.ctx.Err(), "waiting to confirm vanished jobs")
		case <-time.After(c.confirmDelay):
		}
		if err := cl.Manager.Sync(cl.ctx, jobsdb.Filter{IDs: exactIDs(suspects)}); err != nil {
			return err
		}
	}

	jobs, err := cl.Manager.Jobs(cl.ctx, f)
	if err != nil {
		return err
	}
	counts := map[jobsdb.Status]int{}
	for _, j := range jobs {
		counts[j.Status()]++
	}
	for _, s := range jobsdb.AllStatuses {
		if n := counts[s]; n > 0 {
			fmt.Fprintf(cl.out, "%s: %d\n", s, n)
		}
	}
	return nil
}
