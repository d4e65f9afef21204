package cli

/**
implements the command line entry for the rm command
*/

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/twitter/offload/job"
)

type rmCmd struct {
	clean bool
	wipe  bool
	force bool
}

func (c *rmCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "rm <job id>...",
		Short: "Remove finished jobs from the database",
	}
	r.Flags().BoolVar(&c.clean, "clean", false, "Also clean the stage dir and the remote job dir")
	r.Flags().BoolVar(&c.wipe, "wipe", false, "Delete the job dirs instead of blanking the payload files, implies --clean")
	r.Flags().BoolVarP(&c.force, "force", "f", false, "Cancel active jobs first")
	return r
}

func (c *rmCmd) Run(cl *Client, cmd *cobra.Command, args []string) error {
	jobs, err := cl.jobsByID(args)
	if err != nil {
		return err
	}
	var first error
	for _, j := range jobs {
		if err := c.remove(cl, j); err != nil {
			log.Errorf("removing %s: %v", j.ID(), err)
			if first == nil {
				first = err
			}
			continue
		}
		fmt.Fprintf(cl.out, "removed %s\n", j.ID())
	}
	return first
}

func (c *rmCmd) remove(cl *Client, j *job.Job) error {
	if c.clean || c.wipe {
		return j.Clean(cl.ctx, job.CleanOptions{Wipe: c.wipe, Force: c.force})
	}
	if c.force && j.Status().IsActive() {
		if err := j.Cancel(cl.ctx); err != nil {
			return err
		}
	}
	return cl.Manager.DB().Remove(cl.ctx, j.ID())
}
