package cli

/**
implements the command line entry for the cancel command
*/

import (
	"fmt"

	"github.com/spf13/cobra"
)

type cancelCmd struct{}

func (c *cancelCmd) RegisterFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job id>...",
		Short: "Cancel jobs on their scheduler",
	}
}

func (c *cancelCmd) Run(cl *Client, cmd *cobra.Command, args []string) error {
	jobs, err := cl.jobsByID(args)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if err := j.Cancel(cl.ctx); err != nil {
			return err
		}
		fmt.Fprintf(cl.out, "%s %s\n", j.ID(), j.Status())
	}
	return nil
}
