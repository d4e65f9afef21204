package cli

/**
implements the command line entry for the db_unlock command
*/

import (
	"fmt"

	"github.com/spf13/cobra"
)

type dbUnlockCmd struct{}

func (c *dbUnlockCmd) RegisterFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "db_unlock",
		Short: "Break the job database lock left by a dead process",
	}
}

func (c *dbUnlockCmd) Run(cl *Client, cmd *cobra.Command, args []string) error {
	info, err := cl.Manager.DB().Unlock(cl.ctx)
	if err != nil {
		return err
	}
	if info == nil {
		fmt.Fprintln(cl.out, "not locked")
		return nil
	}
	fmt.Fprintf(cl.out, "unlocked, was held by %s\n", info)
	return nil
}
