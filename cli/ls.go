package cli

/**
implements the command line entry for the ls command
*/

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"
)

type lsCmd struct {
	sel  selection
	long bool
	dump bool
}

func (c *lsCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "ls [name pattern...]",
		Short: "List jobs, optionally filtered",
	}
	r.Flags().StringSliceVar(&c.sel.ids, "id", nil, "Job id pattern, may repeat")
	r.Flags().StringVar(&c.sel.status, "status", "", "Comma separated statuses, or active|terminal")
	r.Flags().StringVar(&c.sel.system, "system", "", "Only jobs of this system")
	r.Flags().BoolVarP(&c.long, "long", "l", false, "Show remote id, rundir and times")
	r.Flags().BoolVar(&c.dump, "dump", false, "Dump the full records")
	return r
}

func (c *lsCmd) Run(cl *Client, cmd *cobra.Command, args []string) error {
	f, err := c.sel.filter(args)
	if err != nil {
		return err
	}
	jobs, err := cl.Manager.Jobs(cl.ctx, f)
	if err != nil {
		return err
	}

	if c.dump {
		for _, j := range jobs {
			spew.Fdump(cl.out, j.Record())
		}
		return nil
	}

	w := tabwriter.NewWriter(cl.out, 0, 4, 2, ' ', 0)
	if c.long {
		fmt.Fprintln(w, "ID\tSTATUS\tSYSTEM\tREMOTE ID\tNODES\tCORES\tREMOTE RUNDIR\tCREATED\tCHECKED")
	} else {
		fmt.Fprintln(w, "ID\tSTATUS\tSYSTEM")
	}
	for _, j := range jobs {
		rec := j.Record()
		status := rec.Status.String()
		if rec.Processed {
			status += "*"
		}
		if !c.long {
			fmt.Fprintf(w, "%s\t%s\t%s\n", rec.ID, status, rec.System)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n", rec.ID, status, rec.System,
			orDash(rec.RemoteID), rec.Resources.NumNodes, rec.Resources.NumCores, orDash(rec.RemoteRundir),
			stamp(rec.CreatedAt), stamp(rec.CheckedAt))
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
