package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	ologger "github.com/twitter/offload/common/log"
	"github.com/twitter/offload/common/stats"
	"github.com/twitter/offload/config"
	"github.com/twitter/offload/job"
	"github.com/twitter/offload/jobsdb"
	"github.com/twitter/offload/system"
)

// Client holds what the offloadcl commands share: the flags of the root command
// and the job manager opened from the configuration.
type Client struct {
	RootCmd  *cobra.Command
	LogLevel string
	Stats    bool

	Settings config.Settings
	Manager  *job.Manager
	Stat     stats.StatsReceiver

	ctx    context.Context
	out    io.Writer
	db     *jobsdb.Store
	opened bool
}

// Cmd is one offloadcl subcommand.
type Cmd interface {
	RegisterFlags() *cobra.Command
	Run(cl *Client, cmd *cobra.Command, args []string) error
}

type Option func(*Client)

// WithManager uses m instead of opening the configured job database.
func WithManager(m *job.Manager) Option {
	return func(c *Client) { c.Manager = m }
}

func WithOutput(w io.Writer) Option {
	return func(c *Client) { c.out = w }
}

func WithContext(ctx context.Context) Option {
	return func(c *Client) { c.ctx = ctx }
}

func WithStats(stat stats.StatsReceiver) Option {
	return func(c *Client) { c.Stat = stat }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		ctx:  context.Background(),
		out:  os.Stdout,
		Stat: stats.DefaultStatsReceiver(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.RootCmd = &cobra.Command{
		Use:                "offloadcl",
		Short:              "offloadcl inspects and manages offloaded jobs",
		PersistentPreRunE:  c.Init,
		Run:                func(*cobra.Command, []string) {},
		PersistentPostRunE: c.Close,
		SilenceUsage:       true,
		SilenceErrors:      true,
	}
	c.RootCmd.SetOutput(c.out)
	c.RootCmd.PersistentFlags().StringVar(&c.LogLevel, "log_level", "", "Log everything at this level and above (error|info|debug), defaults to $"+config.EnvLogLevel+" or info")
	c.RootCmd.PersistentFlags().BoolVar(&c.Stats, "stats", false, "Print the counters of this run as JSON when done")

	c.addCmd(&lsCmd{})
	c.addCmd(&rmCmd{})
	c.addCmd(&syncCmd{})
	c.addCmd(&cancelCmd{})
	c.addCmd(&dbUnlockCmd{})
	return c
}

func (c *Client) Exec() error {
	return c.RootCmd.Execute()
}

// SetArgs replaces the process arguments, for running commands in-process.
func (c *Client) SetArgs(args ...string) {
	c.RootCmd.SetArgs(args)
}

// Init configures logging and opens the job manager. Can only be called from a
// cobra command run or hook.
func (c *Client) Init(cmd *cobra.Command, args []string) error {
	settings, err := config.LoadSettings()
	if err != nil {
		return err
	}
	c.Settings = settings

	level := c.LogLevel
	if level == "" {
		level = settings.LogLevel
	}
	if err := ologger.Configure(level, level == "debug"); err != nil {
		log.Error(err)
		return err
	}

	if c.Manager != nil {
		return nil
	}
	return c.open()
}

func (c *Client) open() error {
	cfg, err := config.Load(c.Settings.Root)
	if err != nil {
		return err
	}
	log.Debugf("config dirs %v, stage dir %s", cfg.Dirs, cfg.StageDir)

	if err := os.MkdirAll(cfg.StageDir, 0755); err != nil {
		return err
	}
	dbOpts := []jobsdb.Option{jobsdb.WithLockTimeout(c.Settings.LockTimeout), jobsdb.WithStats(c.Stat)}
	if c.Settings.RedisURL != "" {
		locker, err := jobsdb.NewRedisLocker(c.Settings.RedisURL, cfg.DBPath())
		if err != nil {
			return err
		}
		dbOpts = append(dbOpts, jobsdb.WithLocker(locker))
	}
	db, err := jobsdb.Open(cfg.DBPath(), dbOpts...)
	if err != nil {
		return err
	}

	systems, err := system.FromConfig(cfg, c.Settings, system.WithStats(c.Stat))
	if err != nil {
		db.Close()
		return err
	}
	c.db = db
	c.opened = true
	c.Manager = job.NewManager(db, systems, cfg.StageDir, c.Settings, job.WithStats(c.Stat))
	return nil
}

// Close prints the counters if asked and closes what Init opened. Needs cobra
// parameters for use from RootCmd.
func (c *Client) Close(cmd *cobra.Command, args []string) error {
	if c.Stats {
		fmt.Fprintf(c.out, "%s\n", c.Stat.Render(true))
	}
	if c.opened {
		c.opened = false
		return c.db.Close()
	}
	return nil
}

func (c *Client) addCmd(cmd Cmd) {
	cobraCmd := cmd.RegisterFlags()
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		return cmd.Run(c, innerCmd, args)
	}
	c.RootCmd.AddCommand(cobraCmd)
}
