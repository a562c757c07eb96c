// Command journalctl inspects and maintains mailbox journal data directories.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/INLOpen/mailjournal/config"
	"github.com/INLOpen/mailjournal/hooks"
	"github.com/INLOpen/mailjournal/hooks/listeners"
	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// cli carries the state shared by every subcommand once the persistent
// pre-run has loaded the configuration.
type cli struct {
	configPath string
	provider   string
	dataDir    string
	alertOver  int

	cfg       *config.Config
	logger    *slog.Logger
	hooks     hooks.HookManager
	logCloser io.Closer
	shutdown  func()
}

func newRootCmd() (*cobra.Command, *cli) {
	c := &cli{}
	rootCmd := &cobra.Command{
		Use:   "journalctl",
		Short: "Inspect and maintain mailbox journals",
		Long: `journalctl reads the journals an actor runtime keeps for its mailboxes.

It lists journals, dumps the calls they would replay, reports their size,
verifies every record and reclaims space left by completed saves.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "config.yaml", "Path to the configuration file")
	flags.StringVar(&c.provider, "provider", "", "Journal provider to open: wal, pebble or badger (overrides config)")
	flags.StringVar(&c.dataDir, "data-dir", "", "Data directory of the selected provider (overrides config)")
	flags.IntVar(&c.alertOver, "alert-over", 10000, "Warn when a dumped journal replays more items than this")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "journalctl v%s (%s)\n", version, commit)
		},
	})
	rootCmd.AddCommand(
		c.listCmd(),
		c.dumpCmd(),
		c.statsCmd(),
		c.verifyCmd(),
		c.compactCmd(),
	)
	return rootCmd, c
}

// execute runs journalctl with args, writing command output to out.
func execute(args []string, out io.Writer) error {
	rootCmd, c := newRootCmd()
	defer c.teardown()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(out)
	return rootCmd.Execute()
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		return err
	}
	if c.provider != "" {
		cfg.Journal.Provider = c.provider
	}
	if c.dataDir != "" {
		switch cfg.Journal.Provider {
		case "pebble":
			cfg.Pebble.Dir = c.dataDir
		case "badger":
			cfg.Badger.Dir = c.dataDir
		default:
			cfg.WAL.Dir = c.dataDir
		}
	}
	c.cfg = cfg

	logger, closer, err := createLogger(cfg.Logging)
	if err != nil {
		return err
	}
	c.logger, c.logCloser = logger, closer

	_, shutdown, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		return err
	}
	c.shutdown = shutdown

	c.hooks = hooks.NewHookManager(logger)
	c.hooks.Register(hooks.EventPostJournalReplay, listeners.NewReplayAlerterListener(logger, c.alertOver))
	return nil
}

func (c *cli) teardown() {
	if c.hooks != nil {
		c.hooks.Stop()
	}
	if c.shutdown != nil {
		c.shutdown()
	}
	if c.logCloser != nil {
		_ = c.logCloser.Close()
	}
}

func main() {
	if err := execute(os.Args[1:], os.Stdout); err != nil {
		os.Exit(1)
	}
}
