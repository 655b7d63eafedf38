// Command btnctl runs analyses and queries snapshot history from the
// command line, against the same storage the engine service uses.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rawblock/btn-analyzer/internal/config"
	"github.com/rawblock/btn-analyzer/internal/db"
	"github.com/rawblock/btn-analyzer/internal/snapshot"
)

var version = "dev"

// app is the state shared by every subcommand.
type app struct {
	cfgFile string
	asJSON  bool
	quiet   bool
	cfg     config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "btnctl",
		Short: "Transaction network pattern analysis",
		Long: `btnctl replays transaction datasets, detects suspicious address patterns,
clusters addresses by common input ownership and correlates every run
against stored snapshots of earlier runs.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", os.Getenv("BTN_CONFIG"), "config file (YAML)")
	pf.String("storage-driver", "", "snapshot storage: file, bolt or postgres")
	pf.String("storage-path", "", "snapshot directory (file) or database file (bolt)")
	pf.BoolVar(&a.asJSON, "json", false, "print results as JSON")
	pf.BoolVar(&a.quiet, "quiet", false, "hide progress output")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return a.initConfig(cmd.Flags())
	}

	root.AddCommand(a.analyzeCmd())
	root.AddCommand(a.evolveCmd())
	root.AddCommand(a.similarCmd())
	root.AddCommand(a.clusterCmd())
	root.AddCommand(a.traceCmd())
	root.AddCommand(a.activityCmd())
	root.AddCommand(a.snapshotsCmd())
	root.AddCommand(versionCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a *app) initConfig(flags *pflag.FlagSet) error {
	cfg, err := config.LoadWithFlags(a.cfgFile, map[string]*pflag.Flag{
		"storage.driver": flags.Lookup("storage-driver"),
		"storage.path":   flags.Lookup("storage-path"),
	})
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// openCache opens the configured store and loads every snapshot. The
// returned closer releases the store.
func (a *app) openCache(ctx context.Context) (*snapshot.Cache, func(), error) {
	store, err := db.Open(ctx, a.cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("open snapshot storage: %w", err)
	}
	cache := snapshot.NewCache(store)
	if err := cache.Load(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("load snapshots: %w", err)
	}
	return cache, func() { store.Close() }, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "btnctl %s\n", version)
		},
	}
}
