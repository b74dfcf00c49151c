package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/driftware/paddock/pkg/config"
	"github.com/driftware/paddock/pkg/demand"
	"github.com/driftware/paddock/pkg/journal"
	"github.com/driftware/paddock/pkg/log"
	"github.com/driftware/paddock/pkg/loop"
	"github.com/driftware/paddock/pkg/metrics"
	"github.com/driftware/paddock/pkg/provider"
	"github.com/driftware/paddock/pkg/store"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "paddock",
	Short: "Paddock - autoscaling control plane for ephemeral GPU workers",
	Long: `Paddock keeps a fleet of cloud GPU workers sized to the task queue.

Each cycle it observes the worker registry, the task store, and the
provider, decides a target fleet size, then spawns, promotes, or
terminates workers to match. All state lives in the datastore; the
process itself can be restarted at any time.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Paddock version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cycleCmd)
	rootCmd.AddCommand(historyCmd)
}

// buildLoop wires the control loop from the environment.
func buildLoop(ctx context.Context, cfg *config.Config, withJournal bool) (*loop.ControlLoop, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	st, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to datastore: %w", err)
	}

	pc := provider.NewRESTClient(cfg.ProviderAPIURL, cfg.ProviderAPIKey, cfg.CallTimeout)
	oracle := demand.NewOracle(cfg.DemandOracleURL, cfg.DemandOracleToken, cfg.CallTimeout, st)

	var jr *journal.Journal
	if withJournal && cfg.JournalPath != "" {
		jr, err = journal.Open(cfg.JournalPath)
		if err != nil {
			st.Close()
			return nil, nil, err
		}
	}

	cleanup := func() {
		if jr != nil {
			jr.Close()
		}
		st.Close()
	}
	return loop.New(st, pc, oracle, jr, cfg), cleanup, nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	return cfg, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the control loop until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cl, cleanup, err := buildLoop(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer cleanup()

		srv := metrics.StartServer(cfg.MetricsAddr)
		defer srv.Close()

		if err := cl.Run(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run exactly one control cycle and print its record",
	Long: `Run one observe-decide-act cycle against the live datastore and
provider, print the resulting cycle record as JSON, and exit. Useful
for debugging policy behavior and for cron-style operation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cl, cleanup, err := buildLoop(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer cleanup()

		rec, err := cl.RunCycle(ctx)
		if rec != nil {
			out, merr := json.MarshalIndent(rec, "", "  ")
			if merr == nil {
				fmt.Println(string(out))
			}
		}
		return err
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print recent cycle records from the local journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		jr, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer jr.Close()

		recs, err := jr.List(limit)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("journal is empty")
			return nil
		}
		for _, rec := range recs {
			out, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			fmt.Println(string(out))
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum records to print")
}
