package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rawblock/btn-analyzer/internal/config"
	"github.com/rawblock/btn-analyzer/internal/heuristics"
	"github.com/rawblock/btn-analyzer/internal/ingest"
	"github.com/rawblock/btn-analyzer/internal/ledger"
)

func (a *app) traceCmd() *cobra.Command {
	var (
		maxHops       int
		minValue      int64
		minConfidence float64
	)
	cmd := &cobra.Command{
		Use:   "trace <file> <address>",
		Short: "Follow an address's funds downstream through a dataset",
		Long: `Replay the dataset and follow value leaving the address hop by hop.
Limits default to the trace section of the config.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := replayFile(args[0])
			if err != nil {
				return err
			}

			tc := a.cfg.Trace
			if cmd.Flags().Changed("max-hops") {
				tc.MaxHops = maxHops
			}
			if cmd.Flags().Changed("min-value") {
				tc.MinValue = minValue
			}
			if cmd.Flags().Changed("min-confidence") {
				tc.MinConfidence = minConfidence
			}
			if err := config.ValidateTrace(tc); err != nil {
				return err
			}

			graph := heuristics.TraceFunds(l, []string{args[1]}, tc)
			if a.asJSON {
				return writeJSON(cmd.OutOrStdout(), graph)
			}
			return writeTrace(cmd.OutOrStdout(), graph)
		},
	}
	cmd.Flags().IntVar(&maxHops, "max-hops", 0, "maximum hop depth")
	cmd.Flags().Int64Var(&minValue, "min-value", 0, "ignore outputs below this many sats")
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", 0, "stop following paths below this confidence")
	return cmd
}

func (a *app) activityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activity <file> <address>",
		Short: "List the transactions of a dataset that touch an address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := replayFile(args[0])
			if err != nil {
				return err
			}
			records := l.Activity(args[1])
			if len(records) == 0 {
				return fmt.Errorf("address %s does not appear in %s", args[1], args[0])
			}
			if a.asJSON {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			return writeActivity(cmd.OutOrStdout(), args[1], records)
		},
	}
}

func replayFile(path string) (*ledger.Ledger, error) {
	dataset, err := ingest.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ledger.Replay(dataset.Transactions), nil
}
