package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rawblock/btn-analyzer/internal/correlation"
	"github.com/rawblock/btn-analyzer/internal/heuristics"
	"github.com/rawblock/btn-analyzer/internal/ingest"
	"github.com/rawblock/btn-analyzer/internal/ledger"
)

func (a *app) evolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evolve <address>",
		Short: "Summarize how an address's detections changed across snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, closeStore, err := a.openCache(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			addr := args[0]
			summary, ok := correlation.Evolve(addr, cache.History(addr))
			if !ok {
				return fmt.Errorf("no stored detections for %s", addr)
			}
			if a.asJSON {
				return writeJSON(cmd.OutOrStdout(), summary)
			}
			return writeEvolution(cmd.OutOrStdout(), summary)
		},
	}
}

func (a *app) similarCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "similar <txid>",
		Short: "Rank stored matches resembling the detections on a transaction",
		Long: `Detect patterns in --file without persisting anything, take the first
match that references <txid> and rank same-kind matches from every
stored snapshot against it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			txid := args[0]
			dataset, err := ingest.ReadFile(file)
			if err != nil {
				return err
			}
			cache, closeStore, err := a.openCache(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			now := time.Now().UTC()
			current := heuristics.Detect(ledger.Replay(dataset.Transactions), a.cfg.Detection, now)
			results, found := correlation.SimilarTo(txid, current, cache.Snapshots(), now)
			if !found {
				return fmt.Errorf("no detection in %s references transaction %s", file, txid)
			}
			if a.asJSON {
				return writeJSON(cmd.OutOrStdout(), results)
			}
			return writeSimilar(cmd.OutOrStdout(), txid, results)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "dataset containing the transaction")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (a *app) clusterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cluster <file> <address>",
		Short: "Show the common-input-ownership cluster of an address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataset, err := ingest.ReadFile(args[0])
			if err != nil {
				return err
			}
			// Cluster only what the ledger accepts, as an analysis run does.
			ce := heuristics.BuildClusters(ledger.Replay(dataset.Transactions).Transactions())
			addr := args[1]
			stats := heuristics.SingletonStats(addr)
			if ce.Contains(addr) {
				stats = ce.GetStats(addr)
			}
			if a.asJSON {
				return writeJSON(cmd.OutOrStdout(), stats)
			}
			return writeCluster(cmd.OutOrStdout(), addr, stats)
		},
	}
}

func (a *app) snapshotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots",
		Short: "List stored snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cache, closeStore, err := a.openCache(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			snaps := cache.Snapshots()
			if a.asJSON {
				return writeJSON(cmd.OutOrStdout(), snaps)
			}
			return writeSnapshots(cmd.OutOrStdout(), snaps, cache.Skipped())
		},
	}
}
