package main

import (
	"fmt"
	"io"
	"log"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/rawblock/btn-analyzer/internal/heuristics"
	"github.com/rawblock/btn-analyzer/internal/ingest"
	"github.com/rawblock/btn-analyzer/internal/scanner"
)

func (a *app) analyzeCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "analyze <file>",
		Short: "Run a full analysis over a JSON or CSV dataset",
		Long: `Replay the dataset, detect patterns, cluster addresses, correlate the
results with stored history and persist the run as a new snapshot.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]
			if source == "" {
				source = path
			}

			dataset, err := ingest.ReadFile(path)
			if err != nil {
				return err
			}
			for _, w := range dataset.Warnings {
				log.Printf("[CLI] Skipped row %d: %s", w.Row, w.Reason)
			}

			cache, closeStore, err := a.openCache(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			opts := []scanner.Option{scanner.WithWatchlist(heuristics.NewWatchlist(a.cfg.Watchlist...))}
			var bar *progressbar.ProgressBar
			if !a.quiet {
				bar = newStageBar(cmd.ErrOrStderr())
				opts = append(opts, scanner.WithStageHook(func(p scanner.Progress) {
					bar.Describe("[cyan]" + p.Stage + "[reset]")
					_ = bar.Set(p.StagesDone)
				}))
			}

			runner := scanner.NewRunner(cache, a.cfg.Detection, opts...)
			report, err := runner.Run(ctx, source, dataset.Transactions)
			if err != nil {
				return fmt.Errorf("analysis of %s aborted: %w", path, err)
			}
			if bar != nil {
				_ = bar.Finish()
			}

			if a.asJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			return writeReport(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "dataset identifier stored with the snapshot (default: the file path)")
	return cmd
}

func newStageBar(w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions(scanner.StagesTotal(),
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetDescription("[cyan]starting[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(w)
		}),
	)
}
