package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/utility-tariff-monitor/internal/app"
	"github.com/JakeFAU/utility-tariff-monitor/internal/reconcile"
	"github.com/JakeFAU/utility-tariff-monitor/internal/report"
)

// newRunCmd creates the 'run' subcommand: one reconciliation over every seed.
func newRunCmd() *cobra.Command {
	var (
		seeds  []string
		format string
		strict bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile every configured seed once and print the report",
		Long: `Discovers candidate links on each seed page, selects the tariff document,
checks it against the ledger and prints a per-utility report. Seeds given
with --seed replace the configured ones.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !report.ValidFormat(format) {
				return fmt.Errorf("unknown format %q", format)
			}
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			cfg := rt.cfg
			if len(seeds) > 0 {
				cfg.Seeds = cfg.Seeds[:0:0]
				for _, s := range seeds {
					cfg.Seeds = append(cfg.Seeds, reconcile.Seed{URL: s})
				}
			}
			if err := cfg.ValidateRun(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			a, err := app.New(cmd.Context(), cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer func() {
				if cerr := a.Close(); cerr != nil {
					rt.logger.Warn("closing services failed", zap.Error(cerr))
				}
			}()

			run := a.Run(cmd.Context())
			if err := report.Render(cmd.OutOrStdout(), run, format); err != nil {
				return fmt.Errorf("render report: %w", err)
			}
			if !strict {
				return nil
			}
			failed := 0
			for _, u := range run.Utilities {
				if u.Status != reconcile.StatusOK {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("run %s finished with errors in %d of %d utilities", run.RunID, failed, len(run.Utilities))
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&seeds, "seed", nil, "seed page URL (repeatable)")
	cmd.Flags().StringVarP(&format, "format", "f", report.FormatText, "output format: text or json")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when any candidate or utility failed")
	return cmd
}
