package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/utility-tariff-monitor/internal/app"
	"github.com/JakeFAU/utility-tariff-monitor/internal/ledger"
	"github.com/JakeFAU/utility-tariff-monitor/internal/report"
	"github.com/JakeFAU/utility-tariff-monitor/internal/tariff"
)

// newDocumentsCmd creates the 'documents' subcommand that lists ledger rows.
func newDocumentsCmd() *cobra.Command {
	var (
		utility string
		status  string
		format  string
	)
	cmd := &cobra.Command{
		Use:   "documents",
		Short: "List tracked documents from the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !report.ValidFormat(format) {
				return fmt.Errorf("unknown format %q", format)
			}
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			led, err := app.OpenLedger(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := led.Close(); cerr != nil {
					rt.logger.Warn("closing ledger failed", zap.Error(cerr))
				}
			}()

			docs, err := led.List(cmd.Context(), ledger.Filter{
				Utility: utility,
				Status:  tariff.Status(strings.ToUpper(status)),
			})
			if err != nil {
				return fmt.Errorf("list documents: %w", err)
			}
			return report.RenderDocuments(cmd.OutOrStdout(), docs, format)
		},
	}
	cmd.Flags().StringVar(&utility, "utility", "", "only this utility")
	cmd.Flags().StringVar(&status, "status", "", "ACTIVE or OBSOLETE")
	cmd.Flags().StringVarP(&format, "format", "f", report.FormatText, "output format: text or json")
	return cmd
}
