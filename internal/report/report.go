// Package report renders run results and ledger listings for humans or machines.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/JakeFAU/utility-tariff-monitor/internal/reconcile"
	"github.com/JakeFAU/utility-tariff-monitor/internal/tariff"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

const maxCell = 60

// ValidFormat reports whether f names a supported format.
func ValidFormat(f string) bool {
	return f == FormatText || f == FormatJSON
}

// Render writes a run report in the requested format.
func Render(out io.Writer, run reconcile.RunReport, format string) error {
	switch format {
	case FormatJSON:
		return writeJSON(out, run)
	case FormatText, "":
		return renderRunText(out, run)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

// RenderDocuments writes ledger rows in the requested format.
func RenderDocuments(out io.Writer, docs []tariff.TrackedDocument, format string) error {
	switch format {
	case FormatJSON:
		if docs == nil {
			docs = []tariff.TrackedDocument{}
		}
		return writeJSON(out, docs)
	case FormatText, "":
		return renderDocumentsText(out, docs)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

func renderRunText(out io.Writer, run reconcile.RunReport) error {
	totals := run.Totals()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", orDash(run.RunID))
	_, _ = fmt.Fprintf(w, "Started:\t%s\n", run.StartedAt.Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", run.Duration().Round(time.Millisecond))
	_, _ = fmt.Fprintf(w, "Totals:\tadded=%d updated=%d unchanged=%d skipped=%d errors=%d\n",
		totals.Added, totals.Updated, totals.Unchanged, totals.Skipped, totals.Errors)
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintln(w, "UTILITY\tSTATUS\tFOUND\tSELECTED\tADDED\tUPDATED\tUNCHANGED\tSKIPPED\tERRORS\tRETIRED")
	_, _ = fmt.Fprintln(w, "-------\t------\t-----\t--------\t-----\t-------\t---------\t-------\t------\t-------")
	for _, u := range run.Utilities {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			cell(u.UtilityName), u.Status, u.CandidatesFound, len(u.Selections),
			u.Added, u.Updated, u.Unchanged, u.Skipped, u.Errors, u.Retired)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush report: %w", err)
	}

	for _, u := range run.Utilities {
		_, _ = fmt.Fprintf(out, "\n%s (%s)\n", u.UtilityName, u.SeedURL)
		if u.Error != "" {
			_, _ = fmt.Fprintf(out, "  %s error: %s\n", u.ErrorKind, u.Error)
		}
		if u.SelectionRationale != "" && u.Error == "" {
			_, _ = fmt.Fprintf(out, "  rationale: %s\n", u.SelectionRationale)
		}
		cw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, c := range u.Candidates {
			detail := c.Decision
			if c.Outcome == tariff.OutcomeError {
				detail = c.ErrorKind + ": " + c.Error
			}
			_, _ = fmt.Fprintf(cw, "  %s\t%s\t%s\n", c.Outcome, cell(c.URL), cell(detail))
		}
		if err := cw.Flush(); err != nil {
			return fmt.Errorf("flush report: %w", err)
		}
	}
	return nil
}

func renderDocumentsText(out io.Writer, docs []tariff.TrackedDocument) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tUTILITY\tSTATUS\tDOCUMENT\tHASH\tEFFECTIVE\tLAST_CHECKED")
	_, _ = fmt.Fprintln(w, "--\t-------\t------\t--------\t----\t---------\t------------")
	for _, d := range docs {
		effective := "-"
		if d.TariffEffectiveAt != nil {
			effective = d.TariffEffectiveAt.Format("2006-01-02")
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, cell(d.UtilityName), d.Status, cell(d.DocumentName), shortHash(d.ContentHash),
			effective, d.LastCheckedAt.Format("2006-01-02 15:04"))
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush report: %w", err)
	}
	return nil
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "\t", " ")
	r := []rune(s)
	if len(r) > maxCell {
		return string(r[:maxCell-3]) + "..."
	}
	return s
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return orDash(h)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
