package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/utility-tariff-monitor/internal/reconcile"
	"github.com/JakeFAU/utility-tariff-monitor/internal/tariff"
)

func sampleRun() reconcile.RunReport {
	start := time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)
	return reconcile.RunReport{
		RunID:      "0190f1d2-run",
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Utilities: []reconcile.UtilityReport{
			{
				UtilityName:        "Austinenergy Com",
				SeedURL:            "https://austinenergy.com/rates",
				Status:             reconcile.StatusPartial,
				CandidatesFound:    12,
				Selections:         []string{"https://austinenergy.com/a.pdf", "https://austinenergy.com/b.pdf"},
				SelectionRationale: "names commercial rates",
				Added:              1,
				Errors:             1,
				Candidates: []reconcile.CandidateReport{
					{URL: "https://austinenergy.com/a.pdf", Outcome: tariff.OutcomeAdded, Decision: "first_sighting"},
					{URL: "https://austinenergy.com/b.pdf", Outcome: tariff.OutcomeError, ErrorKind: "fetch", Error: "status 404"},
				},
			},
			{
				UtilityName:        "Other Example",
				SeedURL:            "https://other.example/",
				Status:             reconcile.StatusSelectionFailed,
				Errors:             1,
				ErrorKind:          "selection",
				Error:              "selection failure: no url in reply",
				SelectionRationale: "selection failure: no url in reply",
			},
		},
	}
}

func TestRenderText(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, sampleRun(), FormatText))
	out := buf.String()

	require.Contains(t, out, "0190f1d2-run")
	require.Contains(t, out, "Duration:  1.5s")
	require.Contains(t, out, "added=1 updated=0 unchanged=0 skipped=0 errors=2")
	require.Contains(t, out, "rationale: names commercial rates")
	require.Contains(t, out, "selection error: selection failure: no url in reply")
	require.Contains(t, out, "fetch: status 404")

	lines := strings.Split(out, "\n")
	var header string
	for _, l := range lines {
		if strings.HasPrefix(l, "UTILITY") {
			header = l
		}
	}
	require.NotEmpty(t, header)
	require.Contains(t, header, "RETIRED")
}

func TestRenderJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, sampleRun(), FormatJSON))
	var decoded reconcile.RunReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "0190f1d2-run", decoded.RunID)
	require.Len(t, decoded.Utilities, 2)
	require.Equal(t, tariff.OutcomeError, decoded.Utilities[0].Candidates[1].Outcome)

	require.Error(t, Render(&buf, sampleRun(), "yaml"))
	require.False(t, ValidFormat("yaml"))
}

func TestRenderDocuments(t *testing.T) {
	t.Parallel()

	effective := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	docs := []tariff.TrackedDocument{
		{ID: 1, UtilityName: "Example Energy", DocumentName: "commercial.pdf", ContentHash: "0123456789abcdef", Status: tariff.StatusActive, TariffEffectiveAt: &effective, LastCheckedAt: effective},
		{ID: 2, UtilityName: "Example Energy", DocumentName: "old.pdf", Status: tariff.StatusObsolete, LastCheckedAt: effective},
	}
	var buf bytes.Buffer
	require.NoError(t, RenderDocuments(&buf, docs, FormatText))
	out := buf.String()
	require.Contains(t, out, "0123456789ab ")
	require.Contains(t, out, "2024-03-01")
	require.Contains(t, out, "OBSOLETE")

	buf.Reset()
	require.NoError(t, RenderDocuments(&buf, nil, FormatJSON))
	require.Equal(t, "[]\n", buf.String())
}
