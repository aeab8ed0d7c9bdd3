package relay

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/launchrelay/launchrelay/types"
)

// printResultsTable renders the per-bundle results of one launch to stdout.
func printResultsTable(summary types.LaunchSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(fmt.Sprintf("Launch Results (%s)", formatDuration(summary.Duration)))

	t.AppendHeader(table.Row{
		"Bundle",
		"Duration",
		"Tests",
		"Passed",
		"Failed",
		"Skipped",
		"Status",
		"Error",
	})

	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Bundle", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
		{Name: "Status", Align: text.AlignLeft},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, res := range summary.Bundles {
		errMsg := ""
		if res.Err != nil {
			errMsg = res.Err.Error()
		}
		t.AppendRow(table.Row{
			res.Bundle.DisplayName(),
			formatDuration(res.Duration),
			res.Total(),
			res.Passed,
			res.Failed,
			res.Skipped,
			getResultString(res.Status),
			errMsg,
		})
	}
	t.AppendSeparator()

	// Color the table based on the overall launch status
	switch summary.Status {
	case types.StatusPassed:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	case types.StatusSkipped:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}

	passed, failed, skipped := summary.Totals()
	t.AppendFooter(table.Row{
		"TOTAL",
		formatDuration(summary.Duration),
		passed + failed + skipped,
		passed,
		failed,
		skipped,
		getResultString(summary.Status),
		"",
	})

	t.Render()
}

// getResultString returns a status symbol for the results table
func getResultString(status types.Status) string {
	switch status {
	case types.StatusPassed:
		return "✓ pass"
	case types.StatusSkipped:
		return "- skip"
	default:
		return "✗ fail"
	}
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// summaryLine condenses a launch into a single line for logs and exit
// messages.
func summaryLine(summary types.LaunchSummary) string {
	passed, failed, skipped := summary.Totals()
	launchID := summary.LaunchID
	if launchID == "" {
		launchID = "unreported"
	}
	return fmt.Sprintf("launch %s %s: %d passed, %d failed, %d skipped in %s",
		launchID, summary.Status, passed, failed, skipped, formatDuration(summary.Duration))
}
