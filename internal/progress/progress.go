// SPDX-License-Identifier: Apache-2.0

// Package progress renders spinners and result tables for long-running
// sync commands using pterm.
package progress

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/pgsync/pgsync/pkg/datasync"
	"github.com/pgsync/pgsync/pkg/orchestrator"
)

// Spinner wraps pterm.DefaultSpinner's Start/Success/Fail lifecycle.
type Spinner struct {
	inner *pterm.SpinnerPrinter
}

// Start begins a spinner with text.
func Start(text string) *Spinner {
	sp, _ := pterm.DefaultSpinner.WithText(text).Start()
	return &Spinner{inner: sp}
}

// Success stops the spinner with a success message.
func (s *Spinner) Success(text string) {
	if s.inner != nil {
		s.inner.Success(text)
	}
}

// Fail stops the spinner with a failure message.
func (s *Spinner) Fail(text string) {
	if s.inner != nil {
		s.inner.Fail(text)
	}
}

// Confirm prompts the user interactively; callers skip this entirely
// when --force is set or stdin is not a terminal.
func Confirm(prompt string) bool {
	ok, _ := pterm.DefaultInteractiveConfirm.WithDefaultText(prompt).Show()
	return ok
}

// tableBar implements datasync.ProgressReporter over a pterm determinate
// progress bar, one per table.
type tableBar struct {
	bar *pterm.ProgressbarPrinter
}

// NewTableProgress satisfies orchestrator.Options.Progress: it starts a
// pterm progress bar titled after table with total rows expected, and
// returns a reporter that advances and stops it. Passed total <= 0
// (metadata read failed, or the table is empty) starts a bar with a total
// of 1 instead of a zero-length one.
func NewTableProgress(table string, total int64) datasync.ProgressReporter {
	barTotal := int(total)
	if barTotal <= 0 {
		barTotal = 1
	}
	bar, _ := pterm.DefaultProgressbar.WithTotal(barTotal).WithTitle(table).Start()
	return &tableBar{bar: bar}
}

func (t *tableBar) Advance(n int) {
	if t.bar != nil {
		t.bar.Add(n)
	}
}

func (t *tableBar) Finish() {
	if t.bar != nil {
		_, _ = t.bar.Stop()
	}
}

// PrintResults renders a SyncResults as per-table and summary tables
// printed at the end of a pull or clone.
func PrintResults(results *orchestrator.SyncResults) {
	if results.Stopped != "" {
		pterm.Info.Println("stopped: " + results.Stopped)
	}

	if len(results.Tables) > 0 {
		rows := pterm.TableData{{"table", "inserted", "updated", "deleted", "errors"}}
		for _, t := range results.Tables {
			label := t.Table
			if t.Cascade {
				label += " (cascade)"
			}
			rows = append(rows, []string{
				label,
				fmt.Sprintf("%d", t.Inserted),
				fmt.Sprintf("%d", t.Updated),
				fmt.Sprintf("%d", t.Deleted),
				fmt.Sprintf("%d", t.Errors),
			})
		}
		_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	}

	summary := pterm.TableData{
		{"created tables", fmt.Sprintf("%d", results.CreatedTables)},
		{"created sequences", fmt.Sprintf("%d", results.CreatedSequences)},
		{"created constraints", fmt.Sprintf("%d", results.CreatedConstraints)},
		{"skipped foreign keys", fmt.Sprintf("%d", results.SkippedFK)},
		{"sequences reset", fmt.Sprintf("%d", results.SequencesReset)},
	}
	if results.BackupPath != "" {
		summary = append(summary, []string{"backup", results.BackupPath})
	}
	_ = pterm.DefaultTable.WithData(summary).Render()
}
