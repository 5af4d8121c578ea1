// Package report exports a run summary as an XLSX workbook.
package report

import (
	"fmt"
	"maps"
	"slices"

	"github.com/p-n-ai/pai-ingest/internal/ingest"
	"github.com/xuri/excelize/v2"
)

const (
	SummarySheet  = "Summary"
	OutcomesSheet = "Outcomes"
)

var outcomeHeader = []any{"Flow", "Topic", "Subtopic", "Status", "Rows", "Level errors", "Skipped items", "Reason", "Error", "Duration (ms)"}

// Write saves s to path as a workbook with a totals sheet and one row per
// subtopic outcome.
func Write(path string, s *ingest.Summary) error {
	if s == nil {
		return fmt.Errorf("summary is nil")
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		return fmt.Errorf("naming summary sheet: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("creating header style: %w", err)
	}

	totals := [][]any{
		{"Metric", "Value"},
		{"Topics", s.Topics},
		{"Subtopics", s.Subtopics},
		{"Processed", s.Processed},
		{"Skipped", s.Skipped},
		{"Failed", s.Failed},
		{"Duration (s)", s.Duration.Seconds()},
	}
	for _, table := range slices.Sorted(maps.Keys(s.Rows)) {
		totals = append(totals, []any{"Rows: " + table, s.Rows[table]})
	}
	if err := writeRows(f, SummarySheet, totals); err != nil {
		return err
	}
	if err := f.SetCellStyle(SummarySheet, "A1", "B1", bold); err != nil {
		return fmt.Errorf("styling summary header: %w", err)
	}

	if _, err := f.NewSheet(OutcomesSheet); err != nil {
		return fmt.Errorf("creating outcomes sheet: %w", err)
	}
	rows := make([][]any, 0, len(s.Outcomes)+1)
	rows = append(rows, outcomeHeader)
	for _, o := range s.Outcomes {
		errText := ""
		if o.Err != nil {
			errText = o.Err.Error()
		}
		rows = append(rows, []any{
			o.Flow, o.Topic, o.Subtopic, string(o.Status), o.Rows,
			o.LevelErrors, o.SkippedItems, o.Reason, errText, o.Duration.Milliseconds(),
		})
	}
	if err := writeRows(f, OutcomesSheet, rows); err != nil {
		return err
	}
	lastCol, _ := excelize.ColumnNumberToName(len(outcomeHeader))
	if err := f.SetCellStyle(OutcomesSheet, "A1", lastCol+"1", bold); err != nil {
		return fmt.Errorf("styling outcomes header: %w", err)
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("saving report %s: %w", path, err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("writing %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
