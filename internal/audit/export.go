package audit

import (
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"
)

const missingSheet = "Missing"

// ExportReportToXLSX writes the audit summary and the missing codes, one
// per row.
func ExportReportToXLSX(report Report, outputPath string) error {
	f := excelize.NewFile()
	defer f.Close()

	summary := "Summary"
	if err := f.SetSheetName(f.GetSheetName(0), summary); err != nil {
		return err
	}
	if _, err := f.NewSheet(missingSheet); err != nil {
		return err
	}

	rows := [][]any{
		{"trace_id", report.TraceID},
		{"found_count", report.FoundCount},
		{"missing_count", report.MissingCount},
		{"total_processed", report.Total},
		{"docs_updated", report.DocsUpdated},
	}
	for _, file := range report.Files {
		rows = append(rows, []any{"file", file})
	}
	for i, r := range rows {
		for j, v := range r {
			cell, _ := excelize.CoordinatesToCellName(j+1, i+1)
			_ = f.SetCellValue(summary, cell, v)
		}
	}

	_ = f.SetCellValue(missingSheet, "A1", "unit_id")
	for i, code := range report.MissingCodes {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		_ = f.SetCellValue(missingSheet, cell, code)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return f.SaveAs(outputPath)
}
