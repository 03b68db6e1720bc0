package pipeline

import (
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"cargonotes/internal"
)

const itemsSheet = "Items"

// ExportNotesToXLSX writes one row per note on the first sheet and one row
// per entry or exit item on the Items sheet.
func ExportNotesToXLSX(notes []internal.DispatchNote, outputPath string) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	if err := f.SetSheetName(sheet, "Notes"); err != nil {
		return err
	}
	sheet = "Notes"
	if _, err := f.NewSheet(itemsSheet); err != nil {
		return err
	}

	writeRow(f, sheet, 1, []any{
		"note_id", "status", "origin", "destination", "occurrence_date", "email_date",
		"received_at", "returned_at", "declared_item_count", "declared_weight", "computed_weight",
		"entry_items", "exit_items", "entry_messages", "exit_messages", "divergence",
	})
	writeRow(f, itemsSheet, 1, []any{
		"note_id", "movement", "unit_id", "seal", "weight", "verified",
		"carrier_match", "carrier_type", "carrier_ref_month", "carrier_value",
	})

	itemRow := 2
	for i, n := range notes {
		writeRow(f, sheet, i+2, []any{
			n.NoteID, string(n.Status), n.Origin, n.Destination, n.OccurrenceDate, n.EmailDate,
			n.ReceivedAt, n.ReturnedAt, n.DeclaredItemCount, n.DeclaredWeight, n.ComputedWeight,
			len(n.EntryItems), len(n.ExitItems), n.EntryMessageCount, n.ExitMessageCount, derefString(n.DivergenceText),
		})
		for _, group := range []struct {
			movement internal.Movement
			items    []internal.Item
		}{{internal.MovementEntry, n.EntryItems}, {internal.MovementExit, n.ExitItems}} {
			for _, it := range group.items {
				writeRow(f, itemsSheet, itemRow, []any{
					n.NoteID, string(group.movement), it.UnitID, it.Seal, it.Weight, it.Verified,
					it.CarrierMatch, it.CarrierType, it.CarrierRefMonth, it.CarrierValue,
				})
				itemRow++
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return f.SaveAs(outputPath)
}

func writeRow(f *excelize.File, sheet string, row int, values []any) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
