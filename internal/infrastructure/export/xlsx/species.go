package xlsx

import (
	"fmt"
	"io"
	"slices"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
)

const SpeciesSheet = "Species"

// WriteSpecies writes records as a single-sheet workbook titled after query. Columns
// are Common Name, Botanical Name, then every other field name in sorted order.
func WriteSpecies(w io.Writer, query string, records []domain.SpeciesRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SpeciesSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetDocProps(&excelize.DocProperties{
		Title:   "Species search: " + query,
		Subject: query,
		Creator: "plantctl",
	}); err != nil {
		return fmt.Errorf("set document properties: %w", err)
	}

	extra := extraColumns(records)
	header := append([]any{"Common Name", "Botanical Name"}, toAny(extra)...)
	if err := f.SetSheetRow(SpeciesSheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, record := range records {
		row := []any{record.CommonName, record.BotanicalName}
		for _, column := range extra {
			row = append(row, record.Fields[column])
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SpeciesSheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := styleHeader(f, len(header)); err != nil {
		return err
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func styleHeader(f *excelize.File, columns int) error {
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	last, err := excelize.CoordinatesToCellName(columns, 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(SpeciesSheet, "A1", last, style); err != nil {
		return fmt.Errorf("style header: %w", err)
	}
	lastCol, _, err := excelize.SplitCellName(last)
	if err != nil {
		return err
	}
	if err := f.SetColWidth(SpeciesSheet, "A", lastCol, 28); err != nil {
		return fmt.Errorf("size columns: %w", err)
	}
	return f.SetPanes(SpeciesSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

func extraColumns(records []domain.SpeciesRecord) []string {
	seen := make(map[string]struct{})
	var columns []string
	for _, record := range records {
		for key := range record.Fields {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			columns = append(columns, key)
		}
	}
	slices.Sort(columns)
	return columns
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
