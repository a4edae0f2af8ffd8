// Package export writes a series as an XLSX workbook.
package export

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"odwatch/internal/series"
)

const SheetName = "Series"

var header = []interface{}{"Month", "Year", "Month Name", "Total", "Observations"}

// WriteXLSX writes one row per point of view followed by a grand total row.
func WriteXLSX(w io.Writer, view series.View) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}

	if err := f.SetSheetRow(SheetName, "A1", &[]interface{}{"Indicator", view.Indicator}); err != nil {
		return fmt.Errorf("write title: %w", err)
	}
	if err := f.SetSheetRow(SheetName, "A3", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	row := 4
	for _, p := range view.Points {
		cell, _ := excelize.CoordinatesToCellName(1, row)
		values := []interface{}{p.MonthKey, p.Year, p.MonthName, p.Total, p.Count}
		if err := f.SetSheetRow(SheetName, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", row, err)
		}
		row++
	}

	cell, _ := excelize.CoordinatesToCellName(1, row)
	total := []interface{}{"Total", nil, nil, view.Summary.GrandTotal, nil}
	if err := f.SetSheetRow(SheetName, cell, &total); err != nil {
		return fmt.Errorf("write total: %w", err)
	}

	if err := f.SetColWidth(SheetName, "A", "E", 14); err != nil {
		return fmt.Errorf("set column width: %w", err)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
