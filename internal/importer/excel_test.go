package importer

import (
	"bytes"
	"testing"

	"github.com/xuri/excelize/v2"
)

// buildWorkbook writes a one-sheet workbook with the given rows.
func buildWorkbook(t *testing.T, rows [][]any) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("CoordinatesToCellName() failed: %v", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatalf("SetSheetRow() failed: %v", err)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	return &buf
}

// TestReadWorkbook tests header-driven column mapping.
func TestReadWorkbook(t *testing.T) {
	buf := buildWorkbook(t, [][]any{
		{"Employee ID", "Name", "Department", "Status"},
		{"4321", "Li Wei", "Ops", "active"},
		{"8765", "Wang Fang", "Finance", "leave"},
	})

	records, err := ReadWorkbook(buf)
	if err != nil {
		t.Fatalf("ReadWorkbook() failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].EmployeeID != "4321" || records[0].Name != "Li Wei" {
		t.Errorf("record 0 = %+v, want Li Wei / 4321", records[0])
	}
	if records[1].Department != "Finance" || string(records[1].Status) != "leave" {
		t.Errorf("record 1 = %+v, want Finance / leave", records[1])
	}
}

// TestReadWorkbook_ColumnOrder tests that columns are matched by header
// name, not position.
func TestReadWorkbook_ColumnOrder(t *testing.T) {
	buf := buildWorkbook(t, [][]any{
		{"Department", "Name", "Employee ID"},
		{"Ops", "Li Wei", "4321"},
	})

	records, err := ReadWorkbook(buf)
	if err != nil {
		t.Fatalf("ReadWorkbook() failed: %v", err)
	}
	if records[0].EmployeeID != "4321" || records[0].Department != "Ops" {
		t.Errorf("record = %+v, columns not matched by name", records[0])
	}
}

// TestReadWorkbook_SkipsEmptyRows tests that blank rows produce no records.
func TestReadWorkbook_SkipsEmptyRows(t *testing.T) {
	buf := buildWorkbook(t, [][]any{
		{"Name", "Department"},
		{"Li Wei", "Ops"},
		{"", ""},
		{"Wang Fang", "Finance"},
	})

	records, err := ReadWorkbook(buf)
	if err != nil {
		t.Fatalf("ReadWorkbook() failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("records = %d, want 2 with the blank row skipped", len(records))
	}
}

// TestReadWorkbook_NoRecognizedHeaders tests rejection of sheets with no
// mappable columns.
func TestReadWorkbook_NoRecognizedHeaders(t *testing.T) {
	buf := buildWorkbook(t, [][]any{
		{"Foo", "Bar"},
		{"1", "2"},
	})

	if _, err := ReadWorkbook(buf); err == nil {
		t.Error("ReadWorkbook() accepted a sheet with no recognized headers")
	}
}

// TestReadWorkbook_NoDataRows tests rejection of header-only sheets.
func TestReadWorkbook_NoDataRows(t *testing.T) {
	buf := buildWorkbook(t, [][]any{
		{"Name", "Department"},
	})

	if _, err := ReadWorkbook(buf); err == nil {
		t.Error("ReadWorkbook() accepted a sheet with no data rows")
	}
}
