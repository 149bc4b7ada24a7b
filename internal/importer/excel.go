package importer

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/rosterd/rosterd/internal/schema"
)

// header aliases accepted in workbook personnel sheets, lowercased.
var columnAliases = map[string]string{
	"employee id": "employee_id",
	"employee_id": "employee_id",
	"employee no": "employee_id",
	"emp id":      "employee_id",
	"id":          "employee_id",
	"name":        "name",
	"full name":   "name",
	"department":  "department",
	"dept":        "department",
	"status":      "status",
	"ref":         "ref",
	"reference":   "ref",
	"badge":       "ref",
}

// ReadWorkbook reads personnel rows from the first sheet of an Excel
// workbook. The first row is the header; columns are matched by name, not
// position. Rows with no name and no identifying column are skipped.
func ReadWorkbook(r io.Reader) ([]schema.ExternalRecord, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("sheet %s has no data rows", sheets[0])
	}

	// Map column index -> canonical field from the header row.
	fields := make(map[int]string)
	for i, cell := range rows[0] {
		key := strings.ToLower(strings.TrimSpace(cell))
		if field, ok := columnAliases[key]; ok {
			fields[i] = field
		}
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("sheet %s has no recognized header columns", sheets[0])
	}

	var out []schema.ExternalRecord
	for _, row := range rows[1:] {
		var rec schema.ExternalRecord
		empty := true
		for i, cell := range row {
			value := strings.TrimSpace(cell)
			if value == "" {
				continue
			}
			switch fields[i] {
			case "employee_id":
				rec.EmployeeID = value
			case "name":
				rec.Name = value
			case "department":
				rec.Department = value
			case "status":
				rec.Status = schema.PersonStatus(strings.ToLower(value))
			case "ref":
				rec.CompositeRef = value
			default:
				continue
			}
			empty = false
		}
		if empty {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
