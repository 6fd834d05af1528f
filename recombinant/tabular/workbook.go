// Package tabular converts between canonical records and the two exchange
// surfaces: spreadsheet workbooks and delimited text. All cell values pass
// through the canonical package on the way in.
package tabular

import (
	"fmt"
	"strings"

	"github.com/tealeg/xlsx"

	"github.com/open-data/recombinant/recombinant/canonical"
	"github.com/open-data/recombinant/recombinant/schema"
	"github.com/open-data/recombinant/recombinant/stores"
)

// VersionMarker identifies the current workbook template generation in the
// first header cell of every data sheet.
const VersionMarker = "recombinant-v2"

// ReferenceSheetName is the workbook sheet holding human-readable choice
// documentation. It is never read as data.
const ReferenceSheetName = "reference"

const (
	// current layout: marker/resource/org row, title row, field ids, labels,
	// descriptions; data follows with a leading note column.
	currentHeaderRows = 5
	currentDataColumn = 1

	// legacy layout: resource name row, field ids, labels; the row after the
	// headers carries only the organization name.
	legacyHeaderRows = 3
	legacyDataColumn = 0
)

// SheetData is the decoded content of one workbook data sheet.
type SheetData struct {
	ResourceName string
	OwnerOrg     string
	Records      []stores.Record
}

func badInputf(format string, args ...any) error {
	return &canonical.BadInputError{Message: fmt.Sprintf(format, args...)}
}

// ReadWorkbook decodes every data sheet of an uploaded workbook into
// canonical records. The sheet layout generation is detected per sheet; a
// header that does not exactly match the declared field ids fails the whole
// import.
func ReadWorkbook(contents []byte, model *schema.Model) ([]SheetData, error) {
	wb, err := xlsx.OpenBinary(contents)
	if err != nil {
		return nil, badInputf("unable to read workbook: %v", err)
	}

	var sheets []SheetData
	for _, sheet := range wb.Sheets {
		if strings.EqualFold(sheet.Name, ReferenceSheetName) {
			continue
		}
		data, err := readSheet(sheet, model)
		if err != nil {
			return nil, err
		}
		sheets = append(sheets, data)
	}

	if len(sheets) == 0 {
		return nil, badInputf("workbook contains no data sheets")
	}
	return sheets, nil
}

func readSheet(sheet *xlsx.Sheet, model *schema.Model) (SheetData, error) {
	if len(sheet.Rows) == 0 {
		return SheetData{}, badInputf("sheet %v is empty", sheet.Name)
	}

	top := rowStrings(sheet.Rows[0])
	legacy := cellAt(top, 0) != VersionMarker

	var resourceName, ownerOrg string
	var headerRows, dataColumn, idRow int
	if legacy {
		resourceName = cellAt(top, 0)
		headerRows, dataColumn, idRow = legacyHeaderRows, legacyDataColumn, 1
	} else {
		resourceName = cellAt(top, 1)
		ownerOrg = cellAt(top, 2)
		headerRows, dataColumn, idRow = currentHeaderRows, currentDataColumn, 2
	}

	chromo, err := model.Chromo(resourceName)
	if err != nil {
		return SheetData{}, badInputf("sheet %v does not match any resource definition", sheet.Name)
	}

	expected := chromo.TemplateFieldIds()
	if err := checkHeader(sheet, idRow, dataColumn, expected); err != nil {
		return SheetData{}, err
	}

	data := SheetData{ResourceName: resourceName, OwnerOrg: ownerOrg}

	firstDataRow := headerRows
	if legacy {
		// The organization name sits alone on the first row after the
		// headers in the legacy layout.
		if len(sheet.Rows) <= headerRows {
			return SheetData{}, badInputf("sheet %v is missing its organization row", sheet.Name)
		}
		data.OwnerOrg = cellAt(rowStrings(sheet.Rows[headerRows]), 0)
		firstDataRow = headerRows + 1
	}

	if data.OwnerOrg == "" {
		return SheetData{}, badInputf("sheet %v does not identify an organization", sheet.Name)
	}

	for i := firstDataRow; i < len(sheet.Rows); i++ {
		cells := dataCells(sheet.Rows[i], dataColumn)
		if isFillerRow(cells) {
			continue
		}

		rec, err := decodeRow(cells, chromo, expected)
		if err != nil {
			// 1-based sheet row numbers, the way a person sees them.
			return SheetData{}, badInputf("sheet %v row %d: %v", sheet.Name, i+1, err)
		}
		data.Records = append(data.Records, rec)
	}

	return data, nil
}

// checkHeader validates that the sheet's field-id row exactly matches the
// declared ordered ids. Any added, removed, reordered, or renamed column
// means the template generation does not match this definition.
func checkHeader(sheet *xlsx.Sheet, idRow, dataColumn int, expected []string) error {
	if len(sheet.Rows) <= idRow {
		return badInputf("sheet %v is missing its column header row", sheet.Name)
	}

	actual := trimTrailingBlank(rowStrings(sheet.Rows[idRow])[dataColumn:])
	if len(actual) != len(expected) {
		return headerMismatch(sheet.Name, expected, actual)
	}
	for i := range expected {
		if actual[i] != expected[i] {
			return headerMismatch(sheet.Name, expected, actual)
		}
	}
	return nil
}

func headerMismatch(sheetName string, expected, actual []string) error {
	return badInputf(
		"sheet %v was created from a different template version: expected columns [%v], found [%v]",
		sheetName, strings.Join(expected, ", "), strings.Join(actual, ", "))
}

func decodeRow(cells []any, chromo *schema.Chromo, fieldIds []string) (stores.Record, error) {
	// Trim trailing filler beyond the declared fields; anything with content
	// out there is data the template has no column for.
	for len(cells) > len(fieldIds) {
		if !isFillerCell(cells[len(cells)-1]) {
			return nil, badInputf("row has a value beyond the last declared column")
		}
		cells = cells[:len(cells)-1]
	}
	for len(cells) < len(fieldIds) {
		cells = append(cells, nil)
	}

	rec := stores.Record{}
	for i, id := range fieldIds {
		field := chromo.Field(id)

		choice := canonical.ChoiceNone
		if field.HasChoices() {
			choice = canonical.ChoiceFull
		}

		value, err := canonical.Canonicalize(cells[i], field.Type, chromo.IsPrimaryKey(id), choice)
		if err != nil {
			return nil, fmt.Errorf("column %v: %w", id, err)
		}
		rec[id] = value
	}
	return rec, nil
}

// cellValue extracts the raw value of a cell in the form the canonicalizer
// expects: string, float64, bool, or time.Time. Formula cells are surfaced
// as "=<formula>" so the canonicalizer can reject or rewrite them.
func cellValue(c *xlsx.Cell) any {
	switch c.Type() {
	case xlsx.CellTypeStringFormula:
		return "=" + c.Formula()
	case xlsx.CellTypeBool:
		return c.Bool()
	case xlsx.CellTypeNumeric:
		if c.IsTime() {
			if t, err := c.GetTime(false); err == nil {
				return t
			}
		}
		if f, err := c.Float(); err == nil {
			return f
		}
		return c.Value
	default:
		return c.Value
	}
}

func dataCells(row *xlsx.Row, fromColumn int) []any {
	if len(row.Cells) <= fromColumn {
		return nil
	}
	out := make([]any, 0, len(row.Cells)-fromColumn)
	for _, c := range row.Cells[fromColumn:] {
		out = append(out, cellValue(c))
	}
	return out
}

func rowStrings(row *xlsx.Row) []string {
	out := make([]string, len(row.Cells))
	for i, c := range row.Cells {
		out[i] = strings.TrimSpace(c.Value)
	}
	return out
}

func cellAt(cells []string, i int) string {
	if i < len(cells) {
		return cells[i]
	}
	return ""
}

func trimTrailingBlank(cells []string) []string {
	for len(cells) > 0 && cells[len(cells)-1] == "" {
		cells = cells[:len(cells)-1]
	}
	return cells
}

// isFillerCell reports whether a cell holds no data: nil or whitespace-only
// text.
func isFillerCell(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

// isFillerRow reports whether every cell of the row is filler.
func isFillerRow(cells []any) bool {
	for _, c := range cells {
		if !isFillerCell(c) {
			return false
		}
	}
	return true
}
