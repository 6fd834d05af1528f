package tabular

import (
	"fmt"
	"io"
	"strings"

	"github.com/tealeg/xlsx"

	"github.com/open-data/recombinant/recombinant/schema"
	"github.com/open-data/recombinant/recombinant/stores"
)

// Org identifies the organization a workbook is generated for, plus the
// organization-derived extra column values used by delimited exports.
type Org struct {
	Name   string
	Title  string
	Extras map[string]string
}

// WorkbookData is the rows to pre-fill per resource name. A nil map produces
// an empty entry template.
type WorkbookData map[string][]stores.Record

// BuildWorkbook generates an entry workbook for one dataset type and
// organization: one data sheet per declared resource in document order, plus
// a trailing reference sheet documenting choice fields. Existing rows, when
// provided, are written below the headers so the file doubles as an export.
func BuildWorkbook(model *schema.Model, datasetType string, org Org, data WorkbookData) (*xlsx.File, error) {
	geno, err := model.Geno(datasetType)
	if err != nil {
		return nil, err
	}

	file := xlsx.NewFile()
	for _, chromo := range geno.Resources {
		sheet, err := file.AddSheet(chromo.ResourceName)
		if err != nil {
			return nil, fmt.Errorf("error adding sheet %v: %w", chromo.ResourceName, err)
		}
		if err := fillDataSheet(sheet, chromo, org, data[chromo.ResourceName], model.DefaultLanguage); err != nil {
			return nil, err
		}
	}

	if err := addReferenceSheet(file, geno, model.DefaultLanguage); err != nil {
		return nil, err
	}
	return file, nil
}

// WriteWorkbook builds the workbook and streams it to w.
func WriteWorkbook(w io.Writer, model *schema.Model, datasetType string, org Org, data WorkbookData) error {
	file, err := BuildWorkbook(model, datasetType, org, data)
	if err != nil {
		return err
	}
	return file.Write(w)
}

func fillDataSheet(sheet *xlsx.Sheet, chromo *schema.Chromo, org Org, records []stores.Record, lang string) error {
	fieldIds := chromo.TemplateFieldIds()

	// Row 1: version marker, resource name, organization.
	top := sheet.AddRow()
	top.AddCell().SetString(VersionMarker)
	top.AddCell().SetString(chromo.ResourceName)
	top.AddCell().SetString(org.Name)

	// Row 2: human title.
	title := sheet.AddRow()
	title.AddCell().SetString(chromo.Title)

	// Rows 3-5: field ids, labels, and descriptions, offset past the note
	// column.
	ids := sheet.AddRow()
	labels := sheet.AddRow()
	descriptions := sheet.AddRow()
	ids.AddCell()
	labels.AddCell()
	descriptions.AddCell()
	for _, id := range fieldIds {
		field := chromo.Field(id)
		ids.AddCell().SetString(id)
		labels.AddCell().SetString(field.Label.Resolve(lang, lang))
		descriptions.AddCell().SetString(field.Description.Resolve(lang, lang))
	}

	for _, rec := range records {
		row := sheet.AddRow()
		row.AddCell()
		for _, id := range fieldIds {
			cell := row.AddCell()
			cell.SetString(exportCellText(rec[id], chromo.Field(id), lang))
		}
	}
	return nil
}

// exportCellText renders a canonical value for a workbook cell. Choice codes
// are expanded to the "code: label" form the entry template expects back.
func exportCellText(value any, field *schema.Field, lang string) string {
	text := flattenValue(value)
	if text == "" || !field.HasChoices() {
		return text
	}
	for _, c := range field.Choices {
		if c.Code == text {
			if label := c.Label.Resolve(lang, lang); label != "" {
				return c.Code + ": " + label
			}
			return c.Code
		}
	}
	return text
}

// flattenValue renders a canonical value (nil, string, or []string) as cell
// text.
func flattenValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []string:
		return strings.Join(v, ", ")
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprint(value)
}

// addReferenceSheet appends the human-readable catalogue of choice fields:
// for each, the resource, field id, and the full code/label listing.
func addReferenceSheet(file *xlsx.File, geno *schema.Geno, lang string) error {
	var hasChoices bool
	for _, chromo := range geno.Resources {
		for _, f := range chromo.Fields {
			if f.HasChoices() {
				hasChoices = true
			}
		}
	}
	if !hasChoices {
		return nil
	}

	sheet, err := file.AddSheet(ReferenceSheetName)
	if err != nil {
		return fmt.Errorf("error adding reference sheet: %w", err)
	}

	for _, chromo := range geno.Resources {
		for _, f := range chromo.Fields {
			if !f.HasChoices() {
				continue
			}
			header := sheet.AddRow()
			header.AddCell().SetString(chromo.ResourceName)
			header.AddCell().SetString(f.Id)
			header.AddCell().SetString(f.Label.Resolve(lang, lang))
			for _, c := range f.Choices {
				row := sheet.AddRow()
				row.AddCell()
				row.AddCell().SetString(c.Code)
				row.AddCell().SetString(c.Label.Resolve(lang, lang))
			}
			sheet.AddRow()
		}
	}
	return nil
}
