package tabular

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/open-data/recombinant/recombinant/schema"
	"github.com/open-data/recombinant/recombinant/stores"
)

// TextBatchSize is the maximum record count submitted to the row store per
// upsert during a delimited-text import.
const TextBatchSize = 15000

// DefaultPageSize is the row-store page size used when exporting.
const DefaultPageSize = 10000

// byteOrderMark is written at the start of exports so spreadsheet programs
// detect UTF-8, and tolerated at the start of imports.
const byteOrderMark = "\uFEFF"

// ResourceExport names one resource table to export together with the
// organization that owns it.
type ResourceExport struct {
	ResourceId string
	Org        Org
}

// ExportDelimited streams every given resource table as one CSV document:
// the declared template columns, then the organization-derived extra columns,
// then the owning organization's name and title. Records missing any declared
// column are skipped with a diagnostic rather than failing the export.
func ExportDelimited(ctx context.Context, w io.Writer, chromo *schema.Chromo, rows stores.RowStore, sources []ResourceExport, pageSize int) error {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	if _, err := io.WriteString(w, byteOrderMark); err != nil {
		return fmt.Errorf("error writing export: %w", err)
	}

	cw := csv.NewWriter(w)
	fieldIds := chromo.TemplateFieldIds()

	header := append([]string{}, fieldIds...)
	header = append(header, chromo.ExtraColumns...)
	header = append(header, "owner_org", "owner_org_title")
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("error writing export header: %w", err)
	}

	for _, source := range sources {
		if err := exportResource(ctx, cw, chromo, rows, source, fieldIds, pageSize); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func exportResource(ctx context.Context, cw *csv.Writer, chromo *schema.Chromo, rows stores.RowStore, source ResourceExport, fieldIds []string, pageSize int) error {
	sort := strings.Join(chromo.PrimaryKey, ", ")

	for offset := 0; ; offset += pageSize {
		result, err := rows.Search(ctx, stores.SearchRequest{
			ResourceId: source.ResourceId,
			Offset:     offset,
			Limit:      pageSize,
			Sort:       sort,
		})
		if err != nil {
			return fmt.Errorf("error reading rows of resource %v: %w", source.ResourceId, err)
		}

		for _, rec := range result.Records {
			row, ok := exportRow(rec, chromo, fieldIds, source.Org)
			if !ok {
				slog.Warn("skipping record missing declared columns",
					"resource_id", source.ResourceId, "owner_org", source.Org.Name)
				continue
			}
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("error writing export row: %w", err)
			}
		}

		if len(result.Records) < pageSize {
			return nil
		}
	}
}

func exportRow(rec stores.Record, chromo *schema.Chromo, fieldIds []string, org Org) ([]string, bool) {
	row := make([]string, 0, len(fieldIds)+len(chromo.ExtraColumns)+2)
	for _, id := range fieldIds {
		value, ok := rec[id]
		if !ok {
			return nil, false
		}
		row = append(row, newlineSafe(flattenValue(value)))
	}
	for _, col := range chromo.ExtraColumns {
		row = append(row, org.Extras[col])
	}
	row = append(row, org.Name, org.Title)
	return row, true
}

// newlineSafe normalizes embedded line breaks to CRLF so quoted multi-line
// cells survive the widest range of CSV consumers.
func newlineSafe(s string) string {
	if !strings.Contains(s, "\n") {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

// Batch is one contiguous run of imported records belonging to a single
// organization.
type Batch struct {
	OwnerOrg string
	Records  []stores.Record
}

// ReadDelimited decodes a delimited-text import for one resource definition
// and hands the records to apply in organization-keyed batches of at most
// TextBatchSize. The expected header is a leading owner_org column followed
// by the declared template columns, exactly.
func ReadDelimited(r io.Reader, chromo *schema.Chromo, apply func(Batch) error) error {
	br := bufio.NewReader(r)
	if leading, err := br.Peek(len(byteOrderMark)); err == nil && string(leading) == byteOrderMark {
		br.Discard(len(byteOrderMark))
	}

	cr := csv.NewReader(br)
	fieldIds := chromo.TemplateFieldIds()

	header, err := cr.Read()
	if err != nil {
		return badInputf("unable to read header row: %v", err)
	}
	if err := checkDelimitedHeader(header, fieldIds); err != nil {
		return err
	}

	var batch Batch
	flush := func() error {
		if len(batch.Records) == 0 {
			return nil
		}
		if err := apply(batch); err != nil {
			return err
		}
		batch = Batch{OwnerOrg: batch.OwnerOrg}
		return nil
	}

	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return badInputf("line %d: %v", line, err)
		}

		org := strings.TrimSpace(row[0])
		if org == "" {
			return badInputf("line %d: missing owner_org", line)
		}
		if org != batch.OwnerOrg || len(batch.Records) >= TextBatchSize {
			if err := flush(); err != nil {
				return err
			}
			batch.OwnerOrg = org
		}

		batch.Records = append(batch.Records, decodeDelimitedRow(row[1:], chromo, fieldIds))
	}

	return flush()
}

func checkDelimitedHeader(header, fieldIds []string) error {
	expected := append([]string{"owner_org"}, fieldIds...)
	if len(header) != len(expected) {
		return delimitedHeaderMismatch(expected, header)
	}
	for i := range expected {
		if strings.TrimSpace(header[i]) != expected[i] {
			return delimitedHeaderMismatch(expected, header)
		}
	}
	return nil
}

func delimitedHeaderMismatch(expected, actual []string) error {
	return badInputf("header does not match the current template: expected [%v], found [%v]",
		strings.Join(expected, ", "), strings.Join(actual, ", "))
}

// decodeDelimitedRow converts one data row to a record. Delimited input is
// already canonical text, so the only conversions are the empty-cell null
// rules and list splitting; nothing is re-normalized.
func decodeDelimitedRow(cells []string, chromo *schema.Chromo, fieldIds []string) stores.Record {
	rec := stores.Record{}
	for i, id := range fieldIds {
		field := chromo.Field(id)
		value := cells[i]

		if field.Type == schema.TypeTextArray {
			rec[id] = splitList(value)
			continue
		}
		if value == "" && field.Type != schema.TypeText && !chromo.IsPrimaryKey(id) {
			rec[id] = nil
			continue
		}
		rec[id] = value
	}
	return rec
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
