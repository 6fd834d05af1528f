// Package bulkload drives batched writes against the row store. It carries
// the two deliberate loading strategies side by side: the legacy chunked path
// used for large text-file loads, which trades atomicity for forward
// progress, and the strict transactional path used for interactive workbook
// imports, where nothing is persisted unless every sheet validates.
package bulkload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/open-data/recombinant/recombinant/schema"
	"github.com/open-data/recombinant/recombinant/stores"
)

// Method selects the write mode for a resource: plain inserts when no primary
// key is declared, upserts otherwise.
func Method(chromo *schema.Chromo) string {
	if len(chromo.PrimaryKey) == 0 {
		return stores.MethodInsert
	}
	return stores.MethodUpsert
}

// RowFailure is one rejected record, reported with its absolute offset within
// the submitted sequence.
type RowFailure struct {
	Offset int
	Record stores.Record
	Err    *stores.ValidationError
}

// Report summarizes a chunked load: how many records were committed and every
// rejected record.
type Report struct {
	Written  int
	Failures []RowFailure
}

// LoadChunked writes records with prefix-commit recovery: when the store
// rejects the batch at offset k, the validated prefix [0, k) is committed
// separately, record k is captured in the report, and submission resumes at
// k+1. Loading continues until the records are exhausted; only store failures
// other than row validation abort the load.
func LoadChunked(ctx context.Context, rows stores.RowStore, resourceId, method string, records []stores.Record) (Report, error) {
	var report Report

	base := 0
	for base < len(records) {
		remaining := records[base:]
		err := rows.Upsert(ctx, stores.UpsertRequest{
			ResourceId: resourceId, Method: method, Records: remaining,
		})
		if err == nil {
			report.Written += len(remaining)
			return report, nil
		}

		var valErr *stores.ValidationError
		if !errors.As(err, &valErr) {
			return report, fmt.Errorf("error writing to resource %v: %w", resourceId, err)
		}

		k := valErr.RowOffset
		if k < 0 || k >= len(remaining) {
			return report, fmt.Errorf("row store reported offset %d outside the batch of %d: %w",
				k, len(remaining), err)
		}

		if k > 0 {
			prefix := remaining[:k]
			if err := rows.Upsert(ctx, stores.UpsertRequest{
				ResourceId: resourceId, Method: method, Records: prefix,
			}); err != nil {
				return report, fmt.Errorf("error committing validated prefix of resource %v: %w",
					resourceId, err)
			}
			report.Written += len(prefix)
		}

		report.Failures = append(report.Failures, RowFailure{
			Offset: base + k,
			Record: remaining[k],
			Err:    valErr,
		})
		slog.Warn("record rejected during chunked load",
			"resource_id", resourceId, "offset", base+k)

		base += k + 1
	}

	return report, nil
}

// Submission is one resource's ordered records within a transactional import.
type Submission struct {
	ResourceId string
	Method     string
	Records    []stores.Record
}

// LoadTransactional writes every submission inside a single transaction: all
// sheets validate or none persist. A dry run validates everything and always
// rolls back. The transaction is released on every exit path.
func LoadTransactional(ctx context.Context, store stores.TxRowStore, submissions []Submission, dryRun bool) error {
	tx, err := store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("error opening write transaction: %w", err)
	}
	defer tx.Rollback()

	for _, sub := range submissions {
		if len(sub.Records) == 0 {
			continue
		}
		err := tx.Upsert(ctx, stores.UpsertRequest{
			ResourceId: sub.ResourceId,
			Method:     sub.Method,
			Records:    sub.Records,
		})
		if err != nil {
			return fmt.Errorf("resource %v: %w", sub.ResourceId, err)
		}
	}

	if dryRun {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing import: %w", err)
	}
	return nil
}
