package stores

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound reports that a requested dataset, resource, or table does
	// not exist. Callers probing for existence recover from it locally.
	ErrNotFound = errors.New("not found")

	// ErrNotAuthorized reports a permission denial from a store. It is
	// tolerated only around trigger-function creation.
	ErrNotAuthorized = errors.New("not authorized")
)

// ConstraintDetail describes a foreign-key or check constraint violation in
// enough detail for a caller to render a message naming the referenced record.
type ConstraintDetail struct {
	RefResource string            `json:"ref_resource"`
	Keys        map[string]string `json:"keys"`
}

// ValidationError is the structured row-level failure reported by a row store.
// RowOffset is the index of the failing record within the submitted batch, or
// -1 when the failure is not attributable to a single row.
type ValidationError struct {
	RowOffset  int                 `json:"row_offset"`
	Fields     map[string][]string `json:"fields"`
	Constraint *ConstraintDetail   `json:"constraint,omitempty"`
}

func (e *ValidationError) Error() string {
	if e.Constraint != nil {
		return fmt.Sprintf("row %d: constraint violation referencing %v (%v)",
			e.RowOffset, e.Constraint.RefResource, formatKeys(e.Constraint.Keys))
	}

	parts := make([]string, 0, len(e.Fields))
	for field, msgs := range e.Fields {
		parts = append(parts, fmt.Sprintf("%v: %v", field, strings.Join(msgs, "; ")))
	}
	sort.Strings(parts)
	return fmt.Sprintf("row %d: %v", e.RowOffset, strings.Join(parts, ", "))
}

func formatKeys(keys map[string]string) string {
	parts := make([]string, 0, len(keys))
	for k, v := range keys {
		parts = append(parts, fmt.Sprintf("%v=%v", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
