// Package stores defines the narrow contracts this engine uses to drive the two
// external collaborators: the record store, which holds dataset and resource
// metadata, and the row store, which holds the table-backed data itself. Both
// interfaces are implemented twice: over a remote action API (ckanapi) and over
// a local SQL database (sqlstore).
package stores

import "context"

// Dataset is the metadata record for one organization-scoped dataset instance.
type Dataset struct {
	Id        string     `json:"id"`
	Type      string     `json:"type"`
	Title     string     `json:"title"`
	Notes     string     `json:"notes"`
	OwnerOrg  string     `json:"owner_org"`
	Resources []Resource `json:"resources"`
}

// Resource is the metadata record for one table-backed resource within a dataset.
type Resource struct {
	Id          string `json:"id"`
	DatasetId   string `json:"package_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	URL         string `json:"url"`
	URLType     string `json:"url_type"`
}

// URLTypeDatastore marks a resource whose data lives only in the row store. The
// record store requires a url on every resource; this pairs with a placeholder.
const URLTypeDatastore = "datastore"

// DatasetQuery selects datasets by type and owning organization. Zero fields
// are not filtered on.
type DatasetQuery struct {
	Type     string
	OwnerOrg string
	Limit    int
}

type RecordStore interface {
	CreateDataset(ctx context.Context, d Dataset) (Dataset, error)

	// ShowDataset returns ErrNotFound if no dataset has the given id.
	ShowDataset(ctx context.Context, id string) (Dataset, error)

	// UpdateDataset replaces the dataset's metadata and resource list with the
	// full corrected set carried by d.
	UpdateDataset(ctx context.Context, d Dataset) error

	DeleteDataset(ctx context.Context, id string) error

	SearchDatasets(ctx context.Context, q DatasetQuery) ([]Dataset, error)
}

// Field is one declared column of a data table.
type Field struct {
	Id   string `json:"id"`
	Type string `json:"type"`
}

// ForeignKey declares a reference from columns of this table to columns of
// another table. RefTable is a table identifier, already resolved from any
// symbolic resource name by the caller.
type ForeignKey struct {
	Columns    []string `json:"columns"`
	RefTable   string   `json:"ref_table"`
	RefColumns []string `json:"ref_columns"`
}

// Trigger names a row-validation routine attached to a table. Body is the
// rendered routine definition; it is empty for routines the row store already
// knows by name.
type Trigger struct {
	Name string `json:"name"`
	Body string `json:"body,omitempty"`
}

// CreateTableRequest creates the backing table for a resource, or converges an
// existing table toward the given column set.
type CreateTableRequest struct {
	ResourceId  string
	Fields      []Field
	PrimaryKey  []string
	Indexes     []string
	ForeignKeys []ForeignKey
	Triggers    []Trigger

	// Force applies the column changes even if the existing table already
	// contains every requested column.
	Force bool

	// DeleteFields drops existing columns absent from Fields. Without it the
	// request is additive only.
	DeleteFields bool
}

// Record is one row keyed by field id. Values are canonical: nil, string, or
// []string for list-typed fields.
type Record map[string]any

// UpsertRequest writes an ordered batch of records to a resource's table.
type UpsertRequest struct {
	ResourceId string
	Method     string // MethodInsert or MethodUpsert
	Records    []Record
	DryRun     bool
}

const (
	MethodInsert = "insert"
	MethodUpsert = "upsert"
)

// SearchRequest pages through a resource's rows.
type SearchRequest struct {
	ResourceId string
	Offset     int
	Limit      int
	Sort       string
	Filters    map[string]any
}

type SearchResult struct {
	Records []Record
	Total   int
}

type RowStore interface {
	// TableFields returns the live column set of the resource's backing table,
	// in table order. Returns ErrNotFound if the table does not exist yet.
	TableFields(ctx context.Context, resourceId string) ([]Field, error)

	CreateTable(ctx context.Context, req CreateTableRequest) error

	// CreateTriggerFunctions installs or replaces the shared trigger routines
	// referenced by name from tables. Implementations may require elevated
	// privileges; callers tolerate ErrNotAuthorized here.
	CreateTriggerFunctions(ctx context.Context, triggers []Trigger) error

	Search(ctx context.Context, req SearchRequest) (SearchResult, error)

	// Upsert validates and writes the batch as one operation. A row-level
	// failure rolls the whole submitted batch back and is reported as a
	// *ValidationError with the failing offset within req.Records.
	Upsert(ctx context.Context, req UpsertRequest) error

	// DeleteRows deletes rows matching filters, or every row when filters is
	// empty.
	DeleteRows(ctx context.Context, resourceId string, filters map[string]any) error

	// DropTable removes the backing table. Used only on dataset deletion.
	DropTable(ctx context.Context, resourceId string) error

	// RunTriggers re-validates every stored row and reports the first failure.
	RunTriggers(ctx context.Context, resourceId string) error
}

// RowTx scopes upserts to one write connection and one transaction. Rollback
// after Commit is a no-op, so callers can defer it unconditionally.
type RowTx interface {
	Upsert(ctx context.Context, req UpsertRequest) error
	Commit() error
	Rollback() error
}

// TxRowStore is implemented by row stores that support multi-batch
// transactions. The remote action client does not; the interactive workbook
// import requires it.
type TxRowStore interface {
	RowStore
	Begin(ctx context.Context) (RowTx, error)
}
