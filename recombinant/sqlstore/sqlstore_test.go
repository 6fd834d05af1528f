package sqlstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/open-data/recombinant/recombinant/schema"
	"github.com/open-data/recombinant/recombinant/stores"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	store, err := Open(db)
	require.NoError(t, err)
	return store
}

func TestDatasetLifecycle(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	created, err := store.CreateDataset(ctx, stores.Dataset{
		Type: "grants", Title: "Grants", OwnerOrg: "org-1",
		Resources: []stores.Resource{
			{Name: "grants", Description: "Grants Data", URL: "grants", URLType: stores.URLTypeDatastore},
			{Name: "grants-amendments", URL: "grants-amendments", URLType: stores.URLTypeDatastore},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.Id)
	require.Len(t, created.Resources, 2)
	require.NotEmpty(t, created.Resources[0].Id)

	shown, err := store.ShowDataset(ctx, created.Id)
	require.NoError(t, err)
	require.Equal(t, created, shown)

	shown.Title = "Grants v2"
	shown.Resources = shown.Resources[:1]
	require.NoError(t, store.UpdateDataset(ctx, shown))

	shown, err = store.ShowDataset(ctx, created.Id)
	require.NoError(t, err)
	require.Equal(t, "Grants v2", shown.Title)
	require.Len(t, shown.Resources, 1)

	matches, err := store.SearchDatasets(ctx, stores.DatasetQuery{Type: "grants", OwnerOrg: "org-1"})
	require.NoError(t, err)
	require.Len(t, matches, 1)

	matches, err = store.SearchDatasets(ctx, stores.DatasetQuery{Type: "grants", OwnerOrg: "other"})
	require.NoError(t, err)
	require.Empty(t, matches)

	require.NoError(t, store.DeleteDataset(ctx, created.Id))
	_, err = store.ShowDataset(ctx, created.Id)
	require.True(t, errors.Is(err, stores.ErrNotFound))
}

func grantsTable(t *testing.T, store *Store, resourceId string) {
	t.Helper()
	err := store.CreateTable(context.Background(), stores.CreateTableRequest{
		ResourceId: resourceId,
		Fields: []stores.Field{
			{Id: "ref_number", Type: "text"},
			{Id: "amount", Type: "money"},
			{Id: "status", Type: "text"},
		},
		PrimaryKey: []string{"ref_number"},
		Indexes:    []string{"status"},
	})
	require.NoError(t, err)
}

func TestTableCreateInspectAlter(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	_, err := store.TableFields(ctx, "res-1")
	require.True(t, errors.Is(err, stores.ErrNotFound))

	grantsTable(t, store, "res-1")

	fields, err := store.TableFields(ctx, "res-1")
	require.NoError(t, err)
	require.Equal(t, []string{"ref_number", "amount", "status"},
		[]string{fields[0].Id, fields[1].Id, fields[2].Id})

	// additive alter keeps existing columns and appends the new one
	err = store.CreateTable(ctx, stores.CreateTableRequest{
		ResourceId: "res-1",
		Fields: []stores.Field{
			{Id: "ref_number", Type: "text"},
			{Id: "amount", Type: "money"},
			{Id: "status", Type: "text"},
			{Id: "vendor", Type: "text"},
		},
		PrimaryKey: []string{"ref_number"},
	})
	require.NoError(t, err)

	fields, err = store.TableFields(ctx, "res-1")
	require.NoError(t, err)
	require.Len(t, fields, 4)
	require.Equal(t, "vendor", fields[3].Id)

	// column deletion only with the explicit flag
	err = store.CreateTable(ctx, stores.CreateTableRequest{
		ResourceId: "res-1",
		Fields: []stores.Field{
			{Id: "ref_number", Type: "text"},
			{Id: "amount", Type: "money"},
			{Id: "status", Type: "text"},
		},
		PrimaryKey:   []string{"ref_number"},
		DeleteFields: true,
	})
	require.NoError(t, err)

	fields, err = store.TableFields(ctx, "res-1")
	require.NoError(t, err)
	require.Len(t, fields, 3)
}

func TestUpsertSearchDelete(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	grantsTable(t, store, "res-1")

	err := store.Upsert(ctx, stores.UpsertRequest{
		ResourceId: "res-1",
		Method:     stores.MethodUpsert,
		Records: []stores.Record{
			{"ref_number": "GC-002", "amount": "5.25", "status": "open"},
			{"ref_number": "GC-001", "amount": "1000.50", "status": "open"},
		},
	})
	require.NoError(t, err)

	// upserting the same key updates in place
	err = store.Upsert(ctx, stores.UpsertRequest{
		ResourceId: "res-1",
		Method:     stores.MethodUpsert,
		Records: []stores.Record{
			{"ref_number": "GC-001", "amount": "1.00", "status": "closed"},
		},
	})
	require.NoError(t, err)

	result, err := store.Search(ctx, stores.SearchRequest{ResourceId: "res-1", Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 2, result.Total)
	// primary-key order by default
	require.Equal(t, "GC-001", result.Records[0]["ref_number"])
	require.Equal(t, "closed", result.Records[0]["status"])

	result, err = store.Search(ctx, stores.SearchRequest{
		ResourceId: "res-1", Limit: 10, Filters: map[string]any{"status": "open"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Total)
	require.Equal(t, "GC-002", result.Records[0]["ref_number"])

	require.NoError(t, store.DeleteRows(ctx, "res-1", map[string]any{"status": "closed"}))
	result, err = store.Search(ctx, stores.SearchRequest{ResourceId: "res-1", Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 1, result.Total)

	require.NoError(t, store.DeleteRows(ctx, "res-1", nil))
	result, err = store.Search(ctx, stores.SearchRequest{ResourceId: "res-1", Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 0, result.Total)
}

func TestUpsertDryRunPersistsNothing(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	grantsTable(t, store, "res-1")

	err := store.Upsert(ctx, stores.UpsertRequest{
		ResourceId: "res-1",
		Method:     stores.MethodUpsert,
		Records:    []stores.Record{{"ref_number": "GC-001", "amount": "1", "status": "open"}},
		DryRun:     true,
	})
	require.NoError(t, err)

	result, err := store.Search(ctx, stores.SearchRequest{ResourceId: "res-1", Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 0, result.Total)
}

func TestChoiceTriggerRejectsBadValue(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	doc := filepath.Join(t.TempDir(), "grants.yaml")
	require.NoError(t, os.WriteFile(doc, []byte(`
dataset_type: grants
resources:
  - resource_name: grants
    datastore_primary_key: [ref_number]
    fields:
      - datastore_id: ref_number
        datastore_type: text
      - datastore_id: status
        datastore_type: text
        choices:
          open: Open
          closed: Closed
`), 0o644))
	model, err := schema.Load([]string{doc})
	require.NoError(t, err)

	RegisterModelTriggers(store, model)

	triggerName := schema.ChoiceTriggerName("grants", "status")
	err = store.CreateTable(ctx, stores.CreateTableRequest{
		ResourceId: "res-1",
		Fields: []stores.Field{
			{Id: "ref_number", Type: "text"},
			{Id: "status", Type: "text"},
		},
		PrimaryKey: []string{"ref_number"},
		Triggers:   []stores.Trigger{{Name: triggerName}},
	})
	require.NoError(t, err)

	err = store.Upsert(ctx, stores.UpsertRequest{
		ResourceId: "res-1",
		Method:     stores.MethodUpsert,
		Records: []stores.Record{
			{"ref_number": "GC-001", "status": "open"},
			{"ref_number": "GC-002", "status": "bogus"},
		},
	})

	var valErr *stores.ValidationError
	require.Error(t, err)
	require.True(t, errors.As(err, &valErr))
	require.Equal(t, 1, valErr.RowOffset)
	require.Contains(t, valErr.Fields, "status")

	// whole batch rolled back
	result, err := store.Search(ctx, stores.SearchRequest{ResourceId: "res-1", Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 0, result.Total)

	// valid rows pass, then RunTriggers re-validates after codes change
	err = store.Upsert(ctx, stores.UpsertRequest{
		ResourceId: "res-1",
		Method:     stores.MethodUpsert,
		Records:    []stores.Record{{"ref_number": "GC-001", "status": "open"}},
	})
	require.NoError(t, err)
	require.NoError(t, store.RunTriggers(ctx, "res-1"))

	store.RegisterTrigger(triggerName, choiceValidator("status", []string{"archived"}))
	err = store.RunTriggers(ctx, "res-1")
	require.True(t, errors.As(err, &valErr))
	require.Equal(t, 0, valErr.RowOffset)
}

func TestTransactionalImport(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	grantsTable(t, store, "res-1")

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	err = tx.Upsert(ctx, stores.UpsertRequest{
		ResourceId: "res-1",
		Method:     stores.MethodUpsert,
		Records:    []stores.Record{{"ref_number": "GC-001", "amount": "1", "status": "open"}},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	result, err := store.Search(ctx, stores.SearchRequest{ResourceId: "res-1", Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 0, result.Total)

	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	err = tx.Upsert(ctx, stores.UpsertRequest{
		ResourceId: "res-1",
		Method:     stores.MethodUpsert,
		Records:    []stores.Record{{"ref_number": "GC-001", "amount": "1", "status": "open"}},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Rollback(), "rollback after commit is a no-op")

	result, err = store.Search(ctx, stores.SearchRequest{ResourceId: "res-1", Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 1, result.Total)
}

func TestDropTable(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	grantsTable(t, store, "res-1")

	require.NoError(t, store.DropTable(ctx, "res-1"))
	_, err := store.TableFields(ctx, "res-1")
	require.True(t, errors.Is(err, stores.ErrNotFound))
	require.True(t, errors.Is(store.DropTable(ctx, "res-1"), stores.ErrNotFound))
}

func TestListValuesRoundTripAsJoinedText(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	err := store.CreateTable(ctx, stores.CreateTableRequest{
		ResourceId: "res-1",
		Fields: []stores.Field{
			{Id: "ref_number", Type: "text"},
			{Id: "tags", Type: "_text"},
		},
		PrimaryKey: []string{"ref_number"},
	})
	require.NoError(t, err)

	err = store.Upsert(ctx, stores.UpsertRequest{
		ResourceId: "res-1",
		Method:     stores.MethodUpsert,
		Records:    []stores.Record{{"ref_number": "GC-001", "tags": []string{"a", "b"}}},
	})
	require.NoError(t, err)

	result, err := store.Search(ctx, stores.SearchRequest{ResourceId: "res-1", Limit: 1})
	require.NoError(t, err)
	require.Equal(t, "a, b", result.Records[0]["tags"])
}
