// Package reconcile converges organization-scoped datasets and their backing
// tables toward the loaded definitions. It is driven on demand, never
// continuously, and re-running it against an already-synced dataset issues no
// commands.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/open-data/recombinant/recombinant/schema"
	"github.com/open-data/recombinant/recombinant/stores"
)

// DuplicateDatasetError reports more than one dataset matching a
// (dataset type, organization) pair. The pair is expected to be unique; a
// violation is an error state to surface, never silently resolved.
type DuplicateDatasetError struct {
	Type     string
	OwnerOrg string
	Count    int
}

func (e *DuplicateDatasetError) Error() string {
	return fmt.Sprintf("%d datasets match type %v and organization %v, expected one",
		e.Count, e.Type, e.OwnerOrg)
}

// legacyResourceName is the resource name used by first-generation datasets
// before resources were named after their definitions.
const legacyResourceName = "data"

// Options control how far convergence is allowed to go. The zero value is the
// safe additive mode.
type Options struct {
	// ForceUpdate applies the table update even when every declared column is
	// already present.
	ForceUpdate bool

	// DeleteFields drops table columns absent from the declared field set.
	DeleteFields bool

	// DeleteResources drops dataset resources absent from the declared
	// definition. Without it, externally added resources are left untouched.
	DeleteResources bool
}

// Result records the commands a convergence pass issued, so callers (and the
// idempotence tests) can see whether anything was out of sync.
type Result struct {
	DatasetId       string   `json:"dataset_id"`
	CreatedDataset  bool     `json:"created_dataset"`
	UpdatedMetadata bool     `json:"updated_metadata"`
	CreatedTables   []string `json:"created_tables"`
	UpdatedTables   []string `json:"updated_tables"`
}

// Changed reports whether the pass issued any create or update command.
func (r Result) Changed() bool {
	return r.CreatedDataset || r.UpdatedMetadata ||
		len(r.CreatedTables) > 0 || len(r.UpdatedTables) > 0
}

// Reconciler drives the record store and row store toward the declared
// definitions.
type Reconciler struct {
	model   *schema.Model
	records stores.RecordStore
	rows    stores.RowStore
}

func New(model *schema.Model, records stores.RecordStore, rows stores.RowStore) *Reconciler {
	return &Reconciler{model: model, records: records, rows: rows}
}

// Lookup returns the single dataset for the type and organization.
// ErrNotFound when none exists, *DuplicateDatasetError when more than one
// does.
func (r *Reconciler) Lookup(ctx context.Context, datasetType, ownerOrg string) (stores.Dataset, error) {
	matches, err := r.records.SearchDatasets(ctx, stores.DatasetQuery{
		Type: datasetType, OwnerOrg: ownerOrg, Limit: 2,
	})
	if err != nil {
		return stores.Dataset{}, fmt.Errorf("error searching datasets: %w", err)
	}
	switch len(matches) {
	case 0:
		return stores.Dataset{}, fmt.Errorf(
			"dataset type %v for organization %v: %w", datasetType, ownerOrg, stores.ErrNotFound)
	case 1:
		return matches[0], nil
	}
	return stores.Dataset{}, &DuplicateDatasetError{
		Type: datasetType, OwnerOrg: ownerOrg, Count: len(matches)}
}

// Create materializes a new dataset for the organization: the metadata record
// with one resource per declared definition, then the backing tables. The
// dataset must not already exist.
func (r *Reconciler) Create(ctx context.Context, datasetType, ownerOrg string) (stores.Dataset, error) {
	geno, err := r.model.Geno(datasetType)
	if err != nil {
		return stores.Dataset{}, err
	}

	if _, err := r.Lookup(ctx, datasetType, ownerOrg); err == nil {
		return stores.Dataset{}, fmt.Errorf(
			"dataset type %v already exists for organization %v", datasetType, ownerOrg)
	} else if !errors.Is(err, stores.ErrNotFound) {
		return stores.Dataset{}, err
	}

	dataset := datasetFromGeno(geno, ownerOrg)
	created, err := r.records.CreateDataset(ctx, dataset)
	if err != nil {
		return stores.Dataset{}, fmt.Errorf("error creating dataset: %w", err)
	}
	slog.Info("dataset created", "type", datasetType, "owner_org", ownerOrg, "id", created.Id)

	result := Result{DatasetId: created.Id, CreatedDataset: true}
	if err := r.syncTables(ctx, geno, created, Options{}, &result); err != nil {
		return stores.Dataset{}, err
	}
	return created, nil
}

// Update converges an existing dataset: metadata first, then every backing
// table. The dataset is created when absent.
func (r *Reconciler) Update(ctx context.Context, datasetType, ownerOrg string, opts Options) (Result, error) {
	geno, err := r.model.Geno(datasetType)
	if err != nil {
		return Result{}, err
	}

	dataset, err := r.Lookup(ctx, datasetType, ownerOrg)
	if errors.Is(err, stores.ErrNotFound) {
		created, err := r.Create(ctx, datasetType, ownerOrg)
		if err != nil {
			return Result{}, err
		}
		return Result{DatasetId: created.Id, CreatedDataset: true,
			CreatedTables: resourceIds(created)}, nil
	}
	if err != nil {
		return Result{}, err
	}

	result := Result{DatasetId: dataset.Id}

	dataset, err = r.syncMetadata(ctx, geno, dataset, opts, &result)
	if err != nil {
		return result, err
	}
	if err := r.syncTables(ctx, geno, dataset, opts, &result); err != nil {
		return result, err
	}
	return result, nil
}

// Delete removes the dataset's backing tables and then its metadata record.
func (r *Reconciler) Delete(ctx context.Context, datasetType, ownerOrg string) error {
	dataset, err := r.Lookup(ctx, datasetType, ownerOrg)
	if err != nil {
		return err
	}

	for _, res := range dataset.Resources {
		if err := r.rows.DropTable(ctx, res.Id); err != nil && !errors.Is(err, stores.ErrNotFound) {
			return fmt.Errorf("error dropping table for resource %v: %w", res.Id, err)
		}
	}
	if err := r.records.DeleteDataset(ctx, dataset.Id); err != nil {
		return fmt.Errorf("error deleting dataset %v: %w", dataset.Id, err)
	}
	slog.Info("dataset deleted", "type", datasetType, "owner_org", ownerOrg, "id", dataset.Id)
	return nil
}

func datasetFromGeno(geno *schema.Geno, ownerOrg string) stores.Dataset {
	dataset := stores.Dataset{
		Type:     geno.DatasetType,
		Title:    geno.Title,
		Notes:    geno.Notes,
		OwnerOrg: ownerOrg,
	}
	for _, chromo := range geno.Resources {
		dataset.Resources = append(dataset.Resources, resourceFromChromo(chromo))
	}
	return dataset
}

func resourceFromChromo(chromo *schema.Chromo) stores.Resource {
	return stores.Resource{
		Name:        chromo.ResourceName,
		Description: chromo.Title,
		// The record store requires a url even for resources that live only
		// in the row store.
		URL:     chromo.ResourceName,
		URLType: stores.URLTypeDatastore,
	}
}

// syncMetadata compares the dataset and resource metadata against the
// definition and issues one full-set update when anything differs. It returns
// the dataset as stored afterwards, so freshly added resources carry their
// assigned ids.
func (r *Reconciler) syncMetadata(ctx context.Context, geno *schema.Geno, dataset stores.Dataset, opts Options, result *Result) (stores.Dataset, error) {
	changed := false
	corrected := dataset
	corrected.Resources = append([]stores.Resource{}, dataset.Resources...)

	if corrected.Title != geno.Title || corrected.Notes != geno.Notes {
		corrected.Title, corrected.Notes = geno.Title, geno.Notes
		changed = true
	}

	// One-time migration: a single resource still carrying the legacy literal
	// name adopts the declared name.
	if len(corrected.Resources) == 1 && len(geno.Resources) == 1 &&
		corrected.Resources[0].Name == legacyResourceName {
		corrected.Resources[0].Name = geno.Resources[0].ResourceName
		changed = true
	}

	byName := map[string]int{}
	for i, res := range corrected.Resources {
		byName[res.Name] = i
	}

	for _, chromo := range geno.Resources {
		declared := resourceFromChromo(chromo)
		i, ok := byName[chromo.ResourceName]
		if !ok {
			corrected.Resources = append(corrected.Resources, declared)
			changed = true
			continue
		}
		live := corrected.Resources[i]
		if live.Description != declared.Description || live.URLType != declared.URLType {
			live.Description = declared.Description
			live.URL = declared.URL
			live.URLType = declared.URLType
			corrected.Resources[i] = live
			changed = true
		}
	}

	if opts.DeleteResources {
		kept := corrected.Resources[:0]
		for _, res := range corrected.Resources {
			if declaredResource(geno, res.Name) {
				kept = append(kept, res)
			} else {
				changed = true
			}
		}
		corrected.Resources = kept
	}

	if !changed {
		return dataset, nil
	}

	if err := r.records.UpdateDataset(ctx, corrected); err != nil {
		return dataset, fmt.Errorf("error updating dataset %v: %w", dataset.Id, err)
	}
	result.UpdatedMetadata = true
	slog.Info("dataset metadata updated", "id", dataset.Id, "type", geno.DatasetType)

	stored, err := r.records.ShowDataset(ctx, dataset.Id)
	if err != nil {
		return dataset, fmt.Errorf("error reloading dataset %v: %w", dataset.Id, err)
	}
	return stored, nil
}

func declaredResource(geno *schema.Geno, name string) bool {
	for _, chromo := range geno.Resources {
		if chromo.ResourceName == name {
			return true
		}
	}
	return false
}

// syncTables converges every declared resource's backing table. Trigger
// routines are (re)installed on every pass because their bodies can change
// independently of columns; a permission denial there is tolerated, ordinary
// callers cannot replace shared routines.
func (r *Reconciler) syncTables(ctx context.Context, geno *schema.Geno, dataset stores.Dataset, opts Options, result *Result) error {
	for _, chromo := range geno.Resources {
		resource, ok := findResource(dataset, chromo.ResourceName)
		if !ok {
			return fmt.Errorf("dataset %v has no resource named %v after metadata sync",
				dataset.Id, chromo.ResourceName)
		}

		routines, err := TriggerRoutines(chromo)
		if err != nil {
			return err
		}
		if len(routines) > 0 {
			if err := r.rows.CreateTriggerFunctions(ctx, routines); err != nil {
				if !errors.Is(err, stores.ErrNotAuthorized) {
					return fmt.Errorf("error installing trigger routines for %v: %w",
						chromo.ResourceName, err)
				}
				slog.Debug("not authorized to replace trigger routines, continuing",
					"resource", chromo.ResourceName)
			}
		}

		action, err := r.syncTable(ctx, geno, chromo, dataset, resource, opts)
		if err != nil {
			return err
		}
		switch action {
		case tableCreated:
			result.CreatedTables = append(result.CreatedTables, resource.Id)
		case tableUpdated:
			result.UpdatedTables = append(result.UpdatedTables, resource.Id)
		}
	}
	return nil
}

const (
	tableUnchanged = ""
	tableCreated   = "created"
	tableUpdated   = "updated"
)

func (r *Reconciler) syncTable(ctx context.Context, geno *schema.Geno, chromo *schema.Chromo, dataset stores.Dataset, resource stores.Resource, opts Options) (string, error) {
	declared := declaredFields(geno, chromo)

	existing, err := r.rows.TableFields(ctx, resource.Id)
	if errors.Is(err, stores.ErrNotFound) {
		if err := r.createTable(ctx, chromo, dataset, resource, declared, opts); err != nil {
			return tableUnchanged, err
		}
		return tableCreated, nil
	}
	if err != nil {
		return tableUnchanged, fmt.Errorf("error inspecting table for resource %v: %w", resource.Id, err)
	}

	// Presence only: column types and undeclared extra columns never trigger
	// an update on their own.
	merged := mergeFields(existing, declared, opts.DeleteFields)
	if !opts.ForceUpdate && fieldsEqual(merged, existing) {
		return tableUnchanged, nil
	}

	req := tableRequest(chromo, dataset, resource, merged, opts)
	if err := r.rows.CreateTable(ctx, req); err != nil {
		return tableUnchanged, fmt.Errorf("error updating table for resource %v: %w", resource.Id, err)
	}
	slog.Info("table updated", "resource_id", resource.Id, "resource", chromo.ResourceName)
	return tableUpdated, nil
}

func (r *Reconciler) createTable(ctx context.Context, chromo *schema.Chromo, dataset stores.Dataset, resource stores.Resource, declared []stores.Field, opts Options) error {
	req := tableRequest(chromo, dataset, resource, declared, opts)
	if err := r.rows.CreateTable(ctx, req); err != nil {
		return fmt.Errorf("error creating table for resource %v: %w", resource.Id, err)
	}
	slog.Info("table created", "resource_id", resource.Id, "resource", chromo.ResourceName)
	return nil
}

func tableRequest(chromo *schema.Chromo, dataset stores.Dataset, resource stores.Resource, fields []stores.Field, opts Options) stores.CreateTableRequest {
	return stores.CreateTableRequest{
		ResourceId:   resource.Id,
		Fields:       fields,
		PrimaryKey:   chromo.PrimaryKey,
		Indexes:      chromo.Indexes,
		ForeignKeys:  resolveForeignKeys(chromo, dataset),
		Triggers:     tableTriggers(chromo),
		Force:        opts.ForceUpdate,
		DeleteFields: opts.DeleteFields,
	}
}

// declaredFields maps the definition's non-computed fields to row-store
// columns. The legacy text-types mode declares every column as text.
func declaredFields(geno *schema.Geno, chromo *schema.Chromo) []stores.Field {
	var fields []stores.Field
	for _, f := range chromo.Fields {
		if f.Computed {
			continue
		}
		dtype := string(f.Type)
		if geno.TextTypes {
			dtype = string(schema.TypeText)
		}
		fields = append(fields, stores.Field{Id: f.Id, Type: dtype})
	}
	return fields
}

// mergeFields preserves the live column order, appends declared columns not
// yet present, and drops undeclared columns only when deletion was requested.
// Declared columns take the declared type; retained undeclared columns keep
// their live type.
func mergeFields(existing, declared []stores.Field, deleteFields bool) []stores.Field {
	declaredBy := map[string]stores.Field{}
	for _, f := range declared {
		declaredBy[f.Id] = f
	}

	var merged []stores.Field
	seen := map[string]bool{}
	for _, f := range existing {
		if d, ok := declaredBy[f.Id]; ok {
			merged = append(merged, d)
		} else if !deleteFields {
			merged = append(merged, f)
		}
		seen[f.Id] = true
	}
	for _, f := range declared {
		if !seen[f.Id] {
			merged = append(merged, f)
		}
	}
	return merged
}

func fieldsEqual(a, b []stores.Field) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Id != b[i].Id {
			return false
		}
	}
	return true
}

// resolveForeignKeys turns symbolic resource-name references into table
// identifiers within the same dataset. Names that resolve to no resource pass
// through verbatim; they are assumed to identify tables outside this dataset.
func resolveForeignKeys(chromo *schema.Chromo, dataset stores.Dataset) []stores.ForeignKey {
	refNames := make([]string, 0, len(chromo.ForeignKeys))
	for name := range chromo.ForeignKeys {
		refNames = append(refNames, name)
	}
	sort.Strings(refNames)

	var keys []stores.ForeignKey
	for _, refName := range refNames {
		mapping := chromo.ForeignKeys[refName]

		refTable := refName
		if res, ok := findResource(dataset, refName); ok {
			refTable = res.Id
		}

		locals := make([]string, 0, len(mapping))
		for local := range mapping {
			locals = append(locals, local)
		}
		sort.Strings(locals)

		fk := stores.ForeignKey{RefTable: refTable}
		for _, local := range locals {
			fk.Columns = append(fk.Columns, local)
			fk.RefColumns = append(fk.RefColumns, mapping[local])
		}
		keys = append(keys, fk)
	}
	return keys
}

func findResource(dataset stores.Dataset, name string) (stores.Resource, bool) {
	for _, res := range dataset.Resources {
		if res.Name == name {
			return res, true
		}
	}
	return stores.Resource{}, false
}

func resourceIds(dataset stores.Dataset) []string {
	ids := make([]string, 0, len(dataset.Resources))
	for _, res := range dataset.Resources {
		ids = append(ids, res.Id)
	}
	return ids
}
