package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/open-data/recombinant/recombinant/stores"
)

// columnTypes maps declared field types to column definitions. The driver's
// type affinity accepts canonical string values for every one of these.
var columnTypes = map[string]string{
	"text":      "TEXT",
	"_text":     "TEXT",
	"int":       "INTEGER",
	"year":      "INTEGER",
	"month":     "INTEGER",
	"bigint":    "BIGINT",
	"numeric":   "NUMERIC",
	"money":     "NUMERIC",
	"date":      "DATE",
	"timestamp": "TIMESTAMP",
	"boolean":   "BOOLEAN",
}

func columnType(fieldType string) string {
	if t, ok := columnTypes[fieldType]; ok {
		return t
	}
	return "TEXT"
}

// listSeparator joins list-typed canonical values into their stored text
// form.
const listSeparator = ", "

func (s *Store) TableFields(_ context.Context, resourceId string) ([]stores.Field, error) {
	if !s.db.Migrator().HasTable(resourceId) {
		return nil, fmt.Errorf("table for resource %v: %w", resourceId, stores.ErrNotFound)
	}
	columns, err := s.db.Migrator().ColumnTypes(resourceId)
	if err != nil {
		return nil, dbError("inspecting table columns", err)
	}

	fields := make([]stores.Field, 0, len(columns))
	for _, col := range columns {
		fields = append(fields, stores.Field{
			Id:   col.Name(),
			Type: strings.ToLower(col.DatabaseTypeName()),
		})
	}
	return fields, nil
}

func (s *Store) CreateTable(_ context.Context, req stores.CreateTableRequest) error {
	return s.db.Transaction(func(txn *gorm.DB) error {
		if !txn.Migrator().HasTable(req.ResourceId) {
			if err := createDataTable(txn, req); err != nil {
				return err
			}
		} else if err := alterDataTable(txn, req); err != nil {
			return err
		}

		for _, col := range req.Indexes {
			stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %v ON %v (%v)",
				quoteIdent("ix_"+req.ResourceId+"_"+col), quoteIdent(req.ResourceId), quoteIdent(col))
			if result := txn.Exec(stmt); result.Error != nil {
				return dbError("creating index", result.Error)
			}
		}

		names := make([]string, 0, len(req.Triggers))
		for _, t := range req.Triggers {
			names = append(names, t.Name)
		}
		info := tableInfo{
			ResourceId: req.ResourceId,
			PrimaryKey: strings.Join(req.PrimaryKey, ","),
			Triggers:   strings.Join(names, ","),
		}
		if result := txn.Save(&info); result.Error != nil {
			return dbError("recording table definition", result.Error)
		}
		return nil
	})
}

func createDataTable(txn *gorm.DB, req stores.CreateTableRequest) error {
	var defs []string
	for _, f := range req.Fields {
		defs = append(defs, quoteIdent(f.Id)+" "+columnType(f.Type))
	}
	if len(req.PrimaryKey) > 0 {
		defs = append(defs, "PRIMARY KEY ("+strings.Join(quoteIdents(req.PrimaryKey), ", ")+")")
	}
	for _, fk := range req.ForeignKeys {
		defs = append(defs, fmt.Sprintf("FOREIGN KEY (%v) REFERENCES %v (%v)",
			strings.Join(quoteIdents(fk.Columns), ", "),
			quoteIdent(fk.RefTable),
			strings.Join(quoteIdents(fk.RefColumns), ", ")))
	}

	stmt := fmt.Sprintf("CREATE TABLE %v (%v)", quoteIdent(req.ResourceId), strings.Join(defs, ", "))
	if result := txn.Exec(stmt); result.Error != nil {
		return dbError("creating data table", result.Error)
	}
	return nil
}

// alterDataTable adds declared columns the table is missing and, when
// requested, drops the rest. Foreign keys and the primary key are fixed at
// creation time; altering them is not supported here.
func alterDataTable(txn *gorm.DB, req stores.CreateTableRequest) error {
	columns, err := txn.Migrator().ColumnTypes(req.ResourceId)
	if err != nil {
		return dbError("inspecting table columns", err)
	}
	existing := map[string]bool{}
	for _, col := range columns {
		existing[col.Name()] = true
	}
	declared := map[string]bool{}
	for _, f := range req.Fields {
		declared[f.Id] = true
	}

	for _, f := range req.Fields {
		if existing[f.Id] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %v ADD COLUMN %v %v",
			quoteIdent(req.ResourceId), quoteIdent(f.Id), columnType(f.Type))
		if result := txn.Exec(stmt); result.Error != nil {
			return dbError("adding table column", result.Error)
		}
	}

	if !req.DeleteFields {
		return nil
	}
	for _, col := range columns {
		if declared[col.Name()] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %v DROP COLUMN %v",
			quoteIdent(req.ResourceId), quoteIdent(col.Name()))
		if result := txn.Exec(stmt); result.Error != nil {
			return dbError("dropping table column", result.Error)
		}
	}
	return nil
}

func (s *Store) loadTableInfo(txn *gorm.DB, resourceId string) (tableInfo, error) {
	var info tableInfo
	result := txn.First(&info, "resource_id = ?", resourceId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return tableInfo{}, fmt.Errorf("table for resource %v: %w", resourceId, stores.ErrNotFound)
		}
		return tableInfo{}, dbError("loading table definition", result.Error)
	}
	return info, nil
}

func splitJoined(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ",")
}

func (s *Store) Search(_ context.Context, req stores.SearchRequest) (stores.SearchResult, error) {
	info, err := s.loadTableInfo(s.db, req.ResourceId)
	if err != nil {
		return stores.SearchResult{}, err
	}

	where, args := filterClause(req.Filters)

	var total int64
	count := "SELECT COUNT(*) FROM " + quoteIdent(req.ResourceId) + where
	if result := s.db.Raw(count, args...).Scan(&total); result.Error != nil {
		return stores.SearchResult{}, dbError("counting rows", result.Error)
	}

	query := "SELECT * FROM " + quoteIdent(req.ResourceId) + where
	if order := orderClause(req.Sort, info); order != "" {
		query += " ORDER BY " + order
	}
	if req.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(req.Limit)
	}
	if req.Offset > 0 {
		query += " OFFSET " + strconv.Itoa(req.Offset)
	}

	var raw []map[string]any
	if result := s.db.Raw(query, args...).Scan(&raw); result.Error != nil {
		return stores.SearchResult{}, dbError("searching rows", result.Error)
	}

	records := make([]stores.Record, 0, len(raw))
	for _, row := range raw {
		rec := stores.Record{}
		for col, val := range row {
			rec[col] = normalizeValue(val)
		}
		records = append(records, rec)
	}
	return stores.SearchResult{Records: records, Total: int(total)}, nil
}

func filterClause(filters map[string]any) (string, []any) {
	if len(filters) == 0 {
		return "", nil
	}
	cols := make([]string, 0, len(filters))
	for col := range filters {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var clauses []string
	var args []any
	for _, col := range cols {
		clauses = append(clauses, quoteIdent(col)+" = ?")
		args = append(args, encodeValue(filters[col]))
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func orderClause(sortExpr string, info tableInfo) string {
	cols := splitJoined(strings.ReplaceAll(sortExpr, ", ", ","))
	if len(cols) == 0 {
		cols = splitJoined(info.PrimaryKey)
	}
	if len(cols) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(cols))
	for _, col := range cols {
		quoted = append(quoted, quoteIdent(strings.TrimSpace(col)))
	}
	return strings.Join(quoted, ", ")
}

func (s *Store) Upsert(_ context.Context, req stores.UpsertRequest) error {
	txn := s.db.Begin()
	if txn.Error != nil {
		return dbError("opening transaction", txn.Error)
	}
	defer txn.Rollback()

	if err := s.applyUpsert(txn, req); err != nil {
		return err
	}
	if req.DryRun {
		return nil
	}
	if result := txn.Commit(); result.Error != nil {
		return dbError("committing upsert", result.Error)
	}
	return nil
}

// applyUpsert validates and writes every record on the given connection. The
// first failing record aborts with a *stores.ValidationError carrying its
// offset; the caller owns the transaction boundary.
func (s *Store) applyUpsert(txn *gorm.DB, req stores.UpsertRequest) error {
	info, err := s.loadTableInfo(txn, req.ResourceId)
	if err != nil {
		return err
	}
	pk := splitJoined(info.PrimaryKey)
	triggers := splitJoined(info.Triggers)

	for i, rec := range req.Records {
		if fieldErrs := s.runTriggerFuncs(triggers, rec); len(fieldErrs) > 0 {
			return &stores.ValidationError{RowOffset: i, Fields: fieldErrs}
		}
		if err := upsertRecord(txn, req.ResourceId, req.Method, pk, rec); err != nil {
			return &stores.ValidationError{
				RowOffset: i,
				Fields:    map[string][]string{"_record": {err.Error()}},
			}
		}
	}
	return nil
}

func (s *Store) runTriggerFuncs(names []string, rec stores.Record) map[string][]string {
	for _, name := range names {
		fn := s.routines[name]
		if fn == nil {
			continue
		}
		if fieldErrs := fn(rec); len(fieldErrs) > 0 {
			return fieldErrs
		}
	}
	return nil
}

func upsertRecord(txn *gorm.DB, resourceId, method string, pk []string, rec stores.Record) error {
	cols := make([]string, 0, len(rec))
	for col := range rec {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	placeholders := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for _, col := range cols {
		placeholders = append(placeholders, "?")
		args = append(args, encodeValue(rec[col]))
	}

	stmt := fmt.Sprintf("INSERT INTO %v (%v) VALUES (%v)",
		quoteIdent(resourceId),
		strings.Join(quoteIdents(cols), ", "),
		strings.Join(placeholders, ", "))

	if method == stores.MethodUpsert && len(pk) > 0 {
		var updates []string
		isKey := map[string]bool{}
		for _, k := range pk {
			isKey[k] = true
		}
		for _, col := range cols {
			if !isKey[col] {
				updates = append(updates, quoteIdent(col)+" = excluded."+quoteIdent(col))
			}
		}
		conflict := " ON CONFLICT (" + strings.Join(quoteIdents(pk), ", ") + ")"
		if len(updates) > 0 {
			stmt += conflict + " DO UPDATE SET " + strings.Join(updates, ", ")
		} else {
			stmt += conflict + " DO NOTHING"
		}
	}

	if result := txn.Exec(stmt, args...); result.Error != nil {
		return result.Error
	}
	return nil
}

func (s *Store) DeleteRows(_ context.Context, resourceId string, filters map[string]any) error {
	if _, err := s.loadTableInfo(s.db, resourceId); err != nil {
		return err
	}
	where, args := filterClause(filters)
	stmt := "DELETE FROM " + quoteIdent(resourceId) + where
	if result := s.db.Exec(stmt, args...); result.Error != nil {
		return dbError("deleting rows", result.Error)
	}
	return nil
}

func (s *Store) DropTable(_ context.Context, resourceId string) error {
	if !s.db.Migrator().HasTable(resourceId) {
		return fmt.Errorf("table for resource %v: %w", resourceId, stores.ErrNotFound)
	}
	return s.db.Transaction(func(txn *gorm.DB) error {
		if result := txn.Exec("DROP TABLE " + quoteIdent(resourceId)); result.Error != nil {
			return dbError("dropping data table", result.Error)
		}
		if result := txn.Delete(&tableInfo{ResourceId: resourceId}); result.Error != nil {
			return dbError("removing table definition", result.Error)
		}
		return nil
	})
}

// RunTriggers re-validates every stored row against the attached routines and
// reports the first failure with its offset in primary-key order.
func (s *Store) RunTriggers(ctx context.Context, resourceId string) error {
	info, err := s.loadTableInfo(s.db, resourceId)
	if err != nil {
		return err
	}
	triggers := splitJoined(info.Triggers)
	if len(triggers) == 0 {
		return nil
	}

	const page = 1000
	for offset := 0; ; offset += page {
		result, err := s.Search(ctx, stores.SearchRequest{
			ResourceId: resourceId, Offset: offset, Limit: page,
		})
		if err != nil {
			return err
		}
		for i, rec := range result.Records {
			if fieldErrs := s.runTriggerFuncs(triggers, rec); len(fieldErrs) > 0 {
				return &stores.ValidationError{RowOffset: offset + i, Fields: fieldErrs}
			}
		}
		if len(result.Records) < page {
			return nil
		}
	}
}

type rowTx struct {
	store *Store
	txn   *gorm.DB
	done  bool
}

// Begin opens one write transaction for a multi-batch import.
func (s *Store) Begin(_ context.Context) (stores.RowTx, error) {
	txn := s.db.Begin()
	if txn.Error != nil {
		return nil, dbError("opening transaction", txn.Error)
	}
	return &rowTx{store: s, txn: txn}, nil
}

func (t *rowTx) Upsert(_ context.Context, req stores.UpsertRequest) error {
	return t.store.applyUpsert(t.txn, req)
}

func (t *rowTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if result := t.txn.Commit(); result.Error != nil {
		return dbError("committing transaction", result.Error)
	}
	return nil
}

func (t *rowTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if result := t.txn.Rollback(); result.Error != nil {
		return dbError("rolling back transaction", result.Error)
	}
	return nil
}

// encodeValue converts a canonical value to its stored form.
func encodeValue(v any) any {
	switch val := v.(type) {
	case []string:
		return strings.Join(val, listSeparator)
	default:
		return v
	}
}

// normalizeValue converts driver values back to canonical-friendly strings.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return val
	case []byte:
		return string(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		if val {
			return "TRUE"
		}
		return "FALSE"
	case time.Time:
		return val.Format("2006-01-02 15:04:05")
	}
	return fmt.Sprint(v)
}
