// Package sqlstore implements both store contracts over a SQL database
// through gorm. It is the reference implementation used by the local server
// mode and the test harness; production deployments typically point at a
// remote action API instead (see ckanapi).
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/open-data/recombinant/recombinant/stores"
)

// datasetRecord and resourceRecord hold the metadata side of the contract.
type datasetRecord struct {
	Id       string `gorm:"primaryKey"`
	Type     string `gorm:"index"`
	Title    string
	Notes    string
	OwnerOrg string `gorm:"index"`

	Resources []resourceRecord `gorm:"foreignKey:DatasetId;constraint:OnDelete:CASCADE;"`
}

type resourceRecord struct {
	Id        string `gorm:"primaryKey"`
	DatasetId string `gorm:"index"`
	Position  int

	Name        string
	Description string
	URL         string
	URLType     string
}

// tableInfo remembers the declared key and attached trigger names of each
// data table, which the database schema alone cannot express portably.
type tableInfo struct {
	ResourceId string `gorm:"primaryKey"`
	PrimaryKey string // comma-joined column names
	Triggers   string // comma-joined routine names
}

// Store implements stores.RecordStore and stores.TxRowStore over one gorm
// connection.
type Store struct {
	db       *gorm.DB
	routines map[string]TriggerFunc
}

// Open prepares the metadata tables and returns the store.
func Open(db *gorm.DB) (*Store, error) {
	err := db.AutoMigrate(&datasetRecord{}, &resourceRecord{}, &tableInfo{})
	if err != nil {
		return nil, fmt.Errorf("error migrating store tables: %w", err)
	}
	return &Store{db: db, routines: map[string]TriggerFunc{}}, nil
}

func dbError(action string, err error) error {
	slog.Error("database error", "action", action, "error", err)
	return fmt.Errorf("database error %v: %w", action, err)
}

func (s *Store) CreateDataset(_ context.Context, d stores.Dataset) (stores.Dataset, error) {
	if d.Id == "" {
		d.Id = uuid.NewString()
	}
	rec := datasetRecord{
		Id: d.Id, Type: d.Type, Title: d.Title, Notes: d.Notes, OwnerOrg: d.OwnerOrg,
	}
	for i, res := range d.Resources {
		if res.Id == "" {
			res.Id = uuid.NewString()
		}
		rec.Resources = append(rec.Resources, resourceRecord{
			Id: res.Id, DatasetId: d.Id, Position: i,
			Name: res.Name, Description: res.Description, URL: res.URL, URLType: res.URLType,
		})
	}

	if result := s.db.Create(&rec); result.Error != nil {
		return stores.Dataset{}, dbError("creating dataset", result.Error)
	}
	return toDataset(rec), nil
}

func (s *Store) ShowDataset(_ context.Context, id string) (stores.Dataset, error) {
	rec, err := s.getDataset(s.db, id)
	if err != nil {
		return stores.Dataset{}, err
	}
	return toDataset(rec), nil
}

func (s *Store) getDataset(db *gorm.DB, id string) (datasetRecord, error) {
	var rec datasetRecord
	result := db.Preload("Resources", func(db *gorm.DB) *gorm.DB {
		return db.Order("position")
	}).First(&rec, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return datasetRecord{}, fmt.Errorf("dataset %v: %w", id, stores.ErrNotFound)
		}
		return datasetRecord{}, dbError("loading dataset", result.Error)
	}
	return rec, nil
}

// UpdateDataset replaces the metadata and the full resource list. Resources
// absent from d are removed from the dataset; new entries are assigned ids.
func (s *Store) UpdateDataset(_ context.Context, d stores.Dataset) error {
	return s.db.Transaction(func(txn *gorm.DB) error {
		if _, err := s.getDataset(txn, d.Id); err != nil {
			return err
		}

		updates := map[string]any{
			"type": d.Type, "title": d.Title, "notes": d.Notes, "owner_org": d.OwnerOrg,
		}
		if result := txn.Model(&datasetRecord{Id: d.Id}).Updates(updates); result.Error != nil {
			return dbError("updating dataset", result.Error)
		}

		if result := txn.Delete(&resourceRecord{}, "dataset_id = ?", d.Id); result.Error != nil {
			return dbError("replacing dataset resources", result.Error)
		}
		for i, res := range d.Resources {
			if res.Id == "" {
				res.Id = uuid.NewString()
			}
			rec := resourceRecord{
				Id: res.Id, DatasetId: d.Id, Position: i,
				Name: res.Name, Description: res.Description, URL: res.URL, URLType: res.URLType,
			}
			if result := txn.Create(&rec); result.Error != nil {
				return dbError("replacing dataset resources", result.Error)
			}
		}
		return nil
	})
}

func (s *Store) DeleteDataset(_ context.Context, id string) error {
	return s.db.Transaction(func(txn *gorm.DB) error {
		if _, err := s.getDataset(txn, id); err != nil {
			return err
		}
		if result := txn.Delete(&resourceRecord{}, "dataset_id = ?", id); result.Error != nil {
			return dbError("deleting dataset resources", result.Error)
		}
		if result := txn.Delete(&datasetRecord{Id: id}); result.Error != nil {
			return dbError("deleting dataset", result.Error)
		}
		return nil
	})
}

func (s *Store) SearchDatasets(_ context.Context, q stores.DatasetQuery) ([]stores.Dataset, error) {
	db := s.db.Preload("Resources", func(db *gorm.DB) *gorm.DB {
		return db.Order("position")
	}).Order("id")
	if q.Type != "" {
		db = db.Where("type = ?", q.Type)
	}
	if q.OwnerOrg != "" {
		db = db.Where("owner_org = ?", q.OwnerOrg)
	}
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}

	var recs []datasetRecord
	if result := db.Find(&recs); result.Error != nil {
		return nil, dbError("searching datasets", result.Error)
	}

	datasets := make([]stores.Dataset, 0, len(recs))
	for _, rec := range recs {
		datasets = append(datasets, toDataset(rec))
	}
	return datasets, nil
}

func toDataset(rec datasetRecord) stores.Dataset {
	d := stores.Dataset{
		Id: rec.Id, Type: rec.Type, Title: rec.Title, Notes: rec.Notes, OwnerOrg: rec.OwnerOrg,
	}
	resources := append([]resourceRecord{}, rec.Resources...)
	sort.Slice(resources, func(i, j int) bool { return resources[i].Position < resources[j].Position })
	for _, res := range resources {
		d.Resources = append(d.Resources, stores.Resource{
			Id: res.Id, DatasetId: res.DatasetId,
			Name: res.Name, Description: res.Description, URL: res.URL, URLType: res.URLType,
		})
	}
	return d
}

// quoteIdent quotes a SQL identifier with double quotes, doubling any
// embedded quote characters.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteIdents(names []string) []string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = quoteIdent(name)
	}
	return quoted
}
