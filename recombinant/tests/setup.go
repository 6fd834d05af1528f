package tests

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/open-data/recombinant/recombinant/auth"
	"github.com/open-data/recombinant/recombinant/schema"
	"github.com/open-data/recombinant/recombinant/services"
	"github.com/open-data/recombinant/recombinant/sqlstore"
)

const grantsDefinition = `
dataset_type: grants
target_dataset: grants
title: Grants and Contributions
notes: Proactive publication of grants.
resources:
  - resource_name: grants
    title: Grants Data
    published_resource_id: pub-grants-1
    datastore_primary_key: [ref_number]
    datastore_indexes: [status]
    fields:
      - datastore_id: ref_number
        datastore_type: text
        label: Reference Number
      - datastore_id: amount
        datastore_type: money
        label: Amount
      - datastore_id: status
        datastore_type: text
        label:
          en: Status
          fr: Statut
        choices:
          open: Open
          closed: Closed
      - datastore_id: tags
        datastore_type: _text
        label: Tags
    csv_org_extras: [sector]
`

type testEnv struct {
	api      chi.Router
	model    *schema.Model
	store    *sqlstore.Store
	userAuth *auth.JwtManager
}

func setupTestEnv(t *testing.T) testEnv {
	t.Helper()

	doc := filepath.Join(t.TempDir(), "grants.yaml")
	if err := os.WriteFile(doc, []byte(grantsDefinition), 0o644); err != nil {
		t.Fatal(err)
	}
	model, err := schema.Load([]string{doc})
	if err != nil {
		t.Fatal(err)
	}

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	store, err := sqlstore.Open(db)
	if err != nil {
		t.Fatal(err)
	}
	sqlstore.RegisterModelTriggers(store, model)

	userAuth := auth.NewJwtManager([]byte("test-secret"))
	service := services.New(model, store, store, userAuth)

	return testEnv{api: service.Routes(), model: model, store: store, userAuth: userAuth}
}

func (e *testEnv) newClient(t *testing.T, user, ownerOrg string, sysadmin bool) client {
	t.Helper()
	token, err := e.userAuth.CreateToken(user, ownerOrg, sysadmin, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return client{api: e.api, token: token}
}
