package services

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/open-data/recombinant/recombinant/auth"
	"github.com/open-data/recombinant/recombinant/reconcile"
	"github.com/open-data/recombinant/recombinant/schema"
	"github.com/open-data/recombinant/recombinant/stores"
)

// DatasetService manages the lifecycle of organization-scoped dataset
// instances: creation, schema reconciliation, and deletion.
type DatasetService struct {
	model   *schema.Model
	records stores.RecordStore
	rows    stores.RowStore

	rec      *reconcile.Reconciler
	userAuth *auth.JwtManager
}

func (s *DatasetService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.Verifier(), s.userAuth.Authenticator())

		r.Get("/{dataset_type}", s.Show)
		r.Post("/{dataset_type}", s.Create)
		r.Post("/{dataset_type}/update", s.Update)
		r.Delete("/{dataset_type}", s.Delete)
	})

	return r
}

type datasetRequest struct {
	OwnerOrg string `json:"owner_org"`
}

type updateRequest struct {
	OwnerOrg        string `json:"owner_org"`
	ForceUpdate     bool   `json:"force_update"`
	DeleteFields    bool   `json:"delete_fields"`
	DeleteResources bool   `json:"delete_resources"`
}

func (s *DatasetService) Show(w http.ResponseWriter, r *http.Request) {
	datasetType := chi.URLParam(r, "dataset_type")

	ownerOrg, ok := requireOrgAccess(w, r, r.URL.Query().Get("owner_org"))
	if !ok {
		return
	}

	dataset, err := s.rec.Lookup(r.Context(), datasetType, ownerOrg)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJsonResponse(w, dataset)
}

func (s *DatasetService) Create(w http.ResponseWriter, r *http.Request) {
	datasetType := chi.URLParam(r, "dataset_type")

	var params datasetRequest
	if !parseRequestBody(w, r, &params) {
		return
	}
	ownerOrg, ok := requireOrgAccess(w, r, params.OwnerOrg)
	if !ok {
		return
	}

	dataset, err := s.rec.Create(r.Context(), datasetType, ownerOrg)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJsonResponse(w, dataset)
}

func (s *DatasetService) Update(w http.ResponseWriter, r *http.Request) {
	datasetType := chi.URLParam(r, "dataset_type")

	var params updateRequest
	if !parseRequestBody(w, r, &params) {
		return
	}
	ownerOrg, ok := requireOrgAccess(w, r, params.OwnerOrg)
	if !ok {
		return
	}

	result, err := s.rec.Update(r.Context(), datasetType, ownerOrg, reconcile.Options{
		ForceUpdate:     params.ForceUpdate,
		DeleteFields:    params.DeleteFields,
		DeleteResources: params.DeleteResources,
	})
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJsonResponse(w, result)
}

func (s *DatasetService) Delete(w http.ResponseWriter, r *http.Request) {
	datasetType := chi.URLParam(r, "dataset_type")

	ownerOrg, ok := requireOrgAccess(w, r, r.URL.Query().Get("owner_org"))
	if !ok {
		return
	}

	if err := s.rec.Delete(r.Context(), datasetType, ownerOrg); err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeSuccess(w)
}
