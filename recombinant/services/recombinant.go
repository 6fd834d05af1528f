// Package services exposes the engine over HTTP. Definition browsing is
// public; dataset lifecycle and data exchange require a verified token scoped
// to an organization.
package services

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/open-data/recombinant/recombinant/auth"
	"github.com/open-data/recombinant/recombinant/reconcile"
	"github.com/open-data/recombinant/recombinant/schema"
	"github.com/open-data/recombinant/recombinant/stores"
)

type RecombinantService struct {
	Definitions *DefinitionService
	Datasets    *DatasetService
	Exchange    *ExchangeService
}

func New(
	model *schema.Model,
	records stores.RecordStore,
	rows stores.RowStore,
	userAuth *auth.JwtManager,
) *RecombinantService {
	rec := reconcile.New(model, records, rows)
	return &RecombinantService{
		Definitions: &DefinitionService{model: model},
		Datasets: &DatasetService{
			model: model, records: records, rows: rows,
			rec: rec, userAuth: userAuth,
		},
		Exchange: &ExchangeService{
			model: model, records: records, rows: rows,
			rec: rec, userAuth: userAuth,
		},
	}
}

func (s *RecombinantService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Mount("/definitions", s.Definitions.Routes())
	r.Mount("/datasets", s.Datasets.Routes())
	r.Mount("/exchange", s.Exchange.Routes())

	return r
}
