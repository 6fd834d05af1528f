package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/open-data/recombinant/recombinant/auth"
	"github.com/open-data/recombinant/recombinant/bulkload"
	"github.com/open-data/recombinant/recombinant/canonical"
	"github.com/open-data/recombinant/recombinant/reconcile"
	"github.com/open-data/recombinant/recombinant/schema"
	"github.com/open-data/recombinant/recombinant/stores"
	"github.com/open-data/recombinant/recombinant/tabular"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// maxWorkbookBytes bounds uploaded workbook size. Interactive uploads are
// meant for thousands of rows, not bulk loads.
const maxWorkbookBytes = 50 << 20

// ExchangeService moves data in and out of datasets: excel templates and
// uploads for interactive editing, delimited exports for publication.
type ExchangeService struct {
	model   *schema.Model
	records stores.RecordStore
	rows    stores.RowStore

	rec      *reconcile.Reconciler
	userAuth *auth.JwtManager

	// OrgInfo resolves display metadata for an organization name. When nil the
	// name doubles as the title and no extra columns are filled.
	OrgInfo func(name string) tabular.Org
}

func (s *ExchangeService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.Verifier(), s.userAuth.Authenticator())

		r.Get("/template/{dataset_type}", s.DownloadTemplate)
		r.Post("/workbook/{dataset_type}", s.UploadWorkbook)
		r.Get("/csv/{resource_name}", s.ExportCsv)
	})

	return r
}

// DownloadTemplate writes an excel workbook for the caller's dataset. Existing
// rows are included so the workbook doubles as an editing surface; a dataset
// that has no data yet yields a blank template.
func (s *ExchangeService) DownloadTemplate(w http.ResponseWriter, r *http.Request) {
	datasetType := chi.URLParam(r, "dataset_type")

	ownerOrg, ok := requireOrgAccess(w, r, r.URL.Query().Get("owner_org"))
	if !ok {
		return
	}
	if _, err := s.model.Geno(datasetType); err != nil {
		writeErrorResponse(w, err)
		return
	}

	data, err := s.datasetContents(r.Context(), datasetType, ownerOrg)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%v_%v.xlsx"`, datasetType, ownerOrg))

	err = tabular.WriteWorkbook(w, s.model, datasetType, s.orgInfo(ownerOrg), data)
	if err != nil {
		// headers are already sent, the download arrives truncated
		slog.Error("error writing workbook", "dataset_type", datasetType, "error", err)
	}
}

// datasetContents loads every stored row of the dataset's resources, keyed by
// resource name. A missing dataset or table contributes no rows.
func (s *ExchangeService) datasetContents(ctx context.Context, datasetType, ownerOrg string) (tabular.WorkbookData, error) {
	dataset, err := s.rec.Lookup(ctx, datasetType, ownerOrg)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	geno, err := s.model.Geno(datasetType)
	if err != nil {
		return nil, err
	}

	data := tabular.WorkbookData{}
	for _, chromo := range geno.Resources {
		resource, ok := findResource(dataset, chromo.ResourceName)
		if !ok {
			continue
		}
		records, err := s.allRows(ctx, resource.Id)
		if err != nil {
			if errors.Is(err, stores.ErrNotFound) {
				continue
			}
			return nil, err
		}
		data[chromo.ResourceName] = records
	}
	return data, nil
}

func (s *ExchangeService) allRows(ctx context.Context, resourceId string) ([]stores.Record, error) {
	var records []stores.Record
	for offset := 0; ; {
		result, err := s.rows.Search(ctx, stores.SearchRequest{
			ResourceId: resourceId,
			Offset:     offset,
			Limit:      tabular.DefaultPageSize,
		})
		if err != nil {
			return nil, err
		}
		records = append(records, result.Records...)
		offset += len(result.Records)
		if len(result.Records) < tabular.DefaultPageSize || offset >= result.Total {
			return records, nil
		}
	}
}

type uploadResponse struct {
	Sheets  int  `json:"sheets"`
	Records int  `json:"records"`
	DryRun  bool `json:"dry_run"`
}

// UploadWorkbook validates and writes an uploaded workbook. All sheets are
// applied in one transaction where the row store supports it: any failing row
// rejects the whole upload. With dry_run=true the data is validated and rolled
// back.
func (s *ExchangeService) UploadWorkbook(w http.ResponseWriter, r *http.Request) {
	datasetType := chi.URLParam(r, "dataset_type")

	identity, err := auth.IdentityFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))

	contents, err := io.ReadAll(io.LimitReader(r.Body, maxWorkbookBytes))
	if err != nil {
		http.Error(w, fmt.Sprintf("error reading upload: %v", err), http.StatusBadRequest)
		return
	}

	sheets, err := tabular.ReadWorkbook(contents, s.model)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}

	submissions, total, err := s.sheetSubmissions(r.Context(), datasetType, identity, sheets)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}

	if err := s.applySubmissions(r.Context(), submissions, dryRun); err != nil {
		writeErrorResponse(w, err)
		return
	}

	writeJsonResponse(w, uploadResponse{
		Sheets: len(sheets), Records: total, DryRun: dryRun,
	})
}

func (s *ExchangeService) sheetSubmissions(ctx context.Context, datasetType string, identity auth.Identity, sheets []tabular.SheetData) ([]bulkload.Submission, int, error) {
	datasets := map[string]stores.Dataset{}
	var submissions []bulkload.Submission
	total := 0

	for _, sheet := range sheets {
		chromo, err := s.model.Chromo(sheet.ResourceName)
		if err != nil {
			return nil, 0, err
		}
		if chromo.DatasetType != datasetType {
			return nil, 0, &canonical.BadInputError{Message: fmt.Sprintf(
				"sheet %v belongs to dataset type %v", sheet.ResourceName, chromo.DatasetType)}
		}
		if !identity.CanAccessOrg(sheet.OwnerOrg) {
			return nil, 0, fmt.Errorf(
				"user %v cannot write to organization %v: %w",
				identity.User, sheet.OwnerOrg, stores.ErrNotAuthorized)
		}

		dataset, ok := datasets[sheet.OwnerOrg]
		if !ok {
			dataset, err = s.rec.Lookup(ctx, datasetType, sheet.OwnerOrg)
			if err != nil {
				return nil, 0, err
			}
			datasets[sheet.OwnerOrg] = dataset
		}
		resource, ok := findResource(dataset, sheet.ResourceName)
		if !ok {
			return nil, 0, fmt.Errorf(
				"dataset %v has no resource %v: %w",
				dataset.Id, sheet.ResourceName, stores.ErrNotFound)
		}

		submissions = append(submissions, bulkload.Submission{
			ResourceId: resource.Id,
			Method:     bulkload.Method(chromo),
			Records:    sheet.Records,
		})
		total += len(sheet.Records)
	}
	return submissions, total, nil
}

func (s *ExchangeService) applySubmissions(ctx context.Context, submissions []bulkload.Submission, dryRun bool) error {
	if txStore, ok := s.rows.(stores.TxRowStore); ok {
		return bulkload.LoadTransactional(ctx, txStore, submissions, dryRun)
	}

	// Without transactions each sheet is validated and written on its own;
	// dry_run still exercises the store-side validation per sheet.
	for _, sub := range submissions {
		if len(sub.Records) == 0 {
			continue
		}
		err := s.rows.Upsert(ctx, stores.UpsertRequest{
			ResourceId: sub.ResourceId,
			Method:     sub.Method,
			Records:    sub.Records,
			DryRun:     dryRun,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ExportCsv streams the published delimited form of one resource. Sysadmins
// export every organization's dataset of the type; other callers export their
// own organization only.
func (s *ExchangeService) ExportCsv(w http.ResponseWriter, r *http.Request) {
	resourceName := chi.URLParam(r, "resource_name")

	identity, err := auth.IdentityFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	chromo, err := s.model.Chromo(resourceName)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}

	sources, err := s.exportSources(r.Context(), chromo, identity, r.URL.Query().Get("owner_org"))
	if err != nil {
		writeErrorResponse(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%v.csv"`, resourceName))

	err = tabular.ExportDelimited(r.Context(), w, chromo, s.rows, sources, tabular.DefaultPageSize)
	if err != nil {
		slog.Error("error exporting resource", "resource", resourceName, "error", err)
	}
}

func (s *ExchangeService) exportSources(ctx context.Context, chromo *schema.Chromo, identity auth.Identity, ownerOrg string) ([]tabular.ResourceExport, error) {
	var datasets []stores.Dataset
	var err error

	if identity.Sysadmin && ownerOrg == "" {
		datasets, err = s.records.SearchDatasets(ctx, stores.DatasetQuery{Type: chromo.DatasetType})
		if err != nil {
			return nil, err
		}
	} else {
		if ownerOrg == "" {
			ownerOrg = identity.OwnerOrg
		}
		if !identity.CanAccessOrg(ownerOrg) {
			return nil, fmt.Errorf(
				"user %v cannot export organization %v: %w",
				identity.User, ownerOrg, stores.ErrNotAuthorized)
		}
		dataset, err := s.rec.Lookup(ctx, chromo.DatasetType, ownerOrg)
		if err != nil {
			return nil, err
		}
		datasets = []stores.Dataset{dataset}
	}

	var sources []tabular.ResourceExport
	for _, dataset := range datasets {
		resource, ok := findResource(dataset, chromo.ResourceName)
		if !ok {
			continue
		}
		sources = append(sources, tabular.ResourceExport{
			ResourceId: resource.Id,
			Org:        s.orgInfo(dataset.OwnerOrg),
		})
	}
	return sources, nil
}

func (s *ExchangeService) orgInfo(name string) tabular.Org {
	if s.OrgInfo != nil {
		return s.OrgInfo(name)
	}
	return tabular.Org{Name: name, Title: name}
}

func findResource(dataset stores.Dataset, name string) (stores.Resource, bool) {
	for _, res := range dataset.Resources {
		if res.Name == name {
			return res, true
		}
	}
	return stores.Resource{}, false
}
