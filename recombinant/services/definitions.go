package services

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/open-data/recombinant/recombinant/schema"
)

// DefinitionService serves read-only views of the loaded dataset-type
// definitions. No authentication: definitions carry no data.
type DefinitionService struct {
	model *schema.Model
}

func (s *DefinitionService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", s.ListTypes)
	r.Get("/{dataset_type}", s.ShowType)

	return r
}

type datasetTypeInfo struct {
	DatasetType string         `json:"dataset_type"`
	Title       string         `json:"title"`
	Notes       string         `json:"notes"`
	Resources   []resourceInfo `json:"resources"`
}

type resourceInfo struct {
	Name       string      `json:"name"`
	Title      string      `json:"title"`
	PrimaryKey []string    `json:"primary_key"`
	Fields     []fieldInfo `json:"fields"`
}

type fieldInfo struct {
	Id      string       `json:"id"`
	Type    string       `json:"type"`
	Label   string       `json:"label"`
	Choices []choiceInfo `json:"choices,omitempty"`
}

type choiceInfo struct {
	Code  string `json:"code"`
	Label string `json:"label"`
}

func (s *DefinitionService) ListTypes(w http.ResponseWriter, r *http.Request) {
	types := s.model.DatasetTypes()
	sort.Strings(types)
	writeJsonResponse(w, map[string][]string{"dataset_types": types})
}

func (s *DefinitionService) ShowType(w http.ResponseWriter, r *http.Request) {
	lang := s.requestLanguage(r)

	geno, err := s.model.Geno(chi.URLParam(r, "dataset_type"))
	if err != nil {
		writeErrorResponse(w, err)
		return
	}

	info := datasetTypeInfo{
		DatasetType: geno.DatasetType,
		Title:       geno.Title,
		Notes:       geno.Notes,
		Resources:   make([]resourceInfo, 0, len(geno.Resources)),
	}
	for _, chromo := range geno.Resources {
		res := resourceInfo{
			Name:       chromo.ResourceName,
			Title:      chromo.Title,
			PrimaryKey: chromo.PrimaryKey,
			Fields:     make([]fieldInfo, 0, len(chromo.Fields)),
		}
		for _, f := range chromo.Fields {
			field := fieldInfo{
				Id:    f.Id,
				Type:  string(f.Type),
				Label: f.Label.Resolve(lang, s.model.DefaultLanguage),
			}
			for _, c := range f.Choices {
				field.Choices = append(field.Choices, choiceInfo{
					Code: c.Code, Label: c.Label.Resolve(lang, s.model.DefaultLanguage),
				})
			}
			res.Fields = append(res.Fields, field)
		}
		info.Resources = append(info.Resources, res)
	}

	writeJsonResponse(w, info)
}

func (s *DefinitionService) requestLanguage(r *http.Request) string {
	if lang := r.URL.Query().Get("lang"); lang != "" {
		return lang
	}
	return s.model.DefaultLanguage
}
