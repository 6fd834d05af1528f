package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNotFound reports a lookup for a dataset type or resource name that no
// loaded definition declares.
var ErrNotFound = errors.New("not found in loaded definitions")

// ConfigError is a fatal inconsistency detected while loading definition
// documents. It aborts the load; nothing partial is returned.
type ConfigError struct {
	Document string
	Message  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: %v", e.Document, e.Message)
}

// Model is the immutable snapshot of every loaded dataset-type definition.
// Construct it once with Load and pass it by reference; there is no global
// registry.
type Model struct {
	genos   map[string]*Geno
	chromos map[string]*Chromo

	// source documents, for duplicate diagnostics
	genoDoc   map[string]string
	chromoDoc map[string]string

	// DefaultLanguage is used as the fallback when resolving localized text.
	DefaultLanguage string
}

// Load reads dataset-type definitions from the given locations (local file
// paths or http(s) URLs), one geno per document, and validates the global
// invariants: dataset types, resource names, published resource ids, and
// trigger names must each be unique across all documents.
func Load(locations []string) (*Model, error) {
	m := &Model{
		genos:           map[string]*Geno{},
		chromos:         map[string]*Chromo{},
		genoDoc:         map[string]string{},
		chromoDoc:       map[string]string{},
		DefaultLanguage: "en",
	}

	publishedDoc := map[string]string{}
	triggerDoc := map[string]string{}

	for _, loc := range locations {
		data, err := readDocument(loc)
		if err != nil {
			return nil, fmt.Errorf("error reading definition document %v: %w", loc, err)
		}

		var geno Geno
		// JSON documents decode through the YAML parser as well; the extension
		// check in readDocument already vetted the format.
		if err := yaml.Unmarshal(data, &geno); err != nil {
			return nil, fmt.Errorf("error parsing definition document %v: %w", loc, err)
		}

		if err := m.addGeno(&geno, loc, publishedDoc, triggerDoc); err != nil {
			return nil, err
		}
	}

	slog.Info("dataset-type definitions loaded", "documents", len(locations),
		"dataset_types", len(m.genos), "resources", len(m.chromos))

	return m, nil
}

func (m *Model) addGeno(geno *Geno, doc string, publishedDoc, triggerDoc map[string]string) error {
	if geno.DatasetType == "" {
		return &ConfigError{Document: doc, Message: "missing dataset_type"}
	}
	if prev, ok := m.genoDoc[geno.DatasetType]; ok {
		return &ConfigError{Document: doc, Message: fmt.Sprintf(
			"duplicate dataset type %q, first defined in %v", geno.DatasetType, prev)}
	}

	for _, chromo := range geno.Resources {
		chromo.DatasetType = geno.DatasetType

		if chromo.ResourceName == "" {
			return &ConfigError{Document: doc, Message: fmt.Sprintf(
				"dataset type %q has a resource without resource_name", geno.DatasetType)}
		}
		if prev, ok := m.chromoDoc[chromo.ResourceName]; ok {
			return &ConfigError{Document: doc, Message: fmt.Sprintf(
				"duplicate resource name %q, first defined in %v", chromo.ResourceName, prev)}
		}
		if chromo.PublishedResourceId != "" {
			if prev, ok := publishedDoc[chromo.PublishedResourceId]; ok {
				return &ConfigError{Document: doc, Message: fmt.Sprintf(
					"duplicate published resource id %q, first defined in %v",
					chromo.PublishedResourceId, prev)}
			}
			publishedDoc[chromo.PublishedResourceId] = doc
		}

		if err := m.validateChromo(chromo, doc, triggerDoc); err != nil {
			return err
		}

		m.chromos[chromo.ResourceName] = chromo
		m.chromoDoc[chromo.ResourceName] = doc
	}

	m.genos[geno.DatasetType] = geno
	m.genoDoc[geno.DatasetType] = doc
	return nil
}

func (m *Model) validateChromo(chromo *Chromo, doc string, triggerDoc map[string]string) error {
	seen := map[string]bool{}
	reserved := map[string]bool{}

	for _, f := range chromo.Fields {
		if f.Id == "" {
			return &ConfigError{Document: doc, Message: fmt.Sprintf(
				"resource %q has a field without datastore_id", chromo.ResourceName)}
		}
		if seen[f.Id] {
			return &ConfigError{Document: doc, Message: fmt.Sprintf(
				"resource %q declares field %q twice", chromo.ResourceName, f.Id)}
		}
		seen[f.Id] = true

		if !knownTypes[f.Type] {
			return &ConfigError{Document: doc, Message: fmt.Sprintf(
				"resource %q field %q has unknown datastore_type %q",
				chromo.ResourceName, f.Id, f.Type)}
		}

		if f.ChoicesFile != "" {
			if err := loadChoicesFile(f, doc); err != nil {
				return &ConfigError{Document: doc, Message: fmt.Sprintf(
					"resource %q field %q: %v", chromo.ResourceName, f.Id, err)}
			}
		}
		if f.HasChoices() {
			sortChoices(f.Choices, f.ChoiceOrder, m.DefaultLanguage)
			reserved[ChoiceTriggerName(chromo.ResourceName, f.Id)] = true
		}
	}

	for _, key := range chromo.PrimaryKey {
		if !seen[key] {
			return &ConfigError{Document: doc, Message: fmt.Sprintf(
				"resource %q primary key names unknown field %q", chromo.ResourceName, key)}
		}
	}

	for _, trig := range chromo.Triggers {
		if reserved[trig.Name] {
			return &ConfigError{Document: doc, Message: fmt.Sprintf(
				"trigger name %q collides with a reserved choice-validation name", trig.Name)}
		}
		// Bare references to shared routines may repeat across resources;
		// only inline definitions claim the name globally.
		if trig.Body == "" {
			continue
		}
		if prev, ok := triggerDoc[trig.Name]; ok {
			return &ConfigError{Document: doc, Message: fmt.Sprintf(
				"duplicate trigger name %q, first defined in %v", trig.Name, prev)}
		}
		triggerDoc[trig.Name] = doc
	}

	return nil
}

// ChoiceTriggerName is the reserved routine name synthesized for a choice
// field's validation trigger.
func ChoiceTriggerName(resourceName, fieldId string) string {
	return resourceName + "_" + fieldId + "_choices"
}

// choicesFileEntry mirrors the two accepted shapes of an external choices
// document: a code -> label mapping or a list of {code, label} objects.
func loadChoicesFile(f *Field, doc string) error {
	if strings.HasPrefix(doc, "http://") || strings.HasPrefix(doc, "https://") {
		return fmt.Errorf("choices_file is not supported for remote definition documents")
	}

	loc := filepath.Join(filepath.Dir(doc), f.ChoicesFile)
	data, err := os.ReadFile(loc)
	if err != nil {
		return fmt.Errorf("error reading choices file: %w", err)
	}

	var byCode map[string]LocalizedText
	if err := json.Unmarshal(data, &jsonLocalizedMap{&byCode}); err != nil {
		return fmt.Errorf("error parsing choices file %v: %w", loc, err)
	}

	seen := map[string]bool{}
	for _, c := range f.Choices {
		seen[c.Code] = true
	}
	for code, label := range byCode {
		if seen[code] {
			return fmt.Errorf("choices file %v repeats code %q", loc, code)
		}
		f.Choices = append(f.Choices, Choice{Code: code, Label: label})
	}
	return nil
}

// jsonLocalizedMap adapts the choices-file JSON, where each label is either a
// string or a {language: string} object.
type jsonLocalizedMap struct {
	dest *map[string]LocalizedText
}

func (j *jsonLocalizedMap) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(map[string]LocalizedText, len(raw))
	for code, val := range raw {
		var text LocalizedText
		if err := json.Unmarshal(val, &text.Plain); err == nil {
			out[code] = text
			continue
		}
		if err := json.Unmarshal(val, &text.ByLanguage); err != nil {
			return fmt.Errorf("label for code %q must be a string or language mapping", code)
		}
		out[code] = text
	}
	*j.dest = out
	return nil
}

func readDocument(loc string) ([]byte, error) {
	switch strings.ToLower(path.Ext(loc)) {
	case ".yaml", ".yml", ".json":
	default:
		return nil, fmt.Errorf("unsupported definition document extension on %v", loc)
	}

	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		res, err := http.Get(loc)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetching document returned status %d", res.StatusCode)
		}
		return io.ReadAll(res.Body)
	}

	return os.ReadFile(loc)
}

// DatasetTypes returns the sorted names of every loaded dataset type.
func (m *Model) DatasetTypes() []string {
	names := make([]string, 0, len(m.genos))
	for name := range m.genos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TargetDatasets returns the sorted, de-duplicated target collection names.
// A geno without an explicit target belongs to its own dataset type.
func (m *Model) TargetDatasets() []string {
	set := map[string]bool{}
	for _, geno := range m.genos {
		target := geno.Target
		if target == "" {
			target = geno.DatasetType
		}
		set[target] = true
	}
	targets := make([]string, 0, len(set))
	for t := range set {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	return targets
}

// Geno returns the definition for a dataset type.
func (m *Model) Geno(datasetType string) (*Geno, error) {
	geno, ok := m.genos[datasetType]
	if !ok {
		return nil, fmt.Errorf("dataset type %q: %w", datasetType, ErrNotFound)
	}
	return geno, nil
}

// Chromo returns the resource definition for a resource name. Resource names
// are a global namespace across all dataset types.
func (m *Model) Chromo(resourceName string) (*Chromo, error) {
	chromo, ok := m.chromos[resourceName]
	if !ok {
		return nil, fmt.Errorf("resource %q: %w", resourceName, ErrNotFound)
	}
	return chromo, nil
}

// DatasetTypeForResource returns the dataset type that declares the resource.
func (m *Model) DatasetTypeForResource(resourceName string) (string, error) {
	chromo, err := m.Chromo(resourceName)
	if err != nil {
		return "", err
	}
	return chromo.DatasetType, nil
}

// ResourceNames returns the sorted names of every loaded resource definition.
func (m *Model) ResourceNames() []string {
	names := make([]string, 0, len(m.chromos))
	for name := range m.chromos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
