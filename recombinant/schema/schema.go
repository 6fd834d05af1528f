// Package schema holds the in-memory model of dataset-type definitions. A geno
// declares one dataset type; each of its chromos declares one table-backed
// resource. Definitions are loaded once from configuration documents and are
// read-only afterwards.
package schema

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// FieldType is the declared column type of a field. The values match the type
// names accepted by the row store.
type FieldType string

const (
	TypeText      FieldType = "text"
	TypeTextArray FieldType = "_text"
	TypeInt       FieldType = "int"
	TypeBigInt    FieldType = "bigint"
	TypeNumeric   FieldType = "numeric"
	TypeMoney     FieldType = "money"
	TypeYear      FieldType = "year"
	TypeMonth     FieldType = "month"
	TypeDate      FieldType = "date"
	TypeTimestamp FieldType = "timestamp"
	TypeBoolean   FieldType = "boolean"
)

var knownTypes = map[FieldType]bool{
	TypeText: true, TypeTextArray: true, TypeInt: true, TypeBigInt: true,
	TypeNumeric: true, TypeMoney: true, TypeYear: true, TypeMonth: true,
	TypeDate: true, TypeTimestamp: true, TypeBoolean: true,
}

// WholeNumber reports whether values of this type are integral, so that
// spreadsheet float coercions like "42.0" are rendered without the fraction.
func (t FieldType) WholeNumber() bool {
	switch t {
	case TypeInt, TypeBigInt, TypeYear, TypeMonth:
		return true
	}
	return false
}

// Choice is one enumerated valid value for a choice field.
type Choice struct {
	Code  string
	Label LocalizedText
}

// ChoiceOrder selects how a field's choices are sorted. It is a fixed set of
// comparators rather than an open expression.
type ChoiceOrder string

const (
	OrderByCode         ChoiceOrder = "code"
	OrderByLabel        ChoiceOrder = "label"
	OrderByCodeReverse  ChoiceOrder = "-code"
	OrderByLabelReverse ChoiceOrder = "-label"
)

// Field is one declared column of a resource.
type Field struct {
	Id          string        `yaml:"datastore_id"`
	Type        FieldType     `yaml:"datastore_type"`
	Label       LocalizedText `yaml:"label"`
	Description LocalizedText `yaml:"description"`

	Choices     ChoiceList  `yaml:"choices"`
	ChoicesFile string      `yaml:"choices_file"`
	ChoiceOrder ChoiceOrder `yaml:"choice_order"`

	// Computed fields are derived server-side: excluded from the import
	// template and never written back on import.
	Computed bool `yaml:"published_resource_computed_field"`

	// ImportTemplateInclude defaults to true when absent.
	ImportTemplateInclude *bool `yaml:"import_template_include"`
}

// InImportTemplate reports whether this field's column appears in the exchange
// formats.
func (f *Field) InImportTemplate() bool {
	if f.Computed {
		return false
	}
	return f.ImportTemplateInclude == nil || *f.ImportTemplateInclude
}

// HasChoices reports whether the field is restricted to an enumerated set.
func (f *Field) HasChoices() bool {
	return len(f.Choices) > 0
}

// ChoiceCodes returns the valid codes in declared choice order.
func (f *Field) ChoiceCodes() []string {
	codes := make([]string, 0, len(f.Choices))
	for _, c := range f.Choices {
		codes = append(codes, c.Code)
	}
	return codes
}

// Chromo is the declared definition of one resource within a dataset type.
type Chromo struct {
	ResourceName string `yaml:"resource_name"`
	Title        string `yaml:"title"`
	Description  string `yaml:"description"`

	// PublishedResourceId is the externally published identifier for this
	// resource, unique across all documents.
	PublishedResourceId string `yaml:"published_resource_id"`

	Fields []*Field `yaml:"fields"`

	PrimaryKey []string `yaml:"datastore_primary_key"`
	Indexes    []string `yaml:"datastore_indexes"`

	// ForeignKeys maps a referenced resource name to a local-column ->
	// referenced-column mapping.
	ForeignKeys map[string]map[string]string `yaml:"datastore_foreign_keys"`

	Triggers []TriggerRef `yaml:"triggers"`

	// ExtraColumns are organization-derived columns appended on export.
	ExtraColumns []string `yaml:"csv_org_extras"`

	// DatasetType is the back-reference to the owning geno, set at load time.
	DatasetType string `yaml:"-"`
}

// Field returns the field with the given datastore id, or nil.
func (c *Chromo) Field(id string) *Field {
	for _, f := range c.Fields {
		if f.Id == id {
			return f
		}
	}
	return nil
}

// IsPrimaryKey reports whether the field id is part of the declared key.
func (c *Chromo) IsPrimaryKey(id string) bool {
	for _, k := range c.PrimaryKey {
		if k == id {
			return true
		}
	}
	return false
}

// TemplateFieldIds returns the ordered datastore ids expected in the exchange
// header: fields marked for inclusion, computed fields excluded.
func (c *Chromo) TemplateFieldIds() []string {
	ids := make([]string, 0, len(c.Fields))
	for _, f := range c.Fields {
		if f.InImportTemplate() {
			ids = append(ids, f.Id)
		}
	}
	return ids
}

// Geno is the declared definition of one dataset type.
type Geno struct {
	DatasetType string `yaml:"dataset_type"`
	Target      string `yaml:"target_dataset"`
	Title       string `yaml:"title"`
	Notes       string `yaml:"notes"`

	// TextTypes is a legacy compatibility mode where every column is created
	// as text in the row store.
	TextTypes bool `yaml:"datastore_text_types"`

	Resources []*Chromo `yaml:"resources"`
}

// TriggerRef names a validation routine, either a bare reference to a routine
// the row store already has, or an inline definition carrying a body.
type TriggerRef struct {
	Name string
	Body string
}

func (t *TriggerRef) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&t.Name)
	case yaml.MappingNode:
		var m map[string]string
		if err := node.Decode(&m); err != nil {
			return err
		}
		if len(m) != 1 {
			return fmt.Errorf("inline trigger must define exactly one routine, got %d", len(m))
		}
		for name, body := range m {
			t.Name, t.Body = name, body
		}
		return nil
	}
	return fmt.Errorf("trigger must be a name or a {name: body} mapping")
}

// ChoiceList decodes either a code -> label mapping or an ordered list of
// {code, label} entries. Mapping form is sorted by the field's choice order
// after loading.
type ChoiceList []Choice

func (cl *ChoiceList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		// Mapping nodes keep document order as alternating key/value entries.
		for i := 0; i+1 < len(node.Content); i += 2 {
			var code string
			if err := node.Content[i].Decode(&code); err != nil {
				return err
			}
			var label LocalizedText
			if err := node.Content[i+1].Decode(&label); err != nil {
				return err
			}
			*cl = append(*cl, Choice{Code: code, Label: label})
		}
		return nil
	case yaml.SequenceNode:
		var entries []struct {
			Code  string        `yaml:"code"`
			Label LocalizedText `yaml:"label"`
		}
		if err := node.Decode(&entries); err != nil {
			return err
		}
		for _, e := range entries {
			*cl = append(*cl, Choice{Code: e.Code, Label: e.Label})
		}
		return nil
	}
	return fmt.Errorf("choices must be a mapping or a list")
}

// sortChoices orders choices by the given comparator. The comparator set is
// fixed; unknown values fall back to code order.
func sortChoices(choices []Choice, order ChoiceOrder, lang string) {
	sort.SliceStable(choices, func(i, j int) bool {
		switch order {
		case OrderByLabel:
			return choices[i].Label.Resolve(lang, lang) < choices[j].Label.Resolve(lang, lang)
		case OrderByLabelReverse:
			return choices[i].Label.Resolve(lang, lang) > choices[j].Label.Resolve(lang, lang)
		case OrderByCodeReverse:
			return choices[i].Code > choices[j].Code
		default:
			return choices[i].Code < choices[j].Code
		}
	})
}
