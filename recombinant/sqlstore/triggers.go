package sqlstore

import (
	"context"

	"github.com/open-data/recombinant/recombinant/schema"
	"github.com/open-data/recombinant/recombinant/stores"
	"github.com/open-data/recombinant/recombinant/triggers"
)

// TriggerFunc validates one record. A non-empty result maps field ids to
// error messages and rejects the record.
type TriggerFunc func(rec stores.Record) map[string][]string

// RegisterTrigger binds a validation routine name to a function. Routines
// attached to tables by name run on every upsert.
func (s *Store) RegisterTrigger(name string, fn TriggerFunc) {
	s.routines[name] = fn
}

// CreateTriggerFunctions accepts rendered routine definitions. SQL bodies are
// not executable here; routines keep their registered Go implementation when
// one exists, and unknown names are recorded so attaching them is not an
// error.
func (s *Store) CreateTriggerFunctions(_ context.Context, trigs []stores.Trigger) error {
	for _, t := range trigs {
		if _, ok := s.routines[t.Name]; !ok {
			s.routines[t.Name] = nil
		}
	}
	return nil
}

// RegisterModelTriggers installs the choice-validation routine for every
// choice field in the loaded definitions, mirroring the validation a SQL row
// store performs through its trigger layer.
func RegisterModelTriggers(s *Store, model *schema.Model) {
	for _, resourceName := range model.ResourceNames() {
		chromo, err := model.Chromo(resourceName)
		if err != nil {
			continue
		}
		for _, f := range chromo.Fields {
			if !f.HasChoices() {
				continue
			}
			s.RegisterTrigger(
				schema.ChoiceTriggerName(chromo.ResourceName, f.Id),
				choiceValidator(f.Id, f.ChoiceCodes()))
		}
	}
}

func choiceValidator(fieldId string, codes []string) TriggerFunc {
	valid := make(map[string]bool, len(codes))
	for _, code := range codes {
		valid[code] = true
	}
	return func(rec stores.Record) map[string][]string {
		value, ok := rec[fieldId].(string)
		if !ok || value == "" {
			return nil
		}
		if valid[value] {
			return nil
		}
		return map[string][]string{
			fieldId: {triggers.ErrorMessage("Invalid choice for "+fieldId+": ", value)},
		}
	}
}
