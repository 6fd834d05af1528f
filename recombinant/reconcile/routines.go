package reconcile

import (
	"fmt"

	"github.com/open-data/recombinant/recombinant/schema"
	"github.com/open-data/recombinant/recombinant/stores"
	"github.com/open-data/recombinant/recombinant/triggers"
)

// choiceTriggerBody validates one choice column against its declared codes.
// The raised message carries the localizable template and the offending value
// joined by the private delimiter, so front ends can translate the template
// and re-attach the value.
const choiceTriggerBody = `
IF NOT ({{column}} = ANY ({{choices}})) THEN
    RAISE EXCEPTION '%', {{message}} || ({{column}})::text;
END IF;
`

// TriggerRoutines renders every routine definition a resource carries: the
// synthesized choice-validation routine per choice field, plus any inline
// trigger bodies from the definition document. Bare name references render
// nothing; the row store already knows those routines.
func TriggerRoutines(chromo *schema.Chromo) ([]stores.Trigger, error) {
	var routines []stores.Trigger

	for _, f := range chromo.Fields {
		if !f.HasChoices() {
			continue
		}
		name := schema.ChoiceTriggerName(chromo.ResourceName, f.Id)
		body, err := triggers.Definition{
			Name: name,
			Body: choiceTriggerBody,
			Values: map[string]triggers.Value{
				"column":  triggers.IdentifierValue(f.Id),
				"choices": triggers.ListValue(f.ChoiceCodes()),
				"message": triggers.ScalarValue(
					triggers.ErrorMessage("Invalid choice for "+f.Id+": ", "")),
			},
		}.Render()
		if err != nil {
			return nil, fmt.Errorf("error rendering choice trigger for %v.%v: %w",
				chromo.ResourceName, f.Id, err)
		}
		routines = append(routines, stores.Trigger{Name: name, Body: body})
	}

	for _, t := range chromo.Triggers {
		if t.Body == "" {
			continue
		}
		body, err := triggers.Definition{Name: t.Name, Body: t.Body}.Render()
		if err != nil {
			return nil, fmt.Errorf("error rendering trigger %v: %w", t.Name, err)
		}
		routines = append(routines, stores.Trigger{Name: t.Name, Body: body})
	}

	return routines, nil
}

// tableTriggers lists every routine name to attach to the resource's table,
// in declaration order: choice validations first, then declared triggers.
func tableTriggers(chromo *schema.Chromo) []stores.Trigger {
	var attached []stores.Trigger
	for _, f := range chromo.Fields {
		if f.HasChoices() {
			attached = append(attached, stores.Trigger{
				Name: schema.ChoiceTriggerName(chromo.ResourceName, f.Id)})
		}
	}
	for _, t := range chromo.Triggers {
		attached = append(attached, stores.Trigger{Name: t.Name})
	}
	return attached
}
