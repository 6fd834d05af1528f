package triggers

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderScalarAndList(t *testing.T) {
	def := Definition{
		Name: "status_choices",
		Body: "IF NOT (NEW.status = ANY ({{choices}})) THEN RAISE EXCEPTION {{message}}; END IF;",
		Values: map[string]Value{
			"choices": ListValue([]string{"open", "closed", "o'hare"}),
			"message": ScalarValue("invalid status"),
		},
	}

	got, err := def.Render()
	require.NoError(t, err)
	require.Equal(t,
		"IF NOT (NEW.status = ANY (ARRAY['open', 'closed', 'o''hare'])) THEN RAISE EXCEPTION 'invalid status'; END IF;",
		got)
}

func TestRenderIdentifier(t *testing.T) {
	def := Definition{
		Name:   "t",
		Body:   `SELECT {{col}} FROM x`,
		Values: map[string]Value{"col": IdentifierValue(`we"ird`)},
	}
	got, err := def.Render()
	require.NoError(t, err)
	require.Equal(t, `SELECT "we""ird" FROM x`, got)
}

func TestRenderRejectsMismatchedBindings(t *testing.T) {
	_, err := Definition{Name: "t", Body: "{{missing}}"}.Render()
	require.Error(t, err)

	_, err = Definition{
		Name:   "t",
		Body:   "no placeholders",
		Values: map[string]Value{"orphan": ScalarValue("x")},
	}.Render()
	require.Error(t, err)

	_, err = Definition{Name: "t", Body: "{{open"}.Render()
	require.Error(t, err)
}

func TestMessageSplit(t *testing.T) {
	msg := ErrorMessage("Invalid choice for field", "bogus")
	template, value := SplitMessage(msg)
	require.Equal(t, "Invalid choice for field", template)
	require.Equal(t, "bogus", value)

	template, value = SplitMessage("plain message")
	require.Equal(t, "plain message", template)
	require.Equal(t, "", value)
}
