package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLocalizedTextDecoding(t *testing.T) {
	var plain LocalizedText
	require.NoError(t, yaml.Unmarshal([]byte(`Just text`), &plain))
	require.Equal(t, "Just text", plain.Resolve("fr", "en"))

	var mapped LocalizedText
	require.NoError(t, yaml.Unmarshal([]byte("en: Hello\nfr: Bonjour"), &mapped))
	require.Equal(t, "Hello", mapped.Resolve("en", "en"))
	require.Equal(t, "Bonjour", mapped.Resolve("fr", "en"))

	var bad LocalizedText
	require.Error(t, yaml.Unmarshal([]byte("- a\n- b"), &bad))
}

func TestLocalizedTextResolveFallbacks(t *testing.T) {
	text := LocalizedText{ByLanguage: map[string]string{"en": "Hello", "fr": "Bonjour"}}

	// regional variants match their base language
	require.Equal(t, "Hello", text.Resolve("en-US", "fr"))
	require.Equal(t, "Bonjour", text.Resolve("fr-CA", "en"))

	// unknown language falls back to the default
	require.Equal(t, "Bonjour", text.Resolve("de", "fr"))

	// no match at all returns the first entry by sorted code
	only := LocalizedText{ByLanguage: map[string]string{"iu": "ᐊᐃ"}}
	require.Equal(t, "ᐊᐃ", only.Resolve("de", "es"))
}

func TestLocalizedTextZeroValue(t *testing.T) {
	var text LocalizedText
	require.True(t, text.IsZero())
	require.Equal(t, "", text.Resolve("en", "en"))

	require.False(t, LocalizedText{Plain: "x"}.IsZero())
}
