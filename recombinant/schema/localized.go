package schema

import (
	"fmt"
	"sort"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// LocalizedText is either a plain string or a mapping from language code to
// string. The zero value renders as the empty string.
type LocalizedText struct {
	Plain      string
	ByLanguage map[string]string
}

func (t *LocalizedText) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&t.Plain)
	case yaml.MappingNode:
		return node.Decode(&t.ByLanguage)
	}
	return fmt.Errorf("localized text must be a string or a {language: string} mapping")
}

func (t LocalizedText) MarshalYAML() (any, error) {
	if t.ByLanguage != nil {
		return t.ByLanguage, nil
	}
	return t.Plain, nil
}

// IsZero reports whether no text was provided in any form.
func (t LocalizedText) IsZero() bool {
	return t.Plain == "" && len(t.ByLanguage) == 0
}

// Resolve returns the text for the preferred language, falling back to the
// default language and then to the first available entry by sorted language
// code. Plain text resolves to itself for every language.
func (t LocalizedText) Resolve(preferred, deflt string) string {
	if t.ByLanguage == nil {
		return t.Plain
	}

	codes := make([]string, 0, len(t.ByLanguage))
	for code := range t.ByLanguage {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	if s, ok := t.matchLanguage(codes, preferred); ok {
		return s
	}
	if s, ok := t.matchLanguage(codes, deflt); ok {
		return s
	}
	if len(codes) > 0 {
		return t.ByLanguage[codes[0]]
	}
	return ""
}

// matchLanguage finds the entry best matching the wanted language tag. An
// exact key match is tried first so that non-standard codes still work.
func (t LocalizedText) matchLanguage(codes []string, want string) (string, bool) {
	if want == "" {
		return "", false
	}
	if s, ok := t.ByLanguage[want]; ok {
		return s, true
	}

	wantTag, err := language.Parse(want)
	if err != nil {
		return "", false
	}

	tags := make([]language.Tag, 0, len(codes))
	valid := make([]string, 0, len(codes))
	for _, code := range codes {
		tag, err := language.Parse(code)
		if err != nil {
			continue
		}
		tags = append(tags, tag)
		valid = append(valid, code)
	}
	if len(tags) == 0 {
		return "", false
	}

	_, index, conf := language.NewMatcher(tags).Match(wantTag)
	if conf == language.No {
		return "", false
	}
	return t.ByLanguage[valid[index]], true
}
