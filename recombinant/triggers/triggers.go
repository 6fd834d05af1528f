// Package triggers renders row-validation routine bodies from structured
// templates. A template carries named placeholders, each bound to a typed
// value that is escaped for the target engine: scalars become quoted SQL
// literals, lists become array literals. There is no open-ended formatting.
package triggers

import (
	"fmt"
	"strings"
)

// Kind discriminates the value bound to a placeholder.
type Kind int

const (
	// Scalar renders as a single quoted SQL literal.
	Scalar Kind = iota
	// List renders as an engine array literal of quoted SQL literals.
	List
	// Identifier renders as a quoted SQL identifier.
	Identifier
)

// Value is a typed placeholder binding.
type Value struct {
	Kind   Kind
	Scalar string
	List   []string
}

func ScalarValue(s string) Value     { return Value{Kind: Scalar, Scalar: s} }
func ListValue(items []string) Value { return Value{Kind: List, List: items} }
func IdentifierValue(s string) Value { return Value{Kind: Identifier, Scalar: s} }

// Definition is a named routine body with placeholder bindings. Placeholders
// appear in the body as {{name}}.
type Definition struct {
	Name   string
	Body   string
	Values map[string]Value
}

// Render substitutes every placeholder with its escaped value. Placeholders
// without a binding, and bindings without a placeholder, are errors: a
// mismatch means the definition and its document disagree.
func (d Definition) Render() (string, error) {
	used := map[string]bool{}
	var out strings.Builder

	body := d.Body
	for {
		start := strings.Index(body, "{{")
		if start < 0 {
			out.WriteString(body)
			break
		}
		end := strings.Index(body[start:], "}}")
		if end < 0 {
			return "", fmt.Errorf("trigger %v: unterminated placeholder", d.Name)
		}
		end += start

		name := strings.TrimSpace(body[start+2 : end])
		value, ok := d.Values[name]
		if !ok {
			return "", fmt.Errorf("trigger %v: no value bound for placeholder %q", d.Name, name)
		}
		used[name] = true

		out.WriteString(body[:start])
		out.WriteString(value.render())
		body = body[end+2:]
	}

	for name := range d.Values {
		if !used[name] {
			return "", fmt.Errorf("trigger %v: value %q bound but never referenced", d.Name, name)
		}
	}

	return out.String(), nil
}

func (v Value) render() string {
	switch v.Kind {
	case List:
		quoted := make([]string, len(v.List))
		for i, item := range v.List {
			quoted[i] = quoteLiteral(item)
		}
		return "ARRAY[" + strings.Join(quoted, ", ") + "]"
	case Identifier:
		return quoteIdentifier(v.Scalar)
	default:
		return quoteLiteral(v.Scalar)
	}
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteIdentifier(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// MessageDelimiter separates the localizable template part of a trigger error
// message from the substituted offending value, so callers can translate the
// body and re-attach the value.
const MessageDelimiter = "\x1f"

// ErrorMessage joins a message template and the offending value with the
// private delimiter convention.
func ErrorMessage(template, value string) string {
	return template + MessageDelimiter + value
}

// SplitMessage separates a trigger error message into its template and value
// parts. Messages without the delimiter return the whole text as the
// template.
func SplitMessage(msg string) (template, value string) {
	if i := strings.Index(msg, MessageDelimiter); i >= 0 {
		return msg[:i], msg[i+1:]
	}
	return msg, ""
}
