// Package canonical normalizes raw cell and field values into the exact
// string or list form the row store accepts for a declared column type. It is
// a pure function layer: no I/O, no store access.
package canonical

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/open-data/recombinant/recombinant/schema"
)

// BadInputError reports malformed source content that a human must fix in the
// source file. Callers annotate it with row and column context before
// surfacing it.
type BadInputError struct {
	Message string
}

func (e *BadInputError) Error() string { return e.Message }

func badInput(format string, args ...any) error {
	return &BadInputError{Message: fmt.Sprintf(format, args...)}
}

// ChoiceMode selects how values of choice fields are normalized.
type ChoiceMode int

const (
	// ChoiceNone leaves the value untouched.
	ChoiceNone ChoiceMode = iota
	// ChoicePlain trims surrounding whitespace.
	ChoicePlain
	// ChoiceFull truncates at the first colon of a "code: full text" value
	// and trims, keeping only the code.
	ChoiceFull
)

const (
	dateLayout      = "2006-01-02"
	timestampLayout = "2006-01-02 15:04:05"
)

// Canonicalize converts a raw value into its canonical form for the given
// type: nil, a string, or a []string for list-typed fields.
//
// Blank input canonicalizes to an empty list for list types, an empty string
// for text fields and primary keys, and nil for everything else. Spreadsheet
// formulas are rejected except for the two boolean literal forms, which are
// rewritten to TRUE/FALSE.
func Canonicalize(raw any, dtype schema.FieldType, primaryKey bool, choice ChoiceMode) (any, error) {
	if list, ok := raw.([]string); ok && dtype == schema.TypeTextArray {
		// Already-canonical list values pass through with element trimming.
		out := make([]string, len(list))
		for i, s := range list {
			out[i] = strings.TrimSpace(s)
		}
		return out, nil
	}

	value, err := stringify(raw, dtype)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(value) == "" {
		if dtype == schema.TypeTextArray {
			return []string{}, nil
		}
		if dtype == schema.TypeText || primaryKey {
			return "", nil
		}
		return nil, nil
	}

	if rewritten, err := rejectFormula(value); err != nil {
		return nil, err
	} else if rewritten != "" {
		value = rewritten
	}

	if dtype == schema.TypeTextArray {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}

	switch {
	case dtype.WholeNumber():
		if n, ok := parseDecimal(value); ok {
			if n.IsInteger() {
				value = n.Truncate(0).String()
			} else {
				value = n.String()
			}
		}
	case dtype == schema.TypeMoney:
		if n, ok := parseDecimal(value); ok {
			// String() trims trailing zeros; money keeps the scale the source
			// carried, so 1000.50 stays 1000.50.
			if exp := n.Exponent(); exp < 0 {
				value = n.StringFixed(-exp)
			} else {
				value = n.String()
			}
		}
	}

	switch choice {
	case ChoiceFull:
		if i := strings.IndexByte(value, ':'); i >= 0 {
			value = value[:i]
		}
		value = strings.TrimSpace(value)
	case ChoicePlain:
		value = strings.TrimSpace(value)
	}

	if primaryKey {
		// Keys feed equality comparisons in the destination store; embedded
		// control characters would silently break matching.
		value = strings.Map(func(r rune) rune {
			if r < 0x20 {
				return -1
			}
			return r
		}, value)
		value = strings.TrimSpace(value)
	}

	return value, nil
}

// stringify collapses the origin-format value variants into a single string,
// undoing spreadsheet coercions like integer-valued floats and date cells.
func stringify(raw any, dtype schema.FieldType) (string, error) {
	switch v := raw.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool:
		if v {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10), nil
		}
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case time.Time:
		// Date columns keep the calendar date only; every other type keeps
		// the full timestamp rendering.
		if dtype == schema.TypeDate {
			return v.Format(dateLayout), nil
		}
		return v.Format(timestampLayout), nil
	}
	return "", badInput("unsupported value of type %T", raw)
}

// rejectFormula fails on spreadsheet formulas, rewriting only the two boolean
// literal forms. It returns the rewritten value, or "" when the value is not
// a formula.
func rejectFormula(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "=") {
		return "", nil
	}
	switch trimmed {
	case "=TRUE()":
		return "TRUE", nil
	case "=FALSE()":
		return "FALSE", nil
	}
	return "", badInput("formula %q is not accepted; enter a plain value", trimmed)
}

// parseDecimal attempts an exact decimal parse after stripping currency
// symbols, thousands separators, and whitespace. Failure is not an error:
// invalid numeric content passes through as text so the validation trigger
// layer can report it precisely.
func parseDecimal(value string) (decimal.Decimal, bool) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '$', ',', ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, value)
	if cleaned == "" {
		return decimal.Decimal{}, false
	}
	n, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return n, true
}
