package canonical

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/open-data/recombinant/recombinant/schema"
)

var allTypes = []schema.FieldType{
	schema.TypeText, schema.TypeTextArray, schema.TypeInt, schema.TypeBigInt,
	schema.TypeNumeric, schema.TypeMoney, schema.TypeYear, schema.TypeMonth,
	schema.TypeDate, schema.TypeTimestamp, schema.TypeBoolean,
}

func TestBlankValues(t *testing.T) {
	for _, dtype := range allTypes {
		for _, raw := range []any{nil, "", "   ", "\t\r\n"} {
			got, err := Canonicalize(raw, dtype, false, ChoiceNone)
			require.NoError(t, err, "type %v raw %q", dtype, raw)

			switch dtype {
			case schema.TypeTextArray:
				require.Equal(t, []string{}, got, "type %v raw %q", dtype, raw)
			case schema.TypeText:
				require.Equal(t, "", got, "type %v raw %q", dtype, raw)
			default:
				require.Nil(t, got, "type %v raw %q", dtype, raw)
			}
		}
	}
}

func TestBlankPrimaryKeyIsEmptyString(t *testing.T) {
	for _, dtype := range []schema.FieldType{schema.TypeText, schema.TypeInt, schema.TypeDate} {
		got, err := Canonicalize(nil, dtype, true, ChoiceNone)
		require.NoError(t, err)
		require.Equal(t, "", got, "type %v", dtype)
	}
}

func TestWholeNumberStripsTrailingFraction(t *testing.T) {
	for _, dtype := range []schema.FieldType{schema.TypeYear, schema.TypeMonth, schema.TypeInt, schema.TypeBigInt} {
		got, err := Canonicalize(42.0, dtype, false, ChoiceNone)
		require.NoError(t, err)
		require.Equal(t, "42", got, "type %v", dtype)

		got, err = Canonicalize("42.0", dtype, false, ChoiceNone)
		require.NoError(t, err)
		require.Equal(t, "42", got, "type %v", dtype)

		got, err = Canonicalize(42.25, dtype, false, ChoiceNone)
		require.NoError(t, err)
		require.Equal(t, "42.25", got, "type %v", dtype)
	}
}

func TestInvalidNumberPassesThroughAsText(t *testing.T) {
	got, err := Canonicalize("not a year", schema.TypeYear, false, ChoiceNone)
	require.NoError(t, err)
	require.Equal(t, "not a year", got)
}

func TestFormulasRejected(t *testing.T) {
	for _, dtype := range allTypes {
		_, err := Canonicalize("=1+1", dtype, false, ChoiceNone)
		var bad *BadInputError
		require.Error(t, err, "type %v", dtype)
		require.True(t, errors.As(err, &bad), "type %v", dtype)
	}
}

func TestBooleanFormulaLiteralsRewritten(t *testing.T) {
	for _, dtype := range allTypes {
		got, err := Canonicalize("=TRUE()", dtype, false, ChoiceNone)
		require.NoError(t, err, "type %v", dtype)
		if dtype == schema.TypeTextArray {
			require.Equal(t, []string{"TRUE"}, got)
		} else {
			require.Equal(t, "TRUE", got)
		}

		got, err = Canonicalize("=FALSE()", dtype, false, ChoiceNone)
		require.NoError(t, err, "type %v", dtype)
		if dtype == schema.TypeTextArray {
			require.Equal(t, []string{"FALSE"}, got)
		} else {
			require.Equal(t, "FALSE", got)
		}
	}
}

func TestPrimaryKeyTrimming(t *testing.T) {
	got, err := Canonicalize("\t OGP-324\n", schema.TypeText, true, ChoiceNone)
	require.NoError(t, err)
	require.Equal(t, "OGP-324", got)

	got, err = Canonicalize("OGP-\r\n\r\n324", schema.TypeText, true, ChoiceNone)
	require.NoError(t, err)
	require.Equal(t, "OGP-324", got)
}

func TestChoiceModes(t *testing.T) {
	got, err := Canonicalize(" C1: Value", schema.TypeText, false, ChoiceFull)
	require.NoError(t, err)
	require.Equal(t, "C1", got)

	got, err = Canonicalize(" C1: Value", schema.TypeText, false, ChoicePlain)
	require.NoError(t, err)
	require.Equal(t, "C1: Value", got)

	got, err = Canonicalize(" C1: Value", schema.TypeText, false, ChoiceNone)
	require.NoError(t, err)
	require.Equal(t, " C1: Value", got)
}

func TestMoneyParsing(t *testing.T) {
	got, err := Canonicalize("$1,000.50", schema.TypeMoney, false, ChoiceNone)
	require.NoError(t, err)
	require.Equal(t, "1000.50", got)

	// trailing zeros are part of the source's scale and survive rendering
	got, err = Canonicalize("$2,000.00", schema.TypeMoney, false, ChoiceNone)
	require.NoError(t, err)
	require.Equal(t, "2000.00", got)

	got, err = Canonicalize("75", schema.TypeMoney, false, ChoiceNone)
	require.NoError(t, err)
	require.Equal(t, "75", got)

	// unparseable money passes through for the trigger layer to report
	got, err = Canonicalize("around $50", schema.TypeMoney, false, ChoiceNone)
	require.NoError(t, err)
	require.Equal(t, "around $50", got)
}

func TestTextArraySplitting(t *testing.T) {
	got, err := Canonicalize("a, b , c", schema.TypeTextArray, false, ChoiceNone)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestDateKeepsCalendarDateOnly(t *testing.T) {
	when := time.Date(2023, time.March, 14, 15, 9, 26, 0, time.UTC)

	got, err := Canonicalize(when, schema.TypeDate, false, ChoiceNone)
	require.NoError(t, err)
	require.Equal(t, "2023-03-14", got)

	// other types keep the full timestamp rendering
	got, err = Canonicalize(when, schema.TypeTimestamp, false, ChoiceNone)
	require.NoError(t, err)
	require.Equal(t, "2023-03-14 15:09:26", got)
}

func TestRoundTripIdempotence(t *testing.T) {
	cases := map[schema.FieldType]any{
		schema.TypeText:      "hello world",
		schema.TypeInt:       "42",
		schema.TypeBigInt:    "9000000000",
		schema.TypeYear:      "1997",
		schema.TypeMonth:     "12",
		schema.TypeNumeric:   "3.25",
		schema.TypeMoney:     "1000.50",
		schema.TypeDate:      "2023-03-14",
		schema.TypeTimestamp: "2023-03-14 15:09:26",
		schema.TypeBoolean:   "TRUE",
		schema.TypeTextArray: []string{"a", "b"},
	}

	for dtype, value := range cases {
		once, err := Canonicalize(value, dtype, false, ChoiceNone)
		require.NoError(t, err, "type %v", dtype)
		twice, err := Canonicalize(once, dtype, false, ChoiceNone)
		require.NoError(t, err, "type %v", dtype)
		require.Equal(t, once, twice, "type %v", dtype)
	}
}
