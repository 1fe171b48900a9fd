// Package normalize converts the arbitrary Go values producers pass in
// (via map[string]any rows) into the canonical wire representation for
// each schema.ColumnType: strings for textual and fixed-point types,
// bool for booleans, and JSON-compatible structures for VARIANT.
package normalize

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/stacklok/pipestream/ingesterrors"
	"github.com/stacklok/pipestream/schema"
)

// Value normalizes raw according to col's type, returning the value ready
// for NDJSON marshaling (never itself producing JSON text). A nil raw
// normalizes to nil regardless of column type.
func Value(col schema.ColumnSpec, raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}

	switch col.Type {
	case schema.Number:
		return normalizeNumber(col, raw)
	case schema.Boolean:
		return normalizeBoolean(raw)
	case schema.Varchar:
		return normalizeVarchar(col, raw)
	case schema.Binary:
		return normalizeBinary(raw)
	case schema.Variant:
		return normalizeVariant(raw)
	case schema.Date:
		return normalizeDate(raw)
	case schema.Time:
		return normalizeTime(col, raw)
	case schema.TimestampNTZ, schema.TimestampLTZ, schema.TimestampTZ:
		return normalizeTimestamp(col, raw)
	default:
		return nil, ingesterrors.New(ingesterrors.SchemaViolation, fmt.Sprintf("unsupported column type %q", col.Type), nil)
	}
}

func normalizeNumber(col schema.ColumnSpec, raw interface{}) (interface{}, error) {
	d, err := toDecimal(raw)
	if err != nil {
		return nil, ingesterrors.New(ingesterrors.SchemaViolation, fmt.Sprintf("column %s: %v", col.Name, err), err)
	}

	scale := col.Scale
	if !col.HasScale {
		scale = int(d.Exponent() * -1)
		if scale < 0 {
			scale = 0
		}
	}
	rounded := d.Round(int32(scale))

	if col.Precision > 0 {
		digits := len(strings.TrimLeft(rounded.Abs().Truncate(0).String(), "0"))
		if digits > col.Precision {
			return nil, ingesterrors.New(ingesterrors.SchemaViolation,
				fmt.Sprintf("column %s: value exceeds precision %d", col.Name, col.Precision), nil)
		}
	}

	return rounded.StringFixed(int32(scale)), nil
}

func toDecimal(raw interface{}) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case decimal.Decimal:
		return v, nil
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int32:
		return decimal.NewFromInt32(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("cannot convert %T to NUMBER", raw)
	}
}

func normalizeBoolean(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, ingesterrors.New(ingesterrors.SchemaViolation, fmt.Sprintf("invalid BOOLEAN value %q", v), err)
		}
		return b, nil
	case int, int32, int64, float32, float64:
		n, _ := toDecimal(v)
		return !n.IsZero(), nil
	default:
		return nil, ingesterrors.New(ingesterrors.SchemaViolation, fmt.Sprintf("cannot convert %T to BOOLEAN", raw), nil)
	}
}

// normalizeVarchar stringifies values for a VARCHAR column. Dates,
// date-times, and anything else with a natural textual representation
// use their fixed formats; everything else must already be a string.
func normalizeVarchar(col schema.ColumnSpec, raw interface{}) (interface{}, error) {
	s, ok := asString(raw)
	if !ok {
		return nil, ingesterrors.New(ingesterrors.SchemaViolation, fmt.Sprintf("cannot convert %T to VARCHAR", raw), nil)
	}
	if col.HasLength && len([]rune(s)) > col.Length {
		return nil, ingesterrors.New(ingesterrors.SchemaViolation,
			fmt.Sprintf("column %s: value exceeds length %d", col.Name, col.Length), nil)
	}
	return s, nil
}

func asString(raw interface{}) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), true
	case fmt.Stringer:
		return v.String(), true
	default:
		return "", false
	}
}

// normalizeBinary accepts []byte, or a string holding hex (optionally
// 0x-prefixed, even-length, hex-digit-only) or base64, and emits the
// canonical base64 form the wire expects.
func normalizeBinary(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case []byte:
		return base64.StdEncoding.EncodeToString(v), nil
	case string:
		if b, ok := decodeHexString(v); ok {
			return base64.StdEncoding.EncodeToString(b), nil
		}
		if b, err := base64.StdEncoding.DecodeString(v); err == nil {
			return base64.StdEncoding.EncodeToString(b), nil
		}
		return nil, ingesterrors.New(ingesterrors.SchemaViolation, "BINARY string is neither valid hex nor base64", nil)
	default:
		return nil, ingesterrors.New(ingesterrors.SchemaViolation, fmt.Sprintf("cannot convert %T to BINARY", raw), nil)
	}
}

func decodeHexString(s string) ([]byte, bool) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 != 0 {
		return nil, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}

func normalizeDate(raw interface{}) (interface{}, error) {
	t, err := asTime(raw)
	if err != nil {
		return nil, err
	}
	return t.UTC().Format("2006-01-02"), nil
}

// clampScale bounds a column's declared fractional-second precision to
// the [0,9] range the service accepts.
func clampScale(col schema.ColumnSpec) int {
	scale := col.Scale
	if !col.HasScale {
		return 9
	}
	if scale < 0 {
		return 0
	}
	if scale > 9 {
		return 9
	}
	return scale
}

func normalizeTime(col schema.ColumnSpec, raw interface{}) (interface{}, error) {
	t, err := asTime(raw)
	if err != nil {
		return nil, err
	}
	return formatFractional(t, clampScale(col), "15:04:05"), nil
}

// normalizeTimestamp handles DATE/TIME's sibling TIMESTAMP_{NTZ,LTZ,TZ}
// columns. A raw integer value on a column with scale > 0 is interpreted
// as Unix milliseconds, per spec; otherwise raw must be a time.Time (or a
// string already in a parseable timestamp format).
func normalizeTimestamp(col schema.ColumnSpec, raw interface{}) (interface{}, error) {
	if col.HasScale && col.Scale > 0 {
		if ms, ok := asInt64(raw); ok {
			t := time.UnixMilli(ms)
			return formatFractional(t.UTC(), clampScale(col), "2006-01-02T15:04:05") + "Z", nil
		}
	}

	t, err := asTime(raw)
	if err != nil {
		return nil, err
	}
	return formatFractional(t.UTC(), clampScale(col), "2006-01-02T15:04:05") + "Z", nil
}

func asInt64(raw interface{}) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

func asTime(raw interface{}) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, ingesterrors.New(ingesterrors.SchemaViolation, "value is not a parseable ISO-8601 timestamp", err)
		}
		return t, nil
	default:
		return time.Time{}, ingesterrors.New(ingesterrors.SchemaViolation, fmt.Sprintf("cannot convert %T to a temporal value", raw), nil)
	}
}

// formatFractional renders base (a time-of-day/date-time layout with no
// fractional component) with scale digits of fractional seconds appended,
// omitting the decimal point entirely when scale is 0.
func formatFractional(t time.Time, scale int, base string) string {
	rendered := t.Format(base)
	if scale == 0 {
		return rendered
	}
	frac := fmt.Sprintf("%09d", t.Nanosecond())[:scale]
	return rendered + "." + frac
}

// normalizeVariant recursively validates raw is JSON-representable,
// normalizing nested maps/slices/dates/binary in place. Unlike the scalar
// types, a VARIANT column's shape is not known ahead of time, so this
// only rejects values that cannot round-trip through JSON.
func normalizeVariant(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case nil, bool, float32, float64, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v, nil
	case string:
		var parsed interface{}
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			return normalizeVariant(parsed)
		}
		return v, nil
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), nil
	case []byte:
		return base64.StdEncoding.EncodeToString(v), nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			normalized, err := normalizeVariant(val)
			if err != nil {
				return nil, err
			}
			out[k] = normalized
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			normalized, err := normalizeVariant(val)
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil
	default:
		return nil, ingesterrors.New(ingesterrors.SchemaViolation, fmt.Sprintf("VARIANT value of type %T is not JSON-representable", raw), nil)
	}
}
