// Package serialize implements the two interchangeable context encodings
// behind `set_context_format` / `compare_formats`: plain JSON via the
// standard inline json.MarshalIndent idiom, and a compact TOON-style
// tabular encoding for arrays of uniform objects.
package serialize

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/leonardorey/psrun/internal/value"
)

type Format string

const (
	JSON Format = "json"
	TOON Format = "toon"
)

// JSONEncode renders v as indented JSON.
func JSONEncode(v value.Value) string {
	b, err := json.MarshalIndent(value.ToInterface(v), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// TOONEncode renders v in a compact tabular form: an array of objects with
// the same keys becomes one header line plus one row per element; other
// arrays become one "- item" line per element, and objects one "key: value"
// line per key, with nested containers indented beneath their key.
func TOONEncode(v value.Value) string {
	var sb strings.Builder
	writeTOON(&sb, v, 0)
	return strings.TrimRight(sb.String(), "\n")
}

func writeTOON(sb *strings.Builder, v value.Value, indent int) {
	pad := strings.Repeat("  ", indent)
	switch v.Kind {
	case value.Array:
		if cols, ok := uniformObjectColumns(v.Arr); ok {
			fmt.Fprintf(sb, "%s%s\n", pad, strings.Join(cols, "|"))
			for _, row := range v.Arr {
				vals := make([]string, len(cols))
				for i, c := range cols {
					vals[i] = scalarString(row.Get(c))
				}
				fmt.Fprintf(sb, "%s%s\n", pad, strings.Join(vals, "|"))
			}
			return
		}
		for _, e := range v.Arr {
			fmt.Fprintf(sb, "%s- %s\n", pad, scalarOrInline(e))
		}
	case value.Object:
		for _, k := range v.Keys() {
			val := v.Obj[k]
			if val.Kind == value.Array || val.Kind == value.Object {
				fmt.Fprintf(sb, "%s%s:\n", pad, k)
				writeTOON(sb, val, indent+1)
			} else {
				fmt.Fprintf(sb, "%s%s: %s\n", pad, k, scalarString(val))
			}
		}
	default:
		fmt.Fprintf(sb, "%s%s\n", pad, scalarString(v))
	}
}

func uniformObjectColumns(arr []value.Value) ([]string, bool) {
	if len(arr) == 0 || arr[0].Kind != value.Object {
		return nil, false
	}
	cols := append([]string(nil), arr[0].Keys()...)
	sort.Strings(cols)
	for _, e := range arr {
		if e.Kind != value.Object {
			return nil, false
		}
		ks := append([]string(nil), e.Keys()...)
		sort.Strings(ks)
		if len(ks) != len(cols) {
			return nil, false
		}
		for i := range ks {
			if ks[i] != cols[i] {
				return nil, false
			}
		}
	}
	return cols, true
}

func scalarString(v value.Value) string {
	return v.String()
}

func scalarOrInline(v value.Value) string {
	if v.Kind == value.Object || v.Kind == value.Array {
		return v.String()
	}
	return scalarString(v)
}

// Encode dispatches on format.
func Encode(format Format, v value.Value) string {
	if format == TOON {
		return TOONEncode(v)
	}
	return JSONEncode(v)
}

// Compare returns the byte length of each encoding and their delta, for
// compare_formats(obj).
type Comparison struct {
	JSONBytes int `json:"json_bytes"`
	TOONBytes int `json:"toon_bytes"`
	DeltaBytes int `json:"delta_bytes"` // json - toon
}

func Compare(v value.Value) Comparison {
	j := len(JSONEncode(v))
	t := len(TOONEncode(v))
	return Comparison{JSONBytes: j, TOONBytes: t, DeltaBytes: j - t}
}
