package serialize

import (
	"strings"
	"testing"

	"github.com/leonardorey/psrun/internal/value"
)

func rowsObj(id int64, name string) value.Value {
	v := value.EmptyObject()
	v.Set("id", value.NewInt(id))
	v.Set("name", value.NewStr(name))
	return v
}

func TestTOONEncodeUniformObjectArrayRendersHeaderAndRows(t *testing.T) {
	arr := value.NewArray([]value.Value{rowsObj(1, "a"), rowsObj(2, "b")})
	out := TOONEncode(arr)
	lines := strings.Split(out, "\n")
	if len(lines) != 3 {
		t.Fatalf("TOONEncode produced %d lines, want 3 (header + 2 rows): %q", len(lines), out)
	}
	if lines[0] != "id|name" {
		t.Fatalf("header = %q, want id|name", lines[0])
	}
}

func TestTOONEncodeNonUniformArrayFallsBackToBulletList(t *testing.T) {
	arr := value.NewArray([]value.Value{value.NewInt(1), value.NewStr("two")})
	out := TOONEncode(arr)
	if !strings.Contains(out, "- 1") || !strings.Contains(out, "- two") {
		t.Fatalf("TOONEncode(non-uniform) = %q, want bullet-listed scalars", out)
	}
}

func TestJSONEncodeProducesValidIndentedJSON(t *testing.T) {
	obj := value.EmptyObject()
	obj.Set("k", value.NewStr("v"))
	out := JSONEncode(obj)
	if !strings.Contains(out, `"k": "v"`) {
		t.Fatalf("JSONEncode = %q, want it to contain \"k\": \"v\"", out)
	}
}

func TestCompareReportsByteDeltaBetweenJSONAndTOON(t *testing.T) {
	arr := value.NewArray([]value.Value{rowsObj(1, "a"), rowsObj(2, "b"), rowsObj(3, "c")})
	cmp := Compare(arr)
	if cmp.DeltaBytes != cmp.JSONBytes-cmp.TOONBytes {
		t.Fatalf("DeltaBytes = %d, want JSONBytes(%d) - TOONBytes(%d)", cmp.DeltaBytes, cmp.JSONBytes, cmp.TOONBytes)
	}
	if cmp.TOONBytes >= cmp.JSONBytes {
		t.Fatalf("expected TOON encoding of a uniform array to be more compact than JSON: toon=%d json=%d", cmp.TOONBytes, cmp.JSONBytes)
	}
}

func TestEncodeDispatchesOnFormat(t *testing.T) {
	obj := value.EmptyObject()
	obj.Set("a", value.NewInt(1))
	if got := Encode(JSON, obj); got != JSONEncode(obj) {
		t.Fatalf("Encode(JSON, ...) != JSONEncode(...)")
	}
	if got := Encode(TOON, obj); got != TOONEncode(obj) {
		t.Fatalf("Encode(TOON, ...) != TOONEncode(...)")
	}
}
