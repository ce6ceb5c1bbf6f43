package vm

import "github.com/leonardorey/psrun/internal/value"

// valueFromInterface builds a Value from a plain Go value (map, slice,
// string, bool, number, nil), the shape opts.args / pre-bound Config.Args
// arrive in.
func valueFromInterface(x interface{}) value.Value {
	return value.FromInterface(x)
}

// argsMapFromValue converts an Object Value into the plain
// map[string]any the tools/plan packages validate against.
func argsMapFromValue(v value.Value) map[string]any {
	if v.Kind != value.Object {
		return map[string]any{}
	}
	out := make(map[string]any, len(v.Obj))
	for _, k := range v.Keys() {
		out[k] = value.ToInterface(v.Obj[k])
	}
	return out
}

func optStr(opts value.Value, key string) string {
	v := opts.Get(key)
	if v.Kind == value.Str {
		return v.S
	}
	return ""
}

func optInt(opts value.Value, key string, def int64) int64 {
	v := opts.Get(key)
	if v.Kind == value.Int {
		return v.I
	}
	return def
}

func optBool(opts value.Value, key string, def bool) bool {
	v := opts.Get(key)
	if v.Kind == value.Bool {
		return v.B
	}
	return def
}
