// Package value implements the dynamic value variant evaluated DSL programs
// operate on: null, bool, integer, string, array, object, function, LLM
// client, and class instance, as a single sum type pattern-matched by every
// built-in.
package value

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind tags which variant a Value holds.
type Kind int

const (
	Null Kind = iota
	Bool
	Int
	Str
	Array
	Object
	Func
	LLMClient
	Instance
	Native // a Go-implemented built-in, callable like Func
)

// Value is the tagged union every DSL expression evaluates to.
type Value struct {
	Kind Kind

	B   bool
	I   int64
	S   string
	Arr []Value

	// Object is an ordered mapping from string keys to Values. Order is
	// preserved for object-literal re-serialization (e.g. the serializer).
	Obj     map[string]Value
	ObjKeys []string

	Fn       *FuncValue
	Client   *ClientValue
	Inst     *InstanceValue
	NativeFn func(args []Value) (Value, error)
}

// FuncValue is a user-defined function closing over globals only.
type FuncValue struct {
	Name    string
	Params  []string
	Body    interface{} // *ast.Block, typed as interface{} to avoid import cycle
	Globals interface{} // *Env, the lexical-global environment it closes over
}

// ClientValue is the opaque, unforgeable value produced by LLMClient(cfg).
// Its Call method is wired by internal/vm at construction time so this
// package stays free of an import on internal/llm.
type ClientValue struct {
	Call  func(prompt string) (Value, error)
	Tag   string // debug label only
	NoAsk bool   // set when LLMClient(cfg) was built with no_ask:true
}

// InstanceValue is a single-level class instance: a name plus a field map
// and a reference to the class's method table (held by the VM).
type InstanceValue struct {
	ClassName string
	Fields    map[string]Value
	FieldKeys []string
}

func Null_() Value          { return Value{Kind: Null} }
func NewBool(b bool) Value  { return Value{Kind: Bool, B: b} }
func NewInt(i int64) Value  { return Value{Kind: Int, I: i} }
func NewStr(s string) Value { return Value{Kind: Str, S: s} }
func NewArray(a []Value) Value {
	if a == nil {
		a = []Value{}
	}
	return Value{Kind: Array, Arr: a}
}

// NewObject builds an Object Value, preserving the given key order.
func NewObject(keys []string, m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{Kind: Object, Obj: m, ObjKeys: append([]string(nil), keys...)}
}

// EmptyObject returns a fresh, empty, order-tracked Object.
func EmptyObject() Value {
	return Value{Kind: Object, Obj: map[string]Value{}, ObjKeys: nil}
}

// Set assigns key=val on an Object value, tracking insertion order (first
// write wins the position).
func (v *Value) Set(key string, val Value) {
	if v.Kind != Object {
		*v = EmptyObject()
	}
	if _, ok := v.Obj[key]; !ok {
		v.ObjKeys = append(v.ObjKeys, key)
	}
	v.Obj[key] = val
}

// Get reads key from an Object; missing keys and non-objects return Null —
// member access on a non-object is never a runtime error.
func (v Value) Get(key string) Value {
	if v.Kind != Object {
		return Null_()
	}
	if val, ok := v.Obj[key]; ok {
		return val
	}
	return Null_()
}

// Keys returns the Object's keys in insertion order.
func (v Value) Keys() []string {
	if v.Kind != Object {
		return nil
	}
	if v.ObjKeys != nil {
		return v.ObjKeys
	}
	keys := make([]string, 0, len(v.Obj))
	for k := range v.Obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Truthy implements the DSL's truthiness table.
func (v Value) Truthy() bool {
	switch v.Kind {
	case Null:
		return false
	case Bool:
		return v.B
	case Int:
		return v.I != 0
	case Str:
		return v.S != ""
	case Array:
		return len(v.Arr) != 0
	case Object:
		return len(v.Obj) != 0
	default:
		return true
	}
}

// Len implements the len(x) built-in: string/array length, 0 otherwise.
func (v Value) Len() int64 {
	switch v.Kind {
	case Str:
		return int64(len(v.S))
	case Array:
		return int64(len(v.Arr))
	default:
		return 0
	}
}

func (v Value) String() string {
	switch v.Kind {
	case Null:
		return "null"
	case Bool:
		return strconv.FormatBool(v.B)
	case Int:
		return strconv.FormatInt(v.I, 10)
	case Str:
		return v.S
	case Array:
		parts := make([]string, len(v.Arr))
		for i, e := range v.Arr {
			parts[i] = e.Repr()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case Object:
		parts := make([]string, 0, len(v.Obj))
		for _, k := range v.Keys() {
			parts = append(parts, fmt.Sprintf("%q: %s", k, v.Obj[k].Repr()))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case Func:
		return "<function " + v.Fn.Name + ">"
	case LLMClient:
		return "<llm-client>"
	case Instance:
		return "<" + v.Inst.ClassName + " instance>"
	case Native:
		return "<builtin>"
	default:
		return "<?>"
	}
}

// Repr is the quoted/display form used inside container String().
func (v Value) Repr() string {
	if v.Kind == Str {
		return strconv.Quote(v.S)
	}
	return v.String()
}

// Equal implements the `==` operator: same kind and same scalar content;
// containers compare element-wise; everything else compares false.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case Null:
		return true
	case Bool:
		return a.B == b.B
	case Int:
		return a.I == b.I
	case Str:
		return a.S == b.S
	case Array:
		if len(a.Arr) != len(b.Arr) {
			return false
		}
		for i := range a.Arr {
			if !Equal(a.Arr[i], b.Arr[i]) {
				return false
			}
		}
		return true
	case Object:
		if len(a.Obj) != len(b.Obj) {
			return false
		}
		for k, av := range a.Obj {
			bv, ok := b.Obj[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// ToInterface converts a Value to a plain Go value suitable for
// encoding/json marshaling or jsonschema validation.
func ToInterface(v Value) interface{} {
	switch v.Kind {
	case Null:
		return nil
	case Bool:
		return v.B
	case Int:
		return v.I
	case Str:
		return v.S
	case Array:
		out := make([]interface{}, len(v.Arr))
		for i, e := range v.Arr {
			out[i] = ToInterface(e)
		}
		return out
	case Object:
		out := make(map[string]interface{}, len(v.Obj))
		for _, k := range v.Keys() {
			out[k] = ToInterface(v.Obj[k])
		}
		return out
	default:
		return v.String()
	}
}

// FromInterface builds a Value from a decoded encoding/json value
// (map[string]interface{}, []interface{}, float64, string, bool, nil).
func FromInterface(x interface{}) Value {
	switch t := x.(type) {
	case nil:
		return Null_()
	case bool:
		return NewBool(t)
	case float64:
		return NewInt(int64(t))
	case int:
		return NewInt(int64(t))
	case int64:
		return NewInt(t)
	case string:
		return NewStr(t)
	case []interface{}:
		arr := make([]Value, len(t))
		for i, e := range t {
			arr[i] = FromInterface(e)
		}
		return NewArray(arr)
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := make(map[string]Value, len(t))
		for _, k := range keys {
			m[k] = FromInterface(t[k])
		}
		return NewObject(keys, m)
	default:
		return NewStr(fmt.Sprintf("%v", t))
	}
}

// TypeName returns the lowercase kind name, used in SchemaError messages.
func (k Kind) TypeName() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Int:
		return "int"
	case Str:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	case Func, Native:
		return "function"
	case LLMClient:
		return "llm_client"
	case Instance:
		return "instance"
	default:
		return "unknown"
	}
}
