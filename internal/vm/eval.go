package vm

import (
	"github.com/leonardorey/psrun/internal/ast"
	"github.com/leonardorey/psrun/internal/perr"
	"github.com/leonardorey/psrun/internal/value"
)

func (it *Interp) evalExpr(e ast.Expr) value.Value {
	switch n := e.(type) {
	case *ast.NullLit:
		return value.Null_()
	case *ast.BoolLit:
		return value.NewBool(n.V)
	case *ast.IntLit:
		return value.NewInt(n.V)
	case *ast.StrLit:
		return value.NewStr(n.V)
	case *ast.Ident:
		if v, ok := it.env.Get(n.Name); ok {
			return v
		}
		if bi, ok := builtinNames[n.Name]; ok && bi {
			return value.Value{Kind: value.Native, NativeFn: func(args []value.Value) (value.Value, error) {
				return it.callBuiltin(n.Name, args)
			}}
		}
		return value.Null_()
	case *ast.ObjectLit:
		obj := value.EmptyObject()
		for i, k := range n.Keys {
			obj.Set(k, it.evalExpr(n.Values[i]))
		}
		return obj
	case *ast.ArrayLit:
		arr := make([]value.Value, len(n.Elems))
		for i, el := range n.Elems {
			arr[i] = it.evalExpr(el)
		}
		return value.NewArray(arr)
	case *ast.Unary:
		x := it.evalExpr(n.X)
		if n.Op == "not" {
			return value.NewBool(!x.Truthy())
		}
		panic(throwErr{perr.New(perr.KindParse, "unknown unary op "+n.Op)})
	case *ast.Binary:
		return it.evalBinary(n)
	case *ast.Member:
		x := it.evalExpr(n.X)
		if x.Kind == value.Instance {
			if v, ok := x.Inst.Fields[n.Name]; ok {
				return v
			}
			return value.Null_()
		}
		return x.Get(n.Name)
	case *ast.Index:
		x := it.evalExpr(n.X)
		idx := it.evalExpr(n.Idx)
		return it.evalIndex(x, idx)
	case *ast.Call:
		return it.evalCall(n)
	default:
		panic(throwErr{perr.New(perr.KindParse, "unknown expression node")})
	}
}

func (it *Interp) evalIndex(x, idx value.Value) value.Value {
	switch x.Kind {
	case value.Array:
		i := idx.I
		if i < 0 || i >= int64(len(x.Arr)) {
			return value.Null_()
		}
		return x.Arr[i]
	case value.Object:
		return x.Get(idx.String())
	case value.Str:
		i := idx.I
		r := []rune(x.S)
		if i < 0 || i >= int64(len(r)) {
			return value.Null_()
		}
		return value.NewStr(string(r[i]))
	default:
		return value.Null_()
	}
}

func (it *Interp) evalBinary(n *ast.Binary) value.Value {
	switch n.Op {
	case "or":
		l := it.evalExpr(n.L)
		if l.Truthy() {
			return l
		}
		return it.evalExpr(n.R)
	case "and":
		l := it.evalExpr(n.L)
		if !l.Truthy() {
			return l
		}
		return it.evalExpr(n.R)
	}

	l := it.evalExpr(n.L)
	r := it.evalExpr(n.R)

	switch n.Op {
	case "==":
		return value.NewBool(value.Equal(l, r))
	case "!=":
		return value.NewBool(!value.Equal(l, r))
	case "<", "<=", ">", ">=":
		return compareOrdered(n.Op, l, r)
	case "in":
		return value.NewBool(containsValue(r, l))
	case "+":
		return addValues(l, r)
	default:
		panic(throwErr{perr.New(perr.KindParse, "unknown binary op "+n.Op)})
	}
}

func compareOrdered(op string, l, r value.Value) value.Value {
	var cmp int
	switch {
	case l.Kind == value.Int && r.Kind == value.Int:
		cmp = cmpInt(l.I, r.I)
	case l.Kind == value.Str && r.Kind == value.Str:
		cmp = cmpStr(l.S, r.S)
	default:
		cmp = cmpStr(l.String(), r.String())
	}
	switch op {
	case "<":
		return value.NewBool(cmp < 0)
	case "<=":
		return value.NewBool(cmp <= 0)
	case ">":
		return value.NewBool(cmp > 0)
	case ">=":
		return value.NewBool(cmp >= 0)
	}
	return value.NewBool(false)
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpStr(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func containsValue(container, needle value.Value) bool {
	switch container.Kind {
	case value.Array:
		for _, e := range container.Arr {
			if value.Equal(e, needle) {
				return true
			}
		}
		return false
	case value.Str:
		return needle.Kind == value.Str && len(needle.S) > 0 && stringsContains(container.S, needle.S)
	case value.Object:
		_, ok := container.Obj[needle.String()]
		return ok
	default:
		return false
	}
}

func stringsContains(s, sub string) bool {
	return len(sub) <= len(s) && indexOf(s, sub) >= 0
}

func indexOf(s, sub string) int {
	n, m := len(s), len(sub)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}

// addValues implements the single overloaded "+" operator: numeric add,
// string concatenation, array concatenation.
func addValues(l, r value.Value) value.Value {
	switch {
	case l.Kind == value.Int && r.Kind == value.Int:
		return value.NewInt(l.I + r.I)
	case l.Kind == value.Str || r.Kind == value.Str:
		return value.NewStr(l.String() + r.String())
	case l.Kind == value.Array && r.Kind == value.Array:
		out := append([]value.Value(nil), l.Arr...)
		out = append(out, r.Arr...)
		return value.NewArray(out)
	default:
		return value.NewStr(l.String() + r.String())
	}
}
