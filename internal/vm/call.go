package vm

import (
	"github.com/leonardorey/psrun/internal/ast"
	"github.com/leonardorey/psrun/internal/perr"
	"github.com/leonardorey/psrun/internal/value"
)

func (it *Interp) evalCall(n *ast.Call) value.Value {
	args := make([]value.Value, len(n.Args))
	for i, a := range n.Args {
		args[i] = it.evalExpr(a)
	}

	if member, ok := n.Callee.(*ast.Member); ok {
		recv := it.evalExpr(member.X)
		if recv.Kind == value.Instance {
			return it.callMethod(recv, member.Name, args)
		}
		if recv.Kind == value.LLMClient {
			// a future convenience surface for client.chat(...) style calls;
			// only plain call syntax client("prompt") is required today
			panic(throwErr{perr.Tool("llm client has no method " + member.Name)})
		}
		panic(throwErr{perr.New(perr.KindParse, "cannot call method on non-instance value")})
	}

	if ident, ok := n.Callee.(*ast.Ident); ok {
		if v, bound := it.env.Get(ident.Name); bound {
			return it.invoke(v, args)
		}
		result, err := it.callBuiltin(ident.Name, args)
		if err != nil {
			panic(throwErr{err})
		}
		return result
	}

	fnVal := it.evalExpr(n.Callee)
	return it.invoke(fnVal, args)
}

// invoke calls a Func, Native, or LLMClient value with positional args.
func (it *Interp) invoke(fnVal value.Value, args []value.Value) value.Value {
	switch fnVal.Kind {
	case value.Func:
		return it.callUserFunc(fnVal.Fn, args, nil)
	case value.Native:
		out, err := fnVal.NativeFn(args)
		if err != nil {
			panic(throwErr{err})
		}
		return out
	case value.LLMClient:
		if len(args) == 0 || args[0].Kind != value.Str {
			panic(throwErr{perr.Tool("llm client call expects a single string prompt")})
		}
		out, err := fnVal.Client.Call(args[0].S)
		if err != nil {
			panic(throwErr{err})
		}
		return out
	default:
		panic(throwErr{perr.New(perr.KindParse, "value is not callable")})
	}
}

// callUserFunc executes fn's body in a fresh scope chained to its closed-
// over globals (lexical globals only), optionally with `self` pre-bound
// for method calls.
func (it *Interp) callUserFunc(fn *value.FuncValue, args []value.Value, self *value.Value) (result value.Value) {
	globals, _ := fn.Globals.(*Env)
	if globals == nil {
		globals = it.Global
	}
	scope := globals.Child()
	for i, p := range fn.Params {
		if i < len(args) {
			scope.Declare(p, args[i])
		} else {
			scope.Declare(p, value.Null_())
		}
	}
	if self != nil {
		scope.Declare("self", *self)
	}

	prevEnv := it.env
	it.env = scope
	defer func() { it.env = prevEnv }()

	body, _ := fn.Body.(*ast.Block)
	result = value.Null_()
	func() {
		defer func() {
			if r := recover(); r != nil {
				if rs, ok := r.(returnSignal); ok {
					result = rs.Value
					return
				}
				panic(r)
			}
		}()
		it.execBlock(body)
	}()
	return result
}

func (it *Interp) callMethod(recv value.Value, name string, args []value.Value) value.Value {
	cls, ok := it.classes[recv.Inst.ClassName]
	if !ok {
		panic(throwErr{perr.New(perr.KindParse, "unknown class "+recv.Inst.ClassName)})
	}
	for _, m := range cls.Methods {
		if m.Name == name {
			fn := &value.FuncValue{Name: m.Name, Params: m.Params, Body: m.Body, Globals: it.Global}
			return it.callUserFunc(fn, args, &recv)
		}
	}
	return value.Null_()
}

func (it *Interp) instantiate(cls *ast.ClassDef, args []value.Value) (value.Value, error) {
	inst := value.Value{Kind: value.Instance, Inst: &value.InstanceValue{
		ClassName: cls.Name,
		Fields:    map[string]value.Value{},
	}}
	for _, m := range cls.Methods {
		if m.Name == "init" {
			fn := &value.FuncValue{Name: m.Name, Params: m.Params, Body: m.Body, Globals: it.Global}
			it.callUserFunc(fn, args, &inst)
			break
		}
	}
	return inst, nil
}
