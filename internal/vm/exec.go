package vm

import (
	"time"

	"github.com/leonardorey/psrun/internal/ast"
	"github.com/leonardorey/psrun/internal/perr"
	"github.com/leonardorey/psrun/internal/tools"
	"github.com/leonardorey/psrun/internal/value"
)

func (it *Interp) execBlock(b *ast.Block) {
	for _, s := range b.Stmts {
		it.execStmt(s)
	}
}

// execStmt is one VM "step": increment the step counter, emit a stmt
// event, check budgets, then dispatch.
func (it *Interp) execStmt(s ast.Stmt) {
	it.step++
	it.Logger.Stmt(it.step, nodeTypeName(s))
	if err := it.Budget.IncrStep(); err != nil {
		it.Logger.Error(it.step, err.Error())
		panic(throwErr{err})
	}

	switch n := s.(type) {
	case *ast.FuncDef:
		it.Global.Declare(n.Name, value.Value{
			Kind: value.Func,
			Fn:   &value.FuncValue{Name: n.Name, Params: n.Params, Body: n.Body, Globals: it.Global},
		})
	case *ast.ClassDef:
		it.classes[n.Name] = n
		cls := n
		it.Global.Declare(n.Name, value.Value{
			Kind: value.Native,
			NativeFn: func(args []value.Value) (value.Value, error) {
				return it.instantiate(cls, args)
			},
		})
	case *ast.Assign:
		it.execAssign(n)
	case *ast.ExprStmt:
		it.evalExpr(n.X)
	case *ast.Return:
		var v value.Value
		if n.Value != nil {
			v = it.evalExpr(n.Value)
		} else {
			v = value.Null_()
		}
		panic(returnSignal{v})
	case *ast.BreakStmt:
		panic(breakSignal{})
	case *ast.If:
		it.execIf(n)
	case *ast.While:
		it.execWhile(n)
	case *ast.ForIn:
		it.execForIn(n)
	case *ast.WithPolicy:
		it.execWithPolicy(n)
	case *ast.RetryBlock:
		it.execRetry(n)
	case *ast.TimeoutBlock:
		it.execTimeout(n)
	case *ast.Guard:
		it.execGuard(n)
	default:
		panic(throwErr{perr.New(perr.KindParse, "unknown statement node")})
	}
}

func nodeTypeName(s ast.Stmt) string {
	switch s.(type) {
	case *ast.FuncDef:
		return "FuncDef"
	case *ast.ClassDef:
		return "ClassDef"
	case *ast.Assign:
		return "Assign"
	case *ast.ExprStmt:
		return "ExprStmt"
	case *ast.Return:
		return "Return"
	case *ast.BreakStmt:
		return "Break"
	case *ast.If:
		return "If"
	case *ast.While:
		return "While"
	case *ast.ForIn:
		return "ForIn"
	case *ast.WithPolicy:
		return "WithPolicy"
	case *ast.RetryBlock:
		return "Retry"
	case *ast.TimeoutBlock:
		return "Timeout"
	case *ast.Guard:
		return "Guard"
	default:
		return "?"
	}
}

func (it *Interp) execAssign(n *ast.Assign) {
	v := it.evalExpr(n.Value)
	switch t := n.Target.(type) {
	case *ast.Ident:
		it.env.Set(t.Name, v)
	case *ast.Member:
		obj := it.evalExpr(t.X)
		it.setMember(obj, t.Name, v)
		it.assignBack(t.X, obj)
	case *ast.Index:
		obj := it.evalExpr(t.X)
		idx := it.evalExpr(t.Idx)
		it.assignIndex(obj, idx, v)
		it.assignBack(t.X, obj)
	default:
		panic(throwErr{perr.New(perr.KindParse, "invalid assignment target")})
	}
}

// setMember assigns a field on obj, mutating a class instance's Fields map
// in place (shared via pointer, so no write-back is needed) or an
// Object's map through value.Value.Set.
func (it *Interp) setMember(obj value.Value, name string, v value.Value) {
	if obj.Kind == value.Instance {
		if _, ok := obj.Inst.Fields[name]; !ok {
			obj.Inst.FieldKeys = append(obj.Inst.FieldKeys, name)
		}
		obj.Inst.Fields[name] = v
		return
	}
	obj.Set(name, v)
}

// assignBack writes a mutated container back to its origin when that
// origin is itself an addressable identifier/member/index, so that
// `a.b.c = x` style chains persist without implicit references.
func (it *Interp) assignBack(target ast.Expr, v value.Value) {
	switch t := target.(type) {
	case *ast.Ident:
		it.env.Set(t.Name, v)
	case *ast.Member:
		obj := it.evalExpr(t.X)
		it.setMember(obj, t.Name, v)
		it.assignBack(t.X, obj)
	case *ast.Index:
		obj := it.evalExpr(t.X)
		idx := it.evalExpr(t.Idx)
		it.assignIndex(obj, idx, v)
		it.assignBack(t.X, obj)
	}
}

func (it *Interp) assignIndex(obj, idx, v value.Value) {
	switch obj.Kind {
	case value.Array:
		i := idx.I
		if i >= 0 && i < int64(len(obj.Arr)) {
			obj.Arr[i] = v
		}
	case value.Object:
		obj.Set(idx.String(), v)
	}
}

func (it *Interp) execIf(n *ast.If) {
	if it.evalExpr(n.Cond).Truthy() {
		it.execBlock(n.Then)
		return
	}
	if n.Else != nil {
		it.execBlock(n.Else)
	}
}

func (it *Interp) execWhile(n *ast.While) {
	for it.evalExpr(n.Cond).Truthy() {
		if it.runLoopBody(n.Body) {
			break
		}
	}
}

func (it *Interp) execForIn(n *ast.ForIn) {
	iter := it.evalExpr(n.Iter)
	if iter.Kind != value.Array {
		return
	}
	for _, elem := range iter.Arr {
		it.env.Declare(n.Var, elem)
		if it.runLoopBody(n.Body) {
			break
		}
	}
}

// runLoopBody executes body, catching a breakSignal meant for this loop
// and reporting whether the loop should stop.
func (it *Interp) runLoopBody(body *ast.Block) (brk bool) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(breakSignal); ok {
				brk = true
				return
			}
			panic(r)
		}
	}()
	it.execBlock(body)
	return false
}

func (it *Interp) execWithPolicy(n *ast.WithPolicy) {
	overlayVal := it.evalExpr(n.Overlay)
	patch := policyPatchFromValue(overlayVal)
	it.pushPolicy(it.policy().Overlay(patch))
	defer it.popPolicy() // strict LIFO restore on every exit path
	it.execBlock(n.Body)
}

func policyPatchFromValue(v value.Value) tools.PolicyPatch {
	var p tools.PolicyPatch
	if v.Kind != value.Object {
		return p
	}
	if at := v.Get("allowActions"); at.Kind == value.Array {
		p.HasAllowTools = true
		for _, e := range at.Arr {
			p.AllowTools = append(p.AllowTools, e.String())
		}
	}
	if ac := v.Get("allowCommands"); ac.Kind == value.Array {
		p.HasAllowCommands = true
		for _, e := range ac.Arr {
			p.AllowCommands = append(p.AllowCommands, e.String())
		}
	}
	if ra := v.Get("requireApproval"); ra.Kind == value.Bool {
		p.HasRequireApproval = true
		p.RequireApproval = ra.B
	}
	if mb := v.Get("maxFileBytes"); mb.Kind == value.Int {
		p.HasMaxFileBytes = true
		p.MaxFileBytes = mb.I
	}
	return p
}

func (it *Interp) execRetry(n *ast.RetryBlock) {
	total := it.evalExpr(n.N).I
	backoffMs := it.evalExpr(n.Backoff).I
	if total < 1 {
		total = 1
	}
	var lastErr error
	for attempt := int64(1); attempt <= total; attempt++ {
		if it.tryBlock(n.Body, &lastErr) {
			return
		}
		if attempt < total {
			time.Sleep(time.Duration(backoffMs) * time.Millisecond)
		}
	}
	if lastErr != nil {
		panic(throwErr{lastErr})
	}
}

// tryBlock runs body, catching a plain throwErr (not a control signal) and
// reporting it through lastErr; returns true if the block ran to
// completion without a recoverable throw.
func (it *Interp) tryBlock(body *ast.Block, lastErr *error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			if te, isThrow := r.(throwErr); isThrow {
				*lastErr = te.Err
				ok = false
				return
			}
			panic(r) // control signals and anything else propagate
		}
	}()
	it.execBlock(body)
	return true
}

func (it *Interp) execTimeout(n *ast.TimeoutBlock) {
	ms := it.evalExpr(n.Ms).I
	done := make(chan struct{})
	var panicVal interface{}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				panicVal = r
			}
			close(done)
		}()
		it.execBlock(n.Body)
	}()
	select {
	case <-done:
		if panicVal != nil {
			panic(panicVal)
		}
	case <-time.After(time.Duration(ms) * time.Millisecond):
		panic(throwErr{perr.New(perr.KindTimeout, "Timeout: operation exceeded " + value.NewInt(ms).String() + "ms")})
	}
}

func (it *Interp) execGuard(n *ast.Guard) {
	if !it.evalExpr(n.Cond).Truthy() {
		panic(throwErr{perr.Guard(n.Line())})
	}
}
