package vm

import (
	"testing"

	"github.com/leonardorey/psrun/internal/ast"
	"github.com/leonardorey/psrun/internal/value"
)

// TestWithPolicyOverlayRestoresOnExit covers execWithPolicy's strict LIFO
// push/pop: inside the block the overlay is active, after the block (even
// when it throws) the prior policy is back on top.
func TestWithPolicyOverlayRestoresOnExit(t *testing.T) {
	it := newTestInterp(t, Config{})
	base := it.policy().Clone()
	if !base.AllowsTool("WRITE_FILE") {
		t.Fatalf("precondition: default policy should allow WRITE_FILE")
	}

	overlay := &ast.ObjectLit{
		Keys: []string{"allowActions"},
		Values: []ast.Expr{&ast.ArrayLit{Elems: []ast.Expr{&ast.StrLit{V: "READ_FILE"}}}},
	}
	prog := blk(&ast.WithPolicy{
		Overlay: overlay,
		Body: blk(&ast.Guard{Cond: &ast.BoolLit{V: false}}), // throws mid-block
	})
	err := it.Run(prog)
	if !perrIsGuard(err) {
		t.Fatalf("Run err = %v, want Guard failed, not a leaked overlay", err)
	}
	if !it.policy().AllowsTool("WRITE_FILE") {
		t.Fatalf("policy not restored after with-policy block exited via panic")
	}
	if len(it.policies) != 1 {
		t.Fatalf("policy stack depth = %d, want 1 (no leaked overlay)", len(it.policies))
	}
}

// TestWithPolicyOverlayAppliesInsideBlock covers the overlay actually
// narrowing AllowTools while the block runs.
func TestWithPolicyOverlayAppliesInsideBlock(t *testing.T) {
	it := newTestInterp(t, Config{})
	var sawAllowsWrite bool
	overlay := &ast.ObjectLit{
		Keys: []string{"allowActions"},
		Values: []ast.Expr{&ast.ArrayLit{Elems: []ast.Expr{&ast.StrLit{V: "READ_FILE"}}}},
	}
	prog := blk(&ast.WithPolicy{
		Overlay: overlay,
		Body: blk(&ast.ExprStmt{X: &ast.Call{Callee: &ast.Ident{Name: "log"}, Args: []ast.Expr{&ast.StrLit{V: "inside"}}}}),
	})
	// run inline instead of via Run so we can inspect the policy mid-block
	it.execWithPolicyProbe(prog.Stmts[0].(*ast.WithPolicy), func() {
		sawAllowsWrite = it.policy().AllowsTool("WRITE_FILE")
	})
	if sawAllowsWrite {
		t.Fatalf("overlay should have narrowed AllowTools to exclude WRITE_FILE")
	}
}

// execWithPolicyProbe runs execWithPolicy but invokes probe once at the end
// of the overlaid block, from inside the same policy scope.
func (it *Interp) execWithPolicyProbe(n *ast.WithPolicy, probe func()) {
	overlayVal := it.evalExpr(n.Overlay)
	patch := policyPatchFromValue(overlayVal)
	it.pushPolicy(it.policy().Overlay(patch))
	defer it.popPolicy()
	it.execBlock(n.Body)
	probe()
}

// TestRetryBlockRetriesThenSucceeds covers execRetry recovering a throwErr
// thrown by a Guard on the first two attempts and succeeding on the third.
func TestRetryBlockRetriesThenSucceeds(t *testing.T) {
	it := newTestInterp(t, Config{})
	prog := blk(
		assign("counter", &ast.IntLit{V: 0}),
		&ast.RetryBlock{
			N:       &ast.IntLit{V: 5},
			Backoff: &ast.IntLit{V: 1},
			Body: blk(
				assign("counter", &ast.Binary{Op: "+", L: &ast.Ident{Name: "counter"}, R: &ast.IntLit{V: 1}}),
				&ast.Guard{Cond: &ast.Binary{Op: ">=", L: &ast.Ident{Name: "counter"}, R: &ast.IntLit{V: 3}}},
			),
		},
		&ast.Return{Value: &ast.Ident{Name: "counter"}},
	)
	if err := it.Run(prog); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if it.lastReturn.I != 3 {
		t.Fatalf("lastReturn = %+v, want Int(3) (succeeded on the 3rd attempt)", it.lastReturn)
	}
}

// TestRetryBlockExhaustsAndThrows covers execRetry surfacing the last
// error once every attempt has failed.
func TestRetryBlockExhaustsAndThrows(t *testing.T) {
	it := newTestInterp(t, Config{})
	prog := blk(&ast.RetryBlock{
		N:       &ast.IntLit{V: 2},
		Backoff: &ast.IntLit{V: 1},
		Body:    blk(&ast.Guard{Cond: &ast.BoolLit{V: false}}),
	})
	err := it.Run(prog)
	if !perrIsGuard(err) {
		t.Fatalf("Run err = %v, want the Guard failure surfaced after exhausting retries", err)
	}
}

// TestTimeoutBlockFinishesInTime covers execTimeout's non-expiring path:
// a body that finishes well inside the deadline runs to completion with
// no Timeout error.
func TestTimeoutBlockFinishesInTime(t *testing.T) {
	it := newTestInterp(t, Config{})
	prog := blk(
		&ast.TimeoutBlock{
			Ms:   &ast.IntLit{V: 5000},
			Body: blk(assign("done", &ast.BoolLit{V: true})),
		},
		&ast.Return{Value: &ast.Ident{Name: "done"}},
	)
	if err := it.Run(prog); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !it.lastReturn.Truthy() {
		t.Fatalf("lastReturn = %+v, want true", it.lastReturn)
	}
}

// TestSetMemberOnInstanceMutatesFieldsInPlace covers the Member-assign
// fix: obj.Inst.Fields is shared by pointer so a method-style self.field =
// x mutation is visible to the caller without an explicit write-back.
func TestSetMemberOnInstanceMutatesFieldsInPlace(t *testing.T) {
	it := newTestInterp(t, Config{})
	inst := value.Value{Kind: value.Instance, Inst: &value.InstanceValue{ClassName: "X", Fields: map[string]value.Value{}}}
	it.setMember(inst, "a", value.NewInt(7))
	if got := inst.Inst.Fields["a"]; got.I != 7 {
		t.Fatalf("Fields[a] = %+v, want Int(7)", got)
	}
	if len(inst.Inst.FieldKeys) != 1 || inst.Inst.FieldKeys[0] != "a" {
		t.Fatalf("FieldKeys = %v, want [a]", inst.Inst.FieldKeys)
	}
}
