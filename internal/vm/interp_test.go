package vm

import (
	"context"
	"testing"

	"github.com/leonardorey/psrun/internal/ast"
	"github.com/leonardorey/psrun/internal/runlog"
	"github.com/leonardorey/psrun/internal/tools"
	"github.com/leonardorey/psrun/internal/value"
)

func newTestInterp(t *testing.T, cfg Config) *Interp {
	t.Helper()
	if cfg.ProjectRoot == "" {
		cfg.ProjectRoot = t.TempDir()
	}
	if cfg.LogBaseDir == "" {
		cfg.LogBaseDir = t.TempDir()
	}
	if cfg.RunID == "" {
		cfg.RunID = "test-run"
	}
	if cfg.Policy.AllowTools == nil {
		cfg.Policy = tools.DefaultPolicy()
	}
	it, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return it
}

func blk(stmts ...ast.Stmt) *ast.Block { return &ast.Block{Stmts: stmts} }

func assign(name string, v ast.Expr) *ast.Assign {
	return &ast.Assign{Target: &ast.Ident{Name: name}, Value: v}
}

// TestIfAssignReturn covers basic env scoping through an if/else branch
// followed by a Return, the shape exec.go's execAssign/execIf/Return wire
// through Env.Set and the Run() recover.
func TestIfAssignReturn(t *testing.T) {
	it := newTestInterp(t, Config{})
	prog := blk(
		assign("x", &ast.IntLit{V: 1}),
		&ast.If{
			Cond: &ast.Binary{Op: "==", L: &ast.Ident{Name: "x"}, R: &ast.IntLit{V: 1}},
			Then: blk(assign("y", &ast.IntLit{V: 2})),
			Else: blk(assign("y", &ast.IntLit{V: 3})),
		},
		&ast.Return{Value: &ast.Ident{Name: "y"}},
	)
	if err := it.Run(prog); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if it.lastReturn.Kind != value.Int || it.lastReturn.I != 2 {
		t.Fatalf("lastReturn = %+v, want Int(2)", it.lastReturn)
	}
}

// TestWhileBreak covers the While/BreakStmt interaction via runLoopBody's
// breakSignal recovery.
func TestWhileBreak(t *testing.T) {
	it := newTestInterp(t, Config{})
	prog := blk(
		assign("i", &ast.IntLit{V: 0}),
		&ast.While{
			Cond: &ast.BoolLit{V: true},
			Body: blk(
				assign("i", &ast.Binary{Op: "+", L: &ast.Ident{Name: "i"}, R: &ast.IntLit{V: 1}}),
				&ast.If{
					Cond: &ast.Binary{Op: "==", L: &ast.Ident{Name: "i"}, R: &ast.IntLit{V: 3}},
					Then: blk(&ast.BreakStmt{}),
				},
			),
		},
		&ast.Return{Value: &ast.Ident{Name: "i"}},
	)
	if err := it.Run(prog); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if it.lastReturn.I != 3 {
		t.Fatalf("lastReturn = %+v, want Int(3)", it.lastReturn)
	}
}

// TestForInSumsArray covers ForIn over an ArrayLit plus addValues.
func TestForInSumsArray(t *testing.T) {
	it := newTestInterp(t, Config{})
	prog := blk(
		assign("total", &ast.IntLit{V: 0}),
		&ast.ForIn{
			Var: "n",
			Iter: &ast.ArrayLit{Elems: []ast.Expr{
				&ast.IntLit{V: 1}, &ast.IntLit{V: 2}, &ast.IntLit{V: 3},
			}},
			Body: blk(assign("total", &ast.Binary{Op: "+", L: &ast.Ident{Name: "total"}, R: &ast.Ident{Name: "n"}})),
		},
		&ast.Return{Value: &ast.Ident{Name: "total"}},
	)
	if err := it.Run(prog); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if it.lastReturn.I != 6 {
		t.Fatalf("lastReturn = %+v, want Int(6)", it.lastReturn)
	}
}

// TestGuardFailureSurfacesGuardError covers execGuard's throwErr path
// propagating out through Run as a returned error.
func TestGuardFailureSurfacesGuardError(t *testing.T) {
	it := newTestInterp(t, Config{})
	prog := blk(&ast.Guard{Cond: &ast.BoolLit{V: false}})
	err := it.Run(prog)
	if !perrIsGuard(err) {
		t.Fatalf("Run err = %v, want Guard failed", err)
	}
}

// TestBudgetMaxStepsExceeded covers execStmt's Budget.IncrStep() check
// turning into a BudgetExceeded error out of Run.
func TestBudgetMaxStepsExceeded(t *testing.T) {
	it := newTestInterp(t, Config{Budget: runlog.BudgetConfig{MaxSteps: 2}})
	prog := blk(
		assign("a", &ast.IntLit{V: 1}),
		assign("b", &ast.IntLit{V: 2}),
		assign("c", &ast.IntLit{V: 3}),
	)
	err := it.Run(prog)
	if !perrIsBudgetExceeded(err) {
		t.Fatalf("Run err = %v, want BudgetExceeded", err)
	}
}

// TestClassInstantiationBindsInit covers ClassDef registration plus
// instantiate() binding construction args to a method named "init".
func TestClassInstantiationBindsInit(t *testing.T) {
	it := newTestInterp(t, Config{})
	prog := blk(
		&ast.ClassDef{Name: "Counter", Methods: []*ast.FuncDef{
			{Name: "init", Params: []string{"start"}, Body: blk(
				&ast.Assign{Target: &ast.Member{X: &ast.Ident{Name: "self"}, Name: "n"}, Value: &ast.Ident{Name: "start"}},
			)},
		}},
		assign("c", &ast.Call{Callee: &ast.Ident{Name: "Counter"}, Args: []ast.Expr{&ast.IntLit{V: 5}}}),
		&ast.Return{Value: &ast.Member{X: &ast.Ident{Name: "c"}, Name: "n"}},
	)
	if err := it.Run(prog); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if it.lastReturn.Kind != value.Int || it.lastReturn.I != 5 {
		t.Fatalf("lastReturn = %+v, want Int(5)", it.lastReturn)
	}
}
