package parse

import (
	"testing"

	"github.com/leonardorey/psrun/internal/ast"
)

func TestParseAssignmentProducesAssignStmt(t *testing.T) {
	block, err := Parse("x = 1\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(block.Stmts) != 1 {
		t.Fatalf("got %d statements, want 1", len(block.Stmts))
	}
	assign, ok := block.Stmts[0].(*ast.Assign)
	if !ok {
		t.Fatalf("stmt = %T, want *ast.Assign", block.Stmts[0])
	}
	if _, ok := assign.Target.(*ast.Ident); !ok {
		t.Fatalf("assign target = %T, want *ast.Ident", assign.Target)
	}
}

func TestParseIfElseIf(t *testing.T) {
	src := "if x == 1:\n  y = 1\nelse if x == 2:\n  y = 2\nelse:\n  y = 3\n"
	block, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ifStmt, ok := block.Stmts[0].(*ast.If)
	if !ok {
		t.Fatalf("stmt = %T, want *ast.If", block.Stmts[0])
	}
	if ifStmt.Else == nil || len(ifStmt.Else.Stmts) != 1 {
		t.Fatalf("expected an else-if chain nested in Else")
	}
	if _, ok := ifStmt.Else.Stmts[0].(*ast.If); !ok {
		t.Fatalf("else branch = %T, want a nested *ast.If for else-if", ifStmt.Else.Stmts[0])
	}
}

func TestParseFuncDefWithParams(t *testing.T) {
	block, err := Parse("def greet(name):\n  return name\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	fn, ok := block.Stmts[0].(*ast.FuncDef)
	if !ok {
		t.Fatalf("stmt = %T, want *ast.FuncDef", block.Stmts[0])
	}
	if fn.Name != "greet" || len(fn.Params) != 1 || fn.Params[0] != "name" {
		t.Fatalf("fn = %+v, want greet(name)", fn)
	}
}

func TestParseWithPolicyBlock(t *testing.T) {
	src := "with policy {requireApproval: true}:\n  x = 1\n"
	block, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	wp, ok := block.Stmts[0].(*ast.WithPolicy)
	if !ok {
		t.Fatalf("stmt = %T, want *ast.WithPolicy", block.Stmts[0])
	}
	if _, ok := wp.Overlay.(*ast.ObjectLit); !ok {
		t.Fatalf("overlay = %T, want *ast.ObjectLit", wp.Overlay)
	}
}

func TestParseRetryBackoffBlock(t *testing.T) {
	src := "retry 3 backoff 100:\n  x = 1\n"
	block, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rb, ok := block.Stmts[0].(*ast.RetryBlock)
	if !ok {
		t.Fatalf("stmt = %T, want *ast.RetryBlock", block.Stmts[0])
	}
	n, ok := rb.N.(*ast.IntLit)
	if !ok || n.V != 3 {
		t.Fatalf("retry count = %+v, want IntLit(3)", rb.N)
	}
}

func TestParseExpressionPrecedence(t *testing.T) {
	// "or" binds loosest; "+" binds tighter than comparisons.
	block, err := Parse("z = a == 1 + 2 or b\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	assign := block.Stmts[0].(*ast.Assign)
	or, ok := assign.Value.(*ast.Binary)
	if !ok || or.Op != "or" {
		t.Fatalf("top expr = %+v, want an 'or' binary", assign.Value)
	}
	cmp, ok := or.L.(*ast.Binary)
	if !ok || cmp.Op != "==" {
		t.Fatalf("or.L = %+v, want an '==' comparison", or.L)
	}
	plus, ok := cmp.R.(*ast.Binary)
	if !ok || plus.Op != "+" {
		t.Fatalf("comparison rhs = %+v, want a '+' binary", cmp.R)
	}
}

func TestParseCallWithArgsAndMemberChain(t *testing.T) {
	block, err := Parse("report(obj.field, 1)\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	exprStmt, ok := block.Stmts[0].(*ast.ExprStmt)
	if !ok {
		t.Fatalf("stmt = %T, want *ast.ExprStmt", block.Stmts[0])
	}
	call, ok := exprStmt.X.(*ast.Call)
	if !ok {
		t.Fatalf("expr = %T, want *ast.Call", exprStmt.X)
	}
	if len(call.Args) != 2 {
		t.Fatalf("call args = %d, want 2", len(call.Args))
	}
	if _, ok := call.Args[0].(*ast.Member); !ok {
		t.Fatalf("call.Args[0] = %T, want *ast.Member", call.Args[0])
	}
}

func TestParseObjectAndArrayLiterals(t *testing.T) {
	block, err := Parse(`x = {a: 1, b: [1, 2, 3]}` + "\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	assign := block.Stmts[0].(*ast.Assign)
	obj, ok := assign.Value.(*ast.ObjectLit)
	if !ok || len(obj.Keys) != 2 {
		t.Fatalf("value = %+v, want a 2-key ObjectLit", assign.Value)
	}
	arr, ok := obj.Values[1].(*ast.ArrayLit)
	if !ok || len(arr.Elems) != 3 {
		t.Fatalf("b = %+v, want a 3-element ArrayLit", obj.Values[1])
	}
}

func TestParseForInLoop(t *testing.T) {
	block, err := Parse("for item in items:\n  x = item\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	fi, ok := block.Stmts[0].(*ast.ForIn)
	if !ok || fi.Var != "item" {
		t.Fatalf("stmt = %+v, want ForIn over var item", block.Stmts[0])
	}
}

func TestParseRejectsBadSyntax(t *testing.T) {
	_, err := Parse("def (:\n")
	if err == nil {
		t.Fatalf("expected a parse error for malformed function definition")
	}
}

func TestParseGuardStatement(t *testing.T) {
	block, err := Parse("guard x == 1\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := block.Stmts[0].(*ast.Guard); !ok {
		t.Fatalf("stmt = %T, want *ast.Guard", block.Stmts[0])
	}
}
