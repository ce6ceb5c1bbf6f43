package vm

import (
	"testing"

	"github.com/leonardorey/psrun/internal/runlog"
	"github.com/leonardorey/psrun/internal/subrun"
	"github.com/leonardorey/psrun/internal/value"
)

// TestParseSubrunOptionsDefaults covers the zero-value opts object
// defaulting to Inherit: true, call()/run()'s default.
func TestParseSubrunOptionsDefaults(t *testing.T) {
	opts := parseSubrunOptions(value.Null_())
	if !opts.Inherit {
		t.Fatalf("opts.Inherit = false, want true for a missing/non-object opts value")
	}
	if opts.TimeoutMs != 0 || opts.ReturnContract || opts.InheritMemory {
		t.Fatalf("opts = %+v, want all other fields zero-valued", opts)
	}
}

// TestParseSubrunOptionsFullObject covers every field parseSubrunOptions
// reads off an opts object.
func TestParseSubrunOptionsFullObject(t *testing.T) {
	v := value.EmptyObject()
	v.Set("inherit", value.NewBool(false))
	v.Set("timeout_ms", value.NewInt(5000))
	v.Set("return_contract", value.NewBool(true))
	v.Set("inherit_memory", value.NewBool(true))
	v.Set("stage", value.NewStr("build"))
	args := value.EmptyObject()
	args.Set("target", value.NewStr("x"))
	v.Set("args", args)
	budgetOverride := value.EmptyObject()
	budgetOverride.Set("maxSteps", value.NewInt(10))
	v.Set("budget_override", budgetOverride)

	opts := parseSubrunOptions(v)
	if opts.Inherit {
		t.Fatalf("opts.Inherit = true, want false")
	}
	if opts.TimeoutMs != 5000 {
		t.Fatalf("opts.TimeoutMs = %d, want 5000", opts.TimeoutMs)
	}
	if !opts.ReturnContract || !opts.InheritMemory {
		t.Fatalf("opts = %+v, want ReturnContract and InheritMemory true", opts)
	}
	if opts.Stage != "build" {
		t.Fatalf("opts.Stage = %q, want build", opts.Stage)
	}
	if opts.Args["target"] != "x" {
		t.Fatalf("opts.Args = %+v, want target=x", opts.Args)
	}
	if opts.BudgetOverride["maxSteps"] != 10 {
		t.Fatalf("opts.BudgetOverride = %+v, want maxSteps=10", opts.BudgetOverride)
	}
}

// TestApplyBudgetOverrideEachKey covers every recognized override key.
func TestApplyBudgetOverrideEachKey(t *testing.T) {
	cfg := runlog.BudgetConfig{}
	applyBudgetOverride(&cfg, "maxSteps", 1)
	applyBudgetOverride(&cfg, "maxTimeMs", 2)
	applyBudgetOverride(&cfg, "maxToolCalls", 3)
	applyBudgetOverride(&cfg, "maxLLMCalls", 4)
	applyBudgetOverride(&cfg, "maxTokens", 5)
	applyBudgetOverride(&cfg, "maxCostUsd", 1.5)
	want := runlog.BudgetConfig{MaxSteps: 1, MaxTimeMs: 2, MaxToolCalls: 3, MaxLLMCalls: 4, MaxTokens: 5, MaxCostUsd: 1.5}
	if cfg != want {
		t.Fatalf("cfg = %+v, want %+v", cfg, want)
	}
}

// TestBudgetConfigSnapshotReturnsParentCfg covers runSubworkflow deriving
// a child's starting budget from the parent's own configured limits.
func TestBudgetConfigSnapshotReturnsParentCfg(t *testing.T) {
	it := newTestInterp(t, Config{Budget: runlog.BudgetConfig{MaxSteps: 42}})
	if got := it.budgetConfigSnapshot(); got.MaxSteps != 42 {
		t.Fatalf("budgetConfigSnapshot().MaxSteps = %d, want 42", got.MaxSteps)
	}
}

// TestContractToInterfaceNilAndPopulated covers both branches of
// contractToInterface.
func TestContractToInterfaceNilAndPopulated(t *testing.T) {
	if out := contractToInterface(nil); out != nil {
		t.Fatalf("contractToInterface(nil) = %+v, want nil", out)
	}
	c := subrun.Contract{Ok: false, Issues: []subrun.Issue{{Severity: "error", Message: "boom", File: "x.go"}}}
	out, ok := contractToInterface(&c).(map[string]interface{})
	if !ok {
		t.Fatalf("contractToInterface did not return a map[string]interface{}")
	}
	if out["ok"] != false {
		t.Fatalf("out[ok] = %v, want false", out["ok"])
	}
	issues, ok := out["issues"].([]interface{})
	if !ok || len(issues) != 1 {
		t.Fatalf("out[issues] = %+v, want one issue", out["issues"])
	}
}
