package main

import (
	"os"
	"testing"

	"github.com/leonardorey/psrun/internal/perr"
)

func TestCoerceArgGuessesScalarType(t *testing.T) {
	if v := coerceArg("42"); v != int64(42) {
		t.Fatalf("coerceArg(42) = %v (%T), want int64(42)", v, v)
	}
	if v := coerceArg("true"); v != true {
		t.Fatalf("coerceArg(true) = %v (%T), want bool(true)", v, v)
	}
	if v := coerceArg("hello"); v != "hello" {
		t.Fatalf("coerceArg(hello) = %v, want string hello", v)
	}
}

func TestParseRunFlagsArgAndProject(t *testing.T) {
	project, args, err := parseRunFlags([]string{"--project", "/tmp/proj", "--arg", "target=build", "--arg", "retries=3"})
	if err != nil {
		t.Fatalf("parseRunFlags: %v", err)
	}
	if project != "/tmp/proj" {
		t.Fatalf("project = %q, want /tmp/proj", project)
	}
	if args["target"] != "build" {
		t.Fatalf("args[target] = %v, want build", args["target"])
	}
	if args["retries"] != int64(3) {
		t.Fatalf("args[retries] = %v, want int64(3)", args["retries"])
	}
}

func TestParseRunFlagsRejectsMalformedArg(t *testing.T) {
	if _, _, err := parseRunFlags([]string{"--arg", "noequals"}); err == nil {
		t.Fatalf("expected an error for an --arg missing '='")
	}
}

func TestParseRunFlagsRejectsUnknownFlag(t *testing.T) {
	if _, _, err := parseRunFlags([]string{"--bogus"}); err == nil {
		t.Fatalf("expected an error for an unrecognized flag")
	}
}

func TestExitCodeMapsEachPerrKind(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{perr.Parse(1, "bad indent"), 10},
		{perr.Schema("bad plan"), 11},
		{perr.PolicyViolation("RUN_CMD"), 12},
		{perr.BudgetExceeded("maxSteps"), 13},
		{perr.LoopDetected("exact_repeat"), 14},
		{perr.Tool("boom"), 15},
		{perr.Timeout("M"), 16},
		{os.ErrNotExist, 1},
	}
	for _, c := range cases {
		if got := exitCode(c.err); got != c.want {
			t.Fatalf("exitCode(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestBudgetFromEnvReadsOverrides(t *testing.T) {
	t.Setenv("PS_MAX_STEPS", "100")
	t.Setenv("PS_MAX_COST_USD", "2.5")
	cfg := budgetFromEnv()
	if cfg.MaxSteps != 100 {
		t.Fatalf("MaxSteps = %d, want 100", cfg.MaxSteps)
	}
	if cfg.MaxCostUsd != 2.5 {
		t.Fatalf("MaxCostUsd = %v, want 2.5", cfg.MaxCostUsd)
	}
	if cfg.MaxTimeMs != 0 {
		t.Fatalf("MaxTimeMs = %d, want 0 (unset)", cfg.MaxTimeMs)
	}
}
