package vm

import (
	"os"

	"github.com/leonardorey/psrun/internal/parse"
	"github.com/leonardorey/psrun/internal/perr"
	"github.com/leonardorey/psrun/internal/runlog"
	"github.com/leonardorey/psrun/internal/sandbox"
	"github.com/leonardorey/psrun/internal/subrun"
	"github.com/leonardorey/psrun/internal/tools"
	"github.com/leonardorey/psrun/internal/value"
)

// runSubworkflow implements the call/run sub-workflow primitives.
// returnValue controls whether the caller wants the child's return value
// back (`call`) or nothing (`run`).
func (it *Interp) runSubworkflow(pathArg string, optsVal value.Value, returnValue bool) (value.Value, error) {
	opts := parseSubrunOptions(optsVal)

	resolved, err := sandbox.SafeResolve(it.ProjectRoot, pathArg)
	if err != nil {
		return value.Null_(), err
	}
	src, err := os.ReadFile(resolved)
	if err != nil {
		return value.Null_(), perr.Wrap(perr.KindTool, "sub-workflow: read script", err)
	}
	prog, err := parse.Parse(string(src))
	if err != nil {
		return value.Null_(), err
	}

	childPolicy := tools.RestrictivePolicy()
	if opts.Inherit {
		childPolicy = it.policy().Clone()
	}

	childBudget := it.budgetConfigSnapshot()
	for k, v := range opts.BudgetOverride {
		applyBudgetOverride(&childBudget, k, v)
	}
	if opts.TimeoutMs > 0 {
		childBudget.MaxTimeMs = opts.TimeoutMs
	}

	childRunID := runlog.NewChildRunID()
	childArgs := opts.Args

	memStore := it.Memory
	memName := it.memoryName
	if !opts.InheritMemory {
		memName = childRunID
	}

	it.step++
	it.Logger.SubworkflowStart(it.step, childRunID, map[string]any{
		"path": pathArg, "inherit_policy": opts.Inherit, "stage": opts.Stage,
	})

	child, err := New(it.ctx, Config{
		ProjectRoot: it.ProjectRoot,
		Policy:      childPolicy,
		Budget:      childBudget,
		RunID:       childRunID,
		ParentID:    it.Logger.RunID(),
		LogBaseDir:  it.Logger.Dir(),
		MemoryStore: memStore,
		MemoryName:  memName,
		Approve:     it.approve,
		AskUser:     it.askUser,
		HaltOnLoop:  it.haltOnLoop,
		Args:        childArgs,
	})
	if err != nil {
		return value.Null_(), perr.Wrap(perr.KindTool, "sub-workflow: init child", err)
	}

	runErr := child.Run(prog)

	snap := child.Budget.Snapshot()
	result := subrun.Result{
		Ok:         runErr == nil,
		ChildRunID: childRunID,
		LogsPath:   child.Logger.Dir(),
		Stage:      opts.Stage,
		Budget:     snap,
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}
	if opts.ReturnContract {
		c := subrun.DefaultContract(snap.TimeMs, snap.Steps, snap.LLMCalls)
		if runErr != nil {
			c.Ok = false
			c.Issues = append(c.Issues, subrun.Issue{Severity: "error", Message: runErr.Error()})
		}
		result.Contract = &c
	}

	it.step++
	it.Logger.SubworkflowEnd(it.step, childRunID, result)

	if !returnValue {
		return value.Null_(), nil
	}
	return valueFromInterface(map[string]interface{}{
		"ok":          result.Ok,
		"childRunId":  result.ChildRunID,
		"logsPath":    result.LogsPath,
		"stage":       result.Stage,
		"error":       result.Error,
		"contract":    contractToInterface(result.Contract),
		"childReturn": child.lastReturn,
	}), nil
}

func contractToInterface(c *subrun.Contract) interface{} {
	if c == nil {
		return nil
	}
	issues := make([]interface{}, len(c.Issues))
	for i, is := range c.Issues {
		issues[i] = map[string]interface{}{"severity": is.Severity, "message": is.Message, "file": is.File}
	}
	return map[string]interface{}{
		"ok":       c.Ok,
		"issues":   issues,
		"evidence": c.Evidence,
		"metrics":  c.Metrics,
	}
}

func parseSubrunOptions(v value.Value) subrun.Options {
	opts := subrun.Options{Inherit: true}
	if v.Kind != value.Object {
		return opts
	}
	if inh := v.Get("inherit_policy"); inh.Kind == value.Bool {
		opts.Inherit = inh.B
	} else if inh := v.Get("inherit"); inh.Kind == value.Bool {
		opts.Inherit = inh.B
	}
	if tm := v.Get("timeout_ms"); tm.Kind == value.Int {
		opts.TimeoutMs = tm.I
	}
	if rc := v.Get("return_contract"); rc.Kind == value.Bool {
		opts.ReturnContract = rc.B
	}
	if im := v.Get("inherit_memory"); im.Kind == value.Bool {
		opts.InheritMemory = im.B
	}
	if st := v.Get("stage"); st.Kind == value.Str {
		opts.Stage = st.S
	}
	if a := v.Get("args"); a.Kind == value.Object {
		opts.Args = map[string]interface{}{}
		for _, k := range a.Keys() {
			opts.Args[k] = value.ToInterface(a.Obj[k])
		}
	}
	if bo := v.Get("budget_override"); bo.Kind == value.Object {
		opts.BudgetOverride = map[string]float64{}
		for _, k := range bo.Keys() {
			if n := bo.Obj[k]; n.Kind == value.Int {
				opts.BudgetOverride[k] = float64(n.I)
			}
		}
	}
	return opts
}

// budgetConfigSnapshot returns the limits (not current counters) the
// parent run itself was configured with, the baseline a child's budget is
// derived from before opts.budget_override/timeout_ms are applied.
func (it *Interp) budgetConfigSnapshot() runlog.BudgetConfig {
	return it.budgetCfg
}

func applyBudgetOverride(cfg *runlog.BudgetConfig, key string, v float64) {
	switch key {
	case "maxSteps":
		cfg.MaxSteps = int64(v)
	case "maxTimeMs":
		cfg.MaxTimeMs = int64(v)
	case "maxToolCalls":
		cfg.MaxToolCalls = int64(v)
	case "maxLLMCalls":
		cfg.MaxLLMCalls = int64(v)
	case "maxTokens":
		cfg.MaxTokens = int64(v)
	case "maxCostUsd":
		cfg.MaxCostUsd = v
	}
}
