package vm

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/leonardorey/psrun/internal/llm"
	"github.com/leonardorey/psrun/internal/loopdetect"
	"github.com/leonardorey/psrun/internal/memory"
	"github.com/leonardorey/psrun/internal/perr"
	"github.com/leonardorey/psrun/internal/plan"
	"github.com/leonardorey/psrun/internal/serialize"
	"github.com/leonardorey/psrun/internal/tools"
	"github.com/leonardorey/psrun/internal/value"
)

// builtinNames enumerates every identifier eval.go/call.go should resolve
// as a built-in when it isn't bound in the current environment.
var builtinNames = map[string]bool{
	"log": true, "len": true, "range": true,
	"LLMClient": true, "plan": true, "apply": true, "do": true,
	"run_agent": true, "parallel": true,
	"decide": true, "judge": true, "summarize": true,
	"build_memory": true, "recall": true, "forget": true, "archive": true,
	"set_context_format": true, "compare_formats": true,
	"run": true, "call": true,
}

func arg(args []value.Value, i int) value.Value {
	if i < len(args) {
		return args[i]
	}
	return value.Null_()
}

// callBuiltin dispatches one of the DSL's built-in calls.
func (it *Interp) callBuiltin(name string, args []value.Value) (value.Value, error) {
	switch name {
	case "log":
		return it.biLog(args)
	case "len":
		return value.NewInt(arg(args, 0).Len()), nil
	case "range":
		return it.biRange(args)
	case "LLMClient":
		return it.biLLMClient(args)
	case "plan":
		return it.biPlan(args)
	case "apply":
		return it.biApply(args)
	case "do":
		return it.biDo(args)
	case "run_agent":
		return it.biRunAgent(args)
	case "parallel":
		return it.biParallel(args)
	case "decide":
		return it.biDecide(args)
	case "judge":
		return it.biJudge(args)
	case "summarize":
		return it.biSummarize(args)
	case "build_memory":
		return it.biBuildMemory(args)
	case "recall":
		return it.biRecall(args)
	case "forget":
		return it.biForget(args)
	case "archive":
		return it.biArchive(args)
	case "set_context_format":
		return it.biSetContextFormat(args)
	case "compare_formats":
		return it.biCompareFormats(args)
	case "run":
		return it.biRun(args)
	case "call":
		return it.biCall(args)
	default:
		return value.Null_(), perr.New(perr.KindParse, "unknown builtin "+name)
	}
}

func (it *Interp) biLog(args []value.Value) (value.Value, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	fmt.Println(strings.Join(parts, " "))
	return value.Null_(), nil
}

func (it *Interp) biRange(args []value.Value) (value.Value, error) {
	var start, end int64
	switch len(args) {
	case 1:
		end = args[0].I
	case 2:
		start, end = args[0].I, args[1].I
	default:
		return value.Null_(), perr.New(perr.KindParse, "range expects (end) or (start, end)")
	}
	out := make([]value.Value, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, value.NewInt(i))
	}
	return value.NewArray(out), nil
}

// clientFromCfg resolves (and caches, per tier) the *llm.Client a cfg
// object selects, plus an optional mock_plan override for deterministic
// script testing.
func (it *Interp) clientFromCfg(cfg value.Value) (*llm.Client, *plan.Plan) {
	tier := optStr(cfg, "tier")
	if tier == "" {
		tier = optStr(cfg, "provider")
	}
	key := strings.ToUpper(tier)
	cli, ok := it.llmTiers[key]
	if !ok {
		cli = llm.NewTier(key)
		it.llmTiers[key] = cli
	}
	var mockPlan *plan.Plan
	if mv := cfg.Get("mock_plan"); mv.Kind == value.Object {
		mockPlan = planFromValue(mv)
	}
	return cli, mockPlan
}

// renderContext turns cfg.context into the string an llm.Request carries:
// a plain string passes through unchanged, anything else (object/array) is
// serialized through the run's active contextFormat (set_context_format),
// so choosing TOON actually changes what the model sees.
func (it *Interp) renderContext(cfg value.Value) string {
	v := cfg.Get("context")
	if v.Kind == value.Str {
		return v.S
	}
	if v.Kind == value.Null {
		return ""
	}
	return serialize.Encode(it.contextFormat, v)
}

// memoryContext renders the named STM (objective, summary, recent events)
// into the text run_agent/decide/plan inject as a request's MemoryContext
// when a memory_key is given; empty when there is no memory store or key.
func (it *Interp) memoryContext(memKey string) string {
	if it.Memory == nil || memKey == "" {
		return ""
	}
	stm := it.Memory.STM(memKey)
	var sb strings.Builder
	if stm.Objective != "" {
		fmt.Fprintf(&sb, "Objective: %s\n", stm.Objective)
	}
	if stm.Summary != "" {
		fmt.Fprintf(&sb, "Summary: %s\n", stm.Summary)
	}
	for _, e := range stm.RecentEvents {
		fmt.Fprintf(&sb, "- [%s] %s: %s\n", e.Timestamp, e.Type, e.Detail)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// loadContextFiles reads each path through the ordinary READ_FILE funnel
// (policy/sandbox/budget checks and event logging all apply) and
// concatenates the results for run_agent's context_files option.
func (it *Interp) loadContextFiles(files []string) string {
	if len(files) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, f := range files {
		it.step++
		out, err := tools.RunToolAction(it.ctx, it.runtime(), it.step, string(plan.ReadFile), map[string]any{"path": f})
		if err != nil {
			continue
		}
		if s, ok := out.(string); ok {
			fmt.Fprintf(&sb, "--- %s ---\n%s\n", f, s)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func planFromValue(v value.Value) *plan.Plan {
	return &plan.Plan{
		Action: plan.Action(v.Get("action").S),
		Args:   argsMapFromValue(v.Get("args")),
		Done:   v.Get("done").Truthy(),
		Reason: v.Get("reason").S,
	}
}

func planToValue(p *plan.Plan) value.Value {
	obj := value.EmptyObject()
	obj.Set("action", value.NewStr(string(p.Action)))
	obj.Set("args", valueFromInterface(map[string]interface{}(p.Args)))
	obj.Set("done", value.NewBool(p.Done))
	obj.Set("reason", value.NewStr(p.Reason))
	return obj
}

// completeLLM runs one adapter request, accounting the result against the
// run's budget and emitting an llm event.
func (it *Interp) completeLLM(cli *llm.Client, req llm.Request) (*llm.Result, error) {
	res, err := cli.Complete(it.ctx, req)
	if err != nil {
		it.step++
		it.Logger.Error(it.step, err.Error())
		return nil, err
	}
	if berr := it.Budget.IncrLLMCall(cli.Model(), int64(res.Usage.TotalTokens)); berr != nil {
		return nil, berr
	}
	it.step++
	logPlan := map[string]interface{}{
		"action": string(res.Plan.Action), "args": res.Plan.Args, "done": res.Plan.Done, "reason": res.Plan.Reason,
	}
	it.Logger.LLM(it.step, req.User, logPlan, res.Usage, res.LatencyMs, res.RetryCount)
	return res, nil
}

func (it *Interp) biLLMClient(args []value.Value) (value.Value, error) {
	cfg := arg(args, 0)
	cli, mockPlan := it.clientFromCfg(cfg)
	tag := optStr(cfg, "tier")
	if tag == "" {
		tag = "default"
	}
	memKey := optStr(cfg, "memory_key")
	return value.Value{Kind: value.LLMClient, Client: &value.ClientValue{
		Tag:   tag,
		NoAsk: optBool(cfg, "no_ask", false),
		Call: func(prompt string) (value.Value, error) {
			req := llm.Request{
				System:        optStr(cfg, "system"),
				User:          prompt,
				Context:       it.renderContext(cfg),
				MemoryContext: it.memoryContext(memKey),
				MockPlan:      mockPlan,
			}
			res, err := it.completeLLM(cli, req)
			if err != nil {
				return value.Null_(), err
			}
			return planToValue(res.Plan), nil
		},
	}}, nil
}

// biPlan implements plan(prompt, opts?): one LLM request, never executed.
func (it *Interp) biPlan(args []value.Value) (value.Value, error) {
	if len(args) < 1 {
		return value.Null_(), perr.New(perr.KindParse, "plan expects (prompt, opts?)")
	}
	opts := arg(args, 1)
	cli, mockPlan := it.clientFromCfg(opts)
	req := llm.Request{
		System:        optStr(opts, "system"),
		User:          args[0].String(),
		Context:       it.renderContext(opts),
		MemoryContext: it.memoryContext(optStr(opts, "memory_key")),
		MockPlan:      mockPlan,
	}
	res, err := it.completeLLM(cli, req)
	if err != nil {
		return value.Null_(), err
	}
	return planToValue(res.Plan), nil
}

// biApply implements apply(planObj) | apply(action, args): dispatches
// through the single tools.RunToolAction funnel.
func (it *Interp) biApply(args []value.Value) (value.Value, error) {
	if len(args) == 0 {
		return value.Null_(), perr.New(perr.KindParse, "apply expects a Plan object or (action, args)")
	}
	var actionName string
	var argsMap map[string]any
	first := args[0]
	if first.Kind == value.Object && first.Get("action").Kind == value.Str {
		actionName = first.Get("action").S
		argsMap = argsMapFromValue(first.Get("args"))
	} else if first.Kind == value.Str {
		actionName = first.S
		argsMap = argsMapFromValue(arg(args, 1))
	} else {
		return value.Null_(), perr.New(perr.KindParse, "apply expects a Plan object or (action, args)")
	}
	it.step++
	out, err := tools.RunToolAction(it.ctx, it.runtime(), it.step, actionName, argsMap)
	if err != nil {
		return value.Null_(), err
	}
	return valueFromInterface(out), nil
}

// biDo implements do(prompt, opts?) = apply(plan(prompt, opts)).
func (it *Interp) biDo(args []value.Value) (value.Value, error) {
	p, err := it.biPlan(args)
	if err != nil {
		return value.Null_(), err
	}
	return it.biApply([]value.Value{p})
}

var parallelAllowed = []string{"READ_FILE", "SEARCH"}

func containsStr(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// biParallel implements parallel(items, opts?): wave-based fan-out over a
// restricted, read-only action allowlist.
func (it *Interp) biParallel(args []value.Value) (value.Value, error) {
	if len(args) == 0 || args[0].Kind != value.Array {
		return value.Null_(), perr.New(perr.KindParse, "parallel expects (items, opts?)")
	}
	items := args[0].Arr
	opts := arg(args, 1)
	max := int(optInt(opts, "max", 4))
	if max < 1 {
		max = 1
	}
	failFast := optBool(opts, "fail_fast", true)

	type job struct {
		idx     int
		action  string
		argsMap map[string]any
	}
	jobs := make([]job, len(items))
	for i, it2 := range items {
		actionName := it2.Get("action").S
		if !containsStr(parallelAllowed, actionName) {
			return value.Null_(), perr.PolicyViolation("parallel: action not allowed: " + actionName)
		}
		jobs[i] = job{idx: i, action: actionName, argsMap: argsMapFromValue(it2.Get("args"))}
	}

	results := make([]value.Value, len(items))
	aborted := false

	for start := 0; start < len(jobs) && !aborted; start += max {
		end := start + max
		if end > len(jobs) {
			end = len(jobs)
		}
		wave := jobs[start:end]
		var wg sync.WaitGroup
		for _, j := range wave {
			wg.Add(1)
			go func(j job) {
				defer wg.Done()
				step := atomic.AddInt64(&it.step, 1)
				out, err := tools.RunToolAction(it.ctx, it.runtime(), step, j.action, j.argsMap)
				res := value.EmptyObject()
				if err != nil {
					res.Set("ok", value.NewBool(false))
					res.Set("error", value.NewStr(err.Error()))
				} else {
					res.Set("ok", value.NewBool(true))
					res.Set("value", valueFromInterface(out))
				}
				results[j.idx] = res
			}(j)
		}
		wg.Wait()
		if failFast {
			for _, j := range wave {
				if !results[j.idx].Get("ok").Truthy() {
					aborted = true
					break
				}
			}
		}
	}

	if aborted {
		for i := range results {
			if results[i].Kind == value.Null {
				skipped := value.EmptyObject()
				skipped.Set("ok", value.NewBool(false))
				skipped.Set("error", value.NewStr("skipped after an earlier failure (fail_fast)"))
				results[i] = skipped
			}
		}
	}
	return value.NewArray(results), nil
}

// reportMessage returns a REPORT-shaped Plan's args.message, the common
// payload decide/judge/summarize read their answer from.
func reportMessage(p *plan.Plan) string {
	if p == nil {
		return ""
	}
	s, _ := p.Args["message"].(string)
	return s
}

// biDecide implements decide(question, opts?): one LLM call that returns
// the REPORT Plan's args object verbatim, for downstream use as a
// structured decision.
func (it *Interp) biDecide(args []value.Value) (value.Value, error) {
	if len(args) < 1 {
		return value.Null_(), perr.New(perr.KindParse, "decide expects (question, opts?)")
	}
	opts := arg(args, 1)
	cli, mockPlan := it.clientFromCfg(opts)
	req := llm.Request{
		System:        "Decide and reply via the REPORT action. Put the decision in args.message, as JSON if structured data was requested.",
		User:          args[0].String(),
		MemoryContext: it.memoryContext(optStr(opts, "memory_key")),
		MockPlan:      mockPlan,
	}
	res, err := it.completeLLM(cli, req)
	if err != nil {
		return value.Null_(), err
	}
	return valueFromInterface(map[string]interface{}(res.Plan.Args)), nil
}

// biJudge implements judge(question, opts?): one LLM call reduced to a
// boolean verdict.
func (it *Interp) biJudge(args []value.Value) (value.Value, error) {
	if len(args) < 1 {
		return value.Null_(), perr.New(perr.KindParse, "judge expects (question, opts?)")
	}
	opts := arg(args, 1)
	cli, mockPlan := it.clientFromCfg(opts)
	req := llm.Request{
		System:   "Judge the question and reply via the REPORT action with args.message set to exactly \"true\" or \"false\".",
		User:     args[0].String(),
		MockPlan: mockPlan,
	}
	res, err := it.completeLLM(cli, req)
	if err != nil {
		return value.Null_(), err
	}
	msg := strings.ToLower(strings.TrimSpace(reportMessage(res.Plan)))
	return value.NewBool(msg == "true" || msg == "yes"), nil
}

// biSummarize implements summarize(instruction, opts): one LLM call whose
// result overwrites memory[memory_key].summary.
func (it *Interp) biSummarize(args []value.Value) (value.Value, error) {
	if len(args) < 1 {
		return value.Null_(), perr.New(perr.KindParse, "summarize expects (instruction, opts?)")
	}
	opts := arg(args, 1)
	memKey := optStr(opts, "memory_key")
	if memKey == "" {
		memKey = it.memoryName
	}
	cli, mockPlan := it.clientFromCfg(opts)
	req := llm.Request{
		System:   "Summarize per the instruction and reply via the REPORT action with the summary in args.message.",
		User:     args[0].String(),
		MockPlan: mockPlan,
	}
	res, err := it.completeLLM(cli, req)
	if err != nil {
		return value.Null_(), err
	}
	summary := reportMessage(res.Plan)
	if it.Memory != nil {
		it.Memory.SetSummary(memKey, summary)
	}
	return value.NewStr(summary), nil
}

func stringsFromArrayValue(v value.Value) []string {
	if v.Kind != value.Array {
		return nil
	}
	out := make([]string, len(v.Arr))
	for i, e := range v.Arr {
		out[i] = e.String()
	}
	return out
}

func ltmToValue(ltm *memory.LTM) value.Value {
	facts := make(map[string]interface{}, len(ltm.Facts))
	for k, v := range ltm.Facts {
		facts[k] = value.ToInterface(v)
	}
	files := make(map[string]interface{}, len(ltm.FileSummaries))
	for k, v := range ltm.FileSummaries {
		files[k] = v
	}
	glossary := make(map[string]interface{}, len(ltm.Glossary))
	for k, v := range ltm.Glossary {
		glossary[k] = v
	}
	caps := make([]interface{}, len(ltm.Capabilities))
	for i, c := range ltm.Capabilities {
		caps[i] = c
	}
	index := make(map[string]interface{}, len(ltm.Index))
	for k, v := range ltm.Index {
		entries := make([]interface{}, len(v))
		for i, e := range v {
			entries[i] = e
		}
		index[k] = entries
	}
	return valueFromInterface(map[string]interface{}{
		"facts": facts, "file_summaries": files, "capabilities": caps,
		"glossary": glossary, "index": index,
	})
}

func (it *Interp) biBuildMemory(args []value.Value) (value.Value, error) {
	if len(args) < 1 || it.Memory == nil {
		return value.Null_(), perr.New(perr.KindParse, "build_memory expects (name, opts?)")
	}
	opts := arg(args, 1)
	globs := stringsFromArrayValue(opts.Get("globs"))
	mode := optStr(opts, "mode")
	ltm, err := it.Memory.BuildMemory(args[0].String(), globs, mode)
	if err != nil {
		return value.Null_(), perr.Wrap(perr.KindTool, "build_memory", err)
	}
	return ltmToValue(ltm), nil
}

func (it *Interp) biRecall(args []value.Value) (value.Value, error) {
	if len(args) < 2 || it.Memory == nil {
		return value.Null_(), perr.New(perr.KindParse, "recall expects (name, query, opts?)")
	}
	opts := arg(args, 2)
	topK := int(optInt(opts, "top_k", 5))
	chunks := it.Memory.Recall(args[0].String(), args[1].String(), topK)
	out := make([]value.Value, len(chunks))
	for i, c := range chunks {
		obj := value.EmptyObject()
		obj.Set("source", value.NewStr(c.Source))
		obj.Set("content", value.NewStr(c.Content))
		obj.Set("relevance", value.NewInt(int64(c.Relevance*100)))
		out[i] = obj
	}
	return value.NewArray(out), nil
}

func (it *Interp) biForget(args []value.Value) (value.Value, error) {
	opts := arg(args, 0)
	if it.Memory == nil {
		return value.Null_(), perr.Tool("forget: no memory store attached")
	}
	memKey := optStr(opts, "memory_key")
	if memKey == "" {
		memKey = it.memoryName
	}
	mode := optStr(opts, "mode")
	keepN := int(optInt(opts, "keep_n", 0))
	r := it.Memory.Forget(memKey, mode, keepN)
	obj := value.EmptyObject()
	obj.Set("before_tokens", value.NewInt(int64(r.BeforeTokens)))
	obj.Set("after_tokens", value.NewInt(int64(r.AfterTokens)))
	return obj, nil
}

func (it *Interp) biArchive(args []value.Value) (value.Value, error) {
	opts := arg(args, 0)
	if it.Memory == nil {
		return value.Null_(), perr.Tool("archive: no memory store attached")
	}
	memKey := optStr(opts, "memory_key")
	if memKey == "" {
		memKey = it.memoryName
	}
	toLTM := optStr(opts, "to_ltm")
	if toLTM == "" {
		toLTM = memKey
	}
	clearSTM := optBool(opts, "clear_stm", false)
	r := it.Memory.Archive(memKey, toLTM, clearSTM)
	obj := value.EmptyObject()
	obj.Set("archive_key", value.NewStr(r.ArchiveKey))
	return obj, nil
}

func (it *Interp) biSetContextFormat(args []value.Value) (value.Value, error) {
	if len(args) < 1 {
		return value.Null_(), perr.New(perr.KindParse, "set_context_format expects (format)")
	}
	it.contextFormat = serialize.Format(args[0].S)
	return value.Null_(), nil
}

func (it *Interp) biCompareFormats(args []value.Value) (value.Value, error) {
	c := serialize.Compare(arg(args, 0))
	obj := value.EmptyObject()
	obj.Set("json_bytes", value.NewInt(int64(c.JSONBytes)))
	obj.Set("toon_bytes", value.NewInt(int64(c.TOONBytes)))
	obj.Set("delta_bytes", value.NewInt(int64(c.DeltaBytes)))
	return obj, nil
}

func (it *Interp) biRun(args []value.Value) (value.Value, error) {
	if len(args) < 1 {
		return value.Null_(), perr.New(perr.KindParse, "run expects (path, opts?)")
	}
	_, err := it.runSubworkflow(args[0].String(), arg(args, 1), false)
	return value.Null_(), err
}

func (it *Interp) biCall(args []value.Value) (value.Value, error) {
	if len(args) < 1 {
		return value.Null_(), perr.New(perr.KindParse, "call expects (path, opts?)")
	}
	return it.runSubworkflow(args[0].String(), arg(args, 1), true)
}

const defaultAgentSystemPrompt = "You are an autonomous coding agent. Reply with exactly one Plan JSON object per turn: {action, args, done, reason}. Valid actions: READ_FILE, SEARCH, WRITE_FILE, PATCH_FILE, RUN_CMD, ASK_USER, REPORT."

const noAskSuffix = "No-Ask: never use ASK_USER. Make the most reasonable assumption yourself and keep going."

const defaultMaxAgentIterations = 25

// biRunAgent implements run_agent(clientOrCfg, prompt, opts?): an agent
// loop over a sliding 20-message history, tracking whether a write has
// happened for require_write gating and feeding every observed Plan
// through the loop detector. Honors memory_key (context injection),
// context_files (read once up front and re-sent every turn), no_ask (a
// system-prompt suffix telling the model never to ASK_USER), and
// stop_on_report (whether a done REPORT actually ends the loop).
func (it *Interp) biRunAgent(args []value.Value) (value.Value, error) {
	if len(args) < 2 {
		return value.Null_(), perr.New(perr.KindParse, "run_agent expects (client, prompt, opts?)")
	}
	opts := arg(args, 2)

	var cli *llm.Client
	var mockPlan *plan.Plan
	noAsk := optBool(opts, "no_ask", false)
	if args[0].Kind == value.LLMClient {
		// a bare LLMClient() value only exposes Call(prompt); rebuild a
		// fresh adapter client from opts so run_agent controls its own
		// request shape (system prompt, history) instead of delegating
		// to the client's own closure.
		cli, mockPlan = it.clientFromCfg(opts)
		if args[0].Client != nil && args[0].Client.NoAsk {
			noAsk = true
		}
	} else {
		cli, mockPlan = it.clientFromCfg(args[0])
		if mockPlan == nil {
			_, mockPlan = it.clientFromCfg(opts)
		}
		noAsk = noAsk || optBool(args[0], "no_ask", false)
	}

	requireWrite := optBool(opts, "require_write", false)
	stopOnReport := optBool(opts, "stop_on_report", true)
	maxIter := optInt(opts, "max_iterations", defaultMaxAgentIterations)
	system := optStr(opts, "system")
	if system == "" {
		system = defaultAgentSystemPrompt
	}
	if noAsk {
		system += "\n\n" + noAskSuffix
	}

	memKey := optStr(opts, "memory_key")
	fileContext := it.loadContextFiles(stringsFromArrayValue(opts.Get("context_files")))

	var history []llm.Message
	hasWritten := false
	lastResult := value.Null_()
	userMsg := args[1].String()

	for i := int64(0); i < maxIter; i++ {
		req := llm.Request{
			System:        system,
			User:          userMsg,
			Context:       fileContext,
			MemoryContext: it.memoryContext(memKey),
			History:       history,
			MockPlan:      mockPlan,
		}
		res, err := it.completeLLM(cli, req)
		if err != nil {
			return value.Null_(), err
		}

		history = append(history, llm.Message{Role: "user", Content: userMsg}, llm.Message{Role: "assistant", Content: res.Raw})
		if len(history) > 20 {
			history = history[len(history)-20:]
		}

		p := res.Plan
		it.step++
		out, toolErr := tools.RunToolAction(it.ctx, it.runtime(), it.step, string(p.Action), p.Args)

		fp := loopdetect.Fingerprint{Action: string(p.Action), ArgHash: loopdetect.ArgsHash(p.Args), Success: toolErr == nil}
		lr := it.Loop.Observe(fp)
		if lr.Detected {
			it.Logger.LoopWarning(it.step, lr.Kind, lr.Suggestion)
			if it.haltOnLoop {
				return value.Null_(), perr.LoopDetected(lr.Kind)
			}
		}

		if toolErr != nil {
			userMsg = "Your last action failed: " + toolErr.Error() + ". Try a different approach."
			continue
		}

		if p.Action == plan.WriteFile || p.Action == plan.PatchFile {
			hasWritten = true
		}
		lastResult = valueFromInterface(out)

		done := p.Done && (stopOnReport || p.Action != plan.Report)
		if done {
			if !requireWrite || hasWritten {
				return lastResult, nil
			}
			userMsg = "You reported done, but no file has been written yet. Continue until the required change is written."
			continue
		}
		userMsg = fmt.Sprintf("Continue toward the objective. Last tool result: %v", out)
	}
	return lastResult, nil
}
