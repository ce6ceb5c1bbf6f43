// Package tools is the tool registry and built-in actions: an
// os.ReadFile/WriteFile idiom, a context-timeout-bounded command runner,
// and a filepath.Walk traversal, generalized behind one
// run_tool_action funnel and the Policy/sandbox checks every Plan tag
// requires.
package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/leonardorey/psrun/internal/globmatch"
	"github.com/leonardorey/psrun/internal/memory"
	"github.com/leonardorey/psrun/internal/perr"
	"github.com/leonardorey/psrun/internal/plan"
	"github.com/leonardorey/psrun/internal/runlog"
	"github.com/leonardorey/psrun/internal/sandbox"
)

// ApprovalFunc prompts the operator and reports whether the action was
// granted, used when Policy.RequireApproval is set.
type ApprovalFunc func(question string) bool

// AskUserFunc prompts the operator for free-text input, backing the
// ASK_USER action.
type AskUserFunc func(question string, choices []string) (string, error)

// Runtime is the shared environment every tool call executes against: the
// project root a sandbox resolves paths within, the budget tracker and
// event logger funneled through by run_tool_action, the active policy
// pointer (mutated in place by `with policy`), and the memory store
// RECALL delegates to.
type Runtime struct {
	ProjectRoot string
	Policy      *Policy
	Budget      *runlog.BudgetTracker
	Logger      *runlog.Logger
	Memory      *memory.Store
	MemoryName  string
	Approve     ApprovalFunc
	AskUser     AskUserFunc
}

// RunToolAction is the single funnel every tool invocation passes
// through, whether from `apply()` or the agent loop, so the budget
// increment / policy check / schema validation / event emission sequence
// happens exactly once, in the mandated order.
func RunToolAction(ctx context.Context, rt *Runtime, step int64, name string, args map[string]any) (any, error) {
	// (a) budget
	if rt.Budget != nil {
		if err := rt.Budget.IncrToolCall(); err != nil {
			return nil, err
		}
	}

	action := plan.Action(name)

	// (b) policy
	if rt.Policy != nil && !rt.Policy.AllowsTool(name) {
		return nil, perr.PolicyViolation(fmt.Sprintf("tool %q not in allowTools", name))
	}
	if rt.Policy != nil && rt.Policy.RequireApproval {
		question := fmt.Sprintf("approve %s %v?", name, args)
		rt.Logger.ApprovalRequest(step, question)
		granted := true
		if rt.Approve != nil {
			granted = rt.Approve(question)
		}
		rt.Logger.ApprovalResponse(step, granted)
		if !granted {
			return nil, perr.PolicyViolation("approval denied for " + name)
		}
	}

	// (c) schema
	if err := plan.ValidateArgs(action, args); err != nil {
		return nil, err
	}

	// (d) run
	out, err := dispatch(ctx, rt, action, args)

	// (e) event (emitted even on error, output carries nil)
	rt.Logger.Tool(step, name, args, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func dispatch(ctx context.Context, rt *Runtime, action plan.Action, args map[string]any) (any, error) {
	switch action {
	case plan.ReadFile:
		return readFile(rt, args)
	case plan.WriteFile:
		return writeFile(rt, args)
	case plan.PatchFile:
		return patchFile(rt, args)
	case plan.Search:
		return search(rt, args)
	case plan.RunCmd:
		return runCmd(ctx, rt, args)
	case plan.AskUser:
		return askUser(rt, args)
	case plan.Report:
		return report(rt, args)
	case "RECALL":
		return recall(rt, args)
	default:
		return nil, perr.Tool("unknown tool: " + string(action))
	}
}

func argStr(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func argInt(args map[string]any, key string, def int64) int64 {
	switch v := args[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return def
}

func argStrSlice(args map[string]any, key string) []string {
	v, _ := args[key].([]any)
	out := make([]string, 0, len(v))
	for _, e := range v {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func readFile(rt *Runtime, args map[string]any) (any, error) {
	path := argStr(args, "path")
	resolved, err := sandbox.SafeResolve(rt.ProjectRoot, path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, perr.Tool("READ_FILE: not found: " + path)
		}
		if os.IsPermission(err) {
			return nil, perr.Tool("READ_FILE: permission denied: " + path)
		}
		return nil, perr.Wrap(perr.KindTool, "READ_FILE: stat", err)
	}
	if info.IsDir() {
		return nil, perr.Tool("READ_FILE: is a directory: " + path)
	}
	maxBytes := argInt(args, "maxBytes", rt.maxFileBytes())
	if info.Size() > maxBytes {
		return nil, perr.Tool(fmt.Sprintf("READ_FILE: too large (%d bytes > %d): %s", info.Size(), maxBytes, path))
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, perr.Wrap(perr.KindTool, "READ_FILE: read", err)
	}
	return string(data), nil
}

func (rt *Runtime) maxFileBytes() int64 {
	if rt.Policy != nil && rt.Policy.MaxFileBytes > 0 {
		return rt.Policy.MaxFileBytes
	}
	return 500000
}

func writeFile(rt *Runtime, args map[string]any) (any, error) {
	path := argStr(args, "path")
	content := argStr(args, "content")
	mode := argStr(args, "mode")
	resolved, err := sandbox.SafeResolve(rt.ProjectRoot, path)
	if err != nil {
		return nil, err
	}
	if mode == "create_only" {
		if _, err := os.Stat(resolved); err == nil {
			return nil, perr.Tool("WRITE_FILE: create_only target exists: " + path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, perr.Wrap(perr.KindTool, "WRITE_FILE: mkdir", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return nil, perr.Wrap(perr.KindTool, "WRITE_FILE: write", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

func patchFile(rt *Runtime, args map[string]any) (any, error) {
	path := argStr(args, "path")
	patch := argStr(args, "patch")
	resolved, err := sandbox.SafeResolve(rt.ProjectRoot, path)
	if err != nil {
		return nil, err
	}
	body := plan.ReplaceBody(patch)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, perr.Wrap(perr.KindTool, "PATCH_FILE: mkdir", err)
	}
	if err := os.WriteFile(resolved, []byte(body), 0o644); err != nil {
		return nil, perr.Wrap(perr.KindTool, "PATCH_FILE: write", err)
	}
	return fmt.Sprintf("replaced %s (%d bytes)", path, len(body)), nil
}

// searchHit is one SEARCH match.
type searchHit struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
	Text string `json:"text,omitempty"`
}

const searchFileSizeLimit = 500000

func search(rt *Runtime, args map[string]any) (any, error) {
	query := argStr(args, "query")
	globs := argStrSlice(args, "globs")
	maxResults := int(argInt(args, "maxResults", 5000))

	var hits []searchHit
	err := filepath.Walk(rt.ProjectRoot, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		rel, rerr := filepath.Rel(rt.ProjectRoot, p)
		if rerr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if sandbox.IsSensitive(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if len(globs) > 0 {
			matched := false
			for _, g := range globs {
				if globmatch.Match(g, rel) {
					matched = true
					break
				}
			}
			if !matched {
				return nil
			}
		}
		if query == "" {
			hits = append(hits, searchHit{Path: rel})
			return nil
		}
		if info.Size() > searchFileSizeLimit {
			return nil
		}
		data, rerr := os.ReadFile(p)
		if rerr != nil {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, query) {
				text := line
				if len(text) > 300 {
					text = text[:300]
				}
				hits = append(hits, searchHit{Path: rel, Line: i + 1, Text: text})
			}
		}
		return nil
	})
	if err != nil {
		return nil, perr.Wrap(perr.KindTool, "SEARCH: walk", err)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Path != hits[j].Path {
			return hits[i].Path < hits[j].Path
		}
		return hits[i].Line < hits[j].Line
	})
	if maxResults > 0 && len(hits) > maxResults {
		hits = hits[:maxResults]
	}
	return hits, nil
}

const (
	defaultCmdTimeout = 60 * time.Second
	maxCmdTimeout     = 120 * time.Second
)

func runCmd(ctx context.Context, rt *Runtime, args map[string]any) (any, error) {
	cmdLine := argStr(args, "cmd")
	extraArgs := argStrSlice(args, "args")
	timeoutMs := argInt(args, "timeoutMs", 0)

	fields := strings.Fields(cmdLine)
	if len(fields) == 0 {
		return nil, perr.Tool("RUN_CMD: empty cmd")
	}
	token := fields[0]
	if rt.Policy == nil || !rt.Policy.AllowsCommand(token) {
		return nil, perr.PolicyViolation("command not in allowCommands: " + token)
	}

	timeout := defaultCmdTimeout
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	if timeout > maxCmdTimeout {
		timeout = maxCmdTimeout
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	allArgs := append(fields[1:], extraArgs...)
	c := exec.CommandContext(cctx, token, allArgs...)
	c.Dir = rt.ProjectRoot

	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf

	runErr := c.Run()
	if cctx.Err() == context.DeadlineExceeded {
		return nil, perr.New(perr.KindTimeout, "RUN_CMD timed out after "+timeout.String())
	}
	exitCode := 0
	if runErr != nil {
		if ee, ok := runErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			return nil, perr.Wrap(perr.KindTool, "RUN_CMD: exec", runErr)
		}
	}
	return fmt.Sprintf("exit=%d\nSTDOUT:%s\nSTDERR:%s", exitCode, outBuf.String(), errBuf.String()), nil
}

func askUser(rt *Runtime, args map[string]any) (any, error) {
	question := argStr(args, "question")
	choices := argStrSlice(args, "choices")
	if rt.AskUser == nil {
		return nil, perr.Tool("ASK_USER: no interactive session attached")
	}
	return rt.AskUser(question, choices)
}

func report(rt *Runtime, args map[string]any) (any, error) {
	message := argStr(args, "message")
	fmt.Printf("[ps] REPORT: %s\n", message)
	return message, nil
}

func recall(rt *Runtime, args map[string]any) (any, error) {
	query := argStr(args, "query")
	topK := int(argInt(args, "top_k", 5))
	if rt.Memory == nil {
		return nil, perr.Tool("RECALL: no memory store attached")
	}
	name := rt.MemoryName
	if name == "" {
		name = "default"
	}
	return rt.Memory.Recall(name, query, topK), nil
}
