package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/joho/godotenv"

	"github.com/leonardorey/psrun/internal/memory"
	"github.com/leonardorey/psrun/internal/parse"
	"github.com/leonardorey/psrun/internal/perr"
	"github.com/leonardorey/psrun/internal/replay"
	"github.com/leonardorey/psrun/internal/runlog"
	"github.com/leonardorey/psrun/internal/tools"
	"github.com/leonardorey/psrun/internal/vm"
)

func main() {
	_ = godotenv.Load(".env")

	homeDir, _ := os.UserHomeDir()
	cacheDir := filepath.Join(homeDir, ".cache", "psrun")
	_ = os.MkdirAll(cacheDir, 0755)

	// Redirect debug logs to file so they don't interfere with the terminal.
	// Tail ~/.cache/psrun/debug.log to observe internal VM activity.
	if f, err := os.OpenFile(filepath.Join(cacheDir, "debug.log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
		log.SetOutput(f)
		slog.SetDefault(slog.New(slog.NewTextHandler(f, nil)))
		defer f.Close()
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(ctx, os.Args[2:])
	case "replay":
		err = replayCommand(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ps run <script.ps> [--arg key=value ...] [--project DIR]")
	fmt.Fprintln(os.Stderr, "       ps replay <run-id> [--project DIR]")
}

// exitCode maps a *perr.Error kind to a distinct process exit code. Any
// other error (e.g. file-not-found, a read error opening memory) surfaces
// as a generic failure.
func exitCode(err error) int {
	switch {
	case perr.Is(err, perr.KindParse):
		return 10
	case perr.Is(err, perr.KindSchema):
		return 11
	case perr.Is(err, perr.KindPolicyViolation):
		return 12
	case perr.Is(err, perr.KindBudgetExceeded):
		return 13
	case perr.Is(err, perr.KindLoopDetected):
		return 14
	case perr.Is(err, perr.KindTool):
		return 15
	case perr.Is(err, perr.KindTimeout):
		return 16
	case perr.Is(err, perr.KindGuard):
		return 17
	default:
		return 1
	}
}

func runCommand(ctx context.Context, args []string) error {
	if len(args) < 1 {
		usage()
		return fmt.Errorf("missing script path")
	}
	scriptPath := args[0]
	projectRoot, scriptArgs, err := parseRunFlags(args[1:])
	if err != nil {
		return err
	}
	if projectRoot == "" {
		projectRoot, err = os.Getwd()
		if err != nil {
			return err
		}
	}

	src, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	prog, err := parse.Parse(string(src))
	if err != nil {
		return err
	}

	store, err := memory.Open(projectRoot)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer store.Close()

	rl, rlErr := newPromptLine()
	var approve tools.ApprovalFunc
	var askUser tools.AskUserFunc
	if rlErr == nil {
		defer rl.Close()
		approve = makeApproveFunc(rl)
		askUser = makeAskUserFunc(rl)
	} else {
		// No tty available (e.g. piped/CI invocation): fall back to stdin
		// scanning so ASK_USER/approval prompts still work non-interactively.
		scanner := bufio.NewScanner(os.Stdin)
		approve = makeScannerApproveFunc(scanner)
		askUser = makeScannerAskUserFunc(scanner)
	}

	runID := runlog.NewRunID()
	cfg := vm.Config{
		ProjectRoot: projectRoot,
		Policy:      tools.DefaultPolicy(),
		Budget:      budgetFromEnv(),
		RunID:       runID,
		LogBaseDir:  filepath.Join(projectRoot, ".ps-runs"),
		MemoryStore: store,
		MemoryName:  "default",
		Approve:     approve,
		AskUser:     askUser,
		HaltOnLoop:  os.Getenv("PS_HALT_ON_LOOP") != "false",
		Args:        scriptArgs,
	}

	it, err := vm.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init interpreter: %w", err)
	}
	if err := it.Run(prog); err != nil {
		return err
	}
	fmt.Printf("run %s finished (log: %s)\n", runID, filepath.Join(cfg.LogBaseDir, runID))
	return nil
}

// parseRunFlags consumes `--arg key=value` (repeatable) and `--project DIR`
// from the trailing argument list, returning the bound args as the
// interface{} map vm.Config.Args expects.
func parseRunFlags(args []string) (string, map[string]interface{}, error) {
	project := ""
	bound := map[string]interface{}{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--project":
			i++
			if i >= len(args) {
				return "", nil, fmt.Errorf("--project requires a value")
			}
			project = args[i]
		case "--arg":
			i++
			if i >= len(args) {
				return "", nil, fmt.Errorf("--arg requires key=value")
			}
			k, v, ok := strings.Cut(args[i], "=")
			if !ok {
				return "", nil, fmt.Errorf("--arg %q: expected key=value", args[i])
			}
			bound[k] = coerceArg(v)
		default:
			return "", nil, fmt.Errorf("unknown flag %q", args[i])
		}
	}
	return project, bound, nil
}

// coerceArg guesses a scalar type for a CLI-supplied arg value so scripts
// can compare it numerically/booleanly without an explicit cast builtin.
func coerceArg(v string) interface{} {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}

// budgetFromEnv reads PS_MAX_{STEPS,TIME_MS,TOOL_CALLS,LLM_CALLS,TOKENS} and
// PS_MAX_COST_USD from the environment. Unset or unparseable values leave
// that counter unbounded (zero value).
func budgetFromEnv() runlog.BudgetConfig {
	return runlog.BudgetConfig{
		MaxSteps:     envInt64("PS_MAX_STEPS"),
		MaxTimeMs:    envInt64("PS_MAX_TIME_MS"),
		MaxToolCalls: envInt64("PS_MAX_TOOL_CALLS"),
		MaxLLMCalls:  envInt64("PS_MAX_LLM_CALLS"),
		MaxTokens:    envInt64("PS_MAX_TOKENS"),
		MaxCostUsd:   envFloat64("PS_MAX_COST_USD"),
	}
}

func envInt64(key string) int64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func envFloat64(key string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

func newPromptLine() (*readline.Instance, error) {
	return readline.NewEx(&readline.Config{
		Prompt:          "\033[33m?\033[0m ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
}

func makeApproveFunc(rl *readline.Instance) tools.ApprovalFunc {
	return func(question string) bool {
		rl.SetPrompt(fmt.Sprintf("\033[33m?\033[0m %s [y/N] ", question))
		line, err := rl.Readline()
		rl.SetPrompt("\033[33m?\033[0m ")
		if err != nil {
			return false
		}
		ans := strings.ToLower(strings.TrimSpace(line))
		return ans == "y" || ans == "yes"
	}
}

func makeAskUserFunc(rl *readline.Instance) tools.AskUserFunc {
	return func(question string, choices []string) (string, error) {
		prompt := question
		if len(choices) > 0 {
			prompt = fmt.Sprintf("%s (%s)", question, strings.Join(choices, "/"))
		}
		rl.SetPrompt(fmt.Sprintf("\033[33m?\033[0m %s\n> ", prompt))
		line, err := rl.Readline()
		rl.SetPrompt("\033[33m?\033[0m ")
		if err != nil {
			return "", fmt.Errorf("no input")
		}
		return strings.TrimSpace(line), nil
	}
}

func makeScannerApproveFunc(sc *bufio.Scanner) tools.ApprovalFunc {
	return func(question string) bool {
		fmt.Printf("? %s [y/N] ", question)
		if !sc.Scan() {
			return false
		}
		ans := strings.ToLower(strings.TrimSpace(sc.Text()))
		return ans == "y" || ans == "yes"
	}
}

func makeScannerAskUserFunc(sc *bufio.Scanner) tools.AskUserFunc {
	return func(question string, choices []string) (string, error) {
		if len(choices) > 0 {
			fmt.Printf("? %s (%s)\n> ", question, strings.Join(choices, "/"))
		} else {
			fmt.Printf("? %s\n> ", question)
		}
		if !sc.Scan() {
			return "", fmt.Errorf("no input")
		}
		return strings.TrimSpace(sc.Text()), nil
	}
}

func replayCommand(args []string) error {
	if len(args) < 1 {
		usage()
		return fmt.Errorf("missing run id")
	}
	runID := args[0]
	projectRoot := ""
	for i := 1; i < len(args); i++ {
		if args[i] == "--project" && i+1 < len(args) {
			projectRoot = args[i+1]
			i++
		}
	}
	if projectRoot == "" {
		var err error
		projectRoot, err = os.Getwd()
		if err != nil {
			return err
		}
	}

	dir := runID
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(projectRoot, ".ps-runs", runID)
	}
	run, err := replay.Load(dir)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	run.WriteTimeline(os.Stdout)
	return nil
}
