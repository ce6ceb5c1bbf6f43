// Package runlog is the append-only event logger and budget tracker: a
// per-run JSONL file with nil-safe methods, fanned out through a Bus so
// independent observers can tap the live stream.
package runlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const budgetUpdateEvery = 50

// Meta is the run directory's meta.json.
type Meta struct {
	RunID   string `json:"run_id"`
	Start   string `json:"start"`
	Pid     int    `json:"pid"`
	Cwd     string `json:"cwd"`
	ParentID string `json:"parent_id,omitempty"`
}

// Summary is the run directory's summary.json, written on Finalize.
type Summary struct {
	RunID     string   `json:"run_id"`
	Status    string   `json:"status"` // "ok" | "error"
	Error     string   `json:"error,omitempty"`
	ElapsedMs int64    `json:"elapsed_ms"`
	Budget    Snapshot `json:"budget"`
	EventCount int64   `json:"event_count"`
}

// NewRunID generates a parent run ID, a plain UUID.
func NewRunID() string { return uuid.New().String() }

// NewChildRunID generates a child run ID in the "sub-<ts>-<rand>" shape,
// using a real UUID source for the random suffix.
func NewChildRunID() string {
	return fmt.Sprintf("sub-%d-%s", time.Now().UnixMilli(), uuid.New().String()[:6])
}

// Logger owns one run's on-disk directory and event stream.
//
// Expectations mirror tasklog.TaskLog: all methods are nil-safe so callers
// never need a nil check before logging, and Logger is the sole writer of
// its JSONL file.
type Logger struct {
	runID   string
	dir     string
	started time.Time
	budget  *BudgetTracker
	bus     *Bus

	mu         sync.Mutex
	f          *os.File
	eventCount int64
	log        *slog.Logger
}

// New creates a run directory under baseDir/runID, writes meta.json, and
// opens events.jsonl for append.
func New(baseDir, runID string, cfg BudgetConfig, parentID string) (*Logger, error) {
	dir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("runlog: mkdir %s: %w", dir, err)
	}
	meta := Meta{RunID: runID, Start: time.Now().UTC().Format(time.RFC3339Nano), Pid: os.Getpid(), Cwd: mustCwd(), ParentID: parentID}
	mb, _ := json.MarshalIndent(meta, "", "  ")
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), mb, 0o644); err != nil {
		return nil, fmt.Errorf("runlog: write meta.json: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("runlog: open events.jsonl: %w", err)
	}
	return &Logger{
		runID:   runID,
		dir:     dir,
		started: time.Now(),
		budget:  NewBudgetTracker(cfg),
		bus:     NewBus(),
		f:       f,
		log:     slog.With("component", "runlog", "run_id", runID),
	}, nil
}

func mustCwd() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return cwd
}

func (l *Logger) RunID() string           { return l.runID }
func (l *Logger) Dir() string             { return l.dir }
func (l *Logger) Budget() *BudgetTracker  { return l.budget }
func (l *Logger) Bus() *Bus               { return l.bus }

// write stamps e with the current time, appends it, then fans it out over
// the Bus; every budgetUpdateEvery-th event is followed by a budget_update.
func (l *Logger) write(e Event) {
	if l == nil {
		return
	}
	e.Ts = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(e)
	if err != nil {
		l.log.Error("marshal event", "error", err)
		return
	}
	l.mu.Lock()
	if l.f != nil {
		if _, err := fmt.Fprintf(l.f, "%s\n", data); err != nil {
			l.log.Error("write event", "error", err)
		}
	}
	l.eventCount++
	count := l.eventCount
	l.mu.Unlock()

	l.bus.Publish(e)

	if count%budgetUpdateEvery == 0 {
		snap := l.budget.Snapshot()
		l.emitRaw(Event{Kind: KindBudgetUpdate, Step: e.Step, Budget: &snap})
	}
}

// emitRaw writes without re-triggering the budget_update throttle check
// (used by write itself, to avoid recursion).
func (l *Logger) emitRaw(e Event) {
	e.Ts = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	l.mu.Lock()
	if l.f != nil {
		_, _ = fmt.Fprintf(l.f, "%s\n", data)
	}
	l.eventCount++
	l.mu.Unlock()
	l.bus.Publish(e)
}

// Stmt emits a stmt event; it does not touch the budget counters.
func (l *Logger) Stmt(step int64, nodeType string) {
	if l == nil {
		return
	}
	l.write(Event{Kind: KindStmt, Step: step, NodeType: nodeType})
}

func (l *Logger) Tool(step int64, name string, input, output any) {
	if l == nil {
		return
	}
	l.write(Event{Kind: KindTool, Step: step, ToolName: name, ToolInput: input, ToolOutput: output})
}

func (l *Logger) LLM(step int64, input, plan any, usage any, latencyMs int64, retryCount int) {
	if l == nil {
		return
	}
	l.write(Event{Kind: KindLLM, Step: step, LLMInput: input, LLMPlan: plan, Usage: usage, LatencyMs: latencyMs, RetryCount: retryCount})
}

func (l *Logger) Error(step int64, message string) {
	if l == nil {
		return
	}
	l.write(Event{Kind: KindError, Step: step, Message: message})
}

func (l *Logger) LoopWarning(step int64, kind, suggestion string) {
	if l == nil {
		return
	}
	l.write(Event{Kind: KindLoopWarning, Step: step, LoopKind: kind, LoopSuggestion: suggestion})
}

func (l *Logger) ApprovalRequest(step int64, question string) {
	if l == nil {
		return
	}
	l.write(Event{Kind: KindApprovalRequest, Step: step, ApprovalQuestion: question})
}

func (l *Logger) ApprovalResponse(step int64, granted bool) {
	if l == nil {
		return
	}
	l.write(Event{Kind: KindApprovalResponse, Step: step, ApprovalGranted: &granted})
}

func (l *Logger) SubworkflowStart(step int64, childRunID string, options any) {
	if l == nil {
		return
	}
	l.write(Event{Kind: KindSubworkflowStart, Step: step, ChildRunID: childRunID, Options: options})
}

func (l *Logger) SubworkflowEnd(step int64, childRunID string, result any) {
	if l == nil {
		return
	}
	l.write(Event{Kind: KindSubworkflowEnd, Step: step, ChildRunID: childRunID, Result: result})
}

// Finalize writes summary.json and closes the file.
func (l *Logger) Finalize(runErr error) {
	if l == nil {
		return
	}
	status := "ok"
	errMsg := ""
	if runErr != nil {
		status = "error"
		errMsg = runErr.Error()
	}
	l.mu.Lock()
	count := l.eventCount
	l.mu.Unlock()
	sum := Summary{
		RunID:      l.runID,
		Status:     status,
		Error:      errMsg,
		ElapsedMs:  time.Since(l.started).Milliseconds(),
		Budget:     l.budget.Snapshot(),
		EventCount: count,
	}
	sb, _ := json.MarshalIndent(sum, "", "  ")
	_ = os.WriteFile(filepath.Join(l.dir, "summary.json"), sb, 0o644)

	l.mu.Lock()
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
	l.mu.Unlock()
}
