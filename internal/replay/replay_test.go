package replay

import (
	"bytes"
	"strings"
	"testing"

	"github.com/leonardorey/psrun/internal/runlog"
)

// TestLoadReadsMetaEventsAndSummary covers the basic Load path against a
// real Logger-written run directory.
func TestLoadReadsMetaEventsAndSummary(t *testing.T) {
	dir := t.TempDir()
	logger, err := runlog.New(dir, "run-1", runlog.BudgetConfig{}, "")
	if err != nil {
		t.Fatalf("runlog.New: %v", err)
	}
	logger.Stmt(1, "Assign")
	logger.Tool(2, "READ_FILE", map[string]any{"path": "a.txt"}, "hello")
	logger.Finalize(nil)

	run, err := Load(logger.Dir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if run.Meta.RunID != "run-1" {
		t.Fatalf("Meta.RunID = %q, want run-1", run.Meta.RunID)
	}
	if len(run.Events) != 2 {
		t.Fatalf("len(Events) = %d, want 2", len(run.Events))
	}
	if run.Summary == nil || run.Summary.Status != "ok" {
		t.Fatalf("Summary = %+v, want status ok", run.Summary)
	}
}

// TestWriteTimelineNestsChildRun covers a subworkflow_start/end pair whose
// child run directory lives under the parent's own dir (per
// internal/vm/subworkflow.go's LogBaseDir wiring) being loaded and printed
// indented under the parent's line.
func TestWriteTimelineNestsChildRun(t *testing.T) {
	dir := t.TempDir()
	parent, err := runlog.New(dir, "parent", runlog.BudgetConfig{}, "")
	if err != nil {
		t.Fatalf("runlog.New(parent): %v", err)
	}
	parent.SubworkflowStart(1, "sub-1", map[string]any{"path": "child.ps"})

	child, err := runlog.New(parent.Dir(), "sub-1", runlog.BudgetConfig{}, "parent")
	if err != nil {
		t.Fatalf("runlog.New(child): %v", err)
	}
	child.Stmt(1, "Assign")
	child.Finalize(nil)

	parent.SubworkflowEnd(2, "sub-1", map[string]any{"ok": true})
	parent.Finalize(nil)

	run, err := Load(parent.Dir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := run.Children["sub-1"]; !ok {
		t.Fatalf("Children[sub-1] missing; got %v", run.Children)
	}

	var buf bytes.Buffer
	run.WriteTimeline(&buf)
	out := buf.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")

	var childLineIndented bool
	for _, l := range lines {
		if strings.Contains(l, "Assign") && strings.HasPrefix(l, "  ") {
			childLineIndented = true
		}
	}
	if !childLineIndented {
		t.Fatalf("child's stmt line was not indented under the parent; output:\n%s", out)
	}
}

// TestFormatEventClipsLongToolInput covers FormatEvent's use of clip on
// free-text fields.
func TestFormatEventClipsLongToolInput(t *testing.T) {
	e := runlog.Event{Kind: runlog.KindTool, Step: 1, ToolName: "SEARCH", ToolInput: strings.Repeat("x", 200)}
	line := FormatEvent(e)
	if strings.Count(line, "x") > 80 {
		t.Fatalf("FormatEvent did not clip a long ToolInput: %s", line)
	}
	if !strings.Contains(line, "…") {
		t.Fatalf("FormatEvent did not mark truncation: %s", line)
	}
}
