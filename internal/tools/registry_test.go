package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/leonardorey/psrun/internal/perr"
)

func newTestRuntime(t *testing.T) (*Runtime, string) {
	t.Helper()
	root := t.TempDir()
	pol := DefaultPolicy()
	pol.AllowCommands = []string{"echo"}
	return &Runtime{ProjectRoot: root, Policy: &pol}, root
}

func TestRunToolActionRejectsToolNotInAllowTools(t *testing.T) {
	rt, _ := newTestRuntime(t)
	rt.Policy.AllowTools = []string{"READ_FILE"}
	_, err := RunToolAction(context.Background(), rt, 1, "WRITE_FILE", map[string]any{"path": "a.txt", "content": "x"})
	if err == nil || !perr.Is(err, perr.KindPolicyViolation) {
		t.Fatalf("err = %v, want PolicyViolation", err)
	}
}

func TestRunToolActionRequiresApprovalWhenPolicyDemandsIt(t *testing.T) {
	rt, _ := newTestRuntime(t)
	rt.Policy.RequireApproval = true
	rt.Approve = func(question string) bool { return false }
	_, err := RunToolAction(context.Background(), rt, 1, "READ_FILE", map[string]any{"path": "a.txt"})
	if err == nil || !perr.Is(err, perr.KindPolicyViolation) {
		t.Fatalf("err = %v, want PolicyViolation on denied approval", err)
	}
}

func TestRunToolActionValidatesArgsAgainstSchema(t *testing.T) {
	rt, _ := newTestRuntime(t)
	_, err := RunToolAction(context.Background(), rt, 1, "READ_FILE", map[string]any{})
	if err == nil || !perr.Is(err, perr.KindSchema) {
		t.Fatalf("err = %v, want a schema error for missing path", err)
	}
}

func TestReadFileReturnsContentsWithinLimit(t *testing.T) {
	rt, root := newTestRuntime(t)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := readFile(rt, map[string]any{"path": "a.txt"})
	if err != nil {
		t.Fatalf("readFile: %v", err)
	}
	if out != "hello" {
		t.Fatalf("readFile = %q, want hello", out)
	}
}

func TestReadFileRejectsOversizeFile(t *testing.T) {
	rt, root := newTestRuntime(t)
	big := make([]byte, 10)
	if err := os.WriteFile(filepath.Join(root, "big.txt"), big, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := readFile(rt, map[string]any{"path": "big.txt", "maxBytes": float64(5)})
	if err == nil {
		t.Fatalf("expected a tool error for an oversize file")
	}
}

func TestReadFileRejectsMissingFile(t *testing.T) {
	rt, _ := newTestRuntime(t)
	_, err := readFile(rt, map[string]any{"path": "nope.txt"})
	if err == nil || !perr.Is(err, perr.KindTool) {
		t.Fatalf("err = %v, want a tool error for a missing file", err)
	}
}

func TestWriteFileCreateOnlyRejectsExistingTarget(t *testing.T) {
	rt, root := newTestRuntime(t)
	target := filepath.Join(root, "a.txt")
	if err := os.WriteFile(target, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := writeFile(rt, map[string]any{"path": "a.txt", "content": "new", "mode": "create_only"})
	if err == nil {
		t.Fatalf("expected create_only to reject an existing target")
	}
}

func TestWriteFileCreatesParentDirectories(t *testing.T) {
	rt, root := newTestRuntime(t)
	_, err := writeFile(rt, map[string]any{"path": "nested/dir/out.txt", "content": "hi"})
	if err != nil {
		t.Fatalf("writeFile: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "nested", "dir", "out.txt"))
	if err != nil || string(data) != "hi" {
		t.Fatalf("written file = %q, err=%v", data, err)
	}
}

func TestPatchFileStripsReplaceMarkerBeforeWriting(t *testing.T) {
	rt, root := newTestRuntime(t)
	_, err := patchFile(rt, map[string]any{"path": "p.txt", "patch": "REPLACE:\nnew body"})
	if err != nil {
		t.Fatalf("patchFile: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "p.txt"))
	if err != nil || string(data) != "new body" {
		t.Fatalf("patched file = %q, err=%v", data, err)
	}
}

func TestSearchFindsMatchingLinesAndSkipsSensitivePaths(t *testing.T) {
	rt, root := newTestRuntime(t)
	if err := os.WriteFile(filepath.Join(root, "a.go"), []byte("package main\nfunc widget() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, ".git", "widget"), []byte("widget"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := search(rt, map[string]any{"query": "widget"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	hits, ok := out.([]searchHit)
	if !ok {
		t.Fatalf("search returned %T, want []searchHit", out)
	}
	if len(hits) != 1 || hits[0].Path != "a.go" {
		t.Fatalf("hits = %+v, want exactly one hit in a.go", hits)
	}
}

func TestRunCmdRejectsCommandNotInAllowCommands(t *testing.T) {
	rt, _ := newTestRuntime(t)
	rt.Policy.AllowCommands = []string{"echo"}
	_, err := runCmd(context.Background(), rt, map[string]any{"cmd": "rm -rf /"})
	if err == nil || !perr.Is(err, perr.KindPolicyViolation) {
		t.Fatalf("err = %v, want PolicyViolation for a disallowed command", err)
	}
}

func TestRunCmdChecksOnlyTheFirstToken(t *testing.T) {
	rt, _ := newTestRuntime(t)
	out, err := runCmd(context.Background(), rt, map[string]any{"cmd": "echo hello"})
	if err != nil {
		t.Fatalf("runCmd: %v", err)
	}
	if out == "" {
		t.Fatalf("expected non-empty output")
	}
}

func TestAskUserFailsWithoutAnAttachedHandler(t *testing.T) {
	rt, _ := newTestRuntime(t)
	_, err := askUser(rt, map[string]any{"question": "continue?"})
	if err == nil || !perr.Is(err, perr.KindTool) {
		t.Fatalf("err = %v, want a tool error when no AskUser handler is attached", err)
	}
}
