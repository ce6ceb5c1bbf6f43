package sandbox

import (
	"testing"

	"github.com/leonardorey/psrun/internal/perr"
)

func TestSafeResolveJoinsRelativePathUnderRoot(t *testing.T) {
	root := t.TempDir()
	resolved, err := SafeResolve(root, "sub/file.txt")
	if err != nil {
		t.Fatalf("SafeResolve: %v", err)
	}
	want := root + "/sub/file.txt"
	if resolved != want {
		t.Fatalf("resolved = %q, want %q", resolved, want)
	}
}

func TestSafeResolveRejectsDotDotEscape(t *testing.T) {
	root := t.TempDir()
	_, err := SafeResolve(root, "../outside.txt")
	if err == nil {
		t.Fatalf("expected an escape error")
	}
	if !perr.Is(err, perr.KindPolicyViolation) {
		t.Fatalf("err = %v, want a PolicyViolation", err)
	}
}

func TestSafeResolveAllowsRootItself(t *testing.T) {
	root := t.TempDir()
	resolved, err := SafeResolve(root, ".")
	if err != nil {
		t.Fatalf("SafeResolve(root, \".\"): %v", err)
	}
	if resolved != root {
		t.Fatalf("resolved = %q, want %q", resolved, root)
	}
}

func TestSafeResolveRejectsAbsolutePathOutsideRoot(t *testing.T) {
	root := t.TempDir()
	_, err := SafeResolve(root, "/etc/passwd")
	if err == nil {
		t.Fatalf("expected an escape error for an absolute path outside root")
	}
}

func TestIsSensitiveFlagsGitAndNodeModules(t *testing.T) {
	cases := map[string]bool{
		".git":                  true,
		".git/HEAD":             true,
		"node_modules":          true,
		"node_modules/leftpad":  true,
		"src/main.go":           false,
		"gitignore_notes.txt":   false,
		"./node_modules_backup": false,
	}
	for path, want := range cases {
		if got := IsSensitive(path); got != want {
			t.Errorf("IsSensitive(%q) = %v, want %v", path, got, want)
		}
	}
}
