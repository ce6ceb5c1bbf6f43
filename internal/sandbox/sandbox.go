// Package sandbox resolves tool-visible paths against a project root and
// rejects escapes. It generalizes a bare-filename-into-fixed-workspace-dir
// redirect into a real strict-descendant containment check.
package sandbox

import (
	"path/filepath"
	"strings"

	"github.com/leonardorey/psrun/internal/perr"
)

// SafeResolve returns the absolute, canonical join of root and path. It
// fails with a PolicyViolation when the result is not a strict descendant
// of root.
func SafeResolve(root, path string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", perr.Wrap(perr.KindPolicyViolation, "cannot resolve project root", err)
	}
	absRoot = filepath.Clean(absRoot)

	var joined string
	if filepath.IsAbs(path) {
		joined = filepath.Clean(path)
	} else {
		joined = filepath.Clean(filepath.Join(absRoot, path))
	}

	if joined != absRoot && !strings.HasPrefix(joined, absRoot+string(filepath.Separator)) {
		return "", perr.New(perr.KindPolicyViolation, "path escapes project root: "+path)
	}
	return joined, nil
}

// IsSensitive reports whether a root-relative path begins with .git or
// node_modules; SEARCH never traverses such paths.
func IsSensitive(relative string) bool {
	rel := filepath.ToSlash(filepath.Clean(relative))
	rel = strings.TrimPrefix(rel, "./")
	return rel == ".git" || strings.HasPrefix(rel, ".git/") ||
		rel == "node_modules" || strings.HasPrefix(rel, "node_modules/")
}
