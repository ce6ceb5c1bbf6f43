// Package globmatch implements a minimal glob subset: "*" (non-slash),
// "**" (crosses directories), and "?". It upgrades a filepath.Match-only
// approach, which cannot cross "/", to the cross-directory "**" semantics
// of github.com/bmatcuk/doublestar's matching rule — vendored here rather
// than imported directly and restricted to this subset. "{a,b}" alternation
// is not supported: "{", "}" and "," have no special meaning and match only
// themselves, and no error is reported for such a pattern.
package globmatch

import "strings"

// Match reports whether name (a "/"-separated, root-relative path) matches
// pattern. Pattern segments are split on "/"; "**" as a whole segment
// matches zero or more path segments, "*" matches within one segment
// (not crossing "/"), and "?" matches exactly one rune within a segment.
func Match(pattern, name string) bool {
	pSegs := strings.Split(pattern, "/")
	nSegs := strings.Split(name, "/")
	return matchSegs(pSegs, nSegs)
}

func matchSegs(p, n []string) bool {
	for len(p) > 0 {
		if p[0] == "**" {
			if len(p) == 1 {
				return true
			}
			for i := 0; i <= len(n); i++ {
				if matchSegs(p[1:], n[i:]) {
					return true
				}
			}
			return false
		}
		if len(n) == 0 {
			return false
		}
		if !matchSegment(p[0], n[0]) {
			return false
		}
		p, n = p[1:], n[1:]
	}
	return len(n) == 0
}

// matchSegment matches a single path segment against a pattern segment
// containing only "*" and "?" wildcards.
func matchSegment(pat, s string) bool {
	pr := []rune(pat)
	sr := []rune(s)
	return matchRunes(pr, sr)
}

func matchRunes(pat, s []rune) bool {
	if len(pat) == 0 {
		return len(s) == 0
	}
	switch pat[0] {
	case '*':
		for i := 0; i <= len(s); i++ {
			if matchRunes(pat[1:], s[i:]) {
				return true
			}
		}
		return false
	case '?':
		if len(s) == 0 {
			return false
		}
		return matchRunes(pat[1:], s[1:])
	default:
		if len(s) == 0 || pat[0] != s[0] {
			return false
		}
		return matchRunes(pat[1:], s[1:])
	}
}
