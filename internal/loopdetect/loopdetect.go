// Package loopdetect implements a sliding-window Plan fingerprint detector.
// It generalizes an inline "same tool call as last time" check into four
// ordered rules: exact repeat, action cycle, failure loop, oscillation.
package loopdetect

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
)

const (
	defaultWindowSize             = 20
	defaultMaxRepeats             = 4
	defaultMaxConsecutiveFailures = 5
)

// Fingerprint is one observed Plan outcome.
type Fingerprint struct {
	Action  string
	ArgHash string
	Success bool
}

// Detector keeps a ring buffer of the last WindowSize fingerprints.
type Detector struct {
	WindowSize             int
	MaxRepeats             int
	MaxConsecutiveFailures int

	buf []Fingerprint
}

func New() *Detector {
	return &Detector{
		WindowSize:             defaultWindowSize,
		MaxRepeats:             defaultMaxRepeats,
		MaxConsecutiveFailures: defaultMaxConsecutiveFailures,
	}
}

// ArgsHash computes a stable hash over canonicalized (key-sorted) args.
func ArgsHash(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]any, len(args))
	for _, k := range keys {
		ordered[k] = args[k]
	}
	b, _ := json.Marshal(struct {
		Keys []string       `json:"k"`
		Vals map[string]any `json:"v"`
	}{keys, ordered})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Result reports the outcome of Observe.
type Result struct {
	Detected   bool
	Kind       string // "exact_repeat" | "action_cycle" | "failure_loop" | "oscillation"
	Suggestion string
}

// Observe appends fp to the window and checks the four rules in order. A
// single call advances at most one rule.
func (d *Detector) Observe(fp Fingerprint) Result {
	d.buf = append(d.buf, fp)
	if len(d.buf) > d.WindowSize {
		d.buf = d.buf[len(d.buf)-d.WindowSize:]
	}

	if r, ok := d.checkExactRepeat(); ok {
		return r
	}
	if r, ok := d.checkActionCycle(); ok {
		return r
	}
	if r, ok := d.checkFailureLoop(); ok {
		return r
	}
	if r, ok := d.checkOscillation(); ok {
		return r
	}
	return Result{}
}

func (d *Detector) checkExactRepeat() (Result, bool) {
	n := len(d.buf)
	if n < d.MaxRepeats {
		return Result{}, false
	}
	last := d.buf[n-1]
	for i := n - d.MaxRepeats; i < n; i++ {
		if d.buf[i].Action != last.Action || d.buf[i].ArgHash != last.ArgHash {
			return Result{}, false
		}
	}
	return Result{
		Detected:   true,
		Kind:       "exact_repeat",
		Suggestion: "the same action with identical arguments repeated " + itoa(d.MaxRepeats) + " times in a row; try a different approach",
	}, true
}

func (d *Detector) checkActionCycle() (Result, bool) {
	n := len(d.buf)
	for _, k := range []int{2, 3, 4} {
		// need at least 3 contiguous repetitions of a length-k cycle
		need := k * 3
		if n < need {
			continue
		}
		tail := d.buf[n-k:]
		if k == 2 && tail[0].Action != tail[1].Action {
			// a strict two-action alternation is reported by the
			// oscillation rule instead
			continue
		}
		ok := true
		for rep := 1; rep < 3; rep++ {
			prev := d.buf[n-k*(rep+1) : n-k*rep]
			for i := 0; i < k; i++ {
				if prev[i].Action != tail[i].Action {
					ok = false
					break
				}
			}
			if !ok {
				break
			}
		}
		if ok {
			return Result{
				Detected:   true,
				Kind:       "action_cycle",
				Suggestion: "a repeating cycle of " + itoa(k) + " actions was detected; the loop is not converging",
			}, true
		}
	}
	return Result{}, false
}

func (d *Detector) checkFailureLoop() (Result, bool) {
	n := len(d.buf)
	if n < d.MaxConsecutiveFailures {
		return Result{}, false
	}
	for i := n - d.MaxConsecutiveFailures; i < n; i++ {
		if d.buf[i].Success {
			return Result{}, false
		}
	}
	return Result{
		Detected:   true,
		Kind:       "failure_loop",
		Suggestion: itoa(d.MaxConsecutiveFailures) + " consecutive actions failed; reconsider the plan",
	}, true
}

func (d *Detector) checkOscillation() (Result, bool) {
	n := len(d.buf)
	if n < 6 {
		return Result{}, false
	}
	last6 := d.buf[n-6:]
	a, bAction := last6[0].Action, last6[1].Action
	if a == bAction {
		return Result{}, false
	}
	for i, f := range last6 {
		want := a
		if i%2 == 1 {
			want = bAction
		}
		if f.Action != want {
			return Result{}, false
		}
	}
	return Result{
		Detected:   true,
		Kind:       "oscillation",
		Suggestion: "actions are oscillating between two choices (A-B-A-B); pick one and commit",
	}, true
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
