// Package subrun defines the quality-contract and sub-workflow option
// shapes. The child-context construction itself (loading another script,
// building an isolated Interp) lives in internal/vm, which already
// depends on this package for its data types; keeping the execution out
// of here avoids an import cycle between subrun and vm.
package subrun

// Issue is one quality-contract finding.
type Issue struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	File     string `json:"file,omitempty"`
}

// Contract is a child run's quality-contract outcome: `{ ok, issues,
// evidence?, metrics? }`.
type Contract struct {
	Ok       bool                   `json:"ok"`
	Issues   []Issue                `json:"issues"`
	Evidence map[string]interface{} `json:"evidence,omitempty"`
	Metrics  map[string]float64     `json:"metrics,omitempty"`
}

// DefaultContract is "the default contract a child produces on success":
// {ok: true, issues: [], evidence: {}, metrics: {timeMs, steps, llmCalls}}.
func DefaultContract(timeMs, steps, llmCalls int64) Contract {
	return Contract{
		Ok:       true,
		Issues:   []Issue{},
		Evidence: map[string]interface{}{},
		Metrics: map[string]float64{
			"timeMs":   float64(timeMs),
			"steps":    float64(steps),
			"llmCalls": float64(llmCalls),
		},
	}
}

// Options is the parsed form of call/run's opts argument.
type Options struct {
	Inherit        bool
	BudgetOverride map[string]float64
	TimeoutMs      int64
	Args           map[string]interface{}
	ReturnContract bool
	Stage          string
	InheritMemory  bool
}

// Result is what subworkflow_end reports about a finished child.
type Result struct {
	Ok         bool      `json:"ok"`
	ChildRunID string    `json:"childRunId"`
	LogsPath   string    `json:"logsPath"`
	Stage      string    `json:"stage,omitempty"`
	Budget     any       `json:"budget"`
	Contract   *Contract `json:"contract,omitempty"`
	Error      string    `json:"error,omitempty"`
}
