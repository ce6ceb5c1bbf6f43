// Package plan defines the Plan schema: a tagged union over seven action
// kinds with a common envelope, validated with
// github.com/santhosh-tekuri/jsonschema/v6, a compiled JSON Schema per
// action tag.
package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/leonardorey/psrun/internal/perr"
)

// Action is one of the seven fixed action tags.
type Action string

const (
	ReadFile  Action = "READ_FILE"
	Search    Action = "SEARCH"
	WriteFile Action = "WRITE_FILE"
	PatchFile Action = "PATCH_FILE"
	RunCmd    Action = "RUN_CMD"
	AskUser   Action = "ASK_USER"
	Report    Action = "REPORT"
)

// Plan is the canonical in-memory representation of the Plan JSON emitted
// by the LLM adapter:
// {"action": <tag>, "args": {...}, "done": <bool>, "confidence"?, "reason"?}.
type Plan struct {
	Action     Action         `json:"action"`
	Args       map[string]any `json:"args"`
	Done       bool           `json:"done"`
	Confidence *float64       `json:"confidence,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// schemaJSON is one compact JSON Schema per action tag.
var schemaJSON = map[Action]string{
	ReadFile: `{
		"type":"object","required":["path"],"additionalProperties":false,
		"properties":{
			"path":{"type":"string","minLength":1},
			"maxBytes":{"type":"integer","maximum":500000}
		}}`,
	Search: `{
		"type":"object","required":["query"],"additionalProperties":false,
		"properties":{
			"query":{"type":"string"},
			"globs":{"type":"array","items":{"type":"string"}},
			"maxResults":{"type":"integer","maximum":5000}
		}}`,
	WriteFile: `{
		"type":"object","required":["path","content"],"additionalProperties":false,
		"properties":{
			"path":{"type":"string","minLength":1},
			"content":{"type":"string"},
			"mode":{"type":"string","enum":["overwrite","create_only"]}
		}}`,
	PatchFile: `{
		"type":"object","required":["path","patch"],"additionalProperties":false,
		"properties":{
			"path":{"type":"string","minLength":1},
			"patch":{"type":"string"}
		}}`,
	RunCmd: `{
		"type":"object","required":["cmd"],"additionalProperties":false,
		"properties":{
			"cmd":{"type":"string","minLength":1},
			"args":{"type":"array","items":{"type":"string"}},
			"timeoutMs":{"type":"integer","maximum":120000}
		}}`,
	AskUser: `{
		"type":"object","required":["question"],"additionalProperties":false,
		"properties":{
			"question":{"type":"string","minLength":1},
			"choices":{"type":"array","minItems":1,"items":{"type":"string"}}
		}}`,
	Report: `{
		"type":"object","required":["message"],"additionalProperties":false,
		"properties":{
			"message":{"type":"string"},
			"filesChanged":{"type":"array","items":{"type":"string"}},
			"nextSuggestions":{"type":"array","items":{"type":"string"}}
		}}`,
}

var (
	compileOnce sync.Once
	compiled    map[Action]*jsonschema.Schema
	compileErr  error
)

func schemas() (map[Action]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		out := make(map[Action]*jsonschema.Schema, len(schemaJSON))
		for action, raw := range schemaJSON {
			url := "mem://plan/" + string(action) + ".json"
			var doc any
			if err := json.Unmarshal([]byte(raw), &doc); err != nil {
				compileErr = fmt.Errorf("plan: bad embedded schema for %s: %w", action, err)
				return
			}
			if err := c.AddResource(url, doc); err != nil {
				compileErr = fmt.Errorf("plan: add schema resource %s: %w", action, err)
				return
			}
			sch, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("plan: compile schema %s: %w", action, err)
				return
			}
			out[action] = sch
		}
		compiled = out
	})
	return compiled, compileErr
}

// ValidateArgs validates args against the compiled schema for action,
// returning a *perr.Error of KindSchema on any mismatch.
func ValidateArgs(action Action, args map[string]any) error {
	schs, err := schemas()
	if err != nil {
		return perr.Wrap(perr.KindSchema, "schema compilation", err)
	}
	sch, ok := schs[action]
	if !ok {
		return perr.Schema("unknown action: " + string(action))
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := sch.Validate(args); err != nil {
		return perr.Wrap(perr.KindSchema, string(action)+" args", err)
	}
	if action == PatchFile {
		if patch, _ := args["patch"].(string); !hasReplaceMarker(patch) {
			return perr.Schema("PATCH_FILE patch must begin with the literal marker \"REPLACE:\\n\"")
		}
	}
	return nil
}

const replaceMarker = "REPLACE:\n"

// hasReplaceMarker enforces the byte-exact, case-sensitive prefix rule.
func hasReplaceMarker(patch string) bool {
	return len(patch) >= len(replaceMarker) && patch[:len(replaceMarker)] == replaceMarker
}

// ReplaceBody returns the file content following the REPLACE marker.
func ReplaceBody(patch string) string {
	return patch[len(replaceMarker):]
}

// ParseJSON decodes raw canonical Plan JSON and validates it against its
// tag's schema.
func ParseJSON(raw []byte) (*Plan, error) {
	var p Plan
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&p); err != nil {
		return nil, perr.Wrap(perr.KindSchema, "invalid Plan JSON", err)
	}
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the envelope and the action-specific args.
func Validate(p *Plan) error {
	switch p.Action {
	case ReadFile, Search, WriteFile, PatchFile, RunCmd, AskUser, Report:
	default:
		return perr.Schema("unknown Plan action: " + string(p.Action))
	}
	if p.Confidence != nil && (*p.Confidence < 0 || *p.Confidence > 1) {
		return perr.Schema("confidence must be in [0,1]")
	}
	return ValidateArgs(p.Action, p.Args)
}
