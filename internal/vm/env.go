// Package vm is the tree-walking interpreter: a statement-by-statement
// dispatch with step counting, generalized to the DSL's full statement/
// expression grammar. Every statement counts a step, emits a stmt event
// and checks the budget; policy is enforced on each tool call, and the
// loop detector observes the plans of run_agent.
package vm

import "github.com/leonardorey/psrun/internal/value"

// Env is one lexical scope: a map identifier → value with a parent link.
// Functions close over globals only — lexical globals, no full closure
// capture — so FuncValue.Globals always points at the root Env, never at
// the Env active where the function was defined.
type Env struct {
	vars   map[string]value.Value
	parent *Env
}

// NewEnv creates a root environment with no parent.
func NewEnv() *Env {
	return &Env{vars: map[string]value.Value{}}
}

// Child creates a new scope chained to parent.
func (e *Env) Child() *Env {
	return &Env{vars: map[string]value.Value{}, parent: e}
}

// Get resolves name up the parent chain; ok is false if unbound anywhere.
func (e *Env) Get(name string) (value.Value, bool) {
	for env := e; env != nil; env = env.parent {
		if v, ok := env.vars[name]; ok {
			return v, true
		}
	}
	return value.Null_(), false
}

// Set assigns name in the innermost scope that already binds it, or
// declares it in the current scope if unbound anywhere.
func (e *Env) Set(name string, v value.Value) {
	for env := e; env != nil; env = env.parent {
		if _, ok := env.vars[name]; ok {
			env.vars[name] = v
			return
		}
	}
	e.vars[name] = v
}

// Declare always binds name in the current scope, shadowing any outer
// binding (used for function parameters and for-loop variables).
func (e *Env) Declare(name string, v value.Value) {
	e.vars[name] = v
}
