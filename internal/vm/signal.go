package vm

import "github.com/leonardorey/psrun/internal/value"

// controlSignal is a typed panic value used to unwind exactly one frame of
// control flow (return/break). Never caught by retry/timeout blocks, which
// only catch real errors.
type controlSignal interface{ isControlSignal() }

type returnSignal struct{ Value value.Value }

func (returnSignal) isControlSignal() {}

type breakSignal struct{}

func (breakSignal) isControlSignal() {}

// throwErr panics with a plain error, caught by Run (or by a retry block)
// and converted back into a Go error return. Distinguishing this from
// controlSignal lets `retry`/`timeout` blocks catch real errors while
// letting Return/Break panics pass through unmolested.
type throwErr struct{ Err error }
