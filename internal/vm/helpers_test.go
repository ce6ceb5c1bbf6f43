package vm

import "github.com/leonardorey/psrun/internal/perr"

func perrIsPolicyViolation(err error) bool { return perr.Is(err, perr.KindPolicyViolation) }
func perrIsBudgetExceeded(err error) bool  { return perr.Is(err, perr.KindBudgetExceeded) }
func perrIsLoopDetected(err error) bool    { return perr.Is(err, perr.KindLoopDetected) }
func perrIsTimeout(err error) bool         { return perr.Is(err, perr.KindTimeout) }
func perrIsGuard(err error) bool           { return perr.Is(err, perr.KindGuard) }
