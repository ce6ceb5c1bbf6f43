package vm

import (
	"context"

	"github.com/leonardorey/psrun/internal/ast"
	"github.com/leonardorey/psrun/internal/llm"
	"github.com/leonardorey/psrun/internal/loopdetect"
	"github.com/leonardorey/psrun/internal/memory"
	"github.com/leonardorey/psrun/internal/runlog"
	"github.com/leonardorey/psrun/internal/serialize"
	"github.com/leonardorey/psrun/internal/tools"
	"github.com/leonardorey/psrun/internal/value"
)

// Config bundles everything one script run needs beyond its own AST.
type Config struct {
	ProjectRoot string
	Policy      tools.Policy
	Budget      runlog.BudgetConfig
	RunID       string
	ParentID    string
	LogBaseDir  string
	MemoryStore *memory.Store
	MemoryName  string
	Approve     tools.ApprovalFunc
	AskUser     tools.AskUserFunc
	HaltOnLoop  bool
	Args        map[string]interface{} // pre-bound into the global environment
}

// Interp is one script run's interpreter state: environment chain, policy
// stack, budget tracker, event logger, loop detector, memory handle, and
// the class table def/class statements populate.
type Interp struct {
	ctx context.Context

	Global *Env
	env    *Env // current scope, reassigned on call/block entry

	ProjectRoot string
	policies    []tools.Policy // LIFO stack; top is policies[len-1]

	Budget *runlog.BudgetTracker
	Logger *runlog.Logger
	Loop   *loopdetect.Detector
	Memory *memory.Store

	memoryName string
	approve    tools.ApprovalFunc
	askUser    tools.AskUserFunc
	haltOnLoop bool

	contextFormat serialize.Format

	classes map[string]*ast.ClassDef

	step int64

	llmTiers map[string]*llm.Client

	budgetCfg  runlog.BudgetConfig
	lastReturn value.Value
}

// New builds an Interp ready to run a top-level script.
func New(ctx context.Context, cfg Config) (*Interp, error) {
	logger, err := runlog.New(cfg.LogBaseDir, cfg.RunID, cfg.Budget, cfg.ParentID)
	if err != nil {
		return nil, err
	}
	root := NewEnv()
	for k, v := range cfg.Args {
		root.Declare(k, valueFromInterface(v))
	}
	it := &Interp{
		ctx:           ctx,
		Global:        root,
		env:           root,
		ProjectRoot:   cfg.ProjectRoot,
		policies:      []tools.Policy{cfg.Policy},
		Budget:        logger.Budget(),
		Logger:        logger,
		Loop:          loopdetect.New(),
		Memory:        cfg.MemoryStore,
		memoryName:    cfg.MemoryName,
		approve:       cfg.Approve,
		askUser:       cfg.AskUser,
		haltOnLoop:    cfg.HaltOnLoop,
		contextFormat: serialize.JSON,
		classes:       map[string]*ast.ClassDef{},
		llmTiers:      map[string]*llm.Client{},
		budgetCfg:     cfg.Budget,
		lastReturn:    value.Null_(),
	}
	return it, nil
}

// policy returns the active policy (top of stack).
func (it *Interp) policy() *tools.Policy {
	return &it.policies[len(it.policies)-1]
}

func (it *Interp) pushPolicy(p tools.Policy) {
	it.policies = append(it.policies, p)
}

func (it *Interp) popPolicy() {
	it.policies = it.policies[:len(it.policies)-1]
}

// runtime builds a tools.Runtime snapshot bound to the current policy.
func (it *Interp) runtime() *tools.Runtime {
	return &tools.Runtime{
		ProjectRoot: it.ProjectRoot,
		Policy:      it.policy(),
		Budget:      it.Budget,
		Logger:      it.Logger,
		Memory:      it.Memory,
		MemoryName:  it.memoryName,
		Approve:     it.approve,
		AskUser:     it.askUser,
	}
}

// Run executes a top-level program block and finalizes the run log.
func (it *Interp) Run(prog *ast.Block) (err error) {
	defer func() {
		it.Logger.Finalize(err)
	}()
	defer func() {
		if r := recover(); r != nil {
			switch sig := r.(type) {
			case returnSignal:
				it.lastReturn = sig.Value
			case breakSignal:
				// stray control signal at top level: treat as normal completion
			case throwErr:
				err = sig.Err
			default:
				panic(r)
			}
		}
	}()
	it.execBlock(prog)
	return nil
}
