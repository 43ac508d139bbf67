package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// celEvaluator compiles user-attr expressions once and caches the programs.
type celEvaluator struct {
	once   sync.Once
	env    *cel.Env
	envErr error
	mu     sync.RWMutex
	prgs   map[string]cel.Program
}

func newCELEvaluator() *celEvaluator {
	return &celEvaluator{prgs: map[string]cel.Program{}}
}

func (e *celEvaluator) init() {
	e.env, e.envErr = cel.NewEnv(
		cel.Variable("user", cel.MapType(cel.StringType, cel.DynType)),
	)
}

func (e *celEvaluator) program(expr string) (cel.Program, error) {
	e.once.Do(e.init)
	if e.envErr != nil {
		return nil, fmt.Errorf("cel env: %w", e.envErr)
	}

	e.mu.RLock()
	prg, hit := e.prgs[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast, cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.mu.Lock()
	e.prgs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

func (e *celEvaluator) eval(expr string, attrs map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	if attrs == nil {
		attrs = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{"user": attrs})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q is not boolean", expr)
	}
	return b, nil
}
