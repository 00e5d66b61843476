package condition

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator evaluates workflow expressions using CEL. Compiled programs
// are cached; the cache is shared across executions and safe for
// concurrent use.
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new condition evaluator with caching
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]cel.Program),
	}
}

// Scope is the activation a workflow expression sees: the node's
// resolved input, the execution variables, and a lookup of upstream
// outputs keyed by node id.
type Scope struct {
	Input   map[string]interface{}
	Vars    map[string]interface{}
	Outputs map[string]interface{}
}

// EvalBool evaluates a boolean expression against the scope
func (e *Evaluator) EvalBool(expr string, scope Scope) (bool, error) {
	out, err := e.eval(expr, scope)
	if err != nil {
		return false, err
	}

	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return boolean, got %T", out)
	}
	return result, nil
}

func (e *Evaluator) eval(expr string, scope Scope) (interface{}, error) {
	// Shorthand $.field reads from the node input
	normalized := strings.ReplaceAll(expr, "$.", "input.")

	prg, err := e.program(normalized)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"input":  emptyIfNil(scope.Input),
		"vars":   emptyIfNil(scope.Vars),
		"output": emptyIfNil(scope.Outputs),
	})
	if err != nil {
		return nil, fmt.Errorf("CEL evaluation error: %w", err)
	}

	return out.Value(), nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, exists := e.cache[expr]
	e.mu.RUnlock()
	if exists {
		return prg, nil
	}

	prg, err := compileCEL(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

func compileCEL(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("vars", cel.DynType),
		cel.Variable("output", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return prg, nil
}

// CacheSize returns the number of cached expressions
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

func emptyIfNil(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
