package engine

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"permgate/internal/metadata"
)

// ExpressionEvaluator abstracts condition evaluation for custom checks.
type ExpressionEvaluator interface {
	Compile(expression string) error
	EvaluateBool(expression string, env map[string]any) (bool, error)
}

// ExprLangEvaluator uses expr-lang/expr for safe expression evaluation.
// Compiled programs are cached by expression string.
type ExprLangEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func NewExprLangEvaluator() *ExprLangEvaluator {
	return &ExprLangEvaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Compile type-checks expression against the custom check environment and
// caches the program.
func (e *ExprLangEvaluator) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *ExprLangEvaluator) EvaluateBool(expression string, env map[string]any) (bool, error) {
	prog, err := e.program(expression)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}

	isTrue, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return bool")
	}

	return isTrue, nil
}

func (e *ExprLangEvaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	prog, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(expression, expr.Env(checkEnv(metadata.CheckContext{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile condition: %w", err)
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// BindChecks compiles every customCheck expression in a required tree and
// attaches the resulting predicate to its node. Only trees from trusted
// configuration are bound; trees from tokens or request bodies never are.
func BindChecks(root *metadata.Node, ev ExpressionEvaluator) error {
	return root.Walk(func(path []string, n *metadata.Node) error {
		if n.CheckExpr == "" {
			return nil
		}
		if err := ev.Compile(n.CheckExpr); err != nil {
			return fmt.Errorf("customCheck at %v: %w", path, err)
		}
		expression := n.CheckExpr
		n.Check = func(cc metadata.CheckContext) (bool, error) {
			return ev.EvaluateBool(expression, checkEnv(cc))
		}
		return nil
	})
}

// checkEnv is what an expression sees:
//
//	currentUser.id, currentUser.loggedInAsId, currentUser.delegated, resourceId
func checkEnv(cc metadata.CheckContext) map[string]any {
	user := map[string]any{
		"id":           "",
		"loggedInAsId": "",
		"delegated":    false,
	}
	if cc.CurrentUser != nil {
		user["id"] = cc.CurrentUser.ID
		user["loggedInAsId"] = cc.CurrentUser.LoggedInAsID
		user["delegated"] = cc.CurrentUser.IsDelegated()
	}
	return map[string]any{
		"currentUser": user,
		"resourceId":  cc.ResourceID,
	}
}

// BindRoutes binds the custom checks of every declared route.
func BindRoutes(routes map[string]*metadata.Route, ev ExpressionEvaluator) error {
	for name, r := range routes {
		if err := BindChecks(r.Required, ev); err != nil {
			return fmt.Errorf("route %s: %w", name, err)
		}
	}
	return nil
}
