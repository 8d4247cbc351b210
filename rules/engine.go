// Package rules evaluates collection-level access rules written as CEL
// expressions. A rule sees the request (caller identity) and the resource
// (the document the operation acts on) and returns a boolean verdict.
package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"
)

// AuthContext represents the authentication state of the request
type AuthContext struct {
	UID     string                 `json:"uid"`
	Claims  map[string]interface{} `json:"claims"`
	IsAdmin bool                   `json:"-"` // internal flag, never exposed to CEL
}

// RulesEngine handles compilation and evaluation of CEL rules. Compiled
// programs are cached per expression.
type RulesEngine struct {
	env      *cel.Env
	prgCache sync.Map // map[string]cel.Program
}

// NewRulesEngine creates an engine with the standard rule environment:
// `request` ({auth: {uid, claims}}) and `resource` ({data}).
func NewRulesEngine() (*RulesEngine, error) {
	env, err := cel.NewEnv(
		cel.Declarations(
			decls.NewVar("request", decls.NewMapType(decls.String, decls.Dyn)),
			decls.NewVar("resource", decls.NewMapType(decls.String, decls.Dyn)),
		),
	)
	if err != nil {
		return nil, err
	}
	return &RulesEngine{env: env}, nil
}

// Evaluate evaluates a rule expression against a prebuilt context map.
func (re *RulesEngine) Evaluate(expression string, ctx map[string]interface{}) (bool, error) {
	if expression == "" {
		return false, nil
	}
	// Constant rules skip the CEL machinery entirely
	if expression == "true" {
		return true, nil
	}
	if expression == "false" {
		return false, nil
	}

	var prg cel.Program
	if val, ok := re.prgCache.Load(expression); ok {
		prg = val.(cel.Program)
	} else {
		ast, issues := re.env.Compile(expression)
		if issues != nil && issues.Err() != nil {
			return false, fmt.Errorf("compile error: %s", issues.Err())
		}
		p, err := re.env.Program(ast)
		if err != nil {
			return false, fmt.Errorf("program construction error: %s", err)
		}
		prg = p
		re.prgCache.Store(expression, prg)
	}

	out, _, err := prg.Eval(ctx)
	if err != nil {
		return false, fmt.Errorf("eval error: %s", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule must return boolean")
	}
	return result, nil
}

// EvaluateOp builds the standard rule context for an operation and
// evaluates the expression: request.auth carries the caller identity (nil
// when unauthenticated) and resource.data the stored document.
func (re *RulesEngine) EvaluateOp(expression string, auth *AuthContext, resource map[string]interface{}) (bool, error) {
	reqData := map[string]interface{}{"auth": nil}
	if auth != nil {
		reqData["auth"] = map[string]interface{}{
			"uid":    auth.UID,
			"claims": auth.Claims,
		}
	}

	ctx := map[string]interface{}{
		"request":  reqData,
		"resource": map[string]interface{}{"data": resource},
	}
	return re.Evaluate(expression, ctx)
}
