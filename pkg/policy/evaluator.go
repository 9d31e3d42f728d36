// Package policy lets operators veto delegations with CEL deny rules
// evaluated after the built-in admission gates. Rules see the request
// as a dynamic map; a rule evaluating to true denies the delegation.
// Compilation and evaluation errors fail closed.
package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// Evaluator compiles and caches CEL deny rules.
type Evaluator struct {
	env      *cel.Env
	rules    []string
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewEvaluator builds an evaluator over the given deny rules. Rules are
// compiled lazily and cached by expression text.
func NewEvaluator(denyRules []string) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.DynType),
		cel.Variable("timestamp", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}
	return &Evaluator{
		env:      env,
		rules:    denyRules,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// requestInput flattens the fields deny rules commonly reference.
func requestInput(req *contracts.DelegationRequest) map[string]any {
	input := map[string]any{
		"task_id":                   req.TaskID,
		"task_description":          req.TaskDescription,
		"delegator_agent_id":        req.Delegator.AgentID,
		"delegatee_agent_id":        req.Delegatee.AgentID,
		"required_capabilities":     req.RequiredCapabilities,
		"tlp_classification":        string(req.TLPClassification),
		"estimated_value":           req.EstimatedValue,
		"involves_critical_systems": req.InvolvesCriticalSystems,
		"is_external_delegation":    req.IsExternalDelegation,
		"parent_contract_id":        req.ParentContractID,
		"priority":                  req.Priority,
		"timeout_ms":                req.TimeoutMs,
	}
	if req.PermissionToken != nil {
		input["scopes"] = req.PermissionToken.Scopes
		input["actions"] = req.PermissionToken.Actions
	}
	return input
}

// Check evaluates every deny rule against req. The first rule that
// evaluates to true, fails to compile, or errors at runtime denies the
// request.
func (e *Evaluator) Check(ctx context.Context, req *contracts.DelegationRequest) error {
	_ = ctx
	if len(e.rules) == 0 {
		return nil
	}

	input := map[string]any{
		"request":   requestInput(req),
		"timestamp": time.Now().Unix(),
	}

	for i, rule := range e.rules {
		denied, err := e.evaluate(rule, input)
		if err != nil {
			return contracts.ErrInvalidRequest("policy rule %d failed: %v", i, err)
		}
		if denied {
			return contracts.ErrInvalidRequest("delegation denied by policy rule %d: %s", i, rule)
		}
	}
	return nil
}

func (e *Evaluator) evaluate(expr string, input map[string]any) (bool, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.prgCache[expr]; !hit {
			ast, issues := e.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			p, err := e.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			e.prgCache[expr] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule result is %T, want bool", out.Value())
	}
	return val, nil
}
