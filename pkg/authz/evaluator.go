package authz

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
)

// DefaultCondition allows an action only when the principal lists it.
const DefaultCondition = `action in principal.allowed_actions`

// Evaluator holds one compiled authorization condition.
type Evaluator struct {
	expr string
	prg  cel.Program
}

// NewEvaluator compiles expr. Available variables: principal (map with id,
// tenant_id, roles, allowed_actions), action, tenant, resources, context.
func NewEvaluator(expr string) (*Evaluator, error) {
	if expr == "" {
		expr = DefaultCondition
	}
	env, err := cel.NewEnv(
		cel.Variable("principal", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("action", cel.StringType),
		cel.Variable("tenant", cel.StringType),
		cel.Variable("resources", cel.ListType(cel.StringType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("authz condition compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("authz condition must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("authz condition program: %w", err)
	}
	return &Evaluator{expr: expr, prg: prg}, nil
}

// Expression returns the compiled source.
func (e *Evaluator) Expression() string {
	return e.expr
}

// Authorize evaluates the condition for p acting on ec.
func (e *Evaluator) Authorize(p *Principal, ec contracts.ExecutionContext) (bool, error) {
	roles := make([]string, len(p.Roles))
	copy(roles, p.Roles)
	actions := make([]string, len(p.AllowedActions))
	for i, a := range p.AllowedActions {
		actions[i] = string(a)
	}
	resources := make([]string, len(ec.ResourceIDs))
	copy(resources, ec.ResourceIDs)
	extra := ec.AdditionalContext
	if extra == nil {
		extra = map[string]any{}
	}

	out, _, err := e.prg.Eval(map[string]any{
		"principal": map[string]any{
			"id":              p.ID,
			"tenant_id":       p.TenantID,
			"roles":           roles,
			"allowed_actions": actions,
		},
		"action":    string(ec.ActionType),
		"tenant":    ec.TenantID,
		"resources": resources,
		"context":   extra,
	})
	if err != nil {
		return false, fmt.Errorf("authz condition eval: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("authz condition returned %T", out.Value())
	}
	return allowed, nil
}
