// Package policy evaluates optional CEL admission rules against proposals
// before they are created.
//
// Rules see two variables:
//
//	proposal:   kind, proposer, target, value, required, duration_seconds
//	governance: owner_count, required_approvals, deadline_seconds, time
//
// A rule that evaluates to false, or fails to evaluate, rejects the proposal
// with contracts.ErrPolicyDenied.
package policy

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"slices"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/jio-gl/multiguard/pkg/contracts"
)

// Rule is one admission expression, optionally scoped to some kinds.
type Rule struct {
	Name  string           `yaml:"name" json:"name"`
	Kinds []contracts.Kind `yaml:"kinds" json:"kinds,omitempty"`
	Expr  string           `yaml:"expr" json:"expr"`
}

// Input is the admission view of a proposal about to be created.
type Input struct {
	Kind              contracts.Kind
	Proposer          contracts.Address
	Target            contracts.Address
	Value             *big.Int
	Required          int
	Duration          time.Duration
	OwnerCount        int
	RequiredApprovals int
	ProposalDeadline  time.Duration
	Time              time.Time
}

// InputFor builds the admission input for action under the given live state.
func InputFor(action contracts.Action, proposer contracts.Address, st contracts.State, now time.Time) Input {
	in := Input{
		Kind:              action.Kind(),
		Proposer:          proposer,
		OwnerCount:        len(st.Owners),
		RequiredApprovals: st.Config.RequiredApprovals,
		ProposalDeadline:  st.Config.ProposalDeadline,
		Time:              now,
	}
	switch a := action.(type) {
	case contracts.Transaction:
		in.Target = a.Target
		in.Value = a.Amount()
	case contracts.ChangeRequiredApprovals:
		in.Required = a.Required
	case contracts.AddOwner:
		in.Target = a.Owner
	case contracts.RemoveOwner:
		in.Target = a.Owner
	case contracts.UpdateDeadlineDuration:
		in.Duration = a.Duration.Std()
	case contracts.Pause:
		in.Duration = a.Duration.Std()
	case contracts.Unpause:
	}
	return in
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// Evaluator holds compiled rules. It is immutable and safe for concurrent use.
type Evaluator struct {
	rules []compiledRule
}

// New compiles rules. Every expression must type-check to bool.
func New(rules []Rule) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("proposal", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("governance", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Evaluator{}
	for i, r := range rules {
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i)
		}
		for _, k := range r.Kinds {
			if !slices.Contains(contracts.Kinds, k) {
				return nil, fmt.Errorf("policy %s: unknown kind %q", r.Name, k)
			}
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy %s: compile: %w", r.Name, issues.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("policy %s: expression must return bool, got %s", r.Name, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("policy %s: program: %w", r.Name, err)
		}
		e.rules = append(e.rules, compiledRule{Rule: r, prg: prg})
	}
	return e, nil
}

// Len returns the number of rules.
func (e *Evaluator) Len() int {
	return len(e.rules)
}

// Admit evaluates every rule applicable to in.Kind, in order.
func (e *Evaluator) Admit(ctx context.Context, in Input) error {
	if e == nil || len(e.rules) == 0 {
		return nil
	}
	vars := in.activation()
	for _, r := range e.rules {
		if len(r.Kinds) > 0 && !slices.Contains(r.Kinds, in.Kind) {
			continue
		}
		out, _, err := r.prg.ContextEval(ctx, vars)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", contracts.ErrPolicyDenied, r.Name, err)
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return fmt.Errorf("%w: %s: result not bool", contracts.ErrPolicyDenied, r.Name)
		}
		if !allowed {
			return fmt.Errorf("%w: %s", contracts.ErrPolicyDenied, r.Name)
		}
	}
	return nil
}

func (in Input) activation() map[string]any {
	return map[string]any{
		"proposal": map[string]any{
			"kind":             string(in.Kind),
			"proposer":         string(in.Proposer),
			"target":           string(in.Target),
			"value":            saturate(in.Value),
			"required":         int64(in.Required),
			"duration_seconds": int64(in.Duration / time.Second),
		},
		"governance": map[string]any{
			"owner_count":        int64(in.OwnerCount),
			"required_approvals": int64(in.RequiredApprovals),
			"deadline_seconds":   int64(in.ProposalDeadline / time.Second),
			"time":               in.Time.Unix(),
		},
	}
}

// saturate maps v into CEL's int range; values beyond it become MaxInt64.
func saturate(v *big.Int) int64 {
	switch {
	case v == nil:
		return 0
	case v.IsInt64():
		return v.Int64()
	default:
		return math.MaxInt64
	}
}
