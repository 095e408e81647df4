package contracts

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Guard is a named CEL expression that must evaluate to true for a
// destination to be compatible. Variables: destination_id (string, empty
// when absent), has_destination (bool), destination_type (string).
type Guard struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
}

// GuardInput is the activation for guard evaluation.
type GuardInput struct {
	DestinationID   string
	HasDestination  bool
	DestinationType string
}

// GuardResult is the verdict of one guard.
type GuardResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

type compiledGuard struct {
	name    string
	program cel.Program
}

func newGuardEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("destination_id", cel.StringType),
		cel.Variable("has_destination", cel.BoolType),
		cel.Variable("destination_type", cel.StringType),
	)
}

// compileGuards type-checks every guard so a bad expression fails the load.
func (se *SafeEnvelope) compileGuards() error {
	if len(se.Policy.Guards) == 0 {
		return nil
	}
	env, err := newGuardEnv()
	if err != nil {
		return fmt.Errorf("failed to create CEL environment: %w", err)
	}

	compiled := make([]compiledGuard, 0, len(se.Policy.Guards))
	for _, g := range se.Policy.Guards {
		ast, iss := env.Compile(g.Expression)
		if iss != nil && iss.Err() != nil {
			return fmt.Errorf("guard %q: %w", g.Name, iss.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return fmt.Errorf("guard %q: expression must be boolean, got %s", g.Name, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return fmt.Errorf("guard %q: %w", g.Name, err)
		}
		compiled = append(compiled, compiledGuard{name: g.Name, program: prg})
	}
	se.guards = compiled
	return nil
}

// EvaluateGuards runs every guard in declaration order.
func (se *SafeEnvelope) EvaluateGuards(in GuardInput) ([]GuardResult, error) {
	results := make([]GuardResult, 0, len(se.guards))
	activation := map[string]any{
		"destination_id":   in.DestinationID,
		"has_destination":  in.HasDestination,
		"destination_type": in.DestinationType,
	}
	for _, g := range se.guards {
		out, _, err := g.program.Eval(activation)
		if err != nil {
			return nil, fmt.Errorf("guard %q: %w", g.name, err)
		}
		passed, ok := out.Value().(bool)
		if !ok {
			return nil, fmt.Errorf("guard %q: non-boolean result %v", g.name, out.Value())
		}
		results = append(results, GuardResult{Name: g.name, Passed: passed})
	}
	return results, nil
}
