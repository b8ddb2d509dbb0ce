package connector

import (
	"context"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"
)

// CELSelectorConnector evaluates a CEL expression against the formatted
// dialog state and answers with the resulting skill-name list. It gives a
// pipeline an in-process rule-based skill selector: the expression sees the
// payload as `payload` and must yield a list of strings, e.g.
//
//	size(payload.utterances) > 2 ? ["chitchat"] : ["greeting", "chitchat"]
type CELSelectorConnector struct {
	program cel.Program
}

// NewCELSelector compiles the expression. Compile failures are
// configuration errors and abort startup.
func NewCELSelector(expression string) (*CELSelectorConnector, error) {
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create CEL environment")
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, errors.Wrapf(issues.Err(), "invalid selector expression %q", expression)
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build selector program")
	}
	return &CELSelectorConnector{program: program}, nil
}

func (c *CELSelectorConnector) Send(_ context.Context, task Task, cb Callback) {
	out, _, err := c.program.Eval(map[string]any{"payload": task.Payload})
	if err != nil {
		cb(task.ID, Fail(errors.Wrap(err, "selector evaluation failed")))
		return
	}
	native, err := out.ConvertToNative(reflect.TypeOf([]string{}))
	if err != nil {
		cb(task.ID, Fail(errors.Wrap(err, "selector expression must return a list of skill names")))
		return
	}
	cb(task.ID, Ok(map[string]any{"skill_names": native.([]string)}))
}
