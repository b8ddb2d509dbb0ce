// Package formatters is the startup-time registry of the payload shapers a
// pipeline configuration references by name: workflow formatters render the
// dialog into the generic state shape, dialog formatters split that state
// into per-task payloads, response formatters normalize raw service replies
// before the state hook sees them. Unknown names fail at build time.
package formatters

import (
	"github.com/pkg/errors"

	"github.com/dialogstack/conductor/agent/pipeline"
)

// Registry resolves formatter names from the pipeline configuration.
// Custom formatters may be registered before the pipeline is built.
type Registry struct {
	workflow map[string]pipeline.WorkflowFormatter
	dialog   map[string]pipeline.DialogFormatter
	response map[string]pipeline.ResponseFormatter
}

// NewRegistry returns a registry preloaded with the built-in formatters.
func NewRegistry() *Registry {
	r := &Registry{
		workflow: map[string]pipeline.WorkflowFormatter{},
		dialog:   map[string]pipeline.DialogFormatter{},
		response: map[string]pipeline.ResponseFormatter{},
	}
	r.dialog["full_dialog"] = FullDialog
	r.dialog["last_utterance"] = LastUtterance
	r.dialog["hypotheses"] = Hypotheses
	r.response["skill_names"] = SkillNames
	r.response["text_confidence"] = TextConfidence
	return r
}

// RegisterDialog adds a named dialog formatter.
func (r *Registry) RegisterDialog(name string, f pipeline.DialogFormatter) {
	r.dialog[name] = f
}

// RegisterResponse adds a named response formatter.
func (r *Registry) RegisterResponse(name string, f pipeline.ResponseFormatter) {
	r.response[name] = f
}

// RegisterWorkflow adds a named workflow formatter.
func (r *Registry) RegisterWorkflow(name string, f pipeline.WorkflowFormatter) {
	r.workflow[name] = f
}

// Workflow resolves a workflow formatter; the empty name means the default
// full-state rendering (nil, handled by the service descriptor).
func (r *Registry) Workflow(name string) (pipeline.WorkflowFormatter, error) {
	if name == "" {
		return nil, nil
	}
	f, ok := r.workflow[name]
	if !ok {
		return nil, errors.Errorf("unknown workflow formatter %q", name)
	}
	return f, nil
}

// Dialog resolves a dialog formatter; the empty name means one task per
// service carrying the full state.
func (r *Registry) Dialog(name string) (pipeline.DialogFormatter, error) {
	if name == "" {
		return nil, nil
	}
	f, ok := r.dialog[name]
	if !ok {
		return nil, errors.Errorf("unknown dialog formatter %q", name)
	}
	return f, nil
}

// Response resolves a response formatter; the empty name passes the raw
// response through.
func (r *Registry) Response(name string) (pipeline.ResponseFormatter, error) {
	if name == "" {
		return nil, nil
	}
	f, ok := r.response[name]
	if !ok {
		return nil, errors.Errorf("unknown response formatter %q", name)
	}
	return f, nil
}

// FullDialog emits the whole dialog state as a single task payload.
func FullDialog(state map[string]any) ([]map[string]any, error) {
	return []map[string]any{state}, nil
}

// LastUtterance emits one payload with just the tail utterance's text and
// annotations, the shape single-utterance annotators consume.
func LastUtterance(state map[string]any) ([]map[string]any, error) {
	last, err := tailUtterance(state)
	if err != nil {
		return nil, err
	}
	return []map[string]any{{
		"dialog_id":   state["dialog_id"],
		"text":        last["text"],
		"annotations": last["annotations"],
	}}, nil
}

// Hypotheses emits one payload per hypothesis of the tail utterance, so a
// hypothesis annotator runs as parallel sub-tasks whose ind aligns with the
// hypothesis index.
func Hypotheses(state map[string]any) ([]map[string]any, error) {
	last, err := tailUtterance(state)
	if err != nil {
		return nil, err
	}
	hyps, _ := last["hypotheses"].([]any)
	payloads := make([]map[string]any, 0, len(hyps))
	for _, h := range hyps {
		hyp, ok := h.(map[string]any)
		if !ok {
			continue
		}
		payloads = append(payloads, map[string]any{
			"dialog_id":  state["dialog_id"],
			"skill_name": hyp["skill_name"],
			"text":       hyp["text"],
		})
	}
	return payloads, nil
}

// SkillNames normalizes a selector response to the list of kept skill
// labels: either a bare list or an object carrying skill_names.
func SkillNames(resp any) (any, error) {
	switch v := resp.(type) {
	case []any:
		return v, nil
	case []string:
		names := make([]any, len(v))
		for i, n := range v {
			names[i] = n
		}
		return names, nil
	case map[string]any:
		if names, ok := v["skill_names"].([]any); ok {
			return names, nil
		}
	}
	return nil, errors.Errorf("selector response carries no skill names: %T", resp)
}

// TextConfidence reduces a skill response to its text and confidence,
// dropping any other fields the skill emitted.
func TextConfidence(resp any) (any, error) {
	m, ok := resp.(map[string]any)
	if !ok {
		return nil, errors.Errorf("expected an object response, got %T", resp)
	}
	return map[string]any{"text": m["text"], "confidence": m["confidence"]}, nil
}

func tailUtterance(state map[string]any) (map[string]any, error) {
	utterances, _ := state["utterances"].([]any)
	if len(utterances) == 0 {
		return nil, errors.New("dialog state has no utterances")
	}
	last, ok := utterances[len(utterances)-1].(map[string]any)
	if !ok {
		return nil, errors.New("malformed tail utterance in dialog state")
	}
	return last, nil
}
