// Package state implements the catalog of dialog-mutating hooks services
// are bound to. Hooks run serialized per dialog; each takes the formatted
// service response and folds it into the dialog value. Violated
// expectations (a bot tail where a human one is required, an out-of-range
// hypothesis index) are reported as errors for the agent to log; they never
// abort the turn.
package state

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/dialogstack/conductor/agent/pipeline"
	"github.com/dialogstack/conductor/dialog"
)

// Saver persists a dialog at the end of a turn.
type Saver interface {
	SaveDialog(ctx context.Context, d *dialog.Dialog) error
}

// Hooks binds the hook catalog to a dialog saver.
type Hooks struct {
	saver   Saver
	catalog map[string]pipeline.StateHook
}

func New(saver Saver) *Hooks {
	h := &Hooks{saver: saver}
	h.catalog = map[string]pipeline.StateHook{
		"add_human_utterance":                     h.AddHumanUtterance,
		"add_hypothesis":                          h.AddHypothesis,
		"add_annotation":                          h.AddAnnotation,
		"add_annotation_prev_bot_utt":             h.AddAnnotationPrevBotUtt,
		"add_hypothesis_annotation":               h.AddHypothesisAnnotation,
		"add_hypothesis_annotation_batch":         h.AddHypothesisAnnotationBatch,
		"add_text":                                h.AddText,
		"add_bot_utterance":                       h.AddBotUtterance,
		"add_bot_utterance_last_chance":           h.AddBotUtteranceLastChance,
		"add_bot_utterance_last_chance_overwrite": h.AddBotUtteranceLastChanceOverwrite,
		"save_dialog":                             h.SaveDialog,
	}
	return h
}

// Resolve maps a symbolic hook name from the pipeline configuration to its
// implementation. Unknown names are configuration errors.
func (h *Hooks) Resolve(name string) (pipeline.StateHook, error) {
	hook, ok := h.catalog[name]
	if !ok {
		return nil, errors.Errorf("unknown state hook %q", name)
	}
	return hook, nil
}

// AddHumanUtterance appends the ingress utterance. The payload is the raw
// text; attrs carries the ingress message attributes, including the
// channel-reported date_time when one was given.
func (h *Hooks) AddHumanUtterance(_ context.Context, d *dialog.Dialog, payload any, _ string, _ int, attrs map[string]any) error {
	text, ok := payload.(string)
	if !ok {
		return errors.Errorf("add_human_utterance expects text, got %T", payload)
	}
	at := time.Now().UTC()
	if ts, ok := attrs["date_time"].(time.Time); ok {
		at = ts
	}
	d.AppendHuman(text, at, attrs)
	return nil
}

// AddHypothesis appends each payload element as a hypothesis of the last
// human utterance, stamped with the service label as skill name.
func (h *Hooks) AddHypothesis(_ context.Context, d *dialog.Dialog, payload any, label string, _ int, _ map[string]any) error {
	tail, err := humanTail(d, "add_hypothesis")
	if err != nil {
		return err
	}
	items, ok := payload.([]any)
	if !ok {
		return errors.Errorf("add_hypothesis expects a list, got %T", payload)
	}
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return errors.Errorf("add_hypothesis expects objects, got %T", item)
		}
		tail.Hypotheses = append(tail.Hypotheses, dialog.HypothesisFromPayload(label, m))
	}
	return nil
}

// AddAnnotation stores the payload under the service label on the last
// utterance, whatever its kind.
func (h *Hooks) AddAnnotation(_ context.Context, d *dialog.Dialog, payload any, label string, _ int, _ map[string]any) error {
	tail := d.Tail()
	if tail == nil {
		return errors.New("add_annotation on empty dialog")
	}
	tail.Annotations[label] = payload
	return nil
}

// AddAnnotationPrevBotUtt annotates the utterance before the tail. A no-op
// on dialogs with fewer than two utterances.
func (h *Hooks) AddAnnotationPrevBotUtt(_ context.Context, d *dialog.Dialog, payload any, label string, _ int, _ map[string]any) error {
	if len(d.Utterances) < 2 {
		return nil
	}
	d.Utterances[len(d.Utterances)-2].Annotations[label] = payload
	return nil
}

// AddHypothesisAnnotation annotates the hypothesis the sub-task index
// points at.
func (h *Hooks) AddHypothesisAnnotation(_ context.Context, d *dialog.Dialog, payload any, label string, ind int, _ map[string]any) error {
	tail, err := humanTail(d, "add_hypothesis_annotation")
	if err != nil {
		return err
	}
	if ind < 0 || ind >= len(tail.Hypotheses) {
		return errors.Errorf("hypothesis index %d out of range (%d hypotheses)", ind, len(tail.Hypotheses))
	}
	tail.Hypotheses[ind].Annotations[label] = payload
	return nil
}

// AddHypothesisAnnotationBatch annotates all hypotheses from an aligned
// batch response {"batch": [...]}. A bot tail makes it a no-op; a length
// mismatch writes empty annotations so downstream selectors see the label.
func (h *Hooks) AddHypothesisAnnotationBatch(_ context.Context, d *dialog.Dialog, payload any, label string, _ int, _ map[string]any) error {
	tail := d.Tail()
	if tail == nil || tail.Kind == dialog.KindBot {
		return nil
	}
	m, _ := payload.(map[string]any)
	batch, ok := m["batch"].([]any)
	if !ok || len(batch) != len(tail.Hypotheses) {
		for _, hyp := range tail.Hypotheses {
			hyp.Annotations[label] = map[string]any{}
		}
		return nil
	}
	for i, hyp := range tail.Hypotheses {
		hyp.Annotations[label] = batch[i]
	}
	return nil
}

// AddText overwrites the tail utterance's text with the payload.
func (h *Hooks) AddText(_ context.Context, d *dialog.Dialog, payload any, _ string, _ int, _ map[string]any) error {
	tail := d.Tail()
	if tail == nil {
		return errors.New("add_text on empty dialog")
	}
	text, ok := payload.(string)
	if !ok {
		return errors.Errorf("add_text expects text, got %T", payload)
	}
	tail.Text = text
	return nil
}

// AddBotUtterance promotes the winning hypothesis to the bot reply closing
// the turn. The payload carries text, skill_name, confidence and optional
// annotations.
func (h *Hooks) AddBotUtterance(_ context.Context, d *dialog.Dialog, payload any, _ string, _ int, _ map[string]any) error {
	m, ok := payload.(map[string]any)
	if !ok {
		return errors.Errorf("add_bot_utterance expects an object, got %T", payload)
	}
	text, ok := m["text"].(string)
	if !ok {
		return errors.New("add_bot_utterance payload has no text")
	}
	skill, _ := m["skill_name"].(string)
	annotations, _ := m["annotations"].(map[string]any)
	d.AppendBot(text, text, skill, asFloat(m["confidence"]), time.Now().UTC(), annotations, nil)
	return nil
}

// AddBotUtteranceLastChance appends a fallback bot reply only while the
// tail is still human, so repeated firing stays idempotent. The service
// label becomes the active skill and the confidence is zero.
func (h *Hooks) AddBotUtteranceLastChance(_ context.Context, d *dialog.Dialog, payload any, label string, _ int, _ map[string]any) error {
	tail := d.Tail()
	if tail == nil || tail.Kind != dialog.KindHuman {
		return nil
	}
	text, annotations := fallbackPayload(payload)
	d.AppendBot(text, text, label, 0, time.Now().UTC(), annotations, nil)
	return nil
}

// AddBotUtteranceLastChanceOverwrite behaves like AddBotUtteranceLastChance
// but also rewrites an existing bot tail in place.
func (h *Hooks) AddBotUtteranceLastChanceOverwrite(_ context.Context, d *dialog.Dialog, payload any, label string, _ int, _ map[string]any) error {
	tail := d.Tail()
	if tail == nil {
		return nil
	}
	text, annotations := fallbackPayload(payload)
	if tail.Kind == dialog.KindHuman {
		d.AppendBot(text, text, label, 0, time.Now().UTC(), annotations, nil)
		return nil
	}
	tail.Text = text
	tail.OrigText = text
	tail.ActiveSkill = label
	tail.Confidence = 0
	tail.Annotations = annotations
	return nil
}

// SaveDialog persists the dialog; the responder's hook.
func (h *Hooks) SaveDialog(ctx context.Context, d *dialog.Dialog, _ any, _ string, _ int, _ map[string]any) error {
	if err := h.saver.SaveDialog(ctx, d); err != nil {
		return errors.Wrap(err, "failed to save dialog")
	}
	return nil
}

func humanTail(d *dialog.Dialog, hook string) (*dialog.Utterance, error) {
	tail := d.Tail()
	if tail == nil {
		return nil, errors.Errorf("%s on empty dialog", hook)
	}
	if tail.Kind != dialog.KindHuman {
		return nil, errors.Errorf("%s requires a human tail utterance", hook)
	}
	return tail, nil
}

func fallbackPayload(payload any) (string, map[string]any) {
	m, _ := payload.(map[string]any)
	text, _ := m["text"].(string)
	annotations, _ := m["annotations"].(map[string]any)
	if annotations == nil {
		annotations = map[string]any{}
	}
	return text, annotations
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
