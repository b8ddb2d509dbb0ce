package connector

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
)

// ConfidenceResponseSelectorConnector picks the hypothesis with the highest
// confidence from the last utterance of the formatted dialog state and
// returns it whole, so the bot-utterance hook sees skill_name, text and
// confidence together.
type ConfidenceResponseSelectorConnector struct{}

func NewConfidenceResponseSelector() *ConfidenceResponseSelectorConnector {
	return &ConfidenceResponseSelectorConnector{}
}

func (c *ConfidenceResponseSelectorConnector) Send(_ context.Context, task Task, cb Callback) {
	best, err := bestHypothesis(task.Payload)
	if err != nil {
		cb(task.ID, Fail(err))
		return
	}
	cb(task.ID, Ok(best))
}

func bestHypothesis(payload map[string]any) (map[string]any, error) {
	utterances, _ := payload["utterances"].([]any)
	if len(utterances) == 0 {
		return nil, errors.New("no utterances in payload")
	}
	last, _ := utterances[len(utterances)-1].(map[string]any)
	hypotheses, _ := last["hypotheses"].([]any)

	var best map[string]any
	bestConf := -1.0
	for _, h := range hypotheses {
		hyp, ok := h.(map[string]any)
		if !ok {
			continue
		}
		if conf := asFloat(hyp["confidence"]); conf > bestConf {
			bestConf = conf
			best = hyp
		}
	}
	if best == nil {
		return nil, errors.New("no hypotheses to select from")
	}
	return best, nil
}

// PredefinedTextConnector answers every task with a fixed text plus
// optional annotations. It backs the default last-chance and timeout
// services.
type PredefinedTextConnector struct {
	text        string
	annotations map[string]any
}

func NewPredefinedText(text string, annotations map[string]any) *PredefinedTextConnector {
	if annotations == nil {
		annotations = map[string]any{}
	}
	return &PredefinedTextConnector{text: text, annotations: annotations}
}

func (c *PredefinedTextConnector) Send(_ context.Context, task Task, cb Callback) {
	cb(task.ID, Ok(map[string]any{"text": c.text, "annotations": c.annotations}))
}

// PredefinedOutputConnector answers every task with a fixed payload.
type PredefinedOutputConnector struct {
	output any
}

func NewPredefinedOutput(output any) *PredefinedOutputConnector {
	return &PredefinedOutputConnector{output: output}
}

func (c *PredefinedOutputConnector) Send(_ context.Context, task Task, cb Callback) {
	cb(task.ID, Ok(c.output))
}

// EventSetOutputConnector is the terminal responder transport: it delivers
// a whitespace response through the callback, then releases the workflow's
// response latch once the callback has fully processed it.
type EventSetOutputConnector struct {
	name string
	fire func(dialogID string)
}

// NewEventSetOutput builds the responder connector. fire resolves the
// dialog's active workflow and fires its latch; it must tolerate unknown
// dialog ids.
func NewEventSetOutput(name string, fire func(dialogID string)) *EventSetOutputConnector {
	return &EventSetOutputConnector{name: name, fire: fire}
}

func (c *EventSetOutputConnector) Send(_ context.Context, task Task, cb Callback) {
	cb(task.ID, Ok(" "))
	dialogID, _ := task.Payload["dialog_id"].(string)
	if dialogID == "" {
		slog.Warn("connector: responder payload without dialog_id", slog.String("service", c.name))
		return
	}
	c.fire(dialogID)
}

// BrokerConnector hands the task to the agent gateway, which publishes a
// service_task envelope; the response comes back through the gateway's
// ingress path, so no callback fires here unless publishing itself fails.
type BrokerConnector struct {
	serviceName string
	publish     func(ctx context.Context, serviceName, taskID string, payload any) error
}

func NewBroker(serviceName string, publish func(ctx context.Context, serviceName, taskID string, payload any) error) *BrokerConnector {
	return &BrokerConnector{serviceName: serviceName, publish: publish}
}

func (c *BrokerConnector) Send(ctx context.Context, task Task, cb Callback) {
	if err := c.publish(ctx, c.serviceName, task.ID, task.Payload); err != nil {
		slog.Warn("connector: publish failed",
			slog.String("service", c.serviceName), slog.String("task", task.ID), slog.Any("err", err))
		cb(task.ID, Fail(err))
	}
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
