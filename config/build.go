package config

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/dialogstack/conductor/agent/connector"
	"github.com/dialogstack/conductor/agent/formatters"
	"github.com/dialogstack/conductor/agent/pipeline"
	"github.com/dialogstack/conductor/agent/state"
)

// Names of the synthesized pipeline endpoints.
const (
	InputServiceName      = "input"
	ResponderServiceName  = "responder"
	LastChanceServiceName = "last_chance_service"
	TimeoutServiceName    = "timeout_service"
)

// Deps carries the runtime capabilities Build wires into the pipeline.
type Deps struct {
	Hooks      *state.Hooks
	Formatters *formatters.Registry
	HTTPClient *http.Client

	// FireResponse releases the response latch of the dialog's active
	// workflow; the responder connector calls it after its callback.
	FireResponse func(dialogID string)

	// PublishTask ships a task to a remote service over the broker. Nil
	// when the process runs without a broker; amqp connectors then fail
	// to build.
	PublishTask func(ctx context.Context, serviceName, taskID string, payload any) error
}

// Build is the runnable result of compiling a Document.
type Build struct {
	Pipeline *pipeline.Pipeline

	// Batchers need their Start called with the process context before
	// the agent dispatches anything to them.
	Batchers []*connector.BatchConnector
}

// Build compiles the document into a validated pipeline. The input and
// responder endpoints are synthesized here rather than declared in the
// document; services tagged last_chance or timeout are pulled out of the
// graph and dispatched explicitly by the agent.
func (d *Document) Build(deps Deps) (*Build, error) {
	if deps.Hooks == nil || deps.Formatters == nil || deps.FireResponse == nil {
		return nil, errors.New("config: hooks, formatters and fire-response are required")
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	b := &builder{doc: d, deps: deps, named: map[string]connector.Connector{}}
	return b.build()
}

type builder struct {
	doc   *Document
	deps  Deps
	named map[string]connector.Connector
	out   Build
}

func (b *builder) build() (*Build, error) {
	for name, def := range b.doc.Connectors {
		conn, err := b.makeConnector(name, def)
		if err != nil {
			return nil, err
		}
		b.named[name] = conn
	}

	flat, groups, err := b.doc.flatten()
	if err != nil {
		return nil, err
	}

	var services []*pipeline.Service
	var lastChance, timeout *pipeline.Service
	for _, fs := range flat {
		svc, err := b.makeService(fs, groups)
		if err != nil {
			return nil, err
		}
		switch {
		case svc.IsLastChance():
			if lastChance != nil {
				return nil, errors.Errorf("services %q and %q both tagged last_chance", lastChance.Name, svc.Name)
			}
			lastChance = svc
		case svc.IsTimeout():
			if timeout != nil {
				return nil, errors.Errorf("services %q and %q both tagged timeout", timeout.Name, svc.Name)
			}
			timeout = svc
		default:
			services = append(services, svc)
		}
	}

	lastChance, err = b.fallbackService(lastChance, b.doc.OverwriteLastChance,
		LastChanceServiceName, pipeline.TagLastChance, DefaultLastChanceText)
	if err != nil {
		return nil, err
	}
	timeout, err = b.fallbackService(timeout, b.doc.OverwriteTimeout,
		TimeoutServiceName, pipeline.TagTimeout, DefaultTimeoutText)
	if err != nil {
		return nil, err
	}

	input, responder, err := b.endpoints()
	if err != nil {
		return nil, err
	}

	pipe, err := pipeline.New(services, input, responder, lastChance, timeout)
	if err != nil {
		return nil, err
	}
	b.out.Pipeline = pipe
	return &b.out, nil
}

// endpoints synthesizes the input and responder services.
func (b *builder) endpoints() (*pipeline.Service, *pipeline.Service, error) {
	addHuman, err := b.deps.Hooks.Resolve("add_human_utterance")
	if err != nil {
		return nil, nil, err
	}
	saveDialog, err := b.deps.Hooks.Resolve("save_dialog")
	if err != nil {
		return nil, nil, err
	}
	input := pipeline.NewService(pipeline.ServiceParams{
		Name:      InputServiceName,
		Tags:      []pipeline.Tag{pipeline.TagInput},
		StateHook: addHuman,
	})
	responder := pipeline.NewService(pipeline.ServiceParams{
		Name:      ResponderServiceName,
		Tags:      []pipeline.Tag{pipeline.TagResponder},
		Connector: connector.NewEventSetOutput(ResponderServiceName, b.deps.FireResponse),
		StateHook: saveDialog,
	})
	return input, responder, nil
}

// fallbackService fills in a last-chance or timeout service: an overwrite
// text replaces whatever the document declared with a predefined-text
// service, and a missing one gets the default apology.
func (b *builder) fallbackService(declared *pipeline.Service, overwrite, name string, tag pipeline.Tag, defaultText string) (*pipeline.Service, error) {
	if overwrite == "" {
		if declared != nil {
			return declared, nil
		}
		overwrite = defaultText
	}
	hookName := "add_bot_utterance_last_chance"
	if declared != nil {
		// Keep the declared identity so workflow records reference it.
		name = declared.Name
		hookName = "add_bot_utterance_last_chance_overwrite"
	}
	hook, err := b.deps.Hooks.Resolve(hookName)
	if err != nil {
		return nil, err
	}
	return pipeline.NewService(pipeline.ServiceParams{
		Name:      name,
		Tags:      []pipeline.Tag{tag},
		Connector: connector.NewPredefinedText(overwrite, nil),
		StateHook: hook,
	}), nil
}

func (b *builder) makeService(fs flatService, groups map[string][]string) (*pipeline.Service, error) {
	def := fs.def

	conn, err := b.resolveConnector(fs.name, def.Connector)
	if err != nil {
		return nil, err
	}

	var hook pipeline.StateHook
	if def.StateHook != "" {
		if hook, err = b.deps.Hooks.Resolve(def.StateHook); err != nil {
			return nil, errors.Wrapf(err, "service %q", fs.name)
		}
	}
	wfFmt, err := b.deps.Formatters.Workflow(def.WorkflowFormatter)
	if err != nil {
		return nil, errors.Wrapf(err, "service %q", fs.name)
	}
	dlgFmt, err := b.deps.Formatters.Dialog(def.DialogFormatter)
	if err != nil {
		return nil, errors.Wrapf(err, "service %q", fs.name)
	}
	respFmt, err := b.deps.Formatters.Response(def.ResponseFormatter)
	if err != nil {
		return nil, errors.Wrapf(err, "service %q", fs.name)
	}

	tags := make([]pipeline.Tag, 0, len(def.Tags))
	isSelector := false
	for _, t := range def.Tags {
		tag := pipeline.Tag(t)
		switch tag {
		case pipeline.TagSelector, pipeline.TagLastChance, pipeline.TagTimeout:
		case pipeline.TagInput, pipeline.TagResponder:
			return nil, errors.Errorf("service %q: tag %q is reserved for synthesized endpoints", fs.name, t)
		default:
			return nil, errors.Errorf("service %q: unknown tag %q", fs.name, t)
		}
		if tag == pipeline.TagSelector {
			isSelector = true
		}
		tags = append(tags, tag)
	}
	// Selectors prune by skill name; normalize their responses unless the
	// document picked a formatter itself.
	if isSelector && respFmt == nil {
		respFmt = formatters.SkillNames
	}

	return pipeline.NewService(pipeline.ServiceParams{
		Name:              fs.name,
		Label:             def.Label,
		Group:             fs.group,
		Tags:              tags,
		Connector:         conn,
		StateHook:         hook,
		WorkflowFormatter: wfFmt,
		DialogFormatter:   dlgFmt,
		ResponseFormatter: respFmt,
		Previous:          expandNames(def.Previous, groups),
		RequiredPrevious:  expandNames(def.RequiredPrevious, groups),
	}), nil
}

// resolveConnector accepts either a name from the connectors section or an
// inline definition mapping.
func (b *builder) resolveConnector(service string, ref any) (connector.Connector, error) {
	switch v := ref.(type) {
	case string:
		conn, ok := b.named[v]
		if !ok {
			return nil, errors.Errorf("service %q references unknown connector %q", service, v)
		}
		return conn, nil
	case map[string]any:
		raw, err := yaml.Marshal(v)
		if err != nil {
			return nil, errors.Wrapf(err, "service %q: invalid inline connector", service)
		}
		var def ConnectorDef
		if err := yaml.Unmarshal(raw, &def); err != nil {
			return nil, errors.Wrapf(err, "service %q: invalid inline connector", service)
		}
		return b.makeConnector(service, def)
	case nil:
		return nil, errors.Errorf("service %q declares no connector", service)
	default:
		return nil, errors.Errorf("service %q: connector must be a name or a mapping, got %T", service, ref)
	}
}

func (b *builder) makeConnector(owner string, def ConnectorDef) (connector.Connector, error) {
	timeout := b.doc.ResponseTimeout()
	if def.TimeoutSec > 0 {
		timeout = time.Duration(def.TimeoutSec * float64(time.Second))
	}
	switch def.Protocol {
	case "http":
		if def.URL == "" {
			return nil, errors.Errorf("connector %q: http requires url", owner)
		}
		return connector.NewHTTP(b.deps.HTTPClient, def.URL, timeout), nil
	case "http_batch":
		urls := def.URLs
		if len(urls) == 0 && def.URL != "" {
			urls = []string{def.URL}
		}
		if len(urls) == 0 {
			return nil, errors.Errorf("connector %q: http_batch requires urls", owner)
		}
		if def.BatchSize <= 0 {
			return nil, errors.Errorf("connector %q: http_batch requires batch_size", owner)
		}
		batch := connector.NewBatch(b.deps.HTTPClient, urls, def.BatchSize, timeout)
		b.out.Batchers = append(b.out.Batchers, batch)
		return batch, nil
	case "amqp":
		if b.deps.PublishTask == nil {
			return nil, errors.Errorf("connector %q: amqp requires a broker connection", owner)
		}
		serviceName := def.ServiceName
		if serviceName == "" {
			serviceName = owner
		}
		return connector.NewBroker(serviceName, b.deps.PublishTask), nil
	case "predefined_text":
		if def.ResponseText == "" {
			return nil, errors.Errorf("connector %q: predefined_text requires response_text", owner)
		}
		return connector.NewPredefinedText(def.ResponseText, def.Annotations), nil
	case "predefined_output":
		return connector.NewPredefinedOutput(def.Output), nil
	case "confidence_response_selector":
		return connector.NewConfidenceResponseSelector(), nil
	case "cel_selector":
		if def.Expression == "" {
			return nil, errors.Errorf("connector %q: cel_selector requires expression", owner)
		}
		sel, err := connector.NewCELSelector(def.Expression)
		if err != nil {
			return nil, errors.Wrapf(err, "connector %q", owner)
		}
		return sel, nil
	case "":
		return nil, errors.Errorf("connector %q declares no protocol", owner)
	default:
		return nil, errors.Errorf("connector %q: unknown protocol %q", owner, def.Protocol)
	}
}
