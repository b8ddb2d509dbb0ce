package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialogstack/conductor/agent/connector"
	"github.com/dialogstack/conductor/agent/formatters"
	"github.com/dialogstack/conductor/agent/pipeline"
	"github.com/dialogstack/conductor/agent/state"
	"github.com/dialogstack/conductor/agent/workflow"
	"github.com/dialogstack/conductor/dialog"
)

// memStore is an in-memory dialog repository for loop tests.
type memStore struct {
	mu      sync.Mutex
	active  map[string]*dialog.Dialog
	saved   int
	dropped []string
}

func newMemStore() *memStore {
	return &memStore{active: map[string]*dialog.Dialog{}}
}

func (s *memStore) GetOrCreateDialog(_ context.Context, user, channel string) (*dialog.Dialog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := user + "/" + channel
	if d, ok := s.active[key]; ok {
		return d, nil
	}
	d := dialog.New(user, channel)
	s.active[key] = d
	return d, nil
}

func (s *memStore) DropActiveDialog(_ context.Context, user string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, d := range s.active {
		if d.UserExternalID == user {
			delete(s.active, key)
			return d.ID, nil
		}
	}
	return "", nil
}

func (s *memStore) SaveDialog(context.Context, *dialog.Dialog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved++
	return nil
}

// funcConnector invokes the callback synchronously with fn's result and
// counts sends.
type funcConnector struct {
	mu    sync.Mutex
	calls int
	fn    func(task connector.Task) connector.Result
}

func (c *funcConnector) Send(_ context.Context, task connector.Task, cb connector.Callback) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	cb(task.ID, c.fn(task))
}

func (c *funcConnector) sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// stuckConnector never answers; it records the context it was handed so
// tests can observe cancellation.
type stuckConnector struct {
	mu  sync.Mutex
	ctx context.Context
}

func (c *stuckConnector) Send(ctx context.Context, _ connector.Task, _ connector.Callback) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
}

func (c *stuckConnector) sendCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

type fixture struct {
	agent *Agent
	wf    *workflow.Manager
	store *memStore
	hooks *state.Hooks
}

// build assembles an agent over the given mid-pipeline services, wiring
// the standard input and responder nodes around them.
func build(t *testing.T, wf *workflow.Manager, store *memStore, services []*pipeline.Service, lastChance, timeout *pipeline.Service) *fixture {
	t.Helper()
	hooks := state.New(store)
	fire := func(dialogID string) {
		if rec := wf.Record(dialogID); rec != nil {
			rec.Latch.Fire()
		}
	}
	input := pipeline.NewService(pipeline.ServiceParams{
		Name:      "input",
		Tags:      []pipeline.Tag{pipeline.TagInput},
		StateHook: hooks.AddHumanUtterance,
	})
	responder := pipeline.NewService(pipeline.ServiceParams{
		Name:      "responder",
		Tags:      []pipeline.Tag{pipeline.TagResponder},
		Connector: connector.NewEventSetOutput("responder", fire),
		StateHook: hooks.SaveDialog,
	})
	pipe, err := pipeline.New(services, input, responder, lastChance, timeout)
	require.NoError(t, err)
	return &fixture{
		agent: New("agent_test", pipe, wf, store, nil),
		wf:    wf,
		store: store,
		hooks: hooks,
	}
}

func register(t *testing.T, f *fixture, msg Message) *dialog.Dialog {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := f.agent.RegisterMessage(ctx, msg)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func TestHappyPath(t *testing.T) {
	wf := workflow.NewManager()
	store := newMemStore()
	hooks := state.New(store)

	annotator := &funcConnector{fn: func(connector.Task) connector.Result {
		return connector.Ok(map[string]any{"tokens": []any{"hello"}})
	}}
	skill := &funcConnector{fn: func(connector.Task) connector.Result {
		return connector.Ok([]any{map[string]any{"text": "hi", "confidence": 0.8}})
	}}

	services := []*pipeline.Service{
		pipeline.NewService(pipeline.ServiceParams{
			Name: "annotator_a", Connector: annotator,
			StateHook: hooks.AddAnnotation, Previous: []string{"input"},
		}),
		pipeline.NewService(pipeline.ServiceParams{
			Name: "skill_x", Connector: skill,
			StateHook: hooks.AddHypothesis, Previous: []string{"annotator_a"},
		}),
		pipeline.NewService(pipeline.ServiceParams{
			Name: "resp_selector", Connector: connector.NewConfidenceResponseSelector(),
			StateHook: hooks.AddBotUtterance, Previous: []string{"skill_x"},
		}),
	}
	f := build(t, wf, store, services, nil, nil)

	d := register(t, f, Message{
		Utterance: "hello", UserExternalID: "u-1", ChannelType: "http_client", RequireResponse: true,
	})

	require.Len(t, d.Utterances, 2)
	human, bot := d.Utterances[0], d.Utterances[1]
	assert.Equal(t, dialog.KindHuman, human.Kind)
	assert.Equal(t, "hello", human.Text)
	assert.Contains(t, human.Annotations, "annotator_a")
	require.Len(t, human.Hypotheses, 1)

	assert.Equal(t, dialog.KindBot, bot.Kind)
	assert.Equal(t, "hi", bot.Text)
	assert.Equal(t, "skill_x", bot.ActiveSkill)
	assert.InDelta(t, 0.8, bot.Confidence, 1e-9)

	assert.Nil(t, wf.Record(d.ID), "workflow record removed after flush")
	assert.Equal(t, 1, store.saved, "responder persisted the dialog")
}

func TestSelectorPruning(t *testing.T) {
	wf := workflow.NewManager()
	store := newMemStore()
	hooks := state.New(store)

	skillConn := func(text string, conf float64) *funcConnector {
		return &funcConnector{fn: func(connector.Task) connector.Result {
			return connector.Ok([]any{map[string]any{"text": text, "confidence": conf}})
		}}
	}
	selector := &funcConnector{fn: func(connector.Task) connector.Result {
		return connector.Ok(map[string]any{"skill_names": []any{"skill_x", "skill_z"}})
	}}
	skillX, skillY, skillZ := skillConn("from x", 0.6), skillConn("from y", 0.9), skillConn("from z", 0.7)

	services := []*pipeline.Service{
		pipeline.NewService(pipeline.ServiceParams{
			Name: "selector", Tags: []pipeline.Tag{pipeline.TagSelector},
			Connector: selector, ResponseFormatter: formatters.SkillNames,
			Previous: []string{"input"},
		}),
		pipeline.NewService(pipeline.ServiceParams{
			Name: "skill_x", Connector: skillX, StateHook: hooks.AddHypothesis, Previous: []string{"selector"},
		}),
		pipeline.NewService(pipeline.ServiceParams{
			Name: "skill_y", Connector: skillY, StateHook: hooks.AddHypothesis, Previous: []string{"selector"},
		}),
		pipeline.NewService(pipeline.ServiceParams{
			Name: "skill_z", Connector: skillZ, StateHook: hooks.AddHypothesis, Previous: []string{"selector"},
		}),
		pipeline.NewService(pipeline.ServiceParams{
			Name: "resp_selector", Connector: connector.NewConfidenceResponseSelector(),
			StateHook: hooks.AddBotUtterance,
			Previous:  []string{"skill_x", "skill_y", "skill_z"},
		}),
	}
	f := build(t, wf, store, services, nil, nil)

	d := register(t, f, Message{
		Utterance: "pick", UserExternalID: "u-2", ChannelType: "http_client", RequireResponse: true,
	})

	assert.Equal(t, 1, skillX.sent())
	assert.Equal(t, 0, skillY.sent(), "pruned skill never dispatched")
	assert.Equal(t, 1, skillZ.sent())

	bot := d.Tail()
	require.Equal(t, dialog.KindBot, bot.Kind)
	assert.Equal(t, "from z", bot.Text, "highest confidence among kept skills wins")
}

func TestServiceFailureFallsBackToLastChance(t *testing.T) {
	wf := workflow.NewManager()
	store := newMemStore()
	hooks := state.New(store)

	failing := &funcConnector{fn: func(connector.Task) connector.Result {
		return connector.Fail(errors.New("status 500"))
	}}
	services := []*pipeline.Service{
		pipeline.NewService(pipeline.ServiceParams{
			Name: "skill_x", Connector: failing, StateHook: hooks.AddHypothesis, Previous: []string{"input"},
		}),
		pipeline.NewService(pipeline.ServiceParams{
			Name: "resp_selector", Connector: connector.NewConfidenceResponseSelector(),
			StateHook: hooks.AddBotUtterance, RequiredPrevious: []string{"skill_x"},
		}),
	}
	lastChance := pipeline.NewService(pipeline.ServiceParams{
		Name: "last_chance", Tags: []pipeline.Tag{pipeline.TagLastChance},
		Connector: connector.NewPredefinedText("sorry, something went wrong", nil),
		StateHook: hooks.AddBotUtteranceLastChance,
	})
	f := build(t, wf, store, services, lastChance, nil)

	d := register(t, f, Message{
		Utterance: "boom", UserExternalID: "u-3", ChannelType: "http_client", RequireResponse: true,
	})

	bot := d.Tail()
	require.Equal(t, dialog.KindBot, bot.Kind)
	assert.Equal(t, "sorry, something went wrong", bot.Text)
	assert.Equal(t, "last_chance", bot.ActiveSkill)
	assert.Zero(t, bot.Confidence)
	assert.Nil(t, wf.Record(d.ID))
	assert.Equal(t, 1, store.saved, "fallback turn is persisted")
}

func TestDeadlineCancelsAndRunsTimeoutService(t *testing.T) {
	wf := workflow.NewManager()
	store := newMemStore()
	hooks := state.New(store)

	slow := &stuckConnector{}
	services := []*pipeline.Service{
		pipeline.NewService(pipeline.ServiceParams{
			Name: "skill_slow", Connector: slow, StateHook: hooks.AddHypothesis, Previous: []string{"input"},
		}),
	}
	timeout := pipeline.NewService(pipeline.ServiceParams{
		Name: "timeout", Tags: []pipeline.Tag{pipeline.TagTimeout},
		Connector: connector.NewPredefinedText("let me think more on that", nil),
		StateHook: hooks.AddBotUtteranceLastChance,
	})
	f := build(t, wf, store, services, nil, timeout)

	start := time.Now()
	d := register(t, f, Message{
		Utterance: "ping", UserExternalID: "u-4", ChannelType: "http_client",
		RequireResponse: true, Deadline: time.Now().Add(150 * time.Millisecond),
	})

	assert.Less(t, time.Since(start), 2*time.Second)
	bot := d.Tail()
	require.Equal(t, dialog.KindBot, bot.Kind)
	assert.Equal(t, "let me think more on that", bot.Text)
	assert.Nil(t, wf.Record(d.ID))

	sendCtx := slow.sendCtx()
	require.NotNil(t, sendCtx)
	select {
	case <-sendCtx.Done():
	default:
		t.Fatal("in-flight task context not cancelled by the deadline")
	}
}

func TestSecondUtteranceWaitsForFirstFlush(t *testing.T) {
	wf := workflow.NewManager()
	store := newMemStore()
	hooks := state.New(store)

	gate := make(chan struct{})
	gated := &funcConnector{fn: func(connector.Task) connector.Result {
		<-gate
		return connector.Ok([]any{map[string]any{"text": "done", "confidence": 1.0}})
	}}
	services := []*pipeline.Service{
		pipeline.NewService(pipeline.ServiceParams{
			Name: "skill_gated", Connector: gated, StateHook: hooks.AddHypothesis, Previous: []string{"input"},
		}),
		pipeline.NewService(pipeline.ServiceParams{
			Name: "resp_selector", Connector: connector.NewConfidenceResponseSelector(),
			StateHook: hooks.AddBotUtterance, Previous: []string{"skill_gated"},
		}),
	}
	f := build(t, wf, store, services, nil, nil)

	msg := Message{UserExternalID: "u-5", ChannelType: "http_client", RequireResponse: true}

	results := make(chan error, 2)
	go func() {
		m := msg
		m.Utterance = "first"
		_, err := f.agent.RegisterMessage(context.Background(), m)
		results <- err
	}()

	// Wait for the first turn to reach the gated skill.
	require.Eventually(t, func() bool { return gated.sent() == 1 }, 2*time.Second, 10*time.Millisecond)

	go func() {
		m := msg
		m.Utterance = "second"
		_, err := f.agent.RegisterMessage(context.Background(), m)
		results <- err
	}()

	// The second utterance must not be appended while the first turn holds
	// the per-user lock.
	time.Sleep(100 * time.Millisecond)
	d, err := store.GetOrCreateDialog(context.Background(), "u-5", "http_client")
	require.NoError(t, err)
	assert.Len(t, d.Utterances, 1, "second utterance appended before first flush")

	close(gate)
	require.NoError(t, <-results)
	require.NoError(t, <-results)

	require.Len(t, d.Utterances, 4)
	assert.Equal(t, "first", d.Utterances[0].Text)
	assert.Equal(t, dialog.KindBot, d.Utterances[1].Kind)
	assert.Equal(t, "second", d.Utterances[2].Text)
	assert.Equal(t, dialog.KindBot, d.Utterances[3].Kind)
}

func TestDialogReset(t *testing.T) {
	wf := workflow.NewManager()
	store := newMemStore()
	hooks := state.New(store)

	skill := &funcConnector{fn: func(connector.Task) connector.Result {
		return connector.Ok([]any{map[string]any{"text": "ok", "confidence": 0.5}})
	}}
	services := []*pipeline.Service{
		pipeline.NewService(pipeline.ServiceParams{
			Name: "skill_x", Connector: skill, StateHook: hooks.AddHypothesis, Previous: []string{"input"},
		}),
		pipeline.NewService(pipeline.ServiceParams{
			Name: "resp_selector", Connector: connector.NewConfidenceResponseSelector(),
			StateHook: hooks.AddBotUtterance, Previous: []string{"skill_x"},
		}),
	}
	f := build(t, wf, store, services, nil, nil)

	msg := Message{Utterance: "hi", UserExternalID: "u-6", ChannelType: "http_client", RequireResponse: true}
	first := register(t, f, msg)

	msg.Utterance = "start over"
	msg.ResetDialog = true
	second := register(t, f, msg)

	assert.NotEqual(t, first.ID, second.ID, "reset opens a fresh dialog")
	require.Len(t, second.Utterances, 2)
	assert.Equal(t, "start over", second.Utterances[0].Text)
}

func TestRegisterWithoutResponseReturnsNil(t *testing.T) {
	wf := workflow.NewManager()
	store := newMemStore()
	hooks := state.New(store)

	skill := &funcConnector{fn: func(connector.Task) connector.Result {
		return connector.Ok([]any{map[string]any{"text": "ok", "confidence": 0.5}})
	}}
	services := []*pipeline.Service{
		pipeline.NewService(pipeline.ServiceParams{
			Name: "skill_x", Connector: skill, StateHook: hooks.AddHypothesis, Previous: []string{"input"},
		}),
		pipeline.NewService(pipeline.ServiceParams{
			Name: "resp_selector", Connector: connector.NewConfidenceResponseSelector(),
			StateHook: hooks.AddBotUtterance, Previous: []string{"skill_x"},
		}),
	}
	f := build(t, wf, store, services, nil, nil)

	d, err := f.agent.RegisterMessage(context.Background(), Message{
		Utterance: "fire and forget", UserExternalID: "u-7", ChannelType: "http_client",
	})
	require.NoError(t, err)
	assert.Nil(t, d)

	// The turn still completes and the record is flushed by the responder.
	require.Eventually(t, func() bool {
		stored, _ := store.GetOrCreateDialog(context.Background(), "u-7", "http_client")
		return len(stored.Utterances) == 2 && wf.Record(stored.ID) == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFireAndForgetSerializesPerUser(t *testing.T) {
	wf := workflow.NewManager()
	store := newMemStore()
	hooks := state.New(store)

	gate := make(chan struct{})
	gated := &funcConnector{fn: func(connector.Task) connector.Result {
		<-gate
		return connector.Ok([]any{map[string]any{"text": "done", "confidence": 1.0}})
	}}
	services := []*pipeline.Service{
		pipeline.NewService(pipeline.ServiceParams{
			Name: "skill_gated", Connector: gated, StateHook: hooks.AddHypothesis, Previous: []string{"input"},
		}),
		pipeline.NewService(pipeline.ServiceParams{
			Name: "resp_selector", Connector: connector.NewConfidenceResponseSelector(),
			StateHook: hooks.AddBotUtterance, Previous: []string{"skill_gated"},
		}),
	}
	f := build(t, wf, store, services, nil, nil)

	msg := Message{Utterance: "first", UserExternalID: "u-8", ChannelType: "http_client"}
	d, err := f.agent.RegisterMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Nil(t, d)

	// The first turn is parked on the gated skill with its record live.
	require.Eventually(t, func() bool { return gated.sent() == 1 }, 2*time.Second, 10*time.Millisecond)

	second := make(chan error, 1)
	go func() {
		m := msg
		m.Utterance = "second"
		_, err := f.agent.RegisterMessage(context.Background(), m)
		second <- err
	}()

	// A second fire-and-forget utterance queues behind the live record
	// rather than failing against it or interleaving with it.
	time.Sleep(100 * time.Millisecond)
	stored, err := store.GetOrCreateDialog(context.Background(), "u-8", "http_client")
	require.NoError(t, err)
	assert.Len(t, stored.Utterances, 1, "second utterance appended before first flush")

	close(gate)
	require.NoError(t, <-second)

	require.Eventually(t, func() bool {
		stored, _ = store.GetOrCreateDialog(context.Background(), "u-8", "http_client")
		return len(stored.Utterances) == 4 && wf.Record(stored.ID) == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "first", stored.Utterances[0].Text)
	assert.Equal(t, dialog.KindBot, stored.Utterances[1].Kind)
	assert.Equal(t, "second", stored.Utterances[2].Text)
	assert.Equal(t, dialog.KindBot, stored.Utterances[3].Kind)
}
