package rabbit

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialogstack/conductor/agent"
	"github.com/dialogstack/conductor/agent/connector"
	"github.com/dialogstack/conductor/dialog"
	"github.com/dialogstack/conductor/transport"
)

type published struct {
	exchange   string
	key        string
	body       []byte
	expiration time.Duration
}

// fakeBroker satisfies the broker interface with an in-memory delivery
// channel and a publish log.
type fakeBroker struct {
	mu         sync.Mutex
	log        []published
	deliveries chan amqp.Delivery
}

func newFakeBroker(buffer int) *fakeBroker {
	return &fakeBroker{deliveries: make(chan amqp.Delivery, buffer)}
}

func (f *fakeBroker) Namespace() string { return "test" }

func (f *fakeBroker) publish(_ context.Context, exchange, key string, body []byte, expiration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, published{exchange: exchange, key: key, body: body, expiration: expiration})
	return nil
}

func (f *fakeBroker) consume(string, []binding, int) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeBroker) redial(ctx context.Context) error { return ctx.Err() }

func (f *fakeBroker) publishedMessages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.log...)
}

// fakeAck records how each delivery was settled.
type fakeAck struct {
	mu       sync.Mutex
	acked    []uint64
	requeued []uint64
	rejected []uint64
}

func (a *fakeAck) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAck) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requeue {
		a.requeued = append(a.requeued, tag)
	} else {
		a.rejected = append(a.rejected, tag)
	}
	return nil
}

func (a *fakeAck) Reject(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejected = append(a.rejected, tag)
	return nil
}

type fakeAgent struct {
	mu         sync.Mutex
	processed  map[string]any
	registered []agent.Message
	reply      *dialog.Dialog
}

func (f *fakeAgent) Name() string { return "main" }

func (f *fakeAgent) Process(_ context.Context, taskID string, result connector.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.processed == nil {
		f.processed = map[string]any{}
	}
	f.processed[taskID] = result.Response
}

func (f *fakeAgent) RegisterMessage(_ context.Context, msg agent.Message) (*dialog.Dialog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, msg)
	return f.reply, nil
}

func taskDelivery(t *testing.T, ack amqp.Acknowledger, tag uint64, taskUUID, text string) amqp.Delivery {
	t.Helper()
	body, err := transport.Encode(&transport.ServiceTask{
		AgentName:   "main",
		ServiceName: "ner",
		TaskUUID:    taskUUID,
		Payload:     map[string]any{"text": text},
	})
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: body}
}

type echoCaller struct {
	mu      sync.Mutex
	batches [][]map[string]any
}

func (c *echoCaller) Infer(_ context.Context, payloads []map[string]any) ([]any, error) {
	c.mu.Lock()
	c.batches = append(c.batches, payloads)
	c.mu.Unlock()
	results := make([]any, len(payloads))
	for i, p := range payloads {
		results[i] = map[string]any{"echo": p["text"]}
	}
	return results, nil
}

func TestServiceGatewayBatchesAndResponds(t *testing.T) {
	fb := newFakeBroker(8)
	ack := &fakeAck{}
	caller := &echoCaller{}
	g := &ServiceGateway{conn: fb, serviceName: "ner", instanceID: "i-1", caller: caller, batchSize: 2}

	fb.deliveries <- taskDelivery(t, ack, 1, "t1", "one")
	fb.deliveries <- taskDelivery(t, ack, 2, "t2", "two")
	fb.deliveries <- taskDelivery(t, ack, 3, "t3", "three")
	close(fb.deliveries)

	g.serve(context.Background(), fb.deliveries)

	// Two batches: a full one and the remainder.
	require.Len(t, caller.batches, 2)
	assert.Len(t, caller.batches[0], 2)
	assert.Len(t, caller.batches[1], 1)

	msgs := fb.publishedMessages()
	require.Len(t, msgs, 3)
	for i, want := range []string{"t1", "t2", "t3"} {
		assert.Equal(t, "test_e_in", msgs[i].exchange)
		assert.Equal(t, "agent.main", msgs[i].key)
		env, err := transport.Decode(msgs[i].body)
		require.NoError(t, err)
		resp, ok := env.(*transport.ServiceResponse)
		require.True(t, ok)
		assert.Equal(t, want, resp.TaskUUID)
		assert.Equal(t, "i-1", resp.ServiceInstanceID)
	}
	assert.ElementsMatch(t, []uint64{1, 2, 3}, ack.acked)
	assert.Empty(t, ack.requeued)
}

type failingCaller struct{}

func (failingCaller) Infer(context.Context, []map[string]any) ([]any, error) {
	return nil, context.DeadlineExceeded
}

func TestServiceGatewayRequeuesFailedBatch(t *testing.T) {
	fb := newFakeBroker(4)
	ack := &fakeAck{}
	g := &ServiceGateway{conn: fb, serviceName: "ner", instanceID: "i-1", caller: failingCaller{}, batchSize: 4}

	fb.deliveries <- taskDelivery(t, ack, 1, "t1", "one")
	fb.deliveries <- taskDelivery(t, ack, 2, "t2", "two")
	close(fb.deliveries)

	g.serve(context.Background(), fb.deliveries)

	assert.Empty(t, ack.acked)
	assert.ElementsMatch(t, []uint64{1, 2}, ack.requeued)
	assert.Empty(t, fb.publishedMessages())
}

func TestServiceGatewayRejectsMalformedTask(t *testing.T) {
	fb := newFakeBroker(2)
	ack := &fakeAck{}
	g := &ServiceGateway{conn: fb, serviceName: "ner", instanceID: "i-1", caller: &echoCaller{}, batchSize: 2}

	fb.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 9, Body: []byte("not json")}
	close(fb.deliveries)

	g.serve(context.Background(), fb.deliveries)

	assert.ElementsMatch(t, []uint64{9}, ack.rejected)
}

func TestAgentGatewayRoutesServiceResponse(t *testing.T) {
	fb := newFakeBroker(2)
	ack := &fakeAck{}
	fa := &fakeAgent{}
	g := &AgentGateway{conn: fb, agent: fa, responseTimeout: time.Second}

	body, err := transport.Encode(&transport.ServiceResponse{
		AgentName: "main", ServiceName: "ner", TaskUUID: "t42",
		Response: map[string]any{"tokens": []any{"a"}},
	})
	require.NoError(t, err)
	g.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body})

	fa.mu.Lock()
	defer fa.mu.Unlock()
	require.Contains(t, fa.processed, "t42")
	assert.ElementsMatch(t, []uint64{1}, ack.acked)
}

func TestAgentGatewayServesChannelUtterance(t *testing.T) {
	fb := newFakeBroker(2)
	ack := &fakeAck{}
	reply := dialog.New("u-7", "telegram")
	reply.AppendHuman("hi", time.Now().UTC(), nil)
	reply.AppendBot("hello back", "hello back", "chitchat", 0.9, time.Now().UTC(), nil, nil)
	fa := &fakeAgent{reply: reply}
	g := &AgentGateway{conn: fb, agent: fa, responseTimeout: time.Second}

	body, err := transport.Encode(&transport.FromChannel{
		AgentName: "main", ChannelID: "telegram", UserID: "u-7", Utterance: "hi",
	})
	require.NoError(t, err)
	g.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body})

	require.Eventually(t, func() bool {
		return len(fb.publishedMessages()) == 1
	}, time.Second, 10*time.Millisecond)

	fa.mu.Lock()
	require.Len(t, fa.registered, 1)
	msg := fa.registered[0]
	fa.mu.Unlock()
	assert.True(t, msg.RequireResponse)
	assert.Equal(t, "telegram", msg.ChannelType)
	assert.False(t, msg.Deadline.IsZero())

	out := fb.publishedMessages()[0]
	assert.Equal(t, "test_e_out", out.exchange)
	assert.Equal(t, "agent.main.channel.telegram.any", out.key)
	env, err := transport.Decode(out.body)
	require.NoError(t, err)
	toCh, ok := env.(*transport.ToChannel)
	require.True(t, ok)
	assert.Equal(t, "hello back", toCh.Response)
}

func TestAgentGatewayFireAndForgetUtterance(t *testing.T) {
	fb := newFakeBroker(1)
	ack := &fakeAck{}
	fa := &fakeAgent{}
	g := &AgentGateway{conn: fb, agent: fa, responseTimeout: time.Second}

	noReply := false
	body, err := transport.Encode(&transport.FromChannel{
		AgentName: "main", ChannelID: "telegram", UserID: "u-7", Utterance: "noted",
		RequireResponse: &noReply,
	})
	require.NoError(t, err)
	g.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body})

	require.Eventually(t, func() bool {
		fa.mu.Lock()
		defer fa.mu.Unlock()
		return len(fa.registered) == 1
	}, time.Second, 10*time.Millisecond)

	fa.mu.Lock()
	msg := fa.registered[0]
	fa.mu.Unlock()
	assert.False(t, msg.RequireResponse)

	// No reply goes back to the channel.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, fb.publishedMessages())
}

func TestAgentGatewayPublishServiceTask(t *testing.T) {
	fb := newFakeBroker(1)
	fa := &fakeAgent{}
	g := &AgentGateway{conn: fb, agent: fa, responseTimeout: 4 * time.Second}

	err := g.PublishServiceTask(context.Background(), "ner", "t-1", map[string]any{"text": "hi"})
	require.NoError(t, err)

	msgs := fb.publishedMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "test_e_out", msgs[0].exchange)
	assert.Equal(t, "service.ner.any", msgs[0].key)
	assert.Equal(t, 4*time.Second, msgs[0].expiration)

	env, err := transport.Decode(msgs[0].body)
	require.NoError(t, err)
	task, ok := env.(*transport.ServiceTask)
	require.True(t, ok)
	assert.Equal(t, "main", task.AgentName)
	assert.Equal(t, "t-1", task.TaskUUID)

	err = g.PublishServiceTask(context.Background(), "ner", "t-2", "not an object")
	require.Error(t, err)
}

func TestChannelGatewaySendAndReceive(t *testing.T) {
	fb := newFakeBroker(2)
	g := &ChannelGateway{conn: fb, agentName: "main", channelID: "telegram"}

	deadline := time.Now().Add(3 * time.Second)
	require.NoError(t, g.SendUtterance(context.Background(), "u-1", "hello", true, deadline))

	msgs := fb.publishedMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "test_e_in", msgs[0].exchange)
	assert.Equal(t, "agent.main", msgs[0].key)
	env, err := transport.Decode(msgs[0].body)
	require.NoError(t, err)
	from, ok := env.(*transport.FromChannel)
	require.True(t, ok)
	assert.True(t, from.ResetDialog)
	assert.InDelta(t, float64(deadline.UnixNano())/float64(time.Second), from.DeadlineTimestamp, 0.001)

	ack := &fakeAck{}
	body, err := transport.Encode(&transport.ToChannel{
		AgentName: "main", ChannelID: "telegram", UserID: "u-1", Response: "hi there",
	})
	require.NoError(t, err)
	fb.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 5, Body: body}
	close(fb.deliveries)

	var got []string
	g.serve(context.Background(), fb.deliveries, func(userID, response string) error {
		got = append(got, userID+":"+response)
		return nil
	})
	assert.Equal(t, []string{"u-1:hi there"}, got)
	assert.ElementsMatch(t, []uint64{5}, ack.acked)
}
