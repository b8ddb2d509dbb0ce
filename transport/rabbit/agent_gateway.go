package rabbit

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dialogstack/conductor/agent"
	"github.com/dialogstack/conductor/agent/connector"
	"github.com/dialogstack/conductor/dialog"
	"github.com/dialogstack/conductor/transport"
)

// broker is the slice of Conn the gateways use; tests substitute a fake.
type broker interface {
	Namespace() string
	publish(ctx context.Context, exchange, key string, body []byte, expiration time.Duration) error
	consume(queue string, bindings []binding, prefetch int) (<-chan amqp.Delivery, error)
	redial(ctx context.Context) error
}

// orchestrator is the agent surface the gateway drives.
type orchestrator interface {
	Name() string
	Process(ctx context.Context, taskID string, result connector.Result)
	RegisterMessage(ctx context.Context, msg agent.Message) (*dialog.Dialog, error)
}

// AgentGateway is the broker ingress and egress of an agent process: it
// consumes the agent queue, feeding service responses into the scheduler
// and channel utterances into the dialog loop, and it publishes service
// tasks and channel replies.
type AgentGateway struct {
	conn            broker
	agent           orchestrator
	responseTimeout time.Duration
}

func NewAgentGateway(conn *Conn, ag *agent.Agent, responseTimeout time.Duration) *AgentGateway {
	return &AgentGateway{conn: conn, agent: ag, responseTimeout: responseTimeout}
}

// PublishServiceTask ships one task toward any instance of the service.
// It is the publish function behind every amqp connector, so the message
// expires on the broker once the turn deadline has surely passed.
func (g *AgentGateway) PublishServiceTask(ctx context.Context, serviceName, taskID string, payload any) error {
	state, ok := payload.(map[string]any)
	if !ok {
		return errors.Errorf("service task payload must be an object, got %T", payload)
	}
	body, err := transport.Encode(&transport.ServiceTask{
		AgentName:   g.agent.Name(),
		ServiceName: serviceName,
		TaskUUID:    taskID,
		Payload:     state,
	})
	if err != nil {
		return err
	}
	ns := g.conn.Namespace()
	return g.conn.publish(ctx, outExchange(ns), serviceAnyKey(serviceName), body, g.responseTimeout)
}

// SendToChannel delivers a bot reply to the channel gateway serving the
// user.
func (g *AgentGateway) SendToChannel(ctx context.Context, channelID, userID, response string) error {
	body, err := transport.Encode(&transport.ToChannel{
		AgentName: g.agent.Name(),
		ChannelID: channelID,
		UserID:    userID,
		Response:  response,
	})
	if err != nil {
		return err
	}
	ns := g.conn.Namespace()
	return g.conn.publish(ctx, outExchange(ns), channelAnyKey(g.agent.Name(), channelID), body, 0)
}

// Run consumes the agent queue until ctx is cancelled, redialing the
// broker whenever the consume channel dies.
func (g *AgentGateway) Run(ctx context.Context) error {
	ns := g.conn.Namespace()
	queue := agentQueue(ns, g.agent.Name())
	bindings := []binding{{exchange: inExchange(ns), key: agentRoutingKey(g.agent.Name())}}

	for {
		deliveries, err := g.conn.consume(queue, bindings, 0)
		if err != nil {
			slog.Warn("rabbit: agent consume failed", slog.Any("err", err))
		} else {
			g.serve(ctx, deliveries)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := g.conn.redial(ctx); err != nil {
			return err
		}
	}
}

func (g *AgentGateway) serve(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				slog.Warn("rabbit: agent delivery channel closed")
				return
			}
			g.handle(ctx, d)
		}
	}
}

func (g *AgentGateway) handle(ctx context.Context, d amqp.Delivery) {
	env, err := transport.Decode(d.Body)
	if err != nil {
		slog.Warn("rabbit: rejecting malformed message", slog.Any("err", err))
		_ = d.Reject(false)
		return
	}
	switch m := env.(type) {
	case *transport.ServiceResponse:
		_ = d.Ack(false)
		g.agent.Process(ctx, m.TaskUUID, connector.Ok(m.Response))
	case *transport.FromChannel:
		_ = d.Ack(false)
		// Each utterance gets its own turn goroutine; the reply flows back
		// once the agent's response latch fires.
		go g.serveUtterance(ctx, m)
	default:
		slog.Warn("rabbit: unexpected message on agent queue", slog.String("type", string(d.Type)))
		_ = d.Reject(false)
	}
}

func (g *AgentGateway) serveUtterance(ctx context.Context, m *transport.FromChannel) {
	deadline := time.Now().Add(g.responseTimeout)
	if m.DeadlineTimestamp > 0 {
		sec := int64(m.DeadlineTimestamp)
		nsec := int64((m.DeadlineTimestamp - float64(sec)) * float64(time.Second))
		deadline = time.Unix(sec, nsec)
	}
	replied, err := g.agent.RegisterMessage(ctx, agent.Message{
		Utterance:       m.Utterance,
		UserExternalID:  m.UserID,
		ChannelType:     m.ChannelID,
		ResetDialog:     m.ResetDialog,
		RequireResponse: m.WantsResponse(),
		Deadline:        deadline,
		Attrs:           m.Attrs,
	})
	if err != nil {
		slog.Error("rabbit: failed to register channel utterance",
			slog.String("channel", m.ChannelID), slog.String("user", m.UserID), slog.Any("err", err))
		return
	}
	if !m.WantsResponse() {
		return
	}
	response := ""
	if tail := replied.Tail(); tail != nil && tail.Kind == dialog.KindBot {
		response = tail.Text
	}
	if err := g.SendToChannel(ctx, m.ChannelID, m.UserID, response); err != nil {
		slog.Error("rabbit: failed to deliver reply",
			slog.String("channel", m.ChannelID), slog.String("user", m.UserID), slog.Any("err", err))
	}
}
