package rabbit

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dialogstack/conductor/transport"
)

// ChannelGateway bridges one chat frontend to the agent over the broker:
// user utterances go out as from_channel envelopes, bot replies come back
// through the channel queue.
type ChannelGateway struct {
	conn      broker
	agentName string
	channelID string
}

func NewChannelGateway(conn *Conn, agentName, channelID string) *ChannelGateway {
	return &ChannelGateway{conn: conn, agentName: agentName, channelID: channelID}
}

// SendUtterance publishes one user utterance toward the agent. deadline
// zero means the agent applies its own response budget.
func (g *ChannelGateway) SendUtterance(ctx context.Context, userID, utterance string, reset bool, deadline time.Time) error {
	env := &transport.FromChannel{
		AgentName:   g.agentName,
		ChannelID:   g.channelID,
		UserID:      userID,
		Utterance:   utterance,
		ResetDialog: reset,
	}
	if !deadline.IsZero() {
		env.DeadlineTimestamp = float64(deadline.UnixNano()) / float64(time.Second)
	}
	body, err := transport.Encode(env)
	if err != nil {
		return err
	}
	ns := g.conn.Namespace()
	return g.conn.publish(ctx, inExchange(ns), agentRoutingKey(g.agentName), body, 0)
}

// Run consumes bot replies until ctx is cancelled, handing each to
// deliver. deliver failures are logged, not retried; the frontend owns
// its own delivery semantics.
func (g *ChannelGateway) Run(ctx context.Context, deliver func(userID, response string) error) error {
	ns := g.conn.Namespace()
	queue := channelQueue(ns, g.agentName, g.channelID)
	bindings := []binding{{exchange: outExchange(ns), key: channelAnyKey(g.agentName, g.channelID)}}

	for {
		deliveries, err := g.conn.consume(queue, bindings, 0)
		if err != nil {
			slog.Warn("rabbit: channel consume failed",
				slog.String("channel", g.channelID), slog.Any("err", err))
		} else {
			g.serve(ctx, deliveries, deliver)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := g.conn.redial(ctx); err != nil {
			return err
		}
	}
}

func (g *ChannelGateway) serve(ctx context.Context, deliveries <-chan amqp.Delivery, deliver func(userID, response string) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			env, err := transport.Decode(d.Body)
			if err != nil {
				slog.Warn("rabbit: rejecting malformed channel message", slog.Any("err", err))
				_ = d.Reject(false)
				continue
			}
			m, ok := env.(*transport.ToChannel)
			if !ok {
				slog.Warn("rabbit: unexpected message on channel queue")
				_ = d.Reject(false)
				continue
			}
			_ = d.Ack(false)
			if err := deliver(m.UserID, m.Response); err != nil {
				slog.Error("rabbit: channel delivery failed",
					slog.String("channel", g.channelID), slog.String("user", m.UserID), slog.Any("err", err))
			}
		}
	}
}
