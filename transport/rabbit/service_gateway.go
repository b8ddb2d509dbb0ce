package rabbit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dialogstack/conductor/transport"
)

// ServiceCaller runs the hosted model over one batch of task payloads and
// returns exactly one result per payload, in order.
type ServiceCaller interface {
	Infer(ctx context.Context, payloads []map[string]any) ([]any, error)
}

// ServiceGateway hosts one remote service: it consumes the service queue,
// batches waiting tasks up to the configured size, runs the caller once
// per batch, and publishes each result back to the agent that sent the
// task. Tasks are acked only after their response is published; a failed
// batch is requeued for another instance.
type ServiceGateway struct {
	conn         broker
	serviceName  string
	instanceID   string
	caller       ServiceCaller
	batchSize    int
	inferTimeout time.Duration
}

func NewServiceGateway(conn *Conn, serviceName string, caller ServiceCaller, batchSize int, inferTimeout time.Duration) *ServiceGateway {
	if batchSize < 1 {
		batchSize = 1
	}
	return &ServiceGateway{
		conn:         conn,
		serviceName:  serviceName,
		instanceID:   uuid.NewString(),
		caller:       caller,
		batchSize:    batchSize,
		inferTimeout: inferTimeout,
	}
}

func (g *ServiceGateway) InstanceID() string { return g.instanceID }

// Run consumes and serves batches until ctx is cancelled. The prefetch
// window is twice the batch size so the next batch is already buffered
// while the current one infers.
func (g *ServiceGateway) Run(ctx context.Context) error {
	ns := g.conn.Namespace()
	queue := serviceQueue(ns, g.serviceName)
	bindings := []binding{
		{exchange: outExchange(ns), key: serviceAnyKey(g.serviceName)},
		{exchange: outExchange(ns), key: serviceInstanceKey(g.serviceName, g.instanceID)},
	}

	for {
		deliveries, err := g.conn.consume(queue, bindings, 2*g.batchSize)
		if err != nil {
			slog.Warn("rabbit: service consume failed",
				slog.String("service", g.serviceName), slog.Any("err", err))
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

func (g *ServiceGateway) serve(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		batch, open := g.collect(ctx, deliveries)
		if len(batch) > 0 {
			g.flush(ctx, batch)
		}
		if !open || ctx.Err() != nil {
			return
		}
	}
}

// collect blocks for the first task, then drains whatever is already
// buffered up to the batch size. Undecodable messages are rejected here.
func (g *ServiceGateway) collect(ctx context.Context, deliveries <-chan amqp.Delivery) ([]pending, bool) {
	var batch []pending
	for len(batch) < g.batchSize {
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return batch, false
			case d, ok := <-deliveries:
				if !ok {
					return batch, false
				}
				batch = appendTask(batch, d)
			}
			continue
		}
		select {
		case d, ok := <-deliveries:
			if !ok {
				return batch, false
			}
			batch = appendTask(batch, d)
		default:
			return batch, true
		}
	}
	return batch, true
}

type pending struct {
	delivery amqp.Delivery
	task     *transport.ServiceTask
}

func appendTask(batch []pending, d amqp.Delivery) []pending {
	env, err := transport.Decode(d.Body)
	if err != nil {
		slog.Warn("rabbit: rejecting malformed service task", slog.Any("err", err))
		_ = d.Reject(false)
		return batch
	}
	task, ok := env.(*transport.ServiceTask)
	if !ok {
		slog.Warn("rabbit: unexpected message on service queue")
		_ = d.Reject(false)
		return batch
	}
	return append(batch, pending{delivery: d, task: task})
}

func (g *ServiceGateway) flush(ctx context.Context, batch []pending) {
	inferCtx := ctx
	if g.inferTimeout > 0 {
		var cancel context.CancelFunc
		inferCtx, cancel = context.WithTimeout(ctx, g.inferTimeout)
		defer cancel()
	}

	payloads := make([]map[string]any, len(batch))
	for i, p := range batch {
		payloads[i] = p.task.Payload
	}
	results, err := g.caller.Infer(inferCtx, payloads)
	if err == nil && len(results) != len(batch) {
		err = errors.Errorf("inference returned %d results for %d tasks", len(results), len(batch))
	}
	if err != nil {
		slog.Warn("rabbit: inference failed, requeueing batch",
			slog.String("service", g.serviceName), slog.Int("batch", len(batch)), slog.Any("err", err))
		for _, p := range batch {
			_ = p.delivery.Nack(false, true)
		}
		return
	}

	for i, p := range batch {
		body, err := transport.Encode(&transport.ServiceResponse{
			AgentName:         p.task.AgentName,
			ServiceName:       g.serviceName,
			ServiceInstanceID: g.instanceID,
			TaskUUID:          p.task.TaskUUID,
			Response:          results[i],
		})
		if err == nil {
			ns := g.conn.Namespace()
			err = g.conn.publish(ctx, inExchange(ns), agentRoutingKey(p.task.AgentName), body, 0)
		}
		if err != nil {
			slog.Warn("rabbit: failed to publish service response",
				slog.String("service", g.serviceName), slog.String("task", p.task.TaskUUID), slog.Any("err", err))
			_ = p.delivery.Nack(false, true)
			continue
		}
		_ = p.delivery.Ack(false)
	}
}
