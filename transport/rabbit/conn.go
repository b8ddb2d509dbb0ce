package rabbit

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// redialDelay is the pause between broker connection attempts.
const redialDelay = 5 * time.Second

// Conn wraps one AMQP connection with the namespace topology and a
// publisher channel. Consumers open their own channels via consume.
type Conn struct {
	url       string
	namespace string

	mu   sync.Mutex
	conn *amqp.Connection
	pub  *amqp.Channel
}

// Dial connects to the broker, retrying every few seconds until it
// succeeds or ctx is cancelled, then declares the namespace exchanges.
func Dial(ctx context.Context, url, namespace string) (*Conn, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	c := &Conn{url: url, namespace: namespace}
	if err := c.redial(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) Namespace() string { return c.namespace }

// redial establishes a fresh connection and publisher channel. Safe to
// call after a broker outage; the stale connection is discarded.
func (c *Conn) redial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}

	for {
		conn, err := amqp.Dial(c.url)
		if err == nil {
			ch, err := conn.Channel()
			if err == nil {
				if err = declareExchanges(ch, c.namespace); err == nil {
					c.conn, c.pub = conn, ch
					slog.Info("rabbit: connected", slog.String("namespace", c.namespace))
					return nil
				}
				ch.Close()
			}
			conn.Close()
		}
		slog.Warn("rabbit: connection failed, retrying",
			slog.String("url", c.url), slog.Any("err", err))
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "gave up connecting to broker")
		case <-time.After(redialDelay):
		}
	}
}

func declareExchanges(ch *amqp.Channel, ns string) error {
	for _, name := range []string{inExchange(ns), outExchange(ns)} {
		if err := ch.ExchangeDeclare(name, "topic", true, false, false, false, nil); err != nil {
			return errors.Wrapf(err, "failed to declare exchange %s", name)
		}
	}
	return nil
}

// publish sends one persistent message. An expiration above zero becomes
// the broker-side TTL, so a task nobody consumes before its deadline is
// dropped rather than processed late.
func (c *Conn) publish(ctx context.Context, exchange, key string, body []byte, expiration time.Duration) error {
	c.mu.Lock()
	pub := c.pub
	c.mu.Unlock()
	if pub == nil {
		return errors.New("not connected to broker")
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}
	if expiration > 0 {
		msg.Expiration = strconv.FormatInt(expiration.Milliseconds(), 10)
	}
	if err := pub.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return errors.Wrapf(err, "failed to publish to %s with key %s", exchange, key)
	}
	return nil
}

// binding ties a queue to an exchange routing key.
type binding struct {
	exchange string
	key      string
}

// consume declares a durable queue, binds it, and starts delivering with
// manual acks. The returned channel closes when the underlying AMQP
// channel dies; callers are expected to redial and consume again.
func (c *Conn) consume(queue string, bindings []binding, prefetch int) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return nil, errors.New("not connected to broker")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open channel")
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			return nil, errors.Wrap(err, "failed to set qos")
		}
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, errors.Wrapf(err, "failed to declare queue %s", queue)
	}
	for _, b := range bindings {
		if err := ch.QueueBind(queue, b.key, b.exchange, false, nil); err != nil {
			ch.Close()
			return nil, errors.Wrapf(err, "failed to bind %s to %s with key %s", queue, b.exchange, b.key)
		}
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, errors.Wrapf(err, "failed to consume from %s", queue)
	}
	return deliveries, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pub != nil {
		c.pub.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
