package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"statguard/internal/eventbus"
)

const publishTimeout = 5 * time.Second

// Client publishes and consumes accepted transitions over RabbitMQ. It
// implements eventbus.Publisher and eventbus.Subscriber.
type Client struct {
	conn         *amqp091.Connection
	channel      *amqp091.Channel
	exchangeName string
	queueName    string

	mu sync.Mutex // guards channel use across publishers
}

var (
	_ eventbus.Publisher  = (*Client)(nil)
	_ eventbus.Subscriber = (*Client)(nil)
)

func NewClient(url, exchangeName, queueName string) (*Client, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	client := &Client{
		conn:         conn,
		channel:      channel,
		exchangeName: exchangeName,
		queueName:    queueName,
	}

	if err := client.setup(); err != nil {
		client.Close()
		return nil, fmt.Errorf("setup exchange and queue: %w", err)
	}

	return client, nil
}

func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.exchangeName, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	_, err = c.channel.QueueDeclare(
		c.queueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	err = c.channel.QueueBind(
		c.queueName,    // queue name
		c.queueName,    // routing key (same as queue name for direct exchange)
		c.exchangeName, // exchange
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	// One unacknowledged transition at a time keeps passes ordered.
	if err := c.channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	return nil
}

// Publish implements eventbus.Publisher
func (c *Client) Publish(ctx context.Context, t eventbus.Transition) error {
	body, err := NewTransitionMessage(t).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	c.mu.Lock()
	err = c.channel.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		c.queueName,    // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    t.ID,
			Type:         eventbus.EventTransitionAccepted,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	slog.InfoContext(ctx, "Published transition message",
		"transition_id", t.ID,
		"exchange", c.exchangeName,
		"queue", c.queueName)

	return nil
}

// Subscribe implements eventbus.Subscriber. Deliveries are handled one at a
// time on a dedicated goroutine until the subscription is removed or ctx
// ends.
func (c *Client) Subscribe(ctx context.Context, h eventbus.Handler) (eventbus.Subscription, error) {
	if h == nil {
		return nil, errors.New("nil transition handler")
	}
	tag := "statguard-" + uuid.NewString()

	c.mu.Lock()
	msgs, err := c.channel.Consume(
		c.queueName, // queue
		tag,         // consumer
		false,       // auto-ack (we want manual ack)
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("start consuming: %w", err)
	}

	slog.InfoContext(ctx, "Started consuming transition messages", "queue", c.queueName, "consumer", tag)

	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{client: c, tag: tag, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		consume(ctx, msgs, h)
	}()
	return sub, nil
}

func consume(ctx context.Context, msgs <-chan amqp091.Delivery, h eventbus.Handler) {
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Stopping message consumption", "reason", ctx.Err())
			return
		case delivery, ok := <-msgs:
			if !ok {
				slog.InfoContext(ctx, "Delivery channel closed")
				return
			}
			handleDelivery(ctx, delivery, h)
		}
	}
}

// handleDelivery acks on success, requeues on handler failure and drops
// messages that cannot be decoded.
func handleDelivery(ctx context.Context, delivery amqp091.Delivery, h eventbus.Handler) {
	msg, err := TransitionMessageFromJSON(delivery.Body)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to unmarshal message", "error", err)
		_ = delivery.Nack(false, false)
		return
	}

	slog.InfoContext(ctx, "Processing transition message", "transition_id", msg.ID)

	if err := h(ctx, msg.Transition()); err != nil {
		slog.ErrorContext(ctx, "Failed to handle message",
			"error", err,
			"transition_id", msg.ID)
		_ = delivery.Nack(false, true)
		return
	}

	_ = delivery.Ack(false)
	slog.InfoContext(ctx, "Successfully processed transition message", "transition_id", msg.ID)
}

type subscription struct {
	client *Client
	tag    string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.client.mu.Lock()
		if s.client.channel != nil && !s.client.channel.IsClosed() {
			s.err = s.client.channel.Cancel(s.tag, false)
		}
		s.client.mu.Unlock()
		s.cancel()
		<-s.done
	})
	if s.err != nil {
		return fmt.Errorf("cancel consumer %s: %w", s.tag, s.err)
	}
	return nil
}

// Ping reports whether the broker connection is still open.
func (c *Client) Ping() error {
	if c.conn == nil || c.conn.IsClosed() {
		return errors.New("amqp connection closed")
	}
	return nil
}

func (c *Client) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
