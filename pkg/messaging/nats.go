package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Client wraps the NATS connection shared by the control, scheduler and
// gateway services. Durable subjects (gate commands, acks) go through
// JetStream; telemetry and state broadcasts use core NATS.
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext

	mu   sync.RWMutex
	subs map[string]*nats.Subscription

	reconnects int
	connected  bool
}

// Config holds NATS connection configuration.
type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NewClient connects to NATS and initializes a JetStream context.
func NewClient(cfg Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	c := &Client{
		conn:      conn,
		js:        js,
		subs:      make(map[string]*nats.Subscription),
		connected: true,
	}

	conn.SetReconnectHandler(func(nc *nats.Conn) {
		c.mu.Lock()
		c.reconnects++
		c.connected = true
		c.mu.Unlock()
	})
	conn.SetDisconnectErrHandler(func(nc *nats.Conn, err error) {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	})

	return c, nil
}

// Connected reports whether the underlying connection is currently up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Publish marshals data as JSON and publishes it on subject.
func (c *Client) Publish(ctx context.Context, subject string, data interface{}) error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

// PublishDurable publishes through JetStream so gate commands survive a
// broker restart.
func (c *Client) PublishDurable(ctx context.Context, subject string, data interface{}) error {
	if c.js == nil {
		return fmt.Errorf("JetStream not available")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	_, err = c.js.Publish(subject, payload, nats.Context(ctx))
	return err
}

// Subscribe registers a handler for a subject.
func (c *Client) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[subject]; exists {
		return fmt.Errorf("already subscribed to %s", subject)
	}
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	c.subs[subject] = sub
	return nil
}

// QueueSubscribe registers a handler in a queue group so only one instance
// of a horizontally scaled service consumes each message.
func (c *Client) QueueSubscribe(subject, queue string, handler func(msg *nats.Msg)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := subject + ":" + queue
	if _, exists := c.subs[key]; exists {
		return fmt.Errorf("already subscribed to %s with queue %s", subject, queue)
	}
	sub, err := c.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return fmt.Errorf("failed to queue subscribe: %w", err)
	}
	c.subs[key] = sub
	return nil
}

// Request performs a request-reply, honoring ctx cancellation.
func (c *Client) Request(ctx context.Context, subject string, data interface{}) (*nats.Msg, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}
	return c.conn.RequestWithContext(ctx, subject, payload)
}

// CreateStream creates a JetStream stream for durable subjects.
func (c *Client) CreateStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	if c.js == nil {
		return nil, fmt.Errorf("JetStream not available")
	}
	info, err := c.js.AddStream(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}
	return info, nil
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(subject string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, exists := c.subs[subject]
	if !exists {
		return fmt.Errorf("not subscribed to %s", subject)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	delete(c.subs, subject)
	return nil
}

// Close drains all subscriptions and closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = make(map[string]*nats.Subscription)
	if c.conn != nil {
		c.conn.Close()
	}
}
