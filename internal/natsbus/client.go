package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

type Client struct {
	conn *nats.Conn
}

func NewClient(bus *Bus) (*Client, error) {
	return NewClientFromURL(bus.ClientURL())
}

func NewClientFromURL(url string) (*Client, error) {
	conn, err := nats.Connect(url, nats.Name("swarmer"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Publish(topic string, data []byte) error {
	return c.conn.Publish(topic, data)
}

func (c *Client) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.Publish(topic, data)
}

func (c *Client) Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, handler)
}

// QueueSubscribe delivers each message to one member of the queue group.
func (c *Client) QueueSubscribe(topic, queue string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.QueueSubscribe(topic, queue, handler)
}

func (c *Client) Request(topic string, data []byte, timeout time.Duration) (*nats.Msg, error) {
	return c.conn.Request(topic, data, timeout)
}

// RequestContext waits for a reply until ctx is done. ctx must carry a deadline
// or be cancellable.
func (c *Client) RequestContext(ctx context.Context, topic string, data []byte) (*nats.Msg, error) {
	return c.conn.RequestWithContext(ctx, topic, data)
}

func (c *Client) Flush() error {
	return c.conn.Flush()
}

func (c *Client) Close() {
	c.conn.Close()
}
