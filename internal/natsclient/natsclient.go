// Package natsclient wraps the NATS connection used for notification events.
package natsclient

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Client is a thin wrapper over a NATS connection.
type Client struct {
	conn *nats.Conn
}

// Connect dials the NATS server.
func Connect(url string) (*Client, error) {
	conn, err := nats.Connect(url,
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Publish sends data to a subject, honoring context cancellation before the
// write is handed to the connection.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return c.conn.Publish(subject, data)
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if c.conn != nil {
		_ = c.conn.Drain()
	}
}
