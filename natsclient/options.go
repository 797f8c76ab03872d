package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/pointflow/metric"
)

// ClientOption is a functional option for configuring the Client
type ClientOption func(*Client) error

// WithMaxReconnects sets the maximum number of reconnection attempts (-1 for infinite)
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the wait between reconnection attempts
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d < 0 {
			return fmt.Errorf("reconnect wait must be >= 0, got %v", d)
		}
		c.reconnectWait = d
		return nil
	}
}

// WithPingInterval sets the server ping interval
func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.pingInterval = d
		return nil
	}
}

// WithTimeout sets the dial timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be > 0, got %v", d)
		}
		c.timeout = d
		return nil
	}
}

// WithDrainTimeout bounds Close
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.drainTimeout = d
		return nil
	}
}

// WithCircuitBreakerThreshold sets how many consecutive failures open the circuit
func WithCircuitBreakerThreshold(n int32) ClientOption {
	return func(c *Client) error {
		if n < 1 {
			return fmt.Errorf("circuit breaker threshold must be >= 1, got %d", n)
		}
		c.circuitThreshold = n
		return nil
	}
}

// WithMaxBackoff caps the circuit breaker backoff
func WithMaxBackoff(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.maxBackoff = d
		return nil
	}
}

// WithCredentials sets user and password authentication
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username, c.password = username, password
		return nil
	}
}

// WithToken sets token authentication
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithName sets the connection name shown by the server
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.name = name
		return nil
	}
}

// WithLogger replaces the default logger
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) error {
		if l != nil {
			c.logger = l
		}
		return nil
	}
}

// WithMetrics records connection status and reconnects on m
func WithMetrics(m *metric.Metrics) ClientOption {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}
