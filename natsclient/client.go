// Package natsclient manages the NATS connection shared by rule storage, event sinks,
// ingress and notification channels. It wraps nats.go with a small circuit breaker,
// connection status tracking and JetStream stream and key-value helpers.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int32

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Client manages a NATS connection with a circuit breaker
type Client struct {
	url      string
	status   atomic.Int32
	failures atomic.Int32
	logger   *slog.Logger
	metrics  *metric.Metrics

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	backoff          atomic.Int64
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	username string
	password string
	token    string
	name     string

	onHealthChange func(bool)

	mu     sync.RWMutex
	closed atomic.Bool
}

// NewClient creates a client for url. Connect must be called before use.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default().With("component", "natsclient"),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.setStatus(StatusDisconnected)
	c.backoff.Store(int64(time.Second))
	return c, nil
}

// URL returns the server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.status.Store(int32(s))
	if c.metrics != nil {
		c.metrics.RecordNATSStatus(s == StatusConnected)
	}
}

// IsHealthy reports whether the connection is up
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the number of failures since the last success
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Backoff returns the current circuit breaker backoff
func (c *Client) Backoff() time.Duration {
	return time.Duration(c.backoff.Load())
}

// Conn returns the underlying connection, nil before Connect
func (c *Client) Conn() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// OnHealthChange registers a callback for connection health transitions
func (c *Client) OnHealthChange(fn func(bool)) {
	c.mu.Lock()
	c.onHealthChange = fn
	c.mu.Unlock()
}

func (c *Client) recordFailure() {
	c.failures.Add(1)
	if c.circuitFailures.Add(1) < c.circuitThreshold {
		return
	}

	current := c.Backoff()
	next := current * 2
	if next > c.maxBackoff {
		next = c.maxBackoff
	}
	c.backoff.Store(int64(next))
	c.circuitFailures.Store(0)

	prev := c.Status()
	if prev != StatusCircuitOpen && c.status.CompareAndSwap(int32(prev), int32(StatusCircuitOpen)) {
		c.logger.Warn("Circuit breaker opened", "backoff", current)
		time.AfterFunc(current, func() {
			c.status.CompareAndSwap(int32(StatusCircuitOpen), int32(StatusDisconnected))
		})
	}
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(int64(time.Second))
	c.status.CompareAndSwap(int32(StatusCircuitOpen), int32(StatusDisconnected))
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.name != "" {
		opts = append(opts, nats.Name(c.name))
	}
	return opts
}

// Connect dials the server and initializes JetStream
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	c.setStatus(StatusConnecting)
	c.logger.Info("Connecting to NATS", "url", c.url)

	done := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		if err != nil {
			done <- err
			return
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			done <- err
			return
		}
		c.mu.Lock()
		c.conn, c.js = conn, js
		c.mu.Unlock()
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			c.recordFailure()
			if c.Status() == StatusCircuitOpen {
				return ErrCircuitOpen
			}
			c.setStatus(StatusDisconnected)
			return errors.WrapTransient(err, "Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		c.recordFailure()
		if c.Status() != StatusCircuitOpen {
			c.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("Connected to NATS", "url", c.url)
	c.notifyHealth(true)
	return nil
}

// WaitForConnection blocks until the client is connected or ctx ends
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("connection timeout: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close unsubscribes, drains and closes the connection
func (c *Client) Close(ctx context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	c.subs = nil

	if c.conn != nil {
		drainTimeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drained := make(chan error, 1)
		conn := c.conn
		go func() { drained <- conn.Drain() }()

		select {
		case err := <-drained:
			if err != nil {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain connection"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain connection"))
		}
		conn.Close()
		c.conn, c.js = nil, nil
	}

	c.username, c.password, c.token = "", "", ""
	c.setStatus(StatusDisconnected)
	return stderrors.Join(errs...)
}

func (c *Client) ready() (*nats.Conn, error) {
	if c.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return conn, nil
}

// Publish sends data on subject with core NATS
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn, err := c.ready()
	if err != nil {
		return err
	}
	if err := conn.Publish(subject, data); err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "Publish", "publish to "+subject)
	}
	return nil
}

// Subscribe delivers messages on subject to handler. Each call gets a context derived
// from ctx with a 30 second deadline. The subject is passed through so wildcard
// subscribers can tell messages apart.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(ctx context.Context, subject string, data []byte)) error {
	conn, err := c.ready()
	if err != nil {
		return err
	}

	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		handler(msgCtx, msg.Subject, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe to "+subject)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	if _, err := c.ready(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// EnsureStream creates the stream or updates it to cfg
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "EnsureStream", "create stream "+cfg.Name)
	}
	c.resetCircuit()
	return stream, nil
}

// PublishToStream publishes with a JetStream ack
func (c *Client) PublishToStream(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) error {
	js, err := c.JetStream()
	if err != nil {
		return err
	}
	if _, err := js.Publish(ctx, subject, data, opts...); err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "PublishToStream", "publish to "+subject)
	}
	c.resetCircuit()
	return nil
}

// KeyValueBucket opens bucket, creating it with cfg when it does not exist
func (c *Client) KeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	if bucket, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		c.resetCircuit()
		return bucket, nil
	}

	bucket, err := js.CreateKeyValue(ctx, cfg)
	if err != nil && isAlreadyExistsError(err) {
		bucket, err = js.KeyValue(ctx, cfg.Bucket)
	}
	if err != nil {
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "KeyValueBucket", "open bucket "+cfg.Bucket)
	}

	c.logger.Info("Opened KV bucket", "bucket", cfg.Bucket)
	c.resetCircuit()
	return bucket, nil
}

func (c *Client) notifyHealth(healthy bool) {
	c.mu.RLock()
	fn := c.onHealthChange
	c.mu.RUnlock()
	if fn != nil {
		go fn(healthy)
	}
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	c.setStatus(StatusReconnecting)
	if err != nil {
		c.logger.Warn("NATS disconnected", "error", err)
	}
	c.notifyHealth(false)
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	if c.metrics != nil {
		c.metrics.RecordNATSReconnect()
	}
	c.logger.Info("NATS reconnected", "url", c.url)
	c.notifyHealth(true)
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
	c.notifyHealth(false)
}

func (c *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	c.logger.Error("NATS error", "error", err)
}

func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrBucketExists) || stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "already in use") || strings.Contains(msg, "already exists")
}
