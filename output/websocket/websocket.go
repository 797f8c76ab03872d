// Package websocket pushes egress events to WebSocket clients.
//
// Output is an events.Sink: the bus pumps each topic into Deliver, which wraps every
// event in an envelope and broadcasts it to the connected clients. A client receives
// every topic until it sends {"type":"subscribe","topics":[...]}, after which it only
// receives the listed topics. Delivery to WebSocket clients is best effort; a client
// that cannot keep up is disconnected.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/events"
	"github.com/c360/pointflow/metric"
)

// Config configures the server
type Config struct {
	Port         int           `json:"port" yaml:"port"`
	Path         string        `json:"path" yaml:"path"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`
}

// DefaultConfig returns server defaults
func DefaultConfig() Config {
	return Config{Port: 8081, Path: "/ws", WriteTimeout: 5 * time.Second, PingInterval: 30 * time.Second}
}

// MessageEnvelope wraps every message exchanged with clients
type MessageEnvelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Topic     events.Topic    `json:"topic,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Topics    []events.Topic  `json:"topics,omitempty"`
}

type clientInfo struct {
	conn        *websocket.Conn
	connectedAt time.Time
	writeMutex  sync.Mutex
	closed      atomic.Bool
	closeOnce   sync.Once

	topicsMu sync.RWMutex
	topics   map[events.Topic]bool
}

func (c *clientInfo) wants(t events.Topic) bool {
	c.topicsMu.RLock()
	defer c.topicsMu.RUnlock()
	return c.topics == nil || c.topics[t]
}

// Metrics holds Prometheus metrics for Output
type Metrics struct {
	messagesSent     *prometheus.CounterVec
	clientsConnected prometheus.Gauge
	disconnections   *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry, logger *slog.Logger) *Metrics {
	if registry == nil {
		return nil
	}
	m := &Metrics{
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pointflow",
			Subsystem: "websocket",
			Name:      "messages_sent_total",
			Help:      "Events sent to WebSocket clients",
		}, []string{"topic"}),
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pointflow",
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Number of currently connected clients",
		}),
		disconnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pointflow",
			Subsystem: "websocket",
			Name:      "client_disconnections_total",
			Help:      "Client disconnections by reason",
		}, []string{"reason"}),
	}
	if err := registry.RegisterCounterVec("websocket", "messages_sent", m.messagesSent); err != nil {
		logger.Warn("WebSocket metric not registered", "error", err)
		return nil
	}
	if err := registry.RegisterGauge("websocket", "clients_connected", m.clientsConnected); err != nil {
		logger.Warn("WebSocket metric not registered", "error", err)
		return nil
	}
	if err := registry.RegisterCounterVec("websocket", "disconnections", m.disconnections); err != nil {
		logger.Warn("WebSocket metric not registered", "error", err)
		return nil
	}
	return m
}

// Output is a WebSocket server broadcasting events
type Output struct {
	cfg      Config
	upgrader websocket.Upgrader
	metrics  *Metrics
	logger   *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*clientInfo

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	shutdown chan struct{}
	wg       sync.WaitGroup
}

var _ events.Sink = (*Output)(nil)

// New creates an output. registry may be nil.
func New(cfg Config, registry *metric.MetricsRegistry) *Output {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	logger := slog.Default().With("component", "websocket")
	return &Output{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics:  newMetrics(registry, logger),
		logger:   logger,
		clients:  make(map[*websocket.Conn]*clientInfo),
		shutdown: make(chan struct{}),
	}
}

// Name implements events.Sink
func (w *Output) Name() string { return "websocket" }

// Handler returns the upgrade handler, for mounting on another mux
func (w *Output) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(w.cfg.Path, w.handleWebSocket)
	return mux
}

// Start listens on the configured port and serves until Stop
func (w *Output) Start(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", w.cfg.Port))
	if err != nil {
		return errors.WrapFatal(err, "WebSocketOutput", "Start", "listen")
	}
	w.listener = ln
	w.server = &http.Server{Handler: w.Handler(), ReadHeaderTimeout: 10 * time.Second}

	w.wg.Add(2)
	go w.runServer(w.server, ln)
	go w.maintainClients()

	w.logger.Info("WebSocket output listening", "address", ln.Addr().String(), "path", w.cfg.Path)
	return nil
}

// Addr returns the listen address once started
func (w *Output) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listener == nil {
		return ""
	}
	return w.listener.Addr().String()
}

func (w *Output) runServer(server *http.Server, ln net.Listener) {
	defer w.wg.Done()
	if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
		w.logger.Error("WebSocket server failed", "error", err)
	}
}

// Stop shuts the server down and disconnects every client
func (w *Output) Stop(timeout time.Duration) error {
	w.mu.Lock()
	select {
	case <-w.shutdown:
		w.mu.Unlock()
		return nil
	default:
	}
	close(w.shutdown)
	server := w.server
	w.mu.Unlock()

	var err error
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if serr := server.Shutdown(ctx); serr != nil {
			err = errors.WrapTransient(serr, "WebSocketOutput", "Stop", "shutdown server")
		}
	}
	w.closeAllClients("shutdown")

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		w.logger.Warn("WebSocket goroutines did not exit within timeout")
	}
	return err
}

// Clients returns the number of connected clients
func (w *Output) Clients() int {
	w.clientsMu.RLock()
	defer w.clientsMu.RUnlock()
	return len(w.clients)
}

func (w *Output) handleWebSocket(wr http.ResponseWriter, r *http.Request) {
	select {
	case <-w.shutdown:
		http.Error(wr, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := w.upgrader.Upgrade(wr, r, nil)
	if err != nil {
		w.logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}

	info := &clientInfo{conn: conn, connectedAt: time.Now()}
	w.clientsMu.Lock()
	w.clients[conn] = info
	count := len(w.clients)
	w.clientsMu.Unlock()
	if w.metrics != nil {
		w.metrics.clientsConnected.Set(float64(count))
	}

	w.wg.Add(1)
	go w.handleClient(info)
}

// handleClient reads control messages until the connection closes
func (w *Output) handleClient(info *clientInfo) {
	defer w.wg.Done()
	defer w.removeClient(info, "closed")

	readTimeout := 2 * w.cfg.PingInterval
	_ = info.conn.SetReadDeadline(time.Now().Add(readTimeout))
	info.conn.SetPongHandler(func(string) error {
		return info.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := info.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = info.conn.SetReadDeadline(time.Now().Add(readTimeout))

		var env MessageEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == "subscribe" {
			topics := make(map[events.Topic]bool, len(env.Topics))
			for _, t := range env.Topics {
				topics[t] = true
			}
			info.topicsMu.Lock()
			info.topics = topics
			info.topicsMu.Unlock()
			_ = w.send(info, MessageEnvelope{Type: "subscribed", Topics: env.Topics})
		}
	}
}

func (w *Output) removeClient(info *clientInfo, reason string) {
	info.closeOnce.Do(func() {
		info.closed.Store(true)
		w.clientsMu.Lock()
		delete(w.clients, info.conn)
		count := len(w.clients)
		w.clientsMu.Unlock()

		if w.metrics != nil {
			w.metrics.disconnections.WithLabelValues(reason).Inc()
			w.metrics.clientsConnected.Set(float64(count))
		}
		_ = info.conn.Close()
	})
}

func (w *Output) closeAllClients(reason string) {
	for _, info := range w.snapshot() {
		w.removeClient(info, reason)
	}
}

func (w *Output) snapshot() []*clientInfo {
	w.clientsMu.RLock()
	defer w.clientsMu.RUnlock()
	out := make([]*clientInfo, 0, len(w.clients))
	for _, info := range w.clients {
		if !info.closed.Load() {
			out = append(out, info)
		}
	}
	return out
}

// Deliver implements events.Sink. It never fails: a client that cannot be written is
// dropped and the batch counts as delivered.
func (w *Output) Deliver(ctx context.Context, batch []events.Event) error {
	clients := w.snapshot()
	if len(clients) == 0 {
		return nil
	}
	for _, ev := range batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		env := MessageEnvelope{Type: "event", ID: ev.ID, Topic: ev.Topic, Timestamp: ev.Timestamp, Payload: ev.Data}
		data, err := json.Marshal(env)
		if err != nil {
			w.logger.Error("Failed to encode event", "id", ev.ID, "error", err)
			continue
		}
		w.broadcast(clients, ev.Topic, data)
	}
	return nil
}

func (w *Output) broadcast(clients []*clientInfo, topic events.Topic, data []byte) {
	var wg sync.WaitGroup
	for _, info := range clients {
		if info.closed.Load() || !info.wants(topic) {
			continue
		}
		wg.Add(1)
		go func(info *clientInfo) {
			defer wg.Done()
			if err := w.write(info, websocket.TextMessage, data); err != nil {
				w.removeClient(info, "write_failed")
				return
			}
			if w.metrics != nil {
				w.metrics.messagesSent.WithLabelValues(string(topic)).Inc()
			}
		}(info)
	}
	wg.Wait()
}

func (w *Output) send(info *clientInfo, env MessageEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return w.write(info, websocket.TextMessage, data)
}

// write serializes writes on one connection; gorilla connections allow one writer
func (w *Output) write(info *clientInfo, messageType int, data []byte) error {
	info.writeMutex.Lock()
	defer info.writeMutex.Unlock()
	_ = info.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	return info.conn.WriteMessage(messageType, data)
}

func (w *Output) maintainClients() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.shutdown:
			return
		case <-ticker.C:
			for _, info := range w.snapshot() {
				if err := w.write(info, websocket.PingMessage, nil); err != nil {
					w.removeClient(info, "ping_failed")
				}
			}
		}
	}
}
