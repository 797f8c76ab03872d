package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/sync/errgroup"

	"github.com/c360/pointflow/archive"
	"github.com/c360/pointflow/config"
	"github.com/c360/pointflow/core"
	"github.com/c360/pointflow/dispatch"
	"github.com/c360/pointflow/events"
	"github.com/c360/pointflow/health"
	"github.com/c360/pointflow/ingress"
	"github.com/c360/pointflow/metric"
	"github.com/c360/pointflow/natsclient"
	"github.com/c360/pointflow/notify"
	"github.com/c360/pointflow/output/file"
	"github.com/c360/pointflow/output/httppost"
	"github.com/c360/pointflow/output/websocket"
	"github.com/c360/pointflow/pointstore"
	"github.com/c360/pointflow/rulestore"
)

const connectTimeout = 10 * time.Second

// app owns every long-lived piece of the process
type app struct {
	cfg      *config.Config
	registry *metric.MetricsRegistry
	monitor  *health.Monitor
	logger   *slog.Logger

	nats     *natsclient.Client
	mqtt     mqtt.Client
	bus      *events.Bus
	archiver *archive.Archiver
	notifier *notify.Notifier
	core     *core.Core
	ingress  *ingress.Ingress
	ws       *websocket.Output
	metrics  *metric.Server
	sinks    []events.Sink

	// closers run in reverse order on shutdown
	closers []func(timeout time.Duration) error
}

// newApp connects the configured transports and assembles the core. On error everything
// opened so far is closed.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{
		cfg:      cfg,
		registry: metric.NewMetricsRegistry(),
		logger:   slog.Default().With("component", "app"),
	}
	a.monitor = health.NewMonitor(a.registry.CoreMetrics())
	defer func() {
		if err != nil {
			a.shutdown(5 * time.Second)
		}
	}()

	if err := a.connectNATS(ctx); err != nil {
		return nil, err
	}
	if err := a.connectMQTT(); err != nil {
		return nil, err
	}

	backend, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}
	a.onClose(func(time.Duration) error {
		if a.core == nil {
			return backend.Close()
		}
		return nil
	})
	rules, err := a.openRules(ctx)
	if err != nil {
		return nil, err
	}

	a.bus = events.NewBus(events.Config{QueueSize: cfg.Events.QueueSize, BatchSize: cfg.Events.BatchSize}, a.registry, nil)
	if err := a.buildSinks(ctx); err != nil {
		return nil, err
	}

	opts := []core.Option{
		core.WithBackend(backend),
		core.WithRuleStore(rules),
		core.WithMetrics(a.registry),
	}
	if err := a.startArchiver(ctx); err != nil {
		return nil, err
	}
	if a.archiver != nil {
		opts = append(opts, core.WithArchiver(a.archiver))
	}
	if err := a.startNotifier(ctx); err != nil {
		return nil, err
	}
	if a.notifier != nil {
		opts = append(opts, core.WithNotifier(a.notifier))
	}

	a.core, err = core.New(ctx, a.bus, core.Config{
		Dispatch:        dispatch.Config{MaxDepth: cfg.Dispatch.MaxDepth},
		ActionTimeout:   cfg.Dispatch.ActionTimeout,
		WindowRetention: cfg.Sync.WindowRetention,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("create core: %w", err)
	}
	a.onClose(func(time.Duration) error { return a.core.Close() })

	n, err := a.core.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	a.logger.Info("Rule table loaded", "rules", n)
	a.monitor.UpdateHealthy("core", fmt.Sprintf("%d rules", n))

	a.ingress = ingress.New(a.core, a.registry)

	if cfg.Metrics.Port > 0 {
		a.metrics = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, a.registry).
			WithHealth(a.monitor.Handler(appName))
	}
	return a, nil
}

func (a *app) onClose(fn func(timeout time.Duration) error) {
	a.closers = append(a.closers, fn)
}

func (a *app) connectNATS(ctx context.Context) error {
	if !a.cfg.NATS.Enabled() {
		return nil
	}
	nc := a.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithLogger(a.logger.With("component", "natsclient")),
		natsclient.WithMaxReconnects(nc.MaxReconnects),
		natsclient.WithCircuitBreakerThreshold(nc.CircuitThreshold),
		natsclient.WithMetrics(a.registry.CoreMetrics()),
	}
	if nc.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(nc.ReconnectWait))
	}
	if nc.PingInterval > 0 {
		opts = append(opts, natsclient.WithPingInterval(nc.PingInterval))
	}
	if nc.DrainTimeout > 0 {
		opts = append(opts, natsclient.WithDrainTimeout(nc.DrainTimeout))
	}
	if nc.MaxBackoff > 0 {
		opts = append(opts, natsclient.WithMaxBackoff(nc.MaxBackoff))
	}
	if nc.Username != "" {
		opts = append(opts, natsclient.WithCredentials(nc.Username, nc.Password))
	}
	if nc.Token != "" {
		opts = append(opts, natsclient.WithToken(nc.Token))
	}

	client, err := natsclient.NewClient(strings.Join(nc.URLs, ","), opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	client.OnHealthChange(func(healthy bool) {
		if healthy {
			a.monitor.UpdateHealthy("nats", "connected")
		} else {
			a.monitor.UpdateUnhealthy("nats", fmt.Sprintf("disconnected, backoff %s", client.Backoff()))
		}
	})

	a.logger.Info("Connecting to NATS", "url", client.URL())
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	a.nats = client
	a.onClose(func(timeout time.Duration) error {
		cctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return client.Close(cctx)
	})

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}
	if !client.IsHealthy() {
		return fmt.Errorf("NATS connection not healthy: %s", client.Status())
	}
	server := client.Conn().ConnectedUrl()
	a.logger.Info("NATS ready", "server", server)
	a.monitor.UpdateHealthy("nats", "connected to "+server)
	return nil
}

func (a *app) connectMQTT() error {
	if !a.cfg.MQTT.Enabled() {
		return nil
	}
	mc := a.cfg.MQTT
	timeout := mc.Timeout
	if timeout <= 0 {
		timeout = connectTimeout
	}

	opts := mqtt.NewClientOptions().
		AddBroker(mc.Broker).
		SetClientID(mc.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			a.monitor.UpdateFromError("mqtt", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			a.monitor.UpdateHealthy("mqtt", "connected")
		})
	if mc.Username != "" {
		opts.SetUsername(mc.Username).SetPassword(mc.Password)
	}

	client := mqtt.NewClient(opts)
	a.logger.Info("Connecting to MQTT", "broker", mc.Broker)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("connect to MQTT %s: timed out after %s", mc.Broker, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to MQTT %s: %w", mc.Broker, err)
	}
	a.mqtt = client
	a.onClose(func(time.Duration) error {
		client.Disconnect(250)
		return nil
	})
	return nil
}

func (a *app) openBackend(ctx context.Context) (pointstore.Backend, error) {
	if a.cfg.Store.Backend != config.BackendRedis {
		return pointstore.NewMemoryBackend(), nil
	}
	b, err := pointstore.NewRedisBackend(ctx, a.cfg.Store.Redis)
	if err != nil {
		return nil, fmt.Errorf("open redis store: %w", err)
	}
	a.monitor.UpdateHealthy("store", "redis "+a.cfg.Store.Redis.Addr)
	return b, nil
}

func (a *app) openRules(ctx context.Context) (rulestore.Store, error) {
	if a.nats == nil {
		a.logger.Warn("No NATS configured, rule table is kept in memory only")
		return rulestore.NewMemoryStore(), nil
	}
	kv, err := rulestore.OpenKV(ctx, a.nats, a.cfg.NATS.RulesBucket, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("open rule bucket: %w", err)
	}
	return kv, nil
}

func (a *app) buildSinks(ctx context.Context) error {
	cfg := a.cfg
	if cfg.HasSink(config.SinkNATS) {
		if err := events.EnsureStream(ctx, a.nats, cfg.NATS.EventsStream, cfg.NATS.EventsPrefix); err != nil {
			return fmt.Errorf("ensure events stream: %w", err)
		}
		a.sinks = append(a.sinks, events.NewNATSSink(a.nats, cfg.NATS.EventsPrefix))
	}
	if cfg.HasSink(config.SinkKafka) {
		w, err := events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic, cfg.Kafka.WriteTimeout)
		if err != nil {
			return fmt.Errorf("create kafka events writer: %w", err)
		}
		sink := events.NewKafkaSink(w, cfg.Kafka.EventsTopic)
		a.sinks = append(a.sinks, sink)
		a.onClose(func(time.Duration) error { return sink.Close() })
	}
	if cfg.HasSink(config.SinkWebSocket) {
		a.ws = websocket.New(cfg.WebSocket, a.registry)
		if err := a.ws.Start(ctx); err != nil {
			return err
		}
		a.sinks = append(a.sinks, a.ws)
		a.onClose(a.ws.Stop)
	}
	if cfg.HasSink(config.SinkHTTP) {
		out, err := httppost.New(cfg.Events.HTTP)
		if err != nil {
			return err
		}
		a.sinks = append(a.sinks, out)
	}
	if cfg.HasSink(config.SinkFile) {
		out, err := file.New(cfg.Events.File)
		if err != nil {
			return err
		}
		a.sinks = append(a.sinks, out)
		a.onClose(func(time.Duration) error { return out.Close() })
	}
	return nil
}

func (a *app) startArchiver(ctx context.Context) error {
	kc := a.cfg.Kafka
	if !kc.Enabled() || kc.HistoryTopic == "" {
		return nil
	}
	acfg := archive.Config{
		Brokers:      kc.Brokers,
		Topic:        kc.HistoryTopic,
		Workers:      kc.ArchiveWorkers,
		QueueSize:    kc.ArchiveQueueSize,
		WriteTimeout: kc.WriteTimeout,
	}
	w, err := archive.NewKafkaWriter(acfg)
	if err != nil {
		return fmt.Errorf("create history writer: %w", err)
	}
	arch := archive.New(w, acfg, a.registry)
	if err := arch.Start(ctx); err != nil {
		_ = w.Close()
		return fmt.Errorf("start archiver: %w", err)
	}
	a.archiver = arch
	a.onClose(arch.Stop)
	return nil
}

func (a *app) startNotifier(ctx context.Context) error {
	if len(a.cfg.Notify.Channels) == 0 {
		return nil
	}
	var subj notify.SubjectPublisher
	if a.nats != nil {
		subj = a.nats
	}
	var pub notify.MQTTPublisher
	if a.mqtt != nil {
		pub = a.mqtt
	}

	channels, err := notify.BuildChannels(a.cfg.Notify.Channels, subj, pub)
	if err != nil {
		return err
	}
	n, err := notify.New(ctx, a.cfg.Notify.Config, a.registry, channels...)
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start notifier: %w", err)
	}
	a.notifier = n
	a.onClose(n.Stop)
	a.logger.Info("Notification channels ready", "channels", n.Channels())
	return nil
}

// run serves until ctx ends or a loop fails
func (a *app) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.metrics != nil {
		g.Go(a.metrics.Start)
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.metrics.Stop(sctx)
		})
	}

	for _, sink := range a.sinks {
		sub := a.bus.Subscribe(sink.Name())
		g.Go(func() error { return a.bus.Pump(ctx, sub, sink) })
	}

	g.Go(func() error { return a.core.Business().Run(ctx, a.cfg.Business.BatchInterval) })
	g.Go(func() error { return a.core.Sync().Run(ctx, a.cfg.Sync.ResyncInterval) })
	g.Go(func() error { return a.core.WatchRules(ctx) })

	if a.nats != nil && a.cfg.NATS.IngressSubject != "" {
		if err := a.ingress.SubscribeNATS(ctx, a.nats, a.cfg.NATS.IngressSubject); err != nil {
			return err
		}
	}
	if a.mqtt != nil && a.cfg.MQTT.IngressTopic != "" {
		g.Go(func() error {
			return a.ingress.SubscribeMQTT(ctx, a.mqtt, a.cfg.MQTT.IngressTopic, a.cfg.MQTT.QoS, a.cfg.MQTT.Timeout)
		})
	}

	return g.Wait()
}

// shutdown closes everything in reverse order of opening, each step bounded by timeout
func (a *app) shutdown(timeout time.Duration) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](timeout); err != nil {
			a.logger.Warn("Shutdown step failed", "error", err)
		}
	}
	a.closers = nil
	a.logger.Info("pointflow shutdown complete")
}
