package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestClient is a connected Client backed by a NATS container
type TestClient struct {
	container testcontainers.Container
	Client    *Client
	URL       string
}

type testConfig struct {
	jetstream    bool
	natsVersion  string
	timeout      time.Duration
	startTimeout time.Duration
}

// TestOption configures NewTestClient
type TestOption func(*testConfig)

// WithJetStream starts the server with JetStream enabled
func WithJetStream() TestOption {
	return func(cfg *testConfig) { cfg.jetstream = true }
}

// WithNATSVersion selects the server image tag
func WithNATSVersion(version string) TestOption {
	return func(cfg *testConfig) { cfg.natsVersion = version }
}

// NewTestClient starts a NATS container and connects a Client to it. Both are torn down
// by t.Cleanup.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()

	cfg := &testConfig{
		natsVersion:  "2.11.7-alpine",
		timeout:      5 * time.Second,
		startTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx := context.Background()
	args := []string{"--port", "4222", "--http_port", "8222"}
	if cfg.jetstream {
		args = append(args, "--js")
	}

	req := testcontainers.ContainerRequest{
		Image:        "nats:" + cfg.natsVersion,
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		Cmd:          args,
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(cfg.startTimeout),
		),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start NATS container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}
	url := fmt.Sprintf("nats://%s:%s", host, port.Port())

	client, err := NewClient(url, WithTimeout(cfg.timeout), WithMaxReconnects(0))
	if err != nil {
		t.Fatalf("Failed to create NATS client: %v", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		t.Fatalf("Failed to connect to NATS: %v", err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	return &TestClient{container: container, Client: client, URL: url}
}
