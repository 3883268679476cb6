// ABOUTME: Tests for the Gateway orchestrator: Run over real listeners, gRPC health and shutdown
// ABOUTME: Uses a SQLite database in a temp dir and the degraded backend

package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/consult-gateway/internal/config"
)

// testConfig parses a minimal config bound to ephemeral local ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	t.Setenv(config.EnvDBPath, filepath.Join(t.TempDir(), "consult.db"))
	yaml := fmt.Sprintf(`
server:
  http_addr: "127.0.0.1:0"
  grpc_addr: "127.0.0.1:0"
auth:
  identity_secret: %q
backend:
  kind: "null"
`, testSecret)

	cfg, err := config.Parse([]byte(yaml), false)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	return cfg
}

func waitForAddr(t *testing.T, gw *Gateway) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if gw.HTTPAddr() != "" && gw.GRPCAddr() != "" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("gateway did not start listening")
}

func TestGatewayRun(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(t.Context(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Run(ctx) }()

	waitForAddr(t, gw)

	resp, err := http.Get("http://" + gw.HTTPAddr() + "/health/ready")
	if err != nil {
		t.Fatalf("GET /health/ready: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ready" {
		t.Errorf("ready = %d %q, want 200 \"ready\"", resp.StatusCode, body)
	}

	conn, err := grpc.NewClient(gw.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()

	hc := healthpb.NewHealthClient(conn)
	var status healthpb.HealthCheckResponse_ServingStatus
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, err := hc.Check(t.Context(), &healthpb.HealthCheckRequest{Service: HealthService})
		if err == nil {
			status = res.GetStatus()
			if status == healthpb.HealthCheckResponse_SERVING {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	if status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("health status = %v, want SERVING", status)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() returned %v, want nil", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// A second Shutdown is a no-op
	if err := gw.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
}

func TestGatewayNew_RejectsBadDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "postgres"

	if _, err := New(t.Context(), cfg, testLogger()); err == nil {
		t.Fatal("New() with unsupported driver succeeded")
	}
}
