package grpc

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakeHealth struct {
	mu      sync.Mutex
	healthy map[string]bool
}

func (f *fakeHealth) Exchanges() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.healthy))
	for name := range f.healthy {
		out = append(out, name)
	}
	return out
}

func (f *fakeHealth) IsHealthy(exchange string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy[exchange]
}

func (f *fakeHealth) set(exchange string, healthy bool) {
	f.mu.Lock()
	f.healthy[exchange] = healthy
	f.mu.Unlock()
}

func startServer(t *testing.T, source HealthSource) (*Server, healthpb.HealthClient) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	srv := NewServer(0, source, logger)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return srv, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealthMirrorsExchanges(t *testing.T) {
	source := &fakeHealth{healthy: map[string]bool{"binance": true, "kraken": false}}
	_, client := startServer(t, source)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, "binance"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, "kraken"))
}

func TestHealthNotServingWithoutHealthyExchange(t *testing.T) {
	source := &fakeHealth{healthy: map[string]bool{"binance": true}}
	srv, client := startServer(t, source)

	source.set("binance", false)
	srv.SetExchangeHealth("binance", false)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, "binance"))
}
