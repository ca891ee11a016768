package transport_test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/angzarr-io/kernel/internal/kernel/transport"
)

func freePort(t *testing.T) string {
	lis, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())
	return fmt.Sprintf("%d", port)
}

// TestRunServer_RegistersServicesAndHealthCheck mirrors the teacher's own
// server_test.go: a registrar is invoked, and the health service reports
// SERVING for both the overall server and the named service.
func TestRunServer_RegistersServicesAndHealthCheck(t *testing.T) {
	port := freePort(t)
	registered := false

	errCh := make(chan error, 1)
	go func() {
		errCh <- transport.RunServer(
			func(s *grpc.Server) { registered = true },
			transport.ServerOptions{ServiceName: "test-service", DefaultPort: port, EnableReflection: true},
			nil, nil,
		)
	}()

	var conn *grpc.ClientConn
	var err error
	for i := 0; i < 20; i++ {
		conn, err = grpc.NewClient(fmt.Sprintf("localhost:%s", port), grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			resp, herr := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: "test-service"})
			cancel()
			if herr == nil && resp.Status == grpc_health_v1.HealthCheckResponse_SERVING {
				break
			}
			conn.Close()
			conn = nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.NotNil(t, conn, "could not connect to server")
	defer conn.Close()

	assert.True(t, registered, "registrar was not invoked")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
}

// TestGetTransportConfigFromEnv_DefaultsToTCP covers the env-driven topology
// selection transport.RunServer relies on.
func TestGetTransportConfigFromEnv_DefaultsToTCP(t *testing.T) {
	t.Setenv("TRANSPORT_TYPE", "")
	t.Setenv("PORT", "")
	cfg := transport.GetTransportConfigFromEnv()
	assert.Equal(t, "tcp", cfg.Type)
	assert.Equal(t, "[::]:50052", cfg.Address)
}
