package runtime_test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/angzarr-io/kernel/internal/kernel/transport"
	"github.com/angzarr-io/kernel/runtime"
)

func freePort(t *testing.T) string {
	lis, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())
	return fmt.Sprintf("%d", port)
}

// TestRuntime_ServeGRPC_HealthChecksAndShutsDown exercises Runtime.ServeGRPC
// end to end: the registrar is invoked, the health service reports SERVING,
// and Shutdown gracefully stops the server without blocking.
func TestRuntime_ServeGRPC_HealthChecksAndShutsDown(t *testing.T) {
	port := freePort(t)
	t.Setenv("TRANSPORT_TYPE", "tcp")
	t.Setenv("PORT", port)

	r := runtime.Standalone(zap.NewNop())
	registered := false
	require.NoError(t, r.ServeGRPC("gateway", transport.Registrar(func(s *grpc.Server) {
		registered = true
	})))

	var conn *grpc.ClientConn
	var err error
	for i := 0; i < 20; i++ {
		conn, err = grpc.NewClient(fmt.Sprintf("localhost:%s", port), grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			resp, herr := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
			cancel()
			if herr == nil && resp.Status == grpc_health_v1.HealthCheckResponse_SERVING {
				break
			}
			conn.Close()
			conn = nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.NotNil(t, conn, "could not connect to grpc server")
	defer conn.Close()
	assert.True(t, registered)

	r.Shutdown()
}
