// Package transport provides the gRPC server scaffolding (health checking,
// reflection, graceful shutdown) shared by every angzarr component that
// exposes a gRPC surface, plus the environment-variable topology config the
// teacher used in place of a config file format.
package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Config holds the transport configuration for a gRPC server.
type Config struct {
	Type    string // "tcp" or "uds"
	Address string // "[::]:port" for TCP or "/path/to/socket" for UDS
}

// GetTransportConfigFromEnv reads transport configuration from environment.
//
// Environment variables:
//   - TRANSPORT_TYPE: "tcp" (default) or "uds"
//   - UDS_BASE_PATH: base directory for sockets (default: /tmp/angzarr)
//   - SERVICE_NAME: service kind ("coordinator", "saga", "projector", "processmanager", "gateway")
//   - DOMAIN: domain/saga/projector/PM name, used to namespace the socket path
//   - PORT: TCP port (default: 50052)
func GetTransportConfigFromEnv() Config {
	transportType := os.Getenv("TRANSPORT_TYPE")
	if transportType == "" {
		transportType = "tcp"
	}

	if transportType == "uds" {
		basePath := os.Getenv("UDS_BASE_PATH")
		if basePath == "" {
			basePath = "/tmp/angzarr"
		}
		serviceName := os.Getenv("SERVICE_NAME")
		if serviceName == "" {
			serviceName = "coordinator"
		}
		qualifier := os.Getenv("DOMAIN")

		var socketPath string
		if qualifier != "" {
			socketPath = filepath.Join(basePath, fmt.Sprintf("%s-%s.sock", serviceName, qualifier))
		} else {
			socketPath = filepath.Join(basePath, serviceName+".sock")
		}

		_ = os.MkdirAll(filepath.Dir(socketPath), 0755)
		_ = os.Remove(socketPath)

		return Config{Type: "uds", Address: socketPath}
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "50052"
	}
	return Config{Type: "tcp", Address: "[::]:" + port}
}

// ServerOptions configures the health/reflection scaffolding around a gRPC server.
type ServerOptions struct {
	ServiceName      string
	Domain           string
	DefaultPort      string
	EnableReflection bool
}

// Registrar registers one or more services against the raw gRPC server.
// angzarr components have no generated service stubs to register here (no
// protoc run in this workspace); a Registrar is still useful for an embedder
// that wants to expose its own admin/debug gRPC surface alongside the
// mandatory health and reflection services. A nil Registrar is valid and
// produces a server exposing only health checks and reflection.
type Registrar func(server *grpc.Server)

// CreateServer creates a gRPC server with health checking and optional
// reflection, returning (server, listener, cleanup).
func CreateServer(registrar Registrar, opts ServerOptions) (*grpc.Server, net.Listener, func(), error) {
	if opts.DefaultPort != "" && os.Getenv("PORT") == "" {
		os.Setenv("PORT", opts.DefaultPort)
	}

	config := GetTransportConfigFromEnv()

	var listener net.Listener
	var err error
	if config.Type == "uds" {
		listener, err = net.Listen("unix", config.Address)
	} else {
		listener, err = net.Listen("tcp", config.Address)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("transport: failed to listen on %s: %w", config.Address, err)
	}

	server := grpc.NewServer()

	if registrar != nil {
		registrar(server)
	}

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	if opts.ServiceName != "" {
		healthServer.SetServingStatus(opts.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	}

	if opts.EnableReflection {
		reflection.Register(server)
	}

	cleanup := func() {
		if config.Type == "uds" {
			_ = os.Remove(config.Address)
		}
	}

	return server, listener, cleanup, nil
}

// RunServer runs a gRPC server until SIGINT or SIGTERM, calling onReady once
// the listener is bound and onShutdown as graceful stop begins.
func RunServer(registrar Registrar, opts ServerOptions, onReady func(Config), onShutdown func()) error {
	server, listener, cleanup, err := CreateServer(registrar, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	if onReady != nil {
		onReady(GetTransportConfigFromEnv())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		if onShutdown != nil {
			onShutdown()
		}
		server.GracefulStop()
	}()

	return server.Serve(listener)
}

// CleanupSocket removes a UDS socket file.
func CleanupSocket(socketPath string) {
	if socketPath != "" {
		_ = os.Remove(socketPath)
	}
}
