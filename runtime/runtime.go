// Package runtime wires the coordinator, bus, projector, saga, process
// manager, and gateway packages into a running process, either standalone
// (in-process memstore + membus) or distributed (driver-backed), with
// cooperative shutdown bounded by a grace timeout (spec §5).
package runtime

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/angzarr-io/kernel/bus"
	"github.com/angzarr-io/kernel/bus/membus"
	"github.com/angzarr-io/kernel/bus/natsbus"
	"github.com/angzarr-io/kernel/coordinator"
	"github.com/angzarr-io/kernel/gateway"
	"github.com/angzarr-io/kernel/gateway/httpapi"
	"github.com/angzarr-io/kernel/internal/kernel"
	"github.com/angzarr-io/kernel/internal/kernel/logging"
	"github.com/angzarr-io/kernel/internal/kernel/transport"
	"github.com/angzarr-io/kernel/processmanager"
	"github.com/angzarr-io/kernel/projector"
	"github.com/angzarr-io/kernel/saga"
	"github.com/angzarr-io/kernel/store"
	"github.com/angzarr-io/kernel/store/boltstore"
	"github.com/angzarr-io/kernel/store/memstore"
	"github.com/angzarr-io/kernel/store/postgres"
	"github.com/angzarr-io/kernel/store/redisposition"
)

// DefaultShutdownGrace is how long Run waits for in-flight work to finish
// after a shutdown signal before forcing an exit (spec §5).
const DefaultShutdownGrace = 30 * time.Second

// Runtime owns the storage, bus, and runner wiring for one process.
type Runtime struct {
	Events    store.EventStore
	Snapshots store.SnapshotStore
	Positions store.PositionStore
	Bus       bus.Bus
	Logger    *zap.Logger

	ShutdownGrace time.Duration

	coordinators map[string]*coordinator.Coordinator
	routers      map[string]saga.Router
	projectors   []*projector.Runner
	httpServer   *httpapi.Server
	grpcServer   *grpc.Server

	closers []func()
}

// Standalone builds an in-process Runtime backed by memstore and membus,
// suitable for tests and single-process demos (spec §6: "a plug-in backend
// requires no changes to the runners above it").
func Standalone(logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = logging.Must("angzarr")
	}
	mem := memstore.New()
	b := membus.New(mem, nil, logger)
	return &Runtime{
		Events: mem, Snapshots: mem, Positions: mem, Bus: b, Logger: logger,
		ShutdownGrace: DefaultShutdownGrace,
		coordinators:  make(map[string]*coordinator.Coordinator),
		routers:       make(map[string]saga.Router),
	}
}

// FromEnv builds a Runtime from STORE_BACKEND (memory|postgres|bolt),
// BUS_BACKEND (memory|nats), and POSITION_BACKEND (memory|redis) env vars,
// each with its own driver-specific DSN/address env var (spec §6's
// "plug-in backends selected at deploy time, not compile time").
func FromEnv(ctx context.Context, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = logging.Must("angzarr")
	}
	r := &Runtime{Logger: logger, ShutdownGrace: DefaultShutdownGrace,
		coordinators: make(map[string]*coordinator.Coordinator), routers: make(map[string]saga.Router)}

	var events store.EventStore
	var snaps store.SnapshotStore
	var positions store.PositionStore

	switch backend := os.Getenv("STORE_BACKEND"); backend {
	case "", "memory":
		mem := memstore.New()
		events, snaps, positions = mem, mem, mem
	case "postgres":
		pg, err := postgres.Connect(ctx, os.Getenv("POSTGRES_DSN"))
		if err != nil {
			return nil, fmt.Errorf("runtime: postgres: %w", err)
		}
		events, snaps = pg, pg
	case "bolt":
		bolt, err := boltstore.Open(os.Getenv("BOLT_PATH"))
		if err != nil {
			return nil, fmt.Errorf("runtime: bolt: %w", err)
		}
		events, snaps = bolt, bolt
		r.closers = append(r.closers, func() { _ = bolt.Close() })
	default:
		return nil, fmt.Errorf("runtime: unknown STORE_BACKEND %q", backend)
	}

	if positions == nil {
		switch backend := os.Getenv("POSITION_BACKEND"); backend {
		case "", "memory":
			mem := memstore.New()
			positions = mem
		case "redis":
			rp, err := redisposition.Connect(ctx, &redis.Options{Addr: os.Getenv("REDIS_ADDR")})
			if err != nil {
				return nil, fmt.Errorf("runtime: redis: %w", err)
			}
			positions = rp
			r.closers = append(r.closers, func() { _ = rp.Close() })
		default:
			return nil, fmt.Errorf("runtime: unknown POSITION_BACKEND %q", backend)
		}
	}

	switch backend := os.Getenv("BUS_BACKEND"); backend {
	case "", "memory":
		r.Bus = membus.New(positions, nil, logger)
	case "nats":
		nb, err := natsbus.Connect(os.Getenv("NATS_URL"))
		if err != nil {
			return nil, fmt.Errorf("runtime: nats: %w", err)
		}
		r.Bus = nb
		r.closers = append(r.closers, func() { _ = nb.Close() })
	default:
		return nil, fmt.Errorf("runtime: unknown BUS_BACKEND %q", backend)
	}

	r.Events, r.Snapshots, r.Positions = events, snaps, positions
	return r, nil
}

// RegisterAggregate builds and registers an Aggregate Coordinator for
// domain, returning it so callers can also use it as a saga.Router.
func (r *Runtime) RegisterAggregate(domain string, factory coordinator.LogicFactory) *coordinator.Coordinator {
	c := coordinator.New(domain, factory, coordinator.Options{
		Events: r.Events, Snapshots: r.Snapshots, Bus: r.Bus, Logger: r.Logger,
	})
	r.coordinators[domain] = c
	r.routers[domain] = c
	return c
}

// Coordinator returns the registered coordinator for domain, if any.
func (r *Runtime) Coordinator(domain string) (*coordinator.Coordinator, bool) {
	c, ok := r.coordinators[domain]
	return c, ok
}

// RegisterProjector starts a projector.Runner for logic immediately.
func (r *Runtime) RegisterProjector(ctx context.Context, logic projector.Logic) (*projector.Runner, error) {
	p := projector.New(logic, projector.Options{Bus: r.Bus, Positions: r.Positions, Logger: r.Logger})
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	r.projectors = append(r.projectors, p)
	return p, nil
}

// RegisterSaga subscribes a saga.Runner to logic's input domain, routing
// produced commands through the previously-registered aggregate coordinators.
func (r *Runtime) RegisterSaga(ctx context.Context, logic saga.Logic) (*saga.Runner, error) {
	runner := saga.New(logic, saga.Options{Routers: r.routers, Ledger: saga.NewMemLedger(), Logger: r.Logger})
	unsub, err := r.Bus.Subscribe(ctx, bus.SubscriberConfig{SubscriberID: "saga-" + logic.Name(), Domains: []string{logic.InputDomain()}, Durable: true},
		func(ctx context.Context, book kernel.EventBook) error { return runner.Handle(ctx, book) })
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, unsub)
	return runner, nil
}

// RegisterProcessManager subscribes a processmanager.Runner to logic's
// input domains, resolving each trigger to a PM instance root derived from
// its correlation ID.
func (r *Runtime) RegisterProcessManager(ctx context.Context, logic processmanager.Logic, own *coordinator.Coordinator) (*processmanager.Runner, error) {
	runner := processmanager.New(logic, processmanager.Options{Own: own, Routers: r.routers, Logger: r.Logger})
	handler := func(ctx context.Context, book kernel.EventBook) error {
		pmCover := kernel.Cover{Domain: logic.PMDomain(), Root: kernel.DeterministicRoot(book.Cover.CorrelationID)}
		return runner.Handle(ctx, pmCover, book)
	}
	unsub, err := r.Bus.Subscribe(ctx, bus.SubscriberConfig{SubscriberID: "pm-" + logic.Name(), Domains: logic.InputDomains(), Durable: true}, handler)
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, unsub)
	return runner, nil
}

// Gateway builds a gateway.Gateway over the given per-domain Factory
// functions (nil Factory disables Speculate for that domain).
func (r *Runtime) Gateway(factories map[string]coordinator.LogicFactory) *gateway.Gateway {
	domains := make(map[string]gateway.Domain, len(r.coordinators))
	for name, c := range r.coordinators {
		domains[name] = gateway.Domain{Dispatcher: c, Reader: r.Events, Factory: factories[name]}
	}
	return gateway.New(domains, r.Logger)
}

// ServeHTTP starts the Command Gateway's REST front door on addr.
func (r *Runtime) ServeHTTP(gw *gateway.Gateway, addr string) *httpapi.Server {
	s := httpapi.New(gw, r.Logger)
	r.httpServer = s
	go func() {
		if err := s.Listen(addr); err != nil {
			r.Logger.Error("http server stopped", zap.Error(err))
		}
	}()
	return s
}

// ServeGRPC starts a gRPC server exposing health checking and reflection
// (spec §6: "every deployable surface exposes a uniform health probe"),
// alongside the REST front door started by ServeHTTP. registrar may be nil
// to expose only health/reflection; pass one to also hang an admin/debug
// gRPC surface off the same server. Topology (tcp port or unix socket) comes
// from transport.GetTransportConfigFromEnv.
func (r *Runtime) ServeGRPC(serviceName string, registrar transport.Registrar) error {
	server, listener, cleanup, err := transport.CreateServer(registrar, transport.ServerOptions{
		ServiceName:      serviceName,
		EnableReflection: true,
	})
	if err != nil {
		return err
	}
	r.grpcServer = server
	r.closers = append(r.closers, cleanup)
	go func() {
		if err := server.Serve(listener); err != nil {
			r.Logger.Error("grpc server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Run blocks until SIGINT/SIGTERM, then shuts down every registered runner
// and closer within ShutdownGrace.
func (r *Runtime) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	r.Logger.Info("shutdown signal received, draining", zap.Duration("grace", r.ShutdownGrace))
	done := make(chan struct{})
	go func() {
		r.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(r.ShutdownGrace):
		r.Logger.Warn("shutdown grace period expired, forcing exit")
		return nil
	}
}

// Shutdown stops the HTTP server, every projector/saga/PM subscription, and
// closes driver connections opened by FromEnv.
func (r *Runtime) Shutdown() {
	if r.httpServer != nil {
		_ = r.httpServer.Shutdown()
	}
	if r.grpcServer != nil {
		r.grpcServer.GracefulStop()
	}
	for _, p := range r.projectors {
		p.Stop()
	}
	for _, closeFn := range r.closers {
		closeFn()
	}
}
