package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/batchkeeper/internal/api"
	"github.com/ChuLiYu/batchkeeper/internal/batchfile"
	"github.com/ChuLiYu/batchkeeper/internal/config"
	"github.com/ChuLiYu/batchkeeper/internal/jobmanager"
	"github.com/ChuLiYu/batchkeeper/internal/metrics"
	"github.com/ChuLiYu/batchkeeper/internal/orchestrator"
	"github.com/ChuLiYu/batchkeeper/internal/output"
	"github.com/ChuLiYu/batchkeeper/internal/provider"
	"github.com/ChuLiYu/batchkeeper/internal/provider/fake"
	"github.com/ChuLiYu/batchkeeper/internal/provider/openai"
	"github.com/ChuLiYu/batchkeeper/internal/server"
	"github.com/ChuLiYu/batchkeeper/internal/storage"
	"github.com/ChuLiYu/batchkeeper/internal/storage/filestore"
	"github.com/ChuLiYu/batchkeeper/internal/storage/postgres"
	"github.com/ChuLiYu/batchkeeper/internal/storage/redis"
	"github.com/ChuLiYu/batchkeeper/internal/storage/sqlite"
	"github.com/ChuLiYu/batchkeeper/pkg/circuitbreaker"
)

const shutdownTimeout = 10 * time.Second

// daemon owns every long-lived component of `batchkeeper run`.
type daemon struct {
	cfg      *config.Config
	store    storage.Store
	pinger   api.Pinger
	closers  []func() error
	registry *prometheus.Registry
	orch     *orchestrator.Orchestrator
	grpc     *grpc.Server
	admin    *http.Server
}

// newDaemon builds the daemon from cfg. Nothing listens until serve.
func newDaemon(ctx context.Context, cfg *config.Config) (d *daemon, err error) {
	d = &daemon{cfg: cfg, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			err = multierr.Append(err, d.close())
		}
	}()

	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewCollector(d.registry)

	if d.store, d.pinger, err = d.openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}

	if cfg.Provider.Tracing {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSpanProcessor(newLogProcessor(slog.Default())),
		)
		otel.SetTracerProvider(tp)
		d.closers = append(d.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return tp.Shutdown(ctx)
		})
	}
	gw, err := buildGateway(cfg.Provider, m)
	if err != nil {
		return nil, err
	}

	sink, err := output.NewFileSink(cfg.Paths.Output)
	if err != nil {
		return nil, err
	}
	stager, err := batchfile.NewDirStager(cfg.Paths.Staging)
	if err != nil {
		return nil, err
	}

	d.orch, err = orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Store:   d.store,
		Gateway: gw,
		Sink:    sink,
		Stager:  stager,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}

	d.grpc = grpc.NewServer()
	server.Register(d.grpc, server.NewServer(d.orch))

	if cfg.Admin.Enabled {
		d.admin = &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           api.NewRouter(d.orch, d.registry, d.pinger),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return d, nil
}

// openStore opens the configured backend and registers its cleanup.
func (d *daemon) openStore(ctx context.Context, cfg config.StoreConfig) (storage.Store, api.Pinger, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		log.Warn("Using the in-memory store; job records are lost on restart")
		return jobmanager.NewJobManager(), nil, nil

	case config.DriverFile:
		s, err := filestore.Open(filestore.Options{
			Dir:            cfg.Dir,
			SyncOnAppend:   cfg.SyncOnAppend,
			ArchiveRotated: cfg.ArchiveRotated,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open file store: %w", err)
		}
		d.closers = append(d.closers, s.Close)
		return s, nil, nil

	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		d.closers = append(d.closers, s.Close)
		return s, nil, nil

	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		d.closers = append(d.closers, s.Close)
		return s, s, nil

	case config.DriverRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		d.closers = append(d.closers, client.Close)
		s := redis.New(client, redis.WithKeyPrefix(cfg.RedisPrefix), redis.WithLogger(slog.Default().With("store", "redis")))
		if err := s.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return s, s, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// buildGateway creates the provider client and stacks the decorators.
// Metrics sit outermost so they see breaker rejections and timeouts.
func buildGateway(cfg config.ProviderConfig, m *metrics.Collector) (provider.Gateway, error) {
	var gw provider.Gateway
	switch cfg.Kind {
	case config.ProviderOpenAI:
		gw = openai.New(cfg.OpenAI, nil)
	case config.ProviderFake:
		log.Warn("Using the fake provider; batches never leave this process")
		gw = fake.New()
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Kind)
	}

	if cfg.Timeout > 0 {
		gw = provider.WithTimeout(gw, cfg.Timeout)
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		gw = provider.WithRateLimit(gw, rate.NewLimiter(rate.Limit(cfg.RateLimit), burst))
	}
	if cfg.Breaker.Threshold > 0 {
		gw = provider.WithCircuitBreaker(gw, circuitbreaker.New(cfg.Breaker))
	}
	if cfg.Tracing {
		gw = provider.WithTracing(gw)
	}
	if m != nil {
		gw = provider.WithMetrics(gw, m)
	}
	return gw, nil
}

// serve runs the orchestrator loops and both listeners until ctx ends, then
// drains them.
func (d *daemon) serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", d.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.Server.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.orch.Run(gctx)
	})

	g.Go(func() error {
		log.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := d.grpc.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	if d.admin != nil {
		g.Go(func() error {
			log.Info("Admin server listening", "addr", d.admin.Addr)
			if err := d.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		d.grpc.GracefulStop()
		if d.admin != nil {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return d.admin.Shutdown(sctx)
		}
		return nil
	})

	return g.Wait()
}

// close releases the store and tracer in reverse order of creation.
func (d *daemon) close() error {
	var err error
	for i := len(d.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, d.closers[i]())
	}
	d.closers = nil
	return err
}

// ============================================================================
// Logging
// ============================================================================

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h), nil
}

// logProcessor writes finished gateway spans to the debug log.
type logProcessor struct {
	logger *slog.Logger
}

var _ sdktrace.SpanProcessor = (*logProcessor)(nil)

func newLogProcessor(l *slog.Logger) *logProcessor { return &logProcessor{logger: l} }

func (p *logProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	attrs := []any{
		"traceID", s.SpanContext().TraceID().String(),
		"elapsed", s.EndTime().Sub(s.StartTime()),
		"status", s.Status().Code.String(),
	}
	for _, kv := range s.Attributes() {
		attrs = append(attrs, string(kv.Key), kv.Value.Emit())
	}
	p.logger.Debug("Span "+s.Name(), attrs...)
}

func (p *logProcessor) Shutdown(context.Context) error   { return nil }
func (p *logProcessor) ForceFlush(context.Context) error { return nil }
