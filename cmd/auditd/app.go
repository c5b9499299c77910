package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthv1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/audit"
	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/audit/healthcache"
	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/audit/sqlstore"
	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/auth"
	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/clock"
	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/config"
	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/server"
)

const shutdownTimeout = 10 * time.Second

var unauthenticatedGRPCMethods = []string{
	"/grpc.health.v1.Health/Check",
	"/grpc.health.v1.Health/Watch",
	"/grpc.health.v1.Health/List",
}

type app struct {
	cfg      config.Config
	logger   *slog.Logger
	chain    sqlstore.Chain
	redis    *redis.Client
	recorder *audit.Recorder
	monitor  *server.HealthMonitor
	grpc     *grpc.Server
	handler  http.Handler
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	clk := clock.RealClock{}
	a := &app{cfg: cfg, logger: logger}

	tlsCfg, err := server.BuildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("configure tls: %w", err)
	}
	operators, err := auth.ParseOperators(cfg.Operators)
	if err != nil {
		return nil, fmt.Errorf("configure operators: %w", err)
	}
	if operators.Len() == 0 {
		logger.Warn("no operators configured; login is disabled")
	}

	a.chain, err = sqlstore.OpenChain(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open chain store: %w", err)
	}
	logger.Info("chain store ready", "driver", cfg.DatabaseDriver)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := server.NewMetricsWith(reg)

	writer := audit.NewWriter(a.chain, clk, cfg.WriterConfig())
	writer.Logger = logger
	writer.Observer = metrics
	a.recorder = audit.NewRecorder(writer, logger)

	verifier := audit.NewVerifier(a.chain)
	verifier.Observer = metrics
	verifier.SkewTolerance = cfg.ClockSkewTolerance
	reporter := audit.NewReporter(a.chain, verifier, clk, cfg.HealthWindow)
	reporter.Observer = metrics

	hs := health.NewServer()
	a.monitor = &server.HealthMonitor{
		Source:   reporter,
		Health:   hs,
		Interval: cfg.HealthInterval,
		Logger:   logger,
	}
	var healthSource server.HealthSource = reporter
	if cfg.RedisAddr != "" {
		client, err := healthcache.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("health cache disabled", "redis_addr", cfg.RedisAddr, "error", err)
		} else {
			a.redis = client
			cached := healthcache.NewCachedReporter(client, reporter, cfg.HealthCacheTTL)
			cached.Logger = logger
			healthSource = cached
			a.monitor.Refresh = cached.Refresh
			a.recorder.OnRecorded = func(ctx context.Context, e audit.Entry) {
				if err := cached.Invalidate(ctx); err != nil {
					logger.WarnContext(ctx, "health cache invalidation failed", "sequence", e.Sequence, "error", err)
				}
			}
		}
	}

	guard, err := server.NewRemoteAccessGuard(clk, a.recorder, cfg.TrustedCIDRs)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("configure remote access guard: %w", err)
	}
	guard.SetDecisionObserver(metrics.ObserveRemoteAccessDecision)
	guard.SetLogStateObserver(metrics.ObserveRemoteAccessLogState)

	gwMux := runtime.NewServeMux()
	gateway := &server.AuditGateway{
		Store:    a.chain,
		Recorder: a.recorder,
		Verifier: verifier,
		Reporter: reporter,
		Health:   healthSource,
		Guard:    guard,
		Limiter:  rate.NewLimiter(rate.Limit(cfg.VerifyRatePerSec), cfg.VerifyBurst),
	}
	if err := gateway.Register(gwMux); err != nil {
		a.Close()
		return nil, fmt.Errorf("register audit gateway: %w", err)
	}
	login := &server.LoginHandler{
		Operators: operators,
		Signer:    auth.NewJWTSigner(cfg.JWTSecret),
		Recorder:  a.recorder,
		Clock:     clk,
		TokenTTL:  cfg.TokenTTL,
		Limiter:   rate.NewLimiter(rate.Limit(5), 10),
	}
	if err := login.Register(gwMux); err != nil {
		a.Close()
		return nil, fmt.Errorf("register login gateway: %w", err)
	}

	jwtVerifier := auth.NewJWTVerifier(cfg.JWTSecret)
	mux := http.NewServeMux()
	server.SystemHandler{Ready: a.chain.Ping, Gatherer: reg}.Register(mux)
	api := auth.HTTPJWTMiddlewareWithSkips(jwtVerifier, gwMux, []string{"/v1/auth/login"})
	mux.Handle("/", guard.Wrap(api))
	a.handler = server.HTTPMetricsMiddleware(metrics, mux)

	grpcOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			server.UnaryMetricsInterceptor(metrics),
			auth.UnaryJWTInterceptor(jwtVerifier, unauthenticatedGRPCMethods),
		),
		grpc.ChainStreamInterceptor(auth.StreamJWTInterceptor(jwtVerifier, unauthenticatedGRPCMethods)),
	}
	if tlsCfg != nil {
		grpcOpts = append(grpcOpts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	a.grpc = grpc.NewServer(grpcOpts...)
	hs.SetServingStatus("", healthv1.HealthCheckResponse_SERVING)
	healthv1.RegisterHealthServer(a.grpc, hs)
	return a, nil
}

// Serve runs the gRPC and HTTP listeners plus the health monitor until ctx
// is cancelled, then shuts everything down gracefully.
func (a *app) Serve(ctx context.Context) error {
	tlsCfg, err := server.BuildTLSConfig(a.cfg.TLS)
	if err != nil {
		return fmt.Errorf("configure tls: %w", err)
	}
	grpcListener, err := net.Listen("tcp", a.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	httpListener, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		_ = grpcListener.Close()
		return fmt.Errorf("listen http: %w", err)
	}
	httpServer := &http.Server{
		Handler:           a.handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("grpc listening", "addr", grpcListener.Addr().String())
		if err := a.grpc.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.logger.Info("http listening", "addr", httpListener.Addr().String(), "tls", tlsCfg != nil)
		var err error
		if tlsCfg != nil {
			err = httpServer.ServeTLS(httpListener, "", "")
		} else {
			err = httpServer.Serve(httpListener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.monitor.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.grpc.GracefulStop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.chain.Close(); err != nil {
		a.logger.Error("close chain store", "error", err)
	}
}
