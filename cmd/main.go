package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/cwrk-planet/coderoom-service/config"
	"github.com/cwrk-planet/coderoom-service/internal/catalog"
	"github.com/cwrk-planet/coderoom-service/internal/coordinator"
	"github.com/cwrk-planet/coderoom-service/internal/identity"
	"github.com/cwrk-planet/coderoom-service/internal/persistence"
	"github.com/cwrk-planet/coderoom-service/internal/security"
	"github.com/cwrk-planet/coderoom-service/internal/service"
	"github.com/cwrk-planet/coderoom-service/internal/session"
	grpcx "github.com/cwrk-planet/coderoom-service/internal/transport/grpc"
	httpx "github.com/cwrk-planet/coderoom-service/internal/transport/http"
	"github.com/cwrk-planet/coderoom-service/internal/transport/ws"
	"github.com/cwrk-planet/coderoom-service/pkg/logger"
)

func main() {
	// --- config ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.Init(logger.Config{
		Env:       logger.Env(cfg.Logging.Env),
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Backend:   logger.Backend(cfg.Logging.Backend),
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})
	slog.Info("starting coderoom-service",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version, "storage", cfg.Storage.Backend)

	shutdownTracing := setupTracing(cfg.Tracing.Enabled, cfg.Tracing.SampleRatio)

	// --- storage ---
	ctx := context.Background()
	be, err := openBackend(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer be.close()

	// --- auth ---
	pub, err := security.LoadRSAPublicKeyFromPEM(cfg.Security.JWT.PublicKeyPath)
	if err != nil {
		log.Fatalf("jwt public key: %v", err)
	}
	verifier := security.NewVerifier(pub, cfg.Security.JWT.Issuer, cfg.Security.JWT.Audience, cfg.Security.JWT.ClockSkew)
	auth := identity.NewAuthenticator(verifier, be.users)

	// --- rooms ---
	writer := persistence.NewWriter(be.store, cfg.Persistence.WriterConfig(), logger.L())
	writer.Start()

	reg := session.NewRegistry()
	relay := ws.NewRelay(reg, logger.L())
	coord := coordinator.New(be.store, writer, relay, reg, coordinator.Config{
		Limits:       cfg.Rooms.Limits(),
		IdleTimeout:  cfg.Rooms.IdleTimeout,
		FlushTimeout: cfg.Rooms.FlushTimeout,
	}, coordinator.WithLogger(logger.L()))

	roomSvc := service.NewRoomService(be.store, be.store, coord, catalog.New(be.problems), cfg.Rooms.Limits())
	sweeper := service.NewSweeper(roomSvc, cfg.Sweeper.Interval)

	// --- WS ---
	wsServer := ws.NewServer(reg, coord, auth, cfg.Realtime.WSConfig())

	// --- HTTP ---
	router := httpx.NewRouter(httpx.Deps{
		Handler:        httpx.NewHandler(roomSvc),
		Auth:           auth,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		WS:             wsServer.Routes,
	})
	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	// --- gRPC ---
	grpcSrv := grpcx.New(roomSvc, auth, cfg.GRPC.CallTimeout)

	writer.OnStatusChange(func(degraded bool) {
		coord.PersistenceStatus(degraded)
		grpcSrv.SetPersistenceDegraded(degraded)
	})
	sweeper.Start()

	// --- run both servers ---
	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		slog.Info("http listen", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		slog.Info("grpc listen", "addr", cfg.GRPC.Addr)
		if err := grpcSrv.GRPC.Serve(lis); err != nil {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})

	// --- graceful shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down", "cause", context.Cause(gctx))

		ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// сначала закрываем входы, потом акторы, последним writer сбрасывает снапшоты
		if err := httpSrv.Shutdown(ctxShutdown); err != nil {
			slog.Warn("http shutdown", "err", err)
		}
		if err := wsServer.Shutdown(ctxShutdown); err != nil {
			slog.Warn("ws shutdown", "err", err)
		}
		grpcSrv.Stop()
		sweeper.Stop()
		if err := coord.Shutdown(ctxShutdown); err != nil {
			slog.Warn("coordinator shutdown", "err", err)
		}
		if err := writer.Close(ctxShutdown); err != nil {
			slog.Error("persistence flush incomplete", "err", err)
		}
		_ = shutdownTracing(ctxShutdown)
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
	}
	slog.Info("stopped")
}
