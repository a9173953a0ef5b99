package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/OpenUpSA/dexi/internal/app"
	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/server"
)

func main() {
	cfg, err := common.LoadConfig()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(2)
	}
	logger := common.NewLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build service", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(30 * time.Second); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	if err := a.Client.HealthCheck(ctx, 5*time.Second); err != nil {
		logger.Error("failed to ping database", "error", err)
		return
	}
	if err := a.Start(ctx); err != nil {
		logger.Error("failed to start pipeline", "error", err)
		return
	}

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Error("failed to listen on address", "addr", cfg.Server.GRPCAddr, "error", err)
		return
	}
	grpcServer := grpc.NewServer()
	a.Server.Register(grpcServer)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(server.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	serveErr := make(chan error, 1)
	go func() { serveErr <- grpcServer.Serve(lis) }()
	logger.Info("dexid listening", "addr", cfg.Server.GRPCAddr, "queue", cfg.Queue.Backend, "storage", cfg.Storage.Backend)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		logger.Error("gRPC serve error", "error", err)
	}
	logger.Info("shutting down")
	healthServer.Shutdown()
	grpcServer.GracefulStop()
}
