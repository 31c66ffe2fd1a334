/*
Package main runs the trading core server.

The server opens one WebSocket session to the configured exchange, aggregates bars
from its trade feed and streams them to gRPC clients. With trading enabled it also
runs the execution engine, which follows every placed order through the private
order feed and writes completed trade logs to CSV files or Postgres.

Configuration is read from the environment (TRADECORE_* variables) and an optional
.env file; flags override the listen address and log level.

Usage:

	go run main.go -env=.env -port=:50051 -log-level=debug
*/
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradecore/internal/config"
	"tradecore/internal/service"

	"github.com/grafana/pyroscope-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// Command-line flags for configuring the server behavior
var (
	// envFile is loaded before the environment is read
	envFile = flag.String("env", ".env", "Path of an optional .env file")
	// port overrides TRADECORE_GRPC_ADDRESS
	port = flag.String("port", "", "The server port")
	// logLevel overrides TRADECORE_LOG_LEVEL
	logLevel = flag.String("log-level", "", "Log level: trace, debug, info, warn or error")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if *port != "" {
		cfg.Server.GRPCAddress = *port
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	setupLogger(cfg.Logging)

	if cfg.Profiling.ServerAddress != "" {
		profiler, err := startProfiler(cfg.Profiling, cfg.Exchange.Name)
		if err != nil {
			log.Fatal().Err(err).Msg("pyroscope start failed")
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := service.NewRuntime(cfg, &log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build runtime")
	}

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddress)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen")
	}

	// Keepalive settings keep long-lived bar streams stable
	s := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			MaxConnectionAge:  30 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
	)
	service.RegisterBarServiceServer(s, rt.BarService())

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	runErr := make(chan error, 1)
	go func() {
		runErr <- rt.Run(ctx)
	}()

	go func() {
		if err := s.Serve(lis); err != nil {
			log.Error().Err(err).Msg("failed to serve")
			stop()
		}
	}()
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	log.Info().
		Str("port", cfg.Server.GRPCAddress).
		Str("exchange", cfg.Exchange.Name).
		Strs("instruments", cfg.Exchange.Instruments).
		Str("freq", cfg.Exchange.BarFrequency).
		Bool("trading", cfg.Trading.Enabled).
		Msg("server starting")

	err = <-runErr
	log.Info().Msg("initiating graceful shutdown")
	healthServer.Shutdown()
	s.GracefulStop()
	if err != nil {
		log.Fatal().Err(err).Msg("runtime failed")
	}
	log.Info().Msg("server stopped")
}

// setupLogger configures the global zerolog logger.
func setupLogger(cfg config.LoggingConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func startProfiler(cfg config.ProfilingConfig, exchange string) (*pyroscope.Profiler, error) {
	return pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.ApplicationName,
		ServerAddress:   cfg.ServerAddress,
		Tags: map[string]string{
			"exchange": exchange,
		},
		Logger: profilerLogger{logger: log.With().Str("component", "pyroscope").Logger()},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
}

// profilerLogger routes pyroscope messages through zerolog.
type profilerLogger struct {
	logger zerolog.Logger
}

func (l profilerLogger) Infof(format string, args ...any) { l.logger.Debug().Msgf(format, args...) }
func (l profilerLogger) Debugf(format string, args ...any) { l.logger.Trace().Msgf(format, args...) }
func (l profilerLogger) Errorf(format string, args ...any) { l.logger.Error().Msgf(format, args...) }
