/*
Package main implements a gRPC client for the trading core bar stream.

The client checks the server's health, subscribes to bars of the given logical
instruments and logs every bar it receives until interrupted.

Usage:

	go run main.go -addr=localhost:50051 -instruments=btc_usd_perp,eth_usd_perp
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tradecore/internal/service"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Command-line flags for configuring the client connection and subscription
var (
	// serverAddr specifies the gRPC server address to connect to
	serverAddr = flag.String("addr", "localhost:50051", "The server address in the format host:port")
	// instruments contains the comma-separated logical instrument names to subscribe to
	instruments = flag.String("instruments", "btc_usd_perp,eth_usd_perp", "Comma-separated list of instruments to subscribe to")
	// completeOnly skips in-progress bar snapshots
	completeOnly = flag.Bool("complete-only", false, "Only log completed bars")
)

func main() {
	flag.Parse()

	log := zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()

	if err := validateConfig(); err != nil {
		log.Fatal().Err(err).Msg("Configuration error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal().Err(err).Msg("did not connect")
	}
	defer conn.Close()

	if err := checkHealth(ctx, conn); err != nil {
		log.Fatal().Err(err).Msg("server is not serving")
	}

	instrumentList := strings.Split(*instruments, ",")
	log.Info().Strs("instruments", instrumentList).Msg("subscribing")

	stream, err := service.NewBarClient(conn).StreamBars(ctx, &service.BarRequest{Instruments: instrumentList})
	if err != nil {
		log.Fatal().Err(err).Msg("could not subscribe")
	}

	for {
		bar, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			log.Info().Msg("stream has closed")
			return
		}
		if status.Code(err) == codes.Canceled {
			log.Info().Msg("received shutdown signal")
			return
		}
		if err != nil {
			log.Fatal().Err(err).Msg("failed to receive bar")
		}
		if *completeOnly && !bar.Complete {
			continue
		}

		start := bar.Timestamp
		if sec, err := strconv.ParseFloat(bar.Timestamp, 64); err == nil {
			start = time.Unix(int64(sec), 0).UTC().Format(time.RFC3339)
		}

		log.Info().
			Str("exchange", bar.Exchange).
			Str("instrument", bar.Instrument).
			Str("freq", bar.Freq).
			Str("start_time", start).
			Str("open", bar.Open).
			Str("high", bar.High).
			Str("low", bar.Low).
			Str("close", bar.Close).
			Str("volume", bar.Volume).
			Bool("complete", bar.Complete).
			Msg("received bar")
	}
}

func checkHealth(ctx context.Context, conn *grpc.ClientConn) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return err
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("health status %s", resp.GetStatus())
	}
	return nil
}

// validateConfig ensures the required flags are set before connecting.
func validateConfig() error {
	if strings.TrimSpace(*instruments) == "" {
		return fmt.Errorf("instrument list cannot be empty")
	}
	if *serverAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	return nil
}
