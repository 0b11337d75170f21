package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coedit-dev/collab-broker/internal/config"
	"github.com/coedit-dev/collab-broker/internal/credentials"
	"github.com/coedit-dev/collab-broker/internal/health"
	"github.com/coedit-dev/collab-broker/internal/logging"
	"github.com/coedit-dev/collab-broker/internal/relay"
	"github.com/coedit-dev/collab-broker/internal/room"
	"github.com/coedit-dev/collab-broker/internal/server"
	"github.com/coedit-dev/collab-broker/internal/tracing"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const serviceName = "collab-broker"

var rootCmd = &cobra.Command{
	Use:   "broker",
	Short: "collab-broker — real-time collaboration session broker",
}

var (
	flagPort     int
	flagHostname string
	flagDev      bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the broker HTTP/WebSocket server",
	RunE:  runStart,
}

func main() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	startCmd.Flags().IntVar(&flagPort, "port", 8100, "port to listen on")
	startCmd.Flags().StringVar(&flagHostname, "hostname", "localhost", "hostname to bind")
	startCmd.Flags().BoolVar(&flagDev, "dev", false, "enable development mode (relaxed token validation, verbose logs)")
	rootCmd.AddCommand(startCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load() // best-effort; broker runs fine from pure environment

	cfg, err := config.ValidateEnv()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if flagPort != 0 {
		cfg.Port = fmt.Sprintf("%d", flagPort)
	}
	if flagHostname != "" {
		cfg.Hostname = flagHostname
	}
	if flagDev {
		cfg.DevMode = true
	}

	if err := logging.Initialize(cfg.DevMode); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := logging.GetLogger()

	if cfg.DevMode {
		gin.SetMode(gin.DebugMode)
		logger.Warn("running in DEVELOPMENT MODE — relaxed defaults, do not use in production")
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.OTLPAddr != "" {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.OTLPAddr)
		if err != nil {
			logger.Warn("failed to initialize tracing, continuing without it", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	broker := credentials.New(cfg.JWTSecret)
	broker.SetDevMode(cfg.DevMode)
	rooms := room.NewManager(broker)
	rl := relay.New(rooms)
	rooms.SetRelay(rl)
	checker := health.NewChecker(broker, rooms)

	srv := server.New(broker, rooms, checker)
	router := srv.Router(serviceName)

	addr := fmt.Sprintf(":%s", cfg.Port)
	httpServer := &http.Server{Addr: addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("broker listening", zap.String("hostname", cfg.Hostname), zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed to start: %w", err)
	case <-quit:
		logger.Info("shutdown signal received")
	}

	rooms.CloseAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
		return err
	}

	logger.Info("broker exited cleanly")
	return nil
}
