// Package main provides the entry point for the trading engine server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marketgrid/trading-engine/internal/api"
	"github.com/marketgrid/trading-engine/internal/broker"
	"github.com/marketgrid/trading-engine/internal/config"
	"github.com/marketgrid/trading-engine/internal/manager"
	"github.com/marketgrid/trading-engine/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	host := flag.String("host", "", "Override server host")
	port := flag.Int("port", 0, "Override server port")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	paperTrading := flag.Bool("paper", true, "Trade against the in-process simulated broker")
	feedURL := flag.String("feed-url", "", "WebSocket tick feed URL (live mode)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if len(cfg.SymbolsToTrade) == 0 {
		cfg.SymbolsToTrade = []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}
	}

	logger.Info("Starting trading engine",
		zap.Strings("symbols", cfg.SymbolsToTrade),
		zap.Bool("paperTrading", *paperTrading),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	brk := buildBroker(logger, cfg, *paperTrading, *feedURL)

	mgr, err := manager.New(logger, cfg, brk)
	if err != nil {
		logger.Fatal("Failed to build engine manager", zap.Error(err))
	}

	if err := mgr.StartAll(ctx); err != nil {
		logger.Fatal("Failed to start engines", zap.Error(err))
	}

	server := api.NewServer(logger, cfg.Server, mgr)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}()

	logger.Info("Server started successfully",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("metrics", fmt.Sprintf("http://%s:%d/metrics", cfg.Server.Host, cfg.Server.Port)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received")

	if err := mgr.StopAll(30 * time.Second); err != nil {
		logger.Error("Error stopping engines", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	cancel()
	logger.Info("Server stopped")
}

// buildBroker selects the trading backend: the seeded in-process simulator
// for paper mode, optionally fed by a live WebSocket tick stream, with every
// variant wrapped in a circuit breaker.
func buildBroker(logger *zap.Logger, cfg *config.Config, paper bool, feedURL string) broker.Broker {
	sim := broker.NewSim(logger, broker.DefaultSimConfig(cfg.SymbolsToTrade))

	var inner broker.Broker = sim
	if !paper && feedURL != "" {
		inner = &feedOverride{Broker: sim, feed: broker.NewWSFeed(logger, feedURL)}
		logger.Info("Using live WebSocket tick feed", zap.String("url", feedURL))
	}

	return broker.NewCircuitBreakerBroker(logger, inner, broker.DefaultBreakerSettings())
}

// feedOverride keeps the simulator's order and history surface but sources
// live ticks from a WebSocket feed.
type feedOverride struct {
	broker.Broker
	feed *broker.WSFeed
}

func (f *feedOverride) StreamTicks(ctx context.Context) (<-chan types.MarketData, error) {
	return f.feed.StreamTicks(ctx)
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
