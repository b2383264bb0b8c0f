package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/navid-fn/candlestream/configs"
	"github.com/navid-fn/candlestream/internal/aggregator"
	"github.com/navid-fn/candlestream/internal/faulttolerance"
	"github.com/navid-fn/candlestream/internal/history"
	"github.com/navid-fn/candlestream/internal/publisher"
	"github.com/navid-fn/candlestream/internal/store"
	"github.com/navid-fn/candlestream/internal/stream"
)

func main() {
	cfg := configs.AppLoad()

	flag.StringVar(&cfg.Symbol, "symbol", cfg.Symbol, "Token id to track (overrides SYMBOL)")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration:\n%v\n", err)
		os.Exit(1)
	}

	logger := configs.NewLogger(cfg.LogLevel)
	logger.Infof("Starting aggregator for symbol: %s", cfg.Symbol)

	hcfg := history.DefaultConfig(cfg.History.BaseURL)
	hcfg.RequestTimeout = cfg.History.Timeout
	hcfg.RequestsPerSecond = cfg.History.RequestsPerSecond
	hcfg.Retry = faulttolerance.DefaultRetryConfig("history-retry")
	hcfg.Retry.MaxAttempts = cfg.History.RetryAttempts
	client := history.NewClient(hcfg, logger)

	var pub *publisher.KafkaPublisher
	if cfg.Kafka.Enabled {
		var err error
		pub, err = publisher.NewKafkaPublisher(cfg.Kafka.Broker, cfg.Kafka.SnapshotTopic, logger)
		if err != nil {
			logger.Fatalf("Kafka publisher: %v", err)
		}
		pub.StartDeliveryReport()
		defer pub.Close()
	}

	listener := aggregator.Listener{
		OnSnapshot: func(s aggregator.Snapshot) {
			if last := len(s.Candles) - 1; last >= 0 {
				c := s.Candles[last]
				logger.Infof("[%s] %d candles, last t=%d o=%.8g h=%.8g l=%.8g c=%.8g vIn=%.8g vOut=%.8g",
					s.Symbol, len(s.Candles), c.Timestamp, c.Open, c.High, c.Low, c.Close, c.VolumeIn, c.VolumeOut)
			}
			if pub != nil {
				if err := pub.PublishSnapshot(s); err != nil {
					logger.Errorf("publish snapshot: %v", err)
				}
			}
		},
		OnError: func(err error) {
			logger.Errorf("session error: %v", err)
		},
		OnConnection: func(st stream.Status) {
			logger.Infof("stream %s", st)
		},
	}

	session := aggregator.NewSession(aggregator.Config{
		Stream: stream.Config{
			URL:                  cfg.Stream.URL,
			ConnectDelay:         cfg.Stream.ConnectDelay,
			ConnectTimeout:       cfg.Stream.ConnectTimeout,
			InitialBackoff:       cfg.Stream.InitialBackoff,
			MaxBackoff:           cfg.Stream.MaxBackoff,
			MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
			PingInterval:         cfg.Stream.PingInterval,
		},
		Store:            store.Config{MaxCandles: cfg.Session.MaxCandles},
		PollInterval:     cfg.Session.PollInterval,
		HistoryTimeout:   client.CallBudget(),
		PruneInterval:    cfg.Session.PruneInterval,
		PruneMaxAgeHours: cfg.Session.PruneMaxAgeHours,
		AutoConnect:      true,
	}, client, listener, logger)
	defer session.Destroy()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := session.Initialize(ctx, cfg.Symbol); err != nil {
		logger.Warnf("Starting without history: %v", err)
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal, gracefully shutting down...")
}
