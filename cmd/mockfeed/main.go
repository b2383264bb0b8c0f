package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/navid-fn/candlestream/configs"
	"github.com/navid-fn/candlestream/internal/mockfeed"
)

func main() {
	cfg := configs.AppLoad()

	var (
		addr     string
		legacy   bool
		bare     bool
		interval time.Duration
		seed     string
	)
	flag.StringVar(&addr, "addr", cfg.MockFeedAddr, "Listen address (overrides MOCK_FEED_ADDR)")
	flag.BoolVar(&legacy, "legacy-acks", false, "Answer subscriptions with the plain-text ack forms")
	flag.BoolVar(&bare, "bare-history", false, "Serve history as bare base64")
	flag.DurationVar(&interval, "interval", time.Second, "Pace of generated trades")
	flag.StringVar(&seed, "seed", cfg.Symbol, "Comma-separated symbols to pre-fill with 120 candles of history")
	flag.Parse()

	logger := configs.NewLogger(cfg.LogLevel)
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	feed := mockfeed.New(mockfeed.Config{
		LegacyAcks:      legacy,
		BareHistoryBody: bare,
		TradeInterval:   interval,
	}, logger)
	for _, symbol := range strings.Split(seed, ",") {
		if symbol = strings.TrimSpace(symbol); symbol != "" {
			feed.SeedHistory(symbol, 120, time.Now())
		}
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           feed.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go feed.Run(ctx)
	go func() {
		logger.Infof("Mock feed listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Received shutdown signal, gracefully shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
}
