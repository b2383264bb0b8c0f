// Package configs provides application configuration loaded from environment variables.
// A .env file in the working directory is read first when present.
package configs

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// AppConfig holds all application configuration.
// Load it once at startup using AppLoad().
type AppConfig struct {
	// Symbol is the token id tracked by the aggregator.
	Symbol string

	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string

	Stream  StreamConfig
	History HistoryConfig
	Session SessionConfig
	Kafka   KafkaConfig

	// MockFeedAddr is the listen address of cmd/mockfeed.
	MockFeedAddr string
}

// StreamConfig holds the trade feed websocket settings.
type StreamConfig struct {
	// URL is the websocket endpoint (e.g., "ws://localhost:8090/ws").
	URL string

	ConnectDelay         time.Duration
	ConnectTimeout       time.Duration
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	MaxReconnectAttempts int

	// PingInterval of 0 disables client pings.
	PingInterval time.Duration
}

// HistoryConfig holds the candle history endpoint settings.
type HistoryConfig struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	RetryAttempts     int
}

// SessionConfig holds the candle series settings.
type SessionConfig struct {
	PollInterval     time.Duration
	MaxCandles       int
	PruneInterval    time.Duration
	PruneMaxAgeHours int
}

// KafkaConfig holds the snapshot publisher settings.
type KafkaConfig struct {
	Enabled bool

	// Broker is the Kafka broker address (e.g., "localhost:9092").
	Broker string

	// SnapshotTopic receives the latest candle of every snapshot.
	SnapshotTopic string
}

// AppLoad loads all application configuration from environment variables.
// It attempts to load a .env file first (for local development).
func AppLoad() *AppConfig {
	_ = godotenv.Load() // .env is optional

	return &AppConfig{
		Symbol:   getEnv("SYMBOL", ""),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Stream: StreamConfig{
			URL:                  getEnv("STREAM_URL", "ws://localhost:8090/ws"),
			ConnectDelay:         getEnvDuration("STREAM_CONNECT_DELAY", 250*time.Millisecond),
			ConnectTimeout:       getEnvDuration("STREAM_CONNECT_TIMEOUT", 5*time.Second),
			InitialBackoff:       getEnvDuration("STREAM_INITIAL_BACKOFF", time.Second),
			MaxBackoff:           getEnvDuration("STREAM_MAX_BACKOFF", 30*time.Second),
			MaxReconnectAttempts: getEnvInt("STREAM_MAX_RECONNECT_ATTEMPTS", 5),
			PingInterval:         getEnvDuration("STREAM_PING_INTERVAL", 30*time.Second),
		},
		History: HistoryConfig{
			BaseURL:           getEnv("HISTORY_BASE_URL", "http://localhost:8090"),
			Timeout:           getEnvDuration("HISTORY_TIMEOUT", 10*time.Second),
			RequestsPerSecond: getEnvFloat("HISTORY_RPS", 5),
			RetryAttempts:     getEnvInt("HISTORY_RETRY_ATTEMPTS", 3),
		},
		Session: SessionConfig{
			PollInterval:     getEnvDuration("POLL_INTERVAL", 60*time.Second),
			MaxCandles:       getEnvInt("MAX_CANDLES", 1000),
			PruneInterval:    getEnvDuration("PRUNE_INTERVAL", 0),
			PruneMaxAgeHours: getEnvInt("PRUNE_MAX_AGE_HOURS", 24),
		},
		Kafka: KafkaConfig{
			Enabled:       getEnvBool("KAFKA_ENABLED", false),
			Broker:        getEnv("KAFKA_BROKER", "localhost:9092"),
			SnapshotTopic: getEnv("KAFKA_SNAPSHOT_TOPIC", "candle_snapshots"),
		},
		MockFeedAddr: getEnv("MOCK_FEED_ADDR", ":8090"),
	}
}

// Validate reports every setting the aggregator cannot run with.
func (c *AppConfig) Validate() error {
	var errs []error

	if c.Symbol == "" {
		errs = append(errs, errors.New("SYMBOL is required"))
	}
	if u, err := url.Parse(c.Stream.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("STREAM_URL must be a ws:// or wss:// url, got %q", c.Stream.URL))
	}
	if u, err := url.Parse(c.History.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("HISTORY_BASE_URL must be an http(s) url, got %q", c.History.BaseURL))
	}
	if c.Stream.InitialBackoff <= 0 || c.Stream.MaxBackoff < c.Stream.InitialBackoff {
		errs = append(errs, errors.New("STREAM_MAX_BACKOFF must be >= STREAM_INITIAL_BACKOFF > 0"))
	}
	if c.Stream.MaxReconnectAttempts <= 0 {
		errs = append(errs, errors.New("STREAM_MAX_RECONNECT_ATTEMPTS must be positive"))
	}
	if c.Session.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.Session.MaxCandles <= 0 {
		errs = append(errs, errors.New("MAX_CANDLES must be positive"))
	}
	if c.Kafka.Enabled && (c.Kafka.Broker == "" || c.Kafka.SnapshotTopic == "") {
		errs = append(errs, errors.New("KAFKA_BROKER and KAFKA_SNAPSHOT_TOPIC are required when KAFKA_ENABLED"))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	return errors.Join(errs...)
}

// NewLogger builds the process logger. Unknown levels fall back to info.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return logger
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvDuration accepts Go durations ("1500ms", "2s") or plain seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
