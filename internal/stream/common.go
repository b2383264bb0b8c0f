// Package stream owns one websocket connection to the trade feed: connect,
// reconnect with backoff, subscribe/unsubscribe handshake and frame dispatch.
package stream

import (
	"errors"
	"time"
)

const (
	DefaultConnectDelay         = 250 * time.Millisecond
	DefaultConnectTimeout       = 5 * time.Second
	DefaultInitialBackoff       = 1 * time.Second
	DefaultMaxBackoff           = 30 * time.Second
	DefaultMaxReconnectAttempts = 5

	// Connection health
	DefaultPingInterval = 30 * time.Second
	DefaultReadTimeout  = 60 * time.Second
	WriteTimeout        = 10 * time.Second
)

var (
	ErrConnectivityExhausted = errors.New("reconnect attempts exhausted")
	ErrSubscriptionRejected  = errors.New("subscription rejected")
	ErrNotOpen               = errors.New("connection is not open")
)

// State is the lifecycle position of a Connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosedPendingRetry
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosedPendingRetry:
		return "closed_pending_retry"
	default:
		return "unknown"
	}
}

// Status is the coarse connection state reported to consumers.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Config holds the connection settings.
type Config struct {
	URL string

	// ConnectDelay defers the first dial after Start.
	ConnectDelay time.Duration

	// ConnectTimeout bounds a single websocket handshake.
	ConnectTimeout time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// MaxReconnectAttempts is the number of consecutive failures after which
	// the connection halts.
	MaxReconnectAttempts int

	// PingInterval enables client pings when positive. The read deadline is
	// then ReadTimeout, extended on every pong.
	PingInterval time.Duration
	ReadTimeout  time.Duration
}

// DefaultConfig returns a default configuration for url
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		ConnectDelay:         DefaultConnectDelay,
		ConnectTimeout:       DefaultConnectTimeout,
		InitialBackoff:       DefaultInitialBackoff,
		MaxBackoff:           DefaultMaxBackoff,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		PingInterval:         DefaultPingInterval,
		ReadTimeout:          DefaultReadTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.ConnectDelay < 0 {
		c.ConnectDelay = 0
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.PingInterval > 0 && c.ReadTimeout <= c.PingInterval {
		c.ReadTimeout = 2 * c.PingInterval
	}
	return c
}

// NextBackoff doubles cur, capped at max.
func NextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max || next <= 0 {
		return max
	}
	return next
}
