// Package aggregator ties the history client, the trade stream and the
// candle store together for one tracked symbol.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/candlestream/internal/faulttolerance"
	"github.com/navid-fn/candlestream/internal/models"
	"github.com/navid-fn/candlestream/internal/store"
	"github.com/navid-fn/candlestream/internal/stream"
)

const (
	DefaultPollInterval   = 60 * time.Second
	DefaultHistoryTimeout = 15 * time.Second
	notificationBuffer    = 256
)

var (
	ErrHistoryFetchFailed = errors.New("history fetch failed")
	ErrNoSymbol           = errors.New("no symbol to subscribe")
	ErrNotConnected       = errors.New("stream is not connected")
	ErrInvalidTrade       = errors.New("invalid trade")
	ErrDestroyed          = errors.New("session destroyed")
)

// HistoryFetcher loads candles for a symbol.
type HistoryFetcher interface {
	FetchHistoryCandles(ctx context.Context, symbol string) ([]models.Candle, error)
	FetchSingleCandle(ctx context.Context, symbol string) (models.Candle, bool, error)
}

type Config struct {
	Stream stream.Config
	Store  store.Config

	// PollInterval paces the single-candle backstop poll.
	PollInterval time.Duration

	// HistoryTimeout bounds every history call.
	HistoryTimeout time.Duration

	// PruneInterval enables a maintenance prune to PruneMaxAgeHours when positive.
	PruneInterval    time.Duration
	PruneMaxAgeHours int

	// AutoConnect starts the stream on Initialize.
	AutoConnect bool
}

// Snapshot is an immutable view of the session series.
type Snapshot struct {
	Symbol         string          `json:"symbol"`
	Candles        []models.Candle `json:"candles"`
	LastUpdateTime time.Time       `json:"last_update_time"`
	IsLoading      bool            `json:"is_loading"`
	Error          string          `json:"error,omitempty"`
}

// Listener receives session notifications in order on a single goroutine.
// Nil fields are skipped.
type Listener struct {
	OnSnapshot   func(Snapshot)
	OnTrade      func(models.Trade)
	OnError      func(error)
	OnConnection func(stream.Status)
}

// Session tracks one symbol. It is terminal after Destroy.
type Session struct {
	id        string
	cfg       Config
	history   HistoryFetcher
	listener  Listener
	logger    *logrus.Entry
	conn      *stream.Connection
	scheduler *gocron.Scheduler

	// mu guards every field below, including the store.
	mu         sync.Mutex
	store      *store.CandleStore
	symbol     string
	isLoading  bool
	lastErr    string
	lastUpdate time.Time
	pollJob    *gocron.Job
	pruneJob   *gocron.Job
	destroyed  bool

	events      chan func()
	done        chan struct{}
	destroyOnce sync.Once
}

func NewSession(cfg Config, history HistoryFetcher, listener Listener, logger *logrus.Logger) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = DefaultHistoryTimeout
	}

	id := uuid.NewString()
	s := &Session{
		id:        id,
		cfg:       cfg,
		history:   history,
		listener:  listener,
		logger:    logger.WithFields(logrus.Fields{"component": "aggregator", "session": id}),
		scheduler: gocron.NewScheduler(time.UTC),
		store:     store.New(cfg.Store),
		events:    make(chan func(), notificationBuffer),
		done:      make(chan struct{}),
	}
	s.conn = stream.NewConnection(cfg.Stream, stream.Handler{
		OnTrade:  s.handleTrade,
		OnError:  s.report,
		OnStatus: s.handleStatus,
	}, logger)

	s.scheduler.StartAsync()
	go s.dispatch()
	return s
}

func (s *Session) ID() string {
	return s.id
}

// Initialize switches the session to symbol: it loads history, seeds the
// store, schedules the poll and starts the stream when AutoConnect is set.
// A failed history load is reported and returned, but polling and
// streaming still start and candles already held for symbol are kept.
func (s *Session) Initialize(ctx context.Context, symbol string) error {
	if symbol == "" {
		s.report(ErrNoSymbol)
		return ErrNoSymbol
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	prev := s.symbol
	if prev != symbol {
		s.store.Clear()
	}
	s.symbol = symbol
	s.isLoading = true
	s.lastErr = ""
	s.removeJobsLocked()
	s.notifySnapshotLocked()
	s.mu.Unlock()

	log := s.logger.WithField("symbol", symbol)
	if prev != "" && prev != symbol {
		log.Infof("switching from %s", prev)
		if err := s.conn.Unsubscribe(); err != nil {
			log.Warnf("unsubscribe from %s: %v", prev, err)
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.HistoryTimeout)
	candles, fetchErr := s.history.FetchHistoryCandles(fetchCtx, symbol)
	cancel()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if current := s.symbol; current != symbol {
		s.mu.Unlock()
		return fmt.Errorf("initialize %s: superseded by %s", symbol, current)
	}
	s.isLoading = false
	if fetchErr != nil {
		fetchErr = fmt.Errorf("%w: %s: %v", ErrHistoryFetchFailed, symbol, fetchErr)
		s.lastErr = fetchErr.Error()
	} else {
		s.store.Clear()
		s.store.Seed(candles)
		s.lastUpdate = time.Now()
	}
	s.notifySnapshotLocked()
	if err := s.scheduleJobsLocked(symbol); err != nil {
		log.Errorf("schedule jobs: %v", err)
	}
	s.mu.Unlock()

	if fetchErr != nil {
		log.Warn(fetchErr)
		s.report(fetchErr)
	} else {
		log.Infof("loaded %d candles", len(candles))
	}

	switch {
	case s.cfg.AutoConnect && s.conn.State().State == stream.StateIdle:
		s.conn.Start()
	case prev != symbol && s.conn.IsOpen():
		_ = s.Subscribe(symbol)
	}
	return fetchErr
}

// Subscribe asks the stream for symbol, or the tracked symbol when empty.
// Failures are reported and returned, never queued.
func (s *Session) Subscribe(symbol string) error {
	s.mu.Lock()
	if symbol == "" {
		symbol = s.symbol
	}
	destroyed := s.destroyed
	s.mu.Unlock()

	var err error
	switch {
	case destroyed:
		return ErrDestroyed
	case symbol == "":
		err = ErrNoSymbol
	case !s.conn.IsOpen():
		err = fmt.Errorf("subscribe %s: %w", symbol, ErrNotConnected)
	default:
		err = s.conn.Subscribe(symbol)
	}
	if err != nil {
		s.report(err)
	}
	return err
}

// Connect starts the stream when it is idle: never started, or halted
// after exhausting its reconnect attempts.
func (s *Session) Connect() {
	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed || s.conn.State().State != stream.StateIdle {
		return
	}
	s.conn.Start()
}

// Prune trims candles older than maxAgeHours and returns how many went.
func (s *Session) Prune(maxAgeHours int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return 0
	}
	n := s.store.Prune(maxAgeHours)
	if n > 0 {
		s.logger.Debugf("pruned %d candles", n)
		s.lastUpdate = time.Now()
		s.notifySnapshotLocked()
	}
	return n
}

// Snapshot returns the current state without notifying listeners.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// ConnectionState exposes the stream bookkeeping.
func (s *Session) ConnectionState() stream.ConnectionState {
	return s.conn.State()
}

// Destroy stops the jobs and the stream and clears all state.
func (s *Session) Destroy() {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		s.destroyed = true
		s.mu.Unlock()
		// Listeners hear nothing once Destroy begins, including the
		// disconnect status the stream emits while stopping.
		close(s.done)

		s.scheduler.Stop()
		s.conn.Stop()

		s.mu.Lock()
		s.store.Clear()
		s.symbol = ""
		s.pollJob = nil
		s.pruneJob = nil
		s.mu.Unlock()

		s.logger.Info("session destroyed")
	})
}

func (s *Session) handleTrade(t models.Trade) {
	s.notify(func() {
		if s.listener.OnTrade != nil {
			s.listener.OnTrade(t)
		}
	})

	if err := validateTrade(t); err != nil {
		s.logger.Warn(err)
		s.report(err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.symbol == "" {
		return
	}
	res := s.store.Merge(t)
	if res.Changed() {
		s.lastUpdate = time.Now()
		s.notifySnapshotLocked()
	}
}

func (s *Session) handleStatus(st stream.Status) {
	s.notify(func() {
		if s.listener.OnConnection != nil {
			s.listener.OnConnection(st)
		}
	})

	if st != stream.StatusConnected {
		return
	}
	s.mu.Lock()
	symbol := s.symbol
	s.mu.Unlock()
	if symbol != "" {
		_ = s.Subscribe(symbol)
	}
}

// poll is the backstop for buckets the stream skipped.
func (s *Session) poll(symbol string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HistoryTimeout)
	defer cancel()

	log := s.logger.WithField("symbol", symbol)
	candle, ok, err := s.history.FetchSingleCandle(ctx, symbol)
	if err != nil {
		if errors.Is(err, faulttolerance.ErrCircuitOpen) {
			log.Debug("poll skipped, history breaker open")
			return
		}
		err = fmt.Errorf("%w: poll %s: %v", ErrHistoryFetchFailed, symbol, err)
		log.Warn(err)
		s.report(err)
		return
	}
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.symbol != symbol {
		return
	}
	s.store.Upsert(candle)
	s.lastUpdate = time.Now()
	s.notifySnapshotLocked()
}

func (s *Session) scheduleJobsLocked(symbol string) error {
	job, err := s.scheduler.Every(s.cfg.PollInterval).SingletonMode().WaitForSchedule().Do(s.poll, symbol)
	if err != nil {
		return fmt.Errorf("poll job: %w", err)
	}
	s.pollJob = job

	if s.cfg.PruneInterval > 0 && s.cfg.PruneMaxAgeHours > 0 {
		hours := s.cfg.PruneMaxAgeHours
		job, err := s.scheduler.Every(s.cfg.PruneInterval).SingletonMode().WaitForSchedule().Do(func() { s.Prune(hours) })
		if err != nil {
			return fmt.Errorf("prune job: %w", err)
		}
		s.pruneJob = job
	}
	return nil
}

func (s *Session) removeJobsLocked() {
	if s.pollJob != nil {
		s.scheduler.RemoveByReference(s.pollJob)
		s.pollJob = nil
	}
	if s.pruneJob != nil {
		s.scheduler.RemoveByReference(s.pruneJob)
		s.pruneJob = nil
	}
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Symbol:         s.symbol,
		Candles:        s.store.Snapshot(),
		LastUpdateTime: s.lastUpdate,
		IsLoading:      s.isLoading,
		Error:          s.lastErr,
	}
}

func (s *Session) notifySnapshotLocked() {
	if s.listener.OnSnapshot == nil {
		return
	}
	snap := s.snapshotLocked()
	s.notify(func() { s.listener.OnSnapshot(snap) })
}

func (s *Session) report(err error) {
	s.notify(func() {
		if s.listener.OnError != nil {
			s.listener.OnError(err)
		}
	})
}

// notify queues fn for the dispatcher. Callers may hold mu, so it never blocks.
func (s *Session) notify(fn func()) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- fn:
	default:
		s.logger.Warn("notification queue full, dropping event")
	}
}

func (s *Session) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.events:
			select {
			case <-s.done:
				return
			default:
			}
			fn()
		}
	}
}

func validateTrade(t models.Trade) error {
	for _, v := range []float64{t.Price, t.QuoteAmount, t.BaseAmount} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value at %d", ErrInvalidTrade, t.TradeTime)
		}
	}
	if t.Price <= 0 || t.QuoteAmount <= 0 || t.BaseAmount <= 0 {
		return fmt.Errorf("%w: non-positive price or amount at %d", ErrInvalidTrade, t.TradeTime)
	}
	return nil
}
