// Package mockfeed is a development stand-in for the trade feed: a websocket
// endpoint that acknowledges subscriptions and streams encoded trades, and
// HTTP endpoints that serve candle history as base64 batches.
package mockfeed

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/navid-fn/candlestream/internal/models"
	"github.com/navid-fn/candlestream/internal/wire"
)

// Config controls how the server answers.
type Config struct {
	// LegacyAcks answers with the plain-text acknowledgement forms.
	LegacyAcks bool

	// BareHistoryBody serves history as bare base64 instead of {"data": ...}.
	BareHistoryBody bool

	// RejectSymbols are answered with an error status.
	RejectSymbols []string

	// TradeInterval is the pace of generated trades in Run.
	TradeInterval time.Duration
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	subs    map[string]string // subscription id -> symbol
}

func (c *client) write(msgType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(msgType, payload)
}

type Server struct {
	cfg      Config
	logger   *logrus.Entry
	upgrader websocket.Upgrader

	mu      sync.Mutex
	history map[string][]models.Candle
	clients map[*client]struct{}
	prices  map[string]float64
}

func New(cfg Config, logger *logrus.Logger) *Server {
	if cfg.TradeInterval <= 0 {
		cfg.TradeInterval = time.Second
	}
	return &Server{
		cfg:      cfg,
		logger:   logger.WithField("component", "mockfeed"),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		history:  make(map[string][]models.Candle),
		clients:  make(map[*client]struct{}),
		prices:   make(map[string]float64),
	}
}

// Handler routes /ws, /candles/:symbol and /candles/:symbol/latest.
func (s *Server) Handler() *gin.Engine {
	router := gin.New()
	router.UseRawPath = true
	router.Use(gin.Recovery())

	router.GET("/ws", func(c *gin.Context) {
		s.serveWS(c.Writer, c.Request)
	})
	candles := router.Group("/candles")
	candles.GET("/:symbol", s.serveHistory)
	candles.GET("/:symbol/latest", s.serveLatest)
	return router
}

// SetHistory replaces the candles served for symbol.
func (s *Server) SetHistory(symbol string, candles []models.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[symbol] = append([]models.Candle(nil), candles...)
	if n := len(candles); n > 0 {
		s.prices[symbol] = candles[n-1].Close
	}
}

// AppendCandle adds a candle to the history of symbol.
func (s *Server) AppendCandle(symbol string, c models.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[symbol] = append(s.history[symbol], c)
}

// Subscribers counts active subscriptions to symbol.
func (s *Server) Subscribers(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for c := range s.clients {
		for _, sym := range c.subs {
			if sym == symbol {
				n++
			}
		}
	}
	return n
}

// Clients counts open websocket connections.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Publish sends t to every subscriber of symbol and returns how many got it.
func (s *Server) Publish(symbol string, t models.Trade) int {
	return s.broadcast(websocket.BinaryMessage, wire.EncodeTrade(t), symbol)
}

// SendRaw writes a frame to every connected client, subscribed or not.
func (s *Server) SendRaw(msgType int, payload []byte) int {
	return s.broadcast(msgType, payload, "")
}

// DropClients closes every connection without a close handshake.
func (s *Server) DropClients() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (s *Server) broadcast(msgType int, payload []byte, symbol string) int {
	s.mu.Lock()
	var targets []*client
	for c := range s.clients {
		if symbol == "" {
			targets = append(targets, c)
			continue
		}
		for _, sym := range c.subs {
			if sym == symbol {
				targets = append(targets, c)
				break
			}
		}
	}
	s.mu.Unlock()

	sent := 0
	for _, c := range targets {
		if err := c.write(msgType, payload); err != nil {
			s.logger.Warnf("write failed: %v", err)
			continue
		}
		sent++
	}
	return sent
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, subs: make(map[string]string)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Debugf("client connected from %s", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage || !gjson.ValidBytes(payload) {
			continue
		}
		s.handleRequest(c, payload)
	}
}

func (s *Server) handleRequest(c *client, payload []byte) {
	switch gjson.GetBytes(payload, "action").String() {
	case "subscribe":
		symbol := gjson.GetBytes(payload, "token_id").String()
		if symbol == "" || s.rejected(symbol) {
			_ = c.write(websocket.TextMessage, s.subscribeAck("", false))
			return
		}
		id := uuid.NewString()
		s.mu.Lock()
		c.subs[id] = symbol
		s.mu.Unlock()
		_ = c.write(websocket.TextMessage, s.subscribeAck(id, true))

	case "unsubscribe":
		id := gjson.GetBytes(payload, "subscribe_id").String()
		s.mu.Lock()
		_, ok := c.subs[id]
		delete(c.subs, id)
		s.mu.Unlock()
		_ = c.write(websocket.TextMessage, s.unsubscribeAck(ok))
	}
}

func (s *Server) rejected(symbol string) bool {
	for _, r := range s.cfg.RejectSymbols {
		if r == symbol {
			return true
		}
	}
	return false
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func (s *Server) subscribeAck(id string, ok bool) []byte {
	if s.cfg.LegacyAcks && ok {
		return []byte("subscribe_id:" + id)
	}
	b, _ := json.Marshal(map[string]string{"action": "subscribed", "subscribe_id": id, "status": status(ok)})
	return b
}

func (s *Server) unsubscribeAck(ok bool) []byte {
	if s.cfg.LegacyAcks && ok {
		return []byte("unsubscribed")
	}
	b, _ := json.Marshal(map[string]string{"action": "unsubscribed", "status": status(ok)})
	return b
}

func (s *Server) serveHistory(c *gin.Context) {
	s.mu.Lock()
	candles := append([]models.Candle(nil), s.history[c.Param("symbol")]...)
	s.mu.Unlock()

	if len(candles) == 0 {
		c.String(http.StatusNotFound, "no history")
		return
	}
	s.writeBatch(c, candles)
}

func (s *Server) serveLatest(c *gin.Context) {
	s.mu.Lock()
	candles := s.history[c.Param("symbol")]
	var last []models.Candle
	if n := len(candles); n > 0 {
		last = []models.Candle{candles[n-1]}
	}
	s.mu.Unlock()

	if last == nil {
		c.String(http.StatusNotFound, "no history")
		return
	}
	s.writeBatch(c, last)
}

func (s *Server) writeBatch(c *gin.Context, candles []models.Candle) {
	body := wire.EncodeCandlesBase64(candles)
	if s.cfg.BareHistoryBody {
		c.String(http.StatusOK, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": body})
}

// Run publishes a random-walk trade for every subscribed symbol each
// TradeInterval and keeps the history of those symbols current. It returns
// when ctx is done.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TradeInterval)
	defer ticker.Stop()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, symbol := range s.subscribedSymbols() {
				t := s.nextTrade(rng, symbol, now.Unix())
				s.recordTrade(symbol, t)
				s.Publish(symbol, t)
			}
		}
	}
}

func (s *Server) subscribedSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for c := range s.clients {
		for _, sym := range c.subs {
			if _, ok := seen[sym]; !ok {
				seen[sym] = struct{}{}
				out = append(out, sym)
			}
		}
	}
	return out
}

func (s *Server) nextTrade(rng *rand.Rand, symbol string, now int64) models.Trade {
	s.mu.Lock()
	price, ok := s.prices[symbol]
	if !ok || price <= 0 {
		price = 100
	}
	price = math.Max(0.01, price*(1+(rng.Float64()-0.5)*0.01))
	s.prices[symbol] = price
	s.mu.Unlock()

	base := 0.1 + rng.Float64()*2
	return models.NewTrade(now, price*base, base)
}

// recordTrade folds t into the served history so polls see the live bucket.
func (s *Server) recordTrade(symbol string, t models.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := models.Bucket(t.TradeTime)
	candles := s.history[symbol]
	if n := len(candles); n > 0 && candles[n-1].Timestamp == bucket {
		candles[n-1].Apply(t)
		return
	}
	s.history[symbol] = append(candles, models.Candle{
		Timestamp: bucket,
		Open:      t.Price,
		Close:     t.Price,
		High:      t.Price,
		Low:       t.Price,
		VolumeIn:  t.QuoteAmount,
		VolumeOut: t.BaseAmount,
	})
}

// SeedHistory fills symbol with n random-walk candles ending at the bucket of now.
func (s *Server) SeedHistory(symbol string, n int, now time.Time) {
	rng := rand.New(rand.NewSource(now.UnixNano()))
	last := models.Bucket(now.Unix())
	price := 100.0
	candles := make([]models.Candle, 0, n)
	for i := n - 1; i >= 0; i-- {
		open := price
		price = math.Max(0.01, price*(1+(rng.Float64()-0.5)*0.02))
		vol := 1 + rng.Float64()*10
		candles = append(candles, models.Candle{
			Timestamp: last - int64(i)*models.IntervalSeconds,
			Open:      open,
			Close:     price,
			High:      math.Max(open, price) * (1 + rng.Float64()*0.002),
			Low:       math.Min(open, price) * (1 - rng.Float64()*0.002),
			VolumeIn:  vol * price,
			VolumeOut: vol,
		})
	}
	s.SetHistory(symbol, candles)
}
