package mockfeed

import (
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navid-fn/candlestream/internal/models"
	"github.com/navid-fn/candlestream/internal/wire"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newTestServer() *Server {
	logger, _ := test.NewNullLogger()
	return New(Config{}, logger)
}

func TestSeedHistory(t *testing.T) {
	s := newTestServer()
	now := time.Unix(1_700_000_030, 0)

	s.SeedHistory("btc", 10, now)

	candles := s.history["btc"]
	require.Len(t, candles, 10)
	assert.Equal(t, models.Bucket(now.Unix()), candles[9].Timestamp)
	for i, c := range candles {
		if i > 0 {
			assert.Equal(t, candles[i-1].Timestamp+models.IntervalSeconds, c.Timestamp)
		}
		assert.GreaterOrEqual(t, c.High, math.Max(c.Open, c.Close))
		assert.LessOrEqual(t, c.Low, math.Min(c.Open, c.Close))
	}
}

func TestRecordTradeBuildsCandles(t *testing.T) {
	s := newTestServer()

	s.recordTrade("btc", models.NewTrade(60, 20, 2))
	s.recordTrade("btc", models.NewTrade(90, 36, 3))
	s.recordTrade("btc", models.NewTrade(125, 5, 1))

	assert.Equal(t, []models.Candle{
		{Timestamp: 60, Open: 10, Close: 12, High: 12, Low: 10, VolumeIn: 56, VolumeOut: 5},
		{Timestamp: 120, Open: 5, Close: 5, High: 5, Low: 5, VolumeIn: 5, VolumeOut: 1},
	}, s.history["btc"])
}

func TestHistoryEndpoints(t *testing.T) {
	s := newTestServer()
	s.SetHistory("btc", []models.Candle{{Timestamp: 60}, {Timestamp: 120}})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	testCases := []struct {
		path string
		want int
	}{
		{path: "/candles/btc", want: http.StatusOK},
		{path: "/candles/btc/latest", want: http.StatusOK},
		{path: "/candles/eth", want: http.StatusNotFound},
		{path: "/candles/eth/latest", want: http.StatusNotFound},
		{path: "/candles", want: http.StatusNotFound},
		{path: "/candles/btc/latest/extra", want: http.StatusNotFound},
	}

	for _, tc := range testCases {
		resp, err := http.Get(srv.URL + tc.path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tc.want, resp.StatusCode, tc.path)
	}
}

func TestHistoryBodies(t *testing.T) {
	history := []models.Candle{{Timestamp: 60, Open: 1, Close: 2}, {Timestamp: 120, Open: 2, Close: 3}}

	testCases := []struct {
		name string
		cfg  Config
		path string
		want string
	}{
		{
			name: "json envelope",
			path: "/candles/btc",
			want: `{"data":"` + wire.EncodeCandlesBase64(history) + `"}`,
		},
		{
			name: "json latest",
			path: "/candles/btc/latest",
			want: `{"data":"` + wire.EncodeCandlesBase64(history[1:]) + `"}`,
		},
		{
			name: "bare body",
			cfg:  Config{BareHistoryBody: true},
			path: "/candles/btc",
			want: wire.EncodeCandlesBase64(history),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			logger, _ := test.NewNullLogger()
			s := New(tc.cfg, logger)
			s.SetHistory("btc", history)

			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))

			require.Equal(t, http.StatusOK, w.Code)
			body, err := io.ReadAll(w.Body)
			require.NoError(t, err)
			assert.Equal(t, tc.want, strings.TrimSpace(string(body)))
		})
	}
}

func TestHistoryEscapedSymbol(t *testing.T) {
	s := newTestServer()
	s.SetHistory("a/b", []models.Candle{{Timestamp: 60}})

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/candles/a%2Fb/latest", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHistoryRejectsOtherMethods(t *testing.T) {
	s := newTestServer()
	s.SetHistory("btc", []models.Candle{{Timestamp: 60}})

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/candles/btc", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}
