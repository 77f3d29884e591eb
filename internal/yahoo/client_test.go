package yahoo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chartBody = `{"chart":{"result":[{"timestamp":[1704153600,1704240000,1704326400,1704412800],
"indicators":{"quote":[{
"open":[10,11,null,12],
"high":[11,12,13,13],
"low":[9,10,11,11],
"close":[10.5,11.5,12.5,12],
"volume":[1000,2000,3000,0]}]}}],"error":null}}`

func newTestClient(url string) *Client {
	c := NewClient(url, 5*time.Second)
	c.retryDelay = time.Millisecond
	return c
}

func TestClient_History(t *testing.T) {
	var path, rng, ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path, rng, ua = r.URL.Path, r.URL.Query().Get("range"), r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(chartBody))
	}))
	defer srv.Close()

	bars, err := newTestClient(srv.URL).History(context.Background(), "brk.b", 15)
	require.NoError(t, err)

	assert.Equal(t, "/v8/finance/chart/BRK-B", path)
	assert.Equal(t, "1mo", rng)
	assert.True(t, strings.HasPrefix(ua, "Mozilla/5.0"))

	// the bar with a null open is dropped; zero volume is kept for the caller to filter
	require.Len(t, bars, 3)
	assert.Equal(t, 10.5, bars[0].Close)
	assert.Equal(t, int64(2000), bars[1].Volume)
	assert.Equal(t, int64(0), bars[2].Volume)
	assert.Equal(t, time.Unix(1704153600, 0).UTC(), bars[0].Date)
}

func TestClient_HistoryTrimsToSessions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chartBody))
	}))
	defer srv.Close()

	bars, err := newTestClient(srv.URL).History(context.Background(), "AAA", 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 11.5, bars[0].Close)
}

func TestClient_HistoryUnknownSymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).History(context.Background(), "GONE", 15)
	assert.True(t, errors.Is(err, ErrNoData))
}

func TestClient_HistoryRetriesThrottling(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(chartBody))
	}))
	defer srv.Close()

	bars, err := newTestClient(srv.URL).History(context.Background(), "AAA", 15)
	require.NoError(t, err)
	assert.Len(t, bars, 3)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_HistoryGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).History(context.Background(), "AAA", 15)
	assert.ErrorContains(t, err, "max retries exceeded")
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_StaticInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v7/finance/quote", r.URL.Path)
		assert.Equal(t, "AAA", r.URL.Query().Get("symbols"))
		_, _ = w.Write([]byte(`{"quoteResponse":{"result":[{"symbol":"AAA","marketCap":2500000000}]}}`))
	}))
	defer srv.Close()

	info, err := newTestClient(srv.URL).StaticInfo(context.Background(), "aaa")
	require.NoError(t, err)
	require.NotNil(t, info.MarketCap)
	assert.Equal(t, 2.5e9, *info.MarketCap)
}

func TestClient_StaticInfoUnauthorized(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).StaticInfo(context.Background(), "AAA")
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRangeFor(t *testing.T) {
	assert.Equal(t, "1mo", rangeFor(15))
	assert.Equal(t, "3mo", rangeFor(40))
	assert.Equal(t, "1y", rangeFor(200))
}
