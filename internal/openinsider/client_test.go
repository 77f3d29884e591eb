package openinsider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rewired-gh/insiderwatch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const screenerPage = `<html><body>
<table class="tinytable">
<thead><tr>
<th>X</th><th>Filing&nbsp;Date</th><th>Trade&nbsp;Date</th><th>Ticker</th>
<th>Company&nbsp;Name</th><th>Insider&nbsp;Name</th><th>Title</th><th>Trade&nbsp;Type</th>
<th>Price</th><th>Qty</th><th>Owned</th><th>&Delta;Own</th><th>Value</th>
<th>1d</th><th>1w</th><th>1m</th><th>6m</th>
</tr></thead>
<tbody>
<tr><td></td><td><a href="#">2024-01-02 16:05:00</a></td><td>2024-01-01</td><td><b><a href="/TICKR">tickr </a></b></td>
<td>Ticker Corp</td><td>Alice</td><td>CEO</td><td>P - Purchase</td>
<td>$12.50</td><td>+40,000</td><td>1,000,000</td><td>+4%</td><td>+$500,000</td>
<td></td><td></td><td></td><td></td></tr>
<tr><td>D</td><td>2024-01-02 17:00:00</td><td>2024-01-01</td><td>DERV</td>
<td>Deriv Inc</td><td>Bob</td><td>Dir</td><td>P - Purchase</td>
<td>$5.00</td><td>+100,000</td><td>200,000</td><td>+100%</td><td>+$500,000</td>
<td></td><td></td><td></td><td></td></tr>
<tr><td>M</td><td>2024-01-03 09:30:00</td><td>2024-01-02</td><td>SELL</td>
<td>Seller Co</td><td>Carol</td><td>CFO</td><td>S - Sale+OE</td>
<td>$20.00</td><td>-10,000</td><td>5,000</td><td>-66%</td><td>-$200,000</td>
<td></td><td></td><td></td><td></td></tr>
<tr><td></td><td>not a date</td><td>2024-01-02</td><td>BAD</td>
<td>Bad Co</td><td>Dan</td><td>VP</td><td>P - Purchase</td>
<td>$1.00</td><td>+1</td><td>1</td><td>+1%</td><td>+$1</td>
<td></td><td></td><td></td><td></td></tr>
</tbody>
</table>
</body></html>`

func TestParse(t *testing.T) {
	records, err := Parse(strings.NewReader(screenerPage))
	require.NoError(t, err)
	require.Len(t, records, 2)

	r := records[0]
	assert.Equal(t, "TICKR", r.Ticker)
	assert.Equal(t, "Ticker Corp", r.CompanyName)
	assert.Equal(t, "Alice", r.InsiderName)
	assert.Equal(t, "CEO", r.Title)
	assert.Equal(t, models.TransactionCodePurchase, r.TransactionCode)
	assert.Equal(t, time.Date(2024, 1, 2, 16, 5, 0, 0, time.UTC), r.FilingDate)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), r.TransactionDate)
	assert.Equal(t, "12.5", r.Price.String())
	assert.Equal(t, int64(40000), r.Quantity)
	assert.Equal(t, "500000", r.Value.String())

	s := records[1]
	assert.Equal(t, "SELL", s.Ticker)
	assert.Equal(t, "S", s.TransactionCode)
	assert.Equal(t, "-200000", s.Value.String())
	assert.Equal(t, int64(-10000), s.Quantity)
}

func TestParse_MissingTable(t *testing.T) {
	_, err := Parse(strings.NewReader("<html><body><p>maintenance</p></body></html>"))
	assert.Error(t, err)
}

func TestParse_MissingColumn(t *testing.T) {
	page := `<table class="tinytable"><tr><th>Ticker</th></tr><tr><td>AAA</td></tr></table>`
	_, err := Parse(strings.NewReader(page))
	assert.ErrorContains(t, err, "missing column")
}

func TestTradeCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"P - Purchase", "P"},
		{"S - Sale+OE", "S"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tradeCode(tt.in), tt.in)
	}
}

func newTestClient(url string) *Client {
	c := NewClient(url, "", 5*time.Second, 3)
	c.retryDelay = time.Millisecond
	return c
}

func TestClient_Fetch(t *testing.T) {
	var ua atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(screenerPage))
	}))
	defer srv.Close()

	records, err := newTestClient(srv.URL).Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, DefaultUserAgent, ua.Load())
}

func TestClient_FetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(screenerPage))
	}))
	defer srv.Close()

	records, err := newTestClient(srv.URL).Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_FetchFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFetch))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_FetchClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Fetch(context.Background())
	assert.True(t, errors.Is(err, ErrFetch))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_FetchUnparseablePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Fetch(context.Background())
	assert.True(t, errors.Is(err, ErrFetch))
}
