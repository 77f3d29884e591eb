// Package yahoo reads daily bars and quote data from the Yahoo Finance HTTP API.
package yahoo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rewired-gh/insiderwatch/internal/enrich"
	"github.com/rewired-gh/insiderwatch/internal/models"
)

// DefaultBaseURL is the public query host.
const DefaultBaseURL = "https://query1.finance.yahoo.com"

// Yahoo blocks generic clients with 401/429.
const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// ErrNoData is returned when Yahoo knows nothing about a symbol.
var ErrNoData = errors.New("yahoo: no data for symbol")

// Client implements enrich.Provider.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
}

var _ enrich.Provider = (*Client)(nil)

// NewClient creates a new Yahoo client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*int64   `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

type quoteResponse struct {
	QuoteResponse struct {
		Result []struct {
			Symbol    string   `json:"symbol"`
			MarketCap *float64 `json:"marketCap"`
		} `json:"result"`
	} `json:"quoteResponse"`
}

// History returns up to the last sessions daily bars for ticker, oldest first.
// Bars Yahoo reports with missing fields are dropped.
func (c *Client) History(ctx context.Context, ticker string, sessions int) ([]models.Bar, error) {
	q := url.Values{}
	q.Set("interval", "1d")
	q.Set("range", rangeFor(sessions))
	u := c.baseURL + "/v8/finance/chart/" + url.PathEscape(Symbol(ticker)) + "?" + q.Encode()

	var data chartResponse
	if err := c.getJSON(ctx, u, &data); err != nil {
		return nil, err
	}
	if e := data.Chart.Error; e != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrNoData, e.Code, e.Description)
	}
	if len(data.Chart.Result) == 0 || len(data.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoData, ticker)
	}

	r := data.Chart.Result[0]
	quote := r.Indicators.Quote[0]
	bars := make([]models.Bar, 0, len(r.Timestamp))
	for i, ts := range r.Timestamp {
		o, h, l, cl := at(quote.Open, i), at(quote.High, i), at(quote.Low, i), at(quote.Close, i)
		if o == nil || h == nil || l == nil || cl == nil || i >= len(quote.Volume) || quote.Volume[i] == nil {
			continue
		}
		bars = append(bars, models.Bar{
			Date:   time.Unix(ts, 0).UTC(),
			Open:   *o,
			High:   *h,
			Low:    *l,
			Close:  *cl,
			Volume: *quote.Volume[i],
		})
	}
	if sessions > 0 && len(bars) > sessions {
		bars = bars[len(bars)-sessions:]
	}
	return bars, nil
}

// StaticInfo returns the market capitalization of ticker, if Yahoo reports one.
func (c *Client) StaticInfo(ctx context.Context, ticker string) (enrich.StaticInfo, error) {
	sym := Symbol(ticker)
	u := c.baseURL + "/v7/finance/quote?symbols=" + url.QueryEscape(sym)

	var data quoteResponse
	if err := c.getJSON(ctx, u, &data); err != nil {
		return enrich.StaticInfo{}, err
	}
	for _, r := range data.QuoteResponse.Result {
		if strings.EqualFold(r.Symbol, sym) {
			return enrich.StaticInfo{MarketCap: r.MarketCap}, nil
		}
	}
	return enrich.StaticInfo{}, fmt.Errorf("%w: %s", ErrNoData, ticker)
}

// getJSON performs a GET with linear-backoff retry on network errors, 429 and 5xx.
func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err == nil {
			retry, derr := decode(resp, out)
			if derr == nil {
				return nil
			}
			if !retry {
				return derr
			}
			err = derr
		}
		lastErr = err

		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelay * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// decode reads resp into out. The bool reports whether a failure is worth retrying.
func decode(resp *http.Response, out any) (bool, error) {
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("server error: %d", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		// chart returns a JSON error body for unknown symbols
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("%w: status 404", ErrNoData)
		}
		return false, nil
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}
	return false, nil
}

// Symbol converts a ticker to Yahoo's share-class notation: BRK.B -> BRK-B.
func Symbol(ticker string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(ticker)), ".", "-")
}

// rangeFor picks a calendar range wide enough to hold the requested sessions.
func rangeFor(sessions int) string {
	switch {
	case sessions <= 20:
		return "1mo"
	case sessions <= 60:
		return "3mo"
	case sessions <= 120:
		return "6mo"
	default:
		return "1y"
	}
}

func at(vals []*float64, i int) *float64 {
	if i >= len(vals) {
		return nil
	}
	return vals[i]
}
