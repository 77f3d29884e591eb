// Package openinsider scrapes the OpenInsider screener table into trade records.
package openinsider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/insiderwatch/internal/logger"
	"github.com/rewired-gh/insiderwatch/internal/models"
	"github.com/shopspring/decimal"
	"golang.org/x/net/html"
)

// ErrFetch marks a source that could not be reached or parsed.
var ErrFetch = errors.New("openinsider: fetch failed")

// DefaultURL lists officer and director purchases over $100k filed in the last week.
const DefaultURL = "http://openinsider.com/screener?s=&o=&pl=&ph=&ll=&lh=&fd=7&fdr=&td=0&tdr=&fdlyl=&fdlyh=&daysago=&xp=1&vl=100&vh=&ocl=5&och=&sic1=-1&sicl=100&sich=9999&isofficer=1&iscob=1&isceo=1&ispres=1&iscoo=1&iscfo=1&isgc=1&isvp=1&isdirector=1&grp=0&nfl=&nfh=&nil=&nih=&nol=&noh=&v2l=&v2h=&oc2l=&oc2h=&sortcol=0&cnt=1000&page=1"

// DefaultUserAgent is sent on every request; the site rejects generic clients.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

const (
	colX           = "X"
	colFilingDate  = "Filing Date"
	colTradeDate   = "Trade Date"
	colTicker      = "Ticker"
	colCompanyName = "Company Name"
	colInsiderName = "Insider Name"
	colTitle       = "Title"
	colTradeType   = "Trade Type"
	colPrice       = "Price"
	colQty         = "Qty"
	colValue       = "Value"
)

var requiredColumns = []string{
	colFilingDate, colTicker, colInsiderName, colTradeType, colPrice, colValue,
}

// Client fetches the screener page.
type Client struct {
	url        string
	userAgent  string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
}

// NewClient creates a new OpenInsider client.
func NewClient(url, userAgent string, timeout time.Duration, maxRetries int) *Client {
	if url == "" {
		url = DefaultURL
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Client{
		url:        url,
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		retryDelay: time.Second,
	}
}

// Fetch downloads the screener page and returns its rows as trade records, in
// page order. Amended and derivative rows are skipped; malformed rows are
// logged and skipped. Any transport or table-level failure wraps ErrFetch.
func (c *Client) Fetch(ctx context.Context) ([]*models.TradeRecord, error) {
	resp, err := c.doRequest(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer resp.Body.Close()

	records, err := Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	return records, nil
}

// doRequest performs the GET with linear-backoff retry on network errors and 5xx.
func (c *Client) doRequest(ctx context.Context) (*http.Response, error) {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", "text/html")

		resp, err := c.httpClient.Do(req)
		switch {
		case err != nil:
			lastErr = err
		case resp.StatusCode >= 500:
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
		default:
			return resp, nil
		}

		logger.Warn("OpenInsider request attempt %d/%d failed: %v", i+1, c.maxRetries, lastErr)
		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryDelay * time.Duration(i+1)):
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Parse extracts trade records from a screener page.
func Parse(r io.Reader) ([]*models.TradeRecord, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}

	table := findTable(doc)
	if table == nil {
		return nil, errors.New("screener table not found")
	}

	var headers []string
	var rows [][]string
	walk(table, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.Data != "tr" {
			return true
		}
		var cells []string
		isHeader := false
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			switch c.Data {
			case "th":
				isHeader = true
				cells = append(cells, cellText(c))
			case "td":
				cells = append(cells, cellText(c))
			}
		}
		if isHeader && headers == nil {
			headers = cells
		} else if !isHeader && len(cells) > 0 {
			rows = append(rows, cells)
		}
		return false
	})

	index := make(map[string]int, len(headers))
	for i, h := range headers {
		index[h] = i
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("screener table missing column %q", col)
		}
	}

	records := make([]*models.TradeRecord, 0, len(rows))
	for i, cells := range rows {
		get := func(col string) string {
			j, ok := index[col]
			if !ok || j >= len(cells) {
				return ""
			}
			return cells[j]
		}

		if strings.ContainsAny(get(colX), "AD") {
			continue
		}
		rec, err := parseRow(get)
		if err != nil {
			logger.Warn("Skipping screener row %d: %v", i+1, err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseRow(get func(string) string) (*models.TradeRecord, error) {
	filed, err := time.Parse(models.FilingDateLayout, get(colFilingDate))
	if err != nil {
		return nil, fmt.Errorf("invalid filing date %q: %w", get(colFilingDate), err)
	}

	rec := &models.TradeRecord{
		Ticker:          strings.ToUpper(strings.TrimSpace(get(colTicker))),
		CompanyName:     get(colCompanyName),
		InsiderName:     get(colInsiderName),
		Title:           get(colTitle),
		TransactionCode: tradeCode(get(colTradeType)),
		FilingDate:      filed,
	}

	if td := get(colTradeDate); td != "" {
		if rec.TransactionDate, err = time.Parse(models.TransactionDateLayout, td); err != nil {
			return nil, fmt.Errorf("invalid trade date %q: %w", td, err)
		}
	}
	if rec.Price, err = parseMoney(get(colPrice)); err != nil {
		return nil, fmt.Errorf("invalid price: %w", err)
	}
	if rec.Value, err = parseMoney(get(colValue)); err != nil {
		return nil, fmt.Errorf("invalid value: %w", err)
	}
	if q := stripMoney(get(colQty)); q != "" {
		if rec.Quantity, err = strconv.ParseInt(q, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid quantity %q: %w", q, err)
		}
	}
	return rec, nil
}

// tradeCode turns "P - Purchase" into "P".
func tradeCode(s string) string {
	code, _, _ := strings.Cut(s, "-")
	return strings.TrimSpace(code)
}

func stripMoney(s string) string {
	return strings.NewReplacer("$", "", ",", "", "+", "").Replace(strings.TrimSpace(s))
}

func parseMoney(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(stripMoney(s))
}

func findTable(doc *html.Node) *html.Node {
	var found *html.Node
	walk(doc, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n.Type == html.ElementNode && n.Data == "table" && hasClass(n, "tinytable") {
			found = n
			return false
		}
		return true
	})
	return found
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key == "class" {
			for _, c := range strings.Fields(a.Val) {
				if c == class {
					return true
				}
			}
		}
	}
	return false
}

// walk visits n and its descendants depth-first; fn returns false to skip children.
func walk(n *html.Node, fn func(*html.Node) bool) {
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func cellText(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		return true
	})
	return strings.TrimSpace(strings.ReplaceAll(b.String(), "\u00a0", " "))
}
