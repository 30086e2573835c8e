package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/coinwatch/price-sync/internal/config"
)

const marketsPath = "/coins/markets"

// ErrMalformedResponse is returned when the provider answers with something
// other than a list of coin objects.
var ErrMalformedResponse = errors.New("malformed market response")

// StatusError is returned when the provider answers with a non 2xx status.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed: %s", e.Status)
}

type Client struct {
	baseURL  string
	currency string
	http     *http.Client
	limiter  *rate.Limiter
	log      *slog.Logger
}

func New(cfg config.Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	limit := rate.Inf
	burst := 1
	if cfg.RateLimitPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RateLimitPerMinute))
		burst = min(cfg.RateLimitPerMinute, 5)
	}
	currency := cfg.QuoteCurrency
	if currency == "" {
		currency = "usd"
	}
	return &Client{
		baseURL:  strings.TrimSuffix(cfg.MarketURL, "/"),
		currency: currency,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		limiter:  rate.NewLimiter(limit, burst),
		log:      log,
	}
}

// Prices fetches current price and 24h change for all ids in a single call.
// Coins missing from the response are simply not part of the result.
func (c *Client) Prices(ctx context.Context, ids []string) ([]Price, error) {
	q := url.Values{}
	q.Set("vs_currency", c.currency)
	q.Set("ids", strings.Join(ids, ","))
	q.Set("order", "market_cap_desc")
	q.Set("sparkline", "false")

	bts, err := c.get(ctx, q)
	if err != nil {
		return nil, err
	}
	return parsePrices(bts)
}

// Markets fetches one page of the market listing ordered by market cap.
func (c *Client) Markets(ctx context.Context, perPage, page int) ([]Coin, error) {
	q := url.Values{}
	q.Set("vs_currency", c.currency)
	q.Set("order", "market_cap_desc")
	q.Set("per_page", strconv.Itoa(perPage))
	q.Set("page", strconv.Itoa(page))
	q.Set("sparkline", "false")

	bts, err := c.get(ctx, q)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(bts) || !gjson.ParseBytes(bts).IsArray() {
		return nil, ErrMalformedResponse
	}
	var coins []Coin
	if err := json.Unmarshal(bts, &coins); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return coins, nil
}

func (c *Client) get(ctx context.Context, q url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+marketsPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get markets: %w", err)
	}
	defer resp.Body.Close()
	c.log.Debug("market request done", "status", resp.StatusCode, "took", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	bts, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read markets: %w", err)
	}
	return bts, nil
}

// parsePrices normalizes a markets response. Entries without a price are
// skipped, a missing 24h change is reported as zero.
func parsePrices(bts []byte) ([]Price, error) {
	if !gjson.ValidBytes(bts) {
		return nil, ErrMalformedResponse
	}
	root := gjson.ParseBytes(bts)
	if !root.IsArray() {
		return nil, ErrMalformedResponse
	}

	var (
		prices []Price
		bad    error
	)
	root.ForEach(func(_, coin gjson.Result) bool {
		id := coin.Get("id")
		if !coin.IsObject() || id.Type != gjson.String || id.Str == "" {
			bad = fmt.Errorf("%w: entry without id", ErrMalformedResponse)
			return false
		}
		price := coin.Get("current_price")
		if price.Type != gjson.Number {
			return true
		}
		prices = append(prices, Price{
			ID:               id.Str,
			CurrentPrice:     price.Float(),
			ChangePercent24h: coin.Get("price_change_percentage_24h").Float(),
		})
		return true
	})
	if bad != nil {
		return nil, bad
	}
	return prices, nil
}
