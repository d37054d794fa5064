package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// Rate is one row of the product candles endpoint. The exchange sends rows as
// [time, low, high, open, close, volume], newest first.
type Rate struct {
	Time   int64
	Low    float64
	High   float64
	Open   float64
	Close  float64
	Volume float64
}

// Candles fetches the most recent candles of product at the given granularity.
// Rows are returned in the order the exchange sent them.
func (c *Client) Candles(ctx context.Context, product string, granularity time.Duration) ([]Rate, error) {
	q := url.Values{}
	q.Set("granularity", strconv.FormatInt(int64(granularity/time.Second), 10))
	path := "/products/" + url.PathEscape(product) + "/candles?" + q.Encode()
	var rows [][]json.Number
	if err := c.get(ctx, path, &rows); err != nil {
		return nil, err
	}
	rates := make([]Rate, 0, len(rows))
	for i, row := range rows {
		rate, err := parseRate(row)
		if err != nil {
			return nil, fmt.Errorf("candles %s row %d: %w", product, i, err)
		}
		rates = append(rates, rate)
	}
	return rates, nil
}

func parseRate(row []json.Number) (Rate, error) {
	if len(row) < 5 {
		return Rate{}, fmt.Errorf("expected at least 5 fields, got %d", len(row))
	}
	ts, err := row[0].Int64()
	if err != nil {
		f, ferr := row[0].Float64()
		if ferr != nil {
			return Rate{}, fmt.Errorf("time: %w", err)
		}
		ts = int64(f)
	}
	var vals [5]float64
	for i := 1; i < len(row) && i <= 5; i++ {
		v, err := row[i].Float64()
		if err != nil {
			return Rate{}, fmt.Errorf("field %d: %w", i, err)
		}
		vals[i-1] = v
	}
	return Rate{Time: ts, Low: vals[0], High: vals[1], Open: vals[2], Close: vals[3], Volume: vals[4]}, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "candlefeed")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	return dec.Decode(out)
}
