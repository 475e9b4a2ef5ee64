// Package marketdata is the JSON-RPC client for the market data service.
package marketdata

import (
	"context"
	"fmt"
	"net"
	"net/rpc/jsonrpc"
	"net/url"
	"strings"
	"time"

	"github.com/xiaot623/agentrun/internal/domain"
)

// Instrument is one search hit.
type Instrument struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Exchange string `json:"exchange,omitempty"`
}

// Bar is one daily OHLCV bar.
type Bar struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// SearchArgs is the request of MarketData.Search.
type SearchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// SearchReply is the response of MarketData.Search.
type SearchReply struct {
	Items []Instrument `json:"items"`
}

// RangeArgs selects a subject and an inclusive date range.
type RangeArgs struct {
	Code  string `json:"code,omitempty"`
	Start string `json:"start"`
	End   string `json:"end"`
}

// DailyRangeReply is the response of MarketData.DailyRange.
type DailyRangeReply struct {
	Bars []Bar `json:"bars"`
}

// DatesReply lists calendar dates (YYYY-MM-DD).
type DatesReply struct {
	Dates []string `json:"dates"`
}

// Client calls the market data service over JSON-RPC on TCP. Each call dials a
// fresh connection so a broken peer never poisons later calls.
type Client struct {
	addr        string
	dialTimeout time.Duration
	callTimeout time.Duration
}

// NewClient creates a new market data client. baseURL may be host:port or a URL.
func NewClient(baseURL string) *Client {
	return &Client{
		addr:        resolveRPCAddr(baseURL),
		dialTimeout: 5 * time.Second,
		callTimeout: 30 * time.Second,
	}
}

// Search looks up instruments matching query.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Instrument, error) {
	var reply SearchReply
	if err := c.call(ctx, "MarketData.Search", &SearchArgs{Query: query, Limit: limit}, &reply); err != nil {
		return nil, err
	}
	return reply.Items, nil
}

// DailyRange returns the stored daily bars of code between start and end.
func (c *Client) DailyRange(ctx context.Context, code, start, end string) ([]Bar, error) {
	var reply DailyRangeReply
	if err := c.call(ctx, "MarketData.DailyRange", &RangeArgs{Code: code, Start: start, End: end}, &reply); err != nil {
		return nil, err
	}
	return reply.Bars, nil
}

// TradingDays returns the exchange calendar's trading days in the range.
func (c *Client) TradingDays(ctx context.Context, start, end string) ([]string, error) {
	var reply DatesReply
	if err := c.call(ctx, "MarketData.TradingDays", &RangeArgs{Start: start, End: end}, &reply); err != nil {
		return nil, err
	}
	return reply.Dates, nil
}

// StoredDates returns the dates for which code has stored data in the range.
func (c *Client) StoredDates(ctx context.Context, code, start, end string) ([]string, error) {
	var reply DatesReply
	if err := c.call(ctx, "MarketData.StoredDates", &RangeArgs{Code: code, Start: start, End: end}, &reply); err != nil {
		return nil, err
	}
	return reply.Dates, nil
}

// call performs one RPC. Every failure is transient from the engine's point of view.
func (c *Client) call(ctx context.Context, method string, args, reply interface{}) error {
	if c.addr == "" {
		return fmt.Errorf("market data address not configured: %w", domain.ErrTransient)
	}
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return fmt.Errorf("%s: dial: %v: %w", method, err, domain.ErrTransient)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if c.callTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.callTimeout))
	}

	client := jsonrpc.NewClient(conn)
	call := client.Go(method, args, reply, nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
		if call.Error != nil {
			return fmt.Errorf("%s: %v: %w", method, call.Error, domain.ErrTransient)
		}
		return nil
	}
}

func resolveRPCAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err == nil && parsed.Host != "" {
			return parsed.Host
		}
	}
	return raw
}
