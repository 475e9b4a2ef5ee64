package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/agentrun/internal/adapter/marketdata"
	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/execctx"
)

const (
	ToolMarketSearch     = "market.search"
	ToolMarketDailyRange = "market.daily_range"

	maxSearchQueries = 20
	maxDailyCodes    = 50
)

// MarketData is the slice of the market data service the tools use.
type MarketData interface {
	Search(ctx context.Context, query string, limit int) ([]marketdata.Instrument, error)
	DailyRange(ctx context.Context, code, start, end string) ([]marketdata.Bar, error)
}

// Completeness reports whether stored data covers a range.
type Completeness interface {
	Evaluate(ctx context.Context, code, start, end string) (domain.CompletenessResult, error)
}

// MarketOptions bounds per-step fan-out.
type MarketOptions struct {
	MaxParallelSearch int
	MaxParallelDaily  int
}

type searchParams struct {
	Queries []string `json:"queries"`
	Query   string   `json:"query"`
	Limit   int      `json:"limit"`
}

type searchHit struct {
	Query string                  `json:"query"`
	Items []marketdata.Instrument `json:"items"`
}

type dailyParams struct {
	Codes        []string `json:"codes"`
	Code         string   `json:"code"`
	Start        string   `json:"start"`
	End          string   `json:"end"`
	AllowPartial bool     `json:"allow_partial"`
}

type dailySeries struct {
	Code         string                    `json:"code"`
	Completeness domain.CompletenessResult `json:"completeness"`
	Bars         []marketdata.Bar          `json:"bars"`
}

// RegisterMarket adds market.search and market.daily_range to r.
func RegisterMarket(r *Registry, md MarketData, completeness Completeness, opts MarketOptions) error {
	if md == nil {
		return fmt.Errorf("market data client is required")
	}
	if err := r.Register(ToolMarketSearch, marketSearch(md, opts.MaxParallelSearch)); err != nil {
		return err
	}
	return r.Register(ToolMarketDailyRange, marketDailyRange(md, completeness, opts.MaxParallelDaily))
}

func marketSearch(md MarketData, parallel int) ExecutorFunc {
	return func(ctx context.Context, raw json.RawMessage) (Outcome, error) {
		var p searchParams
		if err := decodeParams(ToolMarketSearch, raw, &p); err != nil {
			return Outcome{}, err
		}
		queries := compact(append(p.Queries, p.Query))
		if len(queries) == 0 {
			return Outcome{}, invalidParams(ToolMarketSearch, "at least one query is required")
		}
		if len(queries) > maxSearchQueries {
			return Outcome{}, invalidParams(ToolMarketSearch, "at most %d queries allowed", maxSearchQueries)
		}

		hits := make([]searchHit, len(queries))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limitOrDefault(parallel))
		for i, q := range queries {
			unitCtx := execctx.Fork(gctx, i+1)
			g.Go(func() error {
				items, err := md.Search(unitCtx, q, p.Limit)
				if err != nil {
					return fmt.Errorf("search %q: %w", q, err)
				}
				execctx.Logger(unitCtx, nil).Debug("market search done", slog.String("query", q), slog.Int("hits", len(items)))
				if items == nil {
					items = []marketdata.Instrument{}
				}
				hits[i] = searchHit{Query: q, Items: items}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return Outcome{}, err
		}
		return encodeOutcome(map[string]any{"results": hits})
	}
}

func marketDailyRange(md MarketData, completeness Completeness, parallel int) ExecutorFunc {
	return func(ctx context.Context, raw json.RawMessage) (Outcome, error) {
		var p dailyParams
		if err := decodeParams(ToolMarketDailyRange, raw, &p); err != nil {
			return Outcome{}, err
		}
		codes := compact(append(p.Codes, p.Code))
		if len(codes) == 0 {
			return Outcome{}, invalidParams(ToolMarketDailyRange, "at least one code is required")
		}
		if len(codes) > maxDailyCodes {
			return Outcome{}, invalidParams(ToolMarketDailyRange, "at most %d codes allowed", maxDailyCodes)
		}
		if p.Start == "" || p.End == "" {
			return Outcome{}, invalidParams(ToolMarketDailyRange, "start and end are required")
		}

		series := make([]dailySeries, len(codes))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limitOrDefault(parallel))
		for i, code := range codes {
			unitCtx := execctx.Fork(gctx, i+1)
			g.Go(func() error {
				s, err := fetchDaily(unitCtx, md, completeness, code, p)
				if err != nil {
					return err
				}
				series[i] = s
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return Outcome{}, err
		}
		return encodeOutcome(map[string]any{"series": series})
	}
}

// fetchDaily loads bars for one code once its stored range is usable. A range
// still being backfilled is a transient failure so the step is retried; an
// upstream gap is served partially.
func fetchDaily(ctx context.Context, md MarketData, completeness Completeness, code string, p dailyParams) (dailySeries, error) {
	s := dailySeries{Code: code}
	if completeness != nil {
		res, err := completeness.Evaluate(ctx, code, p.Start, p.End)
		if err != nil {
			if errors.Is(err, domain.ErrValidation) {
				return s, invalidParams(ToolMarketDailyRange, "%v", err)
			}
			return s, fmt.Errorf("completeness %s: %w", code, err)
		}
		s.Completeness = res
		execctx.Logger(ctx, nil).Debug("completeness evaluated",
			slog.String("code", code), slog.String("status", string(res.Status)), slog.Bool("from_cache", res.FromCache))
		if res.Status == domain.CompletenessIncomplete && !p.AllowPartial {
			return s, fmt.Errorf("%w: %s has %d missing dates in %s..%s", domain.ErrTransient, code, len(res.MissingDates), p.Start, p.End)
		}
	}
	bars, err := md.DailyRange(ctx, code, p.Start, p.End)
	if err != nil {
		return s, fmt.Errorf("daily range %s: %w", code, err)
	}
	if bars == nil {
		bars = []marketdata.Bar{}
	}
	s.Bars = bars
	return s, nil
}

func compact(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return 4
	}
	return n
}

func encodeOutcome(v any) (Outcome, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to encode tool output: %w", err)
	}
	return Outcome{Output: data}, nil
}
