// Package completeness decides whether stored market data covers a date range.
package completeness

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xiaot623/agentrun/internal/domain"
)

// Source supplies the trading calendar and the dates actually stored for a subject.
type Source interface {
	TradingDays(ctx context.Context, start, end string) ([]string, error)
	StoredDates(ctx context.Context, code, start, end string) ([]string, error)
}

// Cache stores evaluation results with a per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) (*domain.CompletenessResult, bool, error)
	Set(ctx context.Context, key string, result domain.CompletenessResult, ttl time.Duration) error
}

// Options tunes cache lifetimes.
type Options struct {
	CompleteTTL   time.Duration
	IncompleteTTL time.Duration
	GapTTL        time.Duration
	GapRetryAfter time.Duration
}

// DefaultOptions returns a day for settled answers and minutes for a first miss.
func DefaultOptions() Options {
	return Options{
		CompleteTTL:   24 * time.Hour,
		IncompleteTTL: 5 * time.Minute,
		GapTTL:        24 * time.Hour,
		GapRetryAfter: 24 * time.Hour,
	}
}

// Evaluator answers completeness questions with an escalating cache.
type Evaluator struct {
	source Source
	cache  Cache
	opts   Options
	group  singleflight.Group
	now    func() time.Time
}

// NewEvaluator creates an evaluator.
func NewEvaluator(source Source, cache Cache, opts Options) *Evaluator {
	def := DefaultOptions()
	if opts.CompleteTTL <= 0 {
		opts.CompleteTTL = def.CompleteTTL
	}
	if opts.IncompleteTTL <= 0 {
		opts.IncompleteTTL = def.IncompleteTTL
	}
	if opts.GapTTL <= 0 {
		opts.GapTTL = def.GapTTL
	}
	if opts.GapRetryAfter <= 0 {
		opts.GapRetryAfter = def.GapRetryAfter
	}
	return &Evaluator{source: source, cache: cache, opts: opts, now: time.Now}
}

// Key is the cache key of a (subject, range) question.
func Key(code, start, end string) string {
	return code + ":" + start + ":" + end
}

// Evaluate reports whether code's stored data covers [start, end].
//
// A cached COMPLETE, or a cached UPSTREAM_GAP before its retry instant, is
// returned as is. Otherwise the answer is recomputed; a miss that follows an
// earlier miss for the same key escalates to UPSTREAM_GAP.
func (e *Evaluator) Evaluate(ctx context.Context, code, start, end string) (domain.CompletenessResult, error) {
	if err := validateRange(code, start, end); err != nil {
		return domain.CompletenessResult{}, err
	}
	key := Key(code, start, end)

	v, err, _ := e.group.Do(key, func() (interface{}, error) {
		return e.evaluate(ctx, key, code, start, end)
	})
	if err != nil {
		return domain.CompletenessResult{}, err
	}
	return v.(domain.CompletenessResult), nil
}

func (e *Evaluator) evaluate(ctx context.Context, key, code, start, end string) (domain.CompletenessResult, error) {
	now := e.now()

	var prior domain.CompletenessStatus
	cached, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("completeness cache read failed", "key", key, "error", err)
	}
	if ok && cached != nil {
		switch cached.Status {
		case domain.CompletenessComplete:
			hit := *cached
			hit.FromCache = true
			return hit, nil
		case domain.CompletenessUpstreamGap:
			if cached.NextRetryAt != nil && now.Before(*cached.NextRetryAt) {
				hit := *cached
				hit.FromCache = true
				return hit, nil
			}
		}
		prior = cached.Status
	}

	expected, err := e.source.TradingDays(ctx, start, end)
	if err != nil {
		return domain.CompletenessResult{}, fmt.Errorf("failed to load trading calendar: %w", err)
	}
	stored, err := e.source.StoredDates(ctx, code, start, end)
	if err != nil {
		return domain.CompletenessResult{}, fmt.Errorf("failed to load stored dates: %w", err)
	}

	have := make(map[string]bool, len(stored))
	for _, d := range stored {
		have[d] = true
	}
	var missing []string
	for _, d := range expected {
		if !have[d] {
			missing = append(missing, d)
		}
	}
	sort.Strings(missing)

	result := domain.CompletenessResult{
		SubjectCode:   code,
		Start:         start,
		End:           end,
		ExpectedCount: len(expected),
		ActualCount:   len(have),
		MissingDates:  missing,
		EvaluatedAt:   now,
	}

	var ttl time.Duration
	switch {
	case len(missing) == 0:
		result.Status = domain.CompletenessComplete
		ttl = e.opts.CompleteTTL
	case prior == domain.CompletenessIncomplete || prior == domain.CompletenessUpstreamGap:
		result.Status = domain.CompletenessUpstreamGap
		retry := now.Add(e.opts.GapRetryAfter)
		result.NextRetryAt = &retry
		ttl = max(e.opts.GapTTL, e.opts.GapRetryAfter)
	default:
		result.Status = domain.CompletenessIncomplete
		ttl = e.opts.IncompleteTTL
	}

	if err := e.cache.Set(ctx, key, result, ttl); err != nil {
		slog.Warn("completeness cache write failed", "key", key, "error", err)
	}
	return result, nil
}

func validateRange(code, start, end string) error {
	if code == "" {
		return fmt.Errorf("subject code is required: %w", domain.ErrValidation)
	}
	s, err := time.Parse(domain.DateLayout, start)
	if err != nil {
		return fmt.Errorf("invalid start date %q: %w", start, domain.ErrValidation)
	}
	en, err := time.Parse(domain.DateLayout, end)
	if err != nil {
		return fmt.Errorf("invalid end date %q: %w", end, domain.ErrValidation)
	}
	if en.Before(s) {
		return fmt.Errorf("end %s before start %s: %w", end, start, domain.ErrValidation)
	}
	return nil
}
