// Package runlog provides the per-run append-only event and conversation logs.
package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/keylock"
	"github.com/xiaot623/agentrun/internal/repository"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500

	appendRetries = 5
)

// Store is the persistence the logs need.
type Store interface {
	AppendEvent(ctx context.Context, event *domain.Event) error
	ListEventsAfter(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.Event, error)
	AppendMessage(ctx context.Context, msg *domain.Message) error
	ListMessagesAfter(ctx context.Context, runID string, afterSeq int64, limit int, excludeInitial bool) ([]domain.Message, error)
	LatestMessage(ctx context.Context, runID string, role domain.MessageRole) (*domain.Message, error)
}

// Log serializes appends per run and pages reads by sequence cursor.
type Log struct {
	store Store
	locks *keylock.Locker
	now   func() time.Time

	// OnAppend, when set, is called after every event append.
	OnAppend func(event domain.Event)
}

// New creates a Log over store.
func New(store Store) *Log {
	return &Log{store: store, locks: keylock.New(), now: time.Now}
}

// Append writes an event with the next sequence for the run and returns it.
// payload may be nil, raw JSON, or any value encodable as JSON.
func (l *Log) Append(ctx context.Context, runID string, eventType domain.EventType, payload any) (domain.Event, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return domain.Event{}, err
	}

	unlock := l.locks.Lock(runID)
	defer unlock()

	event := domain.Event{RunID: runID, Type: eventType, Payload: raw, CreatedAt: l.now()}
	for attempt := 0; ; attempt++ {
		err = l.store.AppendEvent(ctx, &event)
		if !errors.Is(err, repository.ErrConflict) || attempt >= appendRetries {
			break
		}
	}
	if err != nil {
		return domain.Event{}, fmt.Errorf("failed to append %s event: %w", eventType, err)
	}
	if l.OnAppend != nil {
		l.OnAppend(event)
	}
	return event, nil
}

// ListAfter returns the page of events with seq strictly greater than afterSeq.
func (l *Log) ListAfter(ctx context.Context, runID string, afterSeq int64, limit int) (domain.EventPage, error) {
	limit = clampLimit(limit)
	events, err := l.store.ListEventsAfter(ctx, runID, afterSeq, limit+1)
	if err != nil {
		return domain.EventPage{}, fmt.Errorf("failed to list events: %w", err)
	}
	page := domain.EventPage{Items: events, NextCursor: afterSeq}
	if len(events) > limit {
		page.Items = events[:limit]
		page.HasMore = true
	}
	if n := len(page.Items); n > 0 {
		page.NextCursor = page.Items[n-1].Seq
	}
	if page.Items == nil {
		page.Items = []domain.Event{}
	}
	return page, nil
}

// ReadAll pages through the whole event log of a run.
func (l *Log) ReadAll(ctx context.Context, runID string) ([]domain.Event, error) {
	var all []domain.Event
	cursor := int64(0)
	for {
		page, err := l.ListAfter(ctx, runID, cursor, MaxPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		if !page.HasMore {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// AppendMessage writes a conversation message with the next sequence for its run.
func (l *Log) AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	unlock := l.locks.Lock("msg:" + msg.RunID)
	defer unlock()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = l.now()
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = l.store.AppendMessage(ctx, &msg)
		if !errors.Is(err, repository.ErrConflict) || attempt >= appendRetries {
			break
		}
	}
	if err != nil {
		return domain.Message{}, fmt.Errorf("failed to append message: %w", err)
	}
	return msg, nil
}

// ListMessagesAfter returns the page of messages with seq strictly greater than afterSeq.
// With excludeInitial the seed prompt is hidden.
func (l *Log) ListMessagesAfter(ctx context.Context, runID string, afterSeq int64, limit int, excludeInitial bool) (domain.MessagePage, error) {
	limit = clampLimit(limit)
	msgs, err := l.store.ListMessagesAfter(ctx, runID, afterSeq, limit+1, excludeInitial)
	if err != nil {
		return domain.MessagePage{}, fmt.Errorf("failed to list messages: %w", err)
	}
	page := domain.MessagePage{Items: msgs, NextCursor: afterSeq}
	if len(msgs) > limit {
		page.Items = msgs[:limit]
		page.HasMore = true
	}
	if n := len(page.Items); n > 0 {
		page.NextCursor = page.Items[n-1].Seq
	}
	if page.Items == nil {
		page.Items = []domain.Message{}
	}
	return page, nil
}

// ReadAllMessages pages through the whole conversation of a run.
func (l *Log) ReadAllMessages(ctx context.Context, runID string) ([]domain.Message, error) {
	var all []domain.Message
	cursor := int64(0)
	for {
		page, err := l.ListMessagesAfter(ctx, runID, cursor, MaxPageSize, false)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		if !page.HasMore {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// LatestMessage returns the newest message of a run, or nil.
func (l *Log) LatestMessage(ctx context.Context, runID string) (*domain.Message, error) {
	return l.store.LatestMessage(ctx, runID, "")
}

// LatestUserMessage returns the newest user message of a run, or nil.
func (l *Log) LatestUserMessage(ctx context.Context, runID string) (*domain.Message, error) {
	return l.store.LatestMessage(ctx, runID, domain.RoleUser)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event payload: %w", err)
	}
	return data, nil
}
