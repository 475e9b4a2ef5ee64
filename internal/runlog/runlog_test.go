package runlog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/tests/helpers"
)

func newTestLog(t *testing.T, runIDs ...string) *Log {
	t.Helper()
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	now := time.Now()
	for _, id := range runIDs {
		err := db.CreateRun(ctx, &domain.Run{
			RunID: id, OwnerID: "u1", Goal: "g", Status: domain.RunStatusReceived,
			ExpiresAt: now.Add(time.Hour), StartedAt: now, UpdatedAt: now,
		})
		require.NoError(t, err)
	}
	return New(db)
}

func TestAppendAssignsIncreasingSeq(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, "r1")

	var seen []domain.Event
	l.OnAppend = func(e domain.Event) { seen = append(seen, e) }

	for i := 1; i <= 3; i++ {
		ev, err := l.Append(ctx, "r1", domain.EventTypeStepStarted, domain.StepPayload{StepID: fmt.Sprintf("s%d", i)})
		require.NoError(t, err)
		assert.Equal(t, int64(i), ev.Seq)
	}
	assert.Len(t, seen, 3)
}

func TestConcurrentAppendsAreDistinctAndGapFree(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, "r1")

	const n = 25
	var wg sync.WaitGroup
	seqs := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := l.Append(ctx, "r1", domain.EventTypeSandboxPolled, nil)
			if assert.NoError(t, err) {
				seqs <- ev.Seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := map[int64]bool{}
	for s := range seqs {
		assert.False(t, seen[s], "duplicate seq %d", s)
		seen[s] = true
	}
	for i := int64(1); i <= n; i++ {
		assert.True(t, seen[i], "missing seq %d", i)
	}
}

func TestListAfterPaging(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, "r1")
	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, "r1", domain.EventTypeStepCompleted, nil)
		require.NoError(t, err)
	}

	page, err := l.ListAfter(ctx, "r1", 0, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(2), page.NextCursor)

	cursor := page.NextCursor
	page, err = l.ListAfter(ctx, "r1", cursor, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.False(t, page.HasMore)
	assert.Equal(t, int64(5), page.NextCursor)
	for _, ev := range page.Items {
		assert.Greater(t, ev.Seq, cursor)
	}

	empty, err := l.ListAfter(ctx, "r1", 5, 10)
	require.NoError(t, err)
	assert.Empty(t, empty.Items)
	assert.Equal(t, int64(5), empty.NextCursor, "cursor holds when nothing is new")

	all, err := l.ReadAll(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestConcurrentFollowUpsGetConsecutiveSeqs(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, "r1")
	_, err := l.AppendMessage(ctx, domain.Message{RunID: "r1", Role: domain.RoleUser, Content: "seed", Type: domain.MessageTypeInitial})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]domain.Message, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, err := l.AppendMessage(ctx, domain.Message{RunID: "r1", Role: domain.RoleUser, Content: fmt.Sprintf("f%d", i), Type: domain.MessageTypeFollowUp})
			assert.NoError(t, err)
			results[i] = msg
		}(i)
	}
	wg.Wait()

	got := []int64{results[0].Seq, results[1].Seq}
	assert.ElementsMatch(t, []int64{2, 3}, got)
}

func TestConversationQueries(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, "r1")

	for _, m := range []domain.Message{
		{RunID: "r1", Role: domain.RoleUser, Content: "seed", Type: domain.MessageTypeInitial},
		{RunID: "r1", Role: domain.RoleUser, Content: "why?", Type: domain.MessageTypeFollowUp},
		{RunID: "r1", Role: domain.RoleAssistant, Content: "because", Type: domain.MessageTypeSummary},
	} {
		_, err := l.AppendMessage(ctx, m)
		require.NoError(t, err)
	}

	page, err := l.ListMessagesAfter(ctx, "r1", 0, 10, true)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "why?", page.Items[0].Content)

	latest, err := l.LatestMessage(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAssistant, latest.Role)

	user, err := l.LatestUserMessage(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "why?", user.Content)

	all, err := l.ReadAllMessages(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
