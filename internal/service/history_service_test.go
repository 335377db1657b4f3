package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peer-transfers/internal/domain"
	"peer-transfers/internal/errors"
)

// steppingClock returns a strictly increasing time on every call.
func steppingClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := next
		next = next.Add(step)
		return now
	}
}

func TestHistory_NewestFirst(t *testing.T) {
	f := newFixture(t, TransferOptions{})
	f.transfers.WithClock(steppingClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), time.Second))
	ctx := context.Background()
	a := f.account(t, 100)
	b := f.account(t, 100)

	t1, err := f.transfers.Transfer(ctx, TransferRequest{SenderID: a, ReceiverID: b, Amount: 10})
	require.NoError(t, err)
	t2, err := f.transfers.Transfer(ctx, TransferRequest{SenderID: b, ReceiverID: a, Amount: 5})
	require.NoError(t, err)

	for _, account := range []uuid.UUID{a, b} {
		records := f.historyOf(t, account)
		require.Len(t, records, 2)
		assert.Equal(t, t2.ID, records[0].ID)
		assert.Equal(t, t1.ID, records[1].ID)
	}
}

func TestHistory_SameTimestampOrdersByID(t *testing.T) {
	f := newFixture(t, TransferOptions{})
	frozen := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.transfers.WithClock(func() time.Time { return frozen })
	ctx := context.Background()
	a := f.account(t, 100)
	b := f.account(t, 0)

	for i := 0; i < 5; i++ {
		_, err := f.transfers.Transfer(ctx, TransferRequest{SenderID: a, ReceiverID: b, Amount: 1})
		require.NoError(t, err)
	}

	records := f.historyOf(t, a)
	require.Len(t, records, 5)
	for i := 1; i < len(records); i++ {
		prev, cur := domain.LockOrder(records[i-1].ID, records[i].ID)
		assert.Equal(t, records[i].ID, prev, "records must be ordered by id descending")
		assert.Equal(t, records[i-1].ID, cur)
	}
}

func TestHistory_IsRestartableAndStopsEarly(t *testing.T) {
	f := newFixture(t, TransferOptions{})
	f.transfers.WithClock(steppingClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), time.Second))
	ctx := context.Background()
	a := f.account(t, 100)
	b := f.account(t, 0)

	for i := 0; i < 5; i++ {
		_, err := f.transfers.Transfer(ctx, TransferRequest{SenderID: a, ReceiverID: b, Amount: 1})
		require.NoError(t, err)
	}

	seq := f.history.History(ctx, a)

	var first []uuid.UUID
	for record, err := range seq {
		require.NoError(t, err)
		first = append(first, record.ID)
		if len(first) == 3 {
			break
		}
	}

	var second []uuid.UUID
	for record, err := range seq {
		require.NoError(t, err)
		second = append(second, record.ID)
	}

	require.Len(t, first, 3)
	require.Len(t, second, 5)
	assert.Equal(t, first, second[:3])
}

func TestHistory_EmptyAccount(t *testing.T) {
	f := newFixture(t, TransferOptions{})
	a := f.account(t, 0)

	assert.Empty(t, f.historyOf(t, a))
	assert.Empty(t, f.historyOf(t, uuid.New()))
}

func TestPage_Pagination(t *testing.T) {
	f := newFixture(t, TransferOptions{})
	f.transfers.WithClock(steppingClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), time.Second))
	ctx := context.Background()
	a := f.account(t, 100)
	b := f.account(t, 0)

	var created []uuid.UUID
	for i := 0; i < 5; i++ {
		record, err := f.transfers.Transfer(ctx, TransferRequest{SenderID: a, ReceiverID: b, Amount: 1})
		require.NoError(t, err)
		created = append([]uuid.UUID{record.ID}, created...)
	}

	var (
		seen   []uuid.UUID
		cursor string
		pages  int
	)
	for {
		page, err := f.history.Page(ctx, a, cursor, 2)
		require.NoError(t, err)
		pages++
		for _, item := range page.Items {
			seen = append(seen, item.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	assert.Equal(t, 3, pages)
	assert.Equal(t, created, seen)
}

func TestPage_ExactMultipleHasNoTrailingCursor(t *testing.T) {
	f := newFixture(t, TransferOptions{})
	ctx := context.Background()
	a := f.account(t, 100)
	b := f.account(t, 0)

	for i := 0; i < 2; i++ {
		_, err := f.transfers.Transfer(ctx, TransferRequest{SenderID: a, ReceiverID: b, Amount: 1})
		require.NoError(t, err)
	}

	page, err := f.history.Page(ctx, a, "", 2)
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.Empty(t, page.NextCursor)
}

func TestPage_InvalidCursor(t *testing.T) {
	f := newFixture(t, TransferOptions{})

	for _, cursor := range []string{"%%%", "bm8tc2VwYXJhdG9y", EncodeCursor(domain.HistoryCursor{})[:4]} {
		_, err := f.history.Page(context.Background(), uuid.New(), cursor, 10)
		assertCode(t, err, errors.InvalidInput)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	c := domain.HistoryCursor{
		CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.UTC),
		ID:        uuid.New(),
	}

	decoded, err := DecodeCursor(EncodeCursor(c))
	require.NoError(t, err)
	assert.True(t, c.CreatedAt.Equal(decoded.CreatedAt))
	assert.Equal(t, c.ID, decoded.ID)
}

func TestGetTransfer_ParticipantsOnly(t *testing.T) {
	f := newFixture(t, TransferOptions{})
	ctx := context.Background()
	a := f.account(t, 100)
	b := f.account(t, 0)
	outsider := f.account(t, 0)

	record, err := f.transfers.Transfer(ctx, TransferRequest{SenderID: a, ReceiverID: b, Amount: 10})
	require.NoError(t, err)

	for _, caller := range []uuid.UUID{a, b} {
		got, err := f.history.GetTransfer(ctx, caller, record.ID)
		require.NoError(t, err)
		assert.Equal(t, record.ID, got.ID)
	}

	_, err = f.history.GetTransfer(ctx, outsider, record.ID)
	assertCode(t, err, errors.TransferNotFound)

	_, err = f.history.GetTransfer(ctx, a, uuid.New())
	assertCode(t, err, errors.TransferNotFound)
}
