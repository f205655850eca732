package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sleep-checkin/internal/checkin"
)

func TestObserveRecords_FirstSeenIsSticky(t *testing.T) {
	s, clk := newStore(t)
	ctx := context.Background()
	recTime := clk.Now().Add(-8 * time.Hour)

	seen, err := s.ObserveRecords(ctx, map[string]time.Time{"R1": recTime}, clk.Now())
	require.NoError(t, err)
	first := clk.Now()
	assert.True(t, seen["R1"].Equal(first))

	clk.Advance(time.Hour)
	seen, err = s.ObserveRecords(ctx, map[string]time.Time{"R1": recTime, "R2": recTime}, clk.Now())
	require.NoError(t, err)
	assert.True(t, seen["R1"].Equal(first))
	assert.True(t, seen["R2"].Equal(clk.Now()))

	empty, err := s.ObserveRecords(ctx, nil, clk.Now())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestReaskCandidates(t *testing.T) {
	s, clk := newStore(t)
	ctx := context.Background()
	base := clk.Now().Add(-72 * time.Hour)
	records := map[string]time.Time{
		"expired-once":  base,
		"expired-twice": base.Add(time.Hour),
		"open":          base.Add(2 * time.Hour),
		"answered":      base.Add(3 * time.Hour),
		"never-asked":   base.Add(4 * time.Hour),
	}
	_, err := s.ObserveRecords(ctx, records, clk.Now())
	require.NoError(t, err)

	expire := func(key string) {
		c := openCheckIn(t, s, key, "100", time.Hour)
		require.NoError(t, s.Transition(ctx, c.ID, checkin.StateSent, checkin.StateExpired))
	}
	expire("expired-once")
	expire("expired-twice")
	expire("expired-twice")
	expire("open")
	openCheckIn(t, s, "open", "100", time.Hour)
	c := openCheckIn(t, s, "answered", "100", time.Hour)
	require.NoError(t, s.Answer(ctx, c.ID, checkin.JournalEntry{
		RecordKey: "answered", AnswerText: "ok", ThreadID: "100", MessageKind: checkin.MessageKindText,
	}))

	cands, err := s.ReaskCandidates(ctx, 3)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "expired-once", cands[0].RecordKey)
	assert.True(t, cands[0].RecordTime.Equal(base))
	assert.Equal(t, "expired-twice", cands[1].RecordKey)

	cands, err = s.ReaskCandidates(ctx, 2)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "expired-once", cands[0].RecordKey)
}

func TestAnswer_AdvancesCursorAtomically(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	c := openCheckIn(t, s, "R1", "100", time.Hour)
	entry := checkin.JournalEntry{RecordKey: "R1", AnswerText: "ok", ThreadID: "100", MessageKind: checkin.MessageKindText, SourceMessageID: 7}

	require.NoError(t, s.Answer(ctx, c.ID, entry, AdvanceCursor("updates", 8)))
	cur, err := s.Cursor(ctx, "updates")
	require.NoError(t, err)
	assert.Equal(t, int64(8), cur)

	other := openCheckIn(t, s, "R2", "100", time.Hour)
	require.NoError(t, s.Transition(ctx, other.ID, checkin.StateSent, checkin.StateExpired))
	err = s.Answer(ctx, other.ID, checkin.JournalEntry{RecordKey: "R2", AnswerText: "late", ThreadID: "100", MessageKind: checkin.MessageKindText, SourceMessageID: 9},
		AdvanceCursor("updates", 10))
	require.ErrorIs(t, err, ErrStaleTransition)
	cur, err = s.Cursor(ctx, "updates")
	require.NoError(t, err)
	assert.Equal(t, int64(8), cur, "a rolled back answer does not move the cursor")
}
