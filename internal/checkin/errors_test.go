package checkin

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	cases := []struct {
		err  error
		want Kind
	}{
		{Transient("influx query", base), KindTransient},
		{Auth("telegram getMe", base), KindAuth},
		{Correlation("listener", nil), KindCorrelation},
		{Duplicate("journal", nil), KindDuplicateWrite},
		{fmt.Errorf("cycle: %w", Transient("q", base)), KindTransient},
		{fmt.Errorf("wrapped: %w", ErrAuth), KindAuth},
		{base, KindInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, KindOf(tc.err), tc.err.Error())
	}
}

func TestErrorIsSentinel(t *testing.T) {
	err := fmt.Errorf("send: %w", Auth("sendMessage", errors.New("401 Unauthorized")))
	assert.True(t, errors.Is(err, ErrAuth))
	assert.False(t, errors.Is(err, ErrTransient))
	assert.True(t, IsFatal(err))
	assert.False(t, IsFatal(Transient("q", errors.New("timeout"))))
	assert.Contains(t, err.Error(), "401 Unauthorized")
}

func TestRecordKey(t *testing.T) {
	ts := time.Date(2026, 3, 1, 6, 30, 0, 0, time.FixedZone("X", 3600))
	assert.Equal(t, "2026-03-01T05:30:00Z", RecordKey(ts, ""))
	assert.Equal(t, "2026-03-01T05:30:00Z@fenix", RecordKey(ts, "fenix"))
}

func TestPendingCheckInExpired(t *testing.T) {
	now := time.Now()
	c := PendingCheckIn{State: StateSent, ExpiresAt: now}
	assert.True(t, c.Expired(now))
	assert.False(t, c.Expired(now.Add(-time.Second)))
	c.State = StateAnswered
	assert.False(t, c.Expired(now.Add(time.Hour)))
	assert.True(t, StateExpired.Terminal())
	assert.False(t, StateSent.Terminal())
}
