package insight

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sleep-checkin/internal/checkin"
	"sleep-checkin/internal/llm"
)

func record(metrics map[string]float64) checkin.SleepRecord {
	t := time.Date(2026, 5, 3, 6, 30, 0, 0, time.UTC)
	return checkin.SleepRecord{Key: checkin.RecordKey(t, ""), Time: t, Metrics: metrics}
}

func TestSummary_Lines(t *testing.T) {
	rec := record(map[string]float64{
		"sleepScore":        80,
		"sleepTimeSeconds":  27030,
		"deepSleepSeconds":  5400,
		"awakeSleepSeconds": 90,
		"restingHeartRate":  52.5,
	})
	prior := []checkin.SleepRecord{
		record(map[string]float64{"sleepScore": 70, "sleepTimeSeconds": 25200, "deepSleepSeconds": 5400, "restingHeartRate": 50}),
		record(map[string]float64{"sleepScore": 75, "sleepTimeSeconds": 28830, "restingHeartRate": 51}),
	}

	want := []string{
		"Your sleep stress is missing in the most recent record.",
		"Your awake count is missing in the most recent record.",
		"Your awake time was 2m. (Not enough prior-week data to compare.)",
		"Your deep sleep was 90m; this is about the same as the previous week average of 90m0sec.",
		"Your REM sleep is missing in the most recent record.",
		"Your resting heart rate was 52; this is worse than the previous week average of 50.5.",
		"Your restless moments is missing in the most recent record.",
		"Your sleep score was 80; this is better than the previous week average of 72.5.",
		"Your total sleep time was 7h30m; this is better than the previous week average of 7h30m.",
	}
	assert.Equal(t, strings.Join(want, "\n"), Summary(rec, prior))
}

func TestVerdict_Direction(t *testing.T) {
	assert.Equal(t, "better than", verdict(10, 5, true))
	assert.Equal(t, "worse than", verdict(10, 5, false))
	assert.Equal(t, "better than", verdict(3, 5, false))
	assert.Equal(t, "about the same as", verdict(5, 5+1e-12, true))
}

func TestFormat_Durations(t *testing.T) {
	total := metric{name: "sleepTimeSeconds", seconds: true}
	rem := metric{name: "remSleepSeconds", seconds: true}
	count := metric{name: "awakeCount"}

	assert.Equal(t, "8h0m", total.formatCurrent(28790))
	assert.Equal(t, "6h59m", total.formatAverage(25190))
	assert.Equal(t, "95m", rem.formatCurrent(5701))
	assert.Equal(t, "95m1sec", rem.formatAverage(5701))
	assert.Equal(t, "3", count.formatCurrent(2.6))
	assert.Equal(t, "2.6", count.formatAverage(2.6))
}

func TestDeterministic_Generate(t *testing.T) {
	rec := record(map[string]float64{"sleepScore": 80})
	in, err := Deterministic{}.Generate(context.Background(), rec, checkin.HistoricalWindow{})
	require.NoError(t, err)
	assert.Equal(t, DefaultQuestion, in.Question)
	assert.Contains(t, in.Summary.Text, "Your sleep score was 80. (Not enough prior-week data to compare.)")
	assert.False(t, in.Summary.HasImage())
}

type fakeLLM struct {
	resp  llm.Response
	err   error
	calls [][]llm.Message
}

func (f *fakeLLM) Generate(_ context.Context, msgs []llm.Message) (llm.Response, error) {
	f.calls = append(f.calls, msgs)
	return f.resp, f.err
}

func TestLLM_UsesModelQuestion(t *testing.T) {
	f := &fakeLLM{resp: llm.Response{Content: "\n\"Did the late coffee keep you awake?\"\nextra", Model: "m"}}
	g := NewLLM(f, zaptest.NewLogger(t))
	window := checkin.HistoricalWindow{Journal: []checkin.JournalEntry{
		{AnswerText: "coffee at 6pm", MessageKind: checkin.MessageKindText, RecordedAt: time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)},
		{AnswerText: "[non-text message]", MessageKind: checkin.MessageKindNonText},
	}}

	in, err := g.Generate(context.Background(), record(map[string]float64{"sleepScore": 60}), window)
	require.NoError(t, err)
	assert.Equal(t, "Did the late coffee keep you awake?", in.Question)
	assert.Contains(t, in.Summary.Text, "Your sleep score was 60.")

	require.Len(t, f.calls, 1)
	user := f.calls[0][1].Content
	assert.Contains(t, user, "2026-05-02: coffee at 6pm")
	assert.NotContains(t, user, "[non-text message]")
}

func TestLLM_FallsBackOnFailure(t *testing.T) {
	for _, f := range []*fakeLLM{
		{err: errors.New("rate limited")},
		{resp: llm.Response{Content: "  \n "}},
	} {
		g := NewLLM(f, zaptest.NewLogger(t))
		in, err := g.Generate(context.Background(), record(nil), checkin.HistoricalWindow{})
		require.NoError(t, err)
		assert.Equal(t, DefaultQuestion, in.Question)
	}
}

func TestLLM_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := NewLLM(&fakeLLM{err: context.Canceled}, nil)
	_, err := g.Generate(ctx, record(nil), checkin.HistoricalWindow{})
	require.ErrorIs(t, err, context.Canceled)
}
