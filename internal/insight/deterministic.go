// Package insight turns a sleep record and its recent history into the
// summary and follow-up question sent to the user.
package insight

import (
	"context"
	"fmt"
	"math"
	"strings"

	"sleep-checkin/internal/checkin"
)

// Generator produces the insight for one record. Implementations must not
// mutate the record or the window.
type Generator interface {
	Generate(ctx context.Context, rec checkin.SleepRecord, window checkin.HistoricalWindow) (checkin.Insight, error)
}

// DefaultQuestion is asked when no other phrasing is available.
const DefaultQuestion = "Any thoughts on why your sleep was like this?"

type metric struct {
	name           string
	label          string
	higherIsBetter bool
	seconds        bool
}

// metrics is the fixed set and order of lines in a summary.
var metrics = []metric{
	{name: "avgSleepStress", label: "sleep stress"},
	{name: "awakeCount", label: "awake count"},
	{name: "awakeSleepSeconds", label: "awake time", seconds: true},
	{name: "deepSleepSeconds", label: "deep sleep", higherIsBetter: true, seconds: true},
	{name: "remSleepSeconds", label: "REM sleep", higherIsBetter: true, seconds: true},
	{name: "restingHeartRate", label: "resting heart rate"},
	{name: "restlessMomentsCount", label: "restless moments"},
	{name: "sleepScore", label: "sleep score", higherIsBetter: true},
	{name: "sleepTimeSeconds", label: "total sleep time", higherIsBetter: true, seconds: true},
}

// Deterministic compares each metric of the record against the average of
// the prior records in the window and always asks DefaultQuestion.
type Deterministic struct{}

func (Deterministic) Generate(_ context.Context, rec checkin.SleepRecord, window checkin.HistoricalWindow) (checkin.Insight, error) {
	return checkin.Insight{
		Summary:  checkin.Payload{Text: Summary(rec, window.Records)},
		Question: DefaultQuestion,
	}, nil
}

// Summary renders one line per metric comparing rec with the mean of prior.
func Summary(rec checkin.SleepRecord, prior []checkin.SleepRecord) string {
	lines := make([]string, 0, len(metrics))
	for _, m := range metrics {
		v, ok := rec.Metric(m.name)
		if !ok {
			lines = append(lines, fmt.Sprintf("Your %s is missing in the most recent record.", m.label))
			continue
		}
		avg, ok := average(prior, m.name)
		if !ok {
			lines = append(lines, fmt.Sprintf("Your %s was %s. (Not enough prior-week data to compare.)",
				m.label, m.formatCurrent(v)))
			continue
		}
		lines = append(lines, fmt.Sprintf("Your %s was %s; this is %s the previous week average of %s.",
			m.label, m.formatCurrent(v), verdict(v, avg, m.higherIsBetter), m.formatAverage(avg)))
	}
	return strings.Join(lines, "\n")
}

func average(recs []checkin.SleepRecord, name string) (float64, bool) {
	var sum float64
	var n int
	for _, r := range recs {
		if v, ok := r.Metric(name); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func verdict(v, avg float64, higherIsBetter bool) string {
	if math.Abs(v-avg) < 1e-9 {
		return "about the same as"
	}
	if (v > avg) == higherIsBetter {
		return "better than"
	}
	return "worse than"
}

// formatCurrent rounds durations to the minute and counts to whole numbers.
func (m metric) formatCurrent(v float64) string {
	switch {
	case m.name == "sleepTimeSeconds":
		s := int(math.RoundToEven(v/60) * 60)
		return fmt.Sprintf("%dh%dm", s/3600, (s%3600)/60)
	case m.seconds:
		s := int(math.RoundToEven(v/60) * 60)
		return fmt.Sprintf("%dm", s/60)
	}
	return fmt.Sprintf("%d", int(math.RoundToEven(v)))
}

// formatAverage keeps second precision for durations and one decimal for counts.
func (m metric) formatAverage(v float64) string {
	switch {
	case m.name == "sleepTimeSeconds":
		s := int(math.RoundToEven(v))
		return fmt.Sprintf("%dh%dm", s/3600, (s%3600)/60)
	case m.seconds:
		s := int(math.RoundToEven(v))
		return fmt.Sprintf("%dm%dsec", s/60, s%60)
	}
	return fmt.Sprintf("%.1f", math.RoundToEven((v+1e-12)*10)/10)
}
