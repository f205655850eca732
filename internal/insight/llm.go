package insight

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"sleep-checkin/internal/checkin"
	"sleep-checkin/internal/llm"
	"sleep-checkin/internal/logging"
)

const questionPrompt = `You help a person keep a sleep journal. You are given a comparison of last night's sleep with the previous week and some of their earlier journal answers.
Write exactly one short, friendly follow-up question (at most 25 words) that invites them to explain what may have affected their sleep.
Reply with the question only. Do not give medical advice.`

// maxJournalContext bounds how many earlier answers are shown to the model.
const maxJournalContext = 5

// LLM keeps the deterministic summary and asks a language model to phrase
// the follow-up question. Model failures fall back to DefaultQuestion so a
// provider outage never blocks a check-in.
type LLM struct {
	client llm.Client
	log    *zap.Logger
}

func NewLLM(client llm.Client, log *zap.Logger) *LLM {
	if log == nil {
		log = zap.NewNop()
	}
	return &LLM{client: client, log: log.Named("insight")}
}

func (g *LLM) Generate(ctx context.Context, rec checkin.SleepRecord, window checkin.HistoricalWindow) (checkin.Insight, error) {
	summary := Summary(rec, window.Records)
	out := checkin.Insight{Summary: checkin.Payload{Text: summary}, Question: DefaultQuestion}

	resp, err := g.client.Generate(ctx, []llm.Message{
		{Role: "system", Content: questionPrompt},
		{Role: "user", Content: userPrompt(rec, summary, window.Journal)},
	})
	if err != nil {
		if ctx.Err() != nil {
			return checkin.Insight{}, ctx.Err()
		}
		g.log.Warn("question generation failed, using default", zap.String("record", rec.Key), logging.Err(err))
		return out, nil
	}
	q := cleanQuestion(resp.Content)
	if q == "" {
		g.log.Warn("model returned no question, using default", zap.String("record", rec.Key), zap.String("model", resp.Model))
		return out, nil
	}
	g.log.Debug("question generated",
		zap.String("record", rec.Key),
		zap.String("model", resp.Model),
		zap.Int("total_tokens", resp.TotalTokens))
	out.Question = q
	return out, nil
}

func userPrompt(rec checkin.SleepRecord, summary string, journal []checkin.JournalEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sleep session: %s\n\n%s\n", rec.Time.Format("Monday 2 January 2006"), summary)
	n := 0
	for _, e := range journal {
		if e.MessageKind != checkin.MessageKindText || e.AnswerText == "" {
			continue
		}
		if n == 0 {
			b.WriteString("\nEarlier journal answers:\n")
		}
		fmt.Fprintf(&b, "- %s: %s\n", e.RecordedAt.Format("2006-01-02"), e.AnswerText)
		n++
		if n == maxJournalContext {
			break
		}
	}
	return b.String()
}

// cleanQuestion keeps the first non-empty line and strips wrapping quotes.
func cleanQuestion(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		line = strings.Trim(line, `"'`+"`")
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}
