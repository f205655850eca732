package listener

import (
	"regexp"
	"strings"

	"sleep-checkin/internal/checkin"
)

const (
	maxAnswerRunes = 512
	nonTextAnswer  = "[non-text message]"
)

var controlChars = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)

// Sanitize strips control characters, collapses whitespace runs to a single
// space and caps the answer length. Replies without usable text become the
// non-text placeholder.
func Sanitize(msg checkin.InboundMessage) checkin.InboundMessage {
	text := controlChars.ReplaceAllString(msg.Text, "")
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > maxAnswerRunes {
		text = strings.TrimSpace(string(r[:maxAnswerRunes]))
	}
	if msg.Kind == checkin.MessageKindNonText || text == "" {
		msg.Text = nonTextAnswer
		msg.Kind = checkin.MessageKindNonText
		return msg
	}
	msg.Text = text
	msg.Kind = checkin.MessageKindText
	return msg
}
