// Package checkin holds the shared vocabulary of the check-in pipeline: sleep
// records, check-ins, journal entries, message payloads and the error taxonomy.
package checkin

import (
	"time"
)

// State is the lifecycle state of a PendingCheckIn.
type State string

const (
	StateSent     State = "sent"
	StateAnswered State = "answered"
	StateExpired  State = "expired"
)

// Terminal reports whether no further transition may leave s.
func (s State) Terminal() bool {
	return s == StateAnswered || s == StateExpired
}

// SleepRecord is one sleep session as read from the time-series store.
type SleepRecord struct {
	Key        string             `json:"key"`
	Time       time.Time          `json:"time"`
	IngestedAt time.Time          `json:"ingested_at"`
	Source     string             `json:"source,omitempty"`
	Metrics    map[string]float64 `json:"metrics"`
}

// Metric returns the named metric and whether it was present.
func (r SleepRecord) Metric(name string) (float64, bool) {
	v, ok := r.Metrics[name]
	return v, ok
}

// RecordKey builds the stable identity of a record from its session time
// and optional source tag.
func RecordKey(t time.Time, source string) string {
	k := t.UTC().Format(time.RFC3339)
	if source != "" {
		k += "@" + source
	}
	return k
}

// PendingCheckIn is one in-flight conversation turn about a record.
type PendingCheckIn struct {
	ID           string    `json:"id"`
	RecordKey    string    `json:"record_key"`
	ThreadID     string    `json:"thread_id"`
	MessageID    string    `json:"message_id,omitempty"`
	Attempt      int       `json:"attempt"`
	State        State     `json:"state"`
	DispatchedAt time.Time `json:"dispatched_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	ClosedAt     time.Time `json:"closed_at,omitempty"`
}

// Expired reports whether the check-in is still open past its deadline.
func (c PendingCheckIn) Expired(now time.Time) bool {
	return c.State == StateSent && !now.Before(c.ExpiresAt)
}

// JournalEntry is the durable answer to a check-in. At most one exists per record.
type JournalEntry struct {
	RecordKey       string    `json:"record_key"`
	AnswerText      string    `json:"answer_text"`
	RecordedAt      time.Time `json:"recorded_at"`
	SourceCheckIn   string    `json:"source_check_in"`
	ThreadID        string    `json:"thread_id"`
	FromID          string    `json:"from_id,omitempty"`
	FromUsername    string    `json:"from_username,omitempty"`
	FromName        string    `json:"from_name,omitempty"`
	MessageKind     string    `json:"msg_type"`
	SourceMessageID int64     `json:"update_id,omitempty"`
	ExportedAt      time.Time `json:"exported_at,omitempty"`
}

// HistoricalWindow is the read-only context the insight generator compares against.
type HistoricalWindow struct {
	Records []SleepRecord
	Journal []JournalEntry
}

// Payload is an outbound chat message. Image is sent as a photo with Text as caption.
type Payload struct {
	Text      string
	Image     []byte
	ImageName string
}

// HasImage reports whether the payload carries image bytes.
func (p Payload) HasImage() bool { return len(p.Image) > 0 }

// Insight is the generated summary plus the follow-up question.
type Insight struct {
	Summary  Payload
	Question string
}

const (
	MessageKindText    = "text"
	MessageKindNonText = "non_text"
)

// InboundMessage is a reply received from the chat channel.
type InboundMessage struct {
	UpdateID     int64
	ThreadID     string
	MessageID    string
	FromID       string
	FromUsername string
	FromName     string
	Text         string
	Kind         string
	ReceivedAt   time.Time
}
