package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"sleep-checkin/internal/checkin"
)

type fakeAPI struct {
	sent    []tgbotapi.Chattable
	nextID  int
	sendErr error
	textErr error

	updates   []tgbotapi.Update
	updateErr error
	block     chan struct{}
	lastCfg   tgbotapi.UpdateConfig
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	if _, isText := c.(tgbotapi.MessageConfig); isText && f.textErr != nil {
		return tgbotapi.Message{}, f.textErr
	}
	f.sent = append(f.sent, c)
	f.nextID++
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeAPI) GetUpdates(cfg tgbotapi.UpdateConfig) ([]tgbotapi.Update, error) {
	f.lastCfg = cfg
	if f.block != nil {
		<-f.block
	}
	return f.updates, f.updateErr
}

func TestSend_Text(t *testing.T) {
	f := &fakeAPI{}
	m := newWithAPI(f, time.Second, nil)

	id, err := m.Send(context.Background(), "100", checkin.Payload{Text: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "1" {
		t.Fatalf("message id = %q", id)
	}
	msg, ok := f.sent[0].(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("sent %T, want MessageConfig", f.sent[0])
	}
	if msg.ChatID != 100 || msg.Text != "hello" || !msg.DisableWebPagePreview {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestSend_ImageWithCaption(t *testing.T) {
	f := &fakeAPI{}
	m := newWithAPI(f, time.Second, nil)

	_, err := m.Send(context.Background(), "100", checkin.Payload{Text: "short", Image: []byte{0x89, 'P', 'N', 'G'}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(f.sent) != 1 {
		t.Fatalf("expected one photo, got %d sends", len(f.sent))
	}
	photo, ok := f.sent[0].(tgbotapi.PhotoConfig)
	if !ok {
		t.Fatalf("sent %T, want PhotoConfig", f.sent[0])
	}
	if photo.Caption != "short" {
		t.Fatalf("caption = %q", photo.Caption)
	}
}

func TestSend_ImageWithLongTextSplits(t *testing.T) {
	f := &fakeAPI{}
	m := newWithAPI(f, time.Second, nil)

	long := strings.Repeat("x", captionLimit+1)
	id, err := m.Send(context.Background(), "100", checkin.Payload{Text: long, Image: []byte{1}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(f.sent) != 2 {
		t.Fatalf("expected photo then text, got %d sends", len(f.sent))
	}
	if photo := f.sent[0].(tgbotapi.PhotoConfig); photo.Caption != "" {
		t.Fatalf("caption should be empty when text is long")
	}
	if id != "2" {
		t.Fatalf("message id should be the text message, got %q", id)
	}
}

func TestSend_PhotoDeliveredTextFails(t *testing.T) {
	f := &fakeAPI{textErr: &tgbotapi.Error{Code: 429, Message: "Too Many Requests"}}
	m := newWithAPI(f, time.Second, nil)

	long := strings.Repeat("x", captionLimit+1)
	id, err := m.Send(context.Background(), "100", checkin.Payload{Text: long, Image: []byte{1}})
	if err != nil {
		t.Fatalf("a delivered photo must count as sent, got %v", err)
	}
	if id != "1" {
		t.Fatalf("message id should be the photo, got %q", id)
	}
	if len(f.sent) != 1 {
		t.Fatalf("expected only the photo to be recorded, got %d sends", len(f.sent))
	}
}

func TestSend_ErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		kind checkin.Kind
	}{
		{&tgbotapi.Error{Code: 401, Message: "Unauthorized"}, checkin.KindAuth},
		{&tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}, checkin.KindTransient},
		{&tgbotapi.Error{Code: 403, Message: "Forbidden: bot was kicked from the group chat"}, checkin.KindTransient},
		{errors.New("Unauthorized"), checkin.KindAuth},
		{&tgbotapi.Error{Code: 429, Message: "Too Many Requests"}, checkin.KindTransient},
		{errors.New("dial tcp: i/o timeout"), checkin.KindTransient},
	}
	for _, c := range cases {
		m := newWithAPI(&fakeAPI{sendErr: c.err}, time.Second, nil)
		_, err := m.Send(context.Background(), "100", checkin.Payload{Text: "x"})
		if got := checkin.KindOf(err); got != c.kind {
			t.Fatalf("%v: kind = %s, want %s", c.err, got, c.kind)
		}
	}
}

func TestSend_BadThread(t *testing.T) {
	m := newWithAPI(&fakeAPI{}, time.Second, nil)
	if _, err := m.Send(context.Background(), "not-a-chat", checkin.Payload{Text: "x"}); err == nil {
		t.Fatalf("expected error for non-numeric thread id")
	}
}

func TestReceive_ConvertsAndAdvances(t *testing.T) {
	f := &fakeAPI{updates: []tgbotapi.Update{
		{UpdateID: 10, Message: &tgbotapi.Message{
			MessageID: 5, Date: 1777777777, Text: "late dinner",
			Chat: &tgbotapi.Chat{ID: 100},
			From: &tgbotapi.User{ID: 7, UserName: "sam", FirstName: "Sam", LastName: "Lee"},
		}},
		{UpdateID: 11},
		{UpdateID: 12, Message: &tgbotapi.Message{MessageID: 6, Chat: &tgbotapi.Chat{ID: 100}}},
	}}
	m := newWithAPI(f, 30*time.Second, nil)

	msgs, next, err := m.Receive(context.Background(), 10)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if next != 13 {
		t.Fatalf("next offset = %d, want 13", next)
	}
	if f.lastCfg.Offset != 10 || f.lastCfg.Timeout != 30 {
		t.Fatalf("unexpected poll config: %+v", f.lastCfg)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	first := msgs[0]
	if first.UpdateID != 10 || first.ThreadID != "100" || first.MessageID != "5" || first.FromID != "7" ||
		first.FromUsername != "sam" || first.FromName != "Sam Lee" || first.Kind != checkin.MessageKindText {
		t.Fatalf("unexpected first message: %+v", first)
	}
	if msgs[1].Kind != checkin.MessageKindNonText {
		t.Fatalf("message without text should be non_text, got %q", msgs[1].Kind)
	}
}

func TestReceive_CancelledWhilePolling(t *testing.T) {
	f := &fakeAPI{block: make(chan struct{})}
	defer close(f.block)
	m := newWithAPI(f, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, next, err := m.Receive(ctx, 4)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if next != 4 {
		t.Fatalf("offset must not move on cancel, got %d", next)
	}
}

func TestReceive_AuthError(t *testing.T) {
	f := &fakeAPI{updateErr: &tgbotapi.Error{Code: 401, Message: "Unauthorized"}}
	m := newWithAPI(f, time.Second, nil)
	_, _, err := m.Receive(context.Background(), 0)
	if !checkin.IsFatal(err) {
		t.Fatalf("expected fatal auth error, got %v", err)
	}
}
