// Package telegram adapts the Telegram Bot API to the messaging boundary of
// the check-in pipeline: sending payloads to a chat and long-polling replies.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"sleep-checkin/internal/checkin"
)

const (
	captionLimit = 1024
	textLimit    = 4096
)

type Messenger struct {
	api         botAPI
	pollTimeout time.Duration
	log         *zap.Logger
}

// New logs in with the bot token. A rejected token is reported as an AuthError.
func New(token string, pollTimeout time.Duration, log *zap.Logger) (*Messenger, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, classify("telegram: login", err)
	}
	m := newWithAPI(api, pollTimeout, log)
	m.log.Info("authorized", zap.String("bot", api.Self.UserName))
	return m, nil
}

func newWithAPI(api botAPI, pollTimeout time.Duration, log *zap.Logger) *Messenger {
	if log == nil {
		log = zap.NewNop()
	}
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	return &Messenger{api: api, pollTimeout: pollTimeout, log: log.Named("telegram")}
}

// Send delivers p to the chat identified by threadID and returns the id of
// the message that carries the text. Image payloads go out as a photo with
// the text as caption, or as a photo followed by a text message when the text
// does not fit in a caption. Once the photo is delivered the send counts as
// done: a failed follow-up text is logged and the photo's id is returned.
func (m *Messenger) Send(ctx context.Context, threadID string, p checkin.Payload) (string, error) {
	chatID, err := strconv.ParseInt(threadID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram: bad thread id %q: %w", threadID, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if !p.HasImage() {
		return m.sendText(chatID, p.Text)
	}

	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: imageName(p), Bytes: p.Image})
	fitsCaption := len([]rune(p.Text)) <= captionLimit
	if fitsCaption {
		photo.Caption = p.Text
	}
	sent, err := m.api.Send(photo)
	if err != nil {
		return "", classify("telegram: send photo", err)
	}
	photoID := strconv.Itoa(sent.MessageID)
	if fitsCaption || p.Text == "" {
		return photoID, nil
	}
	id, err := m.sendText(chatID, p.Text)
	if err != nil {
		m.log.Warn("photo delivered but follow-up text failed",
			zap.Int64("chat_id", chatID), zap.String("photo_id", photoID), zap.Error(err))
		return photoID, nil
	}
	return id, nil
}

func (m *Messenger) sendText(chatID int64, text string) (string, error) {
	msg := tgbotapi.NewMessage(chatID, truncate(text, textLimit))
	msg.DisableWebPagePreview = true
	sent, err := m.api.Send(msg)
	if err != nil {
		return "", classify("telegram: send message", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// Receive long-polls for updates at or after offset. It returns the messages
// found, in update order, and the offset to poll from next. Updates that are
// not new messages advance the offset without producing a message.
func (m *Messenger) Receive(ctx context.Context, offset int64) ([]checkin.InboundMessage, int64, error) {
	cfg := tgbotapi.NewUpdate(int(offset))
	cfg.Timeout = int(m.pollTimeout / time.Second)
	cfg.AllowedUpdates = []string{"message"}

	type result struct {
		updates []tgbotapi.Update
		err     error
	}
	done := make(chan result, 1)
	go func() {
		u, err := m.api.GetUpdates(cfg)
		done <- result{u, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return nil, offset, ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return nil, offset, classify("telegram: get updates", res.err)
	}

	next := offset
	var out []checkin.InboundMessage
	for _, u := range res.updates {
		if id := int64(u.UpdateID) + 1; id > next {
			next = id
		}
		if u.Message == nil || u.Message.Chat == nil {
			continue
		}
		out = append(out, inbound(u.UpdateID, u.Message))
	}
	return out, next, nil
}

func inbound(updateID int, msg *tgbotapi.Message) checkin.InboundMessage {
	in := checkin.InboundMessage{
		UpdateID:   int64(updateID),
		ThreadID:   strconv.FormatInt(msg.Chat.ID, 10),
		MessageID:  strconv.Itoa(msg.MessageID),
		Text:       msg.Text,
		Kind:       checkin.MessageKindText,
		ReceivedAt: time.Unix(int64(msg.Date), 0).UTC(),
	}
	if strings.TrimSpace(msg.Text) == "" {
		in.Kind = checkin.MessageKindNonText
	}
	if msg.From != nil {
		in.FromID = strconv.FormatInt(msg.From.ID, 10)
		in.FromUsername = msg.From.UserName
		in.FromName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	}
	return in
}

// classify turns Bot API failures into the pipeline's error taxonomy. Only a
// rejected or revoked token (401) is fatal. A 403 means the bot was blocked or
// removed from one chat while the token is still valid, so it is retried like
// any other delivery failure.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var code int
	var apiErr *tgbotapi.Error
	var apiErrVal tgbotapi.Error
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrVal):
		code = apiErrVal.Code
	}
	if code == http.StatusUnauthorized || (code == 0 && strings.Contains(err.Error(), "Unauthorized")) {
		return checkin.Auth(op, err)
	}
	return checkin.Transient(op, err)
}

func imageName(p checkin.Payload) string {
	if p.ImageName != "" {
		return p.ImageName
	}
	return "summary.png"
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
