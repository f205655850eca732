package telegram

import tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

// botAPI is the part of *tgbotapi.BotAPI the messenger calls. Tests swap in a fake.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdates(cfg tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
}

var _ botAPI = (*tgbotapi.BotAPI)(nil)
