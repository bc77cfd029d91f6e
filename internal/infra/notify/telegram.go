package notify

import (
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Spok95/club-crm/internal/domain/billing"
)

// Telegram шлёт операционные оповещения в админский чат клуба.
// Без токена возвращается nil — вызывающие стороны это учитывают.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
	log    *slog.Logger
}

func NewTelegram(token string, chatID int64, log *slog.Logger) (*Telegram, error) {
	if token == "" || chatID == 0 {
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &Telegram{api: api, chatID: chatID, log: log}, nil
}

func (t *Telegram) Activated(membershipID int64, number int, trigger billing.Trigger) {
	t.send(fmt.Sprintf("Членство #%d активировано, номер члена %d (канал: %s).", membershipID, number, trigger))
}

func (t *Telegram) Anomaly(text string) {
	t.send("⚠️ Аномалия оплаты: " + text)
}

func (t *Telegram) send(text string) {
	if _, err := t.api.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		t.log.Error("telegram notify failed", "err", err)
	}
}
