package transport

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	"herald/internal/engine"
	logx "herald/pkg/logx"
)

// Telegram delivers chat-webhook channel payloads through a Telegram bot.
type Telegram struct {
	bot    *tele.Bot
	chatID int64
	log    logx.Logger
}

func NewTelegram(token string, chatID int64, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat_id is not set")
	}
	b, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chatID: chatID, log: log}, nil
}

func (t *Telegram) Send(ctx context.Context, req engine.SendRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var b strings.Builder
	if req.Payload.Subject != "" {
		b.WriteString("*")
		b.WriteString(req.Payload.Subject)
		b.WriteString("*\n")
	}
	// Chat blocks carry the rendered body; fall back to the plain body.
	if len(req.Payload.Chat) > 0 {
		for i, blk := range req.Payload.Chat {
			if blk.Type == "header" && req.Payload.Subject != "" {
				continue
			}
			if i > 0 {
				b.WriteString("\n")
			}
			b.WriteString(blk.Text)
		}
	} else {
		b.WriteString(req.Payload.Body)
	}

	_, err := t.bot.Send(&tele.Chat{ID: t.chatID}, b.String(), tele.ModeMarkdown)
	return err
}

func (t *Telegram) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Raw("getMe", nil)
	return err
}
