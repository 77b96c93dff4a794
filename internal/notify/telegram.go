package notify

import (
	"context"
	"fmt"
	"html"
	"log"
	"net/http"
	"net/url"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stellarlinkco/lookout/internal/config"
)

// Telegram caps photo captions at 1024 characters.
const maxCaption = 1000

// TelegramBot is the subset of the bot API the sender uses.
type TelegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

type TelegramSender struct {
	chatID int64
	bot    TelegramBot
}

func NewTelegramSender(cfg config.TelegramConfig) (*TelegramSender, error) {
	return NewTelegramSenderWithFactory(cfg, defaultBotFactory)
}

// NewTelegramSenderWithFactory creates a TelegramSender with custom bot factory (for testing)
func NewTelegramSenderWithFactory(cfg config.TelegramConfig, factory BotFactory) (*TelegramSender, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}

	client := http.DefaultClient
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := factory(cfg.Token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	log.Printf("[telegram] authorized as @%s", bot.GetSelf().UserName)
	return &TelegramSender{chatID: cfg.ChatID, bot: bot}, nil
}

func (t *TelegramSender) Name() string { return "telegram" }

// Send posts the thumbnail with a caption, or a plain message when there is
// no thumbnail. HTML formatting is dropped on a rejected first attempt.
func (t *TelegramSender) Send(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	caption := alertCaption(a)

	var msg tgbotapi.Chattable
	if len(a.Thumbnail) > 0 {
		photo := tgbotapi.NewPhoto(t.chatID, tgbotapi.FileBytes{Name: a.RecordID + ".jpg", Bytes: a.Thumbnail})
		photo.Caption = caption
		photo.ParseMode = tgbotapi.ModeHTML
		msg = photo
	} else {
		text := tgbotapi.NewMessage(t.chatID, caption)
		text.ParseMode = tgbotapi.ModeHTML
		msg = text
	}

	if _, err := t.bot.Send(msg); err != nil {
		switch m := msg.(type) {
		case tgbotapi.PhotoConfig:
			m.ParseMode = ""
			m.Caption = plainCaption(a)
			msg = m
		case tgbotapi.MessageConfig:
			m.ParseMode = ""
			m.Text = plainCaption(a)
			msg = m
		}
		if _, err2 := t.bot.Send(msg); err2 != nil {
			return fmt.Errorf("send telegram alert: %w", err2)
		}
	}
	return nil
}

func deviceLabel(a Alert) string {
	if a.DeviceName != "" {
		return a.DeviceName + " (" + a.DeviceID + ")"
	}
	return a.DeviceID
}

func alertCaption(a Alert) string {
	s := fmt.Sprintf("<b>Abnormal capture</b> on %s\n%s UTC, score %.2f\n\n%s\n\n<code>%s</code>",
		html.EscapeString(deviceLabel(a)),
		a.CapturedAt.UTC().Format(time.DateTime),
		a.Score,
		html.EscapeString(a.Reason),
		html.EscapeString(a.RecordID))
	return truncate(s, maxCaption)
}

func plainCaption(a Alert) string {
	s := fmt.Sprintf("Abnormal capture on %s\n%s UTC, score %.2f\n\n%s\n\n%s",
		deviceLabel(a), a.CapturedAt.UTC().Format(time.DateTime), a.Score, a.Reason, a.RecordID)
	return truncate(s, maxCaption)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
