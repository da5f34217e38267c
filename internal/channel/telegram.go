package channel

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"potwatch/internal/config"
	logx "potwatch/pkg/logx"
)

type telegramChannel struct {
	name   string
	chatID int64
	bot    *tele.Bot
	log    logx.Logger
}

func newTelegram(cfg config.ChannelConfig, log logx.Logger) (*telegramChannel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	// Offline skips the getMe probe at construction so a config apply never
	// blocks on the network; the agent only sends, it never polls updates.
	// The client timeout bounds every send, the context does not (see Deliver).
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &telegramChannel{
		name:   cfg.Name,
		chatID: cfg.ChatID,
		bot:    b,
		log:    log.With(logx.String("channel", cfg.Name)),
	}, nil
}

func (t *telegramChannel) Name() string { return t.name }

func (t *telegramChannel) Deliver(ctx context.Context, content string, meta Meta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Once the request is on the wire it runs to completion; abandoning it on
	// cancellation could deliver a message whose outcome was recorded as
	// failed, and the dedup window never sees a key for it. The HTTP client
	// timeout set at construction bounds the wait.
	_, err := t.bot.Send(tele.ChatID(t.chatID), content, &tele.SendOptions{
		DisableWebPagePreview: true,
	})
	if err == nil {
		return nil
	}
	return classifyTelegram(err)
}

// classifyTelegram maps telebot errors onto the retry taxonomy: flood
// control and server-side errors are transient, everything the API rejects
// outright (bad token, blocked bot, malformed content) is permanent.
func classifyTelegram(err error) error {
	var flood *tele.FloodError
	if errors.As(err, &flood) {
		// Flood control: the dispatcher's backoff schedule covers the
		// retry-after window Telegram asks for.
		return err
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code >= 500 {
			return err
		}
		return Permanent(err)
	}
	// Network-level failure: retryable.
	return err
}
