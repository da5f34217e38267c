package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"potwatch/internal/config"
	logx "potwatch/pkg/logx"
)

// webhookChannel POSTs {"content": "..."} to a fixed URL. It covers
// Discord-compatible webhooks and any relay that accepts the same shape.
type webhookChannel struct {
	name string
	url  string
	http *http.Client
	log  logx.Logger
}

func newWebhook(cfg config.ChannelConfig, log logx.Logger) (*webhookChannel, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("webhook url is empty")
	}
	return &webhookChannel{
		name: cfg.Name,
		url:  strings.TrimSpace(cfg.URL),
		http: &http.Client{Timeout: 15 * time.Second},
		log:  log.With(logx.String("channel", cfg.Name)),
	}, nil
}

func (w *webhookChannel) Name() string { return w.name }

func (w *webhookChannel) Deliver(ctx context.Context, content string, meta Meta) error {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		// Network-level failure: retryable.
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	default:
		// 4xx other than 429: the endpoint rejected this content or us.
		return Permanent(fmt.Errorf("webhook status %d", resp.StatusCode))
	}
}
