// Package game fetches and validates state snapshots from the remote game
// API. The client is read-only: one GET per poll cycle, no session state.
package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"potwatch/internal/config"
	logx "potwatch/pkg/logx"
)

var (
	// ErrStale marks a snapshot that moved backwards against the previous
	// poll. The cycle discards it without producing events.
	ErrStale = errors.New("stale snapshot")
)

const maxBodyBytes = 1 << 20 // a state document is a few hundred bytes; 1 MiB is already suspicious

type Client struct {
	mu    sync.Mutex
	url   string
	token string

	http *http.Client
	log  logx.Logger
}

func NewClient(cfg config.GameConfig, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.StateURL) == "" {
		return nil, errors.New("game state url is empty")
	}
	timeout, err := config.ParseDurationOrDefault("game.timeout", cfg.Timeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		url:   strings.TrimSpace(cfg.StateURL),
		token: strings.TrimSpace(cfg.AuthToken),
		http:  &http.Client{Timeout: timeout},
		log:   log,
	}, nil
}

// Apply swaps the endpoint settings at runtime (config hot reload).
func (c *Client) Apply(cfg config.GameConfig) error {
	timeout, err := config.ParseDurationOrDefault("game.timeout", cfg.Timeout, 10*time.Second)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.url = strings.TrimSpace(cfg.StateURL)
	c.token = strings.TrimSpace(cfg.AuthToken)
	c.http = &http.Client{Timeout: timeout}
	return nil
}

// Fetch performs one state read. Any failure means "no snapshot this cycle";
// the caller logs and retries on the next tick.
func (c *Client) Fetch(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	url, token, hc := c.url, c.token, c.http
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("state fetch: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("state fetch: unexpected status %d", resp.StatusCode)
	}

	var snap Snapshot
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes))
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("state decode: %w", err)
	}
	if err := snap.validate(); err != nil {
		return nil, fmt.Errorf("state validate: %w", err)
	}
	snap.FetchedAt = time.Now().UTC()
	return &snap, nil
}
