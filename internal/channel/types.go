// Package channel defines the outbound delivery capability: an adapter takes
// pre-rendered text and either delivers it or fails. Failures are classified
// so the dispatcher knows what is worth retrying.
package channel

import (
	"context"
	"errors"
	"fmt"

	"potwatch/internal/config"
	logx "potwatch/pkg/logx"
)

// Meta travels with a delivery for audit/trace purposes only; adapters must
// not alter their behavior based on it.
type Meta struct {
	Kind        string
	Fingerprint string
}

// Channel is one delivery target. Implementations must be safe for
// concurrent Deliver calls.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, content string, meta Meta) error
}

// PermanentError marks a failure that retrying cannot fix (rejected content,
// bad credentials). Everything else is treated as transient.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (anywhere in its chain) is non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// New builds the adapter for one channel config entry.
func New(cfg config.ChannelConfig, log logx.Logger) (Channel, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch cfg.Kind {
	case "telegram":
		return newTelegram(cfg, log)
	case "webhook":
		return newWebhook(cfg, log)
	case "console":
		return newConsole(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown channel kind %q", cfg.Kind)
	}
}
