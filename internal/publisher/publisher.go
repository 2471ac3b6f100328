// Package publisher holds Publisher implementations: a Telegram reply
// publisher, a JSON webhook publisher and a dry-run publisher.
//
// Publish returns (true, nil) on a confirmed post, (false, nil) when the
// remote side declined without a transport error, and an error otherwise.
// Errors wrapped with retry.Permanent will not be retried by the dead letter
// pass.
package publisher

import (
	"context"
	"fmt"
	"strings"
	"time"

	kit "replybot/internal/transport"
	logx "replybot/pkg/logx"
)

type Publisher interface {
	Publish(ctx context.Context, targetRef, payload string) (bool, error)
}

// Func adapts a function to Publisher.
type Func func(ctx context.Context, targetRef, payload string) (bool, error)

func (f Func) Publish(ctx context.Context, targetRef, payload string) (bool, error) {
	return f(ctx, targetRef, payload)
}

type Config struct {
	// Kind is one of telegram, webhook, dryrun.
	Kind    string
	Timeout time.Duration
	Webhook WebhookConfig
}

// New builds the configured publisher. sender is only used by the telegram kind.
func New(cfg Config, sender kit.Sender, log logx.Logger) (Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "dryrun", "dry-run":
		return NewDryRun(log), nil
	case "telegram":
		if sender == nil {
			return nil, fmt.Errorf("telegram publisher needs a telegram adapter")
		}
		return NewTelegram(sender, log), nil
	case "webhook":
		return NewWebhook(cfg.Webhook, log)
	default:
		return nil, fmt.Errorf("unknown publisher kind %q", cfg.Kind)
	}
}

// WithTimeout bounds each Publish call.
func WithTimeout(p Publisher, d time.Duration) Publisher {
	if d <= 0 {
		return p
	}
	return Func(func(ctx context.Context, targetRef, payload string) (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return p.Publish(ctx, targetRef, payload)
	})
}
