package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"replybot/internal/retry"
	logx "replybot/pkg/logx"
)

type WebhookConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// Webhook POSTs {"target_ref","payload"} as JSON. A 2xx response is a post
// unless its JSON body says {"ok": false}. 429 and 5xx are retryable, other
// 4xx are permanent.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
	log    logx.Logger
}

func NewWebhook(cfg WebhookConfig, log logx.Logger) (*Webhook, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("webhook url is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Webhook{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log.With(logx.String("comp", "publisher.webhook")),
	}, nil
}

type webhookRequest struct {
	TargetRef string `json:"target_ref"`
	Payload   string `json:"payload"`
}

type webhookResponse struct {
	OK    *bool  `json:"ok"`
	Error string `json:"error"`
}

func (w *Webhook) Publish(ctx context.Context, targetRef, payload string) (bool, error) {
	body, err := json.Marshal(webhookRequest{TargetRef: targetRef, Payload: payload})
	if err != nil {
		return false, retry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return false, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode/100 == 2:
		var out webhookResponse
		if len(bytes.TrimSpace(raw)) > 0 && json.Unmarshal(raw, &out) == nil && out.OK != nil && !*out.OK {
			w.log.Warn("webhook declined post", logx.String("target", targetRef), logx.String("reason", out.Error))
			return false, nil
		}
		return true, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		err := fmt.Errorf("webhook rate limited: http %d", resp.StatusCode)
		if d := retryAfter(resp.Header.Get("Retry-After")); d > 0 {
			return false, retry.After(err, d)
		}
		return false, err
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5:
		return false, fmt.Errorf("webhook error: http %d: %s", resp.StatusCode, snippet(raw))
	default:
		return false, retry.Permanent(fmt.Errorf("webhook rejected: http %d: %s", resp.StatusCode, snippet(raw)))
	}
}

func retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
