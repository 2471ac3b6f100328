package publisher

import (
	"context"
	"errors"
	"strings"

	"replybot/internal/retry"
	kit "replybot/internal/transport"
	logx "replybot/pkg/logx"
)

// Telegram posts the payload as a reply to the referenced chat message.
// Target references use the "<chat>[/<thread>][:<message>]" form.
type Telegram struct {
	sender kit.Sender
	log    logx.Logger
}

func NewTelegram(sender kit.Sender, log logx.Logger) *Telegram {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{sender: sender, log: log.With(logx.String("comp", "publisher.telegram"))}
}

func (t *Telegram) Publish(ctx context.Context, targetRef, payload string) (bool, error) {
	r, err := kit.ParseReply(targetRef)
	if err != nil {
		return false, retry.Permanent(err)
	}
	if strings.TrimSpace(payload) == "" {
		return false, retry.Permanent(errors.New("empty payload"))
	}
	ref, err := t.sender.SendText(ctx, r.Target, payload, &kit.SendOptions{ReplyTo: r.MessageID, DisablePreview: true})
	if err != nil {
		if isPermanentTelegram(err) {
			return false, retry.Permanent(err)
		}
		return false, err
	}
	if ref.MessageID == 0 {
		return false, nil
	}
	t.log.Debug("posted reply", logx.String("target", targetRef), logx.Int("message_id", ref.MessageID))
	return true, nil
}

// isPermanentTelegram matches Bot API errors that a retry cannot fix.
func isPermanentTelegram(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"chat not found",
		"bot was blocked",
		"bot was kicked",
		"not enough rights",
		"have no rights",
		"message to be replied not found",
		"user is deactivated",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

