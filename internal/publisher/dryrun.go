package publisher

import (
	"context"
	"sync"

	logx "replybot/pkg/logx"
)

// DryRun logs what would be posted and reports success.
type DryRun struct {
	log logx.Logger

	mu    sync.Mutex
	posts []Post
}

type Post struct {
	TargetRef string
	Payload   string
}

func NewDryRun(log logx.Logger) *DryRun {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DryRun{log: log.With(logx.String("comp", "publisher.dryrun"))}
}

func (d *DryRun) Publish(ctx context.Context, targetRef, payload string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.Lock()
	d.posts = append(d.posts, Post{TargetRef: targetRef, Payload: payload})
	d.mu.Unlock()
	d.log.Info("dry run publish", logx.String("target", targetRef), logx.Int("payload_len", len(payload)))
	return true, nil
}

// Posts returns everything published so far.
func (d *DryRun) Posts() []Post {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Post(nil), d.posts...)
}
