// Package systemd reports service lifecycle to the service manager through
// sd_notify. Outside systemd every call is a no-op.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "replybot/pkg/logx"
)

type Notifier struct {
	log      logx.Logger
	notify   func(state string) (bool, error)
	watchdog func() (time.Duration, error)
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		log:      log.With(logx.String("comp", "systemd")),
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *Notifier) send(state string) bool {
	ok, err := n.notify(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return ok
}

// Ready reports READY=1. It returns false when no notify socket is set.
func (n *Notifier) Ready() bool {
	ok := n.send(daemon.SdNotifyReady)
	if ok {
		n.log.Info("notified systemd ready")
	}
	return ok
}

func (n *Notifier) Stopping() bool  { return n.send(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() bool { return n.send(daemon.SdNotifyReloading) }

// Status sets the free-form STATUS= line shown by systemctl status.
func (n *Notifier) Status(format string, args ...any) bool {
	return n.send("STATUS=" + fmt.Sprintf(format, args...))
}

// Watchdog pings WATCHDOG=1 at half the configured WatchdogSec until ctx ends.
// It returns nil at once when the unit has no watchdog.
func (n *Notifier) Watchdog(ctx context.Context) error {
	interval, err := n.watchdog()
	if err != nil {
		return fmt.Errorf("systemd watchdog: %w", err)
	}
	if interval <= 0 {
		return nil
	}
	every := interval / 2
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(every)
	defer t.Stop()
	n.send(daemon.SdNotifyWatchdog)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
