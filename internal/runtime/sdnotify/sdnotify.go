// Package sdnotify speaks the systemd notify protocol (Type=notify units).
// Outside systemd (no NOTIFY_SOCKET) every call is a no-op.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "wsched/pkg/logx"
)

type Notifier struct {
	log     logx.Logger
	enabled bool
}

func New(enabled bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{enabled: enabled, log: log}
}

func (n *Notifier) Ready()     { n.notify(daemon.SdNotifyReady) }
func (n *Notifier) Stopping()  { n.notify(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() { n.notify(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) { n.notify("STATUS=" + msg) }

func (n *Notifier) notify(state string) bool {
	if n == nil || !n.enabled {
		return false
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

// Watchdog pings systemd at half the configured WatchdogSec until ctx is
// done. It returns immediately when the watchdog is not enabled.
func (n *Notifier) Watchdog(ctx context.Context) error {
	if n == nil || !n.enabled {
		return nil
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}
	every := interval / 2
	n.log.Debug("systemd watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
