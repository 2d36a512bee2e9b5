// Package systemd reports daemon state to the service manager. Every
// call degrades to a no-op when the process is not running under a
// systemd unit, so callers never need to branch on deployment.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
)

// NotifyReady tells the service manager startup is complete. Required
// for Type=notify units; harmless everywhere else.
func NotifyReady(log zerolog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warn().Err(err).Msg("sd_notify ready failed")
		return
	}
	if sent {
		log.Debug().Msg("notified systemd: ready")
	}
}

// NotifyStopping announces the beginning of shutdown so the manager
// distinguishes a clean stop from a crash.
func NotifyStopping(log zerolog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		log.Warn().Err(err).Msg("sd_notify stopping failed")
		return
	}
	if sent {
		log.Debug().Msg("notified systemd: stopping")
	}
}

// WatchdogTask returns a background job that pets the systemd watchdog
// at half the configured interval. Without WatchdogSec in the unit it
// simply parks until cancelled.
func WatchdogTask(log zerolog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		interval, err := daemon.SdWatchdogEnabled(false)
		if err != nil {
			log.Warn().Err(err).Msg("watchdog query failed")
		}
		if err != nil || interval == 0 {
			<-ctx.Done()
			return nil
		}

		log.Debug().Dur("interval", interval).Msg("systemd watchdog armed")
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					log.Warn().Err(err).Msg("watchdog ping failed")
				}
			}
		}
	}
}
