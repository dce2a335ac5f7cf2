// Package daemon owns the relay card. It takes commands from the command
// channel one at a time and applies them to the card until it is told to
// stop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"

	"lautenbacher.net/bwrelay/channel"
	"lautenbacher.net/bwrelay/events"
	"lautenbacher.net/bwrelay/metrics"
	"lautenbacher.net/bwrelay/relay"
)

// Card is the part of the device driver the daemon needs.
type Card interface {
	Relays() int
	SwitchState(relayID int, on bool) error
	AllOff() error
	GetState() relay.Bits
}

type Options struct {
	// DrainOnStart discards commands left in the channel by an earlier
	// run before the daemon reports ready.
	DrainOnStart bool
	// Notify reports readiness to the service manager.
	Notify bool
	// Ready is called once the channel is drained and the loop is about
	// to take commands. May be nil.
	Ready func()
	// Events receives what the daemon did. May be nil.
	Events *events.Bus
}

type Daemon struct {
	card    Card
	queue   channel.Queue
	opts    Options
	history *History
}

func New(card Card, queue channel.Queue, opts Options) *Daemon {
	return &Daemon{
		card:    card,
		queue:   queue,
		opts:    opts,
		history: NewHistory(HISTORY_SIZE),
	}
}

// History returns the commands applied so far, oldest first.
func (d *Daemon) History() []Entry {
	return d.history.Entries()
}

// Run processes commands until a STOP command arrives or ctx is done,
// both of which return nil. A malformed record or a failed write to the
// card ends the loop with an error. Commands naming a relay the card
// does not have are logged and skipped.
func (d *Daemon) Run(ctx context.Context) error {
	if d.opts.DrainOnStart {
		n, err := d.queue.Drain()
		if err != nil {
			return fmt.Errorf("draining command channel: %w", err)
		}
		if n > 0 {
			slog.Warn("Discarded stale commands", "count", n)
		}
	}

	d.notify(sddaemon.SdNotifyReady)
	if d.opts.Ready != nil {
		d.opts.Ready()
	}
	slog.Info("Relay daemon ready", "relays", d.card.Relays(), "state", d.card.GetState())
	d.opts.Events.Publish(events.DaemonStarted{Relays: d.card.Relays(), State: d.card.GetState(), At: time.Now()})

	err := d.loop(ctx)

	d.notify(sddaemon.SdNotifyStopping)
	d.opts.Events.Publish(events.DaemonStopped{Err: err, At: time.Now()})
	if err != nil {
		slog.Error("Relay daemon terminated", "error", err)
	} else {
		slog.Info("Relay daemon terminated")
	}
	return err
}

func (d *Daemon) loop(ctx context.Context) error {
	for {
		cmd, err := d.queue.Receive(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, channel.ErrInvalidCommand):
			metrics.Commands.WithLabelValues("invalid").Inc()
			slog.Warn("Ignoring command", "error", err)
			continue
		default:
			return fmt.Errorf("receiving command: %w", err)
		}

		metrics.Commands.WithLabelValues(cmd.Kind().String()).Inc()
		slog.Debug("Received command", "command", cmd)

		if cmd.Kind() == channel.KindStop {
			slog.Info("Stop requested")
			return nil
		}
		if err := d.apply(cmd); err != nil {
			if errors.Is(err, relay.ErrInvalidChannel) {
				slog.Warn("Ignoring command", "error", err)
				continue
			}
			return err
		}
	}
}

func (d *Daemon) apply(cmd channel.Command) error {
	var err error
	if cmd.Kind() == channel.KindReset {
		err = d.card.AllOff()
	} else {
		err = d.card.SwitchState(int(cmd.Channel), cmd.On)
	}
	if err != nil {
		return fmt.Errorf("applying %s: %w", cmd, err)
	}

	entry := Entry{Command: cmd, State: d.card.GetState(), At: time.Now()}
	d.history.Add(entry)
	d.opts.Events.Publish(events.CommandApplied{
		Command: cmd,
		State:   entry.State,
		Relays:  d.card.Relays(),
		At:      entry.At,
	})
	slog.Info("Applied command", "command", cmd, "state", entry.State)
	return nil
}

func (d *Daemon) notify(state string) {
	if !d.opts.Notify {
		return
	}
	if sent, err := sddaemon.SdNotify(false, state); err != nil {
		slog.Warn("Failed to notify service manager", "error", err)
	} else if !sent {
		slog.Debug("No service manager to notify")
	}
}
