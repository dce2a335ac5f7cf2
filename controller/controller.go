// Package controller is the client side of the relay daemon. Every
// operation puts one command on the command channel and returns; it does
// not wait for the daemon to apply it.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lautenbacher.net/bwrelay/channel"
	"lautenbacher.net/bwrelay/relay"
)

type Controller struct {
	queue  channel.Queue
	relays int
}

// New returns a controller for a card with relays relays that talks to
// the daemon through queue.
func New(queue channel.Queue, relays int) *Controller {
	return &Controller{queue: queue, relays: relays}
}

func (c *Controller) SwitchOn(ctx context.Context, relayID int) error {
	return c.SwitchState(ctx, relayID, true)
}

func (c *Controller) SwitchOff(ctx context.Context, relayID int) error {
	return c.SwitchState(ctx, relayID, false)
}

// SwitchState asks the daemon to switch relayID on or off. A relay the
// card does not have is rejected before anything is sent.
func (c *Controller) SwitchState(ctx context.Context, relayID int, on bool) error {
	if relayID < 0 || relayID >= c.relays {
		return fmt.Errorf("%w: %d, the card has relays 0 to %d", relay.ErrInvalidChannel, relayID, c.relays-1)
	}
	return c.send(ctx, channel.Switch(relayID, on))
}

// Reset asks the daemon to switch all relays off.
func (c *Controller) Reset(ctx context.Context) error {
	return c.send(ctx, channel.Reset())
}

// Stop asks the daemon to terminate. The relays keep their state.
func (c *Controller) Stop(ctx context.Context) error {
	return c.send(ctx, channel.Stop())
}

// Pulse switches relayID on, waits d and switches it off again. If ctx
// ends during the wait the relay is still switched off.
func (c *Controller) Pulse(ctx context.Context, relayID int, d time.Duration) error {
	if err := c.SwitchOn(ctx, relayID); err != nil {
		return err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return c.SwitchOff(ctx, relayID)
	case <-ctx.Done():
		err := c.SwitchOff(context.WithoutCancel(ctx), relayID)
		return errors.Join(ctx.Err(), err)
	}
}

func (c *Controller) send(ctx context.Context, cmd channel.Command) error {
	slog.Debug("Sending command", "command", cmd)
	if err := c.queue.Send(ctx, cmd); err != nil {
		return fmt.Errorf("sending %s: %w", cmd, err)
	}
	return nil
}
