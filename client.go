package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/pflag"

	"lautenbacher.net/bwrelay/channel"
	"lautenbacher.net/bwrelay/config"
	"lautenbacher.net/bwrelay/controller"
	"lautenbacher.net/bwrelay/logging"
)

// action is one command line request to the daemon.
type action struct {
	name string
	do   func(ctx context.Context, c *controller.Controller) error
}

// clientActions turns the flags into the commands to send, in a fixed
// order: switch-on, switch-off, relay, pulse, reset, stop. Relay numbers
// are checked by the controller, not here.
func clientActions(flags *pflag.FlagSet, opts *options) ([]action, error) {
	var actions []action
	if flags.Changed("switch-on") {
		id := opts.switchOn
		actions = append(actions, action{fmt.Sprintf("switch-on %d", id), func(ctx context.Context, c *controller.Controller) error {
			return c.SwitchOn(ctx, id)
		}})
	}
	if flags.Changed("switch-off") {
		id := opts.switchOff
		actions = append(actions, action{fmt.Sprintf("switch-off %d", id), func(ctx context.Context, c *controller.Controller) error {
			return c.SwitchOff(ctx, id)
		}})
	}
	relaySet := flags.Changed("relay")
	switch {
	case relaySet && !opts.on && !opts.off:
		return nil, fmt.Errorf("%w: --relay needs --on or --off", errUsage)
	case !relaySet && (opts.on || opts.off):
		return nil, fmt.Errorf("%w: --on and --off need --relay", errUsage)
	case relaySet:
		id, on := opts.relay, opts.on
		actions = append(actions, action{fmt.Sprintf("relay %d on=%t", id, on), func(ctx context.Context, c *controller.Controller) error {
			return c.SwitchState(ctx, id, on)
		}})
	}
	switch {
	case flags.Changed("pulse-duration") && !flags.Changed("pulse"):
		return nil, fmt.Errorf("%w: --pulse-duration needs --pulse", errUsage)
	case opts.pulseFor <= 0:
		return nil, fmt.Errorf("%w: --pulse-duration must be positive", errUsage)
	case flags.Changed("pulse"):
		id, d := opts.pulse, opts.pulseFor
		actions = append(actions, action{fmt.Sprintf("pulse %d for %v", id, d), func(ctx context.Context, c *controller.Controller) error {
			return c.Pulse(ctx, id, d)
		}})
	}
	if opts.reset {
		actions = append(actions, action{"reset", func(ctx context.Context, c *controller.Controller) error {
			return c.Reset(ctx)
		}})
	}
	if opts.stop {
		actions = append(actions, action{"stop", func(ctx context.Context, c *controller.Controller) error {
			return c.Stop(ctx)
		}})
	}
	return actions, nil
}

func runClient(ctx context.Context, conf config.Config, actions []action) error {
	if err := initLogging(conf.Logging.Client, false); err != nil {
		return err
	}
	defer logging.Close()

	queue, err := channel.OpenMQueue(conf.Channel.Name, channel.Options{
		Relays:      conf.Hardware.Relays,
		SendTimeout: conf.Channel.SendTimeout,
	})
	if err != nil {
		return err
	}
	defer queue.Close()

	return sendAll(ctx, controller.New(queue, conf.Hardware.Relays), actions)
}

func sendAll(ctx context.Context, c *controller.Controller, actions []action) error {
	for _, a := range actions {
		slog.Debug("Sending", "action", a.name)
		if err := a.do(ctx, c); err != nil {
			return err
		}
	}
	return nil
}
