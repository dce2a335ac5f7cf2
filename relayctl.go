package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"lautenbacher.net/bwrelay/channel"
	"lautenbacher.net/bwrelay/config"
	"lautenbacher.net/bwrelay/logging"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	// exitBusy tells scripts that the daemon did not take the command.
	exitBusy = 3
)

// defaultPulse is how long --pulse keeps a relay on.
const defaultPulse = 500 * time.Millisecond

var errUsage = errors.New("usage error")

type options struct {
	daemon     bool
	foreground bool
	detached   bool
	simulate   bool
	tui        bool
	config     string
	relay      int
	on         bool
	off        bool
	switchOn   int
	switchOff  int
	pulse      int
	pulseFor   time.Duration
	reset      bool
	stop       bool
	unlink     bool
}

func newOptions() *options {
	return &options{pulseFor: defaultPulse}
}

func newRootCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relayctl",
		Short: "Controller and daemon for the BitWizard SPI relay card",
		Long: `relayctl either runs the daemon that owns the BitWizard SPI relay card or
sends one command to a running daemon through the command channel.`,
		Example: `  relayctl --daemon
  relayctl --switch-on 2
  relayctl --relay 2 --off
  relayctl --pulse 1 --pulse-duration 2s
  relayctl --stop`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("config") {
				if _, err := os.Stat(opts.config); errors.Is(err, os.ErrNotExist) {
					opts.config = ""
				}
			}
			return run(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&opts.daemon, "daemon", false, "run as the daemon controlling the relays, in the background unless --foreground is given")
	f.BoolVar(&opts.foreground, "foreground", false, "with --daemon: stay attached, for service managers")
	f.BoolVar(&opts.detached, "detached", false, "")
	f.BoolVar(&opts.simulate, "simulate", false, "with --daemon: use a simulated relay card instead of SPI")
	f.BoolVar(&opts.tui, "tui", false, "run daemon and simulated card in a terminal UI")
	f.StringVarP(&opts.config, "config", "c", config.CONFILE, "configuration file")
	f.IntVar(&opts.relay, "relay", 0, "relay to switch with --on or --off")
	f.BoolVar(&opts.on, "on", false, "switch --relay on")
	f.BoolVar(&opts.off, "off", false, "switch --relay off")
	f.IntVar(&opts.switchOn, "switch-on", 0, "switch a relay on")
	f.IntVar(&opts.switchOff, "switch-off", 0, "switch a relay off")
	f.IntVar(&opts.pulse, "pulse", 0, "switch a relay on and off again after --pulse-duration")
	f.DurationVar(&opts.pulseFor, "pulse-duration", defaultPulse, "how long --pulse keeps the relay on")
	f.BoolVar(&opts.reset, "reset", false, "switch all relays off")
	f.BoolVar(&opts.stop, "stop", false, "terminate the daemon")
	f.BoolVar(&opts.unlink, "unlink", false, "remove the command channel left by a daemon")
	_ = f.MarkHidden("detached")

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", errUsage, err)
	})
	cmd.MarkFlagsMutuallyExclusive("on", "off")
	cmd.MarkFlagsMutuallyExclusive("daemon", "tui")
	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	flags := cmd.Flags()
	if err := checkModeFlags(flags, opts); err != nil {
		return err
	}
	actions, err := clientActions(flags, opts)
	if err != nil {
		return err
	}
	if len(actions) > 0 && (opts.tui || opts.foreground || opts.unlink) {
		return fmt.Errorf("%w: relay commands cannot be combined with --tui, --foreground or --unlink", errUsage)
	}

	conf, err := config.ReadConfig(opts.config)
	if err != nil {
		return err
	}

	switch {
	case opts.tui:
		return runTUI(cmd.Context(), conf)
	case opts.daemon && opts.foreground:
		return runDaemon(cmd.Context(), conf, opts)
	case opts.daemon:
		// The daemon takes commands once spawnDaemon returns, so the
		// same call can act as a client.
		if err := spawnDaemon(cmd, conf, opts); err != nil {
			return err
		}
		if len(actions) == 0 {
			return nil
		}
		return runClient(cmd.Context(), conf, actions)
	case opts.unlink:
		return unlink(conf)
	}

	if len(actions) == 0 {
		return cmd.Help()
	}
	return runClient(cmd.Context(), conf, actions)
}

// checkModeFlags rejects daemon flags given without --daemon.
func checkModeFlags(flags *pflag.FlagSet, opts *options) error {
	if opts.daemon {
		return nil
	}
	for _, name := range []string{"foreground", "simulate", "detached"} {
		if flags.Changed(name) {
			return fmt.Errorf("%w: --%s needs --daemon", errUsage, name)
		}
	}
	return nil
}

func unlink(conf config.Config) error {
	if err := initLogging(conf.Logging.Client, false); err != nil {
		return err
	}
	defer logging.Close()
	return channel.UnlinkMQueue(conf.Channel.Name)
}

func initLogging(lc config.LogConfig, buffer bool) error {
	return logging.Init(logging.Options{
		BufferOutput: buffer,
		Level:        lc.Level,
		Format:       lc.Format,
		File:         lc.File,
		Journal:      lc.Journal,
	})
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, channel.ErrFull):
		return exitBusy
	case errors.Is(err, errUsage):
		return exitUsage
	default:
		return exitFailure
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(newOptions()).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "relayctl:", err)
	}
	os.Exit(exitCode(err))
}
