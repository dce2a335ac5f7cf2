package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"lautenbacher.net/bwrelay/bus"
	"lautenbacher.net/bwrelay/channel"
	"lautenbacher.net/bwrelay/config"
	"lautenbacher.net/bwrelay/controller"
	"lautenbacher.net/bwrelay/daemon"
	"lautenbacher.net/bwrelay/device"
	"lautenbacher.net/bwrelay/events"
	"lautenbacher.net/bwrelay/logging"
	"lautenbacher.net/bwrelay/metrics"
	"lautenbacher.net/bwrelay/mqtt"
	"lautenbacher.net/bwrelay/tui"
)

const (
	configDebounce = 500 * time.Millisecond
	// spawnTimeout bounds the wait for a background daemon to open the
	// card and the command channel.
	spawnTimeout = 30 * time.Second
)

var spawnProcess = daemon.Spawn

// spawnDaemon starts the daemon as a background process and returns
// once it has drained the command channel and takes commands.
func spawnDaemon(cmd *cobra.Command, conf config.Config, opts *options) error {
	if err := initLogging(conf.Logging.Client, false); err != nil {
		return err
	}
	defer logging.Close()

	args := []string{"--daemon", "--foreground", "--detached"}
	if opts.config != "" {
		// The daemon runs in /.
		abs, err := filepath.Abs(opts.config)
		if err != nil {
			return err
		}
		args = append(args, "--config", abs)
	}
	if opts.simulate {
		args = append(args, "--simulate")
	}
	pid, err := spawnProcess(args, spawnTimeout)
	if err != nil {
		return err
	}
	slog.Info("Daemon started", "pid", pid)
	fmt.Fprintf(cmd.OutOrStdout(), "relay daemon started with pid %d\n", pid)
	return nil
}

func openTransport(conf config.Config, simulate bool) (bus.Transport, error) {
	if simulate {
		slog.Info("Using simulated relay card")
		return bus.NewSimulated(), nil
	}
	return bus.Open(bus.Config{
		Library:   conf.Hardware.SPILibrary,
		Device:    conf.Hardware.SPIDevice,
		Frequency: conf.Hardware.SPIFrequency,
	})
}

// runDaemon runs the daemon in this process until it is stopped.
func runDaemon(ctx context.Context, conf config.Config, opts *options) error {
	if opts.detached {
		if err := daemon.DetachStdio(); err != nil {
			return err
		}
	}
	if err := initLogging(conf.Logging.Daemon, false); err != nil {
		return err
	}
	defer logging.Close()

	transport, err := openTransport(conf, opts.simulate)
	if err != nil {
		return err
	}
	card := device.New(transport, conf.Hardware.Address, conf.Hardware.Register, conf.Hardware.Relays)
	defer card.Close()

	queue, err := channel.OpenMQueue(conf.Channel.Name, channel.Options{Relays: conf.Hardware.Relays})
	if err != nil {
		return err
	}
	defer queue.Close()

	eventBus := events.New()
	stopObservers := startObservers(ctx, conf, opts.config, eventBus)
	defer stopObservers()

	dopts := daemon.Options{
		DrainOnStart: conf.Channel.DrainOnStart,
		Notify:       true,
		Events:       eventBus,
	}
	if opts.detached {
		dopts.Ready = func() {
			if err := daemon.NotifyParent(); err != nil {
				slog.Warn("Failed to report readiness to the starting process", "error", err)
			}
		}
	}
	return daemon.New(card, queue, dopts).Run(ctx)
}

// startObservers starts everything that watches the daemon from the
// side: metrics endpoint, MQTT publisher and config watcher. None of
// them can keep the daemon from starting. The returned function stops
// them again.
func startObservers(ctx context.Context, conf config.Config, cfile string, eventBus *events.Bus) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	var closers []func()

	stop := func() {
		cancel()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		wg.Wait()
	}

	if conf.Metrics.Listen != "" {
		server := metrics.NewServer(conf.Metrics.Listen)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	if conf.MQTT.Enabled() {
		if publisher, err := mqtt.Connect(conf.MQTT); err != nil {
			slog.Warn("Relay state is not published", "broker", conf.MQTT.Broker, "error", err)
		} else {
			publisher.Attach(eventBus)
			closers = append(closers, func() {
				if err := publisher.Close(); err != nil {
					slog.Warn("Failed to close MQTT publisher", "error", err)
				}
			})
		}
	}

	if cfile != "" {
		watcher := config.NewWatcher(cfile, configDebounce)
		watcher.OnReload(func(newConf config.Config) {
			logging.SetLevel(newConf.Logging.Daemon.Level)
		})
		if err := watcher.Start(); err != nil {
			slog.Warn("Config file is not watched", "path", cfile, "error", err)
		} else {
			closers = append(closers, func() { _ = watcher.Stop() })
		}
	}

	return stop
}

// runTUI runs daemon, simulated card and a controller in one process,
// connected by an in-memory command channel.
func runTUI(ctx context.Context, conf config.Config) error {
	if err := initLogging(conf.Logging.TUI, true); err != nil {
		return err
	}
	defer logging.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	card := device.New(bus.NewSimulated(), conf.Hardware.Address, conf.Hardware.Register, conf.Hardware.Relays)
	defer card.Close()

	defer channel.UnlinkMemory(conf.Channel.Name)
	consumer := channel.OpenMemory(conf.Channel.Name, channel.Options{Relays: conf.Hardware.Relays})
	producer := channel.OpenMemory(conf.Channel.Name, channel.Options{
		Relays:      conf.Hardware.Relays,
		SendTimeout: conf.Channel.SendTimeout,
	})

	eventBus := events.New()
	d := daemon.New(card, consumer, daemon.Options{Events: eventBus})
	sim := tui.New(controller.New(producer, conf.Hardware.Relays), conf.Hardware.Relays, cancel)
	sim.Attach(eventBus, d)

	daemonErr := make(chan error, 1)
	go func() {
		// Start after the TUI took over the log output.
		select {
		case <-sim.Ready():
		case <-ctx.Done():
		}
		daemonErr <- d.Run(ctx)
	}()

	tuiErr := sim.Run(ctx)
	cancel()
	if err := <-daemonErr; err != nil {
		return err
	}
	return tuiErr
}
