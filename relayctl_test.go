package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lautenbacher.net/bwrelay/channel"
	"lautenbacher.net/bwrelay/config"
	"lautenbacher.net/bwrelay/controller"
	"lautenbacher.net/bwrelay/daemon"
	"lautenbacher.net/bwrelay/relay"
)

// actionsFor parses args and returns the actions they ask for.
func actionsFor(t *testing.T, args ...string) ([]action, error) {
	t.Helper()
	opts := newOptions()
	cmd := newRootCmd(opts)
	require.NoError(t, cmd.ParseFlags(args))
	return clientActions(cmd.Flags(), opts)
}

func names(actions []action) []string {
	var out []string
	for _, a := range actions {
		out = append(out, a.name)
	}
	return out
}

// execute runs the root command with args and returns its error.
func execute(args ...string) error {
	cmd := newRootCmd(newOptions())
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestFlagDefaults(t *testing.T) {
	opts := newOptions()
	require.NoError(t, newRootCmd(opts).ParseFlags(nil))
	assert.Equal(t, defaultPulse, opts.pulseFor)
	assert.False(t, opts.daemon)

	actions, err := actionsFor(t)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestClientActionsOrder(t *testing.T) {
	actions, err := actionsFor(t, "--stop", "--reset", "--pulse", "0", "--switch-off", "1", "--switch-on", "2", "--relay", "3", "--on")
	require.NoError(t, err)
	assert.Equal(t, []string{"switch-on 2", "switch-off 1", "relay 3 on=true", "pulse 0 for 500ms", "reset", "stop"}, names(actions))
}

func TestRelayZeroIsARelay(t *testing.T) {
	actions, err := actionsFor(t, "--switch-on", "0")
	require.NoError(t, err)
	assert.Equal(t, []string{"switch-on 0"}, names(actions))
}

func TestClientActionsUsage(t *testing.T) {
	_, err := actionsFor(t, "--relay", "1")
	assert.True(t, errors.Is(err, errUsage))

	_, err = actionsFor(t, "--off")
	assert.True(t, errors.Is(err, errUsage))

	_, err = actionsFor(t, "--pulse-duration", "1s")
	assert.True(t, errors.Is(err, errUsage), "--pulse-duration without --pulse")

	_, err = actionsFor(t, "--pulse", "1", "--pulse-duration", "0s")
	assert.True(t, errors.Is(err, errUsage))
}

func TestNegativeRelayIsRejectedByController(t *testing.T) {
	actions, err := actionsFor(t, "--switch-on=-1")
	require.NoError(t, err)
	require.Len(t, actions, 1)

	name := fmt.Sprintf("/relayctl_test_%d", time.Now().UnixNano())
	t.Cleanup(func() { channel.UnlinkMemory(name) })
	producer := channel.OpenMemory(name, channel.Options{SendTimeout: 50 * time.Millisecond})

	err = sendAll(context.Background(), controller.New(producer, relay.RELAYS_TOTAL), actions)
	assert.True(t, errors.Is(err, relay.ErrInvalidChannel), "got %v", err)
	assert.Equal(t, exitFailure, exitCode(err))
}

func TestPulseSwitchesOnAndOff(t *testing.T) {
	name := fmt.Sprintf("/relayctl_test_%d", time.Now().UnixNano())
	t.Cleanup(func() { channel.UnlinkMemory(name) })
	producer := channel.OpenMemory(name, channel.Options{SendTimeout: time.Second})
	consumer := channel.OpenMemory(name, channel.Options{})

	actions, err := actionsFor(t, "--pulse", "2", "--pulse-duration", "20ms")
	require.NoError(t, err)

	received := make(chan channel.Command, 2)
	go func() {
		for i := 0; i < 2; i++ {
			cmd, err := consumer.Receive(context.Background())
			if err == nil {
				received <- cmd
			}
		}
	}()

	require.NoError(t, sendAll(context.Background(), controller.New(producer, relay.RELAYS_TOTAL), actions))
	assert.Equal(t, channel.Switch(2, true), <-received)
	assert.Equal(t, channel.Switch(2, false), <-received)
}

func TestDaemonFlagsNeedDaemon(t *testing.T) {
	for _, args := range [][]string{
		{"--foreground"},
		{"--simulate", "--reset"},
		{"--tui", "--simulate"},
	} {
		err := execute(append([]string{"--config", ""}, args...)...)
		assert.Equal(t, exitUsage, exitCode(err), "%v: %v", args, err)
	}
}

func TestRelayCommandsNeedAClientMode(t *testing.T) {
	for _, args := range [][]string{
		{"--daemon", "--foreground", "--reset"},
		{"--tui", "--switch-on", "1"},
		{"--unlink", "--stop"},
	} {
		err := execute(append([]string{"--config", ""}, args...)...)
		assert.Equal(t, exitUsage, exitCode(err), "%v: %v", args, err)
	}
}

func fakeSpawn(t *testing.T, err error) *[]string {
	t.Helper()
	var got []string
	orig := spawnProcess
	spawnProcess = func(args []string, _ time.Duration) (int, error) {
		got = args
		return 4242, err
	}
	t.Cleanup(func() { spawnProcess = orig })
	return &got
}

func TestDaemonThenClientCommands(t *testing.T) {
	name := fmt.Sprintf("/relayctl_test_%d", time.Now().UnixNano())
	consumer, err := channel.OpenMQueue(name, channel.Options{Relays: relay.RELAYS_TOTAL})
	if err != nil {
		t.Skipf("POSIX message queues not available: %v", err)
	}
	t.Cleanup(func() {
		consumer.Close()
		channel.UnlinkMQueue(name)
	})
	cfile := filepath.Join(t.TempDir(), "bwrelay.yml")
	require.NoError(t, os.WriteFile(cfile, []byte("Channel:\n  Name: "+name+"\n"), 0o644))
	spawned := fakeSpawn(t, nil)

	received := make(chan channel.Command, 1)
	go func() {
		if cmd, err := consumer.Receive(context.Background()); err == nil {
			received <- cmd
		}
	}()

	require.NoError(t, execute("--config", cfile, "--daemon", "--simulate", "--switch-on", "2"))
	assert.Equal(t, []string{"--daemon", "--foreground", "--detached", "--config", cfile, "--simulate"}, *spawned)
	select {
	case cmd := <-received:
		assert.Equal(t, channel.Switch(2, true), cmd)
	case <-time.After(5 * time.Second):
		t.Fatal("the command after --daemon was not sent")
	}
}

func TestFailedSpawnSendsNothing(t *testing.T) {
	fakeSpawn(t, fmt.Errorf("%w: exited before it was ready", daemon.ErrSpawn))
	err := execute("--config", "", "--daemon", "--switch-on", "2")
	assert.True(t, errors.Is(err, daemon.ErrSpawn), "got %v", err)
	assert.Equal(t, exitFailure, exitCode(err))
}

func TestSendAll(t *testing.T) {
	name := fmt.Sprintf("/relayctl_test_%d", time.Now().UnixNano())
	t.Cleanup(func() { channel.UnlinkMemory(name) })
	producer := channel.OpenMemory(name, channel.Options{SendTimeout: time.Second})
	consumer := channel.OpenMemory(name, channel.Options{})

	actions, err := actionsFor(t, "--relay", "2", "--off", "--stop")
	require.NoError(t, err)

	received := make(chan channel.Command, 2)
	go func() {
		for i := 0; i < 2; i++ {
			cmd, err := consumer.Receive(context.Background())
			if err == nil {
				received <- cmd
			}
		}
	}()

	require.NoError(t, sendAll(context.Background(), controller.New(producer, relay.RELAYS_TOTAL), actions))
	assert.Equal(t, channel.Switch(2, false), <-received)
	assert.Equal(t, channel.Stop(), <-received)
}

func TestSendAllStopsAtFirstError(t *testing.T) {
	name := fmt.Sprintf("/relayctl_test_%d", time.Now().UnixNano())
	t.Cleanup(func() { channel.UnlinkMemory(name) })
	producer := channel.OpenMemory(name, channel.Options{SendTimeout: 50 * time.Millisecond})

	actions, err := actionsFor(t, "--switch-on", "1", "--switch-off", "1", "--reset")
	require.NoError(t, err)

	err = sendAll(context.Background(), controller.New(producer, relay.RELAYS_TOTAL), actions)
	assert.True(t, errors.Is(err, channel.ErrFull), "nobody reads the channel, got %v", err)
	assert.Equal(t, exitBusy, exitCode(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitBusy, exitCode(fmt.Errorf("sending: %w", channel.ErrFull)))
	assert.Equal(t, exitUsage, exitCode(fmt.Errorf("%w: bad flag", errUsage)))
	assert.Equal(t, exitFailure, exitCode(relay.ErrInvalidChannel))
}

func TestHelpWithoutActions(t *testing.T) {
	cmd := newRootCmd(newOptions())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", ""})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "--switch-on")
	assert.Contains(t, out.String(), "--daemon")
	assert.NotContains(t, out.String(), "--detached")
}

func TestUnknownFlagIsUsageError(t *testing.T) {
	cmd := newRootCmd(newOptions())
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--frobnicate"})
	err := cmd.Execute()
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestExclusiveFlags(t *testing.T) {
	cmd := newRootCmd(newOptions())
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", "", "--relay", "1", "--on", "--off"})
	assert.Error(t, cmd.Execute())
}

func TestInvalidConfigFails(t *testing.T) {
	cmd := newRootCmd(newOptions())
	cmd.SetArgs([]string{"--config", t.TempDir() + "/missing.yml", "--reset"})
	err := cmd.Execute()
	assert.Error(t, err)
	assert.Equal(t, exitFailure, exitCode(err))
}

func TestDefaultConfigIsValid(t *testing.T) {
	conf, err := config.ReadConfig("")
	require.NoError(t, err)
	assert.Equal(t, relay.RELAYS_TOTAL, conf.Hardware.Relays)
}
