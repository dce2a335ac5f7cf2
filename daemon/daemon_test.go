package daemon

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lautenbacher.net/bwrelay/bus"
	"lautenbacher.net/bwrelay/channel"
	"lautenbacher.net/bwrelay/device"
	"lautenbacher.net/bwrelay/events"
	"lautenbacher.net/bwrelay/relay"
)

type fixture struct {
	sim      *bus.Simulated
	card     *device.Driver
	producer *channel.Memory
	consumer *channel.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	name := fmt.Sprintf("/daemon_test_%d", time.Now().UnixNano())
	t.Cleanup(func() { channel.UnlinkMemory(name) })
	sim := bus.NewSimulated()
	return &fixture{
		sim:      sim,
		card:     device.New(sim, device.DefaultAddress, device.DefaultRegister, relay.RELAYS_TOTAL),
		producer: channel.OpenMemory(name, channel.Options{SendTimeout: time.Second}),
		consumer: channel.OpenMemory(name, channel.Options{Relays: relay.RELAYS_TOTAL}),
	}
}

// start runs d in the background and returns the channel its result
// arrives on.
func start(ctx context.Context, d *Daemon) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()
	return errc
}

func wait(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not terminate")
		return nil
	}
}

func (f *fixture) send(t *testing.T, cmds ...channel.Command) {
	t.Helper()
	for _, cmd := range cmds {
		require.NoError(t, f.producer.Send(context.Background(), cmd))
	}
}

func TestSwitchRelayTwo(t *testing.T) {
	f := newFixture(t)
	d := New(f.card, f.consumer, Options{})
	errc := start(context.Background(), d)

	f.send(t, channel.Switch(2, true), channel.Switch(2, false), channel.Stop())

	require.NoError(t, wait(t, errc))
	assert.Equal(t, [][]byte{{0xA6, 0x10, 0x04}, {0xA6, 0x10, 0x00}}, f.sim.Frames())
	assert.Equal(t, relay.Bits(0), f.card.GetState())
}

func TestResetSwitchesEverythingOff(t *testing.T) {
	f := newFixture(t)
	d := New(f.card, f.consumer, Options{})
	errc := start(context.Background(), d)

	f.send(t, channel.Switch(0, true), channel.Switch(1, true), channel.Switch(3, true), channel.Reset(), channel.Stop())

	require.NoError(t, wait(t, errc))
	frames := f.sim.Frames()
	require.Len(t, frames, 4)
	assert.Equal(t, []byte{0xA6, 0x10, 0x0B}, frames[2])
	assert.Equal(t, []byte{0xA6, 0x10, 0x00}, frames[3])
	assert.Equal(t, relay.Bits(0), f.card.GetState())
}

func TestStopIgnoresLaterCommands(t *testing.T) {
	f := newFixture(t)
	d := New(f.card, f.consumer, Options{})
	errc := start(context.Background(), d)

	f.send(t, channel.Stop())
	require.NoError(t, wait(t, errc))

	f.send(t, channel.Switch(1, true))
	assert.Empty(t, f.sim.Frames())
	n, err := f.consumer.Drain()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the command after stop stays in the channel")
}

func TestInvalidRelayIsSkipped(t *testing.T) {
	f := newFixture(t)
	d := New(f.card, f.consumer, Options{})
	errc := start(context.Background(), d)

	f.send(t, channel.Switch(9, true), channel.Switch(1, true), channel.Stop())

	require.NoError(t, wait(t, errc))
	assert.Equal(t, [][]byte{{0xA6, 0x10, 0x02}}, f.sim.Frames())
}

func TestTransferFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.sim.FailAt(1)
	d := New(f.card, f.consumer, Options{})
	errc := start(context.Background(), d)

	f.send(t, channel.Switch(0, true), channel.Switch(1, true))

	err := wait(t, errc)
	assert.True(t, errors.Is(err, bus.ErrTransfer), "got %v", err)
	assert.Len(t, f.sim.Frames(), 1)
}

func TestCancelReturnsNil(t *testing.T) {
	f := newFixture(t)
	d := New(f.card, f.consumer, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	errc := start(ctx, d)

	f.send(t, channel.Switch(3, true))
	cancel()

	require.NoError(t, wait(t, errc))
}

func TestDrainOnStart(t *testing.T) {
	f := newFixture(t)
	f.send(t, channel.Stop())

	d := New(f.card, f.consumer, Options{DrainOnStart: true})
	errc := start(context.Background(), d)

	f.send(t, channel.Switch(0, true), channel.Stop())
	require.NoError(t, wait(t, errc))
	assert.Equal(t, [][]byte{{0xA6, 0x10, 0x01}}, f.sim.Frames(), "the stale stop was discarded")
}

func TestReadyAfterDrain(t *testing.T) {
	f := newFixture(t)
	f.send(t, channel.Stop())

	var readyErr error
	calls := 0
	d := New(f.card, f.consumer, Options{
		DrainOnStart: true,
		Ready: func() {
			calls++
			// The stale stop is gone, so the channel has room again.
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			readyErr = f.producer.Send(ctx, channel.Switch(0, true))
		},
	})
	errc := start(context.Background(), d)

	f.send(t, channel.Stop())
	require.NoError(t, wait(t, errc))
	require.NoError(t, readyErr)
	assert.Equal(t, 1, calls)
	assert.Equal(t, [][]byte{{0xA6, 0x10, 0x01}}, f.sim.Frames())
}

func TestHistoryIsBounded(t *testing.T) {
	f := newFixture(t)
	d := New(f.card, f.consumer, Options{})
	errc := start(context.Background(), d)

	for i := 0; i < HISTORY_SIZE+4; i++ {
		f.send(t, channel.Switch(i%relay.RELAYS_TOTAL, i%2 == 0))
	}
	f.send(t, channel.Stop())
	require.NoError(t, wait(t, errc))

	history := d.History()
	require.Len(t, history, HISTORY_SIZE)
	last := HISTORY_SIZE + 3
	assert.Equal(t, channel.Switch(last%relay.RELAYS_TOTAL, last%2 == 0), history[HISTORY_SIZE-1].Command)
	assert.Equal(t, f.card.GetState(), history[HISTORY_SIZE-1].State)
}

func TestPublishesEvents(t *testing.T) {
	f := newFixture(t)
	eb := events.New()
	applied := make(chan events.CommandApplied, 4)
	stopped := make(chan events.DaemonStopped, 1)
	defer eb.Subscribe(func(e events.CommandApplied) { applied <- e })()
	defer eb.Subscribe(func(e events.DaemonStopped) { stopped <- e })()

	d := New(f.card, f.consumer, Options{Events: eb})
	errc := start(context.Background(), d)
	f.send(t, channel.Switch(2, true), channel.Stop())
	require.NoError(t, wait(t, errc))

	select {
	case e := <-applied:
		assert.Equal(t, channel.Switch(2, true), e.Command)
		assert.Equal(t, relay.Bits(0b0100), e.State)
		assert.Equal(t, relay.RELAYS_TOTAL, e.Relays)
	case <-time.After(time.Second):
		t.Fatal("no CommandApplied event")
	}
	select {
	case e := <-stopped:
		assert.NoError(t, e.Err)
	case <-time.After(time.Second):
		t.Fatal("no DaemonStopped event")
	}
}

// scriptedQueue replays a fixed list of Receive results.
type scriptedQueue struct {
	results []result
}

type result struct {
	cmd channel.Command
	err error
}

func (q *scriptedQueue) Send(context.Context, channel.Command) error { return nil }

func (q *scriptedQueue) Receive(ctx context.Context) (channel.Command, error) {
	if len(q.results) == 0 {
		<-ctx.Done()
		return channel.Command{}, ctx.Err()
	}
	r := q.results[0]
	q.results = q.results[1:]
	return r.cmd, r.err
}

func (q *scriptedQueue) Drain() (int, error) { return 0, nil }
func (q *scriptedQueue) Close() error        { return nil }

func TestFramingErrorIsFatal(t *testing.T) {
	sim := bus.NewSimulated()
	card := device.New(sim, device.DefaultAddress, device.DefaultRegister, relay.RELAYS_TOTAL)
	q := &scriptedQueue{results: []result{
		{cmd: channel.Switch(1, true)},
		{err: fmt.Errorf("%w: got 4 bytes, want 8", channel.ErrFraming)},
		{cmd: channel.Switch(2, true)},
	}}

	err := New(card, q, Options{}).Run(context.Background())
	assert.True(t, errors.Is(err, channel.ErrFraming), "got %v", err)
	assert.Len(t, sim.Frames(), 1, "nothing is applied after the framing error")
}

func TestCardRejectsRelayTheQueueAccepted(t *testing.T) {
	sim := bus.NewSimulated()
	card := device.New(sim, device.DefaultAddress, device.DefaultRegister, 2)
	q := &scriptedQueue{results: []result{
		{cmd: channel.Switch(3, true)},
		{cmd: channel.Switch(1, true)},
		{cmd: channel.Stop()},
	}}

	require.NoError(t, New(card, q, Options{}).Run(context.Background()))
	assert.Equal(t, [][]byte{{0xA6, 0x10, 0x02}}, sim.Frames())
}
