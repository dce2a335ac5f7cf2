// Package events fans out what the daemon did to observers that must not
// touch the daemon's state: the simulation TUI and the MQTT publisher.
// Handlers run on their own goroutines and receive immutable values.
package events

import (
	"time"

	"github.com/kelindar/event"

	"lautenbacher.net/bwrelay/channel"
	"lautenbacher.net/bwrelay/relay"
)

// Event type constants for kelindar/event.
const (
	TypeCommandApplied uint32 = iota + 1
	TypeDaemonStarted
	TypeDaemonStopped
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// CommandApplied is published after the daemon executed a command and
// the relay card confirmed the transfer.
type CommandApplied struct {
	Command channel.Command
	State   relay.Bits
	Relays  int
	At      time.Time
}

func (e CommandApplied) Type() uint32 { return TypeCommandApplied }

// DaemonStarted is published once the daemon is ready for commands.
type DaemonStarted struct {
	Relays int
	State  relay.Bits
	At     time.Time
}

func (e DaemonStarted) Type() uint32 { return TypeDaemonStarted }

// DaemonStopped is published when the command loop ended. Err is nil on
// a STOP command or a cancelled context.
type DaemonStopped struct {
	Err error
	At  time.Time
}

func (e DaemonStopped) Type() uint32 { return TypeDaemonStopped }

// Bus wraps the kelindar/event dispatcher.
type Bus struct {
	dispatcher *event.Dispatcher
}

func New() *Bus {
	return &Bus{dispatcher: event.NewDispatcher()}
}

// Publish delivers ev to every subscriber of its type. Unknown event
// types are dropped. A nil Bus drops everything.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case CommandApplied:
		event.Publish(b.dispatcher, e)
	case DaemonStarted:
		event.Publish(b.dispatcher, e)
	case DaemonStopped:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe registers handler, whose parameter type selects the events
// it receives, and returns the function that unsubscribes it.
// Usage: unsub := bus.Subscribe(func(e CommandApplied) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(CommandApplied):
		return event.Subscribe(b.dispatcher, h)
	case func(DaemonStarted):
		return event.Subscribe(b.dispatcher, h)
	case func(DaemonStopped):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}
