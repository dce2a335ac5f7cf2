// Package channel carries relay commands from any number of client
// processes to the one daemon owning the relay card.
//
// A channel is a named queue holding at most one command. A second
// Send blocks until the daemon took the first one, so a Send that times
// out means the daemon is busy, hung or not running. Commands travel as
// fixed-size records of RecordSize bytes:
//
//	offset 0  int32  relay number, or OpReset / OpStop
//	offset 4  uint8  desired state, 0 = off, 1 = on
//	offset 5  3 bytes zero padding
//
// in the byte order of the host, the layout of struct { int; bool; }
// on the Raspberry Pi. Both ends run on the same machine.
package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"lautenbacher.net/bwrelay/relay"
)

const (
	// OpReset switches all relays off.
	OpReset int32 = -2
	// OpStop terminates the daemon.
	OpStop int32 = -1
)

const RecordSize = 8

var (
	// ErrFull is returned by Send when the slot stayed occupied until
	// the deadline: the daemon is not consuming commands.
	ErrFull = errors.New("command channel full, daemon busy or not running")
	// ErrFraming is returned by Receive for a message that is not
	// exactly RecordSize bytes long.
	ErrFraming = errors.New("command record has the wrong size")
	// ErrInvalidCommand is returned by Receive for a record that is
	// neither an opcode nor a valid relay.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrQueueMismatch is returned when a queue of the same name exists
	// with attributes this program cannot use.
	ErrQueueMismatch = errors.New("existing command queue has incompatible attributes")
)

type Kind int

const (
	KindSwitch Kind = iota
	KindReset
	KindStop
)

func (k Kind) String() string {
	switch k {
	case KindReset:
		return "reset"
	case KindStop:
		return "stop"
	default:
		return "switch"
	}
}

// Command is one request to the daemon.
type Command struct {
	Channel int32
	On      bool
}

func Switch(relayID int, on bool) Command {
	return Command{Channel: int32(relayID), On: on}
}

func Reset() Command {
	return Command{Channel: OpReset}
}

func Stop() Command {
	return Command{Channel: OpStop}
}

func (c Command) Kind() Kind {
	switch c.Channel {
	case OpReset:
		return KindReset
	case OpStop:
		return KindStop
	default:
		return KindSwitch
	}
}

func (c Command) String() string {
	switch c.Kind() {
	case KindSwitch:
		state := "off"
		if c.On {
			state = "on"
		}
		return fmt.Sprintf("switch relay %d %s", c.Channel, state)
	default:
		return c.Kind().String()
	}
}

// Validate checks that a switch command addresses one of relays relays.
func (c Command) Validate(relays int) error {
	if c.Kind() != KindSwitch {
		return nil
	}
	if c.Channel < 0 || int(c.Channel) >= relays {
		return fmt.Errorf("%w: relay %d not in [0, %d)", ErrInvalidCommand, c.Channel, relays)
	}
	return nil
}

// Encode returns the wire record of c.
func (c Command) Encode() [RecordSize]byte {
	var rec [RecordSize]byte
	binary.NativeEndian.PutUint32(rec[0:4], uint32(c.Channel))
	if c.On {
		rec[4] = 1
	}
	return rec
}

// Decode parses a wire record. raw must be exactly RecordSize bytes.
func Decode(raw []byte) (Command, error) {
	if len(raw) != RecordSize {
		return Command{}, fmt.Errorf("%w: got %d bytes, want %d", ErrFraming, len(raw), RecordSize)
	}
	cmd := Command{
		Channel: int32(binary.NativeEndian.Uint32(raw[0:4])),
		On:      raw[4] != 0,
	}
	return cmd, nil
}

// Queue is one end of a command channel. Implementations are not safe
// for concurrent use; every process opens its own.
type Queue interface {
	// Send enqueues cmd. It blocks while the slot is occupied and
	// returns ErrFull once the deadline passes.
	Send(ctx context.Context, cmd Command) error
	// Receive blocks until a command arrives or ctx is done.
	Receive(ctx context.Context) (Command, error)
	// Drain discards queued commands without blocking and returns how
	// many there were.
	Drain() (int, error)
	Close() error
}

type Options struct {
	// Relays bounds the relay numbers Receive accepts.
	Relays int
	// SendTimeout applies to Send calls whose context has no deadline.
	// Zero waits forever.
	SendTimeout time.Duration
}

func (o Options) relays() int {
	if o.Relays <= 0 {
		return relay.RELAYS_TOTAL
	}
	return o.Relays
}

func (o Options) sendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || o.SendTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, o.SendTimeout)
}

// sendError maps the end of a blocked Send to ErrFull when the deadline
// passed and to the plain context error when the sender gave up.
func sendError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrFull, ctx.Err())
	}
	return ctx.Err()
}

// decodeValid decodes raw and checks it against relays.
func decodeValid(raw []byte, relays int) (Command, error) {
	cmd, err := Decode(raw)
	if err != nil {
		return Command{}, err
	}
	if err := cmd.Validate(relays); err != nil {
		return cmd, err
	}
	return cmd, nil
}
