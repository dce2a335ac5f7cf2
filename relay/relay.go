package relay

import (
	"errors"
	"fmt"
	"strings"
)

// RELAYS_TOTAL is the number of relays on the BitWizard RPi-spi-relay card.
const RELAYS_TOTAL = 4

var ErrInvalidChannel = errors.New("invalid relay channel")

// Bits is the packed state of the relays. Bit k set means relay k is on.
type Bits uint8

func (b Bits) IsOn(channel int) bool {
	return b&(1<<uint(channel)) != 0
}

// String renders the state as a binary literal with one digit per
// relay of the reference card, highest channel first.
func (b Bits) String() string {
	width := RELAYS_TOTAL
	for width < 8 && b>>uint(width) != 0 {
		width++
	}
	var buf strings.Builder
	buf.WriteString("0b")
	for i := width - 1; i >= 0; i-- {
		if b.IsOn(i) {
			buf.WriteByte('1')
		} else {
			buf.WriteByte('0')
		}
	}
	return buf.String()
}

// State keeps the desired state of a bank of relays. It does no I/O:
// whoever mutates it is responsible for pushing it to the hardware.
type State struct {
	channels int
	bits     Bits
}

// NewState returns a state with all relays off. channels must be in [1, 8].
func NewState(channels int) *State {
	if channels < 1 || channels > 8 {
		panic(fmt.Sprintf("relay count %d out of range [1, 8]", channels))
	}
	return &State{channels: channels}
}

func (s *State) Channels() int {
	return s.channels
}

// Valid reports whether channel addresses one of the relays.
func (s *State) Valid(channel int) bool {
	return channel >= 0 && channel < s.channels
}

// CheckChannel returns ErrInvalidChannel for channels outside [0, Channels()).
func (s *State) CheckChannel(channel int) error {
	if !s.Valid(channel) {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidChannel, channel, s.channels)
	}
	return nil
}

func (s *State) mustValid(channel int) {
	if !s.Valid(channel) {
		panic(fmt.Sprintf("relay channel %d out of range [0, %d)", channel, s.channels))
	}
}

func (s *State) Set(channel int) {
	s.mustValid(channel)
	s.bits |= 1 << uint(channel)
}

func (s *State) Clear(channel int) {
	s.mustValid(channel)
	s.bits &^= 1 << uint(channel)
}

func (s *State) Assign(channel int, on bool) {
	if on {
		s.Set(channel)
	} else {
		s.Clear(channel)
	}
}

func (s *State) AllOn() {
	s.bits = s.mask()
}

func (s *State) AllOff() {
	s.bits = 0
}

func (s *State) Get() Bits {
	return s.bits
}

// Restore overwrites the whole state. Bits above Channels() are dropped.
func (s *State) Restore(bits Bits) {
	s.bits = bits & s.mask()
}

func (s *State) mask() Bits {
	return Bits(uint16(1)<<uint(s.channels) - 1)
}
