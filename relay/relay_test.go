package relay

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetAndClear(t *testing.T) {
	for i := 0; i < RELAYS_TOTAL; i++ {
		s := NewState(RELAYS_TOTAL)
		s.Restore(0b1010)
		before := s.Get()

		s.Set(i)
		assert.True(t, s.Get().IsOn(i), "relay %d should be on", i)
		assert.Equal(t, before|(1<<uint(i)), s.Get(), "other relays must be unchanged")

		s.Clear(i)
		assert.False(t, s.Get().IsOn(i), "relay %d should be off", i)
		assert.Equal(t, before&^(1<<uint(i)), s.Get(), "other relays must be unchanged")
	}
}

func TestAssign(t *testing.T) {
	s := NewState(RELAYS_TOTAL)
	s.Assign(2, true)
	assert.Equal(t, Bits(0b0100), s.Get())
	s.Assign(2, false)
	assert.Equal(t, Bits(0), s.Get())
}

func TestAllOnAllOff(t *testing.T) {
	s := NewState(RELAYS_TOTAL)
	s.AllOn()
	assert.Equal(t, Bits(0b1111), s.Get())
	s.AllOff()
	assert.Equal(t, Bits(0), s.Get())

	eight := NewState(8)
	eight.AllOn()
	assert.Equal(t, Bits(0xFF), eight.Get())
}

func TestRestoreRoundTripAndMask(t *testing.T) {
	s := NewState(RELAYS_TOTAL)
	for b := Bits(0); b < 16; b++ {
		s.Restore(b)
		assert.Equal(t, b, s.Get())
	}
	s.Restore(0xF5)
	assert.Equal(t, Bits(0x05), s.Get(), "bits above the relay count are dropped")
}

func TestCheckChannel(t *testing.T) {
	s := NewState(RELAYS_TOTAL)
	assert.NoError(t, s.CheckChannel(0))
	assert.NoError(t, s.CheckChannel(3))
	assert.True(t, errors.Is(s.CheckChannel(4), ErrInvalidChannel))
	assert.True(t, errors.Is(s.CheckChannel(-1), ErrInvalidChannel))
}

func TestOutOfRangePanics(t *testing.T) {
	s := NewState(RELAYS_TOTAL)
	assert.Panics(t, func() { s.Set(4) })
	assert.Panics(t, func() { s.Clear(-1) })
	assert.Panics(t, func() { NewState(0) })
}

func TestBitsString(t *testing.T) {
	assert.Equal(t, "0b0100", Bits(0b0100).String())
	assert.Equal(t, "0b0000", Bits(0).String())
	assert.Equal(t, "0b10000001", Bits(0x81).String())
}
