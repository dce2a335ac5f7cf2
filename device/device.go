// Package device drives the BitWizard RPi-spi-relay card.
//
// Every state change is written to the card immediately as one 3-byte
// frame: the card address, the relay register and the packed relay
// state (bit k = relay k). There is no batching and no retry; a failed
// transfer is returned to the caller, who decides whether to go on.
package device

import (
	"fmt"
	"log/slog"

	"lautenbacher.net/bwrelay/bus"
	"lautenbacher.net/bwrelay/metrics"
	"lautenbacher.net/bwrelay/relay"
)

const (
	// DefaultAddress is the SPI address of the relay card.
	DefaultAddress = 0xA6
	// DefaultRegister is the register of the card's DIO controller
	// holding the relay outputs.
	DefaultRegister = 0x10
)

const FRAME_SIZE = 3

type Driver struct {
	transport bus.Transport
	address   byte
	register  byte
	state     *relay.State
}

// New wraps an open transport. The relay state starts all off; the card
// is not written until the first change.
func New(transport bus.Transport, address, register byte, relays int) *Driver {
	return &Driver{
		transport: transport,
		address:   address,
		register:  register,
		state:     relay.NewState(relays),
	}
}

func (d *Driver) Relays() int {
	return d.state.Channels()
}

func (d *Driver) SwitchOn(relayID int) error {
	return d.SwitchState(relayID, true)
}

func (d *Driver) SwitchOff(relayID int) error {
	return d.SwitchState(relayID, false)
}

func (d *Driver) SwitchState(relayID int, on bool) error {
	if err := d.state.CheckChannel(relayID); err != nil {
		return err
	}
	d.state.Assign(relayID, on)
	return d.update()
}

func (d *Driver) AllOn() error {
	d.state.AllOn()
	return d.update()
}

func (d *Driver) AllOff() error {
	d.state.AllOff()
	return d.update()
}

func (d *Driver) GetState() relay.Bits {
	return d.state.Get()
}

func (d *Driver) SetState(bits relay.Bits) error {
	d.state.Restore(bits)
	return d.update()
}

// Frame returns the frame that writes bits to the card.
func (d *Driver) Frame(bits relay.Bits) [FRAME_SIZE]byte {
	return [FRAME_SIZE]byte{d.address, d.register, byte(bits)}
}

// Close releases the transport.
func (d *Driver) Close() error {
	return d.transport.Close()
}

// update synchronizes the card with the local state.
func (d *Driver) update() error {
	bits := d.state.Get()
	frame := d.Frame(bits)
	slog.Debug("SPI frame", "address", frame[0], "register", frame[1], "state", bits)

	metrics.BusTransfers.Inc()
	if _, err := d.transport.Exchange(frame[:]); err != nil {
		metrics.BusErrors.Inc()
		return fmt.Errorf("writing relay state %s: %w", bits, err)
	}
	metrics.ObserveState(d.state.Channels(), uint8(bits))
	return nil
}
