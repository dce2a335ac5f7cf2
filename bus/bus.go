// Package bus talks to SPI peripherals. A Transport performs one
// synchronous full-duplex exchange per call and is owned by exactly one
// goroutine; nothing in here serializes concurrent callers.
package bus

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrOpen      = errors.New("cannot open the SPI device")
	ErrConfigure = errors.New("cannot configure the SPI device")
	ErrTransfer  = errors.New("cannot send data over SPI")
)

// Transport is an SPI connection.
type Transport interface {
	// Exchange clocks out write and returns the bytes clocked in at the
	// same time. The result has the length of write.
	Exchange(write []byte) ([]byte, error)
	Close() error
}

// Config describes how to reach the SPI device.
type Config struct {
	// Library is "periph.io" or "rpio".
	Library string
	// Device is the spidev node, e.g. /dev/spidev0.0.
	Device string
	// Frequency is the maximum clock in Hz. The BitWizard boards get
	// unreliable well above 60 kHz.
	Frequency int
}

// Open opens the transport selected by conf.Library.
func Open(conf Config) (Transport, error) {
	switch strings.ToLower(conf.Library) {
	case "periph.io", "":
		return openPeriph(conf)
	case "rpio":
		return openRpio(conf)
	default:
		return nil, fmt.Errorf("%w: unknown SPI library %q", ErrOpen, conf.Library)
	}
}
