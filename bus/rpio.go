package bus

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/stianeikeland/go-rpio/v4"
)

// rpioTransport drives the SPI0 controller through /dev/gpiomem. The
// spidev path in the config only selects the chip select line.
type rpioTransport struct {
	open bool
}

func openRpio(conf Config) (Transport, error) {
	cs, err := chipSelect(conf.Device)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigure, err)
	}

	slog.Info("Initialise SPI using go-rpio", "chipselect", cs, "frequency", conf.Frequency)
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	if err := rpio.SpiBegin(rpio.Spi0); err != nil {
		rpio.Close()
		return nil, fmt.Errorf("%w: %w", ErrConfigure, err)
	}
	rpio.SpiSpeed(conf.Frequency)
	rpio.SpiMode(0, 0)
	rpio.SpiChipSelect(cs)

	return &rpioTransport{open: true}, nil
}

// chipSelect extracts the chip select from a /dev/spidevB.C path. Only
// bus 0 is reachable through go-rpio.
func chipSelect(device string) (uint8, error) {
	name := strings.TrimPrefix(device, "/dev/spidev")
	busNum, csNum, found := strings.Cut(name, ".")
	if !found || name == device {
		return 0, fmt.Errorf("%q is not a spidev path", device)
	}
	if busNum != "0" {
		return 0, fmt.Errorf("go-rpio only supports SPI bus 0, got %q", device)
	}
	cs, err := strconv.ParseUint(csNum, 10, 8)
	if err != nil || cs > 2 {
		return 0, fmt.Errorf("invalid chip select in %q", device)
	}
	return uint8(cs), nil
}

func (t *rpioTransport) Exchange(write []byte) ([]byte, error) {
	if !t.open {
		return nil, fmt.Errorf("%w: transport closed", ErrTransfer)
	}
	// SpiExchange works in place.
	buf := make([]byte, len(write))
	copy(buf, write)
	rpio.SpiExchange(buf)
	return buf, nil
}

func (t *rpioTransport) Close() error {
	if !t.open {
		return nil
	}
	t.open = false
	rpio.SpiEnd(rpio.Spi0)
	return rpio.Close()
}
