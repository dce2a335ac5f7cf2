package bus

import (
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

type periphTransport struct {
	port spi.PortCloser
	conn spi.Conn
}

func openPeriph(conf Config) (Transport, error) {
	slog.Info("Initialise SPI using periph.io", "device", conf.Device, "frequency", conf.Frequency)
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("%w: failed to init periph: %w", ErrOpen, err)
	}

	port, err := spireg.Open(conf.Device)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, conf.Device, err)
	}

	// Mode 0: clock idle low, sample on the leading edge. 8 bits per word.
	conn, err := port.Connect(physic.Frequency(conf.Frequency)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConfigure, conf.Device, err)
	}

	return &periphTransport{port: port, conn: conn}, nil
}

func (t *periphTransport) Exchange(write []byte) ([]byte, error) {
	read := make([]byte, len(write))
	if err := t.conn.Tx(write, read); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	return read, nil
}

func (t *periphTransport) Close() error {
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}
