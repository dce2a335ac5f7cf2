package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const CONFILE = "bwrelay.yml"

type Config struct {
	Hardware HardwareConfig `yaml:"Hardware"`
	Channel  ChannelConfig  `yaml:"Channel"`
	Logging  LoggingConfig  `yaml:"Logging"`
	Metrics  MetricsConfig  `yaml:"Metrics"`
	MQTT     MQTTConfig     `yaml:"MQTT"`
}

type HardwareConfig struct {
	// SPILibrary selects the bus backend: "periph.io" or "rpio".
	SPILibrary   string `yaml:"SPILibrary"`
	SPIDevice    string `yaml:"SPIDevice"`
	SPIFrequency int    `yaml:"SPIFrequency"`
	// Address and Register of the relay card on the BitWizard SPI bus.
	Address  byte `yaml:"Address"`
	Register byte `yaml:"Register"`
	Relays   int  `yaml:"Relays"`
}

type ChannelConfig struct {
	Name         string        `yaml:"Name"`
	SendTimeout  time.Duration `yaml:"SendTimeout"`
	DrainOnStart bool          `yaml:"DrainOnStart"`
}

type LogConfig struct {
	Level   string `yaml:"Level"`
	Format  string `yaml:"Format"`
	File    string `yaml:"File"`
	Journal bool   `yaml:"Journal"`
}

type LoggingConfig struct {
	TUI    LogConfig `yaml:"TUI"`
	Daemon LogConfig `yaml:"Daemon"`
	Client LogConfig `yaml:"Client"`
}

type MetricsConfig struct {
	Listen string `yaml:"Listen"`
}

type MQTTConfig struct {
	Broker      string `yaml:"Broker"`
	ClientID    string `yaml:"ClientID"`
	Username    string `yaml:"Username"`
	Password    string `yaml:"Password"`
	TopicPrefix string `yaml:"TopicPrefix"`
	QoS         byte   `yaml:"QoS"`
}

func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// Default returns the settings of the reference setup: one BitWizard
// relay card on /dev/spidev0.0.
func Default() Config {
	return Config{
		Hardware: HardwareConfig{
			SPILibrary:   "periph.io",
			SPIDevice:    "/dev/spidev0.0",
			SPIFrequency: 61000,
			Address:      0xA6,
			Register:     0x10,
			Relays:       4,
		},
		Channel: ChannelConfig{
			Name:         "/bw_spi_relay",
			SendTimeout:  2 * time.Second,
			DrainOnStart: true,
		},
		Logging: LoggingConfig{
			TUI:    LogConfig{Level: "DEBUG", Format: "text", File: "/tmp/bwrelay-tui.log"},
			Daemon: LogConfig{Level: "INFO", Format: "text", Journal: true},
			Client: LogConfig{Level: "WARN", Format: "text"},
		},
		MQTT: MQTTConfig{
			ClientID:    "bwrelay",
			TopicPrefix: "bwrelay",
		},
	}
}

// ReadConfig overlays the YAML file cfile onto the defaults and
// validates the result. An empty cfile yields the validated defaults.
func ReadConfig(cfile string) (Config, error) {
	conf := Default()
	if cfile == "" {
		return conf, conf.Validate()
	}
	data, err := os.ReadFile(cfile)
	if err != nil {
		return Config{}, fmt.Errorf("can't read config file %s: %w", cfile, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&conf); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("can't decode config file %s: %w", cfile, err)
	}
	if err := conf.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config file %s: %w", cfile, err)
	}
	return conf, nil
}

// Validate checks the configuration for consistency and returns the
// collected problems as one error.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Hardware.SPILibrary) {
	case "periph.io", "rpio":
	default:
		errs = append(errs, fmt.Errorf("Hardware.SPILibrary must be periph.io or rpio, got %q", c.Hardware.SPILibrary))
	}
	if c.Hardware.SPIDevice == "" {
		errs = append(errs, errors.New("Hardware.SPIDevice must not be empty"))
	}
	if c.Hardware.SPIFrequency <= 0 {
		errs = append(errs, fmt.Errorf("Hardware.SPIFrequency must be positive, got %d", c.Hardware.SPIFrequency))
	}
	if c.Hardware.Relays < 1 || c.Hardware.Relays > 8 {
		errs = append(errs, fmt.Errorf("Hardware.Relays must be between 1 and 8, got %d", c.Hardware.Relays))
	}

	if !strings.HasPrefix(c.Channel.Name, "/") || strings.Count(c.Channel.Name, "/") != 1 || len(c.Channel.Name) < 2 {
		errs = append(errs, fmt.Errorf("Channel.Name must look like /name, got %q", c.Channel.Name))
	}
	if c.Channel.SendTimeout < 0 {
		errs = append(errs, fmt.Errorf("Channel.SendTimeout must not be negative, got %s", c.Channel.SendTimeout))
	}

	for name, lc := range map[string]LogConfig{"TUI": c.Logging.TUI, "Daemon": c.Logging.Daemon, "Client": c.Logging.Client} {
		if !validLevel(lc.Level) {
			errs = append(errs, fmt.Errorf("Logging.%s.Level %q is not one of DEBUG, INFO, WARN, ERROR", name, lc.Level))
		}
		switch strings.ToLower(lc.Format) {
		case "text", "json":
		default:
			errs = append(errs, fmt.Errorf("Logging.%s.Format must be text or json, got %q", name, lc.Format))
		}
	}

	if c.MQTT.Enabled() {
		if c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("MQTT.QoS must be 0, 1 or 2, got %d", c.MQTT.QoS))
		}
		if c.MQTT.TopicPrefix == "" || strings.ContainsAny(c.MQTT.TopicPrefix, "#+") {
			errs = append(errs, fmt.Errorf("MQTT.TopicPrefix %q is not a valid topic prefix", c.MQTT.TopicPrefix))
		}
	}

	return errors.Join(errs...)
}

func validLevel(level string) bool {
	switch strings.ToUpper(level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
		return true
	}
	return false
}
