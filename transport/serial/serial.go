// Package serial opens the UART that connects the host to the ESP8266 modem.
//
// The modem speaks 8N1 at 115200 baud out of the box. The returned Port is
// an io.ReadWriteCloser and is handed to the byte channel, which owns it
// from then on.
package serial

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate is the ESP8266 AT firmware's factory baud rate.
const DefaultBaudRate = 115200

var (
	// ErrNoPort is returned when Config.Port is empty.
	ErrNoPort = errors.New("serial port is required")
	// ErrNoPorts is returned by Detect when no serial ports exist.
	ErrNoPorts = errors.New("no serial ports found")
)

// Config holds the configuration for the modem serial line.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0" or "COM3").
	Port string
	// BaudRate is the serial baud rate. Defaults to 115200.
	BaudRate int
	// ReadTimeout makes reads return early with no data. Zero blocks until
	// data arrives or the port is closed.
	ReadTimeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Port is an open modem serial line.
type Port struct {
	serial.Port
	name string
	log  *slog.Logger
}

// Mode returns the line settings for cfg: 8 data bits, no parity, one stop bit.
func (cfg Config) Mode() *serial.Mode {
	baud := cfg.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Open opens the serial port described by cfg and discards anything the
// modem sent before the port was opened.
func Open(cfg Config) (*Port, error) {
	if cfg.Port == "" {
		return nil, ErrNoPort
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.WithGroup("serial")

	mode := cfg.Mode()
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", cfg.Port, err)
	}

	if cfg.ReadTimeout > 0 {
		if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("setting read timeout: %w", err)
		}
	}
	if err := port.ResetInputBuffer(); err != nil {
		log.Warn("failed to reset input buffer", "error", err)
	}

	log.Info("opened serial port", "port", cfg.Port, "baud", mode.BaudRate)

	return &Port{Port: port, name: cfg.Port, log: log}, nil
}

// Name returns the path the port was opened with.
func (p *Port) Name() string {
	return p.name
}

// Close closes the port.
func (p *Port) Close() error {
	err := p.Port.Close()
	p.log.Info("closed serial port", "port", p.name)
	return err
}

// List returns the serial ports present on the system.
func List() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("listing serial ports: %w", err)
	}
	return ports, nil
}

// Detect returns the first serial port on the system.
func Detect() (string, error) {
	ports, err := List()
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		return "", ErrNoPorts
	}
	return ports[0], nil
}
