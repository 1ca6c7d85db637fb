package espmount

import (
	"fmt"
	"log"

	"github.com/tarm/serial"
)

// DefaultBaud is the line rate of the mount's USB serial bridge.
const DefaultBaud = 115200

// SerialConfig describes a local serial connection to a mount.
type SerialConfig struct {
	// Port is the device path, e.g. "/dev/ttyUSB0".
	Port string
	// Baud defaults to DefaultBaud.
	Baud int
}

// Open opens the serial port in cfg and returns a Conn using it.
func Open(cfg SerialConfig) (*Conn, error) {
	baud := cfg.Baud
	if baud == 0 {
		baud = DefaultBaud
	}
	// Reads block; response timeouts are enforced by Conn.
	s, err := serial.OpenPort(&serial.Config{Name: cfg.Port, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", cfg.Port, err)
	}
	log.Printf("opened %q", cfg.Port)
	return New(s), nil
}
