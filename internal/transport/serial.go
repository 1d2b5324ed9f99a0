package transport

import (
	"fmt"
	"time"

	mb "github.com/goburrow/modbus"
	"github.com/goburrow/serial"
)

// applySerialDefaults fills the RTU handler from the config, falling back to
// the common 9600-8-N-1 framing when fields are unset.
func applySerialDefaults(h *mb.RTUClientHandler, cfg Config) {
	h.BaudRate = cfg.BaudRate
	if h.BaudRate <= 0 {
		h.BaudRate = 9600
	}
	h.DataBits = cfg.DataBits
	if h.DataBits <= 0 {
		h.DataBits = 8
	}
	h.StopBits = cfg.StopBits
	if h.StopBits <= 0 {
		h.StopBits = 1
	}
	h.Parity = cfg.Parity
	if h.Parity == "" {
		h.Parity = "N"
	}
}

// ProbePort opens and immediately closes the configured serial port. Used to
// validate an RTU device configuration before its polling loop starts, so a
// bad port name is reported as a configuration error rather than a stream of
// poll timeouts.
func ProbePort(cfg Config) error {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	sc := &serial.Config{
		Address:  cfg.SerialPort,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  timeout,
	}
	if sc.BaudRate <= 0 {
		sc.BaudRate = 9600
	}
	if sc.DataBits <= 0 {
		sc.DataBits = 8
	}
	if sc.StopBits <= 0 {
		sc.StopBits = 1
	}
	if sc.Parity == "" {
		sc.Parity = "N"
	}
	port, err := serial.Open(sc)
	if err != nil {
		return fmt.Errorf("probe serial port %s: %w", cfg.SerialPort, err)
	}
	return port.Close()
}
