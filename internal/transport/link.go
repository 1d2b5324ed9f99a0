// Package transport owns the physical Modbus connection of one gateway
// device. A Link serializes every request over the wire (RS-485 is
// half-duplex and most RTU/TCP gateways cannot interleave), retries
// transient faults within a per-call budget, and surfaces slave exceptions
// without retrying them.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	mb "github.com/goburrow/modbus"
	"github.com/goburrow/serial"

	"github.com/SSAher3499/ecofarmlogix-engine/internal/model"
)

// Errors a request can fail with. Timeout and framing errors are transient
// and retried; a SlaveError means the device understood and refused, which
// is a configuration fault.
var (
	ErrTimeout = errors.New("transport: request timed out")
	ErrFraming = errors.New("transport: framing error")
)

// SlaveError wraps a Modbus exception response.
type SlaveError struct {
	Code  byte
	cause error
}

func (e *SlaveError) Error() string {
	return fmt.Sprintf("transport: slave exception %d: %v", e.Code, e.cause)
}

func (e *SlaveError) Unwrap() error { return e.cause }

// Config describes one physical link.
type Config struct {
	Protocol string // modbus-rtu | modbus-tcp

	// TCP
	Host string
	Port int

	// RTU
	SerialPort string
	BaudRate   int
	DataBits   int
	StopBits   int
	Parity     string

	Timeout time.Duration // per attempt
	Retries int           // extra attempts after the first
}

// ConfigFromDevice builds a link config from a gateway device record.
func ConfigFromDevice(d *model.Device) Config {
	return Config{
		Protocol:   d.Protocol,
		Host:       d.Host,
		Port:       d.Port,
		SerialPort: d.SerialPort,
		BaudRate:   d.BaudRate,
		DataBits:   d.DataBits,
		StopBits:   d.StopBits,
		Parity:     d.Parity,
		Timeout:    d.Timeout,
		Retries:    d.RetryCount,
	}
}

// clientHandler joins the goburrow packet/transporter interface with the
// lifecycle methods the concrete handlers expose.
type clientHandler interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

// Link is one open connection. All reads and writes for the device's
// sensors and actuators go through it, one at a time in arrival order.
type Link struct {
	mu       sync.Mutex
	handler  clientHandler
	setSlave func(uint8)
	client   mb.Client
	cfg      Config
	addr     string
}

// Open builds and connects the handler for the configured protocol.
// The returned link must be closed when the device is deleted or the
// process shuts down, releasing the underlying port.
func Open(cfg Config) (*Link, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	l := &Link{cfg: cfg}
	switch strings.ToLower(strings.TrimSpace(cfg.Protocol)) {
	case "modbus-tcp", "tcp":
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		h := mb.NewTCPClientHandler(addr)
		h.Timeout = timeout
		l.handler = h
		l.setSlave = func(id uint8) { h.SlaveId = id }
		l.addr = addr
	case "modbus-rtu", "rtu":
		port := strings.TrimSpace(cfg.SerialPort)
		if port == "" {
			return nil, fmt.Errorf("serial_port is required for RTU")
		}
		h := mb.NewRTUClientHandler(port)
		applySerialDefaults(h, cfg)
		h.Timeout = timeout
		l.handler = h
		l.setSlave = func(id uint8) { h.SlaveId = id }
		l.addr = port
	default:
		return nil, fmt.Errorf("protocol %s not implemented", cfg.Protocol)
	}

	if err := l.handler.Connect(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", l.addr, err)
	}
	l.client = mb.NewClient(l.handler)
	return l, nil
}

// Addr returns a human-readable connection address for logs.
func (l *Link) Addr() string { return l.addr }

// Close releases the connection and the underlying port.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handler == nil {
		return nil
	}
	return l.handler.Close()
}

// Request reads count registers/bits from the given slave using function
// codes 1-4 and returns the payload as 16-bit words (bit reads yield 0/1
// words). Retries transient errors up to the link's budget.
func (l *Link) Request(ctx context.Context, slaveID uint8, functionCode uint8, address, count uint16) ([]uint16, error) {
	var words []uint16
	err := l.do(ctx, slaveID, func() error {
		var data []byte
		var err error
		switch functionCode {
		case 1:
			data, err = l.client.ReadCoils(address, count)
		case 2:
			data, err = l.client.ReadDiscreteInputs(address, count)
		case 3:
			data, err = l.client.ReadHoldingRegisters(address, count)
		case 4:
			data, err = l.client.ReadInputRegisters(address, count)
		default:
			return fmt.Errorf("unsupported function code %d", functionCode)
		}
		if err != nil {
			return err
		}
		if functionCode <= 2 {
			words = bitWords(data, count)
		} else {
			words = registerWords(data)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return words, nil
}

// WriteCoil writes a single coil on the given slave.
func (l *Link) WriteCoil(ctx context.Context, slaveID uint8, address uint16, on bool) error {
	var value uint16
	if on {
		value = 0xFF00
	}
	return l.do(ctx, slaveID, func() error {
		_, err := l.client.WriteSingleCoil(address, value)
		return err
	})
}

// WriteRegisters writes one or more holding registers on the given slave.
func (l *Link) WriteRegisters(ctx context.Context, slaveID uint8, address uint16, words []uint16) error {
	return l.do(ctx, slaveID, func() error {
		if len(words) == 1 {
			_, err := l.client.WriteSingleRegister(address, words[0])
			return err
		}
		data := make([]byte, 0, len(words)*2)
		for _, w := range words {
			data = append(data, byte(w>>8), byte(w))
		}
		_, err := l.client.WriteMultipleRegisters(address, uint16(len(words)), data)
		return err
	})
}

// do runs op under the link mutex with the retry policy applied: transient
// errors retry up to cfg.Retries additional attempts, slave exceptions and
// context cancellation return immediately.
func (l *Link) do(ctx context.Context, slaveID uint8, op func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.setSlave != nil {
		l.setSlave(slaveID)
	}

	attempts := l.cfg.Retries + 1
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = op()
		if err == nil {
			return nil
		}
		err = classify(err)
		var se *SlaveError
		if errors.As(err, &se) {
			return err
		}
	}
	return err
}

// classify maps raw client errors onto the transport taxonomy.
func classify(err error) error {
	var me *mb.ModbusError
	if errors.As(err, &me) {
		return &SlaveError{Code: me.ExceptionCode, cause: me}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	// RTU reads time out with the serial package's own sentinel.
	if errors.Is(err, serial.ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if os.IsTimeout(err) || errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrFraming, err)
}

// registerWords converts a big-endian register payload to words.
func registerWords(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = uint16(data[i*2])<<8 | uint16(data[i*2+1])
	}
	return out
}

// bitWords unpacks a coil/discrete-input payload into 0/1 words.
func bitWords(data []byte, count uint16) []uint16 {
	out := make([]uint16, count)
	for i := uint16(0); i < count; i++ {
		byteIdx := int(i / 8)
		if byteIdx < len(data) && data[byteIdx]&(1<<(i%8)) != 0 {
			out[i] = 1
		}
	}
	return out
}
