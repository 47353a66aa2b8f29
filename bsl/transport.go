package bsl

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/gicking/stm8gal-sub000/serial"
	"github.com/gicking/stm8gal-sub000/serial/spi"
)

// Interface is the physical bootloader interface.
type Interface int

const (
	UART Interface = iota
	SPI
)

// UARTMode is the UART bootloader mode (see AppNote UM0560).
type UARTMode int

const (
	// ModeDuplex is full-duplex 2-wire UART, even parity.
	ModeDuplex UARTMode = iota
	// ModeOneWire is 1-wire UART with local echo, no parity. Every
	// transmitted byte is looped back and must be consumed.
	ModeOneWire
	// ModeTwoWireReply is 2-wire UART reply mode, no parity. The host
	// must echo every received byte back to the target.
	ModeTwoWireReply
)

func (m UARTMode) String() string {
	switch m {
	case ModeDuplex:
		return "duplex"
	case ModeOneWire:
		return "1-wire"
	case ModeTwoWireReply:
		return "2-wire reply"
	}
	return fmt.Sprintf("UARTMode(%d)", int(m))
}

// Parity requested on the transport. SPI transports ignore it.
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
)

// TimeoutError is returned by Receive when fewer bytes than requested
// arrived within the configured timeout. Got carries the partial count for
// framing diagnostics.
type TimeoutError struct {
	Expected int
	Got      int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("receive timeout (expect %d, received %d)", e.Expected, e.Got)
}

// ShortWriteError is returned by Send when the device accepted fewer bytes
// than requested.
type ShortWriteError struct {
	Expected int
	Sent     int
}

func (e *ShortWriteError) Error() string {
	return fmt.Sprintf("short write (expect %d, sent %d)", e.Expected, e.Sent)
}

// ErrBadEcho is returned when the 1-wire local echo cannot be read back.
var ErrBadEcho = errors.New("1-wire echo readback failed")

// Transport is a bidirectional byte channel to the target bootloader.
// Implementations handle the mode-specific echo rules so that callers only
// ever see genuine responses.
type Transport interface {
	// Send transmits the full buffer or fails.
	Send(data []byte) error
	// Receive blocks up to the configured timeout and returns exactly n
	// bytes, or the bytes that did arrive wrapped in a TimeoutError.
	Receive(n int) ([]byte, error)
	// Flush discards all pending input and output.
	Flush() error
	SetTimeout(d time.Duration)
	Timeout() time.Duration
	SetParity(p Parity) error
	Interface() Interface
}

// wire is the subset of serial.Port the UART transport drives.
type wire interface {
	Write(data []byte) (int, error)
	ReadTimeout(data []byte, timeout time.Duration) (int, error)
	Flush(queue serial.Queue) error
	SetParity(parity serial.Parity) error
}

// UARTTransport drives the bootloader over a serial port in one of the
// three UART modes.
type UARTTransport struct {
	port    wire
	mode    UARTMode
	timeout time.Duration
}

// NewUARTTransport wraps an already opened, raw-mode serial port.
func NewUARTTransport(port *serial.Port, mode UARTMode) *UARTTransport {
	return newUARTTransport(port, mode)
}

func newUARTTransport(port wire, mode UARTMode) *UARTTransport {
	return &UARTTransport{
		port:    port,
		mode:    mode,
		timeout: time.Second,
	}
}

func (t *UARTTransport) Interface() Interface {
	return UART
}

func (t *UARTTransport) Mode() UARTMode {
	return t.mode
}

// SetMode switches the UART bootloader mode. Pending input is flushed so
// bytes received under the old echo rules cannot straddle the change.
func (t *UARTTransport) SetMode(mode UARTMode) {
	t.mode = mode
	t.port.Flush(serial.TCIOFLUSH)
}

func (t *UARTTransport) SetTimeout(d time.Duration) {
	t.timeout = d
}

func (t *UARTTransport) Timeout() time.Duration {
	return t.timeout
}

func (t *UARTTransport) SetParity(p Parity) error {
	switch p {
	case ParityEven:
		return t.port.SetParity(serial.ParityEven)
	default:
		return t.port.SetParity(serial.ParityNone)
	}
}

func (t *UARTTransport) Flush() error {
	return t.port.Flush(serial.TCIOFLUSH)
}

func (t *UARTTransport) Send(data []byte) error {
	n, err := t.port.Write(data)
	if err != nil {
		return fmt.Errorf("uart send: %w", err)
	}
	if n != len(data) {
		return &ShortWriteError{Expected: len(data), Sent: n}
	}

	// consume and discard the local echo on the 1-wire interface
	if t.mode == ModeOneWire {
		if _, err := t.receive(n, false); err != nil {
			return fmt.Errorf("%w: %v", ErrBadEcho, err)
		}
	}
	return nil
}

func (t *UARTTransport) Receive(n int) ([]byte, error) {
	return t.receive(n, t.mode == ModeTwoWireReply)
}

func (t *UARTTransport) receive(n int, reply bool) ([]byte, error) {
	buf := make([]byte, n)
	received := 0
	for received < n {
		got, err := t.port.ReadTimeout(buf[received:], t.timeout)
		if err != nil {
			if isTimeout(err) || got == 0 {
				return buf[:received], &TimeoutError{Expected: n, Got: received}
			}
			return buf[:received], fmt.Errorf("uart receive: %w", err)
		}
		if got == 0 {
			return buf[:received], &TimeoutError{Expected: n, Got: received}
		}

		// in reply mode the target waits for each byte to be echoed back
		if reply {
			for i := received; i < received+got; i++ {
				if _, err := t.port.Write(buf[i : i+1]); err != nil {
					return buf[:received], fmt.Errorf("uart reply echo: %w", err)
				}
			}
		}
		received += got
	}
	return buf, nil
}

func isTimeout(err error) bool {
	return os.IsTimeout(err) || errors.Is(err, syscall.ETIMEDOUT) || errors.Is(err, syscall.EAGAIN)
}

// SPITransport drives the bootloader over a spidev device. Receiving clocks
// out zero bytes; programming delays between frames are inserted by the
// client, not here.
type SPITransport struct {
	dev     *spi.Device
	timeout time.Duration
}

func NewSPITransport(dev *spi.Device) *SPITransport {
	return &SPITransport{
		dev:     dev,
		timeout: time.Second,
	}
}

func (t *SPITransport) Interface() Interface {
	return SPI
}

func (t *SPITransport) SetTimeout(d time.Duration) {
	t.timeout = d
}

func (t *SPITransport) Timeout() time.Duration {
	return t.timeout
}

// SetParity is a no-op: SPI has no character parity.
func (t *SPITransport) SetParity(Parity) error {
	return nil
}

// Flush is a no-op: SPI transfers are host-clocked, nothing is pending.
func (t *SPITransport) Flush() error {
	return nil
}

func (t *SPITransport) Send(data []byte) error {
	if _, err := t.dev.Tx(data); err != nil {
		return fmt.Errorf("spi send: %w", err)
	}
	return nil
}

func (t *SPITransport) Receive(n int) ([]byte, error) {
	read, err := t.dev.Tx(make([]byte, n))
	if err != nil {
		return nil, fmt.Errorf("spi receive: %w", err)
	}
	return read, nil
}
