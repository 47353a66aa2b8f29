// Package bsl talks to the STM8 ROM bootloader over UART or SPI: device
// identification, RAM routine upload, memory read/write/verify, flash
// erase and handing off execution (see AppNote UM0560).
package bsl

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gicking/stm8gal-sub000/memimg"
)

// Wire protocol constants.
const (
	SYNCH = 0x7F // synchronization byte for baud detection and handshake
	ACK   = 0x79 // positive acknowledge
	NACK  = 0x1F // negative acknowledge

	cmdGet   = 0x00
	cmdRead  = 0x11
	cmdGo    = 0x21
	cmdWrite = 0x31
	cmdErase = 0x43
)

// Target flash layout.
const (
	// PFlashStart is the starting address of program flash, identical on
	// all STM8 devices.
	PFlashStart = 0x8000
	// PFlashBlockSize is the flash block size for erase and block write.
	PFlashBlockSize = 1024
)

// flashPageSize is the maximum write length; writes aligned to it program
// faster on the target.
const flashPageSize = 128

const (
	defaultTimeout    = time.Second
	syncTimeout       = 100 * time.Millisecond
	syncAttempts      = 50
	syncRetryDelay    = 10 * time.Millisecond
	probeTimeout      = 200 * time.Millisecond
	sectorEraseWindow = 1200 * time.Millisecond
	massEraseWindow   = 10 * time.Second
)

// Family is the STM8 device family.
type Family int

const (
	STM8S Family = iota + 1
	STM8L
)

func (f Family) String() string {
	switch f {
	case STM8S:
		return "STM8S"
	case STM8L:
		return "STM8L"
	}
	return fmt.Sprintf("Family(%d)", int(f))
}

// Device describes a probed target: family, flash size and bootloader
// version. It keys the selection of the RAM routines.
type Device struct {
	Family  Family
	FlashKB int
	Version uint8
}

func (d Device) String() string {
	return fmt.Sprintf("%s, %dkB flash, BSL v%X.%X", d.Family, d.FlashKB, d.Version>>4, d.Version&0x0F)
}

// AckError reports an unexpected byte where an ACK was required.
type AckError struct {
	Stage  string // cmd-opcode, address, count, data or sync
	Actual byte
}

func (e *AckError) Error() string {
	return fmt.Sprintf("%s: ACK failure (expect 0x%02X, received 0x%02X)", e.Stage, byte(ACK), e.Actual)
}

// SyncError reports an exhausted synchronization retry budget.
type SyncError struct {
	Attempts int
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("no response from bootloader after %d sync attempts", e.Attempts)
}

// ErrModeDetect is returned when the UART mode cannot be determined.
var ErrModeDetect = errors.New("cannot determine UART mode")

// UnknownDeviceError reports that no probe address answered.
type UnknownDeviceError struct {
	Tried []memimg.Addr
}

func (e *UnknownDeviceError) Error() string {
	return fmt.Sprintf("cannot identify device (probed %d addresses)", len(e.Tried))
}

// RoutineError reports a device for which no RAM routine is bundled.
type RoutineError struct {
	Family  Family
	FlashKB int
	Version uint8
}

func (e *RoutineError) Error() string {
	return fmt.Sprintf("no RAM routines for %s %dkB BSL v%X.%X", e.Family, e.FlashKB, e.Version>>4, e.Version&0x0F)
}

// VerifyError reports the first mismatch of a readback verification.
type VerifyError struct {
	Address  memimg.Addr
	Expected byte
	Got      byte
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify failed at address 0x%04X (expect 0x%02X, read 0x%02X)", uint64(e.Address), e.Expected, e.Got)
}

// ErrTargetRunning is returned when a bootloader command is issued after a
// jump handed execution to the application.
var ErrTargetRunning = errors.New("target left the bootloader, re-sync required")

type state int

const (
	stateCreated state = iota
	stateSynced
	stateReady
	stateJumped
)

// Client is a session with the ROM bootloader on a single target. It owns
// the transport for the duration of the session and is not safe for
// concurrent use.
type Client struct {
	tr    Transport
	log   logrus.FieldLogger
	state state
}

// NewClient wraps a BSL-ready transport. The log may be nil, in which case
// the logrus standard logger is used.
func NewClient(tr Transport, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{tr: tr, log: log}
}

// Transport returns the underlying transport.
func (c *Client) Transport() Transport {
	return c.tr
}

// uartModeTransport is the extra surface of UART transports: the
// bootloader mode is detected at run time and switched on the fly.
type uartModeTransport interface {
	Transport
	Mode() UARTMode
	SetMode(UARTMode)
}

func (c *Client) uartMode() uartModeTransport {
	if c.tr.Interface() != UART {
		return nil
	}
	t, _ := c.tr.(uartModeTransport)
	return t
}

func cmdFrame(op byte) []byte {
	return []byte{op, op ^ 0xFF}
}

func addrFrame(addr memimg.Addr) []byte {
	b := []byte{
		byte(addr >> 24),
		byte(addr >> 16),
		byte(addr >> 8),
		byte(addr),
		0,
	}
	b[4] = b[0] ^ b[1] ^ b[2] ^ b[3]
	return b
}

func (c *Client) checkState() error {
	if c.state == stateJumped {
		return ErrTargetRunning
	}
	return nil
}

// sendExpectACK sends a frame, optionally sleeps (SPI programming delays),
// and requires an ACK in response.
func (c *Client) sendExpectACK(stage string, frame []byte, wait time.Duration) error {
	if err := c.tr.Send(frame); err != nil {
		return fmt.Errorf("%s: %w", stage, err)
	}
	if wait > 0 && c.tr.Interface() == SPI {
		time.Sleep(wait)
	}
	rx, err := c.tr.Receive(1)
	if err != nil {
		return fmt.Errorf("%s: %w", stage, err)
	}
	if rx[0] != ACK {
		return &AckError{Stage: stage, Actual: rx[0]}
	}
	return nil
}

// Sync establishes communication with the bootloader by sending SYNCH
// bytes until an ACK or NACK arrives. A NACK also counts as success: the
// bootloader is listening but already past its initial handshake.
func (c *Client) Sync() error {
	isUART := c.tr.Interface() == UART
	if isUART {
		c.tr.Flush()
		c.tr.SetTimeout(syncTimeout)
		defer c.tr.SetTimeout(defaultTimeout)
	}

	tx := []byte{SYNCH}
	for attempt := 0; attempt < syncAttempts; attempt++ {
		if err := c.tr.Send(tx); err != nil {
			return fmt.Errorf("sync: %w", err)
		}

		rx, err := c.tr.Receive(1)
		// on UART the first byte may be the locally echoed SYNCH
		if isUART && err == nil && rx[0] == SYNCH {
			rx, err = c.tr.Receive(1)
		}
		if err == nil && (rx[0] == ACK || rx[0] == NACK) {
			c.state = stateSynced
			c.tr.Flush()
			if rx[0] == ACK {
				c.log.Debug("synchronized (ACK)")
			} else {
				c.log.Debug("synchronized (NACK)")
			}
			return nil
		}

		// avoid flooding the target
		time.Sleep(syncRetryDelay)
	}
	return &SyncError{Attempts: syncAttempts}
}

// DetectUARTMode transmits a deliberately bad command with even parity and
// classifies the reply: ACK means full duplex (even parity), an echo of the
// transmitted byte means 1-wire (no parity), NACK means 2-wire reply mode
// (no parity). The detected parity is applied before returning.
func (c *Client) DetectUARTMode() (UARTMode, error) {
	uart := c.uartMode()
	if uart == nil {
		return 0, errors.New("UART mode detection requires a UART transport")
	}

	c.tr.SetTimeout(syncTimeout)
	defer c.tr.SetTimeout(defaultTimeout)
	if err := c.tr.SetParity(ParityEven); err != nil {
		return 0, fmt.Errorf("detect UART mode: %w", err)
	}

	tx := []byte{0x00, 0xFF}
	var rx []byte
	var err error
	for attempt := 0; attempt < syncAttempts; attempt++ {
		if err = c.tr.Send(tx); err != nil {
			return 0, fmt.Errorf("detect UART mode: %w", err)
		}
		rx, err = c.tr.Receive(1)
		if err == nil {
			break
		}
		time.Sleep(syncRetryDelay)
	}
	if err != nil {
		return 0, ErrModeDetect
	}

	var mode UARTMode
	switch rx[0] {
	case ACK:
		mode = ModeDuplex
		err = c.tr.SetParity(ParityEven)
	case tx[0]:
		mode = ModeOneWire
		err = c.tr.SetParity(ParityNone)
	case NACK:
		mode = ModeTwoWireReply
		err = c.tr.SetParity(ParityNone)
	default:
		return 0, ErrModeDetect
	}
	if err != nil {
		return 0, fmt.Errorf("detect UART mode: %w", err)
	}

	uart.SetMode(mode)
	c.tr.Flush()
	c.log.WithField("mode", mode).Debug("UART mode detected")
	return mode, nil
}

// probe addresses: EEPROM bases identify the family, flash top addresses
// the flash size.
var (
	familyProbes = []struct {
		addr   memimg.Addr
		family Family
	}{
		{0x004000, STM8S},
		{0x001000, STM8L},
	}
	sizeProbes = []struct {
		addr    memimg.Addr
		flashKB int
	}{
		{0x047FFF, 256},
		{0x027FFF, 128},
		{0x017FFF, 64},
		{0x00FFFF, 32},
		{0x009FFF, 8},
	}
)

// GetInfo identifies the target: family and flash size by probing reads on
// candidate addresses, then bootloader version and command set via GET.
func (c *Client) GetInfo() (Device, error) {
	if err := c.checkState(); err != nil {
		return Device{}, err
	}
	c.tr.Flush()

	// lower the timeout while probing absent memory, restore afterwards
	if c.tr.Interface() == UART {
		prev := c.tr.Timeout()
		c.tr.SetTimeout(probeTimeout)
		defer c.tr.SetTimeout(prev)
	}

	var dev Device
	var tried []memimg.Addr
	for _, p := range familyProbes {
		ok, err := c.MemCheck(p.addr)
		if err != nil {
			return Device{}, fmt.Errorf("probe family: %w", err)
		}
		if ok {
			dev.Family = p.family
			break
		}
		tried = append(tried, p.addr)
	}
	if dev.Family == 0 {
		return Device{}, &UnknownDeviceError{Tried: tried}
	}

	for _, p := range sizeProbes {
		ok, err := c.MemCheck(p.addr)
		if err != nil {
			return Device{}, fmt.Errorf("probe flash size: %w", err)
		}
		if ok {
			dev.FlashKB = p.flashKB
			break
		}
		tried = append(tried, p.addr)
	}
	if dev.FlashKB == 0 {
		// the EEPROM answered, so there is a device; all flash top probes
		// rejecting means the smallest density
		dev.FlashKB = 8
	}

	if c.tr.Interface() == UART {
		c.tr.SetTimeout(defaultTimeout)
	}

	// query bootloader version and supported commands
	if err := c.tr.Send(cmdFrame(cmdGet)); err != nil {
		return Device{}, fmt.Errorf("get info: %w", err)
	}
	rx, err := c.tr.Receive(9)
	if err != nil {
		return Device{}, fmt.Errorf("get info: %w", err)
	}
	if rx[0] != ACK {
		return Device{}, &AckError{Stage: "cmd-opcode", Actual: rx[0]}
	}
	if rx[8] != ACK {
		return Device{}, &AckError{Stage: "data", Actual: rx[8]}
	}
	expected := []byte{cmdGet, cmdRead, cmdGo, cmdWrite, cmdErase}
	names := []string{"GET", "READ", "GO", "WRITE", "ERASE"}
	for i, want := range expected {
		if rx[3+i] != want {
			return Device{}, fmt.Errorf("get info: wrong %s code (expect 0x%02X, received 0x%02X)", names[i], want, rx[3+i])
		}
	}
	dev.Version = rx[2]

	c.state = stateReady
	c.log.WithFields(logrus.Fields{
		"family": dev.Family,
		"flash":  dev.FlashKB,
		"bsl":    fmt.Sprintf("v%X.%X", dev.Version>>4, dev.Version&0x0F),
	}).Info("device identified")
	return dev, nil
}

// MemCheck performs a probing read of a single byte. It reports false when
// the target NACKs the address phase (memory not present there); any other
// deviation from the expected sequence is an error.
func (c *Client) MemCheck(addr memimg.Addr) (bool, error) {
	if err := c.checkState(); err != nil {
		return false, err
	}

	if err := c.sendExpectACK("cmd-opcode", cmdFrame(cmdRead), 0); err != nil {
		return false, err
	}

	if err := c.tr.Send(addrFrame(addr)); err != nil {
		return false, fmt.Errorf("address: %w", err)
	}
	rx, err := c.tr.Receive(1)
	if err != nil {
		return false, fmt.Errorf("address: %w", err)
	}
	if rx[0] == NACK {
		// NACK here is the probe answer, not a failure
		return false, nil
	}
	if rx[0] != ACK {
		return false, &AckError{Stage: "address", Actual: rx[0]}
	}

	if err := c.tr.Send([]byte{0x00, 0xFF}); err != nil {
		return false, fmt.Errorf("count: %w", err)
	}
	rx, err = c.tr.Receive(2)
	if err != nil {
		return false, fmt.Errorf("count: %w", err)
	}
	if rx[0] != ACK {
		return false, &AckError{Stage: "count", Actual: rx[0]}
	}
	return true, nil
}

// readStep is the chunk size for memory reads, bounded by the SPI bridge
// framing.
const readStep = 128

// MemRead reads the closed interval [addrStart, addrStop] from the target
// into image.
func (c *Client) MemRead(addrStart, addrStop memimg.Addr, image *memimg.Image) error {
	if err := c.checkState(); err != nil {
		return err
	}
	if addrStart > addrStop {
		return memimg.RangeError{Start: addrStart, Stop: addrStop}
	}

	numBytes := uint64(addrStop - addrStart + 1)
	c.log.WithFields(logrus.Fields{
		"start": fmt.Sprintf("0x%04X", uint64(addrStart)),
		"stop":  fmt.Sprintf("0x%04X", uint64(addrStop)),
	}).Debugf("read %dB", numBytes)

	step := memimg.Addr(readStep)
	for addr := addrStart; addr <= addrStop; addr += step {
		if addr+step > addrStop {
			step = addrStop - addr + 1
		}

		if err := c.sendExpectACK("cmd-opcode", cmdFrame(cmdRead), 0); err != nil {
			return fmt.Errorf("read at 0x%04X: %w", uint64(addr), err)
		}
		if err := c.sendExpectACK("address", addrFrame(addr), 0); err != nil {
			return fmt.Errorf("read at 0x%04X: %w", uint64(addr), err)
		}

		n := byte(step - 1)
		if err := c.tr.Send([]byte{n, n ^ 0xFF}); err != nil {
			return fmt.Errorf("read at 0x%04X: count: %w", uint64(addr), err)
		}
		rx, err := c.tr.Receive(int(step) + 1)
		if err != nil {
			return fmt.Errorf("read at 0x%04X: data: %w", uint64(addr), err)
		}
		if rx[0] != ACK {
			return &AckError{Stage: "count", Actual: rx[0]}
		}
		for i, b := range rx[1:] {
			if err := image.Add(addr+memimg.Addr(i), b); err != nil {
				return err
			}
		}
	}
	return nil
}

// MemWrite uploads the image to the target via WRITE commands, block by
// block in pages of at most 128 bytes. Pages grow until either 128 bytes
// are queued or the next address is a multiple of 128, so that bulk data
// is programmed with the fast page-aligned path.
func (c *Client) MemWrite(image *memimg.Image) error {
	if err := c.checkState(); err != nil {
		return err
	}
	if image.Empty() {
		return nil
	}

	c.log.Debugf("write %dB in 0x%04X to 0x%04X", image.Len(),
		uint64(image.FirstAddr()), uint64(image.LastAddr()))

	addrBlock := memimg.Addr(0)
	for {
		idxStart, idxEnd, ok := image.NextBlock(addrBlock)
		if !ok {
			break
		}
		addrStart := image.At(idxStart).Address
		addrEnd := image.At(idxEnd).Address

		addrPage := addrStart
		for addrPage <= addrEnd {
			lenPage := 1
			for lenPage < flashPageSize &&
				addrPage+memimg.Addr(lenPage) <= addrEnd &&
				(addrPage+memimg.Addr(lenPage))%flashPageSize != 0 {
				lenPage++
			}

			if err := c.writePage(image, addrPage, lenPage); err != nil {
				return err
			}
			addrPage += memimg.Addr(lenPage)
		}

		addrBlock = addrEnd + 1
	}
	return nil
}

func (c *Client) writePage(image *memimg.Image, addrPage memimg.Addr, lenPage int) error {
	if err := c.sendExpectACK("cmd-opcode", cmdFrame(cmdWrite), 0); err != nil {
		return fmt.Errorf("write at 0x%04X: %w", uint64(addrPage), err)
	}
	if err := c.sendExpectACK("address", addrFrame(addrPage), 0); err != nil {
		return fmt.Errorf("write at 0x%04X: %w", uint64(addrPage), err)
	}

	frame := make([]byte, 0, lenPage+2)
	frame = append(frame, byte(lenPage-1))
	chk := byte(lenPage - 1)
	for i := 0; i < lenPage; i++ {
		value, _ := image.Get(addrPage + memimg.Addr(i))
		frame = append(frame, value)
		chk ^= value
	}
	frame = append(frame, chk)

	// the target is busy programming and answers only after the write
	// window; UART timeouts absorb this, SPI must wait before clocking
	// the ACK
	var wait time.Duration
	if addrPage >= PFlashStart {
		if addrPage%flashPageSize == 0 && lenPage == flashPageSize {
			wait = 20 * time.Millisecond
		} else {
			wait = 1200 * time.Millisecond
		}
	}
	if err := c.sendExpectACK("data", frame, wait); err != nil {
		return fmt.Errorf("write at 0x%04X: %w", uint64(addrPage), err)
	}
	return nil
}

// VerifyReadback reads every block of image back from the target and
// compares byte by byte.
func (c *Client) VerifyReadback(image *memimg.Image) error {
	if err := c.checkState(); err != nil {
		return err
	}

	scratch := memimg.New()
	addrBlock := memimg.Addr(0)
	for {
		idxStart, idxEnd, ok := image.NextBlock(addrBlock)
		if !ok {
			break
		}
		addrStart := image.At(idxStart).Address
		addrEnd := image.At(idxEnd).Address
		if err := c.MemRead(addrStart, addrEnd, scratch); err != nil {
			return err
		}
		addrBlock = addrEnd + 1
	}

	for i := 0; i < image.Len(); i++ {
		want := image.At(i)
		got, _ := scratch.Get(want.Address)
		if got != want.Data {
			return &VerifyError{Address: want.Address, Expected: want.Data, Got: got}
		}
	}
	c.log.Debug("readback verify passed")
	return nil
}

// EraseSector erases the 1 kB flash sector containing addr.
func (c *Client) EraseSector(addr memimg.Addr) error {
	if err := c.checkState(); err != nil {
		return err
	}
	sector := byte((addr - PFlashStart) / PFlashBlockSize)
	c.log.WithField("sector", sector).Debug("erase flash sector")

	if err := c.sendExpectACK("cmd-opcode", cmdFrame(cmdErase), 0); err != nil {
		return fmt.Errorf("erase sector: %w", err)
	}

	prev := c.tr.Timeout()
	c.tr.SetTimeout(sectorEraseWindow)
	defer c.tr.SetTimeout(prev)

	// single sector: count-1 = 0, then the sector code
	frame := []byte{0x00, sector, 0x00 ^ sector}
	if err := c.sendExpectACK("data", frame, 40*time.Millisecond); err != nil {
		return fmt.Errorf("erase sector: %w", err)
	}
	return nil
}

// MassErase erases the full P-flash and D-flash/EEPROM.
func (c *Client) MassErase() error {
	if err := c.checkState(); err != nil {
		return err
	}
	c.log.Debug("flash mass erase")

	if err := c.sendExpectACK("cmd-opcode", cmdFrame(cmdErase), 0); err != nil {
		return fmt.Errorf("mass erase: %w", err)
	}

	prev := c.tr.Timeout()
	c.tr.SetTimeout(massEraseWindow)
	defer c.tr.SetTimeout(prev)

	if err := c.sendExpectACK("data", []byte{0xFF, 0x00}, 1100*time.Millisecond); err != nil {
		return fmt.Errorf("mass erase: %w", err)
	}
	return nil
}

// JumpTo starts execution at addr. The target leaves the bootloader; any
// further command requires a new Sync.
func (c *Client) JumpTo(addr memimg.Addr) error {
	if err := c.checkState(); err != nil {
		return err
	}
	c.log.Debugf("jump to 0x%04X", uint64(addr))

	if err := c.sendExpectACK("cmd-opcode", cmdFrame(cmdGo), 0); err != nil {
		return fmt.Errorf("jump: %w", err)
	}
	if err := c.sendExpectACK("address", addrFrame(addr), 0); err != nil {
		return fmt.Errorf("jump: %w", err)
	}
	c.state = stateJumped
	return nil
}

// UploadWriteErase uploads the device-matched flash write/erase RAM
// routines. STM8L devices with more than 8 kB flash have them in ROM and
// need no upload.
func (c *Client) UploadWriteErase(dev Device) error {
	if dev.Family == STM8L && dev.FlashKB > 8 {
		return nil
	}

	blob, err := writeEraseRoutine(dev)
	if err != nil {
		return err
	}
	image, err := decodeRoutine(blob)
	if err != nil {
		return fmt.Errorf("write/erase routines: %w", err)
	}
	if err := c.MemWrite(image); err != nil {
		return fmt.Errorf("upload write/erase routines: %w", err)
	}
	c.log.Debugf("uploaded write/erase routines (%dB in 0x%04X - 0x%04X)",
		image.Len(), uint64(image.FirstAddr()), uint64(image.LastAddr()))
	return nil
}
