package bsl

import (
	"fmt"
	"time"

	"github.com/gicking/stm8gal-sub000/memimg"
)

// RAM contract between the host and the CRC32 routine: the routine is
// entered at a fixed address and exchanges its parameters through fixed
// RAM cells (big endian), see https://github.com/basilhussain/stm8-crc.
const (
	crcEntry     = 0x210 // routine entry point
	crcAddrStart = 0x2F4 // first address of checksum range (0x2F4 - 0x2F7)
	crcAddrStop  = 0x2F8 // last address of checksum range (0x2F8 - 0x2FB)
	crcResult    = 0x2FC // computed CRC32 (0x2FC - 0x2FF)
)

// CRCError reports a CRC32 mismatch between host image and target memory
// for one contiguous block.
type CRCError struct {
	AddrStart, AddrStop memimg.Addr
	Host, Target        uint32
}

func (e *CRCError) Error() string {
	return fmt.Sprintf("CRC32 mismatch in 0x%04X - 0x%04X (host 0x%08X, target 0x%08X)",
		uint64(e.AddrStart), uint64(e.AddrStop), e.Host, e.Target)
}

// VerifyCRC32 checks target memory against image without streaming it
// back: a device-matched CRC32 routine is uploaded to RAM and executed per
// contiguous block, and only the 4-byte results travel over the wire.
//
// Running the routine clobbers the RAM-resident write/erase routines; the
// caller must re-upload them before any subsequent write or erase.
func (c *Client) VerifyCRC32(image *memimg.Image, dev Device) error {
	if image.Empty() {
		return nil
	}

	blob, err := crc32Routine(dev)
	if err != nil {
		return err
	}
	routine, err := decodeRoutine(blob)
	if err != nil {
		return fmt.Errorf("CRC32 routines: %w", err)
	}
	if err := c.MemWrite(routine); err != nil {
		return fmt.Errorf("upload CRC32 routines: %w", err)
	}

	addrBlock := memimg.Addr(0)
	for {
		idxStart, idxEnd, ok := image.NextBlock(addrBlock)
		if !ok {
			break
		}
		addrStart := image.At(idxStart).Address
		addrStop := image.At(idxEnd).Address

		if err := c.crcCheckBlock(image, idxStart, idxEnd, addrStart, addrStop); err != nil {
			return err
		}
		addrBlock = addrStop + 1
	}
	return nil
}

func (c *Client) crcCheckBlock(image *memimg.Image, idxStart, idxEnd int, addrStart, addrStop memimg.Addr) error {
	c.log.Debugf("CRC32 check 0x%04X to 0x%04X", uint64(addrStart), uint64(addrStop))

	// pass the block bounds through the fixed RAM cells
	params := memimg.New()
	putAddr(params, crcAddrStart, addrStart)
	putAddr(params, crcAddrStop, addrStop)
	if err := c.MemWrite(params); err != nil {
		return fmt.Errorf("CRC32 parameters: %w", err)
	}

	if err := c.JumpTo(crcEntry); err != nil {
		return err
	}

	// SPI has no timeout to absorb the computation, wait it out
	if c.tr.Interface() == SPI {
		lenCheck := uint64(addrStop - addrStart + 1)
		time.Sleep(500*time.Millisecond + time.Duration(25*lenCheck/1024)*time.Millisecond)
	}

	// the routine restarts the ROM bootloader when done
	if err := c.Sync(); err != nil {
		return err
	}
	if uart := c.uartMode(); uart != nil {
		if err := c.coaxCommandState(uart); err != nil {
			return err
		}
	}

	result := memimg.New()
	if err := c.MemRead(crcResult, crcResult+3, result); err != nil {
		return fmt.Errorf("CRC32 result: %w", err)
	}
	var target uint32
	for i := 0; i < 4; i++ {
		b, _ := result.Get(crcResult + memimg.Addr(i))
		target = target<<8 | uint32(b)
	}

	host := image.Checksum(idxStart, idxEnd)
	if host != target {
		return &CRCError{AddrStart: addrStart, AddrStop: addrStop, Host: host, Target: target}
	}
	c.log.Debugf("CRC32 passed (0x%08X)", host)
	return nil
}

// coaxCommandState brings the freshly restarted UART bootloader back to
// command-ready by feeding it bad 0x00 commands until it answers NACK.
func (c *Client) coaxCommandState(uart uartModeTransport) error {
	mode := uart.Mode()

	// raw sends and receives, the echo bookkeeping is done by hand here
	uart.SetMode(ModeDuplex)
	defer uart.SetMode(mode)

	prev := c.tr.Timeout()
	c.tr.SetTimeout(syncTimeout)
	defer c.tr.SetTimeout(prev)

	tx := []byte{0x00}
	if mode == ModeOneWire {
		// the bad command and its local echo
		tx = []byte{0x00, 0x00}
	}

	var rx []byte
	for i := 0; i < 5; i++ {
		if err := c.tr.Send(tx); err != nil {
			return fmt.Errorf("coax command state: %w", err)
		}
		var err error
		rx, err = c.tr.Receive(1)
		time.Sleep(syncRetryDelay)
		if err == nil && rx[0] == NACK {
			break
		}
	}

	switch mode {
	case ModeTwoWireReply:
		// reply mode expects the NACK to be echoed back
		if err := c.tr.Send([]byte{NACK}); err != nil {
			return fmt.Errorf("coax command state: %w", err)
		}
	case ModeOneWire:
		time.Sleep(syncRetryDelay)
		return c.tr.Flush()
	}
	return nil
}

func putAddr(image *memimg.Image, cell memimg.Addr, addr memimg.Addr) {
	image.Add(cell, byte(addr>>24))
	image.Add(cell+1, byte(addr>>16))
	image.Add(cell+2, byte(addr>>8))
	image.Add(cell+3, byte(addr))
}
