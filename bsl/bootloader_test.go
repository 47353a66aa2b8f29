package bsl

import (
	"hash/crc32"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gicking/stm8gal-sub000/memimg"
)

// scriptTransport is an in-memory target double. Sent frames are recorded;
// each Receive call consumes the next scripted reply. With autoACK set,
// unscripted Receive calls answer with ACK bytes.
type scriptTransport struct {
	iface   Interface
	mode    UARTMode
	autoACK bool

	sent    [][]byte
	replies [][]byte
	parity  []Parity
	timeout time.Duration
}

func newScript(iface Interface) *scriptTransport {
	return &scriptTransport{iface: iface, timeout: time.Second}
}

func (s *scriptTransport) reply(b ...byte) *scriptTransport {
	s.replies = append(s.replies, b)
	return s
}

func (s *scriptTransport) Send(data []byte) error {
	s.sent = append(s.sent, append([]byte(nil), data...))
	return nil
}

func (s *scriptTransport) Receive(n int) ([]byte, error) {
	if len(s.replies) == 0 {
		if s.autoACK {
			buf := make([]byte, n)
			for i := range buf {
				buf[i] = ACK
			}
			return buf, nil
		}
		return nil, &TimeoutError{Expected: n, Got: 0}
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	if len(r) < n {
		return r, &TimeoutError{Expected: n, Got: len(r)}
	}
	return r[:n], nil
}

func (s *scriptTransport) Flush() error               { return nil }
func (s *scriptTransport) SetTimeout(d time.Duration) { s.timeout = d }
func (s *scriptTransport) Timeout() time.Duration     { return s.timeout }
func (s *scriptTransport) Interface() Interface       { return s.iface }
func (s *scriptTransport) Mode() UARTMode             { return s.mode }
func (s *scriptTransport) SetMode(m UARTMode)         { s.mode = m }

func (s *scriptTransport) SetParity(p Parity) error {
	s.parity = append(s.parity, p)
	return nil
}

func TestSyncAcceptsNACK(t *testing.T) {
	tr := newScript(UART).reply(NACK)
	c := NewClient(tr, nil)

	require.NoError(t, c.Sync())
	require.Len(t, tr.sent, 1)
	assert.Equal(t, []byte{SYNCH}, tr.sent[0])
}

func TestSyncConsumesEcho(t *testing.T) {
	// 1-wire targets echo the SYNCH before answering
	tr := newScript(UART).reply(SYNCH).reply(ACK)
	c := NewClient(tr, nil)

	require.NoError(t, c.Sync())
	assert.Empty(t, tr.replies)
}

func TestSyncExhaustsBudget(t *testing.T) {
	tr := newScript(UART)
	c := NewClient(tr, nil)

	err := c.Sync()
	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, syncAttempts, syncErr.Attempts)
	assert.Len(t, tr.sent, syncAttempts)
}

func TestDetectUARTMode(t *testing.T) {
	cases := []struct {
		name   string
		answer byte
		mode   UARTMode
		parity Parity
	}{
		{"duplex", ACK, ModeDuplex, ParityEven},
		{"1-wire", 0x00, ModeOneWire, ParityNone},
		{"2-wire reply", NACK, ModeTwoWireReply, ParityNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := newScript(UART).reply(tc.answer)
			c := NewClient(tr, nil)

			mode, err := c.DetectUARTMode()
			require.NoError(t, err)
			assert.Equal(t, tc.mode, mode)
			assert.Equal(t, tc.mode, tr.mode)
			// probe frame is the bad command 0x00 with complement
			assert.Equal(t, []byte{0x00, 0xFF}, tr.sent[0])
			// last applied parity matches the detected mode
			require.NotEmpty(t, tr.parity)
			assert.Equal(t, tc.parity, tr.parity[len(tr.parity)-1])
		})
	}
}

func TestDetectUARTModeGarbage(t *testing.T) {
	tr := newScript(UART).reply(0x42)
	c := NewClient(tr, nil)

	_, err := c.DetectUARTMode()
	assert.ErrorIs(t, err, ErrModeDetect)
}

// scriptMemCheck queues the replies of one probing read.
func scriptMemCheck(tr *scriptTransport, present bool) {
	tr.reply(ACK) // READ command
	if !present {
		tr.reply(NACK) // address rejected
		return
	}
	tr.reply(ACK)       // address
	tr.reply(ACK, 0x00) // count + 1 data byte
}

func TestGetInfoSTM8SLowDensity(t *testing.T) {
	tr := newScript(UART)
	scriptMemCheck(tr, true)  // EEPROM 0x004000 -> STM8S
	scriptMemCheck(tr, false) // 0x047FFF
	scriptMemCheck(tr, false) // 0x027FFF
	scriptMemCheck(tr, false) // 0x017FFF
	scriptMemCheck(tr, false) // 0x00FFFF
	scriptMemCheck(tr, true)  // 0x009FFF -> 8kB
	tr.reply(ACK, 0x05, 0x10, cmdGet, cmdRead, cmdGo, cmdWrite, cmdErase, ACK)
	c := NewClient(tr, nil)

	dev, err := c.GetInfo()
	require.NoError(t, err)
	assert.Equal(t, Device{Family: STM8S, FlashKB: 8, Version: 0x10}, dev)
	// first probe address on the wire is the STM8S EEPROM base
	assert.Equal(t, []byte{0x00, 0x00, 0x40, 0x00, 0x40}, tr.sent[1])
}

func TestGetInfoAllSizeProbesRejected(t *testing.T) {
	// even the 8kB top address may NACK; a device whose EEPROM answered is
	// then taken as smallest density
	tr := newScript(UART)
	scriptMemCheck(tr, true) // EEPROM 0x004000 -> STM8S
	for i := 0; i < 5; i++ {
		scriptMemCheck(tr, false)
	}
	tr.reply(ACK, 0x05, 0x10, cmdGet, cmdRead, cmdGo, cmdWrite, cmdErase, ACK)
	c := NewClient(tr, nil)

	dev, err := c.GetInfo()
	require.NoError(t, err)
	assert.Equal(t, STM8S, dev.Family)
	assert.Equal(t, 8, dev.FlashKB)
}

func TestGetInfoSTM8L(t *testing.T) {
	tr := newScript(UART)
	scriptMemCheck(tr, false) // 0x004000 absent
	scriptMemCheck(tr, true)  // 0x001000 -> STM8L
	scriptMemCheck(tr, false) // 0x047FFF
	scriptMemCheck(tr, false) // 0x027FFF
	scriptMemCheck(tr, false) // 0x017FFF
	scriptMemCheck(tr, true)  // 0x00FFFF -> 32kB
	tr.reply(ACK, 0x05, 0x12, cmdGet, cmdRead, cmdGo, cmdWrite, cmdErase, ACK)
	c := NewClient(tr, nil)

	dev, err := c.GetInfo()
	require.NoError(t, err)
	assert.Equal(t, Device{Family: STM8L, FlashKB: 32, Version: 0x12}, dev)
}

func TestGetInfoUnknownDevice(t *testing.T) {
	tr := newScript(UART)
	scriptMemCheck(tr, false)
	scriptMemCheck(tr, false)
	c := NewClient(tr, nil)

	_, err := c.GetInfo()
	var unknown *UnknownDeviceError
	require.ErrorAs(t, err, &unknown)
	assert.Len(t, unknown.Tried, 2)
}

func TestGetInfoWrongCommandSet(t *testing.T) {
	tr := newScript(UART)
	scriptMemCheck(tr, true)
	scriptMemCheck(tr, true) // 256kB on first probe, keeps the script short
	tr.reply(ACK, 0x05, 0x21, cmdGet, cmdRead, cmdGo, 0x32, cmdErase, ACK)
	c := NewClient(tr, nil)

	_, err := c.GetInfo()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WRITE")
}

func TestMemCheckNACKIsNotAnError(t *testing.T) {
	tr := newScript(UART).reply(ACK).reply(NACK)
	c := NewClient(tr, nil)

	ok, err := c.MemCheck(0x009FFF)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemRead(t *testing.T) {
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}
	tr := newScript(UART)
	// two 128-byte chunks
	tr.reply(ACK).reply(ACK).reply(append([]byte{ACK}, data[:128]...)...)
	tr.reply(ACK).reply(ACK).reply(append([]byte{ACK}, data[128:]...)...)
	c := NewClient(tr, nil)

	img := memimg.New()
	require.NoError(t, c.MemRead(0x8000, 0x80FF, img))
	require.Equal(t, 256, img.Len())
	for i := 0; i < 256; i++ {
		v, ok := img.Get(0x8000 + memimg.Addr(i))
		require.True(t, ok)
		require.Equal(t, byte(i), v)
	}

	// READ command, address, count frames of the first chunk
	assert.Equal(t, []byte{cmdRead, 0xEE}, tr.sent[0])
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x00, 0x80}, tr.sent[1])
	assert.Equal(t, []byte{127, 127 ^ 0xFF}, tr.sent[2])
}

func TestMemReadInvertedRange(t *testing.T) {
	c := NewClient(newScript(UART), nil)
	err := c.MemRead(0x9000, 0x8000, memimg.New())
	var rangeErr memimg.RangeError
	require.ErrorAs(t, err, &rangeErr)
}

func xorSum(b []byte) byte {
	var x byte
	for _, v := range b {
		x ^= v
	}
	return x
}

func TestMemWritePaging(t *testing.T) {
	// 200 bytes at 0x8000 must go out as exactly two pages: 128 + 72
	img := memimg.New()
	for i := 0; i < 200; i++ {
		require.NoError(t, img.Add(0x8000+memimg.Addr(i), byte(i)))
	}
	tr := newScript(UART)
	tr.autoACK = true
	c := NewClient(tr, nil)

	require.NoError(t, c.MemWrite(img))
	require.Len(t, tr.sent, 6)

	assert.Equal(t, []byte{cmdWrite, 0xCE}, tr.sent[0])
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x00, 0x80}, tr.sent[1])
	page1 := tr.sent[2]
	require.Len(t, page1, 130)
	assert.Equal(t, byte(127), page1[0])
	assert.Equal(t, byte(0), xorSum(page1), "trailing checksum must close the frame")

	assert.Equal(t, []byte{cmdWrite, 0xCE}, tr.sent[3])
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x80, 0x00}, tr.sent[4])
	page2 := tr.sent[5]
	require.Len(t, page2, 74)
	assert.Equal(t, byte(71), page2[0])
	assert.Equal(t, byte(0), xorSum(page2))
}

func TestMemWriteUnalignedStart(t *testing.T) {
	// start at 0x8010: first page stops at the 128-byte boundary
	img := memimg.New()
	require.NoError(t, img.Fill(0x8010, 0x80FF, 0x11))
	tr := newScript(UART)
	tr.autoACK = true
	c := NewClient(tr, nil)

	require.NoError(t, c.MemWrite(img))
	require.Len(t, tr.sent, 6)
	assert.Equal(t, byte(0x70-1), tr.sent[2][0]) // 0x8010..0x807F
	assert.Equal(t, byte(0x80-1), tr.sent[5][0]) // 0x8080..0x80FF
}

func TestVerifyReadback(t *testing.T) {
	img := memimg.New()
	require.NoError(t, img.Add(0x8000, 0xAA))
	require.NoError(t, img.Add(0x8001, 0xBB))

	tr := newScript(UART)
	tr.reply(ACK).reply(ACK).reply(ACK, 0xAA, 0xBB)
	c := NewClient(tr, nil)
	require.NoError(t, c.VerifyReadback(img))

	tr = newScript(UART)
	tr.reply(ACK).reply(ACK).reply(ACK, 0xAA, 0xBC)
	c = NewClient(tr, nil)
	err := c.VerifyReadback(img)
	var verifyErr *VerifyError
	require.ErrorAs(t, err, &verifyErr)
	assert.Equal(t, memimg.Addr(0x8001), verifyErr.Address)
	assert.Equal(t, byte(0xBB), verifyErr.Expected)
	assert.Equal(t, byte(0xBC), verifyErr.Got)
}

func TestEraseSector(t *testing.T) {
	tr := newScript(UART).reply(ACK).reply(ACK)
	c := NewClient(tr, nil)

	// sector 3: 0x8000 + 3*1024 + 5
	require.NoError(t, c.EraseSector(0x8C05))
	require.Len(t, tr.sent, 2)
	assert.Equal(t, []byte{cmdErase, 0xBC}, tr.sent[0])
	assert.Equal(t, []byte{0x00, 0x03, 0x03}, tr.sent[1])
	// elevated erase window is restored
	assert.Equal(t, time.Second, tr.timeout)
}

func TestMassErase(t *testing.T) {
	tr := newScript(UART).reply(ACK).reply(ACK)
	c := NewClient(tr, nil)

	require.NoError(t, c.MassErase())
	require.Len(t, tr.sent, 2)
	assert.Equal(t, []byte{cmdErase, 0xBC}, tr.sent[0])
	assert.Equal(t, []byte{0xFF, 0x00}, tr.sent[1])
	assert.Equal(t, time.Second, tr.timeout)
}

func TestJumpToIsTerminal(t *testing.T) {
	tr := newScript(UART).reply(ACK).reply(ACK)
	c := NewClient(tr, nil)

	require.NoError(t, c.JumpTo(0x8000))
	assert.Equal(t, []byte{cmdGo, 0xDE}, tr.sent[0])
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x00, 0x80}, tr.sent[1])

	// any further command is refused until a new sync
	err := c.MassErase()
	assert.ErrorIs(t, err, ErrTargetRunning)

	tr.reply(ACK)
	require.NoError(t, c.Sync())
	tr.reply(ACK).reply(ACK)
	assert.NoError(t, c.MassErase())
}

func TestAckErrorSurfaces(t *testing.T) {
	tr := newScript(UART).reply(NACK)
	c := NewClient(tr, nil)

	err := c.MassErase()
	var ackErr *AckError
	require.ErrorAs(t, err, &ackErr)
	assert.Equal(t, "cmd-opcode", ackErr.Stage)
	assert.Equal(t, byte(NACK), ackErr.Actual)
}

func TestUploadWriteEraseLowDensity(t *testing.T) {
	tr := newScript(UART)
	tr.autoACK = true
	c := NewClient(tr, nil)

	// the 8kB v1.0 routines hold a single data byte at 0x01EA
	require.NoError(t, c.UploadWriteErase(Device{Family: STM8S, FlashKB: 8, Version: 0x10}))
	require.Len(t, tr.sent, 3)
	assert.Equal(t, []byte{cmdWrite, 0xCE}, tr.sent[0])
	assert.Equal(t, []byte{0x00, 0x00, 0x01, 0xEA, 0xEB}, tr.sent[1])
	assert.Equal(t, []byte{0x00, 0xB2, 0xB2}, tr.sent[2])
}

func TestUploadWriteEraseROMResident(t *testing.T) {
	tr := newScript(UART)
	c := NewClient(tr, nil)

	// STM8L above 8kB carries the routines in ROM
	require.NoError(t, c.UploadWriteErase(Device{Family: STM8L, FlashKB: 32, Version: 0x12}))
	assert.Empty(t, tr.sent)
}

func TestUploadWriteEraseUnknownDevice(t *testing.T) {
	c := NewClient(newScript(UART), nil)
	err := c.UploadWriteErase(Device{Family: STM8S, FlashKB: 32, Version: 0x99})
	var routineErr *RoutineError
	require.ErrorAs(t, err, &routineErr)
}

func TestVerifyCRC32(t *testing.T) {
	img := memimg.New()
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	for i, b := range payload {
		require.NoError(t, img.Add(0x8000+memimg.Addr(i), b))
	}
	host := crc32.ChecksumIEEE(payload)

	run := func(target uint32) error {
		tr := newScript(UART)
		tr.mode = ModeDuplex
		c := NewClient(tr, nil)

		// the bundled 32k v1.2 routine occupies 0x210-0x2DF: two write
		// pages, then one page of block parameters and the GO sequence
		for i := 0; i < 6+3+2; i++ {
			tr.reply(ACK)
		}
		tr.reply(ACK)  // sync after the routine restarts the bootloader
		tr.reply(NACK) // command state machine is ready again
		tr.reply(ACK).reply(ACK)
		tr.reply(ACK, byte(target>>24), byte(target>>16), byte(target>>8), byte(target))

		return c.VerifyCRC32(img, Device{Family: STM8S, FlashKB: 32, Version: 0x12})
	}

	var crcErr *CRCError
	err := run(host ^ 0xDEADBEEF)
	require.ErrorAs(t, err, &crcErr)
	assert.Equal(t, host, crcErr.Host)
	assert.Equal(t, memimg.Addr(0x8000), crcErr.AddrStart)

	require.NoError(t, run(host))
}
