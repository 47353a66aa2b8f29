// Package hexfile converts between memory images and the interchange
// formats understood by the tool: Motorola S-record, Intel HEX, plain
// address/value tables and raw binary.
//
// Importers are strict and atomic: they build into a scratch image and
// return it only when the whole input parsed cleanly, so a malformed file
// never leaves a half-populated image behind.
package hexfile

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gicking/stm8gal-sub000/memimg"
)

// ChecksumError reports a record whose trailing checksum does not match
// the record content.
type ChecksumError struct {
	Line     int
	Expected byte
	Got      byte
}

func (e ChecksumError) Error() string {
	return fmt.Sprintf("line %d: checksum error (expect 0x%02X, read 0x%02X)", e.Line, e.Expected, e.Got)
}

// RecordError reports an unsupported or unknown record type.
type RecordError struct {
	Line int
	Type string
}

func (e RecordError) Error() string {
	return fmt.Sprintf("line %d: unsupported record type %s", e.Line, e.Type)
}

// SyntaxError reports a line that does not parse at all.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// numberedLine keeps the original 1-based line number of an input line for
// diagnostics.
type numberedLine struct {
	num  int
	text string
}

// splitLines splits data on LF / CRLF and drops empty lines.

func splitLines(data []byte) []numberedLine {
	var out []numberedLine
	for i, raw := range strings.Split(string(data), "\n") {
		text := strings.TrimRight(raw, "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, numberedLine{num: i + 1, text: text})
	}
	return out
}

func hexByte(s string, line int) (byte, error) {
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, SyntaxError{Line: line, Msg: fmt.Sprintf("invalid hex byte %q", s)}
	}
	return byte(v), nil
}

// ImportS19 parses a Motorola S-record file. S0 header, S5/S6 record count
// and S7/S8/S9 termination records are accepted and ignored; S1/S2/S3 data
// records populate the image at their absolute addresses. Address widths
// may be mixed within one file.
func ImportS19(data []byte) (*memimg.Image, error) {
	image := memimg.New()

	for _, ln := range splitLines(data) {
		line := ln.text
		if line[0] != 'S' {
			return nil, SyntaxError{Line: ln.num, Msg: "line does not start with 'S'"}
		}
		if len(line) < 2 {
			return nil, SyntaxError{Line: ln.num, Msg: "truncated record"}
		}

		var addrBytes int
		switch line[1] {
		case '1':
			addrBytes = 2
		case '2':
			addrBytes = 3
		case '3':
			addrBytes = 4
		case '0', '5', '6', '7', '8', '9':
			// header, record count and termination records carry no image data
			continue
		default:
			return nil, RecordError{Line: ln.num, Type: line[:2]}
		}

		if len(line) < 4 {
			return nil, SyntaxError{Line: ln.num, Msg: "truncated record"}
		}
		count, err := hexByte(line[2:4], ln.num)
		if err != nil {
			return nil, err
		}

		// declared count covers address, data and checksum
		if len(line) != 4+2*int(count) {
			return nil, SyntaxError{Line: ln.num, Msg: fmt.Sprintf("record length %d does not match declared count %d", (len(line)-4)/2, count)}
		}
		if int(count) < addrBytes+1 {
			return nil, SyntaxError{Line: ln.num, Msg: "record count smaller than address and checksum"}
		}

		chkCalc := count
		var address memimg.Addr
		idx := 4
		for i := 0; i < addrBytes; i++ {
			b, err := hexByte(line[idx:idx+2], ln.num)
			if err != nil {
				return nil, err
			}
			address = address<<8 | memimg.Addr(b)
			chkCalc += b
			idx += 2
		}

		dataLen := int(count) - addrBytes - 1
		for i := 0; i < dataLen; i++ {
			b, err := hexByte(line[idx:idx+2], ln.num)
			if err != nil {
				return nil, err
			}
			if err := image.Add(address+memimg.Addr(i), b); err != nil {
				return nil, err
			}
			chkCalc += b
			idx += 2
		}

		chkRead, err := hexByte(line[idx:idx+2], ln.num)
		if err != nil {
			return nil, err
		}
		chkCalc ^= 0xFF
		if chkCalc != chkRead {
			return nil, ChecksumError{Line: ln.num, Expected: chkCalc, Got: chkRead}
		}
	}

	return image, nil
}

// ImportIHX parses an Intel HEX file. Type 00 records populate the image,
// type 04 extended linear address records set the upper 16 address bits for
// subsequent data, type 01/03/05 are accepted and ignored. Type 02 extended
// segment addresses are not supported.
func ImportIHX(data []byte) (*memimg.Image, error) {
	image := memimg.New()
	var addrOffset memimg.Addr

	for _, ln := range splitLines(data) {
		line := ln.text
		if line[0] != ':' {
			return nil, SyntaxError{Line: ln.num, Msg: "line does not start with ':'"}
		}
		if len(line) < 11 {
			return nil, SyntaxError{Line: ln.num, Msg: "truncated record"}
		}

		count, err := hexByte(line[1:3], ln.num)
		if err != nil {
			return nil, err
		}
		if len(line) != 11+2*int(count) {
			return nil, SyntaxError{Line: ln.num, Msg: fmt.Sprintf("record length %d does not match declared count %d", (len(line)-11)/2, count)}
		}

		addrHigh, err := hexByte(line[3:5], ln.num)
		if err != nil {
			return nil, err
		}
		addrLow, err := hexByte(line[5:7], ln.num)
		if err != nil {
			return nil, err
		}
		recType, err := hexByte(line[7:9], ln.num)
		if err != nil {
			return nil, err
		}
		chkCalc := count + addrHigh + addrLow + recType
		address := addrOffset + memimg.Addr(addrHigh)<<8 + memimg.Addr(addrLow)

		idx := 9
		switch recType {
		case 0x00:
			for i := 0; i < int(count); i++ {
				b, err := hexByte(line[idx:idx+2], ln.num)
				if err != nil {
					return nil, err
				}
				if err := image.Add(address+memimg.Addr(i), b); err != nil {
					return nil, err
				}
				chkCalc += b
				idx += 2
			}

		case 0x01, 0x03, 0x05:
			// EOF, start segment address and start linear address records
			// carry no image data
			continue

		case 0x02:
			return nil, RecordError{Line: ln.num, Type: "02 (extended segment address)"}

		case 0x04:
			if count != 2 {
				return nil, SyntaxError{Line: ln.num, Msg: "extended linear address record must hold 2 bytes"}
			}
			elaHigh, err := hexByte(line[9:11], ln.num)
			if err != nil {
				return nil, err
			}
			elaLow, err := hexByte(line[11:13], ln.num)
			if err != nil {
				return nil, err
			}
			chkCalc += elaHigh + elaLow
			addrOffset = (memimg.Addr(elaHigh)<<8 | memimg.Addr(elaLow)) << 16
			idx = 13

		default:
			return nil, RecordError{Line: ln.num, Type: fmt.Sprintf("%02X", recType)}
		}

		chkRead, err := hexByte(line[idx:idx+2], ln.num)
		if err != nil {
			return nil, err
		}
		chkCalc = ^chkCalc + 1 // two's complement
		if chkCalc != chkRead {
			return nil, ChecksumError{Line: ln.num, Expected: chkCalc, Got: chkRead}
		}
	}

	return image, nil
}

// ImportTable parses a plain address/value table. Lines starting with '#'
// are comments. Each data line holds two whitespace-separated tokens,
// address then value, each hexadecimal when prefixed with 0x/0X and decimal
// otherwise.
func ImportTable(data []byte) (*memimg.Image, error) {
	image := memimg.New()

	for _, ln := range splitLines(data) {
		if strings.HasPrefix(strings.TrimSpace(ln.text), "#") {
			continue
		}
		fields := strings.Fields(ln.text)
		if len(fields) != 2 {
			return nil, SyntaxError{Line: ln.num, Msg: fmt.Sprintf("expected address and value, got %d tokens", len(fields))}
		}

		address, err := parseNumber(fields[0], 64)
		if err != nil {
			return nil, SyntaxError{Line: ln.num, Msg: fmt.Sprintf("invalid address %q", fields[0])}
		}
		value, err := parseNumber(fields[1], 8)
		if err != nil {
			return nil, SyntaxError{Line: ln.num, Msg: fmt.Sprintf("invalid value %q", fields[1])}
		}

		if err := image.Add(memimg.Addr(address), byte(value)); err != nil {
			return nil, err
		}
	}

	return image, nil
}

func parseNumber(token string, bits int) (uint64, error) {
	if strings.HasPrefix(token, "0x") || strings.HasPrefix(token, "0X") {
		return strconv.ParseUint(token[2:], 16, bits)
	}
	return strconv.ParseUint(token, 10, bits)
}

// ImportBinary assigns the bytes of data to consecutive addresses starting
// at addrStart.
func ImportBinary(data []byte, addrStart memimg.Addr) (*memimg.Image, error) {
	image := memimg.New()
	for i, b := range data {
		if err := image.Add(addrStart+memimg.Addr(i), b); err != nil {
			return nil, err
		}
	}
	return image, nil
}
