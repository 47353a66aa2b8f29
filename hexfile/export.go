package hexfile

import (
	"bytes"
	"fmt"

	"github.com/gicking/stm8gal-sub000/memimg"
)

// maxLineBytes is the number of data bytes per exported record line.
const maxLineBytes = 32

// ExportS19 renders the image as a Motorola S-record file: a harmless
// header record, data records of up to 32 bytes using the narrowest
// sufficient address width, and the matching termination record.
func ExportS19(image *memimg.Image) []byte {
	var buf bytes.Buffer

	// dummy header record to keep srecord-style tools quiet
	buf.WriteString("S00E000068656C6C6F20776F726C6495\n")

	var addrEnd memimg.Addr
	addrBlock := memimg.Addr(0)
	for {
		idxStart, idxEnd, ok := image.NextBlock(addrBlock)
		if !ok {
			break
		}
		addrStart := image.At(idxStart).Address
		addrEnd = image.At(idxEnd).Address

		addrLine := addrStart
		for addrLine <= addrEnd {
			lenLine := 1
			for lenLine < maxLineBytes && addrLine+memimg.Addr(lenLine) <= addrEnd {
				lenLine++
			}

			var chk uint32
			switch {
			case addrLine+memimg.Addr(lenLine)-1 <= 0xFFFF:
				fmt.Fprintf(&buf, "S1%02X%04X", lenLine+3, uint64(addrLine))
				chk = uint32(byte(lenLine+3)) + uint32(byte(addrLine)) + uint32(byte(addrLine>>8))
			case addrLine+memimg.Addr(lenLine)-1 <= 0xFFFFFF:
				fmt.Fprintf(&buf, "S2%02X%06X", lenLine+4, uint64(addrLine))
				chk = uint32(byte(lenLine+4)) + uint32(byte(addrLine)) + uint32(byte(addrLine>>8)) + uint32(byte(addrLine>>16))
			default:
				fmt.Fprintf(&buf, "S3%02X%08X", lenLine+5, uint64(addrLine))
				chk = uint32(byte(lenLine+5)) + uint32(byte(addrLine)) + uint32(byte(addrLine>>8)) + uint32(byte(addrLine>>16)) + uint32(byte(addrLine>>24))
			}
			for j := 0; j < lenLine; j++ {
				value, _ := image.Get(addrLine + memimg.Addr(j))
				chk += uint32(value)
				fmt.Fprintf(&buf, "%02X", value)
			}
			fmt.Fprintf(&buf, "%02X\n", byte(chk&0xFF)^0xFF)

			addrLine += memimg.Addr(lenLine)
		}

		addrBlock = addrEnd + 1
	}

	// termination record matching the widest emitted data record
	switch {
	case addrEnd <= 0xFFFF:
		buf.WriteString("S903FFFFFE\n")
	case addrEnd <= 0xFFFFFF:
		buf.WriteString("S804FFFFFFFE\n")
	default:
		buf.WriteString("S705FFFFFFFFFE\n")
	}

	return buf.Bytes()
}

// ExportIHX renders the image as an Intel HEX file. An extended linear
// address record is inserted whenever the upper 16 address bits of the next
// data record differ from the last emitted one.
func ExportIHX(image *memimg.Image) []byte {
	var buf bytes.Buffer

	useEla := !image.Empty() && image.LastAddr() > 0xFFFF
	addrEla := int64(-1)

	addrBlock := memimg.Addr(0)
	for {
		idxStart, idxEnd, ok := image.NextBlock(addrBlock)
		if !ok {
			break
		}
		addrStart := image.At(idxStart).Address
		addrEnd := image.At(idxEnd).Address

		addrLine := addrStart
		for addrLine <= addrEnd {
			lenLine := 1
			for lenLine < maxLineBytes && addrLine+memimg.Addr(lenLine) <= addrEnd {
				lenLine++
			}

			if useEla && addrEla != int64(addrLine>>16) {
				addrEla = int64(addrLine >> 16)
				chk := ^(0x02 + 0x04 + byte(addrEla) + byte(addrEla>>8)) + 1
				fmt.Fprintf(&buf, ":02000004%04X%02X\n", uint16(addrEla), chk)
			}

			fmt.Fprintf(&buf, ":%02X%04X00", lenLine, uint16(addrLine))
			chk := byte(lenLine) + byte(addrLine) + byte(addrLine>>8)
			for j := 0; j < lenLine; j++ {
				value, _ := image.Get(addrLine + memimg.Addr(j))
				chk += value
				fmt.Fprintf(&buf, "%02X", value)
			}
			fmt.Fprintf(&buf, "%02X\n", ^chk+1)

			addrLine += memimg.Addr(lenLine)
		}

		addrBlock = addrEnd + 1
	}

	buf.WriteString(":00000001FF\n")
	return buf.Bytes()
}

// ExportTable renders the image as a plain address/value table with a
// leading comment header.
func ExportTable(image *memimg.Image) []byte {
	var buf bytes.Buffer
	buf.WriteString("# address\tvalue\n")
	for i := 0; i < image.Len(); i++ {
		e := image.At(i)
		fmt.Fprintf(&buf, "0x%X\t0x%02X\n", uint64(e.Address), e.Data)
	}
	return buf.Bytes()
}

// ExportBinary renders the image as raw bytes from its first to its last
// address. Holes are filled with 0x00; the returned count tells the caller
// how many filler bytes were inserted so it can warn.
func ExportBinary(image *memimg.Image) (data []byte, filler int) {
	if image.Empty() {
		return nil, 0
	}
	addrStart, addrStop := image.FirstAddr(), image.LastAddr()
	data = make([]byte, 0, addrStop-addrStart+1)
	for address := addrStart; address <= addrStop; address++ {
		value, ok := image.Get(address)
		if !ok {
			filler++
		}
		data = append(data, value)
	}
	return data, filler
}
