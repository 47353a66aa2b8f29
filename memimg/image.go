// Package memimg implements a sparse memory image: an address-sorted
// container of (address, byte) entries supporting range edits, scanning
// for consecutive blocks and CRC-32 checksums.
package memimg

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math/rand"
)

// Addr is the address type of the image. 64 bit so images are not limited
// to a single target address space.
type Addr uint64

// Entry is one byte of the image at an absolute address.
type Entry struct {
	Address Addr
	Data    byte
}

const (
	// bufferMargin is the grow/shrink factor for the entry buffer. Must be > 1.
	bufferMargin = 1.2

	// maxBufferBytes caps the entry buffer size.
	maxBufferBytes = 50 * 1024 * 1024

	// entrySize is the in-memory size of one Entry including padding.
	entrySize = 16

	maxEntries = maxBufferBytes / entrySize
)

// ErrCapacity is returned by mutators once the buffer limit is reached.
var ErrCapacity = errors.New("memory image buffer limit exceeded")

// RangeError reports an inverted address range passed to a range operation.
type RangeError struct {
	Start, Stop Addr
}

func (e RangeError) Error() string {
	return fmt.Sprintf("start address 0x%04X higher than end address 0x%04X", uint64(e.Start), uint64(e.Stop))
}

// Image is a sparse memory image. Entries are kept strictly ascending by
// address with no duplicates. The zero value is an empty image.
type Image struct {
	entries []Entry
}

// New returns an empty memory image.
func New() *Image {
	return &Image{}
}

// Clear releases the entry buffer.
func (img *Image) Clear() {
	img.entries = nil
}

// Len returns the number of entries.
func (img *Image) Len() int {
	return len(img.entries)
}

// Empty reports whether the image holds no data.
func (img *Image) Empty() bool {
	return len(img.entries) == 0
}

// At returns the entry at index i. Entries are ascending by address.
func (img *Image) At(i int) Entry {
	return img.entries[i]
}

// FirstAddr returns the lowest address in the image.
// Must not be called on an empty image.
func (img *Image) FirstAddr() Addr {
	return img.entries[0].Address
}

// LastAddr returns the highest address in the image.
// Must not be called on an empty image.
func (img *Image) LastAddr() Addr {
	return img.entries[len(img.entries)-1].Address
}

// FindIndex searches for address using binary search. If the address is
// present it returns its index and true; otherwise it returns the index of
// the least upper bound (the insertion position) and false.
func (img *Image) FindIndex(address Addr) (int, bool) {
	low, high := 0, len(img.entries)-1
	for low <= high {
		mid := low + (high-low)/2
		if img.entries[mid].Address == address {
			return mid, true
		}
		if img.entries[mid].Address < address {
			low = mid + 1
		} else {
			high = mid - 1
		}
	}
	return low, false
}

// Get returns the data byte at address.
func (img *Image) Get(address Addr) (byte, bool) {
	if idx, ok := img.FindIndex(address); ok {
		return img.entries[idx].Data, true
	}
	return 0, false
}

// Add inserts data at address, overwriting an existing entry.
// Fails only when the buffer limit is reached.
func (img *Image) Add(address Addr, data byte) error {
	idx, found := img.FindIndex(address)
	if found {
		img.entries[idx].Data = data
		return nil
	}

	if (len(img.entries)+1)*entrySize > maxBufferBytes {
		return ErrCapacity
	}

	// grow the buffer by bufferMargin to amortize insertions
	if len(img.entries)+1 >= cap(img.entries) {
		newCap := int(float64(cap(img.entries)) * bufferMargin)
		if newCap < len(img.entries)+1 {
			newCap = len(img.entries) + 1
		}
		if newCap > maxEntries {
			newCap = maxEntries
		}
		grown := make([]Entry, len(img.entries), newCap)
		copy(grown, img.entries)
		img.entries = grown
	}

	// shift higher addresses up to free the slot
	img.entries = append(img.entries, Entry{})
	copy(img.entries[idx+1:], img.entries[idx:])
	img.entries[idx] = Entry{Address: address, Data: data}
	return nil
}

// Delete removes the entry at address. Returns false if absent.
func (img *Image) Delete(address Addr) bool {
	idx, found := img.FindIndex(address)
	if !found {
		return false
	}
	copy(img.entries[idx:], img.entries[idx+1:])
	img.entries = img.entries[:len(img.entries)-1]

	// shrink the buffer once occupancy drops below the margin
	if cap(img.entries) > 1 && float64(len(img.entries))*bufferMargin <= float64(cap(img.entries)) {
		newCap := len(img.entries)
		if newCap < 1 {
			newCap = 1
		}
		shrunk := make([]Entry, len(img.entries), newCap)
		copy(shrunk, img.entries)
		img.entries = shrunk
	}
	return true
}

// NextBlock scans forward from address for the next maximal run of entries
// with consecutive addresses. It returns the first and last index of the run
// (inclusive) or ok=false when no entry at or above address exists.
func (img *Image) NextBlock(address Addr) (idxStart, idxEnd int, ok bool) {
	if img.Empty() {
		return 0, 0, false
	}
	idxStart, _ = img.FindIndex(address)
	if idxStart >= len(img.entries) {
		return 0, 0, false
	}
	last := img.entries[idxStart].Address
	idx := idxStart + 1
	for idx < len(img.entries) && img.entries[idx].Address == last+1 {
		idx++
		last++
	}
	return idxStart, idx - 1, true
}

// Fill adds or overwrites the closed range [addrStart, addrEnd] with value.
func (img *Image) Fill(addrStart, addrEnd Addr, value byte) error {
	if addrStart > addrEnd {
		return RangeError{addrStart, addrEnd}
	}
	for address := addrStart; address <= addrEnd; address++ {
		if err := img.Add(address, value); err != nil {
			return err
		}
	}
	return nil
}

// FillRandom adds or overwrites the closed range [addrStart, addrEnd] with
// random values.
func (img *Image) FillRandom(addrStart, addrEnd Addr) error {
	if addrStart > addrEnd {
		return RangeError{addrStart, addrEnd}
	}
	for address := addrStart; address <= addrEnd; address++ {
		if err := img.Add(address, byte(rand.Intn(256))); err != nil {
			return err
		}
	}
	return nil
}

// Clip removes every entry outside [addrStart, addrEnd].
func (img *Image) Clip(addrStart, addrEnd Addr) error {
	if addrStart > addrEnd {
		return RangeError{addrStart, addrEnd}
	}
	kept := img.entries[:0]
	for _, e := range img.entries {
		if e.Address >= addrStart && e.Address <= addrEnd {
			kept = append(kept, e)
		}
	}
	img.entries = kept
	return nil
}

// Cut removes every entry inside [addrStart, addrEnd].
func (img *Image) Cut(addrStart, addrEnd Addr) error {
	if addrStart > addrEnd {
		return RangeError{addrStart, addrEnd}
	}
	kept := img.entries[:0]
	for _, e := range img.entries {
		if e.Address < addrStart || e.Address > addrEnd {
			kept = append(kept, e)
		}
	}
	img.entries = kept
	return nil
}

// Clone returns a deep copy of the image.
func (img *Image) Clone() *Image {
	dup := &Image{entries: make([]Entry, len(img.entries))}
	copy(dup.entries, img.entries)
	return dup
}

// Merge adds every entry of src into img. On address collisions the source
// data wins.
func (img *Image) Merge(src *Image) error {
	for _, e := range src.entries {
		if err := img.Add(e.Address, e.Data); err != nil {
			return err
		}
	}
	return nil
}

// CopyRange copies the entries inside [addrFromStart, addrFromEnd] to
// addresses starting at addrToStart. Sources stay intact, existing data at
// the destination is overwritten, holes in the source are not copied.
func (img *Image) CopyRange(addrFromStart, addrFromEnd, addrToStart Addr) error {
	if addrFromStart > addrFromEnd {
		return RangeError{addrFromStart, addrFromEnd}
	}
	moved := img.rangeSnapshot(addrFromStart, addrFromEnd)
	for _, e := range moved {
		if err := img.Add(e.Address-addrFromStart+addrToStart, e.Data); err != nil {
			return err
		}
	}
	return nil
}

// MoveRange relocates the entries inside [addrFromStart, addrFromEnd] to
// addresses starting at addrToStart. The result equals taking a snapshot of
// the range, deleting it, then inserting the snapshot at the destination.
func (img *Image) MoveRange(addrFromStart, addrFromEnd, addrToStart Addr) error {
	if addrFromStart > addrFromEnd {
		return RangeError{addrFromStart, addrFromEnd}
	}
	moved := img.rangeSnapshot(addrFromStart, addrFromEnd)
	for _, e := range moved {
		img.Delete(e.Address)
	}
	for _, e := range moved {
		if err := img.Add(e.Address-addrFromStart+addrToStart, e.Data); err != nil {
			return err
		}
	}
	return nil
}

func (img *Image) rangeSnapshot(addrStart, addrEnd Addr) []Entry {
	var snap []Entry
	idx, _ := img.FindIndex(addrStart)
	for ; idx < len(img.entries) && img.entries[idx].Address <= addrEnd; idx++ {
		snap = append(snap, img.entries[idx])
	}
	return snap
}

// Print writes one "0xADDR\t0xDATA" line per entry to w, in ascending
// address order. It is the console counterpart of the table exporter.
func (img *Image) Print(w io.Writer) error {
	for _, e := range img.entries {
		if _, err := fmt.Fprintf(w, "0x%04X\t0x%02X\n", uint64(e.Address), e.Data); err != nil {
			return err
		}
	}
	return nil
}

// Checksum computes the IEEE CRC-32 (reversed polynomial 0xEDB88320,
// init and xorout 0xFFFFFFFF) over the data bytes of the entry index range
// [idxStart, idxEnd]. Addresses are not included.
func (img *Image) Checksum(idxStart, idxEnd int) uint32 {
	var crc uint32
	buf := make([]byte, 0, 256)
	for i := idxStart; i <= idxEnd; i++ {
		buf = append(buf, img.entries[i].Data)
		if len(buf) == cap(buf) {
			crc = crc32.Update(crc, crc32.IEEETable, buf)
			buf = buf[:0]
		}
	}
	return crc32.Update(crc, crc32.IEEETable, buf)
}
