package bsl

import (
	"embed"

	"github.com/gicking/stm8gal-sub000/hexfile"
	"github.com/gicking/stm8gal-sub000/memimg"
)

// RAM routines for flash write/erase and CRC32 verification. The payloads
// are Intel HEX renditions of the open-source replacement routines from
// https://github.com/basilhussain/stm8-bootloader-erase-write and
// https://github.com/basilhussain/stm8-crc, bundled per device family,
// flash size and bootloader version.
//
//go:embed routines/*.ihx
var routineFS embed.FS

type routineKey struct {
	flashKB int
	version uint8
}

// Write/erase routines are shared between families; the ROM bootloader
// version and flash density identify the build.
var writeEraseRoutines = map[routineKey]string{
	{8, 0x10}:   "routines/erase_write_verL_8k_v1.0.ihx",
	{32, 0x10}:  "routines/erase_write_ver_32k_v1.0.ihx",
	{32, 0x12}:  "routines/erase_write_ver_32k_v1.2.ihx",
	{32, 0x13}:  "routines/erase_write_ver_32k_v1.3.ihx",
	{64, 0x20}:  "routines/erase_write_ver_128k_v2.0.ihx",
	{128, 0x20}: "routines/erase_write_ver_128k_v2.0.ihx",
	{64, 0x21}:  "routines/erase_write_ver_128k_v2.1.ihx",
	{128, 0x21}: "routines/erase_write_ver_128k_v2.1.ihx",
	{64, 0x22}:  "routines/erase_write_ver_128k_v2.2.ihx",
	{128, 0x22}: "routines/erase_write_ver_128k_v2.2.ihx",
}

type crcRoutineKey struct {
	family  Family
	flashKB int
	version uint8
}

var crc32Routines = map[crcRoutineKey]string{
	{STM8L, 8, 0x10}:   "routines/verify_crc32_stm8l_8k_v1.0.ihx",
	{STM8L, 16, 0x11}:  "routines/verify_crc32_stm8l_32k_v1.1.ihx",
	{STM8L, 32, 0x11}:  "routines/verify_crc32_stm8l_32k_v1.1.ihx",
	{STM8L, 16, 0x12}:  "routines/verify_crc32_stm8l_32k_v1.2.ihx",
	{STM8L, 32, 0x12}:  "routines/verify_crc32_stm8l_32k_v1.2.ihx",
	{STM8L, 64, 0x11}:  "routines/verify_crc32_stm8l_64k_v1.1.ihx",
	{STM8S, 32, 0x12}:  "routines/verify_crc32_stm8s_32k_v1.2.ihx",
	{STM8S, 32, 0x13}:  "routines/verify_crc32_stm8s_32k_v1.3.ihx",
	{STM8S, 64, 0x21}:  "routines/verify_crc32_stm8s_128k_v2.1.ihx",
	{STM8S, 128, 0x21}: "routines/verify_crc32_stm8s_128k_v2.1.ihx",
	{STM8S, 64, 0x22}:  "routines/verify_crc32_stm8s_128k_v2.2.ihx",
	{STM8S, 128, 0x22}: "routines/verify_crc32_stm8s_128k_v2.2.ihx",
}

func writeEraseRoutine(dev Device) ([]byte, error) {
	name, ok := writeEraseRoutines[routineKey{dev.FlashKB, dev.Version}]
	if !ok {
		return nil, &RoutineError{Family: dev.Family, FlashKB: dev.FlashKB, Version: dev.Version}
	}
	return routineFS.ReadFile(name)
}

func crc32Routine(dev Device) ([]byte, error) {
	name, ok := crc32Routines[crcRoutineKey{dev.Family, dev.FlashKB, dev.Version}]
	if !ok {
		return nil, &RoutineError{Family: dev.Family, FlashKB: dev.FlashKB, Version: dev.Version}
	}
	return routineFS.ReadFile(name)
}

func decodeRoutine(blob []byte) (*memimg.Image, error) {
	return hexfile.ImportIHX(blob)
}
