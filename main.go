// stm8gal programs STM8 microcontrollers through their ROM bootloader over
// UART or SPI: upload application images, read out memory, erase flash and
// start the application.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gicking/stm8gal-sub000/bsl"
	"github.com/gicking/stm8gal-sub000/hexfile"
	"github.com/gicking/stm8gal-sub000/memimg"
	"github.com/gicking/stm8gal-sub000/serial"
	"github.com/gicking/stm8gal-sub000/serial/spi"
)

var log = logrus.New()

type options struct {
	port     string
	baud     int
	spiDev   string
	spiSpeed uint32
	uartMode string
	reset    bool

	writeFiles []string
	binBase    string
	writeBytes []string
	fills      []string
	readRange  string
	erase      string
	massErase  bool
	verify     string
	jump       string
	verbose    int
}

func main() {
	var opts options

	root := &cobra.Command{
		Use:           "stm8gal",
		Short:         "program STM8 devices via the ROM bootloader",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch opts.verbose {
			case 0:
				log.SetLevel(logrus.InfoLevel)
			default:
				log.SetLevel(logrus.DebugLevel)
			}
			return run(&opts)
		},
	}

	f := root.Flags()
	f.StringVarP(&opts.port, "port", "p", "/dev/ttyUSB0", "serial port device")
	f.IntVarP(&opts.baud, "baud", "b", 115200, "serial baudrate")
	f.StringVar(&opts.spiDev, "spi", "", "use SPI via the given spidev device instead of UART")
	f.Uint32Var(&opts.spiSpeed, "spi-speed", 250000, "SPI clock in Hz")
	f.StringVarP(&opts.uartMode, "uart-mode", "u", "auto", "UART mode: auto, duplex, 1-wire, 2-wire-reply")
	f.BoolVar(&opts.reset, "reset", false, "pulse DTR to reset the target before connecting")
	f.StringArrayVarP(&opts.writeFiles, "write", "w", nil, "file to flash (s19/hex/txt/bin), may be repeated")
	f.StringVar(&opts.binBase, "bin-base", "0x8000", "base address for raw binary input files")
	f.StringArrayVarP(&opts.writeBytes, "write-byte", "W", nil, "change value at given address, 'addr value', may be repeated")
	f.StringArrayVar(&opts.fills, "fill", nil, "fill range 'start stop value' before writing")
	f.StringVarP(&opts.readRange, "read", "r", "", "read range 'start stop file', file=console to print instead of writing")
	f.StringVarP(&opts.erase, "erase", "e", "", "erase the 1kB flash sector containing this address")
	f.BoolVarP(&opts.massErase, "erase-full", "E", false, "mass erase the whole flash")
	f.StringVarP(&opts.verify, "verify", "V", "readback", "verify mode after writing: none, readback, crc32")
	f.StringVarP(&opts.jump, "jump", "j", "0x8000", "address to jump to when done, empty to stay in the bootloader")
	f.CountVarP(&opts.verbose, "verbose", "v", "increase verbosity")

	if err := root.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run(opts *options) error {
	tr, cleanup, err := openTransport(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	client := bsl.NewClient(tr, log)

	if err := client.Sync(); err != nil {
		return err
	}

	if uart, ok := tr.(*bsl.UARTTransport); ok {
		switch opts.uartMode {
		case "auto":
			mode, err := client.DetectUARTMode()
			if err != nil {
				return err
			}
			log.Infof("UART mode: %s", mode)
		case "duplex":
			uart.SetMode(bsl.ModeDuplex)
			err = tr.SetParity(bsl.ParityEven)
		case "1-wire":
			uart.SetMode(bsl.ModeOneWire)
			err = tr.SetParity(bsl.ParityNone)
		case "2-wire-reply":
			uart.SetMode(bsl.ModeTwoWireReply)
			err = tr.SetParity(bsl.ParityNone)
		default:
			return fmt.Errorf("unknown UART mode %q", opts.uartMode)
		}
		if err != nil {
			return err
		}
	}

	dev, err := client.GetInfo()
	if err != nil {
		return err
	}
	log.Infof("device: %s", dev)

	if err := client.UploadWriteErase(dev); err != nil {
		return err
	}

	if opts.massErase {
		log.Info("mass erase")
		if err := client.MassErase(); err != nil {
			return err
		}
	} else if opts.erase != "" {
		addr, err := parseAddr(opts.erase)
		if err != nil {
			return fmt.Errorf("erase address: %w", err)
		}
		log.Infof("erase sector at 0x%04X", uint64(addr))
		if err := client.EraseSector(addr); err != nil {
			return err
		}
	}

	if len(opts.writeFiles) > 0 || len(opts.writeBytes) > 0 || len(opts.fills) > 0 {
		image, err := assembleImage(opts)
		if err != nil {
			return err
		}
		log.Infof("write %dB", image.Len())
		if err := client.MemWrite(image); err != nil {
			return err
		}

		switch opts.verify {
		case "none":
		case "readback":
			log.Info("verify (readback)")
			if err := client.VerifyReadback(image); err != nil {
				return err
			}
		case "crc32":
			log.Info("verify (CRC32)")
			if err := client.VerifyCRC32(image, dev); err != nil {
				return err
			}
			// the CRC32 run clobbered the RAM write/erase routines
			if err := client.UploadWriteErase(dev); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown verify mode %q", opts.verify)
		}
		log.Info("write done")
	}

	if opts.readRange != "" {
		if err := readOut(client, opts.readRange); err != nil {
			return err
		}
	}

	if opts.jump != "" {
		addr, err := parseAddr(opts.jump)
		if err != nil {
			return fmt.Errorf("jump address: %w", err)
		}
		log.Infof("jump to 0x%04X", uint64(addr))
		if err := client.JumpTo(addr); err != nil {
			return err
		}
	}
	return nil
}

func openTransport(opts *options) (bsl.Transport, func(), error) {
	if opts.spiDev != "" {
		dev, err := spi.Open(opts.spiDev, &spi.Config{
			Mode:  spi.Mode0,
			Bits:  8,
			Speed: opts.spiSpeed,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", opts.spiDev, err)
		}
		return bsl.NewSPITransport(dev), func() { dev.Close() }, nil
	}

	port, err := serial.Open(opts.port, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", opts.port, err)
	}
	if err := port.MakeRaw(); err != nil {
		port.Close()
		return nil, nil, err
	}
	if err := port.SetSpeed(opts.baud); err != nil {
		port.Close()
		return nil, nil, err
	}
	// the SYNCH handshake works in all modes with even parity
	if err := port.SetParity(serial.ParityEven); err != nil {
		port.Close()
		return nil, nil, err
	}
	if opts.reset {
		port.PulseDTR(10 * time.Millisecond)
	}
	return bsl.NewUARTTransport(port, bsl.ModeDuplex), func() { port.Close() }, nil
}

func assembleImage(opts *options) (*memimg.Image, error) {
	image := memimg.New()
	for _, name := range opts.writeFiles {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, err
		}
		part, err := importByExt(name, data, opts.binBase)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if err := image.Merge(part); err != nil {
			return nil, err
		}
	}
	for _, wb := range opts.writeBytes {
		fields := strings.Fields(wb)
		if len(fields) != 2 {
			return nil, fmt.Errorf("write-byte %q: expected 'addr value'", wb)
		}
		addr, err := parseAddr(fields[0])
		if err != nil {
			return nil, err
		}
		value, err := parseAddr(fields[1])
		if err != nil || value > 0xFF {
			return nil, fmt.Errorf("write-byte value %q: not a byte", fields[1])
		}
		if err := image.Add(addr, byte(value)); err != nil {
			return nil, err
		}
	}
	for _, fill := range opts.fills {
		fields := strings.Fields(fill)
		if len(fields) != 3 {
			return nil, fmt.Errorf("fill %q: expected 'start stop value'", fill)
		}
		start, err := parseAddr(fields[0])
		if err != nil {
			return nil, err
		}
		stop, err := parseAddr(fields[1])
		if err != nil {
			return nil, err
		}
		value, err := parseAddr(fields[2])
		if err != nil || value > 0xFF {
			return nil, fmt.Errorf("fill value %q: not a byte", fields[2])
		}
		if err := image.Fill(start, stop, byte(value)); err != nil {
			return nil, err
		}
	}
	if image.Empty() {
		return nil, fmt.Errorf("nothing to write")
	}
	return image, nil
}

func importByExt(name string, data []byte, binBase string) (*memimg.Image, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".s19", ".s29", ".srec", ".sx":
		return hexfile.ImportS19(data)
	case ".hex", ".ihx":
		return hexfile.ImportIHX(data)
	case ".txt":
		return hexfile.ImportTable(data)
	default:
		base, err := parseAddr(binBase)
		if err != nil {
			return nil, fmt.Errorf("binary base address: %w", err)
		}
		return hexfile.ImportBinary(data, base)
	}
}

func readOut(client *bsl.Client, rangeSpec string) error {
	fields := strings.Fields(rangeSpec)
	if len(fields) != 3 {
		return fmt.Errorf("read %q: expected 'start stop file'", rangeSpec)
	}
	start, err := parseAddr(fields[0])
	if err != nil {
		return err
	}
	stop, err := parseAddr(fields[1])
	if err != nil {
		return err
	}
	name := fields[2]

	log.Infof("read 0x%04X to 0x%04X", uint64(start), uint64(stop))
	image := memimg.New()
	if err := client.MemRead(start, stop, image); err != nil {
		return err
	}

	if strings.EqualFold(name, "console") {
		return image.Print(os.Stdout)
	}

	var out []byte
	switch strings.ToLower(filepath.Ext(name)) {
	case ".s19", ".s29", ".srec", ".sx":
		out = hexfile.ExportS19(image)
	case ".hex", ".ihx":
		out = hexfile.ExportIHX(image)
	case ".txt":
		out = hexfile.ExportTable(image)
	default:
		var filler int
		out, filler = hexfile.ExportBinary(image)
		if filler > 0 {
			log.Warnf("binary export: %d gap bytes filled with 0x00", filler)
		}
	}
	return os.WriteFile(name, out, 0o644)
}

func parseAddr(token string) (memimg.Addr, error) {
	var v uint64
	var err error
	if strings.HasPrefix(token, "0x") || strings.HasPrefix(token, "0X") {
		v, err = strconv.ParseUint(token[2:], 16, 64)
	} else {
		v, err = strconv.ParseUint(token, 10, 64)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", token)
	}
	return memimg.Addr(v), nil
}
