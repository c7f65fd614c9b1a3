package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/marcinbor85/gohex"
	"github.com/spf13/cobra"

	"github.com/espgo/espflash/internal/detect"
	"github.com/espgo/espflash/internal/efuse"
	"github.com/espgo/espflash/internal/flasher"
	"github.com/espgo/espflash/internal/image"
	"github.com/espgo/espflash/internal/partition"
	"github.com/espgo/espflash/internal/protocol"
	"github.com/espgo/espflash/internal/serial"
	"github.com/espgo/espflash/internal/target"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag    string
	baudFlag    int
	chipFlag    string
	beforeFlag  string
	afterFlag   string
	usbJtagFlag bool
	noStubFlag  bool

	verifyFlag   bool
	skipFlag     bool
	compressFlag bool

	bootloaderFlag  string
	partTableFlag   string
	partOffsetFlag  uint32
	appPartFlag     string
	flashSizeFlag   string
	flashModeFlag   string
	flashFreqFlag   string
	mmuPageSizeFlag uint32
	minChipRevFlag  uint16
	directBootFlag  bool
)

var rootCtx context.Context

func cmdContext() context.Context {
	return rootCtx
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	rootCtx = ctx

	rootCmd := &cobra.Command{
		Use:   "espflash",
		Short: "Flash Espressif microcontrollers over serial",
		Long: `espflash talks to the ROM bootloader of ESP32-family devices:
it builds bootable images from ELF files, writes and reads SPI flash,
manages partition tables and erases regions or whole chips.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newFlashCmd(),
		newWriteBinCmd(),
		newWriteHexCmd(),
		newReadFlashCmd(),
		newEraseFlashCmd(),
		newEraseRegionCmd(),
		newErasePartsCmd(),
		newChecksumCmd(),
		newPartitionTableCmd(),
		newRAMCmd(),
		newInfoCmd(),
		newListCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addConnectionFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	cmd.Flags().IntVarP(&baudFlag, "baud", "b", 460800, "Baud rate after connecting")
	cmd.Flags().StringVarP(&chipFlag, "chip", "c", "", "Expected chip (fail on mismatch)")
	cmd.Flags().StringVar(&beforeFlag, "before", "default-reset",
		"Entry strategy: default-reset, usb-reset, no-reset, no-reset-no-sync")
	cmd.Flags().StringVar(&afterFlag, "after", "hard-reset",
		"Exit strategy: hard-reset, soft-reset, watchdog-reset, no-reset, no-reset-no-stub")
	cmd.Flags().BoolVar(&usbJtagFlag, "usb-serial-jtag", false, "Port is the chip's USB-Serial-JTAG peripheral")
	cmd.Flags().BoolVar(&noStubFlag, "no-stub", false, "Do not upload the flasher stub")
}

func addWriteFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&verifyFlag, "verify", true, "Verify flash contents after writing")
	cmd.Flags().BoolVar(&skipFlag, "skip", true, "Skip segments that already match flash")
	cmd.Flags().BoolVar(&compressFlag, "compress", true, "Compress data during transfer")
}

func flashParams(fl *flasher.Flasher, def *target.Definition) (target.FlashParams, error) {
	params := fl.DefaultParams()

	if flashSizeFlag != "" {
		size, err := target.ParseFlashSize(flashSizeFlag)
		if err != nil {
			return params, err
		}
		params.Size = size
	}
	if flashModeFlag != "" {
		mode, err := target.ParseFlashMode(flashModeFlag)
		if err != nil {
			return params, err
		}
		params.Mode = mode
	}
	if flashFreqFlag != "" {
		freq, err := target.ParseFlashFrequency(flashFreqFlag)
		if err != nil {
			return params, err
		}
		if _, err := def.EncodeFlashFrequency(freq); err != nil {
			return params, err
		}
		params.Freq = freq
	}

	return params, nil
}

func loadPartitionTable() (*partition.Table, error) {
	if partTableFlag == "" {
		return nil, nil
	}
	data, err := os.ReadFile(partTableFlag)
	if err != nil {
		return nil, err
	}
	if len(data) >= 2 && data[0] == 0xAA && data[1] == 0x50 {
		return partition.ParseBinary(data)
	}
	return partition.ParseCSV(data)
}

func newFlashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flash <app.elf>",
		Short: "Build a bootable image from an ELF and write it to flash",
		Args:  cobra.ExactArgs(1),
		RunE:  runFlash,
	}
	addConnectionFlags(cmd)
	addWriteFlags(cmd)
	cmd.Flags().StringVar(&bootloaderFlag, "bootloader", "", "Second-stage bootloader binary")
	cmd.Flags().StringVar(&partTableFlag, "partition-table", "", "Partition table (CSV or binary)")
	cmd.Flags().Uint32Var(&partOffsetFlag, "partition-table-offset", 0, "Partition table flash offset")
	cmd.Flags().StringVar(&appPartFlag, "target-app-partition", "", "Partition to write the app to")
	cmd.Flags().StringVar(&flashSizeFlag, "flash-size", "", "Flash size (e.g. 4MB)")
	cmd.Flags().StringVar(&flashModeFlag, "flash-mode", "", "Flash mode: qio, qout, dio, dout")
	cmd.Flags().StringVar(&flashFreqFlag, "flash-freq", "", "Flash frequency (e.g. 40MHz)")
	cmd.Flags().Uint32Var(&mmuPageSizeFlag, "mmu-page-size", 0, "MMU page size in bytes")
	cmd.Flags().Uint16Var(&minChipRevFlag, "min-chip-rev", 0, "Minimum chip revision (major*100+minor)")
	cmd.Flags().BoolVar(&directBootFlag, "direct-boot", false, "Build a direct-boot image instead of the IDF format")
	return cmd
}

func runFlash(cmd *cobra.Command, args []string) error {
	elfData, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	s, err := openSession(!noStubFlag)
	if err != nil {
		return err
	}
	defer s.close(true)

	def := s.conn.Target()
	params, err := flashParams(s.fl, def)
	if err != nil {
		return err
	}

	if minChipRevFlag > 0 {
		fuses := efuse.NewReader(s.conn, def)
		if err := fuses.VerifyMinimumRevision(minChipRevFlag); err != nil {
			return err
		}
	}

	var layout *image.Layout
	if directBootFlag {
		layout, err = image.BuildDirectBoot(elfData, def)
		if err != nil {
			return err
		}
	} else {
		table, err := loadPartitionTable()
		if err != nil {
			return err
		}

		var bootloader []byte
		if bootloaderFlag != "" {
			bootloader, err = os.ReadFile(bootloaderFlag)
			if err != nil {
				return err
			}
		} else {
			fmt.Println("No bootloader supplied, writing partition table and app only")
		}

		layout, err = image.BuildIDF(elfData, image.Config{
			Target:       def,
			Params:       params,
			MinChipRev:   minChipRevFlag,
			MMUPageSize:  mmuPageSizeFlag,
			Bootloader:   bootloader,
			Table:        table,
			TableOffset:  partOffsetFlag,
			AppPartition: appPartFlag,
		})
		if err != nil {
			return err
		}
	}

	fmt.Printf("App image: %d bytes", layout.AppSize)
	if layout.PartitionSize > 0 {
		fmt.Printf(" (partition: %d bytes)", layout.PartitionSize)
	}
	fmt.Println()

	err = s.fl.WriteFlash(cmdContext(), layout.Segments, flasher.Options{
		Params:   params,
		Skip:     skipFlag,
		Verify:   verifyFlag,
		Compress: compressFlag && !s.conn.SecureDownloadMode(),
		Reboot:   true,
		Progress: newBarProgress(),
	})
	if err != nil {
		return err
	}

	fmt.Println("Flash complete")
	return nil
}

func newWriteBinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write-bin <file.bin> <offset>",
		Short: "Write a raw binary at a flash offset",
		Args:  cobra.ExactArgs(2),
		RunE:  runWriteBin,
	}
	addConnectionFlags(cmd)
	addWriteFlags(cmd)
	return cmd
}

func runWriteBin(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	offset, err := parseNumber(args[1])
	if err != nil {
		return err
	}

	s, err := openSession(!noStubFlag)
	if err != nil {
		return err
	}
	defer s.close(true)

	err = s.fl.WriteBin(cmdContext(), offset, data, flasher.Options{
		Skip:     skipFlag,
		Verify:   verifyFlag,
		Compress: compressFlag,
		Reboot:   true,
		Progress: newBarProgress(),
	})
	if err != nil {
		return err
	}

	fmt.Printf("Wrote %d bytes at 0x%X\n", len(data), offset)
	return nil
}

func newWriteHexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write-hex <file.hex>",
		Short: "Write an Intel HEX file to flash",
		Args:  cobra.ExactArgs(1),
		RunE:  runWriteHex,
	}
	addConnectionFlags(cmd)
	addWriteFlags(cmd)
	return cmd
}

func runWriteHex(cmd *cobra.Command, args []string) error {
	file, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer file.Close()

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(file); err != nil {
		return fmt.Errorf("parsing %s: %w", args[0], err)
	}

	var segments []flasher.Segment
	for _, seg := range mem.GetDataSegments() {
		segments = append(segments, flasher.Segment{Addr: seg.Address, Data: seg.Data})
	}
	if len(segments) == 0 {
		return fmt.Errorf("%s contains no data", args[0])
	}

	s, err := openSession(!noStubFlag)
	if err != nil {
		return err
	}
	defer s.close(true)

	err = s.fl.WriteFlash(cmdContext(), segments, flasher.Options{
		Skip:     skipFlag,
		Verify:   verifyFlag,
		Compress: compressFlag,
		Reboot:   true,
		Progress: newBarProgress(),
	})
	if err != nil {
		return err
	}

	fmt.Printf("Wrote %d segments\n", len(segments))
	return nil
}

func newReadFlashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read-flash <offset> <length> <out.bin>",
		Short: "Read a flash region into a file",
		Args:  cobra.ExactArgs(3),
		RunE:  runReadFlash,
	}
	addConnectionFlags(cmd)
	return cmd
}

func runReadFlash(cmd *cobra.Command, args []string) error {
	offset, err := parseNumber(args[0])
	if err != nil {
		return err
	}
	length, err := parseNumber(args[1])
	if err != nil {
		return err
	}

	out, err := os.Create(args[2])
	if err != nil {
		return err
	}
	defer out.Close()

	s, err := openSession(!noStubFlag)
	if err != nil {
		return err
	}
	defer s.close(true)

	if err := s.fl.ReadFlash(cmdContext(), offset, length, out, newBarProgress()); err != nil {
		return err
	}

	fmt.Printf("Read %d bytes from 0x%X into %s\n", length, offset, args[2])
	return nil
}

func newEraseFlashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "erase-flash",
		Short: "Erase the entire flash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(!noStubFlag)
			if err != nil {
				return err
			}
			defer s.close(true)

			if err := s.fl.EraseFlash(cmdContext()); err != nil {
				return err
			}
			fmt.Println("Flash erased")
			return nil
		},
	}
	addConnectionFlags(cmd)
	return cmd
}

func newEraseRegionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "erase-region <offset> <size>",
		Short: "Erase a flash region (sector aligned)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			offset, err := parseNumber(args[0])
			if err != nil {
				return err
			}
			size, err := parseNumber(args[1])
			if err != nil {
				return err
			}

			s, err := openSession(!noStubFlag)
			if err != nil {
				return err
			}
			defer s.close(true)

			if err := s.fl.EraseRegion(cmdContext(), offset, size); err != nil {
				return err
			}
			fmt.Printf("Erased 0x%X bytes at 0x%X\n", size, offset)
			return nil
		},
	}
	addConnectionFlags(cmd)
	return cmd
}

func newErasePartsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "erase-parts <label>...",
		Short: "Erase named partitions using the table on the device",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(!noStubFlag)
			if err != nil {
				return err
			}
			defer s.close(true)

			var tableBin bytes.Buffer
			tableOffset := partOffsetFlag
			if tableOffset == 0 {
				tableOffset = partition.DefaultOffset
			}
			if err := s.fl.ReadFlash(cmdContext(), tableOffset, partition.MaxBinarySize, &tableBin, nil); err != nil {
				return err
			}
			table, err := partition.ParseBinary(tableBin.Bytes())
			if err != nil {
				return fmt.Errorf("no valid partition table at 0x%X: %w", tableOffset, err)
			}

			for _, label := range args {
				entry := table.Find(label)
				if entry == nil {
					return fmt.Errorf("partition %q not found on device", label)
				}
				if err := s.fl.EraseRegion(cmdContext(), entry.Offset, entry.Size); err != nil {
					return err
				}
				fmt.Printf("Erased %q (0x%X bytes at 0x%X)\n", label, entry.Size, entry.Offset)
			}
			return nil
		},
	}
	addConnectionFlags(cmd)
	cmd.Flags().Uint32Var(&partOffsetFlag, "partition-table-offset", 0, "Partition table flash offset")
	return cmd
}

func newChecksumCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checksum-md5 <offset> <length>",
		Short: "Compute the MD5 of a flash region on the device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			offset, err := parseNumber(args[0])
			if err != nil {
				return err
			}
			length, err := parseNumber(args[1])
			if err != nil {
				return err
			}

			s, err := openSession(!noStubFlag)
			if err != nil {
				return err
			}
			defer s.close(true)

			digest, err := s.fl.ChecksumMD5(offset, length)
			if err != nil {
				return err
			}
			fmt.Printf("0x%X..0x%X: %s\n", offset, offset+length, hex.EncodeToString(digest[:]))
			return nil
		},
	}
	addConnectionFlags(cmd)
	return cmd
}

func newPartitionTableCmd() *cobra.Command {
	var outFlag string
	var toBinary, toCSV bool

	cmd := &cobra.Command{
		Use:   "partition-table <table>",
		Short: "Convert or validate a partition table (CSV or binary)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			var table *partition.Table
			if len(data) >= 2 && data[0] == 0xAA && data[1] == 0x50 {
				table, err = partition.ParseBinary(data)
			} else {
				table, err = partition.ParseCSV(data)
			}
			if err != nil {
				return err
			}

			var out []byte
			switch {
			case toBinary:
				out, err = table.ToBinary()
				if err != nil {
					return err
				}
			case toCSV:
				out = table.ToCSV()
			default:
				fmt.Printf("%s: %d entries, valid\n", args[0], len(table.Entries))
				os.Stdout.Write(table.ToCSV())
				return nil
			}

			if outFlag == "" {
				_, err = os.Stdout.Write(out)
				return err
			}
			return os.WriteFile(outFlag, out, 0o644)
		},
	}
	cmd.Flags().BoolVar(&toBinary, "to-binary", false, "Emit the binary form")
	cmd.Flags().BoolVar(&toCSV, "to-csv", false, "Emit the CSV form")
	cmd.Flags().StringVarP(&outFlag, "output", "o", "", "Output file (default stdout)")
	return cmd
}

func newRAMCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ram <app.elf>",
		Short: "Load an ELF into RAM and execute it (no flash writes)",
		Args:  cobra.ExactArgs(1),
		RunE:  runRAM,
	}
	addConnectionFlags(cmd)
	return cmd
}

func runRAM(cmd *cobra.Command, args []string) error {
	elfData, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	s, err := openSession(false)
	if err != nil {
		return err
	}
	defer s.close(false)

	prog, err := image.ParseELF(elfData, s.conn.Target())
	if err != nil {
		return err
	}
	if len(prog.FlashSegments) > 0 {
		return fmt.Errorf("%s maps segments to flash and cannot run from RAM", args[0])
	}

	if err := s.fl.WriteRAM(cmdContext(), prog.RAMSegments, prog.Entry, newBarProgress()); err != nil {
		return err
	}

	fmt.Printf("Running from RAM, entry 0x%08X\n", prog.Entry)
	return nil
}

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show information about the connected device",
		Args:  cobra.NoArgs,
		RunE:  runInfo,
	}
	addConnectionFlags(cmd)
	return cmd
}

func runInfo(cmd *cobra.Command, args []string) error {
	s, err := openSession(false)
	if err != nil {
		return err
	}
	defer s.close(true)

	info, err := s.deviceInfo()
	if err != nil {
		return err
	}

	fmt.Printf("Chip:       %s\n", info.Chip)
	if info.Revision != "" {
		fmt.Printf("Revision:   %s\n", info.Revision)
	}
	fmt.Printf("Crystal:    %d MHz\n", info.Xtal)
	fmt.Printf("Flash size: %s\n", info.FlashSize)
	if info.MAC != "" {
		fmt.Printf("MAC:        %s\n", info.MAC)
	}
	if len(info.Features) > 0 {
		fmt.Printf("Features:   %s\n", strings.Join(info.Features, ", "))
	}
	return nil
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available serial ports and detected devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := serial.ListPorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Println("No serial ports found")
				return nil
			}

			fmt.Println("Available serial ports:")
			for _, p := range ports {
				fmt.Printf("  %s\n", p)
			}

			devices, err := detect.ListDevices(protocol.DefaultBaudRate)
			if err != nil {
				return err
			}
			for _, d := range devices {
				fmt.Printf("  %s: %s\n", d.Port, d.Chip.Name())
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("espflash %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
}

// parseNumber accepts decimal and 0x-prefixed hex.
func parseNumber(s string) (uint32, error) {
	value, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return uint32(value), nil
}
