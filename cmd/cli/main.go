package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/term"

	"openenterprise/stm32flash/config"
	"openenterprise/stm32flash/flasher"
	"openenterprise/stm32flash/telemetry"
	"openenterprise/stm32flash/version"
)

const defaultAddress = 0x08000000

func main() {
	os.Exit(run())
}

func run() int {
	// Load .env file before parsing flags
	loadEnvFile()

	port := flag.String("port", config.SerialPort(), "Serial device path")
	baud := flag.Int("baud", config.BaudRate(), "Baud rate")
	resetPin := flag.String("reset-pin", config.ResetPin(), "RESET line GPIO name")
	boot0Pin := flag.String("boot0-pin", config.Boot0Pin(), "BOOT0 line GPIO name")
	address := flag.String("address", "", "Flash base address (hex, default 0x08000000)")
	broker := flag.String("broker", config.BrokerAddr(), "MQTT broker host:port for telemetry (optional)")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		return 1
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(telemetry.NewSlogHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *broker != "" {
		if err := telemetry.Init(*broker, config.ClientID(), logger); err != nil {
			logger.Warn("cli:telemetry-disabled", slog.String("err", err.Error()))
		}
		defer telemetry.Flush()
	}

	baseAddr, err := parseAddress(*address)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bad address: %v\n", err)
		return 1
	}

	// Teardown still runs on Ctrl+C; the session is cancelled at its next
	// suspension point and the target is restored to main-flash boot.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f := flasher.New(flasher.Options{
		SerialPort: *port,
		BaudRate:   *baud,
		ResetPin:   *resetPin,
		Boot0Pin:   *boot0Pin,
		Logger:     logger,
		OnProgress: progressPrinter(),
	})

	switch cmd := flag.Arg(0); cmd {
	case "info":
		if err := runInfo(ctx, f); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	case "flash":
		if flag.NArg() < 2 {
			fmt.Println("Usage: stm32flash flash <firmware.bin>")
			return 1
		}
		if err := runFlash(ctx, f, baseAddr, flag.Arg(1)); err != nil {
			fmt.Fprintf(os.Stderr, "Flash failed: %v\n", err)
			return 1
		}
	default:
		// Bare file argument flashes it.
		if err := runFlash(ctx, f, baseAddr, cmd); err != nil {
			fmt.Fprintf(os.Stderr, "Flash failed: %v\n", err)
			return 1
		}
	}
	return 0
}

func printUsage() {
	fmt.Println("stm32flash", version.Version)
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  stm32flash [flags] flash <firmware.bin>")
	fmt.Println("  stm32flash [flags] <firmware.bin>")
	fmt.Println("  stm32flash [flags] info")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Flags override STM32FLASH_* environment variables, which can")
	fmt.Println("  also be placed in a .env file in the working directory.")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  stm32flash firmware.bin")
	fmt.Println("  stm32flash -address 0x08004000 flash app.bin")
	fmt.Println("  stm32flash -port /dev/ttyUSB0 -reset-pin GPIO23 -boot0-pin GPIO24 info")
	flag.PrintDefaults()
}

// runFlash reads the raw image and programs it.
func runFlash(ctx context.Context, f *flasher.Flasher, addr uint32, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read firmware: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("firmware %s is empty", path)
	}

	fmt.Printf("Firmware: %s\n", path)
	fmt.Printf("Size: %d bytes (%d KB)\n", len(data), len(data)/1024)
	fmt.Printf("Base address: 0x%08x\n", addr)

	if err := f.Flash(ctx, addr, data); err != nil {
		return err
	}
	fmt.Println("Done. Target rebooted into user firmware.")
	return nil
}

// runInfo queries and prints what the bootloader advertises.
func runInfo(ctx context.Context, f *flasher.Flasher) error {
	info, err := f.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Bootloader version: %d.%d\n", info.BootloaderVersion>>4, info.BootloaderVersion&0x0F)
	fmt.Printf("Product ID: 0x%04x\n", info.ProductID)
	fmt.Print("Commands:")
	for _, c := range info.Commands {
		fmt.Printf(" 0x%02x", c)
	}
	fmt.Println()
	return nil
}

// progressPrinter renders a single updating progress line when stdout is a
// terminal, one line per packet otherwise.
func progressPrinter() flasher.ProgressFunc {
	isTTY := term.IsTerminal(int(os.Stdout.Fd()))
	return func(addr uint32, offset, total int) {
		written := offset + 256
		if written > total {
			written = total
		}
		if isTTY {
			fmt.Printf("\r[%3d%%] 0x%08x %d/%d bytes", written*100/total, addr, written, total)
			if written == total {
				fmt.Println()
			}
			return
		}
		fmt.Printf("wrote 0x%08x (%d/%d bytes)\n", addr, written, total)
	}
}

// parseAddress accepts "0x08000000" style hex or bare decimal.
func parseAddress(s string) (uint32, error) {
	if s == "" {
		return defaultAddress, nil
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// loadEnvFile loads environment variables from .env file in current directory
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return // File doesn't exist or can't be read, that's fine
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}

		// Only set if not already set in environment
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
