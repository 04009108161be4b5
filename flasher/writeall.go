package flasher

import (
	"context"
	"log/slog"

	"openenterprise/stm32flash/bootloader"
)

const (
	// packetSize is the fixed Write Memory payload size; short tails are
	// padded with erased-flash filler.
	packetSize = bootloader.MaxWritePacket
	wordSize   = 4
	fillByte   = 0xFF
)

// paddedLength extends n to the next word boundary. An already-aligned
// image still gains a full word of filler; downstream tooling depends on
// the byte-for-byte output, so keep it.
func paddedLength(n int) int {
	return n + (wordSize - n%wordSize)
}

// wireLength is the number of bytes that actually go over the wire: the
// padded image rounded up to whole packets.
func wireLength(n int) int {
	padded := paddedLength(n)
	return (padded + packetSize - 1) / packetSize * packetSize
}

// writeAll segments the image into fixed-size packets and programs each in
// turn, reporting progress after every acknowledged packet.
func (f *Flasher) writeAll(ctx context.Context, s *bootloader.Session, address uint32, data []byte) error {
	padded := paddedLength(len(data))
	total := wireLength(len(data))

	addr := address
	for offset := 0; offset < padded; offset += packetSize {
		packet := make([]byte, packetSize)
		for i := range packet {
			packet[i] = fillByte
		}
		if offset < len(data) {
			end := offset + packetSize
			if end > len(data) {
				end = len(data)
			}
			copy(packet, data[offset:end])
		}

		if err := s.WriteMemory(ctx, addr, packet); err != nil {
			return err
		}

		f.logger.Debug("flash:packet",
			slog.String("addr", hex32(addr)),
			slog.Int("offset", offset),
			slog.Int("total", total),
		)
		if f.opts.OnProgress != nil {
			f.opts.OnProgress(addr, offset, total)
		}

		addr += packetSize
	}
	return nil
}
