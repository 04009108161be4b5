package flasher

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"openenterprise/stm32flash/bootloader"
	"openenterprise/stm32flash/pins"
	"openenterprise/stm32flash/uart"
)

// simTarget emulates the factory bootloader on the far end of the UART:
// it answers autobaud, Get, Get ID, mass erase and Write Memory the way a
// real target does, and records every byte the driver sends.
type simTarget struct {
	mu     sync.Mutex
	ch     chan []byte
	writes [][]byte

	commands  []byte
	blVersion byte
	pid       [2]byte

	silent      bool  // never answer anything (dead target)
	failDataAck bool  // NACK the data frame of every Write Memory
	closeErr    error // returned by Close
	closes      int

	wmPhase    int // 1 = waiting for address frame, 2 = waiting for data frame
	erasePhase int // 1 = waiting for the mass-erase selector
}

func newSimTarget() *simTarget {
	return &simTarget{
		commands:  []byte{0x00, 0x01, 0x02, 0x11, 0x21, 0x31, 0x43, 0x63, 0x73, 0x82, 0x92},
		blVersion: 0x31,
		pid:       [2]byte{0x04, 0x10},
	}
}

func (s *simTarget) Write(p []byte) error {
	cp := append([]byte(nil), p...)
	s.mu.Lock()
	s.writes = append(s.writes, cp)
	s.mu.Unlock()

	if s.silent {
		return nil
	}

	switch {
	case s.erasePhase == 1:
		s.erasePhase = 0
		s.send(bootloader.ACK)
	case s.wmPhase == 1: // address frame
		s.wmPhase = 2
		s.send(bootloader.ACK)
	case s.wmPhase == 2: // data frame
		s.wmPhase = 0
		if s.failDataAck {
			s.send(bootloader.NACK)
		} else {
			s.send(bootloader.ACK)
		}
	case len(cp) == 1 && cp[0] == bootloader.Autobaud:
		s.send(bootloader.ACK)
	case len(cp) == 2 && cp[1] == ^cp[0]:
		s.command(cp[0])
	}
	return nil
}

func (s *simTarget) command(op byte) {
	switch op {
	case bootloader.CmdGet:
		frame := []byte{bootloader.ACK, byte(len(s.commands)), s.blVersion}
		frame = append(frame, s.commands...)
		frame = append(frame, bootloader.ACK)
		s.send(frame...)
	case bootloader.CmdGetID:
		s.send(bootloader.ACK, 0x01, s.pid[0], s.pid[1], bootloader.ACK)
	case bootloader.CmdEraseMemory:
		s.erasePhase = 1
		s.send(bootloader.ACK)
	case bootloader.CmdWriteMemory:
		s.wmPhase = 1
		s.send(bootloader.ACK)
	}
}

func (s *simTarget) send(bs ...byte) {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return
	}
	ch <- append([]byte(nil), bs...)
}

func (s *simTarget) Subscribe() <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch = make(chan []byte, 64)
	return s.ch
}

func (s *simTarget) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch = nil
}

func (s *simTarget) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return s.closeErr
}

func (s *simTarget) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

// sent reports whether the driver ever sent frame.
func (s *simTarget) sent(frame []byte) bool {
	for _, w := range s.written() {
		if bytes.Equal(w, frame) {
			return true
		}
	}
	return false
}

// fakePins records every pin operation, optionally failing the Nth one.
type fakePins struct {
	ops       []string
	failIndex int // fail the op with this index; -1 disables
}

func newFakePins() *fakePins {
	return &fakePins{failIndex: -1}
}

func (p *fakePins) do(name string) error {
	idx := len(p.ops)
	p.ops = append(p.ops, name)
	if idx == p.failIndex {
		return errors.New(name + " pin failure")
	}
	return nil
}

func (p *fakePins) SelectMainFlash() error    { return p.do("boot0-main") }
func (p *fakePins) SelectSystemMemory() error { return p.do("boot0-sys") }
func (p *fakePins) AssertReset() error        { return p.do("reset-assert") }
func (p *fakePins) DeassertReset() error      { return p.do("reset-deassert") }

type progressEvent struct {
	addr   uint32
	offset int
	total  int
}

func newTestFlasher(sim *simTarget, fp *fakePins, progress *[]progressEvent) *Flasher {
	f := New(Options{
		OnProgress: func(addr uint32, offset, total int) {
			if progress != nil {
				*progress = append(*progress, progressEvent{addr, offset, total})
			}
		},
	})
	f.openPins = func() (pins.Control, error) { return fp, nil }
	f.openPort = func() (uart.Conn, error) { return sim, nil }
	return f
}

// teardownOps is the mandatory exit sequence.
var teardownOps = []string{"reset-assert", "boot0-main", "reset-deassert"}

// assertTeardown checks that ops ends with the teardown sequence in order.
func assertTeardown(t *testing.T, ops []string) {
	t.Helper()
	if len(ops) < len(teardownOps) {
		t.Fatalf("pin ops %v too short for teardown", ops)
	}
	tail := ops[len(ops)-len(teardownOps):]
	for i, want := range teardownOps {
		if tail[i] != want {
			t.Fatalf("teardown ops = %v, want %v", tail, teardownOps)
		}
	}
}

func TestFlashHappyPath(t *testing.T) {
	sim := newSimTarget()
	fp := newFakePins()
	var progress []progressEvent
	f := newTestFlasher(sim, fp, &progress)

	if err := f.Flash(context.Background(), 0x08000000, []byte{0xAA, 0xBB, 0xCC, 0xDD}); err != nil {
		t.Fatalf("Flash: %v", err)
	}

	// Full pin choreography: init, session entry, teardown.
	wantOps := []string{
		"boot0-main", "reset-deassert", // init
		"reset-assert", "boot0-sys", "reset-deassert", // entry
		"reset-assert", "boot0-main", "reset-deassert", // teardown
	}
	if len(fp.ops) != len(wantOps) {
		t.Fatalf("pin ops = %v, want %v", fp.ops, wantOps)
	}
	for i := range wantOps {
		if fp.ops[i] != wantOps[i] {
			t.Fatalf("pin ops = %v, want %v", fp.ops, wantOps)
		}
	}

	writes := sim.written()
	want := [][]byte{
		{0x7F},
		{0x00, 0xFF},
		{0x02, 0xFD},
		{0x43, 0xBC},
		{0xFF, 0x00},
		{0x31, 0xCE},
		{0x08, 0x00, 0x00, 0x00, 0x08},
	}
	if len(writes) != len(want)+1 {
		t.Fatalf("got %d writes, want %d", len(writes), len(want)+1)
	}
	for i := range want {
		if !bytes.Equal(writes[i], want[i]) {
			t.Errorf("write %d = % x, want % x", i, writes[i], want[i])
		}
	}

	// Data frame: N=0xFF, payload is the image followed by 0xFF filler,
	// trailing byte is N XOR'd with the payload.
	data := writes[len(writes)-1]
	if len(data) != 258 {
		t.Fatalf("data frame length = %d, want 258", len(data))
	}
	if data[0] != 0xFF {
		t.Errorf("length byte = 0x%02x, want 0xff", data[0])
	}
	if !bytes.Equal(data[1:5], []byte{0xAA, 0xBB, 0xCC, 0xDD}) {
		t.Errorf("payload head = % x", data[1:5])
	}
	for i := 5; i < 257; i++ {
		if data[i] != 0xFF {
			t.Fatalf("payload byte %d = 0x%02x, want 0xff filler", i, data[i])
		}
	}
	var sum byte = 0xFF // length byte
	for _, b := range data[1:257] {
		sum ^= b
	}
	if data[257] != sum {
		t.Errorf("checksum = 0x%02x, want 0x%02x", data[257], sum)
	}

	if len(progress) != 1 {
		t.Fatalf("progress events = %v, want one", progress)
	}
	if progress[0] != (progressEvent{0x08000000, 0, 256}) {
		t.Errorf("progress = %+v, want {0x08000000 0 256}", progress[0])
	}

	if sim.closes != 1 {
		t.Errorf("port closed %d times, want 1", sim.closes)
	}
}

func TestFlashLargeImageAlignment(t *testing.T) {
	image := make([]byte, 1000)
	for i := range image {
		image[i] = byte(i)
	}

	sim := newSimTarget()
	fp := newFakePins()
	var progress []progressEvent
	f := newTestFlasher(sim, fp, &progress)

	if err := f.Flash(context.Background(), 0x08000000, image); err != nil {
		t.Fatalf("Flash: %v", err)
	}

	// Four packets at consecutive page-sized strides.
	var addrFrames, dataFrames [][]byte
	writes := sim.written()
	for i, w := range writes {
		if i > 0 && bytes.Equal(writes[i-1], []byte{0x31, 0xCE}) {
			addrFrames = append(addrFrames, w)
		}
		if len(w) == 258 {
			dataFrames = append(dataFrames, w)
		}
	}
	wantAddrs := [][]byte{
		{0x08, 0x00, 0x00, 0x00, 0x08},
		{0x08, 0x00, 0x01, 0x00, 0x09},
		{0x08, 0x00, 0x02, 0x00, 0x0A},
		{0x08, 0x00, 0x03, 0x00, 0x0B},
	}
	if len(addrFrames) != 4 {
		t.Fatalf("got %d address frames, want 4", len(addrFrames))
	}
	for i := range wantAddrs {
		if !bytes.Equal(addrFrames[i], wantAddrs[i]) {
			t.Errorf("address frame %d = % x, want % x", i, addrFrames[i], wantAddrs[i])
		}
	}

	if len(dataFrames) != 4 {
		t.Fatalf("got %d data frames, want 4", len(dataFrames))
	}
	total := 0
	for _, df := range dataFrames {
		total += len(df) - 2
	}
	if total != 1024 {
		t.Errorf("payload bytes written = %d, want 1024", total)
	}

	// Fourth packet: the last 232 image bytes, then 24 bytes of filler.
	last := dataFrames[3]
	if !bytes.Equal(last[1:233], image[768:]) {
		t.Errorf("final packet payload mismatch")
	}
	for i := 233; i < 257; i++ {
		if last[i] != 0xFF {
			t.Fatalf("final packet byte %d = 0x%02x, want 0xff", i, last[i])
		}
	}

	wantProgress := []progressEvent{
		{0x08000000, 0, 1024},
		{0x08000100, 256, 1024},
		{0x08000200, 512, 1024},
		{0x08000300, 768, 1024},
	}
	if len(progress) != len(wantProgress) {
		t.Fatalf("progress = %v, want %v", progress, wantProgress)
	}
	for i := range wantProgress {
		if progress[i] != wantProgress[i] {
			t.Errorf("progress[%d] = %+v, want %+v", i, progress[i], wantProgress[i])
		}
	}
}

func TestFlashUnsupportedErase(t *testing.T) {
	sim := newSimTarget()
	// Target only offers extended erase.
	sim.commands = []byte{0x00, 0x01, 0x02, 0x11, 0x21, 0x31, 0x44, 0x63, 0x73, 0x82, 0x92}
	fp := newFakePins()
	f := newTestFlasher(sim, fp, nil)

	err := f.Flash(context.Background(), 0x08000000, []byte{0x01})
	var uce *bootloader.UnsupportedCommandError
	if !errors.As(err, &uce) || uce.Opcode != bootloader.CmdEraseMemory {
		t.Fatalf("error = %v, want UnsupportedCommandError{0x43}", err)
	}
	if sim.sent([]byte{0x43, 0xBC}) || sim.sent([]byte{0xFF, 0x00}) {
		t.Error("erase bytes were emitted despite the gate")
	}
	assertTeardown(t, fp.ops)
}

func TestFlashAutobaudTimeout(t *testing.T) {
	sim := newSimTarget()
	sim.silent = true
	fp := newFakePins()
	f := newTestFlasher(sim, fp, nil)

	err := f.Flash(context.Background(), 0x08000000, []byte{0x01})
	if !errors.Is(err, bootloader.ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	assertTeardown(t, fp.ops)
	if sim.closes != 1 {
		t.Errorf("port closed %d times, want 1", sim.closes)
	}
}

func TestFlashNackOnDataAck(t *testing.T) {
	sim := newSimTarget()
	sim.failDataAck = true
	fp := newFakePins()
	f := newTestFlasher(sim, fp, nil)

	err := f.Flash(context.Background(), 0x08000000, []byte{0x01})
	var ube *bootloader.UnexpectedByteError
	if !errors.As(err, &ube) {
		t.Fatalf("error = %v, want UnexpectedByteError", err)
	}
	if ube.Phase != "data-ack" || ube.Expected != 0x79 || ube.Got != 0x1F {
		t.Errorf("error = %+v, want {data-ack 0x79 0x1f}", ube)
	}
	assertTeardown(t, fp.ops)
}

func TestFlashSwallowsPortNotOpenOnClose(t *testing.T) {
	sim := newSimTarget()
	sim.closeErr = errors.New("Port is not open")
	fp := newFakePins()
	f := newTestFlasher(sim, fp, nil)

	if err := f.Flash(context.Background(), 0x08000000, []byte{0x01}); err != nil {
		t.Fatalf("Flash: %v, want success with close error swallowed", err)
	}
}

func TestFlashSerialOpenFailure(t *testing.T) {
	fp := newFakePins()
	f := newTestFlasher(newSimTarget(), fp, nil)
	f.openPort = func() (uart.Conn, error) { return nil, errors.New("no such device") }

	err := f.Flash(context.Background(), 0x08000000, []byte{0x01})
	if !errors.Is(err, ErrSerialOpen) {
		t.Fatalf("error = %v, want ErrSerialOpen", err)
	}
	// Teardown still runs against a never-opened port.
	assertTeardown(t, fp.ops)
}

func TestFlashTeardownOnEntryPinFailure(t *testing.T) {
	// Init takes ops 0-1; entry is reset-assert(2), boot0-sys(3),
	// reset-deassert(4). Whichever fails, teardown must follow.
	for _, failIndex := range []int{2, 3, 4} {
		fp := newFakePins()
		fp.failIndex = failIndex
		f := newTestFlasher(newSimTarget(), fp, nil)

		err := f.Flash(context.Background(), 0x08000000, []byte{0x01})
		if err == nil {
			t.Fatalf("failIndex %d: Flash succeeded, want pin failure", failIndex)
		}
		if errors.Is(err, ErrTeardown) {
			t.Fatalf("failIndex %d: teardown error masked the entry error: %v", failIndex, err)
		}
		assertTeardown(t, fp.ops)
	}
}

func TestFlashTeardownFailureAfterSuccess(t *testing.T) {
	// Ops: init 0-1, entry 2-4, teardown 5-7. Fail the teardown
	// boot0-main; the inner phase succeeded so the teardown error
	// surfaces.
	fp := newFakePins()
	fp.failIndex = 6
	f := newTestFlasher(newSimTarget(), fp, nil)

	err := f.Flash(context.Background(), 0x08000000, []byte{0x01})
	if !errors.Is(err, ErrTeardown) {
		t.Fatalf("error = %v, want ErrTeardown", err)
	}
	// The remaining teardown steps still ran.
	if fp.ops[len(fp.ops)-1] != "reset-deassert" {
		t.Errorf("ops = %v, teardown did not finish", fp.ops)
	}
}

func TestInitIdempotent(t *testing.T) {
	fp := newFakePins()
	f := newTestFlasher(newSimTarget(), fp, nil)

	if err := f.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	n := len(fp.ops)
	if n == 0 {
		t.Fatal("Init touched no pins")
	}
	if err := f.Init(); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if len(fp.ops) != n {
		t.Errorf("second Init performed %d extra pin ops", len(fp.ops)-n)
	}
}

func TestInitFailure(t *testing.T) {
	fp := newFakePins()
	fp.failIndex = 0
	f := newTestFlasher(newSimTarget(), fp, nil)

	if err := f.Init(); !errors.Is(err, ErrInit) {
		t.Fatalf("error = %v, want ErrInit", err)
	}
	// The one-shot did not latch; a later Init retries.
	fp.failIndex = -1
	if err := f.Init(); err != nil {
		t.Fatalf("retry Init: %v", err)
	}
}

func TestFlashRefusesReentry(t *testing.T) {
	sim := newSimTarget()
	fp := newFakePins()

	var f *Flasher
	var nested error
	f = New(Options{
		OnProgress: func(addr uint32, offset, total int) {
			// Re-entry from inside a running session must be refused.
			nested = f.Flash(context.Background(), 0x08000000, []byte{0x01})
		},
	})
	f.openPins = func() (pins.Control, error) { return fp, nil }
	f.openPort = func() (uart.Conn, error) { return sim, nil }

	if err := f.Flash(context.Background(), 0x08000000, []byte{0x01}); err != nil {
		t.Fatalf("Flash: %v", err)
	}
	if !errors.Is(nested, ErrBusy) {
		t.Fatalf("nested Flash error = %v, want ErrBusy", nested)
	}
}

func TestFlashCancelled(t *testing.T) {
	sim := newSimTarget()
	fp := newFakePins()
	f := newTestFlasher(sim, fp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.Flash(ctx, 0x08000000, []byte{0x01})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	assertTeardown(t, fp.ops)
}

func TestInfo(t *testing.T) {
	sim := newSimTarget()
	fp := newFakePins()
	f := newTestFlasher(sim, fp, nil)

	info, err := f.Info(context.Background())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.BootloaderVersion != 0x31 {
		t.Errorf("version = 0x%02x, want 0x31", info.BootloaderVersion)
	}
	if info.ProductID != 0x0410 {
		t.Errorf("pid = 0x%04x, want 0x0410", info.ProductID)
	}
	if !bytes.Equal(info.Commands, sim.commands) {
		t.Errorf("commands = % x, want % x", info.Commands, sim.commands)
	}
	// Info must not touch flash.
	if sim.sent([]byte{0x43, 0xBC}) {
		t.Error("Info issued an erase")
	}
	if sim.sent([]byte{0x31, 0xCE}) {
		t.Error("Info issued a write")
	}
	assertTeardown(t, fp.ops)
}

func TestPaddedLength(t *testing.T) {
	tests := []struct {
		n, padded, wire int
	}{
		{1, 4, 256},
		{4, 8, 256},
		{252, 256, 256},
		{256, 260, 512},
		{1000, 1004, 1024},
	}
	for _, tc := range tests {
		if got := paddedLength(tc.n); got != tc.padded {
			t.Errorf("paddedLength(%d) = %d, want %d", tc.n, got, tc.padded)
		}
		if got := wireLength(tc.n); got != tc.wire {
			t.Errorf("wireLength(%d) = %d, want %d", tc.n, got, tc.wire)
		}
	}
}
