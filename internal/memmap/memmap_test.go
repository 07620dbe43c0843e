package memmap

import (
	"testing"

	"github.com/archie-emu/core/internal/ioc"
	"github.com/archie-emu/core/internal/logging"
	"github.com/archie-emu/core/internal/vidc"
)

func newRig(rom []byte, romBase uint32) *MemoryMap {
	return New(64*1024, romBase, rom, ioc.New(), vidc.New(), logging.Discard())
}

func TestWordReadMatchesByteReads(t *testing.T) {
	m := newRig(nil, 0x03800000)
	m.WriteWord(memcBootLatch, 0) // leave boot mode so low addresses decode to RAM
	m.WriteWord(0x1000, 0xAABBCCDD)
	b0 := m.ReadByte(0x1000)
	b1 := m.ReadByte(0x1001)
	b2 := m.ReadByte(0x1002)
	b3 := m.ReadByte(0x1003)
	if b0 != 0xDD || b1 != 0xCC || b2 != 0xBB || b3 != 0xAA {
		t.Fatalf("bytes = %02X %02X %02X %02X, want DD CC BB AA", b0, b1, b2, b3)
	}
}

func TestRAMRoundTrip(t *testing.T) {
	m := newRig(nil, 0x03800000)
	m.WriteWord(memcBootLatch, 0) // leave boot mode so low addresses decode to RAM
	m.WriteWord(0x2000, 0x12345678)
	if got := m.ReadWord(0x2000); got != 0x12345678 {
		t.Errorf("ReadWord = 0x%08X, want 0x12345678", got)
	}
}

func TestMisalignedReadRotates(t *testing.T) {
	m := newRig(nil, 0x03800000)
	m.WriteWord(memcBootLatch, 0) // leave boot mode so low addresses decode to RAM
	m.WriteWord(0x3000, 0x12345678)
	// reading at +1 rotates the aligned word right by 8.
	got := m.ReadWord(0x3001)
	want := uint32(0x78123456)
	if got != want {
		t.Errorf("ReadWord(misaligned) = 0x%08X, want 0x%08X", got, want)
	}
}

func TestBootModeROMMirror(t *testing.T) {
	rom := make([]byte, 16)
	rom[0], rom[1], rom[2], rom[3] = 0xEF, 0xBE, 0xAD, 0xDE
	m := newRig(rom, 0x03800000)
	if got := m.ReadWord(0x00000000); got != 0xDEADBEEF {
		t.Errorf("low mirror read = 0x%08X, want 0xDEADBEEF", got)
	}
	if got := m.ReadWord(0x02000000); got != 0xDEADBEEF {
		t.Errorf("0x02000000 mirror read = 0x%08X, want 0xDEADBEEF", got)
	}
}

func TestBootModeExitStopsLowMirror(t *testing.T) {
	rom := make([]byte, 16)
	rom[0] = 0x11
	m := newRig(rom, 0x03800000)
	m.WriteWord(memcBootLatch, 0)
	if m.IsBootMode() {
		t.Fatal("boot mode still active after MEMC latch write")
	}
	// 0x02000000 mirror always remains live regardless of boot mode.
	if got := m.ReadWord(0x02000000); byte(got) != 0x11 {
		t.Errorf("0x02000000 mirror after boot exit = 0x%08X", got)
	}
}

func TestWriteToROMIsIgnored(t *testing.T) {
	rom := make([]byte, 16)
	m := newRig(rom, 0x03800000)
	m.WriteWord(0x03800000, 0xFFFFFFFF)
	if got := m.ReadWord(0x03800000); got != 0 {
		t.Errorf("ROM write landed: read back 0x%08X, want 0", got)
	}
}

func TestUnmappedReadReturnsSentinel(t *testing.T) {
	m := newRig(nil, 0x03800000)
	if got := m.ReadWord(0x03E00000); got != sentinel {
		t.Errorf("ReadWord(unmapped) = 0x%08X, want sentinel", got)
	}
}

func TestByteWriteDoesNotZeroNeighbours(t *testing.T) {
	m := newRig(nil, 0x03800000)
	m.WriteWord(memcBootLatch, 0) // leave boot mode so low addresses decode to RAM
	m.WriteWord(0x4000, 0xAABBCCDD)
	m.WriteByte(0x4000, 0x11)
	if got := m.ReadWord(0x4000); got != 0xAABBCC11 {
		t.Errorf("ReadWord after byte write = 0x%08X, want 0xAABBCC11", got)
	}
}

func TestIOCWordRoutedToIOCWindow(t *testing.T) {
	m := newRig(nil, 0x03800000)
	m.WriteWord(ioc.Base, 0x2A) // offset 0: control register
	if got := m.ReadWord(ioc.Base); got != 0x2A {
		t.Errorf("IOC control readback = 0x%08X, want 0x2A", got)
	}
}
