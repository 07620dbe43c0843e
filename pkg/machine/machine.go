// Package machine assembles the memory map, IOC, VIDC, and ARM core into
// the single-threaded, cooperative frame loop spec.md §5 describes,
// generalizing the teacher's pkg/emulator/gba.go (GBA struct and
// Start/Stop/Step/Update) from a fixed 280896-cycle GBA frame to the
// Archimedes core's reusable cycles_per_frame budget shared between
// timer advance and instruction execution.
package machine

import (
	"fmt"

	"github.com/archie-emu/core/internal/config"
	"github.com/archie-emu/core/internal/cpu"
	"github.com/archie-emu/core/internal/input"
	"github.com/archie-emu/core/internal/ioc"
	"github.com/archie-emu/core/internal/logging"
	"github.com/archie-emu/core/internal/memmap"
	"github.com/archie-emu/core/internal/vidc"
)

// FrameSink receives one frame's pixels after scanout, per spec.md §6.
// strideBytes is the byte distance between the start of one scanline and
// the next; for this core's tightly packed RGB565 buffer that is always
// width*2, but the parameter is part of the spec's contract so a host can
// blit directly without assuming the packing.
type FrameSink interface {
	DeliverFrame(pixels []uint16, width, height, strideBytes int)
}

// ROMSource supplies the ROM image and its load address once at startup,
// per spec.md §6.
type ROMSource interface {
	LoadROM() (data []byte, baseAddr uint32, err error)
}

// Machine owns every component by value except where a component needs a
// pointer to another (IOC and VIDC are addressed into by the memory map;
// the CPU is handed the memory map and IOC only through their narrow
// capability interfaces), per the "single Machine owner" design note.
type Machine struct {
	Config config.Config
	Log    logging.Logger

	ioc  ioc.IOC
	vidc vidc.VIDC
	mem  *memmap.MemoryMap
	CPU  *cpu.CPU

	Sink  FrameSink
	Input input.Source

	stopped bool
}

// New constructs a Machine from cfg, loading rom at romBase. Display
// geometry is not configured here; it is whatever VIDC's defaults (or a
// booting ROM's writes) establish, per spec.md §6.
func New(cfg config.Config, rom []byte, romBase uint32, log logging.Logger) *Machine {
	cfg = config.Normalize(cfg)
	if log == nil {
		log = logging.Default()
	}

	m := &Machine{Config: cfg, Log: log}
	m.ioc = *ioc.New()
	m.vidc = *vidc.New()
	m.mem = memmap.New(cfg.RAMSize, romBase, rom, &m.ioc, &m.vidc, log)
	m.CPU = cpu.New(m.mem, &m.ioc, log)
	return m
}

// Reset restores the CPU, IOC, and VIDC to their power-on state without
// reallocating RAM/ROM, and re-enters boot mode in the memory map.
func (m *Machine) Reset() {
	m.CPU.Reset()
	m.ioc = *ioc.New()
	m.vidc = *vidc.New()
	m.mem = memmap.New(m.Config.RAMSize, m.mem.ROMBase(), m.mem.ROMBytes(), &m.ioc, &m.vidc, m.Log)
	m.CPU.Mem = m.mem
	m.stopped = false
}

// Stopped reports whether the run loop should exit, set by an Escape key
// poll or a fatal abort.
func (m *Machine) Stopped() bool { return m.stopped }

// InvalidPCError is re-exported so a host does not need to import
// internal/cpu to type-switch on it.
type InvalidPCError = cpu.InvalidPCError

// RunFrame executes the five-step ordering spec.md §5 names: input poll,
// timer advance and interrupt-line recompute, exception dispatch (taken
// automatically by the first Step call below, since the CPU checks its
// interrupt lines at the top of every step), the instruction budget loop,
// and VIDC scanout with vertical-flyback assertion.
func (m *Machine) RunFrame() error {
	if m.Input != nil {
		keys := m.Input.Poll()
		if keys != nil && keys.Escaped() {
			m.stopped = true
			return nil
		}
	}

	m.ioc.AdvanceFrame(m.Config.CyclesPerFrame)

	for i := 0; i < m.Config.CyclesPerFrame; i++ {
		if err := m.CPU.Step(); err != nil {
			m.stopped = true
			return fmt.Errorf("machine: frame aborted: %w", err)
		}
	}

	pixels, width, height := m.vidc.Scanout(m.mem, memmap.RAMBase)
	m.ioc.AssertVFlyback()
	if m.Sink != nil && pixels != nil {
		m.Sink.DeliverFrame(pixels, width, height, width*2)
	}
	return nil
}

// Run drives RunFrame until the core stops, via Escape or a fatal abort.
func (m *Machine) Run() error {
	for !m.stopped {
		if err := m.RunFrame(); err != nil {
			return err
		}
	}
	return nil
}
