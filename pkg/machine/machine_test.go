package machine

import (
	"testing"

	"github.com/archie-emu/core/internal/config"
	"github.com/archie-emu/core/internal/input"
	"github.com/archie-emu/core/internal/logging"
)

type fakeSink struct {
	frames int
	width  int
	height int
	stride int
}

func (s *fakeSink) DeliverFrame(pixels []uint16, width, height, strideBytes int) {
	s.frames++
	s.width, s.height = width, height
	s.stride = strideBytes
}

type fakeInput struct{ state *input.State }

func (f fakeInput) Poll() *input.State { return f.state }

func newTestMachine(t *testing.T) (*Machine, []byte) {
	t.Helper()
	rom := make([]byte, 64)
	// MOV R0, #1 repeated, harmless busy-loop ROM for a budget test.
	for i := 0; i < len(rom); i += 4 {
		rom[i], rom[i+1], rom[i+2], rom[i+3] = 0x01, 0x00, 0xA0, 0xE3
	}
	cfg := config.Config{RAMSize: 4096, ROMBase: 0x03800000, CyclesPerFrame: 16, FrameRateHz: 50}
	m := New(cfg, rom, 0x03800000, logging.Discard())
	return m, rom
}

func TestRunFrameDeliversAFrame(t *testing.T) {
	m, _ := newTestMachine(t)
	sink := &fakeSink{}
	m.Sink = sink

	if err := m.RunFrame(); err != nil {
		t.Fatalf("RunFrame: %v", err)
	}
	if sink.frames != 1 {
		t.Errorf("frames delivered = %d, want 1", sink.frames)
	}
	if sink.stride != sink.width*2 {
		t.Errorf("stride = %d, want %d (width*2)", sink.stride, sink.width*2)
	}
}

func TestEscapeStopsTheRunLoop(t *testing.T) {
	m, _ := newTestMachine(t)
	state := input.NewState()
	state.Set(input.Escape, true)
	m.Input = fakeInput{state: state}

	if err := m.RunFrame(); err != nil {
		t.Fatalf("RunFrame: %v", err)
	}
	if !m.Stopped() {
		t.Fatal("expected the machine to stop on Escape")
	}
}

func TestResetReturnsToPowerOnState(t *testing.T) {
	m, _ := newTestMachine(t)
	m.RunFrame()
	m.Reset()
	if m.CPU.R[15]&0x03FFFFFC != 0 {
		t.Errorf("R15 after reset = 0x%08X", m.CPU.R[15])
	}
	if m.Stopped() {
		t.Fatal("machine should not be stopped after Reset")
	}
}
