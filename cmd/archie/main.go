// archie is the ebiten-based frontend for the core: it loads a ROM image,
// drives the machine's frame loop, and presents scanout output in a
// window, generalizing the teacher's cmd/gba-go/main.go (Game struct,
// ebiten.RunGame) from its placeholder "under development" screen to a
// real frame sink and keyboard source.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/text"
	"golang.org/x/image/font/basicfont"

	"github.com/archie-emu/core/internal/config"
	"github.com/archie-emu/core/internal/input"
	"github.com/archie-emu/core/internal/logging"
	"github.com/archie-emu/core/pkg/machine"
)

const scaleFactor = 2

// frameSink stores the most recently scanned-out frame, converted to
// RGBA so ebiten.Image.WritePixels can consume it directly. Update and
// Draw run on the same goroutine in ebiten's model, so no lock is
// needed between DeliverFrame and the read in Draw.
type frameSink struct {
	rgba   []byte
	width  int
	height int
}

func (s *frameSink) DeliverFrame(pixels []uint16, width, height, strideBytes int) {
	need := width * height * 4
	if cap(s.rgba) < need {
		s.rgba = make([]byte, need)
	}
	s.rgba = s.rgba[:need]
	for i, p := range pixels {
		r, g, b := rgb565Channels(p)
		s.rgba[i*4+0] = r
		s.rgba[i*4+1] = g
		s.rgba[i*4+2] = b
		s.rgba[i*4+3] = 0xFF
	}
	s.width, s.height = width, height
}

func rgb565Channels(p uint16) (r, g, b byte) {
	r = byte(((p >> 11) & 0x1F) * 255 / 31)
	g = byte(((p >> 5) & 0x3F) * 255 / 63)
	b = byte((p & 0x1F) * 255 / 31)
	return
}

// ebitenInput maps ebiten's live key state onto input.State once per
// poll, per spec.md §6's "Escape, Space, and printable keys" key set.
type ebitenInput struct {
	state *input.State
}

func newEbitenInput() *ebitenInput {
	return &ebitenInput{state: input.NewState()}
}

func (e *ebitenInput) Poll() *input.State {
	e.state.Set(input.Escape, ebiten.IsKeyPressed(ebiten.KeyEscape))
	e.state.Set(input.Space, ebiten.IsKeyPressed(ebiten.KeySpace))
	for r := 'A'; r <= 'Z'; r++ {
		key := ebiten.KeyA + ebiten.Key(r-'A')
		e.state.Set(input.Key(r), ebiten.IsKeyPressed(key))
	}
	return e.state
}

// romFile implements machine.ROMSource by reading a flag-supplied path.
type romFile struct {
	path string
	base uint32
}

func (r romFile) LoadROM() ([]byte, uint32, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, 0, fmt.Errorf("loading ROM: %w", err)
	}
	if len(data) > config.MaxROMSize {
		data = data[:config.MaxROMSize]
	}
	return data, r.base, nil
}

type game struct {
	m     *machine.Machine
	sink  *frameSink
	frame int

	screen *ebiten.Image // reused across frames; resized on display geometry change.
}

func (g *game) Update() error {
	if err := g.m.RunFrame(); err != nil {
		return err
	}
	if g.m.Stopped() {
		return ebiten.Termination
	}
	g.frame++
	return nil
}

func (g *game) Draw(screen *ebiten.Image) {
	if g.sink.width == 0 || g.sink.height == 0 {
		return
	}
	if g.screen == nil || g.screen.Bounds().Dx() != g.sink.width || g.screen.Bounds().Dy() != g.sink.height {
		g.screen = ebiten.NewImage(g.sink.width, g.sink.height)
	}
	g.screen.WritePixels(g.sink.rgba)
	screen.DrawImage(g.screen, nil)
	text.Draw(screen, fmt.Sprintf("frame %d", g.frame), basicfont.Face7x13, 4, 14, color.White)
}

func (g *game) Layout(outsideWidth, outsideHeight int) (int, int) {
	if g.sink.width == 0 || g.sink.height == 0 {
		return 1, 1
	}
	return g.sink.width, g.sink.height
}

func main() {
	romPath := flag.String("rom", "", "path to the Archimedes ROM image")
	romBase := flag.Uint("rom-base", config.DefaultROMBase, "physical address the ROM is mapped at")
	ramSize := flag.Int("ram-size", config.DefaultRAMSize, "RAM size in bytes")
	flag.Parse()

	if *romPath == "" {
		log.Fatal("archie: -rom is required")
	}

	source := romFile{path: *romPath, base: uint32(*romBase)}
	rom, base, err := source.LoadROM()
	if err != nil {
		log.Fatal(err)
	}

	cfg := config.Config{RAMSize: *ramSize, ROMBase: base}
	m := machine.New(cfg, rom, base, logging.Default())

	g := &game{m: m, sink: &frameSink{}}
	m.Sink = g.sink
	m.Input = newEbitenInput()

	ebiten.SetWindowSize(640*scaleFactor/2, 480*scaleFactor/2)
	ebiten.SetWindowTitle("archie")
	if err := ebiten.RunGame(g); err != nil {
		log.Fatal(err)
	}
}
