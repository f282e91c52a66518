// Package platform contains the hardware backends of the costume
// controller. A Platform owns the LED strip output and the three
// button inputs; everything above it only sees frames going out and
// rising edges coming in. Three backends exist: local SPI on a
// Raspberry Pi, a microcontroller on a serial port, and a terminal
// simulator for development on a desk instead of in the costume.
package platform

import (
	"math"
	"sync"
	"sync/atomic"

	"lautenbacher.net/costumeleds/buttons"
	"lautenbacher.net/costumeleds/config"
	"lautenbacher.net/costumeleds/engine"
	"lautenbacher.net/costumeleds/pixel"
)

// Platform is the contract every backend fulfills. Start must be
// called before anything else; Ready closes once the backend can
// accept frames. WriteFrame takes the frame in garment order and is
// responsible for the chain-order rewrite. Line hands out the edge
// gates the event manager attaches to, and Edges delivers raw rising
// edges from whatever the backend's detection source is.
type Platform interface {
	Start() error
	Stop()
	Ready() <-chan bool
	WriteFrame(frame pixel.Frame) error
	Line(id buttons.ID) buttons.Line
	Edges() <-chan buttons.ID
}

// StatusSnapshot is what the simulator's status pane shows. The
// application publishes a fresh snapshot whenever mode, cycle state or
// a request flag changes.
type StatusSnapshot struct {
	Mode  pixel.Mode
	State engine.State
	Flags buttons.Flags
	Lines [buttons.NumLines]buttons.LineStatus
}

type basePlatform struct {
	config         *config.Config
	edgeEvents     chan buttons.ID
	segments       []*segment
	physical       pixel.Frame
	readyChan      chan bool
	shutdownMutex  sync.RWMutex
	isShuttingDown bool
}

func newBasePlatform(conf *config.Config) *basePlatform {
	return &basePlatform{
		config:     conf,
		edgeEvents: make(chan buttons.ID),
		segments:   parseSegments(conf.Hardware.Strip),
		physical:   make(pixel.Frame, conf.Hardware.Strip.LedsTotal),
		readyChan:  make(chan bool),
	}
}

func (s *basePlatform) Ready() <-chan bool {
	return s.readyChan
}

func (s *basePlatform) Edges() <-chan buttons.ID {
	return s.edgeEvents
}

func (s *basePlatform) setInShutdown() {
	s.shutdownMutex.Lock()
	s.isShuttingDown = true
	s.shutdownMutex.Unlock()
}

func (s *basePlatform) inShutdown() bool {
	s.shutdownMutex.RLock()
	defer s.shutdownMutex.RUnlock()
	return s.isShuttingDown
}

// assemblePhysical rewrites the garment-order frame into chain order.
// The returned frame is a reused buffer, valid until the next call.
func (s *basePlatform) assemblePhysical(frame pixel.Frame) pixel.Frame {
	for _, seg := range s.segments {
		seg.apply(frame, s.physical)
	}
	return s.physical
}

// softLine implements buttons.Line for backends whose edges arrive as
// software events. The enabled flag stands in for the edge detect unit
// of a real GPIO line: while it is off, the backend drops edges before
// they reach the event manager, just as disabled silicon would.
type softLine struct {
	enabled atomic.Bool
}

func (l *softLine) EnableDetect() error {
	l.enabled.Store(true)
	return nil
}

func (l *softLine) DisableDetect() error {
	l.enabled.Store(false)
	return nil
}

func (l *softLine) detecting() bool {
	return l.enabled.Load()
}

// encodeRGB writes color-corrected 8-bit RGB triples into buf, which
// must hold 3*len(leds) bytes. Callers pass frames that have already
// been validated; the correction factors are at most 1, so the clamp
// only guards against float rounding.
func encodeRGB(leds []pixel.Led, colorCorrection []float64, buf []byte) {
	for idx := range leds {
		buf[3*idx] = byte(math.Min(float64(leds[idx].Red)*colorCorrection[0], 255))
		buf[(3*idx)+1] = byte(math.Min(float64(leds[idx].Green)*colorCorrection[1], 255))
		buf[(3*idx)+2] = byte(math.Min(float64(leds[idx].Blue)*colorCorrection[2], 255))
	}
}

// Local Variables:
// compile-command: "cd .. && go build"
// End:
