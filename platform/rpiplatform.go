package platform

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stianeikeland/go-rpio/v4"

	"lautenbacher.net/costumeleds/buttons"
	"lautenbacher.net/costumeleds/config"
	"lautenbacher.net/costumeleds/pixel"
)

// RaspberryPiPlatform drives the strip over the Pi's SPI bus and reads
// the buttons through the GPIO edge detect unit, polled at
// EdgePollInterval. The debounce gating happens in the silicon: while
// a line is cooling, its detect unit is switched off entirely.
type RaspberryPiPlatform struct {
	*basePlatform
	ledDriver ledDriver
	lines     [buttons.NumLines]*rpioLine
	spiMutex  sync.Mutex
	edgeWg    sync.WaitGroup
	edgeStop  chan bool
	closed    atomic.Bool
}

// rpioLine gates edge detection in the GPIO hardware. After rpio.Close
// the register mapping is gone, so every call checks the platform's
// closed flag first and becomes a no-op.
type rpioLine struct {
	pin    rpio.Pin
	closed *atomic.Bool
}

func (l *rpioLine) EnableDetect() error {
	if l.closed.Load() {
		return nil
	}
	l.pin.Detect(rpio.RiseEdge)
	return nil
}

func (l *rpioLine) DisableDetect() error {
	if l.closed.Load() {
		return nil
	}
	l.pin.Detect(rpio.NoEdge)
	return nil
}

func NewRaspberryPiPlatform(conf *config.Config) *RaspberryPiPlatform {
	inst := &RaspberryPiPlatform{
		edgeStop: make(chan bool),
	}
	inst.basePlatform = newBasePlatform(conf)
	for i := range inst.lines {
		inst.lines[i] = &rpioLine{closed: &inst.closed}
	}
	return inst
}

func (s *RaspberryPiPlatform) Start() error {
	slog.Info("Initialise GPIO and SPI...")
	if err := rpio.Open(); err != nil {
		return fmt.Errorf("failed to map GPIO memory: %w", err)
	}
	if err := rpio.SpiBegin(rpio.Spi0); err != nil {
		return fmt.Errorf("failed to begin SPI: %w", err)
	}
	rpio.SpiSpeed(s.config.Hardware.Strip.SPIFrequency)

	switch strings.ToUpper(s.config.Hardware.Strip.LedType) {
	case "APA102":
		s.ledDriver = newApa102Driver(s.config.Hardware.Strip)
	case "WS2801":
		s.ledDriver = newWs2801Driver(s.config.Hardware.Strip)
	default:
		return fmt.Errorf("unknown LED type: %s", s.config.Hardware.Strip.LedType)
	}

	btns := s.config.Hardware.Buttons
	s.lines[buttons.Charge].pin = rpio.Pin(btns.ChargePin)
	s.lines[buttons.Toggle].pin = rpio.Pin(btns.TogglePin)
	s.lines[buttons.Abort].pin = rpio.Pin(btns.AbortPin)
	for _, ln := range s.lines {
		ln.pin.Input()
		ln.pin.PullDown()
	}

	s.edgeWg.Add(1)
	go s.edgeDriver()

	// The strip and buttons are usable as soon as SPI and GPIO are up.
	close(s.readyChan)
	return nil
}

// Stop must be called after the event manager is closed, so no re-arm
// timer touches the GPIO registers once they are unmapped.
func (s *RaspberryPiPlatform) Stop() {
	s.setInShutdown()

	close(s.edgeStop)
	s.edgeWg.Wait()

	s.closed.Store(true)
	for _, ln := range s.lines {
		ln.pin.Detect(rpio.NoEdge)
	}

	rpio.SpiEnd(rpio.Spi0)
	if err := rpio.Close(); err != nil {
		slog.Error("Error unmapping GPIO memory", "error", err)
	}
}

func (s *RaspberryPiPlatform) Line(id buttons.ID) buttons.Line {
	return s.lines[id]
}

func (s *RaspberryPiPlatform) WriteFrame(frame pixel.Frame) error {
	s.shutdownMutex.RLock()
	defer s.shutdownMutex.RUnlock()
	if s.isShuttingDown {
		return nil
	}

	physical := s.assemblePhysical(frame)
	return s.ledDriver.write(physical, s.spiExchange)
}

func (s *RaspberryPiPlatform) spiExchange(data []byte) []byte {
	s.spiMutex.Lock()
	defer s.spiMutex.Unlock()
	rpio.SpiExchange(data)
	return data
}

// edgeDriver polls the edge detect status bits of all three lines.
// A set bit is cleared by the read, so one press produces one event.
func (s *RaspberryPiPlatform) edgeDriver() {
	defer s.edgeWg.Done()
	ticker := time.NewTicker(s.config.Hardware.Buttons.EdgePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.edgeStop:
			slog.Info("Ending EdgeDriver go-routine (RPi)")
			return
		case <-ticker.C:
			for _, id := range buttons.IDs() {
				if s.lines[id].pin.EdgeDetected() {
					select {
					case s.edgeEvents <- id:
					case <-s.edgeStop:
						return
					}
				}
			}
		}
	}
}

// ledDriver interface and implementations
type ledDriver interface {
	write(leds []pixel.Led, exchangeFunc func([]byte) []byte) error
}

type ws2801Driver struct {
	stripConfig config.StripConfig
	buffer      []byte
}

func newWs2801Driver(stripConfig config.StripConfig) *ws2801Driver {
	// Pre-allocate buffer to the maximum possible size.
	maxSize := 3 * stripConfig.LedsTotal
	return &ws2801Driver{
		stripConfig: stripConfig,
		buffer:      make([]byte, maxSize),
	}
}

func (d *ws2801Driver) write(leds []pixel.Led, exchangeFunc func([]byte) []byte) error {
	display := d.buffer[:3*len(leds)]
	encodeRGB(leds, d.stripConfig.ColorCorrection, display)
	exchangeFunc(display)
	return nil
}

type apa102Driver struct {
	stripConfig config.StripConfig
	buffer      []byte
}

func newApa102Driver(stripConfig config.StripConfig) *apa102Driver {
	// Pre-allocate buffer to the maximum possible size.
	frameEndLength := (stripConfig.LedsTotal / 16) + 1
	maxSize := 4 + (4 * stripConfig.LedsTotal) + frameEndLength
	return &apa102Driver{
		stripConfig: stripConfig,
		buffer:      make([]byte, maxSize),
	}
}

func (d *apa102Driver) write(leds []pixel.Led, exchangeFunc func([]byte) []byte) error {
	frameEndLength := (len(leds) / 16) + 1
	requiredSize := 4 + (4 * len(leds)) + frameEndLength
	display := d.buffer[:requiredSize]

	// Frame start: 4 zero bytes
	copy(display[0:4], []byte{0x00, 0x00, 0x00, 0x00})

	// Fixed general brightness
	brightness := byte(d.stripConfig.APA102Brightness) | 0xE0

	corr := d.stripConfig.ColorCorrection
	offset := 4
	for i := range leds {
		red := byte(math.Min(float64(leds[i].Red)*corr[0], 255))
		green := byte(math.Min(float64(leds[i].Green)*corr[1], 255))
		blue := byte(math.Min(float64(leds[i].Blue)*corr[2], 255))

		// protocol: brightness byte, blue, green, red
		display[offset] = brightness
		display[offset+1] = blue
		display[offset+2] = green
		display[offset+3] = red
		offset += 4
	}

	// Frame end: fill the rest of the slice with 0xFF
	for i := offset; i < requiredSize; i++ {
		display[i] = 0xFF
	}

	exchangeFunc(display)
	return nil
}

// Local Variables:
// compile-command: "cd .. && go build"
// End:
