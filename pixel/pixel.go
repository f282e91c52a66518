package pixel

import (
	"errors"
	"fmt"
	"math"
)

// Mode selects how intensity maps to color channels.
type Mode int

const (
	// Benign renders intensity on the green channel.
	Benign Mode = iota
	// Adverse renders intensity on red and blue (purple).
	Adverse
)

func (m Mode) String() string {
	switch m {
	case Benign:
		return "benign"
	case Adverse:
		return "adverse"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Flip returns the other mode.
func (m Mode) Flip() Mode {
	if m == Benign {
		return Adverse
	}
	return Benign
}

// ParseMode converts a config string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "benign":
		return Benign, nil
	case "adverse":
		return Adverse, nil
	default:
		return Benign, fmt.Errorf("unknown mode %q (want \"benign\" or \"adverse\")", s)
	}
}

// Led holds one RGB triple as handed to a strip driver. Channels are
// ints rather than bytes so that a runaway animation value stays
// representable until Frame.Validate catches it at the driver boundary.
type Led struct {
	Red   int
	Green int
	Blue  int
}

// True if all components are zero, false otherwise
func (s Led) IsEmpty() bool {
	return s.Red == 0 && s.Green == 0 && s.Blue == 0
}

// Derive maps an intensity to the channel values for the given mode.
// It never clamps or validates: callers keep intensity in range, and
// Frame.Validate is the backstop before anything reaches a device.
func Derive(intensity int, mode Mode) Led {
	if mode == Adverse {
		return Led{Red: intensity, Blue: intensity}
	}
	return Led{Green: intensity}
}

// Phase returns the static wave offset for a chain position:
// index*2*pi*waves/total - pi/2.
func Phase(index, waves, total int) float64 {
	return float64(index)*2*math.Pi*float64(waves)/float64(total) - math.Pi/2
}

// Pixel is one LED of the strip: its fixed chain index, the static
// wave phase derived from that index, and the current intensity with
// its derived channel values.
type Pixel struct {
	index     int
	phase     float64
	intensity int
	led       Led
}

// New creates the pixel for a chain position, with the phase derived
// from the index and the wave layout. Intensity starts at zero.
func New(index, waves, total int) Pixel {
	return Pixel{
		index: index,
		phase: Phase(index, waves, total),
	}
}

func (p *Pixel) Index() int {
	return p.index
}

func (p *Pixel) Phase() float64 {
	return p.phase
}

func (p *Pixel) Intensity() int {
	return p.intensity
}

func (p *Pixel) Led() Led {
	return p.led
}

// SetIntensity stores v and re-derives the channels for mode.
func (p *Pixel) SetIntensity(v int, mode Mode) {
	p.intensity = v
	p.led = Derive(v, mode)
}

// Recolor re-derives the channels from the unchanged intensity. Used
// when the mode flips mid-animation.
func (p *Pixel) Recolor(mode Mode) {
	p.led = Derive(p.intensity, mode)
}

// Frame is a full strip snapshot in chain order, ready for an output
// device.
type Frame []Led

// ErrChannelRange marks a channel value outside [0,255] reaching the
// driver boundary.
var ErrChannelRange = errors.New("channel value out of range")

// ChannelRangeError carries the offending pixel index and triple.
type ChannelRangeError struct {
	Index int
	Led   Led
}

func (e *ChannelRangeError) Error() string {
	return fmt.Sprintf("pixel %d: channel value out of range: (%d, %d, %d)",
		e.Index, e.Led.Red, e.Led.Green, e.Led.Blue)
}

func (e *ChannelRangeError) Unwrap() error {
	return ErrChannelRange
}

// Validate checks that every channel lies in [0,255]. Animation code
// upstream never clamps silently, so a violation here is a math or
// configuration fault and the caller treats it as fatal.
func (f Frame) Validate() error {
	for i, led := range f {
		if led.Red < 0 || led.Red > 255 ||
			led.Green < 0 || led.Green > 255 ||
			led.Blue < 0 || led.Blue > 255 {
			return &ChannelRangeError{Index: i, Led: led}
		}
	}
	return nil
}

// Clear zeroes the frame in place.
func (f Frame) Clear() {
	for i := range f {
		f[i] = Led{}
	}
}

// Local Variables:
// compile-command: "cd .. && go build"
// End:
