// Package engine drives the charge animation of the costume strip. A
// cycle is a fixed three-phase sequence over the pixel array, flushed
// to a frame sink one frame at a time:
//
// 1. Charging:
//   - For ChargePasses full passes (2 x N frames), every frame shifts
//     all intensities one pixel towards the end of the strip and
//     injects a fresh sinusoid sample at pixel 0, so WaveCount
//     brightness pulses travel down the arm without storing a dense
//     waveform buffer.
//
// 2. Fading:
//   - Converges every pixel to TargetIntensity in FadeSteps linear
//     steps. Per-pixel step sizes are captured once at phase entry;
//     intermediate values truncate towards zero and clamp at >= 0.
//     After the fixed step count a final pass forces the exact target,
//     eliminating residual rounding error.
//
// 3. Resonating:
//   - The trailing wave period of the strip pulses: a triangular
//     modifier table (0 up to ResonancePeak and back down to 1, unit
//     steps, peak hit once) is added to the target and applied to the
//     tail pixels, one frame per table entry, repeated
//     ResonanceRepeats times.
//
// Between every frame of every phase the engine polls the request
// flags: an abort blacks out the strip and bails out of the whole
// cycle within one frame; a toggle flips the color mode and recolors
// in place without touching the intensity trajectory; a fresh charge
// request during a running cycle is consumed and ignored.
//
// A panic inside a cycle is recovered at the cycle boundary and
// reported as ErrCycleFault so the controller can log it and return to
// idle. Frame validation failures and sink errors pass through
// unchanged - those are fatal for the caller.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	t "time"

	"lautenbacher.net/costumeleds/buttons"
	"lautenbacher.net/costumeleds/pixel"
)

// FrameWriter is the output side of the engine. Implementations that
// retain a frame beyond the call must copy it; the engine reuses the
// backing array.
type FrameWriter interface {
	WriteFrame(pixel.Frame) error
}

// EventSource is the slice of the input manager the engine polls
// between frames.
type EventSource interface {
	Consume(buttons.ID) bool
}

// ErrCycleFault wraps a panic recovered at the cycle boundary. The
// controller logs it and idles instead of dying.
var ErrCycleFault = errors.New("charge cycle fault")

// State is the effective controller state. The engine drives
// Charging/Fading/Resonating/Aborting; the controller parks it at
// Idle between cycles.
type State int

const (
	Idle State = iota
	Charging
	Fading
	Resonating
	Aborting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Charging:
		return "charging"
	case Fading:
		return "fading"
	case Resonating:
		return "resonating"
	case Aborting:
		return "aborting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Params are the animation settings, validated by the config package.
type Params struct {
	LedsTotal        int
	WaveCount        int
	ChargePasses     int
	MaxIntensity     int
	TargetIntensity  int
	FadeSteps        int
	ResonancePeak    int
	ResonanceRepeats int
	FrameDelay       t.Duration
}

// Engine owns the pixel array and the color mode and runs charge
// cycles against a frame sink.
type Engine struct {
	params   Params
	pixels   []pixel.Pixel
	frame    pixel.Frame
	mode     pixel.Mode
	state    State
	sink     FrameWriter
	events   EventSource
	resTable []int
	resStart int
	onState  func(State)
}

// New creates an engine over a dark strip in the given mode.
func New(params Params, mode pixel.Mode, sink FrameWriter, events EventSource) *Engine {
	pixels := make([]pixel.Pixel, params.LedsTotal)
	for i := range pixels {
		pixels[i] = pixel.New(i, params.WaveCount, params.LedsTotal)
	}
	return &Engine{
		params:   params,
		pixels:   pixels,
		frame:    make(pixel.Frame, params.LedsTotal),
		mode:     mode,
		state:    Idle,
		sink:     sink,
		events:   events,
		resTable: resonanceTable(params.ResonancePeak),
		resStart: resonanceStart(params.LedsTotal, params.WaveCount),
	}
}

// resonanceTable builds the triangular modifier table: up from 0 to
// peak and back down to 1 in unit steps, the peak appearing once.
func resonanceTable(peak int) []int {
	table := make([]int, 0, 2*peak)
	for v := 0; v <= peak; v++ {
		table = append(table, v)
	}
	for v := peak - 1; v >= 1; v-- {
		table = append(table, v)
	}
	return table
}

// resonanceStart returns the first pixel of the trailing wave period:
// round(total*(waves-1)/waves) + 1.
func resonanceStart(total, waves int) int {
	return int(math.Round(float64(total)*float64(waves-1)/float64(waves))) + 1
}

// OnStateChange installs a callback invoked on every state transition,
// in addition to the transition log line. Used by the TUI status pane.
func (e *Engine) OnStateChange(fn func(State)) {
	e.onState = fn
}

// Mode returns the current color mode.
func (e *Engine) Mode() pixel.Mode {
	return e.mode
}

// State returns the current effective state.
func (e *Engine) State() State {
	return e.state
}

// Lit reports whether any pixel holds a nonzero intensity. The idle
// glow uses this to avoid overwriting a strip that holds the charged
// look.
func (e *Engine) Lit() bool {
	for i := range e.pixels {
		if e.pixels[i].Intensity() > 0 {
			return true
		}
	}
	return false
}

func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	slog.Info("State transition", "from", e.state.String(), "to", s.String())
	e.state = s
	if e.onState != nil {
		e.onState(s)
	}
}

// RunChargeCycle runs one full charge animation. It returns nil when
// the cycle completed or was aborted by request; an error wrapping
// ErrCycleFault when a panic was recovered at the cycle boundary; and
// any frame validation or sink error unchanged.
func (e *Engine) RunChargeCycle() (err error) {
	defer e.setState(Idle)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrCycleFault, r)
		}
	}()

	slog.Info("Charge requested", "mode", e.mode.String())

	aborted, err := e.chargePhase()
	if aborted || err != nil {
		return err
	}
	aborted, err = e.fadePhase()
	if aborted || err != nil {
		return err
	}
	aborted, err = e.resonatePhase()
	if aborted || err != nil {
		return err
	}

	// A charge request latched after the last frame's poll would
	// otherwise restart immediately.
	e.events.Consume(buttons.Charge)
	slog.Info("Charge cycle complete", "target", e.params.TargetIntensity)
	return nil
}

// chargePhase sends the traveling wave through the strip. One frame
// per shift, ChargePasses*LedsTotal frames in total.
func (e *Engine) chargePhase() (aborted bool, err error) {
	e.setState(Charging)
	total := e.params.LedsTotal
	frames := total * e.params.ChargePasses
	amplitude := float64(e.params.MaxIntensity) / 2.0
	x0 := e.pixels[0].Phase()

	for n := 0; n < frames; n++ {
		if aborted, err = e.checkRequests(); aborted || err != nil {
			return aborted, err
		}
		for i := total - 1; i > 0; i-- {
			e.pixels[i].SetIntensity(e.pixels[i-1].Intensity(), e.mode)
		}
		shift := float64(n) * 2 * math.Pi * float64(e.params.WaveCount) / float64(total)
		e.pixels[0].SetIntensity(int(amplitude+amplitude*math.Sin(x0-shift)), e.mode)
		if err = e.flush(); err != nil {
			return false, err
		}
	}
	return false, nil
}

// fadePhase converges all pixels linearly to the target intensity.
func (e *Engine) fadePhase() (aborted bool, err error) {
	e.setState(Fading)
	target := e.params.TargetIntensity

	// Distance at phase start, not recomputed per frame.
	steps := make([]float64, len(e.pixels))
	for i := range e.pixels {
		steps[i] = float64(target-e.pixels[i].Intensity()) / float64(e.params.FadeSteps)
	}

	for step := 0; step < e.params.FadeSteps; step++ {
		if aborted, err = e.checkRequests(); aborted || err != nil {
			return aborted, err
		}
		for i := range e.pixels {
			v := int(float64(e.pixels[i].Intensity()) + steps[i])
			if v < 0 {
				v = 0
			}
			e.pixels[i].SetIntensity(v, e.mode)
		}
		if err = e.flush(); err != nil {
			return false, err
		}
	}

	// Truncation towards zero leaves residual error; force the exact
	// target in one final pass.
	for i := range e.pixels {
		e.pixels[i].SetIntensity(target, e.mode)
	}
	return false, e.flush()
}

// resonatePhase pulses the trailing wave period of the strip around
// the target intensity.
func (e *Engine) resonatePhase() (aborted bool, err error) {
	e.setState(Resonating)
	target := e.params.TargetIntensity

	for range e.params.ResonanceRepeats {
		for _, mod := range e.resTable {
			if aborted, err = e.checkRequests(); aborted || err != nil {
				return aborted, err
			}
			for i := e.resStart; i < len(e.pixels); i++ {
				e.pixels[i].SetIntensity(target+mod, e.mode)
			}
			if err = e.flush(); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

// checkRequests polls the request flags between frames. An abort
// blacks out the strip, dismisses any pending charge and reports
// aborted; a toggle recolors in place and the phase continues; a
// fresh charge is consumed and ignored.
func (e *Engine) checkRequests() (aborted bool, err error) {
	if e.events.Consume(buttons.Abort) {
		e.setState(Aborting)
		slog.Info("Abort requested, blacking out")
		if err := e.blackout(); err != nil {
			return true, err
		}
		e.events.Consume(buttons.Charge)
		return true, nil
	}
	if e.events.Consume(buttons.Toggle) {
		e.mode = e.mode.Flip()
		slog.Info("Mode toggled", "mode", e.mode.String())
		for i := range e.pixels {
			e.pixels[i].Recolor(e.mode)
		}
		if err := e.flush(); err != nil {
			return false, err
		}
	}
	e.events.Consume(buttons.Charge)
	return false, nil
}

// TurnOff blacks out the strip and dismisses any pending abort, so
// aborting an idle costume stays a no-op. Safe to call repeatedly.
func (e *Engine) TurnOff() error {
	if err := e.blackout(); err != nil {
		return err
	}
	e.events.Consume(buttons.Abort)
	return nil
}

// ToggleMode flips the color mode and recolors the strip in place.
// Only visible while pixels are lit.
func (e *Engine) ToggleMode() error {
	e.mode = e.mode.Flip()
	slog.Info("Mode toggled", "mode", e.mode.String())
	for i := range e.pixels {
		e.pixels[i].Recolor(e.mode)
	}
	return e.flush()
}

// Fill sets every pixel to the given intensity and flushes. Used for
// the idle glow.
func (e *Engine) Fill(intensity int) error {
	for i := range e.pixels {
		e.pixels[i].SetIntensity(intensity, e.mode)
	}
	return e.flush()
}

func (e *Engine) blackout() error {
	for i := range e.pixels {
		e.pixels[i].SetIntensity(0, e.mode)
	}
	return e.flush()
}

// flush validates the current pixel state and hands one frame to the
// sink. Validation failures are returned unchanged: animation code
// never clamps silently, so they are math or configuration faults the
// caller escalates.
func (e *Engine) flush() error {
	for i := range e.pixels {
		e.frame[i] = e.pixels[i].Led()
	}
	if err := e.frame.Validate(); err != nil {
		return err
	}
	if err := e.sink.WriteFrame(e.frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	if e.params.FrameDelay > 0 {
		t.Sleep(e.params.FrameDelay)
	}
	return nil
}

// Local Variables:
// compile-command: "cd .. && go build"
// End:
