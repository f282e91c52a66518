package main

import (
	"errors"
	"os"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lautenbacher.net/costumeleds/buttons"
	"lautenbacher.net/costumeleds/config"
	"lautenbacher.net/costumeleds/engine"
	"lautenbacher.net/costumeleds/pixel"
	pl "lautenbacher.net/costumeleds/platform"
	u "lautenbacher.net/costumeleds/util"
)

type mockLine struct {
	enabled atomic.Bool
}

func (l *mockLine) EnableDetect() error {
	l.enabled.Store(true)
	return nil
}

func (l *mockLine) DisableDetect() error {
	l.enabled.Store(false)
	return nil
}

type MockPlatform struct {
	readyChan  chan bool
	edgeEvents chan buttons.ID
	lines      [buttons.NumLines]*mockLine

	mu       sync.Mutex
	frames   []pixel.Frame
	writeErr error
	panicAt  int
	onFrame  func(n int)
}

func NewMockPlatform() *MockPlatform {
	ready := make(chan bool)
	close(ready)
	m := &MockPlatform{
		readyChan:  ready,
		edgeEvents: make(chan buttons.ID),
		panicAt:    -1,
	}
	for i := range m.lines {
		m.lines[i] = &mockLine{}
	}
	return m
}

func (m *MockPlatform) Start() error { return nil }

func (m *MockPlatform) Stop() {}

func (m *MockPlatform) Ready() <-chan bool { return m.readyChan }

func (m *MockPlatform) WriteFrame(frame pixel.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	if m.panicAt == len(m.frames) {
		m.panicAt = -1
		panic("injected write fault")
	}
	// Make a copy, the engine reuses its frame buffer.
	frameCopy := make(pixel.Frame, len(frame))
	copy(frameCopy, frame)
	m.frames = append(m.frames, frameCopy)
	if m.onFrame != nil {
		m.onFrame(len(m.frames) - 1)
	}
	return nil
}

func (m *MockPlatform) Line(id buttons.ID) buttons.Line { return m.lines[id] }

func (m *MockPlatform) Edges() <-chan buttons.ID { return m.edgeEvents }

func (m *MockPlatform) FrameCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

func (m *MockPlatform) Frames() []pixel.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make([]pixel.Frame, len(m.frames))
	for i, frame := range m.frames {
		ret[i] = make(pixel.Frame, len(frame))
		copy(ret[i], frame)
	}
	return ret
}

// testConfig returns a config for a 4 pixel strip whose charge cycle
// writes exactly 11 frames: 4 charge, 2 fade plus the exact-target
// pass, and 4 resonance.
func testConfig() *config.Config {
	conf := &config.Config{}
	conf.Hardware.Strip.LedsTotal = 4
	conf.Hardware.Buttons.DebounceInterval = 5 * time.Millisecond
	conf.Charge.WaveCount = 1
	conf.Charge.ChargePasses = 1
	conf.Charge.MaxIntensity = 40
	conf.Charge.TargetIntensity = 6
	conf.Charge.FadeSteps = 2
	conf.Charge.ResonancePeak = 2
	conf.Charge.ResonanceRepeats = 1
	conf.Charge.StartMode = "benign"
	conf.Charge.IdlePollInterval = 5 * time.Millisecond
	return conf
}

// newTestApp assembles an App over a mock platform, mirroring the
// wiring initialise does minus logging, platform start and the worker
// goroutines. Tests adjust the mock before calling startApp.
func newTestApp(t *testing.T, conf *config.Config, mock *MockPlatform) *App {
	t.Helper()

	app := NewApp(make(chan os.Signal, 1))
	app.conf = conf
	app.platform = mock
	app.platformUp = true
	app.status = u.NewCell[pl.StatusSnapshot]()
	app.manager = buttons.NewManager(conf.Hardware.Buttons.DebounceInterval)

	mode, err := pixel.ParseMode(conf.Charge.StartMode)
	if err != nil {
		t.Fatalf("Parsing the start mode failed: %v", err)
	}
	app.engine = engine.New(engine.Params{
		LedsTotal:        conf.Hardware.Strip.LedsTotal,
		WaveCount:        conf.Charge.WaveCount,
		ChargePasses:     conf.Charge.ChargePasses,
		MaxIntensity:     conf.Charge.MaxIntensity,
		TargetIntensity:  conf.Charge.TargetIntensity,
		FadeSteps:        conf.Charge.FadeSteps,
		ResonancePeak:    conf.Charge.ResonancePeak,
		ResonanceRepeats: conf.Charge.ResonanceRepeats,
		FrameDelay:       conf.Hardware.Strip.FrameDelay,
	}, mode, mock, app.manager)
	app.engine.OnStateChange(func(engine.State) { app.publishStatus() })

	for _, id := range buttons.IDs() {
		if err := app.manager.Attach(id, mock.Line(id)); err != nil {
			t.Fatalf("Attaching line %s failed: %v", id, err)
		}
	}
	return app
}

func startApp(t *testing.T, app *App) {
	t.Helper()
	app.shutdownWg.Add(2)
	go app.dispatchEdges()
	go app.controlLoop()
	t.Cleanup(func() {
		close(app.stopsignal)
		app.shutdownWg.Wait()
		app.manager.Close()
	})
}

// press delivers one raw edge the way a platform backend would.
func press(t *testing.T, mock *MockPlatform, id buttons.ID) {
	t.Helper()
	select {
	case mock.edgeEvents <- id:
	case <-time.After(2 * time.Second):
		t.Fatalf("Edge on %s was not picked up", id)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestChargeCycleCompletes(t *testing.T) {
	mock := NewMockPlatform()
	app := newTestApp(t, testConfig(), mock)
	startApp(t, app)

	if n := mock.FrameCount(); n != 0 {
		t.Fatalf("Expected no frames before the first request, got %d", n)
	}

	press(t, mock, buttons.Charge)
	waitFor(t, 2*time.Second, func() bool {
		return mock.FrameCount() >= 11 && app.status.Latest().State == engine.Idle
	}, "the charge cycle to finish")

	// Nothing else may write once the cycle is done.
	time.Sleep(20 * time.Millisecond)
	if n := mock.FrameCount(); n != 11 {
		t.Fatalf("Expected 11 frames, got %d", n)
	}

	frames := mock.Frames()
	want := pixel.Frame{{Green: 6}, {Green: 7}, {Green: 7}, {Green: 7}}
	if !reflect.DeepEqual(frames[10], want) {
		t.Errorf("Expected final frame %v, got %v", want, frames[10])
	}
	if mode := app.status.Latest().Mode; mode != pixel.Benign {
		t.Errorf("Expected mode benign after the cycle, got %s", mode)
	}
}

func TestAbortBlacksOut(t *testing.T) {
	mock := NewMockPlatform()
	app := newTestApp(t, testConfig(), mock)
	// Latch an abort while the third frame is written, well inside the
	// charge phase.
	mock.onFrame = func(n int) {
		if n == 2 {
			app.manager.HandleEdge(buttons.Abort)
		}
	}
	startApp(t, app)

	press(t, mock, buttons.Charge)
	waitFor(t, 2*time.Second, func() bool {
		return mock.FrameCount() >= 4 && app.status.Latest().State == engine.Idle
	}, "the abort to black out the strip")

	time.Sleep(20 * time.Millisecond)
	if n := mock.FrameCount(); n != 4 {
		t.Fatalf("Expected 4 frames (three charge, one blackout), got %d", n)
	}
	frames := mock.Frames()
	for i, led := range frames[3] {
		if !led.IsEmpty() {
			t.Errorf("Expected pixel %d dark after the abort, got %v", i, led)
		}
	}
}

func TestToggleFlipsMode(t *testing.T) {
	mock := NewMockPlatform()
	app := newTestApp(t, testConfig(), mock)
	startApp(t, app)

	press(t, mock, buttons.Toggle)
	waitFor(t, 2*time.Second, func() bool {
		return app.status.Latest().Mode == pixel.Adverse
	}, "the mode to flip to adverse")

	// Recoloring a dark strip still flushes a frame.
	if n := mock.FrameCount(); n != 1 {
		t.Errorf("Expected the toggle to write one frame, got %d", n)
	}

	// Let the debounce window expire before the next press.
	time.Sleep(20 * time.Millisecond)
	press(t, mock, buttons.Toggle)
	waitFor(t, 2*time.Second, func() bool {
		return app.status.Latest().Mode == pixel.Benign
	}, "the mode to flip back to benign")
}

func TestWriteFailureShutsDown(t *testing.T) {
	mock := NewMockPlatform()
	mock.writeErr = errors.New("spi dead")
	app := newTestApp(t, testConfig(), mock)
	startApp(t, app)

	press(t, mock, buttons.Charge)

	select {
	case sig := <-app.ossignal:
		if sig != os.Interrupt {
			t.Errorf("Expected an interrupt, got %v", sig)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the app to raise an interrupt after the write failure")
	}
	if err := app.Err(); err == nil || !strings.Contains(err.Error(), "spi dead") {
		t.Errorf("Expected the write error to be recorded, got %v", err)
	}
}

func TestCycleFaultRecovers(t *testing.T) {
	mock := NewMockPlatform()
	// The third frame of the first cycle panics inside the sink.
	mock.panicAt = 2
	app := newTestApp(t, testConfig(), mock)
	startApp(t, app)

	press(t, mock, buttons.Charge)
	waitFor(t, 2*time.Second, func() bool {
		return mock.FrameCount() >= 3 && app.status.Latest().State == engine.Idle
	}, "the recovered fault to black out the strip")

	if err := app.Err(); err != nil {
		t.Fatalf("Expected the fault to be recovered, got fatal error %v", err)
	}
	frames := mock.Frames()
	for i, led := range frames[2] {
		if !led.IsEmpty() {
			t.Errorf("Expected pixel %d dark after the fault, got %v", i, led)
		}
	}

	// The app must stay serviceable: the next charge runs a full
	// cycle again.
	time.Sleep(20 * time.Millisecond)
	press(t, mock, buttons.Charge)
	waitFor(t, 2*time.Second, func() bool {
		return mock.FrameCount() >= 14 && app.status.Latest().State == engine.Idle
	}, "the next charge cycle to finish")

	frames = mock.Frames()
	last := frames[len(frames)-1]
	if !reflect.DeepEqual(last[0], pixel.Led{Green: 6}) {
		t.Errorf("Expected the second cycle to end charged, got %v", last[0])
	}
}

func TestIdleGlow(t *testing.T) {
	conf := testConfig()
	conf.IdleGlow.Enabled = true
	conf.IdleGlow.Intensity = 3
	conf.IdleGlow.RecheckInterval = 250 * time.Millisecond

	mock := NewMockPlatform()
	app := newTestApp(t, conf, mock)
	var night atomic.Bool
	night.Store(true)
	app.isNight = func(time.Time, float64, float64) bool { return night.Load() }
	startApp(t, app)

	// 1. The first evaluation lights the glow.
	waitFor(t, 2*time.Second, func() bool { return mock.FrameCount() >= 1 }, "the glow to light")
	frames := mock.Frames()
	want := pixel.Frame{{Green: 3}, {Green: 3}, {Green: 3}, {Green: 3}}
	if !reflect.DeepEqual(frames[0], want) {
		t.Errorf("Expected glow frame %v, got %v", want, frames[0])
	}

	// 2. An abort blacks out and holds until the next scheduled check.
	press(t, mock, buttons.Abort)
	waitFor(t, 2*time.Second, func() bool { return mock.FrameCount() >= 2 }, "the abort blackout")
	time.Sleep(50 * time.Millisecond)
	if n := mock.FrameCount(); n != 2 {
		t.Fatalf("Expected the strip to stay dark inside the recheck interval, got %d frames", n)
	}

	// 3. The next check relights it.
	waitFor(t, 2*time.Second, func() bool { return mock.FrameCount() >= 3 }, "the glow to relight")
	frames = mock.Frames()
	if !reflect.DeepEqual(frames[2], want) {
		t.Errorf("Expected relit glow frame %v, got %v", want, frames[2])
	}

	// 4. Daylight clears it.
	night.Store(false)
	waitFor(t, 2*time.Second, func() bool {
		frames := mock.Frames()
		return len(frames) >= 4 && frames[len(frames)-1][0].IsEmpty()
	}, "daylight to clear the glow")
}

func TestNightAt(t *testing.T) {
	// Nuremberg on the 2024 summer solstice: the sun is up from about
	// 03:15 to 19:30 UTC.
	noon := time.Date(2024, 6, 21, 12, 0, 0, 0, time.UTC)
	if nightAt(noon, 49.45, 11.08) {
		t.Errorf("Expected %v to be daytime", noon)
	}
	lateNight := time.Date(2024, 6, 21, 23, 30, 0, 0, time.UTC)
	if !nightAt(lateNight, 49.45, 11.08) {
		t.Errorf("Expected %v to be night", lateNight)
	}
	beforeDawn := time.Date(2024, 6, 21, 1, 0, 0, 0, time.UTC)
	if !nightAt(beforeDawn, 49.45, 11.08) {
		t.Errorf("Expected %v to be night", beforeDawn)
	}
}
