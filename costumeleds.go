package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nathan-osman/go-sunrise"
	"github.com/spf13/pflag"

	"lautenbacher.net/costumeleds/buttons"
	"lautenbacher.net/costumeleds/config"
	"lautenbacher.net/costumeleds/engine"
	"lautenbacher.net/costumeleds/logging"
	"lautenbacher.net/costumeleds/pixel"
	pl "lautenbacher.net/costumeleds/platform"
	u "lautenbacher.net/costumeleds/util"
)

var (
	cfile       = config.CONFILE
	realHW      = false
	serialHW    = false
	showButtons = false
)

func init() {
	pflag.StringVarP(&cfile, "config", "c", cfile, "configuration file")
	pflag.BoolVarP(&realHW, "real", "r", realHW, "drive the GPIO wired strip and buttons")
	pflag.BoolVarP(&serialHW, "serial", "s", serialHW, "drive a strip controller attached to the serial port")
	pflag.BoolVar(&showButtons, "show-buttons", showButtons, "show the button diagnostics viewer (real and serial backends only)")
}

const (
	// platformReadyTimeout bounds the wait for the backend to come up,
	// e.g. for the serial device to answer the hello packet.
	platformReadyTimeout = 10 * time.Second

	// watcherDebounce coalesces the bursts of file events editors
	// produce when saving the config file.
	watcherDebounce = 500 * time.Millisecond

	// viewerRefresh is the redraw interval of the button viewer.
	viewerRefresh = 250 * time.Millisecond
)

// App wires one configuration into a running costume: the platform
// backend, the debounce manager, the animation engine and the control
// loop. A config reload tears the whole App down and builds a fresh
// one from the file.
type App struct {
	conf       *config.Config
	platform   pl.Platform
	platformUp bool
	manager    *buttons.Manager
	engine     *engine.Engine
	status     *u.Cell[pl.StatusSnapshot]
	viewer     *pl.ButtonViewer
	watcher    *config.Watcher
	ossignal   chan os.Signal
	stopsignal chan struct{}
	shutdownWg sync.WaitGroup
	viewerWg   sync.WaitGroup

	// isNight is swappable so tests can force the glow window.
	isNight       func(now time.Time, latitude, longitude float64) bool
	glowing       bool
	nextGlowCheck time.Time

	errMu  sync.Mutex
	runErr error
}

func NewApp(ossignal chan os.Signal) *App {
	return &App{
		ossignal:   ossignal,
		stopsignal: make(chan struct{}),
		isNight:    nightAt,
	}
}

// initialise brings up logging, the platform backend and the engine
// for the given configuration and starts the worker goroutines.
func (a *App) initialise(conf *config.Config, withViewer bool) error {
	a.conf = conf

	simulation := !conf.RealHW && !conf.SerialHW
	sink := conf.Logging.HW
	if simulation {
		// Buffer until the TUI log pane exists, so early lines are
		// neither lost nor drawn over the interface.
		sink = conf.Logging.TUI
	}
	if err := logging.Init(logging.Sink(sink), simulation); err != nil {
		return fmt.Errorf("initialising logging: %w", err)
	}

	a.status = u.NewCell[pl.StatusSnapshot]()

	switch {
	case conf.RealHW:
		a.platform = pl.NewRaspberryPiPlatform(conf)
	case conf.SerialHW:
		a.platform = pl.NewSerialPlatform(conf)
	default:
		a.platform = pl.NewTUIPlatform(conf, a.ossignal, a.status)
	}

	a.manager = buttons.NewManager(conf.Hardware.Buttons.DebounceInterval)

	mode, err := pixel.ParseMode(conf.Charge.StartMode)
	if err != nil {
		return fmt.Errorf("Charge.StartMode: %w", err)
	}
	a.engine = engine.New(engine.Params{
		LedsTotal:        conf.Hardware.Strip.LedsTotal,
		WaveCount:        conf.Charge.WaveCount,
		ChargePasses:     conf.Charge.ChargePasses,
		MaxIntensity:     conf.Charge.MaxIntensity,
		TargetIntensity:  conf.Charge.TargetIntensity,
		FadeSteps:        conf.Charge.FadeSteps,
		ResonancePeak:    conf.Charge.ResonancePeak,
		ResonanceRepeats: conf.Charge.ResonanceRepeats,
		FrameDelay:       conf.Hardware.Strip.FrameDelay,
	}, mode, a.platform, a.manager)
	a.engine.OnStateChange(func(engine.State) { a.publishStatus() })

	if err := a.platform.Start(); err != nil {
		return fmt.Errorf("starting platform: %w", err)
	}
	a.platformUp = true

	// GPIO lines exist only after the platform is up.
	for _, id := range buttons.IDs() {
		if err := a.manager.Attach(id, a.platform.Line(id)); err != nil {
			return err
		}
	}

	a.shutdownWg.Add(1)
	go a.dispatchEdges()

	select {
	case <-a.platform.Ready():
		slog.Info("Platform is ready")
	case <-time.After(platformReadyTimeout):
		return fmt.Errorf("platform did not become ready within %s", platformReadyTimeout)
	}
	a.publishStatus()

	if conf.WatchConfigFile {
		w, err := config.WatchFile(conf.Configfile, watcherDebounce, a.ossignal)
		if err != nil {
			return fmt.Errorf("watching config file: %w", err)
		}
		a.watcher = w
	}

	if withViewer {
		if simulation {
			slog.Warn("Ignoring --show-buttons, the simulation TUI already shows the line state")
		} else {
			a.viewer = pl.NewButtonViewer(a.ossignal)
			a.viewerWg.Add(1)
			go a.viewer.Start(a.stopsignal, &a.viewerWg)
			a.shutdownWg.Add(1)
			go a.feedViewer()
		}
	}

	a.shutdownWg.Add(1)
	go a.controlLoop()
	return nil
}

// dispatchEdges feeds raw edges from the platform into the debounce
// manager.
func (a *App) dispatchEdges() {
	defer a.shutdownWg.Done()
	for {
		select {
		case <-a.stopsignal:
			slog.Debug("Ending edge dispatcher go-routine")
			return
		case id := <-a.platform.Edges():
			a.manager.HandleEdge(id)
		}
	}
}

// controlLoop is the single consumer of the request flags. It wakes on
// a latched request or at the idle poll interval, escalates fatal
// manager errors, serves the requests by priority and keeps the idle
// glow current.
func (a *App) controlLoop() {
	defer a.shutdownWg.Done()

	ticker := time.NewTicker(a.conf.Charge.IdlePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopsignal:
			slog.Debug("Ending control loop go-routine")
			return
		case <-a.manager.Wake():
		case <-ticker.C:
		}

		if err := a.manager.Err(); err != nil {
			a.fatal(fmt.Errorf("input manager failed: %w", err))
			return
		}
		if err := a.handleRequests(); err != nil {
			a.fatal(err)
			return
		}
		if err := a.evaluateGlow(); err != nil {
			a.fatal(err)
			return
		}
	}
}

// handleRequests consumes the pending request flags. Abort wins over
// toggle, toggle over charge. A recovered cycle fault logs and idles;
// every other engine error is fatal.
func (a *App) handleRequests() error {
	if a.manager.Consume(buttons.Abort) {
		if err := a.engine.TurnOff(); err != nil {
			return fmt.Errorf("turning strip off: %w", err)
		}
		a.glowing = false
		a.deferGlowCheck()
		a.publishStatus()
	}

	if a.manager.Consume(buttons.Toggle) {
		if err := a.engine.ToggleMode(); err != nil {
			return fmt.Errorf("toggling mode: %w", err)
		}
		a.publishStatus()
	}

	if a.manager.Consume(buttons.Charge) {
		a.glowing = false
		err := a.engine.RunChargeCycle()
		switch {
		case errors.Is(err, engine.ErrCycleFault):
			slog.Error("Charge cycle fault, blacking out", "error", err)
			if err := a.engine.TurnOff(); err != nil {
				return fmt.Errorf("turning strip off: %w", err)
			}
		case err != nil:
			return fmt.Errorf("charge cycle failed: %w", err)
		}
		if !a.engine.Lit() {
			// The cycle ended dark, so it was aborted. Stay dark until
			// the next scheduled glow check.
			a.deferGlowCheck()
		}
		a.publishStatus()
	}
	return nil
}

// evaluateGlow lights a faint glow while it is dark outside and the
// strip is idle and unlit, and clears it again at daylight. Checks run
// at the configured recheck interval; abort pushes the next check out
// so a blackout is not immediately re-lit.
func (a *App) evaluateGlow() error {
	glow := a.conf.IdleGlow
	if !glow.Enabled {
		return nil
	}
	now := time.Now()
	if now.Before(a.nextGlowCheck) {
		return nil
	}
	a.nextGlowCheck = now.Add(glow.RecheckInterval)

	night := a.isNight(now, glow.Latitude, glow.Longitude)
	if night && !a.glowing && !a.engine.Lit() {
		slog.Info("Dark outside and strip is idle, lighting the glow", "intensity", glow.Intensity)
		if err := a.engine.Fill(glow.Intensity); err != nil {
			return fmt.Errorf("lighting idle glow: %w", err)
		}
		a.glowing = true
	} else if !night && a.glowing {
		slog.Info("Daylight, turning the idle glow off")
		if err := a.engine.TurnOff(); err != nil {
			return fmt.Errorf("turning idle glow off: %w", err)
		}
		a.glowing = false
	}
	return nil
}

func (a *App) deferGlowCheck() {
	if a.conf.IdleGlow.Enabled {
		a.nextGlowCheck = time.Now().Add(a.conf.IdleGlow.RecheckInterval)
	}
}

// nightAt reports whether now is between sunset and the next sunrise
// at the given coordinates.
func nightAt(now time.Time, latitude, longitude float64) bool {
	rise, set := sunrise.SunriseSunset(latitude, longitude, now.Year(), now.Month(), now.Day())
	day := now.After(rise) && now.Before(set)
	return !day
}

// feedViewer pushes line snapshots and edge histories to the button
// viewer.
func (a *App) feedViewer() {
	defer a.shutdownWg.Done()

	ticker := time.NewTicker(viewerRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopsignal:
			return
		case <-ticker.C:
			var statuses [buttons.NumLines]buttons.LineStatus
			var histories [buttons.NumLines][]time.Time
			for _, id := range buttons.IDs() {
				statuses[id] = a.manager.Status(id)
				histories[id] = a.manager.History(id)
			}
			a.viewer.Update(statuses, histories)
		}
	}
}

// publishStatus pushes a fresh snapshot to the status cell. It reads
// engine fields that have no synchronization of their own, so once the
// control loop runs it may only be called from there. The state change
// callback counts, it fires inside the cycle.
func (a *App) publishStatus() {
	snap := pl.StatusSnapshot{
		Mode:  a.engine.Mode(),
		State: a.engine.State(),
		Flags: a.manager.Poll(),
	}
	for _, id := range buttons.IDs() {
		snap.Lines[id] = a.manager.Status(id)
	}
	a.status.Publish(snap)
}

// fatal records the first fatal error and wakes main out of its signal
// wait.
func (a *App) fatal(err error) {
	slog.Error("Fatal error, shutting down", "error", err)
	a.errMu.Lock()
	if a.runErr == nil {
		a.runErr = err
	}
	a.errMu.Unlock()

	select {
	case a.ossignal <- os.Interrupt:
	default:
		// A signal is already pending, main will wake anyway.
	}
}

// Err returns the first fatal error recorded by the worker goroutines.
func (a *App) Err() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.runErr
}

// shutdown stops the worker goroutines, blacks out the strip and
// releases the platform. Safe to call on a partially initialised App.
func (a *App) shutdown() {
	slog.Info("Shutting down...")
	if a.watcher != nil {
		a.watcher.Stop()
	}
	close(a.stopsignal)
	a.shutdownWg.Wait()

	if a.manager != nil {
		a.manager.Close()
	}
	if a.engine != nil && a.platformUp {
		if err := a.engine.TurnOff(); err != nil {
			slog.Error("Blackout on shutdown failed", "error", err)
		}
	}
	if a.platform != nil && a.platformUp {
		a.platform.Stop()
	}
	a.viewerWg.Wait()
}

func main() {
	pflag.Parse()

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	if realHW && serialHW {
		return errors.New("--real and --serial are mutually exclusive")
	}

	ossignal := make(chan os.Signal, 1)
	signal.Notify(ossignal, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer logging.Close()

	var lastGood *config.Config
	for {
		conf, err := config.ReadConfig(cfile, realHW, serialHW)
		if err != nil {
			if lastGood == nil {
				return err
			}
			// A reload must not kill a running costume over a bad
			// edit. Keep going with the previous configuration.
			slog.Error("Reloading config failed, keeping the previous configuration", "error", err)
			conf = lastGood
		}

		app := NewApp(ossignal)
		if err := app.initialise(conf, showButtons); err != nil {
			app.shutdown()
			return err
		}
		lastGood = conf

		sig := <-ossignal
		app.shutdown()

		if err := app.Err(); err != nil {
			return err
		}
		if sig != syscall.SIGHUP {
			slog.Info("Exiting", "signal", sig.String())
			return nil
		}
		slog.Info("Config reload requested, restarting")
	}
}

// Local Variables:
// compile-command: "go build"
// End:
