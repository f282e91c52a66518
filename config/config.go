// Package config holds the complete configuration tree for the costume
// controller. The file is decoded over a set of built-in defaults, so a
// minimal config.yml only needs the values that differ. ReadConfig
// validates the result and rejects anything out of range before the
// rest of the program starts up.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lautenbacher.net/costumeleds/logging"
	"lautenbacher.net/costumeleds/pixel"
)

// CONFILE is the config file name used when none is given on the
// command line.
const CONFILE = "config.yml"

// SegmentConfig describes one physical run of LEDs on the costume. The
// strip is a single electrical chain, but it is routed through the
// garment in pieces (collar, left sleeve, right sleeve, ...) and some
// pieces are sewn in against the chain direction.
type SegmentConfig struct {
	Name     string `yaml:"Name"`
	FirstLed int    `yaml:"FirstLed"`
	LastLed  int    `yaml:"LastLed"`
	Reverse  bool   `yaml:"Reverse"`
}

// StripConfig holds the LED strip hardware parameters.
type StripConfig struct {
	LedsTotal        int             `yaml:"LedsTotal"`
	LedType          string          `yaml:"LedType"`
	SPIFrequency     int             `yaml:"SPIFrequency"`
	APA102Brightness int             `yaml:"APA102_Brightness"`
	ColorCorrection  []float64       `yaml:"ColorCorrection"`
	FrameDelay       time.Duration   `yaml:"FrameDelay"`
	Segments         []SegmentConfig `yaml:"Segments"`
}

// ButtonsConfig holds the GPIO wiring and debounce settings for the
// three costume buttons.
type ButtonsConfig struct {
	DebounceInterval time.Duration `yaml:"DebounceInterval"`
	EdgePollInterval time.Duration `yaml:"EdgePollInterval"`
	ChargePin        int           `yaml:"ChargePin"`
	TogglePin        int           `yaml:"TogglePin"`
	AbortPin         int           `yaml:"AbortPin"`
}

// SerialConfig holds the settings for the serial strip backend, used
// when the LEDs hang off a microcontroller instead of local SPI.
type SerialConfig struct {
	Device string `yaml:"Device"`
	Baud   int    `yaml:"Baud"`
}

// HardwareConfig groups everything that describes the physical build.
type HardwareConfig struct {
	Strip   StripConfig   `yaml:"Strip"`
	Buttons ButtonsConfig `yaml:"Buttons"`
	Serial  SerialConfig  `yaml:"Serial"`
}

// ChargeConfig holds the parameters of the charge effect.
type ChargeConfig struct {
	WaveCount        int           `yaml:"WaveCount"`
	ChargePasses     int           `yaml:"ChargePasses"`
	MaxIntensity     int           `yaml:"MaxIntensity"`
	TargetIntensity  int           `yaml:"TargetIntensity"`
	FadeSteps        int           `yaml:"FadeSteps"`
	ResonancePeak    int           `yaml:"ResonancePeak"`
	ResonanceRepeats int           `yaml:"ResonanceRepeats"`
	StartMode        string        `yaml:"StartMode"`
	IdlePollInterval time.Duration `yaml:"IdlePollInterval"`
}

// IdleGlowConfig holds the optional after-dark standby glow.
type IdleGlowConfig struct {
	Enabled         bool          `yaml:"Enabled"`
	Latitude        float64       `yaml:"Latitude"`
	Longitude       float64       `yaml:"Longitude"`
	Intensity       int           `yaml:"Intensity"`
	RecheckInterval time.Duration `yaml:"RecheckInterval"`
}

// SinkConfig mirrors logging.Sink with YAML tags. It converts to
// logging.Sink directly.
type SinkConfig struct {
	Level  string `yaml:"Level"`
	Format string `yaml:"Format"`
	File   string `yaml:"File"`
}

// LoggingConfig holds one log sink per runtime flavour: the TUI
// simulator buffers into its log pane, the hardware build logs to a
// file or stderr.
type LoggingConfig struct {
	TUI SinkConfig `yaml:"TUI"`
	HW  SinkConfig `yaml:"HW"`
}

// Config is the root of the configuration tree. The flag-derived
// fields are excluded from YAML and filled in by ReadConfig.
type Config struct {
	RealHW     bool   `yaml:"-"`
	SerialHW   bool   `yaml:"-"`
	Configfile string `yaml:"-"`

	Hardware        HardwareConfig `yaml:"Hardware"`
	Charge          ChargeConfig   `yaml:"Charge"`
	IdleGlow        IdleGlowConfig `yaml:"IdleGlow"`
	Logging         LoggingConfig  `yaml:"Logging"`
	WatchConfigFile bool           `yaml:"WatchConfigFile"`
}

// defaultConfig returns a Config preloaded with the values the costume
// was built and tuned with. The YAML file is decoded on top of this.
func defaultConfig() *Config {
	conf := &Config{}

	conf.Hardware.Strip.LedsTotal = 144
	conf.Hardware.Strip.LedType = "WS2801"
	conf.Hardware.Strip.SPIFrequency = 2000000
	conf.Hardware.Strip.APA102Brightness = 31
	conf.Hardware.Strip.ColorCorrection = []float64{1.0, 1.0, 1.0}
	conf.Hardware.Strip.FrameDelay = 5 * time.Millisecond

	conf.Hardware.Buttons.DebounceInterval = 200 * time.Millisecond
	conf.Hardware.Buttons.EdgePollInterval = 5 * time.Millisecond
	conf.Hardware.Buttons.ChargePin = 16
	conf.Hardware.Buttons.TogglePin = 19
	conf.Hardware.Buttons.AbortPin = 22

	conf.Hardware.Serial.Device = "/dev/ttyACM0"
	conf.Hardware.Serial.Baud = 115200

	conf.Charge.WaveCount = 3
	conf.Charge.ChargePasses = 2
	conf.Charge.MaxIntensity = 255
	conf.Charge.TargetIntensity = 15
	conf.Charge.FadeSteps = 20
	conf.Charge.ResonancePeak = 20
	conf.Charge.ResonanceRepeats = 5
	conf.Charge.StartMode = "benign"
	conf.Charge.IdlePollInterval = 200 * time.Millisecond

	conf.IdleGlow.Intensity = 3
	conf.IdleGlow.RecheckInterval = time.Minute

	conf.Logging.TUI = SinkConfig{Level: "INFO", Format: "text"}
	conf.Logging.HW = SinkConfig{Level: "INFO", Format: "text"}

	return conf
}

// ReadConfig reads and validates the configuration from the given
// file. The realhw and serialhw flags come from the command line and
// select the platform backend, so they are carried in the config
// instead of being threaded through every constructor separately.
func ReadConfig(cfile string, realhw bool, serialhw bool) (*Config, error) {
	f, err := os.Open(cfile)
	if err != nil {
		return nil, fmt.Errorf("opening config file %s: %w", cfile, err)
	}
	defer f.Close()

	conf := defaultConfig()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(conf); err != nil {
		return nil, fmt.Errorf("decoding config file %s: %w", cfile, err)
	}

	conf.RealHW = realhw
	conf.SerialHW = serialhw
	conf.Configfile = cfile

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("validating config file %s: %w", cfile, err)
	}
	return conf, nil
}

// Validate checks the configuration for consistency. A config fault is
// fatal at startup, so everything that could later panic or write
// garbage to the strip is rejected here.
func (conf *Config) Validate() error {
	if err := conf.validateStrip(); err != nil {
		return err
	}
	if err := conf.validateButtons(); err != nil {
		return err
	}
	if conf.SerialHW {
		if conf.Hardware.Serial.Device == "" {
			return fmt.Errorf("Hardware.Serial.Device must be set when running with the serial backend")
		}
		if conf.Hardware.Serial.Baud <= 0 {
			return fmt.Errorf("Hardware.Serial.Baud must be positive, got %d", conf.Hardware.Serial.Baud)
		}
	}
	if err := conf.validateCharge(); err != nil {
		return err
	}
	if err := conf.validateIdleGlow(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(conf.Logging.TUI.Level); err != nil {
		return fmt.Errorf("Logging.TUI: %w", err)
	}
	if _, err := logging.ParseFormat(conf.Logging.TUI.Format); err != nil {
		return fmt.Errorf("Logging.TUI: %w", err)
	}
	if _, err := logging.ParseLevel(conf.Logging.HW.Level); err != nil {
		return fmt.Errorf("Logging.HW: %w", err)
	}
	if _, err := logging.ParseFormat(conf.Logging.HW.Format); err != nil {
		return fmt.Errorf("Logging.HW: %w", err)
	}
	return nil
}

func (conf *Config) validateStrip() error {
	strip := conf.Hardware.Strip

	if strip.LedsTotal < 1 {
		return fmt.Errorf("Hardware.Strip.LedsTotal must be at least 1, got %d", strip.LedsTotal)
	}
	switch strings.ToUpper(strip.LedType) {
	case "WS2801", "APA102":
	default:
		return fmt.Errorf("unknown LED type: %s", strip.LedType)
	}
	if strip.SPIFrequency <= 0 {
		return fmt.Errorf("Hardware.Strip.SPIFrequency must be positive, got %d", strip.SPIFrequency)
	}
	if strip.APA102Brightness < 0 || strip.APA102Brightness > 31 {
		return fmt.Errorf("Hardware.Strip.APA102_Brightness must be between 0 and 31, got %d", strip.APA102Brightness)
	}
	if len(strip.ColorCorrection) != 3 {
		return fmt.Errorf("Hardware.Strip.ColorCorrection must have exactly 3 values, got %d", len(strip.ColorCorrection))
	}
	for i, corr := range strip.ColorCorrection {
		if corr <= 0 || corr > 1 {
			return fmt.Errorf("Hardware.Strip.ColorCorrection[%d] must be greater than 0 and at most 1, got %v", i, corr)
		}
	}
	if strip.FrameDelay < 0 {
		return fmt.Errorf("Hardware.Strip.FrameDelay must not be negative, got %v", strip.FrameDelay)
	}

	// Segments must tile the strip exactly, in chain order. The wire
	// format is derived from this layout, so gaps or overlaps would
	// scramble the costume.
	if len(strip.Segments) > 0 {
		names := make(map[string]bool, len(strip.Segments))
		next := 0
		for i, seg := range strip.Segments {
			if seg.Name == "" {
				return fmt.Errorf("segment %d has no name", i)
			}
			if names[seg.Name] {
				return fmt.Errorf("duplicate segment name: %s", seg.Name)
			}
			names[seg.Name] = true
			if seg.FirstLed != next {
				return fmt.Errorf("segment %s must start at led %d, got %d", seg.Name, next, seg.FirstLed)
			}
			if seg.LastLed < seg.FirstLed {
				return fmt.Errorf("segment %s ends at led %d before it starts at %d", seg.Name, seg.LastLed, seg.FirstLed)
			}
			next = seg.LastLed + 1
		}
		if next != strip.LedsTotal {
			return fmt.Errorf("segments must cover all %d leds, but they end at led %d", strip.LedsTotal, next-1)
		}
	}
	return nil
}

func (conf *Config) validateButtons() error {
	buttons := conf.Hardware.Buttons

	if buttons.DebounceInterval <= 0 {
		return fmt.Errorf("Hardware.Buttons.DebounceInterval must be positive, got %v", buttons.DebounceInterval)
	}
	if buttons.EdgePollInterval <= 0 {
		return fmt.Errorf("Hardware.Buttons.EdgePollInterval must be positive, got %v", buttons.EdgePollInterval)
	}

	pins := make(map[int]string, 3)
	for _, b := range []struct {
		name string
		pin  int
	}{
		{"ChargePin", buttons.ChargePin},
		{"TogglePin", buttons.TogglePin},
		{"AbortPin", buttons.AbortPin},
	} {
		if b.pin < 0 {
			return fmt.Errorf("Hardware.Buttons.%s must not be negative, got %d", b.name, b.pin)
		}
		if other, taken := pins[b.pin]; taken {
			return fmt.Errorf("Hardware.Buttons.%s and Hardware.Buttons.%s share GPIO pin %d", b.name, other, b.pin)
		}
		pins[b.pin] = b.name
	}
	return nil
}

func (conf *Config) validateCharge() error {
	charge := conf.Charge

	if charge.WaveCount < 1 {
		return fmt.Errorf("Charge.WaveCount must be at least 1, got %d", charge.WaveCount)
	}
	if charge.ChargePasses < 1 {
		return fmt.Errorf("Charge.ChargePasses must be at least 1, got %d", charge.ChargePasses)
	}
	if charge.MaxIntensity < 1 || charge.MaxIntensity > 255 {
		return fmt.Errorf("Charge.MaxIntensity must be between 1 and 255, got %d", charge.MaxIntensity)
	}
	if charge.TargetIntensity < 0 || charge.TargetIntensity > charge.MaxIntensity {
		return fmt.Errorf("Charge.TargetIntensity must be between 0 and MaxIntensity (%d), got %d",
			charge.MaxIntensity, charge.TargetIntensity)
	}
	if charge.FadeSteps < 1 {
		return fmt.Errorf("Charge.FadeSteps must be at least 1, got %d", charge.FadeSteps)
	}
	if charge.ResonancePeak < 0 {
		return fmt.Errorf("Charge.ResonancePeak must not be negative, got %d", charge.ResonancePeak)
	}
	// The resonance phase adds the peak on top of the settled target,
	// and channel values above 255 are fatal at the driver boundary.
	if charge.TargetIntensity+charge.ResonancePeak > 255 {
		return fmt.Errorf("Charge.TargetIntensity plus Charge.ResonancePeak must be between 0 and 255, got %d",
			charge.TargetIntensity+charge.ResonancePeak)
	}
	if charge.ResonanceRepeats < 0 {
		return fmt.Errorf("Charge.ResonanceRepeats must not be negative, got %d", charge.ResonanceRepeats)
	}
	if _, err := pixel.ParseMode(charge.StartMode); err != nil {
		return fmt.Errorf("Charge.StartMode: %w", err)
	}
	if charge.IdlePollInterval <= 0 {
		return fmt.Errorf("Charge.IdlePollInterval must be positive, got %v", charge.IdlePollInterval)
	}
	return nil
}

func (conf *Config) validateIdleGlow() error {
	glow := conf.IdleGlow
	if !glow.Enabled {
		return nil
	}
	if glow.Intensity < 0 || glow.Intensity > 255 {
		return fmt.Errorf("IdleGlow.Intensity must be between 0 and 255, got %d", glow.Intensity)
	}
	if glow.Latitude < -90 || glow.Latitude > 90 {
		return fmt.Errorf("IdleGlow.Latitude must be between -90 and 90, got %v", glow.Latitude)
	}
	if glow.Longitude < -180 || glow.Longitude > 180 {
		return fmt.Errorf("IdleGlow.Longitude must be between -180 and 180, got %v", glow.Longitude)
	}
	if glow.RecheckInterval <= 0 {
		return fmt.Errorf("IdleGlow.RecheckInterval must be positive, got %v", glow.RecheckInterval)
	}
	return nil
}

// Local Variables:
// compile-command: "cd .. && go build"
// End:
