// Package config holds exoctl's configuration.
//
// Defaults are compiled in and overridden by exodrive.yml in the working
// directory.  Durations are float seconds.
package config

import (
	"io"
	"io/fs"
	"time"

	"github.com/berr-exo/exodrive/calibrate"
	"github.com/berr-exo/exodrive/control"
	"github.com/berr-exo/exodrive/discover"
	"github.com/berr-exo/exodrive/loop"
	"github.com/berr-exo/exodrive/odrive"
	"github.com/berr-exo/exodrive/telemetry"
	"github.com/berr-exo/exodrive/util"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/providers/structs"
	"github.com/pkg/errors"
	yml "gopkg.in/yaml.v2"
)

// FileName is the config file looked for in the working directory
var FileName = "exodrive.yml"

// Device describes how to reach the controller
type Device struct {
	// VID and PID are hex USB IDs; Serial, if set, picks one board of several
	VID    string `koanf:"vid" yaml:"vid"`
	PID    string `koanf:"pid" yaml:"pid"`
	Serial string `koanf:"serial" yaml:"serial"`

	// Port, if not empty, is the serial port to open without enumerating
	Port string `koanf:"port" yaml:"port"`

	// Addr, if not empty, is a host:port of a TCP serial bridge and skips USB entirely
	Addr string `koanf:"addr" yaml:"addr"`

	// Axis is the index of the axis the exoskeleton joint is wired to
	Axis int `koanf:"axis" yaml:"axis"`

	// Checksum appends *N to every command
	Checksum bool `koanf:"checksum" yaml:"checksum"`

	// FindTimeout bounds discovery, IOTimeout bounds each reply, RebootWait
	// is the pause after a save before rediscovery, all in seconds
	FindTimeout float64 `koanf:"find_timeout" yaml:"find_timeout"`
	IOTimeout   float64 `koanf:"io_timeout" yaml:"io_timeout"`
	RebootWait  float64 `koanf:"reboot_wait" yaml:"reboot_wait"`
}

// Calibration tunes the calibration sequencer
type Calibration struct {
	Poll    float64 `koanf:"poll" yaml:"poll"`
	Timeout float64 `koanf:"timeout" yaml:"timeout"`
}

// Hysteresis is the jumpy torque law's thresholds and torques
type Hysteresis struct {
	EnterResist   float64 `koanf:"enter_resist" yaml:"enter_resist"`
	ExitToHold    float64 `koanf:"exit_to_hold" yaml:"exit_to_hold"`
	ExitToRunaway float64 `koanf:"exit_to_runaway" yaml:"exit_to_runaway"`
	HoldTorque    float64 `koanf:"hold_torque" yaml:"hold_torque"`
	ResistTorque  float64 `koanf:"resist_torque" yaml:"resist_torque"`
}

// Thresholds returns the velocity thresholds
func (h Hysteresis) Thresholds() control.Thresholds {
	return control.Thresholds{EnterResist: h.EnterResist, ExitToHold: h.ExitToHold, ExitToRunaway: h.ExitToRunaway}
}

// Window is the position window law's geometry
type Window struct {
	Width     float64 `koanf:"width" yaml:"width"`
	MaxTorque float64 `koanf:"max_torque" yaml:"max_torque"`
	SlewRate  float64 `koanf:"slew_rate" yaml:"slew_rate"`
}

// Spring is the virtual spring law; MaxResistance of zero means ask the operator
type Spring struct {
	Stiffness         float64 `koanf:"stiffness" yaml:"stiffness"`
	Rate              float64 `koanf:"rate" yaml:"rate"`
	VelocityThreshold float64 `koanf:"velocity_threshold" yaml:"velocity_threshold"`
	MaxDT             float64 `koanf:"max_dt" yaml:"max_dt"`
	MaxResistance     float64 `koanf:"max_resistance" yaml:"max_resistance"`
}

// Params returns the spring's dynamics
func (s Spring) Params() control.SpringParams {
	return control.SpringParams{Stiffness: s.Stiffness, Rate: s.Rate, VelocityThreshold: s.VelocityThreshold, MaxDT: s.MaxDT}
}

// Log says where telemetry goes
type Log struct {
	// Dir receives the CSV files; empty disables CSV logging
	Dir string `koanf:"dir" yaml:"dir"`

	// Debug turns on debug level logging
	Debug bool `koanf:"debug" yaml:"debug"`

	// StatusEvery throttles the console status line, in seconds
	StatusEvery float64 `koanf:"status_every" yaml:"status_every"`
}

// HTTP configures exoctl serve
type HTTP struct {
	Addr string `koanf:"addr" yaml:"addr"`

	// Law is the law the served loop runs: spring, jumpy, window or manual
	Law string `koanf:"law" yaml:"law"`
}

// Config is the whole of exoctl's configuration
type Config struct {
	Device      Device                  `koanf:"device" yaml:"device"`
	Motor       odrive.MotorConfig      `koanf:"motor" yaml:"motor"`
	Encoder     odrive.EncoderConfig    `koanf:"encoder" yaml:"encoder"`
	Controller  odrive.ControllerConfig `koanf:"controller" yaml:"controller"`
	Sensorless  odrive.SensorlessConfig `koanf:"sensorless" yaml:"sensorless"`
	Calibration Calibration             `koanf:"calibration" yaml:"calibration"`
	Loop        loop.Config             `koanf:"loop" yaml:"loop"`
	Hysteresis  Hysteresis              `koanf:"hysteresis" yaml:"hysteresis"`
	Window      Window                  `koanf:"window" yaml:"window"`
	Spring      Spring                  `koanf:"spring" yaml:"spring"`
	Log         Log                     `koanf:"log" yaml:"log"`
	HTTP        HTTP                    `koanf:"http" yaml:"http"`
	MQTT        telemetry.MQTTConfig    `koanf:"mqtt" yaml:"mqtt"`

	// Mock replaces the board with a simulated axis
	Mock bool `koanf:"mock" yaml:"mock"`
}

// Default is the configuration used when exodrive.yml is absent.  Motor
// recipe values are left at zero so nothing is written to the board until
// the rig's values are filled in.
func Default() Config {
	return Config{
		Device: Device{
			VID:         discover.VendorID,
			PID:         discover.ProductID,
			FindTimeout: 10,
			IOTimeout:   1,
			RebootWait:  5,
		},
		Encoder:     odrive.EncoderConfig{Mode: odrive.EncoderAMT21Polling.String()},
		Controller:  odrive.ControllerConfig{VelLimit: 50, VelLimitTolerance: 1.5},
		Calibration: Calibration{Poll: 0.25, Timeout: 30},
		Loop:        loop.DefaultConfig(),
		Hysteresis: Hysteresis{
			EnterResist:   0.07,
			ExitToHold:    0.02,
			ExitToRunaway: 1.2,
			HoldTorque:    0.02,
			ResistTorque:  0.2,
		},
		Window: Window{Width: 0.25, MaxTorque: 0.3, SlewRate: 1},
		Spring: Spring{Stiffness: 50, Rate: 0.5, VelocityThreshold: 0.01, MaxDT: 0.1},
		Log:    Log{Dir: ".", StatusEvery: 0.1},
		HTTP:   HTTP{Addr: ":8000", Law: "spring"},
		MQTT: telemetry.MQTTConfig{
			Broker:   "localhost",
			Port:     1883,
			ClientID: "exodrive",
			Topic:    "exodrive/telemetry",
			Timeout:  0.02,
		},
	}
}

// New returns a koanf instance loaded with the defaults
func New() *koanf.Koanf {
	k := koanf.New(".")
	k.Load(structs.Provider(Default(), "koanf"), nil)
	return k
}

// Load layers the file at path over the defaults.  A missing file is not an error.
func Load(path string) (Config, error) {
	k := New()
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, errors.Wrapf(err, "loading %s", path)
		}
	}
	return unmarshal(k)
}

// Parse layers raw YAML over the defaults
func Parse(b []byte) (Config, error) {
	k := New()
	if err := k.Load(rawbytes.Provider(b), yaml.Parser()); err != nil {
		return Config{}, errors.Wrap(err, "parsing config")
	}
	return unmarshal(k)
}

func unmarshal(k *koanf.Koanf) (Config, error) {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		return c, errors.Wrap(err, "decoding config")
	}
	return c, c.Validate()
}

// Validate checks the values that would otherwise fail deep inside a subcommand
func (c Config) Validate() error {
	if err := c.Hysteresis.Thresholds().Validate(); err != nil {
		return errors.Wrap(err, "hysteresis")
	}
	if c.Window.Width == 0 || c.Window.SlewRate <= 0 {
		return errors.New("window: width must be nonzero and slew_rate positive")
	}
	if c.Encoder.Mode != "" {
		if _, err := odrive.ParseEncoderMode(c.Encoder.Mode); err != nil {
			return errors.Wrap(err, "encoder")
		}
	}
	if c.Device.Axis < 0 {
		return errors.New("device: axis must not be negative")
	}
	return nil
}

// Write encodes c as YAML
func Write(w io.Writer, c Config) error {
	enc := yml.NewEncoder(w)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

// Discovery returns the discovery options with the timeout applied
func (c Config) Discovery() discover.Options {
	d := c.Device
	return discover.Options{
		VID:     d.VID,
		PID:     d.PID,
		Serial:  d.Serial,
		Port:    d.Port,
		Timeout: util.SecsToDuration(d.FindTimeout)}
}

// CalibrateOptions returns sequencer options from the calibration section
func (c Config) CalibrateOptions() calibrate.Options {
	return calibrate.Options{
		Poll:    util.SecsToDuration(c.Calibration.Poll),
		Timeout: util.SecsToDuration(c.Calibration.Timeout),
	}
}

// RebootWait is the pause after a save, never less than three seconds
func (c Config) RebootWait() time.Duration {
	d := util.SecsToDuration(c.Device.RebootWait)
	if d < 3*time.Second {
		d = 3 * time.Second
	}
	return d
}
