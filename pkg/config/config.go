// Package config is the robot's YAML configuration.  Every field has a
// compiled-in default; the file only needs to carry what differs.
package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/tigerbot-team/linefollower/pkg/arbiter"
	"github.com/tigerbot-team/linefollower/pkg/crossing"
	"github.com/tigerbot-team/linefollower/pkg/errorshaper"
	"github.com/tigerbot-team/linefollower/pkg/lineposition"
	"github.com/tigerbot-team/linefollower/pkg/pid"
	"github.com/tigerbot-team/linefollower/pkg/tunable"
)

const DefaultPath = "/cfg/linefollower.yaml"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Control  Control        `yaml:"control"`
	Speed    Speed          `yaml:"speed"`
	PID      PIDs           `yaml:"pid"`
	Crossing CrossingConfig `yaml:"crossing"`
	Sensors  Sensors        `yaml:"sensors"`
	IMU      IMU            `yaml:"imu"`
	Motors   Motors         `yaml:"motors"`
	IO       IO             `yaml:"io"`
	Remote   Remote         `yaml:"remote"`
	Screen   Screen         `yaml:"screen"`
	Sound    Sound          `yaml:"sound"`
	Battery  Battery        `yaml:"battery"`
}

type Control struct {
	Period         time.Duration `yaml:"period"`
	Target         float64       `yaml:"target"`
	Polarity       string        `yaml:"polarity"`
	MaxLineError   float64       `yaml:"max_line_error"`
	Clamp          float64       `yaml:"clamp"`
	InvertSteering bool          `yaml:"invert_steering"`
	SensorGain     float64       `yaml:"sensor_gain"`
	GyroGain       float64       `yaml:"gyro_gain"`
	ToggleDebounce time.Duration `yaml:"toggle_debounce"`
	ModeDebounce   time.Duration `yaml:"mode_debounce"`
	StopGrace      time.Duration `yaml:"stop_grace"`
	StatusInterval time.Duration `yaml:"status_interval"`
	ErrorCurve     ErrorCurve    `yaml:"error_curve"`
}

type ErrorCurve struct {
	Breakpoints    []float64 `yaml:"breakpoints"`
	Outputs        []float64 `yaml:"outputs"`
	GyroBreakpoint float64   `yaml:"gyro_breakpoint"`
}

type Profile struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

type Speed struct {
	Initial string  `yaml:"initial"`
	Slow    Profile `yaml:"slow"`
	Medium  Profile `yaml:"medium"`
	Fast    Profile `yaml:"fast"`
	Turbo   Turbo   `yaml:"turbo"`
}

type Turbo struct {
	Enabled    bool    `yaml:"enabled"`
	Multiplier float64 `yaml:"multiplier"`
	Tolerance  float64 `yaml:"tolerance"`
}

type PID struct {
	Kp             float64 `yaml:"kp"`
	Ki             float64 `yaml:"ki"`
	Kd             float64 `yaml:"kd"`
	ErrorTolerance float64 `yaml:"error_tolerance"`
	UseDeltaTime   bool    `yaml:"use_delta_time"`
	MaxIntegral    float64 `yaml:"max_integral"`
	MaxOutput      float64 `yaml:"max_output"`
}

type PIDs struct {
	Sensor PID `yaml:"sensor"`
	Gyro   PID `yaml:"gyro"`
}

type CrossingConfig struct {
	Side      string        `yaml:"side"`
	Target    int           `yaml:"target"`
	Threshold time.Duration `yaml:"threshold"`
}

type Sensors struct {
	SPIPort     string   `yaml:"spi_port"`
	SPIHz       int64    `yaml:"spi_hz"`
	Channels    []int    `yaml:"channels"`
	DigitalPins []string `yaml:"digital_pins,omitempty"`
	LEDAlwaysOn bool     `yaml:"led_always_on"`
	EmitterPins []string `yaml:"emitter_pins"`
	// Thresholds is a stored calibration written by sensorcal.
	Thresholds []uint16 `yaml:"thresholds,omitempty"`
}

type IMU struct {
	I2CBus             string  `yaml:"i2c_bus"`
	SPIPort            string  `yaml:"spi_port"`
	SamplesPerCall     int     `yaml:"samples_per_call"`
	CalibrationSamples int     `yaml:"calibration_samples"`
	MaxBias            float64 `yaml:"max_bias"`
	Invert             bool    `yaml:"invert"`
}

type MotorSide struct {
	In1        string `yaml:"in1"`
	In2        string `yaml:"in2"`
	PWMChannel int    `yaml:"pwm_channel"`
	Invert     bool   `yaml:"invert"`
}

type Motors struct {
	I2CBus     string    `yaml:"i2c_bus"`
	PWMHz      float64   `yaml:"pwm_hz"`
	StandbyPin string    `yaml:"standby_pin"`
	Left       MotorSide `yaml:"left"`
	Right      MotorSide `yaml:"right"`
}

type IO struct {
	StartStopPin    string `yaml:"start_stop_pin"`
	ModePin         string `yaml:"mode_pin"`
	ButtonActiveLow bool   `yaml:"button_active_low"`
	ModeLEDPin      string `yaml:"mode_led_pin"`
	ActiveLEDPin    string `yaml:"active_led_pin"`
	LeftEdgePin     string `yaml:"left_edge_pin"`
	RightEdgePin    string `yaml:"right_edge_pin"`
}

type Remote struct {
	SerialDevice   string `yaml:"serial_device"`
	Baud           int    `yaml:"baud"`
	JoystickDevice string `yaml:"joystick_device"`
}

type Screen struct {
	Device string `yaml:"device"`
}

type Sound struct {
	Ready    string `yaml:"ready"`
	Active   string `yaml:"active"`
	Stopping string `yaml:"stopping"`
}

// Battery monitoring is off when I2CBus is empty.
type Battery struct {
	I2CBus     string        `yaml:"i2c_bus"`
	Addr       int           `yaml:"addr"`
	ShuntOhms  float64       `yaml:"shunt_ohms"`
	MaxCurrent float64       `yaml:"max_current"`
	LowVolts   float64       `yaml:"low_volts"`
	Period     time.Duration `yaml:"period"`
}

// Default returns the configuration the robot was tuned with.
func Default() Config {
	return Config{
		Control: Control{
			Period:         10 * time.Millisecond,
			Target:         3.5,
			Polarity:       "active-high",
			MaxLineError:   3.5,
			Clamp:          1,
			SensorGain:     0.1,
			GyroGain:       0.01,
			ToggleDebounce: 200 * time.Millisecond,
			ModeDebounce:   200 * time.Millisecond,
			StopGrace:      500 * time.Millisecond,
			StatusInterval: time.Second,
			ErrorCurve: ErrorCurve{
				Breakpoints:    []float64{1, 2, 3, 4},
				Outputs:        []float64{10, 20, 30, 40, 50},
				GyroBreakpoint: 1,
			},
		},
		Speed: Speed{
			Initial: "slow",
			Slow:    Profile{Min: 0.25, Max: 0.35},
			Medium:  Profile{Min: 0.35, Max: 0.55},
			Fast:    Profile{Min: 0.45, Max: 0.75},
			Turbo:   Turbo{Multiplier: 1.25, Tolerance: 0.5},
		},
		PID: PIDs{
			Sensor: PID{Kp: 0.3, Ki: 0.0000001, Kd: 0.655, ErrorTolerance: 0.25},
			Gyro:   PID{Kp: 1, Ki: 0.00001, Kd: 0.01, ErrorTolerance: 1},
		},
		Crossing: CrossingConfig{
			Side:      "right",
			Target:    1,
			Threshold: time.Second,
		},
		Sensors: Sensors{
			SPIPort:     "/dev/spidev0.0",
			SPIHz:       1000000,
			Channels:    []int{0, 1, 2, 3, 4, 5, 6, 7},
			LEDAlwaysOn: true,
			EmitterPins: []string{"GPIO5", "GPIO6"},
		},
		IMU: IMU{
			I2CBus:             "/dev/i2c-1",
			SamplesPerCall:     20,
			CalibrationSamples: 200,
			MaxBias:            5,
		},
		Motors: Motors{
			I2CBus:     "/dev/i2c-1",
			PWMHz:      1500,
			StandbyPin: "GPIO17",
			Left:       MotorSide{In1: "GPIO27", In2: "GPIO22", PWMChannel: 0},
			Right:      MotorSide{In1: "GPIO23", In2: "GPIO24", PWMChannel: 1},
		},
		IO: IO{
			StartStopPin:    "GPIO16",
			ModePin:         "GPIO20",
			ButtonActiveLow: true,
			ModeLEDPin:      "GPIO12",
			ActiveLEDPin:    "GPIO13",
			LeftEdgePin:     "GPIO19",
			RightEdgePin:    "GPIO26",
		},
		Remote: Remote{
			Baud: 9600,
		},
		Screen: Screen{
			Device: "/dev/fb1",
		},
		Battery: Battery{
			Addr:       0x41,
			ShuntOhms:  0.1,
			MaxCurrent: 3.2,
			LowVolts:   7,
			Period:     time.Second,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse unmarshals data over cfg and validates it.  Lists in data replace the
// defaults rather than merging with them.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cfg.Validate()
}

func (c *Config) Validate() error {
	if _, err := c.ArbiterConfig(); err != nil {
		return err
	}
	if len(c.Sensors.Channels) == 0 && len(c.Sensors.DigitalPins) == 0 {
		return fmt.Errorf("%w: no sensors configured", ErrInvalid)
	}
	if n := c.SensorCount(); c.Sensors.Thresholds != nil && len(c.Sensors.Thresholds) != n {
		return fmt.Errorf("%w: %d thresholds for %d sensors", ErrInvalid, len(c.Sensors.Thresholds), n)
	}
	if !c.Sensors.LEDAlwaysOn && len(c.Sensors.EmitterPins) != 2 {
		return fmt.Errorf("%w: alternating emitters need two emitter pins", ErrInvalid)
	}
	if c.Battery.I2CBus != "" && (c.Battery.ShuntOhms <= 0 || c.Battery.MaxCurrent <= 0 || c.Battery.Period <= 0) {
		return fmt.Errorf("%w: battery monitor needs a shunt, a max current and a period", ErrInvalid)
	}
	if c.IMU.SamplesPerCall <= 0 || c.IMU.CalibrationSamples <= 0 {
		return fmt.Errorf("%w: IMU sample counts must be positive", ErrInvalid)
	}
	return nil
}

// SensorCount is the number of sensors on the bar.
func (c *Config) SensorCount() int {
	if len(c.Sensors.DigitalPins) > 0 {
		return len(c.Sensors.DigitalPins)
	}
	return len(c.Sensors.Channels)
}

// ArbiterConfig converts the control settings for the control loop.
func (c *Config) ArbiterConfig() (arbiter.Config, error) {
	ac := arbiter.DefaultConfig()
	ctl := c.Control

	switch strings.ToLower(ctl.Polarity) {
	case "active-high", "black", "":
		ac.Polarity = lineposition.ActiveHigh
	case "active-low", "white":
		ac.Polarity = lineposition.ActiveLow
	default:
		return ac, fmt.Errorf("%w: unknown polarity %q", ErrInvalid, ctl.Polarity)
	}
	initial, err := arbiter.ParseSpeedMode(c.Speed.Initial)
	if err != nil {
		return ac, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	side, err := crossing.ParseSide(strings.ToLower(c.Crossing.Side))
	if err != nil {
		return ac, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	ac.Period = ctl.Period
	ac.Target = ctl.Target
	ac.SensorCount = c.SensorCount()
	ac.MaxLineError = ctl.MaxLineError
	ac.Clamp = ctl.Clamp
	ac.InvertSteering = ctl.InvertSteering
	ac.SensorGain = ctl.SensorGain
	ac.GyroGain = ctl.GyroGain
	ac.ToggleDebounce = ctl.ToggleDebounce
	ac.StopGrace = ctl.StopGrace
	ac.StatusInterval = ctl.StatusInterval
	ac.Shaper = errorshaper.Shaper{
		Breakpoints:    ctl.ErrorCurve.Breakpoints,
		Outputs:        ctl.ErrorCurve.Outputs,
		GyroBreakpoint: ctl.ErrorCurve.GyroBreakpoint,
	}
	ac.InitialMode = initial
	ac.Profiles[arbiter.Slow] = arbiter.Profile(c.Speed.Slow)
	ac.Profiles[arbiter.Medium] = arbiter.Profile(c.Speed.Medium)
	ac.Profiles[arbiter.Fast] = arbiter.Profile(c.Speed.Fast)
	ac.TurboEnabled = c.Speed.Turbo.Enabled
	ac.TurboMultiplier = c.Speed.Turbo.Multiplier
	ac.TurboTolerance = c.Speed.Turbo.Tolerance
	ac.CrossingSide = side
	ac.CrossingTarget = c.Crossing.Target
	ac.CrossingThreshold = c.Crossing.Threshold

	if err := ac.Validate(); err != nil {
		return ac, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return ac, nil
}

// InUsePath is where the effective configuration is written: foo.yaml
// becomes foo-in-use.yaml.
func InUsePath(path string) string {
	if strings.HasSuffix(path, ".yaml") {
		return strings.TrimSuffix(path, ".yaml") + "-in-use.yaml"
	}
	return path + "-in-use"
}

// Save writes cfg as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, data, 0666)
}

// WriteInUse records the effective configuration next to path.
func (c *Config) WriteInUse(path string) error {
	return c.Save(InUsePath(path))
}

// Gain tunable names, shared with the PID constructors.
const (
	SensorPIDPrefix = "sensor"
	GyroPIDPrefix   = "gyro"
)

// ApplyGains pushes the PID gains into live tunables registered under
// SensorPIDPrefix and GyroPIDPrefix.  It returns the names that changed.
func (c *Config) ApplyGains(ts *tunable.Tunables) []string {
	var changed []string
	for _, g := range []struct {
		prefix string
		pid    PID
	}{
		{SensorPIDPrefix, c.PID.Sensor},
		{GyroPIDPrefix, c.PID.Gyro},
	} {
		for suffix, v := range map[string]float64{".kp": g.pid.Kp, ".ki": g.pid.Ki, ".kd": g.pid.Kd} {
			t := ts.ByName(g.prefix + suffix)
			if t == nil || t.Get() == v {
				continue
			}
			t.Set(v)
			changed = append(changed, t.Name)
		}
	}
	return changed
}

// Controller builds a PID from p whose gains are live tunables named
// prefix.kp, prefix.ki and prefix.kd.
func (p PID) Controller(ts *tunable.Tunables, prefix string, step time.Duration) *pid.Controller {
	c := pid.New(pid.NewGains(ts, prefix, p.Kp, p.Ki, p.Kd), p.ErrorTolerance, p.UseDeltaTime, step)
	c.MaxIntegral = p.MaxIntegral
	c.MaxOutput = p.MaxOutput
	return c
}
