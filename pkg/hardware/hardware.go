// Package hardware builds the robot's peripherals from the configuration and
// hands them to the control loop through its collaborator interfaces.
package hardware

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/host"

	"github.com/tigerbot-team/linefollower/pkg/arbiter"
	"github.com/tigerbot-team/linefollower/pkg/config"
	"github.com/tigerbot-team/linefollower/pkg/crossing"
	"github.com/tigerbot-team/linefollower/pkg/digitalio"
	"github.com/tigerbot-team/linefollower/pkg/imu"
	"github.com/tigerbot-team/linefollower/pkg/ina219"
	"github.com/tigerbot-team/linefollower/pkg/motors"
	"github.com/tigerbot-team/linefollower/pkg/pca9685"
	"github.com/tigerbot-team/linefollower/pkg/remote"
	"github.com/tigerbot-team/linefollower/pkg/screen"
	"github.com/tigerbot-team/linefollower/pkg/sensorarray"
	"github.com/tigerbot-team/linefollower/pkg/sound"
)

// Runner is a background loop started alongside the control loop.
type Runner func(ctx context.Context) error

// EdgeSource delivers finish-line edges to sink until ctx is done.
type EdgeSource func(ctx context.Context, sink digitalio.EdgeSink) error

// Robot is everything the control loop talks to.
type Robot struct {
	Sensors  arbiter.SensorSource
	Rotation arbiter.RotationSource
	Motors   arbiter.MotorSink
	Buttons  arbiter.Buttons
	Remote   remote.Channel
	Status   []arbiter.StatusSink

	Edges   []EdgeSource
	Runners []Runner

	closers []func() error
}

// Close releases the peripherals in reverse order of creation.
func (r *Robot) Close() error {
	var firstErr error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.closers = nil
	return firstErr
}

func (r *Robot) onClose(f func() error) {
	r.closers = append(r.closers, f)
}

func pinByName(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("no such GPIO pin %q", name)
	}
	return p, nil
}

// optionalPin returns nil for an empty name.
func optionalPin(name string) (gpio.PinIO, error) {
	if name == "" {
		return nil, nil
	}
	return pinByName(name)
}

// New opens the real peripherals.  On error everything opened so far is
// closed again.
func New(cfg config.Config, log *zap.Logger) (r *Robot, err error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to init periph: %w", err)
	}

	r = &Robot{}
	defer func() {
		if err != nil {
			_ = r.Close()
			r = nil
		}
	}()

	if r.Sensors, err = openSensors(r, cfg.Sensors, log.Named("sensors")); err != nil {
		return
	}
	gyro, err := openIMU(cfg.IMU, log.Named("imu"))
	if err != nil {
		return
	}
	r.onClose(gyro.Close)
	r.Rotation = gyro
	if r.Motors, err = openMotors(r, cfg.Motors, log.Named("motors")); err != nil {
		return
	}
	if err = openIO(r, cfg, log.Named("io")); err != nil {
		return
	}
	if err = openRemote(r, cfg.Remote, log.Named("remote")); err != nil {
		return
	}

	scr := screen.New(log.Named("screen"))
	r.Status = append(r.Status, scr)
	r.Runners = append(r.Runners, func(ctx context.Context) error {
		return scr.Loop(ctx, cfg.Screen.Device)
	})
	if err = openBattery(r, cfg.Battery, scr, log.Named("battery")); err != nil {
		return
	}

	if cues := soundCues(cfg.Sound); len(cues) > 0 {
		p := sound.NewPlayer(cues, log.Named("sound"))
		r.Status = append(r.Status, p)
		r.Runners = append(r.Runners, p.Loop)
	}
	return r, nil
}

// OpenSensors opens only the sensor bar, for tools that need nothing else.
// The returned func releases it.
func OpenSensors(cfg config.Sensors, log *zap.Logger) (*sensorarray.Array, func() error, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("failed to init periph: %w", err)
	}
	r := &Robot{}
	a, err := openSensors(r, cfg, log)
	if err != nil {
		_ = r.Close()
		return nil, nil, err
	}
	return a, r.Close, nil
}

func openSensors(r *Robot, cfg config.Sensors, log *zap.Logger) (*sensorarray.Array, error) {
	var emitters []gpio.PinOut
	if !cfg.LEDAlwaysOn {
		for _, name := range cfg.EmitterPins {
			p, err := pinByName(name)
			if err != nil {
				return nil, err
			}
			emitters = append(emitters, p)
		}
	}

	var a *sensorarray.Array
	if len(cfg.DigitalPins) > 0 {
		var pins []gpio.PinIn
		for _, name := range cfg.DigitalPins {
			p, err := pinByName(name)
			if err != nil {
				return nil, err
			}
			pins = append(pins, p)
		}
		var err error
		if a, err = sensorarray.NewDigital(pins, emitters, log); err != nil {
			return nil, err
		}
	} else {
		adc, err := sensorarray.OpenMCP3008(cfg.SPIPort, physic.Frequency(cfg.SPIHz)*physic.Hertz)
		if err != nil {
			return nil, err
		}
		r.onClose(adc.Close)
		if a, err = sensorarray.New(adc, cfg.Channels, emitters, log); err != nil {
			return nil, err
		}
	}
	r.onClose(func() error {
		a.EmittersOff()
		return nil
	})

	if cfg.Thresholds != nil {
		if err := a.SetThresholds(cfg.Thresholds); err != nil {
			return nil, err
		}
		log.Info("Loaded stored sensor calibration", zap.Any("thresholds", cfg.Thresholds))
	}
	return a, nil
}

// OpenIMU opens and configures the gyro.  The caller closes it.
func OpenIMU(cfg config.IMU, log *zap.Logger) (*imu.IMU, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to init periph: %w", err)
	}
	return openIMU(cfg, log)
}

func openIMU(cfg config.IMU, log *zap.Logger) (*imu.IMU, error) {
	var m *imu.IMU
	var err error
	if cfg.SPIPort != "" {
		m, err = imu.NewSPI(cfg.SPIPort, log)
	} else {
		m, err = imu.NewI2C(cfg.I2CBus, log)
	}
	if err != nil {
		return nil, err
	}
	if err := m.Configure(); err != nil {
		_ = m.Close()
		return nil, err
	}
	m.SamplesPerCall = cfg.SamplesPerCall
	m.CalibrationSamples = cfg.CalibrationSamples
	m.MaxBias = cfg.MaxBias
	m.Invert = cfg.Invert
	return m, nil
}

func openMotors(r *Robot, cfg config.Motors, log *zap.Logger) (*motors.TB6612, error) {
	pwm, err := pca9685.New(cfg.I2CBus)
	if err != nil {
		return nil, err
	}
	r.onClose(pwm.Close)
	if err := pwm.Configure(cfg.PWMHz); err != nil {
		return nil, fmt.Errorf("failed to configure PWM: %w", err)
	}
	r.onClose(pwm.AllOff)

	side := func(s config.MotorSide) (motors.Side, error) {
		in1, err := pinByName(s.In1)
		if err != nil {
			return motors.Side{}, err
		}
		in2, err := pinByName(s.In2)
		if err != nil {
			return motors.Side{}, err
		}
		return motors.Side{In1: in1, In2: in2, PWMChannel: s.PWMChannel, Invert: s.Invert}, nil
	}
	left, err := side(cfg.Left)
	if err != nil {
		return nil, err
	}
	right, err := side(cfg.Right)
	if err != nil {
		return nil, err
	}
	var standby gpio.PinOut
	if cfg.StandbyPin != "" {
		if standby, err = pinByName(cfg.StandbyPin); err != nil {
			return nil, err
		}
	}

	m := motors.New(pwm, left, right, standby, log)
	if err := m.Enable(); err != nil {
		return nil, fmt.Errorf("failed to enable motor driver: %w", err)
	}
	r.onClose(m.Close)
	return m, nil
}

func openIO(r *Robot, cfg config.Config, log *zap.Logger) error {
	pressed := gpio.High
	if cfg.IO.ButtonActiveLow {
		pressed = gpio.Low
	}
	button := func(name string) (*digitalio.Button, error) {
		p, err := optionalPin(name)
		if err != nil || p == nil {
			return nil, err
		}
		return digitalio.NewButton(p, pressed)
	}
	startStop, err := button(cfg.IO.StartStopPin)
	if err != nil {
		return err
	}
	mode, err := button(cfg.IO.ModePin)
	if err != nil {
		return err
	}
	r.Buttons = digitalio.NewButtons(startStop, mode, cfg.Control.ModeDebounce)

	modeLED, err := optionalPin(cfg.IO.ModeLEDPin)
	if err != nil {
		return err
	}
	activeLED, err := optionalPin(cfg.IO.ActiveLEDPin)
	if err != nil {
		return err
	}
	leds := digitalio.NewLEDs(outOrNil(modeLED), outOrNil(activeLED), log)
	r.Status = append(r.Status, leds)
	r.onClose(func() error {
		leds.Off()
		return nil
	})

	for _, e := range []struct {
		pin  string
		side crossing.Side
	}{
		{cfg.IO.LeftEdgePin, crossing.Left},
		{cfg.IO.RightEdgePin, crossing.Right},
	} {
		p, err := optionalPin(e.pin)
		if err != nil {
			return err
		}
		if p == nil {
			continue
		}
		side := e.side
		r.Edges = append(r.Edges, func(ctx context.Context, sink digitalio.EdgeSink) error {
			return digitalio.WatchEdges(ctx, p, side, sink, log)
		})
	}
	return nil
}

// outOrNil avoids a typed nil inside the interface.
func outOrNil(p gpio.PinIO) gpio.PinOut {
	if p == nil {
		return nil
	}
	return p
}

func openRemote(r *Robot, cfg config.Remote, log *zap.Logger, extra ...remote.Channel) error {
	channels := remote.Multi(extra)
	if cfg.SerialDevice != "" {
		s, err := remote.OpenSerial(cfg.SerialDevice, cfg.Baud, log)
		if err != nil {
			return err
		}
		channels = append(channels, s)
		r.Runners = append(r.Runners, s.Run)
	}
	if cfg.JoystickDevice != "" {
		j, err := remote.OpenJoystick(cfg.JoystickDevice, log)
		if err != nil {
			// The pad is often switched on after the robot.
			log.Warn("Joystick unavailable", zap.Error(err))
		} else {
			channels = append(channels, j)
			r.Runners = append(r.Runners, j.Run)
		}
	}
	switch len(channels) {
	case 0:
		r.Remote = remote.None{}
	case 1:
		r.Remote = channels[0]
	default:
		r.Remote = channels
	}
	return nil
}

func openBattery(r *Robot, cfg config.Battery, sink ina219.Sink, log *zap.Logger) error {
	if cfg.I2CBus == "" {
		return nil
	}
	meter, err := ina219.NewI2C(cfg.I2CBus, cfg.Addr)
	if err != nil {
		return err
	}
	r.onClose(meter.Close)
	if err := meter.Configure(cfg.ShuntOhms, cfg.MaxCurrent); err != nil {
		return fmt.Errorf("failed to configure INA219: %w", err)
	}
	mon := ina219.NewMonitor(meter, sink, cfg.LowVolts, cfg.Period, log)
	r.Runners = append(r.Runners, mon.Run)
	return nil
}

func soundCues(cfg config.Sound) sound.Cues {
	cues := sound.Cues{}
	for phase, path := range map[arbiter.Phase]string{
		arbiter.ReadyIdle:   cfg.Ready,
		arbiter.ReadyActive: cfg.Active,
		arbiter.Stopping:    cfg.Stopping,
	} {
		if path != "" {
			cues[phase] = path
		}
	}
	return cues
}
