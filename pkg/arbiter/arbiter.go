// Package arbiter is the line follower's control loop.  Each tick it fuses
// the line position and the gyro rate into one steering correction, picks
// which PID governs, applies the speed profile and drives the motors.  It also
// owns the run lifecycle: calibration gate, start/stop, speed modes and the
// finish-line stop.
package arbiter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tigerbot-team/linefollower/pkg/crossing"
	"github.com/tigerbot-team/linefollower/pkg/debounce"
	"github.com/tigerbot-team/linefollower/pkg/errorshaper"
	"github.com/tigerbot-team/linefollower/pkg/lineposition"
	"github.com/tigerbot-team/linefollower/pkg/pid"
	"github.com/tigerbot-team/linefollower/pkg/remote"
	"github.com/tigerbot-team/linefollower/pkg/tunable"
)

type SensorSource interface {
	ReadFrame() lineposition.Frame
}

type RotationSource interface {
	// Calibrate must be cheap enough to call every tick; it returns false
	// until the gyro has settled.
	Calibrate() bool
	Update()
	CurrentRate() float64
}

type MotorSink interface {
	Drive(left, right float64)
	Coast()
	Brake()
}

// Buttons reports debounced presses since the last poll.
type Buttons interface {
	Poll(now time.Time) (startStop, modeSwitch bool)
}

// StatusSink receives a snapshot after every tick.
type StatusSink interface {
	Publish(s State)
}

type Collaborators struct {
	Sensors     SensorSource
	Rotation    RotationSource
	Motors      MotorSink
	PositionPID pid.Port
	RotationPID pid.Port

	// Optional.
	Remote   remote.Channel
	Buttons  Buttons
	Status   []StatusSink
	Tunables *tunable.Tunables
}

type Config struct {
	// Target is the line position the robot steers towards, normally the
	// middle of the bar.  It must lie on the bar of SensorCount sensors.
	Target      float64
	SensorCount int
	Polarity    lineposition.Polarity
	Shaper      errorshaper.Shaper

	// Gains applied to the governing PID output.
	SensorGain float64
	GyroGain   float64

	Profiles     [numSpeedModes]Profile
	InitialMode  SpeedMode
	MaxLineError float64

	TurboEnabled    bool
	TurboMultiplier float64
	TurboTolerance  float64

	// Clamp bounds each motor output to [-Clamp, Clamp].
	Clamp float64
	// InvertSteering swaps which wheel receives +correction.
	InvertSteering bool

	ToggleDebounce time.Duration
	StopGrace      time.Duration

	CrossingSide      crossing.Side
	CrossingTarget    int
	CrossingThreshold time.Duration

	Period         time.Duration
	StatusInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Target:      3.5,
		SensorCount: 8,
		Polarity:    lineposition.ActiveHigh,
		Shaper:      errorshaper.Default(),
		SensorGain:  0.1,
		GyroGain:    0.01,
		Profiles: [numSpeedModes]Profile{
			Slow:   {Min: 0.25, Max: 0.35},
			Medium: {Min: 0.35, Max: 0.55},
			Fast:   {Min: 0.45, Max: 0.75},
		},
		InitialMode:       Slow,
		MaxLineError:      3.5,
		TurboMultiplier:   1.25,
		TurboTolerance:    0.5,
		Clamp:             1,
		ToggleDebounce:    200 * time.Millisecond,
		StopGrace:         500 * time.Millisecond,
		CrossingSide:      crossing.Right,
		CrossingTarget:    1,
		CrossingThreshold: time.Second,
		Period:            10 * time.Millisecond,
		StatusInterval:    time.Second,
	}
}

func (c Config) Validate() error {
	if err := c.Shaper.Validate(); err != nil {
		return fmt.Errorf("shaper: %w", err)
	}
	if c.Clamp <= 0 || c.Clamp > 1 {
		return fmt.Errorf("clamp must be in (0, 1]: %v", c.Clamp)
	}
	for m, p := range c.Profiles {
		if p.Min < 0 || p.Max < p.Min || p.Max > c.Clamp {
			return fmt.Errorf("profile %v: need 0 <= min <= max <= clamp, got %+v", SpeedMode(m), p)
		}
	}
	if c.TurboEnabled && c.TurboMultiplier < 1 {
		return fmt.Errorf("turbo multiplier must be >= 1: %v", c.TurboMultiplier)
	}
	if c.TurboTolerance < 0 {
		return fmt.Errorf("turbo tolerance must not be negative: %v", c.TurboTolerance)
	}
	if c.Period <= 0 {
		return fmt.Errorf("period must be positive: %v", c.Period)
	}
	for name, d := range map[string]time.Duration{
		"toggle debounce":    c.ToggleDebounce,
		"stop grace":         c.StopGrace,
		"crossing threshold": c.CrossingThreshold,
		"status interval":    c.StatusInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative: %v", name, d)
		}
	}
	if c.SensorCount < 1 {
		return fmt.Errorf("sensor count must be positive: %v", c.SensorCount)
	}
	if c.Target < 0 || c.Target > float64(c.SensorCount-1) {
		return fmt.Errorf("target %v is off the bar of %d sensors", c.Target, c.SensorCount)
	}
	if c.CrossingTarget < 1 {
		return fmt.Errorf("crossing target must be >= 1: %v", c.CrossingTarget)
	}
	return nil
}

// State is the robot-wide state.  Snapshot returns a copy of it.
type State struct {
	Phase             Phase
	SpeedMode         SpeedMode
	Source            errorshaper.Source
	MotorsActive      bool
	Calibrated        bool
	OutOfLine         bool
	LastValidPosition float64
	CrossingCount     int
	LastCrossing      time.Time
	LastButton        time.Time
	Stopping          bool
	StopRequestedAt   time.Time

	// RunID identifies the current or most recent run in the logs.
	RunID string

	// Values from the most recent tick, for diagnostics.
	LineError  float64
	RotError   float64
	Rate       float64
	Correction float64
	Command    MotorCommand
}

func (s State) String() string {
	return fmt.Sprintf("%s %s src=%s pos=%.2f out=%v x%d L=%.2f R=%.2f",
		s.Phase, s.SpeedMode, s.Source, s.LastValidPosition, s.OutOfLine,
		s.CrossingCount, s.Command.Left, s.Command.Right)
}

type Arbiter struct {
	cfg Config
	c   Collaborators
	log *zap.Logger

	extractor *lineposition.Extractor
	crossings *crossing.Detector
	toggle    *debounce.Debouncer

	lock  sync.Mutex
	state State

	// Mirrors state.MotorsActive for the edge-watcher goroutine.
	active int32

	lastStatusKey  string
	lastStatusTime time.Time
}

var _ crossing.ActiveFlag = (*Arbiter)(nil)

func New(cfg Config, c Collaborators, log *zap.Logger) (*Arbiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if c.Sensors == nil || c.Rotation == nil || c.Motors == nil || c.PositionPID == nil || c.RotationPID == nil {
		return nil, fmt.Errorf("sensors, rotation, motors and both PIDs are required")
	}
	if c.Remote == nil {
		c.Remote = remote.None{}
	}
	if log == nil {
		log = zap.NewNop()
	}

	a := &Arbiter{
		cfg:       cfg,
		c:         c,
		log:       log,
		extractor: lineposition.NewExtractor(cfg.Polarity, cfg.Target),
		toggle:    debounce.New(cfg.ToggleDebounce),
		state: State{
			Phase:             Uncalibrated,
			SpeedMode:         cfg.InitialMode,
			OutOfLine:         true,
			LastValidPosition: cfg.Target,
		},
	}
	a.crossings = crossing.New(cfg.CrossingSide, cfg.CrossingTarget, cfg.CrossingThreshold, a)
	return a, nil
}

// Crossings is the detector the edge watchers feed.
func (a *Arbiter) Crossings() *crossing.Detector {
	return a.crossings
}

// MotorsActive may be called from any goroutine.
func (a *Arbiter) MotorsActive() bool {
	return atomic.LoadInt32(&a.active) == 1
}

func (a *Arbiter) Snapshot() State {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.state
}

func (a *Arbiter) setActiveLocked(active bool) {
	a.state.MotorsActive = active
	if active {
		atomic.StoreInt32(&a.active, 1)
	} else {
		atomic.StoreInt32(&a.active, 0)
	}
}

// RequestToggle flips between idle and active.  Requests inside the debounce
// window, or before calibration, are dropped.  It reports whether the request
// was honoured.
func (a *Arbiter) RequestToggle(now time.Time) bool {
	a.lock.Lock()
	defer a.lock.Unlock()

	if !a.state.Calibrated {
		a.log.Info("Ignoring start/stop: not calibrated")
		return false
	}
	if !a.toggle.Accept(now) {
		a.log.Debug("Dropping start/stop inside debounce window")
		return false
	}
	a.state.LastButton = now

	switch a.state.Phase {
	case ReadyIdle:
		a.crossings.Reset()
		a.state.CrossingCount = 0
		a.resetPIDs()
		a.state.RunID = uuid.New().String()
		a.state.Phase = ReadyActive
		a.setActiveLocked(true)
	case ReadyActive, Stopping:
		a.state.Phase = ReadyIdle
		a.state.Stopping = false
		a.setActiveLocked(false)
	default:
		return false
	}
	a.log.Info("Start/stop", zap.Stringer("phase", a.state.Phase), zap.String("run", a.state.RunID))
	return true
}

// RequestNextMode cycles the speed mode; it doesn't affect start/stop.
func (a *Arbiter) RequestNextMode() SpeedMode {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.state.SpeedMode = a.state.SpeedMode.Next()
	a.log.Info("Speed mode", zap.Stringer("mode", a.state.SpeedMode))
	return a.state.SpeedMode
}

func (a *Arbiter) SetMode(m SpeedMode) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.state.SpeedMode = m
	a.log.Info("Speed mode", zap.Stringer("mode", m))
}

// HandleCommand dispatches one remote command.
func (a *Arbiter) HandleCommand(cmd remote.Command, now time.Time) {
	switch cmd.Kind {
	case remote.KindToggle:
		a.RequestToggle(now)
	case remote.KindNextMode:
		a.RequestNextMode()
	case remote.KindSetMode:
		m, err := ParseSpeedMode(cmd.Mode)
		if err != nil {
			a.log.Warn("Bad remote command", zap.Error(err))
			return
		}
		a.SetMode(m)
	case remote.KindTuneNext, remote.KindTunePrev, remote.KindTuneAdjust:
		a.tune(cmd)
	}
}

func (a *Arbiter) tune(cmd remote.Command) {
	if a.c.Tunables == nil {
		return
	}
	var t *tunable.Tunable
	switch cmd.Kind {
	case remote.KindTuneNext:
		t = a.c.Tunables.SelectNext()
	case remote.KindTunePrev:
		t = a.c.Tunables.SelectPrev()
	default:
		t = a.c.Tunables.Current()
		if t != nil {
			t.Add(cmd.Steps)
		}
	}
	if t == nil {
		return
	}
	a.log.Info("Tunable", zap.String("name", t.Name), zap.Float64("value", t.Get()))
	a.c.Remote.SendStatus(fmt.Sprintf("%s=%.6g", t.Name, t.Get()))
}

func (a *Arbiter) resetPIDs() {
	for _, p := range []pid.Port{a.c.PositionPID, a.c.RotationPID} {
		if r, ok := p.(pid.Resetter); ok {
			r.Reset()
		}
	}
}

// Loop runs Tick every period until ctx is cancelled, then coasts the motors.
func (a *Arbiter) Loop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Period)
	defer ticker.Stop()
	defer a.c.Motors.Coast()

	a.log.Info("Control loop started", zap.Duration("period", a.cfg.Period))
	defer a.log.Info("Control loop exited")
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			a.Tick(now)
		}
	}
}
