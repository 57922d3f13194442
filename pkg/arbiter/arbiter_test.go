package arbiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/tigerbot-team/linefollower/pkg/crossing"
	"github.com/tigerbot-team/linefollower/pkg/errorshaper"
	"github.com/tigerbot-team/linefollower/pkg/lineposition"
	"github.com/tigerbot-team/linefollower/pkg/pid"
	"github.com/tigerbot-team/linefollower/pkg/remote"
	"github.com/tigerbot-team/linefollower/pkg/tunable"
)

type fakeSensors struct {
	active []int
}

func (f *fakeSensors) ReadFrame() lineposition.Frame {
	d := make([]bool, 8)
	for _, i := range f.active {
		d[i] = true
	}
	return lineposition.Frame{Digital: d}
}

type fakeGyro struct {
	callsUntilCalibrated int
	calibrateCalls       int
	rate                 float64
}

func (f *fakeGyro) Calibrate() bool {
	f.calibrateCalls++
	return f.calibrateCalls > f.callsUntilCalibrated
}
func (f *fakeGyro) Update()              {}
func (f *fakeGyro) CurrentRate() float64 { return f.rate }

type fakeMotors struct {
	lock        sync.Mutex
	last        Action
	left, right float64
	calls       int
}

func (f *fakeMotors) Drive(l, r float64) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.last, f.left, f.right = Drive, l, r
	f.calls++
}
func (f *fakeMotors) Coast() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.last = Coast
	f.calls++
}
func (f *fakeMotors) Brake() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.last = Brake
	f.calls++
}

type fakePID struct {
	gain   float64
	calls  int
	last   float64
	resets int
}

func (f *fakePID) Calculate(err float64) float64 {
	f.calls++
	f.last = err
	return err * f.gain
}
func (f *fakePID) Reset() { f.resets++ }

type fakeRemote struct {
	queue  []remote.Command
	status []string
}

func (f *fakeRemote) Poll() (remote.Command, bool) {
	if len(f.queue) == 0 {
		return remote.Command{}, false
	}
	c := f.queue[0]
	f.queue = f.queue[1:]
	return c, true
}
func (f *fakeRemote) SendStatus(s string) { f.status = append(f.status, s) }

type rig struct {
	a       *Arbiter
	sensors *fakeSensors
	gyro    *fakeGyro
	motors  *fakeMotors
	posPID  *fakePID
	rotPID  *fakePID
	remote  *fakeRemote
	now     time.Time
}

func newRig(t *testing.T, cfg Config) *rig {
	r := &rig{
		sensors: &fakeSensors{active: []int{3, 4}},
		gyro:    &fakeGyro{},
		motors:  &fakeMotors{},
		posPID:  &fakePID{gain: 1},
		rotPID:  &fakePID{gain: 1},
		remote:  &fakeRemote{},
		now:     time.Unix(1000, 0),
	}
	a, err := New(cfg, Collaborators{
		Sensors:     r.sensors,
		Rotation:    r.gyro,
		Motors:      r.motors,
		PositionPID: r.posPID,
		RotationPID: r.rotPID,
		Remote:      r.remote,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	r.a = a
	return r
}

func (r *rig) tick(d time.Duration) {
	r.now = r.now.Add(d)
	r.a.Tick(r.now)
}

// calibrateAndStart ticks until calibrated, then starts the motors.
func (r *rig) calibrateAndStart(t *testing.T) {
	r.tick(10 * time.Millisecond)
	require.True(t, r.a.Snapshot().Calibrated)
	require.True(t, r.a.RequestToggle(r.now))
	require.Equal(t, ReadyActive, r.a.Snapshot().Phase)
}

func TestMotorsSuppressedUntilCalibrated(t *testing.T) {
	r := newRig(t, DefaultConfig())
	r.gyro.callsUntilCalibrated = 3

	assert.Equal(t, Uncalibrated, r.a.Snapshot().Phase)
	for i := 0; i < 3; i++ {
		r.tick(10 * time.Millisecond)
		s := r.a.Snapshot()
		assert.Equal(t, Calibrating, s.Phase)
		assert.False(t, s.Calibrated)
		assert.False(t, r.a.RequestToggle(r.now.Add(time.Duration(i)*time.Second)))
		assert.Equal(t, Coast, r.motors.last)
		assert.Equal(t, 0, r.posPID.calls)
	}

	r.tick(10 * time.Millisecond)
	s := r.a.Snapshot()
	assert.True(t, s.Calibrated)
	assert.Equal(t, ReadyIdle, s.Phase)
	assert.Equal(t, Coast, r.motors.last)

	// Calibration is latched.
	r.tick(10 * time.Millisecond)
	assert.Equal(t, 4, r.gyro.calibrateCalls)
}

func TestModeCycling(t *testing.T) {
	r := newRig(t, DefaultConfig())
	assert.Equal(t, Slow, r.a.Snapshot().SpeedMode)
	assert.Equal(t, Medium, r.a.RequestNextMode())
	assert.Equal(t, Fast, r.a.RequestNextMode())
	assert.Equal(t, Slow, r.a.RequestNextMode())
	// Mode switching never starts the motors.
	assert.False(t, r.a.MotorsActive())
}

func TestToggleDebounce(t *testing.T) {
	r := newRig(t, DefaultConfig())
	r.tick(10 * time.Millisecond)

	t0 := r.now
	assert.True(t, r.a.RequestToggle(t0))
	assert.False(t, r.a.RequestToggle(t0.Add(50*time.Millisecond)))
	assert.Equal(t, ReadyActive, r.a.Snapshot().Phase)
	assert.True(t, r.a.MotorsActive())

	assert.True(t, r.a.RequestToggle(t0.Add(250*time.Millisecond)))
	assert.Equal(t, ReadyIdle, r.a.Snapshot().Phase)
	assert.False(t, r.a.MotorsActive())
	assert.Equal(t, t0.Add(250*time.Millisecond), r.a.Snapshot().LastButton)
}

func TestCenteredRunDrivesStraightAtBaseOffset(t *testing.T) {
	cfg := DefaultConfig()
	var ts tunable.Tunables
	posPID := pid.New(pid.NewGains(&ts, "sensor", 0.3, 0.0000001, 0.655), 0.25, false, cfg.Period)
	rotPID := pid.New(pid.NewGains(&ts, "gyro", 1, 0.00001, 0.01), 1, false, cfg.Period)

	motors := &fakeMotors{}
	a, err := New(cfg, Collaborators{
		Sensors:     &fakeSensors{active: []int{3, 4}},
		Rotation:    &fakeGyro{},
		Motors:      motors,
		PositionPID: posPID,
		RotationPID: rotPID,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	now := time.Unix(1000, 0)
	a.Tick(now)
	require.True(t, a.RequestToggle(now))
	for i := 0; i < 5; i++ {
		now = now.Add(cfg.Period)
		a.Tick(now)
		s := a.Snapshot()
		assert.Equal(t, 0.0, s.LineError)
		assert.Equal(t, errorshaper.SourceSensor, s.Source)
		assert.Equal(t, 0.0, s.Correction)
		assert.Equal(t, Drive, motors.last)
		assert.Equal(t, cfg.Profiles[Slow].Max, motors.left)
		assert.Equal(t, motors.left, motors.right)
	}
}

func TestCenteredRunWithTurbo(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TurboEnabled = true
	r := newRig(t, cfg)
	r.calibrateAndStart(t)
	r.a.SetMode(Medium)

	r.tick(cfg.Period)
	want := cfg.Profiles[Medium].Max * cfg.TurboMultiplier
	assert.InDelta(t, want, r.motors.left, 1e-12)
	assert.InDelta(t, want, r.motors.right, 1e-12)
}

func TestNoTurboOffCentre(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TurboEnabled = true
	r := newRig(t, cfg)
	r.posPID.gain = 0
	r.calibrateAndStart(t)

	// Position 2.5: error 1, outside the turbo band but still sensor-governed.
	r.sensors.active = []int{2, 3}
	r.tick(cfg.Period)
	s := r.a.Snapshot()
	assert.Equal(t, errorshaper.SourceSensor, s.Source)
	want := cfg.Profiles[Slow].Offset(1, cfg.MaxLineError)
	assert.InDelta(t, want, r.motors.left, 1e-12)
	assert.Less(t, r.motors.left, cfg.Profiles[Slow].Max)
}

func TestOutputsAlwaysClamped(t *testing.T) {
	for _, turbo := range []bool{false, true} {
		cfg := DefaultConfig()
		cfg.TurboEnabled = turbo
		cfg.TurboMultiplier = 3
		cfg.Clamp = 0.8
		cfg.Profiles[Fast] = Profile{Min: 0.5, Max: 0.8}
		r := newRig(t, cfg)
		r.calibrateAndStart(t)

		for mode := Slow; mode <= Fast; mode++ {
			r.a.SetMode(mode)
			for _, gain := range []float64{-1000, -1, 0, 0.5, 1000} {
				r.posPID.gain = gain
				r.rotPID.gain = gain
				for _, active := range [][]int{{0}, {3, 4}, {5}, {7}, {}} {
					r.sensors.active = active
					for _, rate := range []float64{-500, 0, 500} {
						r.gyro.rate = rate
						r.tick(cfg.Period)
						require.Equal(t, Drive, r.motors.last)
						require.LessOrEqual(t, r.motors.left, cfg.Clamp)
						require.GreaterOrEqual(t, r.motors.left, -cfg.Clamp)
						require.LessOrEqual(t, r.motors.right, cfg.Clamp)
						require.GreaterOrEqual(t, r.motors.right, -cfg.Clamp)
					}
				}
			}
		}
	}
}

func TestArbitration(t *testing.T) {
	cfg := DefaultConfig()
	r := newRig(t, cfg)
	r.posPID.gain = 2
	r.rotPID.gain = 3
	r.calibrateAndStart(t)

	// Small error: sensor PID governs.
	r.sensors.active = []int{3}
	r.tick(cfg.Period)
	s := r.a.Snapshot()
	assert.Equal(t, errorshaper.SourceSensor, s.Source)
	assert.InDelta(t, 0.5*2*cfg.SensorGain, s.Correction, 1e-12)
	// Positive correction speeds up the right wheel.
	assert.Greater(t, r.motors.right, r.motors.left)

	// Large error: gyro PID governs, fed with shaped target minus rate.
	r.sensors.active = []int{0}
	r.gyro.rate = 5
	r.tick(cfg.Period)
	s = r.a.Snapshot()
	assert.Equal(t, errorshaper.SourceGyro, s.Source)
	assert.InDelta(t, 40-5.0, r.rotPID.last, 1e-12)
	assert.InDelta(t, (40-5.0)*3*cfg.GyroGain, s.Correction, 1e-12)

	// Lost line: last position kept, gyro governs.
	r.sensors.active = nil
	r.tick(cfg.Period)
	s = r.a.Snapshot()
	assert.True(t, s.OutOfLine)
	assert.Equal(t, 0.0, s.LastValidPosition)
	assert.Equal(t, errorshaper.SourceGyro, s.Source)

	// Both PIDs ran every active tick.
	assert.Equal(t, 3, r.posPID.calls)
	assert.Equal(t, 3, r.rotPID.calls)
}

func TestInvertSteering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InvertSteering = true
	r := newRig(t, cfg)
	r.calibrateAndStart(t)
	r.sensors.active = []int{3}
	r.tick(cfg.Period)
	assert.Greater(t, r.motors.left, r.motors.right)
}

func TestFinishLineStops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CrossingTarget = 2
	r := newRig(t, cfg)
	r.calibrateAndStart(t)

	det := r.a.Crossings()
	assert.True(t, det.OnEdgeAt(crossing.Right, r.now))
	assert.False(t, det.OnEdgeAt(crossing.Right, r.now.Add(50*time.Millisecond)))
	r.tick(cfg.Period)
	assert.Equal(t, ReadyActive, r.a.Snapshot().Phase)
	assert.Equal(t, 1, r.a.Snapshot().CrossingCount)

	assert.True(t, det.OnEdgeAt(crossing.Right, r.now.Add(1200*time.Millisecond)))
	r.tick(cfg.Period)
	s := r.a.Snapshot()
	assert.Equal(t, Stopping, s.Phase)
	assert.True(t, s.Stopping)
	assert.True(t, s.MotorsActive)
	assert.Equal(t, Brake, r.motors.last)

	r.tick(cfg.StopGrace / 2)
	assert.Equal(t, Brake, r.motors.last)

	r.tick(cfg.StopGrace)
	s = r.a.Snapshot()
	assert.Equal(t, ReadyIdle, s.Phase)
	assert.False(t, s.MotorsActive)
	assert.False(t, r.a.MotorsActive())
	assert.Equal(t, Coast, r.motors.last)

	// Starting again zeroes the crossing count and begins a new run.
	firstRun := s.RunID
	require.NotEmpty(t, firstRun)
	require.True(t, r.a.RequestToggle(r.now.Add(time.Second)))
	assert.Equal(t, 0, det.Count())
	assert.NotEqual(t, firstRun, r.a.Snapshot().RunID)
	r.tick(cfg.Period)
	assert.Equal(t, ReadyActive, r.a.Snapshot().Phase)
	assert.Equal(t, Drive, r.motors.last)
}

func TestToggleDuringStopGoesIdle(t *testing.T) {
	cfg := DefaultConfig()
	r := newRig(t, cfg)
	r.calibrateAndStart(t)
	r.a.Crossings().OnEdgeAt(crossing.Right, r.now)
	r.tick(cfg.Period)
	require.Equal(t, Stopping, r.a.Snapshot().Phase)

	require.True(t, r.a.RequestToggle(r.now.Add(time.Second)))
	r.tick(cfg.Period)
	assert.Equal(t, ReadyIdle, r.a.Snapshot().Phase)
	assert.Equal(t, Coast, r.motors.last)
}

func TestEdgesIgnoredWhileIdle(t *testing.T) {
	r := newRig(t, DefaultConfig())
	r.tick(10 * time.Millisecond)
	assert.False(t, r.a.Crossings().OnEdgeAt(crossing.Right, r.now))
	assert.Equal(t, 0, r.a.Crossings().Count())
}

func TestRemoteCommands(t *testing.T) {
	cfg := DefaultConfig()
	r := newRig(t, cfg)
	var ts tunable.Tunables
	kp := ts.Create("sensor.kp", 1, 0.5)
	r.a.c.Tunables = &ts

	r.tick(cfg.Period)
	r.remote.queue = []remote.Command{
		{Kind: remote.KindToggle},
		{Kind: remote.KindSetMode, Mode: "fast"},
		{Kind: remote.KindSetMode, Mode: "warp"},
		{Kind: remote.KindTuneAdjust, Steps: 2},
	}
	r.tick(cfg.Period)
	s := r.a.Snapshot()
	assert.Equal(t, ReadyActive, s.Phase)
	assert.Equal(t, Fast, s.SpeedMode)
	assert.Equal(t, 2.0, kp.Get())
	assert.Contains(t, r.remote.status, "sensor.kp=2")

	r.remote.queue = []remote.Command{{Kind: remote.KindNextMode}}
	r.tick(cfg.Period)
	assert.Equal(t, Slow, r.a.Snapshot().SpeedMode)
	require.NotEmpty(t, r.remote.status)
	assert.Contains(t, r.remote.status[len(r.remote.status)-1], "SLOW")
}

type fakeButtons struct {
	startStop, mode bool
}

func (f *fakeButtons) Poll(time.Time) (bool, bool) {
	s, m := f.startStop, f.mode
	f.startStop, f.mode = false, false
	return s, m
}

type recordingSink struct {
	states []State
}

func (r *recordingSink) Publish(s State) { r.states = append(r.states, s) }

func TestButtonsAndStatusSinks(t *testing.T) {
	cfg := DefaultConfig()
	r := newRig(t, cfg)
	buttons := &fakeButtons{}
	sink := &recordingSink{}
	r.a.c.Buttons = buttons
	r.a.c.Status = []StatusSink{sink}

	r.tick(cfg.Period)
	buttons.startStop = true
	buttons.mode = true
	r.tick(cfg.Period)

	require.Len(t, sink.states, 2)
	assert.Equal(t, ReadyIdle, sink.states[0].Phase)
	assert.Equal(t, ReadyActive, sink.states[1].Phase)
	assert.Equal(t, Medium, sink.states[1].SpeedMode)
}

func TestLoopExitsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	cfg.Period = time.Millisecond
	r := newRig(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- r.a.Loop(ctx) }()

	require.Eventually(t, func() bool { return r.a.Snapshot().Calibrated }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	r.motors.lock.Lock()
	defer r.motors.lock.Unlock()
	assert.Equal(t, Coast, r.motors.last)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Profiles[Fast] = Profile{Min: 0.9, Max: 0.5}
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Clamp = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.TurboEnabled = true
	cfg.TurboMultiplier = 0.5
	assert.Error(t, cfg.Validate())

	for name, breakIt := range map[string]func(c *Config){
		"toggle debounce":    func(c *Config) { c.ToggleDebounce = -time.Millisecond },
		"stop grace":         func(c *Config) { c.StopGrace = -time.Millisecond },
		"crossing threshold": func(c *Config) { c.CrossingThreshold = -time.Second },
		"turbo tolerance":    func(c *Config) { c.TurboTolerance = -0.1 },
		"target below bar":   func(c *Config) { c.Target = -0.5 },
		"target beyond bar":  func(c *Config) { c.Target = 7.5 },
		"no sensors":         func(c *Config) { c.SensorCount = 0 },
	} {
		cfg := DefaultConfig()
		breakIt(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}

	cfg = DefaultConfig()
	cfg.Target = 7
	assert.NoError(t, cfg.Validate(), "target on the last sensor")

	_, err := New(DefaultConfig(), Collaborators{}, nil)
	assert.Error(t, err)
}

func TestProfileOffset(t *testing.T) {
	p := Profile{Min: 0.2, Max: 0.6}
	assert.Equal(t, 0.6, p.Offset(0, 3.5))
	assert.InDelta(t, 0.4, p.Offset(-1.75, 3.5), 1e-12)
	assert.Equal(t, 0.2, p.Offset(10, 3.5))
	assert.Equal(t, 0.6, p.Offset(10, 0))
}

func TestParseSpeedMode(t *testing.T) {
	m, err := ParseSpeedMode(" Fast ")
	require.NoError(t, err)
	assert.Equal(t, Fast, m)
	_, err = ParseSpeedMode("ludicrous")
	assert.Error(t, err)
}
