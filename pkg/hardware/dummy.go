package hardware

import (
	"context"
	"io"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tigerbot-team/linefollower/pkg/arbiter"
	"github.com/tigerbot-team/linefollower/pkg/config"
	"github.com/tigerbot-team/linefollower/pkg/crossing"
	"github.com/tigerbot-team/linefollower/pkg/digitalio"
	"github.com/tigerbot-team/linefollower/pkg/lineposition"
	"github.com/tigerbot-team/linefollower/pkg/remote"
)

// Sim is a bench stand-in for the robot: a digital sensor bar over a gently
// curving line, an ideal gyro and motors that just record what they're told.
// It implements the sensor, rotation and motor interfaces at once so the
// control loop can close the loop on it.
type Sim struct {
	log *zap.Logger
	Now func() time.Time

	// Sensors on the bar; the line covers HalfWidth pitches either side of
	// its centre.
	Sensors   int
	HalfWidth float64
	// TurnRate is deg/s per unit of wheel difference; Drift is deg/s of
	// line curvature the robot has to follow at full speed.
	TurnRate float64
	Drift    float64
	// OffsetPerDeg is how far (in sensor pitches) the line moves across the
	// bar per degree turned.
	OffsetPerDeg float64
	// Speed is metres per second at output 1; a lap mark passes every
	// LapLength metres.
	Speed     float64
	LapLength float64

	lock        sync.Mutex
	offset      float64
	rate        float64
	left, right float64
	action      arbiter.Action
	distance    float64
	lastUpdate  time.Time
	sink        digitalio.EdgeSink
}

var (
	_ arbiter.SensorSource   = (*Sim)(nil)
	_ arbiter.RotationSource = (*Sim)(nil)
	_ arbiter.MotorSink      = (*Sim)(nil)
)

func NewSim(log *zap.Logger) *Sim {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sim{
		log:          log,
		Now:          time.Now,
		Sensors:      8,
		HalfWidth:    1,
		TurnRate:     200,
		Drift:        5,
		OffsetPerDeg: 0.05,
		Speed:        1,
		LapLength:    10,
	}
}

// NewDummy builds a Robot around a Sim for running without hardware.  The
// remotes in cfg are opened as on the real robot; console, if not nil, is an
// extra line-protocol remote such as the terminal.
func NewDummy(cfg config.Remote, console io.ReadWriteCloser, log *zap.Logger) (*Robot, *Sim, error) {
	if log == nil {
		log = zap.NewNop()
	}
	sim := NewSim(log)
	r := &Robot{
		Sensors:  sim,
		Rotation: sim,
		Motors:   sim,
		Edges:    []EdgeSource{sim.WatchLaps},
	}
	var extra []remote.Channel
	if console != nil {
		s := remote.NewSerial(console, log.Named("console"))
		extra = append(extra, s)
		r.Runners = append(r.Runners, s.Run)
	}
	if err := openRemote(r, cfg, log, extra...); err != nil {
		if console != nil {
			_ = console.Close()
		}
		return nil, nil, err
	}
	return r, sim, nil
}

// SetOffset places the line centre offset pitches right of the bar centre.
func (s *Sim) SetOffset(offset float64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.offset = offset
}

func (s *Sim) Offset() float64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.offset
}

// Motors returns the last command the Sim was given.
func (s *Sim) Motors() arbiter.MotorCommand {
	s.lock.Lock()
	defer s.lock.Unlock()
	return arbiter.MotorCommand{Action: s.action, Left: s.left, Right: s.right}
}

func (s *Sim) Distance() float64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.distance
}

func (s *Sim) ReadFrame() lineposition.Frame {
	s.lock.Lock()
	defer s.lock.Unlock()
	centre := float64(s.Sensors-1)/2 + s.offset
	digital := make([]bool, s.Sensors)
	for i := range digital {
		digital[i] = math.Abs(float64(i)-centre) <= s.HalfWidth
	}
	return lineposition.Frame{Digital: digital}
}

func (s *Sim) Calibrate() bool { return true }

// Update advances the simulation to Now.
func (s *Sim) Update() {
	now := s.Now()
	s.lock.Lock()
	if s.lastUpdate.IsZero() {
		s.lastUpdate = now
	}
	dt := now.Sub(s.lastUpdate).Seconds()
	s.lastUpdate = now

	var speed float64
	s.rate = 0
	if s.action == arbiter.Drive {
		speed = (s.left + s.right) / 2
		s.rate = (s.right - s.left) * s.TurnRate
	}
	// Turning anticlockwise swings the line towards the right of the bar.
	s.offset += (s.rate - s.Drift*speed) * dt * s.OffsetPerDeg

	before := math.Floor(s.distance / s.LapLength)
	s.distance += math.Abs(speed) * s.Speed * dt
	lap := math.Floor(s.distance/s.LapLength) > before
	sink := s.sink
	s.lock.Unlock()

	if lap && sink != nil {
		s.log.Info("Sim: lap mark")
		sink.OnEdge(crossing.Right)
	}
}

func (s *Sim) CurrentRate() float64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.rate
}

func (s *Sim) Drive(left, right float64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.action, s.left, s.right = arbiter.Drive, left, right
}

func (s *Sim) Coast() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.action = arbiter.Coast
}

func (s *Sim) Brake() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.action = arbiter.Brake
}

// SetEdgeSink routes lap marks to sink.
func (s *Sim) SetEdgeSink(sink digitalio.EdgeSink) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.sink = sink
}

// WatchLaps is the Sim's EdgeSource.
func (s *Sim) WatchLaps(ctx context.Context, sink digitalio.EdgeSink) error {
	s.SetEdgeSink(sink)
	<-ctx.Done()
	s.SetEdgeSink(nil)
	return nil
}
