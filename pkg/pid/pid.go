// Package pid is the discrete PID calculator the control loop consumes
// through the Port interface.
package pid

import (
	"math"
	"sync"
	"time"

	"github.com/tigerbot-team/linefollower/pkg/tunable"
)

// Port is all the control loop needs from a PID instance.
type Port interface {
	Calculate(err float64) float64
}

// Resetter is implemented by ports that can drop their integral and
// derivative history.
type Resetter interface {
	Reset()
}

// Gains are read on every calculation so they can be retuned while running.
type Gains struct {
	P, I, D *tunable.Tunable
}

// NewGains registers kp/ki/kd tunables under prefix.
func NewGains(ts *tunable.Tunables, prefix string, p, i, d float64) Gains {
	return Gains{
		P: ts.Create(prefix+".kp", p, stepFor(p)),
		I: ts.Create(prefix+".ki", i, stepFor(i)),
		D: ts.Create(prefix+".kd", d, stepFor(d)),
	}
}

func stepFor(v float64) float64 {
	if v == 0 {
		return 0.001
	}
	return math.Abs(v) / 10
}

type Controller struct {
	Gains Gains

	// ErrorTolerance is the dead-band: errors with magnitude below it produce
	// zero output and are not integrated.
	ErrorTolerance float64
	// UseDeltaTime integrates over the measured time between calls instead of
	// NominalStep.
	UseDeltaTime bool
	NominalStep  time.Duration
	// MaxIntegral bounds the integral term's contribution; zero means unbounded.
	MaxIntegral float64
	// MaxOutput clamps the result; zero means unbounded.
	MaxOutput float64

	Now func() time.Time

	lock      sync.Mutex
	integral  float64
	lastError float64
	lastTime  time.Time
	primed    bool
}

var _ Port = (*Controller)(nil)
var _ Resetter = (*Controller)(nil)

func New(gains Gains, errorTolerance float64, useDeltaTime bool, nominalStep time.Duration) *Controller {
	return &Controller{
		Gains:          gains,
		ErrorTolerance: errorTolerance,
		UseDeltaTime:   useDeltaTime,
		NominalStep:    nominalStep,
		Now:            time.Now,
	}
}

func (c *Controller) Calculate(err float64) float64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	now := c.Now()
	dt := c.NominalStep.Seconds()
	if c.UseDeltaTime && c.primed {
		dt = now.Sub(c.lastTime).Seconds()
	}
	c.lastTime = now

	if math.Abs(err) < c.ErrorTolerance {
		c.lastError = 0
		c.primed = true
		return 0
	}

	kp, ki, kd := c.Gains.P.Get(), c.Gains.I.Get(), c.Gains.D.Get()

	var derivative float64
	if c.primed && dt > 0 {
		derivative = (err - c.lastError) / dt
	}
	if dt > 0 {
		c.integral += err * dt
	}
	if c.MaxIntegral > 0 && ki != 0 {
		limit := c.MaxIntegral / math.Abs(ki)
		c.integral = clamp(c.integral, limit)
	}

	c.lastError = err
	c.primed = true

	out := kp*err + ki*c.integral + kd*derivative
	if c.MaxOutput > 0 {
		out = clamp(out, c.MaxOutput)
	}
	return out
}

func (c *Controller) Reset() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.integral = 0
	c.lastError = 0
	c.primed = false
}

func clamp(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}
