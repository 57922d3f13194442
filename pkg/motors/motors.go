// Package motors drives two DC motors through a TB6612FNG H-bridge: two
// direction pins per motor, a PWM channel per motor and a shared standby pin.
package motors

import (
	"math"
	"sync"

	"go.uber.org/zap"
	"periph.io/x/periph/conn/gpio"
)

// PWM sets a duty cycle in [0, 1] on a channel.
type PWM interface {
	SetPWM(channel int, duty float64) error
}

type Side struct {
	In1, In2   gpio.PinOut
	PWMChannel int
	// Invert swaps forward and reverse for a motor wired backwards.
	Invert bool
}

type TB6612 struct {
	log     *zap.Logger
	pwm     PWM
	left    Side
	right   Side
	standby gpio.PinOut

	lock sync.Mutex
}

func New(pwm PWM, left, right Side, standby gpio.PinOut, log *zap.Logger) *TB6612 {
	if log == nil {
		log = zap.NewNop()
	}
	return &TB6612{
		log:     log,
		pwm:     pwm,
		left:    left,
		right:   right,
		standby: standby,
	}
}

// Enable takes the driver out of standby.  Outputs start coasting.
func (m *TB6612) Enable() error {
	m.Coast()
	if m.standby == nil {
		return nil
	}
	return m.standby.Out(gpio.High)
}

// Drive sets signed outputs in [-1, 1]; values outside are clamped.
func (m *TB6612) Drive(left, right float64) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.setSide(m.left, left)
	m.setSide(m.right, right)
}

func (m *TB6612) setSide(s Side, v float64) {
	if math.IsNaN(v) {
		v = 0
	}
	v = math.Max(-1, math.Min(1, v))
	if s.Invert {
		v = -v
	}
	forward := v >= 0
	m.out(s.In1, gpio.Level(forward))
	m.out(s.In2, gpio.Level(!forward))
	m.duty(s.PWMChannel, math.Abs(v))
}

// Coast lets both motors spin freely.
func (m *TB6612) Coast() {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, s := range []Side{m.left, m.right} {
		m.out(s.In1, gpio.Low)
		m.out(s.In2, gpio.Low)
		m.duty(s.PWMChannel, 0)
	}
}

// Brake shorts both motors.
func (m *TB6612) Brake() {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, s := range []Side{m.left, m.right} {
		m.out(s.In1, gpio.High)
		m.out(s.In2, gpio.High)
		m.duty(s.PWMChannel, 1)
	}
}

// Close coasts and puts the driver into standby.
func (m *TB6612) Close() error {
	m.Coast()
	if m.standby == nil {
		return nil
	}
	return m.standby.Out(gpio.Low)
}

// Write errors are logged; the next tick writes again.
func (m *TB6612) out(p gpio.PinOut, l gpio.Level) {
	if err := p.Out(l); err != nil {
		m.log.Warn("Motor pin write failed", zap.Stringer("pin", p), zap.Error(err))
	}
}

func (m *TB6612) duty(ch int, d float64) {
	if err := m.pwm.SetPWM(ch, d); err != nil {
		m.log.Warn("Motor PWM write failed", zap.Int("channel", ch), zap.Error(err))
	}
}
