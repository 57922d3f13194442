package digitalio

import (
	"time"

	"go.uber.org/zap"
	"periph.io/x/periph/conn/gpio"

	"github.com/tigerbot-team/linefollower/pkg/arbiter"
)

// LEDs shows the robot state on two status LEDs:
//
//	calibrating   both on
//	Active        on while the motors are running
//	Mode          SLOW off, MEDIUM blinking, FAST on
type LEDs struct {
	Mode, Active gpio.PinOut
	BlinkPeriod  time.Duration

	log  *zap.Logger
	last [2]gpio.Level
	set  bool
}

var _ arbiter.StatusSink = (*LEDs)(nil)

func NewLEDs(mode, active gpio.PinOut, log *zap.Logger) *LEDs {
	if log == nil {
		log = zap.NewNop()
	}
	return &LEDs{
		Mode:        mode,
		Active:      active,
		BlinkPeriod: 500 * time.Millisecond,
		log:         log,
	}
}

// Publish is called every tick; pins are only written on change.
func (l *LEDs) Publish(s arbiter.State) {
	l.PublishAt(s, time.Now())
}

func (l *LEDs) PublishAt(s arbiter.State, now time.Time) {
	var mode, active gpio.Level
	if !s.Calibrated {
		mode, active = gpio.High, gpio.High
	} else {
		active = gpio.Level(s.MotorsActive)
		switch s.SpeedMode {
		case arbiter.Medium:
			mode = gpio.Level(now.UnixNano()/int64(l.BlinkPeriod)%2 == 0)
		case arbiter.Fast:
			mode = gpio.High
		}
	}

	levels := [2]gpio.Level{mode, active}
	if l.set && levels == l.last {
		return
	}
	l.write(l.Mode, mode)
	l.write(l.Active, active)
	l.last = levels
	l.set = true
}

func (l *LEDs) write(p gpio.PinOut, level gpio.Level) {
	if p == nil {
		return
	}
	if err := p.Out(level); err != nil {
		l.log.Warn("LED write failed", zap.Stringer("pin", p), zap.Error(err))
	}
}

// Off switches both LEDs off.
func (l *LEDs) Off() {
	l.write(l.Mode, gpio.Low)
	l.write(l.Active, gpio.Low)
	l.set = false
}
