// Package sensorarray reads the reflectance sensor bar.  Sensors are read
// through an ADC (or comparator pins for digital bars) and optionally lit in
// two alternating emitter groups so neighbouring sensors don't see each
// other's light.
package sensorarray

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"periph.io/x/periph/conn/gpio"

	"github.com/tigerbot-team/linefollower/pkg/lineposition"
)

// DefaultThreshold is used until a sensor has been calibrated.
const DefaultThreshold = (ADCMax + 1) / 2

type Array struct {
	log *zap.Logger

	adc      ADC
	channels []int

	// comparators replaces the ADC for bars with digital outputs.
	comparators []gpio.PinIn

	// emitters are the gates of the two emitter groups: even sensors are lit
	// by the first, odd sensors by the second.  Nil means always on.
	emitters []gpio.PinOut
	// EmitterOn is the gate level that switches a group on (P-channel
	// MOSFETs by default).
	EmitterOn gpio.Level

	lock       sync.Mutex
	raw        []uint16
	thresholds []uint16
	min, max   []uint16
}

// New returns an analog array; channels[i] is the ADC channel of sensor i,
// counting from the left.
func New(adc ADC, channels []int, emitters []gpio.PinOut, log *zap.Logger) (*Array, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("no sensor channels configured")
	}
	a, err := newArray(len(channels), emitters, log)
	if err != nil {
		return nil, err
	}
	a.adc = adc
	a.channels = append([]int(nil), channels...)
	return a, nil
}

// NewDigital returns an array whose sensors have their own comparators.
func NewDigital(pins []gpio.PinIn, emitters []gpio.PinOut, log *zap.Logger) (*Array, error) {
	if len(pins) == 0 {
		return nil, fmt.Errorf("no sensor pins configured")
	}
	a, err := newArray(len(pins), emitters, log)
	if err != nil {
		return nil, err
	}
	for _, p := range pins {
		if err := p.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
			return nil, fmt.Errorf("failed to configure %s: %w", p, err)
		}
	}
	a.comparators = pins
	return a, nil
}

func newArray(n int, emitters []gpio.PinOut, log *zap.Logger) (*Array, error) {
	if len(emitters) != 0 && len(emitters) != 2 {
		return nil, fmt.Errorf("need zero or two emitter pins, got %d", len(emitters))
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := &Array{
		log:        log,
		emitters:   emitters,
		EmitterOn:  gpio.Low,
		raw:        make([]uint16, n),
		thresholds: make([]uint16, n),
		min:        make([]uint16, n),
		max:        make([]uint16, n),
	}
	for i := range a.thresholds {
		a.thresholds[i] = DefaultThreshold
		a.min[i] = ADCMax
	}
	return a, nil
}

func (a *Array) Len() int {
	return len(a.raw)
}

// ReadFrame samples every sensor once.  Read errors are logged and the
// sensor keeps its previous value.
func (a *Array) ReadFrame() lineposition.Frame {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.comparators != nil {
		digital := make([]bool, len(a.comparators))
		for group := 0; group < 2; group++ {
			a.lightGroupLocked(group)
			for i := group; i < len(a.comparators); i += 2 {
				digital[i] = a.comparators[i].Read() == gpio.High
			}
		}
		return lineposition.Frame{Digital: digital}
	}

	a.sampleLocked()
	return lineposition.Frame{
		Raw:        append([]uint16(nil), a.raw...),
		Thresholds: append([]uint16(nil), a.thresholds...),
	}
}

func (a *Array) sampleLocked() {
	for group := 0; group < 2; group++ {
		a.lightGroupLocked(group)
		for i := group; i < len(a.channels); i += 2 {
			v, err := a.adc.Read(a.channels[i])
			if err != nil {
				a.log.Warn("Sensor read failed", zap.Int("sensor", i), zap.Error(err))
				continue
			}
			a.raw[i] = v
		}
	}
}

func (a *Array) lightGroupLocked(group int) {
	if a.emitters == nil {
		return
	}
	off := !a.EmitterOn
	for g, pin := range a.emitters {
		level := off
		if g == group {
			level = a.EmitterOn
		}
		if err := pin.Out(level); err != nil {
			a.log.Warn("Failed to switch emitters", zap.Stringer("pin", pin), zap.Error(err))
		}
	}
}

// Calibrate takes one sample and widens each sensor's observed range; the
// threshold becomes the middle of the range.  Call it repeatedly while the
// bar is swept across the line.
func (a *Array) Calibrate() {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.comparators != nil {
		return
	}
	a.sampleLocked()
	for i, v := range a.raw {
		if v > a.max[i] {
			a.max[i] = v
		}
		if v < a.min[i] {
			a.min[i] = v
		}
		if a.max[i] >= a.min[i] {
			a.thresholds[i] = uint16((uint32(a.max[i]) + uint32(a.min[i])) / 2)
		}
	}
}

// Range returns the calibration extremes seen so far.
func (a *Array) Range() (min, max []uint16) {
	a.lock.Lock()
	defer a.lock.Unlock()
	return append([]uint16(nil), a.min...), append([]uint16(nil), a.max...)
}

func (a *Array) Thresholds() []uint16 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return append([]uint16(nil), a.thresholds...)
}

// SetThresholds installs a stored calibration.
func (a *Array) SetThresholds(t []uint16) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if len(t) != len(a.thresholds) {
		return fmt.Errorf("got %d thresholds for %d sensors", len(t), len(a.thresholds))
	}
	copy(a.thresholds, t)
	return nil
}

// EmittersOff switches both emitter groups off.
func (a *Array) EmittersOff() {
	a.lock.Lock()
	defer a.lock.Unlock()
	for _, pin := range a.emitters {
		_ = pin.Out(!a.EmitterOn)
	}
}
