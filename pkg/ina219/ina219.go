// Package ina219 watches the battery through an INA219 power monitor.
package ina219

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/io/i2c"
)

const (
	DefaultAddr = 0x41

	RegConfig      = 0
	RegShuntV      = 1
	RegBusV        = 2
	RegPower       = 3
	RegCurrent     = 4
	RegCalibration = 5

	BusVoltageLSB = 0.004

	// Hysteresis is how far above the low threshold the battery must recover
	// before the warning clears.
	Hysteresis = 0.2
)

type port interface {
	// ReadReg reads len(buf) bytes from the device.
	ReadReg(reg byte, buf []byte) error
	WriteReg(reg byte, buf []byte) (err error)
	Close() error
}

type INA219 struct {
	currentLSB float64
	dev        port
}

func NewI2C(deviceFile string, addr int) (*INA219, error) {
	dev, err := i2c.Open(&i2c.Devfs{Dev: deviceFile}, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to open INA219: %w", err)
	}
	return New(dev), nil
}

func New(dev port) *INA219 {
	return &INA219{dev: dev}
}

// Configure programs the calibration register for the shunt fitted.
func (m *INA219) Configure(shuntOhms float64, maxCurrent float64) error {
	m.currentLSB = maxCurrent / (1 << 15)
	cval := CalibrationValue(m.currentLSB, shuntOhms)
	return m.dev.WriteReg(RegCalibration, []byte{byte(cval >> 8), byte(cval)})
}

func (m *INA219) BusVoltage() (float64, error) {
	raw, err := m.read16(RegBusV)
	return float64(raw>>3) * BusVoltageLSB, err
}

// Current is signed; negative while charging.
func (m *INA219) Current() (float64, error) {
	raw, err := m.read16(RegCurrent)
	return float64(int16(raw)) * m.currentLSB, err
}

func (m *INA219) read16(reg byte) (uint16, error) {
	var buf [2]byte
	err := m.dev.ReadReg(reg, buf[:])
	return uint16(buf[0])<<8 | uint16(buf[1]), err
}

func (m *INA219) Close() error {
	return m.dev.Close()
}

func CalibrationValue(currentLSB float64, shuntOhms float64) uint16 {
	return uint16(0.04096 / (currentLSB * shuntOhms))
}

// Reading is one battery sample.
type Reading struct {
	Volts float64
	Amps  float64
	Low   bool
}

type Meter interface {
	BusVoltage() (float64, error)
	Current() (float64, error)
}

type Sink interface {
	SetBattery(r Reading)
}

// Monitor samples the meter every Period and passes each reading to Sink.
type Monitor struct {
	Meter    Meter
	Sink     Sink
	LowVolts float64
	Period   time.Duration

	log *zap.Logger
	low bool
}

func NewMonitor(meter Meter, sink Sink, lowVolts float64, period time.Duration, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{Meter: meter, Sink: sink, LowVolts: lowVolts, Period: period, log: log}
}

func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if r, ok := m.Sample(); ok && m.Sink != nil {
				m.Sink.SetBattery(r)
			}
		}
	}
}

// Sample takes one reading and updates the low-battery latch.
func (m *Monitor) Sample() (Reading, bool) {
	volts, err := m.Meter.BusVoltage()
	if err != nil {
		m.log.Warn("Failed to read battery voltage", zap.Error(err))
		return Reading{}, false
	}
	amps, err := m.Meter.Current()
	if err != nil {
		m.log.Warn("Failed to read battery current", zap.Error(err))
	}

	switch {
	case !m.low && volts < m.LowVolts:
		m.low = true
		m.log.Warn("Battery low", zap.Float64("volts", volts))
	case m.low && volts >= m.LowVolts+Hysteresis:
		m.low = false
		m.log.Info("Battery recovered", zap.Float64("volts", volts))
	}
	return Reading{Volts: volts, Amps: amps, Low: m.low}, true
}
