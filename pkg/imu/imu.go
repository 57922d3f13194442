// Package imu reads the yaw rate from an MPU6050/MPU6500 gyro.
package imu

import (
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/io/i2c"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"
)

const (
	IMUAddr = 0x68

	RegSampleRateDiv = 25
	RegConfig        = 26
	RegGyroConf      = 27
	RegGyroZ         = 71 // 16 bits
	RegUserCtl       = 106
	RegPwrMgmt1      = 107
	RegWhoAmI        = 117

	// GyroRange selects +/-500 deg/s.
	GyroRange = 1
	// LSBPerDegPerSec is the gyro sensitivity at GyroRange.
	LSBPerDegPerSec = 65.5
)

type port interface {
	// ReadReg reads len(buf) bytes starting at reg.
	ReadReg(reg byte, buf []byte) error
	WriteReg(reg byte, buf []byte) (err error)
	Close() error
}

// IMU implements the control loop's rotation source.  Rates are in deg/s,
// positive anticlockwise seen from above.
type IMU struct {
	dev        port
	disableI2C bool
	log        *zap.Logger

	// SamplesPerCall bounds how long one Calibrate call blocks the loop.
	SamplesPerCall int
	// CalibrationSamples is the total needed before the bias is trusted.
	CalibrationSamples int
	// MaxBias rejects a calibration taken while the robot was moving.
	MaxBias float64
	// Invert flips the sign for boards mounted upside down.
	Invert bool

	lock       sync.Mutex
	sum        float64
	n          int
	bias       float64
	calibrated bool
	rate       float64
}

func NewI2C(deviceFile string, log *zap.Logger) (*IMU, error) {
	dev, err := i2c.Open(&i2c.Devfs{Dev: deviceFile}, IMUAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to open IMU on %s: %w", deviceFile, err)
	}
	return newIMU(dev, false, log), nil
}

// NewSPI is for MPU6500 boards wired to SPI.
func NewSPI(deviceFile string, log *zap.Logger) (*IMU, error) {
	// Make sure periph is initialized.
	if _, err := host.Init(); err != nil {
		return nil, err
	}

	p, err := spireg.Open(deviceFile)
	if err != nil {
		return nil, err
	}

	c, err := p.Connect(physic.KiloHertz*1000, spi.Mode3, 8)
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	return newIMU(&SPIAdapter{c: c, p: p}, true, log), nil
}

func newIMU(dev port, disableI2C bool, log *zap.Logger) *IMU {
	if log == nil {
		log = zap.NewNop()
	}
	return &IMU{
		dev:                dev,
		disableI2C:         disableI2C,
		log:                log,
		SamplesPerCall:     20,
		CalibrationSamples: 200,
		MaxBias:            5,
	}
}

type SPIAdapter struct {
	c spi.Conn
	p spi.PortCloser

	r, w []byte
}

const W = 0x00
const R = 0x80

func (s *SPIAdapter) ReadReg(reg byte, buf []byte) error {
	bufLen := 1 + len(buf)
	s.ensureBuf(bufLen)
	s.w[0] = R | reg
	err := s.c.Tx(s.w[:bufLen], s.r[:bufLen])
	if err != nil {
		return err
	}
	// The first byte clocked back arrives while the address is sent.
	copy(buf, s.r[1:bufLen])
	return nil
}

func (s *SPIAdapter) WriteReg(reg byte, buf []byte) (err error) {
	bufLen := 1 + len(buf)
	s.ensureBuf(bufLen)
	s.w[0] = W | reg
	copy(s.w[1:], buf)
	return s.c.Tx(s.w[:bufLen], s.r[:bufLen])
}

func (s *SPIAdapter) Close() error {
	return s.p.Close()
}

func (s *SPIAdapter) ensureBuf(l int) {
	if len(s.r) < l {
		s.w = make([]byte, l)
		s.r = make([]byte, l)
		return
	}
	for i := 0; i < l; i++ {
		s.w[i] = 0
		s.r[i] = 0
	}
}

// Close releases the bus.
func (m *IMU) Close() error {
	return m.dev.Close()
}

// Configure wakes the chip and sets up the gyro.
func (m *IMU) Configure() error {
	steps := []struct {
		reg byte
		val byte
	}{
		// Wake up, clocked from the X gyro PLL.
		{RegPwrMgmt1, 0x01},
		// DLPF ~44Hz, Fs=1KHz.
		{RegConfig, 3},
		{RegSampleRateDiv, 0},
		{RegGyroConf, GyroRange << 3},
	}
	if m.disableI2C {
		steps = append([]struct {
			reg byte
			val byte
		}{{RegUserCtl, 0x10}}, steps...)
	}
	for _, s := range steps {
		if err := m.dev.WriteReg(s.reg, []byte{s.val}); err != nil {
			return fmt.Errorf("failed to write IMU register %d: %w", s.reg, err)
		}
	}
	return nil
}

func (m *IMU) readRawZ() (int16, error) {
	var buf [2]byte
	if err := m.dev.ReadReg(RegGyroZ, buf[:]); err != nil {
		return 0, err
	}
	return int16(buf[0])<<8 | int16(buf[1]), nil
}

// Calibrate accumulates up to SamplesPerCall readings per call and reports
// whether the bias is known.  A bias beyond MaxBias means the robot moved;
// the samples are discarded and collection starts over.
func (m *IMU) Calibrate() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.calibrated {
		return true
	}

	for i := 0; i < m.SamplesPerCall && m.n < m.CalibrationSamples; i++ {
		raw, err := m.readRawZ()
		if err != nil {
			m.log.Warn("Gyro read failed during calibration", zap.Error(err))
			return false
		}
		m.sum += float64(raw)
		m.n++
	}
	if m.n < m.CalibrationSamples {
		return false
	}

	bias := m.sum / float64(m.n)
	m.sum, m.n = 0, 0
	if math.Abs(bias/LSBPerDegPerSec) > m.MaxBias {
		m.log.Warn("Gyro bias too large, robot moving? Retrying",
			zap.Float64("biasDegPerSec", bias/LSBPerDegPerSec))
		return false
	}
	m.bias = bias
	m.calibrated = true
	m.log.Info("Gyro calibrated", zap.Float64("biasLSB", bias))
	return true
}

// Update takes a fresh reading.  On error the previous rate is kept.
func (m *IMU) Update() {
	raw, err := m.readRawZ()
	if err != nil {
		m.log.Warn("Gyro read failed", zap.Error(err))
		return
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	rate := (float64(raw) - m.bias) / LSBPerDegPerSec
	if m.Invert {
		rate = -rate
	}
	m.rate = rate
}

func (m *IMU) CurrentRate() float64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.rate
}

// Bias returns the calibrated zero-rate offset in raw units.
func (m *IMU) Bias() float64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.bias
}

// WhoAmI reads the identity register, 0x68 for an MPU6050.
func (m *IMU) WhoAmI() (byte, error) {
	var buf [1]byte
	err := m.dev.ReadReg(RegWhoAmI, buf[:])
	return buf[0], err
}
