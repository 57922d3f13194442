package pca9685

import (
	"fmt"
	"math"
	"time"

	"golang.org/x/exp/io/i2c"
)

const (
	DefaultAddr = 0x40

	RegMode1 = 0x00
	RegMode2 = 0x01

	// Each PWM output has two 16-bit (low byte first) registers.
	// First register is the on time, second is the off time.
	RegLEDBase = 0x06

	RegPreScale = 0xfe // Pre-scaler for PWM frequency.

	NumChannels = 16
	PWMMax      = 4095

	oscillatorHz = 25e6
	// Bit 4 of the high byte forces an output fully on or off.
	fullBit = 0x10
)

type port interface {
	ReadReg(reg byte, buf []byte) error
	WriteReg(reg byte, buf []byte) error
	Close() error
}

type PCA9685 struct {
	dev port
}

func New(deviceFile string) (*PCA9685, error) {
	dev, err := i2c.Open(&i2c.Devfs{Dev: deviceFile}, DefaultAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCA9685 on %s: %w", deviceFile, err)
	}
	return &PCA9685{dev: dev}, nil
}

// PreScale returns the prescaler value for a PWM frequency.
func PreScale(freqHz float64) byte {
	v := math.Round(oscillatorHz/(PWMMax+1)/freqHz) - 1
	if v < 3 {
		v = 3
	}
	if v > 255 {
		v = 255
	}
	return byte(v)
}

// Configure sets the PWM frequency.  Motor drivers want something well above
// the audible range the chip allows, e.g. 1.5kHz.
func (p *PCA9685) Configure(freqHz float64) (err error) {
	// Put device to sleep.
	err = p.dev.WriteReg(RegMode1, []byte{0x11})
	if err != nil {
		return
	}
	err = p.dev.WriteReg(RegPreScale, []byte{PreScale(freqHz)})
	if err != nil {
		return
	}
	// Trigger a reset
	err = p.dev.WriteReg(RegMode1, []byte{0x01})
	if err != nil {
		return
	}
	// Required delay after reset.
	time.Sleep(1 * time.Millisecond)
	// Enable with auto-increment.
	err = p.dev.WriteReg(RegMode1, []byte{0xa1})
	return
}

// SetPWM sets the duty cycle of a channel, clamped to [0, 1].
func (p *PCA9685) SetPWM(channel int, duty float64) error {
	if channel < 0 || channel >= NumChannels {
		return fmt.Errorf("PWM channel out of range: %d", channel)
	}
	if duty < 0 || math.IsNaN(duty) {
		duty = 0
	} else if duty > 1 {
		duty = 1
	}

	var regs [4]byte
	switch duty {
	case 0:
		regs[3] = fullBit
	case 1:
		regs[1] = fullBit
	default:
		off := uint16(PWMMax * duty)
		regs[2] = byte(off & 0xff)
		regs[3] = byte(off >> 8)
	}
	addr := RegLEDBase + channel*4
	return p.dev.WriteReg(byte(addr), regs[:])
}

// AllOff zeroes every channel.
func (p *PCA9685) AllOff() error {
	for ch := 0; ch < NumChannels; ch++ {
		if err := p.SetPWM(ch, 0); err != nil {
			return err
		}
	}
	return nil
}

func (p *PCA9685) Close() error {
	return p.dev.Close()
}
