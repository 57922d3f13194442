package sensorarray

import (
	"fmt"

	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"
)

const (
	// ADCMax is the full-scale reading of the 10-bit MCP3008.
	ADCMax = 1023

	mcp3008Channels = 8
)

// ADC reads one single-ended channel.
type ADC interface {
	Read(channel int) (uint16, error)
}

type txer interface {
	Tx(w, r []byte) error
}

// MCP3008 is an 8-channel SPI ADC.
type MCP3008 struct {
	conn  txer
	close func() error

	w, r [3]byte
}

// OpenMCP3008 connects to the ADC on a periph SPI port, e.g. "/dev/spidev0.0".
func OpenMCP3008(port string, speed physic.Frequency) (*MCP3008, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to init periph: %w", err)
	}
	p, err := spireg.Open(port)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port %s: %w", port, err)
	}
	c, err := p.Connect(speed, spi.Mode0, 8)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("failed to connect to MCP3008: %w", err)
	}
	m := NewMCP3008(c)
	m.close = p.Close
	return m, nil
}

func NewMCP3008(c txer) *MCP3008 {
	return &MCP3008{conn: c}
}

func (m *MCP3008) Read(channel int) (uint16, error) {
	if channel < 0 || channel >= mcp3008Channels {
		return 0, fmt.Errorf("MCP3008 channel out of range: %d", channel)
	}
	// Start bit, then single-ended mode and the channel in the top nibble.
	m.w = [3]byte{0x01, byte(0x80 | channel<<4), 0x00}
	m.r = [3]byte{}
	if err := m.conn.Tx(m.w[:], m.r[:]); err != nil {
		return 0, err
	}
	return uint16(m.r[1]&0x03)<<8 | uint16(m.r[2]), nil
}

func (m *MCP3008) Close() error {
	if m.close == nil {
		return nil
	}
	return m.close()
}
