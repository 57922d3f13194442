package remote

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
)

// Linux joystick API event layout (js_event).
type rawEvent struct {
	Time   uint32
	Value  int16
	Type   uint8
	Number uint8
}

const (
	eventTypeButton = 0x01
	eventTypeAxis   = 0x02
	// Set on the synthetic events the driver sends to report initial state.
	eventTypeInit = 0x80
)

// DualShock 4 mapping as reported by the hid-sony driver.
const (
	ButtonCross    = 0
	ButtonCircle   = 1
	ButtonTriangle = 2
	ButtonSquare   = 3
	ButtonOptions  = 9

	AxisDPadX = 6
	AxisDPadY = 7
)

// Joystick maps a game pad onto remote commands:
//
//	Cross      start/stop
//	Options    cycle speed mode
//	D-pad l/r  select previous/next tunable
//	D-pad u/d  adjust selected tunable
type Joystick struct {
	device io.ReadCloser
	log    *zap.Logger

	commands chan Command
}

var _ Channel = (*Joystick)(nil)

func OpenJoystick(device string, log *zap.Logger) (*Joystick, error) {
	f, err := os.Open(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open joystick: %w", err)
	}
	return NewJoystick(f, log), nil
}

func NewJoystick(device io.ReadCloser, log *zap.Logger) *Joystick {
	if log == nil {
		log = zap.NewNop()
	}
	return &Joystick{
		device:   device,
		log:      log,
		commands: make(chan Command, commandQueueLen),
	}
}

// Run decodes events until the device closes or ctx is cancelled.
func (j *Joystick) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = j.device.Close()
		case <-stop:
		}
	}()

	for {
		var ev rawEvent
		err := binary.Read(j.device, binary.LittleEndian, &ev)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				j.log.Info("Joystick closed")
				return nil
			}
			return fmt.Errorf("joystick read failed: %w", err)
		}
		cmd, ok := translate(ev)
		if !ok {
			continue
		}
		j.log.Debug("Joystick command", zap.Stringer("cmd", cmd),
			zap.Duration("deviceTime", time.Duration(ev.Time)*time.Millisecond))
		select {
		case j.commands <- cmd:
		default:
			j.log.Warn("Joystick command queue full, dropping", zap.Stringer("cmd", cmd))
		}
	}
}

func translate(ev rawEvent) (Command, bool) {
	if ev.Type&eventTypeInit != 0 {
		return Command{}, false
	}
	switch ev.Type {
	case eventTypeButton:
		if ev.Value != 1 {
			return Command{}, false
		}
		switch ev.Number {
		case ButtonCross:
			return Command{Kind: KindToggle}, true
		case ButtonOptions:
			return Command{Kind: KindNextMode}, true
		}
	case eventTypeAxis:
		switch {
		case ev.Number == AxisDPadX && ev.Value < 0:
			return Command{Kind: KindTunePrev}, true
		case ev.Number == AxisDPadX && ev.Value > 0:
			return Command{Kind: KindTuneNext}, true
		case ev.Number == AxisDPadY && ev.Value < 0:
			return Command{Kind: KindTuneAdjust, Steps: 1}, true
		case ev.Number == AxisDPadY && ev.Value > 0:
			return Command{Kind: KindTuneAdjust, Steps: -1}, true
		}
	}
	return Command{}, false
}

func (j *Joystick) Poll() (Command, bool) {
	select {
	case cmd := <-j.commands:
		return cmd, true
	default:
		return Command{}, false
	}
}

// SendStatus is a no-op; a game pad has nowhere to show it.
func (j *Joystick) SendStatus(string) {}
