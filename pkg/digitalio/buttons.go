// Package digitalio holds the robot's plain GPIO peripherals: push buttons,
// status LEDs and the edge-triggered side sensors that mark the finish line.
package digitalio

import (
	"fmt"
	"time"

	"periph.io/x/periph/conn/gpio"

	"github.com/tigerbot-team/linefollower/pkg/debounce"
)

// Button reports presses, not levels: holding it down counts once.
type Button struct {
	pin     gpio.PinIn
	pressed gpio.Level
	wasDown bool
}

// NewButton configures pin as an input pulled away from the pressed level.
func NewButton(pin gpio.PinIn, pressed gpio.Level) (*Button, error) {
	pull := gpio.PullDown
	if pressed == gpio.Low {
		pull = gpio.PullUp
	}
	if err := pin.In(pull, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("failed to configure button %s: %w", pin, err)
	}
	return &Button{pin: pin, pressed: pressed}, nil
}

// Pressed reports whether the button went down since the last call.
func (b *Button) Pressed() bool {
	down := b.pin.Read() == b.pressed
	pressed := down && !b.wasDown
	b.wasDown = down
	return pressed
}

// Buttons is the start/stop and mode pair polled by the control loop.  Either
// may be nil.  Start/stop is debounced by the arbiter; the mode button is
// debounced here.
type Buttons struct {
	StartStop *Button
	Mode      *Button

	mode *debounce.Debouncer
}

func NewButtons(startStop, mode *Button, modeDebounce time.Duration) *Buttons {
	return &Buttons{
		StartStop: startStop,
		Mode:      mode,
		mode:      debounce.New(modeDebounce),
	}
}

func (b *Buttons) Poll(now time.Time) (startStop, modeSwitch bool) {
	if b.StartStop != nil {
		startStop = b.StartStop.Pressed()
	}
	if b.Mode != nil && b.Mode.Pressed() {
		modeSwitch = b.mode.Accept(now)
	}
	return
}
