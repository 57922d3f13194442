package arbiter

import (
	"fmt"
	"strings"
)

// Phase is the lifecycle state of the controller.
type Phase int

const (
	Uncalibrated Phase = iota
	Calibrating
	ReadyIdle
	ReadyActive
	Stopping
)

func (p Phase) String() string {
	switch p {
	case Uncalibrated:
		return "UNCALIBRATED"
	case Calibrating:
		return "CALIBRATING"
	case ReadyIdle:
		return "READY_IDLE"
	case ReadyActive:
		return "READY_ACTIVE"
	case Stopping:
		return "STOPPING"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// SpeedMode selects the base motor offset profile.
type SpeedMode int

const (
	Slow SpeedMode = iota
	Medium
	Fast

	numSpeedModes = 3
)

func (m SpeedMode) String() string {
	switch m {
	case Slow:
		return "SLOW"
	case Medium:
		return "MEDIUM"
	case Fast:
		return "FAST"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Next cycles SLOW -> MEDIUM -> FAST -> SLOW.
func (m SpeedMode) Next() SpeedMode {
	return (m + 1) % numSpeedModes
}

func ParseSpeedMode(s string) (SpeedMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "slow":
		return Slow, nil
	case "medium":
		return Medium, nil
	case "fast":
		return Fast, nil
	}
	return 0, fmt.Errorf("unknown speed mode %q", s)
}

// Profile is the range of base motor offsets for a speed mode.  The offset is
// Max when the robot is centred and falls linearly to Min at the configured
// maximum line error.
type Profile struct {
	Min float64
	Max float64
}

// Offset returns the base offset for a line error.
func (p Profile) Offset(lineError, maxLineError float64) float64 {
	if maxLineError <= 0 {
		return p.Max
	}
	frac := lineError / maxLineError
	if frac < 0 {
		frac = -frac
	}
	if frac > 1 {
		frac = 1
	}
	return p.Max - (p.Max-p.Min)*frac
}

// Action is what the motors are told to do in a cycle.
type Action int

const (
	Coast Action = iota
	Drive
	Brake
)

func (a Action) String() string {
	switch a {
	case Coast:
		return "coast"
	case Drive:
		return "drive"
	case Brake:
		return "brake"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// MotorCommand is produced fresh every cycle.  Left and Right are only
// meaningful for Drive.
type MotorCommand struct {
	Action      Action
	Left, Right float64
}
