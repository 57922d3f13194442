// Package errorshaper maps a steering error onto a rotation-rate target and
// decides which controller governs the motors for a cycle.
package errorshaper

import (
	"fmt"
	"math"
)

// Source is the controller whose output drives the motors in a cycle.
type Source int

const (
	SourceSensor Source = iota
	SourceGyro
)

func (s Source) String() string {
	switch s {
	case SourceSensor:
		return "SENSOR"
	case SourceGyro:
		return "GYRO"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Shaper is a step response curve.  |err| in (0, Breakpoints[0]] maps to
// Outputs[0], (Breakpoints[i-1], Breakpoints[i]] to Outputs[i], and anything
// beyond the last breakpoint to the last output.  The sign of the error is
// carried through.
type Shaper struct {
	Breakpoints []float64
	Outputs     []float64

	// GyroBreakpoint is the |err| above which the gyro controller governs.
	GyroBreakpoint float64
}

// Default returns the curve tuned on the robot: 10 deg/s per sensor of error,
// saturating at 50 deg/s beyond four sensors.
func Default() Shaper {
	return Shaper{
		Breakpoints:    []float64{1, 2, 3, 4},
		Outputs:        []float64{10, 20, 30, 40, 50},
		GyroBreakpoint: 1,
	}
}

// Validate checks that the curve is monotone and well formed.
func (s Shaper) Validate() error {
	if len(s.Outputs) != len(s.Breakpoints)+1 {
		return fmt.Errorf("need %d outputs for %d breakpoints, got %d",
			len(s.Breakpoints)+1, len(s.Breakpoints), len(s.Outputs))
	}
	for i := 1; i < len(s.Breakpoints); i++ {
		if s.Breakpoints[i] <= s.Breakpoints[i-1] {
			return fmt.Errorf("breakpoints must increase: %v", s.Breakpoints)
		}
	}
	if len(s.Breakpoints) > 0 && s.Breakpoints[0] <= 0 {
		return fmt.Errorf("first breakpoint must be positive: %v", s.Breakpoints[0])
	}
	for i, o := range s.Outputs {
		if o < 0 {
			return fmt.Errorf("outputs must be non-negative: %v", s.Outputs)
		}
		if i > 0 && o < s.Outputs[i-1] {
			return fmt.Errorf("outputs must not decrease: %v", s.Outputs)
		}
	}
	if s.GyroBreakpoint < 0 {
		return fmt.Errorf("gyro breakpoint must be non-negative: %v", s.GyroBreakpoint)
	}
	return nil
}

// Shape returns the target magnitude for err with err's sign.  Shape(0) is
// exactly 0.
func (s Shaper) Shape(err float64) float64 {
	if err == 0 || math.IsNaN(err) || len(s.Outputs) == 0 {
		return 0
	}
	absErr := math.Abs(err)
	out := s.Outputs[len(s.Outputs)-1]
	for i, b := range s.Breakpoints {
		if absErr <= b {
			out = s.Outputs[i]
			break
		}
	}
	return math.Copysign(out, err)
}

// Source picks the governing controller.  Losing the line always hands
// control to the gyro.
func (s Shaper) Source(err float64, outOfLine bool) Source {
	if outOfLine || math.Abs(err) > s.GyroBreakpoint {
		return SourceGyro
	}
	return SourceSensor
}
