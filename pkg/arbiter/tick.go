package arbiter

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/tigerbot-team/linefollower/pkg/errorshaper"
	"github.com/tigerbot-team/linefollower/pkg/lineposition"
)

// Remote commands handled per tick, so a flooded channel can't stall the loop.
const maxRemoteCommandsPerTick = 8

// Tick runs one control cycle.
func (a *Arbiter) Tick(now time.Time) {
	a.pollInputs(now)
	a.maybeCalibrate()

	frame := a.c.Sensors.ReadFrame()
	a.c.Rotation.Update()
	rate := a.c.Rotation.CurrentRate()

	a.lock.Lock()
	cmd := a.stepLocked(now, frame, rate)
	snapshot := a.state
	a.lock.Unlock()

	switch cmd.Action {
	case Drive:
		a.c.Motors.Drive(cmd.Left, cmd.Right)
	case Brake:
		a.c.Motors.Brake()
	default:
		a.c.Motors.Coast()
	}

	a.publish(snapshot, now)
}

func (a *Arbiter) pollInputs(now time.Time) {
	if a.c.Buttons != nil {
		startStop, modeSwitch := a.c.Buttons.Poll(now)
		if startStop {
			a.RequestToggle(now)
		}
		if modeSwitch {
			a.RequestNextMode()
		}
	}
	for i := 0; i < maxRemoteCommandsPerTick; i++ {
		cmd, ok := a.c.Remote.Poll()
		if !ok {
			break
		}
		a.log.Debug("Remote command", zap.Stringer("cmd", cmd))
		a.HandleCommand(cmd, now)
	}
}

func (a *Arbiter) maybeCalibrate() {
	a.lock.Lock()
	if a.state.Calibrated {
		a.lock.Unlock()
		return
	}
	if a.state.Phase == Uncalibrated {
		a.log.Info("Calibrating gyro; keep the robot still")
		a.state.Phase = Calibrating
	}
	a.lock.Unlock()

	if !a.c.Rotation.Calibrate() {
		return
	}

	a.lock.Lock()
	a.state.Calibrated = true
	a.state.Phase = ReadyIdle
	a.lock.Unlock()
	a.log.Info("Gyro calibrated")
}

// stepLocked is the pure part of the tick: state in, motor command out.
func (a *Arbiter) stepLocked(now time.Time, frame lineposition.Frame, rate float64) MotorCommand {
	s := &a.state
	cfg := &a.cfg

	est := a.extractor.Extract(frame)
	s.OutOfLine = est.OutOfLine
	s.LastValidPosition = est.Position

	lineError := cfg.Target - est.Position
	rotError := cfg.Shaper.Shape(lineError) - rate
	s.LineError = lineError
	s.RotError = rotError
	s.Rate = rate
	s.Source = cfg.Shaper.Source(lineError, est.OutOfLine)

	s.CrossingCount = a.crossings.Count()
	s.LastCrossing = a.crossings.LastCrossing()

	if s.Phase == ReadyActive && a.crossings.Reached() {
		s.Phase = Stopping
		s.Stopping = true
		s.StopRequestedAt = now
		a.log.Info("Finish line reached; stopping",
			zap.Int("crossings", s.CrossingCount), zap.String("run", s.RunID))
	}
	if s.Phase == Stopping && now.Sub(s.StopRequestedAt) >= cfg.StopGrace {
		s.Phase = ReadyIdle
		s.Stopping = false
		a.setActiveLocked(false)
		a.log.Info("Stopped")
	}

	var cmd MotorCommand
	s.Correction = 0
	switch {
	case !s.Calibrated:
		a.setActiveLocked(false)
		cmd = MotorCommand{Action: Coast}
	case s.Phase == Stopping:
		cmd = MotorCommand{Action: Brake}
	case s.MotorsActive:
		// Both PIDs run every active cycle so neither integrator goes stale
		// while the other one governs.
		positionOut := a.c.PositionPID.Calculate(lineError)
		rotationOut := a.c.RotationPID.Calculate(rotError)

		var correction float64
		if s.Source == errorshaper.SourceGyro {
			correction = rotationOut * cfg.GyroGain
		} else {
			correction = positionOut * cfg.SensorGain
		}
		s.Correction = correction

		base := a.baseOffsetLocked(lineError)
		cmd = a.mix(base, correction)
	default:
		cmd = MotorCommand{Action: Coast}
	}
	s.Command = cmd
	return cmd
}

// baseOffsetLocked returns the speed-mode offset, boosted when turbo is on and
// the robot is well centred.
func (a *Arbiter) baseOffsetLocked(lineError float64) float64 {
	cfg := &a.cfg
	base := cfg.Profiles[a.state.SpeedMode].Offset(lineError, cfg.MaxLineError)
	if cfg.TurboEnabled && math.Abs(lineError) <= cfg.TurboTolerance {
		base *= cfg.TurboMultiplier
	}
	return base
}

// mix turns a base offset and a correction into wheel outputs.  A positive
// correction turns anti-clockwise: the right wheel speeds up.
func (a *Arbiter) mix(base, correction float64) MotorCommand {
	if a.cfg.InvertSteering {
		correction = -correction
	}
	return MotorCommand{
		Action: Drive,
		Left:   clamp(base-correction, a.cfg.Clamp),
		Right:  clamp(base+correction, a.cfg.Clamp),
	}
}

func clamp(v, limit float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

func (a *Arbiter) publish(s State, now time.Time) {
	for _, sink := range a.c.Status {
		sink.Publish(s)
	}

	// Resend on lifecycle changes, otherwise only every StatusInterval.
	key := fmt.Sprint(s.Phase, s.SpeedMode, s.CrossingCount, s.OutOfLine)
	if key != a.lastStatusKey || now.Sub(a.lastStatusTime) >= a.cfg.StatusInterval {
		a.c.Remote.SendStatus(s.String())
		a.lastStatusKey = key
		a.lastStatusTime = now
	}
}
