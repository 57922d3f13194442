// Package crossing counts finish-line marks from an edge-triggered side
// sensor.
//
// OnEdge runs on the edge-watcher goroutine; the control loop only reads the
// count.  Both sides touch nothing but atomics.
package crossing

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tigerbot-team/linefollower/pkg/debounce"
)

// Side identifies which edge sensor fired.
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	switch s {
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

// ParseSide accepts "left" or "right".
func ParseSide(s string) (Side, error) {
	switch s {
	case "left":
		return Left, nil
	case "right":
		return Right, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}

// ActiveFlag reports whether the motors are running.  Edges are ignored
// while it is false.
type ActiveFlag interface {
	MotorsActive() bool
}

// Detector counts finish-line crossings.  An edge counts only if more than the
// threshold has passed since the last counted one.
type Detector struct {
	// Counted is the side whose edges count; the other side is a reference
	// sensor and is ignored here.
	Counted Side
	Target  int32
	Active  ActiveFlag
	Now     func() time.Time

	debouncer *debounce.Debouncer
	count     int32
	ignored   int32
}

func New(counted Side, target int, threshold time.Duration, active ActiveFlag) *Detector {
	if target < 1 {
		target = 1
	}
	return &Detector{
		Counted:   counted,
		Target:    int32(target),
		Active:    active,
		Now:       time.Now,
		debouncer: debounce.NewStrict(threshold),
	}
}

// OnEdge handles one edge from the hardware.
func (d *Detector) OnEdge(side Side) {
	d.OnEdgeAt(side, d.Now())
}

// OnEdgeAt is OnEdge with an explicit timestamp.  It reports whether the edge
// was counted.
func (d *Detector) OnEdgeAt(side Side, now time.Time) bool {
	if side != d.Counted {
		return false
	}
	if d.Active != nil && !d.Active.MotorsActive() {
		atomic.AddInt32(&d.ignored, 1)
		return false
	}
	if !d.debouncer.Accept(now) {
		atomic.AddInt32(&d.ignored, 1)
		return false
	}
	atomic.AddInt32(&d.count, 1)
	return true
}

func (d *Detector) Count() int {
	return int(atomic.LoadInt32(&d.count))
}

// Ignored counts edges dropped by the debounce or because the motors were off.
func (d *Detector) Ignored() int {
	return int(atomic.LoadInt32(&d.ignored))
}

// Reached reports whether the run should end.
func (d *Detector) Reached() bool {
	return atomic.LoadInt32(&d.count) >= d.Target
}

// LastCrossing returns when the last counted edge happened.
func (d *Detector) LastCrossing() time.Time {
	return d.debouncer.Last()
}

// Reset zeroes the count at the start of a run.
func (d *Detector) Reset() {
	atomic.StoreInt32(&d.count, 0)
}
