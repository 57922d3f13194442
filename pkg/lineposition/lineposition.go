// Package lineposition turns one frame of line-sensor readings into a single
// position estimate along the sensor bar.
package lineposition

// Polarity says which side of the calibrated threshold counts as "on the line".
type Polarity int

const (
	// ActiveHigh: a reading above the threshold is on the line (dark line on a
	// light floor with reflectance sensors that read high over black).
	ActiveHigh Polarity = iota
	// ActiveLow: a reading below the threshold is on the line.
	ActiveLow
)

func (p Polarity) String() string {
	if p == ActiveLow {
		return "active-low"
	}
	return "active-high"
}

// Frame is one sample of the whole sensor bar, ordered left to right.
type Frame struct {
	Raw        []uint16
	Thresholds []uint16

	// Digital, when non-nil, holds readings that were already thresholded by
	// the hardware; Raw and Thresholds are ignored.
	Digital []bool
}

// Len returns the number of sensors in the frame.
func (f Frame) Len() int {
	if f.Digital != nil {
		return len(f.Digital)
	}
	return len(f.Raw)
}

// Estimate is the result of one extraction.
type Estimate struct {
	// Position is the mean index of the active sensors, in [0, N-1].  When no
	// sensor is active it repeats the last valid position.
	Position float64
	// Valid is true when this frame had at least one active sensor.
	Valid bool
	// OutOfLine is set while no sensor sees the line.
	OutOfLine bool
	// Active is the band-filtered per-sensor state used for the estimate.
	Active []bool
}

// Threshold converts raw readings to per-sensor booleans.
func Threshold(frame Frame, polarity Polarity) []bool {
	if frame.Digital != nil {
		active := make([]bool, len(frame.Digital))
		copy(active, frame.Digital)
		return active
	}
	active := make([]bool, len(frame.Raw))
	for i, v := range frame.Raw {
		var t uint16
		if i < len(frame.Thresholds) {
			t = frame.Thresholds[i]
		}
		if polarity == ActiveLow {
			active[i] = v < t
		} else {
			active[i] = v > t
		}
	}
	return active
}

// BandFilter keeps only the first contiguous run of active sensors and clears
// every active sensor outside it.  The input is not modified.
//
// The run starts at the first rising edge, where the sensor before index 0 is
// taken to be inactive, and ends just before the first falling edge after it.
func BandFilter(active []bool) []bool {
	out := make([]bool, len(active))
	n := len(active)
	if n == 0 {
		return out
	}

	start := -1
	if active[0] {
		start = 0
	} else {
		for i := 1; i < n; i++ {
			if !active[i-1] && active[i] {
				start = i
				break
			}
		}
	}
	if start < 0 {
		return out
	}

	end := n - 1
	for i := start + 1; i < n; i++ {
		if active[i-1] && !active[i] {
			end = i - 1
			break
		}
	}

	for i := start; i <= end; i++ {
		out[i] = active[i]
	}
	return out
}

// Extractor tracks the last valid position across frames.  It is not safe for
// concurrent use; the control loop owns it.
type Extractor struct {
	Polarity Polarity

	last      float64
	outOfLine bool
}

// NewExtractor returns an extractor whose estimate starts at initial and which
// reports out-of-line until the first frame that sees the line.
func NewExtractor(polarity Polarity, initial float64) *Extractor {
	return &Extractor{
		Polarity:  polarity,
		last:      initial,
		outOfLine: true,
	}
}

// Extract processes one frame.
func (e *Extractor) Extract(frame Frame) Estimate {
	active := BandFilter(Threshold(frame, e.Polarity))

	var total float64
	var count int
	for i, a := range active {
		if a {
			total += float64(i)
			count++
		}
	}

	if count == 0 {
		e.outOfLine = true
		return Estimate{
			Position:  e.last,
			Valid:     false,
			OutOfLine: true,
			Active:    active,
		}
	}

	e.last = total / float64(count)
	e.outOfLine = false
	return Estimate{
		Position: e.last,
		Valid:    true,
		Active:   active,
	}
}

// Last returns the last valid position.
func (e *Extractor) Last() float64 {
	return e.last
}

// OutOfLine reports whether the most recent frame had no active sensor.
func (e *Extractor) OutOfLine() bool {
	return e.outOfLine
}
