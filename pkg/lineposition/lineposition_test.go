package lineposition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func digital(n int, on ...int) Frame {
	d := make([]bool, n)
	for _, i := range on {
		d[i] = true
	}
	return Frame{Digital: d}
}

func TestExtractTwoCentralSensors(t *testing.T) {
	e := NewExtractor(ActiveHigh, 3.5)
	est := e.Extract(digital(8, 2, 3))
	assert.Equal(t, 2.5, est.Position)
	assert.True(t, est.Valid)
	assert.False(t, est.OutOfLine)
}

func TestBandFilterKeepsFirstRun(t *testing.T) {
	in := []bool{false, true, false, false, true, false, false, false}
	out := BandFilter(in)
	assert.Equal(t, []bool{false, true, false, false, false, false, false, false}, out)
	// Input untouched.
	assert.True(t, in[4])

	e := NewExtractor(ActiveHigh, 3.5)
	est := e.Extract(digital(8, 1, 4))
	assert.Equal(t, 1.0, est.Position)
}

func TestBandFilterRunStartingAtIndexZero(t *testing.T) {
	out := BandFilter([]bool{true, true, false, true, false})
	assert.Equal(t, []bool{true, true, false, false, false}, out)
}

func TestBandFilterRunToTheEnd(t *testing.T) {
	out := BandFilter([]bool{false, false, false, false, false, true, true, true})
	assert.Equal(t, []bool{false, false, false, false, false, true, true, true}, out)
}

func TestBandFilterAtMostOneRun(t *testing.T) {
	// Every 8-bit pattern must come out as zero or one contiguous run that is a
	// subset of the input.
	for pattern := 0; pattern < 256; pattern++ {
		in := make([]bool, 8)
		for i := range in {
			in[i] = pattern&(1<<i) != 0
		}
		out := BandFilter(in)
		runs := 0
		for i := range out {
			if out[i] && !in[i] {
				t.Fatalf("pattern %08b: filter set sensor %d", pattern, i)
			}
			if out[i] && (i == 0 || !out[i-1]) {
				runs++
			}
		}
		if runs > 1 {
			t.Fatalf("pattern %08b: %d runs in %v", pattern, runs, out)
		}
		if pattern != 0 && runs == 0 {
			t.Fatalf("pattern %08b: filter removed everything", pattern)
		}
	}
}

func TestOutOfLineRetainsLastEstimate(t *testing.T) {
	e := NewExtractor(ActiveHigh, 3.5)
	est := e.Extract(digital(8, 5, 6))
	require.True(t, est.Valid)
	require.Equal(t, 5.5, est.Position)

	est = e.Extract(digital(8))
	assert.Equal(t, 5.5, est.Position)
	assert.False(t, est.Valid)
	assert.True(t, est.OutOfLine)
	assert.True(t, e.OutOfLine())

	est = e.Extract(digital(8, 0))
	assert.Equal(t, 0.0, est.Position)
	assert.True(t, est.Valid)
	assert.False(t, est.OutOfLine)
	assert.False(t, e.OutOfLine())
}

func TestStartsOutOfLine(t *testing.T) {
	e := NewExtractor(ActiveHigh, 3.5)
	assert.True(t, e.OutOfLine())
	assert.Equal(t, 3.5, e.Last())
}

func TestThresholdPolarity(t *testing.T) {
	frame := Frame{
		Raw:        []uint16{100, 600, 500, 900},
		Thresholds: []uint16{500, 500, 500, 500},
	}
	assert.Equal(t, []bool{false, true, false, true}, Threshold(frame, ActiveHigh))
	assert.Equal(t, []bool{true, false, false, false}, Threshold(frame, ActiveLow))
}

func TestExtractAnalog(t *testing.T) {
	e := NewExtractor(ActiveHigh, 3.5)
	est := e.Extract(Frame{
		Raw:        []uint16{10, 10, 10, 800, 820, 10, 10, 10},
		Thresholds: []uint16{400, 400, 400, 400, 400, 400, 400, 400},
	})
	assert.Equal(t, 3.5, est.Position)
	assert.True(t, est.Valid)
}
