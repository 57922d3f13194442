package errorshaper

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShapeZeroIsZero(t *testing.T) {
	s := Default()
	assert.Equal(t, 0.0, s.Shape(0))
	assert.Equal(t, 0.0, s.Shape(math.Copysign(0, -1)))
}

func TestShapeSignAndMonotone(t *testing.T) {
	s := Default()
	require.NoError(t, s.Validate())

	last := 0.0
	for x := 0.01; x < 8; x += 0.01 {
		pos := s.Shape(x)
		neg := s.Shape(-x)
		if pos <= 0 {
			t.Fatalf("Shape(%v) = %v, want positive", x, pos)
		}
		if neg != -pos {
			t.Fatalf("Shape(%v) = %v, want %v", -x, neg, -pos)
		}
		if pos < last {
			t.Fatalf("Shape decreased at %v: %v < %v", x, pos, last)
		}
		last = pos
	}
}

func TestShapeSteps(t *testing.T) {
	s := Default()
	assert.Equal(t, 10.0, s.Shape(0.5))
	assert.Equal(t, 10.0, s.Shape(1))
	assert.Equal(t, 20.0, s.Shape(1.5))
	assert.Equal(t, -30.0, s.Shape(-2.5))
	assert.Equal(t, 40.0, s.Shape(4))
	assert.Equal(t, -50.0, s.Shape(-3.5-1))
}

func TestSource(t *testing.T) {
	s := Default()
	assert.Equal(t, SourceSensor, s.Source(0, false))
	assert.Equal(t, SourceSensor, s.Source(-1, false))
	assert.Equal(t, SourceGyro, s.Source(1.5, false))
	assert.Equal(t, SourceGyro, s.Source(-2, false))
	assert.Equal(t, SourceGyro, s.Source(0, true))
}

func TestValidate(t *testing.T) {
	assert.Error(t, Shaper{Breakpoints: []float64{1}, Outputs: []float64{1}}.Validate())
	assert.Error(t, Shaper{Breakpoints: []float64{2, 1}, Outputs: []float64{1, 2, 3}}.Validate())
	assert.Error(t, Shaper{Breakpoints: []float64{1, 2}, Outputs: []float64{3, 2, 1}}.Validate())
	assert.NoError(t, Shaper{Breakpoints: []float64{0.5}, Outputs: []float64{5, 25}}.Validate())
}
