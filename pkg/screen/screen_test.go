package screen

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/tigerbot-team/linefollower/pkg/arbiter"
	"github.com/tigerbot-team/linefollower/pkg/ina219"
)

func TestEncodeRGB565(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, S, S))
	img.Set(0, S-1, color.RGBA{R: 255, A: 255})
	img.Set(1, S-1, color.RGBA{G: 255, A: 255})
	img.Set(2, S-1, color.RGBA{B: 255, A: 255})

	buf := EncodeRGB565(img)
	require.Len(t, buf, S*S*2)
	// Bottom row maps to the start of each column.
	assert.Equal(t, []byte{0x00, 0xf8}, buf[0:2])
	assert.Equal(t, []byte{0xe0, 0x07}, buf[S*2:S*2+2])
	assert.Equal(t, []byte{0x1f, 0x00}, buf[2*S*2:2*S*2+2])
}

func TestRender(t *testing.T) {
	for _, st := range []arbiter.State{
		{},
		{Calibrated: true, Phase: arbiter.ReadyActive, LastValidPosition: 3.5,
			Command: arbiter.MotorCommand{Action: arbiter.Drive, Left: 0.5, Right: -0.2}},
		{Calibrated: true, Phase: arbiter.Stopping, OutOfLine: true,
			Command: arbiter.MotorCommand{Action: arbiter.Brake}},
	} {
		img := Render(st, nil)
		assert.Equal(t, image.Rect(0, 0, S, S), img.Bounds())
	}

	img := Render(arbiter.State{Calibrated: true}, &ina219.Reading{Volts: 6.8, Low: true})
	assert.Equal(t, image.Rect(0, 0, S, S), img.Bounds())
}

func TestLoopWithoutDevice(t *testing.T) {
	s := New(zaptest.NewLogger(t))
	assert.NoError(t, s.Loop(context.Background(), filepath.Join(t.TempDir(), "missing")))
}

func TestLoopWritesFrames(t *testing.T) {
	defer goleak.VerifyNone(t)

	dev := filepath.Join(t.TempDir(), "fb")
	require.NoError(t, os.WriteFile(dev, nil, 0666))

	s := New(zaptest.NewLogger(t))
	s.Publish(arbiter.State{Calibrated: true, Phase: arbiter.ReadyIdle})
	s.SetBattery(ina219.Reading{Volts: 7.9})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Loop(ctx, dev) }()

	require.Eventually(t, func() bool {
		fi, err := os.Stat(dev)
		return err == nil && fi.Size() == S*S*2
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
