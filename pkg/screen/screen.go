// Package screen shows the robot status on a small SPI TFT exposed as a
// framebuffer.
package screen

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"
	"time"

	"github.com/fogleman/gg"
	"go.uber.org/zap"

	"github.com/tigerbot-team/linefollower/pkg/arbiter"
	"github.com/tigerbot-team/linefollower/pkg/ina219"
)

const (
	S = 128

	DefaultDevice = "/dev/fb1"
	RefreshPeriod = 500 * time.Millisecond
)

// Screen is a status sink; the render loop draws whatever was published last.
type Screen struct {
	log *zap.Logger

	lock    sync.Mutex
	state   arbiter.State
	seen    bool
	battery *ina219.Reading
}

var (
	_ arbiter.StatusSink = (*Screen)(nil)
	_ ina219.Sink        = (*Screen)(nil)
)

func New(log *zap.Logger) *Screen {
	if log == nil {
		log = zap.NewNop()
	}
	return &Screen{log: log}
}

func (s *Screen) Publish(st arbiter.State) {
	s.lock.Lock()
	s.state = st
	s.seen = true
	s.lock.Unlock()
}

func (s *Screen) SetBattery(r ina219.Reading) {
	s.lock.Lock()
	s.battery = &r
	s.lock.Unlock()
}

// Loop redraws the framebuffer until ctx is done, then blanks it.  A missing
// screen is not an error.
func (s *Screen) Loop(ctx context.Context, device string) error {
	f, err := os.OpenFile(device, os.O_RDWR, 0666)
	if err != nil {
		s.log.Info("Failed to open screen, ignoring", zap.String("device", device), zap.Error(err))
		return nil
	}
	defer f.Close()

	ticker := time.NewTicker(RefreshPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			var buf [S * S * 2]byte
			_, _ = f.Seek(0, 0)
			_, _ = f.Write(buf[:])
			return nil
		case <-ticker.C:
		}

		s.lock.Lock()
		st, seen, batt := s.state, s.seen, s.battery
		s.lock.Unlock()
		if !seen {
			continue
		}

		buf := EncodeRGB565(Render(st, batt))
		if _, err := f.Seek(0, 0); err != nil {
			s.log.Warn("Screen failure", zap.Error(err))
			return nil
		}
		for i := 0; i < S; i++ {
			if _, err := f.Write(buf[i*S*2 : (i+1)*S*2]); err != nil {
				s.log.Warn("Screen failure", zap.Error(err))
				return nil
			}
			time.Sleep(10 * time.Microsecond)
		}
	}
}

// Render draws one status frame.  batt may be nil.
func Render(st arbiter.State, batt *ina219.Reading) image.Image {
	dc := gg.NewContext(S, S)
	dc.SetRGB(0, 0, 0)
	dc.Clear()

	dc.SetRGBA(1, 0.9, 0, 1)
	dc.DrawString(st.Phase.String(), 4, 14)
	dc.DrawString(st.SpeedMode.String(), 4, 28)
	dc.DrawString(fmt.Sprintf("X %d  %s", st.CrossingCount, st.Source), 4, 42)

	if !st.Calibrated || (batt != nil && batt.Low) {
		dc.Push()
		dc.Translate(S-18, 14)
		DrawWarning(dc)
		dc.Pop()
	}

	drawSensorBar(dc, st)
	drawMotorBars(dc, st.Command)
	if batt != nil {
		dc.SetRGBA(1, 0.9, 0, 1)
		dc.DrawString(fmt.Sprintf("%.2fV", batt.Volts), 4, S-4)
	}
	return dc.Image()
}

// drawSensorBar marks the line position on an 8-slot bar; red when the line
// is lost.
func drawSensorBar(dc *gg.Context, st arbiter.State) {
	const y, w = 56.0, 14.0
	dc.SetRGB(0.3, 0.3, 0.3)
	for i := 0; i < 8; i++ {
		dc.DrawRectangle(4+float64(i)*15, y, w, 8)
	}
	dc.Fill()

	if st.OutOfLine {
		dc.SetRGB(1, 0.2, 0)
	} else {
		dc.SetRGB(0, 1, 0.3)
	}
	x := 4 + st.LastValidPosition*15 + w/2
	dc.DrawCircle(x, y+4, 5)
	dc.Fill()
}

func drawMotorBars(dc *gg.Context, cmd arbiter.MotorCommand) {
	const mid, h = 100.0, 24.0
	dc.SetRGB(0.5, 0.5, 0.5)
	dc.DrawLine(0, mid, S, mid)
	dc.Stroke()

	switch cmd.Action {
	case arbiter.Brake:
		dc.SetRGB(1, 0.2, 0)
		dc.DrawString("BRAKE", 44, mid+20)
		return
	case arbiter.Coast:
		return
	}
	dc.SetRGB(0.2, 0.6, 1)
	dc.DrawRectangle(20, mid-cmd.Left*h, 30, cmd.Left*h)
	dc.DrawRectangle(78, mid-cmd.Right*h, 30, cmd.Right*h)
	dc.Fill()
}

func DrawWarning(dc *gg.Context) {
	dc.SetRGB(1, 0.2, 0)
	dc.DrawRegularPolygon(3, 0, 0, 14, 0)
	dc.Fill()
	dc.SetRGBA(0, 0, 0, 0.9)
	dc.DrawString("!", -3, 3)
}

// EncodeRGB565 converts a S x S image to the panel's rotated RGB565 layout.
func EncodeRGB565(img image.Image) []byte {
	buf := make([]byte, S*S*2)
	for y := 0; y < S; y++ {
		for x := 0; x < S; x++ {
			r, g, b, _ := img.At(x, y).RGBA() // 16-bit pre-multiplied

			rb := byte(r >> (16 - 5))
			gb := byte(g >> (16 - 6)) // Green has 6 bits
			bb := byte(b >> (16 - 5))

			buf[(S-1-y)*2+x*S*2+1] = (rb << 3) | (gb >> 3)
			buf[(S-1-y)*2+x*S*2] = bb | (gb << 5)
		}
	}
	return buf
}
