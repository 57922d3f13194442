// Package sound plays short WAV cues when the robot changes state.
package sound

import (
	"context"
	"os"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"
	"go.uber.org/zap"

	"github.com/tigerbot-team/linefollower/pkg/arbiter"
)

// Cues maps lifecycle phases to WAV files.  Missing entries are silent.
type Cues map[arbiter.Phase]string

// Player queues one cue per phase change.
type Player struct {
	cues Cues
	log  *zap.Logger

	queue     chan string
	lastPhase arbiter.Phase
	started   bool
}

var _ arbiter.StatusSink = (*Player)(nil)

func NewPlayer(cues Cues, log *zap.Logger) *Player {
	if log == nil {
		log = zap.NewNop()
	}
	return &Player{
		cues:  cues,
		log:   log,
		queue: make(chan string, 4),
	}
}

// Publish is called from the control loop and never blocks.
func (p *Player) Publish(s arbiter.State) {
	if p.started && s.Phase == p.lastPhase {
		return
	}
	p.started = true
	p.lastPhase = s.Phase
	path, ok := p.cues[s.Phase]
	if !ok || path == "" {
		return
	}
	select {
	case p.queue <- path:
	default:
		p.log.Debug("Sound queue full, dropping", zap.String("sound", path))
	}
}

// Loop plays queued cues until ctx is done.  A cue interrupts the one before
// it.  Without a working speaker cues are logged and dropped.
func (p *Player) Loop(ctx context.Context) error {
	sampleRate := beep.SampleRate(44100)
	speakerOK := true
	if err := speaker.Init(sampleRate, sampleRate.N(time.Second/5)); err != nil {
		p.log.Info("Failed to open speaker", zap.Error(err))
		speakerOK = false
	}

	var ctrl *beep.Ctrl
	var s beep.StreamSeekCloser
	stopCurrent := func() {
		if ctrl != nil {
			speaker.Lock()
			ctrl.Paused = true
			ctrl.Streamer = nil
			speaker.Unlock()
			ctrl = nil
		}
		if s != nil {
			_ = s.Close()
			s = nil
		}
	}
	defer stopCurrent()

	for {
		var path string
		select {
		case <-ctx.Done():
			return nil
		case path = <-p.queue:
		}
		if !speakerOK {
			p.log.Debug("Unable to play", zap.String("sound", path))
			continue
		}
		stopCurrent()

		f, err := os.Open(path)
		if err != nil {
			p.log.Warn("Failed to open sound", zap.Error(err))
			continue
		}
		var format beep.Format
		s, format, err = wav.Decode(f)
		if err != nil {
			_ = f.Close()
			p.log.Warn("Failed to decode sound", zap.String("sound", path), zap.Error(err))
			continue
		}
		if format.SampleRate != sampleRate {
			p.log.Debug("Sound sample rate differs from speaker", zap.String("sound", path),
				zap.Int("rate", int(format.SampleRate)))
		}
		ctrl = &beep.Ctrl{Streamer: s}
		speaker.Play(ctrl)
	}
}
