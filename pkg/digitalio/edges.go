package digitalio

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"periph.io/x/periph/conn/gpio"

	"github.com/tigerbot-team/linefollower/pkg/crossing"
)

// EdgeSink is fed one call per rising edge; crossing.Detector implements it.
type EdgeSink interface {
	OnEdge(side crossing.Side)
}

// edgePoll bounds how long WaitForEdge blocks before ctx is rechecked.
const edgePoll = 100 * time.Millisecond

// WatchEdges waits for rising edges on pin and reports them to sink until ctx
// is cancelled.
func WatchEdges(ctx context.Context, pin gpio.PinIn, side crossing.Side, sink EdgeSink, log *zap.Logger) error {
	if err := pin.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		return fmt.Errorf("failed to enable edge detection on %s: %w", pin, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("Watching edges", zap.Stringer("pin", pin), zap.Stringer("side", side))

	for ctx.Err() == nil {
		if !pin.WaitForEdge(edgePoll) {
			continue
		}
		log.Debug("Edge", zap.Stringer("side", side))
		sink.OnEdge(side)
	}
	return nil
}
