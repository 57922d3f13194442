package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"go.bug.st/serial"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	commandQueueLen = 16
	statusQueueLen  = 16
)

// Serial speaks the line protocol over a serial port, normally the UART of a
// Bluetooth bridge module.
type Serial struct {
	port io.ReadWriteCloser
	log  *zap.Logger

	commands chan Command
	status   chan string
}

var _ Channel = (*Serial)(nil)

// OpenSerial opens device at baud.  Call Run to start exchanging lines.
func OpenSerial(device string, baud int, log *zap.Logger) (*Serial, error) {
	port, err := serial.Open(device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", device, err)
	}
	return NewSerial(port, log), nil
}

// NewSerial wraps an already open stream.
func NewSerial(port io.ReadWriteCloser, log *zap.Logger) *Serial {
	if log == nil {
		log = zap.NewNop()
	}
	return &Serial{
		port:     port,
		log:      log,
		commands: make(chan Command, commandQueueLen),
		status:   make(chan string, statusQueueLen),
	}
}

// Run reads commands and writes status lines until ctx is cancelled.  The
// port is closed on return.  Losing the remote is not fatal: the robot keeps
// running on its buttons.
func (s *Serial) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		_ = s.port.Close()
		return nil
	})
	g.Go(func() error {
		s.readLoop()
		return nil
	})
	g.Go(func() error {
		s.writeLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (s *Serial) readLoop() {
	scanner := bufio.NewScanner(s.port)
	for scanner.Scan() {
		line := scanner.Text()
		cmd, err := ParseLine(line)
		if err != nil {
			s.log.Warn("Bad remote line", zap.String("line", line), zap.Error(err))
			s.SendStatus("error: " + err.Error())
			continue
		}
		select {
		case s.commands <- cmd:
		default:
			s.log.Warn("Remote command queue full, dropping", zap.Stringer("cmd", cmd))
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		s.log.Info("Remote reader stopped", zap.Error(err))
		return
	}
	s.log.Info("Remote disconnected")
}

func (s *Serial) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-s.status:
			if _, err := io.WriteString(s.port, text+"\n"); err != nil {
				s.log.Debug("Failed to send status", zap.Error(err))
			}
		}
	}
}

func (s *Serial) Poll() (Command, bool) {
	select {
	case cmd := <-s.commands:
		return cmd, true
	default:
		return Command{}, false
	}
}

// SendStatus drops the line if the writer has fallen behind.
func (s *Serial) SendStatus(text string) {
	select {
	case s.status <- text:
	default:
	}
}
