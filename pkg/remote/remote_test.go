package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestParseLine(t *testing.T) {
	for _, tc := range []struct {
		line string
		want Command
	}{
		{"a", Command{Kind: KindToggle}},
		{"  TOGGLE \r", Command{Kind: KindToggle}},
		{"m", Command{Kind: KindNextMode}},
		{"mode", Command{Kind: KindNextMode}},
		{"mode fast", Command{Kind: KindSetMode, Mode: "fast"}},
		{"tune next", Command{Kind: KindTuneNext}},
		{"tune prev", Command{Kind: KindTunePrev}},
		{"tune +", Command{Kind: KindTuneAdjust, Steps: 1}},
		{"tune -", Command{Kind: KindTuneAdjust, Steps: -1}},
	} {
		t.Run(tc.line, func(t *testing.T) {
			got, err := ParseLine(tc.line)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	for _, bad := range []string{"", "   ", "go", "tune", "tune up", "tune + +"} {
		_, err := ParseLine(bad)
		assert.Error(t, err, "line %q", bad)
	}
}

type scripted struct {
	cmds   []Command
	status []string
}

func (s *scripted) Poll() (Command, bool) {
	if len(s.cmds) == 0 {
		return Command{}, false
	}
	c := s.cmds[0]
	s.cmds = s.cmds[1:]
	return c, true
}

func (s *scripted) SendStatus(text string) { s.status = append(s.status, text) }

func TestMulti(t *testing.T) {
	a := &scripted{cmds: []Command{{Kind: KindToggle}}}
	b := &scripted{cmds: []Command{{Kind: KindNextMode}}}
	m := Multi{a, None{}, b}

	c, ok := m.Poll()
	require.True(t, ok)
	assert.Equal(t, KindToggle, c.Kind)
	c, ok = m.Poll()
	require.True(t, ok)
	assert.Equal(t, KindNextMode, c.Kind)
	_, ok = m.Poll()
	assert.False(t, ok)

	m.SendStatus("hi")
	assert.Equal(t, []string{"hi"}, a.status)
	assert.Equal(t, []string{"hi"}, b.status)
}

func TestSerial(t *testing.T) {
	defer goleak.VerifyNone(t)

	robotEnd, operatorEnd := net.Pipe()
	defer operatorEnd.Close()
	s := NewSerial(robotEnd, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()

	_, ok := s.Poll()
	assert.False(t, ok)

	_, err := io.WriteString(operatorEnd, "a\nmode medium\n")
	require.NoError(t, err)
	var got []Command
	require.Eventually(t, func() bool {
		if c, ok := s.Poll(); ok {
			got = append(got, c)
		}
		return len(got) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, []Command{{Kind: KindToggle}, {Kind: KindSetMode, Mode: "medium"}}, got)

	replies := bufio.NewReader(operatorEnd)
	_, err = io.WriteString(operatorEnd, "warp 9\n")
	require.NoError(t, err)
	line, err := replies.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "unknown command")

	s.SendStatus("READY_IDLE SLOW")
	line, err = replies.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "READY_IDLE SLOW\n", line)

	cancel()
	assert.NoError(t, <-done)
}

func writeEvents(t *testing.T, evs ...rawEvent) io.ReadCloser {
	var buf bytes.Buffer
	for _, ev := range evs {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, ev))
	}
	return io.NopCloser(&buf)
}

func TestJoystick(t *testing.T) {
	defer goleak.VerifyNone(t)

	dev := writeEvents(t,
		rawEvent{Type: eventTypeButton | eventTypeInit, Number: ButtonCross, Value: 1},
		rawEvent{Time: 10, Type: eventTypeButton, Number: ButtonCross, Value: 1},
		rawEvent{Time: 20, Type: eventTypeButton, Number: ButtonCross, Value: 0},
		rawEvent{Time: 30, Type: eventTypeButton, Number: ButtonOptions, Value: 1},
		rawEvent{Time: 40, Type: eventTypeAxis, Number: AxisDPadX, Value: 32767},
		rawEvent{Time: 50, Type: eventTypeAxis, Number: AxisDPadY, Value: -32767},
		rawEvent{Time: 60, Type: eventTypeAxis, Number: AxisDPadY, Value: 0},
		rawEvent{Time: 70, Type: eventTypeAxis, Number: AxisDPadX, Value: -32767},
		rawEvent{Time: 80, Type: eventTypeAxis, Number: AxisDPadY, Value: 32767},
		rawEvent{Time: 90, Type: eventTypeButton, Number: ButtonSquare, Value: 1},
	)
	j := NewJoystick(dev, zaptest.NewLogger(t))
	require.NoError(t, j.Run(context.Background()))

	var got []Command
	for {
		c, ok := j.Poll()
		if !ok {
			break
		}
		got = append(got, c)
	}
	assert.Equal(t, []Command{
		{Kind: KindToggle},
		{Kind: KindNextMode},
		{Kind: KindTuneNext},
		{Kind: KindTuneAdjust, Steps: 1},
		{Kind: KindTunePrev},
		{Kind: KindTuneAdjust, Steps: -1},
	}, got)
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "set-mode(fast)", Command{Kind: KindSetMode, Mode: "fast"}.String())
	assert.Equal(t, "tune-adjust(-1)", Command{Kind: KindTuneAdjust, Steps: -1}.String())
	assert.Equal(t, "toggle", Command{Kind: KindToggle}.String())
}
