// Package remote delivers operator commands to the control loop and carries a
// short status line back.  Channels are polled once per tick and never block.
package remote

import (
	"fmt"
	"strings"
)

type Kind int

const (
	KindNone Kind = iota
	KindToggle
	KindNextMode
	KindSetMode
	KindTuneNext
	KindTunePrev
	KindTuneAdjust
)

func (k Kind) String() string {
	switch k {
	case KindToggle:
		return "toggle"
	case KindNextMode:
		return "next-mode"
	case KindSetMode:
		return "set-mode"
	case KindTuneNext:
		return "tune-next"
	case KindTunePrev:
		return "tune-prev"
	case KindTuneAdjust:
		return "tune-adjust"
	default:
		return "none"
	}
}

type Command struct {
	Kind Kind
	// Mode is the speed mode name for KindSetMode.
	Mode string
	// Steps is the number of tunable steps for KindTuneAdjust.
	Steps int
}

func (c Command) String() string {
	switch c.Kind {
	case KindSetMode:
		return fmt.Sprintf("%v(%s)", c.Kind, c.Mode)
	case KindTuneAdjust:
		return fmt.Sprintf("%v(%+d)", c.Kind, c.Steps)
	default:
		return c.Kind.String()
	}
}

// Channel is the contract the control loop polls.
type Channel interface {
	// Poll returns the next pending command without blocking.
	Poll() (Command, bool)
	// SendStatus queues a status line for the operator; it must not block.
	SendStatus(text string)
}

// ParseLine decodes one line of the text protocol:
//
//	a | toggle               start/stop
//	m | mode                 cycle speed mode
//	mode slow|medium|fast    set speed mode
//	tune next|prev|+|-       select or adjust a tunable
func ParseLine(line string) (Command, error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("empty command")
	}
	switch fields[0] {
	case "a", "toggle":
		return Command{Kind: KindToggle}, nil
	case "m", "mode":
		if len(fields) == 1 {
			return Command{Kind: KindNextMode}, nil
		}
		return Command{Kind: KindSetMode, Mode: fields[1]}, nil
	case "tune":
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("tune needs one argument: %q", line)
		}
		switch fields[1] {
		case "next":
			return Command{Kind: KindTuneNext}, nil
		case "prev":
			return Command{Kind: KindTunePrev}, nil
		case "+":
			return Command{Kind: KindTuneAdjust, Steps: 1}, nil
		case "-":
			return Command{Kind: KindTuneAdjust, Steps: -1}, nil
		}
	}
	return Command{}, fmt.Errorf("unknown command %q", line)
}

// None is a channel that never has commands.
type None struct{}

func (None) Poll() (Command, bool) { return Command{}, false }
func (None) SendStatus(string)     {}

// Multi polls each channel in turn and fans status out to all of them.
type Multi []Channel

func (m Multi) Poll() (Command, bool) {
	for _, c := range m {
		if cmd, ok := c.Poll(); ok {
			return cmd, true
		}
	}
	return Command{}, false
}

func (m Multi) SendStatus(text string) {
	for _, c := range m {
		c.SendStatus(text)
	}
}
