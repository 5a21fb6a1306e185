package session

import "time"

// Config holds the tunables of a Connection's timers, window and housekeeping
// cadence. The zero value is not meant to be used directly; Check fills in
// every unspecified field with its default and panics on an out-of-range
// value that was specified.
type Config struct {
	// RetryCount is the number of retransmissions of the oldest unacked
	// I-frame attempted before the connection gives up and resets.
	// Default 10.
	RetryCount int

	// IFieldLength is the maximum information field size in bytes; a
	// larger payload handed to SendInformation is fragmented. Default
	// 2048.
	IFieldLength int

	// Keepalive is T3, the idle-link timeout that triggers an RR poll.
	// Default 30s.
	Keepalive time.Duration

	// IFrameTimeout is T1, the outstanding-I-frame retransmission
	// timeout. Default 10s.
	IFrameTimeout time.Duration

	// WindowSize bounds outstanding unacked I-frames under modulo-8
	// sequencing; must be in [1, 7]. Default 4.
	WindowSize uint8

	// ShutdownSweep is the interval between Controller passes that
	// reap connections which have completed a release handshake.
	// Default 5s.
	ShutdownSweep time.Duration

	// PollSweep is the interval between a Connection's timer and queue
	// housekeeping passes. Default 100ms.
	PollSweep time.Duration
}

// Check applies defaults for every zero field and panics if a specified
// field is out of range.
func (c *Config) Check() *Config {
	if c.RetryCount == 0 {
		c.RetryCount = 10
	} else if c.RetryCount < 1 {
		panic("session: RetryCount must be >= 1")
	}

	if c.IFieldLength == 0 {
		c.IFieldLength = 2048
	} else if c.IFieldLength < 1 {
		panic("session: IFieldLength must be >= 1")
	}

	if c.Keepalive == 0 {
		c.Keepalive = 30 * time.Second
	} else if c.Keepalive < 0 {
		panic("session: Keepalive must be >= 0")
	}

	if c.IFrameTimeout == 0 {
		c.IFrameTimeout = 10 * time.Second
	} else if c.IFrameTimeout < 0 {
		panic("session: IFrameTimeout must be >= 0")
	}

	if c.WindowSize == 0 {
		c.WindowSize = 4
	} else if c.WindowSize > 7 {
		panic("session: WindowSize must be in [1, 7] under modulo-8")
	}

	if c.ShutdownSweep == 0 {
		c.ShutdownSweep = 5 * time.Second
	} else if c.ShutdownSweep < 0 {
		panic("session: ShutdownSweep must be >= 0")
	}

	if c.PollSweep == 0 {
		c.PollSweep = 100 * time.Millisecond
	} else if c.PollSweep < 0 {
		panic("session: PollSweep must be >= 0")
	}

	return c
}
