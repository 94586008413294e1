package progress

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned when sending after the terminal event.
var ErrClosed = errors.New("progress: channel closed")

// Sink writes one encoded event to a transport.
type Sink interface {
	Send(v any) error
}

// Channel serializes events onto a Sink and guarantees exactly one
// terminal event. It is safe for concurrent use.
type Channel struct {
	sink   Sink
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	sendErr error
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger for debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// NewChannel wraps sink.
func NewChannel(sink Sink, opts ...Option) *Channel {
	c := &Channel{sink: sink}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Progress sends a progress event. After a transport failure further
// progress events are dropped and the first failure is returned.
func (c *Channel) Progress(p Progress) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	return c.sendLocked(p)
}

// Summary sends the success terminal event and closes the channel.
func (c *Channel) Summary(s Summary) error {
	return c.terminal(summaryEnvelope{Summary: s})
}

// Fail sends the failure terminal event and closes the channel.
func (c *Channel) Fail(e Error) error {
	return c.terminal(errorEnvelope{Error: e})
}

// Closed reports whether a terminal event has been sent.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) terminal(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.closed = true
	if c.sendErr != nil {
		return c.sendErr
	}
	return c.sendLocked(v)
}

// sendLocked writes v to the sink. Caller must hold c.mu.
func (c *Channel) sendLocked(v any) error {
	if err := c.sink.Send(v); err != nil {
		c.sendErr = err
		c.log().Debug("progress sink failed", "error", err)
		return err
	}
	return nil
}
