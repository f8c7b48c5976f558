// Package stream delivers generated note fragments to a single consumer,
// one fragment at a time, with cooperative cancellation.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// State is the lifecycle of a Channel.
type State int

const (
	Open State = iota
	Streaming
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Source produces fragments on demand. Next returns io.EOF once the
// source is exhausted. Close asks the producer to stop and release its
// resources; it may be called more than once.
type Source interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// Message is one frame delivered to the consumer.
type Message struct {
	Token string
	Error string
	Done  bool
}

// MarshalJSON encodes fragments as {"token","done"} and failures as
// {"error","done"}.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Error != "" {
		return json.Marshal(struct {
			Error string `json:"error"`
			Done  bool   `json:"done"`
		}{m.Error, true})
	}
	return json.Marshal(struct {
		Token string `json:"token"`
		Done  bool   `json:"done"`
	}{m.Token, m.Done})
}

// Sink receives messages. A Send error means the consumer is gone.
type Sink interface {
	Send(Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Message) error

func (f SinkFunc) Send(m Message) error { return f(m) }

// Channel forwards fragments from a Source to a Sink in production order.
// Forwarding and Cancel are serialised, so once Cancel returns no further
// fragment reaches the sink.
type Channel struct {
	src Source

	mu    sync.Mutex
	state State
	stop  context.CancelFunc

	closeOnce sync.Once
}

func New(src Source) *Channel {
	return &Channel{src: src, state: Open}
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cancel stops delivery. It waits for a fragment that is being forwarded
// and has no effect once the channel is terminal. It must not be called
// from Sink.Send.
func (c *Channel) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		return
	}
	c.state = Cancelled
	if c.stop != nil {
		c.stop()
	}
	c.closeSource()
}

func (c *Channel) closeSource() {
	c.closeOnce.Do(func() { _ = c.src.Close() })
}

// Run pulls fragments until the source is exhausted, fails, or the channel
// is cancelled, and returns the terminal state. Cancelling ctx has the same
// effect as Cancel.
func (c *Channel) Run(ctx context.Context, sink Sink) State {
	c.mu.Lock()
	if c.state != Open {
		st := c.state
		c.mu.Unlock()
		return st
	}
	c.state = Streaming
	ctx, stop := context.WithCancel(ctx)
	c.stop = stop
	c.mu.Unlock()

	defer stop()
	defer c.closeSource()

	for {
		frag, err := c.src.Next(ctx)

		if st, done := c.forward(ctx, sink, frag, err); done {
			return st
		}
	}
}

func (c *Channel) forward(ctx context.Context, sink Sink, frag string, err error) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Cancelled {
		return Cancelled, true
	}
	if ctx.Err() != nil {
		c.state = Cancelled
		c.closeSource()
		return Cancelled, true
	}

	switch {
	case errors.Is(err, io.EOF):
		if sendErr := sink.Send(Message{Done: true}); sendErr != nil {
			c.state = Cancelled
			return Cancelled, true
		}
		c.state = Completed
		return Completed, true

	case err != nil:
		c.state = Failed
		c.closeSource()
		_ = sink.Send(Message{Error: err.Error(), Done: true})
		return Failed, true
	}

	if sendErr := sink.Send(Message{Token: frag}); sendErr != nil {
		c.state = Cancelled
		c.closeSource()
		return Cancelled, true
	}
	return Streaming, false
}

// SliceSource yields a fixed list of fragments.
type SliceSource struct {
	mu     sync.Mutex
	frags  []string
	pos    int
	closed bool
}

func NewSliceSource(frags ...string) *SliceSource {
	return &SliceSource{frags: frags}
}

func (s *SliceSource) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.pos >= len(s.frags) {
		return "", io.EOF
	}
	f := s.frags[s.pos]
	s.pos++
	return f, nil
}

func (s *SliceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *SliceSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
