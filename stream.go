package streamrpc

import (
	"context"
	"sync"
	"time"
)

// Outcome tells a reader what a read produced.
type Outcome int

const (
	OutcomeMessage Outcome = iota
	OutcomeEndOfStream
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMessage:
		return "message"
	case OutcomeEndOfStream:
		return "end-of-stream"
	case OutcomeTimeout:
		return "timeout"
	}
	return "unknown"
}

const defaultBuffer = 128

type streamConfig struct {
	buffer int
}

type StreamOption func(*streamConfig)

// WithBuffer bounds how many messages each direction holds before writers
// block. Zero or less means unbounded.
func WithBuffer(n int) StreamOption { return func(c *streamConfig) { c.buffer = n } }

// Stream is one call seen from one side. Write/CloseWrite/Read/Abort are the
// caller's view; Deliver/CloseRead/Next are the transport's view of the
// same two queues. One reader and one writer per direction may run
// concurrently.
type Stream[In, Out any] struct {
	in  *queue[In]
	out *queue[Out]

	mu      sync.Mutex
	err     error
	aborted chan struct{}
}

// RawStream is the byte-level stream a Transport hands out.
type RawStream = Stream[[]byte, []byte]

func newStreamConfig(opts []StreamOption) streamConfig {
	cfg := streamConfig{buffer: defaultBuffer}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func NewStream[In, Out any](opts ...StreamOption) *Stream[In, Out] {
	cfg := newStreamConfig(opts)
	return &Stream[In, Out]{
		in:      newQueue[In](cfg.buffer),
		out:     newQueue[Out](cfg.buffer),
		aborted: make(chan struct{}),
	}
}

func (s *Stream[In, Out]) Write(msg Out) error {
	return s.out.push(context.Background(), msg)
}

func (s *Stream[In, Out]) WriteContext(ctx context.Context, msg Out) error {
	return s.out.push(ctx, msg)
}

// CloseWrite marks the outbound direction finished. Calling it again is a
// no-op.
func (s *Stream[In, Out]) CloseWrite() { s.out.close() }

// Read waits for the next inbound message. A timeout of zero or less waits
// until a message, end-of-stream or abort.
func (s *Stream[In, Out]) Read(timeout time.Duration) (In, Outcome, error) {
	return s.in.pop(context.Background(), timeout)
}

func (s *Stream[In, Out]) ReadContext(ctx context.Context) (In, Outcome, error) {
	return s.in.pop(ctx, 0)
}

func (s *Stream[In, Out]) readTimeout(ctx context.Context, timeout time.Duration) (In, Outcome, error) {
	return s.in.pop(ctx, timeout)
}

// Abort records err as the terminal error and closes both directions,
// dropping anything still buffered. Only the first terminal error has any
// effect. A nil err records ErrStreamAborted.
func (s *Stream[In, Out]) Abort(err error) {
	if err = s.end(err); err != nil {
		s.in.fail(err)
		s.out.fail(err)
	}
}

// CloseWriteError ends the stream with err. Messages already written still
// reach the transport, followed by err; inbound messages are discarded.
func (s *Stream[In, Out]) CloseWriteError(err error) {
	if err = s.end(err); err != nil {
		s.out.finish(err)
		s.in.fail(err)
	}
}

// CloseReadError is the transport's way to end the stream with the peer's
// err. Messages already delivered are still read, followed by err; further
// writes fail.
func (s *Stream[In, Out]) CloseReadError(err error) {
	if err = s.end(err); err != nil {
		s.in.finish(err)
		s.out.fail(err)
	}
}

// end records err as the terminal error, returning nil when one was
// already recorded.
func (s *Stream[In, Out]) end(err error) error {
	if err == nil {
		err = ErrStreamAborted
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil
	}
	s.err = err
	close(s.aborted)
	return err
}

// Err returns the terminal error, or nil while the stream has not been
// aborted.
func (s *Stream[In, Out]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Aborted is closed once a terminal error has been recorded.
func (s *Stream[In, Out]) Aborted() <-chan struct{} { return s.aborted }

// Deliver hands an inbound message to the reader.
func (s *Stream[In, Out]) Deliver(ctx context.Context, msg In) error {
	return s.in.push(ctx, msg)
}

// offer delivers msg without waiting, failing with errQueueFull when the
// inbound buffer is full.
func (s *Stream[In, Out]) offer(msg In) error { return s.in.tryPush(msg) }

// stopWrites fails the outbound direction alone, leaving inbound messages
// readable.
func (s *Stream[In, Out]) stopWrites(err error) { s.out.fail(err) }

// CloseRead signals inbound end-of-stream.
func (s *Stream[In, Out]) CloseRead() { s.in.close() }

// Next takes the next outbound message for the transport to carry.
func (s *Stream[In, Out]) Next(ctx context.Context) (Out, Outcome, error) {
	return s.out.pop(ctx, 0)
}
