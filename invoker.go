package streamrpc

import (
	"context"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Method describes a remote method from the caller's side.
type Method[Req, Resp any] struct {
	Service  string
	Name     string
	Request  Codec[Req]
	Response Codec[Resp]
}

func (m Method[Req, Resp]) info(shape CallShape) CallInfo {
	return CallInfo{Service: m.Service, Method: m.Name, Shape: shape}
}

type ClientOption func(*Client)

// WithCallTimeout bounds each wait for a response in CallUnary and
// CallClientStreaming. Expiry aborts the call with ErrTimeout.
func WithCallTimeout(d time.Duration) ClientOption { return func(c *Client) { c.callTimeout = d } }

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client drives calls over a Transport.
type Client struct {
	transport   Transport
	callTimeout time.Duration
	logger      *zap.Logger
}

func NewClient(t Transport, opts ...ClientOption) *Client {
	c := &Client{transport: t, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) open(ctx context.Context, info CallInfo) (*RawStream, error) {
	s, err := c.transport.Open(ctx, info)
	if err != nil {
		c.logger.Warn("open call failed", zap.Stringer("call", info), zap.Error(err))
		return nil, err
	}
	return s, nil
}

// CallUnary sends req, closes the write side and returns the single
// response.
func CallUnary[Req, Resp any](ctx context.Context, c *Client, m Method[Req, Resp], req Req) (Resp, error) {
	var zero Resp
	info := m.info(Unary)
	b, err := m.Request.Encode(req)
	if err != nil {
		return zero, fmt.Errorf("streamrpc: encode %s request: %w", info, err)
	}
	s, err := c.open(ctx, info)
	if err != nil {
		return zero, err
	}
	if err := s.WriteContext(ctx, b); err != nil {
		s.Abort(err)
		return zero, err
	}
	s.CloseWrite()
	return readSingle(ctx, c, s, m.Response, info)
}

// CallClientStreaming writes every request of reqs from its own goroutine,
// then closes the write side, while the caller waits for the single
// response.
func CallClientStreaming[Req, Resp any](ctx context.Context, c *Client, m Method[Req, Resp], reqs iter.Seq[Req]) (Resp, error) {
	var zero Resp
	info := m.info(ClientStreaming)
	s, err := c.open(ctx, info)
	if err != nil {
		return zero, err
	}
	var g errgroup.Group
	written := make(chan struct{})
	g.Go(func() error {
		defer close(written)
		for req := range reqs {
			b, err := m.Request.Encode(req)
			if err != nil {
				err = fmt.Errorf("streamrpc: encode %s request: %w", info, err)
				s.Abort(err)
				return err
			}
			if err := s.WriteContext(ctx, b); err != nil {
				return err
			}
		}
		s.CloseWrite()
		return nil
	})
	resp, err := readSingle(ctx, c, s, m.Response, info)
	if err != nil {
		s.Abort(err)
		_ = g.Wait()
		return zero, err
	}
	// The server answered before taking every request; the rest are not
	// needed.
	select {
	case <-written:
	default:
		s.stopWrites(errCallFinished)
	}
	_ = g.Wait()
	return resp, nil
}

// readSingle reads exactly one response followed by end-of-stream.
func readSingle[Resp any](ctx context.Context, c *Client, s *RawStream, codec Codec[Resp], info CallInfo) (Resp, error) {
	var zero Resp
	b, ok, err := c.recv(ctx, s, info)
	if err != nil {
		return zero, err
	}
	if !ok {
		err := fmt.Errorf("%w: %s ended without a response", ErrProtocolViolation, info)
		s.Abort(err)
		return zero, err
	}
	v, err := codec.Decode(b)
	if err != nil {
		s.Abort(err)
		return zero, err
	}
	_, ok, err = c.recv(ctx, s, info)
	if err != nil {
		return zero, err
	}
	if ok {
		err := fmt.Errorf("%w: %s sent more than one response", ErrProtocolViolation, info)
		s.Abort(err)
		return zero, err
	}
	return v, nil
}

func (c *Client) recv(ctx context.Context, s *RawStream, info CallInfo) ([]byte, bool, error) {
	b, outcome, err := s.readTimeout(ctx, c.callTimeout)
	if err != nil {
		c.logger.Debug("call failed", zap.Stringer("call", info), zap.Error(err))
		return nil, false, err
	}
	switch outcome {
	case OutcomeTimeout:
		err := fmt.Errorf("%w: no response from %s within %s", ErrTimeout, info, c.callTimeout)
		s.Abort(err)
		return nil, false, err
	case OutcomeEndOfStream:
		return nil, false, nil
	}
	return b, true, nil
}

// BidiStream is the caller's handle on a bidirectional call. Writes and
// reads may run on different goroutines. Responses are only consumed by
// Read; nothing drains them in the background.
type BidiStream[Req, Resp any] struct {
	s    *RawStream
	m    Method[Req, Resp]
	info CallInfo
}

func OpenBidiStreaming[Req, Resp any](ctx context.Context, c *Client, m Method[Req, Resp]) (*BidiStream[Req, Resp], error) {
	info := m.info(BidiStreaming)
	s, err := c.open(ctx, info)
	if err != nil {
		return nil, err
	}
	return &BidiStream[Req, Resp]{s: s, m: m, info: info}, nil
}

func (b *BidiStream[Req, Resp]) Write(req Req) error {
	return b.WriteContext(context.Background(), req)
}

func (b *BidiStream[Req, Resp]) WriteContext(ctx context.Context, req Req) error {
	p, err := b.m.Request.Encode(req)
	if err != nil {
		return fmt.Errorf("streamrpc: encode %s request: %w", b.info, err)
	}
	return b.s.WriteContext(ctx, p)
}

// DoneWriting tells the server no more requests will follow.
func (b *BidiStream[Req, Resp]) DoneWriting() { b.s.CloseWrite() }

// Read waits up to timeout for the next response. The outcome is only
// meaningful when err is nil. A response that fails to decode aborts the
// call.
func (b *BidiStream[Req, Resp]) Read(timeout time.Duration) (Resp, Outcome, error) {
	return b.decode(b.s.Read(timeout))
}

func (b *BidiStream[Req, Resp]) ReadContext(ctx context.Context) (Resp, Outcome, error) {
	return b.decode(b.s.ReadContext(ctx))
}

func (b *BidiStream[Req, Resp]) decode(p []byte, outcome Outcome, err error) (Resp, Outcome, error) {
	var zero Resp
	if err != nil || outcome != OutcomeMessage {
		return zero, outcome, err
	}
	v, err := b.m.Response.Decode(p)
	if err != nil {
		b.s.Abort(err)
		return zero, outcome, err
	}
	return v, OutcomeMessage, nil
}

func (b *BidiStream[Req, Resp]) Abort(err error) { b.s.Abort(err) }

func (b *BidiStream[Req, Resp]) Err() error { return b.s.Err() }
