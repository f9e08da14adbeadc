package streamrpc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CallInfo addresses a call. Shape is what the caller expects the method
// to be; zero skips the check.
type CallInfo struct {
	Service string
	Method  string
	Shape   CallShape
}

func (i CallInfo) String() string { return i.Service + "/" + i.Method }

type DispatcherOption func(*Dispatcher)

func WithLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithIdleTimeout aborts a call with ErrTimeout when no inbound message or
// end-of-stream arrives for d.
func WithIdleTimeout(d time.Duration) DispatcherOption {
	return func(s *Dispatcher) { s.idleTimeout = d }
}

func WithMetrics(m *Metrics) DispatcherOption { return func(d *Dispatcher) { d.metrics = m } }

const defaultDrainTimeout = 5 * time.Second

// WithDrainTimeout bounds how long a finished call keeps discarding requests
// its callback left unread. Once it passes, the call's inbound side is
// failed so the peer stops writing.
func WithDrainTimeout(d time.Duration) DispatcherOption {
	return func(s *Dispatcher) {
		if d > 0 {
			s.drainTimeout = d
		}
	}
}

// unknownCall labels calls that named no registered method, keeping peer
// supplied names out of metric labels.
var unknownCall = CallInfo{Service: "unknown", Method: "unknown"}

// Dispatcher routes incoming calls to their MethodHandler. Its registry is
// fixed at construction, so Serve may run concurrently without locking.
type Dispatcher struct {
	services    map[string]*ServiceHandler
	logger      *zap.Logger
	metrics      *Metrics
	idleTimeout  time.Duration
	drainTimeout time.Duration
}

func NewDispatcher(services []*ServiceHandler, opts ...DispatcherOption) (*Dispatcher, error) {
	d := &Dispatcher{
		services:     make(map[string]*ServiceHandler, len(services)),
		logger:       zap.NewNop(),
		drainTimeout: defaultDrainTimeout,
	}
	for _, s := range services {
		if s == nil {
			return nil, fmt.Errorf("streamrpc: nil service handler")
		}
		if _, dup := d.services[s.name]; dup {
			return nil, fmt.Errorf("streamrpc: service already defined: %s", s.name)
		}
		d.services[s.name] = s
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Lookup resolves a method by exact, case-sensitive names.
func (d *Dispatcher) Lookup(service, method string) (*MethodHandler, error) {
	s, ok := d.services[service]
	if !ok {
		return nil, fmt.Errorf("%w: unknown service %q", ErrMethodNotFound, service)
	}
	m, ok := s.method(method)
	if !ok {
		return nil, fmt.Errorf("%w: unknown method %s/%s", ErrMethodNotFound, service, method)
	}
	return m, nil
}

// Serve drives one call on stream to completion. Whatever happens, the
// outbound direction ends closed: cleanly on success, or with the failure
// as terminal error after every response already written. The returned
// error is that failure.
func (d *Dispatcher) Serve(ctx context.Context, info CallInfo, stream *RawStream) error {
	logger := d.logger.With(
		zap.String("call_id", uuid.NewString()),
		zap.String("service", info.Service),
		zap.String("method", info.Method),
	)
	start := time.Now()

	m, err := d.Lookup(info.Service, info.Method)
	if err != nil {
		stream.Abort(err)
		d.metrics.observeCall(unknownCall, info.Shape, err, time.Since(start))
		logger.Warn("call rejected", zap.Error(err))
		return err
	}
	if info.Shape != 0 && info.Shape != m.shape {
		err = fmt.Errorf("%w: %s is %s, caller expects %s", ErrProtocolViolation, info, m.shape, info.Shape)
		stream.Abort(err)
		d.metrics.observeCall(info, m.shape, err, time.Since(start))
		logger.Warn("call rejected", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-stream.Aborted():
			cancel(stream.Err())
		case <-ctx.Done():
		}
	}()

	logger.Debug("call started", zap.Stringer("shape", m.shape))
	c := &serverCall{
		stream:  stream,
		idle:    d.idleTimeout,
		metrics: d.metrics,
		info:    info,
	}
	if err := m.run(ctx, c); err != nil {
		stream.CloseWriteError(err)
		d.metrics.observeCall(info, m.shape, err, time.Since(start))
		logger.Warn("call failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return err
	}
	stream.CloseWrite()
	if !c.exhausted {
		if err := c.drain(ctx, d.drainTimeout); err != nil {
			stream.CloseWriteError(err)
			logger.Debug("stopped discarding requests", zap.Error(err))
		}
	}
	d.metrics.observeCall(info, m.shape, nil, time.Since(start))
	logger.Debug("call finished", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// serverCall is the Dispatcher's per-call read/write state. It is used by
// one goroutine at a time.
type serverCall struct {
	stream  *RawStream
	idle    time.Duration
	metrics *Metrics
	info    CallInfo

	consumed  bool
	exhausted bool
	err       error
}

// recv returns the next inbound frame, or ok == false at end-of-stream.
func (c *serverCall) recv(ctx context.Context) ([]byte, bool, error) {
	if c.exhausted {
		return nil, false, nil
	}
	b, outcome, err := c.stream.readTimeout(ctx, c.idle)
	if err != nil {
		c.fail(err)
		return nil, false, err
	}
	switch outcome {
	case OutcomeTimeout:
		err := fmt.Errorf("%w: no request for %s", ErrTimeout, c.idle)
		c.fail(err)
		return nil, false, err
	case OutcomeEndOfStream:
		c.exhausted = true
		return nil, false, nil
	}
	c.metrics.observeMessage(c.info, "received")
	return b, true, nil
}

// readOnly reads the single request of a unary call and waits for the
// caller's end-of-stream.
func (c *serverCall) readOnly(ctx context.Context) ([]byte, error) {
	b, ok, err := c.recv(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: unary call %s ended without a request", ErrProtocolViolation, c.info)
	}
	_, ok, err = c.recv(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, fmt.Errorf("%w: unary call %s received more than one request", ErrProtocolViolation, c.info)
	}
	return b, nil
}

// drain discards input the handler left unread so the peer's writes do not
// stall, until end-of-stream, an error, or limit passes.
func (c *serverCall) drain(ctx context.Context, limit time.Duration) error {
	ctx, cancel := context.WithTimeoutCause(ctx, limit, fmt.Errorf("%w: requests still arriving %s after the call finished", ErrTimeout, limit))
	defer cancel()
	for {
		_, ok, err := c.recv(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

func (c *serverCall) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

func (c *serverCall) inputErr() error { return c.err }

func send[T any](ctx context.Context, c *serverCall, encode func(T) ([]byte, error), v T) error {
	b, err := encode(v)
	if err != nil {
		return fmt.Errorf("streamrpc: encode %s response: %w", c.info, err)
	}
	if err := c.stream.WriteContext(ctx, b); err != nil {
		return err
	}
	c.metrics.observeMessage(c.info, "sent")
	return nil
}

// invoke runs user code, turning a panic into an error.
func invoke[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("streamrpc: handler panic: %v", r)
		}
	}()
	return fn()
}
