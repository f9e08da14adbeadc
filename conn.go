package streamrpc

import (
	"context"
	"encoding/gob"
	"errors"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// frame is the only on-the-wire unit. Each gob-decoded frame is
// self-delimiting and belongs to the call named by StreamID, except
// PING/PONG which belong to the connection.
type frame struct {
	Type           string    // OPEN, DATA, END, RESET, WINDOW_UPDATE, PING, PONG
	StreamID       uint64    // Chosen by the client, unique per connection
	Service        string    // OPEN
	Method         string    // OPEN
	Shape          CallShape // OPEN; zero skips the server's shape check
	Payload        []byte    // DATA, one encoded message
	Code           uint32    // RESET, a google.golang.org/grpc/codes value
	ErrorMessage   string    // RESET
	WindowUpdate   uint64    // OPEN: the opener's receive window, zero for none; WINDOW_UPDATE: DATA frames granted
	HeartbeatToken string    // Echoed from PING to PONG
}

const (
	openType  = "OPEN"
	dataType  = "DATA"
	endType   = "END" // half close of the sender's direction
	resetType = "RESET"
	pingType  = "PING"
	pongType  = "PONG"

	windowUpdateType = "WINDOW_UPDATE"
)

const defaultWriteTimeout = 2 * time.Second

// unlimitedWindow is the receive window of an unbounded stream buffer.
const unlimitedWindow = math.MaxUint64

type connConfig struct {
	logger       *zap.Logger
	streamOpts   []StreamOption
	writeTimeout time.Duration
}

type ConnOption func(*connConfig)

func WithConnLogger(l *zap.Logger) ConnOption {
	return func(c *connConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithConnStreamOptions applies opts to every stream the connection creates.
func WithConnStreamOptions(opts ...StreamOption) ConnOption {
	return func(c *connConfig) { c.streamOpts = append(c.streamOpts, opts...) }
}

// WithWriteTimeout bounds each frame write when the underlying connection is
// a net.Conn. Zero disables the deadline.
func WithWriteTimeout(d time.Duration) ConnOption {
	return func(c *connConfig) { c.writeTimeout = d }
}

// connStream tracks one call on a connection.
type connStream struct {
	s *RawStream
	// halves counts directions not yet ended; the entry is dropped at zero.
	halves atomic.Int32
	// reset is set once a RESET for the stream crossed the wire.
	reset atomic.Bool
	stop  func() bool

	// consumed counts inbound messages read since the last WINDOW_UPDATE.
	consumed atomic.Uint64

	creditMu sync.Mutex
	credit   uint64 // DATA frames the peer still accepts
	granted  chan struct{}
}

func (cs *connStream) grant(n uint64) {
	cs.creditMu.Lock()
	if cs.credit > unlimitedWindow-n {
		cs.credit = unlimitedWindow
	} else {
		cs.credit += n
	}
	close(cs.granted)
	cs.granted = make(chan struct{})
	cs.creditMu.Unlock()
}

// acquire takes one unit of send credit, waiting for the peer to grant it.
func (cs *connStream) acquire(ctx context.Context) error {
	for {
		cs.creditMu.Lock()
		if cs.credit > 0 {
			cs.credit--
			cs.creditMu.Unlock()
			return nil
		}
		wait := cs.granted
		cs.creditMu.Unlock()
		select {
		case <-wait:
		case <-cs.s.out.failed:
			return &abortedError{cause: cs.s.out.failure()}
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// conn is the frame machinery shared by ClientConn and ServeConn.
type conn struct {
	rwc io.ReadWriteCloser
	dec *gob.Decoder
	enc *gob.Encoder
	wmu sync.Mutex

	// mu protects streams and dead.
	mu      sync.Mutex
	streams map[uint64]*connStream
	dead    bool

	cfg    connConfig
	logger *zap.Logger
	// window is the receive window advertised for every stream.
	window uint64

	// ctx is cancelled when the connection shuts down.
	ctx    context.Context
	cancel context.CancelCauseFunc

	closeOnce sync.Once
	closeErr  error
}

func newConn(parent context.Context, rwc io.ReadWriteCloser, opts []ConnOption) *conn {
	cfg := connConfig{logger: zap.NewNop(), writeTimeout: defaultWriteTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	window := uint64(unlimitedWindow)
	if buffer := newStreamConfig(cfg.streamOpts).buffer; buffer > 0 {
		window = uint64(buffer)
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &conn{
		window:  window,
		rwc:     rwc,
		dec:     gob.NewDecoder(rwc),
		enc:     gob.NewEncoder(rwc),
		streams: make(map[uint64]*connStream),
		cfg:     cfg,
		logger:  cfg.logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// writeFrame sends f. A failed write can leave a partial gob message on the
// wire, so it takes the whole connection down.
func (c *conn) writeFrame(f frame) error {
	c.wmu.Lock()
	if nc, ok := c.rwc.(net.Conn); ok && c.cfg.writeTimeout > 0 {
		_ = nc.SetWriteDeadline(time.Now().Add(c.cfg.writeTimeout))
	}
	err := c.enc.Encode(&f)
	if nc, ok := c.rwc.(net.Conn); ok && c.cfg.writeTimeout > 0 && err == nil {
		_ = nc.SetWriteDeadline(time.Time{})
	}
	c.wmu.Unlock()
	if err != nil {
		if c.ctx.Err() == nil {
			c.logger.Warn("write failed, closing connection", zap.String("type", f.Type), zap.Uint64("stream_id", f.StreamID), zap.Error(err))
		}
		c.shutdown(errConnectionLost)
		_ = c.closeRWC()
	}
	return err
}

func (c *conn) closeRWC() error {
	c.closeOnce.Do(func() { c.closeErr = c.rwc.Close() })
	return c.closeErr
}

var errDuplicateOpen = errors.New("duplicate open")

// newStream builds the state of call id. Reading its inbound side returns
// credit to the peer in batches of half the window.
func (c *conn) newStream(id uint64) *connStream {
	cs := &connStream{
		s:       NewStream[[]byte, []byte](c.cfg.streamOpts...),
		granted: make(chan struct{}),
	}
	cs.halves.Store(2)
	if c.window != unlimitedWindow {
		batch := max(c.window/2, 1)
		cs.s.in.onPop = func() {
			if cs.consumed.Add(1) < batch {
				return
			}
			n := cs.consumed.Swap(0)
			if n == 0 || c.lookup(id) != cs {
				return
			}
			_ = c.writeFrame(frame{Type: windowUpdateType, StreamID: id, WindowUpdate: n})
		}
	}
	return cs
}

// openWindow turns the window carried by OPEN into send credit.
func openWindow(w uint64) uint64 {
	if w == 0 {
		return unlimitedWindow
	}
	return w
}

func (c *conn) register(id uint64, cs *connStream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return errConnClosed
	}
	if _, dup := c.streams[id]; dup {
		return errDuplicateOpen
	}
	c.streams[id] = cs
	return nil
}

func (c *conn) lookup(id uint64) *connStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

func (c *conn) remove(id uint64) {
	c.mu.Lock()
	cs, ok := c.streams[id]
	delete(c.streams, id)
	c.mu.Unlock()
	if ok && cs.stop != nil {
		cs.stop()
	}
}

func (c *conn) finishHalf(id uint64, cs *connStream) {
	if cs.halves.Add(-1) == 0 {
		c.remove(id)
	}
}

func (c *conn) resetFrame(id uint64, code codes.Code, msg string) frame {
	return frame{Type: resetType, StreamID: id, Code: uint32(code), ErrorMessage: msg}
}

// shutdown aborts every live call with err.
func (c *conn) shutdown(err error) {
	c.cancel(err)
	c.mu.Lock()
	streams := c.streams
	c.streams = make(map[uint64]*connStream)
	c.dead = true
	c.mu.Unlock()
	for _, cs := range streams {
		cs.s.Abort(err)
		if cs.stop != nil {
			cs.stop()
		}
	}
}

// readLoop dispatches incoming frames until the connection fails. onOpen
// handles OPEN frames; onPong handles PONG frames.
func (c *conn) readLoop(onOpen func(frame), onPong func(string)) error {
	for {
		var f frame
		if err := c.dec.Decode(&f); err != nil {
			return err
		}
		switch f.Type {
		case openType:
			onOpen(f)
		case dataType:
			cs := c.lookup(f.StreamID)
			if cs == nil {
				_ = c.writeFrame(c.resetFrame(f.StreamID, codes.Internal, "unexpected stream data"))
				break
			}
			// Data after END or after a local abort is dropped. A peer
			// sending past its credit loses the stream, never the
			// connection.
			if err := cs.s.offer(f.Payload); errors.Is(err, errQueueFull) {
				cs.reset.Store(true)
				_ = c.writeFrame(c.resetFrame(f.StreamID, codes.ResourceExhausted, errFlowControl.Error()))
				cs.s.Abort(errFlowControl)
				c.remove(f.StreamID)
			}
		case endType:
			if cs := c.lookup(f.StreamID); cs != nil {
				cs.s.CloseRead()
				c.finishHalf(f.StreamID, cs)
			}
		case resetType:
			if cs := c.lookup(f.StreamID); cs != nil {
				cs.reset.Store(true)
				cs.s.CloseReadError(&RemoteError{Code: codes.Code(f.Code), Message: f.ErrorMessage})
				c.remove(f.StreamID)
			}
		case windowUpdateType:
			if cs := c.lookup(f.StreamID); cs != nil && f.WindowUpdate > 0 {
				cs.grant(f.WindowUpdate)
			}
		case pingType:
			_ = c.writeFrame(frame{Type: pongType, HeartbeatToken: f.HeartbeatToken})
		case pongType:
			onPong(f.HeartbeatToken)
		default:
			c.logger.Debug("ignoring unknown frame", zap.String("type", f.Type), zap.Uint64("stream_id", f.StreamID))
		}
	}
}

// pumpOutbound carries one call's outbound messages to the peer until the
// local side ends its writes or the call fails. A DATA frame is only sent
// against credit the peer granted.
func (c *conn) pumpOutbound(id uint64, cs *connStream) {
	for {
		b, outcome, err := cs.s.Next(c.ctx)
		if err != nil {
			c.fail(id, cs, err)
			return
		}
		if outcome == OutcomeEndOfStream {
			if c.writeFrame(frame{Type: endType, StreamID: id}) != nil {
				return
			}
			c.finishHalf(id, cs)
			return
		}
		if err := cs.acquire(c.ctx); err != nil {
			c.fail(id, cs, err)
			return
		}
		if c.writeFrame(frame{Type: dataType, StreamID: id, Payload: b}) != nil {
			return
		}
	}
}

// fail ends call id after its outbound side failed with err, telling the
// peer unless it already knows.
func (c *conn) fail(id uint64, cs *connStream, err error) {
	cause := cs.s.Err()
	if cause == nil {
		cause = terminalCause(err)
		cs.s.Abort(cause)
	}
	if !cs.reset.Swap(true) {
		_ = c.writeFrame(c.resetFrame(id, Code(cause), cause.Error()))
	}
	c.remove(id)
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}

// ClientConn is a Transport carrying calls as frames over one
// io.ReadWriteCloser. Dialing the connection is up to the caller.
type ClientConn struct {
	*conn
	nextID atomic.Uint64

	pingMu sync.Mutex
	pongs  map[string]chan struct{}

	done    chan struct{}
	readErr error
}

func NewClientConn(rwc io.ReadWriteCloser, opts ...ConnOption) *ClientConn {
	c := &ClientConn{
		conn:  newConn(context.Background(), rwc, opts),
		pongs: make(map[string]chan struct{}),
		done:  make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *ClientConn) run() {
	defer close(c.done)
	err := c.readLoop(func(f frame) {
		_ = c.writeFrame(c.resetFrame(f.StreamID, codes.Internal, "open from server"))
	}, c.pong)
	if c.ctx.Err() == nil {
		c.logger.Debug("connection lost", zap.Error(err))
	}
	if !isClosedErr(err) && c.ctx.Err() == nil {
		c.readErr = err
	}
	c.shutdown(errConnectionLost)
}

func (c *ClientConn) Open(ctx context.Context, info CallInfo) (*RawStream, error) {
	if err := context.Cause(ctx); err != nil {
		return nil, err
	}
	select {
	case <-c.done:
		return nil, errConnClosed
	default:
	}
	id := c.nextID.Add(1)
	cs := c.newStream(id)
	s := cs.s
	cs.stop = context.AfterFunc(ctx, func() { s.Abort(context.Cause(ctx)) })
	if err := c.register(id, cs); err != nil {
		cs.stop()
		return nil, err
	}
	open := frame{
		Type:         openType,
		StreamID:     id,
		Service:      info.Service,
		Method:       info.Method,
		Shape:        info.Shape,
		WindowUpdate: c.window,
	}
	if err := c.writeFrame(open); err != nil {
		c.remove(id)
		s.Abort(errConnectionLost)
		return nil, err
	}
	go c.pumpOutbound(id, cs)
	return s, nil
}

// Ping round-trips a heartbeat frame.
func (c *ClientConn) Ping(ctx context.Context) error {
	token := uuid.NewString()
	ch := make(chan struct{})
	c.pingMu.Lock()
	c.pongs[token] = ch
	c.pingMu.Unlock()
	defer func() {
		c.pingMu.Lock()
		delete(c.pongs, token)
		c.pingMu.Unlock()
	}()
	if err := c.writeFrame(frame{Type: pingType, HeartbeatToken: token}); err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-c.done:
		return errConnClosed
	}
}

func (c *ClientConn) pong(token string) {
	c.pingMu.Lock()
	ch, ok := c.pongs[token]
	delete(c.pongs, token)
	c.pingMu.Unlock()
	if ok {
		close(ch)
	}
}

// Close aborts in-flight calls and closes the connection.
func (c *ClientConn) Close() error {
	c.cancel(errConnClosed)
	err := c.closeRWC()
	<-c.done
	return multierr.Append(c.readErr, err)
}

// ServeConn reads calls from rwc and hands each to d until the connection
// fails or ctx is done. It closes rwc before returning.
func ServeConn(ctx context.Context, rwc io.ReadWriteCloser, d *Dispatcher, opts ...ConnOption) error {
	c := newConn(ctx, rwc, opts)
	stop := context.AfterFunc(c.ctx, func() { _ = c.closeRWC() })
	defer stop()

	var wg sync.WaitGroup
	err := c.readLoop(func(f frame) {
		if f.StreamID == 0 {
			_ = c.writeFrame(c.resetFrame(f.StreamID, codes.Internal, "missing stream id"))
			return
		}
		cs := c.newStream(f.StreamID)
		cs.grant(openWindow(f.WindowUpdate))
		if err := c.register(f.StreamID, cs); err != nil {
			_ = c.writeFrame(c.resetFrame(f.StreamID, codes.Internal, err.Error()))
			return
		}
		if c.writeFrame(frame{Type: windowUpdateType, StreamID: f.StreamID, WindowUpdate: c.window}) != nil {
			return
		}
		info := CallInfo{Service: f.Service, Method: f.Method, Shape: f.Shape}
		wg.Add(1)
		go func() {
			defer wg.Done()
			pumped := make(chan struct{})
			go func() {
				defer close(pumped)
				c.pumpOutbound(f.StreamID, cs)
			}()
			_ = d.Serve(c.ctx, info, cs.s)
			<-pumped
			// The call is over but the peer is still sending.
			if c.lookup(f.StreamID) == cs {
				c.fail(f.StreamID, cs, ErrStreamClosed)
			}
		}()
	}, func(string) {})
	if isClosedErr(err) || c.ctx.Err() != nil {
		err = nil
	}
	c.shutdown(errConnectionLost)
	wg.Wait()
	return multierr.Append(err, c.closeRWC())
}
