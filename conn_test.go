package streamrpc

import (
	"context"
	"encoding/gob"
	"errors"
	"iter"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
)

// newConnPair serves the test dispatcher on one end of a pipe and returns a
// client on the other.
func newConnPair(t *testing.T, opts ...DispatcherOption) (*Client, *ClientConn) {
	t.Helper()
	d, _ := newTestDispatcher(t, opts...)
	srvConn, cliConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- ServeConn(ctx, srvConn, d, WithConnLogger(zaptest.NewLogger(t))) }()
	cc := NewClientConn(cliConn, WithConnLogger(zaptest.NewLogger(t)))
	t.Cleanup(func() {
		_ = cc.Close()
		cancel()
		select {
		case <-served:
		case <-time.After(2 * time.Second):
			t.Error("ServeConn did not return")
		}
	})
	return NewClient(cc), cc
}

func TestConnUnary(t *testing.T) {
	c, _ := newConnPair(t)
	got, err := CallUnary(context.Background(), c, method("upper"), "over the wire")
	require.NoError(t, err)
	assert.Equal(t, "OVER THE WIRE", got)
}

func TestConnConcurrentCalls(t *testing.T) {
	c, _ := newConnPair(t)
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() {
			got, err := CallUnary(context.Background(), c, method("upper"), "abc")
			if err == nil && got != "ABC" {
				err = assert.AnError
			}
			errs <- err
		}()
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, <-errs)
	}
}

func TestConnClientStreaming(t *testing.T) {
	c, _ := newConnPair(t)
	got, err := CallClientStreaming(context.Background(), c, method("join"), slices.Values([]string{"Alice", "Bob", "Charlie", "David"}))
	require.NoError(t, err)
	assert.Equal(t, "Alice,Bob,Charlie,David", got)
}

func TestConnClientStreamingEndlessRequests(t *testing.T) {
	c, _ := newConnPair(t)
	endless := func(yield func(string) bool) {
		for yield("x") {
		}
	}
	got, err := CallClientStreaming(context.Background(), c, method("first"), iter.Seq[string](endless))
	require.NoError(t, err)
	assert.Equal(t, "x", got)
}

func TestConnBidi(t *testing.T) {
	c, _ := newConnPair(t)
	s, err := OpenBidiStreaming(context.Background(), c, method("echo"))
	require.NoError(t, err)
	require.NoError(t, s.Write("ping"))
	got, outcome, err := s.Read(time.Second)
	require.NoError(t, err)
	require.Equal(t, OutcomeMessage, outcome)
	assert.Equal(t, "I received your message: 'ping'", got)
	s.DoneWriting()
	_, outcome, err = s.Read(time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEndOfStream, outcome)
}

func TestConnBidiErrorKeepsEarlierResponses(t *testing.T) {
	c, _ := newConnPair(t)
	for i := 0; i < 20; i++ {
		s, err := OpenBidiStreaming(context.Background(), c, method("explode"))
		require.NoError(t, err)
		got, outcome, err := s.Read(time.Second)
		require.NoError(t, err)
		require.Equal(t, OutcomeMessage, outcome)
		assert.Equal(t, "before", got)

		_, _, err = s.Read(time.Second)
		require.ErrorIs(t, err, ErrStreamAborted)
		assert.ErrorContains(t, err, "mid-stream failure")
	}
}

func TestConnSlowReaderDoesNotStallOtherCalls(t *testing.T) {
	c, cc := newConnPair(t)
	s, err := OpenBidiStreaming(context.Background(), c, method("echo"))
	require.NoError(t, err)
	defer s.Abort(nil)

	// Write without reading until flow control pushes back.
	written := 0
	for ; written < 10000; written++ {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		err := s.WriteContext(ctx, "x")
		cancel()
		if err != nil {
			require.ErrorIs(t, err, context.DeadlineExceeded)
			break
		}
	}
	require.Less(t, written, 10000, "writes never blocked")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := CallUnary(ctx, c, method("upper"), "unrelated")
	require.NoError(t, err)
	assert.Equal(t, "UNRELATED", got)
	require.NoError(t, cc.Ping(ctx))

	// The stalled call carries on once its responses are read.
	reply, outcome, err := s.Read(time.Second)
	require.NoError(t, err)
	require.Equal(t, OutcomeMessage, outcome)
	assert.Equal(t, "I received your message: 'x'", reply)
}

func TestConnServerStopsWriterAfterEarlyResponse(t *testing.T) {
	c, _ := newConnPair(t, WithDrainTimeout(50*time.Millisecond))
	s, err := c.transport.Open(context.Background(), CallInfo{Service: "test.Svc", Method: "first", Shape: ClientStreaming})
	require.NoError(t, err)
	req, err := str.Encode("a")
	require.NoError(t, err)
	require.NoError(t, s.Write(req))

	b, outcome, err := s.Read(time.Second)
	require.NoError(t, err)
	require.Equal(t, OutcomeMessage, outcome)
	got, err := str.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "a", got)
	_, outcome, err = s.Read(time.Second)
	require.NoError(t, err)
	require.Equal(t, OutcomeEndOfStream, outcome)

	// The write side stays open; the server gives up on it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		err = s.WriteContext(ctx, req)
		cancel()
		if errors.Is(err, ErrStreamAborted) {
			break
		}
		require.True(t, time.Now().Before(deadline), "server never stopped the writer")
	}
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestConnWriteFailureClosesConnection(t *testing.T) {
	srvConn, cliConn := net.Pipe()
	defer srvConn.Close()
	// Nobody reads srvConn, so every write times out.
	cc := NewClientConn(cliConn, WithWriteTimeout(20*time.Millisecond))
	defer cc.Close()

	_, err := cc.Open(context.Background(), CallInfo{Service: "svc", Method: "m"})
	require.Error(t, err)
	_, err = cc.Open(context.Background(), CallInfo{Service: "svc", Method: "m"})
	assert.ErrorIs(t, err, errConnClosed)
}

func TestConnRemoteErrorKeepsKind(t *testing.T) {
	c, _ := newConnPair(t)
	_, err := CallUnary(context.Background(), c, method("missing"), "x")
	require.ErrorIs(t, err, ErrMethodNotFound)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, codes.Unimplemented, remote.Code)

	_, err = CallUnary(context.Background(), c, method("fail"), "x")
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, codes.Unknown, remote.Code)
	assert.Contains(t, remote.Message, "handler failed")
}

func TestConnClientAbortResetsServer(t *testing.T) {
	c, _ := newConnPair(t)
	s, err := OpenBidiStreaming(context.Background(), c, method("echo"))
	require.NoError(t, err)
	require.NoError(t, s.Write("one"))
	_, _, err = s.Read(time.Second)
	require.NoError(t, err)
	s.Abort(nil)

	// The connection stays usable for other calls.
	got, err := CallUnary(context.Background(), c, method("upper"), "still here")
	require.NoError(t, err)
	assert.Equal(t, "STILL HERE", got)
}

func TestConnCallContextCancel(t *testing.T) {
	c, _ := newConnPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	s, err := OpenBidiStreaming(ctx, c, method("echo"))
	require.NoError(t, err)
	cancel()
	_, _, err = s.ReadContext(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConnPing(t *testing.T) {
	_, cc := newConnPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cc.Ping(ctx))
}

func TestConnCloseAbortsCalls(t *testing.T) {
	c, cc := newConnPair(t)
	s, err := OpenBidiStreaming(context.Background(), c, method("echo"))
	require.NoError(t, err)
	require.NoError(t, cc.Close())

	_, _, err = s.Read(time.Second)
	assert.ErrorIs(t, err, ErrStreamAborted)
	_, err = cc.Open(context.Background(), CallInfo{Service: "test.Svc", Method: "upper"})
	assert.Error(t, err)
}

// rawServer starts ServeConn and hands back the client end of the pipe as a
// gob encoder/decoder pair.
func rawServer(t *testing.T) (*gob.Encoder, *gob.Decoder) {
	t.Helper()
	d, _ := newTestDispatcher(t)
	srvConn, cliConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ServeConn(context.Background(), srvConn, d)
	}()
	t.Cleanup(func() {
		_ = cliConn.Close()
		<-done
	})
	return gob.NewEncoder(cliConn), gob.NewDecoder(cliConn)
}

// readFrame returns the next frame that is not a WINDOW_UPDATE.
func readFrame(t *testing.T, dec *gob.Decoder) frame {
	t.Helper()
	for {
		var f frame
		require.NoError(t, dec.Decode(&f))
		if f.Type != windowUpdateType {
			return f
		}
	}
}

func TestServerRespondsToPing(t *testing.T) {
	enc, dec := rawServer(t)
	go func() { _ = enc.Encode(&frame{Type: pingType, HeartbeatToken: "abc"}) }()
	f := readFrame(t, dec)
	assert.Equal(t, pongType, f.Type)
	assert.Equal(t, "abc", f.HeartbeatToken)
}

func TestClientRespondsToPing(t *testing.T) {
	srvConn, cliConn := net.Pipe()
	cc := NewClientConn(cliConn)
	defer cc.Close()
	enc := gob.NewEncoder(srvConn)
	dec := gob.NewDecoder(srvConn)
	go func() { _ = enc.Encode(&frame{Type: pingType, HeartbeatToken: "xyz"}) }()
	f := readFrame(t, dec)
	assert.Equal(t, pongType, f.Type)
	assert.Equal(t, "xyz", f.HeartbeatToken)
	_ = srvConn.Close()
}

func TestServerAdvertisesWindow(t *testing.T) {
	enc, dec := rawServer(t)
	go func() { _ = enc.Encode(&frame{Type: openType, StreamID: 2, Service: "test.Svc", Method: "echo"}) }()
	var f frame
	require.NoError(t, dec.Decode(&f))
	assert.Equal(t, windowUpdateType, f.Type)
	assert.Equal(t, uint64(2), f.StreamID)
	assert.Equal(t, uint64(defaultBuffer), f.WindowUpdate)
}

func TestServerReturnsCreditAsItReads(t *testing.T) {
	enc, dec := rawServer(t)
	go func() {
		_ = enc.Encode(&frame{Type: openType, StreamID: 6, Service: "test.Svc", Method: "join", WindowUpdate: 1})
		for i := 0; i < defaultBuffer/2; i++ {
			_ = enc.Encode(&frame{Type: dataType, StreamID: 6, Payload: []byte(`"x"`)})
		}
	}()
	var f frame
	require.NoError(t, dec.Decode(&f))
	require.Equal(t, windowUpdateType, f.Type)
	require.NoError(t, dec.Decode(&f))
	assert.Equal(t, windowUpdateType, f.Type)
	assert.Equal(t, uint64(6), f.StreamID)
	assert.Equal(t, uint64(defaultBuffer/2), f.WindowUpdate)
}

func TestClientResetsPeerOverrunningWindow(t *testing.T) {
	srvConn, cliConn := net.Pipe()
	defer srvConn.Close()
	cc := NewClientConn(cliConn, WithConnStreamOptions(WithBuffer(2)))
	defer cc.Close()
	enc := gob.NewEncoder(srvConn)
	dec := gob.NewDecoder(srvConn)

	opened := make(chan frame, 1)
	go func() {
		var f frame
		if dec.Decode(&f) != nil {
			return
		}
		opened <- f
		for i := 0; i < 3; i++ {
			_ = enc.Encode(&frame{Type: dataType, StreamID: f.StreamID, Payload: []byte(`"x"`)})
		}
	}()
	s, err := cc.Open(context.Background(), CallInfo{Service: "svc", Method: "m"})
	require.NoError(t, err)
	open := <-opened
	assert.Equal(t, uint64(2), open.WindowUpdate)

	f := readFrame(t, dec)
	assert.Equal(t, resetType, f.Type)
	assert.Equal(t, open.StreamID, f.StreamID)
	assert.Equal(t, uint32(codes.ResourceExhausted), f.Code)

	_, _, err = s.Read(time.Second)
	assert.ErrorIs(t, err, errFlowControl)
	assert.Equal(t, codes.ResourceExhausted, Code(err))
}

func TestServerResetOnUnexpectedStreamData(t *testing.T) {
	enc, dec := rawServer(t)
	go func() { _ = enc.Encode(&frame{Type: dataType, StreamID: 9, Payload: []byte(`"x"`)}) }()
	f := readFrame(t, dec)
	assert.Equal(t, resetType, f.Type)
	assert.Equal(t, uint64(9), f.StreamID)
	assert.Equal(t, uint32(codes.Internal), f.Code)
}

func TestServerResetOnDuplicateOpen(t *testing.T) {
	enc, dec := rawServer(t)
	open := frame{Type: openType, StreamID: 1, Service: "test.Svc", Method: "echo"}
	go func() {
		_ = enc.Encode(&open)
		_ = enc.Encode(&open)
	}()
	f := readFrame(t, dec)
	assert.Equal(t, resetType, f.Type)
	assert.Equal(t, uint64(1), f.StreamID)
	assert.Contains(t, f.ErrorMessage, "duplicate open")
}

func TestServerResetOnMissingStreamID(t *testing.T) {
	enc, dec := rawServer(t)
	go func() { _ = enc.Encode(&frame{Type: openType, Service: "test.Svc", Method: "upper"}) }()
	f := readFrame(t, dec)
	assert.Equal(t, resetType, f.Type)
	assert.Equal(t, uint32(codes.Internal), f.Code)
}

func TestServerResetOnUnknownMethod(t *testing.T) {
	enc, dec := rawServer(t)
	go func() { _ = enc.Encode(&frame{Type: openType, StreamID: 3, Service: "test.Svc", Method: "nope"}) }()
	f := readFrame(t, dec)
	assert.Equal(t, resetType, f.Type)
	assert.Equal(t, uint64(3), f.StreamID)
	assert.Equal(t, uint32(codes.Unimplemented), f.Code)
}

func TestServerUnaryOverRawFrames(t *testing.T) {
	enc, dec := rawServer(t)
	go func() {
		_ = enc.Encode(&frame{Type: openType, StreamID: 5, Service: "test.Svc", Method: "upper", Shape: Unary})
		_ = enc.Encode(&frame{Type: dataType, StreamID: 5, Payload: []byte(`"abc"`)})
		_ = enc.Encode(&frame{Type: endType, StreamID: 5})
	}()
	f := readFrame(t, dec)
	require.Equal(t, dataType, f.Type)
	assert.Equal(t, uint64(5), f.StreamID)
	assert.JSONEq(t, `"ABC"`, string(f.Payload))
	f = readFrame(t, dec)
	assert.Equal(t, endType, f.Type)
	assert.Equal(t, uint64(5), f.StreamID)
}

func TestServerIgnoresResetForUnknownStream(t *testing.T) {
	enc, dec := rawServer(t)
	go func() {
		_ = enc.Encode(&frame{Type: resetType, StreamID: 77, Code: uint32(codes.Aborted)})
		_ = enc.Encode(&frame{Type: endType, StreamID: 78})
		_ = enc.Encode(&frame{Type: pingType, HeartbeatToken: "after"})
	}()
	f := readFrame(t, dec)
	assert.Equal(t, pongType, f.Type)
	assert.Equal(t, "after", f.HeartbeatToken)
}

func TestClientResetOnOpenFromServer(t *testing.T) {
	srvConn, cliConn := net.Pipe()
	cc := NewClientConn(cliConn)
	defer cc.Close()
	enc := gob.NewEncoder(srvConn)
	dec := gob.NewDecoder(srvConn)
	go func() { _ = enc.Encode(&frame{Type: openType, StreamID: 4, Service: "x", Method: "y"}) }()
	f := readFrame(t, dec)
	assert.Equal(t, resetType, f.Type)
	assert.Equal(t, uint64(4), f.StreamID)
	_ = srvConn.Close()
}

func TestClientSeesServerReset(t *testing.T) {
	srvConn, cliConn := net.Pipe()
	cc := NewClientConn(cliConn)
	defer cc.Close()
	enc := gob.NewEncoder(srvConn)
	dec := gob.NewDecoder(srvConn)

	go func() {
		var f frame
		if dec.Decode(&f) != nil || f.Type != openType {
			return
		}
		_ = enc.Encode(&frame{Type: resetType, StreamID: f.StreamID, Code: uint32(codes.DeadlineExceeded), ErrorMessage: "too slow"})
		for dec.Decode(&f) == nil {
		}
	}()
	s, err := cc.Open(context.Background(), CallInfo{Service: "svc", Method: "m"})
	require.NoError(t, err)
	_, _, err = s.Read(time.Second)
	require.ErrorIs(t, err, ErrTimeout)
	assert.ErrorContains(t, err, "too slow")
	_ = srvConn.Close()
}

func TestServeConnReturnsOnContextCancel(t *testing.T) {
	d, _ := newTestDispatcher(t)
	srvConn, cliConn := net.Pipe()
	defer cliConn.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeConn(ctx, srvConn, d) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not return")
	}
}
