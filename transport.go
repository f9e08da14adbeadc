package streamrpc

import (
	"context"
	"sync"
)

// Transport opens calls for the client side. The returned stream's Write
// side carries encoded requests to the peer and its Read side yields the
// peer's encoded responses; a call is over once both directions have ended.
// Cancelling ctx aborts the call.
type Transport interface {
	Open(ctx context.Context, info CallInfo) (*RawStream, error)
}

// LocalTransport connects clients straight to a Dispatcher in the same
// process. Each call gets a client stream and a server stream joined by two
// pump goroutines, one per direction.
type LocalTransport struct {
	d    *Dispatcher
	opts []StreamOption
	wg   sync.WaitGroup
}

func NewLocalTransport(d *Dispatcher, opts ...StreamOption) *LocalTransport {
	return &LocalTransport{d: d, opts: opts}
}

func (t *LocalTransport) Open(ctx context.Context, info CallInfo) (*RawStream, error) {
	if err := context.Cause(ctx); err != nil {
		return nil, err
	}
	client := NewStream[[]byte, []byte](t.opts...)
	server := NewStream[[]byte, []byte](t.opts...)
	t.wg.Add(3)
	go func() {
		defer t.wg.Done()
		pump(ctx, client, server)
	}()
	go func() {
		defer t.wg.Done()
		pump(ctx, server, client)
	}()
	go func() {
		defer t.wg.Done()
		_ = t.d.Serve(ctx, info, server)
	}()
	return client, nil
}

// Wait blocks until every call opened so far has finished on both sides.
func (t *LocalTransport) Wait() { t.wg.Wait() }

// pump moves src's outbound messages into dst's inbound side, in order,
// until src ends its writes. When src fails, dst still reads what was
// delivered before the failure. When dst stops accepting, only src's writes
// fail, so src can still read what dst already sent.
func pump(ctx context.Context, src, dst *RawStream) {
	for {
		b, outcome, err := src.Next(ctx)
		if err != nil {
			cause := terminalCause(err)
			src.Abort(cause)
			dst.CloseReadError(cause)
			return
		}
		if outcome == OutcomeEndOfStream {
			dst.CloseRead()
			return
		}
		if err := dst.Deliver(ctx, b); err != nil {
			src.stopWrites(terminalCause(err))
			return
		}
	}
}
