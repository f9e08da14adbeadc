package streamrpc

import (
	"context"
	"fmt"
	"iter"
)

// CallShape is the cardinality pattern of a method. The zero value means a
// caller did not declare one.
type CallShape int

const (
	Unary CallShape = iota + 1
	ClientStreaming
	BidiStreaming
)

func (s CallShape) String() string {
	switch s {
	case Unary:
		return "unary"
	case ClientStreaming:
		return "client_streaming"
	case BidiStreaming:
		return "bidi_streaming"
	}
	return "unspecified"
}

// MethodHandler binds a method name and shape to a typed callback and its
// codecs. It is immutable once built.
type MethodHandler struct {
	name  string
	shape CallShape
	run   func(ctx context.Context, c *serverCall) error
}

func (m *MethodHandler) Name() string { return m.name }

func (m *MethodHandler) Shape() CallShape { return m.shape }

// UnaryMethod registers fn for calls carrying exactly one request and one
// response.
func UnaryMethod[Req, Resp any](name string, req Codec[Req], resp Codec[Resp], fn func(context.Context, Req) (Resp, error)) *MethodHandler {
	return &MethodHandler{
		name:  name,
		shape: Unary,
		run: func(ctx context.Context, c *serverCall) error {
			b, err := c.readOnly(ctx)
			if err != nil {
				return err
			}
			in, err := req.Decode(b)
			if err != nil {
				return err
			}
			out, err := invoke(func() (Resp, error) { return fn(ctx, in) })
			if err != nil {
				return err
			}
			return send(ctx, c, resp.Encode, out)
		},
	}
}

// ClientStreamingMethod registers fn for calls carrying many requests and a
// single response. fn receives the requests lazily; it may stop early, in
// which case the rest of the input is discarded.
func ClientStreamingMethod[Req, Resp any](name string, req Codec[Req], resp Codec[Resp], fn func(context.Context, iter.Seq2[Req, error]) (Resp, error)) *MethodHandler {
	return &MethodHandler{
		name:  name,
		shape: ClientStreaming,
		run: func(ctx context.Context, c *serverCall) error {
			in := requests(ctx, c, req)
			out, err := invoke(func() (Resp, error) { return fn(ctx, in) })
			if err := c.inputErr(); err != nil {
				return err
			}
			if err != nil {
				return err
			}
			return send(ctx, c, resp.Encode, out)
		},
	}
}

// BidiStreamingMethod registers fn for calls where requests and responses
// interleave. Every response fn yields is written as soon as it is produced.
func BidiStreamingMethod[Req, Resp any](name string, req Codec[Req], resp Codec[Resp], fn func(context.Context, iter.Seq2[Req, error]) iter.Seq2[Resp, error]) *MethodHandler {
	return &MethodHandler{
		name:  name,
		shape: BidiStreaming,
		run: func(ctx context.Context, c *serverCall) error {
			in := requests(ctx, c, req)
			_, err := invoke(func() (struct{}, error) {
				for out, err := range fn(ctx, in) {
					if err != nil {
						return struct{}{}, err
					}
					if err := send(ctx, c, resp.Encode, out); err != nil {
						return struct{}{}, err
					}
				}
				return struct{}{}, nil
			})
			if inErr := c.inputErr(); inErr != nil {
				return inErr
			}
			return err
		},
	}
}

// requests adapts the inbound frames of c into a lazy, single-use sequence
// of decoded requests. A read or decode failure is yielded once and ends
// the sequence.
func requests[Req any](ctx context.Context, c *serverCall, codec Codec[Req]) iter.Seq2[Req, error] {
	return func(yield func(Req, error) bool) {
		if c.consumed {
			return
		}
		c.consumed = true
		for {
			b, ok, err := c.recv(ctx)
			if err != nil {
				var zero Req
				yield(zero, err)
				return
			}
			if !ok {
				return
			}
			v, err := codec.Decode(b)
			if err != nil {
				c.fail(err)
				var zero Req
				yield(zero, err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// ServiceHandler groups method handlers under one service name. It is
// read-only after NewServiceHandler returns.
type ServiceHandler struct {
	name    string
	methods map[string]*MethodHandler
	order   []*MethodHandler
}

func NewServiceHandler(name string, methods ...*MethodHandler) (*ServiceHandler, error) {
	if name == "" {
		return nil, fmt.Errorf("streamrpc: service name is empty")
	}
	s := &ServiceHandler{
		name:    name,
		methods: make(map[string]*MethodHandler, len(methods)),
		order:   make([]*MethodHandler, 0, len(methods)),
	}
	for _, m := range methods {
		if m == nil || m.name == "" {
			return nil, fmt.Errorf("streamrpc: service %s: method name is empty", name)
		}
		if _, dup := s.methods[m.name]; dup {
			return nil, fmt.Errorf("streamrpc: service %s: method already defined: %s", name, m.name)
		}
		s.methods[m.name] = m
		s.order = append(s.order, m)
	}
	return s, nil
}

func (s *ServiceHandler) Name() string { return s.name }

// Methods returns the handlers in registration order.
func (s *ServiceHandler) Methods() []*MethodHandler {
	return append([]*MethodHandler(nil), s.order...)
}

func (s *ServiceHandler) method(name string) (*MethodHandler, bool) {
	m, ok := s.methods[name]
	return m, ok
}
