package demo

import (
	"context"
	"errors"
	"iter"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/x5iu/streamrpc"
)

var (
	sayHelloMethod = streamrpc.Method[RequestMessage, ResponseMessage]{
		Service: GreeterService, Name: "sayHello", Request: requestCodec, Response: responseCodec,
	}
	processNamesMethod = streamrpc.Method[RequestMessage, ResponseMessage]{
		Service: StreamingService, Name: "processNames", Request: requestCodec, Response: responseCodec,
	}
	chatMethod = streamrpc.Method[RequestMessage, ResponseMessage]{
		Service: ChatService, Name: "chat", Request: requestCodec, Response: responseCodec,
	}
)

type userMethodSet struct {
	create streamrpc.Method[CreateUserRequest, CreateUserResponse]
	get    streamrpc.Method[GetUserRequest, GetUserResponse]
}

func userMethods(format streamrpc.Format) userMethodSet {
	return userMethodSet{
		create: streamrpc.Method[CreateUserRequest, CreateUserResponse]{
			Service:  UserService,
			Name:     "createUser",
			Request:  streamrpc.NewCodec[CreateUserRequest](format),
			Response: streamrpc.NewCodec[CreateUserResponse](format),
		},
		get: streamrpc.Method[GetUserRequest, GetUserResponse]{
			Service:  UserService,
			Name:     "getUser",
			Request:  streamrpc.NewCodec[GetUserRequest](format),
			Response: streamrpc.NewCodec[GetUserResponse](format),
		},
	}
}

type GreeterStub struct{ c *streamrpc.Client }

func NewGreeterStub(c *streamrpc.Client) *GreeterStub { return &GreeterStub{c: c} }

func (s *GreeterStub) SayHello(ctx context.Context, name string) (string, error) {
	req := RequestMessage{Method: "sayHello", Params: map[string]any{"name": name}}
	resp, err := streamrpc.CallUnary(ctx, s.c, sayHelloMethod, req)
	if err != nil {
		return "", err
	}
	return resp.Result, nil
}

type StreamingStub struct{ c *streamrpc.Client }

func NewStreamingStub(c *streamrpc.Client) *StreamingStub { return &StreamingStub{c: c} }

// ProcessNames streams names one request each and returns the combined
// reply.
func (s *StreamingStub) ProcessNames(ctx context.Context, names []string) (string, error) {
	var reqs iter.Seq[RequestMessage] = func(yield func(RequestMessage) bool) {
		for _, name := range names {
			if !yield(RequestMessage{Method: "processNames", Params: map[string]any{"name": name}}) {
				return
			}
		}
	}
	resp, err := streamrpc.CallClientStreaming(ctx, s.c, processNamesMethod, reqs)
	if err != nil {
		return "", err
	}
	return resp.Result, nil
}

type ChatStub struct {
	c *streamrpc.Client
	// Poll is how long the reader waits per Read before checking again.
	Poll time.Duration
	// Pause is the delay between sent messages.
	Pause time.Duration
	// OnSend, when set, is called with each message just before it is
	// written, so it always precedes the reply.
	OnSend func(string)
}

func NewChatStub(c *streamrpc.Client) *ChatStub {
	return &ChatStub{c: c, Poll: time.Second}
}

// StartChat sends messages in order while a reader goroutine hands every
// reply to onReply. It returns once the server has ended the conversation.
func (s *ChatStub) StartChat(ctx context.Context, messages []string, onReply func(string)) error {
	stream, err := streamrpc.OpenBidiStreaming(ctx, s.c, chatMethod)
	if err != nil {
		return err
	}
	var g errgroup.Group
	g.Go(func() error {
		for {
			resp, outcome, err := stream.Read(s.Poll)
			if err != nil {
				return err
			}
			switch outcome {
			case streamrpc.OutcomeTimeout:
				continue
			case streamrpc.OutcomeEndOfStream:
				return nil
			}
			onReply(resp.Result)
		}
	})
	werr := s.send(ctx, stream, messages)
	if werr != nil {
		stream.Abort(werr)
	}
	rerr := g.Wait()
	if werr != nil && !errors.Is(rerr, streamrpc.ErrStreamAborted) {
		return multierr.Combine(werr, rerr)
	}
	if werr != nil {
		return werr
	}
	return rerr
}

func (s *ChatStub) send(ctx context.Context, stream *streamrpc.BidiStream[RequestMessage, ResponseMessage], messages []string) error {
	for i, msg := range messages {
		if i > 0 && s.Pause > 0 {
			select {
			case <-time.After(s.Pause):
			case <-ctx.Done():
				return context.Cause(ctx)
			}
		}
		if s.OnSend != nil {
			s.OnSend(msg)
		}
		if err := stream.WriteContext(ctx, RequestMessage{Method: "chat", Params: map[string]any{"message": msg}}); err != nil {
			return err
		}
	}
	stream.DoneWriting()
	return nil
}

type UserStub struct {
	c *streamrpc.Client
	m userMethodSet
}

// NewUserStub talks to example.UserService in format, which must match the
// server's.
func NewUserStub(c *streamrpc.Client, format streamrpc.Format) *UserStub {
	return &UserStub{c: c, m: userMethods(format)}
}

func (s *UserStub) CreateUser(ctx context.Context, u User) (CreateUserResponse, error) {
	return streamrpc.CallUnary(ctx, s.c, s.m.create, CreateUserRequest{User: u})
}

// GetUser returns nil without error when no user has the id.
func (s *UserStub) GetUser(ctx context.Context, id int64) (*User, error) {
	resp, err := streamrpc.CallUnary(ctx, s.c, s.m.get, GetUserRequest{ID: id})
	if err != nil {
		return nil, err
	}
	return resp.User, nil
}
