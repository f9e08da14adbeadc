// Package demo implements the example greeter, streaming, chat and user
// services on top of streamrpc, together with typed client stubs.
package demo

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/x5iu/streamrpc"
)

const (
	GreeterService   = "example.GreeterService"
	StreamingService = "example.StreamingService"
	ChatService      = "example.ChatService"
	UserService      = "example.UserService"
)

// RequestMessage is the JSON envelope used by the greeter, streaming and
// chat services.
type RequestMessage struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

func (r RequestMessage) param(key, def string) string {
	v, ok := r.Params[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

type ResponseMessage struct {
	Result string `json:"result"`
}

var (
	requestCodec  = streamrpc.NewCodec[RequestMessage](streamrpc.FormatJSON)
	responseCodec = streamrpc.NewCodec[ResponseMessage](streamrpc.FormatJSON)
)

func SayHello(_ context.Context, req RequestMessage) (ResponseMessage, error) {
	return ResponseMessage{Result: "Hello, " + req.param("name", "Guest") + "!"}, nil
}

// ProcessNames joins every streamed name. An empty stream yields
// "Processed 0 names: " rather than counting one empty name.
func ProcessNames(_ context.Context, reqs iter.Seq2[RequestMessage, error]) (ResponseMessage, error) {
	var names []string
	for req, err := range reqs {
		if err != nil {
			return ResponseMessage{}, err
		}
		names = append(names, req.param("name", ""))
	}
	return ResponseMessage{Result: fmt.Sprintf("Processed %d names: %s", len(names), strings.Join(names, ", "))}, nil
}

func chatReply(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "hello"):
		return "Hello! Welcome to our service!"
	case strings.Contains(lower, "how are you"):
		return "I'm doing well, thank you for asking!"
	case strings.Contains(lower, "services"):
		return "We provide various streaming examples for streamrpc."
	case strings.Contains(lower, "thank you"):
		return "You're welcome! Anything else I can help with?"
	case strings.Contains(lower, "goodbye"):
		return "Goodbye! Have a great day!"
	}
	return fmt.Sprintf("I received your message: '%s'", msg)
}

// Chat answers every message as it arrives, then reports how many it saw.
func Chat(_ context.Context, reqs iter.Seq2[RequestMessage, error]) iter.Seq2[ResponseMessage, error] {
	return func(yield func(ResponseMessage, error) bool) {
		n := 0
		for req, err := range reqs {
			if err != nil {
				yield(ResponseMessage{}, err)
				return
			}
			n++
			if !yield(ResponseMessage{Result: chatReply(req.param("message", ""))}, nil) {
				return
			}
		}
		yield(ResponseMessage{Result: fmt.Sprintf("Chat session complete. Processed %d messages.", n)}, nil)
	}
}

// Users is an in-memory user store.
type Users struct {
	mu    sync.RWMutex
	users map[int64]User
	now   func() time.Time
}

func NewUsers() *Users {
	return &Users{users: make(map[int64]User), now: time.Now}
}

func (s *Users) CreateUser(_ context.Context, req CreateUserRequest) (CreateUserResponse, error) {
	s.mu.Lock()
	s.users[req.User.ID] = req.User
	s.mu.Unlock()
	return CreateUserResponse{User: req.User, Status: "created", CreatedAt: s.now().Unix()}, nil
}

func (s *Users) GetUser(_ context.Context, req GetUserRequest) (GetUserResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[req.ID]
	if !ok {
		return GetUserResponse{}, nil
	}
	return GetUserResponse{User: &u}, nil
}

// Services builds every example service. The user service speaks
// userFormat; the others always speak JSON.
func Services(logger *zap.Logger, users *Users, userFormat streamrpc.Format) ([]*streamrpc.ServiceHandler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	greeter, err := streamrpc.NewServiceHandler(GreeterService,
		streamrpc.UnaryMethod("sayHello", requestCodec, responseCodec, SayHello),
	)
	if err != nil {
		return nil, err
	}
	streaming, err := streamrpc.NewServiceHandler(StreamingService,
		streamrpc.ClientStreamingMethod("processNames", requestCodec, responseCodec,
			func(ctx context.Context, reqs iter.Seq2[RequestMessage, error]) (ResponseMessage, error) {
				return ProcessNames(ctx, logRequests(logger, "name", reqs))
			}),
	)
	if err != nil {
		return nil, err
	}
	chat, err := streamrpc.NewServiceHandler(ChatService,
		streamrpc.BidiStreamingMethod("chat", requestCodec, responseCodec,
			func(ctx context.Context, reqs iter.Seq2[RequestMessage, error]) iter.Seq2[ResponseMessage, error] {
				return Chat(ctx, logRequests(logger, "message", reqs))
			}),
	)
	if err != nil {
		return nil, err
	}
	m := userMethods(userFormat)
	user, err := streamrpc.NewServiceHandler(UserService,
		streamrpc.UnaryMethod(m.create.Name, m.create.Request, m.create.Response, users.CreateUser),
		streamrpc.UnaryMethod(m.get.Name, m.get.Request, m.get.Response, users.GetUser),
	)
	if err != nil {
		return nil, err
	}
	return []*streamrpc.ServiceHandler{greeter, streaming, chat, user}, nil
}

func logRequests(logger *zap.Logger, key string, reqs iter.Seq2[RequestMessage, error]) iter.Seq2[RequestMessage, error] {
	return func(yield func(RequestMessage, error) bool) {
		n := 0
		for req, err := range reqs {
			if err == nil {
				n++
				logger.Debug("received", zap.Int("seq", n), zap.String(key, req.param(key, "")))
			}
			if !yield(req, err) {
				return
			}
		}
	}
}
