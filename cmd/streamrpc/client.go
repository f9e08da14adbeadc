package main

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/x5iu/streamrpc"
	"github.com/x5iu/streamrpc/demo"
)

var (
	target    string
	chatPause time.Duration
)

// dial connects to the configured target. The returned close function tears
// down the connection.
func dial(ctx context.Context) (*streamrpc.Client, streamrpc.Format, func() error, error) {
	raw := cfg.Client.Target
	if target != "" {
		raw = target
	}
	t, err := streamrpc.ParseTarget(raw)
	if err != nil {
		return nil, "", nil, err
	}
	format := t.Format
	if format == "" {
		if format, err = streamrpc.ParseFormat(cfg.Client.Format); err != nil {
			return nil, "", nil, err
		}
	}
	timeout := cfg.Client.CallTimeout
	if t.Timeout > 0 {
		timeout = t.Timeout
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.Addr)
	if err != nil {
		return nil, "", nil, err
	}
	cc := streamrpc.NewClientConn(conn, streamrpc.WithConnLogger(logger.Named("conn")))
	c := streamrpc.NewClient(cc,
		streamrpc.WithCallTimeout(timeout),
		streamrpc.WithClientLogger(logger.Named("client")),
	)
	logger.Debug("connected", zap.String("addr", t.Addr), zap.Stringer("format", format))
	return c, format, cc.Close, nil
}

// withClient runs fn against a fresh connection and reports fn's error
// together with any error closing the connection.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *streamrpc.Client, format streamrpc.Format) error) (err error) {
	ctx := cmd.Context()
	c, format, closeFn, err := dial(ctx)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeFn()) }()
	return fn(ctx, c, format)
}

var helloCmd = &cobra.Command{
	Use:   "hello [name]",
	Short: "Call example.GreeterService/sayHello",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := "Gopher"
		if len(args) == 1 {
			name = args[0]
		}
		return withClient(cmd, func(ctx context.Context, c *streamrpc.Client, _ streamrpc.Format) error {
			reply, err := demo.NewGreeterStub(c).SayHello(ctx, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Received reply: %s\n", reply)
			return nil
		})
	},
}

var namesCmd = &cobra.Command{
	Use:   "names [name...]",
	Short: "Stream names to example.StreamingService/processNames",
	RunE: func(cmd *cobra.Command, args []string) error {
		names := args
		if len(names) == 0 {
			names = []string{"Alice", "Bob", "Charlie", "David"}
		}
		return withClient(cmd, func(ctx context.Context, c *streamrpc.Client, _ streamrpc.Format) error {
			reply, err := demo.NewStreamingStub(c).ProcessNames(ctx, names)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Combined result: %s\n", reply)
			return nil
		})
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat [message...]",
	Short: "Chat with example.ChatService/chat",
	RunE: func(cmd *cobra.Command, args []string) error {
		messages := args
		if len(messages) == 0 {
			messages = []string{
				"Hello, I'm the client!",
				"How are you doing today?",
				"What services do you provide?",
				"Thank you for your help",
				"Goodbye!",
			}
		}
		out := cmd.OutOrStdout()
		return withClient(cmd, func(ctx context.Context, c *streamrpc.Client, _ streamrpc.Format) error {
			stub := demo.NewChatStub(c)
			stub.Pause = chatPause
			var mu sync.Mutex
			stub.OnSend = func(msg string) {
				mu.Lock()
				defer mu.Unlock()
				fmt.Fprintf(out, "Client: %s\n", msg)
			}
			if err := stub.StartChat(ctx, messages, func(reply string) {
				mu.Lock()
				defer mu.Unlock()
				fmt.Fprintf(out, "Server: %s\n", reply)
			}); err != nil {
				return err
			}
			fmt.Fprintln(out, "Server ended the conversation")
			return nil
		})
	},
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Create and fetch a user through example.UserService",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		return withClient(cmd, func(ctx context.Context, c *streamrpc.Client, format streamrpc.Format) error {
			stub := demo.NewUserStub(c, format)
			created, err := stub.CreateUser(ctx, demo.User{
				ID:     1,
				Name:   "John Doe",
				Email:  "john@example.com",
				Active: true,
				Roles:  []string{"admin", "user"},
				Address: &demo.Address{
					Street:     "123 Main St",
					City:       "San Francisco",
					Country:    "USA",
					PostalCode: "94105",
				},
				Metadata: map[string]string{"department": "Engineering", "title": "Developer"},
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Created user with ID: %d, status: %s\n", created.User.ID, created.Status)
			u, err := stub.GetUser(ctx, created.User.ID)
			if err != nil {
				return err
			}
			if u == nil {
				return fmt.Errorf("user %d not found", created.User.ID)
			}
			fmt.Fprintf(out, "Got user: %s, email: %s\n", u.Name, u.Email)
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&target, "target", "", "tri://host:port target, overrides client.target")
	chatCmd.Flags().DurationVar(&chatPause, "pause", time.Second, "delay between chat messages")
}
