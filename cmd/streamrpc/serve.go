package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/x5iu/streamrpc"
	"github.com/x5iu/streamrpc/demo"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the example services over TCP",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address, overrides server.addr")
}

func serve(ctx context.Context) error {
	userFormat, err := streamrpc.ParseFormat(cfg.Server.UserFormat)
	if err != nil {
		return err
	}
	services, err := demo.Services(logger.Named("demo"), demo.NewUsers(), userFormat)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	d, err := streamrpc.NewDispatcher(services,
		streamrpc.WithLogger(logger.Named("dispatcher")),
		streamrpc.WithIdleTimeout(cfg.Server.IdleTimeout),
		streamrpc.WithMetrics(streamrpc.NewMetrics(reg)),
	)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return err
	}
	logger.Info("serving", zap.String("addr", ln.Addr().String()), zap.Stringer("user_format", userFormat))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			connLogger := logger.With(zap.String("remote", conn.RemoteAddr().String()))
			g.Go(func() error {
				err := streamrpc.ServeConn(ctx, conn, d,
					streamrpc.WithConnLogger(connLogger),
					streamrpc.WithConnStreamOptions(streamrpc.WithBuffer(cfg.Server.Buffer)),
				)
				if err != nil {
					connLogger.Warn("connection ended", zap.Error(err))
				}
				return nil
			})
		}
	})
	if cfg.Server.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
