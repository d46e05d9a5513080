// SPDX-License-Identifier: GPL-2.0
/*
 * Copyright (c) 2023 Oracle and/or its affiliates.
 * Copyright (c) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * nbtls is free software; you can redistribute it and/or
 * modify it under the terms of the GNU General Public License as
 * published by the Free Software Foundation; version 2.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the GNU
 * General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program; if not, write to the Free Software
 * Foundation, Inc., 51 Franklin Street, Fifth Floor, Boston, MA
 * 02110-1301, USA.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dpeckett/nbtls/internal/config"
	"github.com/dpeckett/nbtls/internal/credentials"
	"github.com/dpeckett/nbtls/internal/handshake"
	"github.com/dpeckett/nbtls/internal/metrics"
	"github.com/dpeckett/nbtls/internal/taskpool"
	"github.com/dpeckett/nbtls/internal/tlsengine"
	"github.com/dpeckett/nbtls/internal/transport"
	"github.com/dpeckett/nbtls/internal/upcall"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var conf *config.Config

	app := &cli.App{
		Name:  "nbtls",
		Usage: "Drive TLS handshakes over non-blocking sockets",
		Flags: []cli.Flag{
			&cli.GenericFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set the log level",
				Value:   fromLogLevel(slog.LevelInfo),
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
			},
		},
		Before: func(c *cli.Context) error {
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: (*slog.Level)(c.Generic("log-level").(*logLevelFlag)),
			}))

			conf = config.Default()
			if path := c.String("config"); path != "" {
				var err error
				conf, err = config.Load(path)
				if err != nil {
					return err
				}
			}

			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Serve TLS handshake requests from the kernel",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "kernel-offload",
						Usage: "Enable kernel TLS once the handshake completes",
					},
					&cli.StringFlag{
						Name:  "metrics-addr",
						Usage: "Address to serve Prometheus metrics on",
					},
				},
				Action: func(c *cli.Context) error {
					if c.IsSet("kernel-offload") {
						conf.KernelOffload = c.Bool("kernel-offload")
					}

					if c.IsSet("metrics-addr") {
						conf.MetricsAddr = c.String("metrics-addr")
					}

					return serve(c.Context, logger, conf)
				},
			},
			{
				Name:  "demo",
				Usage: "Run a client and server handshake over loopback TCP",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "message",
						Usage: "Message the client sends once the handshake completes",
						Value: "hello",
					},
				},
				Action: func(c *cli.Context) error {
					return demo(c.Context, logger, conf, c.String("message"))
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error("Failed to run application", "error", err)
		os.Exit(1)
	}
}

func newDriver(logger *slog.Logger, conf *config.Config, m *metrics.Metrics) *handshake.Driver {
	opts := []handshake.Option{handshake.WithMetrics(m)}
	if conf.Workers > 0 {
		opts = append(opts, handshake.WithTaskPool(taskpool.New(logger, conf.Workers)))
	}

	return handshake.NewDriver(logger, opts...)
}

func serve(ctx context.Context, logger *slog.Logger, conf *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	material, err := credentials.Load(conf.KeyMaterial)
	if err != nil {
		return fmt.Errorf("failed to load key material: %w", err)
	}

	var m *metrics.Metrics
	if conf.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		m = metrics.New(reg)

		srv := &http.Server{
			Addr:              conf.MetricsAddr,
			Handler:           metrics.Handler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			logger.Info("Serving metrics", "addr", conf.MetricsAddr)

			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Failed to serve metrics", "error", err)
			}
		}()
		defer srv.Close()
	}

	h := upcall.NewHandler(logger, conf, material, newDriver(logger, conf, m))

	conn, _, err := upcall.Dial(true)
	if err != nil {
		logger.Error("Failed to open netlink connection", "error", err)
		return err
	}
	defer conn.Close()

	logger.Info("Listening for TLS handshake requests")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}

		msgs, _, err := conn.Receive()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}

			return fmt.Errorf("failed to receive netlink messages: %w", err)
		}

		for _, msg := range msgs {
			go func() {
				if err := h.Handle(ctx, &msg); err != nil && !errors.Is(err, upcall.ErrNotForUs) {
					logger.Error("Failed to handle handshake message", "error", err)
				}
			}()
		}
	}
}

func demo(ctx context.Context, logger *slog.Logger, conf *config.Config, message string) error {
	if conf.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conf.HandshakeTimeout)
		defer cancel()
	}

	clientFactory, serverFactory, err := tlsengine.NewLoopbackFactories(conf)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	defer lis.Close()

	var d net.Dialer
	clientConn, err := d.DialContext(ctx, "tcp", lis.Addr().String())
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	serverConn, err := lis.Accept()
	if err != nil {
		_ = clientConn.Close()
		return fmt.Errorf("failed to accept: %w", err)
	}

	client, err := newEndpoint(clientFactory.NewClient("localhost"), clientConn, conf)
	if err != nil {
		_ = serverConn.Close()
		return err
	}
	defer client.Close()

	server, err := newEndpoint(serverFactory.NewServer(), serverConn, conf)
	if err != nil {
		return err
	}
	defer server.Close()

	driver := newDriver(logger, conf, nil)

	logger.Info("Starting handshake",
		"client", client.ID, "server", server.ID, "addr", lis.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return driver.Handshake(gctx, client)
	})
	g.Go(func() error {
		return driver.Handshake(gctx, server)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to complete handshake: %w", err)
	}

	n, err := driver.Send(ctx, client, []byte(message))
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	logger.Info("Client sent message", "bytes", n)

	received, err := driver.Receive(ctx, server)
	if err != nil {
		return fmt.Errorf("failed to receive message: %w", err)
	}

	logger.Info("Server received message", "message", string(received))

	return driver.Shutdown(ctx, client)
}

func newEndpoint(e *tlsengine.Engine, conn net.Conn, conf *config.Config) (*handshake.Endpoint, error) {
	t, err := transport.NewConn(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return handshake.NewEndpoint(e, t, conf), nil
}

type logLevelFlag slog.Level

func fromLogLevel(l slog.Level) *logLevelFlag {
	f := logLevelFlag(l)
	return &f
}

func (f *logLevelFlag) Set(value string) error {
	return (*slog.Level)(f).UnmarshalText([]byte(value))
}

func (f *logLevelFlag) String() string {
	return (*slog.Level)(f).String()
}
