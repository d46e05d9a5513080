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

package handshake_test

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/dpeckett/nbtls/engine"
	"github.com/dpeckett/nbtls/internal/config"
	"github.com/dpeckett/nbtls/internal/handshake"
	"github.com/dpeckett/nbtls/internal/taskpool"
	"github.com/dpeckett/nbtls/internal/tlsengine"
	"github.com/dpeckett/nbtls/internal/transport"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestDriverOverPipe(t *testing.T) {
	conf := config.Default()
	conf.TLS.SessionTicketsDisabled = true

	clientFactory, serverFactory, err := tlsengine.NewLoopbackFactories(conf)
	require.NoError(t, err)

	a, b := transport.Pipe(0)
	client := handshake.NewEndpoint(clientFactory.NewClient("localhost"), a, conf)
	server := handshake.NewEndpoint(serverFactory.NewServer(), b, conf)
	t.Cleanup(func() {
		require.NoError(t, client.Close())
		require.NoError(t, server.Close())
	})

	d := handshake.NewDriver(slog.Default())
	ctx := context.Background()

	require.NoError(t, client.BeginHandshake())
	require.NoError(t, server.BeginHandshake())

	for i := 0; i < 100 && !(client.Established() && server.Established()); i++ {
		_, err = d.Advance(ctx, client)
		require.NoError(t, err)

		_, err = d.Advance(ctx, server)
		require.NoError(t, err)
	}

	require.True(t, client.Established())
	require.True(t, server.Established())

	n, err := d.Send(ctx, client, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	plaintext, err := d.Receive(ctx, server)
	require.NoError(t, err)
	require.Equal(t, "hello", string(plaintext))

	// Nothing is left to do once the handshake is over.
	status, err := d.Advance(ctx, client)
	require.NoError(t, err)
	require.Equal(t, engine.NotHandshaking, status)
	require.Zero(t, server.Transport.(*transport.PipeEnd).Buffered())
}

func TestDriverHandshakeOverTCP(t *testing.T) {
	conf := config.Default()

	clientFactory, serverFactory, err := tlsengine.NewLoopbackFactories(conf)
	require.NoError(t, err)

	clientConn, serverConn := tcpPair(t)

	clientTransport, err := transport.NewConn(clientConn)
	require.NoError(t, err)

	serverTransport, err := transport.NewConn(serverConn)
	require.NoError(t, err)

	client := handshake.NewEndpoint(clientFactory.NewClient("localhost"), clientTransport, conf)
	server := handshake.NewEndpoint(serverFactory.NewServer(), serverTransport, conf)
	t.Cleanup(func() {
		require.NoError(t, client.Close())
		require.NoError(t, server.Close())
	})

	d := handshake.NewDriver(slog.Default(), handshake.WithTaskPool(taskpool.New(slog.Default(), 2)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Handshake(gctx, client)
	})
	g.Go(func() error {
		return d.Handshake(gctx, server)
	})
	require.NoError(t, g.Wait())

	_, err = d.Send(ctx, client, []byte("hello"))
	require.NoError(t, err)

	plaintext, err := d.Receive(ctx, server)
	require.NoError(t, err)
	require.Equal(t, "hello", string(plaintext))

	_, err = d.Send(ctx, server, []byte("world"))
	require.NoError(t, err)

	plaintext, err = d.Receive(ctx, client)
	require.NoError(t, err)
	require.Equal(t, "world", string(plaintext))

	require.NoError(t, d.Shutdown(ctx, client))

	_, err = d.Receive(ctx, server)
	require.ErrorIs(t, err, engine.ErrClosed)
}

func TestDriverLargePayload(t *testing.T) {
	conf := config.Default()
	conf.TLS.SessionTicketsDisabled = true

	clientFactory, serverFactory, err := tlsengine.NewLoopbackFactories(conf)
	require.NoError(t, err)

	a, b := transport.Pipe(0)
	client := handshake.NewEndpoint(clientFactory.NewClient("localhost"), a, conf)
	server := handshake.NewEndpoint(serverFactory.NewServer(), b, conf)
	t.Cleanup(func() {
		require.NoError(t, client.Close())
		require.NoError(t, server.Close())
	})

	d := handshake.NewDriver(slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Handshake(gctx, client)
	})
	g.Go(func() error {
		return d.Handshake(gctx, server)
	})
	require.NoError(t, g.Wait())

	payload := make([]byte, 3*tlsengine.MaxPlaintext+100)
	for i := range payload {
		payload[i] = byte(i)
	}

	n, err := d.Send(ctx, client, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	var received []byte
	for len(received) < len(payload) {
		plaintext, err := d.Receive(ctx, server)
		require.NoError(t, err)

		received = append(received, plaintext...)
	}
	require.Equal(t, payload, received)
}

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	clientConn, err := net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)

	serverConn, ok := <-accepted
	require.True(t, ok)

	return clientConn, serverConn
}
