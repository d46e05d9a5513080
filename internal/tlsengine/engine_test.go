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

package tlsengine_test

import (
	"testing"

	"github.com/dpeckett/nbtls/engine"
	"github.com/dpeckett/nbtls/internal/config"
	"github.com/dpeckett/nbtls/internal/tlsengine"
	"github.com/stretchr/testify/require"
)

type side struct {
	e     *tlsengine.Engine
	inbox []byte
}

func TestHandshakeAndExchange(t *testing.T) {
	client, server := newPair(t, true)

	require.Equal(t, engine.NotHandshaking, client.HandshakeStatus())
	require.NoError(t, client.BeginHandshake())
	require.NoError(t, server.BeginHandshake())
	require.Equal(t, engine.NeedTask, client.HandshakeStatus())

	c, s := handshake(t, client, server)
	require.Empty(t, c.inbox)
	require.Empty(t, s.inbox)

	record := make([]byte, 1024)
	res, err := client.Wrap([]byte("hello"), record)
	require.NoError(t, err)
	require.Equal(t, engine.StatusOK, res.Status)
	require.Equal(t, 5, res.BytesConsumed)
	require.Greater(t, res.BytesProduced, 5)

	plaintext := make([]byte, tlsengine.MaxPlaintext)
	res2, err := server.Unwrap(record[:res.BytesProduced], plaintext)
	require.NoError(t, err)
	require.Equal(t, engine.StatusOK, res2.Status)
	require.Equal(t, res.BytesProduced, res2.BytesConsumed)
	require.Equal(t, 5, res2.BytesProduced)
	require.Equal(t, "hello", string(plaintext[:5]))
	require.Equal(t, engine.NotHandshaking, res2.HandshakeStatus)
}

func TestFinishedReportedOnce(t *testing.T) {
	client, server := newPair(t, true)
	require.NoError(t, client.BeginHandshake())
	require.NoError(t, server.BeginHandshake())

	var finished int
	c, s := &side{e: client}, &side{e: server}
	for range 100 {
		if client.HandshakeStatus() == engine.NotHandshaking && server.HandshakeStatus() == engine.NotHandshaking {
			break
		}

		for _, pair := range [][2]*side{{c, s}, {s, c}} {
			if res, ok := step(t, pair[0], pair[1]); ok && res.HandshakeStatus == engine.Finished {
				finished++
			}
		}
	}

	require.Equal(t, engine.NotHandshaking, client.HandshakeStatus())
	require.Equal(t, 1, finished, "only the client ends the handshake with a wrap")
}

func TestUnwrapPartialRecord(t *testing.T) {
	_, server := newPair(t, true)
	require.NoError(t, server.BeginHandshake())

	res, err := server.Unwrap([]byte{22, 3, 1}, nil)
	require.NoError(t, err)
	require.Equal(t, engine.StatusBufferUnderflow, res.Status)
	require.Zero(t, res.BytesConsumed)

	res, err = server.Unwrap([]byte{22, 3, 1, 0, 10, 1, 2, 3}, nil)
	require.NoError(t, err)
	require.Equal(t, engine.StatusBufferUnderflow, res.Status)
	require.Zero(t, res.BytesConsumed)
	require.Equal(t, engine.NeedTask, res.HandshakeStatus)
}

func TestUnwrapOversizedRecord(t *testing.T) {
	_, server := newPair(t, true)
	require.NoError(t, server.BeginHandshake())

	_, err := server.Unwrap([]byte{22, 3, 1, 0xff, 0xff}, nil)
	require.ErrorIs(t, err, engine.ErrEngineFault)
}

func TestHandshakeFailure(t *testing.T) {
	conf := config.Default()

	// Neither side trusts the other's certificate.
	client, _, err := tlsengine.NewLoopbackFactories(conf)
	require.NoError(t, err)
	_, server, err := tlsengine.NewLoopbackFactories(conf)
	require.NoError(t, err)

	c := &side{e: client.NewClient("localhost")}
	s := &side{e: server.NewServer()}
	require.NoError(t, c.e.BeginHandshake())
	require.NoError(t, s.e.BeginHandshake())

	var fault error
	for range 100 {
		if fault = stepErr(t, c, s); fault != nil {
			break
		}
		require.NoError(t, stepErr(t, s, c))
	}

	require.ErrorIs(t, fault, engine.ErrEngineFault)

	// The alert for the peer is still delivered.
	require.Equal(t, engine.NeedWrap, c.e.HandshakeStatus())
	res, err := c.e.Wrap(nil, make([]byte, 1024))
	require.NoError(t, err)
	require.Equal(t, engine.StatusClosed, res.Status)
	require.NotZero(t, res.BytesProduced)
}

func TestWrapOverflow(t *testing.T) {
	client, server := newPair(t, true)
	require.NoError(t, client.BeginHandshake())
	require.NoError(t, server.BeginHandshake())
	handshake(t, client, server)

	res, err := client.Wrap([]byte("hello"), make([]byte, 10))
	require.NoError(t, err)
	require.Equal(t, engine.StatusBufferOverflow, res.Status)
	require.Zero(t, res.BytesConsumed)

	res, err = server.Unwrap([]byte{23, 3, 3, 0, 1, 0}, make([]byte, 10))
	require.NoError(t, err)
	require.Equal(t, engine.StatusBufferOverflow, res.Status)
	require.Zero(t, res.BytesConsumed)
}

func TestSessionTicketAfterHandshake(t *testing.T) {
	client, server := newPair(t, false)
	require.NoError(t, client.BeginHandshake())
	require.NoError(t, server.BeginHandshake())

	c, _ := handshake(t, client, server)
	require.NotEmpty(t, c.inbox, "the session ticket follows the server's finished message")

	plaintext := make([]byte, tlsengine.MaxPlaintext)
	for len(c.inbox) > 0 {
		res, err := client.Unwrap(c.inbox, plaintext)
		require.NoError(t, err)
		require.Equal(t, engine.StatusOK, res.Status)
		require.Zero(t, res.BytesProduced)
		c.inbox = c.inbox[res.BytesConsumed:]
	}
}

func TestCloseOutbound(t *testing.T) {
	client, server := newPair(t, true)
	require.NoError(t, client.BeginHandshake())
	require.NoError(t, server.BeginHandshake())
	handshake(t, client, server)

	require.NoError(t, client.CloseOutbound())
	require.Equal(t, engine.NeedWrap, client.HandshakeStatus())

	alert := make([]byte, 1024)
	res, err := client.Wrap(nil, alert)
	require.NoError(t, err)
	require.Equal(t, engine.StatusClosed, res.Status)

	res, err = server.Unwrap(alert[:res.BytesProduced], make([]byte, tlsengine.MaxPlaintext))
	require.NoError(t, err)
	require.Equal(t, engine.StatusClosed, res.Status)
}

func TestCloseDuringHandshake(t *testing.T) {
	_, server := newPair(t, true)
	require.NoError(t, server.BeginHandshake())

	task := server.NextDelegatedTask()
	require.NotNil(t, task)
	require.Nil(t, server.NextDelegatedTask(), "exactly one task per observation")
	require.NoError(t, task())
	require.Equal(t, engine.NeedUnwrap, server.HandshakeStatus())

	require.NoError(t, server.Close())
	require.Equal(t, engine.NotHandshaking, server.HandshakeStatus())

	res, err := server.Wrap(nil, make([]byte, 16))
	require.NoError(t, err)
	require.Equal(t, engine.StatusClosed, res.Status)
}

func newPair(t *testing.T, ticketsDisabled bool) (*tlsengine.Engine, *tlsengine.Engine) {
	t.Helper()

	conf := config.Default()
	conf.TLS.SessionTicketsDisabled = ticketsDisabled
	if !ticketsDisabled {
		conf.TLS.ClientSessionCacheSize = 8
	}

	client, server, err := tlsengine.NewLoopbackFactories(conf)
	require.NoError(t, err)

	return client.NewClient("localhost"), server.NewServer()
}

func handshake(t *testing.T, client, server *tlsengine.Engine) (*side, *side) {
	t.Helper()

	c, s := &side{e: client}, &side{e: server}
	for range 100 {
		if client.HandshakeStatus() == engine.NotHandshaking && server.HandshakeStatus() == engine.NotHandshaking {
			return c, s
		}

		step(t, c, s)
		step(t, s, c)
	}

	t.Fatal("handshake did not finish")
	return nil, nil
}

func step(t *testing.T, self, peer *side) (engine.Result, bool) {
	t.Helper()

	res, ok, err := advance(self, peer)
	require.NoError(t, err)

	return res, ok
}

func stepErr(t *testing.T, self, peer *side) error {
	t.Helper()

	_, _, err := advance(self, peer)
	return err
}

func advance(self, peer *side) (engine.Result, bool, error) {
	dst := make([]byte, 64*1024)

	switch self.e.HandshakeStatus() {
	case engine.NeedTask:
		task := self.e.NextDelegatedTask()
		if task == nil {
			return engine.Result{}, false, nil
		}
		return engine.Result{}, false, task()
	case engine.NeedWrap:
		res, err := self.e.Wrap(nil, dst)
		if err != nil {
			return res, false, err
		}
		peer.inbox = append(peer.inbox, dst[:res.BytesProduced]...)
		return res, true, nil
	case engine.NeedUnwrap:
		res, err := self.e.Unwrap(self.inbox, dst)
		if err != nil {
			return res, false, err
		}
		self.inbox = self.inbox[res.BytesConsumed:]
		return res, true, nil
	}

	return engine.Result{}, false, nil
}
