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
	"testing"
	"time"

	"github.com/dpeckett/nbtls/engine"
	"github.com/dpeckett/nbtls/internal/config"
	"github.com/dpeckett/nbtls/internal/handshake"
	"github.com/dpeckett/nbtls/internal/taskpool"
	"github.com/dpeckett/nbtls/internal/transport"
	"github.com/stretchr/testify/require"
)

func TestAdvanceBoundedSteps(t *testing.T) {
	f := &fakeEngine{
		script: []engine.HandshakeStatus{engine.NeedTask, engine.NeedWrap, engine.NeedUnwrap, engine.NeedUnwrap, engine.NotHandshaking},
		flight: []byte("flight"),
	}
	ep, peer := newEndpoint(t, f, config.Default())
	d := handshake.NewDriver(slog.Default())

	write(t, peer, []byte{2, 'a', 'b', 1, 'c'})

	require.NoError(t, ep.BeginHandshake())

	var steps int
	status := f.HandshakeStatus()
	for !status.Terminal() {
		var err error
		status, err = d.Advance(context.Background(), ep)
		require.NoError(t, err)

		steps++
		require.LessOrEqual(t, steps, 4)
	}

	require.Equal(t, 4, steps)
	require.Equal(t, 1, f.wraps)
	require.Equal(t, 2, f.unwraps)
	require.Equal(t, "flight", string(read(t, peer)))
	require.True(t, ep.Established())
}

func TestAdvanceResidualRecords(t *testing.T) {
	f := &fakeEngine{
		script: []engine.HandshakeStatus{engine.NeedUnwrap, engine.NeedUnwrap, engine.NotHandshaking},
	}
	ep, peer := newEndpoint(t, f, config.Default())
	d := handshake.NewDriver(slog.Default())

	write(t, peer, []byte{2, 'a', 'b', 1, 'c'})
	require.NoError(t, ep.BeginHandshake())

	status, err := d.Advance(context.Background(), ep)
	require.NoError(t, err)
	require.Equal(t, engine.NeedUnwrap, status)

	pipe := ep.Transport.(*transport.PipeEnd)
	reads := pipe.Reads.Load()
	require.Greater(t, reads, int64(0))
	require.Equal(t, 2, ep.Inbound.Remaining())

	// The second record is already buffered.
	status, err = d.Advance(context.Background(), ep)
	require.NoError(t, err)
	require.Equal(t, engine.NotHandshaking, status)
	require.Equal(t, reads, pipe.Reads.Load())
	require.False(t, ep.Inbound.HasRemaining())
}

func TestAdvanceResidualFragment(t *testing.T) {
	f := &fakeEngine{
		script: []engine.HandshakeStatus{engine.NeedUnwrap, engine.NeedUnwrap, engine.NotHandshaking},
	}
	ep, peer := newEndpoint(t, f, config.Default())
	d := handshake.NewDriver(slog.Default())

	write(t, peer, []byte{1, 'a', 3, 'x'})
	require.NoError(t, ep.BeginHandshake())

	status, err := d.Advance(context.Background(), ep)
	require.NoError(t, err)
	require.Equal(t, engine.NeedUnwrap, status)

	write(t, peer, []byte{'y', 'z'})

	status, err = d.Advance(context.Background(), ep)
	require.NoError(t, err)
	require.Equal(t, engine.NotHandshaking, status)
	require.Equal(t, []string{"a", "xyz"}, f.records)
}

func TestAdvanceNoInput(t *testing.T) {
	f := &fakeEngine{
		script: []engine.HandshakeStatus{engine.NeedUnwrap},
	}
	ep, peer := newEndpoint(t, f, config.Default())
	d := handshake.NewDriver(slog.Default())

	require.NoError(t, ep.BeginHandshake())

	status, err := d.Advance(context.Background(), ep)
	require.NoError(t, err)
	require.Equal(t, engine.NeedUnwrap, status)
	require.Zero(t, f.unwraps)

	before := snapshot(ep)

	status, err = d.Advance(context.Background(), ep)
	require.NoError(t, err)
	require.Equal(t, engine.NeedUnwrap, status)
	require.Equal(t, before, snapshot(ep))
	require.Zero(t, f.unwraps)

	// An incomplete record stays put while nothing new arrives.
	write(t, peer, []byte{3, 'a'})

	status, err = d.Advance(context.Background(), ep)
	require.NoError(t, err)
	require.Equal(t, engine.NeedUnwrap, status)

	before = snapshot(ep)

	status, err = d.Advance(context.Background(), ep)
	require.NoError(t, err)
	require.Equal(t, engine.NeedUnwrap, status)
	require.Equal(t, before, snapshot(ep))
	require.Equal(t, []byte{3, 'a'}, ep.Inbound.Readable())
}

func TestAdvanceEngineContract(t *testing.T) {
	t.Run("Handshake wrap consumes plaintext", func(t *testing.T) {
		f := &fakeEngine{
			script: []engine.HandshakeStatus{engine.NeedWrap},
			wrapFn: func(src, dst []byte) (engine.Result, error) {
				return engine.Result{Status: engine.StatusOK, BytesConsumed: 1}, nil
			},
		}
		ep, _ := newEndpoint(t, f, config.Default())
		require.NoError(t, ep.BeginHandshake())

		_, err := handshake.NewDriver(slog.Default()).Advance(context.Background(), ep)
		require.ErrorIs(t, err, engine.ErrInternalInvariant)
	})

	t.Run("Handshake unwrap produces plaintext", func(t *testing.T) {
		f := &fakeEngine{
			script: []engine.HandshakeStatus{engine.NeedUnwrap},
			unwrapFn: func(src, dst []byte) (engine.Result, error) {
				return engine.Result{Status: engine.StatusOK, BytesConsumed: len(src), BytesProduced: 2}, nil
			},
		}
		ep, peer := newEndpoint(t, f, config.Default())
		write(t, peer, []byte{1, 'a'})
		require.NoError(t, ep.BeginHandshake())

		_, err := handshake.NewDriver(slog.Default()).Advance(context.Background(), ep)
		require.ErrorIs(t, err, engine.ErrInternalInvariant)
	})

	t.Run("Consumed beyond input", func(t *testing.T) {
		f := &fakeEngine{
			script: []engine.HandshakeStatus{engine.NeedUnwrap},
			unwrapFn: func(src, dst []byte) (engine.Result, error) {
				return engine.Result{Status: engine.StatusOK, BytesConsumed: len(src) + 1}, nil
			},
		}
		ep, peer := newEndpoint(t, f, config.Default())
		write(t, peer, []byte{1, 'a'})
		require.NoError(t, ep.BeginHandshake())

		_, err := handshake.NewDriver(slog.Default()).Advance(context.Background(), ep)
		require.ErrorIs(t, err, engine.ErrInternalInvariant)
	})

	t.Run("Task missing", func(t *testing.T) {
		f := &fakeEngine{
			script: []engine.HandshakeStatus{engine.NeedTask},
			noTask: true,
		}
		ep, _ := newEndpoint(t, f, config.Default())
		require.NoError(t, ep.BeginHandshake())

		_, err := handshake.NewDriver(slog.Default()).Advance(context.Background(), ep)
		require.ErrorIs(t, err, engine.ErrInternalInvariant)
	})
}

func TestAdvanceGrowsOutbound(t *testing.T) {
	newEngine := func() *fakeEngine {
		return &fakeEngine{
			script: []engine.HandshakeStatus{engine.NeedWrap},
			wrapFn: func(src, dst []byte) (engine.Result, error) {
				if len(dst) < 40 {
					return engine.Result{Status: engine.StatusBufferOverflow, HandshakeStatus: engine.NeedWrap}, nil
				}

				n := copy(dst, make([]byte, 40))
				return engine.Result{Status: engine.StatusOK, HandshakeStatus: engine.NotHandshaking, BytesProduced: n}, nil
			},
		}
	}

	conf := config.Default()
	conf.BufferSize = 16
	conf.MaxBufferSize = 64

	f := newEngine()
	ep, peer := newEndpoint(t, f, conf)
	require.NoError(t, ep.BeginHandshake())

	_, err := handshake.NewDriver(slog.Default()).Advance(context.Background(), ep)
	require.NoError(t, err)
	require.Equal(t, 64, ep.Outbound.Capacity())
	require.Len(t, read(t, peer), 40)

	conf.MaxBufferSize = 32

	f = newEngine()
	ep, _ = newEndpoint(t, f, conf)
	require.NoError(t, ep.BeginHandshake())

	_, err = handshake.NewDriver(slog.Default()).Advance(context.Background(), ep)
	require.ErrorIs(t, err, engine.ErrBufferOverflow)
}

func TestAdvanceTaskPool(t *testing.T) {
	f := &fakeEngine{
		script: []engine.HandshakeStatus{engine.NeedTask, engine.NotHandshaking},
	}
	ep, _ := newEndpoint(t, f, config.Default())
	d := handshake.NewDriver(slog.Default(), handshake.WithTaskPool(taskpool.New(slog.Default(), 2)))

	require.NoError(t, ep.BeginHandshake())

	status, err := d.Advance(context.Background(), ep)
	require.NoError(t, err)
	require.Equal(t, engine.NotHandshaking, status)
	require.Equal(t, 1, f.tasks)
}

func TestAdvanceTransportClosed(t *testing.T) {
	f := &fakeEngine{
		script: []engine.HandshakeStatus{engine.NeedUnwrap},
	}
	ep, peer := newEndpoint(t, f, config.Default())
	require.NoError(t, ep.BeginHandshake())
	require.NoError(t, peer.Close())

	_, err := handshake.NewDriver(slog.Default()).Advance(context.Background(), ep)
	require.ErrorIs(t, err, engine.ErrClosed)
}

func TestAdvancePendingOutbound(t *testing.T) {
	f := &fakeEngine{
		script: []engine.HandshakeStatus{engine.NeedWrap, engine.NeedUnwrap},
		flight: []byte("0123456789"),
	}

	a, peer := transport.Pipe(4)
	ep := handshake.NewEndpoint(f, a, config.Default())
	t.Cleanup(func() {
		require.NoError(t, ep.Close())
	})

	d := handshake.NewDriver(slog.Default())
	require.NoError(t, ep.BeginHandshake())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := d.Advance(ctx, ep)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, "0123", string(read(t, peer)))

	received := make(chan []byte)
	go func() {
		var buf []byte
		for len(buf) < 6 {
			_ = peer.WaitReadable(context.Background())

			p := make([]byte, 16)
			n, _ := peer.TryRead(p)
			buf = append(buf, p[:n]...)
		}
		received <- buf
	}()

	status, err := d.Advance(context.Background(), ep)
	require.NoError(t, err)
	require.Equal(t, engine.NeedUnwrap, status)
	require.Equal(t, "456789", string(<-received))
	require.Equal(t, 1, f.wraps)
}

func TestAdvanceClosedEndpoint(t *testing.T) {
	f := &fakeEngine{
		script: []engine.HandshakeStatus{engine.NeedUnwrap},
	}

	a, _ := transport.Pipe(0)
	ep := handshake.NewEndpoint(f, a, config.Default())
	require.NoError(t, ep.Close())
	require.NoError(t, ep.Close())

	_, err := handshake.NewDriver(slog.Default()).Advance(context.Background(), ep)
	require.ErrorIs(t, err, engine.ErrClosed)
}

func TestSendBeforeHandshake(t *testing.T) {
	f := &fakeEngine{
		script: []engine.HandshakeStatus{engine.NeedTask},
	}
	ep, _ := newEndpoint(t, f, config.Default())
	d := handshake.NewDriver(slog.Default())

	_, err := d.Send(context.Background(), ep, []byte("hello"))
	require.ErrorIs(t, err, engine.ErrHandshakeIncomplete)

	_, err = d.Receive(context.Background(), ep)
	require.ErrorIs(t, err, engine.ErrHandshakeIncomplete)
}

type snapshotState struct {
	InboundReading   bool
	InboundPosition  int
	InboundRemaining int
	Outbound         string
}

func snapshot(ep *handshake.Endpoint) snapshotState {
	return snapshotState{
		InboundReading:   ep.Inbound.Reading(),
		InboundPosition:  ep.Inbound.Position(),
		InboundRemaining: ep.Inbound.Remaining(),
		Outbound:         ep.Outbound.String(),
	}
}

func newEndpoint(t *testing.T, e engine.Engine, conf *config.Config) (*handshake.Endpoint, *transport.PipeEnd) {
	t.Helper()

	a, b := transport.Pipe(0)
	ep := handshake.NewEndpoint(e, a, conf)
	t.Cleanup(func() {
		require.NoError(t, ep.Close())
	})

	return ep, b
}

func write(t *testing.T, p *transport.PipeEnd, b []byte) {
	t.Helper()

	n, err := p.TryWrite(b)
	require.NoError(t, err)
	require.Equal(t, len(b), n)
}

func read(t *testing.T, p *transport.PipeEnd) []byte {
	t.Helper()

	buf := make([]byte, 1024)
	n, err := p.TryRead(buf)
	require.NoError(t, err)

	return buf[:n]
}

// fakeEngine frames records as a length byte followed by that many bytes.
// Each wrap, complete unwrap and task moves to the next scripted status.
type fakeEngine struct {
	script   []engine.HandshakeStatus
	status   engine.HandshakeStatus
	flight   []byte
	wrapFn   func(src, dst []byte) (engine.Result, error)
	unwrapFn func(src, dst []byte) (engine.Result, error)
	noTask   bool

	records      []string
	wraps        int
	unwraps      int
	tasks        int
	taskInFlight bool
}

func (f *fakeEngine) next() {
	if len(f.script) == 0 {
		f.status = engine.NotHandshaking
		return
	}

	f.status, f.script = f.script[0], f.script[1:]
}

func (f *fakeEngine) BeginHandshake() error {
	f.next()
	return nil
}

func (f *fakeEngine) Wrap(src, dst []byte) (engine.Result, error) {
	f.wraps++

	if f.wrapFn != nil {
		res, err := f.wrapFn(src, dst)
		if err == nil && res.Status == engine.StatusOK {
			f.next()
		}
		return res, err
	}

	if len(dst) < len(f.flight) {
		return engine.Result{Status: engine.StatusBufferOverflow, HandshakeStatus: f.status}, nil
	}

	n := copy(dst, f.flight)
	f.next()

	return engine.Result{Status: engine.StatusOK, HandshakeStatus: f.status, BytesProduced: n}, nil
}

func (f *fakeEngine) Unwrap(src, dst []byte) (engine.Result, error) {
	f.unwraps++

	if f.unwrapFn != nil {
		return f.unwrapFn(src, dst)
	}

	if len(src) < 1 || len(src) < 1+int(src[0]) {
		return engine.Result{Status: engine.StatusBufferUnderflow, HandshakeStatus: f.status}, nil
	}

	n := 1 + int(src[0])
	f.records = append(f.records, string(src[1:n]))
	f.next()

	return engine.Result{Status: engine.StatusOK, HandshakeStatus: f.status, BytesConsumed: n}, nil
}

func (f *fakeEngine) HandshakeStatus() engine.HandshakeStatus {
	return f.status
}

func (f *fakeEngine) NextDelegatedTask() engine.Task {
	if f.noTask || f.taskInFlight {
		return nil
	}
	f.taskInFlight = true

	return func() error {
		f.tasks++
		f.taskInFlight = false
		f.next()
		return nil
	}
}

func (f *fakeEngine) CloseOutbound() error {
	return nil
}

func (f *fakeEngine) Close() error {
	return nil
}
