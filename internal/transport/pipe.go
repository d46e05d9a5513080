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

package transport

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	"github.com/dpeckett/nbtls/engine"
)

// Pipe returns the two ends of an in-process duplex stream. Each direction
// buffers at most capacity bytes, or an unbounded amount when capacity is
// zero.
func Pipe(capacity int) (*PipeEnd, *PipeEnd) {
	a := newQueue(capacity)
	b := newQueue(capacity)

	return &PipeEnd{rx: a, tx: b}, &PipeEnd{rx: b, tx: a}
}

// PipeEnd is one end of a Pipe.
type PipeEnd struct {
	rx, tx *queue
	closed atomic.Bool

	// Reads counts TryRead calls, for tests.
	Reads atomic.Int64
}

func (p *PipeEnd) TryRead(b []byte) (int, error) {
	p.Reads.Add(1)

	if p.closed.Load() {
		return 0, engine.ErrClosed
	}

	if len(b) == 0 {
		return 0, nil
	}

	return p.rx.read(b)
}

func (p *PipeEnd) TryWrite(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, engine.ErrClosed
	}

	if len(b) == 0 {
		return 0, nil
	}

	return p.tx.write(b)
}

func (p *PipeEnd) WaitReadable(ctx context.Context) error {
	return p.rx.wait(ctx, p.rx.readable, func() bool {
		return p.closed.Load() || p.rx.buf.Len() > 0 || p.rx.closed
	})
}

func (p *PipeEnd) WaitWritable(ctx context.Context) error {
	return p.tx.wait(ctx, p.tx.writable, func() bool {
		return p.closed.Load() || p.tx.closed || p.tx.capacity == 0 || p.tx.buf.Len() < p.tx.capacity
	})
}

// Close closes both directions. Bytes already buffered for the peer remain
// readable by it.
func (p *PipeEnd) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.rx.close()
	p.tx.close()

	return nil
}

// Buffered returns the number of bytes waiting to be read from this end.
func (p *PipeEnd) Buffered() int {
	p.rx.mu.Lock()
	defer p.rx.mu.Unlock()

	return p.rx.buf.Len()
}

type queue struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	capacity int
	closed   bool
	readable chan struct{}
	writable chan struct{}
}

func newQueue(capacity int) *queue {
	return &queue{
		capacity: capacity,
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
	}
}

func (q *queue) read(b []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.buf.Len() == 0 {
		if q.closed {
			return 0, engine.ErrClosed
		}

		return 0, engine.ErrWouldBlock
	}

	n, _ := q.buf.Read(b)
	signal(q.writable)

	return n, nil
}

func (q *queue) write(b []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, engine.ErrClosed
	}

	n := len(b)
	if q.capacity > 0 {
		n = min(n, q.capacity-q.buf.Len())
	}

	if n == 0 {
		return 0, engine.ErrWouldBlock
	}

	q.buf.Write(b[:n])
	signal(q.readable)

	return n, nil
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	signal(q.readable)
	signal(q.writable)
}

func (q *queue) wait(ctx context.Context, ch chan struct{}, ready func() bool) error {
	for {
		q.mu.Lock()
		ok := ready()
		q.mu.Unlock()

		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
