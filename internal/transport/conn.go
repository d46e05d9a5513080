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
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/dpeckett/nbtls/engine"
	"golang.org/x/sys/unix"
)

var aLongTimeAgo = time.Unix(1, 0)

// Conn adapts a socket backed net.Conn. Reads and writes are single
// non-blocking syscalls; readiness waits are delegated to the runtime network
// poller.
type Conn struct {
	conn net.Conn
	raw  syscall.RawConn
}

// NewConn wraps conn, which must expose its file descriptor.
func NewConn(conn net.Conn) (*Conn, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("connection of type %T does not expose a file descriptor", conn)
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("failed to get raw connection: %w", err)
	}

	return &Conn{
		conn: conn,
		raw:  raw,
	}, nil
}

// NetConn returns the underlying connection.
func (c *Conn) NetConn() net.Conn {
	return c.conn
}

// Control invokes f with the socket's file descriptor.
func (c *Conn) Control(f func(fd uintptr)) error {
	return c.raw.Control(f)
}

func (c *Conn) TryRead(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	var n int
	var opErr error
	if err := c.raw.Read(func(fd uintptr) bool {
		n, opErr = unix.Read(int(fd), p)
		return true
	}); err != nil {
		return 0, mapError(err)
	}

	switch {
	case errors.Is(opErr, unix.EAGAIN), errors.Is(opErr, unix.EINTR):
		return 0, engine.ErrWouldBlock
	case opErr != nil:
		return 0, mapError(opErr)
	case n == 0:
		return 0, engine.ErrClosed
	}

	return n, nil
}

func (c *Conn) TryWrite(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	var n int
	var opErr error
	if err := c.raw.Write(func(fd uintptr) bool {
		n, opErr = unix.Write(int(fd), p)
		return true
	}); err != nil {
		return 0, mapError(err)
	}

	switch {
	case errors.Is(opErr, unix.EAGAIN), errors.Is(opErr, unix.EINTR):
		return 0, engine.ErrWouldBlock
	case opErr != nil:
		return 0, mapError(opErr)
	}

	return n, nil
}

func (c *Conn) WaitReadable(ctx context.Context) error {
	var probe [1]byte
	polled := false

	return c.wait(ctx, c.conn.SetReadDeadline, func() error {
		return c.raw.Read(func(fd uintptr) bool {
			// Peeking keeps readiness level triggered: data left unread by a
			// previous wait is reported immediately.
			_, _, err := unix.Recvfrom(int(fd), probe[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
			if errors.Is(err, unix.ENOTSOCK) {
				if polled {
					return true
				}
				polled = true
				return false
			}

			return !errors.Is(err, unix.EAGAIN)
		})
	})
}

func (c *Conn) WaitWritable(ctx context.Context) error {
	polled := false

	return c.wait(ctx, c.conn.SetWriteDeadline, func() error {
		return c.raw.Write(func(uintptr) bool {
			if polled {
				return true
			}
			polled = true
			return false
		})
	})
}

func (c *Conn) Close() error {
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close connection: %w", err)
	}

	return nil
}

func (c *Conn) wait(ctx context.Context, setDeadline func(time.Time) error, wait func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline, _ := ctx.Deadline()
	if err := setDeadline(deadline); err != nil {
		return mapError(err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = setDeadline(aLongTimeAgo)
	})
	defer func() {
		stop()
		_ = setDeadline(time.Time{})
	}()

	if err := wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if errors.Is(err, os.ErrDeadlineExceeded) {
			return context.DeadlineExceeded
		}

		return mapError(err)
	}

	return nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, net.ErrClosed),
		errors.Is(err, unix.ECONNRESET),
		errors.Is(err, unix.EPIPE),
		errors.Is(err, unix.ENOTCONN):
		return fmt.Errorf("%w: %w", engine.ErrClosed, err)
	default:
		return fmt.Errorf("transport error: %w", err)
	}
}
