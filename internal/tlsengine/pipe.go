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

package tlsengine

import (
	"bytes"
	"io"
	"net"
	"time"
)

// errWouldBlock is returned to the TLS connection when no input is queued
// after the handshake. It is temporary, so the connection stays usable.
var errWouldBlock net.Error = wouldBlockError{}

type wouldBlockError struct{}

func (wouldBlockError) Error() string   { return "tlsengine: no record queued" }
func (wouldBlockError) Timeout() bool   { return true }
func (wouldBlockError) Temporary() bool { return true }

// recordPipe is the net.Conn beneath the TLS connection. Unwrap queues
// records on in, the connection's writes accumulate on out until Wrap drains
// them.
type recordPipe struct {
	in  bytes.Buffer
	out bytes.Buffer
	// park suspends the handshake goroutine until more input is queued and
	// reports whether the pipe is still open. It is nil once the handshake has
	// returned.
	park   func() bool
	closed bool
}

func (p *recordPipe) Read(b []byte) (int, error) {
	for p.in.Len() == 0 {
		if p.closed {
			return 0, io.EOF
		}

		if p.park == nil {
			return 0, errWouldBlock
		}

		if !p.park() {
			return 0, net.ErrClosed
		}
	}

	return p.in.Read(b)
}

func (p *recordPipe) Write(b []byte) (int, error) {
	if p.closed {
		return 0, net.ErrClosed
	}

	return p.out.Write(b)
}

func (p *recordPipe) Close() error {
	p.closed = true
	return nil
}

func (p *recordPipe) LocalAddr() net.Addr                { return pipeAddr{} }
func (p *recordPipe) RemoteAddr() net.Addr               { return pipeAddr{} }
func (p *recordPipe) SetDeadline(t time.Time) error      { return nil }
func (p *recordPipe) SetReadDeadline(t time.Time) error  { return nil }
func (p *recordPipe) SetWriteDeadline(t time.Time) error { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "tlsengine" }
func (pipeAddr) String() string  { return "tlsengine" }
