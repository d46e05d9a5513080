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

package engine

import "errors"

var (
	// ErrWouldBlock is returned by transports when no progress can be made
	// without waiting. It is not a failure.
	ErrWouldBlock = errors.New("operation would block")
	// ErrBufferUnderflow means more network bytes are needed.
	ErrBufferUnderflow = errors.New("buffer underflow")
	// ErrBufferOverflow means a destination buffer could not be grown enough.
	ErrBufferOverflow = errors.New("buffer overflow")
	// ErrEngineFault is a malformed record or a failed handshake. The endpoint
	// must be closed.
	ErrEngineFault = errors.New("engine fault")
	// ErrClosed means the peer or the transport has closed.
	ErrClosed = errors.New("connection closed")
	// ErrInternalInvariant is an engine contract violation.
	ErrInternalInvariant = errors.New("internal invariant violation")
	// ErrHandshakeIncomplete is returned when application data is exchanged
	// before the handshake has finished.
	ErrHandshakeIncomplete = errors.New("handshake incomplete")
)
