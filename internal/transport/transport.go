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

// Package transport provides non-blocking duplex byte streams.
package transport

import "context"

// Transport is a non-blocking duplex byte stream. TryRead and TryWrite never
// block the calling goroutine: they return engine.ErrWouldBlock when no
// progress is possible and engine.ErrClosed once the stream has closed.
//
// WaitReadable and WaitWritable park the caller until the stream is ready or
// ctx is done. WaitWritable is only meaningful after a write would block.
type Transport interface {
	TryRead(p []byte) (int, error)
	TryWrite(p []byte) (int, error)
	WaitReadable(ctx context.Context) error
	WaitWritable(ctx context.Context) error
	Close() error
}
