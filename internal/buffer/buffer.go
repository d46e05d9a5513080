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

// Package buffer implements fixed capacity network buffers with explicit
// write and read modes.
package buffer

import (
	"errors"
	"fmt"
)

// DefaultCapacity holds a full handshake flight with room to spare.
const DefaultCapacity = 1024 * 1024

// ErrOverflow is returned when a write exceeds the buffer capacity.
var ErrOverflow = errors.New("buffer capacity exceeded")

// Buffer is a byte buffer that is either in write mode, accepting bytes up to
// its capacity, or in read mode, exposing the window of bytes not yet read.
//
// In write mode [0, pos) holds written bytes and [pos, limit) is free space.
// In read mode [pos, limit) holds unread bytes.
type Buffer struct {
	data    []byte
	pos     int
	limit   int
	reading bool
}

// New returns an empty buffer in write mode.
func New(capacity int) *Buffer {
	return &Buffer{
		data:  make([]byte, capacity),
		limit: capacity,
	}
}

// Reset clears the buffer for writing.
func (b *Buffer) Reset() {
	b.pos = 0
	b.limit = len(b.data)
	b.reading = false
}

// Flip switches from write mode to read mode, exposing everything written.
func (b *Buffer) Flip() {
	if b.reading {
		return
	}

	b.limit = b.pos
	b.pos = 0
	b.reading = true
}

// Compact moves unread bytes to the front and switches back to write mode, so
// more bytes can be appended after them.
func (b *Buffer) Compact() {
	if !b.reading {
		return
	}

	n := copy(b.data, b.data[b.pos:b.limit])
	b.pos = n
	b.limit = len(b.data)
	b.reading = false
}

// Reading reports whether the buffer is in read mode.
func (b *Buffer) Reading() bool {
	return b.reading
}

// Position returns the read offset in read mode, or the number of bytes
// written in write mode.
func (b *Buffer) Position() int {
	return b.pos
}

// Capacity returns the size of the backing storage.
func (b *Buffer) Capacity() int {
	return len(b.data)
}

// Remaining returns the unread bytes in read mode or the free space in write
// mode.
func (b *Buffer) Remaining() int {
	return b.limit - b.pos
}

// HasRemaining reports whether Remaining is non-zero.
func (b *Buffer) HasRemaining() bool {
	return b.pos < b.limit
}

// Readable returns the unread window. It is nil in write mode.
func (b *Buffer) Readable() []byte {
	if !b.reading {
		return nil
	}

	return b.data[b.pos:b.limit]
}

// Writable returns the free space. It is nil in read mode.
func (b *Buffer) Writable() []byte {
	if b.reading {
		return nil
	}

	return b.data[b.pos:b.limit]
}

// Written returns the bytes written so far in write mode.
func (b *Buffer) Written() []byte {
	if b.reading {
		return nil
	}

	return b.data[:b.pos]
}

// Advance moves the position forward by n bytes, marking them as read in read
// mode or as written in write mode.
func (b *Buffer) Advance(n int) {
	if n < 0 || n > b.limit-b.pos {
		panic(fmt.Sprintf("buffer: advance %d out of range [0, %d]", n, b.limit-b.pos))
	}

	b.pos += n
}

// Write appends p in write mode.
func (b *Buffer) Write(p []byte) (int, error) {
	if b.reading {
		return 0, errors.New("buffer is in read mode")
	}

	if len(p) > b.limit-b.pos {
		return 0, fmt.Errorf("failed to write %d bytes: %w", len(p), ErrOverflow)
	}

	n := copy(b.data[b.pos:], p)
	b.pos += n

	return n, nil
}

// Grow doubles the capacity, preserving content and mode. It returns
// ErrOverflow if the new capacity would exceed max.
func (b *Buffer) Grow(max int) error {
	newCap := 2 * len(b.data)
	if newCap == 0 {
		newCap = 1
	}

	if max > 0 && newCap > max {
		return fmt.Errorf("failed to grow buffer beyond %d bytes: %w", max, ErrOverflow)
	}

	data := make([]byte, newCap)
	copy(data, b.data)

	if !b.reading {
		b.limit = newCap
	}
	b.data = data

	return nil
}

func (b *Buffer) String() string {
	mode := "write"
	if b.reading {
		mode = "read"
	}

	return fmt.Sprintf("Buffer[mode=%s pos=%d lim=%d cap=%d]", mode, b.pos, b.limit, len(b.data))
}
