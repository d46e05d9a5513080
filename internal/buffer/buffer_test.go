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

package buffer_test

import (
	"testing"

	"github.com/dpeckett/nbtls/internal/buffer"
	"github.com/stretchr/testify/require"
)

func TestBufferModes(t *testing.T) {
	b := buffer.New(16)
	require.False(t, b.Reading())
	require.Nil(t, b.Readable())
	require.Len(t, b.Writable(), 16)

	n, err := b.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, 11, b.Remaining())

	b.Flip()
	require.True(t, b.Reading())
	require.Nil(t, b.Writable())
	require.Equal(t, []byte("hello"), b.Readable())

	b.Advance(2)
	require.Equal(t, 2, b.Position())
	require.Equal(t, []byte("llo"), b.Readable())

	b.Reset()
	require.False(t, b.Reading())
	require.Equal(t, 0, b.Position())
	require.Equal(t, 16, b.Remaining())
}

func TestBufferCompactPreservesUnread(t *testing.T) {
	b := buffer.New(8)
	_, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)

	b.Flip()
	b.Advance(4)

	b.Compact()
	require.False(t, b.Reading())
	require.Equal(t, []byte("ef"), b.Written())

	_, err = b.Write([]byte("gh"))
	require.NoError(t, err)

	b.Flip()
	require.Equal(t, []byte("efgh"), b.Readable())
}

func TestBufferOverflow(t *testing.T) {
	b := buffer.New(4)

	_, err := b.Write([]byte("12345"))
	require.ErrorIs(t, err, buffer.ErrOverflow)
	require.Equal(t, 0, b.Position())
}

func TestBufferGrow(t *testing.T) {
	b := buffer.New(4)
	_, err := b.Write([]byte("abcd"))
	require.NoError(t, err)
	require.False(t, b.HasRemaining())

	require.NoError(t, b.Grow(16))
	require.Equal(t, 8, b.Capacity())
	require.Equal(t, 4, b.Remaining())
	require.Equal(t, []byte("abcd"), b.Written())

	b.Flip()
	require.NoError(t, b.Grow(16))
	require.Equal(t, []byte("abcd"), b.Readable())

	require.ErrorIs(t, b.Grow(16), buffer.ErrOverflow)
}

func TestBufferAdvanceOutOfRange(t *testing.T) {
	b := buffer.New(4)
	b.Flip()

	require.Panics(t, func() { b.Advance(1) })
}
