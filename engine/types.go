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

// Package engine defines the contract between the handshake driver and a
// record-layer security engine.
package engine

import "fmt"

// HandshakeStatus is the next action an engine requires from its driver.
type HandshakeStatus int

const (
	NotHandshaking HandshakeStatus = iota
	NeedWrap
	NeedUnwrap
	NeedTask
	// Finished is only reported in the Result of the operation that
	// completed the handshake. The engine reports NotHandshaking afterwards.
	Finished
)

func (s HandshakeStatus) String() string {
	switch s {
	case NotHandshaking:
		return "NOT_HANDSHAKING"
	case NeedWrap:
		return "NEED_WRAP"
	case NeedUnwrap:
		return "NEED_UNWRAP"
	case NeedTask:
		return "NEED_TASK"
	case Finished:
		return "FINISHED"
	default:
		return fmt.Sprintf("HandshakeStatus(%d)", int(s))
	}
}

// Terminal reports whether the handshake no longer needs driving.
func (s HandshakeStatus) Terminal() bool {
	return s == Finished || s == NotHandshaking
}

// Status is the outcome of a single wrap or unwrap.
type Status int

const (
	StatusOK Status = iota
	StatusBufferUnderflow
	StatusBufferOverflow
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBufferUnderflow:
		return "BUFFER_UNDERFLOW"
	case StatusBufferOverflow:
		return "BUFFER_OVERFLOW"
	case StatusClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Result describes what a wrap or unwrap did. BytesConsumed never exceeds the
// length of the source slice and BytesProduced never exceeds the length of the
// destination slice.
type Result struct {
	Status          Status
	HandshakeStatus HandshakeStatus
	BytesConsumed   int
	BytesProduced   int
}

func (r Result) String() string {
	return fmt.Sprintf("Status = %s HandshakeStatus = %s bytesConsumed = %d bytesProduced = %d",
		r.Status, r.HandshakeStatus, r.BytesConsumed, r.BytesProduced)
}

// Task is a unit of CPU-bound work delegated by the engine to its caller.
type Task func() error

// Engine is a TLS record-layer state machine. An engine is owned by a single
// flow at a time and is not safe for concurrent use.
type Engine interface {
	// BeginHandshake starts the handshake. It does no I/O.
	BeginHandshake() error
	// Wrap consumes plaintext from src and writes protocol bytes into dst.
	Wrap(src, dst []byte) (Result, error)
	// Unwrap consumes protocol bytes from src and writes plaintext into dst.
	Unwrap(src, dst []byte) (Result, error)
	// HandshakeStatus returns the action the engine needs next.
	HandshakeStatus() HandshakeStatus
	// NextDelegatedTask returns the next pending task, or nil if there is none.
	NextDelegatedTask() Task
	// CloseOutbound queues a close_notify alert to be returned by the next Wrap.
	CloseOutbound() error
	// Close releases the engine.
	Close() error
}
