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

// Package tlsengine adapts a TLS connection to the engine contract. The
// handshake runs as a coroutine that only makes progress inside delegated
// tasks, so all I/O stays with the driver.
package tlsengine

import (
	"errors"
	"fmt"
	"io"

	"github.com/dpeckett/ktls/tls"
	"github.com/dpeckett/nbtls/engine"
)

const (
	recordHeaderLen = 5
	// maxCiphertext is the largest record body a peer may send.
	maxCiphertext = 16384 + 2048
	// MaxPlaintext is the largest plaintext a single record carries. Unwrap
	// destinations must be at least this large once the handshake is done.
	MaxPlaintext = 16384
	// maxRecordOverhead bounds header, explicit IV, MAC, padding and inner
	// content type of one record.
	maxRecordOverhead = 512
)

type phase int

const (
	phaseIdle phase = iota
	phaseHandshaking
	phaseEstablished
	phaseFailed
	phaseClosed
)

type parkReason int

const (
	parkNeedInput parkReason = iota
	parkDone
)

// Engine is a TLS engine for one connection endpoint. It is not safe for
// concurrent use.
type Engine struct {
	conn  *tls.Conn
	pipe  *recordPipe
	phase phase

	// running is set while the handshake goroutine exists.
	running      bool
	resume       chan struct{}
	parked       chan parkReason
	handshakeErr error

	taskPending bool
	taskIssued  bool
	// finishing is set while the final handshake flight waits to be wrapped.
	finishing      bool
	outboundClosed bool
}

var _ engine.Engine = (*Engine)(nil)

func newEngine(conf *tls.Config, client bool) *Engine {
	e := &Engine{
		pipe:   &recordPipe{},
		resume: make(chan struct{}),
		parked: make(chan parkReason),
	}
	e.pipe.park = e.park

	if client {
		e.conn = tls.Client(e.pipe, conf)
	} else {
		e.conn = tls.Server(e.pipe, conf)
	}

	return e
}

func (e *Engine) BeginHandshake() error {
	switch e.phase {
	case phaseIdle:
		e.phase = phaseHandshaking
		e.taskPending = true
		return nil
	case phaseHandshaking:
		return nil
	case phaseEstablished:
		return errors.New("renegotiation is not supported")
	default:
		return fmt.Errorf("failed to begin handshake: %w", engine.ErrClosed)
	}
}

func (e *Engine) HandshakeStatus() engine.HandshakeStatus {
	switch e.phase {
	case phaseHandshaking:
		if e.taskPending {
			return engine.NeedTask
		}

		if e.pipe.out.Len() > 0 {
			return engine.NeedWrap
		}

		return engine.NeedUnwrap
	case phaseEstablished, phaseFailed:
		if e.pipe.out.Len() > 0 {
			return engine.NeedWrap
		}

		return engine.NotHandshaking
	default:
		return engine.NotHandshaking
	}
}

func (e *Engine) NextDelegatedTask() engine.Task {
	if e.phase != phaseHandshaking || !e.taskPending || e.taskIssued {
		return nil
	}

	e.taskIssued = true

	return func() error {
		defer func() {
			e.taskIssued = false
		}()

		return e.step()
	}
}

// step resumes the handshake until it needs more input or returns.
func (e *Engine) step() error {
	if e.phase != phaseHandshaking {
		return fmt.Errorf("failed to run handshake task: %w", engine.ErrClosed)
	}

	if !e.running {
		e.running = true
		go e.handshake()
	} else {
		e.resume <- struct{}{}
	}

	reason := <-e.parked
	e.taskPending = false

	if reason == parkNeedInput {
		return nil
	}

	e.running = false
	e.pipe.park = nil

	if e.handshakeErr != nil {
		e.phase = phaseFailed
		return fmt.Errorf("%w: TLS handshake failed: %w", engine.ErrEngineFault, e.handshakeErr)
	}

	e.phase = phaseEstablished
	e.finishing = e.pipe.out.Len() > 0

	return nil
}

func (e *Engine) handshake() {
	e.handshakeErr = e.conn.Handshake()
	e.parked <- parkDone
}

func (e *Engine) park() bool {
	e.parked <- parkNeedInput
	<-e.resume

	return !e.pipe.closed
}

func (e *Engine) Wrap(src, dst []byte) (engine.Result, error) {
	switch e.phase {
	case phaseIdle:
		if err := e.BeginHandshake(); err != nil {
			return engine.Result{}, err
		}

		return engine.Result{Status: engine.StatusOK, HandshakeStatus: e.HandshakeStatus()}, nil
	case phaseClosed:
		return engine.Result{Status: engine.StatusClosed, HandshakeStatus: engine.NotHandshaking}, nil
	}

	if e.pipe.out.Len() > 0 || e.phase != phaseEstablished {
		return e.drain(dst), nil
	}

	if e.outboundClosed {
		return engine.Result{Status: engine.StatusClosed, HandshakeStatus: engine.NotHandshaking}, nil
	}

	n := min(len(src), MaxPlaintext)
	if n == 0 {
		return engine.Result{Status: engine.StatusOK, HandshakeStatus: engine.NotHandshaking}, nil
	}

	if len(dst) < n+maxRecordOverhead {
		return engine.Result{Status: engine.StatusBufferOverflow, HandshakeStatus: engine.NotHandshaking}, nil
	}

	if _, err := e.conn.Write(src[:n]); err != nil {
		e.phase = phaseFailed
		return engine.Result{}, fmt.Errorf("%w: failed to encrypt record: %w", engine.ErrEngineFault, err)
	}

	if e.pipe.out.Len() > len(dst) {
		return engine.Result{}, fmt.Errorf("%w: record of %d bytes exceeds estimate", engine.ErrInternalInvariant, e.pipe.out.Len())
	}

	produced := copy(dst, e.pipe.out.Bytes())
	e.pipe.out.Reset()

	return engine.Result{
		Status:          engine.StatusOK,
		HandshakeStatus: engine.NotHandshaking,
		BytesConsumed:   n,
		BytesProduced:   produced,
	}, nil
}

// drain moves bytes already produced by the connection into dst. Pending
// bytes are never split, dst must hold all of them.
func (e *Engine) drain(dst []byte) engine.Result {
	if e.pipe.out.Len() > len(dst) {
		return engine.Result{Status: engine.StatusBufferOverflow, HandshakeStatus: e.HandshakeStatus()}
	}

	produced := copy(dst, e.pipe.out.Bytes())
	e.pipe.out.Reset()

	res := engine.Result{
		Status:          engine.StatusOK,
		HandshakeStatus: e.HandshakeStatus(),
		BytesProduced:   produced,
	}

	if e.finishing && e.phase == phaseEstablished {
		e.finishing = false
		res.HandshakeStatus = engine.Finished
	}

	if e.outboundClosed || e.phase == phaseFailed {
		res.Status = engine.StatusClosed
	}

	return res
}

func (e *Engine) Unwrap(src, dst []byte) (engine.Result, error) {
	switch e.phase {
	case phaseIdle:
		if err := e.BeginHandshake(); err != nil {
			return engine.Result{}, err
		}
	case phaseClosed, phaseFailed:
		return engine.Result{Status: engine.StatusClosed, HandshakeStatus: e.HandshakeStatus()}, nil
	}

	n, err := recordLen(src)
	if err != nil {
		return engine.Result{}, err
	}

	if n == 0 {
		return engine.Result{Status: engine.StatusBufferUnderflow, HandshakeStatus: e.HandshakeStatus()}, nil
	}

	if e.phase == phaseHandshaking {
		e.pipe.in.Write(src[:n])
		e.taskPending = true

		return engine.Result{
			Status:          engine.StatusOK,
			HandshakeStatus: engine.NeedTask,
			BytesConsumed:   n,
		}, nil
	}

	if len(dst) < MaxPlaintext {
		return engine.Result{Status: engine.StatusBufferOverflow, HandshakeStatus: e.HandshakeStatus()}, nil
	}

	e.pipe.in.Write(src[:n])

	produced, err := e.conn.Read(dst)
	switch {
	case err == nil, errors.Is(err, errWouldBlock):
	case errors.Is(err, io.EOF):
		e.phase = phaseClosed

		return engine.Result{
			Status:          engine.StatusClosed,
			HandshakeStatus: engine.NotHandshaking,
			BytesConsumed:   n,
			BytesProduced:   produced,
		}, nil
	default:
		e.phase = phaseFailed
		return engine.Result{}, fmt.Errorf("%w: failed to decrypt record: %w", engine.ErrEngineFault, err)
	}

	return engine.Result{
		Status:          engine.StatusOK,
		HandshakeStatus: e.HandshakeStatus(),
		BytesConsumed:   n,
		BytesProduced:   produced,
	}, nil
}

// recordLen returns the length of the complete record at the start of b, or
// zero if b holds only part of one.
func recordLen(b []byte) (int, error) {
	if len(b) < recordHeaderLen {
		return 0, nil
	}

	length := int(b[3])<<8 | int(b[4])
	if length > maxCiphertext {
		return 0, fmt.Errorf("%w: record length %d exceeds maximum %d", engine.ErrEngineFault, length, maxCiphertext)
	}

	if len(b) < recordHeaderLen+length {
		return 0, nil
	}

	return recordHeaderLen + length, nil
}

func (e *Engine) CloseOutbound() error {
	if e.outboundClosed {
		return nil
	}
	e.outboundClosed = true

	if e.phase != phaseEstablished {
		return e.Close()
	}

	if err := e.conn.CloseWrite(); err != nil {
		return fmt.Errorf("failed to queue close_notify: %w", err)
	}

	return nil
}

// Close stops a handshake in progress and discards queued records.
func (e *Engine) Close() error {
	if e.phase == phaseClosed {
		return nil
	}

	e.phase = phaseClosed
	e.pipe.closed = true

	for e.running {
		e.resume <- struct{}{}
		if <-e.parked == parkDone {
			e.running = false
		}
	}

	e.pipe.park = nil
	e.pipe.in.Reset()
	e.pipe.out.Reset()

	return nil
}

// ConnectionState returns the negotiated parameters. Only meaningful once the
// handshake has finished.
func (e *Engine) ConnectionState() tls.ConnectionState {
	return e.conn.ConnectionState()
}

// Buffered reports whether records are queued that the connection has not
// consumed.
func (e *Engine) Buffered() bool {
	return e.pipe.in.Len() > 0 || e.pipe.out.Len() > 0
}
