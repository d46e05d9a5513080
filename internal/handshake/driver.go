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

// Package handshake drives security engines over non-blocking transports.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dpeckett/nbtls/engine"
	"github.com/dpeckett/nbtls/internal/buffer"
	"github.com/dpeckett/nbtls/internal/metrics"
	"github.com/dpeckett/nbtls/internal/taskpool"
)

// Driver moves an endpoint's handshake forward one engine transition at a
// time. A driver holds no per-endpoint state and may be shared.
type Driver struct {
	logger  *slog.Logger
	pool    *taskpool.Pool
	metrics *metrics.Metrics
}

type Option func(*Driver)

// WithTaskPool runs delegated tasks on pool instead of the calling goroutine.
func WithTaskPool(pool *taskpool.Pool) Option {
	return func(d *Driver) {
		d.pool = pool
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Driver) {
		d.metrics = m
	}
}

func NewDriver(logger *slog.Logger, opts ...Option) *Driver {
	d := &Driver{
		logger: logger,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Advance performs the single action the engine currently asks for and
// returns the resulting handshake status. It returns NeedUnwrap without
// touching the endpoint buffers when no inbound bytes are available.
func (d *Driver) Advance(ctx context.Context, ep *Endpoint) (engine.HandshakeStatus, error) {
	status, _, err := d.step(ctx, ep)
	return status, err
}

// Handshake advances ep until the handshake finishes, waiting on the
// transport whenever the engine needs bytes that have not arrived yet. The
// caller bounds the handshake through ctx.
func (d *Driver) Handshake(ctx context.Context, ep *Endpoint) (err error) {
	start := time.Now()
	defer func() {
		d.metrics.Handshake(start, err)
	}()

	if err := ep.BeginHandshake(); err != nil {
		return fmt.Errorf("failed to begin handshake: %w", err)
	}

	for {
		status, progressed, err := d.step(ctx, ep)
		if err != nil {
			return err
		}

		if status.Terminal() {
			d.logger.Info("Handshake complete",
				"endpoint", ep.ID, "duration", time.Since(start))

			return nil
		}

		if status == engine.NeedUnwrap && !progressed {
			if err := ep.Transport.WaitReadable(ctx); err != nil {
				return fmt.Errorf("failed to wait for handshake data: %w", err)
			}
		}
	}
}

// step is Advance, additionally reporting whether the engine consumed or
// produced anything.
func (d *Driver) step(ctx context.Context, ep *Endpoint) (engine.HandshakeStatus, bool, error) {
	if ep.closed {
		return engine.NotHandshaking, false, fmt.Errorf("endpoint %s: %w", ep.ID, engine.ErrClosed)
	}

	// Bytes left over from an interrupted write go out before anything new is
	// produced.
	if err := d.flush(ctx, ep); err != nil {
		return ep.Engine.HandshakeStatus(), false, err
	}

	status := ep.Engine.HandshakeStatus()
	if status.Terminal() {
		if ep.begun {
			ep.established = true
		}

		return status, false, nil
	}

	d.metrics.Step(status)

	var (
		res        engine.Result
		progressed bool
		err        error
	)
	switch status {
	case engine.NeedWrap:
		res, err = d.wrapHandshake(ctx, ep)
		progressed = err == nil
	case engine.NeedUnwrap:
		res, progressed, err = d.unwrapHandshake(ep)
	case engine.NeedTask:
		err = d.runTask(ctx, ep)
		progressed = err == nil
	default:
		return status, false, fmt.Errorf("%w: unknown handshake status %s", engine.ErrInternalInvariant, status)
	}

	next := ep.Engine.HandshakeStatus()
	if res.HandshakeStatus == engine.Finished {
		next = engine.Finished
	}

	d.logger.Debug("Handshake step",
		"endpoint", ep.ID, "status", status, "result", res.String(), "next", next)

	if err != nil {
		return next, progressed, err
	}

	if next.Terminal() && ep.begun {
		ep.established = true
	}

	return next, progressed, nil
}

func (d *Driver) wrapHandshake(ctx context.Context, ep *Endpoint) (engine.Result, error) {
	ep.Outbound.Reset()

	res, err := d.wrap(ep, nil)
	if err != nil {
		return res, fmt.Errorf("failed to wrap handshake data: %w", err)
	}

	if res.BytesConsumed != 0 {
		return res, fmt.Errorf("%w: handshake wrap consumed %d plaintext bytes",
			engine.ErrInternalInvariant, res.BytesConsumed)
	}

	ep.Outbound.Flip()

	if err := d.flush(ctx, ep); err != nil {
		return res, err
	}

	if res.Status == engine.StatusClosed {
		return res, fmt.Errorf("engine closed during handshake: %w", engine.ErrClosed)
	}

	return res, nil
}

func (d *Driver) unwrapHandshake(ep *Endpoint) (engine.Result, bool, error) {
	in := ep.Inbound

	// Records left over from the previous read are unwrapped before the
	// transport is touched again.
	if in.Reading() && in.Position() > 0 && in.HasRemaining() {
		res, err := d.unwrapHandshakeRecord(ep)
		if err != nil {
			return res, res.BytesConsumed > 0, err
		}

		if res.Status != engine.StatusBufferUnderflow {
			return res, res.BytesConsumed > 0, nil
		}

		// Only a fragment of the next record is buffered. It is kept and
		// completed by a fresh read.
	}

	if err := d.fill(ep); err != nil {
		return engine.Result{}, false, err
	}

	if !in.HasRemaining() {
		return engine.Result{
			Status:          engine.StatusBufferUnderflow,
			HandshakeStatus: engine.NeedUnwrap,
		}, false, nil
	}

	res, err := d.unwrapHandshakeRecord(ep)
	if err != nil {
		return res, res.BytesConsumed > 0, err
	}

	if res.Status == engine.StatusBufferUnderflow {
		if err := d.growIfFull(ep); err != nil {
			return res, false, err
		}
	}

	return res, res.BytesConsumed > 0, nil
}

func (d *Driver) unwrapHandshakeRecord(ep *Endpoint) (engine.Result, error) {
	ep.scratch.Reset()

	res, err := d.unwrap(ep, ep.scratch)
	if err != nil {
		return res, fmt.Errorf("failed to unwrap handshake data: %w", err)
	}

	if res.BytesProduced != 0 {
		return res, fmt.Errorf("%w: handshake unwrap produced %d plaintext bytes",
			engine.ErrInternalInvariant, res.BytesProduced)
	}

	if res.Status == engine.StatusClosed {
		return res, fmt.Errorf("engine closed during handshake: %w", engine.ErrClosed)
	}

	return res, nil
}

func (d *Driver) runTask(ctx context.Context, ep *Endpoint) error {
	task := ep.Engine.NextDelegatedTask()
	if task == nil {
		return fmt.Errorf("%w: engine needs a task but has none", engine.ErrInternalInvariant)
	}

	var err error
	if d.pool != nil {
		err = <-d.pool.Submit(ctx, task)
	} else {
		err = task()
	}
	if err != nil {
		return fmt.Errorf("delegated task failed: %w", err)
	}

	return nil
}

// wrap wraps src into the free space of the outbound buffer, growing it while
// the engine reports overflow.
func (d *Driver) wrap(ep *Endpoint, src []byte) (engine.Result, error) {
	for {
		dst := ep.Outbound.Writable()

		res, err := ep.Engine.Wrap(src, dst)
		if err != nil {
			return res, err
		}

		if err := checkResult(res, len(src), len(dst)); err != nil {
			return res, err
		}

		ep.Outbound.Advance(res.BytesProduced)

		if res.Status != engine.StatusBufferOverflow {
			return res, nil
		}

		if err := d.grow(ep, ep.Outbound); err != nil {
			return res, err
		}
	}
}

// unwrap unwraps the readable inbound window into dst, growing dst while the
// engine reports overflow.
func (d *Driver) unwrap(ep *Endpoint, dst *buffer.Buffer) (engine.Result, error) {
	for {
		src := ep.Inbound.Readable()
		free := dst.Writable()

		res, err := ep.Engine.Unwrap(src, free)
		if err != nil {
			return res, err
		}

		if err := checkResult(res, len(src), len(free)); err != nil {
			return res, err
		}

		ep.Inbound.Advance(res.BytesConsumed)
		dst.Advance(res.BytesProduced)

		if res.Status != engine.StatusBufferOverflow {
			return res, nil
		}

		if err := d.grow(ep, dst); err != nil {
			return res, err
		}
	}
}

func checkResult(res engine.Result, srcLen, dstLen int) error {
	if res.BytesConsumed < 0 || res.BytesConsumed > srcLen {
		return fmt.Errorf("%w: engine consumed %d of %d bytes",
			engine.ErrInternalInvariant, res.BytesConsumed, srcLen)
	}

	if res.BytesProduced < 0 || res.BytesProduced > dstLen {
		return fmt.Errorf("%w: engine produced %d bytes into %d",
			engine.ErrInternalInvariant, res.BytesProduced, dstLen)
	}

	return nil
}

func (d *Driver) grow(ep *Endpoint, b *buffer.Buffer) error {
	if err := b.Grow(ep.maxBufferSize); err != nil {
		return fmt.Errorf("%w: %w", engine.ErrBufferOverflow, err)
	}

	d.metrics.BufferGrown()

	d.logger.Debug("Grew buffer", "endpoint", ep.ID, "buffer", b.String())

	return nil
}

// growIfFull grows the inbound buffer when a single incomplete record fills
// it, so the rest of the record has somewhere to go.
func (d *Driver) growIfFull(ep *Endpoint) error {
	in := ep.Inbound
	if in.Position() != 0 || in.Remaining() != in.Capacity() {
		return nil
	}

	if err := d.grow(ep, in); err != nil {
		return fmt.Errorf("%w: incomplete record larger than inbound buffer", err)
	}

	return nil
}

// fill appends whatever the transport has ready to the inbound buffer,
// keeping unread bytes, and leaves the buffer in read mode.
func (d *Driver) fill(ep *Endpoint) error {
	in := ep.Inbound
	in.Compact()

	_, err := d.readAvailable(ep)

	in.Flip()

	return err
}

// readAvailable reads until the transport would block or the buffer is full.
// A transport closed after delivering bytes reports the closure on the next
// call so the bytes can be processed first.
func (d *Driver) readAvailable(ep *Endpoint) (int, error) {
	if ep.peerClosed {
		return 0, fmt.Errorf("failed to read from transport: %w", engine.ErrClosed)
	}

	in := ep.Inbound

	var total int
	for in.HasRemaining() {
		n, err := ep.Transport.TryRead(in.Writable())
		if n > 0 {
			in.Advance(n)
			total += n

			d.metrics.Read(n)
		}

		switch {
		case err == nil:
			if n == 0 {
				return total, nil
			}
		case errors.Is(err, engine.ErrWouldBlock):
			return total, nil
		case errors.Is(err, engine.ErrClosed) && total > 0:
			ep.peerClosed = true
			return total, nil
		default:
			return total, fmt.Errorf("failed to read from transport: %w", err)
		}
	}

	return total, nil
}

// flush writes pending outbound bytes, waiting for the transport when it
// cannot take more. On error the unwritten bytes stay pending.
func (d *Driver) flush(ctx context.Context, ep *Endpoint) error {
	out := ep.Outbound
	if !out.Reading() {
		return nil
	}

	for out.HasRemaining() {
		n, err := ep.Transport.TryWrite(out.Readable())
		if n > 0 {
			out.Advance(n)

			d.metrics.Written(n)
		}

		switch {
		case err == nil:
		case errors.Is(err, engine.ErrWouldBlock):
			if err := ep.Transport.WaitWritable(ctx); err != nil {
				return fmt.Errorf("failed to wait for transport to become writable: %w", err)
			}
		default:
			return fmt.Errorf("failed to write to transport: %w", err)
		}
	}

	return nil
}
