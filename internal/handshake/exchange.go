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

package handshake

import (
	"bytes"
	"context"
	"fmt"

	"github.com/dpeckett/nbtls/engine"
)

// Send wraps payload into records and writes them to the transport. It
// returns the number of plaintext bytes the engine consumed.
func (d *Driver) Send(ctx context.Context, ep *Endpoint, payload []byte) (int, error) {
	if err := d.checkEstablished(ep); err != nil {
		return 0, err
	}

	if err := d.flush(ctx, ep); err != nil {
		return 0, err
	}

	var sent int
	for sent < len(payload) {
		ep.Outbound.Reset()

		res, err := d.wrap(ep, payload[sent:])
		if err != nil {
			return sent, fmt.Errorf("failed to wrap application data: %w", err)
		}
		sent += res.BytesConsumed

		ep.Outbound.Flip()

		if err := d.flush(ctx, ep); err != nil {
			return sent, err
		}

		if res.Status == engine.StatusClosed {
			return sent, fmt.Errorf("failed to send application data: %w", engine.ErrClosed)
		}

		if res.BytesConsumed == 0 && res.BytesProduced == 0 {
			return sent, fmt.Errorf("%w: wrap made no progress", engine.ErrInternalInvariant)
		}
	}

	return sent, nil
}

// Receive returns the plaintext of the next records carrying application
// data, waiting on the transport until at least one arrives.
func (d *Driver) Receive(ctx context.Context, ep *Endpoint) ([]byte, error) {
	if err := d.checkEstablished(ep); err != nil {
		return nil, err
	}

	if ep.inboundClosed {
		return nil, fmt.Errorf("peer closed the session: %w", engine.ErrClosed)
	}

	app := ep.Application
	app.Reset()

	in := ep.Inbound
	for {
		var closed bool
		for in.Reading() && in.HasRemaining() {
			res, err := d.unwrap(ep, app)
			if err != nil {
				return nil, fmt.Errorf("failed to unwrap application data: %w", err)
			}

			if res.Status == engine.StatusClosed {
				ep.inboundClosed = true
				closed = true
				break
			}

			// Post-handshake messages, such as a key update, may need a reply.
			if ep.Engine.HandshakeStatus() == engine.NeedWrap {
				if _, err := d.Advance(ctx, ep); err != nil {
					return nil, err
				}
			}

			if res.Status == engine.StatusBufferUnderflow {
				if err := d.growIfFull(ep); err != nil {
					return nil, err
				}

				break
			}
		}

		if app.Position() > 0 {
			return bytes.Clone(app.Written()), nil
		}

		if closed {
			return nil, fmt.Errorf("peer closed the session: %w", engine.ErrClosed)
		}

		in.Compact()

		n, err := d.readAvailable(ep)

		in.Flip()

		if err != nil {
			return nil, err
		}

		if n == 0 {
			if err := ep.Transport.WaitReadable(ctx); err != nil {
				return nil, fmt.Errorf("failed to wait for application data: %w", err)
			}
		}
	}
}

// Shutdown sends close_notify and flushes it. The transport stays open.
func (d *Driver) Shutdown(ctx context.Context, ep *Endpoint) error {
	if ep.closed {
		return nil
	}

	if err := d.flush(ctx, ep); err != nil {
		return err
	}

	if err := ep.Engine.CloseOutbound(); err != nil {
		return fmt.Errorf("failed to close outbound: %w", err)
	}

	ep.Outbound.Reset()

	if _, err := d.wrap(ep, nil); err != nil {
		return fmt.Errorf("failed to wrap close_notify: %w", err)
	}

	ep.Outbound.Flip()

	return d.flush(ctx, ep)
}

func (d *Driver) checkEstablished(ep *Endpoint) error {
	if ep.closed {
		return fmt.Errorf("endpoint %s: %w", ep.ID, engine.ErrClosed)
	}

	if !ep.established {
		return engine.ErrHandshakeIncomplete
	}

	return nil
}
