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
	"github.com/dpeckett/nbtls/engine"
	"github.com/dpeckett/nbtls/internal/buffer"
	"github.com/dpeckett/nbtls/internal/config"
	"github.com/dpeckett/nbtls/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// Endpoint is one side of a connection. Its buffers and engine belong to the
// single flow driving it.
type Endpoint struct {
	ID        string
	Engine    engine.Engine
	Transport transport.Transport

	// Inbound holds bytes read from the transport and not yet unwrapped.
	Inbound *buffer.Buffer

	// Outbound holds wrapped bytes not yet written to the transport.
	Outbound *buffer.Buffer

	// Application receives plaintext once the handshake has finished.
	Application *buffer.Buffer

	// scratch is the plaintext side of handshake operations. It must stay
	// empty.
	scratch *buffer.Buffer

	maxBufferSize int
	begun         bool
	established   bool

	// peerClosed is set when the transport reached EOF after delivering
	// bytes, inboundClosed once the engine has seen close_notify.
	peerClosed    bool
	inboundClosed bool
	closed        bool
}

// NewEndpoint creates an endpoint with buffers sized by conf.
func NewEndpoint(e engine.Engine, t transport.Transport, conf *config.Config) *Endpoint {
	return &Endpoint{
		ID:            uuid.New().String(),
		Engine:        e,
		Transport:     t,
		Inbound:       buffer.New(conf.BufferSize),
		Outbound:      buffer.New(conf.BufferSize),
		Application:   buffer.New(conf.AppBufferSize),
		scratch:       buffer.New(conf.AppBufferSize),
		maxBufferSize: conf.MaxBufferSize,
	}
}

// BeginHandshake starts the engine's handshake. Further calls do nothing.
func (ep *Endpoint) BeginHandshake() error {
	if ep.closed {
		return engine.ErrClosed
	}

	if ep.begun {
		return nil
	}

	if err := ep.Engine.BeginHandshake(); err != nil {
		return err
	}
	ep.begun = true

	return nil
}

// Established reports whether the driver has observed the end of the
// handshake.
func (ep *Endpoint) Established() bool {
	return ep.established
}

// Close releases the buffers, the engine and the transport.
func (ep *Endpoint) Close() error {
	if ep.closed {
		return nil
	}
	ep.closed = true

	err := multierr.Combine(ep.Engine.Close(), ep.Transport.Close())

	ep.Inbound, ep.Outbound, ep.Application, ep.scratch = nil, nil, nil, nil

	return err
}
