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

// Package upcall serves handshake requests from the kernel's handshake
// generic netlink family.
package upcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"

	"github.com/dpeckett/ktls/tls"
	"github.com/dpeckett/nbtls/engine"
	"github.com/dpeckett/nbtls/internal/config"
	"github.com/dpeckett/nbtls/internal/credentials"
	"github.com/dpeckett/nbtls/internal/handshake"
	"github.com/dpeckett/nbtls/internal/keyring"
	"github.com/dpeckett/nbtls/internal/ktls"
	"github.com/dpeckett/nbtls/internal/tlsengine"
	"github.com/dpeckett/nbtls/internal/transport"
	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
)

// ErrNotForUs is returned for requests addressed to another handler class.
var ErrNotForUs = errors.New("not for TLS handshake service")

// Handler is a handler for the handshake service.
type Handler struct {
	logger   *slog.Logger
	conf     *config.Config
	material *credentials.Material
	driver   *handshake.Driver
}

// NewHandler creates a new handshake Handler. material is the default
// identity, used when a request names no keyring certificate.
func NewHandler(logger *slog.Logger, conf *config.Config, material *credentials.Material, driver *handshake.Driver) *Handler {
	return &Handler{
		logger:   logger,
		conf:     conf,
		material: material,
		driver:   driver,
	}
}

// Handle handles a handshake request from the kernel.
func (h *Handler) Handle(ctx context.Context, msg *genetlink.Message) error {
	h.logger.Info("Received handshake request")

	ok, err := forTLSHD(msg.Data)
	if err != nil {
		return err
	}

	if !ok {
		h.logger.Info("Rejected handshake request (not for TLS handshake service)")
		return ErrNotForUs
	}

	h.logger.Info("Accepted handshake request")

	conn, family, err := Dial(false)
	if err != nil {
		return fmt.Errorf("failed to open netlink connection: %w", err)
	}
	defer conn.Close()

	ae := netlink.NewAttributeEncoder()
	ae.Uint32(AttrAcceptHandlerClass, uint32(HandlerClassTLSHD))

	data, err := ae.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}

	// Get the handshake parameters back from the kernel.
	paramMsgs, err := conn.Execute(genetlink.Message{
		Header: genetlink.Header{Command: CmdAccept},
		Data:   data,
	}, family.ID, netlink.Request|netlink.Acknowledge)
	if err != nil {
		return fmt.Errorf("failed to send accept message: %w", err)
	}

	if len(paramMsgs) != 1 {
		return fmt.Errorf("expected one response to the accept message, but got: %d", len(paramMsgs))
	}

	params, err := decodeParams(paramMsgs[0].Data)
	if err != nil {
		return fmt.Errorf("failed to decode handshake parameters: %w", err)
	}

	h.logger.Info("Received handshake parameters",
		"type", params.HandshakeType, "auth", params.AuthMode, "peerName", params.PeerName)

	remotePeerIDs, err := h.handshake(ctx, params)
	if err != nil {
		h.logger.Error("Handshake failed", "error", err)
	}

	status := sessionStatus(err)

	h.logger.Info("Sending handshake done message", "status", status)

	// Send a done message and the original socket file descriptor back to the kernel.
	ae = netlink.NewAttributeEncoder()
	ae.Uint32(AttrDoneStatus, status)
	ae.Int32(AttrDoneSockFD, params.SockFD)

	for _, id := range remotePeerIDs {
		ae.Int32(AttrDoneRemoteAuth, int32(id))
	}

	data, err = ae.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}

	if _, err := conn.Send(genetlink.Message{
		Header: genetlink.Header{Command: CmdDone},
		Data:   data,
	}, family.ID, netlink.Request); err != nil {
		return fmt.Errorf("failed to send done message: %w", err)
	}

	return nil
}

// handshake drives the TLS handshake over a duplicate of the handed over
// socket and returns the keyring serials of the peer's certificates. The
// duplicate is closed before returning.
func (h *Handler) handshake(ctx context.Context, params *Params) ([]keyring.KeySerial, error) {
	switch params.AuthMode {
	case AuthUnauth, AuthX509:
	case AuthPSK:
		return nil, fmt.Errorf("TLS PSK is not supported by Go: %w", syscall.EOPNOTSUPP)
	default:
		return nil, fmt.Errorf("unrecognized auth mode: %s", params.AuthMode)
	}

	netConn, err := openConn(params.SockFD)
	if err != nil {
		return nil, err
	}

	t, err := transport.NewConn(netConn)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}

	if params.PeerName == "" && params.HandshakeType == MsgTypeClientHello {
		params.PeerName, err = resolvePeerName(netConn)
		if err != nil {
			_ = t.Close()
			return nil, err
		}
	}

	factory, err := h.factory(params)
	if err != nil {
		_ = t.Close()
		return nil, err
	}

	var e *tlsengine.Engine
	switch params.HandshakeType {
	case MsgTypeClientHello:
		e = factory.NewClient(params.PeerName)
	case MsgTypeServerHello:
		e = factory.NewServer()
	default:
		_ = t.Close()
		return nil, fmt.Errorf("unrecognized handshake type: %s", params.HandshakeType)
	}

	ep := handshake.NewEndpoint(e, t, h.conf)
	defer func() {
		if err := ep.Close(); err != nil {
			h.logger.Warn("Failed to close endpoint", "endpoint", ep.ID, "error", err)
		}
	}()

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = h.conf.HandshakeTimeout
	}

	handshakeCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := h.driver.Handshake(handshakeCtx, ep); err != nil {
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}

	state := e.ConnectionState()
	if len(state.PeerCertificates) > keyring.MaxPeerCertificates {
		h.logger.Warn("Peer certificate chain truncated",
			"endpoint", ep.ID, "length", len(state.PeerCertificates))
	}

	remotePeerIDs, err := keyring.PublishPeerCertificates(state.PeerCertificates, params.PeerName)
	if err != nil {
		return nil, fmt.Errorf("failed to publish peer certificates: %w", err)
	}

	if h.conf.KernelOffload {
		h.logger.Info("Enabling kernel TLS", "endpoint", ep.ID)

		if err := offload(ep, e, t, state); err != nil {
			return nil, fmt.Errorf("failed to enable kernel TLS: %w", err)
		}
	}

	return remotePeerIDs, nil
}

// factory uses the keyring identity named by the request, if any.
func (h *Handler) factory(params *Params) (*tlsengine.Factory, error) {
	material := h.material
	if params.X509Cert != NoKey && params.X509PrivKey != NoKey {
		cert, err := keyring.LoadKeyPair(params.X509Cert, params.X509PrivKey)
		if err != nil {
			return nil, err
		}

		material = &credentials.Material{
			Certificates: []tls.Certificate{cert},
			Roots:        h.material.Roots,
		}
	}

	return tlsengine.NewFactoryWithMaterial(h.conf, material)
}

func offload(ep *handshake.Endpoint, e *tlsengine.Engine, t *transport.Conn, state tls.ConnectionState) error {
	if e.Buffered() || (ep.Inbound.Reading() && ep.Inbound.HasRemaining()) {
		return fmt.Errorf("records are pending in user space: %w", syscall.EBUSY)
	}

	var enableErr error
	if err := t.Control(func(fd uintptr) {
		enableErr = ktls.Enable(int(fd), state)
	}); err != nil {
		return err
	}

	return enableErr
}

// sessionStatus maps a handshake error to the errno reported to the kernel.
func sessionStatus(err error) uint32 {
	if err == nil {
		return 0
	}

	var errno syscall.Errno
	switch {
	case errors.As(err, &errno):
		return uint32(errno)
	case errors.Is(err, context.DeadlineExceeded):
		return uint32(syscall.ETIMEDOUT)
	case errors.Is(err, engine.ErrEngineFault):
		return uint32(syscall.EACCES)
	case errors.Is(err, engine.ErrClosed):
		return uint32(syscall.ECONNRESET)
	default:
		return uint32(syscall.EINVAL)
	}
}
