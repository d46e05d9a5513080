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

package upcall

import (
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/dpeckett/nbtls/internal/keyring"
	"github.com/mdlayher/netlink"
)

// Params are the handshake parameters the kernel returns on accept.
type Params struct {
	PeerName      string
	SockFD        int32
	HandshakeType MsgType
	Timeout       time.Duration
	AuthMode      Auth
	X509Cert      keyring.KeySerial
	X509PrivKey   keyring.KeySerial
	PeerIDs       []keyring.KeySerial
}

// forTLSHD reports whether a request announces the tlshd handler class.
func forTLSHD(data []byte) (bool, error) {
	ad, err := netlink.NewAttributeDecoder(data)
	if err != nil {
		return false, fmt.Errorf("failed to create attribute decoder: %w", err)
	}

	for ad.Next() {
		if ad.Type() == AttrAcceptHandlerClass && ad.Uint32() == uint32(HandlerClassTLSHD) {
			return true, nil
		}
	}

	if err := ad.Err(); err != nil {
		return false, fmt.Errorf("failed to decode attributes: %w", err)
	}

	return false, nil
}

func decodeParams(data []byte) (*Params, error) {
	ad, err := netlink.NewAttributeDecoder(data)
	if err != nil {
		return nil, fmt.Errorf("failed to create attribute decoder: %w", err)
	}

	params := Params{SockFD: -1}
	for ad.Next() {
		switch ad.Type() {
		case AttrAcceptSockFD:
			params.SockFD = ad.Int32()
		case AttrAcceptMessageType:
			params.HandshakeType = MsgType(ad.Uint32())
		case AttrAcceptPeerName:
			params.PeerName = ad.String()
		case AttrAcceptTimeout:
			params.Timeout = time.Duration(ad.Uint32()) * time.Millisecond
		case AttrAcceptAuthMode:
			params.AuthMode = Auth(ad.Uint32())
		case AttrAcceptPeerIdentity:
			params.PeerIDs = append(params.PeerIDs, keyring.KeySerial(ad.Int32()))
		case AttrAcceptCertificate:
			ad.Nested(func(nad *netlink.AttributeDecoder) error {
				for nad.Next() {
					switch nad.Type() {
					case AttrX509Cert:
						params.X509Cert = keyring.KeySerial(nad.Int32())
					case AttrX509PrivKey:
						params.X509PrivKey = keyring.KeySerial(nad.Int32())
					default:
						return fmt.Errorf("unknown certificate attribute type: %d", nad.Type())
					}
				}

				return nad.Err()
			})
		case AttrAcceptHandlerClass:
		default:
			return nil, fmt.Errorf("unknown attribute type: %d", ad.Type())
		}
	}

	if err := ad.Err(); err != nil {
		return nil, fmt.Errorf("failed to decode attributes: %w", err)
	}

	if params.SockFD < 0 {
		return nil, fmt.Errorf("missing socket descriptor")
	}

	return &params, nil
}

// openConn wraps a duplicate of the handed over socket, so closing the
// returned connection leaves the kernel's descriptor intact.
func openConn(fd int32) (net.Conn, error) {
	newFD, err := syscall.Dup(int(fd))
	if err != nil {
		return nil, fmt.Errorf("failed to dup socket fd: %w", err)
	}

	f := os.NewFile(uintptr(newFD), "net")
	defer f.Close() // net.FileConn dups the fd.

	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create net.Conn from fd: %w", err)
	}

	return conn, nil
}

// resolvePeerName falls back to a reverse lookup of the peer address.
func resolvePeerName(conn net.Conn) (string, error) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return "", fmt.Errorf("failed to parse peer address: %w", err)
	}

	names, err := net.LookupAddr(host)
	if err != nil {
		return "", fmt.Errorf("failed to resolve peer address: %w", err)
	}

	if len(names) == 0 {
		return "", fmt.Errorf("no names found for peer address %s", host)
	}

	return names[0], nil
}
