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

import "fmt"

// Generic netlink names of the kernel handshake service.
const (
	FamilyName    = "handshake"
	FamilyVersion = 1
	MCGroupTLSHD  = "tlshd"
)

type HandlerClass int

const (
	HandlerClassNone HandlerClass = iota
	HandlerClassTLSHD
)

type MsgType int

const (
	MsgTypeUnspec MsgType = iota
	MsgTypeClientHello
	MsgTypeServerHello
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeClientHello:
		return "ClientHello"
	case MsgTypeServerHello:
		return "ServerHello"
	default:
		return fmt.Sprintf("MsgType(%d)", int(t))
	}
}

type Auth int

const (
	AuthUnspec Auth = iota
	AuthUnauth
	AuthPSK
	AuthX509
)

func (a Auth) String() string {
	switch a {
	case AuthUnauth:
		return "unauth"
	case AuthPSK:
		return "psk"
	case AuthX509:
		return "x509"
	default:
		return fmt.Sprintf("Auth(%d)", int(a))
	}
}

const (
	AttrX509Cert = iota + 1
	AttrX509PrivKey
)

const (
	AttrAcceptSockFD = iota + 1
	AttrAcceptHandlerClass
	AttrAcceptMessageType
	AttrAcceptTimeout
	AttrAcceptAuthMode
	AttrAcceptPeerIdentity
	AttrAcceptCertificate
	AttrAcceptPeerName
)

const (
	AttrDoneStatus = iota + 1
	AttrDoneSockFD
	AttrDoneRemoteAuth
)

const (
	CmdReady = iota + 1
	CmdAccept
	CmdDone
)

// NoKey marks an absent certificate or private key serial.
const NoKey = 0
