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

// Package ktls installs the traffic keys of a finished TLS session on a TCP
// socket so the kernel takes over the record layer.
package ktls

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dpeckett/ktls/tls"
	"golang.org/x/sys/unix"
)

const (
	tlsTX = 1
	tlsRX = 2
)

// Supported reports whether the kernel record layer implements suite.
func Supported(suite uint16) bool {
	_, ok := cipherType(suite)
	return ok
}

// Enable attaches the TLS upper layer protocol to the socket fd and installs
// the transmit and receive state of the session. Records already buffered in
// user space are lost to the kernel, so callers must only enable offload on a
// connection with nothing pending.
func Enable(fd int, state tls.ConnectionState) error {
	if !Supported(state.CipherSuite) {
		return fmt.Errorf("unsupported cipher suite: %s", tls.CipherSuiteName(state.CipherSuite))
	}

	if err := unix.SetsockoptString(fd, unix.SOL_TCP, unix.TCP_ULP, "tls"); err != nil {
		return fmt.Errorf("failed to enable kernel TLS: %w", err)
	}

	for _, dir := range []struct {
		level int
		read  bool
		name  string
	}{
		{tlsTX, false, "transmit"},
		{tlsRX, true, "receive"},
	} {
		info, err := cryptoInfoFor(state, dir.read)
		if err != nil {
			return fmt.Errorf("failed to build %s crypto info: %w", dir.name, err)
		}

		if err := unix.SetsockoptString(fd, unix.SOL_TLS, dir.level, string(info)); err != nil {
			return fmt.Errorf("failed to set %s crypto info: %w", dir.name, err)
		}
	}

	return nil
}

func cipherType(suite uint16) (uint16, bool) {
	switch suite {
	case tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_AES_128_GCM_SHA256:
		return cipherAESGCM128, true
	case tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_AES_256_GCM_SHA384:
		return cipherAESGCM256, true
	case tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_CHACHA20_POLY1305_SHA256:
		return cipherCHACHA20POLY1305, true
	default:
		return 0, false
	}
}

func cryptoInfoFor(state tls.ConnectionState, read bool) ([]byte, error) {
	key, iv, seq := state.KeyInfo(read)

	ct, _ := cipherType(state.CipherSuite)

	return encodeCryptoInfo(ct, state.Version, key, iv, seq)
}

// encodeCryptoInfo lays out the kernel's tls12_crypto_info structure for the
// cipher. iv is the full nonce for TLS 1.3 and the implicit salt for TLS 1.2.
func encodeCryptoInfo(ct, version uint16, key, iv, seq []byte) ([]byte, error) {
	hdr := cryptoInfo{Version: version, CipherType: ct}

	var info any
	switch ct {
	case cipherAESGCM128:
		if len(key) != cipherAESGCM128KeySize || len(iv) < cipherAESGCM128SaltSize || len(seq) != cipherAESGCM128RecSeqSize {
			return nil, fmt.Errorf("unexpected key material lengths %d/%d/%d", len(key), len(iv), len(seq))
		}

		v := cryptoInfoAESGCM128{Info: hdr}
		copy(v.Key[:], key)
		copy(v.Salt[:], iv)
		copy(v.RecSeq[:], seq)
		explicitIV(v.IV[:], version, iv[cipherAESGCM128SaltSize:], seq)
		info = &v
	case cipherAESGCM256:
		if len(key) != cipherAESGCM256KeySize || len(iv) < cipherAESGCM256SaltSize || len(seq) != cipherAESGCM256RecSeqSize {
			return nil, fmt.Errorf("unexpected key material lengths %d/%d/%d", len(key), len(iv), len(seq))
		}

		v := cryptoInfoAESGCM256{Info: hdr}
		copy(v.Key[:], key)
		copy(v.Salt[:], iv)
		copy(v.RecSeq[:], seq)
		explicitIV(v.IV[:], version, iv[cipherAESGCM256SaltSize:], seq)
		info = &v
	case cipherCHACHA20POLY1305:
		if len(key) != cipherCHACHA20KeySize || len(iv) != cipherCHACHA20IVSize || len(seq) != cipherCHACHA20RecSeqSize {
			return nil, fmt.Errorf("unexpected key material lengths %d/%d/%d", len(key), len(iv), len(seq))
		}

		v := cryptoInfoCHACHA20POLY1305{Info: hdr}
		copy(v.IV[:], iv)
		copy(v.Key[:], key)
		copy(v.RecSeq[:], seq)
		info = &v
	default:
		return nil, fmt.Errorf("unknown cipher type %d", ct)
	}

	var w bytes.Buffer
	if err := binary.Write(&w, binary.NativeEndian, info); err != nil {
		return nil, fmt.Errorf("failed to encode crypto info: %w", err)
	}

	return w.Bytes(), nil
}

// explicitIV fills the per-record IV. TLS 1.2 derives it from the sequence
// number, TLS 1.3 from the tail of the nonce.
func explicitIV(dst []byte, version uint16, nonceTail, seq []byte) {
	if version == tls.VersionTLS12 {
		copy(dst, seq)
		return
	}

	copy(dst, nonceTail)
}
