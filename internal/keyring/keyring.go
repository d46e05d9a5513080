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

// Package keyring exchanges certificates and keys with the kernel keyring.
package keyring

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/dpeckett/keyutils"
	"github.com/dpeckett/ktls/tls"
)

// KeySerial is a unique identifier for a key in the kernel keyring.
type KeySerial int32

// MaxPeerCertificates is the longest peer chain the kernel accepts.
const MaxPeerCertificates = 10

// LoadKeyPair builds a TLS identity from a DER certificate and a PKCS #8 DER
// private key held in the keyring.
// As of today, reading asymmetric keys will probably not work as we need to
// think about how to delegate kernel asymmetric keys to user space.
func LoadKeyPair(certSerial, keySerial KeySerial) (tls.Certificate, error) {
	certDER, err := read(certSerial)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to get certificate: %w", err)
	}

	keyDER, err := read(keySerial)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to get private key: %w", err)
	}

	cert, err := tls.X509KeyPair(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create X.509 key pair: %w", err)
	}

	return cert, nil
}

// PublishPeerCertificates adds the peer's certificate chain to the user
// keyring, truncated to MaxPeerCertificates.
func PublishPeerCertificates(certs []*x509.Certificate, peerName string) ([]KeySerial, error) {
	if len(certs) > MaxPeerCertificates {
		certs = certs[:MaxPeerCertificates]
	}

	var serials []KeySerial
	for _, cert := range certs {
		serial, err := CreateCertificate(cert, peerName)
		if err != nil {
			return serials, err
		}

		serials = append(serials, serial)
	}

	return serials, nil
}

// CreateCertificate creates a key containing the peer's certificate.
func CreateCertificate(cert *x509.Certificate, peerName string) (KeySerial, error) {
	keyring, err := keyutils.UserKeyring()
	if err != nil {
		return 0, fmt.Errorf("failed to get user keyring: %w", err)
	}

	description := fmt.Sprintf("TLS x509 %s", peerName)
	key, err := keyring.AddType(description, "asymmetric", cert.Raw)
	if err != nil {
		return 0, fmt.Errorf("failed to add key: %w", err)
	}

	return KeySerial(key.Id()), nil
}

func read(serial KeySerial) ([]byte, error) {
	der, err := keyutils.GetKey(int32(serial)).Get()
	if err != nil {
		return nil, fmt.Errorf("failed to get key value: %w", err)
	}

	return der, nil
}
