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

// Package credentials resolves identity and trust material for engines.
package credentials

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/dpeckett/ktls/tls"
	"github.com/dpeckett/nbtls/internal/config"
	"github.com/dpeckett/nbtls/internal/keyring"
	"golang.org/x/crypto/pkcs12"
)

var ErrNoCertificates = errors.New("no certificates found")

// Material is the resolved identity and trust roots of a process.
type Material struct {
	Certificates []tls.Certificate
	// Roots verifies peers. Nil selects the system pool.
	Roots *x509.CertPool
}

// Load resolves km. It is called once, when the engine factory is built.
func Load(km config.KeyMaterial) (*Material, error) {
	var m Material

	switch km.Source {
	case "", config.KeySourceNone:
	case config.KeySourcePEM:
		cert, err := loadPEM(km.CertFile, km.KeyFile, km.Passphrase)
		if err != nil {
			return nil, err
		}
		m.Certificates = []tls.Certificate{cert}
	case config.KeySourcePKCS12:
		cert, err := loadPKCS12(km.PKCS12File, km.Passphrase)
		if err != nil {
			return nil, err
		}
		m.Certificates = []tls.Certificate{cert}
	case config.KeySourceKeyring:
		cert, err := keyring.LoadKeyPair(keyring.KeySerial(km.CertSerial), keyring.KeySerial(km.KeySerial))
		if err != nil {
			return nil, fmt.Errorf("failed to load key pair from keyring: %w", err)
		}
		m.Certificates = []tls.Certificate{cert}
	default:
		return nil, fmt.Errorf("unknown key material source: %q", km.Source)
	}

	if km.TrustFile != "" {
		roots, err := loadTrust(km.TrustFile)
		if err != nil {
			return nil, err
		}
		m.Roots = roots
	}

	return &m, nil
}

func loadPEM(certFile, keyFile, passphrase string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read private key: %w", err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return tls.Certificate{}, fmt.Errorf("no PEM block found in %s", keyFile)
	}

	//nolint:staticcheck // legacy RFC 1423 encryption is the only PEM encryption the standard library reads.
	if x509.IsEncryptedPEMBlock(block) {
		if passphrase == "" {
			return tls.Certificate{}, fmt.Errorf("private key %s is encrypted but no passphrase was given", keyFile)
		}

		//nolint:staticcheck
		der, err := x509.DecryptPEMBlock(block, []byte(passphrase))
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to decrypt private key: %w", err)
		}

		keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create X.509 key pair: %w", err)
	}

	return cert, nil
}

func loadPKCS12(path, passphrase string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read PKCS #12 bundle: %w", err)
	}

	key, leaf, err := pkcs12.Decode(data, passphrase)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to decode PKCS #12 bundle: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func loadTrust(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trust bundle: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("failed to parse trust bundle %s: %w", path, ErrNoCertificates)
	}

	return pool, nil
}
