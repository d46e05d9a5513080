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

package tlsengine

import (
	"fmt"

	"github.com/dpeckett/ktls/tls"
	"github.com/dpeckett/nbtls/internal/config"
	"github.com/dpeckett/nbtls/internal/credentials"
)

// DefaultCipherSuites is a secure subset of TLS 1.2 ciphers suites supported
// by the Linux kernel. TLS 1.3 suites are not configurable, all of them are
// supported by the kernel.
var DefaultCipherSuites = []uint16{
	tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
}

// Factory creates engines sharing one resolved TLS configuration.
type Factory struct {
	tlsConfig *tls.Config
}

// NewFactory loads the configured key material and builds a factory.
func NewFactory(conf *config.Config) (*Factory, error) {
	material, err := credentials.Load(conf.KeyMaterial)
	if err != nil {
		return nil, fmt.Errorf("failed to load key material: %w", err)
	}

	return NewFactoryWithMaterial(conf, material)
}

// NewFactoryWithMaterial builds a factory from already resolved key material.
func NewFactoryWithMaterial(conf *config.Config, material *credentials.Material) (*Factory, error) {
	suites, err := cipherSuites(conf.TLS.CipherSuites)
	if err != nil {
		return nil, err
	}

	minVersion := uint16(tls.VersionTLS12)
	if conf.TLS.MinVersion == "1.3" {
		minVersion = tls.VersionTLS13
	}

	tlsConfig := &tls.Config{
		Certificates:           material.Certificates,
		RootCAs:                material.Roots,
		ServerName:             conf.TLS.ServerName,
		InsecureSkipVerify:     conf.TLS.InsecureSkipVerify,
		MinVersion:             minVersion,
		CipherSuites:           suites,
		SessionTicketsDisabled: conf.TLS.SessionTicketsDisabled,
		// Wrap sizes destinations for a single full sized record.
		DynamicRecordSizingDisabled: true,
	}

	if conf.TLS.ClientSessionCacheSize > 0 {
		tlsConfig.ClientSessionCache = tls.NewLRUClientSessionCache(conf.TLS.ClientSessionCacheSize)
	}

	return &Factory{tlsConfig: tlsConfig}, nil
}

// NewClient returns a client engine. serverName overrides the configured
// server name when non-empty.
func (f *Factory) NewClient(serverName string) *Engine {
	tlsConfig := f.tlsConfig.Clone()
	if serverName != "" {
		// ServerName is required for SNI (Server Name Indication).
		tlsConfig.ServerName = serverName
	}

	return newEngine(tlsConfig, true)
}

// NewServer returns a server engine.
func (f *Factory) NewServer() *Engine {
	return newEngine(f.tlsConfig.Clone(), false)
}

func cipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return DefaultCipherSuites, nil
	}

	byName := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		byName[s.Name] = s.ID
	}

	var ids []uint16
	for _, name := range names {
		id, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unsupported cipher suite: %s", name)
		}
		ids = append(ids, id)
	}

	return ids, nil
}
