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
	"crypto/x509"
	"fmt"

	"github.com/dpeckett/ktls/tls"
	"github.com/dpeckett/nbtls/internal/config"
	"github.com/dpeckett/nbtls/internal/credentials"
	"github.com/dpeckett/nbtls/internal/util"
)

// NewLoopbackFactories returns a client and a server factory that trust each
// other through a freshly generated self-signed certificate for localhost.
func NewLoopbackFactories(conf *config.Config) (client, server *Factory, err error) {
	cert, err := util.GenerateSelfSignedCert()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate certificate: %w", err)
	}

	roots := x509.NewCertPool()
	roots.AddCert(cert.Leaf)

	client, err = NewFactoryWithMaterial(conf, &credentials.Material{Roots: roots})
	if err != nil {
		return nil, nil, err
	}

	server, err = NewFactoryWithMaterial(conf, &credentials.Material{Certificates: []tls.Certificate{cert}})
	if err != nil {
		return nil, nil, err
	}

	return client, server, nil
}
