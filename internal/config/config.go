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

// Package config holds the settings shared by every endpoint, resolved once
// when the engine factory is built.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dpeckett/nbtls/internal/buffer"
	"gopkg.in/yaml.v3"
)

// KeySource selects where identity material is loaded from.
type KeySource string

const (
	KeySourceNone    KeySource = "none"
	KeySourcePEM     KeySource = "pem"
	KeySourcePKCS12  KeySource = "pkcs12"
	KeySourceKeyring KeySource = "keyring"
)

type Config struct {
	// BufferSize is the initial capacity of each network buffer.
	BufferSize int `yaml:"buffer_size"`
	// MaxBufferSize bounds buffer growth on overflow.
	MaxBufferSize int `yaml:"max_buffer_size"`
	// AppBufferSize is the initial capacity of the plaintext buffer.
	AppBufferSize int `yaml:"app_buffer_size"`
	// Workers is the number of goroutines running delegated tasks. Zero runs
	// tasks inline on the driving goroutine.
	Workers          int           `yaml:"workers"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// KernelOffload hands the record layer to kernel TLS after the handshake.
	KernelOffload bool        `yaml:"kernel_offload"`
	MetricsAddr   string      `yaml:"metrics_addr"`
	TLS           TLS         `yaml:"tls"`
	KeyMaterial   KeyMaterial `yaml:"key_material"`
}

type TLS struct {
	// MinVersion is "1.2" or "1.3".
	MinVersion         string `yaml:"min_version"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	// SessionTicketsDisabled stops servers from sending tickets after the
	// handshake.
	SessionTicketsDisabled bool `yaml:"session_tickets_disabled"`
	// ClientSessionCacheSize enables session resumption for clients.
	ClientSessionCacheSize int `yaml:"client_session_cache_size"`
	// CipherSuites restricts TLS 1.2 cipher suites by name. Empty selects the
	// subset supported by kernel TLS.
	CipherSuites []string `yaml:"cipher_suites"`
}

type KeyMaterial struct {
	Source     KeySource `yaml:"source"`
	CertFile   string    `yaml:"cert_file"`
	KeyFile    string    `yaml:"key_file"`
	PKCS12File string    `yaml:"pkcs12_file"`
	Passphrase string    `yaml:"passphrase"`
	CertSerial int32     `yaml:"cert_serial"`
	KeySerial  int32     `yaml:"key_serial"`
	// TrustFile is a PEM bundle of roots used to verify peers. Empty uses the
	// system pool.
	TrustFile string `yaml:"trust_file"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		BufferSize:       buffer.DefaultCapacity,
		MaxBufferSize:    16 * buffer.DefaultCapacity,
		AppBufferSize:    64 * 1024,
		Workers:          4,
		HandshakeTimeout: 10 * time.Second,
		TLS: TLS{
			MinVersion: "1.2",
		},
		KeyMaterial: KeyMaterial{
			Source: KeySourceNone,
		},
	}
}

// Load reads a YAML configuration file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	conf, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	return conf, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	conf := Default()
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	return conf, nil
}

func (c *Config) Validate() error {
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize)
	}

	if c.MaxBufferSize < c.BufferSize {
		return fmt.Errorf("max_buffer_size (%d) must not be smaller than buffer_size (%d)", c.MaxBufferSize, c.BufferSize)
	}

	if c.AppBufferSize <= 0 || c.AppBufferSize > c.MaxBufferSize {
		return fmt.Errorf("app_buffer_size must be in (0, %d], got %d", c.MaxBufferSize, c.AppBufferSize)
	}

	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}

	if c.HandshakeTimeout < 0 {
		return errors.New("handshake_timeout must not be negative")
	}

	switch c.TLS.MinVersion {
	case "", "1.2", "1.3":
	default:
		return fmt.Errorf("unsupported tls.min_version: %q", c.TLS.MinVersion)
	}

	km := c.KeyMaterial
	switch km.Source {
	case "", KeySourceNone:
	case KeySourcePEM:
		if km.CertFile == "" || km.KeyFile == "" {
			return errors.New("key_material: pem source requires cert_file and key_file")
		}
	case KeySourcePKCS12:
		if km.PKCS12File == "" {
			return errors.New("key_material: pkcs12 source requires pkcs12_file")
		}
	case KeySourceKeyring:
		if km.CertSerial == 0 || km.KeySerial == 0 {
			return errors.New("key_material: keyring source requires cert_serial and key_serial")
		}
	default:
		return fmt.Errorf("key_material: unknown source %q", km.Source)
	}

	return nil
}
