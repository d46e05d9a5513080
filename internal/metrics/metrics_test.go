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

package metrics_test

import (
	"errors"
	"testing"
	"time"

	"github.com/dpeckett/nbtls/engine"
	"github.com/dpeckett/nbtls/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.Step(engine.NeedWrap)
	m.Step(engine.NeedWrap)
	m.Step(engine.NeedTask)
	m.Handshake(time.Now(), nil)
	m.Handshake(time.Now(), errors.New("boom"))
	m.Read(10)
	m.Written(0)

	count, err := testutil.GatherAndCount(reg, "nbtls_driver_steps_total")
	require.NoError(t, err)
	require.Equal(t, 2, count, "one series per status")

	count, err = testutil.GatherAndCount(reg, "nbtls_handshakes_total")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	count, err = testutil.GatherAndCount(reg, "nbtls_transport_bytes_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestNilMetrics(t *testing.T) {
	var m *metrics.Metrics

	require.NotPanics(t, func() {
		m.Step(engine.NeedUnwrap)
		m.Handshake(time.Now(), nil)
		m.BufferGrown()
		m.Read(1)
		m.Written(1)
	})
}
