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

	"github.com/mdlayher/genetlink"
)

// Dial opens a generic netlink connection to the handshake family. With join
// set the connection also receives handshake requests.
func Dial(join bool) (*genetlink.Conn, genetlink.Family, error) {
	conn, err := genetlink.Dial(nil)
	if err != nil {
		return nil, genetlink.Family{}, fmt.Errorf("failed to dial generic netlink: %w", err)
	}

	family, err := conn.GetFamily(FamilyName)
	if err != nil {
		_ = conn.Close()
		return nil, genetlink.Family{}, fmt.Errorf("failed to get %q family: %w", FamilyName, err)
	}

	if !join {
		return conn, family, nil
	}

	for _, group := range family.Groups {
		if group.Name != MCGroupTLSHD {
			continue
		}

		if err := conn.JoinGroup(group.ID); err != nil {
			_ = conn.Close()
			return nil, genetlink.Family{}, fmt.Errorf("failed to join %q group: %w", MCGroupTLSHD, err)
		}

		return conn, family, nil
	}

	_ = conn.Close()
	return nil, genetlink.Family{}, fmt.Errorf("family %q has no %q group", FamilyName, MCGroupTLSHD)
}
