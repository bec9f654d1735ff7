// utils.go - Misc utilities.
// Copyright (C) 2026  Allium Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package utils provides commonly useful utility routines.
package utils

import (
	"errors"
	"net"
)

// GetExternalIPv4Address returns a routable non-loopback IPv4 address of
// one of the host's interfaces, if any.
func GetExternalIPv4Address() (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		v4Addr := ipNet.IP.To4()
		if v4Addr == nil {
			continue
		}
		if !v4Addr.IsGlobalUnicast() {
			continue
		}
		return v4Addr, nil
	}
	return nil, errors.New("utils: no suitable address found")
}
