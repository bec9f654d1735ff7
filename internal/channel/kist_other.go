// kist_other.go - Kernel socket queue depth, fallback.
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

//go:build !linux

package channel

import "net"

// socketOutqBytes reports an empty kernel queue on platforms without a
// query for it, which degrades the scheduler to its configured budget.
func socketOutqBytes(conn net.Conn) (int, error) {
	return 0, nil
}
