//go:build !windows
// +build !windows

// compat_unix.go - Unix compatibility wrappers.
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

// Package compat provides platform compatibility wrappers.
package compat

import "syscall"

// Umask sets the process file mode creation mask and returns the
// previous value.
func Umask(mask int) int {
	return syscall.Umask(mask)
}
