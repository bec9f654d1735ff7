// kist_linux.go - Kernel socket queue depth, Linux.
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

//go:build linux

package channel

import (
	"net"

	"golang.org/x/sys/unix"
)

// socketOutqBytes returns the unsent bytes sitting in the kernel's
// send queue for the connection, so the scheduler only writes what the
// network will promptly drain.  Connections that are not TCP sockets
// report an empty queue.
func socketOutqBytes(conn net.Conn) (int, error) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return 0, nil
	}
	sysConn, err := tcpConn.SyscallConn()
	if err != nil {
		return 0, err
	}

	var outq int
	var ctrlErr error
	err = sysConn.Control(func(fd uintptr) {
		outq, ctrlErr = unix.IoctlGetInt(int(fd), unix.SIOCOUTQ)
	})
	if err != nil {
		return 0, err
	}
	return outq, ctrlErr
}
