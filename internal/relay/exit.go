// exit.go - Exit side edge connections.
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

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/allium/allium/config"
	"github.com/allium/allium/core/cell"
)

// Edge supplies the exit side network operations.  Tests swap these
// for in memory fakes.
type Edge struct {
	// Dial opens the outbound connection for a BEGIN.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)

	// Resolve and Reverse service RESOLVE cells and BEGIN targets.
	Resolve func(ctx context.Context, host string) ([]net.IP, error)
	Reverse func(ctx context.Context, addr string) ([]string, error)

	// Allow is the exit policy, consulted per resolved address before
	// dialing.  A nil Allow permits everything.
	Allow func(ip net.IP, port uint16) bool

	// OpenDir opens a stream to the local directory responder, nil
	// when the relay serves no directory.
	OpenDir func() (net.Conn, error)

	connectTimeout time.Duration
}

// defaultEdge wires the edge to the host network stack.  Unless the
// relay is configured to allow exit traffic the policy refuses every
// target.
func defaultEdge(cfg *config.Config) *Edge {
	d := &net.Dialer{}
	allowExit := cfg.Server.AllowExit
	allowLocal := cfg.Debug.AllowLoopbackExit
	return &Edge{
		Dial: d.DialContext,
		Resolve: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, 0, len(addrs))
			for _, a := range addrs {
				ips = append(ips, a.IP)
			}
			return ips, nil
		},
		Reverse: func(ctx context.Context, addr string) ([]string, error) {
			return net.DefaultResolver.LookupAddr(ctx, addr)
		},
		Allow: func(ip net.IP, port uint16) bool {
			if !allowExit || port == 0 {
				return false
			}
			if ip.IsUnspecified() {
				return false
			}
			if ip.IsLoopback() || ip.IsPrivate() {
				return allowLocal
			}
			if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
				return false
			}
			return true
		},
		connectTimeout: time.Duration(cfg.Debug.StreamConnectTimeout) * time.Second,
	}
}

// dial resolves, policy checks, and connects to a BEGIN target.  On
// failure it reports the END reason the origin should hear.
func (e *Edge) dial(ctx context.Context, target string, flags uint32) (net.Conn, net.IP, cell.EndReason, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return nil, nil, cell.EndTorProtocol, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return nil, nil, cell.EndTorProtocol, fmt.Errorf("relay: bad port %q", portStr)
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		if e.Resolve == nil {
			return nil, nil, cell.EndResolveFailed, errors.New("relay: no resolver")
		}
		ips, err = e.Resolve(ctx, host)
		if err != nil {
			return nil, nil, cell.EndResolveFailed, err
		}
	}

	ip := pickAddr(ips, flags)
	if ip == nil {
		return nil, nil, cell.EndNoRoute, fmt.Errorf("relay: no usable address for %q", host)
	}
	if e.Allow != nil && !e.Allow(ip, uint16(port)) {
		return nil, nil, cell.EndExitPolicy, fmt.Errorf("relay: exit policy refuses %v:%d", ip, port)
	}

	if e.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.connectTimeout)
		defer cancel()
	}
	dial := e.Dial
	if dial == nil {
		d := &net.Dialer{}
		dial = d.DialContext
	}
	conn, err := dial(ctx, "tcp", net.JoinHostPort(ip.String(), strconv.Itoa(int(port))))
	if err != nil {
		return nil, nil, edgeEndReason(err), err
	}
	return conn, ip, 0, nil
}

// pickAddr applies the BEGIN address family flags to the resolver's
// answers.
func pickAddr(ips []net.IP, flags uint32) net.IP {
	var v4, v6 net.IP
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			if v4 == nil {
				v4 = ip4
			}
		} else if v6 == nil {
			v6 = ip
		}
	}
	if flags&cell.BeginFlagIPv4NotOK != 0 {
		v4 = nil
	}
	if flags&cell.BeginFlagIPv6OK == 0 {
		v6 = nil
	}
	if v6 != nil && (v4 == nil || flags&cell.BeginFlagIPv6Preferred != 0) {
		return v6
	}
	return v4
}

// resolve services a RESOLVE body, answering reverse queries for IP
// literals and in-addr.arpa names.  Failures come back as error
// answer records.
func (e *Edge) resolve(ctx context.Context, name string) []cell.ResolvedAnswer {
	if ip := reverseQueryAddr(name); ip != nil {
		if e.Reverse == nil {
			return errAnswer(cell.ResolvedErrNontransient)
		}
		names, err := e.Reverse(ctx, ip.String())
		if err != nil || len(names) == 0 {
			return errAnswer(resolveErrType(err))
		}
		host := strings.TrimSuffix(names[0], ".")
		return []cell.ResolvedAnswer{{Type: cell.ResolvedHostname, Value: []byte(host), TTL: resolvedTTL}}
	}

	if e.Resolve == nil {
		return errAnswer(cell.ResolvedErrNontransient)
	}
	ips, err := e.Resolve(ctx, name)
	if err != nil || len(ips) == 0 {
		return errAnswer(resolveErrType(err))
	}
	answers := make([]cell.ResolvedAnswer, 0, len(ips))
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			answers = append(answers, cell.ResolvedAnswer{Type: cell.ResolvedIPv4, Value: ip4, TTL: resolvedTTL})
		} else {
			answers = append(answers, cell.ResolvedAnswer{Type: cell.ResolvedIPv6, Value: ip.To16(), TTL: resolvedTTL})
		}
	}
	return answers
}

func errAnswer(t byte) []cell.ResolvedAnswer {
	return []cell.ResolvedAnswer{{Type: t}}
}

func resolveErrType(err error) byte {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return cell.ResolvedErrNontransient
	}
	return cell.ResolvedErrTransient
}

// reverseQueryAddr recognizes RESOLVE names asking for a PTR record:
// a bare IP literal or its in-addr.arpa form.
func reverseQueryAddr(name string) net.IP {
	if ip := net.ParseIP(name); ip != nil {
		return ip
	}
	s, ok := strings.CutSuffix(name, ".in-addr.arpa")
	if !ok {
		return nil
	}
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return nil
	}
	// Octets come least significant first.
	octets := make(net.IP, 4)
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return nil
		}
		octets[3-i] = byte(v)
	}
	return octets
}

// edgeEndReason maps an edge socket error onto the closest END
// reason.
func edgeEndReason(err error) cell.EndReason {
	var dnsErr *net.DNSError
	switch {
	case err == nil:
		return cell.EndDone
	case errors.Is(err, io.EOF):
		return cell.EndDone
	case errors.As(err, &dnsErr):
		return cell.EndResolveFailed
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return cell.EndTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return cell.EndConnectRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return cell.EndConnReset
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return cell.EndNoRoute
	case errors.Is(err, net.ErrClosed):
		return cell.EndDone
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return cell.EndTimeout
	}
	return cell.EndMisc
}

// edgeConn pumps an exit socket.  A writer goroutine drains wrCh into
// the socket and a reader goroutine submits reads to the router,
// waiting for its grant before reading again.
type edgeConn struct {
	r    *Router
	circ uint64
	id   cell.StreamID
	conn net.Conn

	wrCh    chan []byte
	grantCh chan struct{}
	haltCh  chan struct{}

	haltOnce sync.Once
}

func newEdgeConn(r *Router, circ uint64, id cell.StreamID, conn net.Conn) *edgeConn {
	ec := &edgeConn{
		r:       r,
		circ:    circ,
		id:      id,
		conn:    conn,
		wrCh:    make(chan []byte, streamBacklogMax),
		grantCh: make(chan struct{}, 1),
		haltCh:  make(chan struct{}),
	}
	r.edgeWG.Add(2)
	go ec.writer()
	go ec.reader()
	return ec
}

// close stops the pumps.  With flush set the writer finishes draining
// buffered data before the socket closes.  Only the router worker may
// call this.
func (ec *edgeConn) close(flush bool) {
	ec.haltOnce.Do(func() {
		close(ec.haltCh)
		close(ec.wrCh)
		if !flush {
			ec.conn.Close()
		}
	})
}

// grantRead lets the reader issue its next read.
func (ec *edgeConn) grantRead() {
	select {
	case ec.grantCh <- struct{}{}:
	default:
	}
}

func (ec *edgeConn) writer() {
	defer ec.r.edgeWG.Done()
	defer ec.conn.Close()
	for b := range ec.wrCh {
		if _, err := ec.conn.Write(b); err != nil {
			ec.r.submit(&edgeClosedEvent{circ: ec.circ, id: ec.id, reason: edgeEndReason(err)})
			return
		}
		ec.r.submit(&edgeFlushedEvent{circ: ec.circ, id: ec.id})
	}
}

func (ec *edgeConn) reader() {
	defer ec.r.edgeWG.Done()
	buf := make([]byte, cell.MaxRelayDataLen)
	for {
		n, err := ec.conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if !ec.r.submit(&edgeDataEvent{circ: ec.circ, id: ec.id, data: data}) {
				return
			}
			// Read stop backpressure: the next read waits for the
			// router to drain what it has.
			select {
			case <-ec.grantCh:
			case <-ec.haltCh:
				return
			case <-ec.r.HaltCh():
				return
			}
		}
		if err != nil {
			ec.r.submit(&edgeClosedEvent{circ: ec.circ, id: ec.id, reason: edgeEndReason(err)})
			return
		}
	}
}
