package laminar

import (
	"net"
	"time"
)

// endpoint.go wraps a net.UDPConn as the non-blocking datagram source the
// single-threaded driver loop polls each tick: net.ListenUDP with a
// fixed-size receive buffer, and SetReadDeadline-based non-blocking reads
// since driver.go owns the only loop in this package.

// datagramEndpoint is the minimal transport surface the driver needs.
type datagramEndpoint struct {
	conn    *net.UDPConn
	limit   int
	recvBuf []byte
}

// bindEndpoint binds addr and sizes the receive path so that any datagram
// larger than limit is detected rather than silently truncated: recvBuf is
// one byte bigger than limit, so a read filling it (n > limit) proves the
// real datagram was oversized.
func bindEndpoint(addr string, limit int) (*datagramEndpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &datagramEndpoint{conn: conn, limit: limit, recvBuf: make([]byte, limit+1)}, nil
}

// localAddr returns the endpoint's bound address.
func (e *datagramEndpoint) localAddr() net.Addr {
	return e.conn.LocalAddr()
}

// recv attempts one read, returning (nil, nil, false, nil) if nothing
// arrived before deadline. A deadline already in the past fails the read
// before the socket is checked, and a zero deadline means no deadline at
// all (the read blocks until a datagram arrives), so manualPoll passes a
// deadline just ahead of the wall clock to keep the driver cooperative. A datagram
// longer than e.limit is reported via ErrDatagramTooLarge with ok set, not
// silently truncated and handed to the caller as if it were well-formed.
func (e *datagramEndpoint) recv(deadline time.Time) (data []byte, from net.Addr, ok bool, err error) {
	if err := e.conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, false, err
	}
	n, addr, err := e.conn.ReadFromUDP(e.recvBuf)
	if err != nil {
		if ne, isNet := err.(net.Error); isNet && ne.Timeout() {
			return nil, nil, false, nil
		}
		return nil, nil, false, err
	}
	if n > e.limit {
		return nil, addr, true, ErrDatagramTooLarge
	}
	out := make([]byte, n)
	copy(out, e.recvBuf[:n])
	return out, addr, true, nil
}

// send writes one datagram to addr. UDP writes don't block on the socket
// buffer in practice, so this has no deadline handling of its own.
func (e *datagramEndpoint) send(addr net.Addr, data []byte) error {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", addr.String())
		if err != nil {
			return err
		}
		udpAddr = resolved
	}
	_, err := e.conn.WriteToUDP(data, udpAddr)
	return err
}

func (e *datagramEndpoint) close() error {
	return e.conn.Close()
}
