package tftpd

import (
	"net"
	"sync"
	"time"
)

// fakeDatagram is one scripted or captured UDP datagram.
type fakeDatagram struct {
	addr net.Addr
	data []byte
}

// fakeAddr is a minimal net.Addr for scripting peers without a real
// socket, in the spirit of the teacher's testPacketConn (send_test.go).
type fakeAddr string

func (a fakeAddr) Network() string { return "udp" }
func (a fakeAddr) String() string  { return string(a) }

// fakeTimeoutErr satisfies net.Error so transfer.recv's Timeout() check
// behaves like a real deadline-exceeded error.
type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "fake: i/o timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

// fakeConn is a net.PacketConn double that lets tests script inbound
// datagrams (with real deadline semantics, so retransmit-on-timeout logic
// is exercised) and capture outbound ones.
type fakeConn struct {
	mu       sync.Mutex
	local    net.Addr
	incoming chan fakeDatagram
	outgoing chan fakeDatagram
	deadline time.Time
	closed   bool
}

func newFakeConn(local net.Addr) *fakeConn {
	return &fakeConn{
		local:    local,
		incoming: make(chan fakeDatagram, 64),
		outgoing: make(chan fakeDatagram, 64),
	}
}

// deliver enqueues a datagram as if it had just arrived from addr.
func (c *fakeConn) deliver(addr net.Addr, data []byte) {
	c.incoming <- fakeDatagram{addr: addr, data: append([]byte(nil), data...)}
}

// sent drains and returns everything written so far, in order.
func (c *fakeConn) sent() []fakeDatagram {
	var out []fakeDatagram
	for {
		select {
		case dg := <-c.outgoing:
			out = append(out, dg)
		default:
			return out
		}
	}
}

func (c *fakeConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, fakeTimeoutErr{}
		}
		timer = time.NewTimer(d)
		timeoutCh = timer.C
		defer timer.Stop()
	}

	select {
	case dg := <-c.incoming:
		n := copy(p, dg.data)
		return n, dg.addr, nil
	case <-timeoutCh:
		return 0, nil, fakeTimeoutErr{}
	}
}

func (c *fakeConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.outgoing <- fakeDatagram{addr: addr, data: append([]byte(nil), p...)}
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) LocalAddr() net.Addr { return c.local }

func (c *fakeConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error  { return c.SetDeadline(t) }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }
