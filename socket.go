package tftpd

import (
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// errRecvTimeout is returned internally by transfer.recv when the read
// deadline elapses with nothing pending; it is never wrapped in an
// ErrorPacket or sent to the client.
var errRecvTimeout = errors.New("tftpd: receive timeout")

// transfer holds the state shared by the read and write engines: the
// ephemeral socket, the pinned peer TID, and negotiated parameters
// (spec.md §3 TransferContext).
type transfer struct {
	conn net.PacketConn
	peer net.Addr // nil until the first datagram pins it

	opts       *Options
	maxRetries int
	timeout    time.Duration

	log zerolog.Logger
}

// send writes pkt to the pinned peer.
func (t *transfer) send(pkt Packet) error {
	_, err := t.conn.WriteTo(pkt.Bytes(), t.peer)
	return err
}

// sendTo writes pkt to an arbitrary address, used to answer stray TIDs
// without disturbing the pinned transfer.
func (t *transfer) sendTo(pkt Packet, addr net.Addr) error {
	_, err := t.conn.WriteTo(pkt.Bytes(), addr)
	return err
}

// sendError sends code/msg to the pinned peer, best-effort.
func (t *transfer) sendError(code ErrorCode, msg string) {
	if err := t.send(newError(code, msg)); err != nil {
		t.log.Debug().Err(err).Msg("failed to send ERROR")
	}
}

// recv reads one datagram and decodes it, enforcing the TID pin
// (spec.md §4.F, §8 invariant 6): a datagram from a non-matching address
// is answered with ErrUnknownTransferID and otherwise ignored, and recv
// keeps waiting for a datagram from the real peer until the deadline
// elapses. The first datagram ever received pins peer.
func (t *transfer) recv(buf []byte) (Packet, error) {
	return t.recvDeadline(time.Now().Add(t.timeout), buf)
}

// recvDeadline is recv with an explicit absolute deadline, so a caller can
// keep waiting out the same timeout window across several ignored packets
// (e.g. stale ACKs in the read engine) instead of extending it on each one.
func (t *transfer) recvDeadline(deadline time.Time, buf []byte) (Packet, error) {
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	for {
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, errRecvTimeout
			}
			return nil, err
		}

		if t.peer != nil && addr.String() != t.peer.String() {
			t.sendTo(newError(ErrUnknownTransferID, "unknown transfer ID"), addr)
			t.log.Warn().Str("stray", addr.String()).Msg("dropped datagram from non-matching TID")
			continue
		}

		pkt, err := Decode(buf[:n])
		if err != nil {
			t.log.Debug().Err(err).Msg("dropped malformed datagram")
			continue
		}

		if t.peer == nil {
			t.peer = addr
		}
		return pkt, nil
	}
}

// retryLoop runs send up to maxRetries+1 times (one send plus
// maxRetries retransmits), calling t.recv after each attempt to receive a
// response. It returns the decoded response packet, or errRecvTimeout if
// every attempt timed out (retry budget exhausted — spec.md §7 "Peer
// timeout").
func (t *transfer) retryLoop(send func() error, buf []byte) (Packet, error) {
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if err := send(); err != nil {
			return nil, err
		}

		pkt, err := t.recv(buf)
		if err == nil {
			return pkt, nil
		}
		if err != errRecvTimeout {
			return nil, err
		}

		t.log.Debug().Int("attempt", attempt+1).Msg("retransmitting after timeout")
	}

	return nil, errRecvTimeout
}
