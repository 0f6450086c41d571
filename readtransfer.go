package tftpd

import (
	"errors"
	"io"
	"time"
)

// errProtocolViolation marks an abort that has already sent its ERROR
// packet to the peer; callers must not send another.
var errProtocolViolation = errors.New("tftpd: protocol violation")

// windowBlock is one buffered, possibly-unacknowledged DATA block. Blocks
// are buffered rather than re-read from the reader because handler Readers
// are not required to be seekable (spec.md design notes).
type windowBlock struct {
	abs     uint64
	payload []byte
}

// serveRead drives the RRQ state machine: Negotiating → Streaming →
// AwaitingFinalAck → Done | Failed (spec.md §4.D).
func serveRead(t *transfer, reader io.Reader) error {
	defer closeIfCloser(reader)

	if t.opts.Negotiated() {
		proceed, err := negotiateRead(t)
		if err != nil || !proceed {
			return err
		}
	}

	return streamRead(t, reader)
}

// negotiateRead sends the OACK and waits for the client's ACK(0),
// retransmitting the OACK on timeout up to maxRetries (spec.md §4.D), via
// the shared retryLoop primitive (socket.go). It reports false when the
// client answers with an ERROR, which ends the transfer.
func negotiateRead(t *transfer) (bool, error) {
	oack := &OackPacket{Options: t.opts.Accepted()}
	buf := make([]byte, DefaultBlockSize+4)

	pkt, err := t.retryLoop(func() error { return t.send(oack) }, buf)
	if err == errRecvTimeout {
		t.log.Debug().Msg("read transfer failed: no ACK(0) for OACK")
		return false, errRecvTimeout
	}
	if err != nil {
		return false, err
	}

	switch p := pkt.(type) {
	case *AckPacket:
		if p.Block == 0 {
			return true, nil
		}
		t.sendError(ErrIllegalOperation, "expected ACK for block 0")
		return false, errProtocolViolation
	case *ErrorPacket:
		t.log.Info().Uint16("code", uint16(p.Code)).Str("msg", p.Message).Msg("client rejected OACK")
		return false, nil
	default:
		t.sendError(ErrIllegalOperation, "unexpected opcode during negotiation")
		return false, errProtocolViolation
	}
}

// streamRead runs the windowed DATA/ACK loop (spec.md §4.D, §8 invariant 2).
func streamRead(t *transfer, reader io.Reader) error {
	var (
		base   uint64 = 1 // oldest unacknowledged block
		next   uint64 = 1 // next block number to produce
		window []windowBlock
		eof    bool
		buf    = make([]byte, t.opts.BlockSize+4)
	)

	for {
		for len(window) < t.opts.WindowSize && !eof {
			payload, short, err := readBlock(reader, t.opts.BlockSize)
			if err != nil {
				t.sendError(ErrNotDefined, err.Error())
				return err
			}
			window = append(window, windowBlock{abs: next, payload: payload})
			next++
			if short {
				eof = true
			}
		}

		if len(window) == 0 {
			return nil
		}

		sendWindow := func() error {
			for _, blk := range window {
				if err := t.send(&DataPacket{Block: uint16(blk.abs), Payload: blk.payload}); err != nil {
					return err
				}
			}
			return nil
		}

		if err := sendWindow(); err != nil {
			return err
		}

		deadline := time.Now().Add(t.timeout)
		retries := 0
		acked := false

		for !acked {
			pkt, err := t.recvDeadline(deadline, buf)
			if err == errRecvTimeout {
				retries++
				if retries > t.maxRetries {
					t.log.Debug().Msg("read transfer failed: retry budget exhausted")
					return errRecvTimeout
				}
				if err := sendWindow(); err != nil {
					return err
				}
				deadline = time.Now().Add(t.timeout)
				continue
			}
			if err != nil {
				return err
			}

			switch p := pkt.(type) {
			case *AckPacket:
				idx, stale, future := classifyAck(p.Block, window, base)
				if future {
					t.sendError(ErrIllegalOperation, "ACK for block not yet sent")
					return errProtocolViolation
				}
				if stale {
					continue // same deadline, no retransmit
				}
				base = window[idx].abs + 1
				window = window[idx+1:]
				acked = true
			case *ErrorPacket:
				t.log.Info().Uint16("code", uint16(p.Code)).Str("msg", p.Message).Msg("client aborted transfer")
				return nil
			default:
				t.sendError(ErrIllegalOperation, "unexpected opcode")
				return errProtocolViolation
			}
		}

		if eof && len(window) == 0 {
			return nil
		}
	}
}

// classifyAck locates ack within window by its low 16 bits. If not found,
// it decides whether ack is stale (behind the window) or in the future
// (ahead of anything sent), using the RFC 1350-style 32768 midpoint rule
// for u16 wraparound comparison (spec.md §8 invariant 6 / §4.D).
func classifyAck(ack uint16, window []windowBlock, base uint64) (idx int, stale, future bool) {
	for i, blk := range window {
		if uint16(blk.abs) == ack {
			return i, false, false
		}
	}

	delta := ack - uint16(base)
	if delta >= 0x8000 {
		return -1, true, false
	}
	return -1, false, true
}

// readBlock fills a blksize buffer from r. short is true when fewer than
// blksize bytes were read (EOF reached), which marks the final DATA block
// of the transfer (spec.md §3 invariant: payload < blksize terminates).
func readBlock(r io.Reader, blksize int) ([]byte, bool, error) {
	buf := make([]byte, blksize)
	n, err := io.ReadFull(r, buf)
	switch err {
	case nil:
		return buf, n < blksize, nil
	case io.EOF, io.ErrUnexpectedEOF:
		return buf[:n], true, nil
	default:
		return nil, false, err
	}
}

func closeIfCloser(v interface{}) {
	if c, ok := v.(io.Closer); ok {
		c.Close()
	}
}
