package tftpd

import (
	"time"
)

// serveWrite drives the WRQ state machine: Negotiating → Receiving →
// Finalising → Done | Failed (spec.md §4.E).
func serveWrite(t *transfer, writer Writer) error {
	var lastAck Packet
	if t.opts.Negotiated() {
		lastAck = &OackPacket{Options: t.opts.Accepted()}
	} else {
		lastAck = &AckPacket{Block: 0}
	}
	if err := t.send(lastAck); err != nil {
		closeDiscard(writer)
		return err
	}

	err, closed := receiveWrite(t, writer, lastAck)
	if !closed {
		closeDiscard(writer)
	}
	return err
}

// receiveWrite returns closed=true whenever it has already called
// writer.Close itself (on the final block, whether or not Close
// succeeded), so serveWrite knows not to call it a second time.
func receiveWrite(t *transfer, writer Writer, lastAck Packet) (err error, closed bool) {
	var (
		expected uint64 = 1
		pending  int
		buf      = make([]byte, t.opts.BlockSize+4)
	)

	deadline := time.Now().Add(t.timeout)
	retries := 0

	for {
		pkt, recvErr := t.recvDeadline(deadline, buf)
		if recvErr == errRecvTimeout {
			retries++
			if retries > t.maxRetries {
				t.log.Debug().Msg("write transfer failed: retry budget exhausted")
				return errRecvTimeout, false
			}
			if err := t.send(lastAck); err != nil {
				return err, false
			}
			deadline = time.Now().Add(t.timeout)
			continue
		}
		if recvErr != nil {
			return recvErr, false
		}

		switch p := pkt.(type) {
		case *DataPacket:
			switch {
			case p.Block == uint16(expected):
				short := len(p.Payload) < t.opts.BlockSize

				if _, werr := writer.Write(p.Payload); werr != nil {
					code := ErrDiskFull
					if ec, ok := werr.(ErrorCoder); ok {
						code = ec.Code()
					}
					t.sendError(code, werr.Error())
					return werr, false
				}

				expected++
				pending++

				if short || pending >= t.opts.WindowSize {
					ack := &AckPacket{Block: uint16(expected - 1)}
					if err := t.send(ack); err != nil {
						return err, false
					}
					lastAck = ack
					pending = 0
				}

				if short {
					if cerr := writer.Close(); cerr != nil {
						t.sendError(ErrDiskFull, cerr.Error())
						return cerr, true
					}
					return nil, true
				}

				retries = 0
				deadline = time.Now().Add(t.timeout)

			case p.Block == uint16(expected-1):
				t.log.Debug().Uint16("block", p.Block).Msg("duplicate DATA, resending last ACK")
				if err := t.send(lastAck); err != nil {
					return err, false
				}
				deadline = time.Now().Add(t.timeout)

			default:
				t.sendError(ErrIllegalOperation, "unexpected block number")
				return errProtocolViolation, false
			}

		case *ErrorPacket:
			t.log.Info().Uint16("code", uint16(p.Code)).Str("msg", p.Message).Msg("client aborted transfer")
			return nil, false

		default:
			t.sendError(ErrIllegalOperation, "unexpected opcode")
			return errProtocolViolation, false
		}
	}
}

func closeDiscard(w Writer) {
	if w != nil {
		w.Close()
	}
}
