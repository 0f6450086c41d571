package tftpd

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrDecode is wrapped by every error returned from Decode.
type ErrDecode struct {
	reason string
	err    error
}

func (e *ErrDecode) Error() string { return "tftpd: decode: " + e.reason }

func (e *ErrDecode) Unwrap() error { return errors.Unwrap(e.err) }

// decodeErrorf builds an *ErrDecode the way fmt.Errorf builds an error: a
// %w verb wraps the nested error instead of rendering it as a value, which
// Sprintf cannot do.
func decodeErrorf(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	return &ErrDecode{reason: err.Error(), err: err}
}

// Packet is any of the six TFTP packet variants (RRQ, WRQ, DATA, ACK,
// ERROR, OACK). Bytes renders the wire form.
type Packet interface {
	Op() opCode
	Bytes() []byte
}

// RequestPacket is a parsed RRQ or WRQ. Write is false for RRQ.
type RequestPacket struct {
	Write    bool
	Filename string
	Mode     Mode
	Options  OptionSet
}

func (p *RequestPacket) Op() opCode {
	if p.Write {
		return opWRQ
	}
	return opRRQ
}

func (p *RequestPacket) Bytes() []byte {
	var b bytes.Buffer
	writeOpcode(&b, p.Op())
	b.WriteString(p.Filename)
	b.WriteByte(0)
	b.WriteString(string(p.Mode))
	b.WriteByte(0)
	for _, name := range p.Options.names() {
		b.WriteString(name)
		b.WriteByte(0)
		b.WriteString(p.Options[name])
		b.WriteByte(0)
	}
	return b.Bytes()
}

// DataPacket carries up to a negotiated blksize worth of payload.
type DataPacket struct {
	Block   uint16
	Payload []byte
}

func (p *DataPacket) Op() opCode { return opDATA }

func (p *DataPacket) Bytes() []byte {
	out := make([]byte, 4+len(p.Payload))
	binary.BigEndian.PutUint16(out[0:2], uint16(opDATA))
	binary.BigEndian.PutUint16(out[2:4], p.Block)
	copy(out[4:], p.Payload)
	return out
}

// AckPacket acknowledges a block number (0 acknowledges OACK/options).
type AckPacket struct {
	Block uint16
}

func (p *AckPacket) Op() opCode { return opACK }

func (p *AckPacket) Bytes() []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint16(out[0:2], uint16(opACK))
	binary.BigEndian.PutUint16(out[2:4], p.Block)
	return out
}

// ErrorPacket terminates a transfer with an RFC 1350 §5 error code.
type ErrorPacket struct {
	Code    ErrorCode
	Message string
}

func (p *ErrorPacket) Op() opCode { return opERROR }

func (p *ErrorPacket) Bytes() []byte {
	var b bytes.Buffer
	writeOpcode(&b, opERROR)
	var code [2]byte
	binary.BigEndian.PutUint16(code[:], uint16(p.Code))
	b.Write(code[:])
	b.WriteString(p.Message)
	b.WriteByte(0)
	return b.Bytes()
}

func (p *ErrorPacket) Error() string {
	return fmt.Sprintf("tftpd: %s (code %d): %s", p.Code, p.Code, p.Message)
}

// newError builds an ErrorPacket, defaulting the message to the code's
// stock RFC 1350 description when none is supplied.
func newError(code ErrorCode, message string) *ErrorPacket {
	if message == "" {
		message = code.String()
	}
	return &ErrorPacket{Code: code, Message: message}
}

// OackPacket confirms the subset of requested options the server accepts.
type OackPacket struct {
	Options OptionSet
}

func (p *OackPacket) Op() opCode { return opOACK }

func (p *OackPacket) Bytes() []byte {
	var b bytes.Buffer
	writeOpcode(&b, opOACK)
	for _, name := range p.Options.names() {
		b.WriteString(name)
		b.WriteByte(0)
		b.WriteString(p.Options[name])
		b.WriteByte(0)
	}
	return b.Bytes()
}

func writeOpcode(b *bytes.Buffer, op opCode) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(op))
	b.Write(tmp[:])
}

// Decode parses a raw UDP datagram into one of the Packet variants.
// Malformed headers, truncated NUL-terminated strings, and unknown opcodes
// are reported as *ErrDecode.
func Decode(raw []byte) (Packet, error) {
	if len(raw) < 2 {
		return nil, decodeErrorf("datagram too short (%d bytes)", len(raw))
	}

	op := opCode(binary.BigEndian.Uint16(raw[:2]))
	body := raw[2:]

	switch op {
	case opRRQ, opWRQ:
		filename, rest, err := readCString(body)
		if err != nil {
			return nil, decodeErrorf("filename: %w", err)
		}
		mode, rest, err := readCString(rest)
		if err != nil {
			return nil, decodeErrorf("mode: %w", err)
		}
		opts, err := readOptionPairs(rest)
		if err != nil {
			return nil, decodeErrorf("options: %w", err)
		}
		return &RequestPacket{
			Write:    op == opWRQ,
			Filename: filename,
			Mode:     Mode(strings.ToLower(mode)),
			Options:  opts,
		}, nil

	case opDATA:
		if len(body) < 2 {
			return nil, decodeErrorf("DATA: missing block number")
		}
		return &DataPacket{
			Block:   binary.BigEndian.Uint16(body[:2]),
			Payload: append([]byte(nil), body[2:]...),
		}, nil

	case opACK:
		if len(body) < 2 {
			return nil, decodeErrorf("ACK: missing block number")
		}
		return &AckPacket{Block: binary.BigEndian.Uint16(body[:2])}, nil

	case opERROR:
		if len(body) < 2 {
			return nil, decodeErrorf("ERROR: missing error code")
		}
		code := ErrorCode(binary.BigEndian.Uint16(body[:2]))
		msg, _, err := readCString(body[2:])
		if err != nil {
			return nil, decodeErrorf("ERROR: message: %w", err)
		}
		return &ErrorPacket{Code: code, Message: msg}, nil

	case opOACK:
		opts, err := readOptionPairs(body)
		if err != nil {
			return nil, decodeErrorf("OACK: options: %w", err)
		}
		return &OackPacket{Options: opts}, nil

	default:
		return nil, decodeErrorf("unknown opcode %d", op)
	}
}

// readCString reads bytes up to and including the next NUL, returning the
// string before it and the remainder of buf after the NUL.
func readCString(buf []byte) (value string, rest []byte, err error) {
	idx := bytes.IndexByte(buf, 0)
	if idx < 0 {
		return "", nil, decodeErrorf("unterminated string")
	}
	if !utf8.Valid(buf[:idx]) {
		return "", nil, decodeErrorf("invalid UTF-8")
	}
	return string(buf[:idx]), buf[idx+1:], nil
}

func readOptionPairs(buf []byte) (OptionSet, error) {
	if len(buf) == 0 {
		return nil, nil
	}

	opts := make(OptionSet)
	for len(buf) > 0 {
		name, rest, err := readCString(buf)
		if err != nil {
			return nil, fmt.Errorf("option name: %w", err)
		}
		value, rest2, err := readCString(rest)
		if err != nil {
			return nil, fmt.Errorf("option value for %q: %w", name, err)
		}
		opts[strings.ToLower(name)] = value
		buf = rest2
	}
	return opts, nil
}
