package tftpd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		pkt  Packet
	}{
		{"rrq", &RequestPacket{Filename: "foo.txt", Mode: ModeOctet}},
		{"wrq with options", &RequestPacket{
			Write: true, Filename: "bar.bin", Mode: ModeOctet,
			Options: OptionSet{"blksize": "1024", "timeout": "2"},
		}},
		{"data", &DataPacket{Block: 7, Payload: []byte("hello")}},
		{"data empty", &DataPacket{Block: 65535, Payload: nil}},
		{"ack", &AckPacket{Block: 256}},
		{"error", &ErrorPacket{Code: ErrFileNotFound, Message: "file not found"}},
		{"oack", &OackPacket{Options: OptionSet{"windowsize": "4"}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := tc.pkt.Bytes()
			decoded, err := Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, encoded, decoded.Bytes())
		})
	}
}

func TestDecodeRequest(t *testing.T) {
	raw := append([]byte{0, 1}, []byte("foo.txt\x00OcTeT\x00blksize\x001024\x00")...)
	pkt, err := Decode(raw)
	require.NoError(t, err)

	req, ok := pkt.(*RequestPacket)
	require.True(t, ok)
	assert.False(t, req.Write)
	assert.Equal(t, "foo.txt", req.Filename)
	assert.Equal(t, ModeOctet, req.Mode) // case-insensitive mode
	v, ok := req.Options.Get("BLKSIZE")
	assert.True(t, ok)
	assert.Equal(t, "1024", v)
}

func TestDecodeErrors(t *testing.T) {
	cases := map[string][]byte{
		"empty":                {},
		"one byte":             {0},
		"unknown opcode":       {0, 99},
		"rrq unterminated":     {0, 1, 'a', 'b'},
		"data too short":       {0, 3, 0},
		"ack too short":        {0, 4, 0},
		"error too short":      {0, 5, 0},
		"rrq missing mode":     append([]byte{0, 1}, []byte("foo.txt\x00")...),
		"rrq dangling option":  append([]byte{0, 1}, []byte("foo.txt\x00octet\x00blksize\x00")...),
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(raw)
			assert.Error(t, err)
		})
	}
}

func TestNewErrorDefaultsMessage(t *testing.T) {
	e := newError(ErrDiskFull, "")
	assert.Equal(t, ErrDiskFull.String(), e.Message)
}
