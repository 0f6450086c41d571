package tftpd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNegotiateDefaults(t *testing.T) {
	opts := negotiate(nil, negotiationLimits{})
	assert.Equal(t, DefaultBlockSize, opts.BlockSize)
	assert.Equal(t, minWindowSize, opts.WindowSize)
	assert.Equal(t, int64(-1), opts.TransferSize)
	assert.False(t, opts.Negotiated())
	assert.Empty(t, opts.Accepted())
}

func TestNegotiateClampsBlockSize(t *testing.T) {
	raw := OptionSet{"blksize": "65464"}
	opts := negotiate(raw, negotiationLimits{blockSizeLimit: 1024})
	assert.Equal(t, 1024, opts.BlockSize)
	assert.True(t, opts.Negotiated())
	assert.Equal(t, "1024", opts.Accepted()[optBlockSize])
}

func TestNegotiateDropsOutOfRangeBlockSize(t *testing.T) {
	for _, v := range []string{"7", "65465", "not-a-number"} {
		opts := negotiate(OptionSet{"blksize": v}, negotiationLimits{})
		assert.Equal(t, DefaultBlockSize, opts.BlockSize)
		_, ok := opts.Accepted()[optBlockSize]
		assert.False(t, ok, "blksize=%s should have been dropped", v)
	}
}

func TestNegotiateIgnoreFlags(t *testing.T) {
	raw := OptionSet{"blksize": "1024", "timeout": "5", "windowsize": "8"}
	opts := negotiate(raw, negotiationLimits{
		ignoreBlockSize:  true,
		ignoreTimeout:    true,
		ignoreWindowSize: true,
	})
	assert.Equal(t, DefaultBlockSize, opts.BlockSize)
	assert.Equal(t, minWindowSize, opts.WindowSize)
	assert.False(t, opts.Negotiated())
}

func TestNegotiateTransferSizeSurvivesIgnoreFlags(t *testing.T) {
	// tsize has no ignore flag (spec.md §4.G only lists ignore flags for
	// timeout/blksize/windowsize).
	opts := negotiate(OptionSet{"tsize": "0"}, negotiationLimits{
		ignoreBlockSize: true, ignoreTimeout: true, ignoreWindowSize: true,
	})
	assert.True(t, opts.Negotiated())
	assert.Equal(t, int64(0), opts.TransferSize)
}

func TestSetTransferSizeFillsKnownLength(t *testing.T) {
	opts := negotiate(OptionSet{"tsize": "0"}, negotiationLimits{})
	opts.SetTransferSize(12345)
	assert.Equal(t, "12345", opts.Accepted()[optTransferSize])
}

func TestSetTransferSizeNoopWhenNotRequested(t *testing.T) {
	opts := negotiate(nil, negotiationLimits{})
	opts.SetTransferSize(12345)
	_, ok := opts.Accepted()[optTransferSize]
	assert.False(t, ok)
}

func TestSetTransferSizeDropsOptionWhenLengthUnknown(t *testing.T) {
	opts := negotiate(OptionSet{"tsize": "0"}, negotiationLimits{})
	opts.SetTransferSize(-1)
	_, ok := opts.Accepted()[optTransferSize]
	assert.False(t, ok, "tsize must be omitted, not echoed as 0, when length is unknown")
}

func TestEffectiveTimeoutIsMinimum(t *testing.T) {
	opts := negotiate(OptionSet{"timeout": "10"}, negotiationLimits{})
	assert.Equal(t, 3*time.Second, opts.EffectiveTimeout(3*time.Second))

	opts2 := negotiate(OptionSet{"timeout": "1"}, negotiationLimits{})
	assert.Equal(t, 1*time.Second, opts2.EffectiveTimeout(3*time.Second))
}

func TestOptionSetCaseInsensitive(t *testing.T) {
	o := OptionSet{"blksize": "10"}
	v, ok := o.Get("BlkSize")
	assert.True(t, ok)
	assert.Equal(t, "10", v)
}
