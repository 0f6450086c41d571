package tftpd

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// OptionSet is the raw, case-insensitive mapping of option name to wire
// value carried by an RRQ, WRQ, or OACK packet. Keys are stored lowercase;
// lookups should go through Get.
type OptionSet map[string]string

// Get looks up an option case-insensitively.
func (o OptionSet) Get(name string) (string, bool) {
	if o == nil {
		return "", false
	}
	v, ok := o[strings.ToLower(name)]
	return v, ok
}

// names returns option names in a stable, sorted order so that encoding is
// deterministic (required for the codec round-trip property).
func (o OptionSet) names() []string {
	names := make([]string, 0, len(o))
	for k := range o {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Options is the typed, clamped projection of an OptionSet used by the
// transfer engines. An option that was not negotiated keeps its default
// (BlockSize 512, WindowSize 1, Timeout 0, TransferSize -1); the has*
// flags record which options were negotiated.
type Options struct {
	BlockSize  int
	Timeout    int // seconds, RFC 2349 granularity
	WindowSize int
	// TransferSize is the tsize value requested (WRQ, informational) or to
	// be filled in by the handler (RRQ). -1 means "not present".
	TransferSize int64

	// hasBlockSize etc. record which options actually survived
	// negotiation, so Accepted() can build the exact OACK subset.
	hasBlockSize    bool
	hasTimeout      bool
	hasWindowSize   bool
	hasTransferSize bool
}

// negotiationLimits bounds what the server is willing to accept, derived
// from builder configuration.
type negotiationLimits struct {
	blockSizeLimit   int
	ignoreBlockSize  bool
	ignoreTimeout    bool
	ignoreWindowSize bool
}

// negotiate projects a raw OptionSet into effective Options, silently
// dropping (not echoing) any option that fails typed parsing or falls
// outside its permitted range (spec.md §4.B). It never returns an error:
// a malformed option just isn't negotiated.
func negotiate(raw OptionSet, limits negotiationLimits) *Options {
	opts := &Options{
		BlockSize:    DefaultBlockSize,
		WindowSize:   minWindowSize,
		TransferSize: -1,
	}
	if raw == nil {
		return opts
	}

	if v, ok := raw.Get(optBlockSize); ok && !limits.ignoreBlockSize {
		if n, err := strconv.Atoi(v); err == nil && n >= minBlockSize && n <= maxBlockSize {
			limit := limits.blockSizeLimit
			if limit <= 0 || limit > maxBlockSize {
				limit = maxBlockSize
			}
			if n > limit {
				n = limit
			}
			opts.BlockSize = n
			opts.hasBlockSize = true
		}
	}

	if v, ok := raw.Get(optTimeout); ok && !limits.ignoreTimeout {
		if n, err := strconv.Atoi(v); err == nil && n >= minTimeoutSeconds && n <= maxTimeoutSeconds {
			opts.Timeout = n
			opts.hasTimeout = true
		}
	}

	if v, ok := raw.Get(optTransferSize); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			opts.TransferSize = n
			opts.hasTransferSize = true
		}
	}

	if v, ok := raw.Get(optWindowSize); ok && !limits.ignoreWindowSize {
		if n, err := strconv.Atoi(v); err == nil && n >= minWindowSize && n <= maxWindowSize {
			opts.WindowSize = n
			opts.hasWindowSize = true
		}
	}

	return opts
}

// Negotiated reports whether any option survived negotiation and therefore
// an OACK must be sent before data flows (spec.md §4.B, invariant 5).
func (o *Options) Negotiated() bool {
	return o.hasBlockSize || o.hasTimeout || o.hasWindowSize || o.hasTransferSize
}

// Accepted builds the exact OACK option subset for these Options. For RRQ,
// tsize (if requested as 0) is filled in by the caller via
// SetTransferSize before calling Accepted.
func (o *Options) Accepted() OptionSet {
	out := make(OptionSet)
	if o.hasBlockSize {
		out[optBlockSize] = strconv.Itoa(o.BlockSize)
	}
	if o.hasTimeout {
		out[optTimeout] = strconv.Itoa(o.Timeout)
	}
	if o.hasWindowSize {
		out[optWindowSize] = strconv.Itoa(o.WindowSize)
	}
	if o.hasTransferSize {
		out[optTransferSize] = strconv.FormatInt(o.TransferSize, 10)
	}
	return out
}

// EffectiveTimeout is the minimum of the server's configured retransmit
// timeout and the client-negotiated one, per spec.md §5: the wire
// granularity is whole seconds, but the server's own configured default
// may be sub-second.
func (o *Options) EffectiveTimeout(serverDefault time.Duration) time.Duration {
	if !o.hasTimeout {
		return serverDefault
	}
	negotiated := time.Duration(o.Timeout) * time.Second
	if negotiated < serverDefault {
		return negotiated
	}
	return serverDefault
}

// SetTransferSize fills in tsize for an OACK reply with the RRQ handler's
// advertised file length. A negative n means the length is unknown
// (Handler.OpenRead's documented convention), in which case tsize is
// dropped from the OACK entirely (spec.md §4.B: "otherwise omit tsize")
// rather than echoed as 0. It is a no-op if tsize was not requested.
func (o *Options) SetTransferSize(n int64) {
	if !o.hasTransferSize {
		return
	}
	if n < 0 {
		o.hasTransferSize = false
		o.TransferSize = -1
		return
	}
	o.TransferSize = n
}
