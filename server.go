package tftpd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// Default builder values (spec.md §4.G).
const (
	DefaultBindAddr       = "0.0.0.0:69"
	DefaultTimeout        = 3 * time.Second
	DefaultBlockSizeLimit = maxBlockSize
	DefaultMaxSendRetries = 100
)

// Server is a ready-to-serve TFTP core built by NewServer. The zero value
// is not usable; construct one with NewServer.
type Server struct {
	handler Handler

	bindAddr string
	socket   net.PacketConn

	timeout        time.Duration
	blockSizeLimit int
	maxSendRetries int

	ignoreClientTimeoutOption    bool
	ignoreClientBlockSizeOption  bool
	ignoreClientWindowSizeOption bool

	log zerolog.Logger
}

// ServerOption configures a Server built by NewServer, following the
// functional-options pattern (spec.md §4.G recognised options).
type ServerOption func(*Server)

// WithBindAddr sets the address the listener binds to when no socket is
// supplied via WithSocket. Default: "0.0.0.0:69".
func WithBindAddr(addr string) ServerOption {
	return func(s *Server) { s.bindAddr = addr }
}

// WithSocket supplies an already-bound UDP socket for the listener,
// overriding WithBindAddr.
func WithSocket(conn net.PacketConn) ServerOption {
	return func(s *Server) { s.socket = conn }
}

// WithTimeout sets the server's retransmission timeout. The client may
// negotiate a shorter one (RFC 2349); the effective timeout is always the
// minimum of the two. Default: 3s.
func WithTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.timeout = d }
}

// WithBlockSizeLimit caps the blksize the server will accept from a
// client, regardless of what RFC 2348 would otherwise allow. Default:
// 65464.
func WithBlockSizeLimit(n int) ServerOption {
	return func(s *Server) { s.blockSizeLimit = n }
}

// WithMaxSendRetries sets how many retransmits a transfer attempts before
// giving up silently. Default: 100.
func WithMaxSendRetries(n int) ServerOption {
	return func(s *Server) { s.maxSendRetries = n }
}

// WithIgnoreClientTimeoutOption makes the server enforce its own timeout
// instead of negotiating the client's `timeout` option.
func WithIgnoreClientTimeoutOption() ServerOption {
	return func(s *Server) { s.ignoreClientTimeoutOption = true }
}

// WithIgnoreClientBlockSizeOption makes the server enforce RFC 1350's
// 512-byte block size instead of negotiating the client's `blksize`
// option.
func WithIgnoreClientBlockSizeOption() ServerOption {
	return func(s *Server) { s.ignoreClientBlockSizeOption = true }
}

// WithIgnoreClientWindowSizeOption disables RFC 7440 window negotiation;
// every transfer uses a window size of 1 (classic lockstep).
func WithIgnoreClientWindowSizeOption() ServerOption {
	return func(s *Server) { s.ignoreClientWindowSizeOption = true }
}

// WithLogger overrides the server's zerolog.Logger. Default: a disabled
// logger (zerolog.Nop()).
func WithLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// NewServer builds a Server around handler, applying opts over the
// defaults from spec.md §4.G.
func NewServer(handler Handler, opts ...ServerOption) *Server {
	s := &Server{
		handler:        handler,
		bindAddr:       DefaultBindAddr,
		timeout:        DefaultTimeout,
		blockSizeLimit: DefaultBlockSizeLimit,
		maxSendRetries: DefaultMaxSendRetries,
		log:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve runs the listener until ctx is cancelled or a fatal listener error
// occurs (spec.md §4.F, §5, §6). It binds the configured socket if one
// wasn't supplied via WithSocket. Cancelling ctx closes the listening
// socket; in-flight transfers run to completion on their own ephemeral
// sockets and are not interrupted.
func (s *Server) Serve(ctx context.Context) error {
	conn := s.socket
	if conn == nil {
		var err error
		conn, err = net.ListenPacket("udp", s.bindAddr)
		if err != nil {
			return fmt.Errorf("tftpd: bind %s: %w", s.bindAddr, err)
		}
	}

	s.log.Info().Str("addr", conn.LocalAddr().String()).Msg("tftpd listening")

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	buf := make([]byte, DefaultBlockSize+4)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("tftpd: listener recv: %w", err)
		}

		pkt, err := Decode(buf[:n])
		if err != nil {
			s.log.Debug().Err(err).Str("from", addr.String()).Msg("dropped malformed datagram on main port")
			continue
		}

		req, ok := pkt.(*RequestPacket)
		if !ok {
			s.log.Debug().Str("op", pkt.Op().String()).Str("from", addr.String()).Msg("unexpected opcode on main port")
			reply := newError(ErrIllegalOperation, "unexpected opcode")
			conn.WriteTo(reply.Bytes(), addr)
			continue
		}

		go s.handleRequest(conn, req, addr)
	}
}

// handleRequest negotiates options, opens the handler stream, and runs the
// appropriate transfer engine on a freshly bound ephemeral socket
// (spec.md §4.F).
func (s *Server) handleRequest(main net.PacketConn, req *RequestPacket, addr net.Addr) {
	reqLog := s.log.With().Str("peer", addr.String()).Str("file", req.Filename).Bool("write", req.Write).Logger()

	eph, err := newEphemeralSocket(main)
	if err != nil {
		reqLog.Error().Err(err).Msg("failed to bind ephemeral socket")
		main.WriteTo(newError(ErrNotDefined, "server error").Bytes(), addr)
		return
	}
	defer eph.Close()

	limits := negotiationLimits{
		blockSizeLimit:   s.blockSizeLimit,
		ignoreBlockSize:  s.ignoreClientBlockSizeOption,
		ignoreTimeout:    s.ignoreClientTimeoutOption,
		ignoreWindowSize: s.ignoreClientWindowSizeOption,
	}
	opts := negotiate(req.Options, limits)

	t := &transfer{
		conn:       eph,
		peer:       addr,
		opts:       opts,
		maxRetries: s.maxSendRetries,
		timeout:    opts.EffectiveTimeout(s.timeout),
		log:        reqLog,
	}

	start := time.Now()

	if req.Write {
		writer, err := s.handler.OpenWrite(req.Filename, addr, opts.TransferSize)
		if err != nil {
			t.sendError(writeErrorCode(err), err.Error())
			reqLog.Warn().Err(err).Msg("handler rejected WRQ")
			return
		}

		if err := serveWrite(t, writer); err != nil {
			if err != errProtocolViolation && err != errRecvTimeout {
				reqLog.Warn().Err(err).Msg("write transfer failed")
			}
			return
		}
	} else {
		reader, length, err := s.handler.OpenRead(req.Filename, addr)
		if err != nil {
			t.sendError(readErrorCode(err), err.Error())
			reqLog.Warn().Err(err).Msg("handler rejected RRQ")
			return
		}
		opts.SetTransferSize(length)

		if err := serveRead(t, reader); err != nil {
			if err != errProtocolViolation && err != errRecvTimeout {
				reqLog.Warn().Err(err).Msg("read transfer failed")
			}
			return
		}
	}

	reqLog.Info().Dur("elapsed", time.Since(start)).Msg("transfer complete")
}

func writeErrorCode(err error) ErrorCode {
	if ec, ok := err.(ErrorCoder); ok {
		return ec.Code()
	}
	return ErrAccessViolation
}

func readErrorCode(err error) ErrorCode {
	if ec, ok := err.(ErrorCoder); ok {
		return ec.Code()
	}
	return ErrFileNotFound
}

// newEphemeralSocket binds a new UDP socket on the same local IP as main,
// with an OS-assigned port (spec.md §4.F: "same local address family and
// IP as the listener").
func newEphemeralSocket(main net.PacketConn) (net.PacketConn, error) {
	network := "udp"
	host := ""
	if udpAddr, ok := main.LocalAddr().(*net.UDPAddr); ok {
		host = udpAddr.IP.String()
		if udpAddr.IP.To4() == nil {
			network = "udp6"
		} else {
			network = "udp4"
		}
	}
	return net.ListenPacket(network, net.JoinHostPort(host, "0"))
}
