// Command tftpd runs a standalone TFTP server over a directory on disk.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mmontour/tftpd"
	"github.com/mmontour/tftpd/dirhandler"
)

var (
	flgAddr                  string
	flgRoot                  string
	flgMode                  string
	flgAllowOverwrite        bool
	flgTimeout               time.Duration
	flgBlockSizeLimit        int
	flgMaxRetries            int
	flgIgnoreClientTimeout   bool
	flgIgnoreClientBlockSize bool
	flgIgnoreClientWindow    bool
	flgLogLevel              string
)

func init() {
	flag.StringVar(&flgAddr, "addr", tftpd.DefaultBindAddr, "address to bind the TFTP listener to")
	flag.StringVar(&flgRoot, "root", ".", "directory to serve")
	flag.StringVar(&flgMode, "mode", "rw", "access mode: ro, wo, or rw")
	flag.BoolVar(&flgAllowOverwrite, "ow", false, "allow WRQ to overwrite an existing file")
	flag.DurationVar(&flgTimeout, "timeout", tftpd.DefaultTimeout, "server retransmission timeout")
	flag.IntVar(&flgBlockSizeLimit, "blksize-limit", tftpd.DefaultBlockSizeLimit, "largest blksize the server will negotiate")
	flag.IntVar(&flgMaxRetries, "max-retries", tftpd.DefaultMaxSendRetries, "retransmits before giving up on a silent peer")
	flag.BoolVar(&flgIgnoreClientTimeout, "ignore-client-timeout", false, "ignore the client's timeout option")
	flag.BoolVar(&flgIgnoreClientBlockSize, "ignore-client-blksize", false, "ignore the client's blksize option")
	flag.BoolVar(&flgIgnoreClientWindow, "ignore-client-windowsize", false, "ignore the client's windowsize option")
	flag.StringVar(&flgLogLevel, "log-level", "info", "zerolog level: debug, info, warn, error")
}

func main() {
	flag.Parse()

	level, err := zerolog.ParseLevel(flgLogLevel)
	if err != nil {
		log.Fatalf("invalid -log-level %q: %v", flgLogLevel, err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	mode, err := parseMode(flgMode)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid -mode")
	}

	h, err := dirhandler.New(flgRoot, mode, logger.With().Str("component", "dirhandler").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start directory handler")
	}
	defer h.Close()
	h.AllowOverwrite = flgAllowOverwrite

	opts := []tftpd.ServerOption{
		tftpd.WithBindAddr(flgAddr),
		tftpd.WithTimeout(flgTimeout),
		tftpd.WithBlockSizeLimit(flgBlockSizeLimit),
		tftpd.WithMaxSendRetries(flgMaxRetries),
		tftpd.WithLogger(logger.With().Str("component", "server").Logger()),
	}
	if flgIgnoreClientTimeout {
		opts = append(opts, tftpd.WithIgnoreClientTimeoutOption())
	}
	if flgIgnoreClientBlockSize {
		opts = append(opts, tftpd.WithIgnoreClientBlockSizeOption())
	}
	if flgIgnoreClientWindow {
		opts = append(opts, tftpd.WithIgnoreClientWindowSizeOption())
	}

	srv := tftpd.NewServer(h, opts...)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info().Str("addr", flgAddr).Str("root", flgRoot).Str("mode", flgMode).Msg("starting tftpd")
	if err := srv.Serve(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
}

func parseMode(s string) (dirhandler.Mode, error) {
	switch s {
	case "ro":
		return dirhandler.ReadOnly, nil
	case "wo":
		return dirhandler.WriteOnly, nil
	case "rw":
		return dirhandler.ReadWrite, nil
	default:
		return 0, &unknownModeError{s}
	}
}

type unknownModeError struct{ mode string }

func (e *unknownModeError) Error() string {
	return "unknown mode " + e.mode + " (want ro, wo, or rw)"
}
