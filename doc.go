// Package tftpd implements the server side of TFTP (RFC 1350) with the
// option extensions of RFC 2347 (negotiation), RFC 2348 (block size),
// RFC 2349 (timeout, transfer size) and RFC 7440 (window size).
//
// The package is transport- and storage-agnostic: callers supply a
// Handler that opens readers and writers for a filename, and NewServer
// assembles a ready-to-run core around it. The bundled dirhandler package
// provides a filesystem-backed Handler for the common case.
package tftpd
