// Package dirhandler implements tftpd.Handler over a directory on the
// local filesystem, the way the teacher's standalone server served a
// single rootDir.
package dirhandler

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/mmontour/tftpd"
)

// Mode restricts which RRQ/WRQ operations a DirHandler will serve.
type Mode int

const (
	ReadOnly  Mode = iota // RRQ only; every OpenWrite is an access violation
	WriteOnly             // WRQ only; every OpenRead is an access violation
	ReadWrite             // both RRQ and WRQ
)

// DirHandler serves files rooted at Root, rejecting any request that would
// resolve outside of it. Unlike strings.Replace(filename, "..", "", -1),
// sanitizePath rejects the whole request rather than silently rewriting a
// malicious path, since rewriting can still land inside the root under an
// attacker-chosen name.
type DirHandler struct {
	Root           string
	Mode           Mode
	AllowOverwrite bool

	log zerolog.Logger

	mu      sync.RWMutex
	sizes   map[string]int64
	watcher *fsnotify.Watcher
}

// New builds a DirHandler rooted at dir. It starts an fsnotify watcher on
// dir and every subdirectory beneath it, so that cached file sizes (used
// to answer tsize without a Stat per RRQ) are invalidated when files
// change anywhere in the served subtree; Close stops the watcher.
func New(dir string, mode Mode, log zerolog.Logger) (*DirHandler, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("dirhandler: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("dirhandler: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("dirhandler: %s is not a directory", abs)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("dirhandler: %w", err)
	}

	h := &DirHandler{
		Root:  abs,
		Mode:  mode,
		log:   log,
		sizes: make(map[string]int64),
	}
	h.watcher = watcher

	if err := h.watchTree(abs); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("dirhandler: watch %s: %w", abs, err)
	}

	go h.watchLoop()
	return h, nil
}

// watchTree adds dir and every subdirectory under it to the watcher, so
// that fsnotify events cover the whole served subtree rather than just
// Root itself.
func (h *DirHandler) watchTree(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return h.watcher.Add(path)
		}
		return nil
	})
}

// Close stops the filesystem watcher. It is safe to call once the server
// has stopped using the handler.
func (h *DirHandler) Close() error {
	return h.watcher.Close()
}

func (h *DirHandler) watchLoop() {
	for event := range h.watcher.Events {
		if event.Op&fsnotify.Create != 0 {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := h.watcher.Add(event.Name); err != nil {
					h.log.Debug().Err(err).Str("dir", event.Name).Msg("failed to watch new subdirectory")
				}
				continue
			}
		}
		if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
			continue
		}
		key := h.cacheKey(event.Name)
		h.mu.Lock()
		delete(h.sizes, key)
		h.mu.Unlock()
		h.log.Debug().Str("file", key).Str("op", event.Op.String()).Msg("invalidated cached size")
	}
}

// cacheKey returns the cleaned path of full relative to Root, used as the
// sizes cache key so that same-named files in different subdirectories
// (e.g. a/x.txt and b/x.txt) don't collide on a shared basename.
func (h *DirHandler) cacheKey(full string) string {
	rel, err := filepath.Rel(h.Root, full)
	if err != nil {
		return full
	}
	return rel
}

// sanitizePath resolves filename against Root, rejecting anything that
// would escape it: absolute paths, path separators that climb out via
// "..", and symlink-free Clean normalization all funnel through one
// check instead of the teacher's blind "..".Replace.
func (h *DirHandler) sanitizePath(filename string) (string, error) {
	if filename == "" {
		return "", fmt.Errorf("empty filename")
	}
	clean := filepath.Clean(strings.ReplaceAll(filename, "\\", "/"))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path escapes root: %q", filename)
	}

	full := filepath.Join(h.Root, clean)
	rootWithSep := h.Root + string(os.PathSeparator)
	if full != h.Root && !strings.HasPrefix(full, rootWithSep) {
		return "", fmt.Errorf("path escapes root: %q", filename)
	}
	return full, nil
}

// OpenRead implements tftpd.Handler.
func (h *DirHandler) OpenRead(filename string, peer net.Addr) (io.Reader, int64, error) {
	if h.Mode == WriteOnly {
		return nil, -1, tftpd.NewHandlerError(tftpd.ErrAccessViolation, "server is write-only")
	}

	full, err := h.sanitizePath(filename)
	if err != nil {
		return nil, -1, tftpd.NewHandlerError(tftpd.ErrAccessViolation, err.Error())
	}

	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, -1, tftpd.NewHandlerError(tftpd.ErrFileNotFound, "file not found")
		}
		return nil, -1, tftpd.NewHandlerError(tftpd.ErrAccessViolation, err.Error())
	}

	size, err := h.statSize(full)
	if err != nil {
		f.Close()
		return nil, -1, tftpd.NewHandlerError(tftpd.ErrAccessViolation, err.Error())
	}

	h.log.Info().Str("file", filename).Str("peer", peer.String()).Int64("size", size).Msg("serving RRQ")
	return f, size, nil
}

// statSize returns full's size, consulting the fsnotify-invalidated cache
// first so that a run of identical RRQs doesn't re-Stat the file each time.
func (h *DirHandler) statSize(full string) (int64, error) {
	key := h.cacheKey(full)

	h.mu.RLock()
	if size, ok := h.sizes[key]; ok {
		h.mu.RUnlock()
		return size, nil
	}
	h.mu.RUnlock()

	info, err := os.Stat(full)
	if err != nil {
		return -1, err
	}

	h.mu.Lock()
	h.sizes[key] = info.Size()
	h.mu.Unlock()
	return info.Size(), nil
}

// OpenWrite implements tftpd.Handler.
func (h *DirHandler) OpenWrite(filename string, peer net.Addr, size int64) (tftpd.Writer, error) {
	if h.Mode == ReadOnly {
		return nil, tftpd.NewHandlerError(tftpd.ErrAccessViolation, "server is read-only")
	}

	full, err := h.sanitizePath(filename)
	if err != nil {
		return nil, tftpd.NewHandlerError(tftpd.ErrAccessViolation, err.Error())
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !h.AllowOverwrite {
		if _, err := os.Stat(full); err == nil {
			return nil, tftpd.NewHandlerError(tftpd.ErrFileExists, "file already exists")
		}
		flags |= os.O_EXCL
	}

	f, err := os.OpenFile(full, flags, 0644)
	if err != nil {
		return nil, tftpd.NewHandlerError(tftpd.ErrAccessViolation, err.Error())
	}

	h.log.Info().Str("file", filename).Str("peer", peer.String()).Int64("tsize", size).Msg("serving WRQ")
	return f, nil
}
