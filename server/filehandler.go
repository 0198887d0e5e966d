package server

import (
	"errors"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/nstehr/go-tftp/message"
	"github.com/nstehr/go-tftp/shared"
	"github.com/nstehr/go-tftp/shared/transfer"
	"github.com/nstehr/go-tftp/worker"
)

var errEmptyFilename = errors.New("empty filename")

type serverTransfer struct {
	id       string
	req      message.Request
	path     string
	sock     shared.Socket
	log      *slog.Logger
	progress chan transfer.Progress
}

// resolve maps a requested name into the served directory. Leading
// slashes and ".." segments cannot climb out of it.
func (s *Server) resolve(name string) (string, error) {
	if name == "" {
		return "", errEmptyFilename
	}
	clean := path.Clean("/" + filepath.ToSlash(name))
	if clean == "/" {
		return "", errEmptyFilename
	}
	return filepath.Join(s.config.Directory, filepath.FromSlash(clean)), nil
}

func (s *Server) serveRead(t *serverTransfer) {
	info, err := os.Stat(t.path)
	if err != nil {
		t.log.Warn("cannot serve file", "err", err)
		s.reject(t, err)
		return
	}
	if !info.Mode().IsRegular() {
		t.log.Warn("not a regular file", "path", t.path)
		shared.SendError(t.sock, message.ErrAccessViolation, "not a regular file", t.log)
		return
	}

	size := uint64(info.Size())
	opts, ack := transfer.Accept(t.req.Options, s.config.MaxBlockSize, s.config.MaxWindowSize, &size)
	if opts.TransferSize == nil {
		// only used locally for progress
		opts.TransferSize = &size
	}
	w := s.newWorker(t, opts)
	if len(ack) > 0 {
		w.SetHandshake(message.NewOptionAck(ack))
	}
	<-w.Send()
}

func (s *Server) serveWrite(t *serverTransfer) {
	if s.config.ReadOnly {
		t.log.Warn("write refused, server is read only")
		shared.SendError(t.sock, message.ErrAccessViolation, "server is read only", t.log)
		return
	}
	if !s.config.Overwrite {
		if _, err := os.Stat(t.path); err == nil {
			t.log.Warn("write refused, file exists")
			shared.SendError(t.sock, message.ErrFileExists, "File already exists", t.log)
			return
		}
	}

	opts, ack := transfer.Accept(t.req.Options, s.config.MaxBlockSize, s.config.MaxWindowSize, nil)
	w := s.newWorker(t, opts)
	if len(ack) > 0 {
		w.SetHandshake(message.NewOptionAck(ack))
	} else {
		w.SetHandshake(message.NewAck(0))
	}
	<-w.Receive()
}

func (s *Server) newWorker(t *serverTransfer, opts transfer.Options) *worker.Worker {
	t.sock.SetReadTimeout(opts.Timeout)
	t.sock.SetWriteTimeout(opts.Timeout)
	t.log.Debug("negotiated", "options", opts.String())
	w := worker.NewWorker(t.sock, t.path, s.config.Local, opts)
	w.SetLogger(t.log)
	w.SetProgress(t.id, t.progress)
	return w
}

// reject answers a request that failed before any transfer started.
func (s *Server) reject(t *serverTransfer, err error) {
	code := transfer.ErrorCodeFor(err)
	msg := err.Error()
	switch code {
	case message.ErrFileNotFound:
		msg = "File not found"
	case message.ErrAccessViolation:
		msg = "Access violation"
	}
	shared.SendError(t.sock, code, msg, t.log)
	select {
	case t.progress <- transfer.Progress{ID: t.id, Type: transfer.ERROR, Message: msg}:
	default:
	}
}
