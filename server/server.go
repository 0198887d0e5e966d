package server

import (
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nstehr/go-tftp/message"
	"github.com/nstehr/go-tftp/shared"
	"github.com/nstehr/go-tftp/shared/transfer"
)

type Server struct {
	config  transfer.ServerConfig
	network shared.Network
	log     *slog.Logger

	// TransfersChannel announces the progress channel of every accepted
	// request. The announcement is skipped when nobody is listening.
	TransfersChannel chan chan transfer.Progress

	mu       sync.Mutex
	listener shared.Socket
	closed   bool
	active   sync.WaitGroup
}

func NewServer(config transfer.ServerConfig, network shared.Network) *Server {
	defaults := transfer.NewServerConfig()
	if config.MaxBlockSize == 0 {
		config.MaxBlockSize = defaults.MaxBlockSize
	}
	if config.MaxWindowSize == 0 {
		config.MaxWindowSize = defaults.MaxWindowSize
	}
	if config.Local.MaxRetries <= 0 {
		config.Local.MaxRetries = defaults.Local.MaxRetries
	}
	if config.Directory == "" {
		config.Directory = defaults.Directory
	}
	return &Server{
		config:           config,
		network:          network,
		log:              slog.Default(),
		TransfersChannel: make(chan chan transfer.Progress),
	}
}

func (s *Server) SetLogger(log *slog.Logger) {
	if log != nil {
		s.log = log
	}
}

// ListenAndServe listens on the configured address and serves requests
// until Shutdown is called.
func (s *Server) ListenAndServe() error {
	sock, err := s.network.ListenPacket(s.config.ListenAddress)
	if err != nil {
		return err
	}
	return s.Serve(sock)
}

// Serve reads requests from sock. Every request is answered from a new
// socket so that the listener stays free for the next one.
func (s *Server) Serve(sock shared.Socket) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sock.Close()
		return net.ErrClosed
	}
	s.listener = sock
	s.mu.Unlock()

	s.log.Info("serving", "address", sock.LocalAddr().String(), "directory", s.config.Directory, "readonly", s.config.ReadOnly)
	for {
		pkt, from, err := sock.Recv()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if shared.IsTimeout(err) {
				continue
			}
			return err
		}
		if pkt.Type != message.RRQ && pkt.Type != message.WRQ {
			s.log.Warn("ignoring packet outside a transfer", "from", from.String(), "packet", pkt.String())
			continue
		}

		ch := make(chan transfer.Progress, 16)
		select {
		case s.TransfersChannel <- ch:
		default:
		}
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			defer close(ch)
			s.handleRequest(sock.LocalAddr(), pkt, from, ch)
		}()
	}
}

// Shutdown stops accepting requests and waits for running transfers.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener.Close()
	}
	s.active.Wait()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) handleRequest(local net.Addr, pkt *message.Packet, from net.Addr, ch chan transfer.Progress) {
	req := pkt.Payload.(message.Request)
	id := uuid.NewString()
	log := s.log.With("transfer", id, "peer", from.String(), "file", req.Filename)
	log.Info("request", "type", pkt.Type.String(), "options", map[string]string(req.Options))

	sock, err := s.network.ListenPacket(transferAddress(local))
	if err != nil {
		log.Error("could not open transfer socket", "err", err)
		return
	}
	defer sock.Close()
	sock.Connect(from)
	sock.SetReadTimeout(transfer.DefaultTimeout)
	sock.SetWriteTimeout(transfer.DefaultTimeout)

	if !strings.EqualFold(req.Mode, message.ModeOctet) {
		log.Warn("unsupported mode", "mode", req.Mode)
		shared.SendError(sock, message.ErrIllegalOperation, "only octet mode is supported", log)
		return
	}
	path, err := s.resolve(req.Filename)
	if err != nil {
		log.Warn("rejected filename", "err", err)
		shared.SendError(sock, message.ErrAccessViolation, err.Error(), log)
		return
	}

	t := &serverTransfer{
		id:       id,
		req:      req,
		path:     path,
		sock:     sock,
		log:      log,
		progress: ch,
	}
	if pkt.Type == message.RRQ {
		s.serveRead(t)
	} else {
		s.serveWrite(t)
	}
}

// transferAddress binds a fresh port on the listener's host.
func transferAddress(local net.Addr) string {
	host, _, err := net.SplitHostPort(local.String())
	if err != nil {
		return ""
	}
	return net.JoinHostPort(host, "0")
}
