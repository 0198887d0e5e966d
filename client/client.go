package client

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/nstehr/go-tftp/message"
	"github.com/nstehr/go-tftp/shared"
	"github.com/nstehr/go-tftp/shared/transfer"
	"github.com/nstehr/go-tftp/statemachine"
	"github.com/nstehr/go-tftp/worker"
)

type Client struct {
	config  transfer.ClientConfig
	network shared.Network
	log     *slog.Logger

	// ProgressChannel receives progress reports when set. Reports are
	// dropped rather than blocking the transfer.
	ProgressChannel chan transfer.Progress
}

func NewClient(config transfer.ClientConfig, network shared.Network) *Client {
	if config.Local.MaxRetries <= 0 {
		config.Local.MaxRetries = transfer.NewLocalOptions().MaxRetries
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = transfer.NewClientConfig().RequestTimeout
	}
	return &Client{config: config, network: network, log: slog.Default()}
}

func (c *Client) SetLogger(log *slog.Logger) {
	if log != nil {
		c.log = log
	}
}

// Run performs one transfer in the configured direction and returns once
// the data has been moved or the transfer failed.
func (c *Client) Run() (transfer.Stats, error) {
	sock, err := c.network.ListenPacket("")
	if err != nil {
		return transfer.Stats{}, fmt.Errorf("opening socket: %w", err)
	}
	defer sock.Close()
	sock.SetReadTimeout(c.config.RequestTimeout)

	id := uuid.NewString()
	log := c.log.With("transfer", id, "remote", c.config.RemoteAddress, "mode", c.config.Mode.String())
	if c.config.Mode == transfer.Upload {
		return c.upload(sock, id, log)
	}
	return c.download(sock, id, log)
}

func (c *Client) upload(sock shared.Socket, id string, log *slog.Logger) (transfer.Stats, error) {
	remote := c.config.FileRemote
	if remote == "" {
		remote = filepath.Base(c.config.FilePath)
	}
	info, err := os.Stat(c.config.FilePath)
	if err != nil {
		return transfer.Stats{}, &transfer.IOError{Op: "stat", Path: c.config.FilePath, Err: err}
	}
	if info.IsDir() {
		return transfer.Stats{}, &transfer.IOError{Op: "stat", Path: c.config.FilePath, Err: errors.New("is a directory")}
	}
	size := uint64(info.Size())
	proposal := c.config.Options
	proposal.TransferSize = &size

	log = log.With("file", remote)
	h := &handshake{proposal: proposal, log: log}
	log.Debug("sending write request", "options", proposal.String())
	c.updateProgress(id, transfer.Progress{Type: transfer.HANDSHAKING, Message: "Sending write request for " + remote})
	req := message.NewWriteRequest(remote, proposal.Prepare())
	if err := c.exchange(sock, req, h.onWriteResponse, log); err != nil {
		c.updateProgress(id, transfer.Progress{Type: transfer.ERROR, Message: err.Error()})
		return transfer.Stats{}, err
	}
	if h.negotiated.TransferSize == nil {
		h.negotiated.TransferSize = &size
	}

	w := c.configureWorker(sock, h, c.config.FilePath, id, log)
	res := <-w.Send()
	return res.Stats, res.Err
}

func (c *Client) download(sock shared.Socket, id string, log *slog.Logger) (transfer.Stats, error) {
	remote := c.config.FileRemote
	local := c.config.FilePath
	if remote == "" {
		// one path given: fetch it and store it under its base name
		remote = c.config.FilePath
		local = filepath.Base(c.config.FilePath)
	}
	local = filepath.Join(c.config.ReceiveDirectory, local)

	var zero uint64
	proposal := c.config.Options
	proposal.TransferSize = &zero

	log = log.With("file", remote)
	h := &handshake{proposal: proposal, log: log}
	log.Debug("sending read request", "options", proposal.String(), "local", local)
	c.updateProgress(id, transfer.Progress{Type: transfer.HANDSHAKING, Message: "Sending read request for " + remote})
	req := message.NewReadRequest(remote, proposal.Prepare())
	if err := c.exchange(sock, req, h.onReadResponse, log); err != nil {
		c.updateProgress(id, transfer.Progress{Type: transfer.ERROR, Message: err.Error()})
		return transfer.Stats{}, err
	}

	w := c.configureWorker(sock, h, local, id, log)
	// ACK 0 confirms the options and is repeated until DATA 1 arrives
	w.SetHandshake(message.NewAck(0))
	res := <-w.Receive()
	return res.Stats, res.Err
}

// exchange sends the request and feeds the first answer to state. The
// request is repeated every request timeout until the retry budget runs
// out. The socket is pinned to whoever answers.
func (c *Client) exchange(sock shared.Socket, req *message.Packet, state statemachine.StateFn, log *slog.Logger) error {
	remote := shared.Address(c.config.RemoteAddress)
	sm := statemachine.NewStateMachine(state)
	if err := sock.SendTo(req, remote); err != nil {
		return fmt.Errorf("sending %s: %w", req.Type, err)
	}
	timeouts := 0
	for {
		pkt, from, err := sock.Recv()
		if err != nil {
			if !shared.IsTimeout(err) {
				return fmt.Errorf("waiting for %s response: %w", req.Type, err)
			}
			timeouts++
			if timeouts >= c.config.Local.MaxRetries {
				return fmt.Errorf("waiting for %s response: %w", req.Type, transfer.ErrTimeout)
			}
			log.Warn("no response, resending request", "attempt", timeouts)
			if err := sock.SendTo(req, remote); err != nil {
				return fmt.Errorf("resending %s: %w", req.Type, err)
			}
			continue
		}

		if err := sock.Connect(from); err != nil {
			return fmt.Errorf("connecting to %s: %w", from, err)
		}
		more, err := sm.Transition(pkt, from)
		if err != nil {
			var peerErr *transfer.PeerError
			if !errors.As(err, &peerErr) {
				shared.SendError(sock, transfer.ErrorCodeFor(err), err.Error(), log)
			}
			return err
		}
		if !more {
			log.Debug("handshake complete", "peer", from.String())
			return nil
		}
	}
}

func (c *Client) configureWorker(sock shared.Socket, h *handshake, path, id string, log *slog.Logger) *worker.Worker {
	sock.SetReadTimeout(h.negotiated.Timeout)
	sock.SetWriteTimeout(h.negotiated.Timeout)
	w := worker.NewWorker(sock, path, c.config.Local, h.negotiated)
	w.SetLogger(log.With("peer", h.peer.String()))
	if c.ProgressChannel != nil {
		w.SetProgress(id, c.ProgressChannel)
	}
	return w
}

func (c *Client) updateProgress(id string, progress transfer.Progress) {
	if c.ProgressChannel == nil {
		return
	}
	progress.ID = id
	select {
	case c.ProgressChannel <- progress:
	default:
	}
}
