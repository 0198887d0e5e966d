// Package worker moves the data of one transfer once the handshake is
// over. Send pushes a local file to the peer, Receive writes the peer's
// blocks to a local file. Both follow RFC 7440: up to windowsize blocks
// are in flight and a timeout resends the whole window.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nstehr/go-tftp/message"
	"github.com/nstehr/go-tftp/shared"
	"github.com/nstehr/go-tftp/shared/transfer"
)

type Result struct {
	Stats transfer.Stats
	Err   error
}

// Worker owns a connected socket and one local file for the lifetime of
// a single transfer.
type Worker struct {
	sock       shared.Socket
	path       string
	local      transfer.LocalOptions
	opts       transfer.Options
	id         string
	log        *slog.Logger
	progressCh chan<- transfer.Progress
	handshake  *message.Packet
}

func NewWorker(sock shared.Socket, path string, local transfer.LocalOptions, opts transfer.Options) *Worker {
	if local.MaxRetries <= 0 {
		local.MaxRetries = transfer.NewLocalOptions().MaxRetries
	}
	if opts.Timeout <= 0 {
		opts.Timeout = transfer.DefaultTimeout
	}
	return &Worker{sock: sock, path: path, local: local, opts: opts, log: slog.Default()}
}

func (w *Worker) SetLogger(log *slog.Logger) {
	if log != nil {
		w.log = log
	}
}

// SetProgress reports progress for transfer id on ch. Reports are
// dropped when nobody is listening.
func (w *Worker) SetProgress(id string, ch chan<- transfer.Progress) {
	w.id = id
	w.progressCh = ch
}

// SetHandshake makes the worker open the exchange with pkt, an OACK or
// ACK 0 answering the peer's request. For a send the worker then waits
// for ACK 0 before the first block; for a receive pkt is what gets
// repeated until the first block shows up.
func (w *Worker) SetHandshake(pkt *message.Packet) {
	w.handshake = pkt
}

// Send uploads the file in a new goroutine. The channel yields exactly
// one Result.
func (w *Worker) Send() <-chan Result {
	return w.spawn(w.send)
}

// Receive downloads into the file in a new goroutine. The channel yields
// exactly one Result.
func (w *Worker) Receive() <-chan Result {
	return w.spawn(w.receive)
}

func (w *Worker) spawn(run func() (transfer.Stats, error)) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		start := time.Now()
		stats, err := run()
		stats.Duration = time.Since(start)
		if err != nil {
			w.abort(err)
			w.updateProgress(transfer.Progress{Type: transfer.ERROR, Message: err.Error()})
		} else {
			w.log.Info("transfer complete",
				"bytes", stats.Bytes, "blocks", stats.Blocks,
				"timeouts", stats.Timeouts, "retransmitted", stats.RetransmittedBlocks,
				"duration", stats.Duration)
			w.updateProgress(transfer.Progress{Type: transfer.DONE, Message: "Transfer complete", Percentage: 1})
		}
		ch <- Result{Stats: stats, Err: err}
	}()
	return ch
}

// abort tells the peer we are giving up, unless it was the peer that
// gave up first.
func (w *Worker) abort(err error) {
	w.log.Error("transfer failed", "err", err)
	var peerErr *transfer.PeerError
	if errors.As(err, &peerErr) {
		return
	}
	msg := err.Error()
	if errors.Is(err, transfer.ErrTimeout) {
		msg = "timed out"
	}
	shared.SendError(w.sock, transfer.ErrorCodeFor(err), msg, w.log)
}

func (w *Worker) updateProgress(progress transfer.Progress) {
	if w.progressCh == nil {
		return
	}
	progress.ID = w.id
	select {
	case w.progressCh <- progress:
	default:
	}
}

func (w *Worker) reportBytes(n uint64) {
	if w.progressCh == nil {
		return
	}
	p := transfer.Progress{Type: transfer.TRANSFERRING, Message: fmt.Sprintf("%d bytes", n)}
	if ts := w.opts.TransferSize; ts != nil && *ts > 0 {
		p.Percentage = min(float64(n)/float64(*ts), 1)
	}
	w.updateProgress(p)
}

// awaitAck0 repeats the handshake packet until the peer acknowledges it
// with block 0.
func (w *Worker) awaitAck0() error {
	timeouts := 0
	if err := w.sock.Send(w.handshake); err != nil {
		return fmt.Errorf("sending %s: %w", w.handshake.Type, err)
	}
	deadline := w.deadline()
	for {
		pkt, err := w.recv(deadline)
		if err != nil {
			if !shared.IsTimeout(err) {
				return fmt.Errorf("waiting for ACK 0: %w", err)
			}
			timeouts++
			if timeouts >= w.local.MaxRetries {
				return fmt.Errorf("waiting for ACK 0: %w", transfer.ErrTimeout)
			}
			w.log.Warn("resending handshake", "packet", w.handshake.Type.String(), "attempt", timeouts)
			if err := w.sock.Send(w.handshake); err != nil {
				return fmt.Errorf("resending %s: %w", w.handshake.Type, err)
			}
			deadline = w.deadline()
			continue
		}
		switch pkt.Type {
		case message.ACK:
			if pkt.Payload.(message.Ack).Number == 0 {
				return nil
			}
			w.log.Debug("ignoring ack while waiting for ACK 0", "packet", pkt.String())
		case message.ERROR:
			return peerError(pkt)
		default:
			return &transfer.ProtocolError{Op: "waiting for ACK 0", Packet: pkt}
		}
	}
}

// deadline is when the packet we are waiting for counts as lost.
func (w *Worker) deadline() time.Time {
	return time.Now().Add(w.opts.Timeout)
}

// recv waits for a packet until deadline. Packets the caller ignores do
// not move the deadline, so a peer repeating itself cannot keep us
// waiting forever.
func (w *Worker) recv(deadline time.Time) (*message.Packet, error) {
	wait := time.Until(deadline)
	if wait <= 0 {
		return nil, os.ErrDeadlineExceeded
	}
	if err := w.sock.SetReadTimeout(wait); err != nil {
		return nil, err
	}
	pkt, _, err := w.sock.Recv()
	return pkt, err
}

func peerError(pkt *message.Packet) error {
	e := pkt.Payload.(message.Error)
	return &transfer.PeerError{Code: e.Code, Message: e.Message}
}

func openError(op, path string, err error) error {
	return &transfer.IOError{Op: op, Path: path, Err: err}
}

func removeQuietly(path string, log *slog.Logger) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("could not remove partial file", "path", path, "err", err)
	}
}
