package worker

import (
	"fmt"
	"os"
	"time"

	"github.com/nstehr/go-tftp/message"
	"github.com/nstehr/go-tftp/shared"
	"github.com/nstehr/go-tftp/shared/transfer"
	"github.com/nstehr/go-tftp/shared/window"
	"github.com/willf/bitset"
)

type receiver struct {
	w   *Worker
	win *window.Writer

	lastAck  uint16 // highest block acknowledged, everything up to it is on disk
	expected uint16
	ack      *message.Packet // repeated when the peer seems to have lost it
	gapAcked bool            // the current gap was already reported
	timeouts int
	deadline time.Time // only an accepted block moves it

	accepted uint64         // blocks accepted so far
	received *bitset.BitSet // absolute indexes of accepted blocks
	stats    transfer.Stats
}

func (w *Worker) receive() (stats transfer.Stats, err error) {
	file, err := os.OpenFile(w.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return transfer.Stats{}, openError("create", w.path, err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = &transfer.IOError{Op: "close", Path: w.path, Err: cerr}
		}
		if err != nil && w.local.CleanOnError {
			removeQuietly(w.path, w.log)
		}
	}()

	r := &receiver{
		w:        w,
		win:      window.NewWriter(w.opts.WindowSize, w.opts.BlockSize, file),
		expected: 1,
		ack:      message.NewAck(0),
		received: bitset.New(uint(w.opts.WindowSize)),
	}
	if w.handshake != nil {
		r.ack = w.handshake
		if err := w.sock.Send(r.ack); err != nil {
			return transfer.Stats{}, fmt.Errorf("sending %s: %w", r.ack.Type, err)
		}
	}
	w.log.Debug("receiving", "path", w.path, "options", w.opts.String())
	err = r.run()
	r.stats.Blocks = uint64(r.received.Count())
	if size, lerr := r.win.SinkLen(); lerr == nil {
		w.log.Debug("destination size", "bytes", size)
	}
	return r.stats, err
}

func (r *receiver) run() error {
	r.deadline = r.w.deadline()
	for {
		pkt, err := r.w.recv(r.deadline)
		if err != nil {
			if !shared.IsTimeout(err) {
				return fmt.Errorf("waiting for DATA: %w", err)
			}
			if err := r.onTimeout(); err != nil {
				return err
			}
			r.deadline = r.w.deadline()
			continue
		}

		switch pkt.Type {
		case message.DATA:
			done, err := r.onData(pkt.Payload.(message.Block))
			if err != nil || done {
				return err
			}
		case message.OACK:
			if r.accepted > 0 {
				return &transfer.ProtocolError{Op: "waiting for DATA", Packet: pkt}
			}
			// our confirmation of the options got lost
			r.stats.Duplicates++
			if err := r.resendAck(); err != nil {
				return err
			}
		case message.ERROR:
			return peerError(pkt)
		default:
			return &transfer.ProtocolError{Op: "waiting for DATA", Packet: pkt}
		}
	}
}

func (r *receiver) onTimeout() error {
	r.stats.Timeouts++
	r.timeouts++
	if r.timeouts >= r.w.local.MaxRetries {
		return fmt.Errorf("waiting for block %d: %w", r.expected, transfer.ErrTimeout)
	}
	r.w.log.Warn("data timed out", "expected", r.expected, "attempt", r.timeouts)
	if !r.win.IsEmpty() {
		// part of the window made it, keep it and ask for the rest
		return r.flushAndAck(r.expected - 1)
	}
	return r.resendAck()
}

func (r *receiver) onData(block message.Block) (bool, error) {
	if len(block.Data) > int(r.w.opts.BlockSize) {
		return false, &transfer.ProtocolError{
			Op:     "receiving DATA",
			Reason: fmt.Sprintf("block %d carries %d bytes, negotiated %d", block.Number, len(block.Data), r.w.opts.BlockSize),
		}
	}

	ahead := block.Number - r.lastAck
	switch {
	case block.Number == r.expected:
		return r.accept(block)
	case ahead != 0 && int(ahead) <= int(r.w.opts.WindowSize):
		if ahead < r.expected-r.lastAck {
			// already buffered in this window
			r.stats.Duplicates++
			return false, nil
		}
		// something in between got lost
		if r.gapAcked {
			return false, nil
		}
		r.gapAcked = true
		r.w.log.Debug("gap in window", "expected", r.expected, "got", block.Number)
		return false, r.flushAndAck(r.expected - 1)
	case r.lastAck-block.Number < 0x8000:
		// the peer did not see our last ack
		r.stats.Duplicates++
		return false, r.resendAck()
	default:
		return false, &transfer.ProtocolError{
			Op:     "receiving DATA",
			Reason: fmt.Sprintf("block %d is beyond the window after %d", block.Number, r.lastAck),
		}
	}
}

func (r *receiver) accept(block message.Block) (bool, error) {
	if err := r.win.Add(block.Data); err != nil {
		return false, fmt.Errorf("buffering block %d: %w", block.Number, err)
	}
	r.received.Set(uint(r.accepted))
	r.accepted++
	r.expected++
	r.gapAcked = false
	r.timeouts = 0
	r.deadline = r.w.deadline()
	r.stats.Bytes += uint64(len(block.Data))

	if len(block.Data) < int(r.w.opts.BlockSize) {
		return true, r.flushAndAck(block.Number)
	}
	if r.win.IsFull() {
		return false, r.flushAndAck(block.Number)
	}
	return false, nil
}

// flushAndAck commits the window to disk and acknowledges up to number.
func (r *receiver) flushAndAck(number uint16) error {
	if err := r.win.Flush(); err != nil {
		return &transfer.IOError{Op: "write", Path: r.w.path, Err: err}
	}
	r.lastAck = number
	r.ack = message.NewAck(number)
	r.w.reportBytes(r.stats.Bytes)
	if err := r.w.sock.Send(r.ack); err != nil {
		return fmt.Errorf("sending ACK %d: %w", number, err)
	}
	return nil
}

func (r *receiver) resendAck() error {
	if err := r.w.sock.Send(r.ack); err != nil {
		return fmt.Errorf("resending %s: %w", r.ack.Type, err)
	}
	return nil
}
