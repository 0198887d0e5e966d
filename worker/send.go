package worker

import (
	"fmt"
	"os"

	"github.com/nstehr/go-tftp/message"
	"github.com/nstehr/go-tftp/shared"
	"github.com/nstehr/go-tftp/shared/transfer"
	"github.com/nstehr/go-tftp/shared/window"
	"github.com/willf/bitset"
)

type sender struct {
	w   *Worker
	win *window.Reader

	base     uint16 // last block the peer acknowledged
	slid     uint64 // blocks acknowledged so far, absolute index of win[0]
	inFlight int    // leading window chunks already transmitted once
	timeouts int

	resent *bitset.BitSet // absolute indexes of blocks sent more than once
	stats  transfer.Stats
}

func (w *Worker) send() (transfer.Stats, error) {
	file, err := os.Open(w.path)
	if err != nil {
		return transfer.Stats{}, openError("open", w.path, err)
	}
	defer file.Close()

	if w.handshake != nil {
		if err := w.awaitAck0(); err != nil {
			return transfer.Stats{}, err
		}
	}

	s := &sender{
		w:      w,
		win:    window.NewReader(w.opts.WindowSize, w.opts.BlockSize, file),
		resent: bitset.New(uint(w.opts.WindowSize)),
	}
	w.log.Debug("sending", "path", w.path, "options", w.opts.String())
	err = s.run()
	s.stats.RetransmittedBlocks = s.resent.Count()
	return s.stats, err
}

func (s *sender) run() error {
	for {
		if _, err := s.win.Fill(); err != nil {
			return &transfer.IOError{Op: "read", Path: s.w.path, Err: err}
		}
		if err := s.sendWindow(); err != nil {
			return err
		}
		// overlap the next disk read with the wait for the ack
		if err := s.win.Prefill(); err != nil {
			return &transfer.IOError{Op: "read", Path: s.w.path, Err: err}
		}
		done, err := s.awaitAck()
		if err != nil || done {
			return err
		}
	}
}

// sendWindow transmits every queued chunk, numbering them from the last
// acknowledged block. Chunks that went out before are sent unchanged.
func (s *sender) sendWindow() error {
	n := s.win.Len()
	for i := 0; i < n; i++ {
		block := s.base + 1 + uint16(i)
		if i < s.inFlight {
			s.resent.Set(uint(s.slid) + uint(i))
		}
		if err := s.w.sock.Send(message.NewData(block, s.win.Chunk(i))); err != nil {
			return fmt.Errorf("sending block %d: %w", block, err)
		}
	}
	s.inFlight = n
	s.w.log.Debug("window sent", "first", s.base+1, "blocks", n)
	return nil
}

// awaitAck waits for the acknowledgement of the window just sent. It
// returns true once the final block is acknowledged and false when the
// window should be refilled or resent. Stale acks do not extend the wait.
func (s *sender) awaitAck() (bool, error) {
	deadline := s.w.deadline()
	for {
		pkt, err := s.w.recv(deadline)
		if err != nil {
			if !shared.IsTimeout(err) {
				return false, fmt.Errorf("waiting for ACK: %w", err)
			}
			s.stats.Timeouts++
			s.timeouts++
			if s.timeouts >= s.w.local.MaxRetries {
				return false, fmt.Errorf("waiting for ACK %d: %w", s.base+uint16(s.win.Len()), transfer.ErrTimeout)
			}
			s.w.log.Warn("ack timed out, resending window", "from", s.base+1, "attempt", s.timeouts)
			return false, nil
		}

		switch pkt.Type {
		case message.ACK:
			number := pkt.Payload.(message.Ack).Number
			acked := int(number - s.base)
			if acked == 0 || acked > s.win.Len() {
				// late or duplicated, the retry budget is not refreshed
				s.stats.Duplicates++
				s.w.log.Debug("ignoring stale ack", "block", number, "base", s.base)
				continue
			}
			s.slide(acked)
			s.base = number
			if s.win.IsEmpty() && s.win.Exhausted() {
				return true, nil
			}
			return false, nil
		case message.OACK:
			if s.slid > 0 {
				return false, &transfer.ProtocolError{Op: "waiting for ACK", Packet: pkt}
			}
			// repeated OACK, block 1 is already on its way
			s.stats.Duplicates++
		case message.ERROR:
			return false, peerError(pkt)
		default:
			return false, &transfer.ProtocolError{Op: "waiting for ACK", Packet: pkt}
		}
	}
}

func (s *sender) slide(acked int) {
	for i := 0; i < acked; i++ {
		s.stats.Bytes += uint64(len(s.win.Chunk(i)))
	}
	// acked never exceeds Len, checked by the caller
	s.win.Remove(acked)
	s.slid += uint64(acked)
	s.stats.Blocks += uint64(acked)
	s.inFlight -= acked
	s.timeouts = 0
	s.w.reportBytes(s.stats.Bytes)
}
