package client

import (
	"log/slog"
	"net"

	"github.com/nstehr/go-tftp/message"
	"github.com/nstehr/go-tftp/shared/transfer"
	"github.com/nstehr/go-tftp/statemachine"
)

// handshake holds what the request exchange settles: the options in
// effect and the address the peer answered from.
type handshake struct {
	proposal   transfer.Options
	negotiated transfer.Options
	peer       net.Addr
	log        *slog.Logger
}

// onWriteResponse handles the single answer to a WRQ.
func (h *handshake) onWriteResponse(pkt *message.Packet, from net.Addr) (statemachine.StateFn, error) {
	h.peer = from
	switch pkt.Type {
	case message.OACK:
		return nil, h.applyOptionAck(pkt)
	case message.ACK:
		if n := pkt.Payload.(message.Ack).Number; n != 0 {
			return nil, &transfer.ProtocolError{Op: "write request", Packet: pkt, Reason: "expected ACK 0"}
		}
		h.negotiated = transfer.DefaultOptions()
		h.log.Debug("options not acknowledged, using defaults")
		return nil, nil
	case message.ERROR:
		e := pkt.Payload.(message.Error)
		return nil, &transfer.PeerError{Code: e.Code, Message: e.Message}
	}
	return nil, &transfer.ProtocolError{Op: "write request", Packet: pkt}
}

// onReadResponse handles the single answer to an RRQ. Servers that skip
// option negotiation and start with DATA are not supported.
func (h *handshake) onReadResponse(pkt *message.Packet, from net.Addr) (statemachine.StateFn, error) {
	h.peer = from
	switch pkt.Type {
	case message.OACK:
		return nil, h.applyOptionAck(pkt)
	case message.DATA:
		return nil, &transfer.ProtocolError{
			Op:     "read request",
			Packet: pkt,
			Reason: "server answered without options (RFC 2347), which is not supported",
		}
	case message.ERROR:
		e := pkt.Payload.(message.Error)
		return nil, &transfer.PeerError{Code: e.Code, Message: e.Message}
	}
	return nil, &transfer.ProtocolError{Op: "read request", Packet: pkt}
}

func (h *handshake) applyOptionAck(pkt *message.Packet) error {
	accepted := pkt.Payload.(message.Options)
	negotiated, err := h.proposal.Apply(accepted)
	if err != nil {
		return err
	}
	h.negotiated = negotiated
	h.log.Debug("options accepted", "options", negotiated.String())
	return nil
}
