package shared

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/nstehr/go-tftp/message"
)

const (
	// largest datagram we expect: max block size plus the DATA header
	maxDatagram = 65536
	inboxSize   = 1024
)

// Socket is the datagram capability the handshake and transfer engine
// need. After Connect, Send targets the pinned peer and Recv only returns
// packets that came from it.
type Socket interface {
	Send(pkt *message.Packet) error
	SendTo(pkt *message.Packet, addr net.Addr) error
	// Recv waits at most the read timeout for a packet.
	Recv() (*message.Packet, net.Addr, error)
	Connect(addr net.Addr) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	SetReadTimeout(d time.Duration) error
	SetWriteTimeout(d time.Duration) error
	Close() error
}

// Network creates sockets. An address of ":0" (or "") binds an unused
// local port.
type Network interface {
	ListenPacket(address string) (Socket, error)
}

// Address is a host:port that has not been resolved yet. Each Network
// interprets it when a packet is sent.
type Address string

func (a Address) Network() string { return "udp" }
func (a Address) String() string  { return string(a) }

var ErrNotConnected = errors.New("socket is not connected to a peer")

func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var neterr net.Error
	return errors.As(err, &neterr) && neterr.Timeout()
}

// SendError tells the peer why we are giving up. Delivery is not
// guaranteed, so failures are only logged.
func SendError(sock Socket, code message.ErrorCode, msg string, log *slog.Logger) {
	if err := sock.Send(message.NewError(code, msg)); err != nil && log != nil {
		log.Debug("sending error packet failed", "err", err)
	}
}

func rejectUnknownTID(sock Socket, addr net.Addr, log *slog.Logger) {
	log.Warn("packet from unknown transfer ID", "from", addr.String())
	err := sock.SendTo(message.NewError(message.ErrUnknownTransferID, "unknown transfer ID"), addr)
	if err != nil {
		log.Debug("rejecting unknown transfer ID failed", "err", err)
	}
}
