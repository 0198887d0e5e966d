package shared

import (
	"log/slog"
	"net"
	"time"

	"github.com/nstehr/go-tftp/encoder"
	"github.com/nstehr/go-tftp/message"
)

type UDPNetwork struct {
	Encoder encoder.Encoder
	Logger  *slog.Logger
}

func NewUDPNetwork(e encoder.Encoder, log *slog.Logger) *UDPNetwork {
	if log == nil {
		log = slog.Default()
	}
	return &UDPNetwork{Encoder: e, Logger: log}
}

func (n *UDPNetwork) ListenPacket(address string) (Socket, error) {
	if address == "" {
		address = ":0"
	}
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return NewUDPSocket(conn, n.Encoder, n.Logger), nil
}

// UDPSocket adapts a *net.UDPConn. Go cannot connect a listening UDP
// socket, so peer pinning is done by filtering on the source address.
type UDPSocket struct {
	conn         *net.UDPConn
	encoder      encoder.Encoder
	log          *slog.Logger
	peer         *net.UDPAddr
	readTimeout  time.Duration
	writeTimeout time.Duration
	buf          []byte
}

func NewUDPSocket(conn *net.UDPConn, e encoder.Encoder, log *slog.Logger) *UDPSocket {
	if log == nil {
		log = slog.Default()
	}
	return &UDPSocket{conn: conn, encoder: e, log: log, buf: make([]byte, maxDatagram)}
}

func (s *UDPSocket) Send(pkt *message.Packet) error {
	if s.peer == nil {
		return ErrNotConnected
	}
	return s.SendTo(pkt, s.peer)
}

func (s *UDPSocket) SendTo(pkt *message.Packet, addr net.Addr) error {
	to, err := toUDPAddr(addr)
	if err != nil {
		return err
	}
	b, err := s.encoder.Encode(pkt)
	if err != nil {
		return err
	}
	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	_, err = s.conn.WriteToUDP(b, to)
	return err
}

func (s *UDPSocket) Recv() (*message.Packet, net.Addr, error) {
	// one deadline for the whole call so stray datagrams cannot extend it
	var deadline time.Time
	if s.readTimeout > 0 {
		deadline = time.Now().Add(s.readTimeout)
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, err
	}
	for {
		n, addr, err := s.conn.ReadFromUDP(s.buf)
		if err != nil {
			return nil, nil, err
		}
		if s.peer != nil && !sameUDPAddr(addr, s.peer) {
			rejectUnknownTID(s, addr, s.log)
			continue
		}
		pkt, err := s.encoder.Decode(s.buf, n)
		if err != nil {
			s.log.Debug("dropping undecodable datagram", "from", addr.String(), "err", err)
			continue
		}
		return pkt, addr, nil
	}
}

func (s *UDPSocket) Connect(addr net.Addr) error {
	peer, err := toUDPAddr(addr)
	if err != nil {
		return err
	}
	s.peer = peer
	return nil
}

func (s *UDPSocket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

func (s *UDPSocket) RemoteAddr() net.Addr {
	if s.peer == nil {
		return nil
	}
	return s.peer
}

func (s *UDPSocket) SetReadTimeout(d time.Duration) error {
	s.readTimeout = d
	return nil
}

func (s *UDPSocket) SetWriteTimeout(d time.Duration) error {
	s.writeTimeout = d
	return nil
}

func (s *UDPSocket) Close() error { return s.conn.Close() }

func toUDPAddr(addr net.Addr) (*net.UDPAddr, error) {
	if a, ok := addr.(*net.UDPAddr); ok {
		return a, nil
	}
	return net.ResolveUDPAddr("udp", addr.String())
}

func sameUDPAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
