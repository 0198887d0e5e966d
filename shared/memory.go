package shared

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nstehr/go-tftp/encoder"
	"github.com/nstehr/go-tftp/message"
)

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type datagram struct {
	data []byte
	from memAddr
}

// MemNetwork is an in-process datagram network. Packets go through the
// real encoder, get dropped when the inbox is full like a kernel buffer
// would, and can be discarded on purpose with Drop to simulate loss.
type MemNetwork struct {
	Encoder encoder.Encoder
	Logger  *slog.Logger
	// Drop is consulted for every packet; returning true loses it.
	Drop func(from, to net.Addr, pkt *message.Packet) bool

	mu      sync.Mutex
	sockets map[memAddr]*MemSocket
	next    int
}

func NewMemNetwork(e encoder.Encoder) *MemNetwork {
	return &MemNetwork{Encoder: e, Logger: slog.Default(), sockets: make(map[memAddr]*MemSocket)}
}

func (n *MemNetwork) ListenPacket(address string) (Socket, error) {
	return n.Listen(address)
}

// Listen is ListenPacket returning the concrete socket.
func (n *MemNetwork) Listen(address string) (*MemSocket, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if address == "" || strings.HasSuffix(address, ":0") {
		n.next++
		address = fmt.Sprintf("mem:%d", 10000+n.next)
	}
	addr := memAddr(address)
	if _, ok := n.sockets[addr]; ok {
		return nil, fmt.Errorf("listen %s: address already in use", address)
	}
	s := &MemSocket{
		network: n,
		addr:    addr,
		inbox:   make(chan datagram, inboxSize),
		closed:  make(chan struct{}),
	}
	n.sockets[addr] = s
	return s, nil
}

func (n *MemNetwork) deliver(from memAddr, to net.Addr, pkt *message.Packet) error {
	b, err := n.Encoder.Encode(pkt)
	if err != nil {
		return err
	}
	if n.Drop != nil && n.Drop(from, to, pkt) {
		return nil
	}
	n.mu.Lock()
	dst, ok := n.sockets[memAddr(to.String())]
	n.mu.Unlock()
	if !ok {
		// nobody listening, the datagram vanishes
		return nil
	}
	select {
	case dst.inbox <- datagram{data: b, from: from}:
	case <-dst.closed:
	default:
	}
	return nil
}

func (n *MemNetwork) remove(addr memAddr) {
	n.mu.Lock()
	delete(n.sockets, addr)
	n.mu.Unlock()
}

type MemSocket struct {
	network     *MemNetwork
	addr        memAddr
	inbox       chan datagram
	closed      chan struct{}
	closeOnce   sync.Once
	peer        net.Addr
	readTimeout time.Duration
}

func (s *MemSocket) Send(pkt *message.Packet) error {
	if s.peer == nil {
		return ErrNotConnected
	}
	return s.SendTo(pkt, s.peer)
}

func (s *MemSocket) SendTo(pkt *message.Packet, addr net.Addr) error {
	select {
	case <-s.closed:
		return net.ErrClosed
	default:
	}
	return s.network.deliver(s.addr, addr, pkt)
}

func (s *MemSocket) Recv() (*message.Packet, net.Addr, error) {
	var timeout <-chan time.Time
	if s.readTimeout > 0 {
		timer := time.NewTimer(s.readTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		select {
		case d := <-s.inbox:
			if s.peer != nil && d.from.String() != s.peer.String() {
				rejectUnknownTID(s, d.from, s.network.Logger)
				continue
			}
			pkt, err := s.network.Encoder.Decode(d.data, len(d.data))
			if err != nil {
				continue
			}
			return pkt, d.from, nil
		case <-timeout:
			return nil, nil, os.ErrDeadlineExceeded
		case <-s.closed:
			return nil, nil, net.ErrClosed
		}
	}
}

func (s *MemSocket) Connect(addr net.Addr) error {
	s.peer = addr
	return nil
}

func (s *MemSocket) LocalAddr() net.Addr  { return s.addr }
func (s *MemSocket) RemoteAddr() net.Addr { return s.peer }

func (s *MemSocket) SetReadTimeout(d time.Duration) error {
	s.readTimeout = d
	return nil
}

func (s *MemSocket) SetWriteTimeout(d time.Duration) error { return nil }

func (s *MemSocket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.network.remove(s.addr)
	})
	return nil
}
