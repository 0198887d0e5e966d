package message

import "fmt"

type MessageType uint16

// opcodes as they appear on the wire
const (
	RRQ MessageType = iota + 1
	WRQ
	DATA
	ACK
	ERROR
	OACK
)

func (t MessageType) String() string {
	switch t {
	case RRQ:
		return "RRQ"
	case WRQ:
		return "WRQ"
	case DATA:
		return "DATA"
	case ACK:
		return "ACK"
	case ERROR:
		return "ERROR"
	case OACK:
		return "OACK"
	}
	return fmt.Sprintf("OPCODE(%d)", uint16(t))
}

type ErrorCode uint16

const (
	ErrNotDefined ErrorCode = iota
	ErrFileNotFound
	ErrAccessViolation
	ErrDiskFull
	ErrIllegalOperation
	ErrUnknownTransferID
	ErrFileExists
	ErrNoSuchUser
	ErrOptionRefused
)

// option names registered with IANA
const (
	OptBlockSize    = "blksize"
	OptTimeout      = "timeout"
	OptTransferSize = "tsize"
	OptWindowSize   = "windowsize"
)

const ModeOctet = "octet"

// Packet is one TFTP datagram. Payload holds the struct matching Type:
// Request for RRQ/WRQ, Block for DATA, Ack for ACK, Options for OACK
// and Error for ERROR.
type Packet struct {
	Type    MessageType
	Payload interface{}
}

// Options maps lowercased option names to their string values.
type Options map[string]string

type Request struct {
	Filename string
	Mode     string
	Options  Options
}

type Block struct {
	Number uint16
	Data   []byte
}

type Ack struct {
	Number uint16
}

type Error struct {
	Code    ErrorCode
	Message string
}

func NewReadRequest(filename string, opts Options) *Packet {
	return &Packet{Type: RRQ, Payload: Request{Filename: filename, Mode: ModeOctet, Options: opts}}
}

func NewWriteRequest(filename string, opts Options) *Packet {
	return &Packet{Type: WRQ, Payload: Request{Filename: filename, Mode: ModeOctet, Options: opts}}
}

func NewData(number uint16, data []byte) *Packet {
	return &Packet{Type: DATA, Payload: Block{Number: number, Data: data}}
}

func NewAck(number uint16) *Packet {
	return &Packet{Type: ACK, Payload: Ack{Number: number}}
}

func NewOptionAck(opts Options) *Packet {
	return &Packet{Type: OACK, Payload: opts}
}

func NewError(code ErrorCode, msg string) *Packet {
	return &Packet{Type: ERROR, Payload: Error{Code: code, Message: msg}}
}

func (p *Packet) String() string {
	switch pl := p.Payload.(type) {
	case Request:
		return fmt.Sprintf("%s %q mode=%s options=%v", p.Type, pl.Filename, pl.Mode, map[string]string(pl.Options))
	case Block:
		return fmt.Sprintf("%s #%d (%d bytes)", p.Type, pl.Number, len(pl.Data))
	case Ack:
		return fmt.Sprintf("%s #%d", p.Type, pl.Number)
	case Options:
		return fmt.Sprintf("%s %v", p.Type, map[string]string(pl))
	case Error:
		return fmt.Sprintf("%s %d: %s", p.Type, pl.Code, pl.Message)
	}
	return p.Type.String()
}
