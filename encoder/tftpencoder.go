package encoder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nstehr/go-tftp/message"
)

var ErrMalformedPacket = errors.New("malformed packet")

// TFTPEncoder speaks the RFC 1350 wire format with RFC 2347 option
// extensions.
type TFTPEncoder struct{}

func NewTFTPEncoder() TFTPEncoder {
	return TFTPEncoder{}
}

func (e TFTPEncoder) Encode(msg *message.Packet) ([]byte, error) {
	var buf bytes.Buffer
	writeUint16(&buf, uint16(msg.Type))

	switch msg.Type {
	case message.RRQ, message.WRQ:
		req, ok := msg.Payload.(message.Request)
		if !ok {
			return nil, payloadError(msg)
		}
		if req.Filename == "" {
			return nil, fmt.Errorf("%s: empty filename", msg.Type)
		}
		mode := req.Mode
		if mode == "" {
			mode = message.ModeOctet
		}
		writeString(&buf, req.Filename)
		writeString(&buf, mode)
		writeOptions(&buf, req.Options)
	case message.DATA:
		block, ok := msg.Payload.(message.Block)
		if !ok {
			return nil, payloadError(msg)
		}
		writeUint16(&buf, block.Number)
		buf.Write(block.Data)
	case message.ACK:
		ack, ok := msg.Payload.(message.Ack)
		if !ok {
			return nil, payloadError(msg)
		}
		writeUint16(&buf, ack.Number)
	case message.OACK:
		opts, ok := msg.Payload.(message.Options)
		if !ok {
			return nil, payloadError(msg)
		}
		writeOptions(&buf, opts)
	case message.ERROR:
		e, ok := msg.Payload.(message.Error)
		if !ok {
			return nil, payloadError(msg)
		}
		writeUint16(&buf, uint16(e.Code))
		writeString(&buf, e.Message)
	default:
		return nil, fmt.Errorf("unknown packet type %d", msg.Type)
	}
	return buf.Bytes(), nil
}

func (e TFTPEncoder) Decode(data []byte, numBytes int) (*message.Packet, error) {
	if numBytes > len(data) {
		numBytes = len(data)
	}
	data = data[:numBytes]
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(data))
	}
	t := message.MessageType(binary.BigEndian.Uint16(data))
	body := data[2:]

	switch t {
	case message.RRQ, message.WRQ:
		fields, err := splitStrings(body)
		if err != nil {
			return nil, err
		}
		if len(fields) < 2 || len(fields)%2 != 0 {
			return nil, fmt.Errorf("%w: %s with %d fields", ErrMalformedPacket, t, len(fields))
		}
		opts, err := toOptions(fields[2:])
		if err != nil {
			return nil, err
		}
		req := message.Request{Filename: fields[0], Mode: strings.ToLower(fields[1]), Options: opts}
		return &message.Packet{Type: t, Payload: req}, nil
	case message.DATA:
		if len(body) < 2 {
			return nil, fmt.Errorf("%w: short DATA", ErrMalformedPacket)
		}
		// the caller owns data and will reuse it for the next datagram
		payload := make([]byte, len(body)-2)
		copy(payload, body[2:])
		block := message.Block{Number: binary.BigEndian.Uint16(body), Data: payload}
		return &message.Packet{Type: t, Payload: block}, nil
	case message.ACK:
		if len(body) < 2 {
			return nil, fmt.Errorf("%w: short ACK", ErrMalformedPacket)
		}
		return message.NewAck(binary.BigEndian.Uint16(body)), nil
	case message.OACK:
		fields, err := splitStrings(body)
		if err != nil {
			return nil, err
		}
		if len(fields)%2 != 0 {
			return nil, fmt.Errorf("%w: OACK with %d fields", ErrMalformedPacket, len(fields))
		}
		opts, err := toOptions(fields)
		if err != nil {
			return nil, err
		}
		return message.NewOptionAck(opts), nil
	case message.ERROR:
		if len(body) < 2 {
			return nil, fmt.Errorf("%w: short ERROR", ErrMalformedPacket)
		}
		code := message.ErrorCode(binary.BigEndian.Uint16(body))
		// some implementations omit the trailing NUL
		msg := strings.TrimRight(string(body[2:]), "\x00")
		return message.NewError(code, msg), nil
	}
	return nil, fmt.Errorf("%w: unknown opcode %d", ErrMalformedPacket, uint16(t))
}

func payloadError(msg *message.Packet) error {
	return fmt.Errorf("%s: unexpected payload %T", msg.Type, msg.Payload)
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
}

// options are written in name order so the same request always encodes
// to the same bytes
func writeOptions(buf *bytes.Buffer, opts message.Options) {
	names := make([]string, 0, len(opts))
	for name := range opts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeString(buf, name)
		writeString(buf, opts[name])
	}
}

func splitStrings(b []byte) ([]string, error) {
	var fields []string
	for len(b) > 0 {
		i := bytes.IndexByte(b, 0)
		if i < 0 {
			return nil, fmt.Errorf("%w: unterminated string", ErrMalformedPacket)
		}
		fields = append(fields, string(b[:i]))
		b = b[i+1:]
	}
	return fields, nil
}

func toOptions(fields []string) (message.Options, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	opts := make(message.Options, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		name := strings.ToLower(fields[i])
		if name == "" {
			return nil, fmt.Errorf("%w: empty option name", ErrMalformedPacket)
		}
		if _, dup := opts[name]; dup {
			return nil, fmt.Errorf("%w: duplicate option %q", ErrMalformedPacket, name)
		}
		opts[name] = fields[i+1]
	}
	return opts, nil
}
