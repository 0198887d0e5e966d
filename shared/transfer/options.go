package transfer

import (
	"strconv"
	"strings"
	"time"

	"github.com/nstehr/go-tftp/message"
)

const (
	DefaultBlockSize  uint16 = 512
	DefaultTimeout           = 5 * time.Second
	DefaultWindowSize uint16 = 1

	MinBlockSize uint16 = 8
	MaxBlockSize uint16 = 65464
	MinTimeout          = time.Second
	MaxTimeout          = 255 * time.Second
)

// Options are the parameters both peers agree on during the handshake.
// A nil TransferSize keeps the size out of the negotiation.
type Options struct {
	BlockSize    uint16
	Timeout      time.Duration
	WindowSize   uint16
	TransferSize *uint64
}

func DefaultOptions() Options {
	return Options{
		BlockSize:  DefaultBlockSize,
		Timeout:    DefaultTimeout,
		WindowSize: DefaultWindowSize,
	}
}

// Prepare returns the options worth proposing: everything that differs
// from the protocol defaults plus the transfer size when one is set.
func (o Options) Prepare() message.Options {
	opts := message.Options{}
	if o.BlockSize != 0 && o.BlockSize != DefaultBlockSize {
		opts[message.OptBlockSize] = strconv.Itoa(int(o.BlockSize))
	}
	if o.WindowSize != 0 && o.WindowSize != DefaultWindowSize {
		opts[message.OptWindowSize] = strconv.Itoa(int(o.WindowSize))
	}
	if o.Timeout != 0 && o.Timeout != DefaultTimeout {
		opts[message.OptTimeout] = strconv.Itoa(timeoutSeconds(o.Timeout))
	}
	if o.TransferSize != nil {
		opts[message.OptTransferSize] = strconv.FormatUint(*o.TransferSize, 10)
	}
	return opts
}

// Apply installs the options a peer acknowledged in reply to the proposal o.
// The result starts from the defaults, so anything the peer did not echo
// stays at its protocol default.
func (o Options) Apply(accepted message.Options) (Options, error) {
	proposed := o.Prepare()
	negotiated := DefaultOptions()
	for name, value := range accepted {
		name = strings.ToLower(name)
		want, ok := proposed[name]
		if !ok {
			return DefaultOptions(), &NegotiationError{Kind: UnknownOption, Option: name, Value: value}
		}
		malformed := &NegotiationError{Kind: MalformedValue, Option: name, Value: value}
		switch name {
		case message.OptBlockSize:
			size, err := parseBlockSize(value)
			if err != nil || size > mustUint16(want) {
				return DefaultOptions(), malformed
			}
			negotiated.BlockSize = size
		case message.OptWindowSize:
			size, err := parseWindowSize(value)
			if err != nil || size > mustUint16(want) {
				return DefaultOptions(), malformed
			}
			negotiated.WindowSize = size
		case message.OptTimeout:
			// the peer may only take the timeout or leave it out
			timeout, err := parseTimeout(value)
			if err != nil || strconv.Itoa(timeoutSeconds(timeout)) != want {
				return DefaultOptions(), malformed
			}
			negotiated.Timeout = timeout
		case message.OptTransferSize:
			size, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return DefaultOptions(), malformed
			}
			negotiated.TransferSize = &size
		}
	}
	return negotiated, nil
}

// Accept is the server half of the negotiation. It answers the options
// of a request within the given limits and returns the options in effect
// together with the OACK payload. size is the file length for read
// requests and nil for write requests. Unknown or unusable options are
// left out of the answer, as RFC 2347 allows.
func Accept(requested message.Options, maxBlockSize, maxWindowSize uint16, size *uint64) (Options, message.Options) {
	negotiated := DefaultOptions()
	ack := message.Options{}
	for name, value := range requested {
		name = strings.ToLower(name)
		switch name {
		case message.OptBlockSize:
			n, err := strconv.ParseUint(value, 10, 32)
			if err != nil || n < uint64(MinBlockSize) {
				continue
			}
			negotiated.BlockSize = uint16(min(n, uint64(maxBlockSize), uint64(MaxBlockSize)))
			ack[name] = strconv.Itoa(int(negotiated.BlockSize))
		case message.OptWindowSize:
			n, err := strconv.ParseUint(value, 10, 32)
			if err != nil || n < 1 {
				continue
			}
			negotiated.WindowSize = uint16(min(n, uint64(maxWindowSize), 65535))
			ack[name] = strconv.Itoa(int(negotiated.WindowSize))
		case message.OptTimeout:
			timeout, err := parseTimeout(value)
			if err != nil {
				continue
			}
			negotiated.Timeout = timeout
			ack[name] = value
		case message.OptTransferSize:
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				continue
			}
			if size != nil {
				n = *size
			}
			negotiated.TransferSize = &n
			ack[name] = strconv.FormatUint(n, 10)
		}
	}
	return negotiated, ack
}

func (o Options) String() string {
	s := "blksize=" + strconv.Itoa(int(o.BlockSize)) +
		" windowsize=" + strconv.Itoa(int(o.WindowSize)) +
		" timeout=" + o.Timeout.String()
	if o.TransferSize != nil {
		s += " tsize=" + strconv.FormatUint(*o.TransferSize, 10)
	}
	return s
}

func parseBlockSize(v string) (uint16, error) {
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, err
	}
	if uint16(n) < MinBlockSize || uint16(n) > MaxBlockSize {
		return 0, strconv.ErrRange
	}
	return uint16(n), nil
}

func parseWindowSize(v string) (uint16, error) {
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, strconv.ErrRange
	}
	return uint16(n), nil
}

func parseTimeout(v string) (time.Duration, error) {
	n, err := strconv.ParseUint(v, 10, 8)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, strconv.ErrRange
	}
	return time.Duration(n) * time.Second, nil
}

// timeouts travel as whole seconds in 1..255
func timeoutSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	return max(1, min(s, int(MaxTimeout/time.Second)))
}

// proposed values were produced by Prepare and always parse
func mustUint16(v string) uint16 {
	n, _ := strconv.ParseUint(v, 10, 16)
	return uint16(n)
}
