package transfer

import "time"

type ProgressType int

const (
	HANDSHAKING ProgressType = iota
	TRANSFERRING
	DONE
	ERROR
)

type Progress struct {
	ID         string
	Message    string
	Percentage float64
	Type       ProgressType
}

// Mode selects the direction of a client transfer.
type Mode int

const (
	Upload Mode = iota
	Download
)

func (m Mode) String() string {
	if m == Upload {
		return "upload"
	}
	return "download"
}

const (
	DefaultPort           = 69
	defaultRequestTimeout = 5 * time.Second
	defaultMaxRetries     = 6
	defaultMaxBlockSize   = 65464
	defaultMaxWindowSize  = 64
)

// LocalOptions tune this side of a transfer and are never sent to the peer.
type LocalOptions struct {
	MaxRetries   int  // consecutive timeouts tolerated before giving up
	CleanOnError bool // remove a partially written destination on failure
}

func NewLocalOptions() LocalOptions {
	return LocalOptions{MaxRetries: defaultMaxRetries, CleanOnError: true}
}

type ClientConfig struct {
	RemoteAddress    string // host:port
	RequestTimeout   time.Duration
	Mode             Mode
	FilePath         string
	FileRemote       string // optional, derived from FilePath when empty
	ReceiveDirectory string
	Local            LocalOptions
	Options          Options
}

func NewClientConfig() ClientConfig {
	return ClientConfig{
		RequestTimeout:   defaultRequestTimeout,
		ReceiveDirectory: ".",
		Local:            NewLocalOptions(),
		Options:          DefaultOptions(),
	}
}

type ServerConfig struct {
	ListenAddress string
	Directory     string
	ReadOnly      bool
	Overwrite     bool
	MaxBlockSize  uint16
	MaxWindowSize uint16
	Local         LocalOptions
}

func NewServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddress: ":69",
		Directory:     ".",
		MaxBlockSize:  defaultMaxBlockSize,
		MaxWindowSize: defaultMaxWindowSize,
		Local:         NewLocalOptions(),
	}
}

type Stats struct {
	Blocks              uint64 // distinct blocks delivered
	Bytes               uint64
	Timeouts            int
	Duplicates          int
	RetransmittedBlocks uint // distinct blocks sent more than once
	Duration            time.Duration
}
