// Package window holds the RFC 7440 window buffers that sit between a
// file and the network. Reader cuts a source into blocks for sending,
// Writer collects received blocks until they can be written out at once.
package window

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
)

var (
	ErrWindowFull = errors.New("window is full")
	ErrOutOfRange = errors.New("amount is larger than the window")
	ErrNoLength   = errors.New("sink does not report its length")
)

// maxReadBuffer caps the read-ahead buffer. A window of 65535 blocks of
// 65464 bytes would otherwise ask for gigabytes up front.
const maxReadBuffer = 1 << 20

// ring is a fixed capacity queue of chunks. A slot is allocated with
// capacity chunkSize the first time it is used and reused as the window
// slides, so a window that is never filled costs little.
type ring struct {
	slots     [][]byte
	chunkSize int
	head      int
	count     int
}

func newRing(size, chunkSize int) ring {
	return ring{slots: make([][]byte, size), chunkSize: chunkSize}
}

func (r *ring) len() int { return r.count }
func (r *ring) full() bool { return r.count == len(r.slots) }

func (r *ring) at(i int) []byte {
	return r.slots[(r.head+i)%len(r.slots)]
}

// tail hands out the next free slot, truncated to zero length.
func (r *ring) tail() *[]byte {
	slot := &r.slots[(r.head+r.count)%len(r.slots)]
	if *slot == nil {
		*slot = make([]byte, 0, r.chunkSize)
	}
	*slot = (*slot)[:0]
	return slot
}

func (r *ring) drop(n int) {
	r.head = (r.head + n) % len(r.slots)
	r.count -= n
}

// Reader is the sending side window.
type Reader struct {
	ring
	chunkSize int
	eof       bool
	src       *bufio.Reader
}

// NewReader buffers src with room for two full windows so a refill never
// needs more than one burst of reads. Large windows get maxReadBuffer.
func NewReader(size, chunkSize uint16, src io.Reader) *Reader {
	n, c := max(int(size), 1), int(chunkSize)
	return &Reader{
		ring:      newRing(n, c),
		chunkSize: c,
		src:       bufio.NewReaderSize(src, max(min(2*n*c, maxReadBuffer), c)),
	}
}

// Fill tops the window up to capacity. It returns true when the window is
// full and false as soon as the source runs dry, after queueing the final
// short chunk. Once that chunk is queued Fill does nothing.
func (w *Reader) Fill() (bool, error) {
	if w.eof {
		return false, nil
	}
	for !w.full() {
		slot := w.tail()
		n, err := io.ReadFull(w.src, (*slot)[:w.chunkSize])
		switch err {
		case nil:
			*slot = (*slot)[:n]
			w.count++
		case io.EOF, io.ErrUnexpectedEOF:
			*slot = (*slot)[:n]
			w.count++
			w.eof = true
			return false, nil
		default:
			return false, err
		}
	}
	return true, nil
}

// Prefill warms the read buffer while the caller waits on the network.
// It never changes the window contents.
func (w *Reader) Prefill() error {
	if w.eof {
		return nil
	}
	_, err := w.src.Peek(min(len(w.slots)*w.chunkSize, w.src.Size()))
	if err == io.EOF || err == bufio.ErrBufferFull {
		return nil
	}
	return err
}

// Remove drops the first amount chunks, which the peer has acknowledged.
func (w *Reader) Remove(amount int) error {
	if amount < 0 || amount > w.count {
		return ErrOutOfRange
	}
	w.drop(amount)
	return nil
}

// Chunk returns the i-th queued chunk. It stays valid until the chunk is
// removed.
func (w *Reader) Chunk(i int) []byte { return w.at(i) }

func (w *Reader) Len() int { return w.len() }
func (w *Reader) IsEmpty() bool { return w.count == 0 }
func (w *Reader) IsFull() bool { return w.full() }
func (w *Reader) Exhausted() bool { return w.eof }

// Writer is the receiving side window.
type Writer struct {
	ring
	dst io.Writer
}

func NewWriter(size, chunkSize uint16, dst io.Writer) *Writer {
	return &Writer{ring: newRing(max(int(size), 1), int(chunkSize)), dst: dst}
}

// Add queues a copy of data. Adding to a full window is a caller bug.
func (w *Writer) Add(data []byte) error {
	if w.full() {
		return ErrWindowFull
	}
	slot := w.tail()
	*slot = append(*slot, data...)
	w.count++
	return nil
}

// Flush writes every queued chunk in order and empties the window.
func (w *Writer) Flush() error {
	for i := 0; i < w.count; i++ {
		if _, err := w.dst.Write(w.at(i)); err != nil {
			return err
		}
	}
	w.drop(w.count)
	return nil
}

// SinkLen reports the current size of the destination.
func (w *Writer) SinkLen() (uint64, error) {
	switch dst := w.dst.(type) {
	case interface{ Stat() (fs.FileInfo, error) }:
		info, err := dst.Stat()
		if err != nil {
			return 0, err
		}
		return uint64(info.Size()), nil
	case interface{ Len() int }:
		return uint64(dst.Len()), nil
	}
	return 0, ErrNoLength
}

func (w *Writer) Len() int { return w.len() }
func (w *Writer) IsEmpty() bool { return w.count == 0 }
func (w *Writer) IsFull() bool { return w.full() }
