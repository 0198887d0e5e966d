package client

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nstehr/go-tftp/encoder"
	"github.com/nstehr/go-tftp/shared"
	"github.com/nstehr/go-tftp/shared/transfer"
	"github.com/pin/tftp/v3"
)

// pinServer runs a third-party TFTP server on loopback serving files from
// memory.
type pinServer struct {
	mu    sync.Mutex
	files map[string][]byte
	addr  string
}

func startPinServer(t *testing.T, files map[string][]byte) *pinServer {
	p := &pinServer{files: files}
	s := tftp.NewServer(p.read, p.write)
	s.SetTimeout(2 * time.Second)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("%s", err)
	}
	p.addr = conn.LocalAddr().String()
	go s.Serve(conn)
	t.Cleanup(s.Shutdown)
	return p
}

func (p *pinServer) read(filename string, rf io.ReaderFrom) error {
	p.mu.Lock()
	data, ok := p.files[filename]
	p.mu.Unlock()
	if !ok {
		return os.ErrNotExist
	}
	rf.(tftp.OutgoingTransfer).SetSize(int64(len(data)))
	_, err := rf.ReadFrom(bytes.NewReader(data))
	return err
}

func (p *pinServer) write(filename string, wt io.WriterTo) error {
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return err
	}
	p.mu.Lock()
	p.files[filename] = buf.Bytes()
	p.mu.Unlock()
	return nil
}

func (p *pinServer) file(name string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.files[name]
}

func interopConfig(addr string, mode transfer.Mode, path string) transfer.ClientConfig {
	config := transfer.NewClientConfig()
	config.RemoteAddress = addr
	config.RequestTimeout = time.Second
	config.Mode = mode
	config.FilePath = path
	// window sizes beyond 1 are an extension the peer does not implement
	config.Options.BlockSize = 1024
	return config
}

func TestInteropDownload(t *testing.T) {
	data := bytes.Repeat([]byte("interop "), 1000)
	p := startPinServer(t, map[string][]byte{"kernel": data})
	config := interopConfig(p.addr, transfer.Download, "kernel")
	config.ReceiveDirectory = t.TempDir()

	network := shared.NewUDPNetwork(encoder.NewTFTPEncoder(), nil)
	stats, err := NewClient(config, network).Run()
	if err != nil {
		t.Fatalf("download failed: %s", err)
	}
	got, err := os.ReadFile(filepath.Join(config.ReceiveDirectory, "kernel"))
	if err != nil {
		t.Fatalf("%s", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("content mismatch: got %d bytes, want %d", len(got), len(data))
	}
	if stats.Bytes != uint64(len(data)) {
		t.Fatalf("expected %d bytes in stats, got %d", len(data), stats.Bytes)
	}
}

func TestInteropUpload(t *testing.T) {
	p := startPinServer(t, map[string][]byte{})
	src, data := writeFile(t, t.TempDir(), "initrd", 3*1024)
	config := interopConfig(p.addr, transfer.Upload, src)

	network := shared.NewUDPNetwork(encoder.NewTFTPEncoder(), nil)
	if _, err := NewClient(config, network).Run(); err != nil {
		t.Fatalf("upload failed: %s", err)
	}

	// the server finishes its side after our last block is acknowledged
	deadline := time.Now().Add(2 * time.Second)
	for !bytes.Equal(p.file("initrd"), data) {
		if time.Now().After(deadline) {
			t.Fatalf("server holds %d bytes, want %d", len(p.file("initrd")), len(data))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
