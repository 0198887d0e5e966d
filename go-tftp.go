package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nstehr/go-tftp/client"
	"github.com/nstehr/go-tftp/encoder"
	"github.com/nstehr/go-tftp/server"
	"github.com/nstehr/go-tftp/shared"
	"github.com/nstehr/go-tftp/shared/transfer"
)

func main() {
	t := flag.String("type", "server", "client or server")
	addr := flag.String("addr", "", "server address for the client, listen address for the server")
	verbose := flag.Bool("v", false, "debug logging")

	// client
	upload := flag.Bool("upload", false, "upload the file instead of downloading it")
	file := flag.String("file", "", "local file (upload) or file to fetch (download)")
	remote := flag.String("remote", "", "name on the server, defaults to the file name")
	rxdir := flag.String("rxdir", ".", "directory downloads are stored in")
	blksize := flag.Uint("blksize", uint(transfer.DefaultBlockSize), "block size to propose")
	windowsize := flag.Uint("windowsize", uint(transfer.DefaultWindowSize), "window size to propose")
	timeout := flag.Duration("timeout", transfer.DefaultTimeout, "retransmission timeout to propose")
	reqTimeout := flag.Duration("request-timeout", 5*time.Second, "wait for the server's first answer")

	// server
	dir := flag.String("dir", ".", "directory to serve")
	readonly := flag.Bool("readonly", false, "refuse write requests")
	overwrite := flag.Bool("overwrite", false, "allow write requests to replace existing files")

	// both
	retries := flag.Int("retries", transfer.NewLocalOptions().MaxRetries, "consecutive timeouts before giving up")
	keep := flag.Bool("keep-partial", false, "keep partially written files after a failure")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	local := transfer.LocalOptions{MaxRetries: *retries, CleanOnError: !*keep}
	network := shared.NewUDPNetwork(encoder.NewTFTPEncoder(), log)

	if *t == "client" {
		if *file == "" || *addr == "" {
			fmt.Fprintln(os.Stderr, "client needs -addr and -file")
			flag.Usage()
			os.Exit(2)
		}
		config := transfer.NewClientConfig()
		config.RemoteAddress = withDefaultPort(*addr)
		config.RequestTimeout = *reqTimeout
		config.Mode = transfer.Download
		if *upload {
			config.Mode = transfer.Upload
		}
		config.FilePath = *file
		config.FileRemote = *remote
		config.ReceiveDirectory = *rxdir
		config.Local = local
		opts, err := clientOptions(*blksize, *windowsize, *timeout)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			flag.Usage()
			os.Exit(2)
		}
		config.Options = opts

		c := client.NewClient(config, network)
		c.SetLogger(log)
		c.ProgressChannel = make(chan transfer.Progress, 16)
		go func() {
			for p := range c.ProgressChannel {
				log.Debug("progress", "message", p.Message, "percentage", p.Percentage)
			}
		}()
		stats, err := c.Run()
		close(c.ProgressChannel)
		if err != nil {
			log.Error("transfer failed", "err", err)
			os.Exit(1)
		}
		fmt.Printf("%d bytes in %s (%d blocks, %d timeouts)\n", stats.Bytes, stats.Duration, stats.Blocks, stats.Timeouts)
		return
	}

	config := transfer.NewServerConfig()
	if *addr != "" {
		config.ListenAddress = withDefaultPort(*addr)
	}
	config.Directory = *dir
	config.ReadOnly = *readonly
	config.Overwrite = *overwrite
	config.Local = local

	s := server.NewServer(config, network)
	s.SetLogger(log)
	go func() {
		for ch := range s.TransfersChannel {
			go func(ch chan transfer.Progress) {
				for p := range ch {
					if p.Type == transfer.DONE || p.Type == transfer.ERROR {
						log.Info("transfer ended", "transfer", p.ID, "message", p.Message)
					}
				}
			}(ch)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down")
		s.Shutdown()
	}()
	if err := s.ListenAndServe(); err != nil {
		log.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

// clientOptions checks the proposal flags before they are narrowed to
// their wire sizes.
func clientOptions(blksize, windowsize uint, timeout time.Duration) (transfer.Options, error) {
	if blksize < uint(transfer.MinBlockSize) || blksize > uint(transfer.MaxBlockSize) {
		return transfer.Options{}, fmt.Errorf("-blksize must be between %d and %d", transfer.MinBlockSize, transfer.MaxBlockSize)
	}
	if windowsize < 1 || windowsize > math.MaxUint16 {
		return transfer.Options{}, fmt.Errorf("-windowsize must be between 1 and %d", math.MaxUint16)
	}
	if timeout < transfer.MinTimeout || timeout > transfer.MaxTimeout {
		return transfer.Options{}, fmt.Errorf("-timeout must be between %s and %s", transfer.MinTimeout, transfer.MaxTimeout)
	}
	return transfer.Options{
		BlockSize:  uint16(blksize),
		Timeout:    timeout,
		WindowSize: uint16(windowsize),
	}, nil
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(transfer.DefaultPort))
}
