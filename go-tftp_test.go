package main

import (
	"testing"
	"time"

	"github.com/nstehr/go-tftp/shared/transfer"
)

func TestClientOptionsRejectsOutOfRangeFlags(t *testing.T) {
	cases := []struct {
		name       string
		blksize    uint
		windowsize uint
		timeout    time.Duration
	}{
		{"block size wraps to 512", 66048, 1, transfer.DefaultTimeout},
		{"block size too large", 65465, 1, transfer.DefaultTimeout},
		{"block size too small", 7, 1, transfer.DefaultTimeout},
		{"window size wraps to 1", 512, 65537, transfer.DefaultTimeout},
		{"window size zero", 512, 0, transfer.DefaultTimeout},
		{"timeout too short", 512, 1, 500 * time.Millisecond},
		{"timeout too long", 512, 1, 256 * time.Second},
	}
	for _, c := range cases {
		if _, err := clientOptions(c.blksize, c.windowsize, c.timeout); err == nil {
			t.Errorf("%s: expected an error", c.name)
		}
	}
}

func TestClientOptionsKeepsValidFlags(t *testing.T) {
	opts, err := clientOptions(65464, 65535, 3*time.Second)
	if err != nil {
		t.Fatalf("%s", err)
	}
	if opts.BlockSize != 65464 || opts.WindowSize != 65535 || opts.Timeout != 3*time.Second {
		t.Fatalf("unexpected options %s", opts)
	}
}
