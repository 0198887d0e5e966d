package transfer

import (
	"errors"
	"testing"
	"time"

	"github.com/nstehr/go-tftp/message"
)

func TestPrepareOmitsDefaults(t *testing.T) {
	if opts := DefaultOptions().Prepare(); len(opts) != 0 {
		t.Fatalf("defaults should propose nothing, got %v", opts)
	}

	size := uint64(13)
	o := Options{BlockSize: 1024, Timeout: 3 * time.Second, WindowSize: 4, TransferSize: &size}
	opts := o.Prepare()
	want := map[string]string{"blksize": "1024", "timeout": "3", "windowsize": "4", "tsize": "13"}
	if len(opts) != len(want) {
		t.Fatalf("unexpected proposal %v", opts)
	}
	for k, v := range want {
		if opts[k] != v {
			t.Errorf("%s: expected %q, got %q", k, v, opts[k])
		}
	}
}

func TestApplyAcceptedSubset(t *testing.T) {
	size := uint64(0)
	proposal := Options{BlockSize: 1428, Timeout: 2 * time.Second, WindowSize: 8, TransferSize: &size}

	negotiated, err := proposal.Apply(message.Options{"blksize": "1024", "tsize": "4096"})
	if err != nil {
		t.Fatalf("apply: %s", err)
	}
	if negotiated.BlockSize != 1024 {
		t.Errorf("expected blksize 1024, got %d", negotiated.BlockSize)
	}
	if negotiated.TransferSize == nil || *negotiated.TransferSize != 4096 {
		t.Errorf("expected tsize 4096, got %v", negotiated.TransferSize)
	}
	// not echoed, so back to defaults
	if negotiated.WindowSize != DefaultWindowSize || negotiated.Timeout != DefaultTimeout {
		t.Errorf("unmentioned options should be defaults, got %s", negotiated)
	}
}

func TestApplyRejectsUnsolicitedOption(t *testing.T) {
	proposal := Options{BlockSize: 1024, Timeout: DefaultTimeout, WindowSize: 1}
	_, err := proposal.Apply(message.Options{"blksize": "1024", "windowsize": "4"})
	if !errors.Is(err, ErrUnknownOption) {
		t.Fatalf("expected ErrUnknownOption, got %v", err)
	}
	var nerr *NegotiationError
	if !errors.As(err, &nerr) || nerr.Option != "windowsize" {
		t.Fatalf("expected negotiation error on windowsize, got %v", err)
	}
}

func TestApplyRejectsMalformedValues(t *testing.T) {
	proposal := Options{BlockSize: 1024, Timeout: 2 * time.Second, WindowSize: 4}
	cases := []message.Options{
		{"blksize": "abc"},
		{"blksize": "4"},
		{"blksize": "2048"}, // larger than proposed
		{"windowsize": "0"},
		{"windowsize": "16"},
		{"timeout": "0"},
		{"timeout": "1000"},
		{"timeout": "7"}, // not what was proposed
		{"timeout": "1"},
	}
	for _, accepted := range cases {
		negotiated, err := proposal.Apply(accepted)
		if !errors.Is(err, ErrMalformedValue) {
			t.Errorf("%v: expected ErrMalformedValue, got %v", accepted, err)
		}
		if negotiated.BlockSize != DefaultBlockSize {
			t.Errorf("%v: failed apply should leave defaults", accepted)
		}
	}
}

func TestApplyTakesEchoedTimeout(t *testing.T) {
	proposal := Options{BlockSize: DefaultBlockSize, Timeout: 3 * time.Second, WindowSize: 1}
	negotiated, err := proposal.Apply(message.Options{"timeout": "3"})
	if err != nil {
		t.Fatalf("apply: %s", err)
	}
	if negotiated.Timeout != 3*time.Second {
		t.Fatalf("expected 3s, got %s", negotiated.Timeout)
	}
	if _, err := proposal.Apply(message.Options{"timeout": "7"}); !errors.Is(err, ErrMalformedValue) {
		t.Fatalf("a different timeout should be rejected, got %v", err)
	}
}

func TestApplyIsCaseInsensitive(t *testing.T) {
	proposal := Options{BlockSize: 1024, Timeout: DefaultTimeout, WindowSize: 1}
	negotiated, err := proposal.Apply(message.Options{"BLKSIZE": "512"})
	if err != nil {
		t.Fatalf("apply: %s", err)
	}
	if negotiated.BlockSize != 512 {
		t.Fatalf("expected 512, got %d", negotiated.BlockSize)
	}
}

func TestAcceptClampsAndAnswersSize(t *testing.T) {
	size := uint64(777)
	requested := message.Options{"blksize": "9000", "windowsize": "200", "tsize": "0", "timeout": "3", "multicast": ""}
	negotiated, ack := Accept(requested, 1468, 16, &size)

	if negotiated.BlockSize != 1468 || ack["blksize"] != "1468" {
		t.Errorf("blksize not clamped: %d %q", negotiated.BlockSize, ack["blksize"])
	}
	if negotiated.WindowSize != 16 || ack["windowsize"] != "16" {
		t.Errorf("windowsize not clamped: %d %q", negotiated.WindowSize, ack["windowsize"])
	}
	if ack["tsize"] != "777" {
		t.Errorf("expected tsize 777, got %q", ack["tsize"])
	}
	if negotiated.Timeout != 3*time.Second {
		t.Errorf("expected 3s timeout, got %s", negotiated.Timeout)
	}
	if _, ok := ack["multicast"]; ok {
		t.Errorf("unknown option must not be acknowledged")
	}
}

func TestAcceptThenApplyRoundTrip(t *testing.T) {
	size := uint64(0)
	proposal := Options{BlockSize: 8192, Timeout: 2 * time.Second, WindowSize: 32, TransferSize: &size}
	fileSize := uint64(100000)
	_, ack := Accept(proposal.Prepare(), 1024, 8, &fileSize)

	negotiated, err := proposal.Apply(ack)
	if err != nil {
		t.Fatalf("apply: %s", err)
	}
	if negotiated.BlockSize != 1024 || negotiated.WindowSize != 8 || *negotiated.TransferSize != fileSize {
		t.Fatalf("unexpected negotiated options %s", negotiated)
	}
}
