package statemachine

import (
	"errors"
	"net"
	"testing"

	"github.com/nstehr/go-tftp/message"
)

func TestTransitionFollowsStates(t *testing.T) {
	var seen []message.MessageType
	var second StateFn
	first := func(pkt *message.Packet, from net.Addr) (StateFn, error) {
		seen = append(seen, pkt.Type)
		return second, nil
	}
	second = func(pkt *message.Packet, from net.Addr) (StateFn, error) {
		seen = append(seen, pkt.Type)
		return nil, nil
	}
	sm := NewStateMachine(first)

	more, err := sm.Transition(message.NewAck(0), nil)
	if err != nil || !more {
		t.Fatalf("first transition: more=%v err=%v", more, err)
	}
	more, err = sm.Transition(message.NewData(1, nil), nil)
	if err != nil || more {
		t.Fatalf("second transition: more=%v err=%v", more, err)
	}
	if more, _ := sm.Transition(message.NewAck(1), nil); more {
		t.Fatalf("finished machine must stay finished")
	}
	if len(seen) != 2 || seen[0] != message.ACK || seen[1] != message.DATA {
		t.Fatalf("unexpected packets %v", seen)
	}
}

func TestTransitionStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	sm := NewStateMachine(func(pkt *message.Packet, from net.Addr) (StateFn, error) {
		return nil, boom
	})
	if more, err := sm.Transition(message.NewAck(0), nil); more || err != boom {
		t.Fatalf("expected boom, got more=%v err=%v", more, err)
	}
}
