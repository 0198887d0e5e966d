package statemachine

import (
	"net"

	"github.com/nstehr/go-tftp/message"
)

// StateFn handles one packet and returns the state for the next one.
// A nil state ends the machine.
type StateFn func(pkt *message.Packet, from net.Addr) (StateFn, error)

type StateMachine struct {
	currentState StateFn
}

func NewStateMachine(initialState StateFn) *StateMachine {
	return &StateMachine{currentState: initialState}
}

// Transition feeds pkt to the current state and reports whether the
// machine expects more packets.
func (s *StateMachine) Transition(pkt *message.Packet, from net.Addr) (bool, error) {
	if s.currentState == nil {
		return false, nil
	}
	next, err := s.currentState(pkt, from)
	if err != nil {
		s.currentState = nil
		return false, err
	}
	s.currentState = next
	return s.currentState != nil, nil
}
