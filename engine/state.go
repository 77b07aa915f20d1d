package engine

import (
	"fmt"
	"sync/atomic"
)

// State is the lifecycle of one engine run.
type State int32

const (
	Created State = iota
	Running
	Completed
	Failed
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Running:
		return "RUNNING"
	case Completed:
		return "COMPLETED"
	case Failed:
		return "FAILED"
	case Stopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Stopped
}

// canTransition lists the legal edges. Terminal states have none.
func canTransition(from, to State) bool {
	switch from {
	case Created:
		return to == Running || to == Stopped
	case Running:
		return to == Completed || to == Failed || to == Stopped
	}
	return false
}

type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) load() State { return State(b.v.Load()) }

// to moves to next if the current state allows it.
func (b *stateBox) to(next State) (State, error) {
	for {
		cur := b.load()
		if !canTransition(cur, next) {
			return cur, fmt.Errorf("engine: illegal transition %s -> %s", cur, next)
		}
		if b.v.CompareAndSwap(int32(cur), int32(next)) {
			return cur, nil
		}
	}
}
