package executor

import (
	"github.com/rleor/avm/internal/types"
	"github.com/rleor/avm/pkg/avm"
	"github.com/rleor/avm/pkg/interp"
	"github.com/rleor/avm/pkg/persist"
)

// FrameState is the lifecycle of one active invocation.
type FrameState int

// Frame states. RUNNING is irreversible once the entry point is invoked;
// COMMITTED and REVERTED are terminal.
const (
	FrameCreated FrameState = iota
	FrameHydrated
	FrameRunning
	FrameCommitted
	FrameReverted
)

// Frame is one active invocation on the reentrant stack: the address, the
// loaded DApp universe, the live helper, and the environment counters the
// invocation started from.
type Frame struct {
	Address  types.Address
	Universe *interp.Universe
	Helper   *avm.Helper
	Env      persist.EnvironmentState
	State    FrameState
}

// ReentrantStack is the per-task stack of active invocations. The nested
// call primitive consults it: an active frame for the target address means
// the reentrant persistence path applies.
type ReentrantStack struct {
	frames []*Frame
}

// Push adds a frame for a new invocation.
func (s *ReentrantStack) Push(f *Frame) {
	s.frames = append(s.frames, f)
}

// Pop removes and returns the most recent frame.
func (s *ReentrantStack) Pop() *Frame {
	if len(s.frames) == 0 {
		return nil
	}
	f := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	return f
}

// Top returns the most recent frame without removing it.
func (s *ReentrantStack) Top() *Frame {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// TopOfAddress returns the most recent active frame for the address, or
// nil. Only a RUNNING frame can be reentered.
func (s *ReentrantStack) TopOfAddress(addr types.Address) *Frame {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].Address == addr && s.frames[i].State == FrameRunning {
			return s.frames[i]
		}
	}
	return nil
}

// Depth returns the number of active frames.
func (s *ReentrantStack) Depth() int {
	return len(s.frames)
}

// Task is the per-transaction execution context: one reentrant stack, one
// abort flag. Tasks are fully isolated from each other; one task runs on
// one goroutine.
type Task struct {
	Stack ReentrantStack

	// Logs collects events emitted through the bridge during the task.
	Logs []LogEntry

	aborted     bool
	createNonce uint64
}

// nextCreateNonce returns the task-scoped creation counter used for
// deterministic address derivation.
func (t *Task) nextCreateNonce() uint64 {
	n := t.createNonce
	t.createNonce++
	return n
}

// NewTask creates an empty task.
func NewTask() *Task {
	return &Task{}
}

// Abort requests early termination; the next metered bridge checkpoint
// raises the abort control-flow kind.
func (t *Task) Abort() {
	t.aborted = true
}

// Aborted reports whether the task has been cancelled.
func (t *Task) Aborted() bool {
	return t.aborted
}
