package chatsync

import "sync/atomic"

// selector tracks the conversation the user is looking at. The ID is read
// from producer goroutines and written only by the session loop.
type selector struct {
	active atomic.Int64
}

func (s *selector) current() int64 { return s.active.Load() }

func (s *selector) isActive(id int64) bool {
	return id != 0 && s.active.Load() == id
}

// clearIf resets the selection when it points at id.
func (s *selector) clearIf(id int64) bool {
	return s.active.CompareAndSwap(id, 0)
}

// activate selects id, marks what is already stored read and asks for the
// conversation's history. Zero clears the selection.
func (e *engine) activate(id int64) outcome {
	var out outcome
	e.sel.active.Store(id)
	if id == 0 {
		return out
	}
	if e.repo.MarkRead(id) > 0 {
		out.conversations = true
		out.touched(id)
	}
	e.requestDelta(id, &out)
	return out
}

// SetActiveConversation selects the conversation whose messages are shown.
// Messages already stored for it become read locally and its history is
// fetched in the background; messages arriving for it later are stored read.
// Pass 0 to clear the selection. The change is applied before it returns.
func (s *Session) SetActiveConversation(id int64) error {
	return s.submitManual(func() outcome { return s.eng.activate(id) })
}

// ActiveConversation returns the selected conversation ID, or 0.
func (s *Session) ActiveConversation() int64 {
	return s.sel.current()
}
