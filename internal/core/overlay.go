package core

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"gwi.com/chatsync/internal/store"
)

const tempIDPrefix = "tmp_"

func newTempID() string {
	return fmt.Sprintf("%s%s", tempIDPrefix, uuid.NewString())
}

// Overlay holds locally predicted messages that the log store has not
// confirmed yet. Only the Engine writes to it.
type Overlay struct {
	mu      sync.Mutex
	entries []store.Message
}

func NewOverlay() *Overlay {
	return &Overlay{}
}

// Append adds msg in the sending state.
func (o *Overlay) Append(msg store.Message) {
	msg.Status = store.StatusSending
	o.mu.Lock()
	o.entries = append(o.entries, msg)
	o.mu.Unlock()
}

// MarkError flips the entry with tempID to error. It reports whether the
// entry was present.
func (o *Overlay) MarkError(tempID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.entries {
		if o.entries[i].ID == tempID {
			o.entries[i].Status = store.StatusError
			return true
		}
	}
	return false
}

// Fail marks msg as errored, putting it back if it had already been dropped
// after its user row was confirmed.
func (o *Overlay) Fail(msg store.Message) {
	if o.MarkError(msg.ID) {
		return
	}
	msg.Status = store.StatusError
	o.mu.Lock()
	o.entries = append(o.entries, msg)
	o.mu.Unlock()
}

func (o *Overlay) Remove(tempID string) (store.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, m := range o.entries {
		if m.ID == tempID {
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			return m, true
		}
	}
	return store.Message{}, false
}

// TakeErrored removes and returns the entry with tempID if it is in the error
// state. Concurrent callers for the same id get it at most once.
func (o *Overlay) TakeErrored(tempID string) (store.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, m := range o.entries {
		if m.ID == tempID {
			if m.Status != store.StatusError {
				return store.Message{}, false
			}
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			return m, true
		}
	}
	return store.Message{}, false
}

func (o *Overlay) Get(tempID string) (store.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, m := range o.entries {
		if m.ID == tempID {
			return m, true
		}
	}
	return store.Message{}, false
}

func (o *Overlay) Clear() {
	o.mu.Lock()
	o.entries = nil
	o.mu.Unlock()
}

// Settle drops every entry except errored ones and those still being sent.
func (o *Overlay) Settle(inFlight map[string]bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	kept := o.entries[:0]
	for _, m := range o.entries {
		if m.Status == store.StatusError || inFlight[m.ID] {
			kept = append(kept, m)
		}
	}
	o.entries = kept
}

// ForSession returns a copy of the entries that belong to sessionID.
func (o *Overlay) ForSession(sessionID string) []store.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []store.Message
	for _, m := range o.entries {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out
}

func (o *Overlay) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}
