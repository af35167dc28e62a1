package session

import "sync"

// TriggerRegister holds at most one pending trigger tag. Set overwrites an unconsumed tag
// (last writer wins); overwrites are counted.
type TriggerRegister struct {
	mu          sync.Mutex
	pending     string
	set         bool
	overwritten uint64
}

// Set stores tag and returns the tag it replaced, if one was still pending.
func (r *TriggerRegister) Set(tag string) (replaced string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.set {
		replaced, ok = r.pending, true
		r.overwritten++
	}
	r.pending = tag
	r.set = true
	return replaced, ok
}

// Take consumes the pending tag.
func (r *TriggerRegister) Take() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.set {
		return "", false
	}
	tag := r.pending
	r.pending, r.set = "", false
	return tag, true
}

func (r *TriggerRegister) Pending() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending, r.set
}

func (r *TriggerRegister) Overwritten() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overwritten
}
