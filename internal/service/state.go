package service

import (
	"sync"

	"github.com/and161185/shepherd/internal/model"
)

// State is the reactive view of the session.
type State struct {
	User          *model.AuthUser `json:"user" yaml:"user"`
	Loading       bool            `json:"loading" yaml:"loading"`
	Authenticated bool            `json:"authenticated" yaml:"authenticated"`
	Error         string          `json:"error,omitempty" yaml:"error,omitempty"`
}

type stateHolder struct {
	mu     sync.Mutex
	state  State
	nextID int
	subs   map[int]func(State)
}

func newStateHolder() *stateHolder {
	return &stateHolder{subs: map[int]func(State){}}
}

func (h *stateHolder) get() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// update applies fn and notifies subscribers when the state changed.
func (h *stateHolder) update(fn func(*State)) {
	h.mu.Lock()
	before := h.state
	fn(&h.state)
	after := h.state
	fns := make([]func(State), 0, len(h.subs))
	for id := 0; id < h.nextID; id++ {
		if f, ok := h.subs[id]; ok {
			fns = append(fns, f)
		}
	}
	h.mu.Unlock()
	if equal(before, after) {
		return
	}
	for _, f := range fns {
		f(after)
	}
}

func (h *stateHolder) subscribe(fn func(State)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func equal(a, b State) bool {
	return a.User == b.User && a.Loading == b.Loading && a.Authenticated == b.Authenticated && a.Error == b.Error
}
