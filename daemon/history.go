package daemon

import (
	"sync"
	"time"

	"github.com/gammazero/deque"

	"lautenbacher.net/bwrelay/channel"
	"lautenbacher.net/bwrelay/relay"
)

const HISTORY_SIZE = 16

// Entry is one applied command and the relay state it produced.
type Entry struct {
	Command channel.Command
	State   relay.Bits
	At      time.Time
}

// History keeps the last HISTORY_SIZE applied commands. It is safe for
// concurrent use.
type History struct {
	mu      sync.Mutex
	size    int
	entries deque.Deque[Entry]
}

func NewHistory(size int) *History {
	h := &History{size: size}
	h.entries.Grow(size)
	return h
}

func (h *History) Add(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.size <= 0 {
		return
	}
	for h.entries.Len() >= h.size {
		h.entries.PopFront()
	}
	h.entries.PushBack(e)
}

// Entries returns the recorded commands, oldest first.
func (h *History) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, h.entries.Len())
	for i := range h.entries.Len() {
		out[i] = h.entries.At(i)
	}
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entries.Len()
}
