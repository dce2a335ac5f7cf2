package tui

import (
	"sync"

	"golang.org/x/exp/slices"

	"lautenbacher.net/bwrelay/daemon"
	"lautenbacher.net/bwrelay/relay"
)

// view is what the simulation draws.
type view struct {
	Relays  int
	State   relay.Bits
	Status  string
	History []daemon.Entry
}

// board holds the newest view. Event handlers update it from their own
// goroutines; the draw loop is woken at most once per burst of updates
// and only ever sees the latest view.
type board struct {
	mu     sync.Mutex
	view   view
	notify chan struct{}
}

func newBoard(relays int) *board {
	return &board{
		view:   view{Relays: relays, Status: "waiting for daemon"},
		notify: make(chan struct{}, 1),
	}
}

// update applies fn to the view. It never blocks.
func (b *board) update(fn func(v *view)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.view)

	select {
	case b.notify <- struct{}{}:
	default:
		// already pending
	}
}

func (b *board) snapshot() view {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.view
	v.History = slices.Clone(b.view.History)
	return v
}

func (b *board) changed() <-chan struct{} {
	return b.notify
}
