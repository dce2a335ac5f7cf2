package bus

import (
	"fmt"
	"sync"
)

// Simulated is a Transport without hardware. It records every frame
// and answers each exchange with the bytes it was sent.
type Simulated struct {
	mu     sync.Mutex
	frames [][]byte
	failAt int
	closed bool
}

func NewSimulated() *Simulated {
	return &Simulated{failAt: -1}
}

// FailAt makes the n-th exchange (counting from 0) and all later ones
// fail. A negative n disables failures.
func (s *Simulated) FailAt(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAt = n
}

func (s *Simulated) Exchange(write []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: transport closed", ErrTransfer)
	}
	if s.failAt >= 0 && len(s.frames) >= s.failAt {
		return nil, fmt.Errorf("%w: simulated failure", ErrTransfer)
	}
	frame := make([]byte, len(write))
	copy(frame, write)
	s.frames = append(s.frames, frame)

	read := make([]byte, len(write))
	copy(read, write)
	return read, nil
}

// Frames returns a copy of all frames exchanged so far.
func (s *Simulated) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([][]byte, len(s.frames))
	for i, f := range s.frames {
		ret[i] = append([]byte(nil), f...)
	}
	return ret
}

// Last returns the most recent frame, or nil.
func (s *Simulated) Last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	return append([]byte(nil), s.frames[len(s.frames)-1]...)
}

func (s *Simulated) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
