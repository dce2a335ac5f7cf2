package channel

import (
	"context"
	"sync"
)

var memoryQueues = struct {
	sync.Mutex
	slots map[string]chan []byte
}{slots: make(map[string]chan []byte)}

// Memory is a command channel inside one process. Every Memory opened
// with the same name shares the same single slot, mirroring what a
// named POSIX queue does across processes. It backs the simulation and
// the tests.
type Memory struct {
	name string
	slot chan []byte
	opts Options
}

func OpenMemory(name string, opts Options) *Memory {
	memoryQueues.Lock()
	defer memoryQueues.Unlock()
	slot, ok := memoryQueues.slots[name]
	if !ok {
		slot = make(chan []byte, 1)
		memoryQueues.slots[name] = slot
	}
	return &Memory{name: name, slot: slot, opts: opts}
}

// UnlinkMemory forgets the named queue. Open handles keep working on
// the old slot, later opens get a fresh one.
func UnlinkMemory(name string) {
	memoryQueues.Lock()
	defer memoryQueues.Unlock()
	delete(memoryQueues.slots, name)
}

func (m *Memory) Send(ctx context.Context, cmd Command) error {
	rec := cmd.Encode()
	return m.sendRaw(ctx, rec[:])
}

func (m *Memory) sendRaw(ctx context.Context, raw []byte) error {
	msg := append([]byte(nil), raw...)
	select {
	case m.slot <- msg:
		return nil
	default:
	}

	ctx, cancel := m.opts.sendContext(ctx)
	defer cancel()
	select {
	case m.slot <- msg:
		return nil
	case <-ctx.Done():
		return sendError(ctx)
	}
}

func (m *Memory) Receive(ctx context.Context) (Command, error) {
	select {
	case raw := <-m.slot:
		return decodeValid(raw, m.opts.relays())
	case <-ctx.Done():
		return Command{}, ctx.Err()
	}
}

func (m *Memory) Drain() (int, error) {
	n := 0
	for {
		select {
		case <-m.slot:
			n++
		default:
			return n, nil
		}
	}
}

func (m *Memory) Close() error {
	return nil
}
