//go:build !linux

package channel

import (
	"context"
	"errors"
)

var errNoMQueue = errors.New("POSIX message queues are only supported on linux")

type MQueue struct{}

func OpenMQueue(name string, opts Options) (*MQueue, error) {
	return nil, errNoMQueue
}

func UnlinkMQueue(name string) error {
	return errNoMQueue
}

func (q *MQueue) Send(ctx context.Context, cmd Command) error {
	return errNoMQueue
}

func (q *MQueue) Receive(ctx context.Context) (Command, error) {
	return Command{}, errNoMQueue
}

func (q *MQueue) Drain() (int, error) {
	return 0, errNoMQueue
}

func (q *MQueue) Close() error {
	return nil
}
