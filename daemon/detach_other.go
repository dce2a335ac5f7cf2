//go:build !linux

package daemon

import (
	"errors"
	"time"
)

var ErrSpawn = errors.New("cannot start background daemon")

func Spawn(args []string, timeout time.Duration) (int, error) {
	return 0, errors.Join(ErrSpawn, errors.New("background mode is only supported on linux"))
}

func NotifyParent() error {
	return nil
}

func DetachStdio() error {
	return nil
}
