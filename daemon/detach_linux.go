//go:build linux

package daemon

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var ErrSpawn = errors.New("cannot start background daemon")

// readyFD is where a spawned daemon finds the write end of the pipe its
// parent waits on.
const readyFD = 3

const readyByte = 'R'

// Spawn starts this executable again with args in a new session, detached
// from the terminal. It waits up to timeout for the new process to call
// NotifyParent and returns its pid. A process that exits before that is
// reported as ErrSpawn.
func Spawn(args []string, timeout time.Duration) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	r, w, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	defer r.Close()

	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Dir = "/"
	cmd.ExtraFiles = []*os.File{w}
	err = cmd.Start()
	// Only the child may hold the write end, or EOF never arrives.
	w.Close()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	pid := cmd.Process.Pid

	if err := waitReady(r, timeout); err != nil {
		_ = cmd.Process.Release()
		return pid, fmt.Errorf("%w: pid %d: %w", ErrSpawn, pid, err)
	}
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	return pid, nil
}

func waitReady(r *os.File, timeout time.Duration) error {
	if err := r.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	buf := make([]byte, 1)
	n, err := r.Read(buf)
	switch {
	case n == 1 && buf[0] == readyByte:
		return nil
	case errors.Is(err, io.EOF):
		return errors.New("exited before it was ready, see the daemon log")
	case errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("not ready after %v", timeout)
	case err != nil:
		return err
	default:
		return fmt.Errorf("unexpected readiness message %q", buf[:n])
	}
}

// NotifyParent tells the process that called Spawn that the daemon is
// ready. It fails if this process was not started by Spawn.
func NotifyParent() error {
	var st unix.Stat_t
	if err := unix.Fstat(readyFD, &st); err != nil {
		return fmt.Errorf("readiness pipe: %w", err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFIFO {
		return fmt.Errorf("readiness pipe: fd %d is not a pipe", readyFD)
	}
	f := os.NewFile(readyFD, "ready")
	defer f.Close()
	if _, err := f.Write([]byte{readyByte}); err != nil {
		return fmt.Errorf("readiness pipe: %w", err)
	}
	return nil
}

// DetachStdio points standard input, output and error at /dev/null.
func DetachStdio() error {
	nullfd, err := unix.Open(os.DevNull, unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	for _, fd := range []int{0, 1, 2} {
		if fd == nullfd {
			continue
		}
		if err := unix.Dup3(nullfd, fd, 0); err != nil {
			unix.Close(nullfd)
			return fmt.Errorf("redirecting fd %d: %w", fd, err)
		}
	}
	if nullfd > 2 {
		return unix.Close(nullfd)
	}
	return nil
}
