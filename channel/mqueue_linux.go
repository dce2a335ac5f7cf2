//go:build linux

package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pollSlice bounds every blocking queue call so that a cancelled
// context is noticed.
const pollSlice = 250 * time.Millisecond

// mqAttr is struct mq_attr of the kernel: four longs and four reserved.
type mqAttr struct {
	flags   int
	maxmsg  int
	msgsize int
	curmsgs int
	_       [4]int
}

// MQueue is a command channel on a POSIX message queue, visible to every
// process of the host under its name (see /dev/mqueue). The queue
// outlives the processes using it.
type MQueue struct {
	name    string
	fd      int
	msgsize int
	opts    Options
}

// OpenMQueue opens the queue name, creating it with room for exactly one
// record if it does not exist yet. name must look like "/name".
func OpenMQueue(name string, opts Options) (*MQueue, error) {
	kname, err := kernelName(name)
	if err != nil {
		return nil, err
	}

	attr := mqAttr{maxmsg: 1, msgsize: RecordSize}
	r, _, errno := unix.Syscall6(unix.SYS_MQ_OPEN,
		uintptr(unsafe.Pointer(kname)),
		uintptr(unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC),
		0o666,
		uintptr(unsafe.Pointer(&attr)),
		0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("mq_open %s: %w", name, errno)
	}
	fd := int(r)

	var cur mqAttr
	if _, _, errno := unix.Syscall(unix.SYS_MQ_GETSETATTR, uintptr(fd), 0, uintptr(unsafe.Pointer(&cur))); errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("mq_getattr %s: %w", name, errno)
	}
	if cur.maxmsg != 1 || cur.msgsize < RecordSize {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %s holds %d messages of %d bytes, want 1 of %d",
			ErrQueueMismatch, name, cur.maxmsg, cur.msgsize, RecordSize)
	}

	return &MQueue{name: name, fd: fd, msgsize: cur.msgsize, opts: opts}, nil
}

// UnlinkMQueue removes the queue name. Processes that have it open keep
// using it until they close it. A missing queue is not an error.
func UnlinkMQueue(name string) error {
	kname, err := kernelName(name)
	if err != nil {
		return err
	}
	_, _, errno := unix.Syscall(unix.SYS_MQ_UNLINK, uintptr(unsafe.Pointer(kname)), 0, 0)
	if errno != 0 && errno != unix.ENOENT {
		return fmt.Errorf("mq_unlink %s: %w", name, errno)
	}
	return nil
}

// kernelName strips the leading slash, the syscall takes the bare name.
func kernelName(name string) (*byte, error) {
	if !strings.HasPrefix(name, "/") || len(name) < 2 || strings.Contains(name[1:], "/") {
		return nil, fmt.Errorf("invalid queue name %q", name)
	}
	return unix.BytePtrFromString(name[1:])
}

func (q *MQueue) Send(ctx context.Context, cmd Command) error {
	rec := cmd.Encode()
	return q.sendRaw(ctx, rec[:])
}

func (q *MQueue) sendRaw(ctx context.Context, raw []byte) error {
	ctx, cancel := q.opts.sendContext(ctx)
	defer cancel()

	// The first attempt does not wait, a free slot must never depend on
	// the deadline.
	ts := unix.NsecToTimespec(time.Now().UnixNano())
	for {
		_, _, errno := unix.Syscall6(unix.SYS_MQ_TIMEDSEND,
			uintptr(q.fd),
			uintptr(unsafe.Pointer(&raw[0])),
			uintptr(len(raw)),
			0,
			uintptr(unsafe.Pointer(&ts)),
			0)
		switch errno {
		case 0:
			return nil
		case unix.ETIMEDOUT, unix.EINTR:
		default:
			return fmt.Errorf("mq_timedsend %s: %w", q.name, errno)
		}
		if ctx.Err() != nil {
			return sendError(ctx)
		}
		ts = sliceDeadline(ctx)
	}
}

func (q *MQueue) Receive(ctx context.Context) (Command, error) {
	buf := make([]byte, q.msgsize)
	for {
		if err := ctx.Err(); err != nil {
			return Command{}, err
		}
		ts := sliceDeadline(ctx)
		n, err := q.timedReceive(buf, &ts)
		if err != nil {
			if errors.Is(err, unix.ETIMEDOUT) || errors.Is(err, unix.EINTR) {
				continue
			}
			return Command{}, err
		}
		return decodeValid(buf[:n], q.opts.relays())
	}
}

func (q *MQueue) Drain() (int, error) {
	buf := make([]byte, q.msgsize)
	n := 0
	for {
		ts := unix.NsecToTimespec(time.Now().UnixNano())
		_, err := q.timedReceive(buf, &ts)
		if errors.Is(err, unix.ETIMEDOUT) {
			return n, nil
		}
		if err != nil && !errors.Is(err, unix.EINTR) {
			return n, err
		}
		if err == nil {
			n++
		}
	}
}

func (q *MQueue) timedReceive(buf []byte, ts *unix.Timespec) (int, error) {
	r, _, errno := unix.Syscall6(unix.SYS_MQ_TIMEDRECEIVE,
		uintptr(q.fd),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		0,
		uintptr(unsafe.Pointer(ts)),
		0)
	if errno != 0 {
		if errno == unix.ETIMEDOUT || errno == unix.EINTR {
			return 0, errno
		}
		return 0, fmt.Errorf("mq_timedreceive %s: %w", q.name, errno)
	}
	return int(r), nil
}

func (q *MQueue) Close() error {
	if q.fd < 0 {
		return nil
	}
	err := unix.Close(q.fd)
	q.fd = -1
	return err
}

// sliceDeadline returns the absolute CLOCK_REALTIME time at which the
// next blocking call gives up: one poll slice from now, or the context
// deadline if that comes first.
func sliceDeadline(ctx context.Context) unix.Timespec {
	deadline := time.Now().Add(pollSlice)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return unix.NsecToTimespec(deadline.UnixNano())
}
