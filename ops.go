//go:build linux

package uring

import (
	"context"
	"syscall"
	"time"
	"unsafe"

	"github.com/coroio/uring/internal/sys"
)

// FixedFileFlag, set in an operation's flags argument, marks fd as an
// index into the engine's fixed-file table rather than a plain file
// descriptor. Flags below bit 32 are opcode-specific (send/recv mode
// bits, openat mode, ...); FixedFileFlag and any future SQE-level
// flags live above bit 32, mirroring the source wrapper's ABI split
// between io_flags and ring_flags in a single uint64.
const FixedFileFlag uint64 = 1 << 32

func splitFlags(flags uint64) (ioFlags uint32, sqeFlags uint8) {
	ioFlags = uint32(flags)
	// FixedFileFlag (bit 32) lands on IOSQE_FIXED_FILE (bit 0).
	sqeFlags = uint8(flags >> 32)
	return ioFlags, sqeFlags
}

func (e *Engine) do(ctx context.Context, timeout time.Duration, flags uint64, prep func(r *Ring, tag uint64, sqeFlags uint8) error) (int32, error) {
	_, sqeFlags := splitFlags(flags)
	return e.AsyncIO(ctx, func(r *Ring, tag uint64) error {
		return prep(r, tag, sqeFlags)
	}, timeout)
}

func withFlags(r *Ring, sqeFlags uint8, err error) error {
	if err == nil && sqeFlags != 0 {
		r.SetSQEFlags(sqeFlags)
	}
	return err
}

// Pread reads up to len(buf) bytes from fd at offset. A zero-length
// buf returns 0 without touching the ring, per read(2).
func (e *Engine) Pread(ctx context.Context, fd int, buf []byte, offset uint64, timeout time.Duration, flags uint64) (int32, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	return e.do(ctx, timeout, flags, func(r *Ring, tag uint64, sqeFlags uint8) error {
		return withFlags(r, sqeFlags, r.PrepRead(fd, buf, offset, tag))
	})
}

// Pwrite writes len(buf) bytes from buf to fd at offset.
func (e *Engine) Pwrite(ctx context.Context, fd int, buf []byte, offset uint64, timeout time.Duration, flags uint64) (int32, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	return e.do(ctx, timeout, flags, func(r *Ring, tag uint64, sqeFlags uint8) error {
		return withFlags(r, sqeFlags, r.PrepWrite(fd, buf, offset, tag))
	})
}

// Preadv reads into iovecs from fd at offset.
func (e *Engine) Preadv(ctx context.Context, fd int, iovecs []syscall.Iovec, offset uint64, timeout time.Duration, flags uint64) (int32, error) {
	if len(iovecs) == 0 {
		return 0, nil
	}
	return e.do(ctx, timeout, flags, func(r *Ring, tag uint64, sqeFlags uint8) error {
		return withFlags(r, sqeFlags, r.PrepReadv(fd, iovecs, offset, tag))
	})
}

// Pwritev writes iovecs to fd at offset.
func (e *Engine) Pwritev(ctx context.Context, fd int, iovecs []syscall.Iovec, offset uint64, timeout time.Duration, flags uint64) (int32, error) {
	if len(iovecs) == 0 {
		return 0, nil
	}
	return e.do(ctx, timeout, flags, func(r *Ring, tag uint64, sqeFlags uint8) error {
		return withFlags(r, sqeFlags, r.PrepWritev(fd, iovecs, offset, tag))
	})
}

// Splice moves data between two fds without a userspace copy.
func (e *Engine) Splice(ctx context.Context, fdIn int, offIn int64, fdOut int, offOut int64, n uint32, timeout time.Duration, flags uint64) (int32, error) {
	ioFlags, _ := splitFlags(flags)
	return e.do(ctx, timeout, flags, func(r *Ring, tag uint64, sqeFlags uint8) error {
		return withFlags(r, sqeFlags, r.PrepSplice(fdIn, offIn, fdOut, offOut, n, ioFlags, tag))
	})
}

// Send sends buf on a connected socket.
func (e *Engine) Send(ctx context.Context, fd int, buf []byte, timeout time.Duration, flags uint64) (int32, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	ioFlags, _ := splitFlags(flags)
	return e.do(ctx, timeout, flags, func(r *Ring, tag uint64, sqeFlags uint8) error {
		return withFlags(r, sqeFlags, r.PrepSend(fd, buf, int(ioFlags), tag))
	})
}

// SendZC sends buf using zero-copy (IORING_OP_SEND_ZC); the kernel
// emits a trailing IORING_CQE_F_NOTIF completion once the buffer is
// safe to reuse, and the call returns only after that notification,
// with the send's own result.
func (e *Engine) SendZC(ctx context.Context, fd int, buf []byte, timeout time.Duration, flags uint64) (int32, error) {
	ioFlags, _ := splitFlags(flags)
	return e.do(ctx, timeout, flags, func(r *Ring, tag uint64, sqeFlags uint8) error {
		sqe, err := r.GetSQE()
		if err != nil {
			return err
		}
		sqe.Opcode = uint8(sys.IORING_OP_SEND_ZC)
		sqe.Fd = int32(fd)
		if len(buf) > 0 {
			sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
		}
		sqe.Len = uint32(len(buf))
		sqe.OpFlags = ioFlags
		sqe.UserData = tag
		return withFlags(r, sqeFlags, nil)
	})
}

// Sendmsg sends msg on fd.
func (e *Engine) Sendmsg(ctx context.Context, fd int, msg *syscall.Msghdr, timeout time.Duration, flags uint64) (int32, error) {
	ioFlags, _ := splitFlags(flags)
	return e.do(ctx, timeout, flags, func(r *Ring, tag uint64, sqeFlags uint8) error {
		return withFlags(r, sqeFlags, r.PrepSendmsg(fd, msg, int(ioFlags), tag))
	})
}

// SendmsgZC sends msg on fd using zero-copy.
func (e *Engine) SendmsgZC(ctx context.Context, fd int, msg *syscall.Msghdr, timeout time.Duration, flags uint64) (int32, error) {
	ioFlags, _ := splitFlags(flags)
	return e.do(ctx, timeout, flags, func(r *Ring, tag uint64, sqeFlags uint8) error {
		sqe, err := r.GetSQE()
		if err != nil {
			return err
		}
		sqe.Opcode = uint8(sys.IORING_OP_SENDMSG_ZC)
		sqe.Fd = int32(fd)
		sqe.Addr = uint64(uintptr(unsafe.Pointer(msg)))
		sqe.Len = 1
		sqe.OpFlags = ioFlags
		sqe.UserData = tag
		return withFlags(r, sqeFlags, nil)
	})
}

// Recv receives into buf from a connected socket.
func (e *Engine) Recv(ctx context.Context, fd int, buf []byte, timeout time.Duration, flags uint64) (int32, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	ioFlags, _ := splitFlags(flags)
	return e.do(ctx, timeout, flags, func(r *Ring, tag uint64, sqeFlags uint8) error {
		return withFlags(r, sqeFlags, r.PrepRecv(fd, buf, int(ioFlags), tag))
	})
}

// RecvMultishot starts a multishot recv that picks buffers from the
// given provided-buffer group. The call blocks until the multishot recv
// terminates (error, timeout or ctx cancellation) and returns the
// result of its final CQE; the results of the intermediate CQEs are not
// reported to the caller.
func (e *Engine) RecvMultishot(ctx context.Context, fd int, bufGroup uint16, timeout time.Duration, flags uint64) (int32, error) {
	ioFlags, _ := splitFlags(flags)
	return e.do(ctx, timeout, flags, func(r *Ring, tag uint64, sqeFlags uint8) error {
		return withFlags(r, sqeFlags, r.PrepRecvMultishot(fd, bufGroup, int(ioFlags), tag))
	})
}

// Recvmsg receives into msg from fd.
func (e *Engine) Recvmsg(ctx context.Context, fd int, msg *syscall.Msghdr, timeout time.Duration, flags uint64) (int32, error) {
	ioFlags, _ := splitFlags(flags)
	return e.do(ctx, timeout, flags, func(r *Ring, tag uint64, sqeFlags uint8) error {
		return withFlags(r, sqeFlags, r.PrepRecvmsg(fd, msg, int(ioFlags), tag))
	})
}

// Connect connects fd to the address described by addr/addrLen.
func (e *Engine) Connect(ctx context.Context, fd int, addr unsafe.Pointer, addrLen uint32, timeout time.Duration, flags uint64) (int32, error) {
	return e.do(ctx, timeout, flags, func(r *Ring, tag uint64, sqeFlags uint8) error {
		return withFlags(r, sqeFlags, r.PrepConnect(fd, addr, addrLen, tag))
	})
}

// Accept accepts a single connection on fd.
func (e *Engine) Accept(ctx context.Context, fd int, addr unsafe.Pointer, addrLen *uint32, timeout time.Duration, flags uint64) (int32, error) {
	ioFlags, _ := splitFlags(flags)
	return e.do(ctx, timeout, flags, func(r *Ring, tag uint64, sqeFlags uint8) error {
		return withFlags(r, sqeFlags, r.PrepAccept(fd, addr, addrLen, ioFlags, tag))
	})
}

// AcceptMultishot starts a multishot accept on fd: each CQE is one new
// connection's fd until the interest is removed. This is exposed as
// an interest rather than a single AsyncIO call since, unlike the
// other multishot ops, its natural consumer wants a stream of
// results rather than one coordinated wait.
func (e *Engine) AcceptMultishot(fd int32, flags uint64) (<-chan Event, error) {
	ioFlags, sqeFlags := splitFlags(flags)
	key := interestKey{fd: fd, mask: ioFlags | acceptKeyBit}

	e.mu.Lock()
	if _, exists := e.interests[key]; exists {
		e.mu.Unlock()
		return nil, ErrEventExists
	}
	e.mu.Unlock()

	tag := e.newCtx(&asyncCtx{isEvent: true, key: key})
	entry := &interestEntry{key: key, tag: tag, ch: make(chan Event, 16)}

	e.mu.Lock()
	e.interests[key] = entry
	sqe, err := e.ring.GetSQE()
	if err == nil {
		sqe.Opcode = uint8(sys.IORING_OP_ACCEPT)
		sqe.Fd = fd
		sqe.OpFlags = ioFlags
		sqe.Ioprio = uint16(sys.IORING_ACCEPT_MULTISHOT)
		sqe.UserData = tag
		if sqeFlags != 0 {
			sqe.Flags |= sqeFlags
		}
		if e.eager {
			_, err = e.ring.Submit()
		}
	}
	if err != nil {
		delete(e.interests, key)
	}
	e.mu.Unlock()

	if err != nil {
		e.dropCtx(tag)
		return nil, err
	}
	return entry.ch, nil
}

// acceptKeyBit keeps a multishot accept's registry key out of the poll
// interest keyspace for the same fd.
const acceptKeyBit uint32 = 1 << 31

// StopAcceptMultishot cancels a multishot accept started by
// AcceptMultishot with the same fd and flags. The accept SQE's
// -ECANCELED completion evicts the registry entry and closes its
// channel.
func (e *Engine) StopAcceptMultishot(fd int32, flags uint64) error {
	ioFlags, _ := splitFlags(flags)
	key := interestKey{fd: fd, mask: ioFlags | acceptKeyBit}

	e.mu.Lock()
	entry, ok := e.interests[key]
	if !ok {
		e.mu.Unlock()
		return ErrEventNotFound
	}
	err := e.ring.PrepCancel(entry.tag, 0, 0)
	if err == nil && e.eager {
		_, err = e.ring.Submit()
	}
	e.mu.Unlock()

	return err
}

// Fsync flushes fd's data and metadata to storage.
func (e *Engine) Fsync(ctx context.Context, fd int, timeout time.Duration, flags uint64) (int32, error) {
	ioFlags, _ := splitFlags(flags)
	return e.do(ctx, timeout, flags, func(r *Ring, tag uint64, sqeFlags uint8) error {
		return withFlags(r, sqeFlags, r.PrepFsync(fd, ioFlags, tag))
	})
}

// Fdatasync flushes fd's data, but not necessarily its metadata.
func (e *Engine) Fdatasync(ctx context.Context, fd int, timeout time.Duration, flags uint64) (int32, error) {
	ioFlags, _ := splitFlags(flags)
	return e.do(ctx, timeout, flags, func(r *Ring, tag uint64, sqeFlags uint8) error {
		return withFlags(r, sqeFlags, r.PrepFsync(fd, ioFlags|sys.IORING_FSYNC_DATASYNC, tag))
	})
}

// Openat opens path relative to dirfd.
func (e *Engine) Openat(ctx context.Context, dirfd int, path *byte, mode uint32, timeout time.Duration, flags uint64) (int32, error) {
	ioFlags, _ := splitFlags(flags)
	return e.do(ctx, timeout, flags, func(r *Ring, tag uint64, sqeFlags uint8) error {
		return withFlags(r, sqeFlags, r.PrepOpenat(dirfd, path, int(ioFlags), mode, tag))
	})
}

// Mkdirat creates a directory at path relative to dirfd.
func (e *Engine) Mkdirat(ctx context.Context, dirfd int, path *byte, mode uint32, timeout time.Duration, flags uint64) (int32, error) {
	return e.do(ctx, timeout, flags, func(r *Ring, tag uint64, sqeFlags uint8) error {
		return withFlags(r, sqeFlags, r.PrepMkdirat(dirfd, path, mode, tag))
	})
}

// CloseFile closes fd.
func (e *Engine) CloseFile(ctx context.Context, fd int, timeout time.Duration, flags uint64) (int32, error) {
	return e.do(ctx, timeout, flags, func(r *Ring, tag uint64, sqeFlags uint8) error {
		return withFlags(r, sqeFlags, r.PrepClose(fd, tag))
	})
}

// Shutdown shuts down part or all of a full-duplex connection on fd.
func (e *Engine) Shutdown(ctx context.Context, fd int, how int, timeout time.Duration, flags uint64) (int32, error) {
	return e.do(ctx, timeout, flags, func(r *Ring, tag uint64, sqeFlags uint8) error {
		return withFlags(r, sqeFlags, r.PrepShutdown(fd, how, tag))
	})
}

// Socket creates a socket asynchronously, returning its fd in the result.
func (e *Engine) Socket(ctx context.Context, domain, typ, protocol int, timeout time.Duration, flags uint64) (int32, error) {
	return e.do(ctx, timeout, flags, func(r *Ring, tag uint64, sqeFlags uint8) error {
		return withFlags(r, sqeFlags, r.PrepSocket(domain, typ, protocol, tag))
	})
}

// Statx retrieves extended file status for path relative to dirfd.
func (e *Engine) Statx(ctx context.Context, dirfd int, path *byte, mask int, statxbuf unsafe.Pointer, timeout time.Duration, flags uint64) (int32, error) {
	ioFlags, _ := splitFlags(flags)
	return e.do(ctx, timeout, flags, func(r *Ring, tag uint64, sqeFlags uint8) error {
		return withFlags(r, sqeFlags, r.PrepStatx(dirfd, path, int(ioFlags), mask, statxbuf, tag))
	})
}
