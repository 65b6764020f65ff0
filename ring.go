//go:build linux

// Package uring implements an asynchronous I/O engine on top of Linux
// io_uring: kernel-feature probing, ring setup with fallback, an
// async-IO coordinator that suspends the calling goroutine until its
// completion is reaped, an interest registry for persistent fd events,
// and a fixed-file table. See Engine for the entry point.
package uring

import (
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/coroio/uring/internal/sys"
)

// Timespec is a time specification for timeout operations.
type Timespec = sys.Timespec

// Ring is the mmap'd submission/completion queue pair backing an
// Engine. It is the direct analogue of the source's io_uring_queue_init
// plus the mmap'd SQ/CQ arrays; Engine adds the role, eventfd, and
// registry on top of it.
type Ring struct {
	fd       int
	params   sys.Params
	features uint32

	// Submission queue
	sqEntries uint32
	sqMask    uint32
	sqHead    *uint32
	sqTail    *uint32
	sqFlags   *uint32
	sqDropped *uint32
	sqArray   []uint32
	sqes      []sys.SQE
	sqesMmap  []byte

	sqRing []byte
	cqRing []byte

	// Completion queue
	cqEntries  uint32
	cqMask     uint32
	cqHead     *uint32
	cqTail     *uint32
	cqFlags    *uint32
	cqOverflow *uint32
	cqes       []sys.CQE

	sqLock    sync.Mutex
	sqPending uint32
	closed    atomic.Bool
}

// Option configures ring setup.
type Option func(*sys.Params)

// WithSQPoll enables kernel-side SQ polling.
func WithSQPoll() Option {
	return func(p *sys.Params) { p.Flags |= sys.IORING_SETUP_SQPOLL }
}

// WithSQPollCPU pins the SQPOLL kernel thread to a specific CPU.
func WithSQPollCPU(cpu uint32) Option {
	return func(p *sys.Params) {
		p.Flags |= sys.IORING_SETUP_SQ_AFF
		p.SQThreadCPU = cpu
	}
}

// WithSQPollIdle sets the idle timeout (milliseconds) for the SQPOLL thread.
func WithSQPollIdle(ms uint32) Option {
	return func(p *sys.Params) { p.SQThreadIdle = ms }
}

// WithIOPoll enables I/O polling for completions.
func WithIOPoll() Option {
	return func(p *sys.Params) { p.Flags |= sys.IORING_SETUP_IOPOLL }
}

// WithCQSize sets a custom completion queue size.
func WithCQSize(size uint32) Option {
	return func(p *sys.Params) {
		p.Flags |= sys.IORING_SETUP_CQSIZE
		p.CQEntries = size
	}
}

// WithSingleIssuer indicates only one goroutine will submit to this ring.
func WithSingleIssuer() Option {
	return func(p *sys.Params) { p.Flags |= sys.IORING_SETUP_SINGLE_ISSUER }
}

// WithDeferTaskrun defers task work until the next io_uring_enter call.
// Requires WithSingleIssuer; the flag is set alongside it automatically.
func WithDeferTaskrun() Option {
	return func(p *sys.Params) {
		p.Flags |= sys.IORING_SETUP_DEFER_TASKRUN | sys.IORING_SETUP_SINGLE_ISSUER
	}
}

// WithCoopTaskrun enables cooperative task running.
func WithCoopTaskrun() Option {
	return func(p *sys.Params) { p.Flags |= sys.IORING_SETUP_COOP_TASKRUN }
}

// WithFlags ORs arbitrary setup flags into the params.
func WithFlags(flags uint32) Option {
	return func(p *sys.Params) { p.Flags |= flags }
}

// newRing creates the mmap'd ring with the given entry count and
// already-built params. Unlike a plain constructor, params is passed
// in rather than assembled here, so the engine's ring builder can
// retry with a stripped-down params on EINVAL without tearing down
// and rebuilding the Option chain.
func newRing(entries uint32, params sys.Params) (*Ring, error) {
	if entries == 0 {
		return nil, syscall.EINVAL
	}

	fd, err := sys.Setup(entries, &params)
	if err != nil {
		return nil, err
	}

	r := &Ring{fd: fd, params: params, features: params.Features}
	if err := r.mapRings(); err != nil {
		syscall.Close(fd)
		return nil, err
	}
	return r, nil
}

// New creates a standalone ring with no engine-level retry ladder or
// role wiring. Useful for tests and callers who only need raw SQE/CQE
// access; most callers want NewEngine instead.
func New(entries uint32, opts ...Option) (*Ring, error) {
	var params sys.Params
	for _, opt := range opts {
		opt(&params)
	}
	return newRing(entries, params)
}

func (r *Ring) mapRings() error {
	p := &r.params

	sqRingSize := p.SQOff.Array + p.SQEntries*4
	cqRingSize := p.CQOff.CQEs + p.CQEntries*uint32(unsafe.Sizeof(sys.CQE{}))

	singleMmap := r.HasSingleMmap()
	if singleMmap && cqRingSize > sqRingSize {
		sqRingSize = cqRingSize
	}

	var err error
	r.sqRing, err = sys.Mmap(r.fd, sys.IORING_OFF_SQ_RING, int(sqRingSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE)
	if err != nil {
		return err
	}

	if singleMmap {
		r.cqRing = r.sqRing
	} else {
		r.cqRing, err = sys.Mmap(r.fd, sys.IORING_OFF_CQ_RING, int(cqRingSize),
			syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE)
		if err != nil {
			sys.Munmap(r.sqRing)
			return err
		}
	}

	sqeSize := p.SQEntries * uint32(unsafe.Sizeof(sys.SQE{}))
	r.sqesMmap, err = sys.Mmap(r.fd, sys.IORING_OFF_SQES, int(sqeSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE)
	if err != nil {
		if !singleMmap {
			sys.Munmap(r.cqRing)
		}
		sys.Munmap(r.sqRing)
		return err
	}

	r.sqEntries = *(*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.RingEntries]))
	r.sqMask = *(*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.RingMask]))
	r.sqHead = (*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.Head]))
	r.sqTail = (*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.Tail]))
	r.sqFlags = (*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.Flags]))
	r.sqDropped = (*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.Dropped]))

	sqArrayPtr := unsafe.Pointer(&r.sqRing[p.SQOff.Array])
	r.sqArray = unsafe.Slice((*uint32)(sqArrayPtr), r.sqEntries)

	sqesPtr := unsafe.Pointer(&r.sqesMmap[0])
	r.sqes = unsafe.Slice((*sys.SQE)(sqesPtr), p.SQEntries)

	r.cqEntries = *(*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.RingEntries]))
	r.cqMask = *(*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.RingMask]))
	r.cqHead = (*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.Head]))
	r.cqTail = (*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.Tail]))
	r.cqFlags = (*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.Flags]))
	r.cqOverflow = (*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.Overflow]))

	cqesPtr := unsafe.Pointer(&r.cqRing[p.CQOff.CQEs])
	r.cqes = unsafe.Slice((*sys.CQE)(cqesPtr), r.cqEntries)

	return nil
}

// Close closes the ring and releases all mapped resources. Idempotent.
func (r *Ring) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	if !r.HasSingleMmap() && r.cqRing != nil {
		sys.Munmap(r.cqRing)
	}
	if r.sqRing != nil {
		sys.Munmap(r.sqRing)
	}
	if r.sqesMmap != nil {
		sys.Munmap(r.sqesMmap)
	}
	return syscall.Close(r.fd)
}

func (r *Ring) Fd() int                     { return r.fd }
func (r *Ring) Features() uint32            { return r.features }
func (r *Ring) HasFeature(feat uint32) bool { return r.features&feat != 0 }
func (r *Ring) SQEntries() uint32           { return r.sqEntries }
func (r *Ring) CQEntries() uint32           { return r.cqEntries }

// SQReady returns the number of SQEs claimed via getSQE but not yet
// made visible to the kernel by Submit/SubmitAndWait.
func (r *Ring) SQReady() uint32 {
	r.sqLock.Lock()
	defer r.sqLock.Unlock()
	return r.sqPending
}

// SQSpace returns the number of free slots left in the submission queue.
func (r *Ring) SQSpace() uint32 {
	head := atomic.LoadUint32(r.sqHead)
	tail := atomic.LoadUint32(r.sqTail)
	return r.sqEntries - (tail - head)
}

// CQReady returns the number of completions waiting to be drained.
func (r *Ring) CQReady() uint32 {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	return tail - head
}

func (r *Ring) needsWakeup() bool {
	if r.params.Flags&sys.IORING_SETUP_SQPOLL == 0 {
		return false
	}
	return atomic.LoadUint32(r.sqFlags)&sys.IORING_SQ_NEED_WAKEUP != 0
}

// getSQE claims the next free submission queue entry, linking it into
// the SQ array so the next Submit call picks it up, or returns nil if
// the submission queue is full. This is the single gateway every
// Prep* builder and the async-IO coordinator goes through.
// NOT thread-safe; caller must hold sqLock.
func (r *Ring) getSQE() *sys.SQE {
	head := atomic.LoadUint32(r.sqHead)
	tail := atomic.LoadUint32(r.sqTail) + r.sqPending
	if tail-head >= r.sqEntries {
		return nil
	}

	idx := tail & r.sqMask
	sqe := &r.sqes[idx]
	sqe.Reset()
	r.sqArray[idx] = idx
	r.sqPending++
	return sqe
}

// GetSQE is the exported form of getSQE, for callers composing raw
// SQEs directly instead of going through a Prep* builder.
func (r *Ring) GetSQE() (*sys.SQE, error) {
	if r.closed.Load() {
		return nil, ErrRingClosed
	}
	r.sqLock.Lock()
	sqe := r.getSQE()
	r.sqLock.Unlock()
	if sqe == nil {
		return nil, ErrSQFull
	}
	return sqe, nil
}

// Submit submits all pending SQEs to the kernel without waiting for
// completions. Returns the number of SQEs submitted.
func (r *Ring) Submit() (int, error) {
	if r.closed.Load() {
		return 0, ErrRingClosed
	}

	r.sqLock.Lock()
	submitted := r.sqPending
	if submitted == 0 {
		r.sqLock.Unlock()
		return 0, nil
	}
	tail := atomic.LoadUint32(r.sqTail)
	atomic.StoreUint32(r.sqTail, tail+submitted)
	r.sqPending = 0
	r.sqLock.Unlock()

	var flags uint32
	if r.needsWakeup() {
		flags |= sys.IORING_ENTER_SQ_WAKEUP
	}
	if r.params.Flags&sys.IORING_SETUP_SQPOLL != 0 && flags == 0 {
		return int(submitted), nil
	}

	n, err := sys.Enter(r.fd, submitted, 0, flags, nil)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// SubmitAndWait submits pending SQEs and waits for at least n completions.
func (r *Ring) SubmitAndWait(n uint32) (int, error) {
	if r.closed.Load() {
		return 0, ErrRingClosed
	}

	r.sqLock.Lock()
	submitted := r.sqPending
	if submitted > 0 {
		tail := atomic.LoadUint32(r.sqTail)
		atomic.StoreUint32(r.sqTail, tail+submitted)
		r.sqPending = 0
	}
	r.sqLock.Unlock()

	flags := sys.IORING_ENTER_GETEVENTS
	if r.needsWakeup() {
		flags |= sys.IORING_ENTER_SQ_WAKEUP
	}

	result, err := sys.Enter(r.fd, submitted, n, flags, nil)
	if err != nil {
		return 0, err
	}
	return result, nil
}

// SubmitAndWaitTimeout submits pending SQEs and waits for at least n
// completions or until timeout elapses, using IORING_ENTER_EXT_ARG
// when the kernel supports it (IORING_FEAT_EXT_ARG) and returning
// ErrNotSupported otherwise so the caller can fall back to an explicit
// timeout SQE plus SubmitAndWait. A nil ts waits without a timeout.
func (r *Ring) SubmitAndWaitTimeout(n uint32, ts *sys.Timespec) (int, error) {
	if r.closed.Load() {
		return 0, ErrRingClosed
	}
	if ts == nil {
		return r.SubmitAndWait(n)
	}
	if !r.HasExtArg() {
		return 0, ErrNotSupported
	}

	r.sqLock.Lock()
	submitted := r.sqPending
	if submitted > 0 {
		tail := atomic.LoadUint32(r.sqTail)
		atomic.StoreUint32(r.sqTail, tail+submitted)
		r.sqPending = 0
	}
	r.sqLock.Unlock()

	arg := sys.GetEventsArg{Ts: uint64(uintptr(unsafe.Pointer(ts)))}
	flags := sys.IORING_ENTER_GETEVENTS
	if r.needsWakeup() {
		flags |= sys.IORING_ENTER_SQ_WAKEUP
	}
	result, err := sys.EnterExt(r.fd, submitted, n, flags, &arg)
	if err != nil {
		return 0, err
	}
	return result, nil
}

// RegisterEventfd registers an eventfd for completion notification.
func (r *Ring) RegisterEventfd(eventfd int) error {
	return sys.RegisterEventfd(r.fd, eventfd)
}

// UnregisterEventfd removes the registered eventfd.
func (r *Ring) UnregisterEventfd() error {
	return sys.UnregisterEventfd(r.fd)
}

// RegisterBuffers registers fixed buffers for I/O operations.
func (r *Ring) RegisterBuffers(bufs [][]byte) error {
	if len(bufs) == 0 {
		return syscall.EINVAL
	}
	iovecs := make([]syscall.Iovec, len(bufs))
	for i, buf := range bufs {
		if len(buf) > 0 {
			iovecs[i].Base = &buf[0]
			iovecs[i].Len = uint64(len(buf))
		}
	}
	return sys.RegisterBuffers(r.fd, iovecs)
}

// UnregisterBuffers removes registered buffers.
func (r *Ring) UnregisterBuffers() error {
	return sys.UnregisterBuffers(r.fd)
}

// RegisterFiles installs a plain (non-sparse) fixed-file table from
// fds. Engine's fixed-file table (see fixedfiles.go) instead installs
// a sparse table it can update incrementally; this method is the
// direct, whole-table Ring-level registration for callers that don't
// need per-slot churn.
func (r *Ring) RegisterFiles(fds []int) error {
	fds32 := make([]int32, len(fds))
	for i, fd := range fds {
		fds32[i] = int32(fd)
	}
	return sys.RegisterFiles(r.fd, fds32)
}

// UnregisterFiles removes a table installed by RegisterFiles.
func (r *Ring) UnregisterFiles() error {
	return sys.UnregisterFiles(r.fd)
}

// registerRingFd registers this ring's fd with the kernel
// (IORING_REGISTER_RING_FDS, kernel >= 5.18), letting the kernel pick
// the slot. Lack of support is not fatal — EINVAL is swallowed. The
// registered index is not kept: io_uring_enter calls here always pass
// the plain fd.
func (r *Ring) registerRingFd() error {
	// struct io_uring_rsrc_update
	type ringFdUpdate struct {
		offset uint32
		resv   uint32
		data   uint64
	}
	upd := ringFdUpdate{offset: ^uint32(0), data: uint64(r.fd)}
	err := sys.Register(r.fd, sys.IORING_REGISTER_RING_FDS, unsafe.Pointer(&upd), 1)
	if err != nil && err != syscall.EINVAL {
		return err
	}
	return nil
}
