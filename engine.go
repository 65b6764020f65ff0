//go:build linux

package uring

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/coroio/uring/internal/kernelver"
	"github.com/coroio/uring/internal/sys"
)

// Role distinguishes the one engine that drives the process's central
// wait loop (Master) from engines whose completions merely need to
// wake that loop up (Cascading). Exactly one Master should exist per
// event-waiting domain; any number of Cascading engines can feed it.
type Role int

const (
	// RoleMaster owns the blocking wait: WaitAndFireEvents parks on its
	// own eventfd via a multishot poll whose completions are also fed
	// through the Master's own reaper.
	RoleMaster Role = 1
	// RoleCascading registers its eventfd with the kernel so that any
	// completion signals it; with Config.Master set, WaitForEvents
	// blocks on that eventfd through the Master's WaitForFdReadable.
	// WaitForEvents drains its own eventfd and reaps. It is the zero
	// Role.
	RoleCascading Role = 0
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleCascading:
		return "cascading"
	default:
		return "unknown"
	}
}

// RegisterFilesMax bounds the size of the fixed-file table an Engine
// will install. Matches the sparse-table cap the wrapper's init()
// uses to keep registration cheap while leaving headroom for direct
// descriptors handed out by the kernel.
const RegisterFilesMax = 10000

// sparseFD is the sentinel value for an unused fixed-file slot.
const sparseFD int32 = -1

// Config configures Engine construction. The zero value is a sane
// Cascading engine with no fixed-file table and the default queue depth.
type Config struct {
	// Entries is the submission/completion queue depth. Defaults to
	// DefaultQueueDepth if zero.
	Entries uint32
	// Role selects Master or Cascading wiring.
	Role Role
	// RegisterFiles installs a sparse fixed-file table of size
	// RegisterFilesMax when the kernel supports it (>= 5.5). Ignored,
	// without error, on kernels that don't.
	RegisterFiles bool
	// SQPoll, SQPollCPU, SQPollIdle mirror the matching Ring Options.
	SQPoll     bool
	SQPollCPU  *uint32
	SQPollIdle uint32
	// IOPoll enables busy-poll completion mode (IORING_SETUP_IOPOLL).
	IOPoll bool
	// EagerSubmit submits SQEs to the kernel as each operation is
	// prepared, instead of batching them until the next blocking wait.
	EagerSubmit bool
	// Master, for a Cascading engine, is the engine whose wait loop
	// this engine's eventfd cascades into. When set, WaitForEvents
	// blocks on the Master's readability wait for the eventfd instead
	// of draining it opportunistically.
	Master *Engine
	// Logger receives diagnostic messages; nil disables logging.
	Logger Logger
}

// DefaultQueueDepth matches the source wrapper's QUEUE_DEPTH.
const DefaultQueueDepth = 16384

// Engine is the asynchronous I/O engine built on a Ring: it owns the
// kernel-feature-aware setup retry ladder, the eventfd used for
// cross-engine wakeups, the interest registry, the fixed-file table,
// and the CQE reaper. AsyncIO, AddInterest, WaitAndFireEvents and
// friends are all methods on *Engine, not *Ring.
type Engine struct {
	ring   *Ring
	role   Role
	log    Logger
	eager  bool
	master *Engine

	eventfd int

	// interest registry (see interest.go)
	mu        sync.Mutex
	interests map[interestKey]*interestEntry

	// in-flight async-IO contexts, keyed by the tag handed out as the
	// SQE's user-data so a strong Go reference survives the round trip
	// through the kernel (see asyncio.go, reap.go).
	ctxMu   sync.Mutex
	ctxs    map[uint64]*asyncCtx
	nextTag uint64

	// fixed-file table (see fixedfiles.go)
	filesEnabled bool
	fixedFiles   []int32

	closed bool
}

// NewEngine builds an Engine per cfg, running the same init retry
// ladder the source wrapper runs: construct with the requested flags,
// and on EINVAL progressively strip DEFER_TASKRUN+SINGLE_ISSUER, then
// COOP_TASKRUN, then CQSIZE, retrying io_uring_setup each time, since
// older kernels reject setup flag combinations the caller has no way
// to probe for up front.
func NewEngine(cfg Config) (*Engine, error) {
	entries := cfg.Entries
	if entries == 0 {
		entries = DefaultQueueDepth
	}

	_, coopTaskrun, _, needsMemlockRaise := kernelver.Flags()
	if needsMemlockRaise {
		// Pre-5.11 kernels charge ring memory against RLIMIT_MEMLOCK.
		lim := unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}
		if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &lim); err != nil && cfg.Logger != nil {
			cfg.Logger.Printf("uring: raising RLIMIT_MEMLOCK failed: %v", err)
		}
	}

	var params sys.Params
	params.Flags |= sys.IORING_SETUP_DEFER_TASKRUN | sys.IORING_SETUP_SINGLE_ISSUER
	if coopTaskrun {
		params.Flags |= sys.IORING_SETUP_COOP_TASKRUN
	}
	if cfg.IOPoll {
		params.Flags |= sys.IORING_SETUP_IOPOLL
	}
	if cfg.SQPoll {
		params.Flags |= sys.IORING_SETUP_SQPOLL
		if cfg.SQPollCPU != nil {
			params.Flags |= sys.IORING_SETUP_SQ_AFF
			params.SQThreadCPU = *cfg.SQPollCPU
		}
		params.SQThreadIdle = cfg.SQPollIdle
	}

	ring, err := buildRingWithFallback(entries, params)
	if err != nil {
		return nil, fmt.Errorf("uring: ring setup: %w", err)
	}

	// Every feature the engine leans on must be present:
	// CUR_PERSONALITY, NODROP, FAST_POLL, EXT_ARG, RW_CUR_POS.
	if !ring.HasCurPersonality() || !ring.HasNoDrop() || !ring.HasFastPoll() ||
		!ring.HasExtArg() || !ring.HasRWCurPos() {
		ring.Close()
		return nil, fmt.Errorf("%w: kernel missing a required io_uring feature", ErrNotSupported)
	}

	probe, err := ring.Probe()
	if err != nil {
		ring.Close()
		return nil, fmt.Errorf("uring: probe: %w", err)
	}
	for _, op := range []sys.Op{sys.IORING_OP_PROVIDE_BUFFERS, sys.IORING_OP_ASYNC_CANCEL} {
		if !probe.SupportsOp(op) {
			ring.Close()
			return nil, fmt.Errorf("%w: kernel does not support opcode %d", ErrNotSupported, op)
		}
	}

	if err := ring.registerRingFd(); err != nil {
		ring.Close()
		return nil, fmt.Errorf("uring: register ring fd: %w", err)
	}

	e := &Engine{
		ring:      ring,
		role:      cfg.Role,
		log:       cfg.Logger,
		eager:     cfg.EagerSubmit,
		master:    cfg.Master,
		interests: make(map[interestKey]*interestEntry),
		ctxs:      make(map[uint64]*asyncCtx),
		nextTag:   1,
	}

	registerFiles, _, _, _ := kernelver.Flags()
	if cfg.RegisterFiles && registerFiles {
		if err := e.installSparseFiles(RegisterFilesMax); err != nil {
			e.logf("uring: sparse fixed-file table install failed: %v", err)
		} else {
			e.filesEnabled = true
		}
	}

	efd, err := sys.Eventfd()
	if err != nil {
		ring.Close()
		return nil, fmt.Errorf("uring: eventfd: %w", err)
	}
	e.eventfd = efd

	switch cfg.Role {
	case RoleMaster:
		if err := e.armSelfPoll(); err != nil {
			syscall.Close(efd)
			ring.Close()
			return nil, fmt.Errorf("uring: master self-poll: %w", err)
		}
	case RoleCascading:
		if err := ring.RegisterEventfd(efd); err != nil {
			syscall.Close(efd)
			ring.Close()
			return nil, fmt.Errorf("uring: register eventfd: %w", err)
		}
	}

	e.debugf("uring: engine up: role=%s entries=%d features=%#x", e.role, entries, ring.features)
	return e, nil
}

// buildRingWithFallback implements the EINVAL-triggered flag-stripping
// ladder: DEFER_TASKRUN+SINGLE_ISSUER, then COOP_TASKRUN, then CQSIZE.
func buildRingWithFallback(entries uint32, params sys.Params) (*Ring, error) {
	ring, err := newRing(entries, params)
	if err == nil {
		return ring, nil
	}
	if err != syscall.EINVAL {
		return nil, err
	}

	params.Flags &^= sys.IORING_SETUP_DEFER_TASKRUN | sys.IORING_SETUP_SINGLE_ISSUER
	ring, err = newRing(entries, params)
	if err == nil {
		return ring, nil
	}
	if err != syscall.EINVAL {
		return nil, err
	}

	params.Flags &^= sys.IORING_SETUP_COOP_TASKRUN
	ring, err = newRing(entries, params)
	if err == nil {
		return ring, nil
	}
	if err != syscall.EINVAL {
		return nil, err
	}

	params.Flags &^= sys.IORING_SETUP_CQSIZE
	params.CQEntries = 0
	return newRing(entries, params)
}

// selfTag is the user-data value Master engines arm their own
// self-poll SQE with: the Engine's own address, used as a sentinel so
// the reaper can recognize "this CQE is the self-wakeup poll, not a
// caller's completion" without a side table.
func (e *Engine) selfTag() uint64 {
	return uint64(uintptr(unsafe.Pointer(e)))
}

func (e *Engine) armSelfPoll() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ring.PrepPollAddMultishot(e.eventfd, pollIn, e.selfTag()); err != nil {
		return err
	}
	_, err := e.ring.Submit()
	return err
}

// Role reports whether this Engine is Master or Cascading.
func (e *Engine) Role() Role { return e.role }

// Fd returns the ring's file descriptor.
func (e *Engine) Fd() int { return e.ring.Fd() }

// Ring exposes the underlying Ring for direct SQE/CQE access when a
// caller needs something no Engine method wraps.
func (e *Engine) Ring() *Ring { return e.ring }

// FilesEnabled reports whether a fixed-file table was installed.
func (e *Engine) FilesEnabled() bool { return e.filesEnabled }

func (e *Engine) logf(format string, args ...any) {
	if e.log != nil {
		e.log.Printf(format, args...)
	}
}

func (e *Engine) debugf(format string, args ...any) {
	if e.log != nil {
		e.log.Debugf(format, args...)
	}
}

// Close tears down the engine: closes the eventfd, then the ring.
// Idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	syscall.Close(e.eventfd)
	return e.ring.Close()
}
