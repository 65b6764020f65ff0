//go:build linux

package uring

import (
	"context"
	"syscall"
	"time"

	"github.com/coroio/uring/internal/fiber"
	"github.com/coroio/uring/internal/sys"
)

// asyncCtx is the per-in-flight-operation bookkeeping the reaper uses
// to decide what a CQE means and who it should wake. isCanceller marks
// a secondary SQE riding alongside a primary op — a linked timeout or
// a best-effort ASYNC_CANCEL — rather than the primary op itself;
// isEvent marks a persistent interest registration rather than a
// one-shot operation.
type asyncCtx struct {
	waiter      *fiber.Waiter
	res         int32
	isCanceller bool
	isEvent     bool
	key         interestKey // valid when isEvent
}

// reap drains every currently available CQE, updating the asyncCtx (or
// interestEntry) each one's tag resolves to and waking the waiting
// goroutine exactly once per terminal CQE (a CQE flagged F_MORE only
// records its result). Mirrors the source wrapper's
// reap_events, minus its bounded output batch: deliveries go to
// per-interest channels (see interest.go), so there is no caller
// array to overrun and the drain is always complete. CQEs belonging
// to the engine's own self-poll, its null fallback timer, or a
// zero-copy notification tail carry no waiter and are consumed
// without waking anyone. Only one goroutine may reap a given engine
// at a time; the engine's wait loop is that goroutine.
func (e *Engine) reap() int {
	n := 0
	for {
		userData, res, flags, ok := e.ring.PeekCQE()
		if !ok {
			break
		}

		e.handleCQE(userData, res, flags)

		e.ring.SeenCQE()
		n++
	}
	return n
}

func (e *Engine) handleCQE(userData uint64, res int32, flags uint32) {
	switch userData {
	case 0:
		// Null user-data: the engine's own fallback submit-wait timer
		// (armed by WaitAndFireEvents when the kernel lacks EXT_ARG) or
		// a poll-remove issued by RmInterest. Tag 0 is never handed out
		// by newCtx, so this is unambiguous. Nothing to wake.
		return
	case e.selfTag():
		// The master's own eventfd self-poll fired: CancelWait wrote
		// to it. Drain the counter so the next wakeup isn't spurious;
		// the CQE's only job was to end the blocking wait.
		sys.EventfdRead(e.eventfd)
		if res < 0 {
			e.logf("uring: self-poll eventfd error: %v", syscall.Errno(-res))
		}
		return
	}

	if flags&sys.IORING_CQE_F_NOTIF != 0 {
		// Zero-copy send notification tail: the send's own completion
		// carried F_MORE, so its result was recorded without a wake.
		// This CQE confirms the kernel is done with the buffer and is
		// the terminal CQE of that arm, so it wakes the waiter.
		if res != 0 {
			e.logf("uring: zero-copy notification reported res=%d", res)
		}
		if ctx := e.lookupCtx(userData); ctx != nil && !ctx.isEvent {
			ctx.waiter.Wake(fiber.EOK)
		}
		return
	}

	ctx := e.lookupCtx(userData)
	if ctx == nil {
		// Already resolved and removed by a prior CQE in this same
		// batch (the cancel-dance's other half, or a stray multishot
		// completion after removal); nothing left to do.
		return
	}

	if ctx.isEvent {
		e.handleEventCQE(userData, ctx, res, flags)
		return
	}

	if flags&sys.IORING_CQE_F_MORE != 0 {
		// Still-armed multishot completion on a non-event ctx. Record
		// the result but don't wake: the waiter's accounting counts one
		// wake per SQE arm, and this arm isn't finished yet.
		ctx.res = res
		return
	}

	// A primary op cancelled out from under the caller — by its own
	// linked timeout, a poll-remove, or an async-cancel — reports
	// -ECANCELED; rewrite it to the errno callers actually expect.
	// Every terminal CQE then wakes the waiter exactly once, canceller
	// arms included: AsyncIO counts wakes to know when every arm of a
	// linked pair or cancel dance has drained.
	if !ctx.isCanceller && res == -int32(syscall.ECANCELED) {
		res = -int32(syscall.ETIMEDOUT)
	}
	ctx.res = res
	ctx.waiter.Wake(fiber.EOK)
}

func (e *Engine) handleEventCQE(userData uint64, ctx *asyncCtx, res int32, flags uint32) {
	e.mu.Lock()
	entry := e.interests[ctx.key]
	e.mu.Unlock()
	if entry == nil {
		return
	}

	if res == -int32(syscall.ECANCELED) {
		e.removeInterest(entry.key)
		return
	}
	if res >= 0 && entry.key.mask&acceptKeyBit == 0 && uint32(res)&pollErr != 0 {
		// Terminal error on this interest only; the source aborts the
		// process here, but a poll error is the registrant's problem,
		// not the engine's.
		entry.err = ErrMultishotPollError
		e.deliverInterest(entry, res)
		e.removeInterest(entry.key)
		return
	}
	if res < 0 {
		entry.err = ResultError(res)
		e.deliverInterest(entry, res)
		e.removeInterest(entry.key)
		return
	}

	e.deliverInterest(entry, res)
	if entry.oneShot || flags&sys.IORING_CQE_F_MORE == 0 {
		e.removeInterest(entry.key)
	}
}

// WaitAndFireEvents is the Master engine's blocking wait: submit
// pending SQEs, wait up to timeout for at least one completion (via
// IORING_ENTER_EXT_ARG when available, otherwise an explicit timeout
// SQE), then reap. Matches the source's wait_and_fire_events.
func (e *Engine) WaitAndFireEvents(timeout time.Duration) error {
	if e.role != RoleMaster {
		return ErrNotSupported
	}

	var tsPtr *sys.Timespec
	var ts sys.Timespec
	if timeout >= 0 {
		ts = sys.Timespec{Sec: int64(timeout / time.Second), Nsec: int64(timeout % time.Second)}
		tsPtr = &ts
	}

	_, err := e.ring.SubmitAndWaitTimeout(1, tsPtr)
	if err == ErrNotSupported {
		// Kernel lacks EXT_ARG; fall back to an explicit timeout SQE
		// with null user-data wired to submit_and_wait(1), the same
		// fallback the source's submit_wait_by_timer path uses.
		if tsPtr != nil {
			e.mu.Lock()
			_ = e.ring.PrepTimeout(tsPtr, 0, 0, 0)
			e.mu.Unlock()
		}
		_, err = e.ring.SubmitAndWait(1)
	}

	if err != nil && err != syscall.ETIME && err != syscall.EINTR {
		return err
	}

	e.reap()
	return nil
}

// WaitForFdReadable parks the calling goroutine until fd is readable
// (or errored, or timeout elapses), via a one-shot POLL_ADD through
// this engine's ring. This is the master-engine primitive a cascading
// engine's wait delegates to.
func (e *Engine) WaitForFdReadable(ctx context.Context, fd int, timeout time.Duration) error {
	_, err := e.AsyncIO(ctx, func(r *Ring, tag uint64) error {
		return r.PrepPollAdd(fd, pollIn|pollRdHup|pollErr, tag)
	}, timeout)
	return err
}

// WaitForEvents is a Cascading engine's blocking wait: submit anything
// pending, block until this engine's eventfd signals a completion
// (delegating the block to the configured Master's WaitForFdReadable
// when one was wired in, the way the source's wait_for_events leans on
// the process master engine), drain the eventfd counter, and reap.
func (e *Engine) WaitForEvents(timeout time.Duration) error {
	if e.role != RoleCascading {
		return ErrNotSupported
	}

	if e.ring.SQReady() > 0 {
		e.ring.Submit()
	}

	if e.master != nil {
		err := e.master.WaitForFdReadable(context.Background(), e.eventfd, timeout)
		if err != nil && err != syscall.ETIMEDOUT {
			return err
		}
	}

	if _, err := sys.EventfdRead(e.eventfd); err != nil && err != syscall.EAGAIN {
		return err
	}

	e.reap()
	return nil
}

// CancelWait interrupts a blocked WaitAndFireEvents/WaitForEvents call
// from another goroutine by writing to the engine's eventfd. Matches
// the source's cancel_wait.
func (e *Engine) CancelWait() error {
	return sys.EventfdWrite(e.eventfd, 1)
}
