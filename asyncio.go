//go:build linux

package uring

import (
	"context"
	"time"

	"github.com/coroio/uring/internal/fiber"
	"github.com/coroio/uring/internal/sys"
)

// PrepFunc prepares one SQE on r, stamping it with tag as user-data.
// Every opcode wrapper in ops.go is built as a PrepFunc closure handed
// to AsyncIO.
type PrepFunc func(r *Ring, tag uint64) error

// NoTimeout tells AsyncIO not to attach a linked timeout SQE: the
// operation waits until it completes, is cancelled, or the context is
// done.
const NoTimeout time.Duration = -1

func (e *Engine) newCtx(c *asyncCtx) uint64 {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	tag := e.nextTag
	e.nextTag++
	e.ctxs[tag] = c
	return tag
}

func (e *Engine) lookupCtx(tag uint64) *asyncCtx {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	return e.ctxs[tag]
}

func (e *Engine) dropCtx(tag uint64) *asyncCtx {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	c := e.ctxs[tag]
	delete(e.ctxs, tag)
	return c
}

// AsyncIO is the engine's central coordination primitive: it builds
// one primary SQE via prep, optionally links a timeout SQE after it,
// submits (eagerly or at the next blocking wait, per configuration),
// and suspends the calling goroutine until the reaper (see reap.go)
// delivers a result. If ctx is cancelled before the operation
// completes, AsyncIO issues a best-effort IORING_OP_ASYNC_CANCEL
// against the primary SQE and waits for that round trip to resolve
// before returning ctx.Err().
//
// This mirrors the source wrapper's async_io/_async_io: the "sleep
// until interrupted, then decide whether the wake was a normal
// completion or an external interrupt" shape translates directly to a
// select between the fiber Waiter's channel and ctx.Done().
//
// The reaper wakes the Waiter once per CQE belonging to this
// operation, so the caller knows exactly how many wakes it is owed:
// one for the primary SQE, plus one for the linked timeout if armed,
// plus one for the canceller if the cancel path runs. Draining all of
// them before touching results means every arm's CQE has been
// observed — the linked pair can complete in either ring order and the
// primary's result slot is final by the time it is read.
func (e *Engine) AsyncIO(ctx context.Context, prep PrepFunc, timeout time.Duration) (int32, error) {
	if e.closed {
		return 0, ErrRingClosed
	}

	w := fiber.New()
	primaryTag := e.newCtx(&asyncCtx{waiter: w})

	hasTimer := timeout >= 0
	var timerTag uint64
	if hasTimer {
		timerTag = e.newCtx(&asyncCtx{waiter: w, isCanceller: true})
	}

	e.mu.Lock()
	err := prep(e.ring, primaryTag)
	if err == nil && hasTimer {
		e.ring.SetSQELink()
		ts := sys.Timespec{
			Sec:  int64(timeout / time.Second),
			Nsec: int64(timeout % time.Second),
		}
		err = e.ring.PrepLinkTimeout(&ts, 0, timerTag)
	}
	if err == nil && e.eager {
		_, err = e.ring.Submit()
	}
	e.mu.Unlock()

	if err != nil {
		e.dropCtx(primaryTag)
		if hasTimer {
			e.dropCtx(timerTag)
		}
		return 0, err
	}

	select {
	case <-w.C():
		if hasTimer {
			// The linked pair always posts two CQEs; wait for the
			// second so the primary's result slot is settled whichever
			// arm the reaper saw first.
			<-w.C()
		}
		c := e.dropCtx(primaryTag)
		if hasTimer {
			e.dropCtx(timerTag)
		}
		return c.res, ResultError(c.res)
	case <-ctx.Done():
		return e.cancelAndWait(w, primaryTag, timerTag, hasTimer, ctx.Err())
	}
}

// cancelAndWait implements the external-interrupt branch: best-effort
// cancel the primary op, then stay parked until every outstanding arm's
// CQE has drained. The canceller context lives in the engine's ctx map,
// not on this frame alone, so even if the kernel's cancel CQE raced a
// reschedule there is no dangling reference once this returns.
func (e *Engine) cancelAndWait(w *fiber.Waiter, primaryTag, timerTag uint64, hasTimer bool, cause error) (int32, error) {
	cancelTag := e.newCtx(&asyncCtx{waiter: w, isCanceller: true})

	e.mu.Lock()
	err := e.ring.PrepCancel(primaryTag, 0, cancelTag)
	if err == nil {
		// Submit unconditionally even in lazy mode: the caller is
		// already unwinding and must not depend on a future wait loop
		// to get the cancel (and, in lazy mode, the primary itself)
		// in front of the kernel.
		_, err = e.ring.Submit()
	}
	e.mu.Unlock()

	if err != nil {
		e.dropCtx(cancelTag)
		e.dropCtx(primaryTag)
		if hasTimer {
			e.dropCtx(timerTag)
		}
		return 0, err
	}

	// One wake per arm: primary (completed, or -ECANCELED), canceller
	// (done, or -ENOENT if the op finished first), and the linked
	// timeout if one was armed. Some may already be buffered from
	// before ctx fired; the count is the same either way.
	pending := 2
	if hasTimer {
		pending = 3
	}
	for i := 0; i < pending; i++ {
		<-w.C()
	}

	e.dropCtx(cancelTag)
	e.dropCtx(primaryTag)
	if hasTimer {
		e.dropCtx(timerTag)
	}

	// The interrupt wins regardless of how the race resolved, matching
	// the source's "restore saved errno and return -1".
	return -1, cause
}
