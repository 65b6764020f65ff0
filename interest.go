//go:build linux

package uring

// Interest bits accepted by AddInterest. They are translated to poll
// masks through the same events map the source wrapper uses: READ
// becomes POLLIN|POLLRDHUP, WRITE becomes POLLOUT, and POLLERR is
// always armed so error conditions reach the registrant.
const (
	InterestRead  uint32 = 1 << 0
	InterestWrite uint32 = 1 << 1
)

// Poll event bits, as in <poll.h>.
const (
	pollIn    uint32 = 0x0001
	pollOut   uint32 = 0x0004
	pollErr   uint32 = 0x0008
	pollRdHup uint32 = 0x2000
)

func pollMaskFor(interests uint32) uint32 {
	mask := pollErr
	if interests&InterestRead != 0 {
		mask |= pollIn | pollRdHup
	}
	if interests&InterestWrite != 0 {
		mask |= pollOut
	}
	return mask
}

// Event is delivered on an interest's channel each time its fd becomes
// ready for the registered interests. Res carries the raw CQE result:
// the poll revents mask for a poll interest, or the accepted fd for
// AcceptMultishot. On failure Err is set and Res still holds that raw
// result (a negative errno, or a revents mask containing POLLERR).
type Event struct {
	FD   int32
	Mask uint32
	Res  int32
	Err  error
}

// interestKey identifies a registered interest; mirrors the source's
// fdInterest, replacing its custom packed-integer hash with a plain
// Go map key.
type interestKey struct {
	fd   int32
	mask uint32
}

type interestEntry struct {
	key     interestKey
	tag     uint64
	oneShot bool
	ch      chan Event
	err     error
}

// AddInterest registers persistent interest in fd becoming ready for
// interests (InterestRead, InterestWrite, or both), returning a channel
// that receives an Event each time it fires. If oneShot is true the
// interest is delivered at most once and then automatically removed
// (mirroring a plain PrepPollAdd); otherwise it is a multishot poll
// that keeps firing until RmInterest is called. Returns ErrEventExists
// if fd/interests is already registered, matching the source's
// add_interest, which refuses to overwrite an existing entry silently.
func (e *Engine) AddInterest(fd int32, interests uint32, oneShot bool) (<-chan Event, error) {
	key := interestKey{fd: fd, mask: interests}

	e.mu.Lock()
	if _, exists := e.interests[key]; exists {
		e.mu.Unlock()
		return nil, ErrEventExists
	}
	e.mu.Unlock()

	tag := e.newCtx(&asyncCtx{isEvent: true, key: key})
	entry := &interestEntry{key: key, tag: tag, oneShot: oneShot, ch: make(chan Event, 4)}
	mask := pollMaskFor(interests)

	e.mu.Lock()
	e.interests[key] = entry
	var err error
	if oneShot {
		err = e.ring.PrepPollAdd(int(fd), mask, tag)
	} else {
		err = e.ring.PrepPollAddMultishot(int(fd), mask, tag)
	}
	if err == nil && e.eager {
		_, err = e.ring.Submit()
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

// RmInterest removes a previously registered interest, issuing
// IORING_OP_POLL_REMOVE against its SQE. The removal's own CQE carries
// null user-data (nobody waits on it); the poll SQE's -ECANCELED
// completion is what evicts the registry entry. Returns
// ErrEventNotFound if fd/interests isn't registered. Matches the
// source's rm_interest.
func (e *Engine) RmInterest(fd int32, interests uint32) error {
	key := interestKey{fd: fd, mask: interests}

	e.mu.Lock()
	entry, ok := e.interests[key]
	if !ok {
		e.mu.Unlock()
		return ErrEventNotFound
	}
	err := e.ring.PrepPollRemove(entry.tag, 0)
	if err == nil && e.eager {
		_, err = e.ring.Submit()
	}
	e.mu.Unlock()

	return err
}

// removeInterest drops the registry entry and its asyncCtx, and closes
// its channel so range-over-channel readers terminate cleanly. Caller
// must not hold e.mu.
func (e *Engine) removeInterest(key interestKey) {
	e.mu.Lock()
	entry, ok := e.interests[key]
	if ok {
		delete(e.interests, key)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	e.dropCtx(entry.tag)
	close(entry.ch)
}

// deliverInterest sends one Event on entry's channel without blocking
// the reaper forever on a slow consumer: if the channel is full the
// event is dropped, matching the "best effort, keep draining CQEs"
// posture the reaper needs to stay responsive to the rest of the ring.
func (e *Engine) deliverInterest(entry *interestEntry, res int32) {
	ev := Event{FD: entry.key.fd, Mask: entry.key.mask, Res: res, Err: entry.err}
	select {
	case entry.ch <- ev:
	default:
		e.logf("uring: dropped event for fd=%d interests=%#x, consumer too slow", entry.key.fd, entry.key.mask)
	}
}
