package uring

import "errors"

// Sentinel errors returned by Ring and Engine methods. Kernel-reported
// failures surface as syscall.Errno instead (see ResultError); these
// cover conditions this package itself detects.
var (
	ErrRingClosed         = errors.New("uring: ring closed")
	ErrSQFull             = errors.New("uring: submission queue full")
	ErrCQOverflow         = errors.New("uring: completion queue overflow")
	ErrNotSupported       = errors.New("uring: operation not supported on this kernel")
	ErrEventExists        = errors.New("uring: interest already registered")
	ErrEventNotFound      = errors.New("uring: interest not found")
	ErrMultishotPollError = errors.New("uring: multishot poll reported POLLERR")
)
