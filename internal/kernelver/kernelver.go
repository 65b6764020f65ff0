// Package kernelver probes the running kernel's release once per
// process and memoizes the tri-state setup decisions that depend on it:
// whether fixed-file registration is worth enabling, whether the
// cooperative-taskrun setup flag is supported, and which submit-and-wait
// strategy the ring builder should use.
package kernelver

import (
	"strconv"
	"strings"
	"sync"

	"github.com/coroio/uring/internal/sys"
)

// Compare parses two dotted version strings (e.g. "5.15", "5.15.3-generic")
// and reports -1, 0, or 1 as a < b, a == b, a > b, comparing only the
// leading numeric components.
func Compare(a, b string) int {
	pa := numericParts(a)
	pb := numericParts(b)
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var x, y int
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

func numericParts(v string) []int {
	// Cut at the first run of non-numeric-dot characters (e.g.
	// "6.8.0-generic" -> "6.8.0").
	end := len(v)
	for i, r := range v {
		if (r < '0' || r > '9') && r != '.' {
			end = i
			break
		}
	}
	fields := strings.Split(v[:end], ".")
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			break
		}
		out = append(out, n)
	}
	return out
}

// Running returns the running kernel's release string, e.g. "6.8.0-generic".
var Running = sys.KernelRelease

// AtLeast reports whether the running kernel's release is >= want.
func AtLeast(want string) bool {
	return Compare(Running(), want) >= 0
}

var (
	once sync.Once

	gRegisterFiles     bool
	gCoopTaskrun       bool
	gSubmitWaitViaAPI  bool // true: single-syscall submit-and-wait-with-timeout (>=5.15)
	gNeedsMemlockRaise bool // true: kernel < 5.11, rlimit should be raised
)

// Flags resolves and memoizes the process-wide feature flags derived
// from the kernel version. Safe to call from multiple goroutines; the
// underlying probe runs exactly once (first-writer-wins, like the
// source's bare globals, but race-free).
func Flags() (registerFiles, coopTaskrun, submitWaitViaAPI, needsMemlockRaise bool) {
	once.Do(func() {
		release := Running()
		gNeedsMemlockRaise = Compare(release, "5.11") < 0
		gRegisterFiles = Compare(release, "5.5") >= 0
		gCoopTaskrun = Compare(release, "5.19") >= 0
		gSubmitWaitViaAPI = Compare(release, "5.15") >= 0
	})
	return gRegisterFiles, gCoopTaskrun, gSubmitWaitViaAPI, gNeedsMemlockRaise
}
