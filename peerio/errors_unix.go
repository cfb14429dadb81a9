//go:build !windows

package peerio

import (
	"errors"
	"syscall"
)

// errIsEAGAIN, errIsEINTR, and errIsEINPROGRESS check for the transient
// syscall-level conditions named in §4.D. In practice Go's net package
// retries these internally before returning to the caller, so they rarely
// reach here; the checks are kept for the rare case of a wrapped syscall
// error surfacing through a non-standard Conn implementation (e.g. a uTP
// shim).
func errIsEAGAIN(err error) bool {
	return errors.Is(err, syscall.EAGAIN)
}

func errIsEINTR(err error) bool {
	return errors.Is(err, syscall.EINTR)
}

func errIsEINPROGRESS(err error) bool {
	return errors.Is(err, syscall.EINPROGRESS)
}
