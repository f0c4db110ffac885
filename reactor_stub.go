//go:build !linux

package coproc

import "errors"

// Non-Linux platforms have no reactor yet; schedulers cannot run.
func newReactor(ready readyFunc, maxEvents int) (Reactor, error) {
	return nil, errors.New("coproc: no reactor implementation for this platform")
}
