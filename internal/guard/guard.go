// Package guard provides the runtime reentrancy flag wrapped around
// operations that move tokens outward before finishing their
// bookkeeping (bids, closes, sweeps, swaps). The core is single
// threaded; the guard trips when an external collaborator, a swap
// router, in practice, calls back into a guarded operation mid-flight.
package guard

import "errors"

// ErrReentrantCall rejects nested entry into a guarded operation.
var ErrReentrantCall = errors.New("reentrant call")

// Guard is a non-reentrant section flag. Zero value is ready to use.
type Guard struct {
	entered bool
}

// Enter claims the guard. Callers must pair a successful Enter with
// Exit, normally via defer.
func (g *Guard) Enter() error {
	if g.entered {
		return ErrReentrantCall
	}
	g.entered = true
	return nil
}

// Exit releases the guard.
func (g *Guard) Exit() {
	g.entered = false
}
