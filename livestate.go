package boxlite

import (
	"context"
	"sync"

	"github.com/suryatmodulus/boxlite/internal/guest"
	"github.com/suryatmodulus/boxlite/internal/rootfs"
	"github.com/suryatmodulus/boxlite/internal/vmm"
)

// LiveState is the in-memory bundle a BoxImpl holds only while its status is
// Running: the VMM subprocess handle, the guest RPC session, and the rootfs
// strategy that assembled the container's root. It is never persisted —
// §4.10/GLOSSARY.
type LiveState struct {
	VMM         *vmm.Controller
	Guest       *guest.Session
	RootfsKind  rootfs.Strategy
	ContainerID string
}

// Close tears down the live bundle: best-effort guest shutdown, then the VMM
// subprocess. Errors are joined, never dropped.
func (l *LiveState) Close(ctx context.Context) error {
	var errs []error
	if l.Guest != nil {
		if err := l.Guest.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := l.Guest.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.VMM != nil {
		if err := l.VMM.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return joinErrs(errs)
}

// liveStateCell is a get-or-try-init once-cell: on error the cell stays
// empty so a later call can retry; on success the value is permanent for
// this process (§9 "Lazily-initialized live state").
type liveStateCell struct {
	mu    sync.Mutex
	value *LiveState
}

// getOrInit returns the cached value, or calls init and caches it only on
// success.
func (c *liveStateCell) getOrInit(init func() (*LiveState, error)) (*LiveState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value != nil {
		return c.value, nil
	}
	v, err := init()
	if err != nil {
		return nil, err
	}
	c.value = v
	return v, nil
}

// peek returns the cached value without attempting initialization.
func (c *liveStateCell) peek() *LiveState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// clear empties the cell, e.g. after Stop tears the live state down.
func (c *liveStateCell) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = nil
}
