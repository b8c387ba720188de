package guest

import (
	"context"
	"fmt"
	"time"
)

// ReadyTimeout is the spec's fixed 30s guest-readiness deadline.
const ReadyTimeout = 30 * time.Second

// LivenessPollInterval is how often the shim-death race polls kill(pid,0).
const LivenessPollInterval = 500 * time.Millisecond

// ShimLiveness abstracts the kill(pid,0) check so tests can simulate a
// crashed shim without a real subprocess.
type ShimLiveness func() bool

// WaitReady races the guest's connection to ready against shim-process
// death, per §4.7/§9: whichever fires first wins. On shim death the
// returned error names probable root causes so a 30s hang never happens
// undiagnosed.
func WaitReady(ctx context.Context, listener ReadyListener, isAlive ShimLiveness) error {
	l, err := listener.Listen(ctx)
	if err != nil {
		return fmt.Errorf("guest: wait ready: %w", err)
	}
	defer l.Close()

	accepted := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			accepted <- err
			return
		}
		conn.Close()
		accepted <- nil
	}()

	deadline := time.NewTimer(ReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(LivenessPollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-accepted:
			if err != nil {
				return fmt.Errorf("guest: accept ready connection: %w", err)
			}
			return nil
		case <-ticker.C:
			if !isAlive() {
				return fmt.Errorf("guest: shim process died before becoming ready " +
					"(check AppArmor/SELinux denials, /dev/kvm permissions, and that all shim shared libraries are present)")
			}
		case <-deadline.C:
			return fmt.Errorf("guest: timed out after %s waiting for guest readiness", ReadyTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
