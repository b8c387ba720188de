// Package guest is C7 GuestSession: a gRPC client over a Unix-domain socket
// or vsock connection, surfacing the Guest/Container/Exec/Files services.
package guest

import (
	"context"
	"fmt"
	"net"

	"github.com/mdlayher/vsock"
)

// Kind selects the transport a Session dials.
type Kind string

const (
	Unix  Kind = "unix"
	Vsock Kind = "vsock"
)

// Endpoint addresses a single guest RPC transport, host-side.
type Endpoint struct {
	Kind Kind

	UnixPath string // valid when Kind == Unix

	VsockCID  uint32 // valid when Kind == Vsock
	VsockPort uint32
}

// Dial opens the connection this endpoint describes. It is transport
// agnostic from the caller's perspective: both forms satisfy net.Conn.
func (e Endpoint) Dial(ctx context.Context) (net.Conn, error) {
	switch e.Kind {
	case Unix:
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, "unix", e.UnixPath)
		if err != nil {
			return nil, fmt.Errorf("guest: dial unix %s: %w", e.UnixPath, err)
		}
		return conn, nil
	case Vsock:
		conn, err := vsock.Dial(e.VsockCID, e.VsockPort, nil)
		if err != nil {
			return nil, fmt.Errorf("guest: dial vsock %d:%d: %w", e.VsockCID, e.VsockPort, err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("guest: unknown transport kind %q", e.Kind)
	}
}

// ReadyListener listens on the host-side ready socket the guest dials into
// once its gRPC server is bound, per §4.7.
type ReadyListener struct {
	Kind Kind

	UnixPath string

	VsockPort uint32
}

// Listen opens the ready-notification listener.
func (r ReadyListener) Listen(ctx context.Context) (net.Listener, error) {
	switch r.Kind {
	case Unix:
		lc := net.ListenConfig{}
		l, err := lc.Listen(ctx, "unix", r.UnixPath)
		if err != nil {
			return nil, fmt.Errorf("guest: listen unix %s: %w", r.UnixPath, err)
		}
		return l, nil
	case Vsock:
		l, err := vsock.Listen(r.VsockPort, nil)
		if err != nil {
			return nil, fmt.Errorf("guest: listen vsock :%d: %w", r.VsockPort, err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("guest: unknown transport kind %q", r.Kind)
	}
}
