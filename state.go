package boxlite

import "time"

// Status is a box's lifecycle phase, persisted in BoxState.
type Status string

const (
	Configured Status = "configured"
	Starting   Status = "starting"
	Running    Status = "running"
	Stopping   Status = "stopping"
	Stopped    Status = "stopped"
	Unknown    Status = "unknown"
)

// BoxState is the mutable half of a box's persisted record.
type BoxState struct {
	Status      Status
	LastUpdated time.Time
	PID         *int
	LockID      *uint64
}

// IsActive reports whether the box currently owns live VM resources.
func (s BoxState) IsActive() bool { return s.Status == Running }

// CanStart reports whether start() is a legal transition from this status.
func (s BoxState) CanStart() bool {
	return s.Status == Configured || s.Status == Stopped
}

// allowedTransitions enumerates every legal (from, to) pair in the §4.10 state
// machine. Any transition not listed here is InvalidState.
var allowedTransitions = map[Status]map[Status]bool{
	Configured: {Running: true, Stopped: true},
	Running:    {Stopped: true},
	Stopped:    {Running: true},
	Starting:   {Running: true, Stopped: true},
	Stopping:   {Stopped: true},
	Unknown:    {Stopped: true},
}

// Transition validates and applies a status change, stamping LastUpdated.
// Apart from crash recovery (which marks a dead box Unknown and resolves it
// through ResolveUnknown), it is the only code path that changes Status.
func (s *BoxState) Transition(to Status) error {
	if s.Status == to {
		return nil // idempotent no-op, e.g. start() on an already-Running box
	}
	if !allowedTransitions[s.Status][to] {
		return InvalidStatef("BoxState.Transition", "illegal transition %s -> %s", s.Status, to)
	}
	s.Status = to
	s.LastUpdated = time.Now()
	return nil
}

// ResolveUnknown is called by crash recovery once liveness of s.PID has
// been checked; Unknown always resolves to Stopped per §4.10.
func (s *BoxState) ResolveUnknown() {
	if s.Status == Unknown {
		s.Status = Stopped
		s.LastUpdated = time.Now()
		s.PID = nil
	}
}

func (s Status) String() string { return string(s) }
