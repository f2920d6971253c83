package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State of a circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CLOSED":
		*s = StateClosed
	case "OPEN":
		*s = StateOpen
	case "HALF_OPEN":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown breaker state %q", text)
	}
	return nil
}

// Snapshot is the persisted state of one named breaker.
type Snapshot struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failureCount"`
	SuccessCount    int       `json:"successCount"`
	LastFailureTime time.Time `json:"lastFailureTime"`
	LastStateChange time.Time `json:"lastStateChange"`
}

// Store persists breaker snapshots. Load returns (nil, nil) when nothing is stored.
// Save must not let a snapshot with an older LastStateChange overwrite a newer one;
// it reports whether the write was applied.
type Store interface {
	Load(ctx context.Context, name string) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) (bool, error)
}

// ErrOpen is returned, without calling the operation, while a circuit is open.
var ErrOpen = errors.New("circuit breaker is open")

// OpenError carries the breaker name and the remaining cooldown.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, retry after %s", e.Name, e.RetryAfter)
}

func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}
