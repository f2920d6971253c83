// Package breaker sheds calls to a failing dependency.
//
// A breaker starts CLOSED. FailureThreshold consecutive failures open it; while OPEN every
// call is rejected with ErrOpen without running the operation. Once ResetTimeout has passed
// since the last state change the next call moves the breaker to HALF_OPEN and is attempted.
// A failure in HALF_OPEN reopens the circuit and SuccessThreshold consecutive successes
// close it.
//
// State lives in a Store. MemoryStore serves a single process; RedisStore lets several
// processes converge on one view. When the store cannot be reached the breaker keeps
// going on its own local snapshot and reports Degraded.
package breaker

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 3
	defaultResetTimeout     = time.Second * 30
)

// Settings configures every breaker created by a Registry.
type Settings struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	// IsFailure decides whether an operation error counts against the circuit.
	// Errors it rejects are bookkept as successes. Defaults to every non-nil error
	// except context.Canceled.
	IsFailure     func(err error) bool
	OnStateChange func(name string, from, to State)
	Clock         func() time.Time
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = defaultFailureThreshold
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = defaultSuccessThreshold
	}
	if reflect.ValueOf(s.ResetTimeout).IsZero() {
		s.ResetTimeout = defaultResetTimeout
	}
	if s.IsFailure == nil {
		s.IsFailure = defaultIsFailure
	}
	if s.Clock == nil {
		s.Clock = time.Now
	}
	return s
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Breaker guards one named resource.
type Breaker struct {
	name     string
	settings Settings
	store    Store
	logger   *zap.Logger

	// mu guards local state only; store calls run without it.
	mu       sync.Mutex
	local    Snapshot
	rev      uint64
	savedRev uint64
	saving   atomic.Bool
	degraded atomic.Bool
	warn     rate.Sometimes
}

// New creates a CLOSED breaker backed by store.
func New(name string, store Store, settings Settings, logger *zap.Logger) *Breaker {
	s := settings.withDefaults()
	return &Breaker{
		name:     name,
		settings: s,
		store:    store,
		logger:   logger.With(zap.String("breaker", name)),
		local: Snapshot{
			Name:            name,
			State:           StateClosed,
			LastStateChange: s.Clock(),
		},
		warn: rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

func (b *Breaker) Name() string {
	return b.name
}

// Execute runs op unless the circuit is open. The error from op is always returned
// after the outcome has been recorded.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.admit(ctx); err != nil {
		return err
	}
	err := op(ctx)
	b.record(ctx, !b.settings.IsFailure(err))
	return err
}

// Snapshot returns the current state as seen by this process.
func (b *Breaker) Snapshot(ctx context.Context) Snapshot {
	f := b.fetch(ctx)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.merge(f)
}

// State is a shorthand for Snapshot(ctx).State.
func (b *Breaker) State(ctx context.Context) State {
	return b.Snapshot(ctx).State
}

// Degraded reports whether the last store interaction failed and the breaker is
// running on local state only.
func (b *Breaker) Degraded() bool {
	return b.degraded.Load()
}

func (b *Breaker) admit(ctx context.Context) error {
	f := b.fetch(ctx)
	b.mu.Lock()
	snap := b.merge(f)
	if snap.State != StateOpen {
		b.mu.Unlock()
		return nil
	}
	now := b.settings.Clock()
	elapsed := now.Sub(snap.LastStateChange)
	if elapsed < b.settings.ResetTimeout {
		b.mu.Unlock()
		return &OpenError{Name: b.name, RetryAfter: b.settings.ResetTimeout - elapsed}
	}
	b.transition(&snap, StateHalfOpen, now)
	b.update(snap)
	b.mu.Unlock()
	b.persist(ctx)
	return nil
}

func (b *Breaker) record(ctx context.Context, success bool) {
	f := b.fetch(ctx)
	b.mu.Lock()
	snap := b.merge(f)
	before := snap
	now := b.settings.Clock()
	switch snap.State {
	case StateClosed:
		if success {
			snap.FailureCount = 0
			break
		}
		snap.FailureCount++
		snap.LastFailureTime = now
		if snap.FailureCount >= b.settings.FailureThreshold {
			b.transition(&snap, StateOpen, now)
		}
	case StateHalfOpen:
		if !success {
			snap.LastFailureTime = now
			b.transition(&snap, StateOpen, now)
			break
		}
		snap.SuccessCount++
		if snap.SuccessCount >= b.settings.SuccessThreshold {
			b.transition(&snap, StateClosed, now)
		}
	case StateOpen:
		// reopened elsewhere while this call was in flight
		if !success {
			snap.LastFailureTime = now
		}
	}
	changed := snap != before
	if changed {
		b.update(snap)
	}
	b.mu.Unlock()
	if changed {
		b.persist(ctx)
	}
}

func (b *Breaker) transition(snap *Snapshot, to State, now time.Time) {
	from := snap.State
	snap.State = to
	snap.LastStateChange = now
	snap.SuccessCount = 0
	if to == StateClosed {
		snap.FailureCount = 0
	}
	b.logger.Info("circuit state changed", zap.Stringer("from", from), zap.Stringer("to", to),
		zap.Int("failures", snap.FailureCount))
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, from, to)
	}
}

type fetched struct {
	snap *Snapshot
	err  error
	// rev is the local revision when the read started; synced reports whether every
	// local change had reached the store by then.
	rev    uint64
	synced bool
}

// fetch reads the shared snapshot without holding b.mu.
func (b *Breaker) fetch(ctx context.Context) fetched {
	b.mu.Lock()
	f := fetched{rev: b.rev, synced: b.rev == b.savedRev}
	b.mu.Unlock()
	f.snap, f.err = b.store.Load(ctx, b.name)
	return f
}

// merge must be called with b.mu held. The stored snapshot replaces local state only if
// the read started with local state fully saved, nothing changed locally since, and the
// stored one is not older.
func (b *Breaker) merge(f fetched) Snapshot {
	if f.err != nil {
		b.markDegraded(f.err)
		return b.local
	}
	b.clearDegraded()
	if f.snap == nil || !f.synced || f.rev != b.rev ||
		f.snap.LastStateChange.Before(b.local.LastStateChange) {
		return b.local
	}
	b.local = *f.snap
	return b.local
}

// update must be called with b.mu held.
func (b *Breaker) update(snap Snapshot) {
	b.local = snap
	b.rev++
}

// persist writes local changes to the store. One goroutine writes at a time so saves
// arrive in order; a caller that finds a write in progress leaves its change to it.
func (b *Breaker) persist(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for b.saving.CompareAndSwap(false, true) {
		for {
			b.mu.Lock()
			snap, rev := b.local, b.rev
			pending := rev != b.savedRev
			b.mu.Unlock()
			if !pending {
				break
			}
			b.save(ctx, snap)
			b.mu.Lock()
			b.savedRev = rev
			b.mu.Unlock()
		}
		b.saving.Store(false)

		b.mu.Lock()
		pending := b.rev != b.savedRev
		b.mu.Unlock()
		if !pending {
			return
		}
	}
}

func (b *Breaker) save(ctx context.Context, snap Snapshot) {
	applied, err := b.store.Save(ctx, &snap)
	if err != nil {
		b.markDegraded(err)
		return
	}
	b.clearDegraded()
	if !applied {
		b.logger.Debug("newer breaker state exists in store, write skipped",
			zap.Stringer("state", snap.State))
	}
}

func (b *Breaker) markDegraded(err error) {
	b.degraded.Store(true)
	b.warn.Do(func() {
		b.logger.Warn("breaker store unreachable, using local state", zap.Error(err))
	})
}

func (b *Breaker) clearDegraded() {
	if b.degraded.Swap(false) {
		b.logger.Info("breaker store reachable again")
	}
}
