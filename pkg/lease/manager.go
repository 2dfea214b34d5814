// Package lease provides store-backed, time-bounded mutual exclusion for
// batch workers running in separate processes.
package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/settlement/pkg/state"
)

// ErrHeld is returned when another owner holds an unexpired lease.
var ErrHeld = errors.New("lease held by another owner")

// Store is the persistence needed for leasing. InsertLease must fail with
// state.ErrConflict if the row exists.
type Store interface {
	GetLease(ctx context.Context, name string) (*state.WorkerLease, error)
	InsertLease(ctx context.Context, l *state.WorkerLease) error
	DeleteLease(ctx context.Context, name, owner string) error
	UpdateLease(ctx context.Context, name, owner string, expiresAt time.Time) error
}

// Recorder observes lease outcomes.
type Recorder interface {
	ObserveLease(name, result string)
}

// Manager acquires, renews and releases leases for one owner.
type Manager struct {
	store    Store
	owner    string
	now      func() time.Time
	recorder Recorder
	logger   *zap.Logger
}

// NewManager creates a lease manager. An empty owner defaults to
// hostname-pid-random.
func NewManager(store Store, owner string, logger *zap.Logger) *Manager {
	if owner == "" {
		owner = DefaultOwner()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		owner:  owner,
		now:    time.Now,
		logger: logger,
	}
}

// DefaultOwner returns a process-unique owner identity.
func DefaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8])
}

// Owner returns this manager's owner identity.
func (m *Manager) Owner() string {
	return m.owner
}

// SetRecorder installs a lease outcome recorder.
func (m *Manager) SetRecorder(r Recorder) {
	m.recorder = r
}

// SetClock overrides the time source (tests).
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Acquire takes the named lease for ttl. An expired lease held by anyone
// is taken over; losing any race returns ErrHeld.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (*state.WorkerLease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lease ttl must be positive")
	}
	now := m.now().UTC()

	existing, err := m.store.GetLease(ctx, name)
	switch {
	case errors.Is(err, state.ErrNotFound):
		// free
	case err != nil:
		m.observe(name, "error")
		return nil, fmt.Errorf("read lease %s: %w", name, err)
	case !existing.Expired(now):
		m.observe(name, "held")
		return nil, fmt.Errorf("lease %s owned by %s until %s: %w",
			name, existing.Owner, existing.ExpiresAt.Format(time.RFC3339), ErrHeld)
	default:
		m.logger.Info("Taking over expired lease",
			zap.String("lease", name),
			zap.String("previous_owner", existing.Owner),
			zap.Time("expired_at", existing.ExpiresAt),
		)
		err := m.store.DeleteLease(ctx, name, existing.Owner)
		switch {
		case err == nil, errors.Is(err, state.ErrNotFound):
		case errors.Is(err, state.ErrConflict):
			// Someone else took it over first.
			m.observe(name, "held")
			return nil, fmt.Errorf("lease %s: %w", name, ErrHeld)
		default:
			m.observe(name, "error")
			return nil, fmt.Errorf("delete expired lease %s: %w", name, err)
		}
	}

	l := &state.WorkerLease{
		Name:       name,
		Owner:      m.owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := m.store.InsertLease(ctx, l); err != nil {
		if errors.Is(err, state.ErrConflict) {
			m.observe(name, "held")
			return nil, fmt.Errorf("lease %s: %w", name, ErrHeld)
		}
		m.observe(name, "error")
		return nil, fmt.Errorf("insert lease %s: %w", name, err)
	}

	m.observe(name, "acquired")
	m.logger.Debug("Lease acquired",
		zap.String("lease", name),
		zap.String("owner", m.owner),
		zap.Duration("ttl", ttl),
	)
	return l, nil
}

// Renew extends a lease this manager holds.
func (m *Manager) Renew(ctx context.Context, name string, ttl time.Duration) error {
	expiresAt := m.now().UTC().Add(ttl)
	if err := m.store.UpdateLease(ctx, name, m.owner, expiresAt); err != nil {
		if errors.Is(err, state.ErrConflict) {
			m.observe(name, "lost")
			return fmt.Errorf("renew lease %s: %w", name, ErrHeld)
		}
		return fmt.Errorf("renew lease %s: %w", name, err)
	}
	m.observe(name, "renewed")
	return nil
}

// Release drops a lease this manager holds. Releasing a lease that is gone
// is not an error.
func (m *Manager) Release(ctx context.Context, name string) error {
	err := m.store.DeleteLease(ctx, name, m.owner)
	switch {
	case err == nil:
		m.observe(name, "released")
		return nil
	case errors.Is(err, state.ErrNotFound):
		return nil
	case errors.Is(err, state.ErrConflict):
		return fmt.Errorf("release lease %s: %w", name, ErrHeld)
	default:
		return fmt.Errorf("release lease %s: %w", name, err)
	}
}

func (m *Manager) observe(name, result string) {
	if m.recorder != nil {
		m.recorder.ObserveLease(name, result)
	}
}
