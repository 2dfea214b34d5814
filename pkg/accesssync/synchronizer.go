// Package accesssync rebuilds the local access-status mirror from the
// remote AAA user and session listings.
package accesssync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/settlement/pkg/aaa"
	"github.com/codelaboratoryltd/settlement/pkg/state"
)

// Source provides one consistent snapshot of remote users and sessions.
type Source interface {
	Snapshot(ctx context.Context) (*aaa.Snapshot, error)
}

// Store is the local state the synchronizer reads and writes.
type Store interface {
	ListAccounts(ctx context.Context) ([]*state.Account, error)
	EnsureMirrorRows(ctx context.Context, accounts []*state.Account) (int, error)
	ListMirror(ctx context.Context) ([]*state.AccessStatusMirror, error)
	WriteMirror(ctx context.Context, rows []*state.AccessStatusMirror) error
}

// Recorder observes pass outcomes.
type Recorder interface {
	ObserveSync(byStatus map[state.SessionStatus]int, failed int, d time.Duration)
}

// PassReport summarizes one synchronization pass.
type PassReport struct {
	Accounts int
	Inserted int
	Rows     int
	Failed   int
	ByStatus map[state.SessionStatus]int
	Duration time.Duration
}

// Synchronizer classifies every mirrored account against the remote view.
type Synchronizer struct {
	store    Store
	source   Source
	blocked  map[string]bool
	recorder Recorder
	logger   *zap.Logger
}

// NewSynchronizer creates a synchronizer. blockedGroups are the AAA groups
// that deny access.
func NewSynchronizer(store Store, source Source, blockedGroups []string, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	blocked := make(map[string]bool, len(blockedGroups))
	for _, g := range blockedGroups {
		blocked[g] = true
	}
	return &Synchronizer{
		store:   store,
		source:  source,
		blocked: blocked,
		logger:  logger,
	}
}

// SetRecorder installs a metrics recorder.
func (s *Synchronizer) SetRecorder(r Recorder) {
	s.recorder = r
}

// Classify derives the session status of one user.
func Classify(user *aaa.RemoteUser, session *aaa.RemoteSession, blocked bool) state.SessionStatus {
	switch {
	case user == nil:
		return state.SessionNotFound
	case blocked && session != nil:
		return state.SessionBlocked
	case blocked:
		return state.SessionInactive
	case session != nil:
		return state.SessionOnline
	default:
		return state.SessionOffline
	}
}

// Pass runs one full reconciliation. Remote data is fetched exactly once;
// rows that cannot be classified are counted as failed and reset to
// NotFound with no session metadata.
func (s *Synchronizer) Pass(ctx context.Context) (*PassReport, error) {
	start := time.Now()
	report := &PassReport{ByStatus: make(map[state.SessionStatus]int)}

	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	report.Accounts = len(accounts)

	if report.Inserted, err = s.store.EnsureMirrorRows(ctx, accounts); err != nil {
		return nil, fmt.Errorf("ensure mirror rows: %w", err)
	}

	snap, err := s.source.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch remote snapshot: %w", err)
	}
	for _, a := range snap.Failed {
		s.logger.Warn("AAA endpoint missing from snapshot",
			zap.String("endpoint", a.Endpoint),
			zap.Error(a.Err),
		)
	}

	mirror, err := s.store.ListMirror(ctx)
	if err != nil {
		return nil, fmt.Errorf("list mirror: %w", err)
	}

	// The account row is the source of truth for the username.
	usernames := make(map[string]string, len(accounts))
	for _, acct := range accounts {
		usernames[acct.AccountNo] = acct.Username
	}

	rows := make([]*state.AccessStatusMirror, 0, len(mirror))
	for _, existing := range mirror {
		row, err := s.classifyRow(existing, usernames, snap)
		if err != nil {
			report.Failed++
			s.logger.Warn("Resetting unclassifiable mirror row",
				zap.String("account_no", existing.AccountNo),
				zap.Error(err),
			)
			// Stale session metadata must not outlive the account.
			row = &state.AccessStatusMirror{
				AccountNo:     existing.AccountNo,
				Username:      existing.Username,
				SessionStatus: state.SessionNotFound,
			}
		}
		rows = append(rows, row)
		report.ByStatus[row.SessionStatus]++
	}

	if err := s.store.WriteMirror(ctx, rows); err != nil {
		return nil, fmt.Errorf("write mirror: %w", err)
	}
	report.Rows = len(rows)
	report.Duration = time.Since(start)

	if s.recorder != nil {
		s.recorder.ObserveSync(report.ByStatus, report.Failed, report.Duration)
	}
	s.logger.Info("Access sync pass complete",
		zap.Int("accounts", report.Accounts),
		zap.Int("inserted", report.Inserted),
		zap.Int("rows", report.Rows),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func (s *Synchronizer) classifyRow(existing *state.AccessStatusMirror, usernames map[string]string, snap *aaa.Snapshot) (*state.AccessStatusMirror, error) {
	username, known := usernames[existing.AccountNo]
	if !known {
		return nil, fmt.Errorf("account no longer exists")
	}
	if username == "" {
		return nil, fmt.Errorf("account has no username")
	}

	row := &state.AccessStatusMirror{
		AccountNo: existing.AccountNo,
		Username:  username,
	}

	var user *aaa.RemoteUser
	if u, ok := snap.Users[username]; ok {
		user = &u
		row.Group = u.Group
	}
	var session *aaa.RemoteSession
	if sess, ok := snap.Sessions[username]; ok && user != nil {
		session = &sess
	}

	row.SessionStatus = Classify(user, session, user != nil && s.blocked[user.Group])
	if session != nil {
		row.SessionID = session.ID
		row.Address = session.Address
		row.MAC = session.MAC
		row.Uptime = session.Uptime
		row.BytesIn = int64(session.Upload)
		row.BytesOut = int64(session.Download)
	}
	return row, nil
}
