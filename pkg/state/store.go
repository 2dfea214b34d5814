package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an insert collides with an existing row
	// or a conditional write matched nothing.
	ErrConflict = errors.New("conflict")
)

// Store is the persistence contract for the settlement subsystem.
//
// Methods outside Tx are independent statements. A Tx must not be held
// open while calling Store methods from the same goroutine.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)

	// Collaborator-owned rows (gateway callback, billing generation).
	CreateAccount(ctx context.Context, acct *Account) error
	CreateInvoice(ctx context.Context, inv *Invoice) error
	CreatePayment(ctx context.Context, p *PendingPayment) error

	GetAccount(ctx context.Context, accountNo string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	SetBillingStatus(ctx context.Context, accountNo string, status BillingStatus) error
	SetUsername(ctx context.Context, accountNo, username string) error

	ListInvoices(ctx context.Context, accountNo string) ([]*Invoice, error)

	GetPayment(ctx context.Context, id int64) (*PendingPayment, error)
	ListPayments(ctx context.Context, filter PaymentFilter) ([]*PendingPayment, error)
	// TransitionPayment moves a payment to status only if its current
	// status is one of from. It reports whether the row was changed.
	TransitionPayment(ctx context.Context, id int64, from []PaymentStatus, to PaymentStatus, reason string, at time.Time) (bool, error)
	// TransitionStale moves every payment in status from whose last attempt
	// is before olderThan to status to.
	TransitionStale(ctx context.Context, from, to PaymentStatus, olderThan, at time.Time) (int, error)

	ListSettlementRecords(ctx context.Context, accountNo string) ([]*SettlementRecord, error)

	GetLease(ctx context.Context, name string) (*WorkerLease, error)
	InsertLease(ctx context.Context, l *WorkerLease) error
	DeleteLease(ctx context.Context, name, owner string) error
	UpdateLease(ctx context.Context, name, owner string, expiresAt time.Time) error

	EnsureMirrorRows(ctx context.Context, accounts []*Account) (int, error)
	WriteMirror(ctx context.Context, rows []*AccessStatusMirror) error
	ListMirror(ctx context.Context) ([]*AccessStatusMirror, error)

	Stats() StoreStats
	Close() error
}

// Tx is a unit of work over the financial tables. Nothing is visible to
// other readers until Commit; Rollback after Commit is a no-op.
type Tx interface {
	GetAccount(ctx context.Context, accountNo string) (*Account, error)
	// ListOpenInvoices returns non-Paid invoices ordered by (invoice_date, id).
	ListOpenInvoices(ctx context.Context, accountNo string) ([]*Invoice, error)
	UpdateInvoice(ctx context.Context, inv *Invoice) error
	UpdateBalance(ctx context.Context, accountNo string, balance decimal.Decimal) error
	TransitionPayment(ctx context.Context, id int64, from []PaymentStatus, to PaymentStatus, reason string, at time.Time) (bool, error)
	InsertSettlementRecord(ctx context.Context, rec *SettlementRecord) error

	Commit() error
	Rollback() error
}

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu sync.Mutex

	accounts    map[string]*Account
	invoices    map[int64]*Invoice
	payments    map[int64]*PendingPayment
	leases      map[string]*WorkerLease
	mirror      map[string]*AccessStatusMirror
	settlements []*SettlementRecord

	// Indexes
	invoicesByAccount map[string][]int64
	paymentByRef      map[string]int64

	nextInvoiceID int64
	nextPaymentID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:          make(map[string]*Account),
		invoices:          make(map[int64]*Invoice),
		payments:          make(map[int64]*PendingPayment),
		leases:            make(map[string]*WorkerLease),
		mirror:            make(map[string]*AccessStatusMirror),
		invoicesByAccount: make(map[string][]int64),
		paymentByRef:      make(map[string]int64),
	}
}

// --- Account Operations ---

// CreateAccount stores a new account.
func (s *MemoryStore) CreateAccount(ctx context.Context, acct *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct.AccountNo == "" {
		return fmt.Errorf("account number required")
	}
	if _, exists := s.accounts[acct.AccountNo]; exists {
		return fmt.Errorf("account %s: %w", acct.AccountNo, ErrConflict)
	}
	if acct.BillingStatus == "" {
		acct.BillingStatus = BillingActive
	}

	acct.UpdatedAt = time.Now().UTC()
	stored := *acct
	s.accounts[acct.AccountNo] = &stored
	return nil
}

// GetAccount retrieves an account by number.
func (s *MemoryStore) GetAccount(ctx context.Context, accountNo string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, exists := s.accounts[accountNo]
	if !exists {
		return nil, fmt.Errorf("account %s: %w", accountNo, ErrNotFound)
	}
	cp := *acct
	return &cp, nil
}

// ListAccounts returns all accounts ordered by account number.
func (s *MemoryStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		cp := *acct
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].AccountNo < result[j].AccountNo
	})
	return result, nil
}

// SetBillingStatus records the access intent for an account.
func (s *MemoryStore) SetBillingStatus(ctx context.Context, accountNo string, status BillingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, exists := s.accounts[accountNo]
	if !exists {
		return fmt.Errorf("account %s: %w", accountNo, ErrNotFound)
	}
	acct.BillingStatus = status
	acct.UpdatedAt = time.Now().UTC()
	return nil
}

// SetUsername updates the locally mirrored AAA username.
func (s *MemoryStore) SetUsername(ctx context.Context, accountNo, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, exists := s.accounts[accountNo]
	if !exists {
		return fmt.Errorf("account %s: %w", accountNo, ErrNotFound)
	}
	acct.Username = username
	acct.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Invoice Operations ---

// CreateInvoice stores a new invoice, assigning an ID when zero.
func (s *MemoryStore) CreateInvoice(ctx context.Context, inv *Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inv.ID == 0 {
		s.nextInvoiceID++
		inv.ID = s.nextInvoiceID
	} else if inv.ID > s.nextInvoiceID {
		s.nextInvoiceID = inv.ID
	}
	if _, exists := s.invoices[inv.ID]; exists {
		return fmt.Errorf("invoice %d: %w", inv.ID, ErrConflict)
	}
	if inv.Status == "" {
		inv.Status = InvoiceUnpaid
	}

	stored := *inv
	s.invoices[inv.ID] = &stored
	s.invoicesByAccount[inv.AccountNo] = append(s.invoicesByAccount[inv.AccountNo], inv.ID)
	return nil
}

// ListInvoices returns every invoice of an account ordered oldest first.
func (s *MemoryStore) ListInvoices(ctx context.Context, accountNo string) ([]*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.invoicesFor(accountNo, false), nil
}

func (s *MemoryStore) invoicesFor(accountNo string, openOnly bool) []*Invoice {
	var result []*Invoice
	for _, id := range s.invoicesByAccount[accountNo] {
		inv := s.invoices[id]
		if openOnly && inv.Status == InvoicePaid {
			continue
		}
		cp := *inv
		result = append(result, &cp)
	}
	sortInvoices(result)
	return result
}

func sortInvoices(invoices []*Invoice) {
	sort.Slice(invoices, func(i, j int) bool {
		if !invoices[i].InvoiceDate.Equal(invoices[j].InvoiceDate) {
			return invoices[i].InvoiceDate.Before(invoices[j].InvoiceDate)
		}
		return invoices[i].ID < invoices[j].ID
	})
}

// --- Payment Operations ---

// CreatePayment stores a new pending payment. Reference numbers are unique.
func (s *MemoryStore) CreatePayment(ctx context.Context, p *PendingPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.paymentByRef[p.ReferenceNo]; exists && p.ReferenceNo != "" {
		return fmt.Errorf("payment reference %s: %w", p.ReferenceNo, ErrConflict)
	}
	if p.ID == 0 {
		s.nextPaymentID++
		p.ID = s.nextPaymentID
	} else if p.ID > s.nextPaymentID {
		s.nextPaymentID = p.ID
	}
	if p.Status == "" {
		p.Status = PaymentPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	stored := *p
	s.payments[p.ID] = &stored
	if p.ReferenceNo != "" {
		s.paymentByRef[p.ReferenceNo] = p.ID
	}
	return nil
}

// GetPayment retrieves a payment by ID.
func (s *MemoryStore) GetPayment(ctx context.Context, id int64) (*PendingPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.payments[id]
	if !exists {
		return nil, fmt.Errorf("payment %d: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

// ListPayments returns payments matching filter, oldest first.
func (s *MemoryStore) ListPayments(ctx context.Context, filter PaymentFilter) ([]*PendingPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*PendingPayment
	for _, p := range s.payments {
		if len(filter.Statuses) > 0 && !hasStatus(filter.Statuses, p.Status) {
			continue
		}
		if filter.HasCallback && p.CallbackPayload == "" {
			continue
		}
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// TransitionPayment conditionally moves a payment to a new status.
func (s *MemoryStore) TransitionPayment(ctx context.Context, id int64, from []PaymentStatus, to PaymentStatus, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return transitionPayment(s.payments, id, from, to, reason, at)
}

func transitionPayment(payments map[int64]*PendingPayment, id int64, from []PaymentStatus, to PaymentStatus, reason string, at time.Time) (bool, error) {
	p, exists := payments[id]
	if !exists {
		return false, fmt.Errorf("payment %d: %w", id, ErrNotFound)
	}
	if !hasStatus(from, p.Status) {
		return false, nil
	}
	p.Status = to
	p.FailureReason = reason
	p.LastAttemptAt = at.UTC()
	return true, nil
}

// TransitionStale moves aged payments from one status to another.
func (s *MemoryStore) TransitionStale(ctx context.Context, from, to PaymentStatus, olderThan, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	moved := 0
	for _, p := range s.payments {
		if p.Status != from || !p.LastAttemptAt.Before(olderThan) {
			continue
		}
		p.Status = to
		p.LastAttemptAt = at.UTC()
		moved++
	}
	return moved, nil
}

func hasStatus(statuses []PaymentStatus, status PaymentStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// ListSettlementRecords returns audit rows for an account ("" for all).
func (s *MemoryStore) ListSettlementRecords(ctx context.Context, accountNo string) ([]*SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*SettlementRecord
	for _, rec := range s.settlements {
		if accountNo != "" && rec.AccountNo != accountNo {
			continue
		}
		cp := *rec
		cp.Lines = append([]AllocationLine(nil), rec.Lines...)
		result = append(result, &cp)
	}
	return result, nil
}

// --- Lease Operations ---

// GetLease retrieves a lease by name.
func (s *MemoryStore) GetLease(ctx context.Context, name string) (*WorkerLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, exists := s.leases[name]
	if !exists {
		return nil, fmt.Errorf("lease %s: %w", name, ErrNotFound)
	}
	cp := *l
	return &cp, nil
}

// InsertLease inserts a lease if no row with the same name exists.
func (s *MemoryStore) InsertLease(ctx context.Context, l *WorkerLease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.leases[l.Name]; exists {
		return fmt.Errorf("lease %s: %w", l.Name, ErrConflict)
	}
	stored := *l
	s.leases[l.Name] = &stored
	return nil
}

// DeleteLease removes a lease held by owner.
func (s *MemoryStore) DeleteLease(ctx context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, exists := s.leases[name]
	if !exists {
		return fmt.Errorf("lease %s: %w", name, ErrNotFound)
	}
	if l.Owner != owner {
		return fmt.Errorf("lease %s owned by %s: %w", name, l.Owner, ErrConflict)
	}
	delete(s.leases, name)
	return nil
}

// UpdateLease extends a lease held by owner.
func (s *MemoryStore) UpdateLease(ctx context.Context, name, owner string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, exists := s.leases[name]
	if !exists {
		return fmt.Errorf("lease %s: %w", name, ErrNotFound)
	}
	if l.Owner != owner {
		return fmt.Errorf("lease %s owned by %s: %w", name, l.Owner, ErrConflict)
	}
	l.ExpiresAt = expiresAt
	return nil
}

// --- Mirror Operations ---

// EnsureMirrorRows inserts a mirror row for every account with a username
// that has none yet. It returns the number of rows inserted.
func (s *MemoryStore) EnsureMirrorRows(ctx context.Context, accounts []*Account) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, acct := range accounts {
		if acct.Username == "" {
			continue
		}
		if _, exists := s.mirror[acct.AccountNo]; exists {
			continue
		}
		s.mirror[acct.AccountNo] = &AccessStatusMirror{
			AccountNo:     acct.AccountNo,
			Username:      acct.Username,
			SessionStatus: SessionUnknown,
		}
		inserted++
	}
	return inserted, nil
}

// WriteMirror upserts all rows atomically.
func (s *MemoryStore) WriteMirror(ctx context.Context, rows []*AccessStatusMirror) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		cp := *row
		s.mirror[row.AccountNo] = &cp
	}
	return nil
}

// ListMirror returns the mirror ordered by account number.
func (s *MemoryStore) ListMirror(ctx context.Context) ([]*AccessStatusMirror, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*AccessStatusMirror, 0, len(s.mirror))
	for _, row := range s.mirror {
		cp := *row
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].AccountNo < result[j].AccountNo
	})
	return result, nil
}

// Stats returns store statistics.
func (s *MemoryStore) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return StoreStats{
		Accounts:    len(s.accounts),
		Invoices:    len(s.invoices),
		Payments:    len(s.payments),
		Leases:      len(s.leases),
		MirrorRows:  len(s.mirror),
		Settlements: len(s.settlements),
	}
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// --- Transactions ---

// BeginTx starts a transaction. The store is locked until Commit or
// Rollback.
func (s *MemoryStore) BeginTx(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &memoryTx{
		store:    s,
		accounts: make(map[string]*Account),
		invoices: make(map[int64]*Invoice),
		payments: make(map[int64]*PendingPayment),
	}, nil
}

// memoryTx stages writes on copies and applies them on Commit.
type memoryTx struct {
	store *MemoryStore
	done  bool

	accounts    map[string]*Account
	invoices    map[int64]*Invoice
	payments    map[int64]*PendingPayment
	settlements []*SettlementRecord
}

func (tx *memoryTx) account(accountNo string) (*Account, error) {
	if acct, ok := tx.accounts[accountNo]; ok {
		return acct, nil
	}
	acct, exists := tx.store.accounts[accountNo]
	if !exists {
		return nil, fmt.Errorf("account %s: %w", accountNo, ErrNotFound)
	}
	cp := *acct
	tx.accounts[accountNo] = &cp
	return &cp, nil
}

func (tx *memoryTx) GetAccount(ctx context.Context, accountNo string) (*Account, error) {
	acct, err := tx.account(accountNo)
	if err != nil {
		return nil, err
	}
	cp := *acct
	return &cp, nil
}

func (tx *memoryTx) ListOpenInvoices(ctx context.Context, accountNo string) ([]*Invoice, error) {
	var result []*Invoice
	for _, id := range tx.store.invoicesByAccount[accountNo] {
		inv, ok := tx.invoices[id]
		if !ok {
			inv = tx.store.invoices[id]
		}
		if inv.Status == InvoicePaid {
			continue
		}
		cp := *inv
		result = append(result, &cp)
	}
	sortInvoices(result)
	return result, nil
}

func (tx *memoryTx) UpdateInvoice(ctx context.Context, inv *Invoice) error {
	if _, exists := tx.store.invoices[inv.ID]; !exists {
		return fmt.Errorf("invoice %d: %w", inv.ID, ErrNotFound)
	}
	cp := *inv
	tx.invoices[inv.ID] = &cp
	return nil
}

func (tx *memoryTx) UpdateBalance(ctx context.Context, accountNo string, balance decimal.Decimal) error {
	acct, err := tx.account(accountNo)
	if err != nil {
		return err
	}
	acct.Balance = balance
	acct.UpdatedAt = time.Now().UTC()
	return nil
}

func (tx *memoryTx) TransitionPayment(ctx context.Context, id int64, from []PaymentStatus, to PaymentStatus, reason string, at time.Time) (bool, error) {
	p, ok := tx.payments[id]
	if !ok {
		stored, exists := tx.store.payments[id]
		if !exists {
			return false, fmt.Errorf("payment %d: %w", id, ErrNotFound)
		}
		cp := *stored
		p = &cp
	}
	staged := map[int64]*PendingPayment{id: p}
	changed, err := transitionPayment(staged, id, from, to, reason, at)
	if err != nil || !changed {
		return changed, err
	}
	tx.payments[id] = p
	return true, nil
}

func (tx *memoryTx) InsertSettlementRecord(ctx context.Context, rec *SettlementRecord) error {
	for _, existing := range tx.store.settlements {
		if existing.PaymentID == rec.PaymentID {
			return fmt.Errorf("settlement record for payment %d: %w", rec.PaymentID, ErrConflict)
		}
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cp := *rec
	cp.Lines = append([]AllocationLine(nil), rec.Lines...)
	tx.settlements = append(tx.settlements, &cp)
	return nil
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	tx.done = true
	defer tx.store.mu.Unlock()

	for no, acct := range tx.accounts {
		tx.store.accounts[no] = acct
	}
	for id, inv := range tx.invoices {
		tx.store.invoices[id] = inv
	}
	for id, p := range tx.payments {
		tx.store.payments[id] = p
	}
	tx.store.settlements = append(tx.store.settlements, tx.settlements...)
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.store.mu.Unlock()
	return nil
}
