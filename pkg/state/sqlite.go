package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	account_no      TEXT PRIMARY KEY,
	name            TEXT NOT NULL DEFAULT '',
	contact         TEXT NOT NULL DEFAULT '',
	account_balance TEXT NOT NULL DEFAULT '0',
	billing_status  TEXT NOT NULL DEFAULT 'Active',
	username        TEXT NOT NULL DEFAULT '',
	plan            TEXT NOT NULL DEFAULT '',
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS invoices (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	account_no       TEXT NOT NULL REFERENCES accounts(account_no),
	total_amount     TEXT NOT NULL,
	received_payment TEXT NOT NULL DEFAULT '0',
	status           TEXT NOT NULL DEFAULT 'Unpaid',
	invoice_date     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invoices_account_date ON invoices(account_no, invoice_date, id);

CREATE TABLE IF NOT EXISTS pending_payments (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	reference_no     TEXT UNIQUE,
	account_no       TEXT NOT NULL,
	amount           TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'PENDING',
	callback_payload TEXT NOT NULL DEFAULT '',
	failure_reason   TEXT NOT NULL DEFAULT '',
	last_attempt_at  TEXT,
	created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_payments_status ON pending_payments(status, created_at);

CREATE TABLE IF NOT EXISTS settlement_records (
	id             TEXT PRIMARY KEY,
	payment_id     INTEGER NOT NULL UNIQUE,
	reference_no   TEXT NOT NULL,
	account_no     TEXT NOT NULL,
	amount         TEXT NOT NULL,
	credit         TEXT NOT NULL,
	balance_before TEXT NOT NULL,
	balance_after  TEXT NOT NULL,
	lines          TEXT NOT NULL,
	created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS worker_leases (
	name        TEXT PRIMARY KEY,
	owner       TEXT NOT NULL,
	acquired_at TEXT NOT NULL,
	expires_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS access_status (
	account_no     TEXT PRIMARY KEY,
	username       TEXT NOT NULL,
	session_status TEXT NOT NULL,
	grp            TEXT NOT NULL DEFAULT '',
	session_id     TEXT NOT NULL DEFAULT '',
	address        TEXT NOT NULL DEFAULT '',
	mac            TEXT NOT NULL DEFAULT '',
	uptime         TEXT NOT NULL DEFAULT '',
	bytes_in       INTEGER NOT NULL DEFAULT 0,
	bytes_out      INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteStore is a Store backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) a SQLite database at path.
// Use ":memory:" for a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// mapError turns constraint violations into ErrConflict.
func mapError(err error, what string) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%s: %w", what, ErrConflict)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// --- Account Operations ---

const accountColumns = `account_no, name, contact, account_balance, billing_status, username, plan, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var (
		acct      Account
		updatedAt string
	)
	if err := row.Scan(&acct.AccountNo, &acct.Name, &acct.Contact, &acct.Balance,
		&acct.BillingStatus, &acct.Username, &acct.Plan, &updatedAt); err != nil {
		return nil, err
	}
	t, err := parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	acct.UpdatedAt = t
	return &acct, nil
}

// CreateAccount inserts an account.
func (s *SQLiteStore) CreateAccount(ctx context.Context, acct *Account) error {
	if acct.AccountNo == "" {
		return fmt.Errorf("account number required")
	}
	if acct.BillingStatus == "" {
		acct.BillingStatus = BillingActive
	}
	acct.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		acct.AccountNo, acct.Name, acct.Contact, acct.Balance.String(), string(acct.BillingStatus),
		acct.Username, acct.Plan, formatTime(acct.UpdatedAt))
	if err != nil {
		return mapError(err, "insert account "+acct.AccountNo)
	}
	return nil
}

// GetAccount retrieves an account by number.
func (s *SQLiteStore) GetAccount(ctx context.Context, accountNo string) (*Account, error) {
	return getAccount(ctx, s.db, accountNo)
}

func getAccount(ctx context.Context, q querier, accountNo string) (*Account, error) {
	row := q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_no = ?`, accountNo)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", accountNo, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", accountNo, err)
	}
	return acct, nil
}

// ListAccounts returns all accounts ordered by account number.
func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY account_no`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var result []*Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		result = append(result, acct)
	}
	return result, rows.Err()
}

// SetBillingStatus records the access intent for an account.
func (s *SQLiteStore) SetBillingStatus(ctx context.Context, accountNo string, status BillingStatus) error {
	return s.updateAccountField(ctx, accountNo, "billing_status", string(status))
}

// SetUsername updates the locally mirrored AAA username.
func (s *SQLiteStore) SetUsername(ctx context.Context, accountNo, username string) error {
	return s.updateAccountField(ctx, accountNo, "username", username)
}

func (s *SQLiteStore) updateAccountField(ctx context.Context, accountNo, column, value string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET `+column+` = ?, updated_at = ? WHERE account_no = ?`,
		value, formatTime(time.Now()), accountNo)
	if err != nil {
		return fmt.Errorf("update account %s: %w", accountNo, err)
	}
	return expectRow(res, fmt.Sprintf("account %s", accountNo))
}

func expectRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// --- Invoice Operations ---

const invoiceColumns = `id, account_no, total_amount, received_payment, status, invoice_date`

func scanInvoice(row interface{ Scan(...any) error }) (*Invoice, error) {
	var (
		inv  Invoice
		date string
	)
	if err := row.Scan(&inv.ID, &inv.AccountNo, &inv.TotalAmount, &inv.ReceivedPayment, &inv.Status, &date); err != nil {
		return nil, err
	}
	t, err := parseTime(date)
	if err != nil {
		return nil, fmt.Errorf("parse invoice_date: %w", err)
	}
	inv.InvoiceDate = t
	return &inv, nil
}

// CreateInvoice inserts an invoice, assigning an ID when zero.
func (s *SQLiteStore) CreateInvoice(ctx context.Context, inv *Invoice) error {
	if inv.Status == "" {
		inv.Status = InvoiceUnpaid
	}
	var id any
	if inv.ID != 0 {
		id = inv.ID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO invoices (`+invoiceColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		id, inv.AccountNo, inv.TotalAmount.String(), inv.ReceivedPayment.String(),
		string(inv.Status), formatTime(inv.InvoiceDate))
	if err != nil {
		return mapError(err, "insert invoice")
	}
	if inv.ID == 0 {
		if inv.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("invoice id: %w", err)
		}
	}
	return nil
}

// ListInvoices returns every invoice of an account ordered oldest first.
func (s *SQLiteStore) ListInvoices(ctx context.Context, accountNo string) ([]*Invoice, error) {
	return listInvoices(ctx, s.db, accountNo, false)
}

func listInvoices(ctx context.Context, q querier, accountNo string, openOnly bool) ([]*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE account_no = ?`
	if openOnly {
		query += ` AND status <> 'Paid'`
	}
	query += ` ORDER BY invoice_date, id`

	rows, err := q.QueryContext(ctx, query, accountNo)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	var result []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}

// --- Payment Operations ---

const paymentColumns = `id, reference_no, account_no, amount, status, callback_payload, failure_reason, last_attempt_at, created_at`

func scanPayment(row interface{ Scan(...any) error }) (*PendingPayment, error) {
	var (
		p           PendingPayment
		ref         sql.NullString
		lastAttempt sql.NullString
		createdAt   string
	)
	if err := row.Scan(&p.ID, &ref, &p.AccountNo, &p.Amount, &p.Status,
		&p.CallbackPayload, &p.FailureReason, &lastAttempt, &createdAt); err != nil {
		return nil, err
	}
	p.ReferenceNo = ref.String
	var err error
	if p.LastAttemptAt, err = parseTime(lastAttempt.String); err != nil {
		return nil, fmt.Errorf("parse last_attempt_at: %w", err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &p, nil
}

// CreatePayment inserts a pending payment. Reference numbers are unique.
func (s *SQLiteStore) CreatePayment(ctx context.Context, p *PendingPayment) error {
	if p.Status == "" {
		p.Status = PaymentPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	var id any
	if p.ID != 0 {
		id = p.ID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_payments (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, nullString(p.ReferenceNo), p.AccountNo, p.Amount.String(), string(p.Status),
		p.CallbackPayload, p.FailureReason, formatNullTime(p.LastAttemptAt), formatTime(p.CreatedAt))
	if err != nil {
		return mapError(err, "insert payment "+p.ReferenceNo)
	}
	if p.ID == 0 {
		if p.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("payment id: %w", err)
		}
	}
	return nil
}

// GetPayment retrieves a payment by ID.
func (s *SQLiteStore) GetPayment(ctx context.Context, id int64) (*PendingPayment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM pending_payments WHERE id = ?`, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get payment %d: %w", id, err)
	}
	return p, nil
}

// ListPayments returns payments matching filter, oldest first.
func (s *SQLiteStore) ListPayments(ctx context.Context, filter PaymentFilter) ([]*PendingPayment, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		in, statusArgs := statusList(filter.Statuses)
		where = append(where, "status IN ("+in+")")
		args = append(args, statusArgs...)
	}
	if filter.HasCallback {
		where = append(where, "callback_payload <> ''")
	}

	query := `SELECT ` + paymentColumns + ` FROM pending_payments`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var result []*PendingPayment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func statusList(statuses []PaymentStatus) (string, []any) {
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(placeholders, ", "), args
}

// TransitionPayment conditionally moves a payment to a new status.
func (s *SQLiteStore) TransitionPayment(ctx context.Context, id int64, from []PaymentStatus, to PaymentStatus, reason string, at time.Time) (bool, error) {
	return transitionPaymentSQL(ctx, s.db, id, from, to, reason, at)
}

func transitionPaymentSQL(ctx context.Context, q querier, id int64, from []PaymentStatus, to PaymentStatus, reason string, at time.Time) (bool, error) {
	in, args := statusList(from)
	args = append([]any{string(to), reason, formatTime(at), id}, args...)
	res, err := q.ExecContext(ctx,
		`UPDATE pending_payments SET status = ?, failure_reason = ?, last_attempt_at = ?
		 WHERE id = ? AND status IN (`+in+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("transition payment %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition payment %d: %w", id, err)
	}
	if n > 0 {
		return true, nil
	}

	var exists int
	err = q.QueryRowContext(ctx, `SELECT 1 FROM pending_payments WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("payment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("transition payment %d: %w", id, err)
	}
	return false, nil
}

// TransitionStale moves aged payments from one status to another.
func (s *SQLiteStore) TransitionStale(ctx context.Context, from, to PaymentStatus, olderThan, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_payments SET status = ?, last_attempt_at = ?
		 WHERE status = ? AND (last_attempt_at IS NULL OR last_attempt_at < ?)`,
		string(to), formatTime(at), string(from), formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("transition %s payments: %w", from, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("transition %s payments: %w", from, err)
	}
	return int(n), nil
}

// ListSettlementRecords returns audit rows for an account ("" for all).
func (s *SQLiteStore) ListSettlementRecords(ctx context.Context, accountNo string) ([]*SettlementRecord, error) {
	query := `SELECT id, payment_id, reference_no, account_no, amount, credit, balance_before,
		balance_after, lines, created_at FROM settlement_records`
	var args []any
	if accountNo != "" {
		query += ` WHERE account_no = ?`
		args = append(args, accountNo)
	}
	query += ` ORDER BY created_at, payment_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list settlement records: %w", err)
	}
	defer rows.Close()

	var result []*SettlementRecord
	for rows.Next() {
		var (
			rec       SettlementRecord
			lines     string
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.PaymentID, &rec.ReferenceNo, &rec.AccountNo, &rec.Amount,
			&rec.Credit, &rec.BalanceBefore, &rec.BalanceAfter, &lines, &createdAt); err != nil {
			return nil, fmt.Errorf("scan settlement record: %w", err)
		}
		if err := json.Unmarshal([]byte(lines), &rec.Lines); err != nil {
			return nil, fmt.Errorf("decode lines: %w", err)
		}
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		result = append(result, &rec)
	}
	return result, rows.Err()
}

// --- Lease Operations ---

// GetLease retrieves a lease by name.
func (s *SQLiteStore) GetLease(ctx context.Context, name string) (*WorkerLease, error) {
	var (
		l                   WorkerLease
		acquired, expiresAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, owner, acquired_at, expires_at FROM worker_leases WHERE name = ?`, name).
		Scan(&l.Name, &l.Owner, &acquired, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lease %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get lease %s: %w", name, err)
	}
	if l.AcquiredAt, err = parseTime(acquired); err != nil {
		return nil, fmt.Errorf("parse acquired_at: %w", err)
	}
	if l.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	return &l, nil
}

// InsertLease inserts a lease if no row with the same name exists.
func (s *SQLiteStore) InsertLease(ctx context.Context, l *WorkerLease) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_leases (name, owner, acquired_at, expires_at) VALUES (?, ?, ?, ?)`,
		l.Name, l.Owner, formatTime(l.AcquiredAt), formatTime(l.ExpiresAt))
	if err != nil {
		return mapError(err, "insert lease "+l.Name)
	}
	return nil
}

// DeleteLease removes a lease held by owner.
func (s *SQLiteStore) DeleteLease(ctx context.Context, name, owner string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM worker_leases WHERE name = ? AND owner = ?`, name, owner)
	if err != nil {
		return fmt.Errorf("delete lease %s: %w", name, err)
	}
	return s.leaseOwnership(ctx, res, name)
}

// UpdateLease extends a lease held by owner.
func (s *SQLiteStore) UpdateLease(ctx context.Context, name, owner string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE worker_leases SET expires_at = ? WHERE name = ? AND owner = ?`,
		formatTime(expiresAt), name, owner)
	if err != nil {
		return fmt.Errorf("update lease %s: %w", name, err)
	}
	return s.leaseOwnership(ctx, res, name)
}

// leaseOwnership distinguishes a missing lease from one held by another
// owner after a conditional write touched no rows.
func (s *SQLiteStore) leaseOwnership(ctx context.Context, res sql.Result, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("lease %s: %w", name, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetLease(ctx, name); err != nil {
		return err
	}
	return fmt.Errorf("lease %s held by another owner: %w", name, ErrConflict)
}

// --- Mirror Operations ---

// EnsureMirrorRows inserts a mirror row for every account with a username
// that has none yet. It returns the number of rows inserted.
func (s *SQLiteStore) EnsureMirrorRows(ctx context.Context, accounts []*Account) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, acct := range accounts {
		if acct.Username == "" {
			continue
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO access_status (account_no, username, session_status) VALUES (?, ?, ?)`,
			acct.AccountNo, acct.Username, string(SessionUnknown))
		if err != nil {
			return 0, fmt.Errorf("insert mirror row %s: %w", acct.AccountNo, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// WriteMirror upserts all rows in one transaction.
func (s *SQLiteStore) WriteMirror(ctx context.Context, rows []*AccessStatusMirror) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO access_status (account_no, username, session_status, grp, session_id,
			address, mac, uptime, bytes_in, bytes_out)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_no) DO UPDATE SET
			username = excluded.username,
			session_status = excluded.session_status,
			grp = excluded.grp,
			session_id = excluded.session_id,
			address = excluded.address,
			mac = excluded.mac,
			uptime = excluded.uptime,
			bytes_in = excluded.bytes_in,
			bytes_out = excluded.bytes_out`)
	if err != nil {
		return fmt.Errorf("prepare mirror upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.AccountNo, r.Username, string(r.SessionStatus), r.Group,
			r.SessionID, r.Address, r.MAC, r.Uptime, r.BytesIn, r.BytesOut); err != nil {
			return fmt.Errorf("upsert mirror row %s: %w", r.AccountNo, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListMirror returns the mirror ordered by account number.
func (s *SQLiteStore) ListMirror(ctx context.Context) ([]*AccessStatusMirror, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_no, username, session_status, grp, session_id, address, mac, uptime, bytes_in, bytes_out
		FROM access_status ORDER BY account_no`)
	if err != nil {
		return nil, fmt.Errorf("list mirror: %w", err)
	}
	defer rows.Close()

	var result []*AccessStatusMirror
	for rows.Next() {
		var r AccessStatusMirror
		if err := rows.Scan(&r.AccountNo, &r.Username, &r.SessionStatus, &r.Group, &r.SessionID,
			&r.Address, &r.MAC, &r.Uptime, &r.BytesIn, &r.BytesOut); err != nil {
			return nil, fmt.Errorf("scan mirror row: %w", err)
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}

// Stats returns row counts per table. Errors yield zero counts.
func (s *SQLiteStore) Stats() StoreStats {
	count := func(table string) int {
		var n int
		_ = s.db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n)
		return n
	}
	return StoreStats{
		Accounts:    count("accounts"),
		Invoices:    count("invoices"),
		Payments:    count("pending_payments"),
		Leases:      count("worker_leases"),
		MirrorRows:  count("access_status"),
		Settlements: count("settlement_records"),
	}
}

// --- Transactions ---

// BeginTx starts an immediate (write-locking) transaction.
func (s *SQLiteStore) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) GetAccount(ctx context.Context, accountNo string) (*Account, error) {
	return getAccount(ctx, t.tx, accountNo)
}

func (t *sqliteTx) ListOpenInvoices(ctx context.Context, accountNo string) ([]*Invoice, error) {
	return listInvoices(ctx, t.tx, accountNo, true)
}

func (t *sqliteTx) UpdateInvoice(ctx context.Context, inv *Invoice) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE invoices SET received_payment = ?, status = ? WHERE id = ?`,
		inv.ReceivedPayment.String(), string(inv.Status), inv.ID)
	if err != nil {
		return fmt.Errorf("update invoice %d: %w", inv.ID, err)
	}
	return expectRow(res, fmt.Sprintf("invoice %d", inv.ID))
}

func (t *sqliteTx) UpdateBalance(ctx context.Context, accountNo string, balance decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE accounts SET account_balance = ?, updated_at = ? WHERE account_no = ?`,
		balance.String(), formatTime(time.Now()), accountNo)
	if err != nil {
		return fmt.Errorf("update balance %s: %w", accountNo, err)
	}
	return expectRow(res, fmt.Sprintf("account %s", accountNo))
}

func (t *sqliteTx) TransitionPayment(ctx context.Context, id int64, from []PaymentStatus, to PaymentStatus, reason string, at time.Time) (bool, error) {
	return transitionPaymentSQL(ctx, t.tx, id, from, to, reason, at)
}

func (t *sqliteTx) InsertSettlementRecord(ctx context.Context, rec *SettlementRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	lines, err := json.Marshal(rec.Lines)
	if err != nil {
		return fmt.Errorf("encode lines: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO settlement_records (id, payment_id, reference_no, account_no, amount, credit,
			balance_before, balance_after, lines, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PaymentID, rec.ReferenceNo, rec.AccountNo, rec.Amount.String(), rec.Credit.String(),
		rec.BalanceBefore.String(), rec.BalanceAfter.String(), string(lines), formatTime(rec.CreatedAt))
	if err != nil {
		return mapError(err, fmt.Sprintf("insert settlement record for payment %d", rec.PaymentID))
	}
	return nil
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}
