package organizer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/EnzzoHosaki/xml-organizer/dbopen"
)

const (
	errMsgMax = 500
	stackMax  = 2000
)

const catalogSchema = `
CREATE TABLE IF NOT EXISTS issuers (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    tax_id      TEXT NOT NULL UNIQUE,
    name        TEXT NOT NULL,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    access_key        TEXT NOT NULL UNIQUE,
    content_hash      TEXT NOT NULL UNIQUE,
    issuer_id         INTEGER NOT NULL REFERENCES issuers(id),
    processed_date    TEXT NOT NULL,
    emission_date     TEXT NOT NULL,
    kind              TEXT NOT NULL,
    final_destination TEXT NOT NULL,
    created_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS processing_audit (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    content_hash       TEXT NOT NULL,
    filename           TEXT NOT NULL,
    original_path      TEXT NOT NULL,
    discovered_at      TEXT NOT NULL,
    status             TEXT NOT NULL,
    attempt_count      INTEGER NOT NULL DEFAULT 0,
    last_attempt_at    TEXT,
    last_error_kind    TEXT,
    last_error_message TEXT,
    final_destination  TEXT,
    access_key         TEXT,
    issuer_id          INTEGER,
    completed_at       TEXT,
    duration_ms        INTEGER
);

CREATE TABLE IF NOT EXISTS processing_attempts (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    audit_id      INTEGER NOT NULL REFERENCES processing_audit(id),
    attempt       INTEGER NOT NULL,
    status        TEXT NOT NULL,
    error_kind    TEXT,
    error_message TEXT,
    stack_trace   TEXT,
    duration_ms   INTEGER,
    created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS reconciliation_log (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id        TEXT NOT NULL,
    run_at        TEXT NOT NULL,
    files_checked INTEGER NOT NULL,
    issues_found  INTEGER NOT NULL,
    issues_fixed  INTEGER NOT NULL,
    details       TEXT
);

CREATE INDEX IF NOT EXISTS idx_documents_issuer ON documents(issuer_id);
CREATE INDEX IF NOT EXISTS idx_audit_hash       ON processing_audit(content_hash);
CREATE INDEX IF NOT EXISTS idx_audit_status     ON processing_audit(status);
CREATE INDEX IF NOT EXISTS idx_attempts_audit   ON processing_attempts(audit_id);
`

// Store is the durable catalog: issuers, documents, audit trail and
// reconciliation history in one SQLite database. Writes are serialized by a
// process-wide mutex (single-writer discipline); reads run concurrently.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStore opens (or creates) the catalog at path and applies the schema.
func OpenStore(path string) (*Store, error) {
	db, err := dbopen.Open(path,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(catalogSchema),
	)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for tests and stats queries.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// timeLayout is fixed-width so stored timestamps compare correctly as
// strings in SQL (RFC3339Nano trims trailing zeros and breaks ordering).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func now() string { return time.Now().UTC().Format(timeLayout) }

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Issuers ---

// UpsertIssuer creates the issuer on first sight, or refreshes its display
// name when a later document spells it differently. Returns the issuer id.
func (s *Store) UpsertIssuer(ctx context.Context, taxID, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issuers (tax_id, name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tax_id) DO UPDATE SET
			name = excluded.name,
			updated_at = excluded.updated_at
		WHERE issuers.name <> excluded.name`,
		taxID, name, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("upsert issuer %s: %w", taxID, err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM issuers WHERE tax_id = ?`, taxID).Scan(&id); err != nil {
		return 0, fmt.Errorf("select issuer %s: %w", taxID, err)
	}
	return id, nil
}

// GetIssuer returns an issuer row by tax id, or nil when absent.
func (s *Store) GetIssuer(ctx context.Context, taxID string) (*Issuer, error) {
	var iss Issuer
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tax_id, name, created_at, updated_at FROM issuers WHERE tax_id = ?`, taxID).
		Scan(&iss.ID, &iss.TaxID, &iss.Name, &iss.CreatedAt, &iss.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get issuer %s: %w", taxID, err)
	}
	return &iss, nil
}

// Issuer is a tax entity row.
type Issuer struct {
	ID        int64
	TaxID     string
	Name      string
	CreatedAt string
	UpdatedAt string
}

// --- Documents ---

// Document is a catalogued fiscal document.
type Document struct {
	ID               int64
	AccessKey        string
	ContentHash      string
	IssuerID         int64
	ProcessedDate    time.Time
	EmissionDate     time.Time
	Kind             Kind
	FinalDestination string
}

// InsertResult distinguishes a committed insert from an integrity-violation
// duplicate. Duplicates are a result value, not an error: an existing row
// owning the key or hash is a normal outcome of re-feeding.
type InsertResult int

const (
	Inserted InsertResult = iota
	Duplicate
)

// InsertDocument inserts a document row. Uniqueness violations on access_key
// or content_hash report Duplicate; every other failure is an error.
func (s *Store) InsertDocument(ctx context.Context, d *Document) (InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents
			(access_key, content_hash, issuer_id, processed_date, emission_date, kind, final_destination, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.AccessKey, d.ContentHash, d.IssuerID,
		d.ProcessedDate.UTC().Format(timeLayout),
		d.EmissionDate.UTC().Format(timeLayout),
		string(d.Kind), d.FinalDestination, now())
	if isUniqueViolation(err) {
		return Duplicate, nil
	}
	if err != nil {
		return 0, fmt.Errorf("insert document %s: %w", d.AccessKey, err)
	}
	d.ID, _ = res.LastInsertId()
	return Inserted, nil
}

// DeleteDocument removes a document row by access key. Used only to roll
// back the insert half of the catalog+move transaction.
func (s *Store) DeleteDocument(ctx context.Context, accessKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE access_key = ?`, accessKey); err != nil {
		return fmt.Errorf("delete document %s: %w", accessKey, err)
	}
	return nil
}

// DocumentByKey returns the document owning accessKey, or nil.
func (s *Store) DocumentByKey(ctx context.Context, accessKey string) (*Document, error) {
	return s.documentBy(ctx, "access_key", accessKey)
}

// DocumentByHash returns the document owning the content hash, or nil.
func (s *Store) DocumentByHash(ctx context.Context, hash string) (*Document, error) {
	return s.documentBy(ctx, "content_hash", hash)
}

func (s *Store) documentBy(ctx context.Context, column, value string) (*Document, error) {
	var (
		d               Document
		kind            string
		processed, emis string
	)
	// column is one of two compile-time constants, never external input.
	q := fmt.Sprintf(`SELECT id, access_key, content_hash, issuer_id, processed_date, emission_date, kind, final_destination
		FROM documents WHERE %s = ?`, column)
	err := s.db.QueryRowContext(ctx, q, value).
		Scan(&d.ID, &d.AccessKey, &d.ContentHash, &d.IssuerID, &processed, &emis, &kind, &d.FinalDestination)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document by %s: %w", column, err)
	}
	d.Kind = Kind(kind)
	d.ProcessedDate, _ = time.Parse(time.RFC3339Nano, processed)
	d.EmissionDate, _ = time.Parse(time.RFC3339Nano, emis)
	return &d, nil
}

// ProcessedIdentifiers returns every catalogued content hash and access key,
// used to warm the idempotency cache at startup.
func (s *Store) ProcessedIdentifiers(ctx context.Context) (hashes, keys []string, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT content_hash, access_key FROM documents`)
	if err != nil {
		return nil, nil, fmt.Errorf("list processed identifiers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var h, k string
		if err := rows.Scan(&h, &k); err != nil {
			return nil, nil, fmt.Errorf("scan identifiers: %w", err)
		}
		hashes = append(hashes, h)
		keys = append(keys, k)
	}
	return hashes, keys, rows.Err()
}

// --- Processing audit ---

// Audit is one file's durable journey record.
type Audit struct {
	ID               int64
	ContentHash      string
	Filename         string
	OriginalPath     string
	DiscoveredAt     string
	Status           Status
	AttemptCount     int
	LastAttemptAt    sql.NullString
	LastErrorKind    sql.NullString
	LastErrorMessage sql.NullString
	FinalDestination sql.NullString
	AccessKey        sql.NullString
	IssuerID         sql.NullInt64
	CompletedAt      sql.NullString
	DurationMs       sql.NullInt64
}

// CreateAudit inserts a PENDING audit row for a discovered file.
func (s *Store) CreateAudit(ctx context.Context, hash, filename, originalPath string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_audit (content_hash, filename, original_path, discovered_at, status)
		VALUES (?, ?, ?, ?, ?)`,
		hash, filename, originalPath, now(), string(StatusPending))
	if err != nil {
		return 0, fmt.Errorf("create audit for %s: %w", filename, err)
	}
	return res.LastInsertId()
}

// SetAuditStatus advances the audit row's current status.
func (s *Store) SetAuditStatus(ctx context.Context, id int64, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE processing_audit SET status = ? WHERE id = ?`, string(status), id); err != nil {
		return fmt.Errorf("set audit %d status %s: %w", id, status, err)
	}
	return nil
}

// SetAuditAccessKey records the parsed access key on the audit row.
func (s *Store) SetAuditAccessKey(ctx context.Context, id int64, accessKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE processing_audit SET access_key = ? WHERE id = ?`, accessKey, id); err != nil {
		return fmt.Errorf("set audit %d access key: %w", id, err)
	}
	return nil
}

// SetAuditIssuer records the catalogued issuer on the audit row.
func (s *Store) SetAuditIssuer(ctx context.Context, id, issuerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE processing_audit SET issuer_id = ? WHERE id = ?`, issuerID, id); err != nil {
		return fmt.Errorf("set audit %d issuer: %w", id, err)
	}
	return nil
}

// RecordAttempt appends a per-attempt row and mirrors the failure summary
// onto the parent audit.
func (s *Store) RecordAttempt(ctx context.Context, auditID int64, ordinal int, status Status, kind ErrorKind, message, stack string, dur time.Duration) error {
	message = truncate(message, errMsgMax)
	stack = truncate(stack, stackMax)

	s.mu.Lock()
	defer s.mu.Unlock()

	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO processing_attempts (audit_id, attempt, status, error_kind, error_message, stack_trace, duration_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			auditID, ordinal, string(status), nullable(string(kind)), nullable(message), nullable(stack),
			dur.Milliseconds(), now()); err != nil {
			return fmt.Errorf("insert attempt %d for audit %d: %w", ordinal, auditID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE processing_audit
			SET attempt_count = ?, last_attempt_at = ?, last_error_kind = ?, last_error_message = ?
			WHERE id = ?`,
			ordinal, now(), nullable(string(kind)), nullable(message), auditID); err != nil {
			return fmt.Errorf("update audit %d attempt summary: %w", auditID, err)
		}
		return nil
	})
}

// CompleteAudit closes the audit row in a terminal status.
func (s *Store) CompleteAudit(ctx context.Context, id int64, status Status, finalDestination string, total time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		UPDATE processing_audit
		SET status = ?, final_destination = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?`,
		string(status), nullable(finalDestination), now(), total.Milliseconds(), id); err != nil {
		return fmt.Errorf("complete audit %d: %w", id, err)
	}
	return nil
}

// AuditByHash returns the most recent audit row for a content hash, or nil.
func (s *Store) AuditByHash(ctx context.Context, hash string) (*Audit, error) {
	rows, err := s.db.QueryContext(ctx, auditSelect+` WHERE content_hash = ? ORDER BY id DESC LIMIT 1`, hash)
	if err != nil {
		return nil, fmt.Errorf("audit by hash: %w", err)
	}
	defer rows.Close()
	audits, err := scanAudits(rows)
	if err != nil {
		return nil, err
	}
	if len(audits) == 0 {
		return nil, nil
	}
	return &audits[0], nil
}

// GetAudit returns an audit row by id, or nil.
func (s *Store) GetAudit(ctx context.Context, id int64) (*Audit, error) {
	rows, err := s.db.QueryContext(ctx, auditSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get audit %d: %w", id, err)
	}
	defer rows.Close()
	audits, err := scanAudits(rows)
	if err != nil {
		return nil, err
	}
	if len(audits) == 0 {
		return nil, nil
	}
	return &audits[0], nil
}

// FindStuckAudits lists audits sitting in one of the given statuses whose
// last activity predates cutoff. Rows that never started an attempt fall
// back to their discovery time.
func (s *Store) FindStuckAudits(ctx context.Context, cutoff time.Time, statuses []Status) ([]Audit, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, cutoff.UTC().Format(timeLayout))

	rows, err := s.db.QueryContext(ctx,
		auditSelect+` WHERE status IN (`+placeholders+`) AND COALESCE(last_attempt_at, discovered_at) < ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("find stuck audits: %w", err)
	}
	defer rows.Close()
	return scanAudits(rows)
}

// MarkAuditLost terminates an audit whose file cannot be found anywhere.
func (s *Store) MarkAuditLost(ctx context.Context, id int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		UPDATE processing_audit
		SET status = ?, last_error_kind = ?, last_error_message = ?, completed_at = ?
		WHERE id = ?`,
		string(StatusFailedPermanent), string(ErrKindFileNotFound), truncate(message, errMsgMax), now(), id); err != nil {
		return fmt.Errorf("mark audit %d lost: %w", id, err)
	}
	return nil
}

// Attempts returns the per-attempt rows for an audit, oldest first.
func (s *Store) Attempts(ctx context.Context, auditID int64) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, audit_id, attempt, status, error_kind, error_message, stack_trace, duration_ms, created_at
		FROM processing_attempts WHERE audit_id = ? ORDER BY attempt`, auditID)
	if err != nil {
		return nil, fmt.Errorf("list attempts for audit %d: %w", auditID, err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var status string
		if err := rows.Scan(&a.ID, &a.AuditID, &a.Attempt, &status, &a.ErrorKind, &a.ErrorMessage,
			&a.StackTrace, &a.DurationMs, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Status = Status(status)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Attempt is one retry inside a single audit.
type Attempt struct {
	ID           int64
	AuditID      int64
	Attempt      int
	Status       Status
	ErrorKind    sql.NullString
	ErrorMessage sql.NullString
	StackTrace   sql.NullString
	DurationMs   sql.NullInt64
	CreatedAt    string
}

// --- Reconciliation ---

// ReconStats summarizes one reconciliation run.
type ReconStats struct {
	RunID        string
	RunAt        time.Time
	FilesChecked int
	IssuesFound  int
	IssuesFixed  int
	Details      []string
}

// RecordReconciliation appends a reconciliation_log row.
func (s *Store) RecordReconciliation(ctx context.Context, stats ReconStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_log (run_id, run_at, files_checked, issues_found, issues_fixed, details)
		VALUES (?, ?, ?, ?, ?, ?)`,
		stats.RunID, stats.RunAt.UTC().Format(timeLayout),
		stats.FilesChecked, stats.IssuesFound, stats.IssuesFixed,
		strings.Join(stats.Details, "\n")); err != nil {
		return fmt.Errorf("record reconciliation: %w", err)
	}
	return nil
}

// Cleanup deletes terminal audit rows (and their attempts) older than
// retentionDays. Documents and issuers are never cleaned.
func (s *Store) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(timeLayout)

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM processing_attempts WHERE audit_id IN (
				SELECT id FROM processing_audit
				WHERE completed_at IS NOT NULL AND completed_at < ?
			)`, cutoff); err != nil {
			return fmt.Errorf("cleanup attempts: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM processing_audit
			WHERE completed_at IS NOT NULL AND completed_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("cleanup audits: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}

// --- Stats ---

// CatalogStats is the one-shot counters dump for the stats command.
type CatalogStats struct {
	Documents      int            `json:"documents"`
	Issuers        int            `json:"issuers"`
	AuditsByStatus map[string]int `json:"audits_by_status"`
	Reconciliation int            `json:"reconciliation_runs"`
}

// Stats aggregates catalog counters.
func (s *Store) Stats(ctx context.Context) (*CatalogStats, error) {
	st := &CatalogStats{AuditsByStatus: make(map[string]int)}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&st.Documents); err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM issuers`).Scan(&st.Issuers); err != nil {
		return nil, fmt.Errorf("count issuers: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reconciliation_log`).Scan(&st.Reconciliation); err != nil {
		return nil, fmt.Errorf("count reconciliations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM processing_audit GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count audits: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan audit count: %w", err)
		}
		st.AuditsByStatus[status] = n
	}
	return st, rows.Err()
}

// --- helpers ---

const auditSelect = `
	SELECT id, content_hash, filename, original_path, discovered_at, status,
	       attempt_count, last_attempt_at, last_error_kind, last_error_message,
	       final_destination, access_key, issuer_id, completed_at, duration_ms
	FROM processing_audit`

func scanAudits(rows *sql.Rows) ([]Audit, error) {
	var out []Audit
	for rows.Next() {
		var a Audit
		var status string
		if err := rows.Scan(&a.ID, &a.ContentHash, &a.Filename, &a.OriginalPath, &a.DiscoveredAt, &status,
			&a.AttemptCount, &a.LastAttemptAt, &a.LastErrorKind, &a.LastErrorMessage,
			&a.FinalDestination, &a.AccessKey, &a.IssuerID, &a.CompletedAt, &a.DurationMs); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		a.Status = Status(status)
		out = append(out, a)
	}
	return out, rows.Err()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
