package organizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Outcome is the terminal result of processing one file.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
	OutcomeError     Outcome = "error"
)

// Result reports how one file's processing ended.
type Result struct {
	Outcome  Outcome
	Attempts int
	Err      error
}

// Processor drives a single file through quarantine, parse, catalog insert
// and archive move, with bounded retries.
type Processor struct {
	cfg     *Config
	store   *Store
	cache   *Cache
	issuers *IssuerCache
	mover   *Mover
	audit   Sink
	log     *slog.Logger
}

// NewProcessor wires a Processor. A nil sink or logger falls back to no-op /
// the default logger.
func NewProcessor(cfg *Config, store *Store, cache *Cache, mover *Mover, audit Sink, log *slog.Logger) *Processor {
	if audit == nil {
		audit = NopSink{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		cfg:     cfg,
		store:   store,
		cache:   cache,
		issuers: NewIssuerCache(),
		mover:   mover,
		audit:   audit,
		log:     log,
	}
}

// HashFile computes the hex SHA-256 of the file bytes at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ProcessInboxFile takes a candidate path from the inbox through the full
// pipeline: quarantine first, then the retry-driven attempt loop.
func (p *Processor) ProcessInboxFile(ctx context.Context, path string) Result {
	started := time.Now()
	filename := filepath.Base(path)

	hash, err := HashFile(path)
	if err != nil {
		p.audit.Emit(EventSystemError, "file", filename, "path", path, "error", err.Error())
		return Result{Outcome: OutcomeError, Err: fmt.Errorf("hash inbox file: %w", err)}
	}
	p.audit.Emit(EventFileDiscovered, "file", filename, "path", path, "hash", hash)

	auditID, err := p.store.CreateAudit(ctx, hash, filename, path)
	if err != nil {
		p.audit.Emit(EventSystemError, "file", filename, "error", err.Error())
		return Result{Outcome: OutcomeError, Err: err}
	}

	qpath, err := p.mover.Quarantine(path)
	if err != nil {
		// The file stays in the inbox; the next scan retries it.
		p.audit.Emit(EventQuarantineFailed, "file", filename, "error", err.Error())
		p.log.Warn("quarantine failed", "file", filename, "error", err)
		return Result{Outcome: OutcomeError, Err: err}
	}
	p.setStatus(ctx, auditID, StatusQuarantined)
	p.audit.Emit(EventFileQuarantined, "file", filename, "quarantine_path", qpath)

	return p.runAttempts(ctx, auditID, hash, qpath, started)
}

// ProcessQuarantined re-drives a file already sitting in quarantine —
// the reconciler's entry point. A missing audit row (stranded file) is
// created on the spot.
func (p *Processor) ProcessQuarantined(ctx context.Context, qpath string) Result {
	started := time.Now()

	hash, err := HashFile(qpath)
	if err != nil {
		return Result{Outcome: OutcomeError, Err: fmt.Errorf("hash quarantined file: %w", err)}
	}

	audit, err := p.store.AuditByHash(ctx, hash)
	if err != nil {
		return Result{Outcome: OutcomeError, Err: err}
	}
	var auditID int64
	if audit == nil || audit.Status.Terminal() {
		name := OriginalName(filepath.Base(qpath))
		auditID, err = p.store.CreateAudit(ctx, hash, name, qpath)
		if err != nil {
			return Result{Outcome: OutcomeError, Err: err}
		}
		p.audit.Emit(EventFileDiscovered, "file", name, "path", qpath, "hash", hash, "source", "reconciliation")
	} else {
		auditID = audit.ID
	}
	p.setStatus(ctx, auditID, StatusQuarantined)

	return p.runAttempts(ctx, auditID, hash, qpath, started)
}

// runAttempts is the retry controller: at most MaxRetryAttempts tries with
// base^k-second sleeps between them, every attempt recorded. Exhaustion
// dead-letters the file.
func (p *Processor) runAttempts(ctx context.Context, auditID int64, hash, qpath string, started time.Time) Result {
	filename := OriginalName(filepath.Base(qpath))
	var lastErr error

	for k := 1; k <= p.cfg.MaxRetryAttempts; k++ {
		if ctx.Err() != nil {
			// Timed-out or cancelled worker: leave the file in quarantine for
			// the reconciler; never dead-letter on a budget expiry.
			return Result{Outcome: OutcomeError, Attempts: k - 1, Err: ctx.Err()}
		}

		p.setStatus(ctx, auditID, StatusProcessing)
		p.audit.Emit(EventProcessingAttempt, "file", filename, "attempt", k, "audit_id", auditID)
		attStart := time.Now()

		res, err := p.attempt(ctx, auditID, hash, qpath)
		dur := time.Since(attStart)

		if err == nil {
			if res.duplicate {
				p.recordAttempt(ctx, auditID, k, StatusDuplicate, "", "", "", dur)
				p.completeAudit(ctx, auditID, StatusDuplicate, res.dest, time.Since(started))
				p.audit.Emit(EventFileDuplicate, "file", filename, "hash", hash, "existing", res.dest)
				return Result{Outcome: OutcomeDuplicate, Attempts: k}
			}
			p.recordAttempt(ctx, auditID, k, StatusSuccess, "", "", "", dur)
			p.completeAudit(ctx, auditID, StatusSuccess, res.dest, time.Since(started))
			p.cache.Add(hash, res.accessKey)
			p.audit.Emit(EventFileSuccess, "file", filename, "destination", res.dest,
				"attempt", k, "duration_ms", time.Since(started).Milliseconds())
			return Result{Outcome: OutcomeSuccess, Attempts: k}
		}

		lastErr = err
		kind := Classify(err)
		p.recordAttempt(ctx, auditID, k, failureStatus(err), kind, err.Error(), errorChain(err), dur)
		p.log.Warn("attempt failed", "file", filename, "attempt", k, "kind", kind, "error", err)

		if k < p.cfg.MaxRetryAttempts {
			if err := sleepCtx(ctx, p.cfg.RetryBackoff(k)); err != nil {
				return Result{Outcome: OutcomeError, Attempts: k, Err: lastErr}
			}
		}
	}

	// Budget exhausted: dead-letter.
	dest, mvErr := p.mover.DeadLetter(qpath)
	if mvErr != nil {
		p.log.Error("dead-letter move failed", "file", filename, "error", mvErr)
		dest = qpath
	}
	p.completeAudit(ctx, auditID, StatusFailedPermanent, dest, time.Since(started))
	p.audit.Emit(EventFileDeadLetter, "file", filename, "destination", dest,
		"attempts", p.cfg.MaxRetryAttempts, "error", lastErr.Error())
	return Result{Outcome: OutcomeFailed, Attempts: p.cfg.MaxRetryAttempts, Err: lastErr}
}

type attemptResult struct {
	duplicate bool
	dest      string
	accessKey string
}

// attempt is one pass of the atomic catalog+move transaction. A nil error
// with duplicate=false means the document row is committed and the file is
// in the archive.
func (p *Processor) attempt(ctx context.Context, auditID int64, hash, qpath string) (attemptResult, error) {
	// Idempotency short-circuit by content hash.
	if p.cache.HasHash(hash) {
		return p.resolveDuplicate(ctx, auditID, qpath, hash, "")
	}

	inv, err := Extract(qpath)
	if err != nil {
		return attemptResult{}, err
	}
	p.setStatus(ctx, auditID, StatusParsed)
	if err := p.store.SetAuditAccessKey(ctx, auditID, inv.AccessKey); err != nil {
		p.log.Warn("record access key", "error", err)
	}

	if p.cache.HasKey(inv.AccessKey) {
		return p.resolveDuplicate(ctx, auditID, qpath, hash, inv.AccessKey)
	}

	issuerName := CanonicalIssuerName(inv.IssuerName)
	issuerID, ok := p.issuers.Get(inv.TaxID, issuerName)
	if !ok {
		issuerID, err = p.store.UpsertIssuer(ctx, inv.TaxID, issuerName)
		if err != nil {
			return attemptResult{}, stageErr(StatusFailedDB, "upsert issuer", ErrKindDBConnection, err)
		}
		p.issuers.Put(inv.TaxID, issuerName, issuerID)
	}
	if err := p.store.SetAuditIssuer(ctx, auditID, issuerID); err != nil {
		p.log.Warn("record issuer", "error", err)
	}

	dest := ArchivePath(p.mover.ArchiveRoot, issuerName, inv.TaxID, inv.Kind, inv.EmissionDate, OriginalName(filepath.Base(qpath)))
	if fileExists(dest) {
		return p.discardDuplicate(auditID, qpath, dest)
	}

	doc := &Document{
		AccessKey:        inv.AccessKey,
		ContentHash:      hash,
		IssuerID:         issuerID,
		ProcessedDate:    time.Now(),
		EmissionDate:     inv.EmissionDate,
		Kind:             inv.Kind,
		FinalDestination: dest,
	}
	ins, err := p.store.InsertDocument(ctx, doc)
	if err != nil {
		return attemptResult{}, stageErr(StatusFailedDB, "insert document", ErrKindDBConnection, err)
	}
	if ins == Duplicate {
		return p.resolveDuplicate(ctx, auditID, qpath, hash, inv.AccessKey)
	}
	p.setStatus(ctx, auditID, StatusDBInserted)

	if err := p.mover.Archive(qpath, dest); err != nil {
		// Roll back the committed row; its file never arrived.
		if rbErr := p.store.DeleteDocument(ctx, inv.AccessKey); rbErr != nil {
			p.log.Error("CRITICAL: rollback of document insert failed; reconciliation must repair",
				"access_key", inv.AccessKey, "error", rbErr)
		}
		return attemptResult{}, stageErr(StatusFailedMove, "move to archive", "", err)
	}
	p.setStatus(ctx, auditID, StatusFileMoved)

	return attemptResult{dest: dest, accessKey: inv.AccessKey}, nil
}

// resolveDuplicate handles a hash or key already owned by the catalog.
// When the owning document's archived file is missing (a crash landed
// between insert and move), the quarantined bytes complete the interrupted
// move instead of being discarded.
func (p *Processor) resolveDuplicate(ctx context.Context, auditID int64, qpath, hash, key string) (attemptResult, error) {
	var (
		doc *Document
		err error
	)
	if hash != "" {
		doc, err = p.store.DocumentByHash(ctx, hash)
	}
	if err == nil && doc == nil && key != "" {
		doc, err = p.store.DocumentByKey(ctx, key)
	}
	if err != nil {
		return attemptResult{}, stageErr(StatusFailedDB, "lookup duplicate owner", ErrKindDBConnection, err)
	}

	// Repair only when the quarantined bytes are the row's bytes; a key
	// collision with a different hash cannot stand in for the lost file.
	if doc != nil && doc.ContentHash == hash && !fileExists(doc.FinalDestination) {
		if err := p.mover.Archive(qpath, doc.FinalDestination); err != nil {
			return attemptResult{}, stageErr(StatusFailedMove, "repair missing archive file", "", err)
		}
		p.setStatus(ctx, auditID, StatusFileMoved)
		p.log.Info("repaired document with missing archive file",
			"access_key", doc.AccessKey, "destination", doc.FinalDestination)
		return attemptResult{dest: doc.FinalDestination, accessKey: doc.AccessKey}, nil
	}

	dest := ""
	if doc != nil {
		dest = doc.FinalDestination
	}
	return p.discardDuplicate(auditID, qpath, dest)
}

// discardDuplicate removes the quarantined copy; the existing document (or
// archived file) owns the key. The removal is audited by the caller's
// FILE_DUPLICATE event and the DUPLICATE terminal audit row.
func (p *Processor) discardDuplicate(auditID int64, qpath, existing string) (attemptResult, error) {
	if err := os.Remove(qpath); err != nil && !os.IsNotExist(err) {
		return attemptResult{}, stageErr(StatusFailedMove, "remove duplicate from quarantine", "", err)
	}
	return attemptResult{duplicate: true, dest: existing}, nil
}

func (p *Processor) setStatus(ctx context.Context, auditID int64, status Status) {
	if err := p.store.SetAuditStatus(ctx, auditID, status); err != nil {
		p.log.Warn("audit status update failed", "audit_id", auditID, "status", status, "error", err)
	}
}

func (p *Processor) recordAttempt(ctx context.Context, auditID int64, ordinal int, status Status, kind ErrorKind, msg, stack string, dur time.Duration) {
	if err := p.store.RecordAttempt(ctx, auditID, ordinal, status, kind, msg, stack, dur); err != nil {
		p.log.Warn("attempt record failed", "audit_id", auditID, "attempt", ordinal, "error", err)
	}
}

func (p *Processor) completeAudit(ctx context.Context, auditID int64, status Status, dest string, total time.Duration) {
	if err := p.store.CompleteAudit(ctx, auditID, status, dest, total); err != nil {
		p.log.Warn("audit completion failed", "audit_id", auditID, "status", status, "error", err)
	}
}

// failureStatus maps an attempt error onto its transient failure state.
func failureStatus(err error) Status {
	var pe *PipelineError
	if errors.As(err, &pe) && pe.Stage != "" {
		return pe.Stage
	}
	return StatusFailedMove
}

// errorChain renders the full wrapped error chain, one frame per line, as
// the attempt's stored trace.
func errorChain(err error) string {
	var b []byte
	for err != nil {
		b = append(b, err.Error()...)
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
		if err != nil {
			b = append(b, '\n')
		}
	}
	return string(b)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
