package organizer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReconcile_RecoversStrandedFile(t *testing.T) {
	// A stale quarantine file with no audit row at all: the reconciler must
	// process it end-to-end and leave a SUCCESS audit behind.
	tp := newTestPipeline(t)
	ctx := context.Background()

	qpath := writeFile(t, filepath.Join(tp.cfg.QuarantineDir(), "20241106_103000_000001_nota.xml"), sampleInvoiceXML())
	backdate(t, qpath, 10*time.Minute)
	hash, _ := HashFile(qpath)

	stats, err := tp.recon.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.FilesChecked < 1 || stats.IssuesFixed < 1 {
		t.Errorf("stats = %+v, want at least one checked and fixed", stats)
	}

	audit, _ := tp.store.AuditByHash(ctx, hash)
	if audit == nil || audit.Status != StatusSuccess {
		t.Fatalf("audit = %+v, want SUCCESS", audit)
	}
	if doc, _ := tp.store.DocumentByKey(ctx, testKey1); doc == nil {
		t.Error("document row missing after recovery")
	}
	if entries, _ := os.ReadDir(tp.cfg.QuarantineDir()); len(entries) != 0 {
		t.Error("quarantine not drained")
	}
}

func TestReconcile_SkipsFreshQuarantineFiles(t *testing.T) {
	tp := newTestPipeline(t)
	ctx := context.Background()

	// Just quarantined: too young to re-feed.
	writeFile(t, filepath.Join(tp.cfg.QuarantineDir(), "20241106_103000_000001_nota.xml"), sampleInvoiceXML())

	if _, err := tp.recon.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if entries, _ := os.ReadDir(tp.cfg.QuarantineDir()); len(entries) != 1 {
		t.Error("fresh quarantine file must be left alone")
	}
	if n := countDocuments(t, tp.store); n != 0 {
		t.Errorf("documents = %d, want 0", n)
	}
}

func TestReconcile_CrashBetweenInsertAndMove(t *testing.T) {
	// Crash simulation: committed document row, audit stuck in DB_INSERTED,
	// file bytes still in quarantine. One reconciliation pass must finish the
	// move; the catalog must end with exactly one row.
	tp := newTestPipeline(t)
	ctx := context.Background()

	content := sampleInvoiceXML()
	qpath := writeFile(t, filepath.Join(tp.cfg.QuarantineDir(), "20241106_103000_000001_nota.xml"), content)
	backdate(t, qpath, 10*time.Minute)
	hash, _ := HashFile(qpath)

	issuerID, _ := tp.store.UpsertIssuer(ctx, testTaxID, "EMPRESA TESTE LTDA")
	dest := ArchivePath(tp.cfg.DestinationDirectory, "EMPRESA TESTE LTDA", testTaxID, KindNFE,
		time.Date(2024, 11, 6, 0, 0, 0, 0, time.UTC), "nota.xml")
	if _, err := tp.store.InsertDocument(ctx, &Document{
		AccessKey: testKey1, ContentHash: hash, IssuerID: issuerID,
		ProcessedDate: time.Now(), EmissionDate: time.Date(2024, 11, 6, 0, 0, 0, 0, time.UTC),
		Kind: KindNFE, FinalDestination: dest,
	}); err != nil {
		t.Fatal(err)
	}
	auditID, _ := tp.store.CreateAudit(ctx, hash, "nota.xml", "/inbox/nota.xml")
	tp.store.SetAuditStatus(ctx, auditID, StatusDBInserted)

	if _, err := tp.recon.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(dest); err != nil {
		t.Errorf("file not restored to archive: %v", err)
	}
	if n := countDocuments(t, tp.store); n != 1 {
		t.Errorf("documents = %d, want exactly 1", n)
	}
	audit, _ := tp.store.GetAudit(ctx, auditID)
	if audit.Status != StatusSuccess {
		t.Errorf("audit status = %s, want SUCCESS", audit.Status)
	}
}

func TestReconcile_MarksLostAudits(t *testing.T) {
	tp := newTestPipeline(t)
	ctx := context.Background()

	// Audit stuck in an intermediate state, no file anywhere.
	auditID, _ := tp.store.CreateAudit(ctx, "h-lost", "vanished.xml", "/inbox/vanished.xml")
	tp.store.SetAuditStatus(ctx, auditID, StatusProcessing)
	tp.store.DB().Exec(`UPDATE processing_audit SET discovered_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Hour).Format(timeLayout), auditID)

	stats, err := tp.recon.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.IssuesFound < 1 {
		t.Errorf("stats = %+v, want the lost file counted", stats)
	}

	audit, _ := tp.store.GetAudit(ctx, auditID)
	if audit.Status != StatusFailedPermanent {
		t.Errorf("status = %s, want FAILED_PERMANENT", audit.Status)
	}
	if audit.LastErrorMessage.String != "file lost during reconciliation" {
		t.Errorf("message = %q", audit.LastErrorMessage.String)
	}
}

func TestReconcile_LeavesStuckAuditWithPresentFile(t *testing.T) {
	tp := newTestPipeline(t)
	ctx := context.Background()

	// The audited file is still in quarantine (fresh, so the quarantine sweep
	// skips it too); the stuck sweep must not declare it lost.
	writeFile(t, filepath.Join(tp.cfg.QuarantineDir(), "20241106_103000_000001_present.xml"), "<x/>")
	auditID, _ := tp.store.CreateAudit(ctx, "h-present", "present.xml", "/inbox/present.xml")
	tp.store.SetAuditStatus(ctx, auditID, StatusQuarantined)
	tp.store.DB().Exec(`UPDATE processing_audit SET discovered_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Hour).Format(timeLayout), auditID)

	if _, err := tp.recon.Run(ctx); err != nil {
		t.Fatal(err)
	}
	audit, _ := tp.store.GetAudit(ctx, auditID)
	if audit.Status == StatusFailedPermanent {
		t.Error("audit with a present file must not be marked lost")
	}
}

func TestReconcile_WritesLogRow(t *testing.T) {
	tp := newTestPipeline(t)
	ctx := context.Background()

	if _, err := tp.recon.Run(ctx); err != nil {
		t.Fatal(err)
	}
	var n int
	if err := tp.store.DB().QueryRow(`SELECT COUNT(*) FROM reconciliation_log`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reconciliation_log rows = %d, want 1", n)
	}
}

func TestReconcile_CountsDeadLetterBacklog(t *testing.T) {
	tp := newTestPipeline(t)
	ctx := context.Background()

	writeFile(t, filepath.Join(tp.cfg.DeadLetterDir(), "poison.xml"), "<x/>")
	stats, err := tp.recon.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, d := range stats.Details {
		if d == "dead_letter backlog: 1 file(s)" {
			found = true
		}
	}
	if !found {
		t.Errorf("details %v missing dead-letter count", stats.Details)
	}
}
