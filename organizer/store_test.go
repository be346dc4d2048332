package organizer

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestUpsertIssuer_CreateAndRename(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	id1, err := s.UpsertIssuer(ctx, testTaxID, "EMPRESA TESTE LTDA")
	if err != nil {
		t.Fatal(err)
	}
	if id1 == 0 {
		t.Fatal("issuer id = 0")
	}

	// Same spelling keeps the row.
	id2, err := s.UpsertIssuer(ctx, testTaxID, "EMPRESA TESTE LTDA")
	if err != nil {
		t.Fatal(err)
	}
	if id2 != id1 {
		t.Errorf("id changed on idempotent upsert: %d != %d", id2, id1)
	}

	// New spelling updates the display name, same id.
	id3, err := s.UpsertIssuer(ctx, testTaxID, "EMPRESA TESTE SA")
	if err != nil {
		t.Fatal(err)
	}
	if id3 != id1 {
		t.Errorf("id changed on rename: %d != %d", id3, id1)
	}
	iss, err := s.GetIssuer(ctx, testTaxID)
	if err != nil {
		t.Fatal(err)
	}
	if iss == nil || iss.Name != "EMPRESA TESTE SA" {
		t.Errorf("issuer = %+v, want renamed", iss)
	}
}

func testDocument(issuerID int64, key, hash string) *Document {
	return &Document{
		AccessKey:        key,
		ContentHash:      hash,
		IssuerID:         issuerID,
		ProcessedDate:    time.Now(),
		EmissionDate:     time.Date(2024, 11, 6, 0, 0, 0, 0, time.UTC),
		Kind:             KindNFE,
		FinalDestination: "/archive/x/" + key + ".xml",
	}
}

func TestInsertDocument_DuplicateDetection(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	issuerID, err := s.UpsertIssuer(ctx, testTaxID, testIssuer)
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.InsertDocument(ctx, testDocument(issuerID, testKey1, "hash-1"))
	if err != nil {
		t.Fatal(err)
	}
	if res != Inserted {
		t.Fatalf("first insert = %v, want Inserted", res)
	}

	// Same access key, different hash.
	res, err = s.InsertDocument(ctx, testDocument(issuerID, testKey1, "hash-2"))
	if err != nil {
		t.Fatalf("duplicate by key must not be an error: %v", err)
	}
	if res != Duplicate {
		t.Errorf("insert with duplicate key = %v, want Duplicate", res)
	}

	// Same hash, different access key.
	res, err = s.InsertDocument(ctx, testDocument(issuerID, testKey2, "hash-1"))
	if err != nil {
		t.Fatalf("duplicate by hash must not be an error: %v", err)
	}
	if res != Duplicate {
		t.Errorf("insert with duplicate hash = %v, want Duplicate", res)
	}

	if n := countDocuments(t, s); n != 1 {
		t.Errorf("documents = %d, want 1", n)
	}
}

func TestDeleteDocument_Rollback(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	issuerID, _ := s.UpsertIssuer(ctx, testTaxID, testIssuer)
	if _, err := s.InsertDocument(ctx, testDocument(issuerID, testKey1, "h1")); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteDocument(ctx, testKey1); err != nil {
		t.Fatal(err)
	}
	if n := countDocuments(t, s); n != 0 {
		t.Errorf("documents = %d after rollback, want 0", n)
	}

	// Key is free again.
	if res, err := s.InsertDocument(ctx, testDocument(issuerID, testKey1, "h1")); err != nil || res != Inserted {
		t.Errorf("reinsert after delete = (%v, %v), want Inserted", res, err)
	}
}

func TestAuditLifecycle(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	id, err := s.CreateAudit(ctx, "h1", "nota.xml", "/inbox/nota.xml")
	if err != nil {
		t.Fatal(err)
	}

	for _, st := range []Status{StatusQuarantined, StatusProcessing, StatusParsed, StatusDBInserted, StatusFileMoved} {
		if err := s.SetAuditStatus(ctx, id, st); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SetAuditAccessKey(ctx, id, testKey1); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordAttempt(ctx, id, 1, StatusSuccess, "", "", "", 42*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteAudit(ctx, id, StatusSuccess, "/archive/nota.xml", 100*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	a, err := s.GetAudit(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if a == nil {
		t.Fatal("audit not found")
	}
	if a.Status != StatusSuccess {
		t.Errorf("status = %s, want SUCCESS", a.Status)
	}
	if a.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", a.AttemptCount)
	}
	if !a.AccessKey.Valid || a.AccessKey.String != testKey1 {
		t.Errorf("access_key = %+v", a.AccessKey)
	}
	if !a.FinalDestination.Valid || a.FinalDestination.String != "/archive/nota.xml" {
		t.Errorf("final_destination = %+v", a.FinalDestination)
	}
	if !a.CompletedAt.Valid {
		t.Error("completed_at not set")
	}

	attempts, err := s.Attempts(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 || attempts[0].Status != StatusSuccess {
		t.Errorf("attempts = %+v", attempts)
	}
}

func TestRecordAttempt_Truncation(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	id, _ := s.CreateAudit(ctx, "h1", "nota.xml", "/inbox/nota.xml")
	long := strings.Repeat("x", 3000)
	if err := s.RecordAttempt(ctx, id, 1, StatusFailedParsing, ErrKindXMLParse, long, long, time.Millisecond); err != nil {
		t.Fatal(err)
	}

	a, _ := s.GetAudit(ctx, id)
	if got := len(a.LastErrorMessage.String); got != 500 {
		t.Errorf("error message length = %d, want 500", got)
	}
	attempts, _ := s.Attempts(ctx, id)
	if got := len(attempts[0].StackTrace.String); got != 2000 {
		t.Errorf("stack trace length = %d, want 2000", got)
	}
}

func TestFindStuckAudits(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	stale, _ := s.CreateAudit(ctx, "h-stale", "stale.xml", "/inbox/stale.xml")
	s.SetAuditStatus(ctx, stale, StatusDBInserted)

	fresh, _ := s.CreateAudit(ctx, "h-fresh", "fresh.xml", "/inbox/fresh.xml")
	s.SetAuditStatus(ctx, fresh, StatusProcessing)

	done, _ := s.CreateAudit(ctx, "h-done", "done.xml", "/inbox/done.xml")
	s.CompleteAudit(ctx, done, StatusSuccess, "/archive/done.xml", time.Second)

	// Only rows whose last activity is older than cutoff qualify: a cutoff in
	// the future ages out stale and fresh, but never the completed row.
	found, err := s.FindStuckAudits(ctx, time.Now().Add(time.Hour), IntermediateStatuses())
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 {
		t.Fatalf("stuck = %d rows, want 2", len(found))
	}

	// A cutoff in the past matches nothing.
	found, err = s.FindStuckAudits(ctx, time.Now().Add(-time.Hour), IntermediateStatuses())
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 {
		t.Errorf("stuck = %d rows, want 0", len(found))
	}
}

func TestMarkAuditLost(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	id, _ := s.CreateAudit(ctx, "h1", "gone.xml", "/inbox/gone.xml")
	if err := s.MarkAuditLost(ctx, id, "file lost during reconciliation"); err != nil {
		t.Fatal(err)
	}
	a, _ := s.GetAudit(ctx, id)
	if a.Status != StatusFailedPermanent {
		t.Errorf("status = %s, want FAILED_PERMANENT", a.Status)
	}
	if a.LastErrorMessage.String != "file lost during reconciliation" {
		t.Errorf("message = %q", a.LastErrorMessage.String)
	}
}

func TestRecordReconciliation(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	err := s.RecordReconciliation(ctx, ReconStats{
		RunID:        "run_test",
		RunAt:        time.Now(),
		FilesChecked: 3,
		IssuesFound:  2,
		IssuesFixed:  1,
		Details:      []string{"recovered a.xml", "lost b.xml"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var checked, found, fixed int
	var details string
	if err := s.DB().QueryRow(
		`SELECT files_checked, issues_found, issues_fixed, details FROM reconciliation_log`).
		Scan(&checked, &found, &fixed, &details); err != nil {
		t.Fatal(err)
	}
	if checked != 3 || found != 2 || fixed != 1 {
		t.Errorf("counters = %d/%d/%d", checked, found, fixed)
	}
	if !strings.Contains(details, "recovered a.xml") {
		t.Errorf("details = %q", details)
	}
}

func TestProcessedIdentifiers(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	issuerID, _ := s.UpsertIssuer(ctx, testTaxID, testIssuer)
	s.InsertDocument(ctx, testDocument(issuerID, testKey1, "h1"))
	s.InsertDocument(ctx, testDocument(issuerID, testKey2, "h2"))

	hashes, keys, err := s.ProcessedIdentifiers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(hashes) != 2 || len(keys) != 2 {
		t.Errorf("identifiers = %d hashes, %d keys, want 2/2", len(hashes), len(keys))
	}
}

func TestCleanup_RetentionWindow(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	old, _ := s.CreateAudit(ctx, "h-old", "old.xml", "/inbox/old.xml")
	s.RecordAttempt(ctx, old, 1, StatusSuccess, "", "", "", time.Millisecond)
	s.CompleteAudit(ctx, old, StatusSuccess, "/archive/old.xml", time.Second)
	// Age the completion far past the retention window.
	if _, err := s.DB().Exec(`UPDATE processing_audit SET completed_at = ? WHERE id = ?`,
		time.Now().UTC().AddDate(0, 0, -90).Format(timeLayout), old); err != nil {
		t.Fatal(err)
	}

	open, _ := s.CreateAudit(ctx, "h-open", "open.xml", "/inbox/open.xml")
	s.SetAuditStatus(ctx, open, StatusProcessing)

	deleted, err := s.Cleanup(ctx, 30)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if a, _ := s.GetAudit(ctx, old); a != nil {
		t.Error("old audit survived cleanup")
	}
	if a, _ := s.GetAudit(ctx, open); a == nil {
		t.Error("open audit must survive cleanup")
	}
	if attempts, _ := s.Attempts(ctx, old); len(attempts) != 0 {
		t.Error("old attempts survived cleanup")
	}
}
