package organizer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/EnzzoHosaki/xml-organizer/idgen"
)

// Reconciler is the periodic safety net: it re-feeds quarantine files that
// sat still too long, terminates audit rows whose file vanished, and counts
// the dead-letter backlog.
type Reconciler struct {
	cfg   *Config
	store *Store
	proc  *Processor
	audit Sink
	log   *slog.Logger
	runID idgen.Generator
}

// NewReconciler wires a Reconciler.
func NewReconciler(cfg *Config, store *Store, proc *Processor, audit Sink, log *slog.Logger) *Reconciler {
	if audit == nil {
		audit = NopSink{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		cfg:   cfg,
		store: store,
		proc:  proc,
		audit: audit,
		log:   log,
		runID: idgen.Prefixed("run_", idgen.UUIDv7()),
	}
}

// Run executes one reconciliation sweep and appends its log row.
func (r *Reconciler) Run(ctx context.Context) (ReconStats, error) {
	stats := ReconStats{RunID: r.runID(), RunAt: time.Now()}
	r.log.Info("reconciliation started", "run_id", stats.RunID)

	r.sweepQuarantine(ctx, &stats)
	r.sweepStuckAudits(ctx, &stats)

	// Dead-letter backlog is observational only.
	if n, err := countFiles(r.proc.mover.DeadLetterDir); err == nil {
		stats.Details = append(stats.Details, fmt.Sprintf("dead_letter backlog: %d file(s)", n))
	} else {
		r.log.Warn("dead-letter count failed", "error", err)
	}

	if err := r.store.RecordReconciliation(ctx, stats); err != nil {
		r.log.Error("reconciliation log append failed", "error", err)
	}
	r.audit.Emit(EventReconciliation,
		"run_id", stats.RunID,
		"files_checked", stats.FilesChecked,
		"issues_found", stats.IssuesFound,
		"issues_fixed", stats.IssuesFixed)

	if r.cfg.AuditRetentionDays > 0 {
		if n, err := r.store.Cleanup(ctx, r.cfg.AuditRetentionDays); err != nil {
			r.log.Warn("audit retention cleanup failed", "error", err)
		} else if n > 0 {
			r.log.Info("audit retention cleanup", "deleted", n)
		}
	}

	r.log.Info("reconciliation finished",
		"run_id", stats.RunID,
		"files_checked", stats.FilesChecked,
		"issues_found", stats.IssuesFound,
		"issues_fixed", stats.IssuesFixed)
	return stats, nil
}

// sweepQuarantine re-feeds every quarantine file older than the staleness
// threshold through the full single-file pipeline.
func (r *Reconciler) sweepQuarantine(ctx context.Context, stats *ReconStats) {
	entries, err := os.ReadDir(r.proc.mover.QuarantineDir)
	if err != nil {
		r.log.Warn("quarantine listing failed", "error", err)
		return
	}
	cutoff := time.Now().Add(-r.cfg.QuarantineStale())

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		stats.FilesChecked++
		stats.IssuesFound++

		path := filepath.Join(r.proc.mover.QuarantineDir, e.Name())
		res := r.proc.ProcessQuarantined(ctx, path)
		switch res.Outcome {
		case OutcomeSuccess:
			stats.IssuesFixed++
			stats.Details = append(stats.Details, fmt.Sprintf("recovered %s", e.Name()))
		case OutcomeDuplicate:
			stats.IssuesFixed++
			stats.Details = append(stats.Details, fmt.Sprintf("resolved duplicate %s", e.Name()))
		default:
			stats.Details = append(stats.Details, fmt.Sprintf("unrecovered %s: %v", e.Name(), res.Err))
		}
	}
}

// sweepStuckAudits terminates audit rows stuck in an intermediate state
// whose file is gone from every staging area.
func (r *Reconciler) sweepStuckAudits(ctx context.Context, stats *ReconStats) {
	cutoff := time.Now().Add(-r.cfg.StuckAuditAge())
	stuck, err := r.store.FindStuckAudits(ctx, cutoff, IntermediateStatuses())
	if err != nil {
		r.log.Warn("stuck audit query failed", "error", err)
		return
	}

	for _, a := range stuck {
		stats.FilesChecked++
		if r.findFileAnywhere(a.Filename) {
			// The quarantine sweep (this run or the next) owns it.
			continue
		}
		stats.IssuesFound++
		if err := r.store.MarkAuditLost(ctx, a.ID, "file lost during reconciliation"); err != nil {
			r.log.Error("mark lost failed", "audit_id", a.ID, "error", err)
			continue
		}
		stats.IssuesFixed++
		stats.Details = append(stats.Details, fmt.Sprintf("lost file for audit %d (%s)", a.ID, a.Filename))
	}
}

// findFileAnywhere searches the quarantine, processing and failed areas for
// a file whose name ends with the audited filename (quarantine copies carry
// a timestamp prefix).
func (r *Reconciler) findFileAnywhere(filename string) bool {
	for _, dir := range []string{r.proc.mover.QuarantineDir, r.proc.mover.ProcessingDir, r.proc.mover.FailedDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			if name == filename || strings.HasSuffix(name, "_"+filename) {
				return true
			}
		}
	}
	return false
}

func countFiles(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n, nil
}
