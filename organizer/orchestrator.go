package organizer

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// BatchStats aggregates the per-batch counters the operational log reports.
type BatchStats struct {
	Success       int
	Duplicate     int
	Failed        int
	Errors        int
	TotalAttempts int
}

func (b *BatchStats) add(o BatchStats) {
	b.Success += o.Success
	b.Duplicate += o.Duplicate
	b.Failed += o.Failed
	b.Errors += o.Errors
	b.TotalAttempts += o.TotalAttempts
}

// Total is the number of files the batch covered.
func (b BatchStats) Total() int { return b.Success + b.Duplicate + b.Failed + b.Errors }

// Orchestrator is the top-level loop: scan inbox, batch, dispatch to the
// worker pool, reconcile on its own cadence, sleep, repeat.
type Orchestrator struct {
	cfg   *Config
	proc  *Processor
	recon *Reconciler
	audit Sink
	log   *slog.Logger

	// Kick, when non-nil, wakes the loop before the scan interval elapses
	// (fed by the inbox watcher).
	Kick <-chan struct{}
}

// NewOrchestrator wires the top-level loop.
func NewOrchestrator(cfg *Config, proc *Processor, recon *Reconciler, audit Sink, log *slog.Logger) *Orchestrator {
	if audit == nil {
		audit = NopSink{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{cfg: cfg, proc: proc, recon: recon, audit: audit, log: log}
}

// Run loops until ctx is cancelled. The in-flight batch always completes
// before the loop exits: workers run on a context detached from ctx's
// cancellation (bounded by the per-file budget), and cancellation is only
// observed between batches.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.audit.Emit(EventSystemStarted, "inbox", o.cfg.SourceDirectory, "archive", o.cfg.DestinationDirectory)
	o.log.Info("organizer started",
		"inbox", o.cfg.SourceDirectory,
		"workers", o.cfg.MaxWorkers,
		"scan_interval", o.cfg.ScanInterval())

	lastRecon := time.Now()
	for {
		if _, err := o.RunOnce(ctx); err != nil {
			o.audit.Emit(EventSystemError, "error", err.Error())
			o.log.Error("scan pass failed", "error", err)
		}

		if ctx.Err() != nil {
			break
		}

		if time.Since(lastRecon) >= o.cfg.ReconciliationInterval() {
			if _, err := o.recon.Run(ctx); err != nil {
				o.log.Error("reconciliation failed", "error", err)
			}
			lastRecon = time.Now()
		}

		select {
		case <-ctx.Done():
		case <-time.After(o.cfg.ScanInterval()):
		case <-o.kick():
			o.log.Debug("scan triggered by inbox activity")
		}
		if ctx.Err() != nil {
			break
		}
	}

	o.audit.Emit(EventSystemStopped)
	o.log.Info("organizer stopped")
	return nil
}

func (o *Orchestrator) kick() <-chan struct{} {
	if o.Kick != nil {
		return o.Kick
	}
	return nil
}

// RunOnce performs a single scan pass: list candidates, process them in
// batches, log the aggregate.
func (o *Orchestrator) RunOnce(ctx context.Context) (BatchStats, error) {
	var total BatchStats

	files, err := o.scan()
	if err != nil {
		return total, err
	}
	if len(files) == 0 {
		return total, nil
	}
	o.log.Info("scan found candidates", "count", len(files))

	for start := 0; start < len(files); start += o.cfg.BatchSize {
		end := min(start+o.cfg.BatchSize, len(files))
		batch := o.processBatch(ctx, files[start:end])
		total.add(batch)
		o.log.Info("batch finished",
			"success", batch.Success,
			"duplicate", batch.Duplicate,
			"error", batch.Failed+batch.Errors,
			"total_attempts", batch.TotalAttempts)
		if ctx.Err() != nil {
			break
		}
	}
	return total, nil
}

// scan lists *.xml files under the inbox, recursively.
func (o *Orchestrator) scan() ([]string, error) {
	var files []string
	err := filepath.WalkDir(o.cfg.SourceDirectory, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A vanished subdirectory mid-walk is not fatal to the scan.
			o.log.Warn("scan error", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".xml") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// processBatch fans one batch out over the bounded worker pool and waits
// for every file to finish.
func (o *Orchestrator) processBatch(ctx context.Context, files []string) BatchStats {
	var (
		mu    sync.Mutex
		stats BatchStats
	)

	// Workers must outlive a shutdown signal so the in-flight batch drains;
	// each file still gets a hard deadline.
	base := context.WithoutCancel(ctx)

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.MaxWorkers)
	for _, f := range files {
		f := f
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(base, o.cfg.FileBudget())
			defer cancel()

			res := o.proc.ProcessInboxFile(fctx, f)

			mu.Lock()
			defer mu.Unlock()
			stats.TotalAttempts += res.Attempts
			switch res.Outcome {
			case OutcomeSuccess:
				stats.Success++
			case OutcomeDuplicate:
				stats.Duplicate++
			case OutcomeFailed:
				stats.Failed++
			default:
				stats.Errors++
			}
			return nil
		})
	}
	g.Wait()
	return stats
}
