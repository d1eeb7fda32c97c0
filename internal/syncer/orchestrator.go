// Package syncer drives the ingestion pipeline: it decodes every collected
// raw log, normalizes it into events, swaps the event snapshot and hands the
// fresh batch to the rule engine. Cycles are strictly serialized; a tick that
// lands while a cycle is running is skipped, not queued.
package syncer

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nexus-siem/backend/internal/normalize"
	"github.com/nexus-siem/backend/internal/storage"
)

// ErrSyncInProgress is returned by SyncNow when a cycle is already running.
var ErrSyncInProgress = errors.New("sync already in progress")

// Store is the slice of the storage layer a sync cycle touches.
type Store interface {
	AllRawLogs(ctx context.Context) ([]storage.RawLog, error)
	EnsureManifest(ctx context.Context, logID int64, logType, status string) error
	ReplaceEvents(ctx context.Context, events []storage.Event) error
}

// Analyzer runs the correlation battery over the freshly loaded snapshot.
type Analyzer interface {
	AnalyzeBatch(ctx context.Context) ([]storage.Detection, error)
}

// NormalizerLookup resolves a parser for a (device type, log type) pair.
// *normalize.Registry satisfies it.
type NormalizerLookup interface {
	Get(deviceType, logType string) normalize.Normalizer
}

// Status is a point-in-time snapshot of the orchestrator's progress.
type Status struct {
	LastSyncedID   int64      `json:"last_synced_id"`
	LastSyncTime   *time.Time `json:"last_sync_time"`
	InProgress     bool       `json:"in_progress"`
	EventCount     int        `json:"event_count"`
	DetectionCount int        `json:"detection_count"`
}

// Orchestrator owns the periodic sync loop.
type Orchestrator struct {
	store    Store
	registry NormalizerLookup
	engine   Analyzer
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	status Status

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds an orchestrator ticking at the given interval (default 30s).
func New(store Store, registry NormalizerLookup, engine Analyzer, interval time.Duration, logger *slog.Logger) *Orchestrator {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		registry: registry,
		engine:   engine,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the sync loop until Stop is called or ctx is cancelled. The
// first cycle runs immediately.
func (o *Orchestrator) Start(ctx context.Context) {
	go func() {
		defer close(o.doneCh)

		o.logger.Info("syncer started", slog.Duration("interval", o.interval))
		o.tick(ctx)

		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.tick(ctx)
			case <-o.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for any in-flight cycle to finish.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	<-o.doneCh
	o.logger.Info("syncer stopped")
}

// Status returns the current progress snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// SyncNow runs one cycle immediately, for the manual trigger endpoint.
// Returns ErrSyncInProgress when the loop (or another caller) is mid-cycle.
func (o *Orchestrator) SyncNow(ctx context.Context) error {
	if !o.begin() {
		return ErrSyncInProgress
	}
	return o.runCycle(ctx)
}

// tick is the loop body: a skipped overlap is logged, never an error.
func (o *Orchestrator) tick(ctx context.Context) {
	if !o.begin() {
		o.logger.Warn("sync cycle still running, skipping tick")
		return
	}
	if err := o.runCycle(ctx); err != nil {
		o.logger.Error("sync cycle failed", slog.Any("error", err))
	}
}

// begin claims the in-progress flag; it reports false when already claimed.
func (o *Orchestrator) begin() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status.InProgress {
		return false
	}
	o.status.InProgress = true
	return true
}

// runCycle performs one full sync. The caller must have claimed the
// in-progress flag via begin.
func (o *Orchestrator) runCycle(ctx context.Context) error {
	started := time.Now()
	defer func() {
		o.mu.Lock()
		o.status.InProgress = false
		o.mu.Unlock()
	}()

	rawLogs, err := o.store.AllRawLogs(ctx)
	if err != nil {
		return err
	}

	var (
		events       []storage.Event
		lastSyncedID int64
	)
	for _, raw := range rawLogs {
		evs, err := o.processRawLog(ctx, raw)
		if err != nil {
			o.logger.Error("raw log processing failed",
				slog.Int64("log_id", raw.LogID),
				slog.String("log_type", raw.LogType), slog.Any("error", err))
			continue
		}
		events = append(events, evs...)
		lastSyncedID = raw.LogID
	}

	if err := o.store.ReplaceEvents(ctx, events); err != nil {
		return err
	}

	detections, err := o.engine.AnalyzeBatch(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	o.mu.Lock()
	o.status.LastSyncedID = lastSyncedID
	o.status.LastSyncTime = &now
	o.status.EventCount = len(events)
	o.status.DetectionCount = len(detections)
	o.mu.Unlock()

	o.logger.Info("sync cycle complete",
		slog.Int("raw_logs", len(rawLogs)),
		slog.Int("events", len(events)),
		slog.Int("detections", len(detections)),
		slog.Duration("elapsed", time.Since(started)))
	return nil
}

// processRawLog decodes one raw blob and normalizes it line by line. A log
// source with no registered parser yields zero events and a "skipped"
// manifest entry, not an error.
func (o *Orchestrator) processRawLog(ctx context.Context, raw storage.RawLog) ([]storage.Event, error) {
	n := o.registry.Get(deviceTypeKey(raw.DeviceType), raw.LogType)
	if n == nil {
		if err := o.store.EnsureManifest(ctx, raw.LogID, raw.LogType, "skipped"); err != nil {
			return nil, err
		}
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(raw.Payload)
	if err != nil {
		if mErr := o.store.EnsureManifest(ctx, raw.LogID, raw.LogType, "failed"); mErr != nil {
			return nil, errors.Join(err, mErr)
		}
		return nil, err
	}

	var events []storage.Event
	for _, line := range strings.Split(string(decoded), "\n") {
		ev := n.Normalize(line)
		if ev == nil {
			continue
		}
		ev.DeviceID = raw.DeviceID
		ev.LogID = raw.LogID
		events = append(events, *ev)
	}

	if err := o.store.EnsureManifest(ctx, raw.LogID, raw.LogType, "synced"); err != nil {
		return nil, err
	}
	return events, nil
}

// deviceTypeKey maps deployment device types onto the parser families the
// registry knows. Hosts registered as localhost or remote-server run Linux.
func deviceTypeKey(deviceType string) string {
	switch strings.ToLower(deviceType) {
	case "localhost", "remote-server":
		return "linux"
	}
	return deviceType
}
