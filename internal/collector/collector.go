package collector

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/nexus-siem/backend/internal/storage"
)

// LogFile names one file to pull from a monitored host.
type LogFile struct {
	Type string `yaml:"type"` // registry log type, e.g. "auth", "syslog"
	Path string `yaml:"path"` // remote path, e.g. /var/log/auth.log
}

// Machine is one monitored host and the files to collect from it.
type Machine struct {
	SFTPConfig `yaml:",inline"`
	DeviceType string    `yaml:"device_type"`
	Logs       []LogFile `yaml:"logs"`
}

// dialFunc opens a file reader for a machine. Swappable in tests.
type dialFunc func(cfg SFTPConfig) (FileReader, error)

// RawLogStore is the slice of the storage layer the deliverer writes into.
type RawLogStore interface {
	EnsureDevice(ctx context.Context, d storage.Device) error
	UpsertRawLog(ctx context.Context, deviceID, logType, payload string) (int64, error)
}

// Collector periodically pulls the configured log files from every machine
// into the spool, and drains the spool into the raw-log store. Collection
// and delivery are separate steps so a store outage never loses a collected
// file.
type Collector struct {
	machines []Machine
	spool    *Spool
	store    RawLogStore
	interval time.Duration
	dial     dialFunc
	logger   *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a collector ticking at the given interval (default 30s).
func New(machines []Machine, spool *Spool, store RawLogStore, interval time.Duration, logger *slog.Logger) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		machines: machines,
		spool:    spool,
		store:    store,
		interval: interval,
		dial:     DialSFTP,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the collection loop until Stop is called or ctx is cancelled.
// The first pass runs immediately. Per-machine failures are logged; the loop
// never stops on them.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.doneCh)

		c.logger.Info("collector started",
			slog.Int("machines", len(c.machines)), slog.Duration("interval", c.interval))
		c.runOnce(ctx)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.runOnce(ctx)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for any in-flight pass to finish.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
	c.logger.Info("collector stopped")
}

// runOnce performs one collect-then-deliver pass.
func (c *Collector) runOnce(ctx context.Context) {
	for i := range c.machines {
		if err := c.collectMachine(ctx, &c.machines[i]); err != nil {
			c.logger.Error("collection failed",
				slog.String("host", c.machines[i].Host), slog.Any("error", err))
		}
	}
	if err := c.Deliver(ctx); err != nil {
		c.logger.Error("delivery failed", slog.Any("error", err))
	}
}

// collectMachine pulls every configured file from one host into the spool.
func (c *Collector) collectMachine(ctx context.Context, m *Machine) error {
	reader, err := c.dial(m.SFTPConfig)
	if err != nil {
		return err
	}
	defer reader.Close()

	deviceID := DeviceID(m.Host)
	for _, lf := range m.Logs {
		data, err := reader.ReadFile(lf.Path)
		if err != nil {
			c.logger.Warn("log file unreadable",
				slog.String("host", m.Host), slog.String("path", lf.Path),
				slog.Any("error", err))
			continue
		}

		err = c.spool.Enqueue(ctx, Item{
			DeviceID:   deviceID,
			DeviceType: m.DeviceType,
			IPAddress:  m.Host,
			LogType:    lf.Type,
			Payload:    base64.StdEncoding.EncodeToString(data),
		})
		if err != nil {
			return fmt.Errorf("spool %s/%s: %w", deviceID, lf.Type, err)
		}
	}
	return nil
}

// deliverBatch bounds one drain pass.
const deliverBatch = 100

// Deliver drains pending spool items into the raw-log store, acking each
// item only after its upsert succeeds.
func (c *Collector) Deliver(ctx context.Context) error {
	for {
		items, err := c.spool.Dequeue(ctx, deliverBatch)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}

		var acked []int64
		for _, it := range items {
			err := c.store.EnsureDevice(ctx, storage.Device{
				ID:        it.DeviceID,
				Type:      it.DeviceType,
				IPAddress: it.IPAddress,
			})
			if err != nil {
				c.logger.Error("device registration failed",
					slog.String("device_id", it.DeviceID), slog.Any("error", err))
				continue
			}
			if _, err := c.store.UpsertRawLog(ctx, it.DeviceID, it.LogType, it.Payload); err != nil {
				c.logger.Error("raw log upsert failed",
					slog.String("device_id", it.DeviceID),
					slog.String("log_type", it.LogType), slog.Any("error", err))
				continue
			}
			acked = append(acked, it.ID)
		}

		if err := c.spool.Ack(ctx, acked); err != nil {
			return err
		}
		// Anything not acked stays pending; bail out rather than spin on the
		// same failing items.
		if len(acked) < len(items) {
			return nil
		}
	}
}
