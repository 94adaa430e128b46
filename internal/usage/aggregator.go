// Package usage builds the per-user connection views from the access log:
// the current-status view and the per-day connection ledger.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/blikh/proxyfleet/internal/accesslog"
	"github.com/blikh/proxyfleet/internal/ledger"
	"github.com/blikh/proxyfleet/internal/metrics"
)

// Cursor names. Each view resumes from its own byte offset.
const (
	cursorCurrentStatus = "current-status"
	cursorDailyUsage    = "daily-usage"
)

// checkpointEvery bounds data loss on crash without paying a write per line.
const checkpointEvery = 10 * time.Second

// Aggregator maintains the current per-user connection status view:
// earliest first connect, latest last connect and its source IP.
type Aggregator struct {
	logPath string
	nodeID  string
	store   *ledger.Store
	logger  *slog.Logger
}

func NewAggregator(logPath, nodeID string, store *ledger.Store, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		logPath: logPath,
		nodeID:  nodeID,
		store:   store,
		logger:  logger,
	}
}

// RefreshCurrent consumes new log records under the shared current-status
// cursor and folds them into the user-usage ledger.
func (a *Aggregator) RefreshCurrent(ctx context.Context) error {
	r, err := accesslog.Open(a.logPath, a.store, cursorCurrentStatus)
	if err != nil {
		return fmt.Errorf("usage: %w", err)
	}
	defer r.Close()

	usages := ledger.UserUsages{}
	if err := a.store.Get(ledger.KeyUserUsages, &usages); err != nil {
		return err
	}

	var lines int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, ok, err := r.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		lines++

		if rec.DateTime.IsZero() {
			continue
		}
		u := usages.Ensure(rec.User)
		if u.FirstConnect.IsZero() || rec.DateTime.Before(u.FirstConnect) {
			u.FirstConnect = rec.DateTime
		}
		// Strict > keeps the earlier-processed value on timestamp ties.
		if rec.DateTime.After(u.LastConnect) {
			u.LastConnect = rec.DateTime
			u.LastConnectIP = rec.ClientIP()
			u.LastConnectNode = a.nodeID
		}
	}

	metrics.LogLinesProcessed.WithLabelValues(cursorCurrentStatus).Add(float64(lines))
	if lines > 0 {
		a.logger.Debug("current-status view refreshed", "lines", lines, "users", len(usages))
	}
	return a.store.Put(ledger.KeyUserUsages, usages)
}

// DailyAggregator builds the per-day/per-user/per-outbound connection
// ledger from its own cursor, checkpointing ledger and cursor together
// roughly every ten seconds of processing.
type DailyAggregator struct {
	logPath string
	store   *ledger.Store
	logger  *slog.Logger
}

func NewDailyAggregator(logPath string, store *ledger.Store, logger *slog.Logger) *DailyAggregator {
	return &DailyAggregator{
		logPath: logPath,
		store:   store,
		logger:  logger,
	}
}

func (d *DailyAggregator) Name() string { return "daily-usage" }

func (d *DailyAggregator) Run(ctx context.Context) error {
	r, err := accesslog.Open(d.logPath, d.store, cursorDailyUsage)
	if err != nil {
		return fmt.Errorf("usage: %w", err)
	}
	defer r.Close()

	daily := ledger.DailyUsages{}
	if err := d.store.Get(ledger.KeyDailyUsages, &daily); err != nil {
		return err
	}

	start := time.Now()
	startOffset := r.Offset()
	lastCheckpoint := start
	var lines int64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, ok, err := r.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		lines++

		if rec.Status != accesslog.StatusAccepted || rec.DateTime.IsZero() || rec.ClientAddress == "" {
			continue
		}

		date := rec.DateTime.Format("2006-01-02")
		st := daily.Ensure(date, rec.User, rec.OutboundTag())
		st.Counter++
		if st.FirstConnect.IsZero() || rec.DateTime.Before(st.FirstConnect) {
			st.FirstConnect = rec.DateTime
			st.FirstConnectOffset = rec.Offset
		}
		if rec.DateTime.After(st.LastConnect) {
			st.LastConnect = rec.DateTime
			st.LastConnectOffset = rec.Offset
		}

		if time.Since(lastCheckpoint) >= checkpointEvery {
			if err := d.checkpoint(daily, r.Offset()); err != nil {
				return err
			}
			lastCheckpoint = time.Now()
			d.logProgress(start, startOffset, r.Offset(), r.Size(), lines)
		}
	}

	metrics.LogLinesProcessed.WithLabelValues(cursorDailyUsage).Add(float64(lines))
	if lines > 0 {
		d.logger.Info("daily ledger updated", "lines", lines, "dates", len(daily))
	}
	return d.store.Put(ledger.KeyDailyUsages, daily)
}

// checkpoint persists the ledger and the cursor together so a crash loses
// at most one checkpoint interval of work.
func (d *DailyAggregator) checkpoint(daily ledger.DailyUsages, offset int64) error {
	if err := d.store.Put(ledger.KeyDailyUsages, daily); err != nil {
		return err
	}
	return d.store.SetOffset(cursorDailyUsage, offset)
}

func (d *DailyAggregator) logProgress(start time.Time, startOffset, offset, size, lines int64) {
	elapsed := time.Since(start)
	consumed := offset - startOffset
	if consumed <= 0 || elapsed <= 0 {
		return
	}
	rate := float64(consumed) / elapsed.Seconds()
	remaining := size - offset
	var eta time.Duration
	if remaining > 0 && rate > 0 {
		eta = time.Duration(float64(remaining) / rate * float64(time.Second)).Round(time.Second)
	}
	d.logger.Info("daily ledger progress",
		"lines", lines,
		"bytes_per_sec", int64(rate),
		"remaining_bytes", remaining,
		"eta", eta,
	)
}
