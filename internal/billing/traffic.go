package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/blikh/proxyfleet/internal/ledger"
	"github.com/blikh/proxyfleet/internal/metrics"
	"github.com/blikh/proxyfleet/internal/proxyconf"
	"github.com/blikh/proxyfleet/internal/xray"
)

// localServer names the origin of locally measured counters in the traffic
// ledger; entries mirrored from peers carry the peer's node id instead.
const localServer = "local"

// StatsSource yields the engine's per-run traffic counter deltas.
type StatsSource interface {
	Query(ctx context.Context) ([]xray.Stat, error)
}

// Counter drains the engine's traffic counters into the traffic ledger and
// the per-user quota partials, then recomputes each client's billing-aware
// totals. A failed stats query aborts the whole run so no counter delta is
// half-applied.
type Counter struct {
	stats   StatsSource
	mutator *proxyconf.Mutator
	store   *ledger.Store
	nodeID  string
	now     func() time.Time
	logger  *slog.Logger
}

func NewCounter(stats StatsSource, mutator *proxyconf.Mutator, store *ledger.Store, nodeID string, logger *slog.Logger) *Counter {
	return &Counter{
		stats:   stats,
		mutator: mutator,
		store:   store,
		nodeID:  nodeID,
		now:     time.Now,
		logger:  logger,
	}
}

func (c *Counter) Name() string { return "traffic" }

func (c *Counter) Run(ctx context.Context) error {
	stats, err := c.stats.Query(ctx)
	if err != nil {
		return err
	}

	traffic := ledger.TrafficUsages{}
	if err := c.store.Get(ledger.KeyTrafficUsages, &traffic); err != nil {
		return err
	}
	usages := ledger.UserUsages{}
	if err := c.store.Get(ledger.KeyUserUsages, &usages); err != nil {
		return err
	}

	now := c.now()
	date := now.Format("2006-01-02")

	for _, s := range stats {
		typ, name, direction, ok := xray.ParseStatName(s.Name)
		if !ok || s.Value == 0 {
			continue
		}
		traffic.Add(date, localServer, typ, name, direction, s.Value)
		metrics.TrafficBytes.WithLabelValues(direction).Add(float64(s.Value))

		if typ != "user" {
			continue
		}
		u := usages.Ensure(name)
		if !u.QuotaUsageUpdate.IsZero() && !SameBillingMonth(u.QuotaUsageUpdate, now) && u.QuotaPartials != nil {
			// New calendar month: only this node's partial resets. Peer
			// partials are reset by their own nodes and arrive via sync.
			u.QuotaPartials[c.nodeID] = 0
		}
		u.AddQuota(c.nodeID, s.Value)
		u.QuotaUsageUpdate = now
	}

	if err := c.store.Put(ledger.KeyTrafficUsages, traffic); err != nil {
		return err
	}
	if err := c.store.Put(ledger.KeyUserUsages, usages); err != nil {
		return err
	}

	cfg, err := c.mutator.Load()
	if err != nil {
		return err
	}
	changed := false
	cfg.EachClient(func(cl *proxyconf.Client) {
		u := usages.Ensure(cl.Email)
		start := StartDate(cl, u)
		if start.IsZero() {
			return
		}
		if c.rollClient(cl, u, traffic, start, now) {
			changed = true
		}
	})
	if changed {
		c.logger.Debug("traffic totals recomputed")
	}

	return c.store.Put(ledger.KeyUserUsages, usages)
}

// rollClient archives the billing-boundary day of the client's traffic
// entries (once per boundary) and recomputes the month and post-billing
// totals. Returns whether any usage entry changed.
func (c *Counter) rollClient(cl *proxyconf.Client, u *ledger.UserUsage, traffic ledger.TrafficUsages, start, now time.Time) bool {
	boundary := AdvanceBillingBoundary(start, now)
	archiveKey := fmt.Sprintf("traffic_before_%d", boundary.Unix())
	boundaryDate := boundary.Format("2006-01-02")
	windowStart := now.Add(-cycle).Format("2006-01-02")

	var monthTotal, afterBilling int64
	archived := false

	for _, e := range traffic {
		if e.Type != "user" || e.Name != cl.Email {
			continue
		}

		// Archive the boundary day exactly once per boundary. The stamped
		// key makes rollover idempotent across repeated runs.
		if e.Date == boundaryDate && !boundary.Equal(start) {
			if _, done := e.Archived[archiveKey]; !done {
				if e.Archived == nil {
					e.Archived = make(map[string]int64)
				}
				e.Archived[archiveKey] = e.Traffic
				e.Traffic = 0
				archived = true
			}
		}

		day, err := time.ParseInLocation("2006-01-02", e.Date, now.Location())
		if err != nil {
			continue
		}
		if SameBillingMonth(day, now) {
			monthTotal += e.Traffic
		}
		if e.Date >= boundaryDate && e.Date >= windowStart {
			afterBilling += e.Traffic
		}
	}

	if archived {
		if err := c.store.Put(ledger.KeyTrafficUsages, traffic); err != nil {
			c.logger.Error("persisting archived traffic", "user", cl.Email, "err", err)
		} else {
			c.logger.Info("billing boundary rolled", "user", cl.Email, "boundary", boundaryDate)
		}
	}

	changed := u.QuotaUsageThisMonth != monthTotal || u.QuotaUsageAfterBilling != afterBilling
	u.QuotaUsageThisMonth = monthTotal
	u.QuotaUsageAfterBilling = afterBilling
	return changed
}
