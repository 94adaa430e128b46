package billing

import (
	"context"
	"testing"
	"time"

	"github.com/blikh/proxyfleet/internal/ledger"
	"github.com/blikh/proxyfleet/internal/proxyconf"
	"github.com/blikh/proxyfleet/internal/xray"
)

type staticStats []xray.Stat

func (s staticStats) Query(context.Context) ([]xray.Stat, error) { return s, nil }

func newTestCounter(store *ledger.Store, mutator *proxyconf.Mutator, stats StatsSource, now time.Time) *Counter {
	c := NewCounter(stats, mutator, store, "node-a", discard())
	c.now = func() time.Time { return now }
	return c
}

func TestCounterAccumulates(t *testing.T) {
	store, mutator, _ := testFixtures(t, []proxyconf.Client{{Email: "alice", ID: "a-1"}})
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)

	stats := staticStats{
		{Name: "user>>>alice>>>traffic>>>uplink", Value: 100},
		{Name: "user>>>alice>>>traffic>>>downlink", Value: 400},
		{Name: "inbound>>>vless-in>>>traffic>>>uplink", Value: 5000},
	}
	c := newTestCounter(store, mutator, stats, now)
	if err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Run twice: deltas keep accumulating into the same day's entries.
	if err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	traffic := ledger.TrafficUsages{}
	if err := store.Get(ledger.KeyTrafficUsages, &traffic); err != nil {
		t.Fatal(err)
	}
	up := traffic[ledger.TrafficKey("2024-03-05", "local", "user", "alice", "uplink")]
	if up == nil || up.Traffic != 200 {
		t.Fatalf("uplink entry = %+v, want traffic 200", up)
	}
	inbound := traffic[ledger.TrafficKey("2024-03-05", "local", "inbound", "vless-in", "uplink")]
	if inbound == nil || inbound.Traffic != 10000 {
		t.Fatalf("inbound entry = %+v, want traffic 10000", inbound)
	}

	usages := ledger.UserUsages{}
	if err := store.Get(ledger.KeyUserUsages, &usages); err != nil {
		t.Fatal(err)
	}
	u := usages["alice"]
	if u == nil || u.QuotaPartials["node-a"] != 1000 {
		t.Fatalf("alice partials = %+v, want node-a 1000", u)
	}
	if !u.QuotaUsageUpdate.Equal(now) {
		t.Errorf("QuotaUsageUpdate = %v, want %v", u.QuotaUsageUpdate, now)
	}
}

func TestCounterMonthRolloverResetsLocalPartialOnly(t *testing.T) {
	store, mutator, _ := testFixtures(t, []proxyconf.Client{{Email: "alice", ID: "a-1"}})

	// Last update two Jalali months back; node-b's partial belongs to its
	// own node and must survive the local reset.
	if err := store.Put(ledger.KeyUserUsages, ledger.UserUsages{
		"alice": {
			QuotaUsageUpdate: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
			QuotaPartials:    map[string]int64{"node-a": 100, "node-b": 250},
		},
	}); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	stats := staticStats{{Name: "user>>>alice>>>traffic>>>uplink", Value: 50}}
	c := newTestCounter(store, mutator, stats, now)
	if err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	usages := ledger.UserUsages{}
	if err := store.Get(ledger.KeyUserUsages, &usages); err != nil {
		t.Fatal(err)
	}
	u := usages["alice"]
	if u.QuotaPartials["node-a"] != 50 {
		t.Errorf("node-a partial = %d, want 50 (reset then delta)", u.QuotaPartials["node-a"])
	}
	if u.QuotaPartials["node-b"] != 250 {
		t.Errorf("node-b partial = %d, want 250 (untouched)", u.QuotaPartials["node-b"])
	}
	if got := u.QuotaUsage(); got != 300 {
		t.Errorf("QuotaUsage = %d, want 300", got)
	}
}

func TestCounterBoundaryRolloverIsIdempotent(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store, mutator, _ := testFixtures(t, []proxyconf.Client{
		{Email: "alice", ID: "a-1", BillingStartDate: start, ExpireDays: 90},
	})

	boundary := start.Add(30 * 24 * time.Hour) // 2024-01-31
	boundaryDate := boundary.Format("2006-01-02")

	traffic := ledger.TrafficUsages{}
	traffic.Add(boundaryDate, "local", "user", "alice", "uplink", 777)
	if err := store.Put(ledger.KeyTrafficUsages, traffic); err != nil {
		t.Fatal(err)
	}

	now := boundary.Add(24 * time.Hour)
	c := newTestCounter(store, mutator, staticStats(nil), now)

	for i := 0; i < 2; i++ {
		if err := c.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	out := ledger.TrafficUsages{}
	if err := store.Get(ledger.KeyTrafficUsages, &out); err != nil {
		t.Fatal(err)
	}
	e := out[ledger.TrafficKey(boundaryDate, "local", "user", "alice", "uplink")]
	if e == nil {
		t.Fatal("boundary entry missing")
	}
	if e.Traffic != 0 {
		t.Errorf("boundary-day traffic = %d, want 0 after rollover", e.Traffic)
	}
	if len(e.Archived) != 1 {
		t.Fatalf("archived snapshots = %v, want exactly one", e.Archived)
	}
	for key, v := range e.Archived {
		if v != 777 {
			t.Errorf("archived[%s] = %d, want 777", key, v)
		}
	}
}

func TestCounterRecomputesPostBillingTotal(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store, mutator, _ := testFixtures(t, []proxyconf.Client{
		{Email: "alice", ID: "a-1", BillingStartDate: start, ExpireDays: 90},
	})

	boundary := start.Add(30 * 24 * time.Hour)
	traffic := ledger.TrafficUsages{}
	// Before the boundary: excluded from the post-billing total.
	traffic.Add(boundary.Add(-5*24*time.Hour).Format("2006-01-02"), "local", "user", "alice", "uplink", 999)
	// After the boundary: included.
	traffic.Add(boundary.Add(24*time.Hour).Format("2006-01-02"), "local", "user", "alice", "uplink", 300)
	traffic.Add(boundary.Add(2*24*time.Hour).Format("2006-01-02"), "local", "user", "alice", "downlink", 200)
	if err := store.Put(ledger.KeyTrafficUsages, traffic); err != nil {
		t.Fatal(err)
	}

	now := boundary.Add(3 * 24 * time.Hour)
	c := newTestCounter(store, mutator, staticStats(nil), now)
	if err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	usages := ledger.UserUsages{}
	if err := store.Get(ledger.KeyUserUsages, &usages); err != nil {
		t.Fatal(err)
	}
	u := usages["alice"]
	if u == nil {
		t.Fatal("alice usage missing")
	}
	if u.QuotaUsageAfterBilling != 500 {
		t.Errorf("QuotaUsageAfterBilling = %d, want 500", u.QuotaUsageAfterBilling)
	}
}

type failingStats struct{}

func (failingStats) Query(context.Context) ([]xray.Stat, error) {
	return nil, context.DeadlineExceeded
}

func TestCounterAbortsOnStatsFailure(t *testing.T) {
	store, mutator, _ := testFixtures(t, []proxyconf.Client{{Email: "alice", ID: "a-1"}})
	c := newTestCounter(store, mutator, failingStats{}, time.Now())

	if err := c.Run(context.Background()); err == nil {
		t.Fatal("expected error from failing stats source")
	}

	traffic := ledger.TrafficUsages{}
	if err := store.Get(ledger.KeyTrafficUsages, &traffic); err != nil {
		t.Fatal(err)
	}
	if len(traffic) != 0 {
		t.Errorf("traffic ledger written despite failed query: %v", traffic)
	}
}
