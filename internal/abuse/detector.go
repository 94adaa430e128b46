// Package abuse flags users whose connections arrive from too many distinct
// source addresses inside a trailing time window, across the whole fleet.
package abuse

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/blikh/proxyfleet/internal/accesslog"
	"github.com/blikh/proxyfleet/internal/ledger"
	"github.com/blikh/proxyfleet/internal/metrics"
	"github.com/blikh/proxyfleet/internal/proxyconf"
	"github.com/blikh/proxyfleet/internal/service"
)

// ReasonMultiIP prefixes every multi-IP deactivation reason. Reactivation
// matches on this prefix, so it must stay stable.
const ReasonMultiIP = "Multi IP usage"

const cursorAbuse = "abuse-window"

// Hit is one observed connection: who, from where, when. Peers exchange
// hits so the window covers the whole fleet, not one node's log.
type Hit struct {
	User string    `json:"user"`
	IP   string    `json:"ip"`
	Time time.Time `json:"time"`
}

// RemoteCollector gathers recent hits from peer nodes. Implementations
// handle per-peer failures themselves; a partial result is fine.
type RemoteCollector interface {
	Collect(ctx context.Context, window time.Duration) []Hit
}

// Detector maintains the fleet-wide connection window and deactivates users
// whose repeated-IP count exceeds their connection limit.
type Detector struct {
	logPath        string
	store          *ledger.Store
	mutator        *proxyconf.Mutator
	remote         RemoteCollector
	window         time.Duration
	defaultMaxConn int
	routingTag     string
	reactivate     bool
	restart        *service.RestartSignal
	now            func() time.Time
	logger         *slog.Logger
}

func NewDetector(
	logPath string,
	store *ledger.Store,
	mutator *proxyconf.Mutator,
	remote RemoteCollector,
	window time.Duration,
	defaultMaxConn int,
	routingTag string,
	reactivate bool,
	restart *service.RestartSignal,
	logger *slog.Logger,
) *Detector {
	return &Detector{
		logPath:        logPath,
		store:          store,
		mutator:        mutator,
		remote:         remote,
		window:         window,
		defaultMaxConn: defaultMaxConn,
		routingTag:     routingTag,
		reactivate:     reactivate,
		restart:        restart,
		now:            time.Now,
		logger:         logger,
	}
}

func (d *Detector) Name() string { return "bad-user" }

func (d *Detector) Run(ctx context.Context) error {
	now := d.now()

	local, err := d.readLocal(ctx)
	if err != nil {
		return err
	}
	var remote []Hit
	if d.remote != nil {
		remote = d.remote.Collect(ctx, d.window)
	}

	window := []Hit{}
	if err := d.store.Get(ledger.KeyAbuseWindow, &window); err != nil {
		return err
	}
	window = mergeWindow(window, local, remote, now.Add(-d.window))
	if err := d.store.Put(ledger.KeyAbuseWindow, window); err != nil {
		return err
	}

	cfg, err := d.mutator.Load()
	if err != nil {
		return err
	}

	byUser := make(map[string][]Hit)
	for _, h := range window {
		byUser[h.User] = append(byUser[h.User], h)
	}

	changed := false
	flagged := 0
	cfg.EachClient(func(c *proxyconf.Client) {
		limit := c.MaxConnections
		if limit == 0 {
			limit = d.defaultMaxConn
		}
		ips := repeatedIPs(byUser[c.Email])
		over := len(ips) > limit

		switch {
		case over && c.Active():
			reason := fmt.Sprintf("%s: %d IPs (%s)", ReasonMultiIP, len(ips), strings.Join(ips, ", "))
			cfg.SetActive(c.Email, false, reason, d.routingTag, now)
			d.restart.Set()
			changed = true
			d.logger.Info("user flagged for multi-IP usage",
				"user", c.Email, "ips", len(ips), "limit", limit)
		case !over && !c.Active() && d.reactivate && strings.HasPrefix(c.DeActiveReason, ReasonMultiIP):
			cfg.SetActive(c.Email, true, "", d.routingTag, now)
			d.restart.Set()
			changed = true
			d.logger.Info("user reactivated", "user", c.Email)
		}
		if over {
			flagged++
		}
	})

	metrics.FlaggedUsers.Set(float64(flagged))
	if changed {
		return d.mutator.Save(cfg)
	}
	return nil
}

// readLocal drains new accepted records from the local log under the
// detector's own cursor.
func (d *Detector) readLocal(ctx context.Context) ([]Hit, error) {
	r, err := accesslog.Open(d.logPath, d.store, cursorAbuse)
	if err != nil {
		return nil, fmt.Errorf("abuse: %w", err)
	}
	defer r.Close()

	var hits []Hit
	var lines int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, ok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		lines++
		if rec.Status != accesslog.StatusAccepted || rec.DateTime.IsZero() || rec.ClientAddress == "" {
			continue
		}
		hits = append(hits, Hit{User: rec.User, IP: rec.ClientIP(), Time: rec.DateTime})
	}
	metrics.LogLinesProcessed.WithLabelValues(cursorAbuse).Add(float64(lines))
	return hits, nil
}

// CollectSince filters hits newer than cutoff; used to serve a peer's
// window request from the local log without re-reading it.
func CollectSince(window []Hit, cutoff time.Time) []Hit {
	out := make([]Hit, 0, len(window))
	for _, h := range window {
		if !h.Time.Before(cutoff) {
			out = append(out, h)
		}
	}
	return out
}

// mergeWindow appends new local and remote hits to the persisted window,
// drops entries older than cutoff, dedupes exact repeats of the same hit
// from overlapping peer pulls, and keeps the result time-ordered.
func mergeWindow(window, local, remote []Hit, cutoff time.Time) []Hit {
	seen := make(map[string]bool, len(window))
	key := func(h Hit) string {
		return h.User + "|" + h.IP + "|" + h.Time.Format(time.RFC3339Nano)
	}
	merged := make([]Hit, 0, len(window)+len(local)+len(remote))
	add := func(hits []Hit) {
		for _, h := range hits {
			if h.Time.Before(cutoff) || seen[key(h)] {
				continue
			}
			seen[key(h)] = true
			merged = append(merged, h)
		}
	}
	add(window)
	add(local)
	add(remote)

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Time.Before(merged[j].Time) })
	return merged
}

// repeatedIPs returns, in first-seen order, the addresses a user connected
// from more than once inside the window. Only addresses that repeat count
// toward the connection limit; one-off appearances are ignored.
func repeatedIPs(hits []Hit) []string {
	counts := make(map[string]int)
	var order []string
	for _, h := range hits {
		if counts[h.IP] == 0 {
			order = append(order, h.IP)
		}
		counts[h.IP]++
	}
	var out []string
	for _, ip := range order {
		if counts[ip] > 1 {
			out = append(out, ip)
		}
	}
	return out
}
