package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/blikh/proxyfleet/internal/ledger"
	"github.com/blikh/proxyfleet/internal/proxyconf"
	"github.com/blikh/proxyfleet/internal/service"
	"github.com/blikh/proxyfleet/internal/usage"
)

// Deactivation reasons written to the client record.
const (
	ReasonBandwidth = "Bandwidth used"

	reasonExpiredFormat = "Expired after %d days"
)

// Enforcer deactivates clients whose billing cycle has elapsed or whose
// post-billing quota usage exceeds their limit. It refreshes the
// current-status usage view first so expiry decisions observe log state
// before bookkeeping advances cursors.
type Enforcer struct {
	mutator           *proxyconf.Mutator
	aggregator        *usage.Aggregator
	store             *ledger.Store
	defaultExpireDays int
	routingTag        string
	restart           *service.RestartSignal
	now               func() time.Time
	logger            *slog.Logger
}

func NewEnforcer(
	mutator *proxyconf.Mutator,
	aggregator *usage.Aggregator,
	store *ledger.Store,
	defaultExpireDays int,
	routingTag string,
	restart *service.RestartSignal,
	logger *slog.Logger,
) *Enforcer {
	return &Enforcer{
		mutator:           mutator,
		aggregator:        aggregator,
		store:             store,
		defaultExpireDays: defaultExpireDays,
		routingTag:        routingTag,
		restart:           restart,
		now:               time.Now,
		logger:            logger,
	}
}

func (e *Enforcer) Name() string { return "expiry" }

func (e *Enforcer) Run(ctx context.Context) error {
	if err := e.aggregator.RefreshCurrent(ctx); err != nil {
		return err
	}

	cfg, err := e.mutator.Load()
	if err != nil {
		return err
	}
	usages := ledger.UserUsages{}
	if err := e.store.Get(ledger.KeyUserUsages, &usages); err != nil {
		return err
	}

	now := e.now()
	changed := false

	for i := range cfg.Inbounds {
		clients := cfg.Inbounds[i].Settings.Clients
		for j := range clients {
			c := &clients[j]
			u := usages[c.Email]

			// Backfill observed state onto the client record. Idempotent
			// against log replay: only missing fields are filled.
			if c.FirstConnect.IsZero() && u != nil && !u.FirstConnect.IsZero() {
				c.FirstConnect = u.FirstConnect
				changed = true
			}
			start := StartDate(c, u)
			if c.BillingStartDate.IsZero() && !start.IsZero() {
				c.BillingStartDate = start
				changed = true
			}
			if start.IsZero() {
				continue
			}

			days := c.ExpireDays
			if days == 0 {
				days = e.defaultExpireDays
			}
			expiry := start.Add(time.Duration(days) * 24 * time.Hour)

			if !now.Before(expiry) {
				if c.Active() {
					reason := fmt.Sprintf(reasonExpiredFormat, days)
					cfg.SetActive(c.Email, false, reason, e.routingTag, now)
					e.restart.Set()
					changed = true
					e.logger.Info("client expired", "user", c.Email, "days", days, "since", start)
				}
				continue
			}

			if c.QuotaLimit > 0 && c.Active() && u != nil && u.QuotaUsageAfterBilling > c.QuotaLimit {
				cfg.SetActive(c.Email, false, ReasonBandwidth, e.routingTag, now)
				e.restart.Set()
				changed = true
				e.logger.Info("client over quota", "user", c.Email,
					"used", u.QuotaUsageAfterBilling, "limit", c.QuotaLimit)
			}
		}
	}

	if changed {
		return e.mutator.Save(cfg)
	}
	return nil
}

// AddBillingDays extends a client's cycle. When the account is currently
// expired the billing anchor resets to now and the account is reactivated;
// this is the only path that reactivates an expired client.
func AddBillingDays(m *proxyconf.Mutator, email string, days, defaultExpireDays int, routingTag string, now time.Time) error {
	cfg, err := m.Load()
	if err != nil {
		return err
	}
	c, _ := cfg.FindClient(email)
	if c == nil {
		return fmt.Errorf("billing: client %q not found", email)
	}

	current := c.ExpireDays
	if current == 0 {
		current = defaultExpireDays
	}

	expired := false
	if !c.BillingStartDate.IsZero() {
		expired = !now.Before(c.BillingStartDate.Add(time.Duration(current) * 24 * time.Hour))
	}

	if expired {
		c.BillingStartDate = now
		c.ExpireDays = days
		cfg.SetActive(email, true, "", routingTag, now)
	} else {
		// The implicit default becomes explicit before extending, so the
		// cycle never shrinks below default+days.
		c.ExpireDays = current + days
	}

	return m.Save(cfg)
}
