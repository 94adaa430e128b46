// Package billing enforces billing-cycle expiry and quota limits and
// accumulates the traffic ledger from the proxy engine's counters.
package billing

import (
	"time"

	ptime "github.com/yaa110/go-persian-calendar"

	"github.com/blikh/proxyfleet/internal/ledger"
	"github.com/blikh/proxyfleet/internal/proxyconf"
)

// cycle is the fixed billing-cycle step. Boundaries advance by whole
// wall-clock 30-day steps, not calendar months.
const cycle = 30 * 24 * time.Hour

// SameBillingMonth reports whether a and b fall in the same calendar month
// of the Jalali calendar. Month rollover for quota counters follows this
// calendar, not the Gregorian one.
func SameBillingMonth(a, b time.Time) bool {
	pa := ptime.New(a)
	pb := ptime.New(b)
	return pa.Year() == pb.Year() && pa.Month() == pb.Month()
}

// AdvanceBillingBoundary advances start by whole 30-day steps until the
// result is within one step of now. Returns start unchanged when now is
// inside the first cycle.
func AdvanceBillingBoundary(start, now time.Time) time.Time {
	b := start
	for !b.Add(cycle).After(now) {
		b = b.Add(cycle)
	}
	return b
}

// StartDate resolves a client's effective billing start date:
// the explicit field, then the client's stored first connect, then the
// observed first connect from the usage view, then the creation date.
func StartDate(c *proxyconf.Client, u *ledger.UserUsage) time.Time {
	if !c.BillingStartDate.IsZero() {
		return c.BillingStartDate
	}
	if !c.FirstConnect.IsZero() {
		return c.FirstConnect
	}
	if u != nil && !u.FirstConnect.IsZero() {
		return u.FirstConnect
	}
	return c.CreateDate
}
