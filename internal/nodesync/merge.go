package nodesync

import "github.com/blikh/proxyfleet/internal/ledger"

// MergeUserUsages folds incoming usage state into the local view,
// field-wise: earliest first connect wins, the latest last connect brings
// its source address and node along, and quota partials merge per origin so
// each node's contribution survives regardless of push order.
func MergeUserUsages(local, incoming ledger.UserUsages) {
	for user, in := range incoming {
		u := local.Ensure(user)

		if u.FirstConnect.IsZero() || (!in.FirstConnect.IsZero() && in.FirstConnect.Before(u.FirstConnect)) {
			u.FirstConnect = in.FirstConnect
		}
		if in.LastConnect.After(u.LastConnect) {
			u.LastConnect = in.LastConnect
			u.LastConnectIP = in.LastConnectIP
			u.LastConnectNode = in.LastConnectNode
		}
		if in.QuotaUsageUpdate.After(u.QuotaUsageUpdate) {
			u.QuotaUsageUpdate = in.QuotaUsageUpdate
		}
		for node, partial := range in.QuotaPartials {
			if u.QuotaPartials == nil {
				u.QuotaPartials = make(map[string]int64)
			}
			u.QuotaPartials[node] = partial
		}
	}
}

// MergeTrafficUsages upserts incoming entries by key: an incoming entry
// replaces the local one wholesale, since the sender is the authority for
// the counters it measured.
func MergeTrafficUsages(local, incoming ledger.TrafficUsages) {
	for key, e := range incoming {
		local[key] = e
	}
}
