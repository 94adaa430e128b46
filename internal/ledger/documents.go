package ledger

import (
	"fmt"
	"time"
)

// Document keys. Each holds one JSON document in the store.
const (
	KeyUserUsages    = "user-usages"
	KeyDailyUsages   = "daily-usages"
	KeyTrafficUsages = "traffic-usages"
	KeyTransactions  = "transactions"
	KeyServerNodes   = "server-nodes"
	KeyCursors       = "cursors"
	KeyAbuseWindow   = "abuse-window"
)

// Cursors maps a cursor name to the byte offset of the last consumed
// position in the access log. Cursors are independent per purpose.
type Cursors map[string]int64

// UserUsage is the per-user connection and quota state. The quota total is
// always derived from per-origin partials, never stored.
type UserUsage struct {
	FirstConnect     time.Time `json:"firstConnect,omitempty"`
	LastConnect      time.Time `json:"lastConnect,omitempty"`
	LastConnectIP    string    `json:"lastConnectIP,omitempty"`
	LastConnectNode  string    `json:"lastConnectNode,omitempty"`
	QuotaUsageUpdate time.Time `json:"quotaUsageUpdate,omitempty"`

	// QuotaPartials holds the current-cycle traffic reported by each origin
	// node, keyed by node id.
	QuotaPartials map[string]int64 `json:"quotaPartials,omitempty"`

	// Billing-aware totals recomputed on every traffic run.
	QuotaUsageThisMonth    int64 `json:"quotaUsageThisMonth,omitempty"`
	QuotaUsageAfterBilling int64 `json:"quotaUsageAfterBilling,omitempty"`
}

// QuotaUsage returns the total current-cycle quota usage as the sum of all
// per-origin partials.
func (u *UserUsage) QuotaUsage() int64 {
	var total int64
	for _, v := range u.QuotaPartials {
		total += v
	}
	return total
}

// AddQuota accumulates delta into the partial owned by nodeID.
func (u *UserUsage) AddQuota(nodeID string, delta int64) {
	if u.QuotaPartials == nil {
		u.QuotaPartials = make(map[string]int64)
	}
	u.QuotaPartials[nodeID] += delta
}

// UserUsages maps a user to their usage state.
type UserUsages map[string]*UserUsage

// Ensure returns the usage entry for user, creating it if absent.
func (m UserUsages) Ensure(user string) *UserUsage {
	u, ok := m[user]
	if !ok {
		u = &UserUsage{}
		m[user] = u
	}
	return u
}

// DailyStat is the per-day, per-user, per-outbound connection ledger entry.
// Counters only grow within a date; entries are merged, never overwritten.
type DailyStat struct {
	Counter            int64     `json:"counter"`
	FirstConnect       time.Time `json:"firstConnect"`
	LastConnect        time.Time `json:"lastConnect"`
	FirstConnectOffset int64     `json:"firstConnectOffset"`
	LastConnectOffset  int64     `json:"lastConnectOffset"`
}

// DailyUsages is date -> user -> outbound tag -> stat.
type DailyUsages map[string]map[string]map[string]*DailyStat

// Ensure returns the stat for (date, user, outbound), creating the path.
func (m DailyUsages) Ensure(date, user, outbound string) *DailyStat {
	users, ok := m[date]
	if !ok {
		users = make(map[string]map[string]*DailyStat)
		m[date] = users
	}
	outs, ok := users[user]
	if !ok {
		outs = make(map[string]*DailyStat)
		users[user] = outs
	}
	st, ok := outs[outbound]
	if !ok {
		st = &DailyStat{}
		outs[outbound] = st
	}
	return st
}

// TrafficEntry accumulates traffic for one (date, server, type, name,
// direction) key. Archived holds boundary-stamped "traffic_before_<epoch>"
// snapshots taken at billing-cycle rollover.
type TrafficEntry struct {
	Date      string `json:"date"`
	Server    string `json:"server"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	Direction string `json:"direction"`
	Traffic   int64  `json:"traffic"`

	Archived map[string]int64 `json:"archived,omitempty"`
}

// Key returns the unique ledger key for the entry.
func (e *TrafficEntry) Key() string {
	return TrafficKey(e.Date, e.Server, e.Type, e.Name, e.Direction)
}

// TrafficKey builds the unique key for a traffic ledger entry.
func TrafficKey(date, server, typ, name, direction string) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", date, server, typ, name, direction)
}

// TrafficUsages is the traffic ledger, keyed by TrafficKey.
type TrafficUsages map[string]*TrafficEntry

// Add accumulates delta into the entry for the given key, creating it if
// absent. Entries are updated additively, never replaced.
func (m TrafficUsages) Add(date, server, typ, name, direction string, delta int64) *TrafficEntry {
	key := TrafficKey(date, server, typ, name, direction)
	e, ok := m[key]
	if !ok {
		e = &TrafficEntry{Date: date, Server: server, Type: typ, Name: name, Direction: direction}
		m[key] = e
	}
	e.Traffic += delta
	return e
}

// Transaction is one billing ledger record. A positive amount is debt, a
// negative amount is a payment. ServerNodeID marks the owning origin node.
type Transaction struct {
	ID           int64     `json:"id"`
	User         string    `json:"user"`
	Amount       int64     `json:"amount"`
	Remark       string    `json:"remark,omitempty"`
	CreateDate   time.Time `json:"createDate"`
	CreatedBy    string    `json:"createdBy,omitempty"`
	CreatedFor   string    `json:"createdFor,omitempty"`
	ServerNodeID string    `json:"serverNodeId"`
}

// Transactions is the transaction ledger.
type Transactions []Transaction

// NewTransaction builds a transaction owned by nodeID. IDs are nanosecond
// timestamps: monotonic per node and unique across merges in practice.
func NewTransaction(nodeID, user string, amount int64, remark, createdBy string, now time.Time) Transaction {
	return Transaction{
		ID:           now.UnixNano(),
		User:         user,
		Amount:       amount,
		Remark:       remark,
		CreateDate:   now,
		CreatedBy:    createdBy,
		CreatedFor:   user,
		ServerNodeID: nodeID,
	}
}

// Delete removes the transaction with the given id. Transactions are only
// ever removed by explicit admin action.
func (t Transactions) Delete(id int64) Transactions {
	out := t[:0]
	for _, tx := range t {
		if tx.ID != id {
			out = append(out, tx)
		}
	}
	return out
}

// ServerNode is one peer in the sync fleet. A "client" node is managed by
// this coordinator; a "server" node is an authenticated peer that receives
// ledger pushes.
type ServerNode struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"` // "client" or "server"
	Address  string `json:"address"`
	APIKey   string `json:"apiKey"`
	Disabled bool   `json:"disabled,omitempty"`

	SyncLedgers bool `json:"syncLedgers,omitempty"`
	ShareLogs   bool `json:"shareLogs,omitempty"`

	LastConnectDate time.Time `json:"lastConnectDate,omitempty"`
	LastConnectIP   string    `json:"lastConnectIP,omitempty"`
	LastSyncDate    time.Time `json:"lastSyncDate,omitempty"`
}

// ServerNodes is the fleet node ledger.
type ServerNodes []*ServerNode

// Find returns the node with the given id, or nil.
func (n ServerNodes) Find(id string) *ServerNode {
	for _, node := range n {
		if node.ID == id {
			return node
		}
	}
	return nil
}

// FindByAPIKey returns the node holding the given credential, or nil.
func (n ServerNodes) FindByAPIKey(key string) *ServerNode {
	if key == "" {
		return nil
	}
	for _, node := range n {
		if node.APIKey == key {
			return node
		}
	}
	return nil
}

const (
	NodeTypeClient = "client"
	NodeTypeServer = "server"
)
