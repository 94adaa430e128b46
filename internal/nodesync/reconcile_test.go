package nodesync

import (
	"testing"

	"github.com/blikh/proxyfleet/internal/ledger"
)

func tx(id int64, owner string) ledger.Transaction {
	return ledger.Transaction{ID: id, ServerNodeID: owner}
}

func reconcileTxs(local, incoming []ledger.Transaction, pusher string) ReconcileResult[ledger.Transaction] {
	return Reconcile(local, incoming,
		func(a, b ledger.Transaction) bool { return a.ID == b.ID },
		func(t ledger.Transaction) bool { return t.ServerNodeID == pusher },
		func(t ledger.Transaction) bool { return t.ServerNodeID == pusher },
	)
}

func TestReconcileNonClobbering(t *testing.T) {
	// Local holds A owned by the pusher and B owned by someone else. The
	// pusher's set now contains only C: A goes, B stays, C arrives.
	local := []ledger.Transaction{tx(1, "node-x"), tx(2, "node-y")}
	incoming := []ledger.Transaction{tx(3, "node-x")}

	res := reconcileTxs(local, incoming, "node-x")

	if res.Inserted != 1 || res.Removed != 1 || res.Modified != 0 {
		t.Errorf("counts = %d/%d/%d (inserted/removed/modified), want 1/1/0",
			res.Inserted, res.Removed, res.Modified)
	}
	if len(res.Records) != 2 {
		t.Fatalf("records = %v, want 2", res.Records)
	}
	ids := map[int64]bool{}
	for _, r := range res.Records {
		ids[r.ID] = true
	}
	if !ids[2] || !ids[3] || ids[1] {
		t.Errorf("records = %v, want ids 2 and 3", res.Records)
	}
}

func TestReconcileModifies(t *testing.T) {
	local := []ledger.Transaction{{ID: 1, ServerNodeID: "node-x", Amount: 100}}
	incoming := []ledger.Transaction{{ID: 1, ServerNodeID: "node-x", Amount: 250}}

	res := reconcileTxs(local, incoming, "node-x")

	if res.Modified != 1 || res.Inserted != 0 || res.Removed != 0 {
		t.Errorf("counts = %d/%d/%d, want 0/0/1", res.Inserted, res.Removed, res.Modified)
	}
	if len(res.Records) != 1 || res.Records[0].Amount != 250 {
		t.Errorf("records = %v, want amount 250", res.Records)
	}
}

func TestReconcileIgnoresForeignIncoming(t *testing.T) {
	// A pusher cannot smuggle in records it does not own.
	local := []ledger.Transaction{tx(1, "node-y")}
	incoming := []ledger.Transaction{tx(2, "node-y"), tx(3, "node-z")}

	res := reconcileTxs(local, incoming, "node-x")

	if res.Inserted != 0 || res.Removed != 0 || res.Modified != 0 {
		t.Errorf("counts = %d/%d/%d, want 0/0/0", res.Inserted, res.Removed, res.Modified)
	}
	if len(res.Records) != 1 || res.Records[0].ID != 1 {
		t.Errorf("records = %v, want just id 1", res.Records)
	}
}

func TestReconcileEmptyPushRemovesOwned(t *testing.T) {
	local := []ledger.Transaction{tx(1, "node-x"), tx(2, "node-x"), tx(3, "node-y")}

	res := reconcileTxs(local, nil, "node-x")

	if res.Removed != 2 {
		t.Errorf("removed = %d, want 2", res.Removed)
	}
	if len(res.Records) != 1 || res.Records[0].ID != 3 {
		t.Errorf("records = %v, want just the foreign record", res.Records)
	}
}
