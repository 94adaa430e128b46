// Package nodesync exchanges ledgers between fleet nodes: a push client and
// coordinator on the sending side, an authenticated HTTP API on the
// receiving side, and the merge rules both sides share.
package nodesync

// ReconcileResult is the outcome of folding a pusher's records into a local
// ledger.
type ReconcileResult[T any] struct {
	Records  []T
	Inserted int
	Removed  int
	Modified int
}

// Reconcile folds incoming records into local ones without clobbering
// records the pusher does not own. Records owned by other origins pass
// through untouched; records the pusher owns are replaced by the incoming
// set: matched ids are overwritten, unmatched local ones removed, unmatched
// incoming ones inserted.
func Reconcile[T any](
	local, incoming []T,
	sameID func(a, b T) bool,
	localMine func(T) bool,
	incomingMine func(T) bool,
) ReconcileResult[T] {
	var res ReconcileResult[T]
	matched := make([]bool, len(incoming))

	for _, rec := range local {
		if !localMine(rec) {
			res.Records = append(res.Records, rec)
			continue
		}
		found := false
		for i, in := range incoming {
			if !incomingMine(in) || matched[i] {
				continue
			}
			if sameID(rec, in) {
				res.Records = append(res.Records, in)
				matched[i] = true
				res.Modified++
				found = true
				break
			}
		}
		if !found {
			res.Removed++
		}
	}

	for i, in := range incoming {
		if incomingMine(in) && !matched[i] {
			res.Records = append(res.Records, in)
			res.Inserted++
		}
	}
	return res
}
