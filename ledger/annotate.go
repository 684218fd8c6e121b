/*
annotate.go - Derived listing annotations

Marks timestamp gaps and per-issuer revertibility on a transaction listing.
UI signals only, no correctness constraints.
*/
package ledger

// AnnotatedTransaction decorates a Transaction for listing.
type AnnotatedTransaction struct {
	Transaction

	// TimejumpBefore/After are true when the gap to the neighboring
	// transaction exceeds the timejump threshold. For the newest
	// transaction, the gap after is measured against the current time.
	TimejumpBefore bool
	TimejumpAfter  bool

	// AllowRevert reports whether the annotating issuer may revert this
	// transaction right now.
	AllowRevert bool
}

// Annotate decorates a timestamp-ascending transaction slice with timejump
// markers and revertibility for the given issuer (no revert annotation when
// issuer is nil).
func (sv *Service) Annotate(txs []Transaction, issuer Issuer) []AnnotatedTransaction {
	now := sv.Now()
	out := make([]AnnotatedTransaction, len(txs))
	for i := range txs {
		out[i].Transaction = txs[i]

		if i > 0 {
			out[i].TimejumpBefore = txs[i].Timestamp.Sub(txs[i-1].Timestamp) > sv.TimejumpThreshold
		}
		if i < len(txs)-1 {
			out[i].TimejumpAfter = txs[i+1].Timestamp.Sub(txs[i].Timestamp) > sv.TimejumpThreshold
		} else {
			out[i].TimejumpAfter = now.Sub(txs[i].Timestamp) > sv.TimejumpThreshold
		}

		if issuer != nil {
			out[i].AllowRevert = !txs[i].Reverted() && sv.canRevert(&txs[i], issuer, now)
		}
	}
	return out
}
