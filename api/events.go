/*
events.go - Server-sent event stream for the live transaction feed

PURPOSE:
  Streams transaction events to clients over SSE. Clients reconnecting
  after a gap announce the last transaction they saw; the server decides
  between resuming silently and pushing a reload.

CATCH-UP PROTOCOL:
  The client's last-seen id comes from the `last_transaction` query
  parameter or the standard Last-Event-ID header.

  - absent or not a UUID:          no reload, just stream
  - equals the latest persisted:   no reload, client is current
  - known but stale:               `reload` event carrying the missed
                                   transaction events, replayed from the
                                   store in sequence order
  - unknown:                       `reload` event with null data, the
                                   client refetches everything

  Every stream begins with an `open` event so clients can distinguish a
  working connection from a silent one.

KEEPALIVE:
  A comment line every 30 seconds keeps proxies from closing the idle
  connection.
*/
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/clubtab/ledger-engine/eventstream"
	"github.com/clubtab/ledger-engine/ledger"
)

const keepaliveInterval = 30 * time.Second

// StreamEvents is the SSE endpoint.
// GET /api/transaction/events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported", nil)
		return
	}

	// Subscribe before the catch-up check so nothing published in
	// between is lost.
	listener := h.Events.Subscribe(ledger.ChannelTransaction)
	defer listener.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	openEv, err := eventstream.NewEvent(ledger.EventOpen, "", map[string]string{"channel": ledger.ChannelTransaction})
	if err == nil {
		fmt.Fprint(w, openEv.String())
	}

	if ev, ok := h.catchUpEvent(r); ok {
		fmt.Fprint(w, ev.String())
	}
	flusher.Flush()

	ctx := r.Context()
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev := <-listener.C():
			fmt.Fprint(w, ev.String())
			flusher.Flush()
		}
	}
}

// catchUpEvent decides whether the reconnecting client needs a reload.
func (h *Handler) catchUpEvent(r *http.Request) (eventstream.Event, bool) {
	lastSeen := r.URL.Query().Get("last_transaction")
	if lastSeen == "" {
		lastSeen = r.Header.Get("Last-Event-ID")
	}
	if lastSeen == "" {
		return eventstream.Event{}, false
	}
	if _, err := uuid.Parse(lastSeen); err != nil {
		// Garbage id, the client never saw a real transaction.
		return eventstream.Event{}, false
	}

	ctx := r.Context()
	latest, err := h.Store.LatestTransaction(ctx)
	if err != nil {
		h.Log.WithError(err).Warn("failed to check latest transaction for catch-up")
		return eventstream.Event{}, false
	}
	if latest != nil && latest.ID == ledger.TransactionID(lastSeen) {
		return eventstream.Event{}, false
	}

	seen, err := h.Store.GetTransaction(ctx, ledger.TransactionID(lastSeen))
	if err != nil {
		h.Log.WithError(err).Warn("failed to resolve last seen transaction")
		return eventstream.Event{}, false
	}
	if seen == nil {
		// Unknown to us, the client must refetch from scratch.
		ev, err := eventstream.NewEvent(ledger.EventReload, "", nil)
		return ev, err == nil
	}

	missed, err := h.missedEvents(r, seen.Seq)
	if err != nil {
		h.Log.WithError(err).Warn("failed to replay missed transactions")
		ev, err := eventstream.NewEvent(ledger.EventReload, "", nil)
		return ev, err == nil
	}

	ev, err := eventstream.NewEvent(ledger.EventReload, "", missed)
	return ev, err == nil
}

// missedEvents rebuilds the transaction events the client missed, in
// sequence order, from the store rather than the bus. Each replayed event
// carries the balance as of its own transaction, same as the live feed
// showed when the event first fired.
func (h *Handler) missedEvents(r *http.Request, afterSeq int64) ([]ledger.TransactionEvent, error) {
	ctx := r.Context()
	txs, err := h.Store.TransactionsAfter(ctx, afterSeq, 0)
	if err != nil {
		return nil, err
	}

	accounts := make(map[ledger.AccountID]*ledger.Account)
	running := make(map[ledger.AccountID]ledger.Amount)

	kept := make([]ledger.Transaction, 0, len(txs))
	for i := range txs {
		tx := &txs[i]
		account, ok := accounts[tx.AccountID]
		if !ok {
			account, err = h.Store.GetAccount(ctx, tx.AccountID)
			if err != nil {
				return nil, err
			}
			accounts[tx.AccountID] = account
			if account != nil {
				running[tx.AccountID], err = ledger.CurrentBalance(ctx, h.Store, tx.AccountID)
				if err != nil {
					return nil, err
				}
			}
		}
		if account == nil {
			continue
		}
		kept = append(kept, *tx)
	}

	// The missed range always ends at the newest transaction, so walking
	// it backwards from the present balance recovers the balance right
	// after each event.
	balances := make([]ledger.Amount, len(kept))
	for i := len(kept) - 1; i >= 0; i-- {
		id := kept[i].AccountID
		balances[i] = running[id]
		running[id] -= kept[i].SignedAmount()
	}

	events := make([]ledger.TransactionEvent, 0, len(kept))
	for i := range kept {
		events = append(events, ledger.NewTransactionEvent(&kept[i], accounts[kept[i].AccountID], balances[i]))
	}
	return events, nil
}
