/*
events_test.go - Catch-up protocol and SSE stream tests
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubtab/ledger-engine/ledger"
)

func (e *testEnv) depositOK(t *testing.T, account ledger.AccountID, amount, key string) ledger.TransactionID {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/transaction/deposit",
		CustomTransactionRequest{Account: account, Amount: json.Number(amount)},
		asBarkeeper(), withKey(key))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[TransactionResponse](t, rec).TransactionID
}

func streamRequest(lastSeen string) *http.Request {
	target := "/api/transaction/events"
	if lastSeen != "" {
		target += "?last_transaction=" + lastSeen
	}
	return httptest.NewRequest(http.MethodGet, target, nil)
}

// =============================================================================
// CATCH-UP DECISION
// =============================================================================

func TestCatchUp_NoLastSeen_NoReload(t *testing.T) {
	e := newTestEnv(t)
	_, ok := e.handler.catchUpEvent(streamRequest(""))
	assert.False(t, ok)
}

func TestCatchUp_GarbageID_NoReload(t *testing.T) {
	// A non-UUID last seen id means the client never saw a real
	// transaction; streaming from now is correct.
	e := newTestEnv(t)
	account := e.seedAccount(t, ledger.Account{Member: true})
	e.depositOK(t, account.ID, "1.00", "k1")

	_, ok := e.handler.catchUpEvent(streamRequest("not-a-uuid"))
	assert.False(t, ok)
}

func TestCatchUp_CurrentClient_NoReload(t *testing.T) {
	e := newTestEnv(t)
	account := e.seedAccount(t, ledger.Account{Member: true})
	latest := e.depositOK(t, account.ID, "1.00", "k1")

	_, ok := e.handler.catchUpEvent(streamRequest(string(latest)))
	assert.False(t, ok)
}

func TestCatchUp_StaleKnownID_ReloadWithMissedEvents(t *testing.T) {
	// GIVEN: The client last saw the first of three transactions
	// THEN: The reload payload carries the two missed events in order
	e := newTestEnv(t)
	account := e.seedAccount(t, ledger.Account{Member: true})
	first := e.depositOK(t, account.ID, "1.00", "k1")
	second := e.depositOK(t, account.ID, "2.00", "k2")
	third := e.depositOK(t, account.ID, "3.00", "k3")

	ev, ok := e.handler.catchUpEvent(streamRequest(string(first)))
	require.True(t, ok)
	assert.Equal(t, ledger.EventReload, ev.Name)

	var missed []ledger.TransactionEvent
	require.NoError(t, json.Unmarshal(ev.Data, &missed))
	require.Len(t, missed, 2)
	assert.Equal(t, second, missed[0].ID)
	assert.Equal(t, third, missed[1].ID)
	assert.Equal(t, ledger.Amount(200), missed[0].Amount)
	assert.Equal(t, "Alex", missed[0].AccountName)

	// Each replayed event carries the balance as of its own transaction,
	// not the account's present balance.
	assert.Equal(t, ledger.Amount(300), missed[0].Balance)
	assert.Equal(t, ledger.Amount(600), missed[1].Balance)
}

func TestCatchUp_UnknownID_ReloadWithNullData(t *testing.T) {
	e := newTestEnv(t)
	account := e.seedAccount(t, ledger.Account{Member: true})
	e.depositOK(t, account.ID, "1.00", "k1")

	ev, ok := e.handler.catchUpEvent(streamRequest(string(ledger.NewTransactionID())))
	require.True(t, ok)
	assert.Equal(t, ledger.EventReload, ev.Name)
	assert.Equal(t, "null", string(ev.Data))
}

func TestCatchUp_LastEventIDHeaderFallback(t *testing.T) {
	e := newTestEnv(t)
	account := e.seedAccount(t, ledger.Account{Member: true})
	first := e.depositOK(t, account.ID, "1.00", "k1")
	e.depositOK(t, account.ID, "2.00", "k2")

	req := streamRequest("")
	req.Header.Set("Last-Event-ID", string(first))
	ev, ok := e.handler.catchUpEvent(req)
	require.True(t, ok)
	assert.Equal(t, ledger.EventReload, ev.Name)
}

// =============================================================================
// STREAM
// =============================================================================

func TestStreamEvents_OpensWithOpenEvent(t *testing.T) {
	e := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := streamRequest("").WithContext(ctx)

	rec := httptest.NewRecorder()
	e.handler.StreamEvents(rec, req)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "event: open\n"),
		"stream must begin with the open event, got: %q", rec.Body.String())
}

func TestStreamEvents_StaleClientGetsReloadFirst(t *testing.T) {
	e := newTestEnv(t)
	account := e.seedAccount(t, ledger.Account{Member: true})
	first := e.depositOK(t, account.ID, "1.00", "k1")
	e.depositOK(t, account.ID, "2.00", "k2")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := streamRequest(string(first)).WithContext(ctx)

	rec := httptest.NewRecorder()
	e.handler.StreamEvents(rec, req)

	body := rec.Body.String()
	openIdx := strings.Index(body, "event: open")
	reloadIdx := strings.Index(body, "event: reload")
	require.GreaterOrEqual(t, openIdx, 0)
	require.Greater(t, reloadIdx, openIdx, "reload follows the open event")
}

func TestStreamEvents_DeliversPublishedEvents(t *testing.T) {
	e := newTestEnv(t)
	account := e.seedAccount(t, ledger.Account{Member: true})

	ctx, cancel := context.WithCancel(context.Background())
	req := streamRequest("").WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.handler.StreamEvents(rec, req)
	}()

	// Wait for the subscription before publishing.
	require.Eventually(t, func() bool {
		return e.events.ListenerCount(ledger.ChannelTransaction) == 1
	}, time.Second, 5*time.Millisecond)

	id := e.depositOK(t, account.ID, "1.00", "k1")

	// Give the stream goroutine a moment to drain its queue.
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	assert.Contains(t, body, "event: create")
	assert.Contains(t, body, "id: "+string(id))
}
