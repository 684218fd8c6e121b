package idempotency

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticActor(r *http.Request) string { return r.Header.Get("X-Actor") }

func countingHandler(calls *atomic.Int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"execution":%d}`, n)
	})
}

func doRequest(h http.Handler, actor, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	if actor != "" {
		req.Header.Set("X-Actor", actor)
	}
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGuard_ReplaysFirstResponse(t *testing.T) {
	// GIVEN: A retried request with the same key
	// THEN: The handler runs once, the retry gets the recorded response
	var calls atomic.Int64
	g := New(0)
	h := g.Wrap(true, staticActor)(countingHandler(&calls))

	first := doRequest(h, "alice", "key-1")
	assert.Equal(t, http.StatusCreated, first.Code)

	second := doRequest(h, "alice", "key-1")
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))

	assert.Equal(t, int64(1), calls.Load())
}

func TestGuard_ErrorResponseReplaysVerbatim(t *testing.T) {
	// GIVEN: A first execution that failed with a client error
	// THEN: The retry gets the identical failure back, without re-execution
	var calls atomic.Int64
	g := New(0)
	denied := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":"Insufficient funds"}`)
	})
	h := g.Wrap(true, staticActor)(denied)

	first := doRequest(h, "alice", "key-1")
	assert.Equal(t, http.StatusForbidden, first.Code)

	second := doRequest(h, "alice", "key-1")
	assert.Equal(t, http.StatusForbidden, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))

	assert.Equal(t, int64(1), calls.Load())
}

func TestGuard_InFlightDuplicateGetsLocked(t *testing.T) {
	// GIVEN: A first request still executing
	// THEN: A concurrent duplicate is rejected with 423 rather than racing it
	g := New(0)
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		close(entered)
		<-release
		w.WriteHeader(http.StatusCreated)
	})
	h := g.Wrap(true, staticActor)(slow)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- doRequest(h, "alice", "key-1") }()
	<-entered

	dup := doRequest(h, "alice", "key-1")
	assert.Equal(t, http.StatusLocked, dup.Code)

	close(release)
	first := <-done
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, int64(1), calls.Load())

	// Once the first attempt has finished, the same key replays it.
	replayed := doRequest(h, "alice", "key-1")
	assert.Equal(t, http.StatusCreated, replayed.Code)
	assert.Equal(t, "true", replayed.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, int64(1), calls.Load())
}

func TestGuard_DifferentKeysExecuteIndependently(t *testing.T) {
	var calls atomic.Int64
	g := New(0)
	h := g.Wrap(true, staticActor)(countingHandler(&calls))

	doRequest(h, "alice", "key-1")
	doRequest(h, "alice", "key-2")
	assert.Equal(t, int64(2), calls.Load())
}

func TestGuard_KeysAreScopedPerActor(t *testing.T) {
	// Two clients reusing the same key must not see each other's response.
	var calls atomic.Int64
	g := New(0)
	h := g.Wrap(true, staticActor)(countingHandler(&calls))

	doRequest(h, "alice", "shared")
	doRequest(h, "bob", "shared")
	assert.Equal(t, int64(2), calls.Load())
}

func TestGuard_MissingKeyRequired(t *testing.T) {
	var calls atomic.Int64
	g := New(0)
	h := g.Wrap(true, staticActor)(countingHandler(&calls))

	rec := doRequest(h, "alice", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int64(0), calls.Load())
}

func TestGuard_MissingKeyOptional(t *testing.T) {
	var calls atomic.Int64
	g := New(0)
	h := g.Wrap(false, staticActor)(countingHandler(&calls))

	doRequest(h, "alice", "")
	doRequest(h, "alice", "")
	assert.Equal(t, int64(2), calls.Load(), "unkeyed requests pass through")
}

func TestGuard_ExpiredEntryExecutesAgain(t *testing.T) {
	var calls atomic.Int64
	g := New(time.Minute)

	current := time.Date(2026, time.March, 14, 15, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return current }

	h := g.Wrap(true, staticActor)(countingHandler(&calls))

	doRequest(h, "alice", "key-1")
	assert.Equal(t, int64(1), calls.Load())

	// Within the TTL: replayed.
	current = current.Add(30 * time.Second)
	doRequest(h, "alice", "key-1")
	assert.Equal(t, int64(1), calls.Load())

	// Past the TTL: the entry is collected and the handler runs again.
	current = current.Add(2 * time.Minute)
	doRequest(h, "alice", "key-1")
	assert.Equal(t, int64(2), calls.Load())
}

func TestGuard_PanicReleasesKey(t *testing.T) {
	// A crashed first attempt must not wedge the key forever.
	g := New(0)
	boom := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	h := g.Wrap(true, staticActor)(boom)

	assert.Panics(t, func() { doRequest(h, "alice", "key-1") })

	var calls atomic.Int64
	ok := g.Wrap(true, staticActor)(countingHandler(&calls))
	rec := doRequest(ok, "alice", "key-1")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(1), calls.Load())
}

func TestGuard_KeyReachesHandlerContext(t *testing.T) {
	g := New(0)
	var seen string
	h := g.Wrap(true, staticActor)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	doRequest(h, "alice", "key-xyz")
	assert.Equal(t, "key-xyz", seen)
}

func TestCacheKey_Distinct(t *testing.T) {
	require.NotEqual(t, CacheKey("alice", "k"), CacheKey("bob", "k"))
	require.NotEqual(t, CacheKey("alice", "k1"), CacheKey("alice", "k2"))
	assert.Equal(t, CacheKey("alice", "k"), CacheKey("alice", "k"))
}
