/*
Package idempotency replays cached responses for retried mutations.

PURPOSE:
  Clients submitting transactions over flaky connections retry. Each
  mutating request carries a client-generated idempotency key; the first
  execution records its HTTP response, retries with the same key get the
  recorded response back instead of a second transaction.

KEY SCOPING:
  The cache key is a blake2b digest of the issuer identity and the raw
  client key, so two clients using the same key never collide and the raw
  key never appears in memory as a map key.

LOCKING:
  While the first request is still executing, a placeholder entry marks
  the key as in flight. Concurrent duplicates see the placeholder and get
  423 Locked rather than racing the original.
*/
package idempotency

import (
	"context"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// DefaultTimeout is how long a recorded response stays replayable.
const DefaultTimeout = 10 * time.Minute

// HeaderKey is the request header carrying the client's idempotency key.
const HeaderKey = "Idempotency-Key"

// FormKey is the form-field fallback for clients that cannot set headers.
const FormKey = "idempotency_key"

type contextKey struct{}

// FromContext returns the raw client key attached by the guard middleware,
// or "" when the request carried none.
func FromContext(ctx context.Context) string {
	key, _ := ctx.Value(contextKey{}).(string)
	return key
}

// CacheKey derives the scoped cache key for an actor and client key.
func CacheKey(actor, key string) string {
	sum := blake2b.Sum256([]byte(actor + "\x00" + key))
	return hex.EncodeToString(sum[:])
}

type entry struct {
	inFlight bool
	status   int
	header   http.Header
	body     []byte
	expires  time.Time
}

// Guard caches responses per scoped key. Zero value is not usable, call New.
type Guard struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
	now     func() time.Time
}

// New creates a guard. A non-positive timeout means DefaultTimeout.
func New(timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Guard{
		entries: make(map[string]*entry),
		timeout: timeout,
		now:     time.Now,
	}
}

// begin claims the key. It returns the cached entry when one exists,
// whether the key is currently in flight, and whether the caller now owns
// the first execution.
func (g *Guard) begin(key string) (cached *entry, locked, owner bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.collect()

	if e, ok := g.entries[key]; ok {
		if e.inFlight {
			return nil, true, false
		}
		return e, false, false
	}

	g.entries[key] = &entry{inFlight: true, expires: g.now().Add(g.timeout)}
	return nil, false, true
}

// finish records the response for the claimed key.
func (g *Guard) finish(key string, status int, header http.Header, body []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.entries[key] = &entry{
		status:  status,
		header:  header,
		body:    body,
		expires: g.now().Add(g.timeout),
	}
}

// abandon drops the placeholder so a later retry can execute again.
func (g *Guard) abandon(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, key)
}

// collect drops expired entries. Caller holds the lock. Opportunistic,
// runs on every claim, the map stays small enough that a sweep is fine.
func (g *Guard) collect() {
	now := g.now()
	for key, e := range g.entries {
		if !e.inFlight && now.After(e.expires) {
			delete(g.entries, key)
		}
	}
}

// ActorFunc extracts the identity that scopes a request's key.
type ActorFunc func(r *http.Request) string

// Wrap returns middleware enforcing idempotent execution of next. When
// required is true, requests without a key are rejected with 400.
func (g *Guard) Wrap(required bool, actor ActorFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := requestKey(r)
			if clientKey == "" {
				if required {
					http.Error(w, `{"error": "idempotency key required"}`, http.StatusBadRequest)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			r = r.WithContext(context.WithValue(r.Context(), contextKey{}, clientKey))
			key := CacheKey(actor(r), clientKey)

			cached, locked, owner := g.begin(key)
			switch {
			case locked:
				http.Error(w, `{"error": "request with this key is already in progress"}`, http.StatusLocked)
				return
			case cached != nil:
				replay(w, cached)
				return
			case !owner:
				// unreachable, begin always returns one of the three
				return
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			completed := false
			defer func() {
				if !completed {
					g.abandon(key)
				}
			}()

			next.ServeHTTP(rec, r)
			g.finish(key, rec.status, rec.Header().Clone(), rec.body)
			completed = true
		})
	}
}

func requestKey(r *http.Request) string {
	if key := r.Header.Get(HeaderKey); key != "" {
		return key
	}
	return r.FormValue(FormKey)
}

func replay(w http.ResponseWriter, e *entry) {
	for name, values := range e.header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(e.status)
	w.Write(e.body)
}

// responseRecorder tees the response so it can be cached for replay.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        []byte
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body = append(r.body, p...)
	return r.ResponseWriter.Write(p)
}
