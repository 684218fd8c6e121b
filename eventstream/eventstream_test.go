package eventstream_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubtab/ledger-engine/eventstream"
)

// =============================================================================
// WIRE FORMAT
// =============================================================================

func TestEvent_String(t *testing.T) {
	ev := eventstream.Event{Name: "create", ID: "tx-1", Data: []byte(`{"a":1}`)}
	assert.Equal(t, "event: create\nid: tx-1\ndata: {\"a\":1}\n\n", ev.String())
}

func TestEvent_String_Minimal(t *testing.T) {
	ev := eventstream.Event{Data: []byte("null")}
	assert.Equal(t, "data: null\n\n", ev.String())
}

func TestEvent_String_MultilineData(t *testing.T) {
	// Each payload line gets its own data: prefix per the SSE format.
	ev := eventstream.Event{Name: "reload", Data: []byte("a\nb")}
	assert.Equal(t, "event: reload\ndata: a\ndata: b\n\n", ev.String())
}

func TestNewEvent_EncodesPayload(t *testing.T) {
	ev, err := eventstream.NewEvent("create", "tx-1", map[string]int{"n": 7})
	require.NoError(t, err)
	assert.Equal(t, `{"n":7}`, string(ev.Data))

	ev, err = eventstream.NewEvent("reload", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(ev.Data))
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestRegistry_BroadcastReachesAllListeners(t *testing.T) {
	r := eventstream.NewRegistry(0)
	a := r.Subscribe("transaction")
	b := r.Subscribe("transaction")
	defer a.Close()
	defer b.Close()

	r.Publish("transaction", "create", map[string]string{"id": "1"}, "1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, l := range []*eventstream.Listener{a, b} {
		ev, err := l.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "create", ev.Name)
		assert.Equal(t, "1", ev.ID)
	}
}

func TestRegistry_ChannelsAreIsolated(t *testing.T) {
	r := eventstream.NewRegistry(0)
	l := r.Subscribe("other")
	defer l.Close()

	r.Publish("transaction", "create", nil, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := l.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistry_FullQueueDropsForThatListenerOnly(t *testing.T) {
	// GIVEN: A slow listener with a tiny queue and a fast one
	// WHEN: More events arrive than the slow queue holds
	// THEN: The slow listener loses the overflow, the fast one keeps up
	r := eventstream.NewRegistry(2)
	slow := r.Subscribe("transaction")
	defer slow.Close()

	for i := 0; i < 5; i++ {
		r.Publish("transaction", "create", i, "")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var received int
	for {
		short, shortCancel := context.WithTimeout(ctx, 50*time.Millisecond)
		_, err := slow.Next(short)
		shortCancel()
		if err != nil {
			break
		}
		received++
	}
	assert.Equal(t, 2, received, "overflow beyond the queue size is dropped")
}

func TestRegistry_UnsubscribeStopsDelivery(t *testing.T) {
	r := eventstream.NewRegistry(0)
	l := r.Subscribe("transaction")
	assert.Equal(t, 1, r.ListenerCount("transaction"))

	l.Close()
	assert.Equal(t, 0, r.ListenerCount("transaction"))

	// Publishing to an empty channel is a no-op.
	r.Publish("transaction", "create", nil, "")
}

func TestRegistry_NextHonorsContext(t *testing.T) {
	r := eventstream.NewRegistry(0)
	l := r.Subscribe("transaction")
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
