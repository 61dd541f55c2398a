// Package storetest is a conformance suite for store.Store implementations.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pcall/internal/store"
)

// Timeout bounds every wait for a change-feed event.
var Timeout = 5 * time.Second

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"GetMissing", testGetMissing},
		{"MergeKeepsOtherFields", testMergeKeepsOtherFields},
		{"MergeMissing", testMergeMissing},
		{"CreateModeReplaces", testCreateModeReplaces},
		{"DocumentSnapshotThenDeltas", testDocumentSnapshotThenDeltas},
		{"DocumentSubscribeBeforeExists", testDocumentSubscribeBeforeExists},
		{"CollectionAddsExistingAndNew", testCollectionAddsExistingAndNew},
		{"NoEventsAfterClose", testNoEventsAfterClose},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

// Next waits for the next event on s or fails the test.
func Next(t *testing.T, s store.Stream) store.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "stream closed unexpectedly")
		return ev
	case <-time.After(Timeout):
		t.Fatal("timed out waiting for store event")
		return store.Event{}
	}
}

// NextMatching skips events until match returns true. Backends may
// deliver extra snapshots (at-least-once), so tests wait for content rather
// than counting events.
func NextMatching(t *testing.T, s store.Stream, match func(store.Event) bool) store.Event {
	t.Helper()
	deadline := time.After(Timeout)
	for {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "stream closed unexpectedly")
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching store event")
			return store.Event{}
		}
	}
}

func offerFields(sdp string) store.Fields {
	return store.Fields{"offer": map[string]interface{}{"type": "offer", "sdp": sdp}}
}

type desc struct {
	Type string `mapstructure:"type"`
	SDP  string `mapstructure:"sdp"`
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()

	id, err := s.CreateRecord(ctx, "calls")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	id2, err := s.CreateRecord(ctx, "calls")
	require.NoError(t, err)
	assert.NotEqual(t, id, id2, "ids must be unique")

	require.NoError(t, s.SetFields(ctx, "calls", id, offerFields("X"), store.ModeCreate))

	got, err := s.GetRecord(ctx, "calls", id)
	require.NoError(t, err)

	var d desc
	require.NoError(t, got.Decode("offer", &d))
	assert.Equal(t, desc{Type: "offer", SDP: "X"}, d, "offer must read back unchanged")
}

func testGetMissing(t *testing.T, s store.Store) {
	_, err := s.GetRecord(context.Background(), "calls", "does-not-exist")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testMergeKeepsOtherFields(t *testing.T, s store.Store) {
	ctx := context.Background()

	id, err := s.CreateRecord(ctx, "calls")
	require.NoError(t, err)
	require.NoError(t, s.SetFields(ctx, "calls", id, offerFields("X"), store.ModeCreate))

	answer := store.Fields{"answer": map[string]interface{}{"type": "answer", "sdp": "Y"}}
	require.NoError(t, s.SetFields(ctx, "calls", id, answer, store.ModeMerge))

	got, err := s.GetRecord(ctx, "calls", id)
	require.NoError(t, err)

	var o, a desc
	require.NoError(t, got.Decode("offer", &o))
	require.NoError(t, got.Decode("answer", &a))
	assert.Equal(t, "X", o.SDP)
	assert.Equal(t, "Y", a.SDP)
}

func testMergeMissing(t *testing.T, s store.Store) {
	err := s.SetFields(context.Background(), "calls", "does-not-exist",
		store.Fields{"answer": "x"}, store.ModeMerge)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCreateModeReplaces(t *testing.T, s store.Store) {
	ctx := context.Background()

	id, err := s.CreateRecord(ctx, "calls")
	require.NoError(t, err)
	require.NoError(t, s.SetFields(ctx, "calls", id, store.Fields{"a": "1", "b": "2"}, store.ModeCreate))
	require.NoError(t, s.SetFields(ctx, "calls", id, store.Fields{"a": "3"}, store.ModeCreate))

	got, err := s.GetRecord(ctx, "calls", id)
	require.NoError(t, err)
	assert.Equal(t, "3", got["a"])
	assert.NotContains(t, got, "b")
}

func testDocumentSnapshotThenDeltas(t *testing.T, s store.Store) {
	ctx := context.Background()

	id, err := s.CreateRecord(ctx, "calls")
	require.NoError(t, err)
	require.NoError(t, s.SetFields(ctx, "calls", id, offerFields("X"), store.ModeCreate))

	sub, err := s.SubscribeDocument(ctx, "calls", id)
	require.NoError(t, err)
	defer sub.Close()

	first := NextMatching(t, sub, func(ev store.Event) bool { return ev.Fields["offer"] != nil })
	assert.Equal(t, id, first.ID)
	assert.NotContains(t, first.Fields, "answer")

	answer := store.Fields{"answer": map[string]interface{}{"type": "answer", "sdp": "Y"}}
	require.NoError(t, s.SetFields(ctx, "calls", id, answer, store.ModeMerge))

	ev := NextMatching(t, sub, func(ev store.Event) bool { return ev.Fields["answer"] != nil })
	assert.Contains(t, ev.Fields, "offer", "snapshots carry the full field set")
}

func testDocumentSubscribeBeforeExists(t *testing.T, s store.Store) {
	ctx := context.Background()

	sub, err := s.SubscribeDocument(ctx, "calls", "later")
	require.NoError(t, err)
	defer sub.Close()

	first := Next(t, sub)
	assert.Equal(t, store.Removed, first.Kind)

	require.NoError(t, s.SetFields(ctx, "calls", "later", offerFields("Z"), store.ModeCreate))
	NextMatching(t, sub, func(ev store.Event) bool { return ev.Fields["offer"] != nil })
}

func testCollectionAddsExistingAndNew(t *testing.T, s store.Store) {
	ctx := context.Background()

	id, err := s.CreateRecord(ctx, "calls")
	require.NoError(t, err)
	coll := store.Join("calls", id, "offererCandidates")

	existing, err := s.AppendRecord(ctx, coll, store.Fields{"candidate": "c1"})
	require.NoError(t, err)

	sub, err := s.SubscribeCollectionAdds(ctx, coll)
	require.NoError(t, err)
	defer sub.Close()

	ev := Next(t, sub)
	assert.Equal(t, store.Added, ev.Kind)
	assert.Equal(t, existing, ev.ID)
	assert.Equal(t, "c1", ev.Fields["candidate"])

	added, err := s.AppendRecord(ctx, coll, store.Fields{"candidate": "c2"})
	require.NoError(t, err)

	ev = NextMatching(t, sub, func(ev store.Event) bool { return ev.ID == added })
	assert.Equal(t, store.Added, ev.Kind)
	assert.Equal(t, "c2", ev.Fields["candidate"])

	// A sibling collection is not observed.
	other := store.Join("calls", id, "answererCandidates")
	_, err = s.AppendRecord(ctx, other, store.Fields{"candidate": "c3"})
	require.NoError(t, err)
	select {
	case ev := <-sub.Events():
		assert.NotEqual(t, "c3", ev.Fields["candidate"])
	case <-time.After(100 * time.Millisecond):
	}
}

func testNoEventsAfterClose(t *testing.T, s store.Store) {
	ctx := context.Background()

	id, err := s.CreateRecord(ctx, "calls")
	require.NoError(t, err)
	coll := store.Join("calls", id, "answererCandidates")

	docSub, err := s.SubscribeDocument(ctx, "calls", id)
	require.NoError(t, err)
	collSub, err := s.SubscribeCollectionAdds(ctx, coll)
	require.NoError(t, err)

	Next(t, docSub)

	require.NoError(t, docSub.Close())
	require.NoError(t, collSub.Close())
	require.NoError(t, docSub.Close(), "Close must be idempotent")

	require.NoError(t, s.SetFields(ctx, "calls", id, offerFields("late"), store.ModeMerge))
	_, err = s.AppendRecord(ctx, coll, store.Fields{"candidate": "late"})
	require.NoError(t, err)

	for _, sub := range []store.Stream{docSub, collSub} {
		select {
		case ev, ok := <-sub.Events():
			assert.False(t, ok, "unexpected event after close: %+v", ev)
		case <-time.After(200 * time.Millisecond):
			t.Fatal("events channel not closed after Close")
		}
	}
}
