package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pcall/internal/store"
	"github.com/1ureka/p2pcall/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestConformanceWithDelay(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New(WithDeliveryDelay(5 * time.Millisecond))
	})
}

func TestUnavailable(t *testing.T) {
	s := New()
	ctx := context.Background()

	id, err := s.CreateRecord(ctx, "calls")
	require.NoError(t, err)

	s.SetUnavailable(true)
	_, err = s.CreateRecord(ctx, "calls")
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	_, err = s.GetRecord(ctx, "calls", id)
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	_, err = s.AppendRecord(ctx, "calls/x/y", store.Fields{})
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)

	s.SetUnavailable(false)
	_, err = s.GetRecord(ctx, "calls", id)
	assert.NoError(t, err)
}

func TestInvalidCollection(t *testing.T) {
	_, err := New().CreateRecord(context.Background(), "calls/abc")
	assert.Error(t, err)
}

func TestIDGeneratorAndStoredCopies(t *testing.T) {
	n := 0
	s := New(WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("call-%d", n)
	}))
	ctx := context.Background()

	id, err := s.CreateRecord(ctx, "calls")
	require.NoError(t, err)
	assert.Equal(t, "call-1", id)

	fields := store.Fields{"offer": map[string]interface{}{"sdp": "X"}}
	require.NoError(t, s.SetFields(ctx, "calls", id, fields, store.ModeCreate))

	// Mutating the caller's map after the write must not leak into the store.
	fields["offer"].(map[string]interface{})["sdp"] = "mutated"

	got, err := s.GetRecord(ctx, "calls", id)
	require.NoError(t, err)
	assert.Equal(t, "X", got["offer"].(store.Fields)["sdp"])
}

func TestDuplicateIDsAreRejected(t *testing.T) {
	s := New(WithIDGenerator(func() string { return "same" }))
	ctx := context.Background()
	const candidates = "calls/abc/offerCandidates"

	_, err := s.CreateRecord(ctx, "calls")
	require.NoError(t, err)
	_, err = s.CreateRecord(ctx, "calls")
	assert.Error(t, err)

	sub, err := s.SubscribeCollectionAdds(ctx, candidates)
	require.NoError(t, err)
	defer sub.Close()

	_, err = s.AppendRecord(ctx, candidates, store.Fields{"n": 1})
	require.NoError(t, err)
	_, err = s.AppendRecord(ctx, candidates, store.Fields{"n": 2})
	assert.Error(t, err)

	// the first record survives and is announced once
	got, err := s.GetRecord(ctx, candidates, "same")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got["n"])

	ev := storetest.Next(t, sub)
	assert.Equal(t, "same", ev.ID)
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribersAreReleased(t *testing.T) {
	s := New()
	ctx := context.Background()

	doc, err := s.SubscribeDocument(ctx, "calls", "a")
	require.NoError(t, err)
	coll, err := s.SubscribeCollectionAdds(ctx, "calls/a/offererCandidates")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Subscribers())

	require.NoError(t, doc.Close())
	require.NoError(t, coll.Close())
	assert.Equal(t, 0, s.Subscribers())
}
