// Package memory is an in-process store.Store. It backs the relay server and
// the tests, and can simulate a slow or unreachable backend.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/p2pcall/internal/store"
)

// Option configures a Store.
type Option func(*Store)

// WithDeliveryDelay delays every change-feed event by d, preserving order.
func WithDeliveryDelay(d time.Duration) Option {
	return func(s *Store) { s.delay = d }
}

// WithIDGenerator replaces the uuid-based id generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

type document struct {
	fields store.Fields
}

type collection struct {
	docs  map[string]*document
	order []string // arrival order
}

// Store keeps every collection in memory. The zero value is not usable; use New.
type Store struct {
	mu          sync.Mutex
	collections map[string]*collection
	docSubs     map[string]map[*store.Feed]struct{} // "collection/id" -> feeds
	collSubs    map[string]map[*store.Feed]struct{} // collection -> feeds

	delay       time.Duration
	newID       func() string
	unavailable atomic.Bool
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		collections: make(map[string]*collection),
		docSubs:     make(map[string]map[*store.Feed]struct{}),
		collSubs:    make(map[string]map[*store.Feed]struct{}),
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetUnavailable makes every subsequent operation fail with
// store.ErrStoreUnavailable until reset. Open feeds keep working.
func (s *Store) SetUnavailable(v bool) {
	s.unavailable.Store(v)
}

func (s *Store) check(ctx context.Context, coll string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.unavailable.Load() {
		return fmt.Errorf("memory store: %w", store.ErrStoreUnavailable)
	}
	if !store.ValidCollection(coll) {
		return fmt.Errorf("memory store: invalid collection path %q", coll)
	}
	return nil
}

// coll returns the named collection, creating it. Caller holds s.mu.
func (s *Store) coll(name string) *collection {
	c, ok := s.collections[name]
	if !ok {
		c = &collection{docs: make(map[string]*document)}
		s.collections[name] = c
	}
	return c
}

// insert adds a new document and notifies collection subscribers. Caller
// holds s.mu.
func (s *Store) insert(collName, id string, fields store.Fields) {
	c := s.coll(collName)
	c.docs[id] = &document{fields: fields.Clone()}
	c.order = append(c.order, id)

	for f := range s.collSubs[collName] {
		f.Push(store.Event{Kind: store.Added, ID: id, Fields: fields.Clone()})
	}
}

// notifyDoc pushes the document's current state to its subscribers. Caller
// holds s.mu.
func (s *Store) notifyDoc(collName, id string, kind store.EventKind, fields store.Fields) {
	for f := range s.docSubs[store.Join(collName, id)] {
		f.Push(store.Event{Kind: kind, ID: id, Fields: fields.Clone()})
	}
}

// CreateRecord implements store.Store.
func (s *Store) CreateRecord(ctx context.Context, collName string) (string, error) {
	if err := s.check(ctx, collName); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newID()
	if _, exists := s.coll(collName).docs[id]; exists {
		return "", fmt.Errorf("memory store: duplicate id %q", id)
	}
	s.insert(collName, id, store.Fields{})
	s.notifyDoc(collName, id, store.Added, store.Fields{})
	return id, nil
}

// SetFields implements store.Store.
func (s *Store) SetFields(ctx context.Context, collName, id string, fields store.Fields, mode store.Mode) error {
	if err := s.check(ctx, collName); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.coll(collName)
	doc, exists := c.docs[id]

	switch mode {
	case store.ModeCreate:
		if !exists {
			s.insert(collName, id, fields)
			s.notifyDoc(collName, id, store.Added, fields)
			return nil
		}
		doc.fields = fields.Clone()

	case store.ModeMerge:
		if !exists {
			return fmt.Errorf("memory store: merge %s/%s: %w", collName, id, store.ErrNotFound)
		}
		for k, v := range fields.Clone() {
			doc.fields[k] = v
		}

	default:
		return fmt.Errorf("memory store: unknown write mode %d", mode)
	}

	s.notifyDoc(collName, id, store.Modified, doc.fields)
	return nil
}

// GetRecord implements store.Store.
func (s *Store) GetRecord(ctx context.Context, collName, id string) (store.Fields, error) {
	if err := s.check(ctx, collName); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.coll(collName).docs[id]
	if !ok {
		return nil, fmt.Errorf("memory store: get %s/%s: %w", collName, id, store.ErrNotFound)
	}
	return doc.fields.Clone(), nil
}

// SubscribeDocument implements store.Store.
func (s *Store) SubscribeDocument(ctx context.Context, collName, id string) (store.Stream, error) {
	if err := s.check(ctx, collName); err != nil {
		return nil, err
	}

	key := store.Join(collName, id)

	var feed *store.Feed
	feed = store.NewFeed(s.delay, func() {
		s.mu.Lock()
		delete(s.docSubs[key], feed)
		if len(s.docSubs[key]) == 0 {
			delete(s.docSubs, key)
		}
		s.mu.Unlock()
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.docSubs[key] == nil {
		s.docSubs[key] = make(map[*store.Feed]struct{})
	}
	s.docSubs[key][feed] = struct{}{}

	// Initial snapshot.
	if doc, ok := s.coll(collName).docs[id]; ok {
		feed.Push(store.Event{Kind: store.Added, ID: id, Fields: doc.fields.Clone()})
	} else {
		feed.Push(store.Event{Kind: store.Removed, ID: id})
	}
	return feed, nil
}

// SubscribeCollectionAdds implements store.Store.
func (s *Store) SubscribeCollectionAdds(ctx context.Context, collName string) (store.Stream, error) {
	if err := s.check(ctx, collName); err != nil {
		return nil, err
	}

	var feed *store.Feed
	feed = store.NewFeed(s.delay, func() {
		s.mu.Lock()
		delete(s.collSubs[collName], feed)
		if len(s.collSubs[collName]) == 0 {
			delete(s.collSubs, collName)
		}
		s.mu.Unlock()
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.collSubs[collName] == nil {
		s.collSubs[collName] = make(map[*store.Feed]struct{})
	}
	s.collSubs[collName][feed] = struct{}{}

	// Existing records, in arrival order.
	c := s.coll(collName)
	for _, id := range c.order {
		feed.Push(store.Event{Kind: store.Added, ID: id, Fields: c.docs[id].fields.Clone()})
	}
	return feed, nil
}

// AppendRecord implements store.Store.
func (s *Store) AppendRecord(ctx context.Context, collName string, fields store.Fields) (string, error) {
	if err := s.check(ctx, collName); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newID()
	if _, exists := s.coll(collName).docs[id]; exists {
		return "", fmt.Errorf("memory store: duplicate id %q", id)
	}
	s.insert(collName, id, fields)
	return id, nil
}

// Subscribers reports the number of open feeds, for leak checks in tests.
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.docSubs {
		n += len(m)
	}
	for _, m := range s.collSubs {
		n += len(m)
	}
	return n
}
