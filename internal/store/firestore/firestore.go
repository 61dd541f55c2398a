// Package firestore implements store.Store on Cloud Firestore, the document
// store the call flow was first built against.
package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/1ureka/p2pcall/internal/store"
	"github.com/1ureka/p2pcall/internal/util"
)

// Store adapts a Firestore client. Collection paths are passed to Firestore
// unchanged, so "calls/<id>/offererCandidates" is a subcollection.
type Store struct {
	client *firestore.Client
}

var _ store.Store = (*Store)(nil)

// New connects to the given project. Credentials come from the environment
// (GOOGLE_APPLICATION_CREDENTIALS or FIRESTORE_EMULATOR_HOST).
func New(ctx context.Context, projectID string) (*Store, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore: connect to %q: %v: %w", projectID, err, store.ErrStoreUnavailable)
	}
	return &Store{client: client}, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *firestore.Client) *Store {
	return &Store{client: client}
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// mapError translates gRPC status codes into the store taxonomy.
func mapError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("firestore: %s %s: %w", op, path, store.ErrNotFound)
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return fmt.Errorf("firestore: %s %s: %v: %w", op, path, err, store.ErrStoreUnavailable)
	default:
		return fmt.Errorf("firestore: %s %s: %w", op, path, err)
	}
}

func (s *Store) doc(collection, id string) *firestore.DocumentRef {
	return s.client.Collection(collection).Doc(id)
}

// CreateRecord implements store.Store.
func (s *Store) CreateRecord(ctx context.Context, collection string) (string, error) {
	ref := s.client.Collection(collection).NewDoc()
	if _, err := ref.Create(ctx, map[string]interface{}{}); err != nil {
		return "", mapError("create", collection, err)
	}
	return ref.ID, nil
}

// SetFields implements store.Store. Merge writes go through Update, which
// refuses to create a missing document.
func (s *Store) SetFields(ctx context.Context, collection, id string, fields store.Fields, mode store.Mode) error {
	ref := s.doc(collection, id)
	path := store.Join(collection, id)

	switch mode {
	case store.ModeCreate:
		_, err := ref.Set(ctx, plain(fields))
		return mapError("set", path, err)

	case store.ModeMerge:
		updates := make([]firestore.Update, 0, len(fields))
		for k, v := range fields {
			updates = append(updates, firestore.Update{FieldPath: firestore.FieldPath{k}, Value: plain(v)})
		}
		_, err := ref.Update(ctx, updates)
		return mapError("merge", path, err)

	default:
		return fmt.Errorf("firestore: unknown write mode %d", mode)
	}
}

// plain converts nested store.Fields back to the map type Firestore expects.
func plain(v interface{}) interface{} {
	switch t := v.(type) {
	case store.Fields:
		out := make(map[string]interface{}, len(t))
		for k, x := range t {
			out[k] = plain(x)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, x := range t {
			out[k] = plain(x)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = plain(t[i])
		}
		return out
	default:
		return v
	}
}

// GetRecord implements store.Store.
func (s *Store) GetRecord(ctx context.Context, collection, id string) (store.Fields, error) {
	snap, err := s.doc(collection, id).Get(ctx)
	if err != nil {
		return nil, mapError("get", store.Join(collection, id), err)
	}
	return store.Fields(snap.Data()), nil
}

// AppendRecord implements store.Store.
func (s *Store) AppendRecord(ctx context.Context, collection string, fields store.Fields) (string, error) {
	ref, _, err := s.client.Collection(collection).Add(ctx, plain(fields))
	if err != nil {
		return "", mapError("append", collection, err)
	}
	return ref.ID, nil
}

// SubscribeDocument implements store.Store.
func (s *Store) SubscribeDocument(ctx context.Context, collection, id string) (store.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	it := s.doc(collection, id).Snapshots(watchCtx)
	feed := store.NewFeed(0, func() {
		cancel()
		it.Stop()
	})

	go func() {
		first := true
		for {
			snap, err := it.Next()
			if err != nil {
				watchEnded(watchCtx, feed, store.Join(collection, id), err)
				return
			}

			ev := store.Event{ID: id, Kind: store.Modified}
			switch {
			case !snap.Exists():
				ev.Kind = store.Removed
			case first:
				ev.Kind = store.Added
			}
			if snap.Exists() {
				ev.Fields = store.Fields(snap.Data())
			}
			first = false

			if !feed.Push(ev) {
				return
			}
		}
	}()

	return feed, nil
}

// SubscribeCollectionAdds implements store.Store.
func (s *Store) SubscribeCollectionAdds(ctx context.Context, collection string) (store.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	it := s.client.Collection(collection).Snapshots(watchCtx)
	feed := store.NewFeed(0, func() {
		cancel()
		it.Stop()
	})

	go func() {
		for {
			qs, err := it.Next()
			if err != nil {
				watchEnded(watchCtx, feed, collection, err)
				return
			}
			for _, change := range qs.Changes {
				if change.Kind != firestore.DocumentAdded {
					continue
				}
				ev := store.Event{
					Kind:   store.Added,
					ID:     change.Doc.Ref.ID,
					Fields: store.Fields(change.Doc.Data()),
				}
				if !feed.Push(ev) {
					return
				}
			}
		}
	}()

	return feed, nil
}

// watchEnded closes the feed after a snapshot listener stopped on its own.
func watchEnded(ctx context.Context, feed *store.Feed, path string, err error) {
	if ctx.Err() == nil && err != iterator.Done {
		util.LogWarning("firestore: watch %s stopped: %v", path, err)
	}
	feed.Close()
}
