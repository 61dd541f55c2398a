// Package store defines the signaling rendezvous: a document store with
// generated ids, field writes, reads and change feeds. It has no notion of
// calls, offers or candidates; those live in the session package.
package store

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrStoreUnavailable reports that the backing service could not be
	// reached. It is transient; callers retry with backoff. Stores never
	// retry internally.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotFound reports a read or merge on a document that does not exist.
	ErrNotFound = errors.New("record not found")
)

// Mode selects how SetFields treats the fields it does not name.
type Mode int

const (
	// ModeCreate replaces the whole document, creating it if needed.
	ModeCreate Mode = iota
	// ModeMerge writes only the named fields of an existing document.
	ModeMerge
)

func (m Mode) String() string {
	switch m {
	case ModeCreate:
		return "create"
	case ModeMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// Store is the signaling substrate. All methods are safe for concurrent use
// and never wait on subscribers.
type Store interface {
	// CreateRecord allocates a globally unique id and an empty document.
	CreateRecord(ctx context.Context, collection string) (string, error)

	// SetFields writes fields to a document according to mode.
	SetFields(ctx context.Context, collection, id string, fields Fields, mode Mode) error

	// GetRecord returns the current fields of a document or ErrNotFound.
	GetRecord(ctx context.Context, collection, id string) (Fields, error)

	// SubscribeDocument delivers the current state of a document, then one
	// event per subsequent write, until the stream is closed.
	SubscribeDocument(ctx context.Context, collection, id string) (Stream, error)

	// SubscribeCollectionAdds delivers one Added event per existing child
	// record and per newly appended one, in store arrival order. The same
	// record may be delivered more than once.
	SubscribeCollectionAdds(ctx context.Context, collection string) (Stream, error)

	// AppendRecord creates a child record with a generated id.
	AppendRecord(ctx context.Context, collection string, fields Fields) (string, error)
}

// EventKind classifies a change delivered on a Stream.
type EventKind int

const (
	Added EventKind = iota
	Modified
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// ParseEventKind is the inverse of EventKind.String.
func ParseEventKind(s string) (EventKind, bool) {
	switch s {
	case "added":
		return Added, true
	case "modified":
		return Modified, true
	case "removed":
		return Removed, true
	default:
		return 0, false
	}
}

// Event is one change observed on a document or collection. For document
// streams, Removed with nil Fields means the document does not exist (yet).
type Event struct {
	Kind   EventKind
	ID     string
	Fields Fields
}

// Stream is a cancellable change feed. Events is closed once the stream is
// closed, either by Close or because the backend went away.
type Stream interface {
	Events() <-chan Event
	Close() error
}

// CallsCollection is the default top-level collection holding call records.
const CallsCollection = "calls"

// Join builds a slash-separated collection or document path.
//
//	Join("calls", id, "offererCandidates") == "calls/<id>/offererCandidates"
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// ValidCollection reports whether path names a collection: an odd, non-zero
// number of non-empty segments.
func ValidCollection(path string) bool {
	if path == "" {
		return false
	}
	segs := strings.Split(path, "/")
	if len(segs)%2 == 0 {
		return false
	}
	for _, s := range segs {
		if s == "" {
			return false
		}
	}
	return true
}
