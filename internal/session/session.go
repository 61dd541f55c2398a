// Package session runs one side of a call: it publishes or reads the offer,
// exchanges candidates through the store and tracks the call lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/negotiator"
	"github.com/1ureka/p2pcall/internal/store"
	"github.com/1ureka/p2pcall/internal/util"
)

// observer is notified of every state transition.
type observer func(from, to State)

// ErrConnectionFailed reports that ICE gave up on every candidate pair.
var ErrConnectionFailed = errors.New("peer connection failed")

// Config wires a session to its collaborators.
type Config struct {
	Store      store.Store
	Negotiator Negotiator
	Remote     RemoteSink
	ICEServers []webrtc.ICEServer

	// Collection holds the call records. Defaults to store.CallsCollection.
	Collection string

	// Stats receives the session counters. A fresh set is used when nil.
	Stats *util.Stats
}

// Session is one call attempt. It is not reusable: after it ends, create a
// new one (with a new negotiator).
type Session struct {
	store      store.Store
	neg        Negotiator
	remote     RemoteSink
	iceServers []webrtc.ICEServer
	collection string
	stats      *util.Stats

	ctx    context.Context // cancelled on end; bounds background store writes
	cancel context.CancelFunc
	done   chan struct{}

	mu            sync.Mutex
	state         State
	err           error
	callID        string
	local         *media.LocalStream
	ownsLocal     bool
	streams       []store.Stream
	outbox        *store.Feed
	seen          map[uint64]struct{}
	answerApplied bool
	observers     []observer
	notes         []transition
	delivering    bool
}

// New creates an idle session.
func New(cfg Config) (*Session, error) {
	if cfg.Store == nil || cfg.Negotiator == nil {
		return nil, fmt.Errorf("session: store and negotiator are required")
	}
	if cfg.Collection == "" {
		cfg.Collection = store.CallsCollection
	}
	if cfg.Stats == nil {
		cfg.Stats = &util.Stats{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		store:      cfg.Store,
		neg:        cfg.Negotiator,
		remote:     cfg.Remote,
		iceServers: cfg.ICEServers,
		collection: cfg.Collection,
		stats:      cfg.Stats,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      StateIdle,
		seen:       make(map[uint64]struct{}),
	}, nil
}

// ---------------------------------------------------------------------------
// Views and observers
// ---------------------------------------------------------------------------

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CallID is the call record id, empty until Host or Join got one.
func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

// Stats returns the counters for this session.
func (s *Session) Stats() *util.Stats {
	return s.stats
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session ended. It is nil while running and after a
// plain Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// OnStateChange registers an observer. Observers run in transition order,
// never concurrently with each other, and never under the session lock, so
// they may call back into the session.
func (s *Session) OnStateChange(fn func(from, to State)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// setStateLocked records a transition for delivery. Caller holds s.mu and
// must call deliver after unlocking.
func (s *Session) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.notes = append(s.notes, transition{from: from, to: to})
	util.LogDebug("session: %s → %s", from, to)
}

// deliver drains pending transitions. Only one goroutine delivers at a time;
// others append and leave.
func (s *Session) deliver() {
	s.mu.Lock()
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for len(s.notes) > 0 {
		t := s.notes[0]
		s.notes = s.notes[1:]
		observers := append([]observer(nil), s.observers...)
		s.mu.Unlock()

		for _, fn := range observers {
			fn(t.from, t.to)
		}

		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// StartMedia acquires local media: idle → mediaReady. On ErrPermissionDenied
// the session stays idle.
func (s *Session) StartMedia(ctx context.Context, src media.Source, c media.Constraints) error {
	if st := s.State(); st != StateIdle {
		return fmt.Errorf("start media in state %s: %w", st, negotiator.ErrInvalidState)
	}

	stream, err := src.Acquire(ctx, c)
	if err != nil {
		return err
	}
	if err := s.useMedia(stream, true); err != nil {
		stream.Close()
		return err
	}
	return nil
}

// UseMedia adopts an already acquired stream, e.g. when retrying a call with
// a fresh session. The caller keeps ownership of the stream.
func (s *Session) UseMedia(stream *media.LocalStream) error {
	return s.useMedia(stream, false)
}

func (s *Session) useMedia(stream *media.LocalStream, owns bool) error {
	s.mu.Lock()
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("use media in state %s: %w", st, negotiator.ErrInvalidState)
	}
	s.local = stream
	s.ownsLocal = owns
	s.setStateLocked(StateMediaReady)
	s.mu.Unlock()

	s.deliver()
	return nil
}

// ---------------------------------------------------------------------------
// Host / guest protocols
// ---------------------------------------------------------------------------

// begin moves mediaReady → to.
func (s *Session) begin(to State) error {
	s.mu.Lock()
	if s.state != StateMediaReady {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%s in state %s: %w", to, st, negotiator.ErrInvalidState)
	}
	s.setStateLocked(to)
	s.mu.Unlock()

	s.deliver()
	return nil
}

// revert undoes begin after a failure that left the negotiator untouched.
func (s *Session) revert(err error) error {
	s.mu.Lock()
	if s.state == StateHosting || s.state == StateJoining {
		s.setStateLocked(StateMediaReady)
	}
	s.mu.Unlock()

	s.deliver()
	return err
}

// fail ends the session after a failure that mutated the negotiator.
func (s *Session) fail(err error) error {
	if cerr := s.end(err); cerr != nil {
		util.LogWarning("release call resources: %v", cerr)
	}
	return err
}

// Host creates a call record, publishes the offer and starts listening for
// the answer and the guest's candidates. It returns the call id.
func (s *Session) Host(ctx context.Context) (string, error) {
	if err := s.begin(StateHosting); err != nil {
		return "", err
	}

	id, err := s.store.CreateRecord(ctx, s.collection)
	if err != nil {
		return "", s.revert(fmt.Errorf("create call record: %w", err))
	}
	s.setCallID(id)
	util.LogInfo("call record created: %s", id)

	if err := s.prepare(store.Join(s.collection, id, OffererCandidates)); err != nil {
		return "", s.fail(err)
	}

	offer, err := s.neg.CreateOffer()
	if err != nil {
		return "", s.fail(fmt.Errorf("create offer: %w", err))
	}

	offerDoc := store.Fields{FieldOffer: descriptionFields(offer)}
	if err := s.store.SetFields(ctx, s.collection, id, offerDoc, store.ModeCreate); err != nil {
		return "", s.fail(fmt.Errorf("publish offer: %w", err))
	}

	doc, err := s.store.SubscribeDocument(ctx, s.collection, id)
	if err != nil {
		return "", s.fail(fmt.Errorf("watch call record: %w", err))
	}
	if err := s.consume(doc, s.handleCallRecord); err != nil {
		return "", err
	}

	if err := s.watchCandidates(ctx, store.Join(s.collection, id, AnswererCandidates)); err != nil {
		return "", err
	}

	util.LogSuccess("offer published, waiting for a guest")
	return id, nil
}

// Join answers the call with the given id. A missing record or a record
// without an offer yields store.ErrNotFound and leaves the session in
// mediaReady.
func (s *Session) Join(ctx context.Context, id string) error {
	if err := s.begin(StateJoining); err != nil {
		return err
	}

	fields, err := s.store.GetRecord(ctx, s.collection, id)
	if err != nil {
		return s.revert(fmt.Errorf("read call %s: %w", id, err))
	}
	offer, err := readDescription(fields, FieldOffer, webrtc.SDPTypeOffer)
	if err != nil {
		return s.revert(fmt.Errorf("read offer of call %s: %w", id, err))
	}
	s.setCallID(id)

	if err := s.prepare(store.Join(s.collection, id, AnswererCandidates)); err != nil {
		return s.fail(err)
	}

	if err := s.neg.ApplyRemoteDescription(offer); err != nil {
		return s.fail(fmt.Errorf("apply offer: %w", err))
	}
	answer, err := s.neg.CreateAnswer()
	if err != nil {
		return s.fail(fmt.Errorf("create answer: %w", err))
	}

	answerDoc := store.Fields{FieldAnswer: descriptionFields(answer)}
	if err := s.store.SetFields(ctx, s.collection, id, answerDoc, store.ModeMerge); err != nil {
		return s.fail(fmt.Errorf("publish answer: %w", err))
	}

	if err := s.watchCandidates(ctx, store.Join(s.collection, id, OffererCandidates)); err != nil {
		return err
	}

	util.LogSuccess("answer published, connecting")
	return nil
}

func (s *Session) setCallID(id string) {
	s.mu.Lock()
	s.callID = id
	s.mu.Unlock()
}

// prepare wires the negotiator events, configures it and attaches the local
// tracks. From here on the negotiator is mutated.
func (s *Session) prepare(outCollection string) error {
	outbox := store.NewFeed(0, nil)
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		outbox.Close()
		return fmt.Errorf("session closed: %w", negotiator.ErrInvalidState)
	}
	s.outbox = outbox
	local := s.local
	s.mu.Unlock()

	go s.forwardCandidates(outbox, outCollection)

	s.neg.OnLocalCandidate(func(c webrtc.ICECandidateInit) {
		outbox.Push(store.Event{Kind: store.Added, Fields: candidateFields(c)})
	})
	s.neg.OnRemoteTrack(s.handleRemoteTrack)
	s.neg.OnConnectionStateChange(s.handleConnectionState)

	if err := s.neg.Configure(s.iceServers); err != nil {
		return fmt.Errorf("configure negotiator: %w", err)
	}
	if local != nil {
		if err := s.neg.AttachLocalTracks(local.Tracks()...); err != nil {
			return fmt.Errorf("attach local tracks: %w", err)
		}
	}
	return nil
}

// forwardCandidates appends local candidates to the store in gathering
// order. Transient store failures are retried with backoff for a while; a
// candidate that still cannot be written is dropped (others may suffice).
func (s *Session) forwardCandidates(outbox *store.Feed, collection string) {
	for ev := range outbox.Events() {
		op := func() error {
			_, err := s.store.AppendRecord(s.ctx, collection, ev.Fields)
			if err != nil && !errors.Is(err, store.ErrStoreUnavailable) {
				return backoff.Permanent(err)
			}
			return err
		}

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxElapsedTime = 15 * time.Second

		if err := backoff.Retry(op, backoff.WithContext(b, s.ctx)); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			util.LogWarning("dropping local candidate: %v", err)
			continue
		}
		s.stats.AddSent()
	}
}

// watchCandidates subscribes to the peer's candidate collection.
func (s *Session) watchCandidates(ctx context.Context, collection string) error {
	st, err := s.store.SubscribeCollectionAdds(ctx, collection)
	if err != nil {
		return s.fail(fmt.Errorf("watch %s: %w", collection, err))
	}
	return s.consume(st, s.handleCandidate)
}

// consume registers st and hands every event to fn on a dedicated goroutine
// until the stream is closed.
func (s *Session) consume(st store.Stream, fn func(store.Event)) error {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		st.Close()
		return fmt.Errorf("session closed: %w", negotiator.ErrInvalidState)
	}
	s.streams = append(s.streams, st)
	s.mu.Unlock()

	go func() {
		for ev := range st.Events() {
			if s.ended() {
				return
			}
			fn(ev)
		}
	}()
	return nil
}

func (s *Session) ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateEnded
}

// ---------------------------------------------------------------------------
// Inbound events
// ---------------------------------------------------------------------------

// handleCallRecord applies the answer the first time it shows up on the
// host's call record. Later snapshots still carrying it are ignored.
func (s *Session) handleCallRecord(ev store.Event) {
	if _, ok := ev.Fields[FieldAnswer]; !ok {
		return
	}

	s.mu.Lock()
	if s.answerApplied || s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.answerApplied = true
	s.mu.Unlock()

	answer, err := readDescription(ev.Fields, FieldAnswer, webrtc.SDPTypeAnswer)
	if err == nil {
		err = s.neg.ApplyRemoteDescription(answer)
	}
	if err != nil {
		if s.ended() {
			return
		}
		util.LogError("cannot apply answer: %v", err)
		s.fail(fmt.Errorf("apply answer: %w", err))
		return
	}
	util.LogInfo("answer received")
}

// handleCandidate dedupes by content, then applies. Malformed candidates are
// logged and dropped; the session continues.
func (s *Session) handleCandidate(ev store.Event) {
	if ev.Kind != store.Added {
		return
	}
	c, err := readCandidate(ev.Fields)
	if err != nil {
		util.LogWarning("dropping remote candidate %s: %v", ev.ID, err)
		return
	}

	key := util.CandidateKey(c)
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[key]; dup {
		s.mu.Unlock()
		s.stats.AddDuplicate()
		return
	}
	s.seen[key] = struct{}{}
	s.mu.Unlock()

	s.stats.AddRecv()
	if err := s.neg.ApplyRemoteCandidate(c); err != nil && !s.ended() {
		util.LogWarning("dropping remote candidate %s: %v", ev.ID, err)
	}
}

func (s *Session) handleRemoteTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	if s.state == StateHosting || s.state == StateJoining {
		s.setStateLocked(StateConnected)
	}
	s.mu.Unlock()

	if s.remote != nil {
		s.remote.AddTrack(track)
	}
	s.deliver()
}

func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		util.LogSuccess("peer connection established")
	case webrtc.PeerConnectionStateDisconnected:
		util.LogWarning("peer connection interrupted, waiting for ICE to recover")
	case webrtc.PeerConnectionStateFailed:
		util.LogError("peer connection failed")
		s.fail(ErrConnectionFailed)
	}
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// Close ends the session: every stream is closed, the negotiator is closed
// exactly once and the state becomes ended. Repeated calls are no-ops.
func (s *Session) Close() error {
	return s.end(nil)
}

// end tears the session down once. It returns the errors met while releasing
// resources; cause is what Err reports.
func (s *Session) end(cause error) error {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return nil
	}
	s.err = cause
	s.setStateLocked(StateEnded)
	streams := s.streams
	s.streams = nil
	outbox := s.outbox
	var local *media.LocalStream
	if s.ownsLocal {
		local = s.local
	}
	s.mu.Unlock()

	s.cancel()
	var errs []error
	for _, st := range streams {
		errs = append(errs, st.Close())
	}
	if outbox != nil {
		errs = append(errs, outbox.Close())
	}
	if err := s.neg.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close negotiator: %w", err))
	}
	if local != nil {
		errs = append(errs, local.Close())
	}
	close(s.done)

	if cause != nil {
		util.LogError("call ended: %v", cause)
	} else {
		util.LogInfo("call ended")
	}
	s.deliver()
	return errors.Join(errs...)
}
