package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/negotiator"
	"github.com/1ureka/p2pcall/internal/store"
	"github.com/1ureka/p2pcall/internal/store/memory"
	"github.com/1ureka/p2pcall/internal/store/storetest"
)

const waitFor = 3 * time.Second
const tick = 5 * time.Millisecond

// fakeNegotiator records what the session asks of it and lets tests inject
// the events a peer connection would raise.
type fakeNegotiator struct {
	mu          sync.Mutex
	configured  bool
	tracks      int
	remoteDescs []webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	closes      int
	offerErr    error

	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onState     func(webrtc.PeerConnectionState)
}

func (f *fakeNegotiator) Configure([]webrtc.ICEServer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configured = true
	return nil
}

func (f *fakeNegotiator) AttachLocalTracks(tracks ...webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks += len(tracks)
	return nil
}

func (f *fakeNegotiator) CreateOffer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offerErr != nil {
		return webrtc.SessionDescription{}, f.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (f *fakeNegotiator) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (f *fakeNegotiator) ApplyRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteDescs = append(f.remoteDescs, d)
	return nil
}

func (f *fakeNegotiator) ApplyRemoteCandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeNegotiator) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	f.onCandidate = fn
	f.mu.Unlock()
}

func (f *fakeNegotiator) OnRemoteTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

func (f *fakeNegotiator) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeNegotiator) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeNegotiator) emitCandidate(c webrtc.ICECandidateInit) {
	f.mu.Lock()
	fn := f.onCandidate
	f.mu.Unlock()
	fn(c)
}

func (f *fakeNegotiator) emitTrack() {
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	fn(nil, nil)
}

func (f *fakeNegotiator) emitState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	fn(s)
}

func (f *fakeNegotiator) snapshot() (descs []webrtc.SessionDescription, cands []webrtc.ICECandidateInit, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append(descs, f.remoteDescs...), append(cands, f.candidates...), f.closes
}

// recorder collects observed transitions.
type recorder struct {
	mu   sync.Mutex
	seen []transition
}

func (r *recorder) observe(from, to State) {
	r.mu.Lock()
	r.seen = append(r.seen, transition{from, to})
	r.mu.Unlock()
}

func (r *recorder) list() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transition(nil), r.seen...)
}

func candidate(raw string) webrtc.ICECandidateInit {
	mid := "0"
	idx := uint16(0)
	return webrtc.ICECandidateInit{Candidate: raw, SDPMid: &mid, SDPMLineIndex: &idx}
}

var (
	hostCand  = candidate("candidate:1 1 udp 2130706431 192.168.1.10 50000 typ host")
	srflxCand = candidate("candidate:2 1 udp 1694498815 203.0.113.7 50001 typ srflx raddr 192.168.1.10 rport 50000")
)

// newReady returns a session in mediaReady over backend.
func newReady(t *testing.T, backend store.Store) (*Session, *fakeNegotiator) {
	t.Helper()
	neg := &fakeNegotiator{}
	s, err := New(Config{Store: backend, Negotiator: neg})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.UseMedia(media.NewLocalStream(nil)))
	require.Equal(t, StateMediaReady, s.State())
	return s, neg
}

// publishOffer writes a call record the way a host would.
func publishOffer(t *testing.T, backend store.Store) string {
	t.Helper()
	ctx := context.Background()
	id, err := backend.CreateRecord(ctx, store.CallsCollection)
	require.NoError(t, err)
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
	require.NoError(t, backend.SetFields(ctx, store.CallsCollection, id,
		store.Fields{FieldOffer: descriptionFields(offer)}, store.ModeCreate))
	return id
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{Store: memory.New()})
	assert.Error(t, err)
	_, err = New(Config{Negotiator: &fakeNegotiator{}})
	assert.Error(t, err)
}

func TestHostPublishesOffer(t *testing.T) {
	backend := memory.New()
	s, neg := newReady(t, backend)

	id, err := s.Host(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, s.CallID())
	assert.Equal(t, StateHosting, s.State())

	fields, err := backend.GetRecord(context.Background(), store.CallsCollection, id)
	require.NoError(t, err)
	offer, err := readDescription(fields, FieldOffer, webrtc.SDPTypeOffer)
	require.NoError(t, err)
	assert.Equal(t, "v=0 offer", offer.SDP)

	neg.mu.Lock()
	assert.True(t, neg.configured)
	neg.mu.Unlock()
}

func TestHostAppliesAnswerOnce(t *testing.T) {
	backend := memory.New()
	s, neg := newReady(t, backend)
	ctx := context.Background()

	id, err := s.Host(ctx)
	require.NoError(t, err)

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
	require.NoError(t, backend.SetFields(ctx, store.CallsCollection, id,
		store.Fields{FieldAnswer: descriptionFields(answer)}, store.ModeMerge))

	assert.Eventually(t, func() bool {
		descs, _, _ := neg.snapshot()
		return len(descs) == 1
	}, waitFor, tick)

	// another write re-delivers the record, answer included
	require.NoError(t, backend.SetFields(ctx, store.CallsCollection, id,
		store.Fields{"touched": true}, store.ModeMerge))
	time.Sleep(50 * time.Millisecond)

	descs, _, _ := neg.snapshot()
	require.Len(t, descs, 1)
	assert.Equal(t, answer, descs[0])
}

func TestLocalCandidatesAreAppendedInOrder(t *testing.T) {
	backend := memory.New()
	s, neg := newReady(t, backend)
	ctx := context.Background()

	id, err := s.Host(ctx)
	require.NoError(t, err)

	neg.emitCandidate(hostCand)
	neg.emitCandidate(srflxCand)

	st, err := backend.SubscribeCollectionAdds(ctx, store.Join(store.CallsCollection, id, OffererCandidates))
	require.NoError(t, err)
	defer st.Close()

	for _, want := range []webrtc.ICECandidateInit{hostCand, srflxCand} {
		ev := storetest.Next(t, st)
		got, err := readCandidate(ev.Fields)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Eventually(t, func() bool { return s.Stats().CandidatesSent.Load() == 2 }, waitFor, tick)
}

func TestRemoteCandidatesAreDeduplicated(t *testing.T) {
	backend := memory.New()
	s, neg := newReady(t, backend)
	ctx := context.Background()

	id, err := s.Host(ctx)
	require.NoError(t, err)

	coll := store.Join(store.CallsCollection, id, AnswererCandidates)
	for _, c := range []webrtc.ICECandidateInit{hostCand, hostCand, srflxCand, hostCand} {
		_, err := backend.AppendRecord(ctx, coll, candidateFields(c))
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		_, cands, _ := neg.snapshot()
		return len(cands) == 2
	}, waitFor, tick)
	assert.Eventually(t, func() bool { return s.Stats().Duplicates.Load() == 2 }, waitFor, tick)

	_, cands, _ := neg.snapshot()
	assert.Equal(t, []webrtc.ICECandidateInit{hostCand, srflxCand}, cands)
	assert.EqualValues(t, 2, s.Stats().CandidatesRecv.Load())
}

func TestMalformedCandidateRecordIsSkipped(t *testing.T) {
	backend := memory.New()
	s, neg := newReady(t, backend)
	ctx := context.Background()

	id, err := s.Host(ctx)
	require.NoError(t, err)

	coll := store.Join(store.CallsCollection, id, AnswererCandidates)
	_, err = backend.AppendRecord(ctx, coll, store.Fields{"candidate": "x", "sdpMLineIndex": "not a number"})
	require.NoError(t, err)
	_, err = backend.AppendRecord(ctx, coll, candidateFields(srflxCand))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, cands, _ := neg.snapshot()
		return len(cands) == 1
	}, waitFor, tick)
	assert.Equal(t, StateHosting, s.State())
}

func TestJoinAnswersOffer(t *testing.T) {
	backend := memory.New()
	id := publishOffer(t, backend)
	s, neg := newReady(t, backend)
	ctx := context.Background()

	require.NoError(t, s.Join(ctx, id))
	assert.Equal(t, StateJoining, s.State())
	assert.Equal(t, id, s.CallID())

	descs, _, _ := neg.snapshot()
	require.Len(t, descs, 1)
	assert.Equal(t, webrtc.SDPTypeOffer, descs[0].Type)

	fields, err := backend.GetRecord(ctx, store.CallsCollection, id)
	require.NoError(t, err)
	answer, err := readDescription(fields, FieldAnswer, webrtc.SDPTypeAnswer)
	require.NoError(t, err)
	assert.Equal(t, "v=0 answer", answer.SDP)
	_, err = readDescription(fields, FieldOffer, webrtc.SDPTypeOffer)
	assert.NoError(t, err, "merge must keep the offer")

	// host candidates written before and after the join both arrive
	_, err = backend.AppendRecord(ctx, store.Join(store.CallsCollection, id, OffererCandidates), candidateFields(hostCand))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, cands, _ := neg.snapshot()
		return len(cands) == 1
	}, waitFor, tick)

	neg.emitCandidate(srflxCand)
	st, err := backend.SubscribeCollectionAdds(ctx, store.Join(store.CallsCollection, id, AnswererCandidates))
	require.NoError(t, err)
	defer st.Close()
	ev := storetest.Next(t, st)
	got, err := readCandidate(ev.Fields)
	require.NoError(t, err)
	assert.Equal(t, srflxCand, got)
}

func TestJoinFailuresRevertToMediaReady(t *testing.T) {
	backend := memory.New()
	ctx := context.Background()

	noOffer, err := backend.CreateRecord(ctx, store.CallsCollection)
	require.NoError(t, err)

	for name, id := range map[string]string{"missing call": "does-not-exist", "no offer yet": noOffer} {
		t.Run(name, func(t *testing.T) {
			s, neg := newReady(t, backend)
			rec := &recorder{}
			s.OnStateChange(rec.observe)

			err := s.Join(ctx, id)
			assert.ErrorIs(t, err, store.ErrNotFound)
			assert.Equal(t, StateMediaReady, s.State())

			neg.mu.Lock()
			assert.False(t, neg.configured)
			neg.mu.Unlock()

			assert.Equal(t, []transition{
				{StateMediaReady, StateJoining},
				{StateJoining, StateMediaReady},
			}, rec.list())
		})
	}
}

func TestStoreUnavailableRevertsAndAllowsRetry(t *testing.T) {
	backend := memory.New()
	s, _ := newReady(t, backend)
	ctx := context.Background()

	backend.SetUnavailable(true)
	_, err := s.Host(ctx)
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	assert.Equal(t, StateMediaReady, s.State())

	backend.SetUnavailable(false)
	id, err := s.Host(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestFailureAfterNegotiationStartedEndsSession(t *testing.T) {
	backend := memory.New()
	s, neg := newReady(t, backend)
	boom := errors.New("boom")
	neg.offerErr = boom

	_, err := s.Host(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateEnded, s.State())
	assert.ErrorIs(t, s.Err(), boom)

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
	_, _, closes := neg.snapshot()
	assert.Equal(t, 1, closes)
}

func TestMisuseIsRejected(t *testing.T) {
	backend := memory.New()
	ctx := context.Background()

	neg := &fakeNegotiator{}
	s, err := New(Config{Store: backend, Negotiator: neg})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Host(ctx)
	assert.ErrorIs(t, err, negotiator.ErrInvalidState)
	assert.ErrorIs(t, s.Join(ctx, "x"), negotiator.ErrInvalidState)

	require.NoError(t, s.UseMedia(media.NewLocalStream(nil)))
	assert.ErrorIs(t, s.UseMedia(media.NewLocalStream(nil)), negotiator.ErrInvalidState)

	_, err = s.Host(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Join(ctx, "x"), negotiator.ErrInvalidState)
	_, err = s.Host(ctx)
	assert.ErrorIs(t, err, negotiator.ErrInvalidState)
}

func TestPermissionDeniedStaysIdle(t *testing.T) {
	s, err := New(Config{Store: memory.New(), Negotiator: &fakeNegotiator{}})
	require.NoError(t, err)
	defer s.Close()

	err = s.StartMedia(context.Background(), &media.SyntheticSource{Deny: true}, media.Constraints{Video: true})
	assert.ErrorIs(t, err, media.ErrPermissionDenied)
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.StartMedia(context.Background(), &media.SyntheticSource{}, media.Constraints{Video: true, Audio: true}))
	assert.Equal(t, StateMediaReady, s.State())
}

func TestTransitionsAreObservedInOrder(t *testing.T) {
	backend := memory.New()
	neg := &fakeNegotiator{}
	s, err := New(Config{Store: backend, Negotiator: neg})
	require.NoError(t, err)

	rec := &recorder{}
	s.OnStateChange(rec.observe)

	require.NoError(t, s.UseMedia(media.NewLocalStream(nil)))
	_, err = s.Host(context.Background())
	require.NoError(t, err)
	neg.emitTrack()
	neg.emitTrack()
	require.NoError(t, s.Close())

	assert.Equal(t, []transition{
		{StateIdle, StateMediaReady},
		{StateMediaReady, StateHosting},
		{StateHosting, StateConnected},
		{StateConnected, StateEnded},
	}, rec.list())
}

func TestCloseIsIdempotentAndReleasesSubscriptions(t *testing.T) {
	backend := memory.New()
	s, neg := newReady(t, backend)

	_, err := s.Host(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, backend.Subscribers())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, StateEnded, s.State())
	assert.NoError(t, s.Err())
	assert.Equal(t, 0, backend.Subscribers())
	_, _, closes := neg.snapshot()
	assert.Equal(t, 1, closes)

	// events raised after the end change nothing
	neg.emitTrack()
	assert.Equal(t, StateEnded, s.State())
}

func TestStoreWritesAfterCloseAreIgnored(t *testing.T) {
	backend := memory.New()
	s, neg := newReady(t, backend)
	ctx := context.Background()

	id, err := s.Host(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
	require.NoError(t, backend.SetFields(ctx, store.CallsCollection, id,
		store.Fields{FieldAnswer: descriptionFields(answer)}, store.ModeMerge))
	_, err = backend.AppendRecord(ctx, store.Join(store.CallsCollection, id, AnswererCandidates), candidateFields(hostCand))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	descs, cands, _ := neg.snapshot()
	assert.Empty(t, descs)
	assert.Empty(t, cands)
}

func TestMalformedAnswerEndsSession(t *testing.T) {
	backend := memory.New()
	s, _ := newReady(t, backend)
	ctx := context.Background()

	id, err := s.Host(ctx)
	require.NoError(t, err)

	wrongType := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 not an answer"}
	require.NoError(t, backend.SetFields(ctx, store.CallsCollection, id,
		store.Fields{FieldAnswer: descriptionFields(wrongType)}, store.ModeMerge))

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not end")
	}
	assert.ErrorIs(t, s.Err(), negotiator.ErrNegotiation)
}

func TestCloseFromObserver(t *testing.T) {
	backend := memory.New()
	s, neg := newReady(t, backend)

	s.OnStateChange(func(_, to State) {
		if to == StateConnected {
			s.Close()
		}
	})

	_, err := s.Host(context.Background())
	require.NoError(t, err)
	neg.emitTrack()

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not end")
	}
	assert.Equal(t, StateEnded, s.State())
}

func TestConnectionFailureEndsSession(t *testing.T) {
	backend := memory.New()
	s, neg := newReady(t, backend)

	_, err := s.Host(context.Background())
	require.NoError(t, err)

	neg.emitState(webrtc.PeerConnectionStateDisconnected)
	assert.Equal(t, StateHosting, s.State())

	neg.emitState(webrtc.PeerConnectionStateFailed)
	assert.Equal(t, StateEnded, s.State())
	assert.ErrorIs(t, s.Err(), ErrConnectionFailed)
}

// TestEndToEnd runs a host and a guest with real peer connections over a
// slow in-memory store until both sides receive media.
func TestEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}

	backend := memory.New(memory.WithDeliveryDelay(3 * time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	newSide := func() (*Session, *media.RemoteStream) {
		neg, err := negotiator.New(negotiator.Options{
			NetworkTypes:    []webrtc.NetworkType{webrtc.NetworkTypeUDP4},
			DisableMDNS:     true,
			IncludeLoopback: true,
		})
		require.NoError(t, err)
		remote := media.NewRemoteStream()
		s, err := New(Config{Store: backend, Negotiator: neg, Remote: remote})
		require.NoError(t, err)
		t.Cleanup(func() {
			s.Close()
			remote.Close()
		})
		require.NoError(t, s.StartMedia(ctx, &media.SyntheticSource{}, media.Constraints{Video: true, Audio: true}))
		return s, remote
	}

	host, hostRemote := newSide()
	guest, guestRemote := newSide()

	id, err := host.Host(ctx)
	require.NoError(t, err)
	require.NoError(t, guest.Join(ctx, id))

	for _, r := range []*media.RemoteStream{hostRemote, guestRemote} {
		select {
		case <-r.FirstTrack():
		case <-ctx.Done():
			t.Fatal("no remote track before timeout")
		}
	}

	assert.Eventually(t, func() bool {
		return host.State() == StateConnected && guest.State() == StateConnected
	}, waitFor, tick)

	// both sides published candidates and applied the other side's
	for _, side := range []*Session{host, guest} {
		stats := side.Stats()
		assert.Eventually(t, func() bool {
			return stats.CandidatesSent.Load() > 0 && stats.CandidatesRecv.Load() > 0
		}, waitFor, tick)
	}
	for _, coll := range []string{OffererCandidates, AnswererCandidates} {
		st, err := backend.SubscribeCollectionAdds(ctx, store.Join(store.CallsCollection, id, coll))
		require.NoError(t, err)
		ev := storetest.Next(t, st)
		_, err = readCandidate(ev.Fields)
		assert.NoError(t, err, coll)
		st.Close()
	}
}
