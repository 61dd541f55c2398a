// Package app contains the top-level orchestration for the host, guest and
// relay roles.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/p2pcall/internal/config"
	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/negotiator"
	"github.com/1ureka/p2pcall/internal/session"
	"github.com/1ureka/p2pcall/internal/store"
	"github.com/1ureka/p2pcall/internal/store/firestore"
	"github.com/1ureka/p2pcall/internal/store/memory"
	"github.com/1ureka/p2pcall/internal/store/wsstore"
	"github.com/1ureka/p2pcall/internal/util"
)

// OpenStore connects to the store named by cfg.Store.URL. The returned
// closer releases the connection.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, func() error, error) {
	raw := strings.TrimSpace(cfg.Store.URL)
	u, err := url.Parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid store url %q: %w", raw, err)
	}

	switch u.Scheme {
	case "ws", "wss":
		c, err := wsstore.Dial(ctx, raw)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil

	case "firestore":
		if u.Host == "" {
			return nil, nil, fmt.Errorf("store url %q: missing project id", raw)
		}
		fs, err := firestore.New(ctx, u.Host)
		if err != nil {
			return nil, nil, err
		}
		return fs, fs.Close, nil

	case "memory":
		return memory.New(), func() error { return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store url %q (want ws://, wss://, firestore:// or memory://)", raw)
	}
}

// Runner drives one call from media acquisition to hang-up. Every attempt
// gets a fresh negotiator and session; the local media is acquired once and
// shared across attempts.
type Runner struct {
	Config     *config.Config
	Store      store.Store
	Source     media.Source
	Negotiator negotiator.Options

	// OnCallID, if set, receives the call id once the offer is published.
	OnCallID func(id string)

	// OnSession, if set, observes every session the runner creates.
	OnSession func(s *session.Session)

	// BackOff returns the retry policy for store outages. Defaults to an
	// exponential backoff giving up after two minutes.
	BackOff func() backoff.BackOff
}

func (r *Runner) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if r.BackOff != nil {
		b = r.BackOff()
	} else {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = time.Second
		eb.MaxElapsedTime = 2 * time.Minute
		b = eb
	}
	return backoff.WithContext(b, ctx)
}

// establish acquires media, then runs start on fresh sessions until one
// succeeds. Only ErrStoreUnavailable is retried.
func (r *Runner) establish(ctx context.Context, start func(*session.Session) error) (*session.Session, *media.LocalStream, *media.RemoteStream, error) {
	if r.Negotiator.LoggerFactory == nil {
		r.Negotiator.LoggerFactory = util.NewPionLoggerFactory()
	}
	if r.Negotiator.CandidatePoolSize == 0 {
		r.Negotiator.CandidatePoolSize = r.Config.ICE.CandidatePoolSize
	}

	local, err := r.Source.Acquire(ctx, media.Constraints{
		Video: r.Config.Media.Video,
		Audio: r.Config.Media.Audio,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("acquire local media: %w", err)
	}

	var (
		sess   *session.Session
		remote *media.RemoteStream
	)
	attempt := func() error {
		neg, err := negotiator.New(r.Negotiator)
		if err != nil {
			return backoff.Permanent(err)
		}
		rs := media.NewRemoteStream()
		s, err := session.New(session.Config{
			Store:      r.Store,
			Negotiator: neg,
			Remote:     rs,
			ICEServers: r.Config.ICEServers(),
			Collection: r.Config.Store.Collection,
		})
		if err != nil {
			neg.Close()
			return backoff.Permanent(err)
		}
		if err := s.UseMedia(local); err != nil {
			s.Close()
			return backoff.Permanent(err)
		}
		if r.OnSession != nil {
			r.OnSession(s)
		}

		if err := start(s); err != nil {
			s.Close()
			rs.Close()
			if errors.Is(err, store.ErrStoreUnavailable) {
				util.LogWarning("signaling store unavailable, retrying: %v", err)
				return err
			}
			return backoff.Permanent(err)
		}
		sess, remote = s, rs
		return nil
	}

	if err := backoff.Retry(attempt, r.backOff(ctx)); err != nil {
		local.Close()
		return nil, nil, nil, err
	}
	return sess, local, remote, nil
}

// hold keeps an established call alive until the peer hangs up, the
// connection fails or ctx is cancelled. Cancellation is a normal hang-up.
func (r *Runner) hold(ctx context.Context, s *session.Session, local *media.LocalStream, remote *media.RemoteStream) error {
	defer local.Close()
	defer remote.Close()
	defer s.Close()

	stats := s.Stats()
	remote.Attach(media.SinkFunc(func(_ webrtc.RTPCodecType, pkt *rtp.Packet) {
		stats.AddMedia(pkt.MarshalSize())
	}))
	util.StartStatsReporter(ctx, stats)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-remote.FirstTrack():
			util.LogSuccess("receiving media from the peer")
		case <-gctx.Done():
		case <-s.Done():
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-s.Done():
			return s.Err()
		case <-ctx.Done():
			return nil
		}
	})
	return g.Wait()
}
