// Package wsstore exposes a store.Store over a WebSocket so that two peers on
// different machines can rendezvous through a small relay process.
package wsstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/store"
	"github.com/1ureka/p2pcall/internal/util"
)

// Path is where the relay serves the WebSocket endpoint.
const Path = "/ws"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server relays store operations from WebSocket clients to a backend store.
type Server struct {
	backend  store.Store
	listener net.Listener
	httpSrv  *http.Server

	mu     sync.Mutex
	peers  map[*peer]struct{}
	closed bool
}

// NewServer creates a relay in front of backend.
func NewServer(backend store.Store) *Server {
	s := &Server{
		backend: backend,
		peers:   make(map[*peer]struct{}),
	}
	s.httpSrv = &http.Server{Handler: s.Handler()}
	return s
}

// Handler returns the HTTP handler serving Path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.handleWS)
	return mux
}

// Start begins listening on addr (":0" picks a free port). Returns the
// address actually bound.
func (s *Server) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start WS server: %w", err)
	}
	s.listener = listener
	return listener.Addr(), nil
}

// Serve accepts connections until ctx is cancelled, then shuts down and
// disconnects every client.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return fmt.Errorf("wsstore: Serve called before Start")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.httpSrv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("WS server stopped: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close disconnects every client and refuses new ones. Open streams on the
// backend are released.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.conn.Close()
	}
}

// Clients reports the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &peer{
		backend:   s.backend,
		conn:      conn,
		streams:   make(map[uint32]store.Stream),
		cancelled: make(map[uint32]struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
		conn.Close()
		return
	}
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	util.LogDebug("relay: client connected from %s", r.RemoteAddr)
	p.serve()
	util.LogDebug("relay: client %s disconnected", r.RemoteAddr)

	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
}

// peer is one client connection on the server side.
type peer struct {
	backend store.Store
	conn    *websocket.Conn
	wmu     sync.Mutex

	mu      sync.Mutex
	streams map[uint32]store.Stream

	// cancelled holds ids unsubscribed before their stream was registered.
	cancelled map[uint32]struct{}
}

// serve runs the read loop until the connection fails, then releases every
// stream the client opened.
func (p *peer) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	defer func() {
		cancel()
		p.mu.Lock()
		streams := p.streams
		p.streams = nil
		p.mu.Unlock()
		for _, st := range streams {
			st.Close()
		}
		p.conn.Close()
		wg.Wait()
	}()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}

		f, err := protocol.Decode(data)
		if err != nil {
			util.LogWarning("relay: dropping frame: %v", err)
			continue
		}
		if !f.Op.IsRequest() {
			p.reply(f.Seq, fmt.Errorf("unexpected op %q", f.Op), nil)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			p.handle(ctx, f, &wg)
		}()
	}
}

func (p *peer) handle(ctx context.Context, f *protocol.Frame, wg *sync.WaitGroup) {
	switch f.Op {
	case protocol.OpCreate:
		id, err := p.backend.CreateRecord(ctx, f.Collection)
		p.reply(f.Seq, err, &protocol.Frame{ID: id})

	case protocol.OpSet:
		mode := store.ModeCreate
		if f.Mode == protocol.ModeMerge {
			mode = store.ModeMerge
		}
		err := p.backend.SetFields(ctx, f.Collection, f.ID, store.Fields(f.Fields), mode)
		p.reply(f.Seq, err, nil)

	case protocol.OpGet:
		fields, err := p.backend.GetRecord(ctx, f.Collection, f.ID)
		p.reply(f.Seq, err, &protocol.Frame{ID: f.ID, Fields: fields})

	case protocol.OpAppend:
		id, err := p.backend.AppendRecord(ctx, f.Collection, store.Fields(f.Fields))
		p.reply(f.Seq, err, &protocol.Frame{ID: id})

	case protocol.OpSubscribeDoc:
		st, err := p.backend.SubscribeDocument(ctx, f.Collection, f.ID)
		p.startStream(f.Seq, st, err, wg)

	case protocol.OpSubscribeColl:
		st, err := p.backend.SubscribeCollectionAdds(ctx, f.Collection)
		p.startStream(f.Seq, st, err, wg)

	case protocol.OpUnsubscribe:
		p.mu.Lock()
		st, ok := p.streams[f.Seq]
		delete(p.streams, f.Seq)
		if !ok && p.streams != nil {
			p.cancelled[f.Seq] = struct{}{}
		}
		p.mu.Unlock()
		if ok {
			st.Close()
		}
		p.reply(f.Seq, nil, nil)
	}
}

// startStream registers the stream, acknowledges the subscription and only
// then starts forwarding, so the client sees the result before any event.
func (p *peer) startStream(id uint32, st store.Stream, err error, wg *sync.WaitGroup) {
	p.mu.Lock()
	_, cancelled := p.cancelled[id]
	delete(p.cancelled, id)
	if err != nil {
		p.mu.Unlock()
		p.reply(id, err, nil)
		return
	}
	if cancelled || p.streams == nil {
		p.mu.Unlock()
		st.Close()
		if cancelled {
			p.reply(id, fmt.Errorf("subscription %d was cancelled", id), nil)
		}
		return
	}
	p.streams[id] = st
	p.mu.Unlock()

	if err := p.reply(id, nil, nil); err != nil {
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range st.Events() {
			err := p.send(&protocol.Frame{
				Op:     protocol.OpEvent,
				Seq:    id,
				Kind:   ev.Kind.String(),
				ID:     ev.ID,
				Fields: ev.Fields,
			})
			if err != nil {
				return
			}
		}
	}()
}

// reply sends the OpResult for request seq. body, if non-nil, supplies the
// payload fields.
func (p *peer) reply(seq uint32, err error, body *protocol.Frame) error {
	f := &protocol.Frame{Op: protocol.OpResult, Seq: seq}
	if err != nil {
		f.Code = errorCode(err)
		f.Message = err.Error()
	} else if body != nil {
		f.ID = body.ID
		f.Fields = body.Fields
	}
	return p.send(f)
}

// send writes a frame to the WebSocket, guarded by a mutex.
func (p *peer) send(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, store.ErrStoreUnavailable):
		return protocol.CodeUnavailable
	default:
		return protocol.CodeInvalid
	}
}
