package wsstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/store"
	"github.com/1ureka/p2pcall/internal/util"
)

// Client is a store.Store backed by a relay Server. When the connection is
// lost, pending and future operations fail with store.ErrStoreUnavailable and
// every open stream is closed.
type Client struct {
	conn *websocket.Conn
	wmu  sync.Mutex

	seq     seqGen
	streams *dispatcher

	mu      sync.Mutex
	pending map[uint32]chan *protocol.Frame
	closed  bool

	done chan struct{}
}

var _ store.Store = (*Client)(nil)

// Dial connects to a relay, e.g. ws://127.0.0.1:7000/ws.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %v: %w", err, store.ErrStoreUnavailable)
	}

	c := &Client{
		conn:    conn,
		streams: newDispatcher(),
		pending: make(map[uint32]chan *protocol.Frame),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close disconnects from the relay.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer c.shutdown()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		f, err := protocol.Decode(data)
		if err != nil {
			util.LogWarning("ws store: dropping frame: %v", err)
			continue
		}

		switch f.Op {
		case protocol.OpResult:
			c.mu.Lock()
			ch, ok := c.pending[f.Seq]
			delete(c.pending, f.Seq)
			c.mu.Unlock()
			if ok {
				ch <- f
			}

		case protocol.OpEvent:
			kind, ok := store.ParseEventKind(f.Kind)
			if !ok {
				util.LogWarning("ws store: unknown event kind %q", f.Kind)
				continue
			}
			if feed, ok := c.streams.route(f.Seq); ok {
				feed.Push(store.Event{Kind: kind, ID: f.ID, Fields: store.Fields(f.Fields)})
			}
		}
	}
}

// shutdown fails every pending request and closes every stream.
func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint32]chan *protocol.Frame)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, feed := range c.streams.drain() {
		feed.Close()
	}
	c.conn.Close()
	close(c.done)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// send writes a frame to the WebSocket, guarded by a mutex.
func (c *Client) send(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("ws store: write: %v: %w", err, store.ErrStoreUnavailable)
	}
	return nil
}

// request sends f and waits for its result. f.Seq is assigned here unless
// the caller already set it.
func (c *Client) request(ctx context.Context, f *protocol.Frame) (*protocol.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Seq == 0 {
		f.Seq = c.seq.next()
	}

	ch := make(chan *protocol.Frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("ws store: connection closed: %w", store.ErrStoreUnavailable)
	}
	c.pending[f.Seq] = ch
	c.mu.Unlock()

	if err := c.send(f); err != nil {
		c.forget(f.Seq)
		return nil, err
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("ws store: connection lost: %w", store.ErrStoreUnavailable)
		}
		if res.Code != "" {
			return nil, resultError(f, res)
		}
		return res, nil
	case <-ctx.Done():
		c.forget(f.Seq)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(seq uint32) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func resultError(req, res *protocol.Frame) error {
	target := req.Collection
	if req.ID != "" {
		target = store.Join(req.Collection, req.ID)
	}
	switch res.Code {
	case protocol.CodeNotFound:
		return fmt.Errorf("ws store: %s %s: %w", req.Op, target, store.ErrNotFound)
	case protocol.CodeUnavailable:
		return fmt.Errorf("ws store: %s %s: %w", req.Op, target, store.ErrStoreUnavailable)
	default:
		return fmt.Errorf("ws store: %s %s: %s", req.Op, target, res.Message)
	}
}

// CreateRecord implements store.Store.
func (c *Client) CreateRecord(ctx context.Context, collection string) (string, error) {
	res, err := c.request(ctx, &protocol.Frame{Op: protocol.OpCreate, Collection: collection})
	if err != nil {
		return "", err
	}
	return res.ID, nil
}

// SetFields implements store.Store.
func (c *Client) SetFields(ctx context.Context, collection, id string, fields store.Fields, mode store.Mode) error {
	f := &protocol.Frame{Op: protocol.OpSet, Collection: collection, ID: id, Fields: fields}
	switch mode {
	case store.ModeCreate:
		f.Mode = protocol.ModeCreate
	case store.ModeMerge:
		f.Mode = protocol.ModeMerge
	default:
		return fmt.Errorf("ws store: unknown write mode %d", mode)
	}
	_, err := c.request(ctx, f)
	return err
}

// GetRecord implements store.Store.
func (c *Client) GetRecord(ctx context.Context, collection, id string) (store.Fields, error) {
	res, err := c.request(ctx, &protocol.Frame{Op: protocol.OpGet, Collection: collection, ID: id})
	if err != nil {
		return nil, err
	}
	if res.Fields == nil {
		return store.Fields{}, nil
	}
	return store.Fields(res.Fields), nil
}

// AppendRecord implements store.Store.
func (c *Client) AppendRecord(ctx context.Context, collection string, fields store.Fields) (string, error) {
	res, err := c.request(ctx, &protocol.Frame{Op: protocol.OpAppend, Collection: collection, Fields: fields})
	if err != nil {
		return "", err
	}
	return res.ID, nil
}

// SubscribeDocument implements store.Store.
func (c *Client) SubscribeDocument(ctx context.Context, collection, id string) (store.Stream, error) {
	return c.subscribe(ctx, &protocol.Frame{Op: protocol.OpSubscribeDoc, Collection: collection, ID: id})
}

// SubscribeCollectionAdds implements store.Store.
func (c *Client) SubscribeCollectionAdds(ctx context.Context, collection string) (store.Stream, error) {
	return c.subscribe(ctx, &protocol.Frame{Op: protocol.OpSubscribeColl, Collection: collection})
}

// subscribe registers the feed before the request goes out: the server may
// send events right after its result. A subscription abandoned while in
// flight is still unsubscribed; the server drops it on arrival.
func (c *Client) subscribe(ctx context.Context, f *protocol.Frame) (store.Stream, error) {
	id := c.seq.next()
	f.Seq = id

	var rejected atomic.Bool
	feed := store.NewFeed(0, func() {
		c.streams.unregister(id)
		if !rejected.Load() && !c.isClosed() {
			if err := c.send(&protocol.Frame{Op: protocol.OpUnsubscribe, Seq: id}); err != nil {
				util.LogDebug("ws store: unsubscribe %d: %v", id, err)
			}
		}
	})
	c.streams.register(id, feed)

	if _, err := c.request(ctx, f); err != nil {
		if ctx.Err() == nil {
			rejected.Store(true)
		}
		feed.Close()
		return nil, err
	}
	return feed, nil
}

// openStreams reports the number of live subscriptions, for tests.
func (c *Client) openStreams() int {
	return c.streams.size()
}
