package wsstore

import (
	"sync"

	"github.com/1ureka/p2pcall/internal/store"
)

// dispatcher maintains the stream-id → feed route table. The client's read
// loop uses it to route incoming event frames to the right subscription.
type dispatcher struct {
	mu         sync.Mutex
	routeTable map[uint32]*store.Feed
}

func newDispatcher() *dispatcher {
	return &dispatcher{routeTable: make(map[uint32]*store.Feed)}
}

func (d *dispatcher) register(id uint32, f *store.Feed) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routeTable[id] = f
}

// unregister removes the id. The feed itself is closed by its owner.
func (d *dispatcher) unregister(id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.routeTable, id)
}

func (d *dispatcher) route(id uint32) (*store.Feed, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.routeTable[id]
	return f, ok
}

// drain empties the table and returns every feed it held.
func (d *dispatcher) drain() []*store.Feed {
	d.mu.Lock()
	defer d.mu.Unlock()
	feeds := make([]*store.Feed, 0, len(d.routeTable))
	for id, f := range d.routeTable {
		feeds = append(feeds, f)
		delete(d.routeTable, id)
	}
	return feeds
}

func (d *dispatcher) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.routeTable)
}
