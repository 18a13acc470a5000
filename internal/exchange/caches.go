// caches.go holds the per-venue account state the session owns: open
// orders, a short-TTL cache of terminal orders, positions, and balances.
// Other components read through the session's accessors; mutation happens
// only on inbound private-channel events.
package exchange

import (
	"container/list"
	"sync"
	"time"

	"crossarb/pkg/types"
)

// terminalOrderTTL keeps FILLED/CANCELED orders around briefly so a
// status query right after the terminal push resolves from cache without
// a venue round-trip.
const terminalOrderTTL = 10 * time.Second

// dedupCapacity bounds the order-update dedup LRU.
const dedupCapacity = 2000

// AccountCache is the session's private-state store. Safe for concurrent
// use.
type AccountCache struct {
	mu sync.RWMutex

	orders       map[string]*types.Order // by venue order id
	ordersByCID  map[string]string       // client id → venue order id
	terminal     map[string]terminalEntry
	positions    map[types.Symbol]*types.Position
	balances     map[string]*types.BalanceEntry

	now func() time.Time
}

type terminalEntry struct {
	order     *types.Order
	expiresAt time.Time
}

// NewAccountCache creates an empty cache.
func NewAccountCache() *AccountCache {
	return &AccountCache{
		orders:      make(map[string]*types.Order),
		ordersByCID: make(map[string]string),
		terminal:    make(map[string]terminalEntry),
		positions:   make(map[types.Symbol]*types.Position),
		balances:    make(map[string]*types.BalanceEntry),
		now:         time.Now,
	}
}

// ApplyOrder records an order update. Terminal orders move from the open
// map into the TTL cache.
func (c *AccountCache) ApplyOrder(o *types.Order) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if o.ClientID != "" {
		c.ordersByCID[o.ClientID] = o.ID
	}

	if o.Status.IsTerminal() {
		delete(c.orders, o.ID)
		c.terminal[o.ID] = terminalEntry{order: o, expiresAt: c.now().Add(terminalOrderTTL)}
		return
	}
	c.orders[o.ID] = o
}

// Order looks an order up by venue order id, consulting open orders
// first and then the unexpired terminal cache.
func (c *AccountCache) Order(id string) (*types.Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if o, ok := c.orders[id]; ok {
		return o, true
	}
	if e, ok := c.terminal[id]; ok && c.now().Before(e.expiresAt) {
		return e.order, true
	}
	return nil, false
}

// OrderByClientID resolves a client-supplied id to the order.
func (c *AccountCache) OrderByClientID(clientID string) (*types.Order, bool) {
	c.mu.RLock()
	id, ok := c.ordersByCID[clientID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return c.Order(id)
}

// OpenOrders returns a copy of all non-terminal orders.
func (c *AccountCache) OpenOrders() []*types.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Order, 0, len(c.orders))
	for _, o := range c.orders {
		out = append(out, o)
	}
	return out
}

// ApplyPosition records a position update. Flat positions are evicted.
func (c *AccountCache) ApplyPosition(p *types.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.Flat() {
		delete(c.positions, p.Symbol)
		return
	}
	c.positions[p.Symbol] = p
}

// Position returns the cached position for a symbol.
func (c *AccountCache) Position(symbol types.Symbol) (*types.Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.positions[symbol]
	return p, ok
}

// Positions returns a copy of all cached positions.
func (c *AccountCache) Positions() []*types.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	return out
}

// ApplyBalance records a balance update.
func (c *AccountCache) ApplyBalance(b *types.BalanceEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[b.Currency] = b
}

// Balance returns the cached balance for a currency.
func (c *AccountCache) Balance(currency string) (*types.BalanceEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.balances[currency]
	return b, ok
}

// Sweep drops expired terminal orders. The session calls this from its
// heartbeat loop.
func (c *AccountCache) Sweep() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.terminal {
		if now.After(e.expiresAt) {
			delete(c.terminal, id)
			if e.order.ClientID != "" {
				delete(c.ordersByCID, e.order.ClientID)
			}
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Order-update dedup
// ————————————————————————————————————————————————————————————————————————

type dedupKey struct {
	orderID  string
	clientID string
	filled   string
}

// OrderDedup suppresses repeated pushes of the same order state. Keyed by
// (order id, client id, filled); bounded LRU.
type OrderDedup struct {
	mu   sync.Mutex
	keys map[dedupKey]*list.Element
	lru  *list.List
	cap  int
}

// NewOrderDedup creates a dedup filter with the default capacity.
func NewOrderDedup() *OrderDedup {
	return &OrderDedup{
		keys: make(map[dedupKey]*list.Element),
		lru:  list.New(),
		cap:  dedupCapacity,
	}
}

// Seen records the order state and reports whether an identical push was
// already forwarded.
func (d *OrderDedup) Seen(o *types.Order) bool {
	key := dedupKey{orderID: o.ID, clientID: o.ClientID, filled: o.Filled.String()}

	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.keys[key]; ok {
		d.lru.MoveToFront(el)
		return true
	}
	d.keys[key] = d.lru.PushFront(key)
	for d.lru.Len() > d.cap {
		oldest := d.lru.Back()
		d.lru.Remove(oldest)
		delete(d.keys, oldest.Value.(dedupKey))
	}
	return false
}
