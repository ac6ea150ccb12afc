package ws

import (
	"sync"
)

// Hub fans messages out to in-process subscribers grouped by tenant.
// It has no net/http or gorilla dependency; connection handlers register
// a buffered channel and pump it to their socket.
type Hub struct {
	mu         sync.RWMutex
	tenants    map[string]map[string]chan Message
	register   chan registration
	unregister chan registration
	broadcast  chan tenantMessage
	shutdown   chan struct{}
	stopOnce   sync.Once
	dropped    func(tenantID, id string)
}

type subscriber struct {
	tenantID string
	id       string
}

type registration struct {
	subscriber
	ch chan Message
}

type tenantMessage struct {
	tenantID string
	msg      Message
}

// NewHub creates and starts a new Hub.
func NewHub() *Hub {
	h := &Hub{
		tenants:    make(map[string]map[string]chan Message),
		register:   make(chan registration),
		unregister: make(chan registration),
		broadcast:  make(chan tenantMessage, 256),
		shutdown:   make(chan struct{}),
	}
	go h.run()
	return h
}

// OnDrop sets a callback invoked when a subscriber's buffer is full and a
// message is skipped. It must be set before the hub is used.
func (h *Hub) OnDrop(fn func(tenantID, id string)) {
	h.dropped = fn
}

func (h *Hub) run() {
	for {
		select {
		case reg := <-h.register:
			h.mu.Lock()
			subs, ok := h.tenants[reg.tenantID]
			if !ok {
				subs = make(map[string]chan Message)
				h.tenants[reg.tenantID] = subs
			}
			if old, exists := subs[reg.id]; exists {
				close(old)
			}
			subs[reg.id] = reg.ch
			h.mu.Unlock()
		case sub := <-h.unregister:
			h.mu.Lock()
			if subs, ok := h.tenants[sub.tenantID]; ok {
				if ch, ok := subs[sub.id]; ok && ch == sub.ch {
					close(ch)
					delete(subs, sub.id)
				}
				if len(subs) == 0 {
					delete(h.tenants, sub.tenantID)
				}
			}
			h.mu.Unlock()
		case tm := <-h.broadcast:
			h.mu.RLock()
			for id, ch := range h.tenants[tm.tenantID] {
				select {
				case ch <- tm.msg:
				default:
					if h.dropped != nil {
						h.dropped(tm.tenantID, id)
					}
				}
			}
			h.mu.RUnlock()
		case <-h.shutdown:
			h.mu.Lock()
			for tenantID, subs := range h.tenants {
				for id, ch := range subs {
					close(ch)
					delete(subs, id)
				}
				delete(h.tenants, tenantID)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Register subscribes ch to messages for tenantID under id. Registering an
// id that already exists closes the previous channel (device reconnect).
// The channel should be buffered. It returns false once the hub is stopped;
// ch is then left untouched and never receives.
func (h *Hub) Register(tenantID, id string, ch chan Message) bool {
	select {
	case h.register <- registration{subscriber: subscriber{tenantID: tenantID, id: id}, ch: ch}:
		return true
	case <-h.shutdown:
		return false
	}
}

// Unregister removes and closes ch if it is still the channel registered
// under id. A stale unregister after a reconnect is ignored.
func (h *Hub) Unregister(tenantID, id string, ch chan Message) {
	select {
	case h.unregister <- registration{subscriber: subscriber{tenantID: tenantID, id: id}, ch: ch}:
	case <-h.shutdown:
	}
}

// Broadcast queues msg for every subscriber of tenantID. It never blocks;
// when the hub queue is full the message is dropped.
func (h *Hub) Broadcast(tenantID string, msg Message) {
	select {
	case h.broadcast <- tenantMessage{tenantID: tenantID, msg: msg}:
	default:
	}
}

// Count returns the number of subscribers for a tenant.
func (h *Hub) Count(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tenants[tenantID])
}

// Total returns the number of subscribers across tenants.
func (h *Hub) Total() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.tenants {
		n += len(subs)
	}
	return n
}

// Stop shuts down the hub and closes all subscriber channels.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.shutdown) })
}
