package watch

import (
	"context"
	"sync"

	"github.com/example/parkhold/internal/parking/domain"
)

const defaultBuffer = 64

// Hub fans spot changes out to per-lot subscribers inside one process.
// Publish never blocks: a subscriber whose buffer is full misses the update
// and is expected to resynchronise with a fresh List.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan domain.Spot
	buffer int
}

// NewHub constructs a Hub. A non-positive buffer selects the default.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{subs: make(map[string]map[int]chan domain.Spot), buffer: buffer}
}

// Subscribe registers for changes in lotID. The channel is closed once ctx ends.
func (h *Hub) Subscribe(ctx context.Context, lotID string) <-chan domain.Spot {
	ch := make(chan domain.Spot, h.buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	if h.subs[lotID] == nil {
		h.subs[lotID] = make(map[int]chan domain.Spot)
	}
	h.subs[lotID][id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs[lotID], id)
		if len(h.subs[lotID]) == 0 {
			delete(h.subs, lotID)
		}
		close(ch)
		h.mu.Unlock()
	}()
	return ch
}

// Publish delivers spot to subscribers of its lot.
func (h *Hub) Publish(spot domain.Spot) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[spot.LotID] {
		select {
		case ch <- spot:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions for lotID.
func (h *Hub) Subscribers(lotID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[lotID])
}
