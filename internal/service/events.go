package service

import (
	"sync"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/GoPolymarket/polyvault/internal/pkg/logger"
)

// EventHub fans vault events out to explicit subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type EventHub struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
}

type subscription struct {
	ch       chan model.Event
	walletID string
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[int]*subscription)}
}

// Subscribe returns a channel of events (optionally limited to one wallet) and a
// cancel func that closes it.
func (h *EventHub) Subscribe(walletID string, buffer int) (<-chan model.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	sub := &subscription{ch: make(chan model.Event, buffer), walletID: walletID}
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

func (h *EventHub) Publish(ev model.Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.walletID != "" && sub.walletID != ev.WalletID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			logger.Warn("event subscriber lagging, dropping event", "type", ev.Type, "wallet_id", ev.WalletID)
		}
	}
}

func (h *EventHub) Subscribers() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
