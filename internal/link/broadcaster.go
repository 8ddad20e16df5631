package link

import (
	"sync"
	"time"

	"gpslink/internal/gps"
)

// Update is one published view of the controller: the connection state and
// the latest fused fix. Fix is nil until the first sentence decodes; it is
// kept across disconnects as the last known estimate.
type Update struct {
	Seq      uint64      `json:"seq"`
	State    State       `json:"state"`
	Status   string      `json:"status"`
	Endpoint *Endpoint   `json:"endpoint,omitempty"`
	Fix      *gps.GeoFix `json:"fix,omitempty"`
	At       time.Time   `json:"at"`
}

// Broadcaster fans out updates from a single writer to any listeners.
// It keeps the most recent value so new subscribers get it immediately.
//
// Publish never blocks: when a subscriber's buffer is full its oldest pending
// update is dropped in favor of the new one.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]chan Update
	nextID int
	last   Update
	closed bool
}

func NewBroadcaster(initial Update) *Broadcaster {
	return &Broadcaster{
		subs: make(map[int]chan Update),
		last: initial,
	}
}

func (b *Broadcaster) Subscribe(buffer int) (int, <-chan Update) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan Update, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return -1, ch
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	ch <- b.last
	return id, ch
}

func (b *Broadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) Publish(u Update) {
	if b == nil {
		return
	}
	// Holding the lock while sending keeps Unsubscribe from closing a
	// channel mid-send; every send below is non-blocking.
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.last = u
	for _, ch := range b.subs {
		select {
		case ch <- u:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
		}
	}
}

// Last returns the most recently published update.
func (b *Broadcaster) Last() Update {
	if b == nil {
		return Update{}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last
}

// Close ends every subscription. Later publishes are ignored.
func (b *Broadcaster) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
