package agent

import (
	"log/slog"
	"sync"

	"github.com/kubeadapt/pve-agent/pkg/model"
)

// Subscriber receives each new snapshot.
type Subscriber func(*model.Snapshot)

// broadcaster fans snapshots out to subscribers. Every subscriber has its
// own queue and goroutine, so a slow or panicking one only delays itself.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[uint64]*subscription)}
}

// subscribe registers fn and returns a func that unregisters it. Snapshots
// already queued for fn when it unsubscribes are discarded.
func (b *broadcaster) subscribe(fn Subscriber) func() {
	sub := &subscription{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.run()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.stop()
	}
}

// publish queues snap for every current subscriber.
func (b *broadcaster) publish(snap *model.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		sub.enqueue(snap)
	}
}

// close stops every subscriber goroutine. Later subscribes are no-ops.
func (b *broadcaster) close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*subscription)
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (b *broadcaster) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

type subscription struct {
	fn Subscriber

	mu      sync.Mutex
	pending []*model.Snapshot

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (s *subscription) enqueue(snap *model.Snapshot) {
	s.mu.Lock()
	s.pending = append(s.pending, snap)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			snap := s.pending[0]
			s.pending[0] = nil
			s.pending = s.pending[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.deliver(snap)
		}
	}
}

func (s *subscription) deliver(snap *model.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("snapshot subscriber panicked",
				"snapshot_id", snap.SnapshotID,
				"panic", r,
			)
		}
	}()
	s.fn(snap)
}
