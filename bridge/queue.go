package bridge

import "sync"

// queue hands events to a single consumer without ever blocking the
// producer. It grows instead of dropping, so a slow consumer costs memory
// but never loses a finish or error event. Order is FIFO.
type queue struct {
	out    chan Event
	notify chan struct{}
	done   chan struct{}
	items  []Event
	mu     sync.Mutex
	once   sync.Once
}

func newQueue() *queue {
	q := &queue{
		out:    make(chan Event),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.pump()
	return q
}

// push appends ev. It never blocks; after close it drops ev.
func (q *queue) push(ev Event) {
	q.mu.Lock()
	select {
	case <-q.done:
		q.mu.Unlock()
		return
	default:
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pending reports how many events are waiting for the consumer.
func (q *queue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
				continue
			case <-q.done:
				return
			}
		}
		ev := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		if len(q.items) == 0 {
			q.items = nil
		}
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.done:
			return
		}
	}
}

// close stops delivery and closes the output channel. Undelivered events
// are discarded.
func (q *queue) close() {
	q.once.Do(func() {
		q.mu.Lock()
		close(q.done)
		q.items = nil
		q.mu.Unlock()
	})
}
