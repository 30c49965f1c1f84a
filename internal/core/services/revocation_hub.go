package services

import (
	"sync"

	"notecollab/internal/core/domain"
)

// RevocationHub fans permission changes out to the sessions of the affected
// document. Publish never blocks and never drops: every subscription owns an
// unbounded queue drained into its channel by a dedicated goroutine.
type RevocationHub struct {
	mu   sync.Mutex
	subs map[domain.DocumentID]map[*RevocationSubscription]struct{}
}

func NewRevocationHub() *RevocationHub {
	return &RevocationHub{
		subs: make(map[domain.DocumentID]map[*RevocationSubscription]struct{}),
	}
}

// RevocationSubscription delivers events for one document on C. C is closed
// after Close.
type RevocationSubscription struct {
	C <-chan domain.RevocationEvent

	hub        *RevocationHub
	documentID domain.DocumentID
	out        chan domain.RevocationEvent

	mu     sync.Mutex
	queue  []domain.RevocationEvent
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Subscribe registers interest in documentID.
func (h *RevocationHub) Subscribe(documentID domain.DocumentID) *RevocationSubscription {
	out := make(chan domain.RevocationEvent)
	sub := &RevocationSubscription{
		C:          out,
		hub:        h,
		documentID: documentID,
		out:        out,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	h.mu.Lock()
	set, ok := h.subs[documentID]
	if !ok {
		set = make(map[*RevocationSubscription]struct{})
		h.subs[documentID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	go sub.pump()
	return sub
}

// Publish queues ev for every subscriber of its document.
func (h *RevocationHub) Publish(ev domain.RevocationEvent) int {
	h.mu.Lock()
	targets := make([]*RevocationSubscription, 0, len(h.subs[ev.DocumentID]))
	for sub := range h.subs[ev.DocumentID] {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.enqueue(ev)
	}
	return len(targets)
}

// SubscriberCount returns the number of live subscriptions for documentID.
func (h *RevocationHub) SubscriberCount(documentID domain.DocumentID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[documentID])
}

func (h *RevocationHub) remove(sub *RevocationSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.documentID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.documentID)
	}
}

func (s *RevocationSubscription) enqueue(ev domain.RevocationEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *RevocationSubscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.notify:
		case <-s.done:
			return
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue[0] = domain.RevocationEvent{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}

// Close unsubscribes. Pending events are discarded.
func (s *RevocationSubscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.done)
	})
}
