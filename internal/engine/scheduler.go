package engine

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"alertdelivery/internal/clock"
	"alertdelivery/internal/domain"
)

// idleWait bounds the driver sleep when no timer is armed.
const idleWait = time.Minute

// escalationEntry is one armed escalation timer.
// Params: anchor delivery key, dispatch context carried from Dispatch,
// last dispatched generation, and the fire deadline.
// Returns: scheduler state element consumed once on fire or disarm.
type escalationEntry struct {
	Anchor               domain.DeliveryKey
	Message              domain.AlertMessage
	Recipient            domain.AlertRecipient
	EscalationRecipients []domain.AlertRecipient
	Generation           int
	Deadline             time.Time
}

// timerEntry is one heap element wrapping an escalation entry.
// Params: entry payload, heap index, and single-winner consumed flag.
// Returns: mutable scheduler bookkeeping record.
type timerEntry struct {
	entry    escalationEntry
	index    int
	consumed bool
}

// timerHeap orders armed entries by deadline.
type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].entry.Deadline.Before(h[j].entry.Deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)         { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler arms escalation timers and fires them through one driver
// goroutine. Each armed delivery is consumed exactly once: a Disarm
// racing a firing timer is a no-op for whichever side loses.
// Params: clock, logger, and the expiry callback.
// Returns: escalation timer state machine.
type Scheduler struct {
	mu      sync.Mutex
	heap    timerHeap
	entries map[string]*timerEntry
	wake    chan struct{}
	clk     clock.Clock
	logger  *slog.Logger
	fire    func(entry escalationEntry)
}

// NewScheduler creates an idle scheduler; Run starts the driver.
// Params: clock, logger, and the callback invoked per fired entry.
// Returns: scheduler ready for Arm/Disarm calls.
func NewScheduler(clk clock.Clock, logger *slog.Logger, fire func(entry escalationEntry)) *Scheduler {
	return &Scheduler{
		entries: make(map[string]*timerEntry),
		wake:    make(chan struct{}, 1),
		clk:     clk,
		logger:  logger.With("component", "escalation_scheduler"),
		fire:    fire,
	}
}

// Run drives armed timers until ctx is canceled.
// Params: lifecycle context.
// Returns: blocks until cancellation.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		wait := s.nextWait()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			s.expireDue(s.clk.Now())
		}
	}
}

// nextWait computes the sleep until the earliest deadline.
// Params: none.
// Returns: bounded non-negative wait duration.
func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return idleWait
	}
	wait := s.heap[0].entry.Deadline.Sub(s.clk.Now())
	if wait < 0 {
		return 0
	}
	if wait > idleWait {
		return idleWait
	}
	return wait
}

// Arm registers or replaces one escalation timer keyed by the anchor
// delivery id.
// Params: entry with deadline and dispatch context.
// Returns: driver woken to pick up the new deadline.
func (s *Scheduler) Arm(entry escalationEntry) {
	key := entry.Anchor.String()
	s.mu.Lock()
	if existing, ok := s.entries[key]; ok && !existing.consumed {
		existing.consumed = true
		heap.Remove(&s.heap, existing.index)
	}
	wrapped := &timerEntry{entry: entry}
	s.entries[key] = wrapped
	heap.Push(&s.heap, wrapped)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.logger.Debug("escalation timer armed",
		"delivery_id", key,
		"generation", entry.Generation,
		"deadline", entry.Deadline)
}

// Disarm cancels one armed timer; disarming an already-fired or unknown
// timer is a no-op.
// Params: anchor delivery id.
// Returns: true when an armed timer was canceled.
func (s *Scheduler) Disarm(deliveryID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disarmLocked(deliveryID)
}

// DisarmPair cancels every armed timer of one (message, recipient) pair.
// Params: message and recipient ids.
// Returns: number of timers canceled.
func (s *Scheduler) DisarmPair(messageID, recipientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	canceled := 0
	for key, wrapped := range s.entries {
		if wrapped.entry.Anchor.MessageID != messageID || wrapped.entry.Anchor.RecipientID != recipientID {
			continue
		}
		if s.disarmLocked(key) {
			canceled++
		}
	}
	return canceled
}

// disarmLocked removes one entry under the held mutex.
// Params: anchor delivery id.
// Returns: true when the entry was still armed.
func (s *Scheduler) disarmLocked(deliveryID string) bool {
	wrapped, ok := s.entries[deliveryID]
	if !ok || wrapped.consumed {
		return false
	}
	wrapped.consumed = true
	heap.Remove(&s.heap, wrapped.index)
	delete(s.entries, deliveryID)
	return true
}

// Armed reports whether one anchor delivery has a live timer.
// Params: anchor delivery id.
// Returns: true when armed and not yet consumed.
func (s *Scheduler) Armed(deliveryID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	wrapped, ok := s.entries[deliveryID]
	return ok && !wrapped.consumed
}

// ArmedCount returns the number of live timers.
// Params: none.
// Returns: armed entry count.
func (s *Scheduler) ArmedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// expireDue consumes every entry whose deadline has passed and fires
// the callback outside the mutex. Each entry fires at most once.
// Params: evaluation time.
// Returns: number of entries fired.
func (s *Scheduler) expireDue(now time.Time) int {
	s.mu.Lock()
	var due []escalationEntry
	for len(s.heap) > 0 && !s.heap[0].entry.Deadline.After(now) {
		wrapped := heap.Pop(&s.heap).(*timerEntry)
		if wrapped.consumed {
			continue
		}
		wrapped.consumed = true
		delete(s.entries, wrapped.entry.Anchor.String())
		due = append(due, wrapped.entry)
	}
	s.mu.Unlock()

	for _, entry := range due {
		s.fire(entry)
	}
	return len(due)
}
