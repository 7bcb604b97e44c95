package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBus is the in-process Bus. Each deliberation owns an isolated log
// guarded by its own lock, so appends for different deliberations never
// contend.
type MemoryBus struct {
	mu    sync.RWMutex
	logs  map[string]*memoryLog
	clock func() time.Time
}

type memoryLog struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries []Entry
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		logs:  make(map[string]*memoryLog),
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (b *MemoryBus) WithClock(clock func() time.Time) *MemoryBus {
	b.clock = clock
	return b
}

func (b *MemoryBus) log(deliberationID string, create bool) *memoryLog {
	b.mu.RLock()
	l := b.logs[deliberationID]
	b.mu.RUnlock()
	if l != nil || !create {
		return l
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if l = b.logs[deliberationID]; l == nil {
		l = &memoryLog{}
		l.cond = sync.NewCond(&l.mu)
		b.logs[deliberationID] = l
	}
	return l
}

// Append implements Bus. The per-log mutex linearizes concurrent appends
// for the same deliberation; the assigned sequence is always exactly one
// past the previous entry.
func (b *MemoryBus) Append(ctx context.Context, deliberationID string, e Entry) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l := b.log(deliberationID, true)
	l.mu.Lock()
	defer l.mu.Unlock()

	next := uint64(len(l.entries)) + 1
	if e.Sequence != 0 && e.Sequence != next {
		return 0, fmt.Errorf("%w: append carries sequence %d, next is %d", ErrSequenceViolation, e.Sequence, next)
	}
	e.Sequence = next
	e.DeliberationID = deliberationID
	if e.Timestamp.IsZero() {
		e.Timestamp = b.clock()
	}

	l.entries = append(l.entries, e.clone())
	l.cond.Broadcast()
	return next, nil
}

// Replay implements Bus.
func (b *MemoryBus) Replay(_ context.Context, deliberationID string, fromSequence, toSequence uint64) ([]Entry, error) {
	l := b.log(deliberationID, false)
	if l == nil {
		return nil, ErrUnknownDeliberation
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if fromSequence == 0 {
		fromSequence = 1
	}
	last := uint64(len(l.entries))
	if toSequence == 0 || toSequence > last {
		toSequence = last
	}
	if fromSequence > toSequence {
		return nil, nil
	}

	out := make([]Entry, 0, toSequence-fromSequence+1)
	for _, e := range l.entries[fromSequence-1:toSequence] {
		out = append(out, e.clone())
	}
	return out, nil
}

// Subscribe implements Bus. The subscriber goroutine pulls from the log by
// cursor, so a reconnect with the last seen sequence+1 receives exactly the
// missed entries — no gaps, no duplicates.
func (b *MemoryBus) Subscribe(ctx context.Context, deliberationID string, fromSequence uint64) (*Subscription, error) {
	l := b.log(deliberationID, true)

	if fromSequence == 0 {
		fromSequence = 1
	}

	sub := &Subscription{
		ch:   make(chan Entry, 64),
		done: make(chan struct{}),
	}

	// Wake the cond waiter when the context or subscription ends.
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
		}
		close(stop)
		l.cond.Broadcast()
	}()

	go func() {
		defer close(sub.ch)
		cursor := fromSequence
		for {
			l.mu.Lock()
			for uint64(len(l.entries)) < cursor && !stopped(stop) {
				l.cond.Wait()
			}
			if stopped(stop) {
				l.mu.Unlock()
				return
			}
			batch := make([]Entry, 0, uint64(len(l.entries))-cursor+1)
			for _, e := range l.entries[cursor-1:] {
				batch = append(batch, e.clone())
			}
			l.mu.Unlock()

			for _, e := range batch {
				select {
				case sub.ch <- e:
					cursor = e.Sequence + 1
				case <-stop:
					return
				}
			}
		}
	}()

	return sub, nil
}

func stopped(stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
