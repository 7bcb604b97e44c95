package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus on Redis Streams, for deployments where
// subscribers live in other processes. Each deliberation maps to one stream
// whose entry IDs are "<sequence>-0", so the resume-by-sequence contract
// falls directly out of XRANGE/XREAD semantics.
type RedisBus struct {
	rdb       *redis.Client
	keyPrefix string
	block     time.Duration
	clock     func() time.Time
}

// appendScript atomically bumps the per-deliberation counter and appends
// the entry under that sequence. Counter and stream move together or not
// at all, which keeps the log gapless.
var appendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('XADD', KEYS[2], seq .. '-0', 'entry', ARGV[1])
return seq
`)

// NewRedisBus creates a Redis-backed bus.
func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{
		rdb:       rdb,
		keyPrefix: "concord",
		block:     5 * time.Second,
		clock:     time.Now,
	}
}

func (b *RedisBus) seqKey(id string) string    { return b.keyPrefix + ":seq:" + id }
func (b *RedisBus) streamKey(id string) string { return b.keyPrefix + ":transcript:" + id }

// Append implements Bus.
func (b *RedisBus) Append(ctx context.Context, deliberationID string, e Entry) (uint64, error) {
	if e.Sequence != 0 {
		// Pre-assigned sequences cannot be validated atomically here; the
		// script owns assignment. Reject to preserve the single-writer rule.
		return 0, fmt.Errorf("%w: redis bus assigns sequences, got %d", ErrSequenceViolation, e.Sequence)
	}
	e.DeliberationID = deliberationID
	if e.Timestamp.IsZero() {
		e.Timestamp = b.clock()
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("bus: marshal entry: %w", err)
	}

	seq, err := appendScript.Run(ctx, b.rdb, []string{b.seqKey(deliberationID), b.streamKey(deliberationID)}, payload).Int64()
	if err != nil {
		return 0, fmt.Errorf("bus: redis append: %w", err)
	}
	return uint64(seq), nil
}

// Replay implements Bus.
func (b *RedisBus) Replay(ctx context.Context, deliberationID string, fromSequence, toSequence uint64) ([]Entry, error) {
	if fromSequence == 0 {
		fromSequence = 1
	}
	end := "+"
	if toSequence > 0 {
		end = fmt.Sprintf("%d-0", toSequence)
	}

	msgs, err := b.rdb.XRange(ctx, b.streamKey(deliberationID), fmt.Sprintf("%d-0", fromSequence), end).Result()
	if err != nil {
		return nil, fmt.Errorf("bus: redis replay: %w", err)
	}
	if len(msgs) == 0 {
		exists, err := b.rdb.Exists(ctx, b.streamKey(deliberationID)).Result()
		if err != nil {
			return nil, fmt.Errorf("bus: redis exists: %w", err)
		}
		if exists == 0 {
			return nil, ErrUnknownDeliberation
		}
		return nil, nil
	}

	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		e, err := decodeMessage(m)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Subscribe implements Bus. Backlog is served via XRANGE, then the reader
// tails the stream with blocking XREAD from the last delivered ID.
func (b *RedisBus) Subscribe(ctx context.Context, deliberationID string, fromSequence uint64) (*Subscription, error) {
	if fromSequence == 0 {
		fromSequence = 1
	}

	sub := &Subscription{
		ch:   make(chan Entry, 64),
		done: make(chan struct{}),
	}

	go func() {
		defer close(sub.ch)
		lastID := fmt.Sprintf("%d-0", fromSequence-1)
		stream := b.streamKey(deliberationID)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			default:
			}

			res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Block:   b.block,
				Count:   128,
			}).Result()
			if err != nil {
				if err == redis.Nil {
					continue // block timeout, poll again
				}
				if ctx.Err() != nil {
					return
				}
				continue
			}

			for _, s := range res {
				for _, m := range s.Messages {
					e, err := decodeMessage(m)
					if err != nil {
						continue
					}
					select {
					case sub.ch <- e:
						lastID = m.ID
					case <-ctx.Done():
						return
					case <-sub.done:
						return
					}
				}
			}
		}
	}()

	return sub, nil
}

func decodeMessage(m redis.XMessage) (Entry, error) {
	raw, ok := m.Values["entry"].(string)
	if !ok {
		return Entry{}, fmt.Errorf("bus: stream message %s has no entry field", m.ID)
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, fmt.Errorf("bus: decode entry %s: %w", m.ID, err)
	}
	if e.Sequence == 0 {
		// Sequence is authoritative from the stream ID.
		idPart := strings.SplitN(m.ID, "-", 2)[0]
		if seq, err := strconv.ParseUint(idPart, 10, 64); err == nil {
			e.Sequence = seq
		}
	}
	return e, nil
}
