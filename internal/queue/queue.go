// Package queue implements a durable at-least-once work queue on Redis
// lists. Messages move ready -> per-consumer processing list -> acked
// (removed), nacked back through a delayed set with exponential backoff,
// or rejected onto a dead-letter list once attempts are exhausted.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// Queue is one named durable queue. Multiple consumer processes may share
// a queue; each keeps its own processing list so a crashed consumer's
// in-flight messages can be reclaimed on restart.
type Queue struct {
	client      *redis.Client
	name        string
	consumer    string
	maxAttempts int
}

// New creates a queue handle. consumer should be stable across restarts
// of the same process (e.g. hostname + role) so ReclaimProcessing works.
func New(client *redis.Client, name, consumer string, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Queue{
		client:      client,
		name:        name,
		consumer:    consumer,
		maxAttempts: maxAttempts,
	}
}

func (q *Queue) readyKey() string      { return q.name }
func (q *Queue) processingKey() string { return q.name + ":processing:" + q.consumer }
func (q *Queue) delayedKey() string    { return q.name + ":delayed" }
func (q *Queue) deadKey() string       { return q.name + ":dead" }

// Publish serializes v and appends it to the ready list.
func (q *Queue) Publish(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := q.client.LPush(ctx, q.readyKey(), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", q.name, err)
	}
	return nil
}

// Delivery is one in-flight message. Exactly one of Ack, Nack or Reject
// must conclude it; until then it sits on the processing list and a crash
// leaves it there for ReclaimProcessing.
type Delivery struct {
	Payload []byte
	queue   *Queue
}

// Ack removes the message from the processing list.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.queue.client.LRem(ctx, d.queue.processingKey(), 1, d.Payload).Err()
}

// Nack requeues the message with exponential backoff, or dead-letters it
// once attempts are exhausted. The attempts counter is carried inside the
// message body itself.
func (d *Delivery) Nack(ctx context.Context) error {
	attempts, maxAttempts, patched, err := bumpAttempts(d.Payload, d.queue.maxAttempts)
	if err != nil {
		log.Printf("[queue:%s] malformed message on nack, dead-lettering: %v", d.queue.name, err)
		return d.Reject(ctx)
	}

	if attempts >= maxAttempts {
		log.Printf("[queue:%s] attempts exhausted (%d/%d), dead-lettering", d.queue.name, attempts, maxAttempts)
		if err := d.queue.client.LPush(ctx, d.queue.deadKey(), patched).Err(); err != nil {
			return err
		}
		return d.Ack(ctx)
	}

	delay := backoff(attempts)
	due := float64(time.Now().Add(delay).UnixMilli())
	if err := d.queue.client.ZAdd(ctx, d.queue.delayedKey(), &redis.Z{Score: due, Member: patched}).Err(); err != nil {
		return err
	}
	return d.Ack(ctx)
}

// Reject dead-letters the message without requeue (non-retryable input).
func (d *Delivery) Reject(ctx context.Context) error {
	if err := d.queue.client.LPush(ctx, d.queue.deadKey(), d.Payload).Err(); err != nil {
		return err
	}
	return d.Ack(ctx)
}

// backoff returns the redelivery delay for the given attempt count.
func backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 6 {
		attempts = 6
	}
	return time.Duration(1<<uint(attempts)) * time.Second
}

// bumpAttempts increments the attempts field inside the JSON body and
// returns the new count, the effective max, and the patched payload.
func bumpAttempts(payload []byte, defaultMax int) (attempts, maxAttempts int, patched []byte, err error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return 0, 0, nil, err
	}

	if v, ok := m["attempts"].(float64); ok {
		attempts = int(v)
	}
	attempts++
	m["attempts"] = attempts

	maxAttempts = defaultMax
	if v, ok := m["maxAttempts"].(float64); ok && int(v) > 0 {
		maxAttempts = int(v)
	}

	patched, err = json.Marshal(m)
	if err != nil {
		return 0, 0, nil, err
	}
	return attempts, maxAttempts, patched, nil
}

// ReclaimProcessing pushes messages left on this consumer's processing
// list (from a previous crash) back onto the ready list. Call once at
// startup before Consume.
func (q *Queue) ReclaimProcessing(ctx context.Context) (int, error) {
	n := 0
	for {
		payload, err := q.client.RPopLPush(ctx, q.processingKey(), q.readyKey()).Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("reclaim %s: %w", q.processingKey(), err)
		}
		_ = payload
		n++
	}
}

// Consume runs the blocking consumption loop until ctx is done. prefetch
// bounds how many messages this process handles concurrently. Handler
// errors do not stop the loop; the handler concludes its own delivery.
func (q *Queue) Consume(ctx context.Context, prefetch int, handler func(context.Context, *Delivery)) error {
	if prefetch <= 0 {
		prefetch = 1
	}
	sem := make(chan struct{}, prefetch)

	go q.pumpDelayed(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		payload, err := q.client.BRPopLPush(ctx, q.readyKey(), q.processingKey(), time.Second).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Connection hiccup: the client retries internally, keep looping.
			log.Printf("[queue:%s] pop error: %v", q.name, err)
			time.Sleep(time.Second)
			continue
		}

		sem <- struct{}{}
		d := &Delivery{Payload: []byte(payload), queue: q}
		go func() {
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[queue:%s] handler panic: %v", q.name, r)
					_ = d.Nack(context.Background())
				}
			}()
			handler(ctx, d)
		}()
	}
}

// pumpDelayed promotes due messages from the delayed set to the ready
// list once per second.
func (q *Queue) pumpDelayed(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := fmt.Sprintf("%d", time.Now().UnixMilli())
			members, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
				Min: "-inf", Max: now, Count: 100,
			}).Result()
			if err != nil || len(members) == 0 {
				continue
			}
			for _, m := range members {
				// Remove first so two pumps cannot promote the same member twice.
				removed, err := q.client.ZRem(ctx, q.delayedKey(), m).Result()
				if err != nil || removed == 0 {
					continue
				}
				if err := q.client.LPush(ctx, q.readyKey(), m).Err(); err != nil {
					log.Printf("[queue:%s] promote delayed: %v", q.name, err)
				}
			}
		}
	}
}

// Depths reports ready/processing/delayed/dead list sizes for ops.
func (q *Queue) Depths(ctx context.Context) (ready, processing, delayed, dead int64) {
	ready, _ = q.client.LLen(ctx, q.readyKey()).Result()
	processing, _ = q.client.LLen(ctx, q.processingKey()).Result()
	delayed, _ = q.client.ZCard(ctx, q.delayedKey()).Result()
	dead, _ = q.client.LLen(ctx, q.deadKey()).Result()
	return
}
