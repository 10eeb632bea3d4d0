package notify

import (
	"log"
	"strings"
	"sync"
	"time"
)

// Batcher groups items per key (typically "userID|event") and flushes a
// key's batch once it reaches maxSize or has been pending for maxWait.
// The flush function owns the transport; batching policy stays testable
// without a live endpoint.
type Batcher struct {
	maxSize int
	maxWait time.Duration
	flush   func(key string, items []any)

	mu      sync.Mutex
	batches map[string]*batch
	stopped bool
}

type batch struct {
	items []any
	timer *time.Timer
}

// NewBatcher creates a batcher. flush is called outside the batcher's
// lock, once per full or expired batch.
func NewBatcher(maxSize int, maxWait time.Duration, flush func(key string, items []any)) *Batcher {
	if maxSize <= 0 {
		maxSize = 50
	}
	if maxWait <= 0 {
		maxWait = time.Second
	}
	return &Batcher{
		maxSize: maxSize,
		maxWait: maxWait,
		flush:   flush,
		batches: make(map[string]*batch),
	}
}

// Enqueue adds one item to the key's batch, flushing immediately when the
// batch fills up.
func (b *Batcher) Enqueue(key string, item any) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		log.Printf("[notify] batcher stopped, dropping item for %s", key)
		return
	}

	cur, ok := b.batches[key]
	if !ok {
		cur = &batch{}
		cur.timer = time.AfterFunc(b.maxWait, func() { b.flushKey(key) })
		b.batches[key] = cur
	}
	cur.items = append(cur.items, item)

	if len(cur.items) >= b.maxSize {
		cur.timer.Stop()
		items := cur.items
		delete(b.batches, key)
		b.mu.Unlock()
		b.flush(key, items)
		return
	}
	b.mu.Unlock()
}

// FlushAll drains every pending batch synchronously (shutdown path).
func (b *Batcher) FlushAll() {
	b.mu.Lock()
	pending := make(map[string][]any, len(b.batches))
	for key, cur := range b.batches {
		cur.timer.Stop()
		pending[key] = cur.items
		delete(b.batches, key)
	}
	b.mu.Unlock()

	for key, items := range pending {
		b.flush(key, items)
	}
}

// Stop drains pending batches and refuses further enqueues.
func (b *Batcher) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.FlushAll()
}

func (b *Batcher) flushKey(key string) {
	b.mu.Lock()
	cur, ok := b.batches[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	items := cur.items
	delete(b.batches, key)
	b.mu.Unlock()

	b.flush(key, items)
}

// BatchKey builds the batch key for a target/event pair.
func BatchKey(target, event string) string {
	return target + "|" + event
}

// SplitBatchKey recovers the target and event from a batch key.
func SplitBatchKey(key string) (target, event string) {
	if i := strings.IndexByte(key, '|'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}
