package queue

import (
	"context"
	"sort"
	"time"

	"github.com/minyoung/trigger.dev/internal/model"
)

type fakeEntry struct {
	data      []byte
	visibleAt time.Time
}

// FakeQueue is an in-memory Client used by dispatch-loop and
// completion-handler tests. Not safe for concurrent use across goroutines
// beyond what a single test exercises serially.
type FakeQueue struct {
	entries map[string]map[string]*fakeEntry // queueKey -> messageID -> entry
	Acked   []string
	Nacked  []string
}

func NewFakeQueue() *FakeQueue {
	return &FakeQueue{entries: make(map[string]map[string]*fakeEntry)}
}

func (f *FakeQueue) Enqueue(queueKey, messageID string, data []byte) {
	if f.entries[queueKey] == nil {
		f.entries[queueKey] = make(map[string]*fakeEntry)
	}
	f.entries[queueKey][messageID] = &fakeEntry{data: data, visibleAt: time.Time{}}
}

func (f *FakeQueue) Dequeue(ctx context.Context, queueKey string) (*model.QueueMessage, error) {
	bucket := f.entries[queueKey]
	if len(bucket) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(bucket))
	for id := range bucket {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	now := time.Now()
	for _, id := range ids {
		e := bucket[id]
		if e.visibleAt.IsZero() || !e.visibleAt.After(now) {
			return &model.QueueMessage{MessageID: id, Data: e.data}, nil
		}
	}
	return nil, nil
}

func (f *FakeQueue) Ack(ctx context.Context, queueKey string, messageID string) error {
	delete(f.entries[queueKey], messageID)
	f.Acked = append(f.Acked, messageID)
	return nil
}

func (f *FakeQueue) Nack(ctx context.Context, queueKey string, messageID string, visibleAt time.Time) error {
	if bucket := f.entries[queueKey]; bucket != nil {
		if e, ok := bucket[messageID]; ok {
			e.visibleAt = visibleAt
		}
	}
	f.Nacked = append(f.Nacked, messageID)
	return nil
}

func (f *FakeQueue) Heartbeat(ctx context.Context, queueKey string, messageID string, extendSeconds int) error {
	if bucket := f.entries[queueKey]; bucket != nil {
		if e, ok := bucket[messageID]; ok {
			e.visibleAt = time.Now().Add(time.Duration(extendSeconds) * time.Second)
		}
	}
	return nil
}
