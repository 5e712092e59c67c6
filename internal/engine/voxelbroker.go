package engine

import (
	"sync"

	"github.com/seantiz/voxelgrid/internal/model"
)

// subscriberBufferSize is the channel buffer for each voxel subscriber.
// Voxels are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 256

// VoxelBroker fans out the voxels of running grid runs to subscribers.
// It is safe for concurrent use.
//
// Finished runs are kept as closed markers so a subscriber that arrives after
// the run ends gets a closed channel instead of waiting forever.
type VoxelBroker struct {
	mu     sync.Mutex
	topics map[string]*voxelTopic
}

type voxelTopic struct {
	subs    map[int]chan model.Voxel
	nextID  int
	closed  bool
	dropped int
}

// NewVoxelBroker creates a new voxel broker.
func NewVoxelBroker() *VoxelBroker {
	return &VoxelBroker{
		topics: make(map[string]*voxelTopic),
	}
}

// Subscribe returns a channel receiving the voxels of runID and an
// unsubscribe function. If the run has already finished the channel is
// closed immediately.
func (b *VoxelBroker) Subscribe(runID string) (<-chan model.Voxel, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(runID)
	ch := make(chan model.Voxel, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends v to every subscriber of runID, dropping it for subscribers
// whose buffer is full.
func (b *VoxelBroker) Publish(runID string, v model.Voxel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- v:
		default:
			t.dropped++
		}
	}
}

// Dropped reports how many deliveries to slow subscribers of runID were skipped.
func (b *VoxelBroker) Dropped(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[runID]; ok {
		return t.dropped
	}
	return 0
}

// Close ends the stream for runID. Subscriber channels are closed and later
// Subscribe calls get a closed channel.
func (b *VoxelBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(runID)
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// topic returns the topic for runID, creating it. Callers hold b.mu.
func (b *VoxelBroker) topic(runID string) *voxelTopic {
	t, ok := b.topics[runID]
	if !ok {
		t = &voxelTopic{subs: make(map[int]chan model.Voxel)}
		b.topics[runID] = t
	}
	return t
}
