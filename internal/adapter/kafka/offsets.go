package kafka

import "sync"

// offsetTracker records fetched offsets per partition and reports how far each
// partition can be committed as deliveries finish.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets
}

type partitionOffsets struct {
	pending []int64 // fetched and not yet committable, ascending
	done    map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int]*partitionOffsets)}
}

func (t *offsetTracker) track(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[partition]
	if !ok {
		p = &partitionOffsets{done: make(map[int64]bool)}
		t.partitions[partition] = p
	}
	p.pending = append(p.pending, offset)
}

// finish marks offset done and returns the highest offset whose predecessors
// are all done. ok is false when nothing new became committable.
func (t *offsetTracker) finish(partition int, offset int64) (commit int64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, exists := t.partitions[partition]
	if !exists {
		return 0, false
	}
	p.done[offset] = true

	n := 0
	for n < len(p.pending) && p.done[p.pending[n]] {
		commit = p.pending[n]
		delete(p.done, commit)
		n++
	}
	if n == 0 {
		return 0, false
	}
	p.pending = p.pending[n:]
	return commit, true
}

// pending returns how many fetched offsets of partition are not yet committable.
func (t *offsetTracker) pending(partition int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.partitions[partition]; ok {
		return len(p.pending)
	}
	return 0
}
