package railmgr

import (
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
)

// RateChange records that Rate applied up to and including UntilEpoch.
type RateChange struct {
	Rate       big.Int
	UntilEpoch abi.ChainEpoch
}

// RateChangeQueue is a sparse FIFO of historical rate segments. Entries
// are produced when an arbitrated rail's rate changes before old epochs
// are settled, and consumed exactly once each during settlement.
//
// The queue is an index-addressed map with head/tail counters rather
// than a slice: entries are only ever removed from the front, so
// nothing is shifted and the counters keep their meaning across
// store round-trips.
type RateChangeQueue struct {
	Head    uint64
	Tail    uint64
	Entries map[uint64]RateChange
}

func (q *RateChangeQueue) Empty() bool {
	return q.Head == q.Tail
}

func (q *RateChangeQueue) Len() int {
	return int(q.Tail - q.Head)
}

func (q *RateChangeQueue) Enqueue(rc RateChange) {
	if q.Entries == nil {
		q.Entries = make(map[uint64]RateChange)
	}
	q.Entries[q.Tail] = rc
	q.Tail++
}

// Peek returns the oldest entry without consuming it.
func (q *RateChangeQueue) Peek() (RateChange, bool) {
	if q.Empty() {
		return RateChange{}, false
	}
	return q.Entries[q.Head], true
}

// PeekTail returns the most recently added entry.
func (q *RateChangeQueue) PeekTail() (RateChange, bool) {
	if q.Empty() {
		return RateChange{}, false
	}
	return q.Entries[q.Tail-1], true
}

func (q *RateChangeQueue) Dequeue() (RateChange, bool) {
	if q.Empty() {
		return RateChange{}, false
	}
	rc := q.Entries[q.Head]
	delete(q.Entries, q.Head)
	q.Head++
	return rc, true
}

// Drain discards all entries; used when a rail is finalized.
func (q *RateChangeQueue) Drain() {
	q.Entries = nil
	q.Head = 0
	q.Tail = 0
}
