// Package reader turns partition-group streams into logical series streams:
// the merge reader combines one path's group readers into a single ordered,
// de-duplicated stream, the factory resolves groups and acquires the
// readers, and the assembler redistributes batched multi-series readers
// into per-path merges.
package reader

import (
	"container/heap"
	"context"
	"fmt"

	"github.com/INLOpen/nexuscluster/core"
	"github.com/INLOpen/nexuscluster/transport"
)

// cursor tracks one group reader's position within the merge. The order
// field is the registration index; it breaks timestamp ties so the group
// encountered first in the resolver's deterministic order wins.
type cursor struct {
	reader transport.BatchReader
	order  int
	buf    core.Batch
	pos    int
}

func (c *cursor) current() core.TimeValuePair {
	return c.buf[c.pos]
}

// advance moves to the next buffered pair, pulling the next remote batch
// when the buffer runs out. Returns false once the reader is exhausted.
func (c *cursor) advance(ctx context.Context) (bool, error) {
	c.pos++
	if c.pos < len(c.buf) {
		return true, nil
	}
	ok, err := c.reader.HasNextBatch(ctx)
	if err != nil || !ok {
		return false, err
	}
	batch, err := c.reader.NextBatch(ctx)
	if err != nil {
		return false, err
	}
	c.buf = batch
	c.pos = 0
	return true, nil
}

// mergeHeap orders live cursors by timestamp in the requested direction,
// breaking ties by registration order.
type mergeHeap struct {
	items []*cursor
	order core.SortOrder
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	ci, cj := h.items[i], h.items[j]
	ti, tj := ci.current().Timestamp, cj.current().Timestamp
	if ti != tj {
		if h.order == core.Descending {
			return ti > tj
		}
		return ti < tj
	}
	return ci.order < cj.order
}

func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mergeHeap) Push(x interface{}) {
	h.items = append(h.items, x.(*cursor))
}

func (h *mergeHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}

// MergeParams holds all parameters for creating a Merge.
type MergeParams struct {
	Path core.Path
	// Readers in the resolver's deterministic group order. The slice order
	// defines the duplicate-timestamp tie-break.
	Readers   []transport.BatchReader
	Order     core.SortOrder
	BatchSize int
}

// Merge is one logical series stream: the k-way merged union of a path's
// group readers. Every timestamp present in any contributing reader appears
// exactly once, in the requested order, with the value taken from the
// earliest-registered reader producing it. Zero constituents is a valid,
// immediately exhausted stream.
type Merge struct {
	path      core.Path
	order     core.SortOrder
	batchSize int
	cursors   []*cursor
	heap      *mergeHeap

	initialized bool
	closed      bool
	err         error
}

var _ transport.BatchReader = (*Merge)(nil)

func NewMerge(params MergeParams) *Merge {
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = 4096
	}
	cursors := make([]*cursor, len(params.Readers))
	for i, r := range params.Readers {
		cursors[i] = &cursor{reader: r, order: i, pos: -1}
	}
	return &Merge{
		path:      params.Path,
		order:     params.Order,
		batchSize: batchSize,
		cursors:   cursors,
		heap:      &mergeHeap{order: params.Order},
	}
}

// Path returns the logical path this stream serves.
func (m *Merge) Path() core.Path { return m.path }

// init primes every cursor and seeds the heap with the non-empty ones.
func (m *Merge) init(ctx context.Context) error {
	if m.initialized {
		return m.err
	}
	m.initialized = true
	for _, c := range m.cursors {
		ok, err := c.advance(ctx)
		if err != nil {
			m.err = err
			return err
		}
		if ok {
			m.heap.items = append(m.heap.items, c)
		}
	}
	heap.Init(m.heap)
	return nil
}

// HasNext reports whether at least one more pair is available.
func (m *Merge) HasNext(ctx context.Context) (bool, error) {
	if err := m.init(ctx); err != nil {
		return false, err
	}
	return m.heap.Len() > 0, nil
}

// Next returns the next pair of the merged stream, applying the
// first-registered-wins rule when several groups report the same timestamp.
func (m *Merge) Next(ctx context.Context) (core.TimeValuePair, error) {
	ok, err := m.HasNext(ctx)
	if err != nil {
		return core.TimeValuePair{}, err
	}
	if !ok {
		return core.TimeValuePair{}, fmt.Errorf("merge reader for %s is exhausted", m.path)
	}

	winner := m.heap.items[0]
	pair := winner.current()
	if err := m.step(ctx, winner); err != nil {
		return core.TimeValuePair{}, err
	}

	// Tied cursors advance past the timestamp without contributing a value.
	for m.heap.Len() > 0 && m.heap.items[0].current().Timestamp == pair.Timestamp {
		if err := m.step(ctx, m.heap.items[0]); err != nil {
			return core.TimeValuePair{}, err
		}
	}
	return pair, nil
}

// step advances the cursor at the heap top and restores heap order,
// dropping the cursor once exhausted.
func (m *Merge) step(ctx context.Context, c *cursor) error {
	ok, err := c.advance(ctx)
	if err != nil {
		m.err = err
		return err
	}
	if ok {
		heap.Fix(m.heap, 0)
	} else {
		heap.Pop(m.heap)
	}
	return nil
}

// HasNextBatch implements the batch pull interface.
func (m *Merge) HasNextBatch(ctx context.Context) (bool, error) {
	return m.HasNext(ctx)
}

// NextBatch returns up to the configured batch size of merged pairs.
func (m *Merge) NextBatch(ctx context.Context) (core.Batch, error) {
	ok, err := m.HasNext(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, transport.ErrExhausted
	}
	batch := make(core.Batch, 0, m.batchSize)
	for len(batch) < m.batchSize {
		ok, err := m.HasNext(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		pair, err := m.Next(ctx)
		if err != nil {
			return nil, err
		}
		batch = append(batch, pair)
	}
	return batch, nil
}

// Close releases every constituent reader exactly once, keeping the first
// close error.
func (m *Merge) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	var firstErr error
	for _, c := range m.cursors {
		if err := c.reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
